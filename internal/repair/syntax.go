package repair

import (
	"fmt"
	"regexp"
	"strings"
)

// syntaxRule is one deterministic code repair. Rules run in order; the first
// rule that changes the code wins the attempt.
type syntaxRule struct {
	name  string
	apply func(code, failureReason string) (string, bool)
}

var syntaxRules = []syntaxRule{
	{"close-unterminated-string", closeUnterminatedStrings},
	{"add-missing-func-brace", addMissingFuncBrace},
	{"balance-parens", balanceParens},
	{"balance-braces", balanceBraces},
	{"fix-double-colons", fixDoubleColons},
	{"collapse-doubled-commas", collapseDoubledCommas},
	{"rebind-single-parameter", rebindSingleParameter},
}

// applySyntaxRules runs the rule ladder and reports which rule fired.
func applySyntaxRules(code, failureReason string) (string, string, bool) {
	for _, rule := range syntaxRules {
		if fixed, ok := rule.apply(code, failureReason); ok && fixed != code {
			return fixed, rule.name, true
		}
	}
	return code, "", false
}

// closeUnterminatedStrings appends a closing quote to any line with an odd
// number of unescaped double quotes.
func closeUnterminatedStrings(code, _ string) (string, bool) {
	lines := strings.Split(code, "\n")
	changed := false
	for i, line := range lines {
		count := 0
		for j := 0; j < len(line); j++ {
			if line[j] == '"' && (j == 0 || line[j-1] != '\\') {
				count++
			}
		}
		if count%2 == 1 {
			lines[i] = line + `"`
			changed = true
		}
	}
	if !changed {
		return code, false
	}
	return strings.Join(lines, "\n"), true
}

var funcHeaderNoBraceRe = regexp.MustCompile(`^func\s+\w+\s*\(.*\)[^{]*$`)

// addMissingFuncBrace appends the opening brace to a function header that
// lacks one.
func addMissingFuncBrace(code, _ string) (string, bool) {
	lines := strings.Split(code, "\n")
	changed := false
	for i, line := range lines {
		trimmed := strings.TrimRight(line, " \t")
		if funcHeaderNoBraceRe.MatchString(strings.TrimSpace(trimmed)) && !strings.HasSuffix(trimmed, ",") {
			lines[i] = trimmed + " {"
			changed = true
		}
	}
	if !changed {
		return code, false
	}
	return strings.Join(lines, "\n"), true
}

// balanceParens appends missing closing parentheses, counting outside string
// literals.
func balanceParens(code, _ string) (string, bool) {
	open := countOutsideStrings(code, '(') - countOutsideStrings(code, ')')
	if open <= 0 {
		return code, false
	}
	return code + strings.Repeat(")", open), true
}

// balanceBraces appends missing closing braces.
func balanceBraces(code, _ string) (string, bool) {
	open := countOutsideStrings(code, '{') - countOutsideStrings(code, '}')
	if open <= 0 {
		return code, false
	}
	return code + "\n" + strings.TrimSuffix(strings.Repeat("}\n", open), "\n"), true
}

func countOutsideStrings(code string, target byte) int {
	n := 0
	inString := false
	for i := 0; i < len(code); i++ {
		c := code[i]
		if c == '\\' && inString {
			i++
			continue
		}
		if c == '"' {
			inString = !inString
			continue
		}
		if !inString && c == target {
			n++
		}
	}
	return n
}

// fixDoubleColons rewrites stray double colons as selectors.
func fixDoubleColons(code, _ string) (string, bool) {
	if !strings.Contains(code, "::") {
		return code, false
	}
	return strings.ReplaceAll(code, "::", "."), true
}

// collapseDoubledCommas removes accidental double commas.
func collapseDoubledCommas(code, _ string) (string, bool) {
	if !strings.Contains(code, ",,") {
		return code, false
	}
	out := code
	for strings.Contains(out, ",,") {
		out = strings.ReplaceAll(out, ",,", ",")
	}
	return out, true
}

var (
	mismatchInputRe = regexp.MustCompile(`inputs \(([^)]+)\)`)
	funcSigRe       = regexp.MustCompile(`func\s+(\w+)\s*\([^)]*\)`)
)

// rebindSingleParameter rewrites the entry signature to take the single
// supplied input by name when the failure is a parameter mismatch. This is
// the "unexpected input name" repair: the inputs are the source of truth.
func rebindSingleParameter(code, failureReason string) (string, bool) {
	if !strings.Contains(failureReason, "parameter mismatch") &&
		!strings.Contains(failureReason, "argument count mismatch") {
		return code, false
	}
	m := mismatchInputRe.FindStringSubmatch(failureReason)
	if m == nil {
		return code, false
	}
	names := strings.Split(m[1], ",")
	if len(names) != 1 {
		return code, false
	}
	name := strings.TrimSpace(names[0])
	if name == "" {
		return code, false
	}

	fixed := funcSigRe.ReplaceAllStringFunc(code, func(sig string) string {
		fn := funcSigRe.FindStringSubmatch(sig)
		return fmt.Sprintf("func %s(%s float64)", fn[1], name)
	})
	return fixed, fixed != code
}
