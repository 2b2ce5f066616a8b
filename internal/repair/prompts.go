package repair

import (
	"fmt"
	"strings"

	"forge/internal/types"
)

const fixSystemPrompt = `You repair failing Go test snippets. Reply with a single JSON object:
{"analysis": "...", "fixed_code": "...", "explanation": "..."}
The fixed_code must be a complete, self-contained Go snippet declaring the
same entry function. No markdown, no commentary outside the JSON.`

// generalFixPrompt carries the full failure context for strategy 0.
func generalFixPrompt(spec *types.TestSpec, result *types.TestResult) string {
	return fmt.Sprintf(`Fix this failing test.

Name: %s
Type: %s
Code:
%s

Inputs: %s
Success criteria: %s
Failure reason: %s
Trace:
%s`,
		spec.Name, spec.Type, spec.Code,
		inputsJSON(spec.Inputs), spec.SuccessCriteria.String(),
		result.FailureReason, result.Trace)
}

// categoryPrompt picks a specialized repair prompt by failure category for
// strategy 1 when no deterministic rule fired.
func categoryPrompt(spec *types.TestSpec, result *types.TestResult) string {
	reason := strings.ToLower(result.FailureReason)
	var guidance string
	switch {
	case strings.Contains(reason, "syntax") || strings.Contains(reason, "expected") || strings.Contains(reason, "parse"):
		guidance = "The code has a syntax error. Rewrite it as valid Go, preserving the intended behavior."
	case strings.Contains(reason, "undefined"):
		guidance = "The code references an undefined name. Define it or remove the reference."
	case strings.Contains(reason, "field") || strings.Contains(reason, "attribute") || strings.Contains(reason, "method"):
		guidance = "The code accesses a field or method that does not exist. Use only fields the values actually have."
	case strings.Contains(reason, "argument") || strings.Contains(reason, "parameter"):
		guidance = fmt.Sprintf("The entry function's parameters do not match the supplied inputs (%s). Rewrite the signature to accept exactly those inputs.",
			strings.Join(spec.Inputs.Names(), ", "))
	default:
		guidance = "Fix whatever prevents this code from running and satisfying its criteria."
	}

	return fmt.Sprintf(`%s

Failing code:
%s

Failure reason: %s
Inputs: %s
Success criteria: %s`,
		guidance, spec.Code, result.FailureReason,
		inputsJSON(spec.Inputs), spec.SuccessCriteria.String())
}

func inputsJSON(in types.Inputs) string {
	data, err := in.MarshalJSON()
	if err != nil {
		return "{}"
	}
	return string(data)
}
