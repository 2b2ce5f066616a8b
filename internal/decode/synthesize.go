package decode

import (
	"errors"
	"regexp"
	"strings"
)

// ErrNoCode reports text with no recoverable code fragment.
var ErrNoCode = errors.New("no code fragment found")

var (
	goFenceRe   = regexp.MustCompile("(?s)```go\\s*(.*?)```")
	funcDeclRe  = regexp.MustCompile(`(?s)func\s+\w+\s*\([^)]*\)[^{]*\{`)
	defaultCode = "func TestFunction(value float64) float64 {\n\treturn value * 2\n}"
)

// codeFragment pulls a Go-looking substring from free text: a fenced ```go
// block first, else everything from the first func declaration to the end of
// its balanced braces.
func codeFragment(text string) (string, bool) {
	if m := goFenceRe.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1]), true
	}
	loc := funcDeclRe.FindStringIndex(text)
	if loc == nil {
		return "", false
	}
	// Walk from the opening brace until it balances out.
	depth := 0
	for i := loc[1] - 1; i < len(text); i++ {
		switch text[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return strings.TrimSpace(text[loc[0] : i+1]), true
			}
		}
	}
	return strings.TrimSpace(text[loc[0]:]), true
}

// SynthesizedSpec is the minimal test-spec shape built when no JSON could be
// recovered at all.
type SynthesizedSpec struct {
	Name            string         `json:"name"`
	Type            string         `json:"type"`
	Description     string         `json:"description"`
	Code            string         `json:"code"`
	Inputs          map[string]any `json:"inputs"`
	SuccessCriteria string         `json:"success_criteria"`
}

// SynthesizeSpec builds a minimal runnable spec around whatever code-looking
// fragment the text contains, with placeholder metadata. Text carrying no
// code at all returns ErrNoCode; the caller has its own deterministic
// fallback for that case.
func SynthesizeSpec(text string) ([]byte, error) {
	code, ok := codeFragment(text)
	if !ok {
		return nil, ErrNoCode
	}
	spec := SynthesizedSpec{
		Name:            "recovered_test",
		Type:            "generic",
		Description:     "synthesized from unparseable generation output",
		Code:            code,
		Inputs:          map[string]any{"value": 10},
		SuccessCriteria: "output == value * 2",
	}
	return json.Marshal(spec)
}

// SynthesizedFix is the minimal fix shape built from unparseable fix output.
type SynthesizedFix struct {
	Analysis    string `json:"analysis"`
	FixedCode   string `json:"fixed_code"`
	Explanation string `json:"explanation"`
}

// SynthesizeFix builds a minimal fix record around a code fragment in text.
func SynthesizeFix(text string) ([]byte, error) {
	code, ok := codeFragment(text)
	if !ok {
		code = defaultCode
	}
	fix := SynthesizedFix{
		Analysis:    "response could not be decoded; recovered embedded code",
		FixedCode:   code,
		Explanation: "synthesized fix from unparseable repair output",
	}
	return json.Marshal(fix)
}
