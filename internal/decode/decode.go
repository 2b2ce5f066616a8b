// Package decode recovers JSON payloads from unreliable generated text. It
// tries progressively more invasive strategies: parse as-is, slice the outer
// braces, pull a fenced block, then run an ordered repair pipeline before a
// final parse attempt.
package decode

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrNoJSON reports that no decodable object could be recovered from the text.
var ErrNoJSON = errors.New("no decodable JSON object found")

// Extract returns the first decodable JSON object found in text. The
// resolution order is fixed; each strategy is attempted only if the previous
// one failed.
func Extract(text string) ([]byte, error) {
	candidates := []string{text}

	if sliced, ok := braceSlice(text); ok {
		candidates = append(candidates, sliced)
	}
	if fenced, ok := fencedBlock(text); ok {
		candidates = append(candidates, fenced)
		if sliced, ok := braceSlice(fenced); ok {
			candidates = append(candidates, sliced)
		}
	}

	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if json.Valid([]byte(c)) {
			return []byte(c), nil
		}
	}

	// Repair pipeline over the most promising candidate, then re-parse.
	for i := len(candidates) - 1; i >= 0; i-- {
		repaired := Repair(candidates[i])
		if repaired != "" && json.Valid([]byte(repaired)) {
			return []byte(repaired), nil
		}
	}

	return nil, fmt.Errorf("%w in %d chars of text", ErrNoJSON, len(text))
}

// Marshal encodes v with the package's JSON configuration.
func Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal extracts a JSON object from text and decodes it into out.
func Unmarshal(text string, out any) error {
	data, err := Extract(text)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode recovered JSON: %w", err)
	}
	return nil
}

// braceSlice cuts the text from the first '{' to the last '}'.
func braceSlice(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return "", false
	}
	return text[start : end+1], true
}

var (
	jsonFenceRe = regexp.MustCompile("(?s)```json\\s*(.*?)```")
	anyFenceRe  = regexp.MustCompile("(?s)```[a-zA-Z]*\\s*(.*?)```")
)

// fencedBlock returns the body of the first markdown code fence, preferring
// explicit ```json fences.
func fencedBlock(text string) (string, bool) {
	if m := jsonFenceRe.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1]), true
	}
	if m := anyFenceRe.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1]), true
	}
	return "", false
}

// repairPass is one deterministic text transformation. Passes run in a fixed
// order; each is independently tested.
type repairPass struct {
	name  string
	apply func(string) string
}

var repairPasses = []repairPass{
	{"normalize-quotes", normalizeQuotes},
	{"quote-bare-keys", quoteBareKeys},
	{"strip-trailing-commas", stripTrailingCommas},
	{"quote-bare-values", quoteBareValues},
	{"insert-missing-separators", insertMissingSeparators},
	{"strip-comments", stripComments},
}

// Repair runs the full repair pipeline over the text. The result is not
// guaranteed to parse; callers re-validate.
func Repair(text string) string {
	for _, p := range repairPasses {
		text = p.apply(text)
	}
	return strings.TrimSpace(text)
}

var (
	curlyQuoteReplacer = strings.NewReplacer(
		"“", `"`, "”", `"`, // curly double quotes
		"‘", "'", "’", "'", // curly single quotes
	)
	singleQuotedRe = regexp.MustCompile(`'([^'\\]*)'`)
)

// normalizeQuotes converts typographic quotes to ASCII and rewrites
// single-quoted string delimiters as double quotes.
func normalizeQuotes(s string) string {
	s = curlyQuoteReplacer.Replace(s)
	return singleQuotedRe.ReplaceAllString(s, `"$1"`)
}

var bareKeyRe = regexp.MustCompile(`([{,]\s*)([A-Za-z_][A-Za-z0-9_]*)\s*:`)

// quoteBareKeys wraps unquoted object keys in double quotes.
func quoteBareKeys(s string) string {
	return bareKeyRe.ReplaceAllString(s, `$1"$2":`)
}

var trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)

func stripTrailingCommas(s string) string {
	return trailingCommaRe.ReplaceAllString(s, `$1`)
}

var bareValueRe = regexp.MustCompile(`:\s*([A-Za-z_][A-Za-z0-9_ ]*?)\s*([,}\]])`)

// quoteBareValues wraps unquoted word values, leaving JSON literals alone.
func quoteBareValues(s string) string {
	return bareValueRe.ReplaceAllStringFunc(s, func(m string) string {
		sub := bareValueRe.FindStringSubmatch(m)
		word := strings.TrimSpace(sub[1])
		switch word {
		case "true", "false", "null":
			return m
		}
		return `: "` + word + `"` + sub[2]
	})
}

var (
	objectSeamRe = regexp.MustCompile(`}\s*{`)
	arraySeamRe  = regexp.MustCompile(`]\s*\[`)
)

// insertMissingSeparators puts the comma back between adjacent objects or
// arrays written without one.
func insertMissingSeparators(s string) string {
	s = objectSeamRe.ReplaceAllString(s, "},{")
	return arraySeamRe.ReplaceAllString(s, "],[")
}

// stripComments removes // line comments and /* */ blocks outside of string
// literals.
func stripComments(s string) string {
	var out strings.Builder
	out.Grow(len(s))
	inString := false
	inLine := false
	inBlock := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case inLine:
			if c == '\n' {
				inLine = false
				out.WriteByte(c)
			}
		case inBlock:
			if c == '*' && i+1 < len(s) && s[i+1] == '/' {
				inBlock = false
				i++
			}
		case inString:
			out.WriteByte(c)
			if c == '\\' && i+1 < len(s) {
				i++
				out.WriteByte(s[i])
			} else if c == '"' {
				inString = false
			}
		default:
			if c == '"' {
				inString = true
				out.WriteByte(c)
			} else if c == '/' && i+1 < len(s) && s[i+1] == '/' {
				inLine = true
				i++
			} else if c == '/' && i+1 < len(s) && s[i+1] == '*' {
				inBlock = true
				i++
			} else {
				out.WriteByte(c)
			}
		}
	}
	return out.String()
}
