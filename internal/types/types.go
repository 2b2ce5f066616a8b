// Package types defines the records exchanged between the pipeline
// components: test specifications, execution results, and fixes.
package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// TestType classifies how a spec is executed.
type TestType string

const (
	TestFunction    TestType = "function"
	TestIntegration TestType = "integration"
	TestSystem      TestType = "system"
	TestPerformance TestType = "performance"
	TestGeneric     TestType = "generic"
)

// Normalize maps unknown type strings to TestGeneric.
func (t TestType) Normalize() TestType {
	switch t {
	case TestFunction, TestIntegration, TestSystem, TestPerformance:
		return t
	default:
		return TestGeneric
	}
}

// TestSpec is a runnable specification: code, inputs and a declarative
// success condition. Specs are produced by the generator or by the repair
// engine (as a fixed variant referencing OriginalID). Once persisted a spec
// is never deleted; a fixed replacement is a new record linked by id.
type TestSpec struct {
	ID              int64     `json:"id,omitempty"`
	Name            string    `json:"name"`
	Type            TestType  `json:"type"`
	Complexity      string    `json:"complexity,omitempty"`
	Description     string    `json:"description,omitempty"`
	Code            string    `json:"code"`
	Inputs          Inputs    `json:"inputs"`
	SuccessCriteria Criteria  `json:"success_criteria"`
	TimeoutSeconds  float64   `json:"timeout_seconds,omitempty"`
	IsFixedVersion  bool      `json:"is_fixed_version,omitempty"`
	OriginalID      int64     `json:"original_id,omitempty"`
	IsFallback      bool      `json:"is_fallback,omitempty"`
	CreatedAt       time.Time `json:"created_at,omitempty"`
}

// Timeout returns the per-test execution deadline, defaulting to 30s.
func (s *TestSpec) Timeout() time.Duration {
	if s.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s.TimeoutSeconds * float64(time.Second))
}

// Clone returns a shallow copy suitable for building a fixed variant.
func (s *TestSpec) Clone() *TestSpec {
	c := *s
	return &c
}

// TestResult records one execution attempt of a spec. Results accumulate
// per spec id over time; they are never rewritten.
type TestResult struct {
	TestID        int64          `json:"test_id"`
	Passed        bool           `json:"passed"`
	Output        any            `json:"output,omitempty"`
	FailureReason string         `json:"failure_reason,omitempty"`
	Trace         string         `json:"traceback,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
	ExecutionTime time.Duration  `json:"execution_time"`
	Timestamp     time.Time      `json:"timestamp"`
}

// Fix is a candidate replacement for a failing spec. Success is set only
// after the repair engine has verified the fix by re-running it; NewTestID
// is assigned iff Success.
type Fix struct {
	TestID      int64     `json:"test_id"`
	FixType     string    `json:"fix_type"`
	Analysis    string    `json:"analysis,omitempty"`
	FixedCode   string    `json:"fixed_code,omitempty"`
	Explanation string    `json:"explanation,omitempty"`
	Success     bool      `json:"success"`
	NewTestID   int64     `json:"new_test_id,omitempty"`
	IsFallback  bool      `json:"is_fallback,omitempty"`
	Output      string    `json:"output,omitempty"`
	Error       string    `json:"error,omitempty"`
	AppliedAt   time.Time `json:"applied_at,omitempty"`
}

// Input is one named value supplied to a test entry point.
type Input struct {
	Name  string
	Value any
}

// Inputs is either an ordered name→value mapping or a single scalar.
// Insertion order matters: the runner's parameter adaptation passes values
// positionally in this order when names do not line up.
type Inputs struct {
	pairs    []Input
	scalar   any
	isScalar bool
}

// NewInputs builds an ordered mapping.
func NewInputs(pairs ...Input) Inputs {
	return Inputs{pairs: pairs}
}

// ScalarInputs wraps a single non-mapping value.
func ScalarInputs(v any) Inputs {
	return Inputs{scalar: v, isScalar: true}
}

// IsMapping reports whether the inputs are a name→value mapping.
func (in Inputs) IsMapping() bool { return !in.isScalar }

// IsEmpty reports whether no inputs were supplied at all.
func (in Inputs) IsEmpty() bool { return !in.isScalar && len(in.pairs) == 0 }

// Len returns the number of mapped values (0 for scalars).
func (in Inputs) Len() int {
	if in.isScalar {
		return 0
	}
	return len(in.pairs)
}

// Scalar returns the wrapped scalar value.
func (in Inputs) Scalar() any { return in.scalar }

// Pairs returns the mapping in insertion order.
func (in Inputs) Pairs() []Input { return in.pairs }

// Names returns the mapped names in insertion order.
func (in Inputs) Names() []string {
	names := make([]string, len(in.pairs))
	for i, p := range in.pairs {
		names[i] = p.Name
	}
	return names
}

// Values returns the mapped values in insertion order.
func (in Inputs) Values() []any {
	vals := make([]any, len(in.pairs))
	for i, p := range in.pairs {
		vals[i] = p.Value
	}
	return vals
}

// Get looks a value up by name.
func (in Inputs) Get(name string) (any, bool) {
	for _, p := range in.pairs {
		if p.Name == name {
			return p.Value, true
		}
	}
	return nil, false
}

// First returns the first mapped value, or the scalar.
func (in Inputs) First() (any, bool) {
	if in.isScalar {
		return in.scalar, in.scalar != nil
	}
	if len(in.pairs) == 0 {
		return nil, false
	}
	return in.pairs[0].Value, true
}

// Map flattens the mapping for binding environments. Scalar inputs bind
// under the name "value".
func (in Inputs) Map() map[string]any {
	m := make(map[string]any, len(in.pairs)+1)
	if in.isScalar {
		if in.scalar != nil {
			m["value"] = in.scalar
		}
		return m
	}
	for _, p := range in.pairs {
		m[p.Name] = p.Value
	}
	return m
}

// UnmarshalJSON preserves object key order, which encoding/json's map type
// discards. Non-object payloads become scalar inputs.
func (in *Inputs) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*in = Inputs{}
		return nil
	}
	if trimmed[0] != '{' {
		var v any
		if err := json.Unmarshal(trimmed, &v); err != nil {
			return fmt.Errorf("decode scalar inputs: %w", err)
		}
		*in = ScalarInputs(normalizeNumbers(v))
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	if _, err := dec.Token(); err != nil { // consume '{'
		return fmt.Errorf("decode inputs object: %w", err)
	}
	var pairs []Input
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("decode inputs key: %w", err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("decode inputs: non-string key %v", keyTok)
		}
		var val any
		if err := dec.Decode(&val); err != nil {
			return fmt.Errorf("decode inputs value for %q: %w", key, err)
		}
		pairs = append(pairs, Input{Name: key, Value: normalizeNumbers(val)})
	}
	*in = Inputs{pairs: pairs}
	return nil
}

// MarshalJSON writes the mapping back in insertion order.
func (in Inputs) MarshalJSON() ([]byte, error) {
	if in.isScalar {
		return json.Marshal(in.scalar)
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, p := range in.pairs {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(p.Name)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(p.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// normalizeNumbers converts json.Number values (and nested containers) to
// float64 so downstream comparisons see one numeric kind.
func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case []any:
		for i := range t {
			t[i] = normalizeNumbers(t[i])
		}
		return t
	case map[string]any:
		for k := range t {
			t[k] = normalizeNumbers(t[k])
		}
		return t
	default:
		return v
	}
}

// Criteria is a declarative success condition: an expression string, a
// structured object, or free text. The evaluator's resolution ladder keys
// off which form is present.
type Criteria struct {
	Text   string
	Fields map[string]any
}

// ExprCriteria wraps an expression or free-text condition.
func ExprCriteria(text string) Criteria { return Criteria{Text: text} }

// ObjectCriteria wraps a structured condition.
func ObjectCriteria(fields map[string]any) Criteria { return Criteria{Fields: fields} }

// IsEmpty reports whether no condition was supplied.
func (c Criteria) IsEmpty() bool { return c.Text == "" && c.Fields == nil }

// IsStructured reports whether the condition is a mapping.
func (c Criteria) IsStructured() bool { return c.Fields != nil }

// String renders the condition for prompts and failure reasons.
func (c Criteria) String() string {
	if c.Fields != nil {
		b, err := json.Marshal(c.Fields)
		if err != nil {
			return fmt.Sprintf("%v", c.Fields)
		}
		return string(b)
	}
	return c.Text
}

func (c *Criteria) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*c = Criteria{}
		return nil
	}
	if trimmed[0] == '{' {
		var fields map[string]any
		if err := json.Unmarshal(trimmed, &fields); err != nil {
			return fmt.Errorf("decode structured criteria: %w", err)
		}
		*c = Criteria{Fields: fields}
		return nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return fmt.Errorf("decode criteria string: %w", err)
		}
		*c = Criteria{Text: s}
		return nil
	}
	// Bare number or boolean: keep its textual form.
	*c = Criteria{Text: string(trimmed)}
	return nil
}

func (c Criteria) MarshalJSON() ([]byte, error) {
	if c.Fields != nil {
		return json.Marshal(c.Fields)
	}
	return json.Marshal(c.Text)
}
