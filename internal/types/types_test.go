package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInputsPreserveOrder(t *testing.T) {
	var in Inputs
	require.NoError(t, json.Unmarshal([]byte(`{"b": 2, "a": 1, "c": 3}`), &in))

	assert.True(t, in.IsMapping())
	assert.Equal(t, []string{"b", "a", "c"}, in.Names())
	assert.Equal(t, []any{float64(2), float64(1), float64(3)}, in.Values())

	out, err := json.Marshal(in)
	require.NoError(t, err)
	assert.Equal(t, `{"b":2,"a":1,"c":3}`, string(out))
}

func TestInputsScalar(t *testing.T) {
	var in Inputs
	require.NoError(t, json.Unmarshal([]byte(`42`), &in))

	assert.False(t, in.IsMapping())
	assert.Equal(t, float64(42), in.Scalar())
	assert.Equal(t, map[string]any{"value": float64(42)}, in.Map())

	v, ok := in.First()
	assert.True(t, ok)
	assert.Equal(t, float64(42), v)
}

func TestInputsNested(t *testing.T) {
	var in Inputs
	require.NoError(t, json.Unmarshal([]byte(`{"items": [1, 2], "opts": {"n": 5}}`), &in))

	items, ok := in.Get("items")
	require.True(t, ok)
	assert.Equal(t, []any{float64(1), float64(2)}, items)

	opts, ok := in.Get("opts")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"n": float64(5)}, opts)
}

func TestInputsNull(t *testing.T) {
	var in Inputs
	require.NoError(t, json.Unmarshal([]byte(`null`), &in))
	assert.True(t, in.IsEmpty())
	assert.Equal(t, 0, in.Len())
}

func TestCriteriaForms(t *testing.T) {
	tests := []struct {
		name       string
		payload    string
		structured bool
		rendered   string
	}{
		{"expression", `"output == value * 2"`, false, "output == value * 2"},
		{"structured", `{"expected": 20}`, true, `{"expected":20}`},
		{"bare number", `20`, false, "20"},
		{"empty", `""`, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c Criteria
			require.NoError(t, json.Unmarshal([]byte(tt.payload), &c))
			assert.Equal(t, tt.structured, c.IsStructured())
			assert.Equal(t, tt.rendered, c.String())
		})
	}
}

func TestSpecTimeoutDefault(t *testing.T) {
	s := TestSpec{}
	assert.Equal(t, 30*time.Second, s.Timeout())

	s.TimeoutSeconds = 2.5
	assert.Equal(t, 2500*time.Millisecond, s.Timeout())
}

func TestTypeNormalize(t *testing.T) {
	assert.Equal(t, TestFunction, TestType("function").Normalize())
	assert.Equal(t, TestGeneric, TestType("quantum").Normalize())
	assert.Equal(t, TestGeneric, TestType("").Normalize())
}

func TestSpecRoundTrip(t *testing.T) {
	spec := TestSpec{
		Name:            "doubling",
		Type:            TestFunction,
		Code:            "func TestDouble(value int) int { return value * 2 }",
		Inputs:          NewInputs(Input{Name: "value", Value: float64(10)}),
		SuccessCriteria: ExprCriteria("output == value * 2"),
		TimeoutSeconds:  5,
	}
	data, err := json.Marshal(spec)
	require.NoError(t, err)

	var back TestSpec
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, spec.Name, back.Name)
	assert.Equal(t, spec.Inputs.Names(), back.Inputs.Names())
	assert.Equal(t, spec.SuccessCriteria.String(), back.SuccessCriteria.String())
}
