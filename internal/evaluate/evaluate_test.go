package evaluate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forge/internal/types"
)

func TestEmptyCriteriaPasses(t *testing.T) {
	assert.True(t, Evaluate(nil, types.Criteria{}, nil))
	assert.True(t, Evaluate("anything", types.ExprCriteria(""), nil))
}

func TestFallbackBindingPasses(t *testing.T) {
	criteria := types.ExprCriteria("output == 999999")
	bindings := map[string]any{FallbackBinding: true}
	assert.True(t, Evaluate(0, criteria, bindings))

	bindings[FallbackBinding] = false
	assert.False(t, Evaluate(0, criteria, bindings))
}

func TestDoublingExpression(t *testing.T) {
	criteria := types.ExprCriteria("output == value * 2")
	assert.True(t, Evaluate(float64(20), criteria, map[string]any{"value": float64(10)}))
	assert.False(t, Evaluate(float64(21), criteria, map[string]any{"value": float64(10)}))
	// mixed numeric kinds coerce
	assert.True(t, Evaluate(20, criteria, map[string]any{"value": 10}))
}

func TestStructuredCriteria(t *testing.T) {
	assert.True(t, Evaluate(nil, types.ObjectCriteria(map[string]any{"expected": 20}), nil))
	assert.True(t, Evaluate(nil, types.ObjectCriteria(map[string]any{"result": true}), nil))
	assert.True(t, Evaluate(nil, types.ObjectCriteria(map[string]any{"status": "true"}), nil))
	assert.False(t, Evaluate(nil, types.ObjectCriteria(map[string]any{"result": false}), nil))
	// only the string "true" is truthy; other strings are inconclusive
	assert.False(t, Evaluate(nil, types.ObjectCriteria(map[string]any{"status": "passed"}), nil))
	assert.False(t, Evaluate(nil, types.ObjectCriteria(map[string]any{"other": 1}), nil))
}

func TestStructuredInconclusiveFallsThrough(t *testing.T) {
	// an object with no decisive key is matched by its rendered form
	criteria := types.ObjectCriteria(map[string]any{"other": 1})
	assert.True(t, Evaluate(`saw {"other":1} in the log`, criteria, nil))
	assert.False(t, Evaluate("unrelated", criteria, nil))
}

func TestStringHeuristics(t *testing.T) {
	assert.True(t, Evaluate("hello world", types.ExprCriteria("hello"), nil))
	assert.True(t, Evaluate("ok", types.ExprCriteria("returns ok on success"), nil))
}

func TestNumericHeuristic(t *testing.T) {
	assert.True(t, Evaluate(float64(42), types.ExprCriteria("42"), nil))
	assert.False(t, Evaluate(float64(41), types.ExprCriteria("42"), nil))
}

func TestTwiceHeuristic(t *testing.T) {
	criteria := types.ExprCriteria("the output should be twice the input")
	assert.True(t, Evaluate(float64(20), criteria, map[string]any{"value": float64(10)}))
	assert.False(t, Evaluate(float64(25), criteria, map[string]any{"value": float64(10)}))
}

func TestLastRungContainmentDirection(t *testing.T) {
	// the criteria text must appear in the rendered output, never the
	// other way around
	assert.True(t, Evaluate(map[string]any{"result": 1}, types.ExprCriteria("result"), nil))
	assert.False(t, Evaluate(float64(42), types.ExprCriteria("answer contains 42"), nil))
}

func TestExprWhitelist(t *testing.T) {
	// calls, selectors and indexing are rejected outright
	for _, src := range []string{
		`len(output) > 0`,
		`output.Field == 1`,
		`output[0] == 1`,
		`func() bool { return true }()`,
	} {
		_, err := EvalBool(src, map[string]any{"output": 1})
		require.Error(t, err, src)
		assert.ErrorIs(t, err, ErrUnsupportedExpr)
	}
}

func TestExprOperators(t *testing.T) {
	env := map[string]any{"a": float64(6), "b": float64(3), "s": "ok"}
	tests := []struct {
		src  string
		want bool
	}{
		{`a > b && b > 0`, true},
		{`a < b || b == 3`, true},
		{`!(a == b)`, true},
		{`a + b == 9`, true},
		{`a - b == 3`, true},
		{`a / b == 2`, true},
		{`a % b == 0`, true},
		{`-a == -6`, true},
		{`s == "ok"`, true},
		{`s != "ok"`, false},
		{`(a + b) * 2 >= 18`, true},
	}
	for _, tt := range tests {
		got, err := EvalBool(tt.src, env)
		require.NoError(t, err, tt.src)
		assert.Equal(t, tt.want, got, tt.src)
	}
}

func TestExprUnboundIdentifier(t *testing.T) {
	_, err := EvalBool("missing == 1", map[string]any{})
	assert.ErrorIs(t, err, ErrUnsupportedExpr)
}

func TestExprShortCircuit(t *testing.T) {
	// right side would error on an unbound name, but never evaluates
	got, err := EvalBool("false && missing == 1", nil)
	require.NoError(t, err)
	assert.False(t, got)

	got, err = EvalBool("true || missing == 1", nil)
	require.NoError(t, err)
	assert.True(t, got)
}
