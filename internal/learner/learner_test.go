package learner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"forge/internal/types"
)

type scriptedLLM struct {
	responses []string
	calls     int
}

func (s *scriptedLLM) CompleteWithSystem(ctx context.Context, system, prompt string) string {
	s.calls++
	if len(s.responses) == 0 {
		return "nothing useful"
	}
	r := s.responses[0]
	s.responses = s.responses[1:]
	return r
}

type memStore struct {
	knowledge map[string]any
}

func newMemStore() *memStore {
	return &memStore{knowledge: make(map[string]any)}
}

func (m *memStore) SaveKnowledge(key string, value any) error {
	m.knowledge[key] = value
	return nil
}

func (m *memStore) GetKnowledge(key string, out any) (bool, error) {
	_, ok := m.knowledge[key]
	return ok, nil
}

func specMap(specs ...*types.TestSpec) map[int64]*types.TestSpec {
	out := make(map[int64]*types.TestSpec, len(specs))
	for _, s := range specs {
		out[s.ID] = s
	}
	return out
}

func TestLearnFromFixesCountsPatterns(t *testing.T) {
	ms := newMemStore()
	llm := &scriptedLLM{responses: []string{
		`{"insights": ["prefer float64 params"], "recommendation": "keep signatures simple"}`,
	}}
	l := New(llm, ms, nil, zap.NewNop())

	spec := &types.TestSpec{ID: 1, Type: types.TestFunction, Code: "func TestA() {}"}
	fixes := []*types.Fix{
		{TestID: 1, FixType: "llm_fix", FixedCode: "func TestA() int { return 1 }", Success: true},
		{TestID: 1, FixType: "llm_fix", FixedCode: "", Success: false}, // ignored
	}
	l.LearnFromFixes(context.Background(), specMap(spec), fixes)

	fixesLearned, _ := l.Stats()
	assert.Equal(t, 1, fixesLearned)
	assert.Contains(t, ms.knowledge, "fix_pattern_function_llm_fix")
	assert.Contains(t, ms.knowledge, "learning_stats")
	assert.Equal(t, 1, llm.calls) // significant fix got one insight request
}

func TestLearnFromFixesSkipsInsightForFallback(t *testing.T) {
	ms := newMemStore()
	llm := &scriptedLLM{}
	l := New(llm, ms, nil, zap.NewNop())

	spec := &types.TestSpec{ID: 2, Type: types.TestFunction}
	fixes := []*types.Fix{
		{TestID: 2, FixType: "fallback", FixedCode: "func TestFunction(value float64) float64 { return value * 2 }", Success: true, IsFallback: true},
	}
	l.LearnFromFixes(context.Background(), specMap(spec), fixes)

	assert.Zero(t, llm.calls)
	assert.Contains(t, ms.knowledge, "fix_pattern_function_fallback")
}

func TestLearnFromFixesSurvivesGarbageInsight(t *testing.T) {
	ms := newMemStore()
	llm := &scriptedLLM{responses: []string{"not json at all"}}
	l := New(llm, ms, nil, zap.NewNop())

	spec := &types.TestSpec{ID: 3, Type: types.TestIntegration, Code: "old"}
	fixes := []*types.Fix{
		{TestID: 3, FixType: "syntax_fix", FixedCode: "new", Success: true},
	}
	l.LearnFromFixes(context.Background(), specMap(spec), fixes)

	fixesLearned, _ := l.Stats()
	assert.Equal(t, 1, fixesLearned)
	assert.Contains(t, ms.knowledge, "fix_pattern_integration_syntax_fix")
}

func TestLearnFromSuccessesNeedsEnoughExamples(t *testing.T) {
	ms := newMemStore()
	l := New(&scriptedLLM{}, ms, nil, zap.NewNop())

	funcSpec := &types.TestSpec{ID: 10, Type: types.TestFunction}
	perfSpec := &types.TestSpec{ID: 11, Type: types.TestPerformance}
	specs := specMap(funcSpec, perfSpec)

	results := []*types.TestResult{
		{TestID: 10, Passed: true},
		{TestID: 10, Passed: true},
		{TestID: 10, Passed: true},
		{TestID: 11, Passed: true},
		{TestID: 11, Passed: true}, // only two performance examples
		{TestID: 10, Passed: false},
	}
	l.LearnFromSuccesses(context.Background(), specs, results)

	assert.Contains(t, ms.knowledge, "success_pattern_function")
	assert.NotContains(t, ms.knowledge, "success_pattern_performance")

	_, successes := l.Stats()
	assert.Equal(t, 3, successes)
}

func TestLearnFromSuccessesIgnoresFailures(t *testing.T) {
	ms := newMemStore()
	l := New(&scriptedLLM{}, ms, nil, zap.NewNop())

	spec := &types.TestSpec{ID: 20, Type: types.TestFunction}
	results := []*types.TestResult{
		{TestID: 20, Passed: false},
		{TestID: 20, Passed: false},
		{TestID: 20, Passed: false},
	}
	l.LearnFromSuccesses(context.Background(), specMap(spec), results)

	assert.NotContains(t, ms.knowledge, "success_pattern_function")
	_, successes := l.Stats()
	require.Zero(t, successes)
}
