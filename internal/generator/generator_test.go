package generator

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"forge/internal/types"
)

type scriptedLLM struct {
	responses []string
}

func (s *scriptedLLM) CompleteWithSystem(ctx context.Context, system, prompt string) string {
	if len(s.responses) == 0 {
		return "nothing useful"
	}
	r := s.responses[0]
	s.responses = s.responses[1:]
	return r
}

type memStore struct {
	nextID    int64
	saved     []*types.TestSpec
	results   []*types.TestResult
	knowledge map[string]any
}

func newMemStore() *memStore {
	return &memStore{knowledge: make(map[string]any)}
}

func (m *memStore) SaveTest(spec *types.TestSpec) (int64, error) {
	m.nextID++
	spec.ID = m.nextID
	m.saved = append(m.saved, spec)
	return m.nextID, nil
}

func (m *memStore) SaveKnowledge(key string, value any) error {
	m.knowledge[key] = value
	return nil
}

func (m *memStore) GetKnowledge(key string, out any) (bool, error) {
	_, ok := m.knowledge[key]
	return ok, nil
}

func (m *memStore) RecentTests(n int) ([]*types.TestSpec, error) {
	if len(m.saved) < n {
		n = len(m.saved)
	}
	return m.saved[:n], nil
}

func (m *memStore) RecentResults(n int) ([]*types.TestResult, error) {
	if len(m.results) < n {
		n = len(m.results)
	}
	return m.results[:n], nil
}

const goodSpecJSON = `{
  "name": "squares",
  "type": "function",
  "description": "squares the input",
  "code": "func TestSquare(value float64) float64 { return value * value }",
  "inputs": {"value": 4},
  "success_criteria": "output == value * value",
  "timeout_seconds": 5
}`

func TestGenerateValidSpec(t *testing.T) {
	ms := newMemStore()
	g := New(&scriptedLLM{responses: []string{goodSpecJSON}}, ms, zap.NewNop(), "beginner")

	specs := g.GenerateTests(context.Background(), 1)
	require.Len(t, specs, 1)

	spec := specs[0]
	assert.Equal(t, "squares", spec.Name)
	assert.Equal(t, types.TestFunction, spec.Type)
	assert.NotZero(t, spec.ID) // persisted
	assert.Equal(t, []string{"value"}, spec.Inputs.Names())
}

func TestGenerateRetriesThenFallsBack(t *testing.T) {
	ms := newMemStore()
	g := New(&scriptedLLM{}, ms, zap.NewNop(), "beginner")

	specs := g.GenerateTests(context.Background(), 1)
	require.Len(t, specs, 1)
	assert.True(t, specs[0].IsFallback)
	assert.Contains(t, specs[0].Code, "value * 2")
}

func TestGenerateSynthesizesSpecFromBareCode(t *testing.T) {
	ms := newMemStore()
	// no decodable JSON in any attempt, but the last reply carries code
	g := New(&scriptedLLM{responses: []string{
		"nope",
		"still nope",
		"here you go\n```go\nfunc TestTriple(value float64) float64 { return value * 3 }\n```",
	}}, ms, zap.NewNop(), "beginner")

	specs := g.GenerateTests(context.Background(), 1)
	require.Len(t, specs, 1)
	assert.Equal(t, "recovered_test", specs[0].Name)
	assert.False(t, specs[0].IsFallback)
	assert.Contains(t, specs[0].Code, "value * 3")
}

func TestDecodeSpecWrapsScalarInputs(t *testing.T) {
	g := New(&scriptedLLM{}, nil, zap.NewNop(), "beginner")
	spec, err := g.decodeSpec(`{
		"name": "scalar", "type": "function",
		"code": "func TestId(value float64) float64 { return value }",
		"inputs": 7
	}`)
	require.NoError(t, err)
	assert.True(t, spec.Inputs.IsMapping())
	v, ok := spec.Inputs.Get("value")
	require.True(t, ok)
	assert.Equal(t, float64(7), v)
	// missing criteria get the doubling default
	assert.Equal(t, "output == value * 2", spec.SuccessCriteria.String())
}

func TestDecodeSpecRejectsUnparseableCode(t *testing.T) {
	g := New(&scriptedLLM{}, nil, zap.NewNop(), "beginner")
	_, err := g.decodeSpec(`{"name": "bad", "type": "function", "code": "func Test((( {"}`)
	assert.Error(t, err)
}

func TestDecodeSpecRejectsMissingFields(t *testing.T) {
	g := New(&scriptedLLM{}, nil, zap.NewNop(), "beginner")
	_, err := g.decodeSpec(`{"type": "function"}`)
	assert.Error(t, err)
}

func TestErrorRecorderClassifiesFailures(t *testing.T) {
	ms := newMemStore()
	// a response with no JSON at all, then one that decodes but lacks a name
	g := New(&scriptedLLM{responses: []string{
		"no json here",
		`{"type": "function", "code": "func TestX() int { return 1 }"}`,
		goodSpecJSON,
	}}, ms, zap.NewNop(), "beginner")

	recorded := map[string]int{}
	g.SetErrorRecorder(func(category, details string) { recorded[category]++ })

	specs := g.GenerateTests(context.Background(), 1)
	require.Len(t, specs, 1)
	assert.False(t, specs[0].IsFallback)
	assert.Equal(t, 1, recorded["malformed_response"])
	assert.Equal(t, 1, recorded["spec_validation_failure"])
}

func TestComplexitySteps(t *testing.T) {
	ms := newMemStore()
	g := New(&scriptedLLM{responses: manyGood(3)}, ms, zap.NewNop(), "beginner")

	// all passing: step up
	for i := 0; i < 10; i++ {
		ms.results = append(ms.results, &types.TestResult{Passed: true})
	}
	g.GenerateTests(context.Background(), 1)
	assert.Equal(t, "intermediate", g.Complexity())

	// mostly failing: step back down
	ms.results = nil
	for i := 0; i < 10; i++ {
		ms.results = append(ms.results, &types.TestResult{Passed: i < 2})
	}
	g.GenerateTests(context.Background(), 1)
	assert.Equal(t, "beginner", g.Complexity())
}

func TestComplexityNeedsFullWindow(t *testing.T) {
	ms := newMemStore()
	g := New(&scriptedLLM{responses: manyGood(1)}, ms, zap.NewNop(), "beginner")

	for i := 0; i < 4; i++ {
		ms.results = append(ms.results, &types.TestResult{Passed: true})
	}
	g.GenerateTests(context.Background(), 1)
	assert.Equal(t, "beginner", g.Complexity())
}

func manyGood(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf(`{
  "name": "gen_%d",
  "type": "function",
  "code": "func TestGen(value float64) float64 { return value * 2 }",
  "inputs": {"value": %d},
  "success_criteria": "output == value * 2"
}`, i, i+1)
	}
	return out
}
