package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"forge/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "forge.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndLoadTest(t *testing.T) {
	s := newTestStore(t)

	spec := &types.TestSpec{
		Name:            "doubling",
		Type:            types.TestFunction,
		Complexity:      "beginner",
		Code:            "func TestDouble(value float64) float64 { return value * 2 }",
		Inputs:          types.NewInputs(types.Input{Name: "value", Value: float64(10)}),
		SuccessCriteria: types.ExprCriteria("output == value * 2"),
		TimeoutSeconds:  5,
	}
	id, err := s.SaveTest(spec)
	require.NoError(t, err)
	assert.Equal(t, id, spec.ID)

	back, err := s.GetTestByID(id)
	require.NoError(t, err)
	assert.Equal(t, "doubling", back.Name)
	assert.Equal(t, types.TestFunction, back.Type)
	assert.Equal(t, []string{"value"}, back.Inputs.Names())
	assert.Equal(t, "output == value * 2", back.SuccessCriteria.String())
	assert.Equal(t, 5.0, back.TimeoutSeconds)
}

func TestGetMissingTest(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetTestByID(999)
	assert.Error(t, err)
}

func TestResultsAccumulate(t *testing.T) {
	s := newTestStore(t)

	id, err := s.SaveTest(&types.TestSpec{Name: "t", Type: types.TestGeneric, Code: "x"})
	require.NoError(t, err)

	require.NoError(t, s.SaveTestResult(id, &types.TestResult{
		TestID: id, Passed: false, FailureReason: "boom",
		ExecutionTime: 12 * time.Millisecond,
	}))
	require.NoError(t, s.SaveTestResult(id, &types.TestResult{
		TestID: id, Passed: true, Output: float64(20),
		ExecutionTime: 8 * time.Millisecond,
	}))

	results, err := s.RecentResults(10)
	require.NoError(t, err)
	require.Len(t, results, 2)
	// newest first
	assert.True(t, results[0].Passed)
	assert.Equal(t, float64(20), results[0].Output)
	assert.False(t, results[1].Passed)
	assert.Equal(t, "boom", results[1].FailureReason)
}

func TestKnowledgeRoundTrip(t *testing.T) {
	s := newTestStore(t)

	type stats struct {
		Attempted  int `json:"attempted"`
		Successful int `json:"successful"`
	}
	require.NoError(t, s.SaveKnowledge("fix_knowledge", stats{Attempted: 3, Successful: 1}))

	var back stats
	found, err := s.GetKnowledge("fix_knowledge", &back)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 3, back.Attempted)

	// upsert is last-write-wins
	require.NoError(t, s.SaveKnowledge("fix_knowledge", stats{Attempted: 5, Successful: 2}))
	_, err = s.GetKnowledge("fix_knowledge", &back)
	require.NoError(t, err)
	assert.Equal(t, 5, back.Attempted)

	found, err = s.GetKnowledge("never_written", &back)
	require.NoError(t, err)
	assert.False(t, found)

	all, err := s.AllKnowledge()
	require.NoError(t, err)
	assert.Contains(t, all, "fix_knowledge")
}

func TestFixedTestMapping(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.RecordFixedTest(1, 2))
	// duplicate link is ignored
	require.NoError(t, s.RecordFixedTest(1, 2))
}

func TestRecentTestsOrder(t *testing.T) {
	s := newTestStore(t)
	for _, name := range []string{"first", "second", "third"} {
		_, err := s.SaveTest(&types.TestSpec{Name: name, Type: types.TestGeneric, Code: "x"})
		require.NoError(t, err)
	}
	specs, err := s.RecentTests(2)
	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.Equal(t, "third", specs[0].Name)
	assert.Equal(t, "second", specs[1].Name)
}

func TestCycles(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveCycle(1, map[string]any{"tests_run": 3}))
	require.NoError(t, s.SaveCycle(2, map[string]any{"tests_run": 1}))

	n, err := s.CycleCount()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
