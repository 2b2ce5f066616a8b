package tracker

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// memStore is an in-memory KnowledgeStore.
type memStore struct {
	data map[string]any
}

func newMemStore() *memStore { return &memStore{data: make(map[string]any)} }

func (m *memStore) SaveKnowledge(key string, value any) error {
	m.data[key] = value
	return nil
}

func (m *memStore) GetKnowledge(key string, out any) (bool, error) {
	_, ok := m.data[key]
	return ok, nil
}

func TestRecordErrorRing(t *testing.T) {
	tr := New(nil, zap.NewNop())
	for i := 0; i < 25; i++ {
		tr.RecordError("test_execution_failure", fmt.Sprintf("failure %d", i))
	}

	cat, rec, ok := tr.MostCommonError()
	require.True(t, ok)
	assert.Equal(t, "test_execution_failure", cat)
	assert.Equal(t, 25, rec.Count)
	// ring keeps only the newest ten
	require.Len(t, rec.Recent, occurrenceRing)
	assert.Equal(t, "failure 24", rec.Recent[len(rec.Recent)-1].Details)
	assert.Equal(t, "failure 15", rec.Recent[0].Details)
}

func TestMostCommonError(t *testing.T) {
	tr := New(nil, zap.NewNop())
	_, _, ok := tr.MostCommonError()
	assert.False(t, ok)

	tr.RecordError("a", "x")
	tr.RecordError("b", "x")
	tr.RecordError("b", "x")

	cat, rec, ok := tr.MostCommonError()
	require.True(t, ok)
	assert.Equal(t, "b", cat)
	assert.Equal(t, 2, rec.Count)
}

func TestSignatureNormalization(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"panic at line 42 in handler", "panic at line XXX in handler"},
		{`File "/tmp/x/gen.go" not parseable`, `File "XXX" not parseable`},
		{"nil deref at 0xc0000b4018", "nil deref at 0xXXX"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Signature(tt.in))
	}

	long := strings.Repeat("e", 300)
	assert.Len(t, Signature(long), 100)
}

func TestSignatureMatchesAcrossRuns(t *testing.T) {
	a := Signature("undefined name at line 10")
	b := Signature("undefined name at line 99")
	assert.Equal(t, a, b)
}

func TestRecordSuccessfulFixStrengthens(t *testing.T) {
	tr := New(nil, zap.NewNop())

	failure := "undefined: helper at line 3"
	tr.RecordSuccessfulFix(failure, "llm_fix", "func TestX() {}")
	tr.RecordSuccessfulFix("undefined: helper at line 77", "llm_fix", "func TestY() {}")

	strat, ok := tr.StrategyFor(failure)
	require.True(t, ok)
	assert.Equal(t, "apply_fix", strat.Action)
	assert.Equal(t, 2, strat.SuccessCount)
	// latest template wins
	assert.Equal(t, "func TestY() {}", strat.FixTemplate)

	_, ok = tr.StrategyFor("completely different failure")
	assert.False(t, ok)
}

func TestCountSince(t *testing.T) {
	tr := New(nil, zap.NewNop())
	base := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	i := 0
	tr.now = func() time.Time {
		i++
		return base.Add(time.Duration(i) * time.Minute)
	}

	for j := 0; j < 5; j++ {
		tr.RecordError("fix_failure", "x")
	}

	assert.Equal(t, 5, tr.CountSince("fix_failure", base))
	assert.Equal(t, 2, tr.CountSince("fix_failure", base.Add(4*time.Minute)))
	assert.Equal(t, 0, tr.CountSince("missing_category", base))
}

func TestPersistenceWrites(t *testing.T) {
	ms := newMemStore()
	tr := New(ms, zap.NewNop())

	tr.RecordError("system_exception", "boom")
	tr.RecordSuccessfulFix("boom at line 3", "syntax_fix", "code")

	assert.Contains(t, ms.data, "error_history")
	assert.Contains(t, ms.data, "recovery_strategies")
}

func TestSnapshot(t *testing.T) {
	tr := New(nil, zap.NewNop())
	tr.RecordError("a", "x")
	tr.RecordError("a", "y")
	tr.RecordError("b", "z")

	snap := tr.Snapshot()
	assert.Equal(t, map[string]int{"a": 2, "b": 1}, snap)
	assert.Equal(t, []string{"a", "b"}, tr.Categories())
}
