// Package learner distills patterns from verified fixes and passing runs so
// later generation and repair rounds start from what already worked.
package learner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"forge/internal/decode"
	"forge/internal/events"
	"forge/internal/types"
)

const (
	learningStatsKey = "learning_stats"
	// successes per test type needed before a success pattern is stored
	minSuccessExamples = 3
)

const insightSystemPrompt = `You analyze fixes applied to failing Go test snippets. Reply with a single
JSON object: {"insights": ["..."], "recommendation": "..."}. No markdown.`

// Completer is the collaborator surface the learner needs.
type Completer interface {
	CompleteWithSystem(ctx context.Context, system, prompt string) string
}

// Store persists learned concepts and stats.
type Store interface {
	SaveKnowledge(key string, value any) error
	GetKnowledge(key string, out any) (bool, error)
}

// learnerStats is the persisted portion of the learner.
type learnerStats struct {
	FixesLearned     int            `json:"fixes_learned"`
	SuccessesLearned int            `json:"successes_learned"`
	PatternCounts    map[string]int `json:"pattern_counts"`
}

// fixConcept is what gets stored per learned fix pattern.
type fixConcept struct {
	TestType       string    `json:"test_type"`
	FixType        string    `json:"fix_type"`
	Occurrences    int       `json:"occurrences"`
	Insights       []string  `json:"insights,omitempty"`
	Recommendation string    `json:"recommendation,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// successConcept is what gets stored per test type that keeps passing.
type successConcept struct {
	TestType  string    `json:"test_type"`
	Examples  int       `json:"examples"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Learner runs learning passes after repair and after clean cycles.
type Learner struct {
	llm   Completer
	store Store
	bus   *events.Bus
	log   *zap.Logger

	mu    sync.Mutex
	stats learnerStats
}

// New creates a learner. bus may be nil.
func New(llm Completer, store Store, bus *events.Bus, log *zap.Logger) *Learner {
	l := &Learner{
		llm:   llm,
		store: store,
		bus:   bus,
		log:   log.Named("learner"),
		stats: learnerStats{PatternCounts: make(map[string]int)},
	}
	if store != nil {
		if _, err := store.GetKnowledge(learningStatsKey, &l.stats); err != nil {
			l.log.Warn("failed to load learning stats", zap.Error(err))
		}
		if l.stats.PatternCounts == nil {
			l.stats.PatternCounts = make(map[string]int)
		}
	}
	return l
}

// LearnFromFixes processes verified fixes: pattern counters always, a model
// insight pass for significant (non-fallback, code-changing) fixes.
func (l *Learner) LearnFromFixes(ctx context.Context, specs map[int64]*types.TestSpec, fixes []*types.Fix) {
	for _, fix := range fixes {
		if !fix.Success {
			continue
		}
		spec := specs[fix.TestID]
		testType := "unknown"
		if spec != nil {
			testType = string(spec.Type.Normalize())
		}

		patternName := fmt.Sprintf("%s_%s", testType, fix.FixType)
		l.mu.Lock()
		l.stats.FixesLearned++
		l.stats.PatternCounts[patternName]++
		count := l.stats.PatternCounts[patternName]
		l.mu.Unlock()

		concept := fixConcept{
			TestType:    testType,
			FixType:     fix.FixType,
			Occurrences: count,
			UpdatedAt:   time.Now(),
		}

		if l.significant(spec, fix) {
			concept.Insights, concept.Recommendation = l.requestInsight(ctx, spec, fix)
		}

		if l.store != nil {
			key := "fix_pattern_" + patternName
			if err := l.store.SaveKnowledge(key, concept); err != nil {
				l.log.Warn("failed to store fix pattern", zap.String("key", key), zap.Error(err))
			}
		}
		l.publish("fix_pattern", patternName, count)
	}
	l.persistStats()
}

// LearnFromSuccesses groups passing results by test type and stores a
// success pattern once a type has enough examples.
func (l *Learner) LearnFromSuccesses(ctx context.Context, specs map[int64]*types.TestSpec, results []*types.TestResult) {
	byType := make(map[string]int)
	for _, r := range results {
		if !r.Passed {
			continue
		}
		testType := "unknown"
		if spec := specs[r.TestID]; spec != nil {
			testType = string(spec.Type.Normalize())
		}
		byType[testType]++
	}

	for testType, n := range byType {
		if n < minSuccessExamples {
			continue
		}
		l.mu.Lock()
		l.stats.SuccessesLearned += n
		l.mu.Unlock()

		if l.store != nil {
			key := "success_pattern_" + testType
			concept := successConcept{TestType: testType, Examples: n, UpdatedAt: time.Now()}
			if err := l.store.SaveKnowledge(key, concept); err != nil {
				l.log.Warn("failed to store success pattern", zap.String("key", key), zap.Error(err))
			}
		}
		l.publish("success_pattern", testType, n)
	}
	l.persistStats()
}

// significant filters which fixes are worth a model round trip: real code
// changes, not fallback substitutions.
func (l *Learner) significant(spec *types.TestSpec, fix *types.Fix) bool {
	if fix.IsFallback || fix.FixedCode == "" {
		return false
	}
	return spec == nil || fix.FixedCode != spec.Code
}

func (l *Learner) requestInsight(ctx context.Context, spec *types.TestSpec, fix *types.Fix) ([]string, string) {
	code := ""
	if spec != nil {
		code = spec.Code
	}
	prompt := fmt.Sprintf(`A failing test was repaired. What general lessons apply to future generation?

Original code:
%s

Fixed code:
%s

Fix analysis: %s`, code, fix.FixedCode, fix.Analysis)

	raw := l.llm.CompleteWithSystem(ctx, insightSystemPrompt, prompt)

	var payload struct {
		Insights       []string `json:"insights"`
		Recommendation string   `json:"recommendation"`
	}
	if err := decode.Unmarshal(raw, &payload); err != nil {
		l.log.Debug("insight response not decodable", zap.Error(err))
		return nil, ""
	}
	return payload.Insights, payload.Recommendation
}

func (l *Learner) publish(kind, name string, count int) {
	if l.bus == nil {
		return
	}
	l.bus.Publish("learner", events.KindLearning, map[string]any{
		"pattern_kind": kind,
		"pattern":      name,
		"count":        count,
	})
}

func (l *Learner) persistStats() {
	if l.store == nil {
		return
	}
	l.mu.Lock()
	snapshot := l.stats
	snapshot.PatternCounts = make(map[string]int, len(l.stats.PatternCounts))
	for k, v := range l.stats.PatternCounts {
		snapshot.PatternCounts[k] = v
	}
	l.mu.Unlock()

	if err := l.store.SaveKnowledge(learningStatsKey, snapshot); err != nil {
		l.log.Warn("failed to persist learning stats", zap.Error(err))
	}
}

// Stats reports the learner's counters.
func (l *Learner) Stats() (fixes, successes int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats.FixesLearned, l.stats.SuccessesLearned
}
