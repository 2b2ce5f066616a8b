// Package tracker maintains the pipeline's error history and learned
// recovery strategies. Error details are kept in bounded rings; failure
// messages are normalized into signatures so the same fault matches across
// differing line numbers and paths.
package tracker

import (
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// occurrenceRing bounds the per-category detail history.
	occurrenceRing = 10
	// signatureMaxLen bounds normalized signatures.
	signatureMaxLen = 100

	errorHistoryKey       = "error_history"
	recoveryStrategiesKey = "recovery_strategies"
)

// Occurrence is one recorded instance of an error category.
type Occurrence struct {
	Timestamp time.Time `json:"timestamp"`
	Details   string    `json:"details"`
}

// ErrorRecord aggregates every occurrence of one error category.
type ErrorRecord struct {
	Count     int          `json:"count"`
	FirstSeen time.Time    `json:"first_seen"`
	LastSeen  time.Time    `json:"last_seen"`
	Recent    []Occurrence `json:"recent"`
}

// RecoveryStrategy is a remembered way out of a recurring failure, keyed by
// the failure's normalized signature.
type RecoveryStrategy struct {
	Description  string    `json:"description"`
	Action       string    `json:"action"` // apply_fix, reset_component, switch_model, restart_system
	FixType      string    `json:"fix_type,omitempty"`
	FixTemplate  string    `json:"fix_template,omitempty"`
	SuccessCount int       `json:"success_count"`
	LastSuccess  time.Time `json:"last_success"`
}

// KnowledgeStore is the persistence surface the tracker needs.
type KnowledgeStore interface {
	SaveKnowledge(key string, value any) error
	GetKnowledge(key string, out any) (bool, error)
}

// Tracker records errors and recovery strategies. Safe for concurrent use.
type Tracker struct {
	mu         sync.Mutex
	errors     map[string]*ErrorRecord
	strategies map[string]*RecoveryStrategy
	store      KnowledgeStore
	log        *zap.Logger
	now        func() time.Time
}

// New creates a tracker, loading any persisted history from the store. A nil
// store keeps everything in memory.
func New(store KnowledgeStore, log *zap.Logger) *Tracker {
	t := &Tracker{
		errors:     make(map[string]*ErrorRecord),
		strategies: make(map[string]*RecoveryStrategy),
		store:      store,
		log:        log.Named("tracker"),
		now:        time.Now,
	}
	t.load()
	return t
}

func (t *Tracker) load() {
	if t.store == nil {
		return
	}
	if _, err := t.store.GetKnowledge(errorHistoryKey, &t.errors); err != nil {
		t.log.Warn("failed to load error history", zap.Error(err))
	}
	if _, err := t.store.GetKnowledge(recoveryStrategiesKey, &t.strategies); err != nil {
		t.log.Warn("failed to load recovery strategies", zap.Error(err))
	}
	if t.errors == nil {
		t.errors = make(map[string]*ErrorRecord)
	}
	if t.strategies == nil {
		t.strategies = make(map[string]*RecoveryStrategy)
	}
}

// RecordError creates or updates the record for the category and appends the
// details to its bounded ring.
func (t *Tracker) RecordError(category, details string) {
	now := t.now()

	t.mu.Lock()
	rec, ok := t.errors[category]
	if !ok {
		rec = &ErrorRecord{FirstSeen: now}
		t.errors[category] = rec
	}
	rec.Count++
	rec.LastSeen = now
	rec.Recent = append(rec.Recent, Occurrence{Timestamp: now, Details: details})
	if len(rec.Recent) > occurrenceRing {
		rec.Recent = rec.Recent[len(rec.Recent)-occurrenceRing:]
	}
	t.mu.Unlock()

	t.persistErrors()
}

// RecordSuccessfulFix remembers how a failure was fixed, keyed by the
// failure's normalized signature. Repeated successes strengthen the strategy
// and refresh its template.
func (t *Tracker) RecordSuccessfulFix(originalFailure, fixType, fixTemplate string) {
	sig := Signature(originalFailure)
	now := t.now()

	t.mu.Lock()
	strat, ok := t.strategies[sig]
	if !ok {
		strat = &RecoveryStrategy{
			Description: fmt.Sprintf("fix of type %s for: %s", fixType, sig),
			Action:      "apply_fix",
		}
		t.strategies[sig] = strat
	}
	strat.FixType = fixType
	strat.FixTemplate = fixTemplate
	strat.SuccessCount++
	strat.LastSuccess = now
	t.mu.Unlock()

	t.persistStrategies()
}

// StrategyFor returns the remembered strategy for a failure message, if any.
func (t *Tracker) StrategyFor(failure string) (*RecoveryStrategy, bool) {
	sig := Signature(failure)
	t.mu.Lock()
	defer t.mu.Unlock()
	strat, ok := t.strategies[sig]
	if !ok {
		return nil, false
	}
	cp := *strat
	return &cp, true
}

// MostCommonError returns the category with the highest count. Ties break
// toward the most recently seen.
func (t *Tracker) MostCommonError() (string, *ErrorRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var (
		bestCat string
		best    *ErrorRecord
	)
	for cat, rec := range t.errors {
		if best == nil || rec.Count > best.Count ||
			(rec.Count == best.Count && rec.LastSeen.After(best.LastSeen)) {
			bestCat, best = cat, rec
		}
	}
	if best == nil {
		return "", nil, false
	}
	cp := *best
	cp.Recent = append([]Occurrence(nil), best.Recent...)
	return bestCat, &cp, true
}

// CountSince returns the number of occurrences of the category recorded at
// or after the cutoff, judged by the bounded ring.
func (t *Tracker) CountSince(category string, cutoff time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.errors[category]
	if !ok {
		return 0
	}
	n := 0
	for _, occ := range rec.Recent {
		if !occ.Timestamp.Before(cutoff) {
			n++
		}
	}
	// The ring may have dropped older entries; the total count is the floor
	// when everything retained is inside the window and the ring is full.
	if n == occurrenceRing && rec.Count > occurrenceRing {
		return rec.Count
	}
	return n
}

// Snapshot returns category -> count for monitoring.
func (t *Tracker) Snapshot() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := make(map[string]int, len(t.errors))
	for cat, rec := range t.errors {
		snap[cat] = rec.Count
	}
	return snap
}

// Categories returns the known categories sorted by descending count.
func (t *Tracker) Categories() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	cats := make([]string, 0, len(t.errors))
	for cat := range t.errors {
		cats = append(cats, cat)
	}
	sort.Slice(cats, func(i, j int) bool {
		return t.errors[cats[i]].Count > t.errors[cats[j]].Count
	})
	return cats
}

func (t *Tracker) persistErrors() {
	if t.store == nil {
		return
	}
	t.mu.Lock()
	snapshot := make(map[string]*ErrorRecord, len(t.errors))
	for k, v := range t.errors {
		cp := *v
		cp.Recent = append([]Occurrence(nil), v.Recent...)
		snapshot[k] = &cp
	}
	t.mu.Unlock()
	if err := t.store.SaveKnowledge(errorHistoryKey, snapshot); err != nil {
		t.log.Warn("failed to persist error history", zap.Error(err))
	}
}

func (t *Tracker) persistStrategies() {
	if t.store == nil {
		return
	}
	t.mu.Lock()
	snapshot := make(map[string]*RecoveryStrategy, len(t.strategies))
	for k, v := range t.strategies {
		cp := *v
		snapshot[k] = &cp
	}
	t.mu.Unlock()
	if err := t.store.SaveKnowledge(recoveryStrategiesKey, snapshot); err != nil {
		t.log.Warn("failed to persist recovery strategies", zap.Error(err))
	}
}

var (
	lineNumberRe = regexp.MustCompile(`line \d+`)
	filePathRe   = regexp.MustCompile(`File "[^"]*"`)
	hexAddrRe    = regexp.MustCompile(`0x[0-9a-fA-F]+`)
)

// Signature normalizes a failure message so equivalent faults compare equal:
// line numbers, quoted file paths and hex addresses are masked, and the
// result is truncated.
func Signature(msg string) string {
	sig := lineNumberRe.ReplaceAllString(msg, "line XXX")
	sig = filePathRe.ReplaceAllString(sig, `File "XXX"`)
	sig = hexAddrRe.ReplaceAllString(sig, "0xXXX")
	if len(sig) > signatureMaxLen {
		sig = sig[:signatureMaxLen]
	}
	return sig
}
