// Package monitor watches the pipeline's vital signs on its own timer. A
// cheap scan runs every interval; only when the scan finds something worth
// worrying about does it escalate to a full health check.
package monitor

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"forge/internal/events"
)

const (
	healthChecksKey = "health_checks"
	defaultInterval = 60 * time.Second
	// errors of one category within the last hour before they count as recurring
	recurringErrorLimit = 10
	unfixableLimit      = 5
)

// Severity grades a health report.
type Severity string

const (
	SeverityHealthy  Severity = "healthy"
	SeverityDegraded Severity = "degraded"
	SeverityCritical Severity = "critical"
)

// BreakerState is one circuit breaker as seen by the monitor.
type BreakerState struct {
	Tripped  bool `json:"tripped"`
	Failures int  `json:"failures"`
}

// SystemView is what the orchestrator exposes for monitoring.
type SystemView interface {
	BreakerSnapshot() map[string]BreakerState
	ConsecutiveErrorCycles() int
	UnfixableCount() int
}

// ErrorView is the tracker surface the monitor reads.
type ErrorView interface {
	Snapshot() map[string]int
	Categories() []string
	CountSince(category string, cutoff time.Time) int
}

// Prober reports whether the collaborator can reach its model.
type Prober interface {
	Available(ctx context.Context) bool
}

// Store is the persistence surface the monitor needs.
type Store interface {
	Ping() error
	SaveKnowledge(key string, value any) error
}

// Report is the outcome of one full health check.
type Report struct {
	Severity      Severity  `json:"severity"`
	Issues        []string  `json:"issues,omitempty"`
	Breakers      int       `json:"breakers"`
	TrippedCount  int       `json:"tripped_count"`
	HeapAllocMB   uint64    `json:"heap_alloc_mb"`
	NumGoroutines int       `json:"num_goroutines"`
	CheckedAt     time.Time `json:"checked_at"`
}

// Monitor runs periodic scans against the live pipeline.
type Monitor struct {
	system SystemView
	errors ErrorView
	llm    Prober
	store  Store
	bus    *events.Bus
	log    *zap.Logger

	interval time.Duration
	now      func() time.Time

	mu     sync.Mutex
	last   *Report
	stop   chan struct{}
	done   chan struct{}
	active bool
}

// Options tunes the monitor. Zero values take defaults.
type Options struct {
	Interval time.Duration
}

// New wires a monitor. Any collaborator, store, or bus may be nil; the
// corresponding checks are skipped.
func New(system SystemView, errors ErrorView, llm Prober, store Store, bus *events.Bus, log *zap.Logger, opts Options) *Monitor {
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Monitor{
		system:   system,
		errors:   errors,
		llm:      llm,
		store:    store,
		bus:      bus,
		log:      log.Named("monitor"),
		interval: interval,
		now:      time.Now,
	}
}

// Start launches the scan loop. Calling Start on a running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.active {
		m.mu.Unlock()
		return
	}
	m.active = true
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	stop, done := m.stop, m.done
	m.mu.Unlock()

	go m.loop(ctx, stop, done)
}

// Stop halts the scan loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return
	}
	m.active = false
	stop, done := m.stop, m.done
	m.mu.Unlock()

	close(stop)
	<-done
}

func (m *Monitor) loop(ctx context.Context, stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.quickScan() {
				report := m.CheckHealth(ctx)
				m.log.Info("health check",
					zap.String("severity", string(report.Severity)),
					zap.Strings("issues", report.Issues))
			}
		}
	}
}

// quickScan is the cheap per-tick look: any tripped breaker, any error
// category in the tracker, or a nonzero error-cycle streak warrants the full
// check.
func (m *Monitor) quickScan() bool {
	if m.system != nil {
		for _, b := range m.system.BreakerSnapshot() {
			if b.Tripped {
				return true
			}
		}
		if m.system.ConsecutiveErrorCycles() > 0 {
			return true
		}
	}
	if m.errors != nil && len(m.errors.Snapshot()) > 0 {
		return true
	}
	return false
}

// CheckHealth runs every probe and grades the result. The report is
// persisted and published.
func (m *Monitor) CheckHealth(ctx context.Context) *Report {
	report := &Report{Severity: SeverityHealthy, CheckedAt: m.now()}

	if m.system != nil {
		snap := m.system.BreakerSnapshot()
		report.Breakers = len(snap)
		for name, b := range snap {
			if b.Tripped {
				report.TrippedCount++
				report.Issues = append(report.Issues,
					fmt.Sprintf("circuit breaker tripped: %s (%d failures)", name, b.Failures))
			}
		}
		if report.TrippedCount > 0 {
			report.Severity = SeverityDegraded
		}
		if report.Breakers > 0 && report.TrippedCount == report.Breakers {
			report.Severity = SeverityCritical
			report.Issues = append(report.Issues, "all circuit breakers tripped")
		}

		if n := m.system.UnfixableCount(); n > unfixableLimit {
			report.Issues = append(report.Issues,
				fmt.Sprintf("unfixable tests accumulating: %d", n))
			report.Severity = worst(report.Severity, SeverityDegraded)
		}
	}

	if m.errors != nil {
		cutoff := m.now().Add(-time.Hour)
		for _, cat := range m.errors.Categories() {
			if n := m.errors.CountSince(cat, cutoff); n > recurringErrorLimit {
				report.Issues = append(report.Issues,
					fmt.Sprintf("recurring error: %s (%d in the last hour)", cat, n))
				report.Severity = worst(report.Severity, SeverityDegraded)
			}
		}
	}

	if m.llm != nil && !m.llm.Available(ctx) {
		report.Issues = append(report.Issues, "model endpoint unreachable")
		report.Severity = worst(report.Severity, SeverityDegraded)
	}

	if m.store != nil {
		if err := m.store.Ping(); err != nil {
			report.Issues = append(report.Issues, "knowledge store unreachable: "+err.Error())
			report.Severity = SeverityCritical
		}
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	report.HeapAllocMB = ms.HeapAlloc / (1 << 20)
	report.NumGoroutines = runtime.NumGoroutine()

	m.mu.Lock()
	m.last = report
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.SaveKnowledge(healthChecksKey, report); err != nil {
			m.log.Warn("failed to persist health check", zap.Error(err))
		}
	}
	if m.bus != nil {
		m.bus.Publish("monitor", events.KindStatus, map[string]any{
			"severity": string(report.Severity),
			"issues":   report.Issues,
		})
	}
	return report
}

// LastReport returns the most recent health report, if any.
func (m *Monitor) LastReport() (*Report, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, m.last != nil
}

func worst(a, b Severity) Severity {
	rank := map[Severity]int{SeverityHealthy: 0, SeverityDegraded: 1, SeverityCritical: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}
