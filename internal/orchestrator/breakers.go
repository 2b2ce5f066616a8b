package orchestrator

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"forge/internal/events"
	"forge/internal/monitor"
)

// breaker is the failure state of one component.
type breaker struct {
	failures    int
	tripped     bool
	lastFailure time.Time
}

// breakerSet guards every component breaker behind one mutex.
type breakerSet struct {
	mu          sync.Mutex
	breakers    map[string]*breaker
	maxFailures int
	cooldown    time.Duration
	forceReset  time.Duration
	now         func() time.Time
	bus         *events.Bus
	log         *zap.Logger
}

func newBreakerSet(components []string, maxFailures int, cooldown, forceReset time.Duration, bus *events.Bus, log *zap.Logger) *breakerSet {
	set := &breakerSet{
		breakers:    make(map[string]*breaker, len(components)),
		maxFailures: maxFailures,
		cooldown:    cooldown,
		forceReset:  forceReset,
		now:         time.Now,
		bus:         bus,
		log:         log,
	}
	for _, c := range components {
		set.breakers[c] = &breaker{}
	}
	return set
}

// admission outcomes for a guarded call.
type admission int

const (
	admitProceed admission = iota
	admitRefuse
)

// admit decides whether a call on component may proceed, applying the
// auto-reset ladder: cooldown reset, all-tripped force-reset, single
// force-reset.
func (s *breakerSet) admit(component string) admission {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.breakers[component]
	if b == nil {
		b = &breaker{}
		s.breakers[component] = b
	}
	if !b.tripped {
		return admitProceed
	}

	elapsed := s.now().Sub(b.lastFailure)
	switch {
	case elapsed >= s.cooldown:
		s.resetLocked(component, b, "cooldown")
		return admitProceed
	case s.allTrippedLocked():
		for name, each := range s.breakers {
			s.resetLocked(name, each, "all-tripped")
		}
		return admitRefuse
	case elapsed >= s.forceReset:
		s.resetLocked(component, b, "force")
		return admitProceed
	default:
		return admitRefuse
	}
}

// succeed zeroes the breaker after a successful call.
func (s *breakerSet) succeed(component string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b := s.breakers[component]; b != nil {
		b.failures = 0
		b.tripped = false
	}
}

// fail records a failed call and trips the breaker at the limit.
func (s *breakerSet) fail(component string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.breakers[component]
	if b == nil {
		b = &breaker{}
		s.breakers[component] = b
	}
	b.failures++
	b.lastFailure = s.now()
	if !b.tripped && b.failures >= s.maxFailures {
		b.tripped = true
		s.log.Warn("circuit breaker tripped",
			zap.String("component", component), zap.Int("failures", b.failures))
		s.publish(component, "tripped", b.failures)
	}
}

// resetAll untrips every breaker.
func (s *breakerSet) resetAll(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, b := range s.breakers {
		s.resetLocked(name, b, reason)
	}
}

// reset untrips one breaker.
func (s *breakerSet) reset(component, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b := s.breakers[component]; b != nil {
		s.resetLocked(component, b, reason)
	}
}

func (s *breakerSet) resetLocked(component string, b *breaker, reason string) {
	if !b.tripped && b.failures == 0 {
		return
	}
	b.failures = 0
	b.tripped = false
	s.log.Info("circuit breaker reset",
		zap.String("component", component), zap.String("reason", reason))
	s.publish(component, "reset: "+reason, 0)
}

func (s *breakerSet) allTrippedLocked() bool {
	for _, b := range s.breakers {
		if !b.tripped {
			return false
		}
	}
	return len(s.breakers) > 0
}

// snapshot exports the breaker states for the health monitor.
func (s *breakerSet) snapshot() map[string]monitor.BreakerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]monitor.BreakerState, len(s.breakers))
	for name, b := range s.breakers {
		out[name] = monitor.BreakerState{Tripped: b.tripped, Failures: b.failures}
	}
	return out
}

func (s *breakerSet) publish(component, change string, failures int) {
	if s.bus == nil {
		return
	}
	s.bus.Publish("orchestrator", events.KindBreaker, map[string]any{
		"breaker":  component,
		"change":   change,
		"failures": failures,
	})
}
