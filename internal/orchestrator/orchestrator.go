// Package orchestrator drives the improvement loop: generate tests, run
// them, repair what fails, learn from the outcome. Every component call goes
// through a circuit breaker so one misbehaving part cannot take the loop
// down, and a self-healing pass kicks in when error cycles pile up.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"forge/internal/config"
	"forge/internal/events"
	"forge/internal/monitor"
	"forge/internal/repair"
	"forge/internal/runner"
	"forge/internal/tracker"
	"forge/internal/types"
)

const selfHealingActionsKey = "self_healing_actions"

// State is the orchestrator lifecycle state.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StatePaused  State = "paused"
	StateStopped State = "stopped"
)

// Component names guarded by breakers.
const (
	componentGenerator = "generator"
	componentRunner    = "runner"
	componentRepair    = "repair"
	componentLearner   = "learner"
	componentMonitor   = "monitor"
)

// Generator produces new test specs.
type Generator interface {
	GenerateTests(ctx context.Context, count int) []*types.TestSpec
	Complexity() string
}

// Executor runs batches of specs.
type Executor interface {
	RunBatch(ctx context.Context, specs []*types.TestSpec) []*types.TestResult
	SetSystemHandle(h runner.SystemHandle)
}

// Repairer fixes failing tests.
type Repairer interface {
	FixIssues(ctx context.Context, failures []*repair.Failure) []*types.Fix
}

// Learner distills patterns from cycle outcomes.
type Learner interface {
	LearnFromFixes(ctx context.Context, specs map[int64]*types.TestSpec, fixes []*types.Fix)
	LearnFromSuccesses(ctx context.Context, specs map[int64]*types.TestSpec, results []*types.TestResult)
}

// HealthChecker is the monitor surface the cycle probes.
type HealthChecker interface {
	CheckHealth(ctx context.Context) *monitor.Report
}

// ModelSwitcher lets self-healing move the collaborator to another model.
type ModelSwitcher interface {
	SwitchModel(name string)
}

// ErrorTracker records failures and suggests recovery strategies.
type ErrorTracker interface {
	RecordError(category, details string)
	MostCommonError() (string, *tracker.ErrorRecord, bool)
	StrategyFor(failure string) (*tracker.RecoveryStrategy, bool)
}

// Store is the persistence surface the orchestrator needs.
type Store interface {
	SaveTestResult(testID int64, result *types.TestResult) error
	SaveCycle(number int, artifacts map[string]any) error
	CycleCount() (int, error)
	SaveKnowledge(key string, value any) error
	GetKnowledge(key string, out any) (bool, error)
}

// Deps collects the orchestrator's collaborators. Learner, health, llm, bus,
// and store may be nil; the corresponding steps are skipped.
type Deps struct {
	Generator Generator
	Runner    Executor
	Repair    Repairer
	Learner   Learner
	Health    HealthChecker
	LLM       ModelSwitcher
	Tracker   ErrorTracker
	Store     Store
	Bus       *events.Bus
}

// Orchestrator owns the cycle loop.
type Orchestrator struct {
	deps Deps
	log  *zap.Logger

	breakers *breakerSet

	testsPerCycle     int
	maxFixRounds      int
	healingThreshold  int
	maxHealthFailures int
	pauseInterval     time.Duration
	stopJoinTimeout   time.Duration

	mu             sync.Mutex
	state          State
	cycleNumber    int
	errorCycles    int
	healthFailures int
	unfixableCount int
	stop           chan struct{}
	done           chan struct{}
}

// New wires an orchestrator from config. The runner gets a system handle so
// system-type tests can inspect pipeline status.
func New(deps Deps, cfg config.PipelineConfig, log *zap.Logger) *Orchestrator {
	o := &Orchestrator{
		deps:              deps,
		log:               log.Named("orchestrator"),
		testsPerCycle:     orDefault(cfg.TestsPerCycle, 1),
		maxFixRounds:      orDefault(cfg.MaxFixRounds, 5),
		healingThreshold:  orDefault(cfg.SelfHealingThreshold, 10),
		maxHealthFailures: orDefault(cfg.MaxHealthFailures, 5),
		pauseInterval:     config.Duration(cfg.PauseCheckInterval, 500*time.Millisecond),
		stopJoinTimeout:   config.Duration(cfg.StopJoinTimeout, 10*time.Second),
		state:             StateIdle,
	}
	o.breakers = newBreakerSet(
		[]string{componentGenerator, componentRunner, componentRepair, componentLearner, componentMonitor},
		orDefault(cfg.BreakerMaxFailures, 3),
		config.Duration(cfg.BreakerCooldown, 300*time.Second),
		config.Duration(cfg.BreakerForceReset, 900*time.Second),
		deps.Bus, o.log,
	)
	if deps.Runner != nil {
		deps.Runner.SetSystemHandle(o)
	}
	if deps.Store != nil {
		if n, err := deps.Store.CycleCount(); err == nil {
			o.cycleNumber = n
		}
	}
	return o
}

// SetHealthChecker wires the monitor after construction; the monitor itself
// observes the orchestrator, so neither can be built first with the other in
// hand.
func (o *Orchestrator) SetHealthChecker(h HealthChecker) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.deps.Health = h
}

// Start launches the cycle loop. maxCycles <= 0 runs until stopped.
func (o *Orchestrator) Start(ctx context.Context, maxCycles int) error {
	o.mu.Lock()
	if o.state == StateStopped {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator is stopped")
	}
	if o.state == StateRunning || o.state == StatePaused {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator already started")
	}
	o.state = StateRunning
	o.stop = make(chan struct{})
	o.done = make(chan struct{})
	stop, done := o.stop, o.done
	o.mu.Unlock()

	o.publishStatus("started")
	go o.loop(ctx, maxCycles, stop, done)
	return nil
}

// Stop halts the loop and waits for the in-flight cycle, bounded by the
// configured join timeout.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if o.state != StateRunning && o.state != StatePaused {
		o.mu.Unlock()
		return
	}
	o.state = StateStopped
	stop, done := o.stop, o.done
	o.mu.Unlock()

	close(stop)
	select {
	case <-done:
	case <-time.After(o.stopJoinTimeout):
		o.log.Warn("cycle loop did not stop within join timeout")
	}
	o.publishStatus("stopped")
}

// Done returns a channel closed when the cycle loop exits. Valid after
// Start; before Start it returns nil, which never fires.
func (o *Orchestrator) Done() <-chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.done
}

// Pause suspends cycling; the loop keeps polling for resume.
func (o *Orchestrator) Pause() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == StateRunning {
		o.state = StatePaused
	}
}

// Resume continues a paused loop.
func (o *Orchestrator) Resume() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == StatePaused {
		o.state = StateRunning
	}
}

// CurrentState reports the lifecycle state.
func (o *Orchestrator) CurrentState() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Status implements runner.SystemHandle for system-type tests.
func (o *Orchestrator) Status() map[string]any {
	o.mu.Lock()
	state := o.state
	cycle := o.cycleNumber
	errorCycles := o.errorCycles
	o.mu.Unlock()

	tripped := 0
	snap := o.breakers.snapshot()
	for _, b := range snap {
		if b.Tripped {
			tripped++
		}
	}
	return map[string]any{
		"state":            string(state),
		"cycle":            cycle,
		"error_cycles":     errorCycles,
		"breakers":         len(snap),
		"breakers_tripped": tripped,
	}
}

// BreakerSnapshot implements monitor.SystemView.
func (o *Orchestrator) BreakerSnapshot() map[string]monitor.BreakerState {
	return o.breakers.snapshot()
}

// ConsecutiveErrorCycles implements monitor.SystemView.
func (o *Orchestrator) ConsecutiveErrorCycles() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.errorCycles
}

// UnfixableCount implements monitor.SystemView.
func (o *Orchestrator) UnfixableCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.unfixableCount
}

func (o *Orchestrator) loop(ctx context.Context, maxCycles int, stop, done chan struct{}) {
	defer close(done)
	cycles := 0
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		if o.CurrentState() == StatePaused {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-time.After(o.pauseInterval):
			}
			continue
		}

		o.RunCycle(ctx)
		cycles++
		if maxCycles > 0 && cycles >= maxCycles {
			o.mu.Lock()
			o.state = StateStopped
			o.mu.Unlock()
			o.publishStatus("completed")
			return
		}
	}
}

// RunCycle executes one full improvement cycle. Nothing it does can panic
// past it or return an error; failures degrade into tracked error cycles.
func (o *Orchestrator) RunCycle(ctx context.Context) {
	o.mu.Lock()
	o.cycleNumber++
	cycle := o.cycleNumber
	errorCycles := o.errorCycles
	o.mu.Unlock()

	log := o.log.With(zap.Int("cycle", cycle))
	log.Info("cycle starting")

	if errorCycles >= o.healingThreshold {
		o.selfHeal(ctx)
		o.mu.Lock()
		o.errorCycles = 0
		o.mu.Unlock()
	}

	if !o.probeHealth(ctx) {
		o.bumpErrorCycle("health_check_failure", "health probe reported critical or failed")
		o.persistCycle(cycle, nil, nil, nil, 0)
		return
	}

	specs := safeExecute(o, componentGenerator, "generate", nil, func() ([]*types.TestSpec, error) {
		out := o.deps.Generator.GenerateTests(ctx, o.testsPerCycle)
		if len(out) == 0 {
			return nil, fmt.Errorf("no specs generated")
		}
		return out, nil
	})
	if len(specs) == 0 {
		o.bumpErrorCycle("test_generation_failure", "generator produced no specs")
		o.persistCycle(cycle, nil, nil, nil, 0)
		return
	}

	results := safeExecute(o, componentRunner, "execute", nil, func() ([]*types.TestResult, error) {
		return o.deps.Runner.RunBatch(ctx, specs), nil
	})
	if len(results) == 0 {
		o.bumpErrorCycle("test_execution_failure", "runner returned no results")
		o.persistCycle(cycle, specs, nil, nil, 0)
		return
	}
	o.persistResults(results)

	specsByID := make(map[int64]*types.TestSpec, len(specs))
	for _, s := range specs {
		specsByID[s.ID] = s
	}

	failing := collectFailures(specsByID, results)
	for _, f := range failing {
		o.deps.Tracker.RecordError("test_execution_failure", f.Result.FailureReason)
	}

	fixes, unfixable := o.repairRounds(ctx, failing)
	o.mu.Lock()
	o.unfixableCount += unfixable
	o.mu.Unlock()

	o.learn(ctx, specsByID, results, fixes)

	o.mu.Lock()
	o.errorCycles = 0
	o.mu.Unlock()
	o.persistCycle(cycle, specs, results, fixes, unfixable)
	log.Info("cycle finished",
		zap.Int("specs", len(specs)),
		zap.Int("failed", len(failing)),
		zap.Int("fixes", len(fixes)),
		zap.Int("unfixable", unfixable))
}

// probeHealth runs the monitor through a breaker. Missing monitor counts as
// healthy; a critical report or a guarded failure counts against the health
// streak, and a long streak force-resets every breaker.
func (o *Orchestrator) probeHealth(ctx context.Context) bool {
	o.mu.Lock()
	health := o.deps.Health
	o.mu.Unlock()
	if health == nil {
		return true
	}
	healthy := safeExecute(o, componentMonitor, "health_check", false, func() (bool, error) {
		report := health.CheckHealth(ctx)
		return report.Severity != monitor.SeverityCritical, nil
	})
	o.mu.Lock()
	if healthy {
		o.healthFailures = 0
		o.mu.Unlock()
		return true
	}
	o.healthFailures++
	failures := o.healthFailures
	o.mu.Unlock()

	if failures > o.maxHealthFailures {
		o.log.Warn("health failure streak, resetting all breakers",
			zap.Int("failures", failures))
		o.breakers.resetAll("health-failure-streak")
		o.mu.Lock()
		o.healthFailures = 0
		o.mu.Unlock()
	}
	return false
}

// repairRounds runs bounded fix rounds, dropping each failure once a fix for
// it verifies. Survivors are recorded as unfixable.
func (o *Orchestrator) repairRounds(ctx context.Context, failing []*repair.Failure) ([]*types.Fix, int) {
	var all []*types.Fix
	for round := 0; round < o.maxFixRounds && len(failing) > 0; round++ {
		batch := failing
		fixes := safeExecute(o, componentRepair, "fix", nil, func() ([]*types.Fix, error) {
			return o.deps.Repair.FixIssues(ctx, batch), nil
		})
		if fixes == nil {
			break
		}
		all = append(all, fixes...)

		fixed := make(map[int64]bool)
		for _, fix := range fixes {
			if fix.Success {
				fixed[fix.TestID] = true
			}
		}
		remaining := failing[:0]
		for _, f := range failing {
			if !fixed[f.Spec.ID] {
				remaining = append(remaining, f)
			}
		}
		failing = remaining
	}

	for _, f := range failing {
		o.deps.Tracker.RecordError("unfixable_test",
			fmt.Sprintf("test %d (%s): %s", f.Spec.ID, f.Spec.Name, f.Result.FailureReason))
	}
	return all, len(failing)
}

// learn runs the learning pass: over fixes when repair happened, over the
// raw results when the whole batch passed.
func (o *Orchestrator) learn(ctx context.Context, specs map[int64]*types.TestSpec, results []*types.TestResult, fixes []*types.Fix) {
	if o.deps.Learner == nil {
		return
	}
	ok := safeExecute(o, componentLearner, "learn", false, func() (bool, error) {
		if len(fixes) > 0 {
			o.deps.Learner.LearnFromFixes(ctx, specs, fixes)
		} else {
			o.deps.Learner.LearnFromSuccesses(ctx, specs, results)
		}
		return true, nil
	})
	if !ok {
		o.deps.Tracker.RecordError("learning_failure", "learning pass did not complete")
	}
}

// selfHeal is the last rung of the escalation ladder: reset every breaker,
// then apply the recovery strategy matching the dominant error, if one has
// ever worked before.
func (o *Orchestrator) selfHeal(ctx context.Context) {
	o.log.Warn("self-healing triggered")
	o.breakers.resetAll("self-healing")

	action := "reset_all_breakers"
	trigger := ""
	if category, _, ok := o.deps.Tracker.MostCommonError(); ok {
		trigger = category
		if strategy, found := o.deps.Tracker.StrategyFor(category); found {
			action = strategy.Action
			switch strategy.Action {
			case "reset_component":
				component := strings.SplitN(category, "_", 2)[0]
				o.breakers.reset(component, "self-healing")
			case "switch_model":
				if o.deps.LLM != nil && strategy.FixTemplate != "" {
					o.deps.LLM.SwitchModel(strategy.FixTemplate)
				}
			case "restart_system":
				o.mu.Lock()
				o.errorCycles = 0
				o.healthFailures = 0
				o.unfixableCount = 0
				o.mu.Unlock()
			}
		}
	}

	o.recordHealing(action, trigger)
	if o.deps.Bus != nil {
		o.deps.Bus.Publish("orchestrator", events.KindHealing, map[string]any{
			"action":  action,
			"trigger": trigger,
		})
	}
}

// healingAction is one persisted self-healing record.
type healingAction struct {
	Action    string    `json:"action"`
	Trigger   string    `json:"trigger,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (o *Orchestrator) recordHealing(action, trigger string) {
	if o.deps.Store == nil {
		return
	}
	var history []healingAction
	if _, err := o.deps.Store.GetKnowledge(selfHealingActionsKey, &history); err != nil {
		o.log.Warn("failed to load healing history", zap.Error(err))
	}
	history = append(history, healingAction{Action: action, Trigger: trigger, Timestamp: time.Now()})
	if err := o.deps.Store.SaveKnowledge(selfHealingActionsKey, history); err != nil {
		o.log.Warn("failed to persist healing action", zap.Error(err))
	}
}

func (o *Orchestrator) bumpErrorCycle(category, details string) {
	o.deps.Tracker.RecordError(category, details)
	o.mu.Lock()
	o.errorCycles++
	o.mu.Unlock()
}

func (o *Orchestrator) persistResults(results []*types.TestResult) {
	if o.deps.Store == nil {
		return
	}
	for _, r := range results {
		if err := o.deps.Store.SaveTestResult(r.TestID, r); err != nil {
			o.log.Warn("failed to persist result",
				zap.Int64("test_id", r.TestID), zap.Error(err))
		}
	}
}

func (o *Orchestrator) persistCycle(number int, specs []*types.TestSpec, results []*types.TestResult, fixes []*types.Fix, unfixable int) {
	if o.deps.Store == nil {
		return
	}
	passed := 0
	for _, r := range results {
		if r.Passed {
			passed++
		}
	}
	verified := 0
	for _, f := range fixes {
		if f.Success {
			verified++
		}
	}
	artifacts := map[string]any{
		"generated":      len(specs),
		"executed":       len(results),
		"passed":         passed,
		"failed":         len(results) - passed,
		"fixes":          len(fixes),
		"fixes_verified": verified,
		"unfixable":      unfixable,
	}
	if o.deps.Generator != nil {
		artifacts["complexity"] = o.deps.Generator.Complexity()
	}
	if err := o.deps.Store.SaveCycle(number, artifacts); err != nil {
		o.log.Warn("failed to persist cycle", zap.Error(err))
	}
}

func (o *Orchestrator) publishStatus(status string) {
	if o.deps.Bus == nil {
		return
	}
	o.deps.Bus.Publish("orchestrator", events.KindStatus, map[string]any{
		"status": status,
		"state":  string(o.CurrentState()),
	})
}

// safeExecute guards one component call behind its breaker. Refused or
// failed calls return the fallback; failures are tracked per component and
// operation.
func safeExecute[T any](o *Orchestrator, component, op string, fallback T, fn func() (T, error)) T {
	if o.breakers.admit(component) == admitRefuse {
		o.log.Debug("breaker refused call",
			zap.String("component", component), zap.String("op", op))
		return fallback
	}

	panicked := false
	out, err := func() (result T, err error) {
		defer func() {
			if r := recover(); r != nil {
				panicked = true
				err = fmt.Errorf("panic in %s.%s: %v", component, op, r)
			}
		}()
		return fn()
	}()
	if err != nil {
		o.log.Error("guarded call failed",
			zap.String("component", component), zap.String("op", op), zap.Error(err))
		category := fmt.Sprintf("%s_%s_error", component, op)
		if panicked {
			category = "system_exception"
		}
		o.deps.Tracker.RecordError(category, err.Error())
		o.breakers.fail(component)
		return fallback
	}
	o.breakers.succeed(component)
	return out
}

// collectFailures pairs failing results with their specs.
func collectFailures(specs map[int64]*types.TestSpec, results []*types.TestResult) []*repair.Failure {
	var out []*repair.Failure
	for _, r := range results {
		if r.Passed {
			continue
		}
		spec := specs[r.TestID]
		if spec == nil {
			continue
		}
		out = append(out, &repair.Failure{Spec: spec, Result: r})
	}
	return out
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
