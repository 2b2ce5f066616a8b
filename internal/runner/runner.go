// Package runner executes generated test code under timeouts. Snippets are
// loaded by an interchangeable backend, their entry points discovered from
// the AST, and supplied inputs adapted onto the declared parameters.
package runner

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"forge/internal/evaluate"
	"forge/internal/events"
	"forge/internal/types"
)

// Failure kinds carried in TestResult.Details["failure_kind"].
const (
	FailureMissingEntry  = "missing_entry_point"
	FailureParamMismatch = "parameter_mismatch"
	FailureTimeout       = "timeout"
	FailureRuntime       = "runtime_fault"
	FailureLoad          = "load_failure"
	FailureCriteria      = "criteria_not_met"
)

const defaultPerfIterations = 10

// SystemHandle is the orchestrator surface injected into system-type tests.
type SystemHandle interface {
	Status() map[string]any
}

// Runner executes specs through a backend.
type Runner struct {
	backend     Backend
	log         *zap.Logger
	bus         *events.Bus
	workers     int
	entryPrefix string
	mainName    string

	mu     sync.RWMutex
	system SystemHandle
}

// Options tune a Runner.
type Options struct {
	Workers     int
	EntryPrefix string
	MainName    string
}

// New creates a runner on the given backend. A nil bus disables events.
func New(backend Backend, bus *events.Bus, log *zap.Logger, opts Options) *Runner {
	if opts.Workers <= 0 {
		opts.Workers = 3
	}
	if opts.EntryPrefix == "" {
		opts.EntryPrefix = "Test"
	}
	if opts.MainName == "" {
		opts.MainName = "Main"
	}
	return &Runner{
		backend:     backend,
		log:         log.Named("runner"),
		bus:         bus,
		workers:     opts.Workers,
		entryPrefix: opts.EntryPrefix,
		mainName:    opts.MainName,
	}
}

// SetSystemHandle installs the orchestrator reference exposed to system-type
// tests.
func (r *Runner) SetSystemHandle(h SystemHandle) {
	r.mu.Lock()
	r.system = h
	r.mu.Unlock()
}

// RunBatch executes every spec through a bounded worker pool and always
// returns one result per spec, in order. A failing or hanging spec never
// takes down its siblings.
func (r *Runner) RunBatch(ctx context.Context, specs []*types.TestSpec) []*types.TestResult {
	results := make([]*types.TestResult, len(specs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)
	for i, spec := range specs {
		g.Go(func() error {
			results[i] = r.RunSingle(gctx, spec)
			return nil
		})
	}
	// workers never return errors; failures live in the results
	_ = g.Wait()
	return results
}

// RunSingle executes one spec and never panics or returns nil.
func (r *Runner) RunSingle(ctx context.Context, spec *types.TestSpec) *types.TestResult {
	start := time.Now()
	result := &types.TestResult{
		TestID:    spec.ID,
		Timestamp: start,
		Details:   map[string]any{},
	}
	defer func() {
		result.ExecutionTime = time.Since(start)
		r.publish(spec, result)
	}()

	entry, err := findEntry(spec.Code, r.entryPrefix, r.mainName)
	if err != nil {
		kind := FailureLoad
		if strings.Contains(err.Error(), ErrMissingEntryPoint.Error()) {
			kind = FailureMissingEntry
		}
		result.FailureReason = err.Error()
		result.Details["failure_kind"] = kind
		return result
	}

	args := adaptArgs(entry, spec.Inputs)

	switch spec.Type.Normalize() {
	case types.TestPerformance:
		r.runPerformance(ctx, spec, entry, args, result)
	case types.TestSystem:
		r.runSystem(ctx, spec, entry, args, result)
	default:
		output, err := r.callWithTimeout(ctx, spec.Timeout(), spec.Code, entry.Name, args, nil)
		r.finish(result, entry, spec, output, err)
	}
	return result
}

// finish classifies a call outcome into the result record. Successful
// executions still have to satisfy the spec's success criteria.
func (r *Runner) finish(result *types.TestResult, entry *EntryPoint, spec *types.TestSpec, output any, err error) {
	if err == nil {
		r.conclude(result, spec, output)
		return
	}
	result.Output = output
	result.FailureReason = err.Error()

	msg := err.Error()
	switch {
	case strings.Contains(msg, "timed out"):
		result.Details["failure_kind"] = FailureTimeout
	case strings.Contains(msg, "argument count mismatch") || strings.Contains(msg, "cannot pass"):
		result.Details["failure_kind"] = FailureParamMismatch
		// repair targeting needs both sides of the mismatch
		result.Details["declared_params"] = entry.Params
		result.Details["input_keys"] = spec.Inputs.Names()
		result.FailureReason = fmt.Sprintf("parameter mismatch calling %s(%s) with inputs (%s): %v",
			entry.Name, strings.Join(entry.Params, ", "), strings.Join(spec.Inputs.Names(), ", "), err)
	case strings.Contains(msg, "runtime fault"):
		result.Details["failure_kind"] = FailureRuntime
	case strings.Contains(msg, "evaluation failed") || strings.Contains(msg, "invalid imports"):
		result.Details["failure_kind"] = FailureLoad
	default:
		result.Details["failure_kind"] = FailureRuntime
	}
}

// callWithTimeout invokes the backend in a goroutine and abandons it on
// deadline. An abandoned in-process interpreter goroutine keeps running until
// the snippet returns; the subprocess backend is killed outright.
func (r *Runner) callWithTimeout(ctx context.Context, timeout time.Duration, code, entry string, args []any, symbols map[string]map[string]reflect.Value) (any, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type callResult struct {
		output any
		err    error
	}
	done := make(chan callResult, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- callResult{err: fmt.Errorf("runtime fault: %v", rec)}
			}
		}()
		output, err := r.backend.Call(callCtx, code, entry, args, symbols)
		done <- callResult{output: output, err: err}
	}()

	select {
	case res := <-done:
		return res.output, res.err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, fmt.Errorf("execution canceled: %w", ctx.Err())
		}
		return nil, fmt.Errorf("execution timed out after %s", timeout)
	}
}

// runPerformance invokes the entry repeatedly and exposes aggregate timing
// as the output the evaluator sees.
func (r *Runner) runPerformance(ctx context.Context, spec *types.TestSpec, entry *EntryPoint, args []any, result *types.TestResult) {
	iterations := defaultPerfIterations
	if v, ok := spec.Inputs.Get("iterations"); ok {
		if f, ok := v.(float64); ok && f > 0 {
			iterations = int(f)
		}
	}

	var (
		iterTimes []float64
		total     time.Duration
		lastOut   any
	)
	deadline := time.Now().Add(spec.Timeout())
	for i := 0; i < iterations; i++ {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			result.FailureReason = fmt.Sprintf("execution timed out after %s (%d/%d iterations)", spec.Timeout(), i, iterations)
			result.Details["failure_kind"] = FailureTimeout
			return
		}
		iterStart := time.Now()
		output, err := r.callWithTimeout(ctx, remaining, spec.Code, entry.Name, args, nil)
		elapsed := time.Since(iterStart)
		if err != nil {
			r.finish(result, entry, spec, output, err)
			return
		}
		lastOut = output
		total += elapsed
		iterTimes = append(iterTimes, elapsed.Seconds())
	}

	r.conclude(result, spec, map[string]any{
		"total_time":      total.Seconds(),
		"average_time":    total.Seconds() / float64(iterations),
		"iterations":      iterations,
		"iteration_times": iterTimes,
		"last_output":     lastOut,
	})
}

// conclude checks the output against the spec's success criteria. Fallback
// specs carry the binding that short-circuits evaluation.
func (r *Runner) conclude(result *types.TestResult, spec *types.TestSpec, output any) {
	result.Output = output
	bindings := spec.Inputs.Map()
	if spec.IsFallback {
		bindings[evaluate.FallbackBinding] = true
	}
	if evaluate.Evaluate(output, spec.SuccessCriteria, bindings) {
		result.Passed = true
		return
	}
	result.FailureReason = fmt.Sprintf("output %v did not satisfy criteria %q",
		output, spec.SuccessCriteria.String())
	result.Details["failure_kind"] = FailureCriteria
}

// runSystem executes the snippet with an injected orchestrator handle. The
// snippet may set an explicit result record through the handle instead of
// returning a value.
func (r *Runner) runSystem(ctx context.Context, spec *types.TestSpec, entry *EntryPoint, args []any, result *types.TestResult) {
	r.mu.RLock()
	handle := r.system
	r.mu.RUnlock()

	override := &systemResult{}
	status := func() map[string]any {
		if handle == nil {
			return map[string]any{}
		}
		return handle.Status()
	}

	symbols := map[string]map[string]reflect.Value{
		"forge/system/system": {
			"Status":    reflect.ValueOf(status),
			"SetResult": reflect.ValueOf(override.set),
		},
	}

	output, err := r.callWithTimeout(ctx, spec.Timeout(), spec.Code, entry.Name, args, symbols)

	// An explicitly set record wins over the returned value.
	if passed, out, reason, ok := override.get(); ok {
		result.Passed = passed
		result.Output = out
		result.FailureReason = reason
		return
	}
	r.finish(result, entry, spec, output, err)
}

// systemResult carries a result set explicitly by a system-type snippet.
type systemResult struct {
	mu       sync.Mutex
	assigned bool
	passed   bool
	output   any
	reason   string
}

func (s *systemResult) set(passed bool, output any, reason string) {
	s.mu.Lock()
	s.assigned = true
	s.passed = passed
	s.output = output
	s.reason = reason
	s.mu.Unlock()
}

func (s *systemResult) get() (bool, any, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.passed, s.output, s.reason, s.assigned
}

func (r *Runner) publish(spec *types.TestSpec, result *types.TestResult) {
	if r.bus == nil {
		return
	}
	r.bus.Publish("runner", events.KindTestUpdate, map[string]any{
		"test_id": spec.ID,
		"name":    spec.Name,
		"passed":  result.Passed,
		"reason":  result.FailureReason,
	})
	if !result.Passed {
		r.log.Debug("test failed",
			zap.Int64("test_id", spec.ID),
			zap.String("name", spec.Name),
			zap.String("reason", result.FailureReason))
	}
}
