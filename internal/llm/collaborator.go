package llm

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"forge/internal/events"
)

// prober is implemented by clients that can report and repair their own
// availability (currently the Ollama client).
type prober interface {
	Probe(ctx context.Context) (reachable, hasModel bool)
	Provision(ctx context.Context) error
}

// Collaborator wraps a provider client with the resilience the pipeline
// needs: hard per-call timeouts, retries with backoff, a one-time model
// provision attempt, and deterministic canned responses once the provider
// has failed repeatedly. The pipeline never blocks on a dead provider.
type Collaborator struct {
	client Client
	bus    *events.Bus
	log    *zap.Logger

	callTimeout time.Duration
	maxRetries  int
	backoffBase time.Duration

	mu             sync.Mutex
	consecFails    int
	provisionTried bool

	// sleep is injectable for tests.
	sleep func(time.Duration)

	// recordError reports failures to the error tracker when wired.
	recordError func(category, details string)
}

// cannedThreshold is the consecutive-failure count at which the collaborator
// stops calling the provider and serves canned responses instead.
const cannedThreshold = 3

// NewCollaborator wraps the client. A nil bus disables event emission.
func NewCollaborator(client Client, bus *events.Bus, log *zap.Logger, callTimeout time.Duration) *Collaborator {
	if callTimeout <= 0 {
		callTimeout = 120 * time.Second
	}
	return &Collaborator{
		client:      client,
		bus:         bus,
		log:         log.Named("llm"),
		callTimeout: callTimeout,
		maxRetries:  2,
		backoffBase: time.Second,
		sleep:       time.Sleep,
	}
}

// Complete asks the provider for a completion, falling back to a canned
// response when the provider keeps failing. The returned string is never
// empty.
func (c *Collaborator) Complete(ctx context.Context, prompt string) string {
	return c.CompleteWithSystem(ctx, "", prompt)
}

// CompleteWithSystem is Complete with a system instruction.
func (c *Collaborator) CompleteWithSystem(ctx context.Context, system, prompt string) string {
	if c.failedOut() {
		c.log.Warn("serving canned response", zap.Int("consecutive_failures", c.fails()))
		return canned(prompt)
	}

	c.maybeProvision(ctx)

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			// 1s, 2s, 4s...
			c.sleep(c.backoffBase << (attempt - 1))
		}

		callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
		text, err := c.client.CompleteWithSystem(callCtx, system, prompt)
		cancel()
		if err == nil && text != "" {
			c.recordSuccess()
			c.publish(text)
			return text
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}

	c.recordFailure()
	c.log.Warn("collaborator call failed",
		zap.String("model", c.client.Model()),
		zap.Int("consecutive_failures", c.fails()),
		zap.Error(lastErr))
	if c.recordError != nil {
		category := "collaborator_unavailable"
		if errors.Is(lastErr, context.DeadlineExceeded) {
			category = "collaborator_timeout"
		}
		details := "empty response"
		if lastErr != nil {
			details = lastErr.Error()
		}
		c.recordError(category, details)
	}
	return canned(prompt)
}

// SetErrorRecorder wires failure reporting into the error tracker.
func (c *Collaborator) SetErrorRecorder(record func(category, details string)) {
	c.recordError = record
}

// SwitchModel propagates a new model to the client and clears the failure
// streak so the new model gets a clean slate.
func (c *Collaborator) SwitchModel(name string) {
	c.client.SetModel(name)
	c.mu.Lock()
	c.consecFails = 0
	c.provisionTried = false
	c.mu.Unlock()
	c.log.Info("switched model", zap.String("model", name))
}

// Model reports the active model name.
func (c *Collaborator) Model() string { return c.client.Model() }

// Available probes the provider when it supports probing; clients without a
// probe are assumed reachable.
func (c *Collaborator) Available(ctx context.Context) bool {
	p, ok := c.client.(prober)
	if !ok {
		return true
	}
	reachable, _ := p.Probe(ctx)
	return reachable
}

// maybeProvision pulls the active model once per model when the provider is
// reachable but the model is missing.
func (c *Collaborator) maybeProvision(ctx context.Context) {
	p, ok := c.client.(prober)
	if !ok {
		return
	}
	c.mu.Lock()
	tried := c.provisionTried
	c.provisionTried = true
	c.mu.Unlock()
	if tried {
		return
	}

	reachable, hasModel := p.Probe(ctx)
	if !reachable || hasModel {
		return
	}
	c.log.Info("provisioning model", zap.String("model", c.client.Model()))
	if err := p.Provision(ctx); err != nil {
		c.log.Warn("model provision failed", zap.Error(err))
	}
}

func (c *Collaborator) failedOut() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consecFails >= cannedThreshold
}

func (c *Collaborator) fails() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consecFails
}

func (c *Collaborator) recordSuccess() {
	c.mu.Lock()
	c.consecFails = 0
	c.mu.Unlock()
}

func (c *Collaborator) recordFailure() {
	c.mu.Lock()
	c.consecFails++
	c.mu.Unlock()
}

func (c *Collaborator) publish(text string) {
	if c.bus == nil {
		return
	}
	preview := text
	if len(preview) > 200 {
		preview = preview[:200]
	}
	c.bus.Publish("llm", events.KindLLMResponse, map[string]any{
		"model":   c.client.Model(),
		"preview": preview,
	})
}

// ResetFailures clears the failure streak, used by recovery actions.
func (c *Collaborator) ResetFailures() {
	c.mu.Lock()
	c.consecFails = 0
	c.mu.Unlock()
}

// canned selects a deterministic response by prompt intent so downstream
// decoding always has something well-formed to work with.
func canned(prompt string) string {
	lower := strings.ToLower(prompt)
	switch {
	case strings.Contains(lower, "generate") && strings.Contains(lower, "test"):
		return cannedGenerateTest
	case strings.Contains(lower, "fix") || strings.Contains(lower, "repair"):
		return cannedFix
	case strings.Contains(lower, "insight") || strings.Contains(lower, "pattern") || strings.Contains(lower, "learn"):
		return cannedInsights
	default:
		return cannedGeneric
	}
}
