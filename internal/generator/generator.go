// Package generator asks the collaborator for new test specs, validates
// them, and adapts their difficulty to the pipeline's recent success rate.
package generator

import (
	"context"
	"errors"
	"fmt"
	"go/parser"
	"go/token"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"forge/internal/decode"
	"forge/internal/types"
)

const (
	generationHistoryKey = "test_generation_history"
	attemptsPerSpec      = 3
	// complexity adapts over the last complexityWindow results
	complexityWindow = 10
	stepUpRate       = 0.9
	stepDownRate     = 0.5
)

var complexityLevels = []string{"beginner", "intermediate", "advanced", "expert"}

// errSpecValidation marks responses that decoded but fail validation, as
// opposed to responses with no recoverable JSON at all.
var errSpecValidation = errors.New("spec validation failed")

var generatableTypes = []types.TestType{
	types.TestFunction,
	types.TestIntegration,
	types.TestPerformance,
	types.TestGeneric,
}

const generateSystemPrompt = `You generate small self-contained Go test snippets. Reply with a single JSON object:
{"name": "...", "type": "...", "complexity": "...", "description": "...",
 "code": "...", "inputs": {...}, "success_criteria": "...", "timeout_seconds": 10}
The code must declare one entry function whose name starts with "Test", using
only stdlib imports. No markdown, no commentary outside the JSON.`

// Completer is the collaborator surface the generator needs.
type Completer interface {
	CompleteWithSystem(ctx context.Context, system, prompt string) string
}

// Store persists generated specs and generator state.
type Store interface {
	SaveTest(spec *types.TestSpec) (int64, error)
	SaveKnowledge(key string, value any) error
	GetKnowledge(key string, out any) (bool, error)
	RecentTests(n int) ([]*types.TestSpec, error)
	RecentResults(n int) ([]*types.TestResult, error)
}

// generatorState is the persisted portion of the generator.
type generatorState struct {
	Generated  int    `json:"generated"`
	Fallbacks  int    `json:"fallbacks"`
	Complexity string `json:"complexity"`
}

// Generator produces validated test specs.
type Generator struct {
	llm   Completer
	store Store
	log   *zap.Logger
	rng   *rand.Rand

	// recordError reports decode/validation failures when wired.
	recordError func(category, details string)

	mu    sync.Mutex
	state generatorState
}

// New creates a generator starting at the given complexity.
func New(llm Completer, store Store, log *zap.Logger, initialComplexity string) *Generator {
	g := &Generator{
		llm:   llm,
		store: store,
		log:   log.Named("generator"),
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
		state: generatorState{Complexity: initialComplexity},
	}
	if store != nil {
		if _, err := store.GetKnowledge(generationHistoryKey, &g.state); err != nil {
			g.log.Warn("failed to load generation history", zap.Error(err))
		}
	}
	if !validComplexity(g.state.Complexity) {
		g.state.Complexity = complexityLevels[0]
	}
	return g
}

// GenerateTests produces up to count validated, persisted specs. Generation
// failures are absorbed: a spec that cannot be decoded after the attempt
// budget becomes a deterministic fallback.
func (g *Generator) GenerateTests(ctx context.Context, count int) []*types.TestSpec {
	g.adaptComplexity()

	specs := make([]*types.TestSpec, 0, count)
	for i := 0; i < count; i++ {
		spec := g.generateOne(ctx)
		if spec == nil {
			continue
		}
		if g.store != nil {
			if _, err := g.store.SaveTest(spec); err != nil {
				g.log.Warn("failed to persist generated spec", zap.Error(err))
			}
		}
		specs = append(specs, spec)
	}

	g.mu.Lock()
	g.state.Generated += len(specs)
	g.mu.Unlock()
	g.persistState()
	return specs
}

// SetErrorRecorder wires failure reporting into the error tracker.
func (g *Generator) SetErrorRecorder(record func(category, details string)) {
	g.recordError = record
}

// Complexity reports the current difficulty level.
func (g *Generator) Complexity() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.Complexity
}

func (g *Generator) generateOne(ctx context.Context) *types.TestSpec {
	testType := generatableTypes[g.rng.Intn(len(generatableTypes))]
	prompt := g.buildPrompt(testType)

	var lastRaw string
	for attempt := 0; attempt < attemptsPerSpec; attempt++ {
		raw := g.llm.CompleteWithSystem(ctx, generateSystemPrompt, prompt)
		lastRaw = raw
		spec, err := g.decodeSpec(raw)
		if err != nil {
			g.log.Debug("generation attempt failed",
				zap.Int("attempt", attempt+1), zap.Error(err))
			if g.recordError != nil {
				category := "malformed_response"
				if errors.Is(err, errSpecValidation) {
					category = "spec_validation_failure"
				}
				g.recordError(category, err.Error())
			}
			continue
		}
		return spec
	}

	// Last resort before the canned fallback: the response may still carry
	// usable code even when no JSON could be recovered.
	if synth, err := decode.SynthesizeSpec(lastRaw); err == nil {
		if spec, err := g.decodeSpec(string(synth)); err == nil {
			g.log.Info("synthesized spec from undecodable output", zap.String("name", spec.Name))
			return spec
		}
	}

	g.mu.Lock()
	g.state.Fallbacks++
	g.mu.Unlock()
	return g.fallbackSpec()
}

// buildPrompt carries the difficulty level, the requested type, and recent
// history so the model avoids repeating itself.
func (g *Generator) buildPrompt(testType types.TestType) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Generate one %s-type Go test at %s complexity.\n", testType, g.Complexity())

	if g.store != nil {
		if recent, err := g.store.RecentTests(5); err == nil && len(recent) > 0 {
			sb.WriteString("\nRecently generated tests (avoid duplicates):\n")
			for _, spec := range recent {
				fmt.Fprintf(&sb, "- %s (%s)\n", spec.Name, spec.Type)
			}
		}
		if results, err := g.store.RecentResults(5); err == nil && len(results) > 0 {
			passed := 0
			for _, r := range results {
				if r.Passed {
					passed++
				}
			}
			fmt.Fprintf(&sb, "\nRecent pass rate: %d/%d\n", passed, len(results))
		}
	}
	return sb.String()
}

// decodeSpec parses and validates a model response. Inputs that are not a
// mapping are wrapped under "value"; missing criteria get the doubling
// default; code must parse, with one deterministic repair retry.
func (g *Generator) decodeSpec(raw string) (*types.TestSpec, error) {
	data, err := decode.Extract(raw)
	if err != nil {
		return nil, fmt.Errorf("extract spec: %w", err)
	}

	var spec types.TestSpec
	if err := decode.Unmarshal(string(data), &spec); err != nil {
		return nil, fmt.Errorf("decode spec: %w", err)
	}

	if spec.Name == "" || spec.Code == "" {
		return nil, fmt.Errorf("%w: missing name or code", errSpecValidation)
	}
	spec.Type = spec.Type.Normalize()
	if spec.Complexity == "" {
		spec.Complexity = g.Complexity()
	}
	if !spec.Inputs.IsMapping() {
		spec.Inputs = types.NewInputs(types.Input{Name: "value", Value: spec.Inputs.Scalar()})
	}
	if spec.SuccessCriteria.IsEmpty() {
		spec.SuccessCriteria = types.ExprCriteria("output == value * 2")
	}

	if err := checkSyntax(spec.Code); err != nil {
		// one deterministic retry: strip fences the decoder may have missed
		cleaned := strings.TrimSpace(strings.Trim(spec.Code, "`"))
		if err2 := checkSyntax(cleaned); err2 != nil {
			return nil, fmt.Errorf("%w: code does not parse: %v", errSpecValidation, err)
		}
		spec.Code = cleaned
	}
	return &spec, nil
}

func checkSyntax(code string) error {
	src := code
	if !strings.Contains(src, "package main") {
		src = "package main\n\n" + src
	}
	fset := token.NewFileSet()
	_, err := parser.ParseFile(fset, "generated.go", src, 0)
	return err
}

// fallbackSpec is the deterministic spec used when generation keeps failing.
func (g *Generator) fallbackSpec() *types.TestSpec {
	return &types.TestSpec{
		Name:            fmt.Sprintf("fallback_doubling_%d", time.Now().UnixNano()),
		Type:            types.TestFunction,
		Complexity:      "beginner",
		Description:     "deterministic fallback spec after repeated generation failures",
		Code:            "func TestDouble(value float64) float64 {\n\treturn value * 2\n}",
		Inputs:          types.NewInputs(types.Input{Name: "value", Value: float64(10)}),
		SuccessCriteria: types.ExprCriteria("output == value * 2"),
		TimeoutSeconds:  10,
		IsFallback:      true,
	}
}

// adaptComplexity steps the difficulty up or down based on the recent pass
// rate.
func (g *Generator) adaptComplexity() {
	if g.store == nil {
		return
	}
	results, err := g.store.RecentResults(complexityWindow)
	if err != nil || len(results) < complexityWindow {
		return
	}
	passed := 0
	for _, r := range results {
		if r.Passed {
			passed++
		}
	}
	rate := float64(passed) / float64(len(results))

	g.mu.Lock()
	defer g.mu.Unlock()
	idx := complexityIndex(g.state.Complexity)
	switch {
	case rate > stepUpRate && idx < len(complexityLevels)-1:
		g.state.Complexity = complexityLevels[idx+1]
		g.log.Info("stepping complexity up",
			zap.Float64("pass_rate", rate), zap.String("complexity", g.state.Complexity))
	case rate < stepDownRate && idx > 0:
		g.state.Complexity = complexityLevels[idx-1]
		g.log.Info("stepping complexity down",
			zap.Float64("pass_rate", rate), zap.String("complexity", g.state.Complexity))
	}
}

func (g *Generator) persistState() {
	if g.store == nil {
		return
	}
	g.mu.Lock()
	snapshot := g.state
	g.mu.Unlock()
	if err := g.store.SaveKnowledge(generationHistoryKey, snapshot); err != nil {
		g.log.Warn("failed to persist generation history", zap.Error(err))
	}
}

func validComplexity(c string) bool {
	return complexityIndex(c) >= 0
}

func complexityIndex(c string) int {
	for i, level := range complexityLevels {
		if level == c {
			return i
		}
	}
	return -1
}
