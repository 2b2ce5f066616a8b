// forge runs the self-improving test pipeline: generate tests, execute them,
// repair what fails, and learn from the outcome, cycle after cycle.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"forge/internal/config"
	"forge/internal/events"
	"forge/internal/generator"
	"forge/internal/learner"
	"forge/internal/llm"
	"forge/internal/logging"
	"forge/internal/monitor"
	"forge/internal/orchestrator"
	"forge/internal/repair"
	"forge/internal/runner"
	"forge/internal/store"
	"forge/internal/tracker"
)

var (
	flagConfig  string
	flagModel   string
	flagCycles  int
	flagVerbose bool
)

func main() {
	root := &cobra.Command{
		Use:           "forge",
		Short:         "Self-improving test pipeline",
		Long:          "forge generates small Go tests, executes them, repairs failures, and learns from the results in a continuous improvement loop.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
	root.Flags().StringVarP(&flagConfig, "config", "c", "forge.yaml", "path to the configuration file")
	root.Flags().StringVarP(&flagModel, "model", "m", "", "override the collaborator model")
	root.Flags().IntVarP(&flagCycles, "cycles", "n", 0, "number of cycles to run (0 = until interrupted)")
	root.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "human-readable debug logging")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "forge:", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	if flagModel != "" {
		cfg.LLM.Model = flagModel
	}

	logLevel := cfg.Logging.Level
	if flagVerbose {
		logLevel = "debug"
	}
	log := logging.New(logging.Options{
		Level:       logLevel,
		File:        cfg.Logging.File,
		Development: flagVerbose,
	})
	defer log.Sync()

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(cfg.Store.DatabasePath, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	client, err := buildClient(ctx, cfg)
	if err != nil {
		return err
	}

	bus := events.NewBus()
	collab := llm.NewCollaborator(client, bus, log,
		config.Duration(cfg.LLM.Timeout, 0))

	var backend runner.Backend
	switch cfg.Runner.Backend {
	case "subprocess":
		backend = runner.NewSubprocessBackend(cfg.Runner.SubprocessBinary)
	default:
		backend = runner.NewYaegiBackend()
	}
	exec := runner.New(backend, bus, log, runner.Options{
		Workers:     cfg.Runner.Workers,
		EntryPrefix: cfg.Runner.EntryPrefix,
		MainName:    cfg.Runner.MainName,
	})

	trk := tracker.New(st, log)
	collab.SetErrorRecorder(trk.RecordError)
	gen := generator.New(collab, st, log, cfg.Pipeline.InitialComplexity)
	gen.SetErrorRecorder(trk.RecordError)
	lrn := learner.New(collab, st, bus, log)
	eng := repair.NewEngine(collab, exec, st, trk, bus, log)

	orch := orchestrator.New(orchestrator.Deps{
		Generator: gen,
		Runner:    exec,
		Repair:    eng,
		Learner:   lrn,
		LLM:       collab,
		Tracker:   trk,
		Store:     st,
		Bus:       bus,
	}, cfg.Pipeline, log)

	mon := monitor.New(orch, trk, collab, st, bus, log, monitor.Options{
		Interval: config.Duration(cfg.Monitor.Interval, 0),
	})
	orch.SetHealthChecker(mon)

	mon.Start(ctx)
	defer mon.Stop()

	log.Info("pipeline starting",
		zap.String("provider", cfg.LLM.Provider),
		zap.String("model", cfg.LLM.Model),
		zap.String("backend", cfg.Runner.Backend),
		zap.Int("cycles", flagCycles))

	if err := orch.Start(ctx, flagCycles); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		orch.Stop()
	case <-orch.Done():
		log.Info("cycle budget exhausted")
	}
	return nil
}

// buildClient selects the collaborator provider from config.
func buildClient(ctx context.Context, cfg *config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "gemini":
		client, err := llm.NewGenAIClient(ctx, cfg.LLM.APIKey, cfg.LLM.Model,
			cfg.LLM.Temperature, cfg.LLM.MaxTokens)
		if err != nil {
			return nil, fmt.Errorf("gemini client: %w", err)
		}
		return client, nil
	case "ollama", "":
		return llm.NewOllamaClient(cfg.LLM.BaseURL, cfg.LLM.Model, cfg.LLM.Temperature), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.LLM.Provider)
	}
}
