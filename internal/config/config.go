// Package config loads the pipeline configuration from YAML with
// environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all forge configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// LLM collaborator settings
	LLM LLMConfig `yaml:"llm"`

	// Dynamic code execution settings
	Runner RunnerConfig `yaml:"runner"`

	// Cycle orchestration settings
	Pipeline PipelineConfig `yaml:"pipeline"`

	// SQLite knowledge store
	Store StoreConfig `yaml:"store"`

	// Background health monitor
	Monitor MonitorConfig `yaml:"monitor"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// LLMConfig configures the generation collaborator.
type LLMConfig struct {
	Provider    string  `yaml:"provider"` // gemini, ollama
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	BaseURL     string  `yaml:"base_url"`
	Timeout     string  `yaml:"timeout"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// RunnerConfig configures dynamic test execution.
type RunnerConfig struct {
	Backend        string `yaml:"backend"` // yaegi, subprocess
	Workers        int    `yaml:"workers"`
	DefaultTimeout string `yaml:"default_timeout"`
	EntryPrefix    string `yaml:"entry_prefix"`
	MainName       string `yaml:"main_name"`
	// Binary used by the subprocess backend.
	SubprocessBinary string `yaml:"subprocess_binary"`
}

// PipelineConfig configures the cycle orchestrator.
type PipelineConfig struct {
	TestsPerCycle         int    `yaml:"tests_per_cycle"`
	MaxFixRounds          int    `yaml:"max_fix_rounds"`
	BreakerMaxFailures    int    `yaml:"breaker_max_failures"`
	BreakerCooldown       string `yaml:"breaker_cooldown"`
	BreakerForceReset     string `yaml:"breaker_force_reset"`
	SelfHealingThreshold  int    `yaml:"self_healing_threshold"`
	PauseCheckInterval    string `yaml:"pause_check_interval"`
	MaxHealthFailures     int    `yaml:"max_health_failures"`
	InitialComplexity     string `yaml:"initial_complexity"`
	StopJoinTimeout       string `yaml:"stop_join_timeout"`
}

// StoreConfig configures the SQLite store.
type StoreConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// MonitorConfig configures the background health monitor.
type MonitorConfig struct {
	Interval string `yaml:"interval"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
	File  string `yaml:"file"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Name:    "forge",
		Version: "1.0.0",

		LLM: LLMConfig{
			Provider:    "ollama",
			Model:       "qwen2.5-coder:7b",
			BaseURL:     "http://localhost:11434",
			Timeout:     "120s",
			Temperature: 0.7,
			MaxTokens:   4096,
		},

		Runner: RunnerConfig{
			Backend:          "yaegi",
			Workers:          3,
			DefaultTimeout:   "30s",
			EntryPrefix:      "Test",
			MainName:         "Main",
			SubprocessBinary: "yaegi",
		},

		Pipeline: PipelineConfig{
			TestsPerCycle:        1,
			MaxFixRounds:         5,
			BreakerMaxFailures:   3,
			BreakerCooldown:      "300s",
			BreakerForceReset:    "900s",
			SelfHealingThreshold: 10,
			PauseCheckInterval:   "500ms",
			MaxHealthFailures:    5,
			InitialComplexity:    "beginner",
			StopJoinTimeout:      "10s",
		},

		Store: StoreConfig{
			DatabasePath: "data/forge.db",
		},

		Monitor: MonitorConfig{
			Interval: "60s",
		},

		Logging: LoggingConfig{
			Level: "info",
			File:  "forge.log",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults; environment overrides always apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration back to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides lets environment variables take precedence over the file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("FORGE_LLM_PROVIDER"); v != "" {
		c.LLM.Provider = v
	}
	if v := os.Getenv("FORGE_LLM_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if v := os.Getenv("FORGE_LLM_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("FORGE_LLM_BASE_URL"); v != "" {
		c.LLM.BaseURL = v
	}
	if v := os.Getenv("FORGE_DB_PATH"); v != "" {
		c.Store.DatabasePath = v
	}
	if v := os.Getenv("FORGE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Duration parses a duration field, returning def on empty or bad input.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
