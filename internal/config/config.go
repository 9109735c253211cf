// Package config loads vigil configuration from YAML with environment
// variable overrides. Durations are stored as strings in the file and parsed
// on access with sane fallbacks, so a typo never takes the daemon down.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"vigil/internal/types"
)

// Config holds all vigil configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Heartbeat loop
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`

	// Dispatch gate tiers
	Gate GateConfig `yaml:"gate"`

	// Outbox queue
	Outbox OutboxConfig `yaml:"outbox"`

	// Memory store
	Memory MemoryConfig `yaml:"memory"`

	// Trigger directories watched for filesystem events
	Watch WatchConfig `yaml:"watch"`

	// External providers (cheap model, expensive agent, capability webhooks)
	Providers ProvidersConfig `yaml:"providers"`

	// Behavior mode registry
	Modes []types.Mode `yaml:"modes"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// HeartbeatConfig configures the tick scheduler.
type HeartbeatConfig struct {
	Interval string `yaml:"interval"` // base tick interval
	Jitter   string `yaml:"jitter"`   // max +/- added to each interval
	Grace    string `yaml:"grace"`    // shutdown grace for an in-flight tick

	// Time bands for mode weight selection, hours in local time.
	MorningStartHour int `yaml:"morning_start_hour"` // default 6
	MorningEndHour   int `yaml:"morning_end_hour"`   // default 12
	NightStartHour   int `yaml:"night_start_hour"`   // default 22
	NightEndHour     int `yaml:"night_end_hour"`     // default 6
}

// GateConfig configures the tier pipeline.
type GateConfig struct {
	RecencyWindow string `yaml:"recency_window"` // skip if agent ran within this window
	CheapTimeout  string `yaml:"cheap_timeout"`  // tier 3 deadline
	AgentTimeout  string `yaml:"agent_timeout"`  // tier 4 deadline
	FailOpen      *bool  `yaml:"fail_open"`      // cheap-model error -> escalate (default true)
	Workers       int    `yaml:"workers"`        // bounded concurrent event processing
}

// OutboxConfig configures the durable message queue.
type OutboxConfig struct {
	Dir            string `yaml:"dir"`             // queue root; pending/claimed/consumed live under it
	DeadLetterDir  string `yaml:"dead_letter_dir"` // defaults to <dir>/deadletter
	DrainInterval  string `yaml:"drain_interval"`  // how often the drainer scans for pending work
	RetryAttempts  int    `yaml:"retry_attempts"`  // endpoint handoff attempts before dead-letter
	EndpointErrors string `yaml:"endpoint_errors"` // "deadletter" or "requeue" after retry exhaustion
}

// MemoryConfig configures the sqlite-backed memory store.
type MemoryConfig struct {
	DatabasePath string `yaml:"database_path"`
	StatePath    string `yaml:"state_path"` // versioned shared-state document
}

// WatchConfig configures the filesystem watcher.
type WatchConfig struct {
	Dirs     []string `yaml:"dirs"`
	Debounce string   `yaml:"debounce"`
}

// ProvidersConfig configures external reasoning providers and capability
// endpoints. All are reached over HTTP with per-call deadlines.
type ProvidersConfig struct {
	// Cheap model: Ollama-style local generate endpoint
	CheapURL   string `yaml:"cheap_url"`
	CheapModel string `yaml:"cheap_model"`

	// Expensive agent: OpenAI-compatible chat completions endpoint
	AgentURL    string `yaml:"agent_url"`
	AgentModel  string `yaml:"agent_model"`
	AgentAPIKey string `yaml:"agent_api_key"`

	// Capability webhooks, keyed by action kind (speech, music, blog)
	Endpoints map[string]string `yaml:"endpoints"`

	// Endpoint invoke timeout
	InvokeTimeout string `yaml:"invoke_timeout"`

	// Embedding ranker for memory scans: "ollama", "genai", or "" (disabled)
	EmbeddingProvider string `yaml:"embedding_provider"`
	EmbeddingModel    string `yaml:"embedding_model"`
	GenAIAPIKey       string `yaml:"genai_api_key"`
}

// LoggingConfig configures the categorized file logger.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"` // debug, info, warn, error
	JSONFormat bool            `yaml:"json_format"`
	Categories map[string]bool `yaml:"categories"`
	Dir        string          `yaml:"dir"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	failOpen := true
	return &Config{
		Name:    "vigil",
		Version: "0.3.0",

		Heartbeat: HeartbeatConfig{
			Interval:         "5m",
			Jitter:           "30s",
			Grace:            "10s",
			MorningStartHour: 6,
			MorningEndHour:   12,
			NightStartHour:   22,
			NightEndHour:     6,
		},

		Gate: GateConfig{
			RecencyWindow: "15m",
			CheapTimeout:  "20s",
			AgentTimeout:  "2m",
			FailOpen:      &failOpen,
			Workers:       4,
		},

		Outbox: OutboxConfig{
			Dir:            "data/outbox",
			DrainInterval:  "5s",
			RetryAttempts:  3,
			EndpointErrors: "deadletter",
		},

		Memory: MemoryConfig{
			DatabasePath: "data/vigil.db",
			StatePath:    "data/state.json",
		},

		Watch: WatchConfig{
			Dirs:     []string{"data/triggers"},
			Debounce: "500ms",
		},

		Providers: ProvidersConfig{
			CheapURL:          "http://localhost:11434",
			CheapModel:        "dolphin-mistral:7b",
			AgentURL:          "http://localhost:8080/v1",
			AgentModel:        "agent-large",
			InvokeTimeout:     "30s",
			EmbeddingProvider: "",
			EmbeddingModel:    "embeddinggemma",
			Endpoints:         map[string]string{},
		},

		Modes: DefaultModes(),

		Logging: LoggingConfig{
			Level: "info",
			Dir:   "data/logs",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields defaults;
// a present but unparseable file is an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

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

	if len(cfg.Modes) == 0 {
		cfg.Modes = DefaultModes()
	}

	return cfg, nil
}

// Save saves configuration to a YAML file.
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

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("VIGIL_DB"); v != "" {
		c.Memory.DatabasePath = v
	}
	if v := os.Getenv("VIGIL_OUTBOX_DIR"); v != "" {
		c.Outbox.Dir = v
	}
	if v := os.Getenv("VIGIL_HEARTBEAT_INTERVAL"); v != "" {
		c.Heartbeat.Interval = v
	}
	if v := os.Getenv("VIGIL_CHEAP_URL"); v != "" {
		c.Providers.CheapURL = v
	}
	if v := os.Getenv("VIGIL_AGENT_URL"); v != "" {
		c.Providers.AgentURL = v
	}
	if v := os.Getenv("VIGIL_AGENT_API_KEY"); v != "" {
		c.Providers.AgentAPIKey = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		c.Providers.GenAIAPIKey = v
	}
}

// DeadLetterDir returns the configured dead-letter path, defaulting to a
// sibling of the queue root.
func (c *Config) DeadLetterDir() string {
	if c.Outbox.DeadLetterDir != "" {
		return c.Outbox.DeadLetterDir
	}
	return filepath.Join(c.Outbox.Dir, "deadletter")
}

// FailOpen reports the tier 3 error policy: true means a cheap-model failure
// escalates to tier 4 rather than skipping.
func (c *Config) FailOpen() bool {
	if c.Gate.FailOpen == nil {
		return true
	}
	return *c.Gate.FailOpen
}

// duration parses s, falling back to def on empty or invalid input.
func duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// HeartbeatInterval returns the tick interval as a duration.
func (c *Config) HeartbeatInterval() time.Duration {
	return duration(c.Heartbeat.Interval, 5*time.Minute)
}

// HeartbeatJitter returns the per-tick jitter bound.
func (c *Config) HeartbeatJitter() time.Duration {
	return duration(c.Heartbeat.Jitter, 30*time.Second)
}

// ShutdownGrace returns the in-flight tick grace period.
func (c *Config) ShutdownGrace() time.Duration {
	return duration(c.Heartbeat.Grace, 10*time.Second)
}

// RecencyWindow returns the tier 2 skip window.
func (c *Config) RecencyWindow() time.Duration {
	return duration(c.Gate.RecencyWindow, 15*time.Minute)
}

// CheapTimeout returns the tier 3 deadline.
func (c *Config) CheapTimeout() time.Duration {
	return duration(c.Gate.CheapTimeout, 20*time.Second)
}

// AgentTimeout returns the tier 4 deadline.
func (c *Config) AgentTimeout() time.Duration {
	return duration(c.Gate.AgentTimeout, 2*time.Minute)
}

// DrainInterval returns the outbox scan cadence.
func (c *Config) DrainInterval() time.Duration {
	return duration(c.Outbox.DrainInterval, 5*time.Second)
}

// WatchDebounce returns the watcher settle window.
func (c *Config) WatchDebounce() time.Duration {
	return duration(c.Watch.Debounce, 500*time.Millisecond)
}

// InvokeTimeout returns the capability endpoint deadline.
func (c *Config) InvokeTimeout() time.Duration {
	return duration(c.Providers.InvokeTimeout, 30*time.Second)
}
