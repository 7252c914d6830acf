// Package config loads the daemon configuration from $QUILL_HOME/config.yaml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quiethour/quill/internal/telemetry"
)

// LLMInstanceConfig describes one configured LLM endpoint. Multiple instances
// are pooled behind round-robin with failover.
type LLMInstanceConfig struct {
	Name      string `yaml:"name"`
	BaseURL   string `yaml:"base_url"` // OpenAI-compatible endpoint
	Model     string `yaml:"model"`
	APIKey    string `yaml:"api_key"`
	APIKeyEnv string `yaml:"api_key_env"` // env var consulted when api_key is empty
	MaxTokens int    `yaml:"max_tokens"`
}

// LLMConfig holds provider pool and retry policy settings.
type LLMConfig struct {
	Instances []LLMInstanceConfig `yaml:"instances"`

	// RetryAttempts bounds retries of transient call failures. Default 3.
	RetryAttempts int `yaml:"retry_attempts"`
	// RetryBaseSeconds is the initial backoff delay. Default 1.
	RetryBaseSeconds int `yaml:"retry_base_seconds"`
	// RetryMaxSeconds caps the backoff delay. Default 30.
	RetryMaxSeconds int `yaml:"retry_max_seconds"`

	// FailoverThreshold is the consecutive-failure count that trips an
	// instance's circuit breaker. Default 5.
	FailoverThreshold int `yaml:"failover_threshold"`
	// FailoverCooldownSeconds is how long a tripped instance is skipped.
	// Default 300.
	FailoverCooldownSeconds int `yaml:"failover_cooldown_seconds"`
}

// QueueConfig holds per-queue worker pool settings.
type QueueConfig struct {
	AgentWorkers    int `yaml:"agent_workers"`    // default 2
	ToolWorkers     int `yaml:"tool_workers"`     // default 4
	ScheduleWorkers int `yaml:"schedule_workers"` // default 1

	PollIntervalMs int `yaml:"poll_interval_ms"` // default 100
	MaxAttempts    int `yaml:"max_attempts"`     // default 3
	// RetainFinished bounds how many terminal jobs are kept per queue for
	// inspection before pruning. Default 200.
	RetainFinished int `yaml:"retain_finished"`
	// TaskTimeoutSeconds bounds a single job execution. Default 600.
	TaskTimeoutSeconds int `yaml:"task_timeout_seconds"`
}

// AgentConfig holds agent loop policy.
type AgentConfig struct {
	MaxIterations    int `yaml:"max_iterations"`    // default 50
	MaxContinuations int `yaml:"max_continuations"` // default 3
	BreakerThreshold int `yaml:"breaker_threshold"` // default 3
	MaxInputChars    int `yaml:"max_input_chars"`   // default 20000
	HistoryLimit     int `yaml:"history_limit"`     // default 40

	PersonaFile string `yaml:"persona_file"` // default $QUILL_HOME/PERSONA.md

	ProactiveEnabled      bool `yaml:"proactive_enabled"`
	ProactiveDelayMinutes int  `yaml:"proactive_delay_minutes"` // default 120
}

// GuardConfig holds security guard policy.
type GuardConfig struct {
	Enabled          bool    `yaml:"enabled"`
	EchoThreshold    float64 `yaml:"echo_threshold"`     // default 0.7
	MinInputChars    int     `yaml:"min_input_chars"`    // echo layer skip below, default 24
	MinOutputChars   int     `yaml:"min_output_chars"`   // output check skip below, default 80
	CacheTTLSeconds  int     `yaml:"cache_ttl_seconds"`  // default 300
	CacheSize        int     `yaml:"cache_size"`         // default 512
}

// TelegramConfig configures the Telegram channel adapter.
type TelegramConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Token      string  `yaml:"token"`
	TokenEnv   string  `yaml:"token_env"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
}

// ChannelsConfig groups channel adapter settings.
type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// SkillsConfig configures skill discovery.
type SkillsConfig struct {
	Dir string `yaml:"dir"` // default $QUILL_HOME/skills
	// LocalTools names tools that must execute in-process even though they
	// belong to a skill (e.g. tools sharing a persistent browser handle).
	LocalTools []string `yaml:"local_tools"`
}

// Config is the root configuration.
type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`
	// WorkerMode restricts this process to consuming the tool queue only,
	// for horizontal scaling of tool execution.
	WorkerMode bool `yaml:"worker_mode"`

	LLM      LLMConfig              `yaml:"llm"`
	Queue    QueueConfig            `yaml:"queue"`
	Agent    AgentConfig            `yaml:"agent"`
	Guard    GuardConfig            `yaml:"guard"`
	Skills   SkillsConfig           `yaml:"skills"`
	Channels ChannelsConfig         `yaml:"channels"`
	OTel     telemetry.OTelConfig   `yaml:"otel"`
}

// DefaultHomeDir returns $QUILL_HOME or ~/.quill.
func DefaultHomeDir() string {
	if v := os.Getenv("QUILL_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".quill")
}

// Load reads config.yaml from homeDir and applies defaults. A missing file
// yields a default config rather than an error.
func Load(homeDir string) (*Config, error) {
	if homeDir == "" {
		homeDir = DefaultHomeDir()
	}
	cfg := &Config{HomeDir: homeDir}

	path := filepath.Join(homeDir, "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	cfg.resolveSecrets()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	if c.LLM.RetryAttempts <= 0 {
		c.LLM.RetryAttempts = 3
	}
	if c.LLM.RetryBaseSeconds <= 0 {
		c.LLM.RetryBaseSeconds = 1
	}
	if c.LLM.RetryMaxSeconds <= 0 {
		c.LLM.RetryMaxSeconds = 30
	}
	if c.LLM.FailoverThreshold <= 0 {
		c.LLM.FailoverThreshold = 5
	}
	if c.LLM.FailoverCooldownSeconds <= 0 {
		c.LLM.FailoverCooldownSeconds = 300
	}

	if c.Queue.AgentWorkers <= 0 {
		c.Queue.AgentWorkers = 2
	}
	if c.Queue.ToolWorkers <= 0 {
		c.Queue.ToolWorkers = 4
	}
	if c.Queue.ScheduleWorkers <= 0 {
		c.Queue.ScheduleWorkers = 1
	}
	if c.Queue.PollIntervalMs <= 0 {
		c.Queue.PollIntervalMs = 100
	}
	if c.Queue.MaxAttempts <= 0 {
		c.Queue.MaxAttempts = 3
	}
	if c.Queue.RetainFinished <= 0 {
		c.Queue.RetainFinished = 200
	}
	if c.Queue.TaskTimeoutSeconds <= 0 {
		c.Queue.TaskTimeoutSeconds = 600
	}

	if c.Agent.MaxIterations <= 0 {
		c.Agent.MaxIterations = 50
	}
	if c.Agent.MaxContinuations <= 0 {
		c.Agent.MaxContinuations = 3
	}
	if c.Agent.BreakerThreshold <= 0 {
		c.Agent.BreakerThreshold = 3
	}
	if c.Agent.MaxInputChars <= 0 {
		c.Agent.MaxInputChars = 20000
	}
	if c.Agent.HistoryLimit <= 0 {
		c.Agent.HistoryLimit = 40
	}
	if c.Agent.PersonaFile == "" {
		c.Agent.PersonaFile = filepath.Join(c.HomeDir, "PERSONA.md")
	}
	if c.Agent.ProactiveDelayMinutes <= 0 {
		c.Agent.ProactiveDelayMinutes = 120
	}

	if c.Guard.EchoThreshold <= 0 {
		c.Guard.EchoThreshold = 0.7
	}
	if c.Guard.MinInputChars <= 0 {
		c.Guard.MinInputChars = 24
	}
	if c.Guard.MinOutputChars <= 0 {
		c.Guard.MinOutputChars = 80
	}
	if c.Guard.CacheTTLSeconds <= 0 {
		c.Guard.CacheTTLSeconds = 300
	}
	if c.Guard.CacheSize <= 0 {
		c.Guard.CacheSize = 512
	}

	if c.Skills.Dir == "" {
		c.Skills.Dir = filepath.Join(c.HomeDir, "skills")
	}
}

func (c *Config) resolveSecrets() {
	for i := range c.LLM.Instances {
		inst := &c.LLM.Instances[i]
		if inst.APIKey == "" && inst.APIKeyEnv != "" {
			inst.APIKey = os.Getenv(inst.APIKeyEnv)
		}
	}
	tg := &c.Channels.Telegram
	if tg.Token == "" && tg.TokenEnv != "" {
		tg.Token = os.Getenv(tg.TokenEnv)
	}
}

// PollInterval returns the queue poll interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Queue.PollIntervalMs) * time.Millisecond
}

// Persona reads the persona file, returning a neutral default when missing.
func (c *Config) Persona() string {
	data, err := os.ReadFile(c.Agent.PersonaFile)
	if err != nil {
		return "You are Quill, a helpful personal assistant."
	}
	return string(data)
}
