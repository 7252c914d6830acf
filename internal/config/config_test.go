package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("log level = %q", cfg.LogLevel)
	}
	if cfg.Queue.AgentWorkers != 2 || cfg.Queue.ToolWorkers != 4 || cfg.Queue.ScheduleWorkers != 1 {
		t.Errorf("worker defaults = %+v", cfg.Queue)
	}
	if cfg.Agent.MaxIterations != 50 || cfg.Agent.BreakerThreshold != 3 {
		t.Errorf("agent defaults = %+v", cfg.Agent)
	}
	if cfg.Guard.EchoThreshold != 0.7 || cfg.Guard.MinOutputChars != 80 {
		t.Errorf("guard defaults = %+v", cfg.Guard)
	}
	if cfg.PollInterval() != 100*time.Millisecond {
		t.Errorf("poll interval = %v", cfg.PollInterval())
	}
	if cfg.Skills.Dir != filepath.Join(cfg.HomeDir, "skills") {
		t.Errorf("skills dir = %q", cfg.Skills.Dir)
	}
	if cfg.Agent.PersonaFile != filepath.Join(cfg.HomeDir, "PERSONA.md") {
		t.Errorf("persona file = %q", cfg.Agent.PersonaFile)
	}
}

func TestLoadParsesYAMLAndResolvesSecrets(t *testing.T) {
	home := t.TempDir()
	t.Setenv("TEST_QUILL_API_KEY", "sk-from-env")
	t.Setenv("TEST_QUILL_TG_TOKEN", "tg-from-env")

	content := `
log_level: debug
llm:
  instances:
    - name: primary
      base_url: https://api.example.com/v1
      model: big-model
      api_key_env: TEST_QUILL_API_KEY
  retry_attempts: 5
queue:
  agent_workers: 8
guard:
  enabled: true
channels:
  telegram:
    enabled: true
    token_env: TEST_QUILL_TG_TOKEN
    allowed_ids: [123, 456]
`
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log level = %q", cfg.LogLevel)
	}
	if len(cfg.LLM.Instances) != 1 || cfg.LLM.Instances[0].APIKey != "sk-from-env" {
		t.Errorf("instances = %+v", cfg.LLM.Instances)
	}
	if cfg.LLM.RetryAttempts != 5 {
		t.Errorf("retry attempts = %d", cfg.LLM.RetryAttempts)
	}
	if cfg.Queue.AgentWorkers != 8 || cfg.Queue.ToolWorkers != 4 {
		t.Errorf("queue = %+v, want explicit agent workers and default tool workers", cfg.Queue)
	}
	if !cfg.Guard.Enabled {
		t.Error("guard not enabled")
	}
	tg := cfg.Channels.Telegram
	if !tg.Enabled || tg.Token != "tg-from-env" || len(tg.AllowedIDs) != 2 {
		t.Errorf("telegram = %+v", tg)
	}
}

func TestLoadExplicitKeyBeatsEnv(t *testing.T) {
	home := t.TempDir()
	t.Setenv("TEST_QUILL_API_KEY", "sk-from-env")
	content := `
llm:
  instances:
    - name: primary
      api_key: sk-explicit
      api_key_env: TEST_QUILL_API_KEY
`
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LLM.Instances[0].APIKey != "sk-explicit" {
		t.Errorf("api key = %q", cfg.LLM.Instances[0].APIKey)
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte("log_level: [unclosed"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(home); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestPersona(t *testing.T) {
	home := t.TempDir()
	cfg, err := Load(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := cfg.Persona(); got == "" {
		t.Fatal("missing persona file must fall back to a default")
	}

	if err := os.WriteFile(cfg.Agent.PersonaFile, []byte("You are Quill, dry and concise."), 0o644); err != nil {
		t.Fatalf("write persona: %v", err)
	}
	if got := cfg.Persona(); got != "You are Quill, dry and concise." {
		t.Fatalf("persona = %q", got)
	}
}
