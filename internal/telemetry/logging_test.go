package telemetry

import (
	"bufio"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLoggerRedactsSecrets(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "info", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	logger.Info("provider configured", "api_key", "sk-abcdefghij1234567890", "model", "big-model")
	logger.Warn("telegram init failed", "error", errors.New("unauthorized: 1234567890:AAE09_abcdefghijklmnopqrstuvwxyz1234"))
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	out := string(data)
	if strings.Contains(out, "sk-abcdefghij1234567890") {
		t.Fatalf("api key leaked into log:\n%s", out)
	}
	if strings.Contains(out, "AAE09_abcdefghijklmnopqrstuvwxyz1234") {
		t.Fatalf("bot token leaked into log:\n%s", out)
	}
	if !strings.Contains(out, redactedPlaceholder) {
		t.Fatalf("no redaction marker in log:\n%s", out)
	}
	if !strings.Contains(out, "big-model") {
		t.Fatalf("benign attribute lost:\n%s", out)
	}

	// Every line is JSON with the time key renamed.
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		var entry map[string]any
		if err := json.Unmarshal(sc.Bytes(), &entry); err != nil {
			t.Fatalf("line not JSON: %v\n%s", err, sc.Text())
		}
		if _, ok := entry["timestamp"]; !ok {
			t.Fatalf("line missing timestamp: %s", sc.Text())
		}
		if entry["component"] != "quill" {
			t.Fatalf("component = %v", entry["component"])
		}
	}
}

func TestNewLoggerLevelFilter(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "warn", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Info("below threshold")
	logger.Warn("at threshold")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if strings.Contains(string(data), "below threshold") {
		t.Fatal("info line written at warn level")
	}
	if !strings.Contains(string(data), "at threshold") {
		t.Fatal("warn line missing")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"nonsense", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
