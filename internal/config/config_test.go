package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("TALLY_TEST_KEY", "sk-test-123")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `
listen:
  port: 9090
anthropic:
  api_key: ${TALLY_TEST_KEY}
  model: claude-sonnet-4-20250514
engine:
  max_iterations: 10
worker:
  poll_interval_ms: 250
data_dir: /var/lib/tally
log_level: debug
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Listen.Port != 9090 {
		t.Errorf("port = %d", cfg.Listen.Port)
	}
	if cfg.Anthropic.APIKey != "sk-test-123" {
		t.Errorf("api key not expanded: %q", cfg.Anthropic.APIKey)
	}
	if cfg.Engine.MaxIterations != 10 {
		t.Errorf("max iterations = %d", cfg.Engine.MaxIterations)
	}
	if cfg.Worker.PollInterval() != 250*time.Millisecond {
		t.Errorf("poll interval = %v", cfg.Worker.PollInterval())
	}
	if cfg.DataDir != "/var/lib/tally" {
		t.Errorf("data dir = %q", cfg.DataDir)
	}
}

func TestLoadKeepsDefaultsForOmittedKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("log_level: warn\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen.Port != 8080 {
		t.Errorf("default port = %d", cfg.Listen.Port)
	}
	if cfg.Anthropic.Model == "" {
		t.Error("default model lost")
	}
	if cfg.Anthropic.Timeout() != 120*time.Second {
		t.Errorf("default timeout = %v", cfg.Anthropic.Timeout())
	}
	if cfg.Worker.PollInterval() != 500*time.Millisecond {
		t.Errorf("default poll interval = %v", cfg.Worker.PollInterval())
	}
}

func TestFindConfigExplicitMustExist(t *testing.T) {
	if _, err := FindConfig("/nonexistent/config.yaml"); err == nil {
		t.Fatal("missing explicit config accepted")
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := FindConfig(path)
	if err != nil || got != path {
		t.Fatalf("FindConfig = %q, %v", got, err)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"warn", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) err = %v", tt.in, err)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
