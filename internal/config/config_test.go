package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jobindev25/tech-co-founder-sub000/internal/config"
)

func TestDefaultValidates(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Queue.BatchSize != 10 || cfg.Pipeline.MaxBuildRetries != 3 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Tolerance() != 5*time.Minute {
		t.Fatalf("tolerance %s", cfg.Tolerance())
	}
	if cfg.FutureSkew() != 30*time.Second {
		t.Fatalf("future skew %s", cfg.FutureSkew())
	}
}

func TestLoadMissingFileFallsBackToDefault(t *testing.T) {
	cfg, err := config.Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Queue.BatchSize != 10 {
		t.Fatalf("expected defaults, got %+v", cfg.Queue)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	content := `server:
  addr: 0.0.0.0:9999
webhooks:
  conversation_secret: conv
  build_secret: build
  tolerance_seconds: 120
queue:
  batch_size: 5
  max_concurrency: 2
  max_retries: 4
  base_delay_ms: 500
  max_delay_ms: 30000
pipeline:
  max_build_retries: 2
ai:
  base_url: https://ai.example.com
builder:
  base_url: https://builder.example.com
  timeout_seconds: 45
`
	if err := os.WriteFile(filepath.Join(dir, "cofounder.yml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != "0.0.0.0:9999" || cfg.Queue.BatchSize != 5 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Webhooks.ConversationSecret != "conv" || cfg.Tolerance() != 2*time.Minute {
		t.Fatalf("webhook config: %+v", cfg.Webhooks)
	}
	if cfg.Builder.TimeoutSeconds != 45 {
		t.Fatalf("builder timeout %d", cfg.Builder.TimeoutSeconds)
	}
}

func TestValidateRejectsBadQueue(t *testing.T) {
	cases := []string{
		"queue:\n  batch_size: 0\n  max_concurrency: 1\n  base_delay_ms: 100\n  max_delay_ms: 200\nwebhooks:\n  tolerance_seconds: 300\n",
		"queue:\n  batch_size: 5\n  max_concurrency: 1\n  base_delay_ms: 1000\n  max_delay_ms: 500\nwebhooks:\n  tolerance_seconds: 300\n",
		"queue:\n  batch_size: 5\n  max_concurrency: 1\n  base_delay_ms: 100\n  max_delay_ms: 200\nwebhooks:\n  tolerance_seconds: 0\n",
	}
	for i, raw := range cases {
		if _, err := config.FromYAML([]byte(raw)); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}

func TestWriteDefault(t *testing.T) {
	dir := t.TempDir()
	path, err := config.WriteDefault(dir)
	if err != nil {
		t.Fatalf("write default: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "max_build_retries") {
		t.Fatal("template incomplete")
	}
	if _, err := config.WriteDefault(dir); err == nil {
		t.Fatal("expected refusal to overwrite existing config")
	}
}
