package config

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.RedisAddr != "localhost:6379" || cfg.Workers != 4 || cfg.FrameTTL != 24*time.Hour {
		t.Errorf("Unexpected defaults: %+v", cfg)
	}
	if !cfg.Handoff {
		t.Error("Expected handoff enabled by default")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("FACEMERGE_REDIS_ADDR", "cache:6380")
	t.Setenv("FACEMERGE_WORKERS", "9")
	t.Setenv("FACEMERGE_FRAME_TTL", "90m")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.RedisAddr != "cache:6380" || cfg.Workers != 9 || cfg.FrameTTL != 90*time.Minute {
		t.Errorf("Env not applied: %+v", cfg)
	}
}

func TestLoadRejectsBadLevel(t *testing.T) {
	t.Setenv("FACEMERGE_LOG_LEVEL", "loud")
	if _, err := Load(); err == nil {
		t.Error("Expected error for unknown log level")
	}
}

func TestPostgresURL(t *testing.T) {
	t.Setenv("POSTGRES_HOST", "")
	if got := (Config{}).PostgresURL(); got != "postgres://localhost:5432/facemerge" {
		t.Errorf("Expected local default, got %s", got)
	}

	t.Setenv("POSTGRES_HOST", "db")
	t.Setenv("POSTGRES_USER", "u")
	t.Setenv("POSTGRES_PASSWORD", "p")
	t.Setenv("POSTGRES_DB", "faces")
	if got := (Config{}).PostgresURL(); got != "postgres://u:p@db:5432/faces" {
		t.Errorf("Expected DSN from POSTGRES_*, got %s", got)
	}

	if got := (Config{DatabaseURL: "postgres://explicit"}).PostgresURL(); got != "postgres://explicit" {
		t.Errorf("Expected explicit DSN to win, got %s", got)
	}
}

func TestNewLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := Config{LogLevel: "warn"}.NewLogger(&buf, "stage")
	logger.Info("hidden")
	logger.Warn("shown", "key", "h1_face1")

	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "shown") || !strings.Contains(out, "stage") {
		t.Errorf("Unexpected log output: %q", out)
	}
}
