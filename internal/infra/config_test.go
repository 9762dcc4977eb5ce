package infra

import (
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://example")
	t.Setenv("PORT", "")
	t.Setenv("LOCAL_BACKEND_URL", "")
	t.Setenv("CORRELATION_STRATEGY", "")
	t.Setenv("POLL_DEADLINE_MINUTES", "")
	t.Setenv("REMOTE_HOURLY_RATE_USD", "")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.Port != "8080" {
		t.Fatalf("Port mismatch: got %q want %q", cfg.Port, "8080")
	}
	if cfg.LocalBackendURL != "http://127.0.0.1:8188" {
		t.Fatalf("LocalBackendURL mismatch: got %q", cfg.LocalBackendURL)
	}
	if cfg.CorrelationStrategy != "direct" {
		t.Fatalf("CorrelationStrategy mismatch: got %q", cfg.CorrelationStrategy)
	}
	if cfg.PollDeadline != 10*time.Minute {
		t.Fatalf("PollDeadline mismatch: got %v", cfg.PollDeadline)
	}
	if cfg.RetrievalConcurrency != 3 {
		t.Fatalf("RetrievalConcurrency mismatch: got %d", cfg.RetrievalConcurrency)
	}
	if cfg.RemoteHourlyRate != 0.79 {
		t.Fatalf("RemoteHourlyRate mismatch: got %v", cfg.RemoteHourlyRate)
	}
	if cfg.IdleTimeoutMinutes != 30 {
		t.Fatalf("IdleTimeoutMinutes mismatch: got %d", cfg.IdleTimeoutMinutes)
	}
}

func TestLoadConfigRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	if _, err := LoadConfig(); err == nil {
		t.Fatalf("expected error when DATABASE_URL is missing")
	}
}

func TestLoadConfigHonorsOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://example")
	t.Setenv("PORT", "1919")
	t.Setenv("CORRELATION_STRATEGY", "heuristic")
	t.Setenv("BACKEND_BINARY_TIMEOUT_SECONDS", "300")
	t.Setenv("RETRIEVAL_REQUESTS_PER_SECOND", "2.5")
	t.Setenv("REMOTE_HOURLY_RATE_USD", "1.25")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.Port != "1919" {
		t.Fatalf("Port mismatch: got %q", cfg.Port)
	}
	if cfg.CorrelationStrategy != "heuristic" {
		t.Fatalf("CorrelationStrategy mismatch: got %q", cfg.CorrelationStrategy)
	}
	if cfg.BinaryTimeout != 300*time.Second {
		t.Fatalf("BinaryTimeout mismatch: got %v", cfg.BinaryTimeout)
	}
	if cfg.RetrievalRPS != 2.5 {
		t.Fatalf("RetrievalRPS mismatch: got %v", cfg.RetrievalRPS)
	}
	if cfg.RemoteHourlyRate != 1.25 {
		t.Fatalf("RemoteHourlyRate mismatch: got %v", cfg.RemoteHourlyRate)
	}
}

func TestGetEnvIntIgnoresMalformedValues(t *testing.T) {
	t.Setenv("POLL_MAX_INTERVAL_SECONDS", "not-a-number")
	if got := getEnvInt("POLL_MAX_INTERVAL_SECONDS", 10); got != 10 {
		t.Fatalf("expected fallback 10, got %d", got)
	}
}
