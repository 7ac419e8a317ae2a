package app

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func setTestEnv(t *testing.T) {
	t.Helper()
	t.Setenv("BASE_URL", "http://localhost:7389")
	t.Setenv("CONTACT_EMAIL", "admin@example.com")
}

func TestInit_WithValidConfig_Succeeds(t *testing.T) {
	setTestEnv(t)

	var buf bytes.Buffer
	cfg, err := Init(&buf)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if cfg == nil {
		t.Fatal("expected non-nil config")
	}

	if cfg.BaseURL != "http://localhost:7389" {
		t.Errorf("BaseURL = %q, want http://localhost:7389", cfg.BaseURL)
	}
	if cfg.DBPath != "feeder.sqlite" {
		t.Errorf("DBPath = %q, want feeder.sqlite", cfg.DBPath)
	}

	// Verify that slog global logger is configured for JSON output
	slog.Default().Info("init test")
	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected JSON log output, got error: %v\nraw: %s", err, buf.String())
	}
	if entry["msg"] != "init test" {
		t.Errorf("msg = %q, want %q", entry["msg"], "init test")
	}
}

func TestInit_AppliesConfiguredLogLevel(t *testing.T) {
	setTestEnv(t)
	t.Setenv("LOG_LEVEL", "warn")

	var buf bytes.Buffer
	if _, err := Init(&buf); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	slog.Default().Info("should be suppressed")
	if buf.Len() != 0 {
		t.Errorf("info log should be suppressed at warn level, got: %s", buf.String())
	}

	slog.Default().Warn("should appear")
	if buf.Len() == 0 {
		t.Error("warn log should appear at warn level")
	}
}

func TestInit_WithMissingConfig_ReturnsError(t *testing.T) {
	// Clear all required env vars
	t.Setenv("BASE_URL", "")
	t.Setenv("CONTACT_EMAIL", "")

	var buf bytes.Buffer
	cfg, err := Init(&buf)
	if err == nil {
		t.Fatal("expected error for missing required env vars, got nil")
	}
	if cfg != nil {
		t.Error("expected nil config on error")
	}
}
