package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func setRequiredEnvVars(t *testing.T) {
	t.Helper()
	t.Setenv("BASE_URL", "https://feeder.example.com")
	t.Setenv("CONTACT_EMAIL", "admin@example.com")
}

func TestLoad_AllRequiredVarsSet_ReturnsConfig(t *testing.T) {
	setRequiredEnvVars(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if cfg.BaseURL != "https://feeder.example.com" {
		t.Errorf("BaseURL = %q, want %q", cfg.BaseURL, "https://feeder.example.com")
	}
	if cfg.ContactEmail != "admin@example.com" {
		t.Errorf("ContactEmail = %q, want %q", cfg.ContactEmail, "admin@example.com")
	}
}

func TestLoad_DefaultValues(t *testing.T) {
	setRequiredEnvVars(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	// Server defaults
	if cfg.ServerPort != "7389" {
		t.Errorf("ServerPort = %q, want %q", cfg.ServerPort, "7389")
	}

	// Database defaults
	if cfg.DBPath != "feeder.sqlite" {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, "feeder.sqlite")
	}

	// Feed defaults
	if cfg.MaxFeeds != 150 {
		t.Errorf("MaxFeeds = %d, want %d", cfg.MaxFeeds, 150)
	}
	if cfg.MaxItems != 1500 {
		t.Errorf("MaxItems = %d, want %d", cfg.MaxItems, 1500)
	}
	if cfg.DefaultFetchInterval != 600*time.Second {
		t.Errorf("DefaultFetchInterval = %v, want %v", cfg.DefaultFetchInterval, 600*time.Second)
	}
	if cfg.DefaultTTL != 900*time.Second {
		t.Errorf("DefaultTTL = %v, want %v", cfg.DefaultTTL, 900*time.Second)
	}

	// Fetch defaults
	if cfg.FetchTimeout != 20*time.Second {
		t.Errorf("FetchTimeout = %v, want %v", cfg.FetchTimeout, 20*time.Second)
	}
	if cfg.FetchMaxSize != 5242880 {
		t.Errorf("FetchMaxSize = %d, want %d", cfg.FetchMaxSize, 5242880)
	}
	if cfg.RetryMaxAttempts != 4 {
		t.Errorf("RetryMaxAttempts = %d, want %d", cfg.RetryMaxAttempts, 4)
	}
	if cfg.RetryBaseMS != 800 {
		t.Errorf("RetryBaseMS = %d, want %d", cfg.RetryBaseMS, 800)
	}
	if cfg.RetryMaxMS != 10000 {
		t.Errorf("RetryMaxMS = %d, want %d", cfg.RetryMaxMS, 10000)
	}

	// Rate limit defaults
	if cfg.GlobalConcurrency != 5 {
		t.Errorf("GlobalConcurrency = %d, want %d", cfg.GlobalConcurrency, 5)
	}
	if cfg.PerHostRPS != 0.5 {
		t.Errorf("PerHostRPS = %v, want %v", cfg.PerHostRPS, 0.5)
	}
	if cfg.PerHostBurst != 10 {
		t.Errorf("PerHostBurst = %d, want %d", cfg.PerHostBurst, 10)
	}

	// Worker defaults
	if cfg.FetchWorkers != 8 {
		t.Errorf("FetchWorkers = %d, want %d", cfg.FetchWorkers, 8)
	}
	if cfg.QueueCapacity != 64 {
		t.Errorf("QueueCapacity = %d, want %d", cfg.QueueCapacity, 64)
	}

	// Maintenance defaults
	if cfg.LogRetentionDays != 30 {
		t.Errorf("LogRetentionDays = %d, want %d", cfg.LogRetentionDays, 30)
	}
	if cfg.NewItemTTL != time.Hour {
		t.Errorf("NewItemTTL = %v, want %v", cfg.NewItemTTL, time.Hour)
	}
	if cfg.MaintenanceSchedule != "@daily" {
		t.Errorf("MaintenanceSchedule = %q, want %q", cfg.MaintenanceSchedule, "@daily")
	}
	if cfg.DegradationSchedule != "@hourly" {
		t.Errorf("DegradationSchedule = %q, want %q", cfg.DegradationSchedule, "@hourly")
	}

	// WebSub defaults
	if cfg.WebSubEnabled {
		t.Error("WebSubEnabled should default to false")
	}
	if cfg.AllowPrivateFeeds {
		t.Error("AllowPrivateFeeds should default to false")
	}
}

func TestLoad_CustomValues(t *testing.T) {
	setRequiredEnvVars(t)

	t.Setenv("SERVER_PORT", "9000")
	t.Setenv("DB_PATH", "/data/feeder.db")
	t.Setenv("MAX_FEEDS", "50")
	t.Setenv("MAX_ITEMS", "3000")
	t.Setenv("DEFAULT_FETCH_INTERVAL", "5m")
	t.Setenv("DEFAULT_TTL", "48h")
	t.Setenv("FETCH_TIMEOUT", "30s")
	t.Setenv("FETCH_MAX_BODY_SIZE", "10485760")
	t.Setenv("RETRY_MAX_ATTEMPTS", "2")
	t.Setenv("GLOBAL_CONCURRENCY", "3")
	t.Setenv("PER_HOST_RPS", "1.5")
	t.Setenv("PER_HOST_BURST", "20")
	t.Setenv("FETCH_WORKERS", "4")
	t.Setenv("WEBSUB_ENABLED", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if cfg.ServerPort != "9000" {
		t.Errorf("ServerPort = %q, want %q", cfg.ServerPort, "9000")
	}
	if cfg.DBPath != "/data/feeder.db" {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, "/data/feeder.db")
	}
	if cfg.MaxFeeds != 50 {
		t.Errorf("MaxFeeds = %d, want %d", cfg.MaxFeeds, 50)
	}
	if cfg.MaxItems != 3000 {
		t.Errorf("MaxItems = %d, want %d", cfg.MaxItems, 3000)
	}
	if cfg.DefaultFetchInterval != 5*time.Minute {
		t.Errorf("DefaultFetchInterval = %v, want %v", cfg.DefaultFetchInterval, 5*time.Minute)
	}
	if cfg.DefaultTTL != 48*time.Hour {
		t.Errorf("DefaultTTL = %v, want %v", cfg.DefaultTTL, 48*time.Hour)
	}
	if cfg.FetchTimeout != 30*time.Second {
		t.Errorf("FetchTimeout = %v, want %v", cfg.FetchTimeout, 30*time.Second)
	}
	if cfg.FetchMaxSize != 10485760 {
		t.Errorf("FetchMaxSize = %d, want %d", cfg.FetchMaxSize, 10485760)
	}
	if cfg.RetryMaxAttempts != 2 {
		t.Errorf("RetryMaxAttempts = %d, want %d", cfg.RetryMaxAttempts, 2)
	}
	if cfg.GlobalConcurrency != 3 {
		t.Errorf("GlobalConcurrency = %d, want %d", cfg.GlobalConcurrency, 3)
	}
	if cfg.PerHostRPS != 1.5 {
		t.Errorf("PerHostRPS = %v, want %v", cfg.PerHostRPS, 1.5)
	}
	if cfg.PerHostBurst != 20 {
		t.Errorf("PerHostBurst = %d, want %d", cfg.PerHostBurst, 20)
	}
	if cfg.FetchWorkers != 4 {
		t.Errorf("FetchWorkers = %d, want %d", cfg.FetchWorkers, 4)
	}
	if !cfg.WebSubEnabled {
		t.Error("WebSubEnabled = false, want true")
	}
}

func TestLoad_InvalidNumericValue_FallsBackToDefault(t *testing.T) {
	setRequiredEnvVars(t)
	t.Setenv("MAX_FEEDS", "not-a-number")
	t.Setenv("PER_HOST_RPS", "fast")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if cfg.MaxFeeds != 150 {
		t.Errorf("MaxFeeds = %d, want default %d", cfg.MaxFeeds, 150)
	}
	if cfg.PerHostRPS != 0.5 {
		t.Errorf("PerHostRPS = %v, want default %v", cfg.PerHostRPS, 0.5)
	}
}

func TestLoad_MissingBaseURL_ReturnsError(t *testing.T) {
	setRequiredEnvVars(t)
	t.Setenv("BASE_URL", "")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error for missing BASE_URL, got nil")
	}
}

func TestLoad_MissingContactEmail_ReturnsError(t *testing.T) {
	setRequiredEnvVars(t)
	t.Setenv("CONTACT_EMAIL", "")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error for missing CONTACT_EMAIL, got nil")
	}
}

func TestUserAgent_Format(t *testing.T) {
	setRequiredEnvVars(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	ua := cfg.UserAgent()
	want := fmt.Sprintf("Feeder/%d (+https://feeder.example.com; contato: admin@example.com)", time.Now().UTC().Year())
	if ua != want {
		t.Errorf("UserAgent = %q, want %q", ua, want)
	}
}

func TestLoadFeedList_InlineYAML(t *testing.T) {
	setRequiredEnvVars(t)
	t.Setenv("FEEDS_YAML", `
- name: Hacker News
  url: https://news.ycombinator.com/rss
- name: Lobsters
  url: https://lobste.rs/rss
  interval_seconds: 300
`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	entries, err := LoadFeedList(cfg)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].Name != "Hacker News" {
		t.Errorf("entries[0].Name = %q, want %q", entries[0].Name, "Hacker News")
	}
	if entries[0].IntervalSeconds != 600 {
		t.Errorf("interval_seconds未指定時はデフォルトが適用されるべき: got %d, want 600", entries[0].IntervalSeconds)
	}
	if entries[1].IntervalSeconds != 300 {
		t.Errorf("entries[1].IntervalSeconds = %d, want 300", entries[1].IntervalSeconds)
	}
}

func TestLoadFeedList_FromFile(t *testing.T) {
	setRequiredEnvVars(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "feeds.yaml")
	data := "- name: Example\n  url: https://example.com/feed.xml\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("failed to write feeds file: %v", err)
	}
	t.Setenv("FEEDS_FILE", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	entries, err := LoadFeedList(cfg)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	if entries[0].URL != "https://example.com/feed.xml" {
		t.Errorf("entries[0].URL = %q, want %q", entries[0].URL, "https://example.com/feed.xml")
	}
}

func TestLoadFeedList_MissingFile_ReturnsEmpty(t *testing.T) {
	setRequiredEnvVars(t)
	t.Setenv("FEEDS_FILE", filepath.Join(t.TempDir(), "no-such-file.yaml"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	entries, err := LoadFeedList(cfg)
	if err != nil {
		t.Fatalf("ファイル欠落はエラーにすべきでない: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("entries = %d, want 0", len(entries))
	}
}

func TestLoadFeedList_TruncatesAtMaxFeeds(t *testing.T) {
	setRequiredEnvVars(t)
	t.Setenv("MAX_FEEDS", "3")

	var b strings.Builder
	for i := 0; i < 5; i++ {
		fmt.Fprintf(&b, "- name: feed-%d\n  url: https://example.com/%d.xml\n", i, i)
	}
	t.Setenv("FEEDS_YAML", b.String())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	entries, err := LoadFeedList(cfg)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if len(entries) != 3 {
		t.Errorf("上限超過分は切り捨てられるべき: got %d, want 3", len(entries))
	}
}

func TestLoadFeedList_SkipsEntriesWithoutURL(t *testing.T) {
	setRequiredEnvVars(t)
	t.Setenv("FEEDS_YAML", `
- name: no url here
- name: ok
  url: https://example.com/feed.xml
- url: https://example.com/unnamed.xml
`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	entries, err := LoadFeedList(cfg)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	if entries[0].Name != "ok" {
		t.Errorf("entries[0].Name = %q, want %q", entries[0].Name, "ok")
	}
}

func TestLoadFeedList_InvalidYAML_ReturnsError(t *testing.T) {
	setRequiredEnvVars(t)
	t.Setenv("FEEDS_YAML", "{{not yaml")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if _, err := LoadFeedList(cfg); err == nil {
		t.Fatal("expected error for invalid YAML, got nil")
	}
}
