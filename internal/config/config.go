// Package config は環境変数からのアプリケーション設定読み込みを提供する。
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Server
	ServerPort        string
	BaseURL           string
	ContactEmail      string
	CORSAllowedOrigin string
	AdminToken        string

	// Database
	DBPath string

	// Feeds
	FeedsFile            string
	FeedsYAML            string
	MaxFeeds             int
	MaxItems             int
	DefaultFetchInterval time.Duration
	DefaultTTL           time.Duration

	// Fetch
	FetchTimeout     time.Duration
	FetchMaxSize     int64
	RetryMaxAttempts int
	RetryBaseMS      int
	RetryMaxMS       int

	// Rate Limit (外部ホスト向け)
	GlobalConcurrency int
	PerHostRPS        float64
	PerHostBurst      int

	// Worker
	FetchWorkers  int
	QueueCapacity int

	// Maintenance
	LogRetentionDays    int
	NewItemTTL          time.Duration
	MaintenanceSchedule string
	DegradationSchedule string

	// Rate Limit (API向け、リクエスト/分)
	RateLimitGeneral  int
	RateLimitMutating int

	// Logging
	LogLevel string

	// WebSub
	WebSubEnabled bool

	// Security
	AllowPrivateFeeds bool
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.BaseURL = os.Getenv("BASE_URL")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	cfg.ContactEmail = os.Getenv("CONTACT_EMAIL")
	if cfg.ContactEmail == "" {
		missing = append(missing, "CONTACT_EMAIL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.ServerPort = getEnvString("SERVER_PORT", "7389")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "")
	cfg.AdminToken = getEnvString("ADMIN_TOKEN", "")
	cfg.DBPath = getEnvString("DB_PATH", "feeder.sqlite")
	cfg.FeedsFile = getEnvString("FEEDS_FILE", "feeds.yaml")
	cfg.FeedsYAML = os.Getenv("FEEDS_YAML")
	cfg.MaxFeeds = getEnvInt("MAX_FEEDS", 150)
	cfg.MaxItems = getEnvInt("MAX_ITEMS", 1500)
	cfg.DefaultFetchInterval = getEnvDuration("DEFAULT_FETCH_INTERVAL", 600*time.Second)
	cfg.DefaultTTL = getEnvDuration("DEFAULT_TTL", 900*time.Second)
	cfg.FetchTimeout = getEnvDuration("FETCH_TIMEOUT", 20*time.Second)
	cfg.FetchMaxSize = getEnvInt64("FETCH_MAX_BODY_SIZE", 5242880)
	cfg.RetryMaxAttempts = getEnvInt("RETRY_MAX_ATTEMPTS", 4)
	cfg.RetryBaseMS = getEnvInt("RETRY_BASE_MS", 800)
	cfg.RetryMaxMS = getEnvInt("RETRY_MAX_MS", 10000)
	cfg.GlobalConcurrency = getEnvInt("GLOBAL_CONCURRENCY", 5)
	cfg.PerHostRPS = getEnvFloat("PER_HOST_RPS", 0.5)
	cfg.PerHostBurst = getEnvInt("PER_HOST_BURST", 10)
	cfg.FetchWorkers = getEnvInt("FETCH_WORKERS", 8)
	cfg.QueueCapacity = getEnvInt("QUEUE_CAPACITY", 64)
	cfg.LogRetentionDays = getEnvInt("LOG_RETENTION_DAYS", 30)
	cfg.NewItemTTL = getEnvDuration("NEW_ITEM_TTL", time.Hour)
	cfg.MaintenanceSchedule = getEnvString("MAINTENANCE_SCHEDULE", "@daily")
	cfg.DegradationSchedule = getEnvString("DEGRADATION_SCHEDULE", "@hourly")
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitMutating = getEnvInt("RATE_LIMIT_MUTATING", 10)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.WebSubEnabled = getEnvBool("WEBSUB_ENABLED", false)
	cfg.AllowPrivateFeeds = getEnvBool("ALLOW_PRIVATE_FEEDS", false)

	return cfg, nil
}

// UserAgent はフェッチ時に送信するUser-Agent文字列を組み立てる。
// 形式: Feeder/<year> (+<base-url>; contato: <email>)
func (c *Config) UserAgent() string {
	return fmt.Sprintf("Feeder/%d (+%s; contato: %s)", time.Now().UTC().Year(), c.BaseURL, c.ContactEmail)
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
