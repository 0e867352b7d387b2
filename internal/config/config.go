// Package config loads process configuration from the environment, in the
// flat envOr/envInt/envDuration style used throughout this codebase.
package config

import (
	"os"
	"strconv"
	"time"
)

// PoolMode selects how accounts are sourced at startup.
type PoolMode string

const (
	// PoolModeFile loads/persists the account pool from DataDir/accounts.json.
	PoolModeFile PoolMode = "file"
	// PoolModeSingle runs with exactly one account built from the
	// REFRESH_TOKEN/AUTH_METHOD/CLIENT_ID/CLIENT_SECRET env vars.
	PoolModeSingle PoolMode = "single"
)

type Config struct {
	// Server
	Host string
	Port int

	// Storage
	DataDir string // holds accounts.json, request_logs.db
	DBPath  string

	// Security
	EncryptionKey string
	StaticToken   string

	// Kiro upstream
	KiroRegion         string
	KiroCodeWhispererURL string
	KiroUsageURL       string
	KiroVersion        string
	SocialTokenURL     string
	IdCTokenURL        string

	// Single-account bootstrap (PoolModeSingle)
	PoolMode     PoolMode
	RefreshToken string
	AuthMethod   string
	ClientID     string
	ClientSecret string

	// Pool / scheduling
	DefaultStrategy     string
	CooldownDuration    time.Duration
	CooldownScanEvery   time.Duration
	ExhaustedScanEvery  time.Duration
	AccountsFlushDebounce time.Duration
	StickySessionTTL      time.Duration

	// Request log retention (spec.md §6 request_logs.json mirror)
	LogRetention      time.Duration
	LogPurgeInterval  time.Duration
	LogMirrorInterval time.Duration

	// Request. RequestTimeout bounds streaming calls; NonStreamTimeout is the
	// tighter deadline applied to non-stream /v1/messages calls (spec.md §5:
	// "default 5 min for streaming, 60s for non-stream").
	RequestTimeout    time.Duration
	NonStreamTimeout  time.Duration
	MaxRequestBodyMB  int
	MaxRetryAccounts  int

	// Logging
	LogLevel     string
	LogRingSize  int

	// Test tokenizer approximation (count_tokens)
	TokenizerCharsPerToken float64
}

func Load() *Config {
	return &Config{
		Host: envOr("HOST", "0.0.0.0"),
		Port: envInt("PORT", 8080),

		DataDir: envOr("DATA_DIR", "./data"),
		DBPath:  envOr("DB_PATH", "./data/request_logs.db"),

		EncryptionKey: os.Getenv("ENCRYPTION_KEY"),
		StaticToken:   firstNonEmpty(os.Getenv("API_KEY"), os.Getenv("API_TOKEN")),

		KiroRegion:           envOr("REGION", envOr("KIRO_REGION", "us-east-1")),
		KiroCodeWhispererURL: envOr("KIRO_CODEWHISPERER_URL", "https://codewhisperer.us-east-1.amazonaws.com/generateAssistantResponse"),
		KiroUsageURL:         envOr("KIRO_USAGE_URL", "https://codewhisperer.us-east-1.amazonaws.com/getUsageLimits"),
		KiroVersion:          envOr("KIRO_VERSION", "0.1.0"),
		SocialTokenURL:       envOr("SOCIAL_TOKEN_URL", "https://oidc.us-east-1.amazonaws.com/token"),
		IdCTokenURL:          envOr("IDC_TOKEN_URL", "https://oidc.us-east-1.amazonaws.com/token"),

		PoolMode:     PoolMode(envOr("POOL_MODE", string(PoolModeFile))),
		RefreshToken: os.Getenv("REFRESH_TOKEN"),
		AuthMethod:   envOr("AUTH_METHOD", "social"),
		ClientID:     os.Getenv("CLIENT_ID"),
		ClientSecret: os.Getenv("CLIENT_SECRET"),

		DefaultStrategy:       envOr("DEFAULT_STRATEGY", "round_robin"),
		CooldownDuration:      envDuration("COOLDOWN_DURATION", 10*time.Minute),
		CooldownScanEvery:     envDuration("COOLDOWN_SCAN_INTERVAL", 15*time.Minute),
		ExhaustedScanEvery:    envDuration("EXHAUSTED_SCAN_INTERVAL", 1*time.Hour),
		AccountsFlushDebounce: envDuration("ACCOUNTS_FLUSH_DEBOUNCE", 250*time.Millisecond),
		StickySessionTTL:      envDuration("STICKY_SESSION_TTL", 30*time.Minute),

		LogRetention:      envDuration("LOG_RETENTION", 30*24*time.Hour),
		LogPurgeInterval:  envDuration("LOG_PURGE_INTERVAL", 6*time.Hour),
		LogMirrorInterval: envDuration("LOG_MIRROR_INTERVAL", time.Minute),

		RequestTimeout:   envDuration("REQUEST_TIMEOUT", 5*time.Minute),
		NonStreamTimeout: envDuration("NON_STREAM_TIMEOUT", 60*time.Second),
		MaxRequestBodyMB: envInt("REQUEST_MAX_SIZE_MB", 60),
		MaxRetryAccounts: envInt("MAX_RETRY_ACCOUNTS", 3),

		LogLevel:    envOr("LOG_LEVEL", "info"),
		LogRingSize: envInt("LOG_RING_SIZE", 500),

		TokenizerCharsPerToken: 4.0,
	}
}

func (c *Config) Validate() error {
	if c.EncryptionKey == "" {
		return errMissing("ENCRYPTION_KEY")
	}
	if c.StaticToken == "" {
		return errMissing("API_KEY")
	}
	if c.PoolMode == PoolModeSingle && c.RefreshToken == "" {
		return errMissing("REFRESH_TOKEN")
	}
	return nil
}

type configError struct{ field string }

func (e *configError) Error() string { return "missing required env: " + e.field }
func errMissing(f string) error      { return &configError{field: f} }

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return fallback
}
