package api

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the server configuration, loaded from environment variables.
type Config struct {
	ListenAddr      string
	ServerDBPath    string
	TenantDataDir   string
	ShutdownTimeout time.Duration
	LogFormat       string // "json" (default) or "text"
	LogLevel        string // "debug", "info" (default), "warn", "error"
	LogFile         string // empty = stderr

	// APIKey, when set, is required as a bearer token on every /v1 route.
	APIKey string

	RateLimitPush  int // mutations per device per minute (default: 600)
	RateLimitPull  int // pulls and subscribes per device per minute (default: 120)
	RateLimitOther int // everything else per device per minute (default: 300)

	CORSAllowedOrigins []string // empty = disabled

	RateLimitEventRetention time.Duration // default: 30 days
}

// LoadConfig reads configuration from environment variables with sensible defaults.
func LoadConfig() Config {
	cfg := Config{
		ListenAddr:      ":8080",
		ServerDBPath:    "./data/server.db",
		TenantDataDir:   "./data/tenants",
		ShutdownTimeout: 30 * time.Second,
		LogFormat:       "json",
		LogLevel:        "info",

		RateLimitPush:  600,
		RateLimitPull:  120,
		RateLimitOther: 300,

		RateLimitEventRetention: 30 * 24 * time.Hour,
	}

	if v := os.Getenv("SYNC_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("SYNC_SERVER_DB_PATH"); v != "" {
		cfg.ServerDBPath = v
	}
	if v := os.Getenv("SYNC_TENANT_DATA_DIR"); v != "" {
		cfg.TenantDataDir = v
	}
	if v := os.Getenv("SYNC_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ShutdownTimeout = d
		}
	}
	if v := os.Getenv("SYNC_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("SYNC_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	cfg.LogFile = os.Getenv("SYNC_LOG_FILE")
	cfg.APIKey = os.Getenv("SYNC_API_KEY")

	if n := positiveInt(os.Getenv("SYNC_RATE_LIMIT_PUSH")); n > 0 {
		cfg.RateLimitPush = n
	}
	if n := positiveInt(os.Getenv("SYNC_RATE_LIMIT_PULL")); n > 0 {
		cfg.RateLimitPull = n
	}
	if n := positiveInt(os.Getenv("SYNC_RATE_LIMIT_OTHER")); n > 0 {
		cfg.RateLimitOther = n
	}

	if v := os.Getenv("SYNC_RATE_LIMIT_EVENT_RETENTION"); v != "" {
		if d := parseDaysDuration(v); d > 0 {
			cfg.RateLimitEventRetention = d
		}
	}

	if v := os.Getenv("SYNC_CORS_ALLOWED_ORIGINS"); v != "" {
		for _, o := range strings.Split(v, ",") {
			o = strings.TrimSpace(o)
			if o != "" {
				cfg.CORSAllowedOrigins = append(cfg.CORSAllowedOrigins, o)
			}
		}
	}

	return cfg
}

func positiveInt(s string) int {
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0
	}
	return n
}

// parseDaysDuration parses a string like "90d", "30d" into a time.Duration.
// Falls back to time.ParseDuration for standard Go durations.
func parseDaysDuration(s string) time.Duration {
	s = strings.TrimSpace(s)
	if numStr, ok := strings.CutSuffix(s, "d"); ok {
		if n, err := strconv.Atoi(numStr); err == nil && n > 0 {
			return time.Duration(n) * 24 * time.Hour
		}
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return 0
}
