package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Env      string
	HTTPAddr string
	BaseURL  string

	DBDSN     string
	DBTimeout time.Duration
	JWTSecret string

	LogLevel string

	RedisAddr     string
	RedisPassword string

	RateLimitPerMinute int

	PermCacheTTL    time.Duration
	OrgCacheTTL     time.Duration
	CacheMaxEntries int
	CacheCleanup    time.Duration

	AuditRetentionDays int
	SessionDays        int

	AdminToken string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Env = strings.TrimSpace(os.Getenv("TC_ENV"))
	if cfg.Env == "" {
		return nil, fmt.Errorf("TC_ENV is required")
	}
	if cfg.Env != "dev" && cfg.Env != "prod" {
		return nil, fmt.Errorf("TC_ENV must be one of: dev, prod (got: %s)", cfg.Env)
	}

	cfg.HTTPAddr = getEnvOrDefault("TC_HTTP_ADDR", ":8080")

	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(os.Getenv("TC_BASE_URL")), "/")
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("TC_BASE_URL is required")
	}

	cfg.DBDSN = strings.TrimSpace(os.Getenv("TC_DB_DSN"))
	if cfg.DBDSN == "" {
		return nil, fmt.Errorf("TC_DB_DSN is required")
	}

	cfg.JWTSecret = os.Getenv("TC_JWT_SECRET")
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("TC_JWT_SECRET is required")
	}
	if cfg.Env == "prod" && len(cfg.JWTSecret) < 32 {
		return nil, fmt.Errorf("TC_JWT_SECRET must be at least 32 characters (currently %d)", len(cfg.JWTSecret))
	}

	cfg.LogLevel = getEnvOrDefault("TC_LOG_LEVEL", "info")
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, fmt.Errorf("TC_LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", cfg.LogLevel)
	}

	// Redis is optional; without it rate limiting is disabled (dev only).
	cfg.RedisAddr = strings.TrimSpace(os.Getenv("TC_REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("TC_REDIS_PASSWORD")
	if cfg.Env == "prod" && cfg.RedisAddr == "" {
		return nil, fmt.Errorf("TC_REDIS_ADDR is required in prod")
	}

	var err error
	cfg.RateLimitPerMinute, err = getEnvIntOrDefault("TC_RATE_LIMIT_PER_MINUTE", 60)
	if err != nil {
		return nil, err
	}

	cfg.DBTimeout, err = getEnvDurationMSOrDefault("TC_DB_TIMEOUT_MS", 5000)
	if err != nil {
		return nil, err
	}
	if cfg.DBTimeout <= 0 || cfg.DBTimeout > 30*time.Second {
		return nil, fmt.Errorf("TC_DB_TIMEOUT_MS must be between 1 and 30000")
	}

	cfg.PermCacheTTL, err = getEnvDurationMSOrDefault("TC_PERM_CACHE_TTL_MS", 5*60*1000)
	if err != nil {
		return nil, err
	}

	cfg.OrgCacheTTL, err = getEnvDurationMSOrDefault("TC_ORG_CACHE_TTL_MS", 10*60*1000)
	if err != nil {
		return nil, err
	}

	cfg.CacheMaxEntries, err = getEnvIntOrDefault("TC_CACHE_MAX_ENTRIES", 10000)
	if err != nil {
		return nil, err
	}
	if cfg.CacheMaxEntries <= 0 {
		return nil, fmt.Errorf("TC_CACHE_MAX_ENTRIES must be positive")
	}

	cfg.CacheCleanup, err = getEnvDurationMSOrDefault("TC_CACHE_CLEANUP_MS", 60*1000)
	if err != nil {
		return nil, err
	}

	cfg.AuditRetentionDays, err = getEnvIntOrDefault("TC_AUDIT_RETENTION_DAYS", 180)
	if err != nil {
		return nil, err
	}

	cfg.SessionDays, err = getEnvIntOrDefault("TC_SESSION_DAYS", 7)
	if err != nil {
		return nil, err
	}

	cfg.AdminToken = strings.TrimSpace(os.Getenv("TC_ADMIN_TOKEN"))

	return cfg, nil
}

// IsDev returns true if running in development mode.
func (c *Config) IsDev() bool {
	return c.Env == "dev"
}

// RedactedValues returns a map of config values with secrets redacted.
func (c *Config) RedactedValues() map[string]string {
	adminToken := ""
	if c.AdminToken != "" {
		adminToken = "[REDACTED]"
	}
	return map[string]string{
		"TC_ENV":                   c.Env,
		"TC_HTTP_ADDR":             c.HTTPAddr,
		"TC_BASE_URL":              c.BaseURL,
		"TC_DB_DSN":                redactDSN(c.DBDSN),
		"TC_DB_TIMEOUT_MS":         fmt.Sprintf("%d", c.DBTimeout.Milliseconds()),
		"TC_JWT_SECRET":            "[REDACTED]",
		"TC_LOG_LEVEL":             c.LogLevel,
		"TC_REDIS_ADDR":            c.RedisAddr,
		"TC_REDIS_PASSWORD":        "[REDACTED]",
		"TC_RATE_LIMIT_PER_MINUTE": fmt.Sprintf("%d", c.RateLimitPerMinute),
		"TC_PERM_CACHE_TTL_MS":     fmt.Sprintf("%d", c.PermCacheTTL.Milliseconds()),
		"TC_ORG_CACHE_TTL_MS":      fmt.Sprintf("%d", c.OrgCacheTTL.Milliseconds()),
		"TC_CACHE_MAX_ENTRIES":     fmt.Sprintf("%d", c.CacheMaxEntries),
		"TC_CACHE_CLEANUP_MS":      fmt.Sprintf("%d", c.CacheCleanup.Milliseconds()),
		"TC_AUDIT_RETENTION_DAYS":  fmt.Sprintf("%d", c.AuditRetentionDays),
		"TC_SESSION_DAYS":          fmt.Sprintf("%d", c.SessionDays),
		"TC_ADMIN_TOKEN":           adminToken,
	}
}

func redactDSN(dsn string) string {
	if start := strings.Index(dsn, "://"); start != -1 {
		if end := strings.Index(dsn[start+3:], "@"); end != -1 {
			return dsn[:start+3] + "[REDACTED]" + dsn[start+3+end:]
		}
	}
	return dsn
}

func getEnvOrDefault(key, defaultValue string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvIntOrDefault(key string, defaultValue int) (int, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer (got: %q)", key, value)
	}
	return parsed, nil
}

func getEnvDurationMSOrDefault(key string, defaultMS int) (time.Duration, error) {
	ms, err := getEnvIntOrDefault(key, defaultMS)
	if err != nil {
		return 0, err
	}
	return time.Duration(ms) * time.Millisecond, nil
}
