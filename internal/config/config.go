// Package config handles loading and validating configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the Spendroute gateway.
type Config struct {
	// Server
	Port     string
	LogLevel string

	// Management API
	AdminAPIKey string // Required for /api/v1 endpoints; empty = management disabled

	// Database
	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	DBSSLMode  string

	// Redis
	RedisHost     string
	RedisPort     int
	RedisPassword string

	// Budget enforcement
	DefaultDailyUSD float64 // Applied to tenants without an explicit budget; 0 = unlimited
	DefaultMonthUSD float64

	// Response cache
	CacheTTL        time.Duration
	CacheMaxEntries int
	CacheMaxBytes   int64

	// Routing
	MaxRouteAttempts int
	FreeTierTimeout  time.Duration
	MidTierTimeout   time.Duration
	PremiumTimeout   time.Duration

	// Rate limiting
	RateLimitPerMin int64

	// Provider API keys (passed through to backends, never stored)
	OpenAIKey    string
	AnthropicKey string
	GeminiKey    string
	DashScopeKey string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Port:     getEnv("SPENDROUTE_PORT", "8080"),
		LogLevel: getEnv("SPENDROUTE_LOG_LEVEL", "info"),

		AdminAPIKey: os.Getenv("SPENDROUTE_ADMIN_API_KEY"),

		DBHost:     getEnv("POSTGRES_HOST", "localhost"),
		DBName:     getEnv("POSTGRES_DB", "spendroute"),
		DBUser:     getEnv("POSTGRES_USER", "spendroute"),
		DBPassword: getEnv("POSTGRES_PASSWORD", ""),
		DBSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		OpenAIKey:    os.Getenv("OPENAI_API_KEY"),
		AnthropicKey: os.Getenv("ANTHROPIC_API_KEY"),
		GeminiKey:    os.Getenv("GOOGLE_API_KEY"),
		DashScopeKey: os.Getenv("DASHSCOPE_API_KEY"),
	}

	dbPort, err := strconv.Atoi(getEnv("POSTGRES_PORT", "5432"))
	if err != nil {
		return nil, fmt.Errorf("invalid POSTGRES_PORT: %w", err)
	}
	cfg.DBPort = dbPort

	redisPort, err := strconv.Atoi(getEnv("REDIS_PORT", "6379"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
	}
	cfg.RedisPort = redisPort

	cfg.DefaultDailyUSD, err = getEnvFloat("SPENDROUTE_DEFAULT_DAILY_USD", 0)
	if err != nil {
		return nil, err
	}
	cfg.DefaultMonthUSD, err = getEnvFloat("SPENDROUTE_DEFAULT_MONTHLY_USD", 0)
	if err != nil {
		return nil, err
	}

	cfg.CacheTTL, err = getEnvDuration("SPENDROUTE_CACHE_TTL", 5*time.Minute)
	if err != nil {
		return nil, err
	}
	cfg.CacheMaxEntries, err = getEnvInt("SPENDROUTE_CACHE_MAX_ENTRIES", 10000)
	if err != nil {
		return nil, err
	}
	maxBytes, err := getEnvInt("SPENDROUTE_CACHE_MAX_MB", 256)
	if err != nil {
		return nil, err
	}
	cfg.CacheMaxBytes = int64(maxBytes) << 20

	cfg.MaxRouteAttempts, err = getEnvInt("SPENDROUTE_MAX_ATTEMPTS", 3)
	if err != nil {
		return nil, err
	}
	cfg.FreeTierTimeout, err = getEnvDuration("SPENDROUTE_FREE_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}
	cfg.MidTierTimeout, err = getEnvDuration("SPENDROUTE_MID_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, err
	}
	cfg.PremiumTimeout, err = getEnvDuration("SPENDROUTE_PREMIUM_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, err
	}

	ratePerMin, err := getEnvInt("SPENDROUTE_RATE_LIMIT_PER_MIN", 300)
	if err != nil {
		return nil, err
	}
	cfg.RateLimitPerMin = int64(ratePerMin)

	return cfg, nil
}

// DSN returns the PostgreSQL connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

// RedactedDSN returns the DSN with the password masked for safe logging.
func (c *Config) RedactedDSN() string {
	return fmt.Sprintf("postgres://%s:***@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

// RedisAddr returns the Redis address in host:port format.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	val := os.Getenv(key)
	if val == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
