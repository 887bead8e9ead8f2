// Package config loads runtime configuration from the environment, with an
// optional .env file for local setups.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

var (
	ErrMissingConfig = errors.New("missing required configuration")
	ErrInvalidConfig = errors.New("invalid configuration value")
)

// Config holds all application configuration.
type Config struct {
	Database     DatabaseConfig
	Cache        CacheConfig
	DAV          DAVConfig
	RateLimiting RateLimitConfig
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string
}

// CacheConfig holds synchronization tuning.
type CacheConfig struct {
	Enabled          bool
	MaxSyncTime      time.Duration
	LockMaxAge       time.Duration
	LockPollInterval time.Duration
	BatchMaxBytes    int
	Timezone         string
}

// DAVConfig holds the CalDAV/CardDAV endpoint configuration.
type DAVConfig struct {
	URL      string
	Username string
	Password string
}

// RateLimitConfig holds client-side request rate limiting.
type RateLimitConfig struct {
	RPS   float64
	Burst int
}

// Load loads configuration from environment variables.
// It attempts to load from .env file first, but continues if not found.
func Load() (*Config, error) {
	// Attempt to load .env file (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{}

	// Database configuration
	cfg.Database.Path = getEnv("DATABASE_PATH", "./data/kolabcache.db")

	// Cache configuration
	enabled, err := getEnvBool("CACHE_ENABLED", true)
	if err != nil {
		return nil, fmt.Errorf("%w: CACHE_ENABLED: %w", ErrInvalidConfig, err)
	}
	cfg.Cache.Enabled = enabled

	maxSyncTime, err := getEnvDuration("MAX_SYNC_TIME", 2*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("%w: MAX_SYNC_TIME: %w", ErrInvalidConfig, err)
	}
	cfg.Cache.MaxSyncTime = maxSyncTime

	lockMaxAge, err := getEnvDuration("MAX_SYNC_LOCK_TIME", 10*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("%w: MAX_SYNC_LOCK_TIME: %w", ErrInvalidConfig, err)
	}
	cfg.Cache.LockMaxAge = lockMaxAge

	lockPoll, err := getEnvDuration("SYNC_LOCK_POLL_INTERVAL", 500*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("%w: SYNC_LOCK_POLL_INTERVAL: %w", ErrInvalidConfig, err)
	}
	cfg.Cache.LockPollInterval = lockPoll

	batchMax, err := getEnvInt("BATCH_MAX_BYTES", 2*1024*1024)
	if err != nil {
		return nil, fmt.Errorf("%w: BATCH_MAX_BYTES: %w", ErrInvalidConfig, err)
	}
	cfg.Cache.BatchMaxBytes = batchMax

	cfg.Cache.Timezone = getEnv("SERVER_TIMEZONE", "UTC")
	if _, err := time.LoadLocation(cfg.Cache.Timezone); err != nil {
		return nil, fmt.Errorf("%w: SERVER_TIMEZONE: %w", ErrInvalidConfig, err)
	}

	// DAV endpoint configuration
	cfg.DAV.URL = getEnvRequired("DAV_URL")
	cfg.DAV.Username = getEnvRequired("DAV_USERNAME")
	cfg.DAV.Password = getEnvRequired("DAV_PASSWORD")

	// Rate limiting configuration
	rps, err := getEnvFloat("DAV_RATE_LIMIT_RPS", 10.0)
	if err != nil {
		return nil, fmt.Errorf("%w: DAV_RATE_LIMIT_RPS: %w", ErrInvalidConfig, err)
	}
	cfg.RateLimiting.RPS = rps

	burst, err := getEnvInt("DAV_RATE_LIMIT_BURST", 20)
	if err != nil {
		return nil, fmt.Errorf("%w: DAV_RATE_LIMIT_BURST: %w", ErrInvalidConfig, err)
	}
	cfg.RateLimiting.Burst = burst

	// Check for missing required configuration
	missing := cfg.getMissingRequired()
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingConfig, strings.Join(missing, ", "))
	}

	return cfg, nil
}

// getMissingRequired returns a list of missing required configuration values.
func (c *Config) getMissingRequired() []string {
	var missing []string

	if c.DAV.URL == "" {
		missing = append(missing, "DAV_URL")
	}
	if c.DAV.Username == "" {
		missing = append(missing, "DAV_USERNAME")
	}
	if c.DAV.Password == "" {
		missing = append(missing, "DAV_PASSWORD")
	}

	return missing
}

// getEnv returns the value of an environment variable or a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvRequired returns the value of an environment variable.
// Returns empty string if not set (caller should check for required values).
func getEnvRequired(key string) string {
	return os.Getenv(key)
}

// getEnvInt returns the integer value of an environment variable or a default.
func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid integer: %w", err)
	}
	return parsed, nil
}

// getEnvFloat returns the float value of an environment variable or a default.
func getEnvFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float: %w", err)
	}
	return parsed, nil
}

// getEnvBool returns the boolean value of an environment variable or a default.
func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid boolean: %w", err)
	}
	return parsed, nil
}

// getEnvDuration returns the duration value of an environment variable or a
// default. Plain numbers are read as seconds.
func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid duration: %w", err)
	}
	return parsed, nil
}
