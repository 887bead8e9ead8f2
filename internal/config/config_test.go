package config

import (
	"errors"
	"strings"
	"testing"
	"time"
)

// setRequiredEnv sets the variables without which Load fails.
func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DAV_URL", "https://dav.example.org")
	t.Setenv("DAV_USERNAME", "user")
	t.Setenv("DAV_PASSWORD", "secret")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Database.Path != "./data/kolabcache.db" {
		t.Errorf("database path = %q", cfg.Database.Path)
	}
	if !cfg.Cache.Enabled {
		t.Error("cache must default to enabled")
	}
	if cfg.Cache.MaxSyncTime != 2*time.Minute {
		t.Errorf("max sync time = %v", cfg.Cache.MaxSyncTime)
	}
	if cfg.Cache.LockMaxAge != 10*time.Minute {
		t.Errorf("lock max age = %v", cfg.Cache.LockMaxAge)
	}
	if cfg.Cache.LockPollInterval != 500*time.Millisecond {
		t.Errorf("lock poll interval = %v", cfg.Cache.LockPollInterval)
	}
	if cfg.Cache.Timezone != "UTC" {
		t.Errorf("timezone = %q", cfg.Cache.Timezone)
	}
	if cfg.RateLimiting.RPS != 10.0 || cfg.RateLimiting.Burst != 20 {
		t.Errorf("rate limit = %v/%v", cfg.RateLimiting.RPS, cfg.RateLimiting.Burst)
	}
}

func TestLoadOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("DATABASE_PATH", "/var/lib/kolabcache/cache.db")
	t.Setenv("CACHE_ENABLED", "false")
	t.Setenv("MAX_SYNC_TIME", "90")
	t.Setenv("MAX_SYNC_LOCK_TIME", "5m")
	t.Setenv("SYNC_LOCK_POLL_INTERVAL", "250ms")
	t.Setenv("BATCH_MAX_BYTES", "524288")
	t.Setenv("SERVER_TIMEZONE", "Europe/Berlin")
	t.Setenv("DAV_RATE_LIMIT_RPS", "2.5")
	t.Setenv("DAV_RATE_LIMIT_BURST", "5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Database.Path != "/var/lib/kolabcache/cache.db" {
		t.Errorf("database path = %q", cfg.Database.Path)
	}
	if cfg.Cache.Enabled {
		t.Error("expected cache disabled")
	}
	// Plain numbers are seconds.
	if cfg.Cache.MaxSyncTime != 90*time.Second {
		t.Errorf("max sync time = %v", cfg.Cache.MaxSyncTime)
	}
	if cfg.Cache.LockMaxAge != 5*time.Minute {
		t.Errorf("lock max age = %v", cfg.Cache.LockMaxAge)
	}
	if cfg.Cache.LockPollInterval != 250*time.Millisecond {
		t.Errorf("lock poll interval = %v", cfg.Cache.LockPollInterval)
	}
	if cfg.Cache.BatchMaxBytes != 524288 {
		t.Errorf("batch max bytes = %d", cfg.Cache.BatchMaxBytes)
	}
	if cfg.RateLimiting.RPS != 2.5 || cfg.RateLimiting.Burst != 5 {
		t.Errorf("rate limit = %v/%v", cfg.RateLimiting.RPS, cfg.RateLimiting.Burst)
	}
}

func TestLoadMissingRequired(t *testing.T) {
	t.Setenv("DAV_URL", "https://dav.example.org")
	t.Setenv("DAV_USERNAME", "")
	t.Setenv("DAV_PASSWORD", "")

	_, err := Load()
	if !errors.Is(err, ErrMissingConfig) {
		t.Fatalf("expected ErrMissingConfig, got %v", err)
	}
	// All missing keys are reported at once.
	for _, key := range []string{"DAV_USERNAME", "DAV_PASSWORD"} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("expected %s in error %q", key, err)
		}
	}
}

func TestLoadInvalidValues(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		value string
	}{
		{"bad bool", "CACHE_ENABLED", "maybe"},
		{"bad duration", "MAX_SYNC_TIME", "soon"},
		{"bad int", "BATCH_MAX_BYTES", "lots"},
		{"bad float", "DAV_RATE_LIMIT_RPS", "fast"},
		{"bad timezone", "SERVER_TIMEZONE", "Mars/Olympus"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv(tc.key, tc.value)

			_, err := Load()
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}
