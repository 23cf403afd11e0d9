package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "governor.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Listen != ":8080" {
		t.Errorf("expected :8080, got %s", cfg.Listen)
	}
	if cfg.Cache.DefaultTTL != time.Hour {
		t.Errorf("expected 1h TTL, got %v", cfg.Cache.DefaultTTL)
	}
	if cfg.Budget.DailyLimit != 50000 {
		t.Errorf("expected daily limit 50000, got %d", cfg.Budget.DailyLimit)
	}
	if cfg.Budget.WarningThreshold != 40000 {
		t.Errorf("expected warning threshold 40000, got %d", cfg.Budget.WarningThreshold)
	}
	if cfg.Store.Driver != "redis" {
		t.Errorf("expected redis driver, got %s", cfg.Store.Driver)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoad(t *testing.T) {
	t.Setenv("TEST_REDIS_PASSWORD", "s3cret")

	path := writeConfig(t, `
listen: ":9090"
store:
  driver: redis
  connect_timeout: 500ms
  redis:
    host: cache.internal
    port: 6380
    password: ${TEST_REDIS_PASSWORD}
    pool_size: 20
cache:
  default_ttl: 30m
budget:
  daily_limit: 100000
  warning_threshold: 80000
  timezone: America/Sao_Paulo
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Listen != ":9090" {
		t.Errorf("expected :9090, got %s", cfg.Listen)
	}
	if cfg.Store.Redis.Password != "s3cret" {
		t.Errorf("env var not expanded: got %s", cfg.Store.Redis.Password)
	}
	if cfg.Store.Redis.Addr() != "cache.internal:6380" {
		t.Errorf("unexpected addr %s", cfg.Store.Redis.Addr())
	}
	if cfg.Store.ConnectTimeout != 500*time.Millisecond {
		t.Errorf("expected 500ms connect timeout, got %v", cfg.Store.ConnectTimeout)
	}
	if cfg.Cache.DefaultTTL != 30*time.Minute {
		t.Errorf("expected 30m TTL, got %v", cfg.Cache.DefaultTTL)
	}
	if cfg.Budget.DailyLimit != 100000 {
		t.Errorf("expected 100000 daily limit, got %d", cfg.Budget.DailyLimit)
	}
	// Fields absent from the file keep their defaults.
	if cfg.Store.Redis.MinIdleConns != 2 {
		t.Errorf("expected default min idle conns, got %d", cfg.Store.Redis.MinIdleConns)
	}
	if _, err := cfg.Budget.Location(); err != nil {
		t.Errorf("timezone should resolve: %v", err)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DAILY_TOKEN_LIMIT", "1000")
	t.Setenv("TOKEN_WARNING_THRESHOLD", "900")
	t.Setenv("CACHE_TTL", "120")
	t.Setenv("REDIS_HOST", "redis.example")
	t.Setenv("REDIS_PORT", "7000")

	path := writeConfig(t, "budget:\n  daily_limit: 50000\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Budget.DailyLimit != 1000 {
		t.Errorf("expected env daily limit 1000, got %d", cfg.Budget.DailyLimit)
	}
	if cfg.Budget.WarningThreshold != 900 {
		t.Errorf("expected env threshold 900, got %d", cfg.Budget.WarningThreshold)
	}
	if cfg.Cache.DefaultTTL != 2*time.Minute {
		t.Errorf("expected 2m TTL, got %v", cfg.Cache.DefaultTTL)
	}
	if cfg.Store.Redis.Addr() != "redis.example:7000" {
		t.Errorf("unexpected addr %s", cfg.Store.Redis.Addr())
	}
}

func TestLoadBadEnvOverride(t *testing.T) {
	t.Setenv("DAILY_TOKEN_LIMIT", "lots")
	path := writeConfig(t, "listen: \":8080\"\n")
	if _, err := Load(path); err == nil {
		t.Error("expected error for malformed DAILY_TOKEN_LIMIT")
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/governor.yaml")
	if err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadOrDefault(t *testing.T) {
	cfg, err := LoadOrDefault("/nonexistent/governor.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Budget.DailyLimit != 50000 {
		t.Errorf("expected default daily limit, got %d", cfg.Budget.DailyLimit)
	}

	path := writeConfig(t, "listen: [unterminated\n")
	if _, err := LoadOrDefault(path); err == nil {
		t.Error("expected parse error to surface")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.Store.Driver = "memcached" }},
		{"negative limit", func(c *Config) { c.Budget.DailyLimit = -1 }},
		{"bad timezone", func(c *Config) { c.Budget.Timezone = "Mars/Olympus" }},
		{"idle above pool", func(c *Config) { c.Store.Redis.MinIdleConns = 50 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLimitOverrideBelowDefaultThreshold(t *testing.T) {
	t.Setenv("DAILY_TOKEN_LIMIT", "10000")

	cfg, err := LoadOrDefault("/nonexistent/governor.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected a limit-only override to validate, got %v", err)
	}
	if !cfg.ClampWarningThreshold() {
		t.Fatal("expected the threshold to be clamped")
	}
	if cfg.Budget.WarningThreshold != 10000 {
		t.Errorf("expected threshold 10000, got %d", cfg.Budget.WarningThreshold)
	}
	if cfg.ClampWarningThreshold() {
		t.Error("expected a second clamp to be a no-op")
	}
}
