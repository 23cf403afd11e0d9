// Package config loads governor configuration from YAML, a .env file and
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all governor configuration.
type Config struct {
	Listen  string        `yaml:"listen"`
	Log     LogConfig     `yaml:"log"`
	Store   StoreConfig   `yaml:"store"`
	Cache   CacheConfig   `yaml:"cache"`
	Budget  BudgetConfig  `yaml:"budget"`
	Tracker TrackerConfig `yaml:"tracker"`
	Limiter LimiterConfig `yaml:"limiter"`
	OpenAI  OpenAIConfig  `yaml:"openai"`
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "console"
}

// StoreConfig selects and configures the backing key-value store.
// Driver is "redis" (default), "sqlite" or "memory".
type StoreConfig struct {
	Driver         string        `yaml:"driver"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	Redis          RedisConfig   `yaml:"redis"`
	SQLitePath     string        `yaml:"sqlite_path"`
}

// RedisConfig holds connection parameters for the networked store.
// URL, when set, takes precedence over the discrete fields.
type RedisConfig struct {
	URL          string `yaml:"url"`
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	DB           int    `yaml:"db"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	PoolSize     int    `yaml:"pool_size"`
	MinIdleConns int    `yaml:"min_idle_conns"`
	MaxRetries   int    `yaml:"max_retries"`
}

// Addr returns host:port.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// BudgetConfig controls the per-user daily token budget.
type BudgetConfig struct {
	DailyLimit       int64  `yaml:"daily_limit"`
	WarningThreshold int64  `yaml:"warning_threshold"`
	Timezone         string `yaml:"timezone"`
	Locale           string `yaml:"locale"`
}

// Location resolves Timezone, defaulting to the process local zone.
func (b BudgetConfig) Location() (*time.Location, error) {
	if b.Timezone == "" || b.Timezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(b.Timezone)
}

// TrackerConfig controls the SQLite usage ledger.
type TrackerConfig struct {
	Enabled bool   `yaml:"enabled"`
	DBPath  string `yaml:"db_path"`
}

// LimiterConfig controls the per-user request rate limiter.
type LimiterConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

// OpenAIConfig configures the external inference client.
type OpenAIConfig struct {
	APIKey       string  `yaml:"api_key"`
	BaseURL      string  `yaml:"base_url"`
	Model        string  `yaml:"model"`
	MaxTokens    int     `yaml:"max_tokens"`
	Temperature  float32 `yaml:"temperature"`
	SystemPrompt string  `yaml:"system_prompt"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen: ":8080",
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Store: StoreConfig{
			Driver:         "redis",
			ConnectTimeout: 2 * time.Second,
			Redis: RedisConfig{
				Host:         "127.0.0.1",
				Port:         6379,
				PoolSize:     10,
				MinIdleConns: 2,
				MaxRetries:   3,
			},
			SQLitePath: "governor.db",
		},
		Cache: CacheConfig{
			DefaultTTL: time.Hour,
		},
		Budget: BudgetConfig{
			DailyLimit:       50000,
			WarningThreshold: 40000,
			Timezone:         "Local",
			Locale:           "pt-BR",
		},
		Tracker: TrackerConfig{
			Enabled: true,
			DBPath:  "usage.db",
		},
		Limiter: LimiterConfig{
			RequestsPerMinute: 30,
			Burst:             10,
		},
		OpenAI: OpenAIConfig{
			Model:       "gpt-4o-mini",
			MaxTokens:   2000,
			Temperature: 0.7,
		},
	}
}

// Load reads a YAML config file, expands environment variables and applies
// environment overrides. A .env file in the working directory is loaded first
// when present.
func Load(path string) (*Config, error) {
	loadDotEnv()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault behaves like Load but falls back to Default (plus environment
// overrides) when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	cfg = Default()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadDotEnv() {
	if _, err := os.Stat(".env"); err == nil {
		_ = godotenv.Load(".env")
	}
}

// applyEnv overrides fields from the process environment.
func (c *Config) applyEnv() error {
	if err := envInt64("DAILY_TOKEN_LIMIT", &c.Budget.DailyLimit); err != nil {
		return err
	}
	if err := envInt64("TOKEN_WARNING_THRESHOLD", &c.Budget.WarningThreshold); err != nil {
		return err
	}

	var ttlSeconds int64
	if err := envInt64("CACHE_TTL", &ttlSeconds); err != nil {
		return err
	}
	if ttlSeconds > 0 {
		c.Cache.DefaultTTL = time.Duration(ttlSeconds) * time.Second
	}

	envString("REDIS_URL", &c.Store.Redis.URL)
	envString("REDIS_HOST", &c.Store.Redis.Host)
	envString("REDIS_PASSWORD", &c.Store.Redis.Password)
	if err := envInt("REDIS_PORT", &c.Store.Redis.Port); err != nil {
		return err
	}
	if err := envInt("REDIS_DB", &c.Store.Redis.DB); err != nil {
		return err
	}
	if err := envInt("REDIS_POOL_SIZE", &c.Store.Redis.PoolSize); err != nil {
		return err
	}

	envString("OPENAI_API_KEY", &c.OpenAI.APIKey)
	envString("LOG_LEVEL", &c.Log.Level)
	return nil
}

func envString(name string, dst *string) {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		*dst = v
	}
}

func envInt64(name string, dst *int64) error {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	*dst = n
	return nil
}

func envInt(name string, dst *int) error {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	*dst = n
	return nil
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "redis", "sqlite", "memory":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Store.Redis.MinIdleConns > c.Store.Redis.PoolSize {
		return fmt.Errorf("store.redis.min_idle_conns (%d) exceeds pool_size (%d)",
			c.Store.Redis.MinIdleConns, c.Store.Redis.PoolSize)
	}
	if c.Budget.DailyLimit < 0 {
		return fmt.Errorf("budget.daily_limit must not be negative")
	}
	if c.Budget.WarningThreshold < 0 {
		return fmt.Errorf("budget.warning_threshold must not be negative")
	}
	if _, err := c.Budget.Location(); err != nil {
		return fmt.Errorf("budget.timezone: %w", err)
	}
	if c.Cache.DefaultTTL < 0 {
		return fmt.Errorf("cache.default_ttl must not be negative")
	}
	return nil
}

// ClampWarningThreshold lowers a warning threshold that exceeds the daily
// limit to the limit and reports whether it did. This happens when only the
// limit is overridden below the default threshold.
func (c *Config) ClampWarningThreshold() bool {
	if c.Budget.WarningThreshold <= c.Budget.DailyLimit {
		return false
	}
	c.Budget.WarningThreshold = c.Budget.DailyLimit
	return true
}
