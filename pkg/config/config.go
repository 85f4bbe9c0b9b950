package config

import (
	"fmt"
	"os"
	"time"

	"github.com/cachegate-ai/cachegate/pkg/models"
	"gopkg.in/yaml.v3"
)

// Config holds all cachegate configuration.
type Config struct {
	Listen   string                `yaml:"listen"`
	DBPath   string                `yaml:"db_path"`
	Log      LogConfig             `yaml:"log"`
	Cache    CacheConfig           `yaml:"cache"`
	Upstream UpstreamConfig        `yaml:"upstream"`
	Resolver ResolverConfig        `yaml:"resolver"`
	Audit    AuditConfig           `yaml:"audit"`
	Pricing  []models.ModelPricing `yaml:"pricing"`
}

// LogConfig controls structured logging output.
// LogMessages and LogRequestBody gate debug logging of chat content;
// request bodies are logged with message content redacted.
type LogConfig struct {
	Level          string `yaml:"level"`
	Pretty         bool   `yaml:"pretty"`
	LogMessages    bool   `yaml:"log_messages"`
	LogRequestBody bool   `yaml:"log_request_body"`
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	Enabled bool `yaml:"enabled"`
	// Backend selects the store: sqlite (default), redis, or postgres.
	Backend string `yaml:"backend"`
	// Strict fails requests when the store is unreachable instead of
	// falling through to upstream.
	Strict bool `yaml:"strict"`
	// ReplayInterval paces replayed stream events. Zero replays as fast
	// as the client reads.
	ReplayInterval time.Duration  `yaml:"replay_interval"`
	Redis          RedisConfig    `yaml:"redis"`
	Postgres       PostgresConfig `yaml:"postgres"`
}

// RedisConfig locates the redis backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// PostgresConfig locates the postgres backend.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// UpstreamConfig describes where requests go when the cache misses.
type UpstreamConfig struct {
	// DefaultURL serves credentials with no resolved endpoint.
	DefaultURL string `yaml:"default_url"`
	// APIKey is the fallback credential when a request carries none.
	APIKey string `yaml:"api_key"`
	// ExtraURLs are operator-supplied resolution candidates, tried before
	// the built-ins, in order.
	ExtraURLs []EndpointConfig `yaml:"extra_urls"`
}

// EndpointConfig is one resolution candidate. TestModel is the model used
// for the 1-token trial; extras may omit it and fall back to the model of
// the request that triggered resolution.
type EndpointConfig struct {
	URL       string `yaml:"url"`
	TestModel string `yaml:"test_model"`
}

// ResolverConfig controls credential-to-endpoint resolution.
type ResolverConfig struct {
	Enabled        bool          `yaml:"enabled"`
	TrialTimeout   time.Duration `yaml:"trial_timeout"`
	TrialMaxTokens int           `yaml:"trial_max_tokens"`
	// DisableBuiltins restricts resolution to upstream.extra_urls, for
	// deployments where only private gateways may see the credential.
	DisableBuiltins bool `yaml:"disable_builtins"`
}

// AuditConfig controls the request log.
type AuditConfig struct {
	Enabled       bool   `yaml:"enabled"`
	DBPath        string `yaml:"db_path"`
	RetentionDays int    `yaml:"retention_days"`
	PruneSchedule string `yaml:"prune_schedule"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen: ":9999",
		DBPath: "cachegate.db",
		Log: LogConfig{
			Level: "info",
		},
		Cache: CacheConfig{
			Enabled: true,
			Backend: "sqlite",
			Redis: RedisConfig{
				Addr: "localhost:6379",
			},
		},
		Upstream: UpstreamConfig{
			DefaultURL: "https://api.openai.com/v1",
		},
		Resolver: ResolverConfig{
			Enabled:        true,
			TrialTimeout:   10 * time.Second,
			TrialMaxTokens: 1,
		},
		Audit: AuditConfig{
			Enabled:       true,
			RetentionDays: 30,
			PruneSchedule: "0 3 * * *",
		},
	}
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate checks settings that would otherwise fail deep inside startup.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	switch c.Cache.Backend {
	case "sqlite", "redis", "postgres":
	default:
		return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
	}
	if c.Cache.Backend == "postgres" && c.Cache.Postgres.DSN == "" {
		return fmt.Errorf("cache backend postgres requires cache.postgres.dsn")
	}
	if c.Resolver.Enabled && c.Resolver.TrialTimeout <= 0 {
		return fmt.Errorf("resolver.trial_timeout must be positive")
	}
	if c.Audit.RetentionDays < 0 {
		return fmt.Errorf("audit.retention_days must not be negative")
	}
	for _, e := range c.Upstream.ExtraURLs {
		if e.URL == "" {
			return fmt.Errorf("upstream.extra_urls entries need a url")
		}
	}
	return nil
}

// Builtins returns the fixed built-in endpoint candidates, in priority
// order.
func Builtins() []EndpointConfig {
	return []EndpointConfig{
		{URL: "https://api.openai.com/v1", TestModel: "gpt-4o-mini"},
		{URL: "https://openrouter.ai/api/v1", TestModel: "openai/gpt-4o-mini"},
		{URL: "https://dashscope.aliyuncs.com/compatible-mode/v1", TestModel: "qwen-turbo"},
		{URL: "https://api.deepseek.com/v1", TestModel: "deepseek-chat"},
	}
}

// Candidates returns the full resolution candidate list: operator extras
// first, then the built-ins unless those are disabled.
func (c *Config) Candidates() []EndpointConfig {
	out := make([]EndpointConfig, 0, len(c.Upstream.ExtraURLs)+4)
	out = append(out, c.Upstream.ExtraURLs...)
	if !c.Resolver.DisableBuiltins {
		out = append(out, Builtins()...)
	}
	return out
}

// AuditDBPath returns the audit database path, defaulting to the main one.
func (c *Config) AuditDBPath() string {
	if c.Audit.DBPath != "" {
		return c.Audit.DBPath
	}
	return c.DBPath
}
