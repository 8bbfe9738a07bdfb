// Package config loads the process configuration from an optional TOML file
// with environment variable overrides. Environment always wins so deployments
// can keep secrets out of the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the full runtime configuration of the escrowd process.
type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	DatabaseDSN   string `toml:"DatabaseDSN"`
	Environment   string `toml:"Environment"`

	// EncryptionKey decrypts hot wallet seeds at startup; 64 hex characters.
	EncryptionKey string `toml:"EncryptionKey"`
	// RevealSecret signs the admin reveal-permission tokens.
	RevealSecret string `toml:"RevealSecret"`

	LogFile       string `toml:"LogFile"`
	LogMaxSizeMB  int    `toml:"LogMaxSizeMB"`
	LogMaxBackups int    `toml:"LogMaxBackups"`

	Chain      ChainConfig   `toml:"Chain"`
	Reconciler LoopConfig    `toml:"Reconciler"`
	Dispatcher LoopConfig    `toml:"Dispatcher"`
	Webhooks   WebhookConfig `toml:"Webhooks"`
}

// ChainConfig points at the chain-indexer service.
type ChainConfig struct {
	BaseURL        string `toml:"BaseURL"`
	APIKey         string `toml:"APIKey"`
	TimeoutSeconds int    `toml:"TimeoutSeconds"`
}

// LoopConfig tunes one background polling loop.
type LoopConfig struct {
	IntervalSeconds int `toml:"IntervalSeconds"`
	Batch           int `toml:"Batch"`
}

// WebhookConfig tunes the delivery queue.
type WebhookConfig struct {
	QueueCapacity  int `toml:"QueueCapacity"`
	TimeoutSeconds int `toml:"TimeoutSeconds"`
}

// Load reads the TOML file at path when it is non-empty, then applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := defaults()
	if path != "" {
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("config: unknown key %s in %s", undecoded[0], path)
		}
	}
	applyEnv(cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv loads configuration from environment variables alone.
func FromEnv() (*Config, error) {
	return Load(os.Getenv("ESCROWD_CONFIG_FILE"))
}

func defaults() *Config {
	return &Config{
		ListenAddress: ":3001",
		Environment:   "development",
		LogMaxSizeMB:  100,
		LogMaxBackups: 5,
		Chain:         ChainConfig{TimeoutSeconds: 30},
		Reconciler:    LoopConfig{IntervalSeconds: 30, Batch: 100},
		Dispatcher:    LoopConfig{IntervalSeconds: 15, Batch: 10},
		Webhooks:      WebhookConfig{QueueCapacity: 1024, TimeoutSeconds: 10},
	}
}

func applyEnv(cfg *Config) {
	cfg.ListenAddress = getEnvDefault("ESCROWD_LISTEN_ADDRESS", cfg.ListenAddress)
	cfg.DatabaseDSN = getEnvDefault("ESCROWD_DB_DSN", cfg.DatabaseDSN)
	cfg.Environment = getEnvDefault("ESCROWD_ENV", cfg.Environment)
	cfg.EncryptionKey = getEnvDefault("ESCROWD_ENCRYPTION_KEY", cfg.EncryptionKey)
	cfg.RevealSecret = getEnvDefault("ESCROWD_REVEAL_SECRET", cfg.RevealSecret)
	cfg.LogFile = getEnvDefault("ESCROWD_LOG_FILE", cfg.LogFile)
	cfg.LogMaxSizeMB = parseIntEnv("ESCROWD_LOG_MAX_SIZE_MB", cfg.LogMaxSizeMB)
	cfg.LogMaxBackups = parseIntEnv("ESCROWD_LOG_MAX_BACKUPS", cfg.LogMaxBackups)

	cfg.Chain.BaseURL = getEnvDefault("ESCROWD_INDEXER_BASE_URL", cfg.Chain.BaseURL)
	cfg.Chain.APIKey = getEnvDefault("ESCROWD_INDEXER_API_KEY", cfg.Chain.APIKey)
	cfg.Chain.TimeoutSeconds = parseIntEnv("ESCROWD_INDEXER_TIMEOUT_SECONDS", cfg.Chain.TimeoutSeconds)

	cfg.Reconciler.IntervalSeconds = parseIntEnv("ESCROWD_RECONCILE_INTERVAL_SECONDS", cfg.Reconciler.IntervalSeconds)
	cfg.Reconciler.Batch = parseIntEnv("ESCROWD_RECONCILE_BATCH", cfg.Reconciler.Batch)
	cfg.Dispatcher.IntervalSeconds = parseIntEnv("ESCROWD_DISPATCH_INTERVAL_SECONDS", cfg.Dispatcher.IntervalSeconds)
	cfg.Dispatcher.Batch = parseIntEnv("ESCROWD_DISPATCH_BATCH", cfg.Dispatcher.Batch)

	cfg.Webhooks.QueueCapacity = parseIntEnv("ESCROWD_WEBHOOK_QUEUE_CAPACITY", cfg.Webhooks.QueueCapacity)
	cfg.Webhooks.TimeoutSeconds = parseIntEnv("ESCROWD_WEBHOOK_TIMEOUT_SECONDS", cfg.Webhooks.TimeoutSeconds)
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("config: DatabaseDSN (ESCROWD_DB_DSN) is required")
	}
	if strings.TrimSpace(c.Chain.BaseURL) == "" {
		return fmt.Errorf("config: Chain.BaseURL (ESCROWD_INDEXER_BASE_URL) is required")
	}
	if key := strings.TrimSpace(c.EncryptionKey); key != "" && len(key) != 64 {
		return fmt.Errorf("config: EncryptionKey must be 64 hex characters, got %d", len(key))
	}
	if c.Chain.TimeoutSeconds <= 0 {
		return fmt.Errorf("config: Chain.TimeoutSeconds must be positive")
	}
	for name, loop := range map[string]LoopConfig{"Reconciler": c.Reconciler, "Dispatcher": c.Dispatcher} {
		if loop.IntervalSeconds <= 0 || loop.Batch <= 0 {
			return fmt.Errorf("config: %s interval and batch must be positive", name)
		}
	}
	return nil
}

// ChainTimeout returns the indexer call timeout as a duration.
func (c *Config) ChainTimeout() time.Duration {
	return time.Duration(c.Chain.TimeoutSeconds) * time.Second
}

// ReconcileInterval returns the reconciler polling interval.
func (c *Config) ReconcileInterval() time.Duration {
	return time.Duration(c.Reconciler.IntervalSeconds) * time.Second
}

// DispatchInterval returns the dispatcher polling interval.
func (c *Config) DispatchInterval() time.Duration {
	return time.Duration(c.Dispatcher.IntervalSeconds) * time.Second
}

// WebhookTimeout returns the per-delivery HTTP timeout.
func (c *Config) WebhookTimeout() time.Duration {
	return time.Duration(c.Webhooks.TimeoutSeconds) * time.Second
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseIntEnv(key string, def int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return def
}
