// Package config provides the configuration schema shared by the proxy,
// motor, and cortex commands: a YAML file (qbrix.yaml) with QBRIX_*
// environment overrides.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the top-level configuration for all three tiers. Each command
// reads the sections it needs; unused sections are ignored.
type Config struct {
	// Server configures the HTTP listeners and logging.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Catalog configures the relational catalog (proxy only).
	Catalog CatalogConfig `yaml:"catalog" mapstructure:"catalog"`

	// KV configures the shared key-value store. An empty URL selects the
	// in-memory store, which is only correct when all three tiers run in
	// one process.
	KV KVConfig `yaml:"kv" mapstructure:"kv"`

	// Stream configures the feedback stream and its consumer group.
	Stream StreamConfig `yaml:"stream" mapstructure:"stream"`

	// Token configures selection-token signing (proxy only). The secret
	// must never be logged.
	Token TokenConfig `yaml:"token" mapstructure:"token"`

	// Selector configures the motor tier's caches.
	Selector SelectorConfig `yaml:"selector" mapstructure:"selector"`

	// Trainer configures the cortex tier's consumer loop.
	Trainer TrainerConfig `yaml:"trainer" mapstructure:"trainer"`

	// Auth configures optional API-key authentication on the proxy's
	// admin routes.
	Auth AuthConfig `yaml:"auth" mapstructure:"auth"`
}

// ServerConfig configures listeners and logging.
type ServerConfig struct {
	// ProxyAddr is the proxy tier's listen address.
	ProxyAddr string `yaml:"proxy_addr" mapstructure:"proxy_addr" validate:"omitempty,hostname_port"`
	// MotorAddr is the motor tier's listen address.
	MotorAddr string `yaml:"motor_addr" mapstructure:"motor_addr" validate:"omitempty,hostname_port"`
	// CortexAddr is the cortex tier's listen address.
	CortexAddr string `yaml:"cortex_addr" mapstructure:"cortex_addr" validate:"omitempty,hostname_port"`
	// MotorURL is the base URL the proxy uses to reach the motor tier
	// (e.g. "http://127.0.0.1:8081"). Empty runs the selector in-process.
	MotorURL string `yaml:"motor_url" mapstructure:"motor_url" validate:"omitempty,url"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`
}

// CatalogConfig configures the sqlite catalog.
type CatalogConfig struct {
	// DSN is the sqlite data source, e.g. "qbrix.db" or ":memory:".
	DSN string `yaml:"dsn" mapstructure:"dsn" validate:"required"`
}

// KVConfig configures the key-value store.
type KVConfig struct {
	// URL is a redis URL ("redis://host:6379/0"). Empty selects the
	// in-memory store.
	URL string `yaml:"url" mapstructure:"url" validate:"omitempty,uri"`
}

// StreamConfig configures the feedback stream.
type StreamConfig struct {
	// Name is the stream key.
	Name string `yaml:"name" mapstructure:"name" validate:"required"`
	// Group is the trainer consumer group.
	Group string `yaml:"group" mapstructure:"group" validate:"required"`
	// Consumer is this process's consumer name within the group.
	Consumer string `yaml:"consumer" mapstructure:"consumer" validate:"required"`
	// MaxLen bounds the stream (approximate); 0 is unbounded.
	MaxLen int64 `yaml:"max_len" mapstructure:"max_len" validate:"gte=0"`
}

// TokenConfig configures selection-token signing.
type TokenConfig struct {
	// Secret is the HMAC key. Required by the proxy command; the motor
	// and cortex tiers never see tokens.
	Secret string `yaml:"secret" mapstructure:"secret" validate:"omitempty,min=16"`
	// MaxAge bounds token age at feedback time ("24h"); empty disables
	// the expiry check.
	MaxAge string `yaml:"max_age" mapstructure:"max_age" validate:"omitempty,duration"`
}

// SelectorConfig configures the motor caches.
type SelectorConfig struct {
	AgentCacheSize int    `yaml:"agent_cache_size" mapstructure:"agent_cache_size" validate:"gt=0"`
	AgentCacheTTL  string `yaml:"agent_cache_ttl" mapstructure:"agent_cache_ttl" validate:"required,duration"`
	ParamCacheSize int    `yaml:"param_cache_size" mapstructure:"param_cache_size" validate:"gt=0"`
	ParamCacheTTL  string `yaml:"param_cache_ttl" mapstructure:"param_cache_ttl" validate:"required,duration"`
}

// TrainerConfig configures the cortex consumer loop.
type TrainerConfig struct {
	BatchSize     int    `yaml:"batch_size" mapstructure:"batch_size" validate:"gt=0"`
	BlockMs       int64  `yaml:"block_ms" mapstructure:"block_ms" validate:"gt=0"`
	FlushInterval string `yaml:"flush_interval" mapstructure:"flush_interval" validate:"required,duration"`
	ErrorBackoff  string `yaml:"error_backoff" mapstructure:"error_backoff" validate:"required,duration"`
	// ReclaimIdleMs is the idle threshold before the loop re-claims
	// delivered but unacked messages.
	ReclaimIdleMs int64 `yaml:"reclaim_idle_ms" mapstructure:"reclaim_idle_ms" validate:"gt=0"`
}

// AuthConfig configures admin API-key authentication. Only hashes are
// configured (bare SHA-256 hex or argon2id PHC strings); an empty list
// disables auth.
type AuthConfig struct {
	APIKeyHashes []string `yaml:"api_key_hashes" mapstructure:"api_key_hashes"`
}

// SetDefaults fills zero-valued fields with production defaults. The
// token secret has no default; it must be configured.
func (c *Config) SetDefaults() {
	if c.Server.ProxyAddr == "" {
		c.Server.ProxyAddr = "127.0.0.1:8080"
	}
	if c.Server.MotorAddr == "" {
		c.Server.MotorAddr = "127.0.0.1:8081"
	}
	if c.Server.CortexAddr == "" {
		c.Server.CortexAddr = "127.0.0.1:8082"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Catalog.DSN == "" {
		c.Catalog.DSN = "qbrix.db"
	}
	if c.Stream.Name == "" {
		c.Stream.Name = "qbrix:feedback"
	}
	if c.Stream.Group == "" {
		c.Stream.Group = "trainer"
	}
	if c.Stream.Consumer == "" {
		c.Stream.Consumer = "cortex-1"
	}
	if c.Stream.MaxLen == 0 {
		c.Stream.MaxLen = 1_000_000
	}
	if c.Token.MaxAge == "" {
		c.Token.MaxAge = "24h"
	}
	if c.Selector.AgentCacheSize == 0 {
		c.Selector.AgentCacheSize = 1024
	}
	if c.Selector.AgentCacheTTL == "" {
		c.Selector.AgentCacheTTL = "60s"
	}
	if c.Selector.ParamCacheSize == 0 {
		c.Selector.ParamCacheSize = 1024
	}
	if c.Selector.ParamCacheTTL == "" {
		c.Selector.ParamCacheTTL = "10s"
	}
	if c.Trainer.BatchSize == 0 {
		c.Trainer.BatchSize = 100
	}
	if c.Trainer.BlockMs == 0 {
		c.Trainer.BlockMs = 100
	}
	if c.Trainer.FlushInterval == "" {
		c.Trainer.FlushInterval = "5s"
	}
	if c.Trainer.ErrorBackoff == "" {
		c.Trainer.ErrorBackoff = "1s"
	}
	if c.Trainer.ReclaimIdleMs == 0 {
		c.Trainer.ReclaimIdleMs = 5000
	}
}

// Validate checks the configuration with struct tags plus the custom
// duration rule.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.RegisterValidation("duration", validateDuration); err != nil {
		return fmt.Errorf("register duration validator: %w", err)
	}
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func validateDuration(fl validator.FieldLevel) bool {
	_, err := time.ParseDuration(fl.Field().String())
	return err == nil
}

// Duration parses a validated duration field; it panics on a string that
// Validate would have rejected, so call Validate first.
func Duration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		panic(fmt.Sprintf("config duration %q: %v", s, err))
	}
	return d
}
