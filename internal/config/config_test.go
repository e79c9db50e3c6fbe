package config

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func validConfig() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	cfg.Token.Secret = "0123456789abcdef0123456789abcdef"
	return cfg
}

func TestSetDefaults(t *testing.T) {
	t.Parallel()

	cfg := &Config{}
	cfg.SetDefaults()

	if cfg.Server.ProxyAddr != "127.0.0.1:8080" {
		t.Errorf("ProxyAddr = %q", cfg.Server.ProxyAddr)
	}
	if cfg.Server.MotorAddr != "127.0.0.1:8081" {
		t.Errorf("MotorAddr = %q", cfg.Server.MotorAddr)
	}
	if cfg.Server.CortexAddr != "127.0.0.1:8082" {
		t.Errorf("CortexAddr = %q", cfg.Server.CortexAddr)
	}
	if cfg.Server.LogLevel != "info" {
		t.Errorf("LogLevel = %q", cfg.Server.LogLevel)
	}
	if cfg.Stream.Name != "qbrix:feedback" || cfg.Stream.Group != "trainer" {
		t.Errorf("Stream = %+v", cfg.Stream)
	}
	if cfg.Token.Secret != "" {
		t.Errorf("Token.Secret defaulted to %q, want empty", cfg.Token.Secret)
	}
	if cfg.Selector.AgentCacheSize != 1024 || cfg.Selector.ParamCacheTTL != "10s" {
		t.Errorf("Selector = %+v", cfg.Selector)
	}
	if cfg.Trainer.BatchSize != 100 || cfg.Trainer.FlushInterval != "5s" {
		t.Errorf("Trainer = %+v", cfg.Trainer)
	}
	if cfg.Trainer.ReclaimIdleMs != 5000 {
		t.Errorf("ReclaimIdleMs = %d", cfg.Trainer.ReclaimIdleMs)
	}
}

// Uses the global viper instance and process env, so no t.Parallel.
func TestLoadEnvOverrides(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	t.Setenv("QBRIX_SERVER_PROXY_ADDR", "0.0.0.0:9999")
	t.Setenv("QBRIX_TOKEN_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("QBRIX_AUTH_API_KEY_HASHES", "hash-one,hash-two")

	InitViper("")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.ProxyAddr != "0.0.0.0:9999" {
		t.Errorf("ProxyAddr = %q", cfg.Server.ProxyAddr)
	}
	if cfg.Token.Secret != "0123456789abcdef0123456789abcdef" {
		t.Errorf("Token.Secret = %q", cfg.Token.Secret)
	}
	if len(cfg.Auth.APIKeyHashes) != 2 || cfg.Auth.APIKeyHashes[0] != "hash-one" || cfg.Auth.APIKeyHashes[1] != "hash-two" {
		t.Errorf("APIKeyHashes = %v", cfg.Auth.APIKeyHashes)
	}
}

func TestSetDefaultsPreservesExplicitValues(t *testing.T) {
	t.Parallel()

	cfg := &Config{}
	cfg.Server.ProxyAddr = "0.0.0.0:9090"
	cfg.Trainer.BatchSize = 7
	cfg.SetDefaults()

	if cfg.Server.ProxyAddr != "0.0.0.0:9090" {
		t.Errorf("ProxyAddr = %q", cfg.Server.ProxyAddr)
	}
	if cfg.Trainer.BatchSize != 7 {
		t.Errorf("BatchSize = %d", cfg.Trainer.BatchSize)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:   "defaults with secret",
			mutate: func(*Config) {},
		},
		{
			name:   "empty secret allowed for non-proxy tiers",
			mutate: func(c *Config) { c.Token.Secret = "" },
		},
		{
			name:    "short secret",
			mutate:  func(c *Config) { c.Token.Secret = "tooshort" },
			wantErr: true,
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Server.LogLevel = "verbose" },
			wantErr: true,
		},
		{
			name:    "bad listen address",
			mutate:  func(c *Config) { c.Server.ProxyAddr = "not an address" },
			wantErr: true,
		},
		{
			name:    "malformed duration",
			mutate:  func(c *Config) { c.Trainer.FlushInterval = "5 seconds" },
			wantErr: true,
		},
		{
			name:    "malformed token max age",
			mutate:  func(c *Config) { c.Token.MaxAge = "always" },
			wantErr: true,
		},
		{
			name:    "zero batch size",
			mutate:  func(c *Config) { c.Trainer.BatchSize = -1 },
			wantErr: true,
		},
		{
			name:    "missing stream group",
			mutate:  func(c *Config) { c.Stream.Group = "" },
			wantErr: true,
		},
		{
			name:   "redis kv url",
			mutate: func(c *Config) { c.KV.URL = "redis://127.0.0.1:6379/0" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDuration(t *testing.T) {
	t.Parallel()

	if got := Duration("1m30s"); got != 90*time.Second {
		t.Errorf("Duration(1m30s) = %v", got)
	}

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("Duration(bogus) did not panic")
		}
		if !strings.Contains(r.(string), "bogus") {
			t.Errorf("panic = %v", r)
		}
	}()
	Duration("bogus")
}
