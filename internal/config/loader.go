package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// InitViper points Viper at the configuration file and wires environment
// variables. With an empty configFile the standard locations are
// searched for qbrix.yaml/.yml; a missing file is not an error (defaults
// plus env vars still apply).
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		viper.SetConfigName("qbrix")
		viper.SetConfigType("yaml")
	}

	// QBRIX_SERVER_PROXY_ADDR overrides server.proxy_addr, and so on.
	viper.SetEnvPrefix("QBRIX")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for qbrix.yaml or .yml.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{".", filepath.Join(home, ".qbrix"), "/etc/qbrix"}
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "qbrix"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds nested keys so they can be overridden from the
// environment without a config file.
func bindNestedEnvKeys() {
	for _, key := range []string{
		"server.proxy_addr",
		"server.motor_addr",
		"server.cortex_addr",
		"server.motor_url",
		"server.log_level",
		"catalog.dsn",
		"kv.url",
		"stream.name",
		"stream.group",
		"stream.consumer",
		"stream.max_len",
		"token.secret",
		"token.max_age",
		"selector.agent_cache_size",
		"selector.agent_cache_ttl",
		"selector.param_cache_size",
		"selector.param_cache_ttl",
		"trainer.batch_size",
		"trainer.block_ms",
		"trainer.flush_interval",
		"trainer.error_backoff",
		"trainer.reclaim_idle_ms",
		"auth.api_key_hashes",
	} {
		_ = viper.BindEnv(key)
	}
}

// Load reads the configuration, applies defaults, and validates. Call
// InitViper first.
func Load() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
