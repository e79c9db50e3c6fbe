package cmd

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/qbrix/qbrix/internal/adapter/inbound/httpapi"
	"github.com/qbrix/qbrix/internal/adapter/outbound/memory"
	"github.com/qbrix/qbrix/internal/adapter/outbound/motor"
	"github.com/qbrix/qbrix/internal/adapter/outbound/redisstore"
	"github.com/qbrix/qbrix/internal/adapter/outbound/sqlite"
	"github.com/qbrix/qbrix/internal/config"
	"github.com/qbrix/qbrix/internal/domain/bandit"
	"github.com/qbrix/qbrix/internal/domain/catalog"
	"github.com/qbrix/qbrix/internal/domain/feedback"
	"github.com/qbrix/qbrix/internal/domain/gate"
	"github.com/qbrix/qbrix/internal/domain/token"
	"github.com/qbrix/qbrix/internal/service"
)

var proxyCmd = &cobra.Command{
	Use:   "proxy",
	Short: "Start the public API tier",
	Long: `Start the proxy: experiment administration, arm selection, and
feedback intake on server.proxy_addr.

With kv.url set, snapshots and parameter states live in Redis and
feedback goes to the Redis stream, so motor and cortex tiers in other
processes see them. Without it everything is in-memory and the proxy
runs selection itself; feedback is only trainable in-process.

With server.motor_url set, selection calls are forwarded to a motor
tier; otherwise the selector runs in-process.`,
	RunE: runProxy,
}

func init() {
	rootCmd.AddCommand(proxyCmd)
}

func runProxy(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.Token.Secret == "" {
		return fmt.Errorf("token.secret is required for the proxy (set QBRIX_TOKEN_SECRET or token.secret)")
	}
	logger := newLogger(cfg.Server.LogLevel)

	ctx, stop := signalContext()
	defer stop()

	cat, err := sqlite.New(cfg.Catalog.DSN)
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}
	defer cat.Close()

	health := httpapi.NewHealthChecker(Version)
	health.AddCheck("catalog", cat)

	var (
		snapshots catalog.SnapshotStore
		params    bandit.ParamStore
		gateStore gate.ConfigStore
		publisher feedback.Publisher
	)
	if cfg.KV.URL != "" {
		opts, err := redis.ParseURL(cfg.KV.URL)
		if err != nil {
			return fmt.Errorf("parse kv.url: %w", err)
		}
		client := redis.NewClient(opts)
		defer client.Close()

		kv := redisstore.NewKV(client)
		if err := kv.Ping(ctx); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		snapshots, params, gateStore = kv, kv, kv
		publisher = redisstore.NewStreamPublisher(client, cfg.Stream.Name, cfg.Stream.MaxLen)
		health.AddCheck("redis", kv)
		logger.Info("kv store: redis", "stream", cfg.Stream.Name)
	} else {
		kv := memory.NewKV()
		snapshots, params, gateStore = kv, kv, kv
		publisher = memory.NewStream(int(cfg.Stream.MaxLen))
		logger.Warn("kv store: in-memory; state does not survive restarts and is invisible to other tiers")
	}

	registry := bandit.NewRegistry()
	gates := service.NewGateService(gateStore,
		cfg.Selector.AgentCacheSize, config.Duration(cfg.Selector.AgentCacheTTL), logger)

	var selector service.SelectorClient
	if cfg.Server.MotorURL != "" {
		selector = motor.NewClient(cfg.Server.MotorURL, 5*time.Second)
		logger.Info("selection tier: remote", "motor_url", cfg.Server.MotorURL)
	} else {
		selector = newSelectorService(cfg, snapshots, params, registry, logger)
		logger.Info("selection tier: in-process")
	}

	var maxAge time.Duration
	if cfg.Token.MaxAge != "" {
		maxAge = config.Duration(cfg.Token.MaxAge)
	}
	codec := token.NewCodec([]byte(cfg.Token.Secret), maxAge)

	proxySvc := service.NewProxyService(
		cat, snapshots, gateStore, params,
		gates, selector, publisher, codec, registry, logger,
	)

	reg := prometheus.NewRegistry()
	metrics := httpapi.NewMetrics(reg)
	keys := httpapi.NewKeychain(cfg.Auth.APIKeyHashes)
	if keys.Empty() {
		logger.Warn("admin API authentication disabled; set auth.api_key_hashes to enable")
	}
	handler := httpapi.NewProxyHandler(proxySvc, keys, metrics, logger)

	srv := httpapi.NewServer(cfg.Server.ProxyAddr, handler.Routes(), metrics, reg, health, logger)
	logger.Info("proxy starting",
		"version", Version,
		"addr", cfg.Server.ProxyAddr,
		"catalog_dsn", cfg.Catalog.DSN,
		"policies", len(registry.Names()),
		"admin_auth", !keys.Empty(),
	)
	return srv.Start(ctx)
}

// newSelectorService builds the selector from config; shared by the
// proxy's in-process mode and the motor command.
func newSelectorService(cfg *config.Config, snapshots catalog.SnapshotStore, params bandit.ParamStore, registry *bandit.Registry, logger *slog.Logger) *service.SelectorService {
	return service.NewSelectorService(snapshots, params, registry, service.SelectorCacheConfig{
		AgentSize: cfg.Selector.AgentCacheSize,
		AgentTTL:  config.Duration(cfg.Selector.AgentCacheTTL),
		ParamSize: cfg.Selector.ParamCacheSize,
		ParamTTL:  config.Duration(cfg.Selector.ParamCacheTTL),
	}, logger)
}
