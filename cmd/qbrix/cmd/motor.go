package cmd

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/qbrix/qbrix/internal/adapter/inbound/httpapi"
	"github.com/qbrix/qbrix/internal/adapter/outbound/redisstore"
	"github.com/qbrix/qbrix/internal/config"
	"github.com/qbrix/qbrix/internal/domain/bandit"
)

var motorCmd = &cobra.Command{
	Use:   "motor",
	Short: "Start the selection tier",
	Long: `Start the motor: the internal arm-selection tier on
server.motor_addr.

The motor reads experiment snapshots and parameter states from Redis
through a two-level cache and serves POST /internal/v1/select for the
proxy. It binds on a private address; it has no authentication of its
own.`,
	RunE: runMotor,
}

func init() {
	rootCmd.AddCommand(motorCmd)
}

func runMotor(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.KV.URL == "" {
		return fmt.Errorf("kv.url is required for the motor (a standalone motor needs shared state)")
	}
	logger := newLogger(cfg.Server.LogLevel)

	ctx, stop := signalContext()
	defer stop()

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

	registry := bandit.NewRegistry()
	selector := newSelectorService(cfg, kv, kv, registry, logger)
	handler := httpapi.NewMotorHandler(selector, logger)

	reg := prometheus.NewRegistry()
	metrics := httpapi.NewMetrics(reg)
	health := httpapi.NewHealthChecker(Version)
	health.AddCheck("redis", kv)

	srv := httpapi.NewServer(cfg.Server.MotorAddr, handler.Routes(), metrics, reg, health, logger)
	logger.Info("motor starting",
		"version", Version,
		"addr", cfg.Server.MotorAddr,
		"agent_cache", cfg.Selector.AgentCacheSize,
		"param_cache", cfg.Selector.ParamCacheSize,
	)
	return srv.Start(ctx)
}
