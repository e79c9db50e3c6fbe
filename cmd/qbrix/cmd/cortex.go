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
	"github.com/qbrix/qbrix/internal/service"
)

var cortexCmd = &cobra.Command{
	Use:   "cortex",
	Short: "Start the training tier",
	Long: `Start the cortex: the feedback-training tier on
server.cortex_addr.

The cortex joins the stream.group consumer group as stream.consumer,
folds feedback events into parameter states, and serves the internal
flush and stats endpoints. Run one consumer name per process; pending
events from a crashed run are reclaimed at startup.`,
	RunE: runCortex,
}

func init() {
	rootCmd.AddCommand(cortexCmd)
}

func runCortex(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.KV.URL == "" {
		return fmt.Errorf("kv.url is required for the cortex (the feedback stream lives in Redis)")
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
	consumer, err := redisstore.NewStreamConsumer(ctx, client,
		cfg.Stream.Name, cfg.Stream.Group, cfg.Stream.Consumer)
	if err != nil {
		return err
	}

	trainer := service.NewTrainerService(consumer, kv, kv, bandit.NewRegistry(), service.TrainerConfig{
		BatchSize:     cfg.Trainer.BatchSize,
		BlockMs:       cfg.Trainer.BlockMs,
		FlushInterval: config.Duration(cfg.Trainer.FlushInterval),
		ErrorBackoff:  config.Duration(cfg.Trainer.ErrorBackoff),
		ReclaimIdleMs: cfg.Trainer.ReclaimIdleMs,
	}, logger)
	handler := httpapi.NewCortexHandler(trainer, logger)

	reg := prometheus.NewRegistry()
	metrics := httpapi.NewMetrics(reg)
	registerTrainerMetrics(reg, trainer)
	health := httpapi.NewHealthChecker(Version)
	health.AddCheck("redis", kv)

	srv := httpapi.NewServer(cfg.Server.CortexAddr, handler.Routes(), metrics, reg, health, logger)
	logger.Info("cortex starting",
		"version", Version,
		"addr", cfg.Server.CortexAddr,
		"stream", cfg.Stream.Name,
		"group", cfg.Stream.Group,
		"consumer", cfg.Stream.Consumer,
		"batch_size", cfg.Trainer.BatchSize,
	)

	trainerErr := make(chan error, 1)
	go func() { trainerErr <- trainer.Run(ctx) }()

	if err := srv.Start(ctx); err != nil {
		return err
	}
	// Run returns after its shutdown flush; wait so buffered events land.
	if err := <-trainerErr; err != nil {
		return fmt.Errorf("trainer: %w", err)
	}
	return nil
}

// registerTrainerMetrics exposes the training ledger as counters.
func registerTrainerMetrics(reg prometheus.Registerer, trainer *service.TrainerService) {
	reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "qbrix",
		Name:      "trained_events_total",
		Help:      "Total feedback events folded into parameter states",
	}, func() float64 {
		var total int64
		for _, s := range trainer.Stats("") {
			total += s.Total
		}
		return float64(total)
	}))
	reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "qbrix",
		Name:      "unknown_experiment_events_total",
		Help:      "Total feedback events dropped for unknown experiments",
	}, func() float64 {
		return float64(trainer.UnknownEventCount())
	}))
}
