// Package cmd provides the CLI commands for qbrix.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/qbrix/qbrix/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "qbrix",
	Short: "qbrix - multi-armed bandit serving platform",
	Long: `qbrix serves adaptive A/B experiments backed by a family of
multi-armed bandit policies.

The platform runs as three tiers, each its own command:

  proxy    Public API: experiment administration, arm selection,
           and feedback intake.
  motor    Internal selection tier: draws arms from cached
           parameter states.
  cortex   Training tier: folds the feedback stream into
           parameter states.

All three can run against a shared Redis; the proxy can also run
standalone with in-memory stores for development.

Configuration:
  Config is loaded from qbrix.yaml in the current directory,
  $HOME/.qbrix/, or /etc/qbrix/.

  Environment variables override config values with the QBRIX_ prefix.
  Example: QBRIX_SERVER_PROXY_ADDR=0.0.0.0:8080`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./qbrix.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}

// newLogger builds the process logger from the configured level.
// Unrecognized values fall back to info.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn", "warning":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

// signalContext returns a context cancelled on SIGINT/SIGTERM. stop()
// restores default handling so a second Ctrl+C is an immediate exit.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		stop()
	}()
	return ctx, stop
}
