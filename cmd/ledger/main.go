package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	root := &cobra.Command{
		Use:          "ledger",
		Short:        "Uniswap V3 position ledger sync and reconciliation",
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "config file path")
	flags.String("pg-dsn", "", "Postgres DSN")
	flags.String("redis-addr", "", "redis address for APR refresh triggers (empty logs triggers only)")
	flags.String("redis-channel", "ledger:apr.refresh", "redis channel for APR refresh triggers")
	flags.String("metrics-addr", "", "listen address for /metrics (empty disables)")
	flags.Int("workers", 4, "concurrent position refreshes")
	flags.Duration("cache-ttl", 15*time.Second, "serve positions refreshed within this window from storage")
	flags.Duration("new-position-grace", 5*time.Second, "never serve positions younger than this from cache")
	flags.Int("max-retries", 5, "maximum RPC retry attempts")
	flags.Duration("retry-backoff", 500*time.Millisecond, "initial RPC retry backoff")
	flags.Uint64("batch-size", 2000, "blocks per eth_getLogs request")
	flags.Bool("archive-checkpoints", false, "record per-event fee growth checkpoints (requires archive RPC)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply database migrations",
			RunE:  runMigrate,
		},
		trackCommand(),
		syncCommand(),
		refreshCommand(),
		reportCommand(),
		watchCommand(),
		exportCommand(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}

func redactDSN(dsn string) string {
	if dsn == "" {
		return dsn
	}
	return "***"
}
