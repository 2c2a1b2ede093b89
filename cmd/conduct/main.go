package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rendis/conduct/internal/cleanup"
	"github.com/rendis/conduct/internal/engine"
	"github.com/rendis/conduct/internal/logging"
	"github.com/rendis/conduct/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "conduct:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return err
	}
	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := st.Migrate(ctx); err != nil {
		return err
	}

	eng := engine.New(st, engine.Config{
		PoolSize:      cfg.PoolSize,
		SweepInterval: cfg.sweepInterval(),
		Retention: cleanup.RetentionConfig{
			Schedule: cfg.RetentionSchedule,
			TTL:      cfg.retentionTTL(),
		},
	}, logger)
	if err := eng.Start(ctx); err != nil {
		return err
	}
	logger.Info("conduct engine started", "db_path", cfg.DBPath, "pool_size", cfg.PoolSize)

	<-ctx.Done()
	logger.Info("shutting down")
	eng.Stop()
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}
