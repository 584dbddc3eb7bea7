// Command tally-sync is the reference sync server for tally devices.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/marcus/tally/internal/api"
	"github.com/marcus/tally/internal/logging"
	"github.com/marcus/tally/internal/serverdb"
)

func main() {
	cfg := api.LoadConfig()

	logger, closer := logging.New(logging.Options{
		Format: cfg.LogFormat,
		Level:  cfg.LogLevel,
		File:   cfg.LogFile,
	})
	defer closer.Close()
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("tally-sync", "err", err)
		closer.Close()
		os.Exit(1)
	}
}

func run(cfg api.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := serverdb.Open(ctx, cfg.ServerDBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	srv, err := api.NewServer(cfg, store, logger)
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}
	logger.Info("server started", "addr", srv.Addr(), "tenants", cfg.TenantDataDir, "auth", cfg.APIKey != "")

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
