package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/example/airport-pooling/internal/app"
	"github.com/example/airport-pooling/internal/config"
	httpapi "github.com/example/airport-pooling/internal/http"
	"github.com/example/airport-pooling/internal/logging"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.NewLogger("pooling-api", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	a, err := app.New(ctx, cfg.Backend, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if cfg.RunMigrations {
		if err := migrate(ctx, a, cfg.MigrationsDir, logger); err != nil {
			return err
		}
	}

	srv := httpapi.NewServer(a, httpapi.Options{RideCacheTTL: cfg.RideCacheTTL, AdminToken: cfg.AdminToken}, logger)
	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("pooling api listening", "addr", cfg.HTTPAddr, "embedded_workers", cfg.EmbeddedWorkers)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		return httpSrv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		srv.RunCacheSweeper(ctx)
		return nil
	})
	if cfg.EmbeddedWorkers {
		g.Go(func() error { return a.Orchestrator.Run(ctx) })
	}
	return g.Wait()
}

// migrate applies the schema when rides are stored in Postgres.
func migrate(ctx context.Context, a *app.App, dir string, logger *slog.Logger) error {
	if a.Postgres == nil {
		logger.Warn("MIGRATE set without PG_DSN, skipping")
		return nil
	}
	b, err := os.ReadFile(filepath.Join(dir, "001_create_rides.sql"))
	if err != nil {
		return fmt.Errorf("read migration: %w", err)
	}
	if err := a.Postgres.ApplyMigration(ctx, string(b)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	logger.Info("migration applied", "file", "001_create_rides.sql")
	return nil
}
