// Package main provides the scopebridge ingest server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kamilpajak/scopebridge/internal/config"
	"github.com/kamilpajak/scopebridge/internal/console"
	"github.com/kamilpajak/scopebridge/internal/database"
	"github.com/kamilpajak/scopebridge/internal/listener"
	"github.com/kamilpajak/scopebridge/internal/logging"
	"github.com/kamilpajak/scopebridge/internal/orangebeard"
	"github.com/kamilpajak/scopebridge/internal/report"
	"github.com/kamilpajak/scopebridge/internal/server"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Config file")
		addr        = flag.String("addr", "", "Listen address (overrides server.addr)")
		migrateOnly = flag.Bool("migrate", false, "Run database migrations and exit")
		migrateDown = flag.Bool("migrate-down", false, "Roll back all database migrations and exit")
	)
	flag.Parse()

	if err := run(*configPath, *addr, *migrateOnly, *migrateDown); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, addr string, migrateOnly, migrateDown bool) error {
	cfg, err := config.Load(configPath, os.Environ(), nil)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}

	logger, closeLog, err := logging.FromConfig(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	defer func() { _ = closeLog() }()

	if migrateOnly || migrateDown {
		if cfg.Database.URL == "" {
			return fmt.Errorf("database.url is required")
		}
	}
	if migrateDown {
		logger.Info("rolling back database migrations")
		if err := database.MigrateDown(cfg.Database.URL); err != nil {
			return fmt.Errorf("rollback failed: %w", err)
		}
		logger.Info("rollback complete")
		return nil
	}
	if migrateOnly {
		logger.Info("running database migrations")
		if err := database.Migrate(cfg.Database.URL); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		logger.Info("migrations complete")
		return nil
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx := context.Background()
	var reporter report.Reporter
	switch cfg.Sink {
	case config.SinkPostgres:
		db, err := database.Open(ctx, cfg.Database.URL)
		if err != nil {
			return err
		}
		defer db.Close()
		reporter = db
	case config.SinkConsole:
		reporter = console.New(os.Stdout)
	default:
		reporter = orangebeard.FromConfig(cfg.Orangebeard)
	}

	opts := listener.OptionsFromConfig(cfg)
	opts.Logger = logger
	srv := server.New(reporter, opts)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", cfg.Server.Addr, "sink", cfg.Sink)
		errCh <- srv.Start(cfg.Server.Addr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case <-quit:
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info("server stopped")
	return nil
}
