// Command revocation-sweep purges revoked-token entries whose tokens have
// expired. It is meant to run from cron against a SQL backend.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"quillpress.org/internal/auth"
	"quillpress.org/internal/config"
	"quillpress.org/internal/obs"
	"quillpress.org/internal/store"
)

func main() {
	configPath := flag.String("config", os.Getenv("QUILL_CONFIG"), "path to a YAML config file")
	timeout := flag.Duration("timeout", time.Minute, "overall deadline")
	flag.Parse()

	if err := run(*configPath, *timeout); err != nil {
		fmt.Fprintf(os.Stderr, "revocation-sweep: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, timeout time.Duration) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.StorageDriver == config.StorageMemory {
		return fmt.Errorf("nothing to sweep: storage driver is %q", cfg.StorageDriver)
	}

	logger, err := obs.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	backend, err := store.Open(ctx, store.Options{Driver: cfg.StorageDriver, DSN: cfg.DatabaseDSN, Logger: logger})
	if err != nil {
		return err
	}
	defer func() { _ = backend.Close() }()

	issuer, err := auth.NewIssuer([]byte(cfg.JWTSecret),
		auth.WithIssuerName(cfg.JWTIssuer),
		auth.WithAccessTTL(cfg.AccessTTL),
		auth.WithRefreshTTL(cfg.RefreshTTL),
	)
	if err != nil {
		return err
	}

	start := time.Now()
	n, err := auth.NewRevocations(backend.Auth, issuer).Sweep(ctx)
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	logger.Info("revocation sweep complete",
		zap.Int64("purged", n),
		zap.Duration("took", time.Since(start)),
		zap.String("storage", backend.Driver),
	)
	return nil
}
