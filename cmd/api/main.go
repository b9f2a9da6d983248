package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"quillpress.org/internal/articles"
	"quillpress.org/internal/audit"
	"quillpress.org/internal/auth"
	"quillpress.org/internal/config"
	"quillpress.org/internal/httpapi"
	"quillpress.org/internal/mail"
	"quillpress.org/internal/obs"
	"quillpress.org/internal/store"
)

const sweepInterval = 10 * time.Minute

func main() {
	configPath := flag.String("config", os.Getenv("QUILL_CONFIG"), "path to a YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "quillpress-api: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := obs.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	auditLog := audit.New(logger)
	if cfg.AuditLogPath != "" {
		auditLog, err = audit.NewRotating(audit.RotatingConfig{Path: cfg.AuditLogPath, MaxBackups: 10, MaxAgeDays: 90, Compress: true})
		if err != nil {
			return err
		}
	}
	defer func() { _ = auditLog.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := store.Open(ctx, store.Options{
		Driver:  cfg.StorageDriver,
		DSN:     cfg.DatabaseDSN,
		Migrate: true,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	defer func() { _ = backend.Close() }()

	metrics := obs.NewMetrics()
	metrics.SetBuildInfo(obs.Version, obs.Commit)

	key, err := cfg.HashKeyBytes()
	if err != nil {
		return err
	}
	hasher, err := auth.NewHasher(key, cfg.BcryptCost)
	if err != nil {
		return err
	}
	issuer, err := auth.NewIssuer([]byte(cfg.JWTSecret),
		auth.WithIssuerName(cfg.JWTIssuer),
		auth.WithAccessTTL(cfg.AccessTTL),
		auth.WithRefreshTTL(cfg.RefreshTTL),
	)
	if err != nil {
		return err
	}
	revocations := auth.NewRevocations(backend.Auth, issuer)

	authSvc, err := auth.NewService(backend.Auth, hasher, issuer, revocations,
		auth.WithMailer(mail.NewLogSender(logger)),
		auth.WithAuditLogger(auditLog),
		auth.WithLogger(logger),
		auth.WithResetTTL(cfg.ResetTokenTTL),
		auth.WithResetURL(cfg.ResetURL),
	)
	if err != nil {
		return err
	}
	guard := auth.NewGuard(backend.Auth, issuer, revocations,
		auth.WithGuardLogger(logger),
		auth.WithDecisionObserver(metrics),
	)
	articleSvc, err := articles.NewService(backend.Articles,
		articles.WithAudit(auditLog),
		articles.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	if cfg.SeedAdminEmail != "" {
		admin, err := authSvc.EnsureAdmin(ctx, cfg.SeedAdminEmail, cfg.SeedAdminPass)
		if err != nil {
			return fmt.Errorf("seed admin: %w", err)
		}
		logger.Info("admin account ready", zap.String("actor_id", admin.ID))
	}

	ready := httpapi.ReadyProbe{Store: backend}
	api, err := httpapi.New(httpapi.Deps{
		Auth:           authSvc,
		Guard:          guard,
		Articles:       articleSvc,
		Metrics:        metrics,
		Logger:         logger,
		Ready:          ready,
		Version:        obs.Version,
		AllowedOrigins: cfg.AllowedOrigins,
		TrustedProxies: cfg.TrustedProxies,
		RatePerSec:     cfg.RateLimitPerSec,
		RateBurst:      cfg.RateLimitBurst,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	grpcServer := grpc.NewServer()
	httpapi.NewGRPCServer(ready, logger).Register(grpcServer)

	errCh := make(chan error, 2)
	go func() {
		logger.Info("http listening", zap.String("addr", srv.Addr), zap.String("version", obs.Version), zap.String("storage", backend.Driver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		go func() {
			logger.Info("grpc listening", zap.String("addr", cfg.GRPCAddr))
			if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errCh <- fmt.Errorf("grpc: %w", err)
			}
		}()
	}
	go sweepRevocations(ctx, revocations, metrics, logger)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		logger.Error("server failed", zap.Error(err))
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	grpcServer.GracefulStop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	logger.Info("stopped")
	return nil
}

// sweepRevocations purges denylist entries whose tokens have expired.
func sweepRevocations(ctx context.Context, revocations *auth.Revocations, metrics *obs.Metrics, logger *zap.Logger) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := revocations.Sweep(ctx)
			if err != nil {
				logger.Warn("revocation sweep failed", zap.Error(err))
				continue
			}
			metrics.ObservePurged(n)
			if n > 0 {
				logger.Info("revocations purged", zap.Int64("count", n))
			}
		}
	}
}
