package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ferrepos/backend/internal/approval"
	"ferrepos/backend/internal/cache"
	"ferrepos/backend/internal/config"
	"ferrepos/backend/internal/httpapi"
	"ferrepos/backend/internal/invoice"
	"ferrepos/backend/internal/logger"
	"ferrepos/backend/internal/metrics"
	"ferrepos/backend/internal/service"
	"ferrepos/backend/internal/store"
	"ferrepos/backend/internal/store/memory"
	pgstore "ferrepos/backend/internal/store/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(logger.Config{Level: cfg.LogLevel, Development: cfg.LogDevelopment})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalw("invalid security configuration", "error", err)
	}
	metrics.Init()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ctx = logger.WithLogger(ctx, log)

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalw("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback", "error", err)
		}
		if err := pg.Migrate(ctx); err != nil {
			log.Fatalw("postgres migration failed", "error", err)
		}
		repo = pg
		closers = append(closers, pg.Close)
		log.Infow("repository ready", "backend", "postgres")
	} else {
		repo = memory.NewSeeded()
		log.Infow("repository ready", "backend", "memory")
	}

	var grants cache.GrantStore = cache.NewMemoryGrantStore()
	if cfg.RedisAddr != "" {
		redisGrants := cache.NewRedisGrantStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisGrants.Ping(ctx); err != nil {
			// Grants then live in this process only; fine for a single instance.
			log.Warnw("redis unavailable, approval grants kept in memory", "error", err)
			_ = redisGrants.Close()
		} else {
			grants = redisGrants
			closers = append(closers, redisGrants.Close)
			log.Infow("approval grants ready", "backend", "redis")
		}
	}

	auth := httpapi.NewAuthManager(cfg.AuthSecret, cfg.AccessTokenTTL(), repo)
	if cfg.BootstrapAdminEmail != "" {
		created, err := auth.EnsureAdmin(ctx, cfg.BootstrapAdminEmail, cfg.BootstrapAdminPassword)
		if err != nil {
			log.Fatalw("bootstrap admin failed", "error", err)
		}
		if created {
			log.Infow("bootstrap admin created", "email", cfg.BootstrapAdminEmail)
		}
	}

	svcOpts, err := serviceOptions(cfg)
	if err != nil {
		log.Fatalw("invalid service configuration", "error", err)
	}
	gate := approval.NewGate(auth, grants, cfg.AuthSecret, cfg.ApprovalTokenTTL())
	svc := service.New(repo, gate, svcOpts)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin, log).WithCredentialApproval(cfg.CredentialApproval)
	if !cfg.CredentialApproval {
		log.Infow("credential approval disabled", "approve_via", "admin session")
	}

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Infow("ferrepos backend listening", "addr", cfg.Address())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalw("server error", "error", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorw("shutdown error", "error", err)
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Errorw("close error", "error", err)
		}
	}

	log.Infow("server stopped")
}

func serviceOptions(cfg config.Config) (service.Options, error) {
	rate, err := cfg.TaxRateDecimal()
	if err != nil {
		return service.Options{}, err
	}
	warn, critical, err := cfg.VarianceThresholds()
	if err != nil {
		return service.Options{}, err
	}
	return service.Options{
		TaxRate:                 rate,
		Numberer:                invoice.NewNumberer(cfg.InvoicePrefix),
		InvoiceMaxAttempts:      cfg.InvoiceMaxAttempts,
		VarianceWarnPercent:     warn,
		VarianceCriticalPercent: critical,
		StoreTimeout:            cfg.StoreTimeout(),
	}, nil
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.BootstrapAdminEmail != "" && len(cfg.BootstrapAdminPassword) < 12 {
		return fmt.Errorf("BOOTSTRAP_ADMIN_PASSWORD must be at least 12 characters")
	}
	return nil
}
