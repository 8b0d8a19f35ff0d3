package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vireohealth/fhirvault/internal/api"
	"github.com/vireohealth/fhirvault/internal/auth"
	"github.com/vireohealth/fhirvault/internal/config"
	"github.com/vireohealth/fhirvault/internal/obs"
	"github.com/vireohealth/fhirvault/internal/repository/postgres"
	"github.com/vireohealth/fhirvault/internal/search"
	"github.com/vireohealth/fhirvault/internal/service"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(log)

	if err := run(log); err != nil {
		log.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger) error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log.Info("starting fhirvault",
		"listen", cfg.ListenAddr(),
		"db_host", cfg.DB.Host,
		"audit_retention", cfg.Audit.Retention,
	)

	obs.Init()

	// Run migrations
	log.Info("running database migrations")
	if err := postgres.RunMigrations(cfg.DB.DSN()); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	log.Info("migrations completed")

	// Database connection pool
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.DB.DSN())
	if err != nil {
		return fmt.Errorf("connect db: %w", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping db: %w", err)
	}
	log.Info("database connected")

	// Repositories
	resourceRepo := postgres.NewResourceRepo(pool)
	historyRepo := postgres.NewHistoryRepo(pool)
	auditRepo := postgres.NewAuditRepo(pool)

	// Services
	auditSvc := service.NewAuditService(auditRepo, historyRepo, log, cfg.Audit.QueueSize, cfg.Audit.Workers)
	defer auditSvc.Close()

	compiler := search.NewCompiler(search.DefaultParamMap(), log)
	resourceSvc := service.NewResourceService(resourceRepo, historyRepo, auditSvc, compiler, log)
	bundleSvc := service.NewBundleService(resourceRepo, resourceSvc, auditSvc, log, cfg.Bundle.ChunkSize, cfg.Bundle.TypeChunkSizes)

	// Retention sweeper
	retentionSvc := service.NewRetentionService(auditRepo, log, cfg.Audit.Retention, cfg.Audit.SweepBatch)
	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go retentionSvc.StartScheduler(sweepCtx, cfg.Audit.SweepInterval)

	// Auth
	jwtMgr := auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.JWTExpiry)

	// Router
	router := api.NewRouter(api.RouterDeps{
		ResourceSvc: resourceSvc,
		BundleSvc:   bundleSvc,
		AuditSvc:    auditSvc,
		JWTManager:  jwtMgr,
		Config:      cfg,
		Logger:      log,
	})

	// HTTP Server
	srv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", cfg.ListenAddr())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info("shutting down", "signal", sig)
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	log.Info("server stopped")
	return nil
}
