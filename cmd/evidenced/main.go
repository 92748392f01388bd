// evidenced is the evidence approval workflow server.
package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/accredo/evidence-backend/pkg/api"
	"github.com/accredo/evidence-backend/pkg/audit"
	"github.com/accredo/evidence-backend/pkg/auth"
	"github.com/accredo/evidence-backend/pkg/config"
	"github.com/accredo/evidence-backend/pkg/credentials"
	"github.com/accredo/evidence-backend/pkg/files"
	"github.com/accredo/evidence-backend/pkg/identity"
	"github.com/accredo/evidence-backend/pkg/kms"
	"github.com/accredo/evidence-backend/pkg/ratelimit"
	"github.com/accredo/evidence-backend/pkg/signing"
	"github.com/accredo/evidence-backend/pkg/store"
	"github.com/accredo/evidence-backend/pkg/workflow"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := config.Load()
	profile, err := config.LoadProfile(cfg.ProfilePath)
	if err != nil {
		logger.Error("loading accreditation profile", "error", err)
		os.Exit(1)
	}

	postgres := cfg.DatabaseDriver == "postgres"
	driver := "sqlite"
	if postgres {
		driver = "postgres"
	}
	db, err := sql.Open(driver, cfg.DatabaseURL)
	if err != nil {
		logger.Error("opening database", "driver", driver, "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	var evidenceStore workflow.Store
	if postgres {
		evidenceStore, err = store.NewPostgresStore(db)
	} else {
		evidenceStore, err = store.NewSQLiteStore(db)
	}
	if err != nil {
		logger.Error("migrating evidence store", "error", err)
		os.Exit(1)
	}

	fileRepo, err := files.NewSQLRepository(db, postgres)
	if err != nil {
		logger.Error("migrating file repository", "error", err)
		os.Exit(1)
	}
	resolver, err := identity.NewSQLResolver(db, postgres)
	if err != nil {
		logger.Error("migrating identity resolver", "error", err)
		os.Exit(1)
	}

	trail, err := audit.NewStoreLogger(db, postgres)
	if err != nil {
		logger.Error("migrating audit store", "error", err)
		os.Exit(1)
	}
	auditLog := audit.Fanout{audit.NewWriterLogger(os.Stdout), trail}

	keystore, err := kms.Open(cfg.KeystorePath)
	if err != nil {
		logger.Error("opening keystore", "error", err)
		os.Exit(1)
	}
	credStore, err := credentials.NewStore(db, keystore, postgres)
	if err != nil {
		logger.Error("migrating credential store", "error", err)
		os.Exit(1)
	}
	provider := signing.NewLocalProvider(credStore)

	machine := workflow.NewMachine(workflow.WithPlacementMIMETypes(profile.PlacementMIMETypes))
	svc := workflow.NewService(evidenceStore, fileRepo, resolver, auditLog, machine, logger)
	proc := workflow.NewProcessor(evidenceStore, fileRepo, credStore, provider, auditLog, machine, logger)
	queries := workflow.NewQueryService(evidenceStore, fileRepo, machine)

	var limiter ratelimit.Limiter
	if cfg.RedisAddr != "" {
		limiter = ratelimit.NewRedisLimiter(cfg.RedisAddr, cfg.RedisPassword, 0, profile.SigningRPM, cfg.SigningBurst)
		logger.Info("signing rate limiter: redis", "addr", cfg.RedisAddr)
	} else {
		limiter = ratelimit.NewLocalLimiter(profile.SigningRPM, cfg.SigningBurst)
		logger.Info("signing rate limiter: in-process")
	}

	var validator *auth.Validator
	if cfg.JWTSecret != "" {
		validator, err = auth.NewValidator([]byte(cfg.JWTSecret))
		if err != nil {
			logger.Error("configuring auth", "error", err)
			os.Exit(1)
		}
	} else {
		logger.Warn("JWT_SECRET unset, all API requests will be rejected")
	}

	server := api.NewServer(svc, proc, queries, credStore, trail, limiter, validator, profile.AdminRoles, logger)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("listening", "port", cfg.Port, "profile", profile.Name)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("shutdown", "error", err)
	}
}
