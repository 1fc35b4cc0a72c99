package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"localventas/backend/internal/app"
	"localventas/backend/internal/config"
	"localventas/backend/internal/httpapi"
	"localventas/backend/internal/logging"
	"localventas/backend/internal/scheduler"
)

func main() {
	cfg := config.Load()
	logger := logging.New(logging.Options{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
	})
	log := logging.Module(logger, "server")

	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalf("invalid security configuration: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	a, err := app.Open(ctx, cfg, logger)
	if err != nil {
		cancel()
		log.Fatalf("startup failed: %v", err)
	}
	if err := a.SeedAdmin(ctx); err != nil {
		cancel()
		a.Close()
		log.Fatalf("admin bootstrap failed: %v", err)
	}
	cancel()

	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, a.Repo)
	api := httpapi.New(a.Service, auth, cfg.AllowedOrigin, a.Metrics, logging.Module(logger, "httpapi"))

	var jobs *scheduler.Scheduler
	if cfg.BackfillScheduleAt != "" {
		jobs, err = scheduler.New(a.Service, cfg.BackfillScheduleAt, cfg.Location(), logging.Module(logger, "scheduler"))
		if err != nil {
			a.Close()
			log.Fatalf("invalid BACKFILL_SCHEDULE_AT: %v", err)
		}
		jobs.Start()
	}

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Infof("POS backend listening on %s", cfg.Address())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if jobs != nil {
		jobs.Stop()
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("shutdown error")
	}
	a.Close()

	log.Info("server stopped")
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.AllowedOrigin == "*" {
		return fmt.Errorf("ALLOWED_ORIGIN must name a single origin, not *")
	}
	return nil
}
