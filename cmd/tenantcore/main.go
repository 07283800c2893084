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

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"github.com/tenantcore/tenantcore/internal/app"
	"github.com/tenantcore/tenantcore/internal/audit"
	"github.com/tenantcore/tenantcore/internal/config"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "admin" {
		os.Exit(runAdmin(os.Args[2:]))
	}

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	application, err := app.New(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize application: %v\n", err)
		os.Exit(1)
	}

	scheduler, err := setupSweeps(cfg, application)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to setup background sweeps: %v\n", err)
		os.Exit(1)
	}
	scheduler.Start()
	defer scheduler.Stop()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- application.Start()
	}()

	select {
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Server error")
			os.Exit(1)
		}
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := application.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Shutdown failed")
			os.Exit(1)
		}
	}
}

// setupSweeps schedules the invite expiry sweep and audit log retention.
// Reads lazy-expire invites already; the sweep keeps listings and metrics
// honest between reads.
func setupSweeps(cfg *config.Config, application *app.App) (*cron.Cron, error) {
	c := cron.New(cron.WithLocation(time.UTC))

	inviteSchedule := "*/10 * * * *"
	retentionSchedule := "0 3 * * *"
	if cfg.IsDev() {
		inviteSchedule = "* * * * *"
		retentionSchedule = "* * * * *"
	}

	_, err := c.AddFunc(inviteSchedule, func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Msg("Invite expiry sweep panicked")
			}
		}()

		if _, err := application.Orgs.ExpireInvites(context.Background()); err != nil {
			log.Error().Err(err).Msg("Invite expiry sweep failed")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to schedule invite expiry sweep: %w", err)
	}

	_, err = c.AddFunc(retentionSchedule, func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Msg("Audit retention job panicked")
			}
		}()

		ctx := context.Background()
		deleted, err := audit.DeleteOldEvents(ctx, application.DB, cfg.AuditRetentionDays)
		if err != nil {
			log.Error().Err(err).Msg("Audit retention job failed")
			return
		}
		if deleted > 0 {
			log.Info().Int64("deleted", deleted).Msg("Audit retention removed old events")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to schedule audit retention job: %w", err)
	}

	return c, nil
}
