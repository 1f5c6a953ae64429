// Package app runs the long-lived components of projectlog (HTTP server, scheduler and
// exporter) under one lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Runner is a component that runs until its context ends.
type Runner interface {
	Run(ctx context.Context) error
}

// App orchestrates the components' lifecycle.
type App struct {
	logger    *slog.Logger
	server    Runner
	scheduler *Scheduler
	exporter  Runner
}

// New creates an App. scheduler and exporter may be nil.
func New(logger *slog.Logger, server Runner, scheduler *Scheduler, exporter Runner) *App {
	return &App{
		logger:    logger.With("component", "app"),
		server:    server,
		scheduler: scheduler,
		exporter:  exporter,
	}
}

// Run starts every component and blocks until ctx is cancelled or one of them fails,
// in which case the others are stopped too.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("Starting projectlog...")

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.server.Run(gCtx); err != nil {
			return fmt.Errorf("server: %w", err)
		}
		if gCtx.Err() == nil {
			return fmt.Errorf("server stopped unexpectedly")
		}
		return nil
	})

	if a.scheduler != nil {
		g.Go(func() error {
			if _, err := a.scheduler.Start(); err != nil {
				return fmt.Errorf("failed to start scheduler: %w", err)
			}
			<-gCtx.Done()
			a.logger.Info("Shutdown signal received, stopping scheduler...")
			if err := a.scheduler.Stop(); err != nil {
				a.logger.Error("Error stopping scheduler", "error", err)
			}
			return nil
		})
	}

	if a.exporter != nil {
		g.Go(func() error {
			if err := a.exporter.Run(gCtx); err != nil {
				return fmt.Errorf("exporter: %w", err)
			}
			return nil
		})
	}

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Error("projectlog stopped due to error", "error", err)
		return err
	}

	a.logger.Info("projectlog stopped gracefully.")
	return nil
}
