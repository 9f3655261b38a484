// Package server builds the application graph from configuration and runs
// it until a shutdown signal arrives.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/robfig/cron/v3"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/grant-scout/internal/api"
	"github.com/JakeFAU/grant-scout/internal/config"
	headlessfetcher "github.com/JakeFAU/grant-scout/internal/fetcher/headless"
	"github.com/JakeFAU/grant-scout/internal/grant"
	"github.com/JakeFAU/grant-scout/internal/progress"
	"github.com/JakeFAU/grant-scout/internal/scheduler"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 30 * time.Second
)

// Version is stamped at build time.
var Version = "dev"

// App holds the long-lived services of a running instance.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	store     grant.Store
	scheduler *scheduler.Scheduler
	hub       *progress.Hub
	api       *api.Server
	cron      *cron.Cron
	browser   *headlessfetcher.Fetcher
	gcs       *storage.Client
	tracer    *sdktrace.TracerProvider
}

// Handler exposes the HTTP router.
func (a *App) Handler() http.Handler {
	return a.api.Handler()
}

// Run serves HTTP and drives the scheduler tick until ctx is canceled or a
// SIGINT or SIGTERM arrives, then shuts everything down.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if _, err := a.cron.AddFunc("@every "+a.cfg.Scheduler.TickInterval.String(), func() { a.tick(ctx) }); err != nil {
		return fmt.Errorf("schedule tick: %w", err)
	}
	a.tick(ctx)
	a.cron.Start()
	a.logger.Info("scheduler started", zap.Duration("tick_interval", a.cfg.Scheduler.TickInterval))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.api.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	return a.Close(shutdownCtx)
}

func (a *App) tick(ctx context.Context) {
	started, err := a.scheduler.Tick(ctx)
	if err != nil {
		a.logger.Error("scheduler tick failed", zap.Error(err))
		return
	}
	if len(started) > 0 {
		a.logger.Info("scheduler tick", zap.Int("jobs_started", len(started)))
	}
}

// Close stops the tick, aborts running jobs, waits for them to record their
// terminal state and releases clients. It waits at most until ctx expires
// for running jobs.
func (a *App) Close(ctx context.Context) error {
	<-a.cron.Stop().Done()
	a.scheduler.Stop()

	done := make(chan struct{})
	go func() {
		a.scheduler.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Warn("timed out waiting for running jobs")
	}

	var errs []error
	if err := a.hub.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close progress hub: %w", err))
	}
	if a.browser != nil {
		a.browser.Close()
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close gcs client: %w", err))
		}
	}
	a.store.Close()
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("shutdown finished with errors", zap.Error(err))
		return err
	}
	a.logger.Info("shutdown complete")
	return nil
}
