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

	"chatrouter/internal/bus"
	"chatrouter/internal/config"
	"chatrouter/internal/domain"
	"chatrouter/internal/httpapi"
	"chatrouter/internal/service"
	"chatrouter/internal/store"
	"chatrouter/internal/stream"
	"chatrouter/internal/trigger"

	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

// runServe is daemon mode: store, service, HTTP + stream transports on
// one listener, signal-driven graceful shutdown.
func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.DBPath(), logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	entryBus := bus.New(logger)
	svc := service.New(st, entryBus, logger)

	var trig domain.Trigger = trigger.Noop{}
	if cfg.TriggerEnabled() {
		trig = trigger.NewACS(cfg.ACS.URL, cfg.ACS.JobName, cfg.SelfURL, logger)
		logger.Info("external trigger enabled", "job", cfg.ACS.JobName, "url", cfg.ACS.URL)
	} else {
		logger.Info("external trigger disabled")
	}

	api := httpapi.New(svc, trig, logger)
	hub := stream.NewHub(svc, logger)
	api.MountStream(hub)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	logger.Info("hub started", "addr", server.Addr, "db", cfg.DBPath())

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down...")

	// Stop accepting connections, then drop stream clients, then release
	// the store (the deferred Close is a no-op after this).
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "err", err)
	}
	hub.Close()
	if err := st.Close(); err != nil {
		logger.Warn("store close failed", "err", err)
	}

	logger.Info("shutdown complete")
	return nil
}
