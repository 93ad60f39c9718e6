package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/reeloly/sandboxd/internal/gateway"
	"github.com/reeloly/sandboxd/internal/tracing"
)

const (
	shutdownTimeout   = 30 * time.Second
	readHeaderTimeout = 10 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		log.Info("Starting sandboxd...",
			zap.String("version", Version),
			zap.String("sandbox_backend", cfg.Sandbox.Backend),
			zap.String("storage_backend", cfg.Storage.Backend))

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := buildApp(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer func() {
			if err := a.Close(); err != nil {
				log.Error("shutdown cleanup failed", zap.Error(err))
			}
		}()

		if cfg.Logging.Level != "debug" {
			gin.SetMode(gin.ReleaseMode)
		}
		router := gateway.NewRouter(a.service, gateway.Options{
			Server:      cfg.Server,
			Auth:        cfg.Auth,
			Metrics:     a.metrics.Handler(),
			WarmTimeout: cfg.Lock.Lease(),
		}, log)

		server := &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler:           router,
			ReadTimeout:       cfg.Server.ReadTimeoutDuration(),
			ReadHeaderTimeout: readHeaderTimeout,
			WriteTimeout:      cfg.Server.WriteTimeoutDuration(),
		}

		serveErr := make(chan error, 1)
		go func() {
			log.Info("HTTP server listening", zap.String("address", server.Addr))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
			close(serveErr)
		}()

		select {
		case <-ctx.Done():
			log.Info("Received shutdown signal")
		case err := <-serveErr:
			if err != nil {
				return fmt.Errorf("http server failed: %w", err)
			}
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			log.Warn("tracing shutdown error", zap.Error(err))
		}
		log.Info("sandboxd stopped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
