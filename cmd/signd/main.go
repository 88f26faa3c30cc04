// cmd/signd/main.go
// Package main implements the entry point for the signing service.
// It initializes all components and starts the HTTP server.
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

	"github.com/InkRelay/inkrelay-sign-go/internal/capture"
	"github.com/InkRelay/inkrelay-sign-go/internal/config"
	"github.com/InkRelay/inkrelay-sign-go/internal/event"
	"github.com/InkRelay/inkrelay-sign-go/internal/media"
	"github.com/InkRelay/inkrelay-sign-go/internal/notify"
	"github.com/InkRelay/inkrelay-sign-go/internal/server"
	"github.com/InkRelay/inkrelay-sign-go/internal/storage"
	"github.com/InkRelay/inkrelay-sign-go/internal/telemetry"
	"github.com/InkRelay/inkrelay-sign-go/internal/workflow"
)

// main initializes all components, starts the HTTP server, and handles
// graceful shutdown.
func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging for the application
	logLevel := slog.LevelInfo
	if cfg.Env == "dev" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Initialize OpenTelemetry
	_, err = telemetry.InitTracer("sign-service")
	if err != nil {
		logger.Error("failed to initialize OpenTelemetry tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.ShutdownTracer(ctx)
	}()

	// Initialize storage backend (PostgreSQL or in-memory)
	var store storage.Store
	if cfg.DatabaseDSN != "" {
		store, err = storage.NewPostgres(cfg.DatabaseDSN)
		if err != nil {
			logger.Error("failed to initialize postgres storage", "error", err)
			os.Exit(1)
		}
	} else {
		store = storage.NewMemory()
	}

	// Initialize change publisher (NATS JetStream or no-op)
	pub := event.NewPublisher(cfg.NATSURL)
	defer pub.Close()

	// Initialize object storage for capture images and certificates.
	// Missing S3 configuration is valid: captures then store inline and
	// certificates keep their serial reference.
	var uploader media.Uploader
	if cfg.S3Endpoint != "" && cfg.S3Bucket != "" {
		s3c, err := media.NewS3Client(cfg.S3Endpoint, cfg.S3Region, cfg.S3Bucket, cfg.S3AccessKey, cfg.S3SecretKey)
		if err != nil {
			logger.Error("failed to initialize S3 client", "error", err)
			os.Exit(1)
		}
		uploader = s3c
	}

	// Initialize the notification collaborator (HTTP or no-op)
	var notifier notify.Sender
	if cfg.NotifyURL != "" {
		notifier = notify.New(cfg.NotifyURL)
	} else {
		notifier = notify.NewNoop()
	}

	engine := workflow.New(store, pub, notifier, capture.NewService(uploader, cfg.MaxCaptureStrokes), uploader)

	// Create HTTP mux with all handlers and middleware
	mux, err := server.NewMux(store, engine, cfg.JWTIssuer, cfg.JWTAudience, nil)
	if err != nil {
		logger.Error("failed to initialize HTTP mux", "error", err)
		os.Exit(1)
	}

	addr := fmt.Sprintf(":%s", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Start server in a separate goroutine
	go func() {
		logger.Info("server starting", "addr", addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	// Handle graceful shutdown
	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
		os.Exit(1)
	}

	// Close PostgreSQL storage if used
	if postgresStore, ok := store.(interface{ Close() }); ok {
		postgresStore.Close()
	}

	logger.Info("server exited")
}
