// Package main is the entry point for the sync daemon.
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

	"go.uber.org/zap"

	"github.com/defcomm/secure-sync/internal/backend"
	"github.com/defcomm/secure-sync/internal/call"
	"github.com/defcomm/secure-sync/internal/config"
	"github.com/defcomm/secure-sync/internal/handler"
	natsclient "github.com/defcomm/secure-sync/internal/nats"
	"github.com/defcomm/secure-sync/internal/service"
	"github.com/defcomm/secure-sync/pkg/logger"
	"github.com/defcomm/secure-sync/pkg/tracing"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("starting sync daemon")

	// Initialize tracing if enabled
	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "secure-sync", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	// Connect to NATS
	natsClient, err := natsclient.Connect(ctx, natsclient.Config{
		URL:      cfg.NATSURL,
		CAFile:   cfg.NATSCAFile,
		CertFile: cfg.NATSCertFile,
		KeyFile:  cfg.NATSKeyFile,
		Token:    cfg.NATSToken,
		Name:     "syncd",
	}, log)
	if err != nil {
		log.Error("failed to connect to NATS", zap.Error(err))
		os.Exit(1)
	}
	defer natsClient.Close()

	// Initialize services
	backendClient := backend.New(cfg.BackendURL, cfg.BackendTimeout, nil, log)
	syncSvc := service.NewSyncService(natsClient, backendClient,
		func(userID string) call.Ringtone {
			return natsclient.NewRingtone(natsClient, cfg.ChannelPrefix, userID, log)
		},
		service.Options{
			ChannelPrefix:      cfg.ChannelPrefix,
			GroupIDs:           cfg.GroupIDs,
			RefetchConcurrency: cfg.RefetchConcurrency,
			TypingTTL:          cfg.TypingTTL,
			PairingInterval:    cfg.PairingInterval,
		},
		log,
	)
	defer syncSvc.Close()

	// Resume a session when credentials are provided, otherwise wait for pairing
	if cfg.UserID != "" && cfg.AuthToken != "" {
		startCtx, cancel := context.WithTimeout(ctx, cfg.BackendTimeout)
		if err := syncSvc.Start(startCtx, cfg.UserID, cfg.AuthToken); err != nil {
			log.Error("failed to start session", zap.Error(err))
		}
		cancel()
	} else {
		log.Info("no credentials configured, waiting for pairing")
	}

	r := handler.NewRouter(syncSvc, natsClient, handler.RouterConfig{
		JWTSecret:         cfg.JWTSecret,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
		CORSOrigins:       cfg.CORSOrigins,
	}, log)

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
}

func newLogger(cfg *config.Config) (*logger.Logger, error) {
	if cfg.Environment == "development" {
		return logger.NewDevelopment()
	}
	return logger.New(cfg.LogLevel)
}
