package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ross-commits/talk-to-claude/internal/call"
	"github.com/ross-commits/talk-to-claude/internal/driver"
	"github.com/ross-commits/talk-to-claude/pkg/carrier"
	"github.com/ross-commits/talk-to-claude/pkg/env"
	"github.com/ross-commits/talk-to-claude/pkg/logger"
	"github.com/ross-commits/talk-to-claude/pkg/otel"
	"github.com/ross-commits/talk-to-claude/pkg/tools"
)

func main() {
	cfg, err := env.Load(".env")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// stdout belongs to the driver RPC; logs must go to stderr only.
	if err := logger.Init(cfg.LogLevel, cfg.AppEnv); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if cfg.OTELEnabled {
		shutdown, err := otel.InitTracing("talk-to-claude", "1.0.0", cfg.OTELEndpoint)
		if err != nil {
			logger.Log.Warn("Failed to initialize OpenTelemetry", zap.Error(err))
		} else {
			defer shutdown()
			logger.Log.Info("OpenTelemetry tracing enabled", zap.String("endpoint", cfg.OTELEndpoint))
		}
	}

	logger.Log.Info("Starting call bridge",
		zap.String("env", cfg.AppEnv),
		zap.String("port", cfg.AppPort),
		zap.String("carrier", cfg.Carrier),
		zap.String("backend", cfg.VoiceBackend),
	)
	if cfg.TrustWithoutSignature {
		logger.Log.Warn("webhook signature verification is DISABLED (tunneled deployment)")
	}

	// One long-lived client for every REST collaborator.
	httpClient := &http.Client{Timeout: 60 * time.Second}

	var cr carrier.Carrier
	switch cfg.Carrier {
	case env.CarrierTelnyx:
		cr = carrier.NewTelnyx(cfg.TelnyxAPIKey, cfg.TelnyxPublicKey, cfg.TelnyxConnectionID, httpClient)
	default:
		cr = carrier.NewTwilio(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.PublicURL, httpClient)
	}

	registry := tools.NewRegistry(30*time.Second, logger.Log)

	manager := call.NewManager(cfg, cr, registry, httpClient, logger.Log)
	router := manager.Router()

	srv := &http.Server{
		Addr:    ":" + cfg.AppPort,
		Handler: router,
		// No WriteTimeout: the media websocket lives as long as the call.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logger.Log.Info("HTTP listener up", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	// The RPC loop owns stdin/stdout; its EOF means the orchestrator is
	// gone and the process should wind down.
	rpcCtx, rpcCancel := context.WithCancel(context.Background())
	defer rpcCancel()
	rpcDone := make(chan struct{})
	go func() {
		defer close(rpcDone)
		d := driver.New(manager, os.Stdin, os.Stdout, logger.Log)
		if err := d.Run(rpcCtx); err != nil && err != context.Canceled {
			logger.Log.Warn("driver loop exited", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
		logger.Log.Info("Termination signal received")
	case <-rpcDone:
		logger.Log.Info("Driver closed stdin")
	}

	logger.Log.Info("Shutting down...")
	rpcCancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	manager.Shutdown(shutdownCtx)
	cancel()

	shutdownCtx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Log.Warn("Server forced to shutdown", zap.Error(err))
	}

	logger.Log.Info("Server exited")
}
