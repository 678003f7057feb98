// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/codegate/pkg/logging"
	"github.com/AleutianAI/codegate/services/gateway/broker"
	"github.com/AleutianAI/codegate/services/gateway/config"
	"github.com/AleutianAI/codegate/services/gateway/jupyter"
	"github.com/AleutianAI/codegate/services/gateway/middleware"
	"github.com/AleutianAI/codegate/services/gateway/observability"
	"github.com/AleutianAI/codegate/services/gateway/routes"
)

// requestPollInterval caps the readiness poll interval on the request path.
const requestPollInterval = 500 * time.Millisecond

// =============================================================================
// Components
// =============================================================================

// gateway holds everything serve builds, in construction order.
type gateway struct {
	cfg       config.GatewayConfig
	logger    *logging.Logger
	registry  *prometheus.Registry
	client    *jupyter.Client
	broker    *broker.Broker
	prewarmer *broker.Prewarmer
	router    *gin.Engine
}

// newLogger builds the process logger from the logging section.
func newLogger(cfg config.LoggingConfig) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	return logging.New(logging.Config{
		Level:   level,
		Service: serviceName,
		Format:  logging.Format(cfg.Format),
		LogDir:  cfg.Dir,
	}), nil
}

// buildGateway wires config into a ready-to-serve gateway.
//
// # Description
//
// Creates the Jupyter client, the broker over it, the startup prewarmer and
// the gin router with its middleware chain. Nothing touches the network
// until the prewarmer is started or a request arrives.
//
// # Inputs
//
//   - cfg: Validated configuration.
//   - logger: Process logger.
//
// # Outputs
//
//   - *gateway: Components, not yet serving.
//   - error: Non-nil if the Jupyter base URL is invalid.
func buildGateway(cfg config.GatewayConfig, logger *logging.Logger) (*gateway, error) {
	client, err := jupyter.NewClient(cfg.Jupyter.BaseURL, cfg.Jupyter.Token, &http.Client{})
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(registry)

	backend := broker.NewJupyterBackend(client)
	waiter := broker.NewWaiter(backend, cfg.Readiness.PollTimeout, logger.Slog(), metrics)

	interval := min(cfg.Readiness.Interval, requestPollInterval)
	b := broker.New(backend, waiter, broker.Options{
		DefaultLanguage:  cfg.Contexts.DefaultLanguage,
		DefaultCWD:       cfg.Contexts.DefaultCWD,
		KernelName:       cfg.Jupyter.KernelName,
		RequestReadiness: broker.DurationPolicy(cfg.Readiness.RequestTimeout, interval),
		Logger:           logger.Slog(),
		Metrics:          metrics,
	})
	prewarmer := broker.NewPrewarmer(b,
		broker.AttemptsPolicy(cfg.Readiness.StartupAttempts, cfg.Readiness.Interval),
		cfg.Startup.Policy == config.StartupPrewarm)

	router := gin.New()
	router.Use(
		otelgin.Middleware(serviceName),
		middleware.RequestID(),
		middleware.Recovery(),
		middleware.AccessToken(cfg.Server.AccessToken, "/health"),
	)
	routes.SetupRoutes(router, b, registry)

	return &gateway{
		cfg:       cfg,
		logger:    logger,
		registry:  registry,
		client:    client,
		broker:    b,
		prewarmer: prewarmer,
		router:    router,
	}, nil
}

// shutdown stops background work and releases kernels. The HTTP server must
// already be stopped.
func (g *gateway) shutdown(ctx context.Context) {
	g.prewarmer.Stop()
	if err := g.broker.Close(ctx); err != nil {
		g.logger.Warn("failed to close all sessions", "error", err)
	}
	g.client.Close()
}

// =============================================================================
// Commands
// =============================================================================

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Close()
	log := logger.Slog()
	slog.SetDefault(log)

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := initTracer(ctx, cfg.Tracing, os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer shutdownTracer(context.Background())

	gw, err := buildGateway(cfg, logger)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           gw.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	gw.prewarmer.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		log.Info("codegate listening",
			"port", cfg.Server.Port,
			"jupyter", cfg.Jupyter.BaseURL,
			"startup", cfg.Startup.Policy,
			"version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case serveErr = <-errCh:
		if serveErr != nil {
			log.Error("server failed", "error", serveErr)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", "error", err)
	}
	gw.shutdown(shutdownCtx)
	return serveErr
}

func runCheck(cmd *cobra.Command, args []string) error {
	timeout, err := time.ParseDuration(checkTimeout)
	if err != nil {
		return fmt.Errorf("invalid --timeout %q: %w", checkTimeout, err)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Close()

	return checkBackend(cmd.Context(), cfg, logger, timeout, cmd.OutOrStdout())
}
