// Package main is the entry point for the market data router, an HTTP service that
// serves candles, stock info, financials and valuation from several vendors with
// health-aware failover between them.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/marketdata-router/internal/config"
	"github.com/yourorg/marketdata-router/internal/fetch"
	"github.com/yourorg/marketdata-router/internal/otel"
	"github.com/yourorg/marketdata-router/internal/router"
	"github.com/yourorg/marketdata-router/internal/telemetry"
)

const version = "1.0.0"

// startTime records when the service was initialized for uptime reporting
var startTime = time.Now()

// Server represents the market data router service
type Server struct {
	// Configuration for the server
	config config.Config

	// Provider router doing selection and failover
	router *router.Router

	// HTTP server instance
	server *http.Server

	// Prometheus registry served on /metrics
	registry *prometheus.Registry

	// Webhook for circuit and health events
	notifier *telemetry.Notifier

	metrics *telemetry.Metrics
}

// main is the entry point for the application
func main() {
	cfg := config.Load()
	setupLogging(cfg.LogLevel, cfg.LogFormat)

	shutdownTracer := otel.InitTracer(cfg.TracingConfig())
	defer shutdownTracer()

	specs, err := config.LoadProviders(cfg.ProvidersFile)
	if err != nil {
		logrus.Fatalf("Failed to load providers: %v", err)
	}
	regs, err := createRegistrations(specs)
	if err != nil {
		logrus.Fatalf("Failed to create providers: %v", err)
	}

	server, err := NewServer(cfg, regs)
	if err != nil {
		logrus.Fatalf("Failed to create server: %v", err)
	}
	server.Start()
}

// setupLogging configures the logging for the application
func setupLogging(level, format string) {
	switch strings.ToLower(format) {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logrus.SetLevel(lvl)

	logrus.Info("Logging configured")
}

// createRegistrations builds a router registration for every configured vendor
func createRegistrations(specs []config.ProviderSpec) ([]router.Registration, error) {
	regs := make([]router.Registration, 0, len(specs))
	for _, spec := range specs {
		p, err := fetch.NewProvider(spec)
		if err != nil {
			return nil, err
		}
		regs = append(regs, router.Registration{
			Provider:  p,
			RateLimit: spec.RateLimit,
			Breaker:   spec.Breaker,
			Timeout:   spec.Timeout,
			Disabled:  !spec.Enabled,
		})
	}
	return regs, nil
}

// NewServer creates a server routing across the registered providers
func NewServer(cfg config.Config, regs []router.Registration) (*Server, error) {
	if len(regs) == 0 {
		return nil, errors.New("no providers configured")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := telemetry.NewMetrics(registry)
	notifier := telemetry.NewNotifier(cfg.NotifierConfig())

	r, err := router.New(cfg.RouterConfig(), regs,
		router.WithObserver(metrics),
		router.WithCircuitListener(metrics.CircuitStateChanged),
		router.WithCircuitListener(notifier.CircuitStateChanged),
		router.WithHealthListener(metrics.HealthStatusChanged),
		router.WithHealthListener(notifier.HealthStatusChanged),
	)
	if err != nil {
		return nil, err
	}
	for _, p := range r.Providers() {
		metrics.InitProvider(p.Name)
	}

	logrus.WithFields(logrus.Fields{
		"port":              cfg.Port,
		"provider_count":    len(regs),
		"failover":          cfg.FailoverEnabled,
		"rate_limit_policy": cfg.RateLimitPolicy,
		"request_timeout":   cfg.RequestTimeout,
		"events_webhook":    cfg.NotifierConfig().Enabled,
	}).Info("Server initialized")

	return &Server{
		config:   cfg,
		router:   r,
		registry: registry,
		notifier: notifier,
		metrics:  metrics,
	}, nil
}

// Start begins the HTTP server and health checks, and blocks until SIGINT or SIGTERM
func (s *Server) Start() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s.router.StartHealthChecks(ctx)

	s.server = &http.Server{
		Addr:         ":" + s.config.Port,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2*s.config.RequestTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logrus.Infof("Server starting on port %s", s.config.Port)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Errorf("Error starting server: %v", err)
			stop()
		}
	}()

	<-ctx.Done()

	logrus.Info("Server shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		logrus.Errorf("Server shutdown failed: %v", err)
	}
	s.router.StopHealthChecks()
	s.notifier.Stop(shutdownCtx)

	logrus.Info("Server stopped")
}
