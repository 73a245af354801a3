// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package orchestrator assembles the UXBiblio analysis session service.
//
// This package contains the top-level Service that wires together all
// components: the credit ledger and its BadgerDB backing store, the
// upstream analysis and frame-export clients, the auth-bridge token
// store and client, the WebSocket notification hub, the session
// orchestrator, and the HTTP routing and observability infrastructure.
//
// # Usage
//
// Default wiring:
//
//	cfg, err := config.Load(os.Getenv("UXBIBLIO_CONFIG"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	svc, err := orchestrator.New(cfg, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	svc.Run()
//
// Tests inject an isolated metrics registry and a fake clock:
//
//	opts := &orchestrator.Options{
//	    Registerer: prometheus.NewRegistry(),
//	    Clock:      bridge.NewFakeClock(start),
//	}
//	svc, err := orchestrator.New(cfg, opts)
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/uxbiblio/pkg/logging"
	"github.com/AleutianAI/uxbiblio/services/orchestrator/analysis"
	"github.com/AleutianAI/uxbiblio/services/orchestrator/bridge"
	"github.com/AleutianAI/uxbiblio/services/orchestrator/config"
	"github.com/AleutianAI/uxbiblio/services/orchestrator/credits"
	"github.com/AleutianAI/uxbiblio/services/orchestrator/datatypes"
	"github.com/AleutianAI/uxbiblio/services/orchestrator/handlers"
	"github.com/AleutianAI/uxbiblio/services/orchestrator/observability"
	"github.com/AleutianAI/uxbiblio/services/orchestrator/routes"
	"github.com/AleutianAI/uxbiblio/services/orchestrator/session"
	badgerstore "github.com/AleutianAI/uxbiblio/services/orchestrator/storage/badger"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service defines the contract for the orchestrator service.
//
// # Description
//
// Service abstracts the orchestrator lifecycle, enabling testing and
// alternative implementations. Only essential lifecycle methods are
// exposed.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Run() blocks and
// should only be called once per instance.
//
// # Limitations
//
//   - No graceful shutdown method yet (planned for future)
//   - Run() blocks until server error
//
// # Assumptions
//
//   - Service is fully initialized before Run() is called
//   - Run() is called at most once per Service instance
type Service interface {
	// Run starts the HTTP server and blocks until shutdown or error.
	//
	// # Outputs
	//
	//   - error: Non-nil if the server fails to start or encounters a
	//     fatal error
	Run() error

	// Router returns the underlying Gin engine for testing.
	//
	// # Outputs
	//
	//   - *gin.Engine: The configured router with all routes registered
	//
	// # Limitations
	//
	//   - Should not be used to modify routes after construction
	Router() *gin.Engine
}

// =============================================================================
// Options
// =============================================================================

// Options carries optional collaborators for New.
//
// # Description
//
// Options lets callers override pieces of the default wiring without
// disturbing the rest. Integration tests use it to isolate the metrics
// registry and to control bridge-token time.
//
// A nil *Options is equivalent to the zero value.
type Options struct {
	// Registerer receives the service metrics. Defaults to
	// prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer

	// Logger replaces the logger built from the server config.
	Logger *logging.Logger

	// Clock drives auth-bridge token expiry. Defaults to wall time.
	Clock bridge.Clock
}

// =============================================================================
// Service Implementation
// =============================================================================

// service is the concrete Service implementation.
type service struct {
	config *config.Config
	logger *logging.Logger
	router *gin.Engine

	db           *badgerstore.DB
	metrics      *observability.Metrics
	ledger       *credits.Ledger
	store        *bridge.Store
	sweeper      *bridge.Sweeper
	bridgeClient *bridge.Client
	hub          *handlers.Hub
	orch         *session.Orchestrator

	tracerCleanup func(context.Context)
}

// New creates a fully wired orchestrator service.
//
// # Description
//
// Builds every component from the validated configuration: opens the
// credit store, loads the ledger, constructs the upstream analysis and
// export clients, the auth-bridge store and client, the notification
// hub, the session orchestrator, and finally the HTTP router. Any
// initialization failure releases resources acquired so far.
//
// # Inputs
//
//   - cfg: Validated configuration, typically from config.Load
//   - opts: Optional overrides; nil uses defaults
//
// # Outputs
//
//   - Service: Ready-to-run service
//   - error: Non-nil if any component fails to initialize
//
// # Thread Safety
//
// New itself is not safe for concurrent use with the same Registerer;
// registering the same metrics twice panics inside Prometheus.
func New(cfg *config.Config, opts *Options) (Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("orchestrator: config is required")
	}
	if opts == nil {
		opts = &Options{}
	}

	s := &service{config: cfg}

	s.logger = opts.Logger
	if s.logger == nil {
		s.logger = logging.New(logging.Config{
			Level:   logging.ParseLevel(cfg.Server.LogLevel),
			LogDir:  cfg.Server.LogDir,
			Service: "orchestrator",
			JSON:    cfg.Server.JSONLogs,
		})
		s.logger.SetAsDefault()
	}

	if cfg.Telemetry.Enabled {
		cleanup, err := s.initTracer()
		if err != nil {
			return nil, fmt.Errorf("failed to setup the OTLP tracer: %w", err)
		}
		s.tracerCleanup = cleanup
	}

	if err := s.initStorage(); err != nil {
		s.cleanup()
		return nil, err
	}

	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s.metrics = observability.NewMetrics(reg)

	s.ledger = credits.NewLedger(s.db, cfg.Credits.Baseline, s.logger)
	if err := s.ledger.Load(context.Background()); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("loading credit ledger: %w", err)
	}

	if err := s.initSession(opts.Clock); err != nil {
		s.cleanup()
		return nil, err
	}

	s.initRouter()
	return s, nil
}

// Run starts the HTTP server and blocks until it stops.
//
// # Description
//
// Binds the Gin engine to the configured port. All resources are
// released when the server exits.
//
// # Outputs
//
//   - error: Non-nil if the server fails to start or stops with an error
func (s *service) Run() error {
	defer s.cleanup()

	addr := fmt.Sprintf(":%d", s.config.Server.Port)
	s.logger.Info("Starting the orchestrator server", "addr", addr)
	return s.router.Run(addr)
}

// Router returns the configured Gin engine.
//
// # Outputs
//
//   - *gin.Engine: The configured router
//
// # Assumptions
//
//   - Caller will not modify the router
func (s *service) Router() *gin.Engine {
	return s.router
}

// Sessions exposes the session orchestrator for integration tests.
func (s *service) Sessions() *session.Orchestrator {
	return s.orch
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

// initTracer initializes OpenTelemetry distributed tracing.
//
// # Description
//
// Sets up an OTLP trace exporter sending spans to the configured
// collector.
//
// # Outputs
//
//   - func(context.Context): Cleanup function to call on shutdown
//   - error: Non-nil if tracer setup fails
//
// # Limitations
//
//   - Uses insecure gRPC connection (appropriate for internal networks)
//
// # Assumptions
//
//   - OTel collector is reachable at configured endpoint
func (s *service) initTracer() (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(s.config.Telemetry.OTLPEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("uxbiblio-orchestrator")))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	cleanup := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}

	return cleanup, nil
}

// initStorage opens the BadgerDB credit store.
//
// # Description
//
// Opens either an in-memory database (for tests and ephemeral runs) or
// a persistent one at the configured path.
//
// # Outputs
//
//   - error: Non-nil if the database cannot be opened
func (s *service) initStorage() error {
	var err error
	if s.config.Storage.InMemory {
		s.db, err = badgerstore.OpenInMemory()
	} else {
		storeCfg := badgerstore.DefaultConfig()
		storeCfg.Path = s.config.Storage.Path
		s.db, err = badgerstore.Open(storeCfg)
	}
	if err != nil {
		return fmt.Errorf("opening credit store: %w", err)
	}
	return nil
}

// initSession builds the analysis pipeline and session orchestrator.
//
// # Description
//
// Constructs the upstream analysis client, the frame exporter, the
// auth-bridge store and client, the WebSocket hub, and the session
// orchestrator that ties them together.
//
// The bridge client's completion callback needs the orchestrator, which
// in turn holds the bridge client. The cycle is resolved through the
// service's orch field, which is assigned before any handshake can run.
//
// # Inputs
//
//   - clock: Token-expiry clock; nil uses wall time
//
// # Outputs
//
//   - error: Non-nil if any component fails to initialize
func (s *service) initSession(clock bridge.Clock) error {
	cfg := s.config

	analysisClient, err := analysis.NewClient(analysis.ClientConfig{
		Endpoint: cfg.Analysis.Endpoint,
		Timeout:  cfg.Analysis.Timeout,
		Logger:   s.logger,
	})
	if err != nil {
		return fmt.Errorf("building analysis client: %w", err)
	}

	exporter, err := analysis.NewHTTPExporter(cfg.Exporter.Endpoint, nil)
	if err != nil {
		return fmt.Errorf("building exporter: %w", err)
	}

	s.store = bridge.NewStore(bridge.StoreConfig{
		TTL:             cfg.Bridge.TTL,
		CompletionDelay: cfg.Bridge.CompletionDelay,
		PollInterval:    cfg.Bridge.PollInterval,
	}, clock, s.logger)

	if cfg.Bridge.SweepInterval > 0 {
		s.sweeper = bridge.NewSweeper(s.store, cfg.Bridge.SweepInterval, s.logger)
		if err := s.sweeper.Start(context.Background()); err != nil {
			return fmt.Errorf("starting token sweeper: %w", err)
		}
	}

	s.bridgeClient, err = bridge.NewClient(bridge.ClientConfig{
		BridgeBaseURL: fmt.Sprintf("http://localhost:%d", cfg.Server.Port),
		PortalBaseURL: cfg.Bridge.PortalURL,
		PollInterval:  cfg.Bridge.PollInterval,
		MaxFailures:   cfg.Bridge.MaxFailures,
		Clock:         clock,
		Logger:        s.logger,
		OnComplete: func(status datatypes.AccountStatus, source string, _ map[string]any) {
			if s.orch != nil {
				s.orch.CompleteAuthHandshake(context.Background(), status, source)
			}
		},
		OnOutcome: func(reason string) {
			s.logger.Info("auth handshake ended without completion", "reason", reason)
		},
	})
	if err != nil {
		return fmt.Errorf("building bridge client: %w", err)
	}

	s.hub = handlers.NewHub()
	s.orch, err = session.New(session.Config{
		Ledger:           s.ledger,
		Analysis:         analysisClient,
		Exporter:         exporter,
		Bridge:           s.bridgeClient,
		Notifier:         s.hub,
		Metrics:          s.metrics,
		Logger:           s.logger,
		AnalysisEndpoint: cfg.Analysis.Endpoint,
	})
	if err != nil {
		return fmt.Errorf("building session orchestrator: %w", err)
	}
	return nil
}

// initRouter sets up the Gin HTTP router with all routes.
//
// # Description
//
// Creates the Gin engine, applies middleware, and registers all routes.
//
// # Assumptions
//
//   - All dependencies are initialized
func (s *service) initRouter() {
	s.router = gin.Default()
	if s.config.Telemetry.Enabled {
		s.router.Use(otelgin.Middleware("uxbiblio-orchestrator"))
	}

	routes.SetupRoutes(s.router, s.orch, s.store, s.hub, s.metrics,
		s.config.Server.APIToken)
}

// cleanup releases all resources held by the service.
//
// # Description
//
// Called when Run() exits or on initialization failure. Tears down any
// in-flight auth handshake, stops the token sweeper, closes the credit
// store, flushes the trace exporter, and closes log files.
func (s *service) cleanup() {
	if s.orch != nil {
		s.orch.TeardownBridge()
	}
	if s.sweeper != nil {
		if err := s.sweeper.Stop(); err != nil {
			slog.Warn("token sweeper stop error", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			slog.Warn("credit store close error", "error", err)
		}
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
	if s.logger != nil {
		if err := s.logger.Close(); err != nil {
			slog.Warn("logger close error", "error", err)
		}
	}
}
