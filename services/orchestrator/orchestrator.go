// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator assembles and runs the governed chat service.
//
// This package owns service construction: it selects the backend bundle
// (cloud or local), builds the governance components around it, wires the
// request pipeline, and runs the HTTP server. Everything downstream of
// construction lives in the sub-packages; nothing here handles a request
// directly.
//
// # Backend Selection
//
// The storage and model bundle is chosen once at startup from explicit
// configuration, never per request:
//
//   - Cloud (CHAT_MODEL_ENDPOINT set): OpenAI-compatible chat + embeddings,
//     Weaviate history and retrieval, GCS (or filesystem) document storage,
//     background retention cleanup.
//   - Local (otherwise): llama.cpp chat, the embedding sidecar, BadgerDB
//     history and retrieval, filesystem document storage.
//
// # Enterprise Integration
//
// The orchestrator supports dependency injection via extensions.ServiceOptions,
// enabling enterprise builds to provide custom implementations of:
//   - AuthProvider: Bearer validation against a real identity provider
//   - AuthzProvider: Role-based access control
//   - DecisionAuditor: Gate-decision export to compliance sinks
//   - MessageFilter: PII detection and redaction
//
// # Usage
//
// Open source (uses no-op defaults):
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	svc, err := orchestrator.New(*cfg, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(svc.Run())
//
// Enterprise (with custom implementations):
//
//	opts := &extensions.ServiceOptions{
//	    AuthProvider:    enterpriseAuth,
//	    DecisionAuditor: enterpriseAudit,
//	}
//	svc, err := orchestrator.New(*cfg, opts)
//
// # Import Path
//
// Enterprise imports this package as:
//
//	import "github.com/AleutianAI/AleutianGovern/services/orchestrator"
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/AleutianGovern/pkg/extensions"
	"github.com/AleutianAI/AleutianGovern/services/llm"
	"github.com/AleutianAI/AleutianGovern/services/orchestrator/config"
	"github.com/AleutianAI/AleutianGovern/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianGovern/services/orchestrator/docstore"
	"github.com/AleutianAI/AleutianGovern/services/orchestrator/governance"
	"github.com/AleutianAI/AleutianGovern/services/orchestrator/handlers"
	"github.com/AleutianAI/AleutianGovern/services/orchestrator/history"
	"github.com/AleutianAI/AleutianGovern/services/orchestrator/identity"
	"github.com/AleutianAI/AleutianGovern/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianGovern/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianGovern/services/orchestrator/pipeline"
	"github.com/AleutianAI/AleutianGovern/services/orchestrator/rag"
	"github.com/AleutianAI/AleutianGovern/services/orchestrator/retention"
	"github.com/AleutianAI/AleutianGovern/services/orchestrator/routes"
)

// promptOverrideEnv names an optional prompt configuration file that
// overrides the embedded defaults and is hot-reloaded on change.
const promptOverrideEnv = "GOVERN_PROMPTS_FILE"

// shutdownGrace is how long in-flight requests get to finish once a
// termination signal arrives.
const shutdownGrace = 10 * time.Second

// =============================================================================
// Interface Definition
// =============================================================================

// Service defines the contract for the orchestrator service.
//
// # Description
//
// Service abstracts the orchestrator lifecycle, enabling testing and
// alternative implementations. The interface follows the minimal surface
// area principle - only essential lifecycle methods are exposed.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Run() blocks and should
// only be called once per instance.
//
// # Assumptions
//
//   - Service is fully initialized before Run() is called
//   - Run() is called at most once per Service instance
type Service interface {
	// Run starts the HTTP server and blocks until a termination signal or a
	// fatal server error. All background components (retention scheduler,
	// offline reporting pool, stores, tracer) are drained before it returns.
	//
	// # Outputs
	//
	//   - error: Non-nil if the server failed to start or shut down cleanly.
	Run() error

	// Router returns the underlying Gin engine for testing.
	//
	// # Description
	//
	// Provides access to the configured Gin router, primarily for
	// integration testing where direct HTTP calls are needed.
	//
	// # Outputs
	//
	//   - *gin.Engine: The configured router with all routes registered
	//
	// # Assumptions
	//
	//   - Caller will not modify the router
	Router() *gin.Engine

	// Close releases every resource the service holds. Safe to call more
	// than once; Run() calls it on exit.
	Close()
}

// =============================================================================
// Implementation
// =============================================================================

// backendBundle groups the storage and model adapters selected at startup.
//
// The pipeline and handlers only see the interfaces; which concrete set sits
// behind them is fixed here and never changes for the life of the process.
type backendBundle struct {
	chatModel llm.LLMClient
	embedder  rag.Embedder
	retriever rag.Retriever
	history   history.Store
	docs      docstore.DocumentStore
	ingestor  docstore.Ingestor
}

// service implements Service for production use.
//
// # Thread Safety
//
// Thread-safe after construction. All fields are read-only after New()
// returns; Close() is idempotent via closeOnce.
type service struct {
	cfg    config.Config
	opts   extensions.ServiceOptions
	router *gin.Engine

	backend backendBundle

	broker   identity.TokenBroker
	gateway  governance.PolicyGateway
	scopes   *governance.ScopeCache
	labels   *governance.LabelFilter
	reporter *governance.OfflineReporter

	prompts *rag.Prompts
	turns   *pipeline.ChatOrchestrator

	// Backend-specific resources that need explicit teardown. Nil fields
	// simply do not apply to the selected backend.
	weaviateClient *weaviate.Client
	badgerStore    *history.BadgerStore

	retentionAudit     *retention.AuditLog
	retentionScheduler *retention.Scheduler

	tracerCleanup func(context.Context)
	closeOnce     sync.Once
}

var _ Service = (*service)(nil)

// =============================================================================
// Constructor
// =============================================================================

// New creates a new orchestrator Service with the given configuration.
//
// # Description
//
// New initializes all orchestrator components in dependency order:
//  1. OpenTelemetry tracing (OTLP gRPC exporter)
//  2. Prometheus metrics
//  3. The backend bundle selected by cfg.Backend()
//  4. Governance components (token broker, policy gateway, scope cache,
//     label filter, offline reporting pool)
//  5. The chat pipeline and HTTP router
//  6. Retention cleanup (cloud backend only)
//
// Construction fails fast: a component that cannot start returns an error
// and everything already started is torn down. If opts is nil,
// extensions.DefaultOptions() is used (no-op implementations).
//
// # Inputs
//
//   - cfg: Validated service configuration, normally from config.Load().
//   - opts: Extension options for enterprise features. May be nil.
//
// # Outputs
//
//   - Service: Ready-to-run orchestrator service
//   - error: Non-nil if initialization fails
//
// # Examples
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	svc, err := orchestrator.New(*cfg, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(svc.Run())
//
// # Assumptions
//
//   - Environment variables for the selected backend are set (model URLs,
//     identity credentials)
//   - Network is available for external service connections
func New(cfg config.Config, opts *extensions.ServiceOptions) (Service, error) {
	s := &service{cfg: cfg}

	if opts != nil {
		s.opts = *opts
	} else {
		s.opts = extensions.DefaultOptions()
	}

	cleanup, err := s.initTracer()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	s.tracerCleanup = cleanup

	observability.InitMetrics()

	if err := s.initBackend(); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to initialize %s backend: %w", cfg.Backend(), err)
	}

	if err := s.initGovernance(); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to initialize governance components: %w", err)
	}

	if err := s.initPipeline(); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to initialize chat pipeline: %w", err)
	}

	if err := s.initRetention(); err != nil {
		// Retention is a background concern; the chat surface works without
		// it. Log loudly and keep starting.
		slog.Error("Retention cleanup disabled", "error", err)
	}

	s.initRouter()

	slog.Info("Orchestrator initialized",
		"backend", string(cfg.Backend()),
		"port", cfg.Port,
	)
	return s, nil
}

// =============================================================================
// Service Interface Methods
// =============================================================================

// Run starts the HTTP server and blocks until shutdown.
//
// # Description
//
// Serves until SIGINT/SIGTERM or a listener failure. On signal, in-flight
// requests get shutdownGrace to complete, then Close() drains the
// background components.
//
// # Outputs
//
//   - error: Non-nil if the server failed to start or to shut down cleanly
func (s *service) Run() error {
	defer s.Close()

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Port),
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	slog.Info("Starting orchestrator server", "port", s.cfg.Port)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		slog.Info("Shutting down orchestrator server", "signal", sig.String())
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	}
}

// Router returns the underlying Gin engine for testing.
func (s *service) Router() *gin.Engine {
	return s.router
}

// Close releases all resources held by the service.
//
// # Description
//
// Called when Run() exits or when construction fails partway. Teardown is
// the reverse of construction: scheduler first (it queries the stores),
// then the reporting pool, watchers, stores, and finally the tracer.
// Idempotent.
func (s *service) Close() {
	s.closeOnce.Do(func() {
		if s.retentionScheduler != nil {
			if err := s.retentionScheduler.Stop(); err != nil {
				slog.Warn("Retention scheduler stop error", "error", err)
			}
		}
		if s.retentionAudit != nil {
			if err := s.retentionAudit.Close(); err != nil {
				slog.Warn("Retention audit log close error", "error", err)
			}
		}
		if s.reporter != nil {
			s.reporter.Close()
		}
		if s.prompts != nil {
			s.prompts.Close()
		}
		if closer, ok := s.backend.docs.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				slog.Warn("Document store close error", "error", err)
			}
		}
		if s.badgerStore != nil {
			if err := s.badgerStore.Close(); err != nil {
				slog.Warn("History store close error", "error", err)
			}
		}
		if s.tracerCleanup != nil {
			s.tracerCleanup(context.Background())
		}
	})
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

// initTracer initializes OpenTelemetry distributed tracing.
//
// # Description
//
// Sets up the OTLP trace exporter to send spans to the configured collector.
//
// # Outputs
//
//   - func(context.Context): Cleanup function to call on shutdown
//   - error: Non-nil if tracer setup fails
//
// # Limitations
//
//   - Uses an insecure gRPC connection (appropriate for internal networks)
func (s *service) initTracer() (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(s.cfg.OTelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("govern-orchestrator")))
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
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}

	return cleanup, nil
}

// initBackend builds the storage and model bundle for the configured
// backend.
func (s *service) initBackend() error {
	switch s.cfg.Backend() {
	case config.BackendCloud:
		return s.initCloudBackend()
	default:
		return s.initLocalBackend()
	}
}

// initCloudBackend wires the OpenAI-compatible model, Weaviate, and the
// GCS (or filesystem) document store.
func (s *service) initCloudBackend() error {
	chatModel, err := llm.NewOpenAIClient(s.cfg.ChatModelEndpoint)
	if err != nil {
		return fmt.Errorf("creating chat model client: %w", err)
	}
	embedder := rag.NewModelEmbedder(chatModel)

	client, err := s.connectWeaviate()
	if err != nil {
		return err
	}
	s.weaviateClient = client
	datatypes.EnsureWeaviateSchema(client)

	docs, err := s.openDocumentStore()
	if err != nil {
		return err
	}

	s.backend = backendBundle{
		chatModel: chatModel,
		embedder:  embedder,
		retriever: rag.NewWeaviateRetriever(client, embedder),
		history:   history.NewWeaviateStore(client),
		docs:      docs,
		ingestor:  docstore.NewWeaviateIngestor(client, embedder),
	}
	slog.Info("Cloud backend initialized",
		"chat_endpoint", s.cfg.ChatModelEndpoint,
		"weaviate_url", s.cfg.WeaviateURL,
	)
	return nil
}

// initLocalBackend wires llama.cpp, the embedding sidecar, BadgerDB, and
// the filesystem document store under DataDir.
func (s *service) initLocalBackend() error {
	chatModel, err := llm.NewLocalLlamaCppClient()
	if err != nil {
		return fmt.Errorf("creating llama.cpp client: %w", err)
	}

	embedder, err := rag.NewServiceEmbedder()
	if err != nil {
		return fmt.Errorf("creating embedding service client: %w", err)
	}

	store, err := history.NewBadgerStore(
		history.DefaultBadgerConfig(filepath.Join(s.cfg.DataDir, "history")))
	if err != nil {
		return fmt.Errorf("opening history store: %w", err)
	}
	s.badgerStore = store
	index := rag.NewBadgerIndex(store.DB())

	docs, err := docstore.NewFSStore(filepath.Join(s.cfg.DataDir, "documents"))
	if err != nil {
		return fmt.Errorf("opening document store: %w", err)
	}

	s.backend = backendBundle{
		chatModel: chatModel,
		embedder:  embedder,
		retriever: rag.NewBadgerRetriever(index, embedder),
		history:   store,
		docs:      docs,
		ingestor:  docstore.NewBadgerIngestor(index, embedder),
	}
	slog.Info("Local backend initialized", "data_dir", s.cfg.DataDir)
	return nil
}

// connectWeaviate validates the configured URL and builds the client.
func (s *service) connectWeaviate() (*weaviate.Client, error) {
	weaviateURL := strings.Trim(s.cfg.WeaviateURL, "\"' ")

	parsedURL, err := url.Parse(weaviateURL)
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, fmt.Errorf("invalid Weaviate URL: %s", weaviateURL)
	}

	client, err := weaviate.NewClient(weaviate.Config{
		Host:   parsedURL.Host,
		Scheme: parsedURL.Scheme,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Weaviate client: %w", err)
	}
	return client, nil
}

// openDocumentStore prefers the configured GCS bucket and falls back to the
// filesystem root when no bucket is set.
func (s *service) openDocumentStore() (docstore.DocumentStore, error) {
	if s.cfg.GCSBucket != "" {
		store, err := docstore.NewGCSStore(context.Background())
		if err != nil {
			return nil, fmt.Errorf("opening GCS document store: %w", err)
		}
		return store, nil
	}
	slog.Warn("GCS_BUCKET not set, storing documents on the local filesystem")
	store, err := docstore.NewFSStore(filepath.Join(s.cfg.DataDir, "documents"))
	if err != nil {
		return nil, fmt.Errorf("opening document store: %w", err)
	}
	return store, nil
}

// initGovernance builds the identity and policy components shared by both
// backends.
func (s *service) initGovernance() error {
	broker, err := identity.NewEntraTokenBroker()
	if err != nil {
		return fmt.Errorf("creating token broker: %w", err)
	}
	s.broker = broker

	gateway := governance.NewGraphPolicyGateway()
	s.gateway = gateway
	s.scopes = governance.NewScopeCache(gateway)
	s.labels = governance.NewLabelFilter(gateway)

	reporter, err := governance.NewOfflineReporter(gateway, s.opts.DecisionAuditor)
	if err != nil {
		return fmt.Errorf("creating offline reporter: %w", err)
	}
	s.reporter = reporter
	return nil
}

// initPipeline loads the prompt configuration and assembles the chat
// orchestrator from the backend bundle and governance components.
func (s *service) initPipeline() error {
	prompts, err := rag.LoadPrompts(os.Getenv(promptOverrideEnv))
	if err != nil {
		return fmt.Errorf("loading prompt configuration: %w", err)
	}
	s.prompts = prompts

	turns, err := pipeline.New(pipeline.Deps{
		Broker:    s.broker,
		Scopes:    s.scopes,
		Gateway:   s.gateway,
		Labels:    s.labels,
		Retriever: s.backend.retriever,
		Engine:    rag.NewAnswerEngine(s.backend.chatModel, prompts, s.backend.history),
		Prompts:   prompts,
		History:   s.backend.history,
		Sequence:  history.NewSessionSequence(s.backend.history),
		Reporter:  s.reporter,
		Filter:    s.opts.MessageFilter,
		Auditor:   s.opts.DecisionAuditor,
	})
	if err != nil {
		return fmt.Errorf("assembling pipeline: %w", err)
	}
	s.turns = turns
	return nil
}

// initRetention starts the background cleanup scheduler.
//
// # Description
//
// Retention runs against the Weaviate backend only; the local backend's
// data directory is wiped by deleting DATA_DIR. A zero interval disables
// the scheduler entirely.
func (s *service) initRetention() error {
	if s.weaviateClient == nil || s.cfg.RetentionInterval <= 0 {
		return nil
	}

	audit, err := retention.NewAuditLog(s.cfg.AuditLogPath)
	if err != nil {
		// The cleaner still runs without the tamper-evident log; deletions
		// are then visible in slog only.
		slog.Warn("Retention audit log unavailable",
			"path", s.cfg.AuditLogPath, "error", err)
	} else {
		s.retentionAudit = audit
	}

	cleaner := retention.NewWeaviateCleaner(s.weaviateClient, s.backend.docs, s.retentionAudit)
	schedCfg := retention.DefaultSchedulerConfig()
	schedCfg.Interval = s.cfg.RetentionInterval

	scheduler := retention.NewScheduler(cleaner, s.retentionAudit, schedCfg)
	if err := scheduler.Start(context.Background()); err != nil {
		return fmt.Errorf("starting retention scheduler: %w", err)
	}
	s.retentionScheduler = scheduler

	slog.Info("Retention cleanup scheduler started",
		"interval", s.cfg.RetentionInterval.String(),
		"audit_log", s.cfg.AuditLogPath,
	)
	return nil
}

// initRouter sets up the Gin HTTP router with all routes.
//
// # Description
//
// Creates the Gin engine, applies the tracing middleware, and registers all
// routes. ServiceOptions are passed through so enterprise middleware sees
// the injected providers.
func (s *service) initRouter() {
	if s.cfg.GinMode != "" {
		gin.SetMode(s.cfg.GinMode)
	}

	s.router = gin.Default()
	s.router.Use(otelgin.Middleware("govern-orchestrator"))

	routes.SetupRoutes(s.router, routes.Deps{
		Chat:      handlers.NewChatStreamHandler(s.turns),
		Turns:     s.turns,
		History:   s.backend.history,
		Documents: s.backend.docs,
		Ingestor:  s.backend.ingestor,
		Limiter:   middleware.NewRateLimiter(s.cfg.RateLimitPerSecond, s.cfg.RateLimitBurst),
		Options:   s.opts,
	})
}
