package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/partonomy/annotator/internal/api"
	"github.com/partonomy/annotator/internal/app/storage"
	"github.com/partonomy/annotator/internal/config"
	"github.com/partonomy/annotator/internal/coordinator"
	"github.com/partonomy/annotator/internal/httpclient"
	"github.com/partonomy/annotator/internal/kv"
	"github.com/partonomy/annotator/internal/lock"
	"github.com/partonomy/annotator/internal/queue"
	"github.com/partonomy/annotator/internal/segment"
	"github.com/partonomy/annotator/internal/snapshot"
	"github.com/partonomy/annotator/internal/sources"
	"github.com/partonomy/annotator/internal/state"
	"github.com/partonomy/annotator/internal/telemetry"
)

const (
	// CoordinatorTracerName names the tracer of coordinator spans
	CoordinatorTracerName = "github.com/partonomy/annotator/coordinator"

	defaultHTTPAddress = ":8080"
	// requests may wait out a blocking lock acquisition before doing any work
	defaultRequestTimeout = 45 * time.Second
	defaultReadTimeout    = 30 * time.Second
	defaultWriteTimeout   = 60 * time.Second
	defaultIdleTimeout    = 120 * time.Second
)

// AnnotatorAppOptions is a function that configures the annotator app builder
type AnnotatorAppOptions func(*annotatorAppConfig) error

// annotatorAppConfig collects the builder inputs. Component overrides exist
// primarily for testing; production wiring derives everything from config.
type annotatorAppConfig struct {
	config *config.Config

	// Optional component overrides
	storageFactory storage.Factory
	snapshot       snapshot.Persistence
	collector      sources.Collector
	predictor      segment.Predictor

	// HTTP server options
	address        string
	middlewares    []func(http.Handler) http.Handler
	requestTimeout time.Duration
	readTimeout    time.Duration
	writeTimeout   time.Duration
	idleTimeout    time.Duration

	// Telemetry components
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	metricsHandler http.Handler
}

func baseConfig(opts ...AnnotatorAppOptions) (*annotatorAppConfig, error) {
	cfg := &annotatorAppConfig{
		address:        defaultHTTPAddress,
		requestTimeout: defaultRequestTimeout,
		readTimeout:    defaultReadTimeout,
		writeTimeout:   defaultWriteTimeout,
		idleTimeout:    defaultIdleTimeout,
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	if cfg.config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	return cfg, nil
}

// NewAnnotatorApp wires the shared store, state store, lock service,
// coordinator, segmenter and HTTP server from configuration
func NewAnnotatorApp(
	ctx context.Context,
	opts ...AnnotatorAppOptions,
) (*AnnotatorApp, error) {
	cfg, err := baseConfig(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build base configuration: %w", err)
	}

	if cfg.storageFactory == nil {
		cfg.storageFactory, err = storage.NewStorageFactory(ctx, cfg.config)
		if err != nil {
			return nil, fmt.Errorf("failed to create storage factory: %w", err)
		}
	}

	// Ensure cleanup happens on error
	var cleanupNeeded = true
	defer func() {
		if cleanupNeeded {
			cfg.storageFactory.Cleanup()
		}
	}()

	store, err := cfg.storageFactory.CreateStore(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create shared store: %w", err)
	}

	segmenter := buildSegmenter(cfg)

	coord, err := buildCoordinator(cfg, store, segmenter)
	if err != nil {
		return nil, fmt.Errorf("failed to build coordinator: %w", err)
	}

	httpServer, err := buildHTTPServer(cfg, coord, segmenter)
	if err != nil {
		return nil, fmt.Errorf("failed to build HTTP server: %w", err)
	}

	appCtx, cancel := context.WithCancel(ctx)
	cleanupNeeded = false

	cancelFunc := func() {
		cfg.storageFactory.Cleanup()
		cancel()
	}

	return &AnnotatorApp{
		config: cfg.config,
		components: &AppComponents{
			Coordinator: coord,
			Store:       store,
			Segmenter:   segmenter,
		},
		httpServer: httpServer,
		ctx:        appCtx,
		cancelFunc: cancelFunc,
	}, nil
}

// WithConfig sets the configuration
func WithConfig(c *config.Config) AnnotatorAppOptions {
	return func(cfg *annotatorAppConfig) error {
		cfg.config = c
		return nil
	}
}

// WithAddress sets the HTTP server address
func WithAddress(addr string) AnnotatorAppOptions {
	return func(cfg *annotatorAppConfig) error {
		if addr == "" {
			return fmt.Errorf("address cannot be empty")
		}

		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return fmt.Errorf("address is not a valid host:port: %w", err)
		}
		if port == "" {
			return fmt.Errorf("address is not a valid port: %s", addr)
		}
		switch host {
		case "localhost":
			host = "127.0.0.1"
		case "":
			host = "0.0.0.0"
		}

		if _, err := netip.ParseAddrPort(net.JoinHostPort(host, port)); err != nil {
			return fmt.Errorf("address is not a valid port: %w", err)
		}

		cfg.address = addr
		return nil
	}
}

// WithMiddlewares sets custom HTTP middlewares
func WithMiddlewares(mw ...func(http.Handler) http.Handler) AnnotatorAppOptions {
	return func(cfg *annotatorAppConfig) error {
		cfg.middlewares = mw
		return nil
	}
}

// WithRequestTimeout bounds the handling time of a single request
func WithRequestTimeout(d time.Duration) AnnotatorAppOptions {
	return func(cfg *annotatorAppConfig) error {
		if d <= 0 {
			return fmt.Errorf("request timeout must be positive")
		}
		cfg.requestTimeout = d
		if cfg.writeTimeout <= d {
			cfg.writeTimeout = d + 15*time.Second
		}
		return nil
	}
}

// WithStorageFactory allows injecting a custom storage factory (for testing)
func WithStorageFactory(f storage.Factory) AnnotatorAppOptions {
	return func(cfg *annotatorAppConfig) error {
		cfg.storageFactory = f
		return nil
	}
}

// WithSnapshot allows injecting the durable snapshot (for testing)
func WithSnapshot(p snapshot.Persistence) AnnotatorAppOptions {
	return func(cfg *annotatorAppConfig) error {
		cfg.snapshot = p
		return nil
	}
}

// WithCollector allows injecting the raw source collector (for testing)
func WithCollector(c sources.Collector) AnnotatorAppOptions {
	return func(cfg *annotatorAppConfig) error {
		cfg.collector = c
		return nil
	}
}

// WithPredictor overrides the segmentation model client
func WithPredictor(p segment.Predictor) AnnotatorAppOptions {
	return func(cfg *annotatorAppConfig) error {
		cfg.predictor = p
		return nil
	}
}

// WithMeterProvider sets the OpenTelemetry meter provider for HTTP and coordinator metrics
func WithMeterProvider(mp metric.MeterProvider) AnnotatorAppOptions {
	return func(cfg *annotatorAppConfig) error {
		cfg.meterProvider = mp
		return nil
	}
}

// WithTracerProvider sets the OpenTelemetry tracer provider for HTTP and coordinator spans
func WithTracerProvider(tp trace.TracerProvider) AnnotatorAppOptions {
	return func(cfg *annotatorAppConfig) error {
		cfg.tracerProvider = tp
		return nil
	}
}

// WithMetricsHandler serves a Prometheus scrape endpoint on /metrics
func WithMetricsHandler(h http.Handler) AnnotatorAppOptions {
	return func(cfg *annotatorAppConfig) error {
		cfg.metricsHandler = h
		return nil
	}
}

// buildSegmenter builds the segmentation collaborator. Without a configured
// model endpoint only polygon prompts are served.
func buildSegmenter(b *annotatorAppConfig) *segment.Segmenter {
	seg := b.config.Segmentation

	predictor := b.predictor
	if predictor == nil && seg.Enabled() {
		client := httpclient.NewDefaultClient(seg.GetTimeout())
		predictor = segment.NewRemotePredictor(seg.Endpoint, client)
		slog.Info("Segmentation model configured", "endpoint", seg.Endpoint)
	}
	if predictor == nil {
		slog.Info("No segmentation model configured; point prompts are disabled")
	}

	cache := segment.NewSessionCache(seg.GetCacheSize(), seg.GetCacheTTL())
	return segment.NewSegmenter(predictor, cache,
		segment.WithImageSizer(segment.DirImageSizer(b.config.Dataset.ImagesDir)),
	)
}

// buildCoordinator builds the state store, lock service and coordinator over store
func buildCoordinator(
	b *annotatorAppConfig,
	store kv.Store,
	invalidator coordinator.Invalidator,
) (coordinator.Coordinator, error) {
	slog.Info("Initializing coordinator components")

	dataset := b.config.Dataset

	snap := b.snapshot
	if snap == nil {
		snap = snapshot.NewFileSnapshot(dataset.GetSnapshotFile())
	}
	collector := b.collector
	if collector == nil {
		collector = sources.NewDirectoryCollector(dataset.ImagesDir, dataset.MasksDir,
			sources.WithRequireImages(dataset.RequireImages),
			sources.WithWorkers(dataset.Workers),
			sources.WithExcludePaths(dataset.GetSnapshotFile(), dataset.GetBackupDir()),
		)
	}

	coordMetrics, err := telemetry.NewCoordinatorMetrics(b.meterProvider)
	if err != nil {
		return nil, fmt.Errorf("failed to create coordinator metrics: %w", err)
	}
	lockMetrics, err := telemetry.NewLockMetrics(b.meterProvider)
	if err != nil {
		return nil, fmt.Errorf("failed to create lock metrics: %w", err)
	}

	states := state.NewStore(store, snap,
		state.WithCollector(collector),
		state.WithPersistObserver(coordMetrics),
	)

	locks := b.config.Locks
	lockService := lock.NewService(store,
		lock.WithOptions(lock.Options{
			TTL:             locks.GetTTL(),
			BlockingTimeout: locks.GetBlockingTimeout(),
			RetryTimes:      locks.GetRetryTimes(),
			RetryDelay:      locks.GetRetryDelay(),
			PollInterval:    locks.GetPollInterval(),
		}),
		lock.WithWaitObserver(lockMetrics),
	)

	strategy, err := queue.ParseStrategy(b.config.Queue.GetStrategy())
	if err != nil {
		return nil, err
	}

	coordOpts := []coordinator.Option{
		coordinator.WithQueueOptions(queue.Options{
			Strategy:  strategy,
			BatchSize: b.config.Queue.GetBatchSize(),
		}),
		coordinator.WithInvalidator(invalidator),
		coordinator.WithMetrics(coordMetrics),
	}
	if b.tracerProvider != nil {
		coordOpts = append(coordOpts, coordinator.WithTracer(b.tracerProvider.Tracer(CoordinatorTracerName)))
	}

	slog.Info("Coordinator components initialized successfully",
		"snapshot", snap.Path(),
		"strategy", strategy,
		"lock_ttl", lockService.TTL(),
	)
	return coordinator.New(store, states, lockService, coordOpts...), nil
}

// buildHTTPServer builds the HTTP server with router and middleware
func buildHTTPServer(
	b *annotatorAppConfig,
	coord coordinator.Coordinator,
	segmenter *segment.Segmenter,
) (*http.Server, error) {
	slog.Info("Initializing HTTP server")

	middlewares := b.middlewares
	if middlewares == nil {
		middlewares = []func(http.Handler) http.Handler{
			middleware.RequestID,
			middleware.RealIP,
			middleware.Recoverer,
			middleware.Timeout(b.requestTimeout),
			api.LoggingMiddleware,
		}
	}

	// Telemetry middleware goes first so rejected and timed out requests are observed too
	if b.tracerProvider != nil {
		middlewares = append([]func(http.Handler) http.Handler{telemetry.TracingMiddleware(b.tracerProvider)}, middlewares...)
		slog.Info("HTTP tracing middleware enabled")
	}
	if b.meterProvider != nil {
		metricsMiddleware, err := telemetry.MetricsMiddleware(b.meterProvider)
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics middleware: %w", err)
		}
		middlewares = append([]func(http.Handler) http.Handler{metricsMiddleware}, middlewares...)
		slog.Info("HTTP metrics middleware enabled")
	}

	serverOpts := []api.ServerOption{
		api.WithMiddlewares(middlewares...),
		api.WithSegmenter(segmenter),
	}
	if b.metricsHandler != nil {
		serverOpts = append(serverOpts, api.WithMetricsHandler(b.metricsHandler))
	}
	router := api.NewServer(coord, serverOpts...)

	server := &http.Server{
		Addr:         b.address,
		Handler:      router,
		ReadTimeout:  b.readTimeout,
		WriteTimeout: b.writeTimeout,
		IdleTimeout:  b.idleTimeout,
	}

	slog.Info("HTTP server configured", "address", b.address)
	return server, nil
}
