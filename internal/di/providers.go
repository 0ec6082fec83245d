package di

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"polystore-backend/internal/batch"
	"polystore-backend/internal/cache"
	"polystore-backend/internal/config"
	"polystore-backend/internal/coordinator"
	"polystore-backend/internal/distributor"
	"polystore-backend/internal/handlers"
	"polystore-backend/internal/observability"
	"polystore-backend/internal/relation"
	"polystore-backend/internal/saga"
	"polystore-backend/internal/store"
	"polystore-backend/internal/store/document"
	"polystore-backend/internal/store/embedded"
	"polystore-backend/internal/store/graph"
	"polystore-backend/internal/store/relational"
	"polystore-backend/internal/store/vector"
	"polystore-backend/internal/strategy"
)

// ============================================================================
// CORE PROVIDERS
// ============================================================================

// provideLogLevel seeds the atomic level the config watcher retunes at
// runtime.
func provideLogLevel(cfg *config.Config) (zap.AtomicLevel, error) {
	level, err := zapcore.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return zap.AtomicLevel{}, fmt.Errorf("parsing log level %q: %w", cfg.Logging.Level, err)
	}
	return zap.NewAtomicLevelAt(level), nil
}

func provideLogger(cfg *config.Config, level zap.AtomicLevel) (*zap.Logger, error) {
	var zcfg zap.Config
	if cfg.Logging.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = level
	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger, nil
}

func provideCollector() *observability.Collector {
	return observability.NewCollector("polystore")
}

// ============================================================================
// STORE PROVIDERS
// ============================================================================

// provideAdapters builds the five store adapters. Network-backed kinds are
// wrapped with a circuit breaker; the embedded store stays raw because the
// fallback path must keep accepting writes when everything else is down.
func provideAdapters(cfg *config.Config, logger *zap.Logger) map[store.Kind]store.Store {
	breaker := store.BreakerConfig{
		MaxRequests:  cfg.Breaker.MaxRequests,
		Interval:     cfg.Breaker.Interval,
		OpenTimeout:  cfg.Breaker.OpenTimeout,
		MinRequests:  cfg.Breaker.MinRequests,
		FailureRatio: cfg.Breaker.FailureRatio,
	}

	adapters := map[store.Kind]store.Store{
		store.Relational: relational.New(cfg.Stores.Relational, logger),
		store.Document:   document.New(cfg.Stores.Document, logger),
		store.Vector:     vector.New(cfg.Stores.Vector, logger),
		store.Graph:      graph.New(cfg.Stores.Graph, logger),
		store.Embedded:   embedded.New(cfg.Stores.Embedded, logger),
	}
	for _, kind := range store.NetworkKinds() {
		adapters[kind] = store.WithBreaker(adapters[kind], breaker, logger)
	}
	return adapters
}

// provideEngines starts one batching engine per store kind. Engines consume
// the breaker-wrapped adapters so a tripped breaker fails queued batches
// fast instead of piling work onto a dead store.
func provideEngines(
	cfg *config.Config,
	adapters map[store.Kind]store.Store,
	logger *zap.Logger,
	collector *observability.Collector,
) map[store.Kind]*batch.Engine {
	engines := make(map[store.Kind]*batch.Engine, len(adapters))
	for kind, adapter := range adapters {
		engines[kind] = batch.NewEngine(adapter, cfg.Batch,
			batch.WithLogger(logger),
			batch.WithMetrics(collector),
			batch.WithRetry(retrySettings(cfg.Retry)),
		)
	}
	return engines
}

func retrySettings(cfg config.Retry) store.RetryConfig {
	return store.RetryConfig{
		MaxAttempts:   cfg.MaxAttempts,
		BaseDelay:     cfg.BaseDelay,
		MaxDelay:      cfg.MaxDelay,
		BackoffFactor: cfg.BackoffFactor,
		JitterFactor:  cfg.JitterFactor,
	}
}

// ============================================================================
// AVAILABILITY AND ROUTING PROVIDERS
// ============================================================================

func provideMonitor(
	cfg *config.Config,
	adapters map[store.Kind]store.Store,
	logger *zap.Logger,
	collector *observability.Collector,
) *strategy.Monitor {
	kinds := append(store.NetworkKinds(), store.Embedded)
	ordered := make([]store.Store, 0, len(adapters))
	for _, kind := range kinds {
		if adapter, ok := adapters[kind]; ok {
			ordered = append(ordered, adapter)
		}
	}
	monitor := strategy.NewMonitor(cfg.Strategy, logger, ordered...)
	monitor.Subscribe(collector.ObserveAvailability)
	return monitor
}

func provideReadRouter(cfg *config.Config, monitor *strategy.Monitor) *strategy.Router {
	return strategy.NewRouter(monitor, cfg.Strategy)
}

// ============================================================================
// WRITE PATH PROVIDERS
// ============================================================================

// provideOrchestrator builds one saga executor per store kind. Single-record
// writes ride the batching engines; compensations and edge operations go to
// the adapter directly.
func provideOrchestrator(
	cfg *config.Config,
	adapters map[store.Kind]store.Store,
	engines map[store.Kind]*batch.Engine,
	logger *zap.Logger,
) *saga.Orchestrator {
	executors := make([]saga.Executor, 0, len(adapters))
	for kind, adapter := range adapters {
		executors = append(executors, saga.NewStoreExecutor(adapter, logger, saga.WithBatcher(engines[kind])))
	}
	return saga.NewOrchestrator(cfg.Saga, logger, executors...)
}

func providePlanner() (*distributor.Planner, error) {
	return distributor.NewPlanner(distributor.DefaultTable(), relation.MustNewRegistry())
}

func provideDistributor(
	cfg *config.Config,
	planner *distributor.Planner,
	orchestrator *saga.Orchestrator,
	monitor *strategy.Monitor,
	adapters map[store.Kind]store.Store,
	logger *zap.Logger,
	collector *observability.Collector,
) *distributor.Distributor {
	return distributor.New(planner, orchestrator, monitor, adapters, cfg.Distributor,
		distributor.WithLogger(logger),
		distributor.WithMetrics(collector),
		distributor.WithRetry(retrySettings(cfg.Retry)),
	)
}

// ============================================================================
// READ PATH PROVIDERS
// ============================================================================

// provideCache dials the record cache. A disabled or unreachable cache is
// not fatal: reads fall through to the stores uncached.
func provideCache(cfg *config.Config, logger *zap.Logger, collector *observability.Collector) *cache.RecordCache {
	if !cfg.Cache.Enabled {
		return nil
	}
	dialCtx, cancel := context.WithTimeout(context.Background(), cfg.Cache.DialTimeout)
	defer cancel()

	rc, err := cache.New(dialCtx, cfg.Cache, logger, cache.WithMetrics(collector))
	if err != nil {
		logger.Warn("record cache unavailable, reads go uncached",
			zap.String("addr", cfg.Cache.Addr),
			zap.Error(err))
		return nil
	}
	return rc
}

func provideCoordinator(
	dist *distributor.Distributor,
	router *strategy.Router,
	adapters map[store.Kind]store.Store,
	rc *cache.RecordCache,
	logger *zap.Logger,
) *coordinator.Coordinator {
	opts := []coordinator.Option{coordinator.WithLogger(logger)}
	if rc != nil {
		opts = append(opts, coordinator.WithCache(rc))
		dist.OnDistributed(rc.InvalidationListener())
	}
	return coordinator.New(dist, router, adapters, opts...)
}

// ============================================================================
// HTTP PROVIDERS
// ============================================================================

func provideResultsHandler(coord *coordinator.Coordinator, logger *zap.Logger) *handlers.ResultsHandler {
	return handlers.NewResultsHandler(coord, logger)
}

func provideQueryHandler(coord *coordinator.Coordinator, logger *zap.Logger) *handlers.QueryHandler {
	return handlers.NewQueryHandler(coord, logger)
}

func provideHealthHandler(cfg *config.Config, monitor *strategy.Monitor) *handlers.HealthHandler {
	return handlers.NewHealthHandler(monitor, cfg.Version)
}

func provideServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
}

// ============================================================================
// RUNTIME TUNING PROVIDERS
// ============================================================================

// provideWatcher hooks the config watcher to every retunable component. A
// watcher that cannot start leaves the process on its boot-time tuning.
func provideWatcher(
	cfg *config.Config,
	engines map[store.Kind]*batch.Engine,
	monitor *strategy.Monitor,
	level zap.AtomicLevel,
	logger *zap.Logger,
) *config.Watcher {
	basePath := os.Getenv("CONFIG_DIR")
	if basePath == "" {
		basePath = "config"
	}
	watcher, err := config.NewWatcher(cfg, basePath, logger)
	if err != nil {
		logger.Warn("config watcher unavailable, runtime tuning disabled", zap.Error(err))
		return nil
	}
	watcher.OnChange(func(t config.Tunables) {
		for _, engine := range engines {
			engine.Retune(t.Batch)
		}
		monitor.Retune(t.Strategy)
		if parsed, perr := zapcore.ParseLevel(t.LogLevel); perr == nil {
			level.SetLevel(parsed)
		} else {
			logger.Warn("ignoring invalid log level from config", zap.String("level", t.LogLevel))
		}
	})
	return watcher
}

// ============================================================================
// CONTAINER PROVIDER
// ============================================================================

// provideContainer is the single assembly point for both the hand-rolled
// and the wire-generated graphs. Registering the stores with the collector
// must happen exactly once, so it lives here.
func provideContainer(
	cfg *config.Config,
	level zap.AtomicLevel,
	logger *zap.Logger,
	collector *observability.Collector,
	adapters map[store.Kind]store.Store,
	engines map[store.Kind]*batch.Engine,
	monitor *strategy.Monitor,
	readRouter *strategy.Router,
	orchestrator *saga.Orchestrator,
	dist *distributor.Distributor,
	rc *cache.RecordCache,
	coord *coordinator.Coordinator,
	watcher *config.Watcher,
	mux *chi.Mux,
	server *http.Server,
) *Container {
	c := &Container{
		Config:       cfg,
		Logger:       logger,
		LogLevel:     level,
		Collector:    collector,
		Adapters:     adapters,
		Engines:      engines,
		Monitor:      monitor,
		ReadRouter:   readRouter,
		Orchestrator: orchestrator,
		Distributor:  dist,
		Cache:        rc,
		Coordinator:  coord,
		Watcher:      watcher,
		Router:       mux,
		Server:       server,
	}
	collector.TrackStores("polystore", adapters)
	c.registerShutdownFunctions()
	return c
}
