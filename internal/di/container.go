package di

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"polystore-backend/internal/config"
	"polystore-backend/internal/store"
	"polystore-backend/internal/strategy"
)

const closeTimeout = 10 * time.Second

// NewContainer assembles the full component graph from an already-loaded
// configuration. Nothing dials out here; Start connects the fleet.
func NewContainer(cfg *config.Config) (*Container, error) {
	// 1. Logging
	level, err := provideLogLevel(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize container: %w", err)
	}
	logger, err := provideLogger(cfg, level)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize container: %w", err)
	}

	// 2. Metrics collector
	collector := provideCollector()

	// 3. Store adapters
	adapters := provideAdapters(cfg, logger)

	// 4. Batching engines
	engines := provideEngines(cfg, adapters, logger, collector)

	// 5. Availability monitor and read router
	monitor := provideMonitor(cfg, adapters, logger, collector)
	readRouter := provideReadRouter(cfg, monitor)

	// 6. Saga orchestrator
	orchestrator := provideOrchestrator(cfg, adapters, engines, logger)

	// 7. Distribution pipeline
	planner, err := providePlanner()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize container: %w", err)
	}
	dist := provideDistributor(cfg, planner, orchestrator, monitor, adapters, logger, collector)

	// 8. Read path
	rc := provideCache(cfg, logger, collector)
	coord := provideCoordinator(dist, readRouter, adapters, rc, logger)

	// 9. HTTP surface
	results := provideResultsHandler(coord, logger)
	query := provideQueryHandler(coord, logger)
	health := provideHealthHandler(cfg, monitor)
	mux := SetupRouter(cfg, logger, collector, results, query, health)
	server := provideServer(cfg, mux)

	// 10. Runtime tuning
	watcher := provideWatcher(cfg, engines, monitor, level, logger)

	return provideContainer(
		cfg, level, logger, collector,
		adapters, engines,
		monitor, readRouter,
		orchestrator, dist,
		rc, coord,
		watcher, mux, server,
	), nil
}

// registerShutdownFunctions records teardown in construction order; Shutdown
// walks the list backwards so the HTTP surface drains before the pipeline
// and the pipeline before the stores.
func (c *Container) registerShutdownFunctions() {
	adapters := c.Adapters
	c.addShutdownFunction(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		var failed int
		for kind, adapter := range adapters {
			if err := adapter.Close(ctx); err != nil {
				c.Logger.Error("closing store adapter",
					zap.String("store", string(kind)),
					zap.Error(err))
				failed++
			}
		}
		if failed > 0 {
			return fmt.Errorf("closing %d store adapters failed", failed)
		}
		return nil
	})

	engines := c.Engines
	c.addShutdownFunction(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		var failed int
		for kind, engine := range engines {
			if err := engine.Stop(ctx); err != nil {
				c.Logger.Error("stopping batch engine",
					zap.String("store", string(kind)),
					zap.Error(err))
				failed++
			}
		}
		if failed > 0 {
			return fmt.Errorf("stopping %d batch engines failed", failed)
		}
		return nil
	})

	monitor := c.Monitor
	c.addShutdownFunction(func() error {
		monitor.Stop()
		return nil
	})

	orchestrator := c.Orchestrator
	c.addShutdownFunction(func() error {
		orchestrator.Close()
		return nil
	})

	if rc := c.Cache; rc != nil {
		c.addShutdownFunction(rc.Close)
	}

	server := c.Server
	timeout := c.Config.Server.ShutdownTimeout
	c.addShutdownFunction(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return server.Shutdown(ctx)
	})

	if w := c.Watcher; w != nil {
		c.addShutdownFunction(func() error {
			w.Stop()
			return nil
		})
	}
}

// Start connects the storage fleet and begins availability polling. The
// embedded store must come up because every degradation path ends there; a
// dead network store is a degraded start, not a failed one.
func (c *Container) Start(ctx context.Context) error {
	if err := c.Adapters[store.Embedded].Connect(ctx); err != nil {
		return fmt.Errorf("connecting embedded store: %w", err)
	}
	for _, kind := range store.NetworkKinds() {
		if err := c.Adapters[kind].Connect(ctx); err != nil {
			c.Logger.Warn("store unreachable at startup, continuing degraded",
				zap.String("store", string(kind)),
				zap.Error(err))
		}
	}

	c.Monitor.Start(ctx)

	c.Logger.Info("container started",
		zap.String("environment", string(c.Config.Environment)),
		zap.String("strategy", string(c.Monitor.Strategy())),
		zap.Bool("cache", c.Cache != nil),
		zap.Strings("config_sources", c.Config.LoadedFrom))
	return nil
}

// Shutdown runs every registered cleanup hook in reverse order, collecting
// failures rather than stopping at the first.
func (c *Container) Shutdown() error {
	c.mu.Lock()
	functions := make([]func() error, len(c.shutdownFunctions))
	copy(functions, c.shutdownFunctions)
	c.shutdownFunctions = nil
	c.mu.Unlock()

	var errs []error
	for i := len(functions) - 1; i >= 0; i-- {
		if err := functions[i](); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("shutdown completed with %d errors: %v", len(errs), errs)
	}
	return nil
}

// Validate confirms the component graph is complete.
func (c *Container) Validate() error {
	if c.Config == nil {
		return fmt.Errorf("config not initialized")
	}
	if c.Logger == nil {
		return fmt.Errorf("logger not initialized")
	}
	if c.Collector == nil {
		return fmt.Errorf("metrics collector not initialized")
	}
	for _, kind := range append(store.NetworkKinds(), store.Embedded) {
		if c.Adapters[kind] == nil {
			return fmt.Errorf("%s adapter not initialized", kind)
		}
		if c.Engines[kind] == nil {
			return fmt.Errorf("%s batch engine not initialized", kind)
		}
	}
	if c.Monitor == nil {
		return fmt.Errorf("availability monitor not initialized")
	}
	if c.ReadRouter == nil {
		return fmt.Errorf("read router not initialized")
	}
	if c.Orchestrator == nil {
		return fmt.Errorf("saga orchestrator not initialized")
	}
	if c.Distributor == nil {
		return fmt.Errorf("distributor not initialized")
	}
	if c.Coordinator == nil {
		return fmt.Errorf("coordinator not initialized")
	}
	if c.Router == nil {
		return fmt.Errorf("http router not initialized")
	}
	if c.Server == nil {
		return fmt.Errorf("http server not initialized")
	}
	return nil
}

// Health reports per-component status keyed by name.
func (c *Container) Health(ctx context.Context) map[string]string {
	health := make(map[string]string)

	snap := c.Monitor.Current()
	for kind, ok := range snap.Healthy {
		status := "unhealthy"
		if ok {
			status = "healthy"
		}
		health["store:"+string(kind)] = status
	}
	health["strategy"] = string(strategy.Choose(snap))

	if c.Cache != nil {
		health["cache"] = "enabled"
	} else {
		health["cache"] = "disabled"
	}
	if c.Watcher != nil {
		health["config_watcher"] = "running"
	} else {
		health["config_watcher"] = "disabled"
	}
	return health
}
