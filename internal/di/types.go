// Package di wires the coordination service together: configuration,
// logging, adapters, batching, orchestration, the distributor and
// coordinator, and the HTTP surface. The Container owns every long-lived
// component and tears them down in reverse construction order.
package di

import (
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"polystore-backend/internal/batch"
	"polystore-backend/internal/cache"
	"polystore-backend/internal/config"
	"polystore-backend/internal/coordinator"
	"polystore-backend/internal/distributor"
	"polystore-backend/internal/observability"
	"polystore-backend/internal/saga"
	"polystore-backend/internal/store"
	"polystore-backend/internal/strategy"
)

// Container holds all application components and their lifecycle hooks.
type Container struct {
	// Core dependencies
	Config   *config.Config
	Logger   *zap.Logger
	LogLevel zap.AtomicLevel

	// Observability
	Collector *observability.Collector

	// Storage fleet
	Adapters map[store.Kind]store.Store
	Engines  map[store.Kind]*batch.Engine

	// Availability and routing
	Monitor    *strategy.Monitor
	ReadRouter *strategy.Router

	// Write path
	Orchestrator *saga.Orchestrator
	Distributor  *distributor.Distributor

	// Read path
	Cache       *cache.RecordCache
	Coordinator *coordinator.Coordinator

	// Runtime tuning
	Watcher *config.Watcher

	// HTTP surface
	Router *chi.Mux
	Server *http.Server

	// Lifecycle management
	mu                sync.Mutex
	shutdownFunctions []func() error
}

// addShutdownFunction registers a cleanup hook. Hooks run in reverse
// registration order during Shutdown.
func (c *Container) addShutdownFunction(fn func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shutdownFunctions = append(c.shutdownFunctions, fn)
}
