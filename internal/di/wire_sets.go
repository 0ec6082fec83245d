package di

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/wire"
)

// ============================================================================
// WIRE PROVIDER SETS
// ============================================================================

// CoreSet covers logging and metrics.
var CoreSet = wire.NewSet(
	provideLogLevel,
	provideLogger,
	provideCollector,
)

// StoreSet builds the adapter fleet and its batching engines.
var StoreSet = wire.NewSet(
	provideAdapters,
	provideEngines,
)

// PipelineSet is the write and read paths: availability monitoring,
// orchestration, distribution, caching, and the coordinator facade.
var PipelineSet = wire.NewSet(
	provideMonitor,
	provideReadRouter,
	provideOrchestrator,
	providePlanner,
	provideDistributor,
	provideCache,
	provideCoordinator,
)

// InterfaceSet assembles the HTTP surface.
var InterfaceSet = wire.NewSet(
	provideResultsHandler,
	provideQueryHandler,
	provideHealthHandler,
	SetupRouter,
	provideServer,
	wire.Bind(new(http.Handler), new(*chi.Mux)),
)

// SuperSet wires the whole container.
var SuperSet = wire.NewSet(
	CoreSet,
	StoreSet,
	PipelineSet,
	InterfaceSet,
	provideWatcher,
	provideContainer,
)
