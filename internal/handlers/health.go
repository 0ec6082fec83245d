package handlers

import (
	"net/http"

	"polystore-backend/internal/strategy"
	"polystore-backend/pkg/api"
)

// Availability is the health endpoint's view of the monitor.
type Availability interface {
	Current() *strategy.Snapshot
}

// HealthHandler reports liveness and per-store availability.
type HealthHandler struct {
	avail   Availability
	version string
}

// NewHealthHandler creates the health handler.
func NewHealthHandler(avail Availability, version string) *HealthHandler {
	return &HealthHandler{avail: avail, version: version}
}

// Health handles GET /healthz. The process is alive as long as this
// responds; the body reports how degraded the store fleet is. Only a
// fully unreachable fleet turns the status into a 503.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	snap := h.avail.Current()
	if snap == nil {
		api.Success(w, http.StatusServiceUnavailable, api.HealthResponse{
			Status:   "unhealthy",
			Strategy: string(strategy.MonolithicFallback),
			Version:  h.version,
		})
		return
	}

	stores := make(map[string]api.StoreHealth, len(snap.Healthy))
	healthy := 0
	for kind, ok := range snap.Healthy {
		stores[string(kind)] = api.StoreHealth{
			Healthy:   ok,
			LatencyMs: snap.Latency[kind].Milliseconds(),
		}
		if ok {
			healthy++
		}
	}

	status := "healthy"
	code := http.StatusOK
	switch {
	case healthy == 0:
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	case healthy < len(snap.Healthy):
		status = "degraded"
	}

	api.Success(w, code, api.HealthResponse{
		Status:     status,
		Strategy:   string(strategy.Choose(snap)),
		Version:    h.version,
		ObservedAt: snap.TakenAt,
		Stores:     stores,
	})
}
