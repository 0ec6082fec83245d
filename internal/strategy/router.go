package strategy

import (
	"sync"
	"time"

	"polystore-backend/internal/config"
	"polystore-backend/internal/errors"
	"polystore-backend/internal/store"
)

// QueryKind classifies a read for routing purposes.
type QueryKind string

const (
	QuerySemanticSimilarity    QueryKind = "semantic_similarity"
	QueryRelationshipTraversal QueryKind = "relationship_traversal"
	QueryExactLookup           QueryKind = "exact_lookup"
	QueryTextSearch            QueryKind = "text_search"
)

// readPreferences orders the stores able to answer each query kind,
// cheapest first. The embedded store closes every list as the local last
// resort.
var readPreferences = map[QueryKind][]store.Kind{
	QuerySemanticSimilarity:    {store.Vector, store.Relational, store.Embedded},
	QueryRelationshipTraversal: {store.Graph, store.Relational, store.Embedded},
	QueryExactLookup:           {store.Relational, store.Document, store.Embedded},
	QueryTextSearch:            {store.Vector, store.Document, store.Embedded},
}

// latencySampleFloor is how many observations a store needs for a query
// kind before its running average can override the static preference.
const latencySampleFloor = 5

// AvailabilitySource yields the current availability snapshot.
type AvailabilitySource interface {
	Current() *Snapshot
}

// Router picks the store that should answer a read. The static preference
// list decides by default; a store that has grown significantly slower
// than its next alternative loses its spot.
type Router struct {
	source AvailabilitySource
	factor float64

	mu  sync.Mutex
	lat map[QueryKind]map[store.Kind]*runningLatency
}

type runningLatency struct {
	mean    float64
	samples int
}

// ewmaAlpha weights recent observations in the running latency average.
const ewmaAlpha = 0.2

func (r *runningLatency) observe(d time.Duration) {
	v := float64(d)
	if r.samples == 0 {
		r.mean = v
	} else {
		r.mean = ewmaAlpha*v + (1-ewmaAlpha)*r.mean
	}
	r.samples++
}

// NewRouter builds a read router over the availability source.
func NewRouter(source AvailabilitySource, settings config.Strategy) *Router {
	factor := settings.LatencyOverrideFactor
	if factor < 1 {
		factor = 2.0
	}
	return &Router{
		source: source,
		factor: factor,
		lat:    make(map[QueryKind]map[store.Kind]*runningLatency),
	}
}

// Observe records the latency of a served read; feeds the override.
func (r *Router) Observe(q QueryKind, kind store.Kind, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byStore, ok := r.lat[q]
	if !ok {
		byStore = make(map[store.Kind]*runningLatency)
		r.lat[q] = byStore
	}
	rl, ok := byStore[kind]
	if !ok {
		rl = &runningLatency{}
		byStore[kind] = rl
	}
	rl.observe(d)
}

// RouteRead returns the store kind that should answer the query: the first
// reachable preference, unless its observed latency exceeds the override
// factor times the next reachable alternative's.
func (r *Router) RouteRead(q QueryKind) (store.Kind, error) {
	prefs, ok := readPreferences[q]
	if !ok {
		return "", errors.BadRequest("unknown query kind " + string(q))
	}
	snap := r.source.Current()

	reachable := make([]store.Kind, 0, len(prefs))
	for _, kind := range prefs {
		if snap.IsHealthy(kind) {
			reachable = append(reachable, kind)
		}
	}
	if len(reachable) == 0 {
		return "", errors.StoreUnavailable("any").WithOp("route_read")
	}
	if len(reachable) == 1 {
		return reachable[0], nil
	}

	first, second := reachable[0], reachable[1]
	r.mu.Lock()
	defer r.mu.Unlock()
	a, aOK := r.lat[q][first]
	b, bOK := r.lat[q][second]
	if aOK && bOK && a.samples >= latencySampleFloor && b.samples >= latencySampleFloor &&
		a.mean > r.factor*b.mean {
		return second, nil
	}
	return first, nil
}
