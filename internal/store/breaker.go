package store

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"polystore-backend/internal/errors"
)

// ============================================================================
// CIRCUIT BREAKER DECORATOR
// ============================================================================

// BreakerConfig holds circuit breaker settings for one adapter.
type BreakerConfig struct {
	// MaxRequests allowed through while half-open.
	MaxRequests uint32
	// Interval resets the failure counts while closed.
	Interval time.Duration
	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration
	// MinRequests is the sample floor before the failure ratio is evaluated.
	MinRequests uint32
	// FailureRatio trips the breaker once reached.
	FailureRatio float64
}

// DefaultBreakerConfig matches the configuration defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:  3,
		Interval:     30 * time.Second,
		OpenTimeout:  15 * time.Second,
		MinRequests:  10,
		FailureRatio: 0.6,
	}
}

// WithBreaker wraps an adapter so that sustained infrastructure failures trip
// a circuit breaker and fail fast with STORE_UNAVAILABLE instead of piling
// onto a struggling backend. Lifecycle methods, health probes, and Stats
// bypass the breaker: the availability monitor must keep observing the
// backend while the breaker is open. Capability interfaces on the wrapped
// adapter are preserved.
func WithBreaker(inner Store, cfg BreakerConfig, logger *zap.Logger) Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &breakerStore{
		inner: inner,
		cb:    newBreaker(string(inner.Kind()), cfg, logger),
	}

	vec, hasVec := inner.(VectorCapable)
	graph, hasGraph := inner.(GraphCapable)
	switch {
	case hasVec && hasGraph:
		return &breakerDualStore{
			breakerVectorStore: &breakerVectorStore{breakerStore: b, vec: vec},
			graph:              &breakerGraphStore{breakerStore: b, graph: graph},
		}
	case hasVec:
		return &breakerVectorStore{breakerStore: b, vec: vec}
	case hasGraph:
		return &breakerGraphStore{breakerStore: b, graph: graph}
	default:
		return b
	}
}

func newBreaker(name string, cfg BreakerConfig, logger *zap.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("store", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		// Only infrastructure failures count against the breaker. A request
		// the backend correctly rejected proves it is alive.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			switch errors.KindOf(err) {
			case errors.KindBadRequest, errors.KindNotFound, errors.KindConflict,
				errors.KindUnknownRelation, errors.KindInvalidProperties,
				errors.KindCancelled:
				return true
			}
			return false
		},
	})
}

type breakerStore struct {
	inner Store
	cb    *gobreaker.CircuitBreaker
}

// call runs op through the breaker, mapping an open circuit onto the error
// taxonomy.
func (b *breakerStore) call(op string, fn func() error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return errors.StoreUnavailable(string(b.inner.Kind())).WithOp(op).WithCause(err)
	}
	return err
}

func (b *breakerStore) Kind() Kind                         { return b.inner.Kind() }
func (b *breakerStore) Connect(ctx context.Context) error  { return b.inner.Connect(ctx) }
func (b *breakerStore) Close(ctx context.Context) error    { return b.inner.Close(ctx) }
func (b *breakerStore) Connected() bool                    { return b.inner.Connected() }
func (b *breakerStore) HealthCheck(ctx context.Context) HealthStatus {
	return b.inner.HealthCheck(ctx)
}
func (b *breakerStore) Stats() Stats { return b.inner.Stats() }

func (b *breakerStore) WriteOne(ctx context.Context, rec *Record) (*WriteReceipt, error) {
	var receipt *WriteReceipt
	err := b.call("write_one", func() error {
		var err error
		receipt, err = b.inner.WriteOne(ctx, rec)
		return err
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

func (b *breakerStore) WriteBatch(ctx context.Context, recs []*Record) ([]ItemOutcome, error) {
	var outcomes []ItemOutcome
	err := b.call("write_batch", func() error {
		var err error
		outcomes, err = b.inner.WriteBatch(ctx, recs)
		return err
	})
	if err != nil {
		return nil, err
	}
	return outcomes, nil
}

func (b *breakerStore) ReadOne(ctx context.Context, collection, id string, projection []string) (*Record, bool, error) {
	var (
		rec *Record
		ok  bool
	)
	err := b.call("read_one", func() error {
		var err error
		rec, ok, err = b.inner.ReadOne(ctx, collection, id, projection)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return rec, ok, nil
}

func (b *breakerStore) ReadBatch(ctx context.Context, collection string, ids []string) (map[string]*Record, error) {
	var recs map[string]*Record
	err := b.call("read_batch", func() error {
		var err error
		recs, err = b.inner.ReadBatch(ctx, collection, ids)
		return err
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}

func (b *breakerStore) ExistsBatch(ctx context.Context, collection string, ids []string) (map[string]bool, error) {
	var present map[string]bool
	err := b.call("exists_batch", func() error {
		var err error
		present, err = b.inner.ExistsBatch(ctx, collection, ids)
		return err
	})
	if err != nil {
		return nil, err
	}
	return present, nil
}

func (b *breakerStore) Delete(ctx context.Context, collection, id string) (bool, error) {
	var existed bool
	err := b.call("delete", func() error {
		var err error
		existed, err = b.inner.Delete(ctx, collection, id)
		return err
	})
	if err != nil {
		return false, err
	}
	return existed, nil
}

func (b *breakerStore) QueryNative(ctx context.Context, q NativeQuery) (Iterator, error) {
	var it Iterator
	err := b.call("query_native", func() error {
		var err error
		it, err = b.inner.QueryNative(ctx, q)
		return err
	})
	if err != nil {
		return nil, err
	}
	return it, nil
}

// breakerVectorStore carries the vector capability through the breaker.
type breakerVectorStore struct {
	*breakerStore
	vec VectorCapable
}

func (b *breakerVectorStore) EnsureCollection(ctx context.Context, name string, dimension int) error {
	return b.call("ensure_collection", func() error {
		return b.vec.EnsureCollection(ctx, name, dimension)
	})
}

func (b *breakerVectorStore) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	var vectors [][]float32
	err := b.call("embed", func() error {
		var err error
		vectors, err = b.vec.Embed(ctx, texts)
		return err
	})
	if err != nil {
		return nil, err
	}
	return vectors, nil
}

func (b *breakerVectorStore) Search(ctx context.Context, req SearchRequest) ([]Match, error) {
	var matches []Match
	err := b.call("search", func() error {
		var err error
		matches, err = b.vec.Search(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return matches, nil
}

// breakerGraphStore carries the graph capability through the breaker.
type breakerGraphStore struct {
	*breakerStore
	graph GraphCapable
}

func (b *breakerGraphStore) CreateNode(ctx context.Context, label string, properties map[string]any) (string, error) {
	var id string
	err := b.call("create_node", func() error {
		var err error
		id, err = b.graph.CreateNode(ctx, label, properties)
		return err
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (b *breakerGraphStore) CreateEdge(ctx context.Context, spec EdgeSpec) (string, error) {
	var id string
	err := b.call("create_edge", func() error {
		var err error
		id, err = b.graph.CreateEdge(ctx, spec)
		return err
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (b *breakerGraphStore) UpdateEdgeWeight(ctx context.Context, edgeID string, weight float64) error {
	return b.call("update_edge_weight", func() error {
		return b.graph.UpdateEdgeWeight(ctx, edgeID, weight)
	})
}

func (b *breakerGraphStore) DeactivateEdge(ctx context.Context, edgeID, reason string) error {
	return b.call("deactivate_edge", func() error {
		return b.graph.DeactivateEdge(ctx, edgeID, reason)
	})
}

func (b *breakerGraphStore) RestoreEdge(ctx context.Context, edgeID string) error {
	return b.call("restore_edge", func() error {
		return b.graph.RestoreEdge(ctx, edgeID)
	})
}

func (b *breakerGraphStore) Traverse(ctx context.Context, q TraversalQuery) ([]Edge, error) {
	var edges []Edge
	err := b.call("traverse", func() error {
		var err error
		edges, err = b.graph.Traverse(ctx, q)
		return err
	})
	if err != nil {
		return nil, err
	}
	return edges, nil
}

// breakerDualStore covers adapters exposing both capabilities, which the test
// fake does.
type breakerDualStore struct {
	*breakerVectorStore
	graph *breakerGraphStore
}

func (b *breakerDualStore) CreateNode(ctx context.Context, label string, properties map[string]any) (string, error) {
	return b.graph.CreateNode(ctx, label, properties)
}

func (b *breakerDualStore) CreateEdge(ctx context.Context, spec EdgeSpec) (string, error) {
	return b.graph.CreateEdge(ctx, spec)
}

func (b *breakerDualStore) UpdateEdgeWeight(ctx context.Context, edgeID string, weight float64) error {
	return b.graph.UpdateEdgeWeight(ctx, edgeID, weight)
}

func (b *breakerDualStore) DeactivateEdge(ctx context.Context, edgeID, reason string) error {
	return b.graph.DeactivateEdge(ctx, edgeID, reason)
}

func (b *breakerDualStore) RestoreEdge(ctx context.Context, edgeID string) error {
	return b.graph.RestoreEdge(ctx, edgeID)
}

func (b *breakerDualStore) Traverse(ctx context.Context, q TraversalQuery) ([]Edge, error) {
	return b.graph.Traverse(ctx, q)
}
