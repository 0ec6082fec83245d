package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"polystore-backend/internal/errors"
	"polystore-backend/internal/store"
	"polystore-backend/internal/store/storetest"
)

func tightBreaker() store.BreakerConfig {
	return store.BreakerConfig{
		MaxRequests:  1,
		Interval:     time.Minute,
		OpenTimeout:  25 * time.Millisecond,
		MinRequests:  3,
		FailureRatio: 0.5,
	}
}

func TestWithBreaker_PassesHealthyTraffic(t *testing.T) {
	fake := storetest.New(store.Relational)
	wrapped := store.WithBreaker(fake, tightBreaker(), nil)
	ctx := context.Background()

	receipt, err := wrapped.WriteOne(ctx, &store.Record{
		Collection: "master_registry",
		ID:         "doc-1",
		Fields:     map[string]any{"title": "t"},
	})
	require.NoError(t, err)
	require.NotNil(t, receipt)
	assert.Equal(t, "doc-1", receipt.ID)

	rec, ok, err := wrapped.ReadOne(ctx, "master_registry", "doc-1", nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "doc-1", rec.ID)

	assert.Equal(t, store.Relational, wrapped.Kind())
}

func TestWithBreaker_OpensAfterSustainedFailures(t *testing.T) {
	fake := storetest.New(store.Document)
	wrapped := store.WithBreaker(fake, tightBreaker(), nil)
	ctx := context.Background()
	rec := &store.Record{Collection: "documents", ID: "doc-1", Fields: map[string]any{}}

	fake.FailAlways("write_one", errors.TransientTransport("document", "write_one", nil))
	for i := 0; i < 3; i++ {
		_, err := wrapped.WriteOne(ctx, rec)
		require.Error(t, err)
		assert.Equal(t, errors.KindTransientTransport, errors.KindOf(err))
	}
	reached := fake.CallsOf("write_one")

	// The circuit is open now: calls fail fast without touching the adapter.
	_, err := wrapped.WriteOne(ctx, rec)
	require.Error(t, err)
	assert.Equal(t, errors.KindStoreUnavailable, errors.KindOf(err))
	assert.Equal(t, reached, fake.CallsOf("write_one"))
}

func TestWithBreaker_RecoversAfterOpenTimeout(t *testing.T) {
	fake := storetest.New(store.Document)
	wrapped := store.WithBreaker(fake, tightBreaker(), nil)
	ctx := context.Background()
	rec := &store.Record{Collection: "documents", ID: "doc-1", Fields: map[string]any{}}

	fake.FailAlways("write_one", errors.TransientTransport("document", "write_one", nil))
	for i := 0; i < 3; i++ {
		_, _ = wrapped.WriteOne(ctx, rec)
	}
	fake.ClearFailures()

	require.Eventually(t, func() bool {
		_, err := wrapped.WriteOne(ctx, rec)
		return err == nil
	}, time.Second, 10*time.Millisecond, "breaker should close after the open timeout")
}

func TestWithBreaker_ClientErrorsDoNotTrip(t *testing.T) {
	fake := storetest.New(store.Relational)
	wrapped := store.WithBreaker(fake, tightBreaker(), nil)
	ctx := context.Background()

	fake.FailAlways("delete", errors.Conflict("record", "doc-1"))
	for i := 0; i < 10; i++ {
		_, err := wrapped.Delete(ctx, "master_registry", "doc-1")
		require.Error(t, err)
		assert.Equal(t, errors.KindConflict, errors.KindOf(err))
	}
	// Every rejection reached the adapter; the breaker never opened.
	assert.Equal(t, 10, fake.CallsOf("delete"))
}

func TestWithBreaker_HealthChecksBypassOpenCircuit(t *testing.T) {
	fake := storetest.New(store.Graph)
	wrapped := store.WithBreaker(fake, tightBreaker(), nil)
	ctx := context.Background()
	rec := &store.Record{Collection: "edges", ID: "e-1", Fields: map[string]any{}}

	fake.FailAlways("write_one", errors.TransientTransport("graph", "write_one", nil))
	for i := 0; i < 3; i++ {
		_, _ = wrapped.WriteOne(ctx, rec)
	}
	_, err := wrapped.WriteOne(ctx, rec)
	require.Equal(t, errors.KindStoreUnavailable, errors.KindOf(err))

	// The monitor keeps probing straight through the open breaker.
	status := wrapped.HealthCheck(ctx)
	assert.True(t, status.Healthy)
}

func TestWithBreaker_PreservesCapabilities(t *testing.T) {
	fake := storetest.New(store.Vector)
	wrapped := store.WithBreaker(fake, tightBreaker(), nil)

	vec, ok := wrapped.(store.VectorCapable)
	require.True(t, ok, "vector capability must survive wrapping")
	graph, ok := wrapped.(store.GraphCapable)
	require.True(t, ok, "graph capability must survive wrapping")

	ctx := context.Background()
	fake.Seed(&store.Record{Collection: "embeddings", ID: "e-1", Fields: map[string]any{}})
	matches, err := vec.Search(ctx, store.SearchRequest{Collection: "embeddings", Text: "q", TopK: 5})
	require.NoError(t, err)
	assert.Len(t, matches, 1)

	edgeID, err := graph.CreateEdge(ctx, store.EdgeSpec{FromID: "a", ToID: "b", Type: "refers_to"})
	require.NoError(t, err)
	assert.NotEmpty(t, edgeID)
}

func TestWithBreaker_CapabilityFailuresCountToo(t *testing.T) {
	fake := storetest.New(store.Vector)
	wrapped := store.WithBreaker(fake, tightBreaker(), nil)
	vec := wrapped.(store.VectorCapable)
	ctx := context.Background()

	fake.FailAlways("search", errors.TransientTransport("vector", "search", nil))
	req := store.SearchRequest{Collection: "embeddings", Text: "q", TopK: 5}
	for i := 0; i < 3; i++ {
		_, err := vec.Search(ctx, req)
		require.Error(t, err)
	}

	_, err := vec.Search(ctx, req)
	require.Error(t, err)
	assert.Equal(t, errors.KindStoreUnavailable, errors.KindOf(err))

	// The shared breaker also guards the common contract.
	_, _, err = wrapped.ReadOne(ctx, "embeddings", "e-1", nil)
	require.Error(t, err)
	assert.Equal(t, errors.KindStoreUnavailable, errors.KindOf(err))
}
