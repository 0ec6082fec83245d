package coordinator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"polystore-backend/internal/config"
	"polystore-backend/internal/content"
	"polystore-backend/internal/distributor"
	"polystore-backend/internal/errors"
	"polystore-backend/internal/relation"
	"polystore-backend/internal/saga"
	"polystore-backend/internal/store"
	"polystore-backend/internal/store/storetest"
	"polystore-backend/internal/strategy"
)

// scriptedAvail stands in for the availability monitor: tests set the
// snapshot directly.
type scriptedAvail struct {
	mu   sync.Mutex
	snap *strategy.Snapshot
}

func (a *scriptedAvail) Current() *strategy.Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snap
}

func (a *scriptedAvail) Subscribe(fn func(*strategy.Snapshot)) {}

func (a *scriptedAvail) set(snap *strategy.Snapshot) {
	a.mu.Lock()
	a.snap = snap
	a.mu.Unlock()
}

func snapOf(kinds ...store.Kind) *strategy.Snapshot {
	healthy := make(map[store.Kind]bool, len(kinds))
	for _, kind := range kinds {
		healthy[kind] = true
	}
	return &strategy.Snapshot{Healthy: healthy}
}

func allUp() *strategy.Snapshot {
	return snapOf(store.Relational, store.Document, store.Vector, store.Graph, store.Embedded)
}

// memCache is an in-memory Cache with programmable failures.
type memCache struct {
	mu      sync.Mutex
	recs    map[string]*store.Record
	gets    int
	puts    int
	failGet error
	failPut error
}

func newMemCache() *memCache {
	return &memCache{recs: make(map[string]*store.Record)}
}

func (c *memCache) Get(ctx context.Context, id string) (*store.Record, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	if c.failGet != nil {
		return nil, false, c.failGet
	}
	rec, ok := c.recs[id]
	if !ok {
		return nil, false, nil
	}
	return rec.Clone(), true, nil
}

func (c *memCache) Put(ctx context.Context, id string, rec *store.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.puts++
	if c.failPut != nil {
		return c.failPut
	}
	c.recs[id] = rec.Clone()
	return nil
}

func (c *memCache) drop(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.recs, id)
}

func (c *memCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.recs)
}

type rig struct {
	coord      *Coordinator
	relational *storetest.Fake
	document   *storetest.Fake
	vector     *storetest.Fake
	graph      *storetest.Fake
	embedded   *storetest.Fake
	avail      *scriptedAvail
	cache      *memCache
}

func newRig(t *testing.T) *rig {
	t.Helper()
	r := &rig{
		relational: storetest.New(store.Relational),
		document:   storetest.New(store.Document),
		vector:     storetest.New(store.Vector),
		graph:      storetest.New(store.Graph),
		embedded:   storetest.New(store.Embedded),
		avail:      &scriptedAvail{snap: allUp()},
		cache:      newMemCache(),
	}
	sagaSettings := config.Saga{
		DefaultStepTimeout:        2 * time.Second,
		DefaultTransactionTimeout: 5 * time.Second,
		DefaultStepRetries:        1,
		CompensationRetries:       2,
		CompensationRetryDelay:    time.Millisecond,
		CompletedRetention:        time.Hour,
		EvictionInterval:          time.Minute,
	}
	orch := saga.NewOrchestrator(sagaSettings, zap.NewNop(),
		saga.NewStoreExecutor(r.relational, nil),
		saga.NewStoreExecutor(r.document, nil),
		saga.NewStoreExecutor(r.vector, nil),
		saga.NewStoreExecutor(r.graph, nil),
		saga.NewStoreExecutor(r.embedded, nil),
	)
	t.Cleanup(orch.Close)

	planner, err := distributor.NewPlanner(distributor.DefaultTable(), relation.MustNewRegistry())
	require.NoError(t, err)

	adapters := map[store.Kind]store.Store{
		store.Relational: r.relational,
		store.Document:   r.document,
		store.Vector:     r.vector,
		store.Graph:      r.graph,
		store.Embedded:   r.embedded,
	}
	dist := distributor.New(planner, orch, r.avail, adapters,
		config.Distributor{MaxConcurrent: 2, StrategyRefreshEvery: 100},
		distributor.WithRetry(store.RetryConfig{
			MaxAttempts: 2, BaseDelay: time.Millisecond,
			MaxDelay: 5 * time.Millisecond, BackoffFactor: 2,
		}),
	)
	router := strategy.NewRouter(r.avail, config.Strategy{})

	r.coord = New(dist, router, adapters, WithCache(r.cache), WithLogger(zap.NewNop()))
	dist.OnDistributed(r.cache.drop)
	return r
}

func sampleResult() *content.ProcessorResult {
	return &content.ProcessorResult{
		ProcessorID: "proc-text-1",
		Kind:        content.KindText,
		DocumentID:  "d1",
		Source:      content.Source{Path: "docs/d1.txt", MIME: "text/plain", SizeBytes: 512},
		Payload: content.Payload{
			Text:      &content.TextSection{Content: "foo"},
			Embedding: &content.VectorSection{Vector: []float32{0.1, 0.2, 0.3}},
			Relations: []content.RelationDecl{{
				Type:       "refers_to",
				SourceID:   "doc-a",
				TargetID:   "doc-b",
				Properties: map[string]any{"context": "body"},
			}},
		},
		Confidence: 0.93,
		Duration:   120 * time.Millisecond,
		CreatedAt:  time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC),
	}
}

func registryRow(id string) *store.Record {
	return &store.Record{
		Collection: "master_registry",
		ID:         id,
		Fields: map[string]any{
			"document_id":    id,
			"processor_kind": "text",
		},
		Rev: "1",
	}
}

func TestCoordinator_DistributeDelegates(t *testing.T) {
	r := newRig(t)

	out := r.coord.Distribute(context.Background(), sampleResult())

	require.True(t, out.Success, "errors: %v", out.Errors)
	assert.True(t, r.relational.Has("master_registry", "d1"))
	assert.Equal(t, strategy.FullPolyglot, r.coord.Strategy())
}

func TestCoordinator_DistributeManyKeepsOrder(t *testing.T) {
	r := newRig(t)
	results := make([]*content.ProcessorResult, 3)
	for i := range results {
		res := sampleResult()
		res.DocumentID = fmt.Sprintf("d%d", i+1)
		res.Payload.Relations = nil
		results[i] = res
	}

	out := r.coord.DistributeMany(context.Background(), results)

	require.Len(t, out, 3)
	for i, res := range out {
		require.True(t, res.Success, "result %d failed: %v", i, res.Errors)
		assert.Equal(t, fmt.Sprintf("d%d", i+1), res.DocumentID)
	}
}

func TestCoordinator_GetByID_RoutesAndCaches(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	r.relational.Seed(registryRow("d1"))

	rec, ok, err := r.coord.GetByID(ctx, "", "d1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "master_registry", rec.Collection)
	assert.Equal(t, "d1", rec.Fields["document_id"])
	assert.Equal(t, 1, r.relational.CallsOf("read_one"))

	// The second read is served from the cache.
	rec, ok, err = r.coord.GetByID(ctx, "", "d1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "d1", rec.ID)
	assert.Equal(t, 1, r.relational.CallsOf("read_one"))
}

func TestCoordinator_GetByID_AbsentIsNotAnError(t *testing.T) {
	r := newRig(t)

	rec, ok, err := r.coord.GetByID(context.Background(), "", "ghost")

	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, rec)
	assert.Equal(t, 0, r.cache.size(), "absence is not cached")
}

func TestCoordinator_GetByID_HintedReadBypassesCacheAndRouting(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	r.document.Seed(&store.Record{
		Collection: "documents",
		ID:         "d1",
		Fields:     map[string]any{"document_id": "d1", "content": "foo"},
	})

	rec, ok, err := r.coord.GetByID(ctx, store.Document, "d1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "documents", rec.Collection)
	assert.Equal(t, 1, r.document.CallsOf("read_one"))
	assert.Equal(t, 0, r.relational.CallsOf("read_one"))
	assert.Equal(t, 0, r.cache.gets, "hinted reads skip the cache")
	assert.Equal(t, 0, r.cache.puts)

	t.Run("unknown kind", func(t *testing.T) {
		_, _, err := r.coord.GetByID(ctx, store.Kind("martian"), "d1")
		require.Error(t, err)
		assert.True(t, errors.IsKind(err, errors.KindBadRequest))
	})

	t.Run("kind without adapter", func(t *testing.T) {
		bare := New(nil, nil, map[store.Kind]store.Store{store.Relational: r.relational})
		_, _, err := bare.GetByID(ctx, store.Vector, "d1")
		require.Error(t, err)
		assert.True(t, errors.IsKind(err, errors.KindStoreUnavailable))
	})
}

func TestCoordinator_GetByID_ValidatesInput(t *testing.T) {
	r := newRig(t)

	_, _, err := r.coord.GetByID(context.Background(), "", "")

	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindBadRequest))
}

func TestCoordinator_GetByID_FallsBackWhenRelationalDown(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	r.avail.set(snapOf(store.Document, store.Embedded))
	r.document.Seed(&store.Record{
		Collection: "documents",
		ID:         "d1",
		Fields:     map[string]any{"document_id": "d1", "content": "foo"},
	})

	rec, ok, err := r.coord.GetByID(ctx, "", "d1")

	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "documents", rec.Collection)
	assert.Equal(t, 0, r.relational.CallsOf("read_one"))
	assert.Equal(t, 1, r.document.CallsOf("read_one"))
}

func TestCoordinator_GetByID_CacheFailuresDoNotBlockReads(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	r.relational.Seed(registryRow("d1"))
	r.cache.failGet = errors.TransientTransport("cache", "get", nil)
	r.cache.failPut = errors.TransientTransport("cache", "put", nil)

	rec, ok, err := r.coord.GetByID(ctx, "", "d1")

	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "d1", rec.ID)
	assert.Equal(t, 1, r.relational.CallsOf("read_one"))
}

func TestCoordinator_DistributionInvalidatesCachedRecord(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	r.relational.Seed(registryRow("d1"))

	_, ok, err := r.coord.GetByID(ctx, "", "d1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, r.cache.size())

	out := r.coord.Distribute(ctx, sampleResult())
	require.True(t, out.Success)
	assert.Equal(t, 0, r.cache.size(), "distribution drops the cached record")

	rec, ok, err := r.coord.GetByID(ctx, "", "d1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, r.relational.CallsOf("read_one"), "the read after a distribution goes to the store")
	assert.Contains(t, rec.Fields, "cross_refs", "the fresh read sees the distributed row")
}

func TestCoordinator_SemanticSearch_ServedByVectorStore(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	for _, id := range []string{"e1", "e2", "e3"} {
		r.vector.Seed(&store.Record{
			Collection: "embeddings",
			ID:         id,
			Fields:     map[string]any{"document_id": id, "model": "all-minilm"},
		})
	}

	matches, err := r.coord.SemanticSearch(ctx, "query", 2, nil)

	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, 1, r.vector.CallsOf("search"))
	assert.LessOrEqual(t, matches[0].Distance, matches[1].Distance)
	assert.Equal(t, "e1", matches[0].ID)
}

func TestCoordinator_SemanticSearch_DegradesToContentScan(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	r.avail.set(snapOf(store.Document, store.Graph, store.Embedded))
	r.embedded.Seed(&store.Record{
		Collection: "document_content",
		ID:         "d1",
		Fields:     map[string]any{"document_id": "d1", "content": "Alpha beta alpha, then alpha again"},
	})
	r.embedded.Seed(&store.Record{
		Collection: "document_content",
		ID:         "d2",
		Fields:     map[string]any{"document_id": "d2", "content": "alpha beta"},
	})
	r.embedded.Seed(&store.Record{
		Collection: "document_content",
		ID:         "d3",
		Fields:     map[string]any{"document_id": "d3", "content": "gamma only"},
	})

	matches, err := r.coord.SemanticSearch(ctx, "Alpha", 10, nil)

	require.NoError(t, err)
	require.Len(t, matches, 2, "non-matching content is excluded")
	assert.Equal(t, "d1", matches[0].ID, "more occurrences rank closer")
	assert.Equal(t, "d2", matches[1].ID)
	assert.Less(t, matches[0].Distance, matches[1].Distance)
	assert.Equal(t, 0, r.vector.CallsOf("search"))
	assert.Equal(t, 1, r.embedded.CallsOf("query_native"))
}

func TestCoordinator_SemanticSearch_DegradedScanAppliesFilter(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	r.avail.set(snapOf(store.Embedded))
	r.embedded.Seed(&store.Record{
		Collection: "document_content",
		ID:         "d1",
		Fields:     map[string]any{"content": "alpha", "lang": "en"},
	})
	r.embedded.Seed(&store.Record{
		Collection: "document_content",
		ID:         "d2",
		Fields:     map[string]any{"content": "alpha", "lang": "de"},
	})

	matches, err := r.coord.SemanticSearch(ctx, "alpha", 10, map[string]any{"lang": "en"})

	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "d1", matches[0].ID)
}

func TestCoordinator_SemanticSearch_ValidatesInput(t *testing.T) {
	r := newRig(t)

	_, err := r.coord.SemanticSearch(context.Background(), "   ", 5, nil)

	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindBadRequest))
}

func TestCoordinator_QueryRelations_TraversesGraph(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	_, err := r.graph.CreateEdge(ctx, store.EdgeSpec{
		FromID: "doc-a", ToID: "doc-b", Type: "refers_to",
		Properties: map[string]any{
			"relation_id": "rel-1",
			"category":    "structural",
			"context":     "body",
		},
	})
	require.NoError(t, err)
	_, err = r.graph.CreateEdge(ctx, store.EdgeSpec{
		FromID: "doc-a", ToID: "doc-c", Type: "similar_to",
		Properties: map[string]any{
			"relation_id": "rel-2",
			"category":    "semantic",
		},
	})
	require.NoError(t, err)

	all, err := r.coord.QueryRelations(ctx, "doc-a", "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "rel-1", all[0].ID, "relation id comes from the edge properties")
	assert.Equal(t, "refers_to", all[0].Type)
	assert.Equal(t, relation.CategoryStructural, all[0].Category)
	assert.Equal(t, "doc-a", all[0].SourceID)
	assert.Equal(t, "doc-b", all[0].TargetID)
	assert.Equal(t, map[string]any{"context": "body"}, all[0].Properties)

	typed, err := r.coord.QueryRelations(ctx, "doc-a", "similar_to")
	require.NoError(t, err)
	require.Len(t, typed, 1)
	assert.Equal(t, "rel-2", typed[0].ID)
}

func TestCoordinator_QueryRelations_FallsBackToJoinTable(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	r.avail.set(snapOf(store.Document, store.Embedded))
	r.embedded.Seed(&store.Record{
		Collection: "relationships",
		ID:         "aaa",
		Fields: map[string]any{
			"type":      "refers_to",
			"category":  "structural",
			"source_id": "doc-a",
			"target_id": "doc-b",
			"context":   "body",
		},
	})
	r.embedded.Seed(&store.Record{
		Collection: "relationships",
		ID:         "bbb",
		Fields: map[string]any{
			"type":      "similar_to",
			"category":  "semantic",
			"source_id": "doc-a",
			"target_id": "doc-c",
		},
	})
	r.embedded.Seed(&store.Record{
		Collection: "relationships",
		ID:         "ccc",
		Fields: map[string]any{
			"type":      "refers_to",
			"category":  "structural",
			"source_id": "doc-x",
			"target_id": "doc-y",
		},
	})

	all, err := r.coord.QueryRelations(ctx, "doc-a", "")
	require.NoError(t, err)
	require.Len(t, all, 2, "other sources' relations are excluded")
	assert.Equal(t, "aaa", all[0].ID)
	assert.Equal(t, relation.CategoryStructural, all[0].Category)
	assert.Equal(t, "doc-b", all[0].TargetID)
	assert.Equal(t, map[string]any{"context": "body"}, all[0].Properties)
	assert.Equal(t, 0, r.graph.CallsOf("traverse"))

	typed, err := r.coord.QueryRelations(ctx, "doc-a", "similar_to")
	require.NoError(t, err)
	require.Len(t, typed, 1)
	assert.Equal(t, "bbb", typed[0].ID)
}

func TestCoordinator_QueryRelations_ValidatesInput(t *testing.T) {
	r := newRig(t)

	_, err := r.coord.QueryRelations(context.Background(), "", "")

	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindBadRequest))
}

func TestCoordinator_ReadsFailWhenNothingReachable(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	r.avail.set(&strategy.Snapshot{})

	_, _, err := r.coord.GetByID(ctx, "", "d1")
	assert.True(t, errors.IsKind(err, errors.KindStoreUnavailable))

	_, err = r.coord.SemanticSearch(ctx, "alpha", 5, nil)
	assert.True(t, errors.IsKind(err, errors.KindStoreUnavailable))

	_, err = r.coord.QueryRelations(ctx, "doc-a", "")
	assert.True(t, errors.IsKind(err, errors.KindStoreUnavailable))
}

func TestCoordinator_StatsCoversEveryAdapter(t *testing.T) {
	r := newRig(t)

	stats := r.coord.Stats()

	require.Len(t, stats, 5)
	assert.Equal(t, store.Relational, stats[store.Relational].Kind)
	assert.Equal(t, store.Embedded, stats[store.Embedded].Kind)
}
