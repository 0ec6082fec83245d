package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"polystore-backend/internal/config"
	"polystore-backend/internal/content"
	"polystore-backend/internal/coordinator"
	"polystore-backend/internal/distributor"
	"polystore-backend/internal/relation"
	"polystore-backend/internal/saga"
	"polystore-backend/internal/store"
	"polystore-backend/internal/store/storetest"
	"polystore-backend/internal/strategy"
	"polystore-backend/pkg/api"
)

// scriptedAvail lets tests pin the availability snapshot.
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

// snapWith reports the full fleet, with only the given kinds reachable.
func snapWith(up ...store.Kind) *strategy.Snapshot {
	healthy := make(map[store.Kind]bool)
	for _, kind := range store.NetworkKinds() {
		healthy[kind] = false
	}
	healthy[store.Embedded] = false
	latency := make(map[store.Kind]time.Duration)
	for _, kind := range up {
		healthy[kind] = true
		latency[kind] = 3 * time.Millisecond
	}
	return &strategy.Snapshot{TakenAt: time.Now(), Healthy: healthy, Latency: latency}
}

func allKinds() []store.Kind {
	return []store.Kind{store.Relational, store.Document, store.Vector, store.Graph, store.Embedded}
}

type env struct {
	router     http.Handler
	avail      *scriptedAvail
	relational *storetest.Fake
	document   *storetest.Fake
	vector     *storetest.Fake
	graph      *storetest.Fake
	embedded   *storetest.Fake
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		avail:      &scriptedAvail{snap: snapWith(allKinds()...)},
		relational: storetest.New(store.Relational),
		document:   storetest.New(store.Document),
		vector:     storetest.New(store.Vector),
		graph:      storetest.New(store.Graph),
		embedded:   storetest.New(store.Embedded),
	}

	orch := saga.NewOrchestrator(config.Saga{
		DefaultStepTimeout:        2 * time.Second,
		DefaultTransactionTimeout: 5 * time.Second,
		DefaultStepRetries:        1,
		CompensationRetries:       2,
		CompensationRetryDelay:    time.Millisecond,
		CompletedRetention:        time.Hour,
		EvictionInterval:          time.Minute,
	}, zap.NewNop(),
		saga.NewStoreExecutor(e.relational, nil),
		saga.NewStoreExecutor(e.document, nil),
		saga.NewStoreExecutor(e.vector, nil),
		saga.NewStoreExecutor(e.graph, nil),
		saga.NewStoreExecutor(e.embedded, nil),
	)
	t.Cleanup(orch.Close)

	planner, err := distributor.NewPlanner(distributor.DefaultTable(), relation.MustNewRegistry())
	require.NoError(t, err)

	adapters := map[store.Kind]store.Store{
		store.Relational: e.relational,
		store.Document:   e.document,
		store.Vector:     e.vector,
		store.Graph:      e.graph,
		store.Embedded:   e.embedded,
	}
	dist := distributor.New(planner, orch, e.avail, adapters,
		config.Distributor{MaxConcurrent: 2, StrategyRefreshEvery: 100})
	coord := coordinator.New(dist, strategy.NewRouter(e.avail, config.Strategy{}), adapters,
		coordinator.WithLogger(zap.NewNop()))

	results := NewResultsHandler(coord, zap.NewNop())
	query := NewQueryHandler(coord, zap.NewNop())
	health := NewHealthHandler(e.avail, "test")

	r := chi.NewRouter()
	r.Post("/v1/results", results.Distribute)
	r.Post("/v1/results:batch", results.DistributeBatch)
	r.Get("/v1/records/{id}", query.GetRecord)
	r.Post("/v1/search/semantic", query.SemanticSearch)
	r.Get("/v1/relations", query.QueryRelations)
	r.Get("/healthz", health.Health)
	e.router = r
	return e
}

func (e *env) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func sampleResult(docID string) *content.ProcessorResult {
	return &content.ProcessorResult{
		ProcessorID: "proc-text-1",
		Kind:        content.KindText,
		DocumentID:  docID,
		Source:      content.Source{Path: "docs/" + docID + ".txt", MIME: "text/plain", SizeBytes: 512},
		Payload: content.Payload{
			Text:      &content.TextSection{Content: "alpha beta"},
			Embedding: &content.VectorSection{Vector: []float32{0.1, 0.2, 0.3}},
		},
		Confidence: 0.9,
		Duration:   100 * time.Millisecond,
		CreatedAt:  time.Now(),
	}
}

// ============================================================================
// INGEST
// ============================================================================

func TestResultsHandler_DistributeAcceptsValidResult(t *testing.T) {
	e := newEnv(t)

	w := e.do(t, http.MethodPost, "/v1/results", sampleResult("d1"))

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	resp := decodeBody[api.DistributionResponse](t, w)
	assert.True(t, resp.Success)
	assert.Equal(t, "d1", resp.DocumentID)
	assert.Equal(t, string(strategy.FullPolyglot), resp.Strategy)
	assert.NotEmpty(t, resp.TransactionID)
	assert.NotEmpty(t, resp.StoredIDs)
	assert.True(t, e.relational.Has("master_registry", "d1"))
	assert.True(t, e.document.Has("documents", "d1"))
}

func TestResultsHandler_DistributeRejectsMalformedJSON(t *testing.T) {
	e := newEnv(t)

	w := e.do(t, http.MethodPost, "/v1/results", `{"documentId":`)

	require.Equal(t, http.StatusBadRequest, w.Code)
	resp := decodeBody[api.ErrorResponse](t, w)
	assert.Equal(t, "BAD_REQUEST", resp.Kind)
}

func TestResultsHandler_DistributeRejectsInvalidResult(t *testing.T) {
	e := newEnv(t)

	// Missing document id.
	w := e.do(t, http.MethodPost, "/v1/results", `{"processorId":"p1","kind":"text"}`)

	require.Equal(t, http.StatusBadRequest, w.Code)
	resp := decodeBody[api.ErrorResponse](t, w)
	assert.Equal(t, "BAD_REQUEST", resp.Kind)
	assert.NotEmpty(t, resp.Issues)
	assert.Equal(t, 0, e.relational.TotalRecords(), "invalid input must not reach the stores")
}

func TestResultsHandler_BatchItemizesOutcomes(t *testing.T) {
	e := newEnv(t)

	w := e.do(t, http.MethodPost, "/v1/results:batch", map[string]any{
		"results": []*content.ProcessorResult{sampleResult("d1"), sampleResult("d2")},
	})

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decodeBody[api.BatchDistributionResponse](t, w)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, 2, resp.Succeeded)
	assert.Equal(t, 0, resp.Failed)
	assert.Equal(t, "d1", resp.Results[0].DocumentID)
	assert.Equal(t, "d2", resp.Results[1].DocumentID)
}

func TestResultsHandler_BatchRejectsEmptyList(t *testing.T) {
	e := newEnv(t)

	w := e.do(t, http.MethodPost, "/v1/results:batch", `{"results":[]}`)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestResultsHandler_BatchRejectsInvalidItems(t *testing.T) {
	e := newEnv(t)

	w := e.do(t, http.MethodPost, "/v1/results:batch", map[string]any{
		"results": []any{sampleResult("d1"), map[string]any{"processorId": "p2"}},
	})

	require.Equal(t, http.StatusBadRequest, w.Code)
	resp := decodeBody[api.ErrorResponse](t, w)
	require.NotEmpty(t, resp.Issues)
	assert.Contains(t, resp.Issues[0], "results[1]")
	assert.Equal(t, 0, e.relational.TotalRecords(), "one bad item rejects the whole batch before any write")
}

// ============================================================================
// READS
// ============================================================================

func TestQueryHandler_GetRecordRoundTrip(t *testing.T) {
	e := newEnv(t)
	require.Equal(t, http.StatusCreated, e.do(t, http.MethodPost, "/v1/results", sampleResult("d1")).Code)

	w := e.do(t, http.MethodGet, "/v1/records/d1", nil)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decodeBody[api.RecordResponse](t, w)
	assert.Equal(t, "d1", resp.ID)
	assert.Equal(t, "master_registry", resp.Collection)
	assert.NotEmpty(t, resp.Fields)
}

func TestQueryHandler_GetRecordNotFound(t *testing.T) {
	e := newEnv(t)

	w := e.do(t, http.MethodGet, "/v1/records/missing", nil)

	require.Equal(t, http.StatusNotFound, w.Code)
	resp := decodeBody[api.ErrorResponse](t, w)
	assert.Equal(t, "NOT_FOUND", resp.Kind)
}

func TestQueryHandler_GetRecordHintPinsStore(t *testing.T) {
	e := newEnv(t)
	e.document.Seed(&store.Record{
		Collection: "documents",
		ID:         "d9",
		Fields:     map[string]any{"document_id": "d9", "content": "hello"},
	})

	w := e.do(t, http.MethodGet, "/v1/records/d9?store=document", nil)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decodeBody[api.RecordResponse](t, w)
	assert.Equal(t, "documents", resp.Collection)
	assert.Equal(t, 0, e.relational.CallsOf("read_one"), "hinted reads bypass routing")
}

func TestQueryHandler_GetRecordRejectsUnknownHint(t *testing.T) {
	e := newEnv(t)

	w := e.do(t, http.MethodGet, "/v1/records/d1?store=tape", nil)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestQueryHandler_SemanticSearchReturnsMatches(t *testing.T) {
	e := newEnv(t)
	for _, id := range []string{"e1", "e2", "e3"} {
		e.vector.Seed(&store.Record{
			Collection: "embeddings",
			ID:         id,
			Fields:     map[string]any{"document_id": id},
		})
	}

	w := e.do(t, http.MethodPost, "/v1/search/semantic", api.SemanticSearchRequest{Query: "alpha", TopK: 2})

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decodeBody[api.SemanticSearchResponse](t, w)
	require.Equal(t, 2, resp.Count)
	assert.Equal(t, "e1", resp.Matches[0].ID)
	assert.LessOrEqual(t, resp.Matches[0].Distance, resp.Matches[1].Distance)
}

func TestQueryHandler_SemanticSearchRequiresQuery(t *testing.T) {
	e := newEnv(t)

	w := e.do(t, http.MethodPost, "/v1/search/semantic", `{"query":"   "}`)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestQueryHandler_RelationsListsEdges(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	_, err := e.graph.CreateEdge(ctx, store.EdgeSpec{
		FromID: "doc-a", ToID: "doc-b", Type: "refers_to",
		Properties: map[string]any{"relation_id": "rel-1", "category": "structural"},
	})
	require.NoError(t, err)
	_, err = e.graph.CreateEdge(ctx, store.EdgeSpec{
		FromID: "doc-a", ToID: "doc-c", Type: "similar_to",
		Properties: map[string]any{"relation_id": "rel-2", "category": "semantic"},
	})
	require.NoError(t, err)

	w := e.do(t, http.MethodGet, "/v1/relations?source_id=doc-a", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decodeBody[api.RelationsResponse](t, w)
	assert.Equal(t, "doc-a", resp.SourceID)
	assert.Equal(t, 2, resp.Count)

	w = e.do(t, http.MethodGet, "/v1/relations?source_id=doc-a&relation_type=similar_to", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp = decodeBody[api.RelationsResponse](t, w)
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, "rel-2", resp.Relations[0].ID)
	assert.Equal(t, "similar_to", resp.Relations[0].Type)
}

func TestQueryHandler_RelationsRequiresSourceID(t *testing.T) {
	e := newEnv(t)

	w := e.do(t, http.MethodGet, "/v1/relations", nil)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

// ============================================================================
// HEALTH
// ============================================================================

func TestHealthHandler_ReportsFullFleet(t *testing.T) {
	e := newEnv(t)

	w := e.do(t, http.MethodGet, "/healthz", nil)

	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeBody[api.HealthResponse](t, w)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, string(strategy.FullPolyglot), resp.Strategy)
	assert.Len(t, resp.Stores, 5)
}

func TestHealthHandler_ReportsDegradedFleet(t *testing.T) {
	e := newEnv(t)
	e.avail.set(snapWith(store.Relational, store.Embedded))

	w := e.do(t, http.MethodGet, "/healthz", nil)

	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeBody[api.HealthResponse](t, w)
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, string(strategy.RelationalEnhanced), resp.Strategy)
	assert.False(t, resp.Stores[string(store.Document)].Healthy)
}

func TestHealthHandler_ReportsUnreachableFleet(t *testing.T) {
	e := newEnv(t)
	e.avail.set(snapWith())

	w := e.do(t, http.MethodGet, "/healthz", nil)

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	resp := decodeBody[api.HealthResponse](t, w)
	assert.Equal(t, "unhealthy", resp.Status)
}
