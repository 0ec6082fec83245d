// Package vector implements the common store contract on an embedding store
// with a proprietary JSON-over-HTTP protocol. Records become points: the
// "vector" field is the dense embedding, everything else rides along as the
// point payload. Upserts are native, so a duplicate id never conflicts; a
// reported conflict is converted to success. Nearest-neighbor search returns
// matches sorted ascending by distance.
package vector

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"polystore-backend/internal/config"
	"polystore-backend/internal/errors"
	"polystore-backend/internal/store"
)

// ============================================================================
// ADAPTER
// ============================================================================

// Adapter is the embedding store.
type Adapter struct {
	cfg    config.Vector
	logger *zap.Logger
	stats  *store.Tracker

	mu  sync.RWMutex
	api *client
}

// New builds a disconnected adapter. Connect probes the backend and ensures
// the configured default collection exists.
func New(cfg config.Vector, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Metric == "" {
		cfg.Metric = "cosine"
	}
	return &Adapter{
		cfg:    cfg,
		logger: logger,
		stats:  store.NewTracker(store.Vector),
	}
}

func (a *Adapter) Kind() store.Kind { return store.Vector }

// Connect probes the backend and gets-or-creates the default collection.
// Idempotent.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.api != nil {
		return nil
	}

	api := newClient(a.cfg.Endpoint, a.cfg.APIKey, a.cfg.Timeout)
	status, err := api.do(ctx, http.MethodGet, "/healthz", nil, nil)
	if err != nil {
		return a.wrapTransport(err, "connect")
	}
	if status >= 300 {
		return a.statusErr(status, "connect", "", "")
	}
	if a.cfg.Collection != "" && a.cfg.Dimension > 0 {
		if err := a.ensureCollection(ctx, api, a.cfg.Collection, a.cfg.Dimension); err != nil {
			return err
		}
	}
	a.api = api
	a.logger.Info("vector store connected",
		zap.String("collection", a.cfg.Collection),
		zap.Int("dimension", a.cfg.Dimension),
		zap.String("metric", a.cfg.Metric))
	return nil
}

func (a *Adapter) Close(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.api == nil {
		return nil
	}
	a.api.http.CloseIdleConnections()
	a.api = nil
	return nil
}

func (a *Adapter) Connected() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.api != nil
}

func (a *Adapter) Stats() store.Stats { return a.stats.Snapshot() }

func (a *Adapter) HealthCheck(ctx context.Context) store.HealthStatus {
	started := time.Now()
	status := store.HealthStatus{CheckedAt: started}

	api, err := a.session()
	if err != nil {
		status.Message = err.Error()
		return status
	}
	code, err := api.do(ctx, http.MethodGet, "/healthz", nil, nil)
	status.Latency = time.Since(started)
	a.stats.Observe("health_check", status.Latency, err)
	switch {
	case err != nil:
		status.Message = err.Error()
	case code >= 300:
		status.Message = a.statusErr(code, "health_check", "", "").Error()
	default:
		status.Healthy = true
	}
	return status
}

// ============================================================================
// POINTS
// ============================================================================

// point is the wire form of a stored record.
type point struct {
	ID       string         `json:"id"`
	Vector   []float32      `json:"vector,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
	StoredAt time.Time      `json:"stored_at"`
}

// writeStatus is the per-point acknowledgement of an upsert. Statuses arrive
// in request order.
type writeStatus struct {
	ID      string `json:"id"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

type upsertResponse struct {
	Statuses []writeStatus `json:"statuses"`
}

type pointsResponse struct {
	Points []point `json:"points"`
}

type deleteResponse struct {
	Deleted bool `json:"deleted"`
}

type searchMatch struct {
	ID       string         `json:"id"`
	Distance float64        `json:"distance"`
	Payload  map[string]any `json:"payload,omitempty"`
}

type searchResponse struct {
	Matches []searchMatch `json:"matches"`
}

type embedResponse struct {
	Vectors [][]float32 `json:"vectors"`
}

func collectionPath(name string) string { return "/collections/" + url.PathEscape(name) }
func pointsPath(name string) string     { return collectionPath(name) + "/points" }
func pointPath(name, id string) string  { return pointsPath(name) + "/" + url.PathEscape(id) }

func (a *Adapter) toPoint(rec *store.Record) (point, error) {
	raw, present := rec.Fields["vector"]
	if !present {
		return point{}, errors.BadRequest("record carries no vector").
			WithStore(string(store.Vector)).WithOp("write")
	}
	vec, ok := asVector(raw)
	if !ok || len(vec) == 0 {
		return point{}, errors.BadRequest("record vector is malformed").
			WithStore(string(store.Vector)).WithOp("write")
	}
	payload := make(map[string]any, len(rec.Fields))
	for k, v := range rec.Fields {
		if k == "vector" {
			continue
		}
		payload[k] = v
	}
	return point{ID: rec.ID, Vector: vec, Payload: payload, StoredAt: time.Now().UTC()}, nil
}

// asVector accepts the shapes a vector field takes after JSON round trips.
func asVector(v any) ([]float32, bool) {
	switch vec := v.(type) {
	case []float32:
		return vec, true
	case []float64:
		out := make([]float32, len(vec))
		for i, f := range vec {
			out[i] = float32(f)
		}
		return out, true
	case []any:
		out := make([]float32, len(vec))
		for i, raw := range vec {
			f, ok := raw.(float64)
			if !ok {
				return nil, false
			}
			out[i] = float32(f)
		}
		return out, true
	}
	return nil, false
}

func toRecord(collection string, p point) *store.Record {
	fields := make(map[string]any, len(p.Payload)+1)
	for k, v := range p.Payload {
		fields[k] = v
	}
	if len(p.Vector) > 0 {
		fields["vector"] = p.Vector
	}
	return &store.Record{Collection: collection, ID: p.ID, Fields: fields, StoredAt: p.StoredAt}
}

// ============================================================================
// WRITES
// ============================================================================

func (a *Adapter) WriteOne(ctx context.Context, rec *store.Record) (rcpt *store.WriteReceipt, err error) {
	started := time.Now()
	defer func() { a.stats.Observe("write_one", time.Since(started), err) }()

	api, err := a.session()
	if err != nil {
		return nil, err
	}
	pt, err := a.toPoint(rec)
	if err != nil {
		return nil, err
	}

	var resp upsertResponse
	status, err := api.do(ctx, http.MethodPut, pointsPath(rec.Collection),
		map[string]any{"points": []point{pt}}, &resp)
	if err != nil {
		return nil, a.wrapTransport(err, "write_one")
	}
	if status >= 300 {
		return nil, a.statusErr(status, "write_one", rec.Collection, rec.ID)
	}
	if len(resp.Statuses) == 0 {
		return nil, errors.New(errors.KindInternal, "vector store returned no write status").
			WithStore(string(store.Vector)).WithOp("write_one")
	}
	if err := a.statusToErr(resp.Statuses[0], "write_one"); err != nil {
		return nil, err
	}
	return &store.WriteReceipt{ID: rec.ID, StoredAt: pt.StoredAt}, nil
}

// WriteBatch upserts points grouped per collection. The backend accepts
// partial batches: a rejected point becomes that item's outcome, the rest
// land.
func (a *Adapter) WriteBatch(ctx context.Context, recs []*store.Record) (outcomes []store.ItemOutcome, err error) {
	started := time.Now()
	defer func() { a.stats.Observe("write_batch", time.Since(started), err) }()

	api, err := a.session()
	if err != nil {
		return nil, err
	}

	outcomes = make([]store.ItemOutcome, len(recs))
	groups := make(map[string][]int)
	pts := make(map[int]point, len(recs))
	for i, rec := range recs {
		outcomes[i] = store.ItemOutcome{Index: i}
		pt, perr := a.toPoint(rec)
		if perr != nil {
			outcomes[i].Err = perr
			continue
		}
		pts[i] = pt
		groups[rec.Collection] = append(groups[rec.Collection], i)
	}

	for collection, indexes := range groups {
		batch := make([]point, len(indexes))
		for pos, i := range indexes {
			batch[pos] = pts[i]
		}
		var resp upsertResponse
		status, derr := api.do(ctx, http.MethodPut, pointsPath(collection),
			map[string]any{"points": batch}, &resp)
		if derr != nil {
			return nil, a.wrapTransport(derr, "write_batch")
		}
		if status >= 300 {
			return nil, a.statusErr(status, "write_batch", collection, "")
		}
		for pos, i := range indexes {
			if pos >= len(resp.Statuses) {
				outcomes[i].Err = errors.New(errors.KindInternal, "vector store returned no write status").
					WithStore(string(store.Vector)).WithOp("write_batch")
				continue
			}
			if serr := a.statusToErr(resp.Statuses[pos], "write_batch"); serr != nil {
				outcomes[i].Err = serr
				continue
			}
			outcomes[i].Receipt = &store.WriteReceipt{ID: recs[i].ID, StoredAt: pts[i].StoredAt}
		}
	}
	return outcomes, nil
}

// statusToErr maps a per-point acknowledgement onto the taxonomy. Upserts
// are native, so a reported conflict means an identical point already
// landed; policy converts that to success.
func (a *Adapter) statusToErr(st writeStatus, op string) error {
	if st.OK || st.Error == "conflict" {
		return nil
	}
	kindName := string(store.Vector)
	switch st.Error {
	case "bad_request":
		msg := st.Message
		if msg == "" {
			msg = "vector store rejected the point"
		}
		return errors.BadRequest(msg).WithStore(kindName).WithOp(op)
	default:
		return errors.Newf(errors.KindInternal, "vector store rejected the point: %s (%s)", st.Error, st.Message).
			WithStore(kindName).WithOp(op)
	}
}

// ============================================================================
// READS
// ============================================================================

func (a *Adapter) ReadOne(ctx context.Context, collection, id string, projection []string) (rec *store.Record, ok bool, err error) {
	started := time.Now()
	defer func() { a.stats.Observe("read_one", time.Since(started), err) }()

	api, err := a.session()
	if err != nil {
		return nil, false, err
	}
	var pt point
	status, err := api.do(ctx, http.MethodGet, pointPath(collection, id), nil, &pt)
	if err != nil {
		return nil, false, a.wrapTransport(err, "read_one")
	}
	if status == http.StatusNotFound {
		return nil, false, nil
	}
	if status >= 300 {
		return nil, false, a.statusErr(status, "read_one", collection, id)
	}
	out := toRecord(collection, pt)
	if len(projection) > 0 {
		kept := make(map[string]any, len(projection))
		for _, key := range projection {
			if v, present := out.Fields[key]; present {
				kept[key] = v
			}
		}
		out.Fields = kept
	}
	return out, true, nil
}

func (a *Adapter) ReadBatch(ctx context.Context, collection string, ids []string) (out map[string]*store.Record, err error) {
	started := time.Now()
	defer func() { a.stats.Observe("read_batch", time.Since(started), err) }()

	api, err := a.session()
	if err != nil {
		return nil, err
	}
	var resp pointsResponse
	status, err := api.do(ctx, http.MethodPost, pointsPath(collection)+"/get",
		map[string]any{"ids": ids, "with_payload": true, "with_vector": true}, &resp)
	if err != nil {
		return nil, a.wrapTransport(err, "read_batch")
	}
	if status >= 300 {
		return nil, a.statusErr(status, "read_batch", collection, "")
	}
	out = make(map[string]*store.Record, len(resp.Points))
	for _, pt := range resp.Points {
		out[pt.ID] = toRecord(collection, pt)
	}
	return out, nil
}

func (a *Adapter) ExistsBatch(ctx context.Context, collection string, ids []string) (out map[string]bool, err error) {
	started := time.Now()
	defer func() { a.stats.Observe("exists_batch", time.Since(started), err) }()

	api, err := a.session()
	if err != nil {
		return nil, err
	}
	var resp pointsResponse
	status, err := api.do(ctx, http.MethodPost, pointsPath(collection)+"/get",
		map[string]any{"ids": ids, "with_payload": false, "with_vector": false}, &resp)
	if err != nil {
		return nil, a.wrapTransport(err, "exists_batch")
	}
	if status >= 300 {
		return nil, a.statusErr(status, "exists_batch", collection, "")
	}
	present := make(map[string]bool, len(resp.Points))
	for _, pt := range resp.Points {
		present[pt.ID] = true
	}
	out = make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = present[id]
	}
	return out, nil
}

// ============================================================================
// DELETE AND NATIVE QUERY
// ============================================================================

func (a *Adapter) Delete(ctx context.Context, collection, id string) (existed bool, err error) {
	started := time.Now()
	defer func() { a.stats.Observe("delete", time.Since(started), err) }()

	api, err := a.session()
	if err != nil {
		return false, err
	}
	var resp deleteResponse
	status, err := api.do(ctx, http.MethodDelete, pointPath(collection, id), nil, &resp)
	if err != nil {
		return false, a.wrapTransport(err, "delete")
	}
	if status == http.StatusNotFound {
		return false, nil
	}
	if status >= 300 {
		return false, a.statusErr(status, "delete", collection, id)
	}
	return resp.Deleted, nil
}

// QueryNative treats the expression as a JSON scroll body. A "collection"
// key selects the collection (default: the configured one); the rest is
// passed through as the filter body, with params shallow-merged in.
func (a *Adapter) QueryNative(ctx context.Context, q store.NativeQuery) (it store.Iterator, err error) {
	started := time.Now()
	defer func() { a.stats.Observe("query_native", time.Since(started), err) }()

	api, err := a.session()
	if err != nil {
		return nil, err
	}

	kindName := string(store.Vector)
	body := map[string]any{}
	if strings.TrimSpace(q.Expression) != "" {
		if uerr := json.Unmarshal([]byte(q.Expression), &body); uerr != nil {
			return nil, errors.BadRequest("native query expression is not a JSON object").
				WithStore(kindName).WithOp("query_native").WithCause(uerr)
		}
	}
	collection := a.cfg.Collection
	if name, ok := body["collection"].(string); ok && name != "" {
		collection = name
	}
	delete(body, "collection")
	for k, v := range q.Params {
		body[k] = v
	}
	if collection == "" {
		return nil, errors.BadRequest("native query names no collection").
			WithStore(kindName).WithOp("query_native")
	}

	var resp pointsResponse
	status, err := api.do(ctx, http.MethodPost, pointsPath(collection)+"/scroll", body, &resp)
	if err != nil {
		return nil, a.wrapTransport(err, "query_native")
	}
	if status >= 300 {
		return nil, a.statusErr(status, "query_native", collection, "")
	}
	recs := make([]*store.Record, len(resp.Points))
	for i, pt := range resp.Points {
		recs[i] = toRecord(collection, pt)
	}
	return store.NewSliceIterator(recs), nil
}

// ============================================================================
// VECTOR CAPABILITY
// ============================================================================

// EnsureCollection gets-or-creates a collection with the given dimension.
func (a *Adapter) EnsureCollection(ctx context.Context, name string, dimension int) (err error) {
	started := time.Now()
	defer func() { a.stats.Observe("ensure_collection", time.Since(started), err) }()

	api, err := a.session()
	if err != nil {
		return err
	}
	return a.ensureCollection(ctx, api, name, dimension)
}

func (a *Adapter) ensureCollection(ctx context.Context, api *client, name string, dimension int) error {
	status, err := api.do(ctx, http.MethodPut, collectionPath(name),
		map[string]any{"dimension": dimension, "metric": a.cfg.Metric}, nil)
	if err != nil {
		return a.wrapTransport(err, "ensure_collection")
	}
	// 409 means the collection exists with a different shape; same-shape
	// re-creation answers 200.
	if status >= 300 {
		return a.statusErr(status, "ensure_collection", name, "")
	}
	return nil
}

// Embed converts raw text into vectors through the backend's embedding
// endpoint.
func (a *Adapter) Embed(ctx context.Context, texts []string) (vecs [][]float32, err error) {
	started := time.Now()
	defer func() { a.stats.Observe("embed", time.Since(started), err) }()

	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	api, err := a.session()
	if err != nil {
		return nil, err
	}
	var resp embedResponse
	status, err := api.do(ctx, http.MethodPost, "/embeddings", map[string]any{"texts": texts}, &resp)
	if err != nil {
		return nil, a.wrapTransport(err, "embed")
	}
	if status >= 300 {
		return nil, a.statusErr(status, "embed", "", "")
	}
	if len(resp.Vectors) != len(texts) {
		return nil, errors.Newf(errors.KindInternal, "embedding endpoint returned %d vectors for %d texts",
			len(resp.Vectors), len(texts)).WithStore(string(store.Vector)).WithOp("embed")
	}
	return resp.Vectors, nil
}

// Search runs nearest-neighbor search. When the request carries text and no
// vector, the text is embedded first. Matches come back sorted ascending by
// distance regardless of backend ordering.
func (a *Adapter) Search(ctx context.Context, req store.SearchRequest) (matches []store.Match, err error) {
	started := time.Now()
	defer func() { a.stats.Observe("search", time.Since(started), err) }()

	api, err := a.session()
	if err != nil {
		return nil, err
	}

	collection := req.Collection
	if collection == "" {
		collection = a.cfg.Collection
	}
	kindName := string(store.Vector)
	if collection == "" {
		return nil, errors.BadRequest("search names no collection").WithStore(kindName).WithOp("search")
	}

	vec := req.Vector
	if len(vec) == 0 && req.Text != "" {
		embedded, eerr := a.Embed(ctx, []string{req.Text})
		if eerr != nil {
			return nil, eerr
		}
		vec = embedded[0]
	}
	if len(vec) == 0 {
		return nil, errors.BadRequest("search needs a vector or text").WithStore(kindName).WithOp("search")
	}

	topK := req.TopK
	if topK <= 0 {
		topK = 10
	}
	body := map[string]any{"vector": vec, "top_k": topK}
	if len(req.Filter) > 0 {
		body["filter"] = req.Filter
	}

	var resp searchResponse
	status, err := api.do(ctx, http.MethodPost, pointsPath(collection)+"/search", body, &resp)
	if err != nil {
		return nil, a.wrapTransport(err, "search")
	}
	if status >= 300 {
		return nil, a.statusErr(status, "search", collection, "")
	}

	matches = make([]store.Match, len(resp.Matches))
	for i, m := range resp.Matches {
		matches[i] = store.Match{ID: m.ID, Metadata: m.Payload, Distance: m.Distance}
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Distance < matches[j].Distance })
	return matches, nil
}

// ============================================================================
// PLUMBING
// ============================================================================

func (a *Adapter) session() (*client, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.api == nil {
		return nil, errors.StoreUnavailable(string(store.Vector))
	}
	return a.api, nil
}

func (a *Adapter) wrapTransport(err error, op string) error {
	kindName := string(store.Vector)
	var uerr *url.Error
	switch {
	case stderrors.Is(err, context.Canceled):
		return errors.Cancelled(op).WithStore(kindName)
	case stderrors.Is(err, context.DeadlineExceeded):
		return errors.Timeout(op, a.cfg.Timeout).WithStore(kindName)
	case stderrors.As(err, &uerr) && uerr.Timeout():
		return errors.Timeout(op, a.cfg.Timeout).WithStore(kindName).WithCause(err)
	default:
		return errors.TransientTransport(kindName, op, err)
	}
}

func (a *Adapter) statusErr(status int, op, resource, id string) error {
	kindName := string(store.Vector)
	switch {
	case status == http.StatusConflict:
		return errors.Conflict(resource, id)
	case status == http.StatusBadRequest:
		return errors.BadRequest("vector store rejected the request").WithStore(kindName).WithOp(op)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errors.StoreUnavailable(kindName).WithOp(op)
	case status == http.StatusTooManyRequests:
		return errors.TransientTransport(kindName, op, nil).WithRetryAfter(time.Second)
	case status >= 500:
		return errors.TransientTransport(kindName, op, nil)
	default:
		return errors.Newf(errors.KindInternal, "vector store returned status %d", status).
			WithStore(kindName).WithOp(op)
	}
}
