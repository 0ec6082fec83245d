// Package storetest provides an in-memory Store implementation with
// programmable failures for exercising the coordinator without real
// backends.
package storetest

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"polystore-backend/internal/errors"
	"polystore-backend/internal/store"
)

var (
	_ store.Store         = (*Fake)(nil)
	_ store.VectorCapable = (*Fake)(nil)
	_ store.GraphCapable  = (*Fake)(nil)
)

type failurePlan struct {
	err       error
	remaining int // -1 means every call
}

// Fake is an in-memory store. It implements store.Store plus the vector and
// graph capability interfaces, so a single fake can stand in for any kind.
type Fake struct {
	kind store.Kind

	mu          sync.Mutex
	connected   bool
	healthy     bool
	healthDelay time.Duration
	records     map[string]map[string]*store.Record
	edges       map[string]*store.Edge
	collections map[string]int
	seq         int
	calls       []string
	failures    map[string]*failurePlan
	failIDs     map[string]error
	tracker     *store.Tracker
	now         func() time.Time
}

// New creates a connected, healthy fake of the given kind.
func New(kind store.Kind) *Fake {
	return &Fake{
		kind:        kind,
		connected:   true,
		healthy:     true,
		records:     make(map[string]map[string]*store.Record),
		edges:       make(map[string]*store.Edge),
		collections: make(map[string]int),
		failures:    make(map[string]*failurePlan),
		failIDs:     make(map[string]error),
		tracker:     store.NewTracker(kind),
		now:         time.Now,
	}
}

// ============================================================================
// PROGRAMMING THE FAKE
// ============================================================================

// FailNext makes the next n calls of op return err.
func (f *Fake) FailNext(op string, n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = &failurePlan{err: err, remaining: n}
}

// FailAlways makes every call of op return err until cleared.
func (f *Fake) FailAlways(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = &failurePlan{err: err, remaining: -1}
}

// ClearFailures removes all injected failures.
func (f *Fake) ClearFailures() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = make(map[string]*failurePlan)
	f.failIDs = make(map[string]error)
}

// FailID makes batch writes report err for records with this id while the
// rest of the batch succeeds.
func (f *Fake) FailID(id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failIDs[id] = err
}

// SetHealthy flips the health probe outcome.
func (f *Fake) SetHealthy(healthy bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthy = healthy
}

// SetHealthLatency fixes the latency reported by health probes.
func (f *Fake) SetHealthLatency(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthDelay = d
}

// SetClock replaces the wall clock used for write timestamps.
func (f *Fake) SetClock(now func() time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = now
}

// Calls returns the ordered op log.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// CallsOf counts calls of one op.
func (f *Fake) CallsOf(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == op {
			n++
		}
	}
	return n
}

// Has reports whether a record is currently stored.
func (f *Fake) Has(collection, id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.records[collection][id]
	return ok
}

// Count returns the number of records in a collection.
func (f *Fake) Count(collection string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records[collection])
}

// TotalRecords counts records across all collections.
func (f *Fake) TotalRecords() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, col := range f.records {
		n += len(col)
	}
	return n
}

// Seed places a record directly into storage.
func (f *Fake) Seed(rec *store.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.put(rec.Clone())
}

// EdgeByID returns a stored edge.
func (f *Fake) EdgeByID(id string) (*store.Edge, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.edges[id]
	if !ok {
		return nil, false
	}
	copied := *e
	return &copied, true
}

// ============================================================================
// store.Store
// ============================================================================

func (f *Fake) Kind() store.Kind { return f.kind }

func (f *Fake) Connect(ctx context.Context) error {
	if err := f.begin("connect"); err != nil {
		return err
	}
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	return nil
}

func (f *Fake) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *Fake) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *Fake) HealthCheck(ctx context.Context) store.HealthStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "health_check")
	status := store.HealthStatus{
		Healthy:   f.healthy && f.connected,
		Latency:   f.healthDelay,
		CheckedAt: f.now(),
	}
	if !status.Healthy {
		status.Message = "probe failed"
	}
	return status
}

func (f *Fake) WriteOne(ctx context.Context, rec *store.Record) (*store.WriteReceipt, error) {
	if err := f.begin("write_one"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failIDs[rec.ID]; err != nil {
		return nil, err
	}
	stored := rec.Clone()
	stored.StoredAt = f.now()
	f.put(stored)
	return &store.WriteReceipt{ID: stored.ID, Rev: stored.Rev, StoredAt: stored.StoredAt}, nil
}

func (f *Fake) WriteBatch(ctx context.Context, recs []*store.Record) ([]store.ItemOutcome, error) {
	if err := f.begin("write_batch"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	outcomes := make([]store.ItemOutcome, len(recs))
	for i, rec := range recs {
		if err := f.failIDs[rec.ID]; err != nil {
			outcomes[i] = store.ItemOutcome{Index: i, Err: err}
			continue
		}
		stored := rec.Clone()
		stored.StoredAt = f.now()
		f.put(stored)
		outcomes[i] = store.ItemOutcome{
			Index:   i,
			Receipt: &store.WriteReceipt{ID: stored.ID, Rev: stored.Rev, StoredAt: stored.StoredAt},
		}
	}
	return outcomes, nil
}

func (f *Fake) ReadOne(ctx context.Context, collection, id string, projection []string) (*store.Record, bool, error) {
	if err := f.begin("read_one"); err != nil {
		return nil, false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[collection][id]
	if !ok {
		return nil, false, nil
	}
	out := rec.Clone()
	if len(projection) > 0 {
		kept := make(map[string]any, len(projection))
		for _, key := range projection {
			if v, has := out.Fields[key]; has {
				kept[key] = v
			}
		}
		out.Fields = kept
	}
	return out, true, nil
}

func (f *Fake) ReadBatch(ctx context.Context, collection string, ids []string) (map[string]*store.Record, error) {
	if err := f.begin("read_batch"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]*store.Record)
	for _, id := range ids {
		if rec, ok := f.records[collection][id]; ok {
			out[id] = rec.Clone()
		}
	}
	return out, nil
}

func (f *Fake) ExistsBatch(ctx context.Context, collection string, ids []string) (map[string]bool, error) {
	if err := f.begin("exists_batch"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		_, ok := f.records[collection][id]
		out[id] = ok
	}
	return out, nil
}

func (f *Fake) Delete(ctx context.Context, collection, id string) (bool, error) {
	if err := f.begin("delete"); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.records[collection][id]
	delete(f.records[collection], id)
	return ok, nil
}

func (f *Fake) QueryNative(ctx context.Context, q store.NativeQuery) (store.Iterator, error) {
	if err := f.begin("query_native"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	// The fake speaks the embedded store's native language: a JSON object
	// naming a collection with an optional equality filter and limit, or a
	// bare collection name.
	collection := strings.TrimSpace(q.Expression)
	var filter map[string]any
	limit := 0
	if strings.HasPrefix(collection, "{") {
		var expr struct {
			Collection string         `json:"collection"`
			Filter     map[string]any `json:"filter"`
			Limit      int            `json:"limit"`
		}
		if err := json.Unmarshal([]byte(collection), &expr); err != nil {
			return nil, errors.BadRequest("malformed native expression").WithCause(err)
		}
		collection = expr.Collection
		filter = expr.Filter
		limit = expr.Limit
	}
	for key, value := range q.Params {
		if filter == nil {
			filter = make(map[string]any)
		}
		filter[key] = value
	}
	ids := make([]string, 0, len(f.records[collection]))
	for id := range f.records[collection] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	recs := make([]*store.Record, 0, len(ids))
	for _, id := range ids {
		rec := f.records[collection][id]
		if !matchesFilter(rec, filter) {
			continue
		}
		recs = append(recs, rec.Clone())
		if limit > 0 && len(recs) >= limit {
			break
		}
	}
	return &sliceIterator{recs: recs}, nil
}

func matchesFilter(rec *store.Record, filter map[string]any) bool {
	for key, want := range filter {
		if !reflect.DeepEqual(rec.Fields[key], want) {
			return false
		}
	}
	return true
}

func (f *Fake) Stats() store.Stats { return f.tracker.Snapshot() }

// ============================================================================
// store.VectorCapable
// ============================================================================

func (f *Fake) EnsureCollection(ctx context.Context, name string, dimension int) error {
	if err := f.begin("ensure_collection"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	// get-or-create: repeat calls are accepted
	f.collections[name] = dimension
	return nil
}

func (f *Fake) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := f.begin("embed"); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v := make([]float32, 3)
		for j, ch := range text {
			v[j%3] += float32(ch%16) / 16
		}
		out[i] = v
	}
	return out, nil
}

func (f *Fake) Search(ctx context.Context, req store.SearchRequest) ([]store.Match, error) {
	if err := f.begin("search"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.records[req.Collection]))
	for id := range f.records[req.Collection] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	matches := make([]store.Match, 0, req.TopK)
	for i, id := range ids {
		if req.TopK > 0 && len(matches) >= req.TopK {
			break
		}
		rec := f.records[req.Collection][id]
		matches = append(matches, store.Match{
			ID:       id,
			Metadata: rec.Fields,
			Distance: float64(i) / 10,
		})
	}
	return matches, nil
}

// ============================================================================
// store.GraphCapable
// ============================================================================

func (f *Fake) CreateNode(ctx context.Context, label string, properties map[string]any) (string, error) {
	if err := f.begin("create_node"); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("node-%d", f.seq)
	rec := &store.Record{Collection: label, ID: id, Fields: properties, StoredAt: f.now()}
	f.put(rec)
	return id, nil
}

func (f *Fake) CreateEdge(ctx context.Context, spec store.EdgeSpec) (string, error) {
	if err := f.begin("create_edge"); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	// merge semantics: an active edge with the same endpoints and type is
	// the same edge
	for id, edge := range f.edges {
		if edge.Active && edge.FromID == spec.FromID && edge.ToID == spec.ToID && edge.Type == spec.Type {
			return id, nil
		}
	}
	f.seq++
	id := fmt.Sprintf("edge-%d", f.seq)
	props := make(map[string]any, len(spec.Properties))
	for k, v := range spec.Properties {
		props[k] = v
	}
	f.edges[id] = &store.Edge{
		ID:         id,
		FromID:     spec.FromID,
		ToID:       spec.ToID,
		Type:       spec.Type,
		Properties: props,
		Active:     true,
	}
	return id, nil
}

func (f *Fake) UpdateEdgeWeight(ctx context.Context, edgeID string, weight float64) error {
	if err := f.begin("update_edge_weight"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	edge, ok := f.edges[edgeID]
	if !ok {
		return errors.NotFound("edge", edgeID)
	}
	if prev, has := edge.Properties["weight"]; has {
		history, _ := edge.Properties["weight_history"].([]any)
		edge.Properties["weight_history"] = append(history, prev)
	}
	edge.Properties["weight"] = weight
	return nil
}

func (f *Fake) DeactivateEdge(ctx context.Context, edgeID, reason string) error {
	if err := f.begin("deactivate_edge"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	edge, ok := f.edges[edgeID]
	if !ok {
		return errors.NotFound("edge", edgeID)
	}
	edge.Active = false
	edge.Properties["deactivated_reason"] = reason
	edge.Properties["deactivated_at"] = f.now()
	return nil
}

func (f *Fake) RestoreEdge(ctx context.Context, edgeID string) error {
	if err := f.begin("restore_edge"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	edge, ok := f.edges[edgeID]
	if !ok {
		return errors.NotFound("edge", edgeID)
	}
	edge.Active = true
	delete(edge.Properties, "deactivated_reason")
	edge.Properties["restored_at"] = f.now()
	return nil
}

func (f *Fake) Traverse(ctx context.Context, q store.TraversalQuery) ([]store.Edge, error) {
	if err := f.begin("traverse"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.edges))
	for id := range f.edges {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var out []store.Edge
	for _, id := range ids {
		edge := f.edges[id]
		if edge.FromID != q.StartID {
			continue
		}
		if q.EdgeType != "" && edge.Type != q.EdgeType {
			continue
		}
		if !edge.Active && !q.IncludeInactive {
			continue
		}
		out = append(out, *edge)
	}
	return out, nil
}

// ============================================================================
// INTERNALS
// ============================================================================

// begin logs the call, enforces connectivity, and consumes any injected
// failure for the op.
func (f *Fake) begin(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op)
	if !f.connected && op != "connect" {
		return errors.StoreUnavailable(string(f.kind)).WithOp(op)
	}
	if plan, ok := f.failures[op]; ok {
		if plan.remaining == -1 {
			return plan.err
		}
		if plan.remaining > 0 {
			plan.remaining--
			if plan.remaining == 0 {
				delete(f.failures, op)
			}
			return plan.err
		}
		delete(f.failures, op)
	}
	return nil
}

// put stores a record under mu.
func (f *Fake) put(rec *store.Record) {
	col, ok := f.records[rec.Collection]
	if !ok {
		col = make(map[string]*store.Record)
		f.records[rec.Collection] = col
	}
	col[rec.ID] = rec
}

type sliceIterator struct {
	recs []*store.Record
	idx  int
	cur  *store.Record
}

func (it *sliceIterator) Next() bool {
	if it.idx >= len(it.recs) {
		return false
	}
	it.cur = it.recs[it.idx]
	it.idx++
	return true
}

func (it *sliceIterator) Record() *store.Record { return it.cur }
func (it *sliceIterator) Err() error            { return nil }
func (it *sliceIterator) Close() error          { return nil }
