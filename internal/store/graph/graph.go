// Package graph implements the common store contract plus the graph
// capability on a Bolt-speaking property-graph store. Records become nodes
// labelled by collection; relation instances become typed edges between
// Document nodes. Edges are soft-deleted: deactivation flips an active flag
// and stamps the reason, restore reverses it, and weight updates keep prior
// weights in a history list. Property values must be primitives or
// homogeneous lists; the backend rejects nested maps.
package graph

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"polystore-backend/internal/config"
	"polystore-backend/internal/errors"
	"polystore-backend/internal/store"
)

// cypherRunner is the seam to the Bolt driver: one query in, eager rows
// out. Tests stub it; production wraps the driver in boltRunner.
type cypherRunner interface {
	Run(ctx context.Context, query string, params map[string]any) ([]map[string]any, error)
}

// ============================================================================
// ADAPTER
// ============================================================================

// Adapter is the property-graph store.
type Adapter struct {
	cfg    config.Graph
	logger *zap.Logger
	stats  *store.Tracker

	mu     sync.RWMutex
	runner cypherRunner
}

// New builds a disconnected adapter. Connect dials the Bolt endpoint and
// verifies connectivity.
func New(cfg config.Graph, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		cfg:    cfg,
		logger: logger,
		stats:  store.NewTracker(store.Graph),
	}
}

// newWithRunner injects a runner directly. Test hook.
func newWithRunner(runner cypherRunner, cfg config.Graph, logger *zap.Logger) *Adapter {
	a := New(cfg, logger)
	a.runner = runner
	return a
}

func (a *Adapter) Kind() store.Kind { return store.Graph }

func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.runner != nil {
		return nil
	}
	runner, err := newBoltRunner(ctx, a.cfg)
	if err != nil {
		return a.wrap(err, "connect")
	}
	a.runner = runner
	a.logger.Info("graph store connected",
		zap.String("uri", a.cfg.URI),
		zap.String("database", a.cfg.Database))
	return nil
}

func (a *Adapter) Close(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.runner == nil {
		return nil
	}
	var err error
	if closer, ok := a.runner.(interface{ Close(context.Context) error }); ok {
		err = closer.Close(ctx)
	}
	a.runner = nil
	return err
}

func (a *Adapter) Connected() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.runner != nil
}

func (a *Adapter) Stats() store.Stats { return a.stats.Snapshot() }

func (a *Adapter) HealthCheck(ctx context.Context) store.HealthStatus {
	started := time.Now()
	status := store.HealthStatus{CheckedAt: started}

	runner, err := a.session()
	if err != nil {
		status.Message = err.Error()
		return status
	}
	_, err = runner.Run(ctx, "RETURN 1 AS ok", nil)
	status.Latency = time.Since(started)
	a.stats.Observe("health_check", status.Latency, err)
	if err != nil {
		status.Message = a.wrap(err, "health_check").Error()
		return status
	}
	status.Healthy = true
	return status
}

// ============================================================================
// RECORDS AS NODES
// ============================================================================

func (a *Adapter) WriteOne(ctx context.Context, rec *store.Record) (rcpt *store.WriteReceipt, err error) {
	started := time.Now()
	defer func() { a.stats.Observe("write_one", time.Since(started), err) }()

	runner, err := a.session()
	if err != nil {
		return nil, err
	}
	return a.writeRecord(ctx, runner, rec)
}

// WriteBatch writes records one by one: node merges are all-or-nothing per
// statement, so per-item outcomes come from per-item calls.
func (a *Adapter) WriteBatch(ctx context.Context, recs []*store.Record) (outcomes []store.ItemOutcome, err error) {
	started := time.Now()
	defer func() { a.stats.Observe("write_batch", time.Since(started), err) }()

	runner, err := a.session()
	if err != nil {
		return nil, err
	}
	outcomes = make([]store.ItemOutcome, len(recs))
	for i, rec := range recs {
		outcomes[i] = store.ItemOutcome{Index: i}
		rcpt, werr := a.writeRecord(ctx, runner, rec)
		if werr != nil {
			outcomes[i].Err = werr
			continue
		}
		outcomes[i].Receipt = rcpt
	}
	return outcomes, nil
}

func (a *Adapter) writeRecord(ctx context.Context, runner cypherRunner, rec *store.Record) (*store.WriteReceipt, error) {
	props := make(map[string]any, len(rec.Fields))
	for k, v := range rec.Fields {
		if k == "id" || k == "stored_at" {
			continue
		}
		props[k] = v
	}
	storedAt := time.Now().UTC()
	query := fmt.Sprintf(
		"MERGE (n:%s {id: $id}) SET n += $props, n.stored_at = $stored_at RETURN n.id AS id",
		quoteIdent(rec.Collection))
	if _, err := runner.Run(ctx, query, map[string]any{
		"id":        rec.ID,
		"props":     props,
		"stored_at": storedAt.Format(time.RFC3339Nano),
	}); err != nil {
		return nil, a.wrap(err, "write")
	}
	return &store.WriteReceipt{ID: rec.ID, StoredAt: storedAt}, nil
}

func (a *Adapter) ReadOne(ctx context.Context, collection, id string, projection []string) (rec *store.Record, ok bool, err error) {
	started := time.Now()
	defer func() { a.stats.Observe("read_one", time.Since(started), err) }()

	runner, err := a.session()
	if err != nil {
		return nil, false, err
	}
	query := fmt.Sprintf("MATCH (n:%s {id: $id}) RETURN properties(n) AS props", quoteIdent(collection))
	rows, err := runner.Run(ctx, query, map[string]any{"id": id})
	if err != nil {
		return nil, false, a.wrap(err, "read_one")
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	props, _ := rows[0]["props"].(map[string]any)
	out := recordFromProps(collection, props)
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

	runner, err := a.session()
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("MATCH (n:%s) WHERE n.id IN $ids RETURN properties(n) AS props", quoteIdent(collection))
	rows, err := runner.Run(ctx, query, map[string]any{"ids": ids})
	if err != nil {
		return nil, a.wrap(err, "read_batch")
	}
	out = make(map[string]*store.Record, len(rows))
	for _, row := range rows {
		props, _ := row["props"].(map[string]any)
		rec := recordFromProps(collection, props)
		if rec.ID != "" {
			out[rec.ID] = rec
		}
	}
	return out, nil
}

func (a *Adapter) ExistsBatch(ctx context.Context, collection string, ids []string) (out map[string]bool, err error) {
	started := time.Now()
	defer func() { a.stats.Observe("exists_batch", time.Since(started), err) }()

	runner, err := a.session()
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("MATCH (n:%s) WHERE n.id IN $ids RETURN n.id AS id", quoteIdent(collection))
	rows, err := runner.Run(ctx, query, map[string]any{"ids": ids})
	if err != nil {
		return nil, a.wrap(err, "exists_batch")
	}
	present := make(map[string]bool, len(rows))
	for _, row := range rows {
		if id, ok := row["id"].(string); ok {
			present[id] = true
		}
	}
	out = make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = present[id]
	}
	return out, nil
}

func (a *Adapter) Delete(ctx context.Context, collection, id string) (existed bool, err error) {
	started := time.Now()
	defer func() { a.stats.Observe("delete", time.Since(started), err) }()

	runner, err := a.session()
	if err != nil {
		return false, err
	}
	query := fmt.Sprintf("MATCH (n:%s {id: $id}) DETACH DELETE n RETURN count(*) AS deleted", quoteIdent(collection))
	rows, err := runner.Run(ctx, query, map[string]any{"id": id})
	if err != nil {
		return false, a.wrap(err, "delete")
	}
	if len(rows) == 0 {
		return false, nil
	}
	deleted, _ := rows[0]["deleted"].(int64)
	return deleted > 0, nil
}

// QueryNative runs the expression as raw Cypher with the params bound.
// Rows become records field-for-field; "id" and "collection" columns are
// lifted onto the record when present.
func (a *Adapter) QueryNative(ctx context.Context, q store.NativeQuery) (it store.Iterator, err error) {
	started := time.Now()
	defer func() { a.stats.Observe("query_native", time.Since(started), err) }()

	runner, err := a.session()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(q.Expression) == "" {
		return nil, errors.BadRequest("empty query expression").
			WithStore(string(store.Graph)).WithOp("query_native")
	}
	rows, err := runner.Run(ctx, q.Expression, q.Params)
	if err != nil {
		return nil, a.wrap(err, "query_native")
	}
	recs := make([]*store.Record, len(rows))
	for i, row := range rows {
		rec := &store.Record{Fields: row}
		if id, ok := row["id"].(string); ok {
			rec.ID = id
		}
		if c, ok := row["collection"].(string); ok {
			rec.Collection = c
		}
		recs[i] = rec
	}
	return store.NewSliceIterator(recs), nil
}

// ============================================================================
// GRAPH CAPABILITY
// ============================================================================

// endpointLabel is the label edge endpoints are merged under. Edge writers
// reference documents by id; the node appears when the first edge does.
const endpointLabel = "Document"

// CreateNode merges a node under the given label. A props id is honored,
// otherwise one is generated.
func (a *Adapter) CreateNode(ctx context.Context, label string, properties map[string]any) (id string, err error) {
	started := time.Now()
	defer func() { a.stats.Observe("create_node", time.Since(started), err) }()

	runner, err := a.session()
	if err != nil {
		return "", err
	}
	id, _ = properties["id"].(string)
	if id == "" {
		id = uuid.NewString()
	}
	props := make(map[string]any, len(properties))
	for k, v := range properties {
		if k == "id" {
			continue
		}
		props[k] = v
	}
	query := fmt.Sprintf("MERGE (n:%s {id: $id}) SET n += $props RETURN n.id AS id", quoteIdent(label))
	if _, err = runner.Run(ctx, query, map[string]any{"id": id, "props": props}); err != nil {
		return "", a.wrap(err, "create_node")
	}
	return id, nil
}

// CreateEdge creates a typed edge between two Document nodes, merging the
// endpoints as needed. An active edge with the same endpoints and type is
// reused: its id comes back and nothing is written.
func (a *Adapter) CreateEdge(ctx context.Context, spec store.EdgeSpec) (edgeID string, err error) {
	started := time.Now()
	defer func() { a.stats.Observe("create_edge", time.Since(started), err) }()

	runner, err := a.session()
	if err != nil {
		return "", err
	}

	findQuery := fmt.Sprintf(
		"MATCH (from:%s {id: $from_id})-[r:%s]->(to:%s {id: $to_id}) "+
			"WHERE r.active = true RETURN r.edge_id AS edge_id",
		endpointLabel, quoteIdent(spec.Type), endpointLabel)
	rows, err := runner.Run(ctx, findQuery, map[string]any{"from_id": spec.FromID, "to_id": spec.ToID})
	if err != nil {
		return "", a.wrap(err, "create_edge")
	}
	if len(rows) > 0 {
		if existing, ok := rows[0]["edge_id"].(string); ok && existing != "" {
			return existing, nil
		}
	}

	edgeID = uuid.NewString()
	createQuery := fmt.Sprintf(
		"MERGE (from:%s {id: $from_id}) "+
			"MERGE (to:%s {id: $to_id}) "+
			"CREATE (from)-[r:%s]->(to) "+
			"SET r = $props, r.edge_id = $edge_id, r.active = true, r.created_at = $created_at "+
			"RETURN r.edge_id AS edge_id",
		endpointLabel, endpointLabel, quoteIdent(spec.Type))
	if _, err = runner.Run(ctx, createQuery, map[string]any{
		"from_id":    spec.FromID,
		"to_id":      spec.ToID,
		"props":      spec.Properties,
		"edge_id":    edgeID,
		"created_at": time.Now().UTC().Format(time.RFC3339Nano),
	}); err != nil {
		return "", a.wrap(err, "create_edge")
	}
	return edgeID, nil
}

// UpdateEdgeWeight records a new weight. The current weight, when present,
// is appended to the edge's weight history first.
func (a *Adapter) UpdateEdgeWeight(ctx context.Context, edgeID string, weight float64) (err error) {
	started := time.Now()
	defer func() { a.stats.Observe("update_edge_weight", time.Since(started), err) }()

	runner, err := a.session()
	if err != nil {
		return err
	}
	query := "MATCH ()-[r {edge_id: $edge_id}]->() " +
		"SET r.weight_history = CASE WHEN r.weight IS NULL THEN coalesce(r.weight_history, []) " +
		"ELSE coalesce(r.weight_history, []) + r.weight END, " +
		"r.weight = $weight, r.weight_updated_at = $at " +
		"RETURN r.edge_id AS edge_id"
	rows, err := runner.Run(ctx, query, map[string]any{
		"edge_id": edgeID,
		"weight":  weight,
		"at":      time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return a.wrap(err, "update_edge_weight")
	}
	if len(rows) == 0 {
		return errors.NotFound("edge", edgeID)
	}
	return nil
}

// DeactivateEdge soft-deletes an edge, keeping its history.
func (a *Adapter) DeactivateEdge(ctx context.Context, edgeID, reason string) (err error) {
	started := time.Now()
	defer func() { a.stats.Observe("deactivate_edge", time.Since(started), err) }()

	runner, err := a.session()
	if err != nil {
		return err
	}
	query := "MATCH ()-[r {edge_id: $edge_id}]->() " +
		"SET r.active = false, r.deactivated_at = $at, r.deactivation_reason = $reason " +
		"RETURN r.edge_id AS edge_id"
	rows, err := runner.Run(ctx, query, map[string]any{
		"edge_id": edgeID,
		"reason":  reason,
		"at":      time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return a.wrap(err, "deactivate_edge")
	}
	if len(rows) == 0 {
		return errors.NotFound("edge", edgeID)
	}
	return nil
}

// RestoreEdge reverses a soft delete.
func (a *Adapter) RestoreEdge(ctx context.Context, edgeID string) (err error) {
	started := time.Now()
	defer func() { a.stats.Observe("restore_edge", time.Since(started), err) }()

	runner, err := a.session()
	if err != nil {
		return err
	}
	query := "MATCH ()-[r {edge_id: $edge_id}]->() " +
		"SET r.active = true, r.deactivated_at = null, r.deactivation_reason = null, r.restored_at = $at " +
		"RETURN r.edge_id AS edge_id"
	rows, err := runner.Run(ctx, query, map[string]any{
		"edge_id": edgeID,
		"at":      time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return a.wrap(err, "restore_edge")
	}
	if len(rows) == 0 {
		return errors.NotFound("edge", edgeID)
	}
	return nil
}

// Traverse walks outward from a start node up to MaxDepth hops and returns
// the distinct edges on the traversed paths. Active-only unless inactive
// edges are requested; an active-only walk never crosses an inactive edge.
func (a *Adapter) Traverse(ctx context.Context, q store.TraversalQuery) (edges []store.Edge, err error) {
	started := time.Now()
	defer func() { a.stats.Observe("traverse", time.Since(started), err) }()

	runner, err := a.session()
	if err != nil {
		return nil, err
	}

	depth := q.MaxDepth
	if depth <= 0 {
		depth = 1
	}
	relPattern := ""
	if q.EdgeType != "" {
		relPattern = ":" + quoteIdent(q.EdgeType)
	}
	activeFilter := " {active: true}"
	if q.IncludeInactive {
		activeFilter = ""
	}
	query := fmt.Sprintf(
		"MATCH (start:%s {id: $start_id})-[rels%s*1..%d%s]->() "+
			"UNWIND rels AS r "+
			"WITH DISTINCT r "+
			"RETURN r.edge_id AS edge_id, startNode(r).id AS from_id, endNode(r).id AS to_id, "+
			"type(r) AS rel_type, properties(r) AS props, coalesce(r.active, false) AS active",
		endpointLabel, relPattern, depth, activeFilter)

	rows, err := runner.Run(ctx, query, map[string]any{"start_id": q.StartID})
	if err != nil {
		return nil, a.wrap(err, "traverse")
	}
	edges = make([]store.Edge, 0, len(rows))
	for _, row := range rows {
		edges = append(edges, edgeFromRow(row))
	}
	return edges, nil
}

// ============================================================================
// PLUMBING
// ============================================================================

func (a *Adapter) session() (cypherRunner, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.runner == nil {
		return nil, errors.StoreUnavailable(string(store.Graph))
	}
	return a.runner, nil
}

// quoteIdent makes a label or relationship type safe for interpolation.
// Labels cannot be bound as parameters in Cypher.
func quoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "") + "`"
}

func recordFromProps(collection string, props map[string]any) *store.Record {
	rec := &store.Record{Collection: collection, Fields: make(map[string]any, len(props))}
	for k, v := range props {
		switch k {
		case "id":
			rec.ID, _ = v.(string)
		case "stored_at":
			if s, ok := v.(string); ok {
				if ts, perr := time.Parse(time.RFC3339Nano, s); perr == nil {
					rec.StoredAt = ts
					continue
				}
			}
			rec.Fields[k] = v
		default:
			rec.Fields[k] = v
		}
	}
	return rec
}

func edgeFromRow(row map[string]any) store.Edge {
	var edge store.Edge
	edge.ID, _ = row["edge_id"].(string)
	edge.FromID, _ = row["from_id"].(string)
	edge.ToID, _ = row["to_id"].(string)
	edge.Type, _ = row["rel_type"].(string)
	edge.Active, _ = row["active"].(bool)
	if props, ok := row["props"].(map[string]any); ok {
		filtered := make(map[string]any, len(props))
		for k, v := range props {
			if k == "edge_id" || k == "active" {
				continue
			}
			filtered[k] = v
		}
		edge.Properties = filtered
	}
	return edge
}

func (a *Adapter) wrap(err error, op string) error {
	kindName := string(store.Graph)
	var neoErr *neo4j.Neo4jError
	var nerr net.Error
	switch {
	case stderrors.Is(err, context.Canceled):
		return errors.Cancelled(op).WithStore(kindName)
	case stderrors.Is(err, context.DeadlineExceeded):
		return errors.Timeout(op, a.cfg.Timeout).WithStore(kindName)
	case stderrors.As(err, &neoErr):
		return a.wrapServer(neoErr, op)
	case stderrors.As(err, &nerr):
		return errors.TransientTransport(kindName, op, err)
	default:
		return errors.TransientTransport(kindName, op, err)
	}
}

// wrapServer classifies a server-reported error by its status code family.
func (a *Adapter) wrapServer(neoErr *neo4j.Neo4jError, op string) error {
	kindName := string(store.Graph)
	code := neoErr.Code
	switch {
	case strings.HasPrefix(code, "Neo.TransientError"):
		return errors.TransientTransport(kindName, op, neoErr)
	case strings.Contains(code, "ConstraintValidationFailed"):
		return errors.Wrap(neoErr, errors.KindConflict, "constraint violated").
			WithStore(kindName).WithOp(op)
	case strings.HasPrefix(code, "Neo.ClientError.Security"):
		return errors.StoreUnavailable(kindName).WithOp(op).WithCause(neoErr)
	case strings.HasPrefix(code, "Neo.ClientError"):
		return errors.BadRequest(neoErr.Msg).WithStore(kindName).WithOp(op)
	default:
		return errors.Internal("graph store operation failed", neoErr).WithOp(op)
	}
}
