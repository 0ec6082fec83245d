// Package coordinator is the public face of the persistence layer: one
// facade joining the distributor's write path with routed reads over the
// same adapter set. Writes fan out through saga transactions; reads go to
// whichever store the read router picks, degrading to fallback scans when
// the preferred store is unreachable.
package coordinator

import (
	"context"
	"encoding/json"
	"reflect"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"polystore-backend/internal/content"
	"polystore-backend/internal/distributor"
	"polystore-backend/internal/errors"
	"polystore-backend/internal/relation"
	"polystore-backend/internal/store"
	"polystore-backend/internal/strategy"
)

// Collections the read paths touch, matching the shipped routing table.
const (
	registryCollection      = "master_registry"
	documentsCollection     = "documents"
	embeddingsCollection    = "embeddings"
	contentCollection       = "document_content"
	relationshipsCollection = "relationships"

	// graphNodeLabel is the node label document ids live under in the
	// graph store.
	graphNodeLabel = "Document"
)

const defaultTopK = 10

// Cache is the read-through record cache consulted by unhinted GetByID
// lookups. A miss is (nil, false, nil); errors are tolerated and treated
// as misses.
type Cache interface {
	Get(ctx context.Context, documentID string) (*store.Record, bool, error)
	Put(ctx context.Context, documentID string, rec *store.Record) error
}

// ============================================================================
// FACADE
// ============================================================================

// Coordinator exposes the submission API: distribution on the write side,
// routed lookup, similarity search, and relation queries on the read side.
type Coordinator struct {
	dist     *distributor.Distributor
	router   *strategy.Router
	adapters map[store.Kind]store.Store
	cache    Cache
	logger   *zap.Logger
}

// Option configures optional collaborators.
type Option func(*Coordinator)

// WithCache attaches the record cache. Without it every unhinted read
// goes to a store.
func WithCache(cache Cache) Option {
	return func(c *Coordinator) { c.cache = cache }
}

// WithLogger attaches a structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New builds the facade over an already-wired distributor and router. The
// adapters map is shared with the distributor.
func New(
	dist *distributor.Distributor,
	router *strategy.Router,
	adapters map[store.Kind]store.Store,
	opts ...Option,
) *Coordinator {
	c := &Coordinator{
		dist:     dist,
		router:   router,
		adapters: adapters,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Distribute fans one processor result out across the stores.
func (c *Coordinator) Distribute(ctx context.Context, res *content.ProcessorResult) *distributor.Result {
	return c.dist.Distribute(ctx, res)
}

// DistributeMany distributes a batch with bounded concurrency; the output
// is positional.
func (c *Coordinator) DistributeMany(ctx context.Context, results []*content.ProcessorResult) []*distributor.Result {
	return c.dist.DistributeMany(ctx, results)
}

// Strategy reports the write strategy currently in force.
func (c *Coordinator) Strategy() strategy.Kind {
	return c.dist.Strategy()
}

// Stats snapshots the per-adapter operation counters.
func (c *Coordinator) Stats() map[store.Kind]store.Stats {
	out := make(map[store.Kind]store.Stats, len(c.adapters))
	for kind, adapter := range c.adapters {
		out[kind] = adapter.Stats()
	}
	return out
}

// ============================================================================
// LOOKUP
// ============================================================================

// GetByID returns the stored record for a document id. With a hint the
// read goes straight to that store kind's copy; without one the read
// router picks the cheapest reachable store and the record cache is
// consulted first. Absence is (nil, false, nil).
func (c *Coordinator) GetByID(ctx context.Context, hint store.Kind, documentID string) (*store.Record, bool, error) {
	if documentID == "" {
		return nil, false, errors.BadRequest("document id is required")
	}
	if hint != "" {
		return c.getFrom(ctx, hint, documentID)
	}

	if c.cache != nil {
		rec, ok, err := c.cache.Get(ctx, documentID)
		switch {
		case err != nil:
			c.logger.Warn("record cache read failed",
				zap.String("document_id", documentID), zap.Error(err))
		case ok:
			return rec, true, nil
		}
	}

	kind, err := c.router.RouteRead(strategy.QueryExactLookup)
	if err != nil {
		return nil, false, err
	}
	adapter, err := c.adapter(kind)
	if err != nil {
		return nil, false, err
	}

	started := time.Now()
	rec, ok, err := adapter.ReadOne(ctx, readCollection(kind), documentID, nil)
	if err != nil {
		return nil, false, err
	}
	c.router.Observe(strategy.QueryExactLookup, kind, time.Since(started))
	if !ok {
		return nil, false, nil
	}
	if c.cache != nil {
		if err := c.cache.Put(ctx, documentID, rec); err != nil {
			c.logger.Warn("record cache write failed",
				zap.String("document_id", documentID), zap.Error(err))
		}
	}
	return rec, true, nil
}

// getFrom serves a hinted lookup. Hinted reads bypass both the cache and
// the router: the caller asked for one specific store's copy.
func (c *Coordinator) getFrom(ctx context.Context, kind store.Kind, documentID string) (*store.Record, bool, error) {
	if !knownKind(kind) {
		return nil, false, errors.BadRequest("unknown store kind " + string(kind))
	}
	adapter, err := c.adapter(kind)
	if err != nil {
		return nil, false, err
	}
	return adapter.ReadOne(ctx, readCollection(kind), documentID, nil)
}

// ============================================================================
// SEMANTIC SEARCH
// ============================================================================

// SemanticSearch answers a similarity query, closest first. The vector
// store serves it natively; when routing lands on a fallback store the
// search degrades to substring containment over stored content, ranked
// by occurrence count.
func (c *Coordinator) SemanticSearch(ctx context.Context, text string, topK int, filter map[string]any) ([]store.Match, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.BadRequest("semantic search needs query text")
	}
	if topK < 1 {
		topK = defaultTopK
	}
	kind, err := c.router.RouteRead(strategy.QuerySemanticSimilarity)
	if err != nil {
		return nil, err
	}
	adapter, err := c.adapter(kind)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	var matches []store.Match
	if kind == store.Vector {
		vec, ok := adapter.(store.VectorCapable)
		if !ok {
			return nil, errors.Internal("vector store lacks vector capability", nil)
		}
		matches, err = vec.Search(ctx, store.SearchRequest{
			Collection: embeddingsCollection,
			Text:       text,
			TopK:       topK,
			Filter:     filter,
		})
	} else {
		c.logger.Debug("semantic search degraded to content scan",
			zap.String("store", string(kind)))
		matches, err = c.scanContent(ctx, adapter, kind, text, topK, filter)
	}
	if err != nil {
		return nil, err
	}
	c.router.Observe(strategy.QuerySemanticSimilarity, kind, time.Since(started))
	return matches, nil
}

// scanContent is the degraded similarity path: list content rows on the
// fallback store, apply the filter, and rank by containment count.
func (c *Coordinator) scanContent(ctx context.Context, adapter store.Store, kind store.Kind, text string, topK int, filter map[string]any) ([]store.Match, error) {
	recs, err := drain(ctx, adapter, contentScanQuery(kind, text))
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(text)
	matches := make([]store.Match, 0, len(recs))
	for _, rec := range recs {
		if !fieldsMatch(rec.Fields, filter) {
			continue
		}
		body, _ := rec.Fields["content"].(string)
		n := strings.Count(strings.ToLower(body), needle)
		if n == 0 {
			continue
		}
		matches = append(matches, store.Match{
			ID:       rec.ID,
			Metadata: rec.Fields,
			Distance: 1 / float64(1+n),
		})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Distance != matches[j].Distance {
			return matches[i].Distance < matches[j].Distance
		}
		return matches[i].ID < matches[j].ID
	})
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

// ============================================================================
// RELATIONS
// ============================================================================

// QueryRelations lists the direct relations of a source document,
// optionally narrowed to one relation type. The graph store answers by
// traversal; fallback stores serve the join-table copy.
func (c *Coordinator) QueryRelations(ctx context.Context, sourceID, relationType string) ([]relation.Instance, error) {
	if sourceID == "" {
		return nil, errors.BadRequest("source id is required")
	}
	kind, err := c.router.RouteRead(strategy.QueryRelationshipTraversal)
	if err != nil {
		return nil, err
	}
	adapter, err := c.adapter(kind)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	var instances []relation.Instance
	if kind == store.Graph {
		graph, ok := adapter.(store.GraphCapable)
		if !ok {
			return nil, errors.Internal("graph store lacks graph capability", nil)
		}
		edges, terr := graph.Traverse(ctx, store.TraversalQuery{
			StartID:  sourceID,
			EdgeType: relationType,
			MaxDepth: 1,
		})
		if terr != nil {
			return nil, terr
		}
		instances = make([]relation.Instance, len(edges))
		for i, edge := range edges {
			instances[i] = instanceFromEdge(edge)
		}
	} else {
		recs, qerr := drain(ctx, adapter, relationScanQuery(kind, sourceID, relationType))
		if qerr != nil {
			return nil, qerr
		}
		instances = make([]relation.Instance, len(recs))
		for i, rec := range recs {
			instances[i] = instanceFromRecord(rec)
		}
	}
	c.router.Observe(strategy.QueryRelationshipTraversal, kind, time.Since(started))
	return instances, nil
}

// ============================================================================
// SCAN QUERIES
// ============================================================================

// contentScanQuery lists candidate content rows in the store's native
// query language. The relational form pushes the containment predicate
// down; the embedded form lists the collection and leaves matching to
// the caller.
func contentScanQuery(kind store.Kind, text string) store.NativeQuery {
	if kind == store.Relational {
		return store.NativeQuery{
			Expression: `SELECT collection, id, fields, rev, stored_at FROM records WHERE collection = :collection AND fields->>'content' ILIKE :pattern`,
			Params: map[string]any{
				"collection": contentCollection,
				"pattern":    "%" + escapeLike(text) + "%",
			},
		}
	}
	return jsonQuery(map[string]any{"collection": contentCollection})
}

// relationScanQuery lists join-table rows for a source document. The
// relational form rides the expression index on fields->>'source_id'.
func relationScanQuery(kind store.Kind, sourceID, relationType string) store.NativeQuery {
	if kind == store.Relational {
		expr := `SELECT collection, id, fields, rev, stored_at FROM records WHERE collection = :collection AND fields->>'source_id' = :source_id`
		params := map[string]any{
			"collection": relationshipsCollection,
			"source_id":  sourceID,
		}
		if relationType != "" {
			expr += ` AND fields->>'type' = :relation_type`
			params["relation_type"] = relationType
		}
		return store.NativeQuery{Expression: expr, Params: params}
	}
	filter := map[string]any{"source_id": sourceID}
	if relationType != "" {
		filter["type"] = relationType
	}
	return jsonQuery(map[string]any{
		"collection": relationshipsCollection,
		"filter":     filter,
	})
}

func jsonQuery(expr map[string]any) store.NativeQuery {
	raw, _ := json.Marshal(expr)
	return store.NativeQuery{Expression: string(raw)}
}

// escapeLike neutralizes LIKE metacharacters in user text.
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// ============================================================================
// HELPERS
// ============================================================================

func (c *Coordinator) adapter(kind store.Kind) (store.Store, error) {
	adapter, ok := c.adapters[kind]
	if !ok {
		return nil, errors.StoreUnavailable(string(kind)).WithOp("read")
	}
	return adapter, nil
}

// readCollection maps a store kind to the collection its copy of a
// document lives in.
func readCollection(kind store.Kind) string {
	switch kind {
	case store.Document:
		return documentsCollection
	case store.Vector:
		return embeddingsCollection
	case store.Graph:
		return graphNodeLabel
	default:
		return registryCollection
	}
}

func knownKind(kind store.Kind) bool {
	switch kind {
	case store.Relational, store.Document, store.Vector, store.Graph, store.Embedded:
		return true
	}
	return false
}

// drain pulls an iterator to completion.
func drain(ctx context.Context, adapter store.Store, q store.NativeQuery) ([]*store.Record, error) {
	it, err := adapter.QueryNative(ctx, q)
	if err != nil {
		return nil, err
	}
	defer func() { _ = it.Close() }()
	var recs []*store.Record
	for it.Next() {
		recs = append(recs, it.Record())
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return recs, nil
}

func fieldsMatch(fields, filter map[string]any) bool {
	for key, want := range filter {
		if !reflect.DeepEqual(fields[key], want) {
			return false
		}
	}
	return true
}

// instanceFromEdge rebuilds the relation-instance view from a stored
// graph edge. The ids and category the planner wrote into the edge
// properties come back out as instance fields.
func instanceFromEdge(edge store.Edge) relation.Instance {
	inst := relation.Instance{
		ID:         edge.ID,
		Type:       edge.Type,
		SourceID:   edge.FromID,
		TargetID:   edge.ToID,
		Properties: make(map[string]any),
	}
	for key, value := range edge.Properties {
		switch key {
		case "relation_id":
			if id, ok := value.(string); ok && id != "" {
				inst.ID = id
			}
		case "category":
			if cat, ok := value.(string); ok {
				inst.Category = relation.Category(cat)
			}
		case "created_at":
			if raw, ok := value.(string); ok {
				if ts, perr := time.Parse(time.RFC3339Nano, raw); perr == nil {
					inst.CreatedAt = ts
					continue
				}
			}
			inst.Properties[key] = value
		default:
			inst.Properties[key] = value
		}
	}
	return inst
}

// instanceFromRecord rebuilds the relation-instance view from a
// join-table row.
func instanceFromRecord(rec *store.Record) relation.Instance {
	inst := relation.Instance{
		ID:         rec.ID,
		CreatedAt:  rec.StoredAt,
		Properties: make(map[string]any),
	}
	for key, value := range rec.Fields {
		switch key {
		case "type":
			inst.Type, _ = value.(string)
		case "category":
			if cat, ok := value.(string); ok {
				inst.Category = relation.Category(cat)
			}
		case "source_id":
			inst.SourceID, _ = value.(string)
		case "target_id":
			inst.TargetID, _ = value.(string)
		default:
			inst.Properties[key] = value
		}
	}
	return inst
}
