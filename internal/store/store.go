// Package store defines the uniform contract every concrete store adapter
// implements, plus the capability interfaces for store-specific extensions.
// The coordinator programs against these interfaces only; concrete adapters
// live in the subpackages.
package store

import (
	"context"
	"time"
)

// ============================================================================
// STORE KINDS
// ============================================================================

// Kind identifies one of the four coordinated store families plus the
// embedded last-resort store.
type Kind string

const (
	Relational Kind = "relational"
	Document   Kind = "document"
	Vector     Kind = "vector"
	Graph      Kind = "graph"
	// Embedded is the local single-file store that stands in for the
	// relational kind when nothing else is reachable.
	Embedded Kind = "embedded"
)

// NetworkKinds lists the four networked store kinds in canonical order.
func NetworkKinds() []Kind {
	return []Kind{Relational, Document, Vector, Graph}
}

// ============================================================================
// RECORDS
// ============================================================================

// Record is the unit of exchange between the coordinator and an adapter.
// Collection names the category-level bucket (table, database partition,
// vector collection, or node label); Fields carries the payload.
type Record struct {
	Collection string         `json:"collection"`
	ID         string         `json:"id"`
	Fields     map[string]any `json:"fields"`

	// Rev is the revision token on stores that version records. Empty on
	// stores without revisions.
	Rev string `json:"rev,omitempty"`

	// StoredAt is stamped by the adapter's wall clock on write. Client
	// clocks are never trusted for ordering.
	StoredAt time.Time `json:"storedAt,omitempty"`
}

// Clone returns a deep-enough copy for safe mutation: the Fields map is
// copied one level deep.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	if r.Fields != nil {
		out.Fields = make(map[string]any, len(r.Fields))
		for k, v := range r.Fields {
			out.Fields[k] = v
		}
	}
	return &out
}

// WriteReceipt reports a successful single write.
type WriteReceipt struct {
	// ID is the native key under which the store filed the record. Usually
	// the record id; vector stores may return a point id, graph stores an
	// element id.
	ID string `json:"id"`
	// Rev is the new revision token, when the store versions records.
	Rev string `json:"rev,omitempty"`
	// StoredAt is the adapter-clock write timestamp.
	StoredAt time.Time `json:"storedAt"`
}

// ItemOutcome is the per-input result of a batch write. Exactly one of
// Receipt and Err is set.
type ItemOutcome struct {
	Index   int           `json:"index"`
	Receipt *WriteReceipt `json:"receipt,omitempty"`
	Err     error         `json:"-"`
}

// ============================================================================
// HEALTH AND STATISTICS
// ============================================================================

// HealthStatus is one health probe outcome.
type HealthStatus struct {
	Healthy   bool          `json:"healthy"`
	Latency   time.Duration `json:"latency"`
	Message   string        `json:"message,omitempty"`
	CheckedAt time.Time     `json:"checkedAt"`
}

// NativeQuery is a store-native query expression with bound parameters.
type NativeQuery struct {
	Expression string         `json:"expression"`
	Params     map[string]any `json:"params,omitempty"`
}

// Iterator walks the records produced by a native query. The caller owns
// Close.
type Iterator interface {
	Next() bool
	Record() *Record
	Err() error
	Close() error
}

// ============================================================================
// THE COMMON CONTRACT
// ============================================================================

// Store is the uniform adapter contract. Adapters translate their native
// driver errors into the coordinator error taxonomy; not_found is expressed
// through the ok return, never as an error.
type Store interface {
	// Kind identifies the store family this adapter serves.
	Kind() Kind

	// Connect establishes the session. Idempotent.
	Connect(ctx context.Context) error
	// Close releases the session. Safe to call on a never-connected adapter.
	Close(ctx context.Context) error
	// Connected reports whether the adapter currently holds a live session.
	Connected() bool

	// HealthCheck probes the backend and records the latency sample.
	HealthCheck(ctx context.Context) HealthStatus

	// WriteOne stores a single record.
	WriteOne(ctx context.Context, rec *Record) (*WriteReceipt, error)
	// WriteBatch stores records reporting a per-input outcome. A whole-batch
	// transport failure is returned as the error with no outcomes.
	WriteBatch(ctx context.Context, recs []*Record) ([]ItemOutcome, error)

	// ReadOne fetches a record by id. Absence is (nil, false, nil).
	ReadOne(ctx context.Context, collection, id string, projection []string) (*Record, bool, error)
	// ReadBatch fetches many records; absent ids are omitted from the map.
	ReadBatch(ctx context.Context, collection string, ids []string) (map[string]*Record, error)
	// ExistsBatch reports presence for each id.
	ExistsBatch(ctx context.Context, collection string, ids []string) (map[string]bool, error)

	// Delete removes a record, reporting whether it existed.
	Delete(ctx context.Context, collection, id string) (bool, error)

	// QueryNative runs a store-native query.
	QueryNative(ctx context.Context, q NativeQuery) (Iterator, error)

	// Stats returns a snapshot of the adapter's operation counters.
	Stats() Stats
}

// ============================================================================
// CAPABILITY INTERFACES
// ============================================================================

// Match is one nearest-neighbor search hit, ascending by distance.
type Match struct {
	ID       string         `json:"id"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Distance float64        `json:"distance"`
}

// SearchRequest is a nearest-neighbor query against a vector collection.
type SearchRequest struct {
	Collection string         `json:"collection"`
	Vector     []float32      `json:"vector,omitempty"`
	Text       string         `json:"text,omitempty"`
	TopK       int            `json:"topK"`
	Filter     map[string]any `json:"filter,omitempty"`
}

// VectorCapable is implemented by adapters that store dense vectors.
type VectorCapable interface {
	// EnsureCollection creates the collection if missing (get-or-create).
	EnsureCollection(ctx context.Context, name string, dimension int) error
	// Embed converts raw text into vectors when the backend offers an
	// embedding endpoint.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Search returns the nearest neighbors sorted ascending by distance.
	Search(ctx context.Context, req SearchRequest) ([]Match, error)
}

// EdgeSpec describes a typed edge between two nodes.
type EdgeSpec struct {
	FromID     string         `json:"fromId"`
	ToID       string         `json:"toId"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties,omitempty"`
}

// TraversalQuery walks edges outward from a start node.
type TraversalQuery struct {
	StartID  string `json:"startId"`
	EdgeType string `json:"edgeType,omitempty"`
	MaxDepth int    `json:"maxDepth"`
	// IncludeInactive also returns soft-deleted edges.
	IncludeInactive bool `json:"includeInactive"`
}

// Edge is a stored edge as returned by traversal.
type Edge struct {
	ID         string         `json:"id"`
	FromID     string         `json:"fromId"`
	ToID       string         `json:"toId"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties,omitempty"`
	Active     bool           `json:"active"`
}

// GraphCapable is implemented by adapters that store nodes and typed edges.
// Edges are soft-deleted: deactivation flags the edge inactive and keeps its
// history; restore reverses it.
type GraphCapable interface {
	CreateNode(ctx context.Context, label string, properties map[string]any) (string, error)
	CreateEdge(ctx context.Context, spec EdgeSpec) (string, error)
	// UpdateEdgeWeight records a new weight, preserving prior values in the
	// edge's history property.
	UpdateEdgeWeight(ctx context.Context, edgeID string, weight float64) error
	DeactivateEdge(ctx context.Context, edgeID, reason string) error
	RestoreEdge(ctx context.Context, edgeID string) error
	Traverse(ctx context.Context, q TraversalQuery) ([]Edge, error)
}
