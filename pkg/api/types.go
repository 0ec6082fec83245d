package api

import "time"

// ErrorResponse is the error envelope every non-2xx response carries.
type ErrorResponse struct {
	Error  string   `json:"error"`
	Kind   string   `json:"kind,omitempty"`
	Issues []string `json:"issues,omitempty"`
}

// DistributionResponse reports the outcome of distributing one processor
// result across the stores.
type DistributionResponse struct {
	DocumentID    string              `json:"documentId"`
	Success       bool                `json:"success"`
	TransactionID string              `json:"transactionId,omitempty"`
	Strategy      string              `json:"strategy"`
	StoredIDs     map[string][]string `json:"storedIds,omitempty"`
	DurationMs    int64               `json:"durationMs"`
	Errors        []string            `json:"errors,omitempty"`
}

// BatchDistributionResponse reports per-item outcomes for a batch
// submission. Items are in submission order.
type BatchDistributionResponse struct {
	Results   []DistributionResponse `json:"results"`
	Succeeded int                    `json:"succeeded"`
	Failed    int                    `json:"failed"`
}

// RecordResponse is one stored record as served by a read.
type RecordResponse struct {
	Collection string         `json:"collection"`
	ID         string         `json:"id"`
	Fields     map[string]any `json:"fields"`
	Rev        string         `json:"rev,omitempty"`
	StoredAt   time.Time      `json:"storedAt"`
}

// SemanticSearchRequest asks for the nearest stored content to a query text.
type SemanticSearchRequest struct {
	Query  string         `json:"query"`
	TopK   int            `json:"topK,omitempty"`
	Filter map[string]any `json:"filter,omitempty"`
}

// MatchResponse is one semantic search hit.
type MatchResponse struct {
	ID       string         `json:"id"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Distance float64        `json:"distance"`
}

// SemanticSearchResponse lists search hits ordered by ascending distance.
type SemanticSearchResponse struct {
	Matches []MatchResponse `json:"matches"`
	Count   int             `json:"count"`
}

// RelationResponse is one relation instance anchored on a source document.
type RelationResponse struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Category   string         `json:"category"`
	SourceID   string         `json:"sourceId"`
	TargetID   string         `json:"targetId"`
	Properties map[string]any `json:"properties,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// RelationsResponse lists the relations reachable from one source document.
type RelationsResponse struct {
	SourceID  string             `json:"sourceId"`
	Relations []RelationResponse `json:"relations"`
	Count     int                `json:"count"`
}

// StoreHealth is one store's availability as seen by the monitor.
type StoreHealth struct {
	Healthy   bool  `json:"healthy"`
	LatencyMs int64 `json:"latencyMs"`
}

// HealthResponse reports service liveness, the active write strategy, and
// per-store availability.
type HealthResponse struct {
	Status     string                 `json:"status"`
	Strategy   string                 `json:"strategy"`
	Version    string                 `json:"version,omitempty"`
	ObservedAt time.Time              `json:"observedAt"`
	Stores     map[string]StoreHealth `json:"stores"`
}
