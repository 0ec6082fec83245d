package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"polystore-backend/internal/coordinator"
	"polystore-backend/internal/errors"
	"polystore-backend/internal/relation"
	"polystore-backend/internal/store"
	"polystore-backend/pkg/api"
)

// maxTopK bounds one semantic search.
const maxTopK = 100

// QueryHandler serves the read side: exact lookups, semantic search, and
// relation traversal.
type QueryHandler struct {
	coord  *coordinator.Coordinator
	logger *zap.Logger
}

// NewQueryHandler creates the read handler.
func NewQueryHandler(coord *coordinator.Coordinator, logger *zap.Logger) *QueryHandler {
	return &QueryHandler{coord: coord, logger: logger}
}

// GetRecord handles GET /v1/records/{id}. An optional ?store= query
// parameter pins the read to one store kind, bypassing cache and routing.
func (h *QueryHandler) GetRecord(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	hint := store.Kind(r.URL.Query().Get("store"))

	rec, found, err := h.coord.GetByID(r.Context(), hint, id)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	if !found {
		respondError(w, r, h.logger, errors.NotFound("record", id))
		return
	}

	api.Success(w, http.StatusOK, api.RecordResponse{
		Collection: rec.Collection,
		ID:         rec.ID,
		Fields:     rec.Fields,
		Rev:        rec.Rev,
		StoredAt:   rec.StoredAt,
	})
}

// SemanticSearch handles POST /v1/search/semantic.
func (h *QueryHandler) SemanticSearch(w http.ResponseWriter, r *http.Request) {
	var req api.SemanticSearchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	if req.TopK > maxTopK {
		req.TopK = maxTopK
	}

	matches, err := h.coord.SemanticSearch(r.Context(), req.Query, req.TopK, req.Filter)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	resp := api.SemanticSearchResponse{
		Matches: make([]api.MatchResponse, len(matches)),
		Count:   len(matches),
	}
	for i, m := range matches {
		resp.Matches[i] = api.MatchResponse{ID: m.ID, Metadata: m.Metadata, Distance: m.Distance}
	}
	api.Success(w, http.StatusOK, resp)
}

// QueryRelations handles GET /v1/relations?source_id=...&relation_type=...
func (h *QueryHandler) QueryRelations(w http.ResponseWriter, r *http.Request) {
	sourceID := r.URL.Query().Get("source_id")
	relationType := r.URL.Query().Get("relation_type")

	instances, err := h.coord.QueryRelations(r.Context(), sourceID, relationType)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	resp := api.RelationsResponse{
		SourceID:  sourceID,
		Relations: make([]api.RelationResponse, len(instances)),
		Count:     len(instances),
	}
	for i, inst := range instances {
		resp.Relations[i] = toRelationResponse(inst)
	}
	api.Success(w, http.StatusOK, resp)
}

func toRelationResponse(inst relation.Instance) api.RelationResponse {
	return api.RelationResponse{
		ID:         inst.ID,
		Type:       inst.Type,
		Category:   string(inst.Category),
		SourceID:   inst.SourceID,
		TargetID:   inst.TargetID,
		Properties: inst.Properties,
		CreatedAt:  inst.CreatedAt,
	}
}
