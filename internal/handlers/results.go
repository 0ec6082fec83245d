package handlers

import (
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"polystore-backend/internal/content"
	"polystore-backend/internal/coordinator"
	"polystore-backend/internal/distributor"
	"polystore-backend/internal/errors"
	"polystore-backend/pkg/api"
)

// maxBatchItems bounds one batch submission.
const maxBatchItems = 100

// ResultsHandler accepts processor results for distribution.
type ResultsHandler struct {
	coord  *coordinator.Coordinator
	logger *zap.Logger
}

// NewResultsHandler creates the ingest handler.
func NewResultsHandler(coord *coordinator.Coordinator, logger *zap.Logger) *ResultsHandler {
	return &ResultsHandler{coord: coord, logger: logger}
}

// Distribute handles POST /v1/results. The response body is the
// distribution outcome whether or not it succeeded; the status code tracks
// the worst collected error on failure.
func (h *ResultsHandler) Distribute(w http.ResponseWriter, r *http.Request) {
	var res content.ProcessorResult
	if err := decodeJSON(w, r, &res); err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	if err := res.Validate(); err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	outcome := h.coord.Distribute(r.Context(), &res)

	status := http.StatusCreated
	if !outcome.Success {
		status = errors.HTTPStatus(outcome.Err())
	}
	api.Success(w, status, toDistributionResponse(outcome))
}

// DistributeBatch handles POST /v1/results:batch. Items are independent:
// the response always itemizes per-result outcomes and the call itself
// succeeds once the batch is accepted and run.
func (h *ResultsHandler) DistributeBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Results []*content.ProcessorResult `json:"results"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	if len(req.Results) == 0 {
		respondError(w, r, h.logger, errors.BadRequest("results must not be empty"))
		return
	}
	if len(req.Results) > maxBatchItems {
		respondError(w, r, h.logger,
			errors.BadRequest(fmt.Sprintf("batch exceeds %d items", maxBatchItems)))
		return
	}

	var issues []string
	for i, res := range req.Results {
		if res == nil {
			issues = append(issues, fmt.Sprintf("results[%d]: null item", i))
			continue
		}
		if err := res.Validate(); err != nil {
			issues = append(issues, fmt.Sprintf("results[%d]: %s", i, err.Error()))
		}
	}
	if len(issues) > 0 {
		respondError(w, r, h.logger,
			errors.BadRequest("batch contains invalid results").WithIssues(issues...))
		return
	}

	outcomes := h.coord.DistributeMany(r.Context(), req.Results)

	resp := api.BatchDistributionResponse{
		Results: make([]api.DistributionResponse, len(outcomes)),
	}
	for i, outcome := range outcomes {
		resp.Results[i] = toDistributionResponse(outcome)
		if outcome.Success {
			resp.Succeeded++
		} else {
			resp.Failed++
		}
	}
	api.Success(w, http.StatusOK, resp)
}

func toDistributionResponse(res *distributor.Result) api.DistributionResponse {
	stored := make(map[string][]string, len(res.StoredIDs))
	for kind, ids := range res.StoredIDs {
		stored[string(kind)] = ids
	}
	return api.DistributionResponse{
		DocumentID:    res.DocumentID,
		Success:       res.Success,
		TransactionID: res.TransactionID,
		Strategy:      string(res.Strategy),
		StoredIDs:     stored,
		DurationMs:    res.Duration.Milliseconds(),
		Errors:        res.ErrorStrings(),
	}
}
