// Package handlers exposes the coordination layer over HTTP. Handlers
// decode and validate requests, call the coordinator, and translate the
// error taxonomy into response statuses.
package handlers

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"polystore-backend/internal/errors"
	"polystore-backend/internal/middleware"
	"polystore-backend/pkg/api"
)

// maxBodyBytes caps request bodies. Processor payloads carry extracted
// text and embeddings, so the cap is generous.
const maxBodyBytes = 8 << 20

// decodeJSON reads one JSON body into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		return errors.BadRequest("invalid JSON body").WithCause(err)
	}
	return nil
}

// respondError writes the error envelope for err. Internal failures are
// logged in full and masked on the wire; classified failures pass their
// message and issues through.
func respondError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	status := errors.HTTPStatus(err)
	body := api.ErrorResponse{
		Error:  err.Error(),
		Kind:   string(errors.KindOf(err)),
		Issues: errors.IssuesOf(err),
	}

	if errors.KindOf(err) == errors.KindInternal {
		logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err),
		)
		body.Error = "an internal error occurred"
		body.Issues = nil
	}

	api.Fail(w, status, body)
}
