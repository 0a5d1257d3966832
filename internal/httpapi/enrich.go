package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"backend/internal/apperrors"
	"backend/internal/drivers"
)

type enrichRequest struct {
	JobID string                `json:"jobId" validate:"required"`
	// Books has no required/min tag: an empty slice must reach
	// drivers.ValidateBatch so it can return apperrors.ErrEmptyBatch
	// (E_EMPTY_BATCH) rather than the generic invalid-request code here.
	Books []drivers.BookRequest `json:"books" validate:"dive"`
}

type enrichAccepted struct {
	JobID          string `json:"jobId"`
	Token          string `json:"token"`
	Success        bool   `json:"success"`
	ProcessedCount int    `json:"processedCount"`
	TotalCount     int    `json:"totalCount"`
}

// handleEnrich is POST /jobs/enrich: validates synchronously, mints the
// auth token, and starts BatchEnrichment.Run in the background — the
// driver's own progress/terminal envelopes flow over the WebSocket, not
// this response.
func (d *Deps) handleEnrich(w http.ResponseWriter, r *http.Request) {
	var req enrichRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, string(apperrors.CodeInvalidRequest), "Malformed JSON body", nil)
		return
	}
	if err := getValidator().Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, string(apperrors.CodeInvalidRequest), firstValidationError(err), nil)
		return
	}
	trimmed, err := drivers.ValidateBatch(req.Books)
	if err != nil {
		status, code, msg := apperrors.Resolve(err)
		writeError(w, status, string(code), msg, nil)
		return
	}

	sess := d.Registry.Get(r.Context(), req.JobID)
	token, err := sess.SetAuthToken(r.Context(), 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, string(apperrors.CodeInternal), "Failed to start job", nil)
		return
	}

	go d.BatchDriver.Run(context.Background(), sess, trimmed)

	writeJSON(w, http.StatusAccepted, enrichAccepted{
		JobID:          req.JobID,
		Token:          token,
		Success:        true,
		ProcessedCount: 0,
		TotalCount:     len(trimmed),
	})
}
