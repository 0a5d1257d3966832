package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"backend/internal/apperrors"
	"backend/internal/session"
)

type tokenRefreshRequest struct {
	JobID    string `json:"jobId" validate:"required"`
	OldToken string `json:"oldToken" validate:"required"`
}

type tokenRefreshResponse struct {
	JobID     string `json:"jobId"`
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expiresIn"`
}

// handleTokenRefresh is POST /jobs/token/refresh (§4.E refresh contract).
func (d *Deps) handleTokenRefresh(w http.ResponseWriter, r *http.Request) {
	var req tokenRefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, string(apperrors.CodeInvalidRequest), "Malformed JSON body", nil)
		return
	}
	if err := getValidator().Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, string(apperrors.CodeInvalidRequest), firstValidationError(err), nil)
		return
	}

	sess := d.Registry.Get(r.Context(), req.JobID)
	newToken, expiresIn, err := sess.RefreshAuthToken(r.Context(), req.OldToken)
	if err != nil {
		status, code, msg := resolveRefreshError(err)
		writeError(w, status, code, msg, nil)
		return
	}

	writeJSON(w, http.StatusOK, tokenRefreshResponse{
		JobID:     req.JobID,
		Token:     newToken,
		ExpiresIn: int64(expiresIn.Seconds()),
	})
}

func resolveRefreshError(err error) (int, string, string) {
	switch {
	case errors.Is(err, session.ErrTokenInvalid):
		return http.StatusUnauthorized, string(apperrors.CodeUnauthorized), "Token is invalid"
	case errors.Is(err, session.ErrTokenExpired):
		return http.StatusUnauthorized, string(apperrors.CodeTokenExpired), "Token expired"
	case errors.Is(err, session.ErrRefreshTooEarly):
		return http.StatusUnauthorized, string(apperrors.CodeRefreshTooEarly), "Refresh attempted too early"
	case errors.Is(err, session.ErrRefreshInProgress):
		return http.StatusUnauthorized, string(apperrors.CodeRefreshInProgress), "A refresh is already in progress"
	default:
		return http.StatusInternalServerError, string(apperrors.CodeInternal), "Unexpected error"
	}
}
