package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"backend/internal/apperrors"
	"backend/internal/session"
)

// handleWS is GET /ws/progress?jobId=&token=, the WebSocket upgrade
// endpoint (§6). jobId/token presence and the Upgrade header are checked
// here; token validity is checked by Session.UpgradeSocket, which also
// owns the actual gorilla handshake.
func (d *Deps) handleWS(w http.ResponseWriter, r *http.Request) {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		writeError(w, http.StatusUpgradeRequired, string(apperrors.CodeInvalidRequest), "WebSocket upgrade required", nil)
		return
	}

	jobID := r.URL.Query().Get("jobId")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, string(apperrors.CodeInvalidRequest), "jobId is required", nil)
		return
	}
	token := r.URL.Query().Get("token")

	sess := d.Registry.Get(r.Context(), jobID)
	if err := sess.UpgradeSocket(w, r, token); err != nil {
		if errors.Is(err, session.ErrTokenInvalid) || errors.Is(err, session.ErrSocketInUse) {
			writeError(w, http.StatusUnauthorized, string(apperrors.CodeUnauthorized), "Unauthorized", nil)
			return
		}
		// The gorilla upgrader already wrote its own HTTP error response
		// for any other failure; nothing left to do but log it.
		if d.Logger != nil {
			d.Logger.Warnw("httpapi: websocket upgrade failed", "jobId", jobID, "error", err)
		}
	}
}
