package httpapi

import (
	"io"
	"net/http"

	"backend/internal/apperrors"
)

const maxCSVUploadMemory = 32 << 20

type csvAccepted struct {
	JobID string `json:"jobId"`
	Token string `json:"token"`
}

// handleCSV is POST /jobs/csv: a multipart upload carrying jobId and file.
// CSVImport.Start only size-validates and arms the resume alarm, so unlike
// the other two drivers this runs synchronously in the request.
func (d *Deps) handleCSV(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxCSVUploadMemory); err != nil {
		writeError(w, http.StatusBadRequest, string(apperrors.CodeMissingFile), "Malformed multipart body", nil)
		return
	}
	jobID := r.FormValue("jobId")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, string(apperrors.CodeInvalidRequest), "jobId is required", nil)
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, string(apperrors.CodeMissingFile), "file is required", nil)
		return
	}
	defer file.Close()

	body, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, string(apperrors.CodeMissingFile), "Failed to read upload", nil)
		return
	}

	sess := d.Registry.Get(r.Context(), jobID)
	token, err := sess.SetAuthToken(r.Context(), 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, string(apperrors.CodeInternal), "Failed to start job", nil)
		return
	}

	if err := d.CSVDriver.Start(r.Context(), sess, body); err != nil {
		status, code, msg := apperrors.Resolve(err)
		writeError(w, status, string(code), msg, nil)
		return
	}

	writeJSON(w, http.StatusAccepted, csvAccepted{JobID: jobID, Token: token})
}
