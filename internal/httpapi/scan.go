package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sort"

	"backend/internal/apperrors"
	"backend/internal/drivers"
)

type scanImage struct {
	Index int    `json:"index"`
	Data  string `json:"data"` // base64-encoded photo bytes
}

type scanRequest struct {
	JobID  string      `json:"jobId" validate:"required"`
	Images []scanImage `json:"images" validate:"required,min=1"`
}

type scanAccepted struct {
	JobID       string `json:"jobId"`
	Token       string `json:"token"`
	TotalPhotos int    `json:"totalPhotos"`
	Status      string `json:"status"`
}

// handleScan is POST /jobs/scan: decodes the base64 image batch in index
// order and starts ShelfScan.Run in the background.
func (d *Deps) handleScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, string(apperrors.CodeInvalidRequest), "Malformed JSON body", nil)
		return
	}
	if err := getValidator().Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, string(apperrors.CodeInvalidRequest), firstValidationError(err), nil)
		return
	}

	sort.Slice(req.Images, func(i, j int) bool { return req.Images[i].Index < req.Images[j].Index })
	images := make([][]byte, len(req.Images))
	for i, img := range req.Images {
		decoded, err := base64.StdEncoding.DecodeString(img.Data)
		if err != nil {
			writeError(w, http.StatusBadRequest, string(apperrors.CodeInvalidImages), "Invalid image encoding", nil)
			return
		}
		images[i] = decoded
	}
	if err := drivers.ValidateImages(images); err != nil {
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

	go d.ScanDriver.Run(context.Background(), sess, images)

	writeJSON(w, http.StatusAccepted, scanAccepted{
		JobID:       req.JobID,
		Token:       token,
		TotalPhotos: len(images),
		Status:      "processing",
	})
}
