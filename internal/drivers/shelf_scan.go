package drivers

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"backend/internal/apperrors"
	"backend/internal/blob"
	"backend/internal/data"
	"backend/internal/scanner"
	"backend/internal/session"
)

// ShelfScanResult is the shelf_scan pipeline's final CompleteBatch payload
// (§6).
type ShelfScanResult struct {
	Status       string              `json:"status"`
	TotalBooks   int                 `json:"totalBooks"`
	PhotoResults []session.Photo     `json:"photoResults"`
	Books        []scanner.FoundBook `json:"books"`
}

// ShelfScan runs the shelf_scan pipeline: upload every photo to blob
// storage in parallel, then scan them one at a time (checking for
// cancellation between photos), and finally dedupe the books found across
// all photos.
type ShelfScan struct {
	Blob    blob.Store
	Scanner scanner.Provider
	Logger  *zap.SugaredLogger
	Audit   *data.Conn // optional job_runs audit sink (§3)
}

// Run validates the image batch, drives sess through InitBatch and the
// per-photo scan loop, and finishes with CompleteBatch. It returns a
// validation error or an error from InitJobState, InitBatch or
// CompleteBatch; per-photo failures are surfaced through the Session's own
// envelopes rather than returned.
func (d *ShelfScan) Run(ctx context.Context, sess *session.Session, images [][]byte) error {
	if err := ValidateImages(images); err != nil {
		return err
	}

	if err := sess.InitJobState(ctx, "shelf_scan", len(images)); err != nil {
		return fmt.Errorf("drivers: init job state: %w", err)
	}
	sess.SendStarted("shelf_scan", map[string]any{"totalCount": len(images)})
	if err := sess.InitBatch(ctx, len(images)); err != nil {
		return fmt.Errorf("drivers: init batch: %w", err)
	}

	keys := d.uploadAll(ctx, images)

	var allFound []scanner.FoundBook
	for i := range images {
		if sess.IsBatchCanceled() {
			d.skipRemaining(ctx, sess, i, len(images))
			break
		}
		if keys[i] == "" {
			_ = sess.UpdatePhoto(ctx, i, session.PhotoError, 0, "upload failed")
			continue
		}
		photo, err := d.Blob.Get(ctx, keys[i])
		if err != nil {
			_ = sess.UpdatePhoto(ctx, i, session.PhotoError, 0, err.Error())
			continue
		}
		found, err := d.Scanner.ScanPhoto(ctx, photo)
		if err != nil {
			_ = sess.UpdatePhoto(ctx, i, session.PhotoError, 0, err.Error())
			continue
		}
		_ = sess.UpdatePhoto(ctx, i, session.PhotoComplete, len(found), "")
		allFound = append(allFound, found...)
	}

	deduped := scanner.Dedupe(allFound)
	snapshot := sess.GetBatchState()
	status := "complete"
	if sess.IsBatchCanceled() {
		status = "canceled"
	}
	payload := ShelfScanResult{
		Status:       status,
		TotalBooks:   len(deduped),
		PhotoResults: snapshot.Photos,
		Books:        deduped,
	}
	completeErr := sess.CompleteBatch(ctx, payload)
	recordAudit(ctx, d.Audit, d.Logger, sess.GetJobState())
	return completeErr
}

// ValidateImages enforces §4.G's shelf_scan image-count and per-image size
// limits. Exported so an HTTP handler can reject a bad request with 400
// before starting the (long-running) driver.
func ValidateImages(images [][]byte) error {
	if len(images) < minImages || len(images) > maxImages {
		return apperrors.ErrInvalidImages
	}
	for _, img := range images {
		if len(img) > maxImageBytes {
			return apperrors.ErrInvalidImages
		}
	}
	return nil
}

func (d *ShelfScan) skipRemaining(ctx context.Context, sess *session.Session, from, total int) {
	for i := from; i < total; i++ {
		_ = sess.UpdatePhoto(ctx, i, session.PhotoSkipped, 0, "")
	}
}

// uploadAll stores every photo in parallel, identified by slice index; a
// failed upload leaves that index's key empty so the scan loop records an
// upload-failure photo result instead of attempting to fetch it.
func (d *ShelfScan) uploadAll(ctx context.Context, images [][]byte) []string {
	keys := make([]string, len(images))
	var wg sync.WaitGroup
	wg.Add(len(images))
	for i, img := range images {
		i, img := i, img
		go func() {
			defer wg.Done()
			key, err := d.Blob.Put(ctx, img)
			if err != nil {
				if d.Logger != nil {
					d.Logger.Errorw("drivers: shelf_scan upload failed", "index", i, "error", err)
				}
				return
			}
			keys[i] = key
		}()
	}
	wg.Wait()
	return keys
}
