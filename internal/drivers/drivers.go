// Package drivers implements the three JobDriver pipelines —
// batch_enrichment, csv_import, shelf_scan — composed from internal/enrich,
// internal/provider, internal/cache, internal/session, internal/llm,
// internal/blob and internal/scanner. Each driver validates its request,
// drives a Session through InitJobState/SendStarted/.../CompleteJobState,
// and never panics across its own call boundary.
package drivers

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"backend/internal/apperrors"
	"backend/internal/data"
	"backend/internal/session"
)

const (
	maxBatchBooks           = 100
	maxTitleLen             = 500
	maxAuthorLen            = 300
	maxISBNLen              = 17
	maxCSVBytes             = 10 * 1024 * 1024
	minImages               = 1
	maxImages               = 5
	maxImageBytes           = 10 * 1024 * 1024
	csvScheduleDelaySeconds = 2
)

// BookRequest is one item of a batch_enrichment request.
type BookRequest struct {
	Title  string `json:"title"`
	Author string `json:"author,omitempty"`
	ISBN   string `json:"isbn,omitempty"`
}

func trimBook(b BookRequest) BookRequest {
	return BookRequest{Title: strings.TrimSpace(b.Title), Author: strings.TrimSpace(b.Author), ISBN: strings.TrimSpace(b.ISBN)}
}

// ValidateBatch enforces the batch_enrichment validation rules: non-empty,
// at most maxBatchBooks items, each within its field length limits. Exported
// so an HTTP handler can reject a bad request with 400 before minting a
// token or starting the (long-running) driver.
func ValidateBatch(books []BookRequest) ([]BookRequest, error) {
	if len(books) == 0 {
		return nil, apperrors.ErrEmptyBatch
	}
	if len(books) > maxBatchBooks {
		return nil, apperrors.ErrBatchTooLarge
	}
	trimmed := make([]BookRequest, len(books))
	for i, b := range books {
		t := trimBook(b)
		if t.Title == "" {
			return nil, apperrors.ErrInvalidInput
		}
		if len(t.Title) > maxTitleLen {
			return nil, apperrors.ErrTitleTooLong
		}
		if len(t.Author) > maxAuthorLen {
			return nil, apperrors.ErrAuthorTooLong
		}
		if len(t.ISBN) > maxISBNLen {
			return nil, apperrors.ErrISBNTooLong
		}
		trimmed[i] = t
	}
	return trimmed, nil
}

// recordAudit upserts the job_runs row for a terminal transition. Audit may
// be nil (audit sink is optional, e.g. in unit tests with no Postgres); a
// write failure is logged and never propagated, since §3's audit sink is
// additive and read-by-nothing in this build.
func recordAudit(ctx context.Context, audit *data.Conn, logger *zap.SugaredLogger, job session.Job) {
	if audit == nil {
		return
	}
	endedAt := job.StartTime
	if job.EndTime != nil {
		endedAt = *job.EndTime
	}
	run := data.JobRun{
		JobID:          job.JobID,
		Pipeline:       job.Pipeline,
		Status:         string(job.Status),
		TotalCount:     job.TotalCount,
		ProcessedCount: job.ProcessedCount,
		StartedAt:      job.StartTime,
		EndedAt:        endedAt,
		ResultSummary:  job.Results,
	}
	if err := data.RecordJobRun(ctx, audit, run); err != nil && logger != nil {
		logger.Errorw("drivers: recording job_runs audit row failed", "jobId", job.JobID, "error", err)
	}
}
