package drivers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"backend/internal/apperrors"
	"backend/internal/cache"
	"backend/internal/data"
	"backend/internal/llm"
	"backend/internal/session"
)

// alarmKindResumeCSVImport is the non-cleanup alarm kind csv_import arms;
// internal/registry's Poller must have it registered against CSVImport.Resume.
const alarmKindResumeCSVImport = "resume_csv_import"

// csvPromptVersion is mixed into the coalescing key so a prompt change
// invalidates previously-cached LLM parses without a manual cache flush.
const csvPromptVersion = "v1"

var errNoBooksParsed = errors.New("drivers: llm returned zero parsed books")

// ParsedBookDTO is one sanitized row of a csv_import job_complete payload.
type ParsedBookDTO struct {
	Title  string `json:"title"`
	Author string `json:"author,omitempty"`
	ISBN   string `json:"isbn,omitempty"`
}

// CSVRowError records one input row the LLM could not turn into a usable
// book.
type CSVRowError struct {
	Title string `json:"title"`
	Error string `json:"error"`
}

// CSVImportResult is the csv_import pipeline's job_complete payload (§6).
type CSVImportResult struct {
	Books       []ParsedBookDTO `json:"books"`
	Errors      []CSVRowError   `json:"errors"`
	SuccessRate string          `json:"successRate"`
}

// CSVImport runs the csv_import pipeline: size-validate, schedule a short
// delayed continuation (to give the client time to open its WebSocket),
// then on that alarm firing, parse via the LLM provider (coalesced,
// 7-day cached) and emit the sanitized result.
type CSVImport struct {
	LLM    llm.Provider
	Cache  *cache.Cache
	Logger *zap.SugaredLogger
	Audit  *data.Conn // optional job_runs audit sink (§3)
}

// Start validates the upload and arms the csv_import continuation alarm.
// Any error here is pre-Init and returned directly to the HTTP handler.
func (d *CSVImport) Start(ctx context.Context, sess *session.Session, csvBody []byte) error {
	if len(csvBody) == 0 {
		return apperrors.ErrMissingFile
	}
	if len(csvBody) > maxCSVBytes {
		return apperrors.ErrFileTooLarge
	}
	if err := sess.InitJobState(ctx, "csv_import", 0); err != nil {
		return fmt.Errorf("drivers: init job state: %w", err)
	}
	sess.SendStarted("csv_import", map[string]any{})

	payload, err := json.Marshal(string(csvBody))
	if err != nil {
		return fmt.Errorf("drivers: marshal csv payload: %w", err)
	}
	return sess.ScheduleDelayed(ctx, csvScheduleDelaySeconds*time.Second, alarmKindResumeCSVImport, payload)
}

// Resume is the AlarmHandler the registry Poller invokes once the 2-second
// delay elapses.
func (d *CSVImport) Resume(ctx context.Context, sess *session.Session, payload json.RawMessage) {
	var csvBody string
	if err := json.Unmarshal(payload, &csvBody); err != nil {
		d.fail(ctx, sess, fmt.Errorf("drivers: corrupt csv payload: %w", err))
		return
	}

	// Non-fatal: the client may not have connected its WebSocket yet, but
	// parsing proceeds regardless (§4.G).
	sess.WaitForReady(ctx, 10*time.Second)

	sess.SendProgress("csv_import", map[string]any{"status": "Validating CSV file...", "progress": 0.1})
	sess.SendProgress("csv_import", map[string]any{"status": "Uploading CSV to Gemini...", "progress": 0.4})
	sess.SendProgress("csv_import", map[string]any{"status": "Parsing CSV contents...", "progress": 0.7})

	key := fingerprintCSV(csvPromptVersion, csvBody)
	raw, err := d.Cache.Coalesce(ctx, "csv_llm", key, func(ctx context.Context) (json.RawMessage, error) {
		books, parseErr := d.LLM.ParseCSV(ctx, csvBody)
		if parseErr != nil {
			_ = d.Cache.PutNegative(ctx, "csv_llm", key, cache.NegativeError, 502)
			return nil, parseErr
		}
		if len(books) == 0 {
			_ = d.Cache.PutNegative(ctx, "csv_llm", key, cache.NegativeNoResults, 0)
			return nil, errNoBooksParsed
		}
		out, marshalErr := json.Marshal(books)
		if marshalErr != nil {
			return nil, marshalErr
		}
		if putErr := d.Cache.Put(ctx, "csv_llm", key, out, 7*24*time.Hour); putErr != nil {
			return nil, putErr
		}
		return out, nil
	})
	if err != nil {
		d.fail(ctx, sess, err)
		return
	}

	var parsed []llm.ParsedBook
	if jsonErr := json.Unmarshal(raw, &parsed); jsonErr != nil {
		d.fail(ctx, sess, jsonErr)
		return
	}

	dtoBooks := make([]ParsedBookDTO, 0, len(parsed))
	var rowErrors []CSVRowError
	for _, p := range parsed {
		title := strings.TrimSpace(p.Title)
		if title == "" {
			rowErrors = append(rowErrors, CSVRowError{Title: p.Title, Error: "missing title"})
			continue
		}
		dtoBooks = append(dtoBooks, ParsedBookDTO{Title: title, Author: strings.TrimSpace(p.Author), ISBN: strings.TrimSpace(p.ISBN)})
	}

	result := CSVImportResult{
		Books:       dtoBooks,
		Errors:      rowErrors,
		SuccessRate: fmt.Sprintf("%d/%d", len(dtoBooks), len(parsed)),
	}
	out, marshalErr := json.Marshal(result)
	if marshalErr != nil {
		d.fail(ctx, sess, marshalErr)
		return
	}

	sess.SendComplete("csv_import", result)
	if completeErr := sess.CompleteJobState(ctx, out); completeErr != nil && d.Logger != nil {
		d.Logger.Errorw("drivers: completing csv_import job state", "error", completeErr)
	}
	recordAudit(ctx, d.Audit, d.Logger, sess.GetJobState())
}

func (d *CSVImport) fail(ctx context.Context, sess *session.Session, cause error) {
	sess.SendError("csv_import", map[string]any{
		"code":      string(apperrors.CodeCSVProcessing),
		"retryable": true,
		"details":   map[string]any{"fallbackAvailable": true},
	})
	if err := sess.FailJobState(ctx, cause.Error()); err != nil && d.Logger != nil {
		d.Logger.Errorw("drivers: failing csv_import job state", "error", err)
	}
	recordAudit(ctx, d.Audit, d.Logger, sess.GetJobState())
}

func fingerprintCSV(promptVersion, csvBody string) string {
	sum := sha256.Sum256([]byte(promptVersion + csvBody))
	return hex.EncodeToString(sum[:])
}
