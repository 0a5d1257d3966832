package drivers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"backend/internal/cache"
	"backend/internal/data"
	"backend/internal/enrich"
	"backend/internal/provider"
	"backend/internal/session"
)

// EnrichedBook is one entry of a batch_enrichment job_complete payload.
type EnrichedBook struct {
	Title            string           `json:"title"`
	Author           string           `json:"author,omitempty"`
	ISBN             string           `json:"isbn,omitempty"`
	EnrichmentStatus string           `json:"enrichmentStatus"`
	Work             map[string]any   `json:"work,omitempty"`
	Editions         []map[string]any `json:"editions,omitempty"`
	Authors          []map[string]any `json:"authors,omitempty"`
	Error            string           `json:"error,omitempty"`
}

// BatchEnrichmentResult is the batch_enrichment pipeline's job_complete
// payload shape (§6).
type BatchEnrichmentResult struct {
	TotalProcessed int            `json:"totalProcessed"`
	SuccessCount   int            `json:"successCount"`
	FailureCount   int            `json:"failureCount"`
	Duration       string         `json:"duration"`
	EnrichedBooks  []EnrichedBook `json:"enrichedBooks"`
}

// BatchEnrichment runs the batch_enrichment pipeline: fan out each book to
// the provider pool (direct-ISBN cache shortcut first), bounded by
// enrich.EnrichAll, emitting throttled progress.
type BatchEnrichment struct {
	Cache     *cache.Cache
	Providers []provider.Provider
	Logger    *zap.SugaredLogger
	Audit     *data.Conn // optional job_runs audit sink (§3)
}

// Run validates books, drives sess through its full lifecycle, and returns
// a validation error, an InitJobState error, or the error from the final
// CompleteJobState; failures in between are surfaced via
// SendError/FailJobState rather than a returned error.
func (d *BatchEnrichment) Run(ctx context.Context, sess *session.Session, books []BookRequest) error {
	trimmed, err := ValidateBatch(books)
	if err != nil {
		return err
	}

	if err := sess.InitJobState(ctx, "batch_enrichment", len(trimmed)); err != nil {
		return fmt.Errorf("drivers: init job state: %w", err)
	}
	sess.SendStarted("batch_enrichment", map[string]any{"totalCount": len(trimmed)})

	start := time.Now()
	items := make([]any, len(trimmed))
	for i, b := range trimmed {
		items[i] = b
	}

	onProgress := func(completed, total int, _ string, _ bool) {
		n := completed
		_, _ = sess.UpdateJobState(ctx, session.JobPatch{ProcessedCount: &n})
		sess.SendProgress("batch_enrichment", map[string]any{
			"status":    "Enriching books...",
			"completed": completed,
			"total":     total,
			"progress":  float64(completed) / float64(total),
		})
	}

	results := enrich.EnrichAll(ctx, items, d.enrichOne, onProgress, enrich.DefaultConcurrency, d.Logger)

	enrichedBooks := make([]EnrichedBook, len(results))
	successCount, failureCount := 0, 0
	for i, r := range results {
		switch r.Status {
		case "":
			enrichedBooks[i] = r.Value.(EnrichedBook)
			successCount++
		case enrich.StatusNotFound:
			enrichedBooks[i] = EnrichedBook{Title: trimmed[i].Title, Author: trimmed[i].Author, ISBN: trimmed[i].ISBN, EnrichmentStatus: "not_found"}
			failureCount++
		case enrich.StatusError:
			enrichedBooks[i] = EnrichedBook{Title: trimmed[i].Title, Author: trimmed[i].Author, ISBN: trimmed[i].ISBN, EnrichmentStatus: "error", Error: r.Err.Error()}
			failureCount++
		}
	}

	payload := BatchEnrichmentResult{
		TotalProcessed: len(trimmed),
		SuccessCount:   successCount,
		FailureCount:   failureCount,
		Duration:       time.Since(start).String(),
		EnrichedBooks:  enrichedBooks,
	}
	raw, marshalErr := json.Marshal(payload)
	if marshalErr != nil {
		sess.SendError("batch_enrichment", map[string]any{"code": "E_BATCH_PROCESSING_FAILED", "retryable": false})
		_ = sess.FailJobState(ctx, marshalErr.Error())
		recordAudit(ctx, d.Audit, d.Logger, sess.GetJobState())
		return nil
	}

	sess.SendComplete("batch_enrichment", payload)
	completeErr := sess.CompleteJobState(ctx, raw)
	recordAudit(ctx, d.Audit, d.Logger, sess.GetJobState())
	return completeErr
}

func (d *BatchEnrichment) enrichOne(ctx context.Context, item any) enrich.Result {
	b := item.(BookRequest)

	if b.ISBN != "" {
		if entry, err := d.Cache.Get(ctx, "isbn", b.ISBN); err == nil && entry.Value != nil {
			var w provider.Work
			if jsonErr := json.Unmarshal(entry.Value, &w); jsonErr == nil {
				return enrich.Result{Value: toEnrichedBook(b, &w)}
			}
		}
	}

	outcome := provider.Fanout(ctx, d.Cache, d.Providers, provider.Query{Title: b.Title, Author: b.Author, ISBN: b.ISBN})
	if outcome.Err != nil {
		return enrich.Result{Status: enrich.StatusError, Err: outcome.Err}
	}
	if outcome.NoResult {
		return enrich.Result{Status: enrich.StatusNotFound}
	}

	if b.ISBN != "" {
		if raw, err := json.Marshal(outcome.Work); err == nil {
			_ = d.Cache.Put(ctx, "isbn", b.ISBN, raw, 24*time.Hour)
		}
	}
	return enrich.Result{Value: toEnrichedBook(b, outcome.Work)}
}

func toEnrichedBook(b BookRequest, w *provider.Work) EnrichedBook {
	return EnrichedBook{
		Title:            b.Title,
		Author:           b.Author,
		ISBN:             b.ISBN,
		EnrichmentStatus: "enriched",
		Work:             w.Work,
		Editions:         w.Editions,
		Authors:          w.Authors,
	}
}
