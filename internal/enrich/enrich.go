// Package enrich implements the bounded-concurrency worker pool that maps
// input items to enriched records: EnrichAll. It is the only place a
// per-item failure (or panic) is caught and turned into a per-item result
// rather than aborting the whole batch (§4.D).
package enrich

import (
	"context"

	"golang.org/x/sync/semaphore"

	"go.uber.org/zap"
)

// DefaultConcurrency is the worker-slot count EnrichAll uses unless the
// caller overrides it.
const DefaultConcurrency = 10

// Status is the per-item terminal outcome recorded in the enriched output
// when enrichOne did not produce a clean success.
type Status string

const (
	StatusNotFound Status = "not_found"
	StatusError    Status = "error"
)

// Result wraps one item's enrichment outcome. EnrichOne functions return
// Result so the caller can distinguish a clean miss (StatusNotFound) from a
// hard failure (StatusError) without EnrichAll inspecting payload shapes.
type Result struct {
	Value  any
	Status Status // empty on success
	Err    error  // set only when Status == StatusError
}

// EnrichOne enriches a single item. A panic inside EnrichOne is recovered by
// EnrichAll and converted into a Result{Status: StatusError}.
type EnrichOne func(ctx context.Context, item any) Result

// OnProgress is invoked after every completion (success or per-item
// failure) with the running completed/total count. hasError reports
// whether the just-completed item failed.
type OnProgress func(completed, total int, label string, hasError bool)

// EnrichAll dispatches up to concurrency concurrent enrichOne calls over
// items, preserving input order in the returned slice regardless of
// completion order. A per-item failure (including a recovered panic) yields
// a Result in that slot and never aborts the remaining items.
func EnrichAll(ctx context.Context, items []any, enrichOne EnrichOne, onProgress OnProgress, concurrency int, logger *zap.SugaredLogger) []Result {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	total := len(items)
	results := make([]Result, total)
	if total == 0 {
		return results
	}

	sem := semaphore.NewWeighted(int64(concurrency))
	done := make(chan bool, total) // each value is that item's hasError

	for i, item := range items {
		i, item := i, item
		if err := sem.Acquire(ctx, 1); err != nil {
			// Context canceled: record the remaining slots as errors
			// without spawning more workers.
			results[i] = Result{Status: StatusError, Err: err}
			done <- true
			continue
		}
		go func() {
			defer sem.Release(1)
			r := runOne(ctx, enrichOne, item, logger)
			results[i] = r
			done <- r.Status != ""
		}()
	}

	completed := 0
	for n := 0; n < total; n++ {
		hasError := <-done
		completed++
		if onProgress != nil {
			onProgress(completed, total, "", hasError)
		}
	}
	return results
}

func runOne(ctx context.Context, enrichOne EnrichOne, item any, logger *zap.SugaredLogger) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			if logger != nil {
				logger.Errorw("enrich: recovered panic in enrichOne", "panic", r)
			}
			res = Result{Status: StatusError, Err: &panicError{r}}
		}
	}()
	return enrichOne(ctx, item)
}

type panicError struct{ v any }

func (p *panicError) Error() string { return "enrich: panic in enrichOne" }
