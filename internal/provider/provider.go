// Package provider implements ProviderFanout: parallel querying of N
// metadata providers under a per-provider timeout, first-success-wins
// semantics, and coalesced, negative-cached results. Normalization into the
// canonical {work, editions, authors} shape is a pure per-provider function
// — the only vocabulary the Enricher consumes (§9).
package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"backend/internal/cache"
	"backend/internal/metrics"
)

// DefaultTimeout is the per-provider timeout applied to every fanout call.
const DefaultTimeout = 10 * time.Second

// Query is the search input to a provider lookup.
type Query struct {
	Title  string
	Author string
	ISBN   string
}

// Work is the canonical normalized shape every provider adapter produces.
type Work struct {
	Work     map[string]any `json:"work"`
	Editions []map[string]any `json:"editions"`
	Authors  []map[string]any `json:"authors"`
}

// ClientError marks a provider failure that must NOT be negative-cached
// (§7: "non-5xx provider errors ... negative caching disabled for
// client-type errors").
type ClientError struct {
	Status int
	Err    error
}

func (e *ClientError) Error() string { return fmt.Sprintf("client error (status %d): %v", e.Status, e.Err) }
func (e *ClientError) Unwrap() error { return e.Err }

// Provider is the opaque lookup(query) -> candidates collaborator named in
// §1; OpenLibraryProvider in this package is one implementation.
type Provider interface {
	Name() string
	Lookup(ctx context.Context, q Query) (*Work, error)
}

// Outcome is the terminal result of a fanout call.
type Outcome struct {
	Work     *Work // non-nil only on success
	NoResult bool  // true if every provider returned empty
	Err      error // non-nil if every provider errored/timed out
	Cached   bool  // true if served from a prior positive cache entry
}

// Fanout queries providers in parallel under DefaultTimeout per provider and
// wraps the whole call in Cache.Coalesce keyed on a normalized query
// fingerprint. The first provider to return a non-empty result wins; the
// rest are canceled via context.
func Fanout(ctx context.Context, c *cache.Cache, providers []Provider, q Query) Outcome {
	fp := fingerprint(q)

	if entry, getErr := c.Get(ctx, "provider", fp); getErr == nil && entry.Negative == nil {
		var w Work
		if jsonErr := json.Unmarshal(entry.Value, &w); jsonErr == nil {
			return Outcome{Work: &w, Cached: true}
		}
	}

	raw, err := c.Coalesce(ctx, "provider", fp, func(ctx context.Context) (json.RawMessage, error) {
		return runFanout(ctx, providers, q, c, fp)
	})

	if err != nil {
		if errors.Is(err, errNoResults) {
			return Outcome{NoResult: true}
		}
		return Outcome{Err: err}
	}
	if raw == nil {
		return Outcome{NoResult: true}
	}
	var w Work
	if jsonErr := json.Unmarshal(raw, &w); jsonErr != nil {
		return Outcome{Err: fmt.Errorf("provider: corrupt cached work: %w", jsonErr)}
	}
	return Outcome{Work: &w}
}

var errNoResults = errors.New("provider: no results")

type fanoutResult struct {
	work *Work
	err  error
	name string
}

func runFanout(ctx context.Context, providers []Provider, q Query, c *cache.Cache, fp string) (json.RawMessage, error) {
	fanoutCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan fanoutResult, len(providers))
	for _, p := range providers {
		p := p
		go func() {
			callCtx, callCancel := context.WithTimeout(fanoutCtx, DefaultTimeout)
			defer callCancel()
			work, err := p.Lookup(callCtx, q)
			results <- fanoutResult{work: work, err: err, name: p.Name()}
		}()
	}

	var serverErrs []error
	remaining := len(providers)
	for i := 0; i < len(providers); i++ {
		r := <-results
		remaining--
		if r.err == nil && r.work != nil {
			metrics.ProviderCalls.WithLabelValues(r.name, "success").Inc()
			raw, err := json.Marshal(r.work)
			if err != nil {
				return nil, fmt.Errorf("provider: marshal result from %s: %w", r.name, err)
			}
			if putErr := c.Put(ctx, "provider", fp, raw, 24*time.Hour); putErr != nil {
				return nil, putErr
			}
			cancel()
			drain(results, remaining)
			return raw, nil
		}
		if r.err != nil {
			var ce *ClientError
			if errors.As(r.err, &ce) {
				metrics.ProviderCalls.WithLabelValues(r.name, "client_error").Inc()
			} else {
				serverErrs = append(serverErrs, fmt.Errorf("%s: %w", r.name, r.err))
				metrics.ProviderCalls.WithLabelValues(r.name, "error").Inc()
			}
		} else {
			metrics.ProviderCalls.WithLabelValues(r.name, "empty").Inc()
		}
	}

	// Every provider errored (excludes mixes with a genuine empty result,
	// which resolve to no_results instead) -> error, 5-minute negative cache.
	if len(serverErrs) == len(providers) {
		merged := errors.Join(serverErrs...)
		if putErr := c.PutNegative(ctx, "provider", fp, cache.NegativeError, 502); putErr != nil {
			return nil, putErr
		}
		return nil, merged
	}

	// All empty, or a mix of empty/client-type errors: no_results.
	// Client-type (4xx) errors are never negative-cached as "error" (§7).
	if err := c.PutNegative(ctx, "provider", fp, cache.NegativeNoResults, 0); err != nil {
		return nil, err
	}
	return nil, errNoResults
}

func drain(results <-chan fanoutResult, n int) {
	for i := 0; i < n; i++ {
		<-results
	}
}

var whitespaceRe = regexp.MustCompile(`\s+`)

// fingerprint normalizes a Query into a stable cache key: lower-cased,
// whitespace-collapsed, fields ordered, then hashed.
func fingerprint(q Query) string {
	norm := func(s string) string {
		return whitespaceRe.ReplaceAllString(strings.ToLower(strings.TrimSpace(s)), " ")
	}
	canonical := strings.Join([]string{"isbn=" + norm(q.ISBN), "title=" + norm(q.Title), "author=" + norm(q.Author)}, "|")
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}
