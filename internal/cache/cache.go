// Package cache implements the typed KV store with TTL, negative caching,
// and in-flight request coalescing used by ProviderFanout and the CSV LLM
// adapter. Positive/negative values persist to Redis (so a restart still
// observes prior negative caching); coalescing is process-local, exactly as
// §4.B and §9's "request coalescing across processes" note specify.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"backend/internal/metrics"
)

// NegativeKind distinguishes an empty result from a provider/storage error
// for negative-cache purposes.
type NegativeKind string

const (
	NegativeNoResults NegativeKind = "no_results"
	NegativeError      NegativeKind = "error"

	// NegativeTTL is the fixed TTL for every negative cache entry (§3).
	NegativeTTL = 5 * time.Minute
)

// ErrMiss is returned by Get when no entry (positive or negative) exists.
var ErrMiss = errors.New("cache: miss")

// Entry is the value returned by Get: exactly one of Value (a positive hit)
// or Negative (a negative hit) is set.
type Entry struct {
	Value     json.RawMessage
	Negative  *NegativeEntry
	CreatedAt time.Time
}

// NegativeEntry records a prior empty result or failure to suppress
// duplicate work for NegativeTTL.
type NegativeEntry struct {
	Kind      NegativeKind
	Status    int
	CreatedAt time.Time
}

type inflight struct {
	done   chan struct{}
	result json.RawMessage
	err    error
}

// Cache is a Redis-backed typed KV store with process-local coalescing.
type Cache struct {
	redis *redis.Client

	mu        sync.Mutex
	inflights map[string]*inflight
}

// New constructs a Cache bound to the given Redis client.
func New(client *redis.Client) *Cache {
	return &Cache{redis: client, inflights: make(map[string]*inflight)}
}

func positiveKey(ns, key string) string { return fmt.Sprintf("cache:pos:%s:%s", ns, key) }
func negativeKey(ns, key string) string { return fmt.Sprintf("cache:neg:%s:%s", ns, key) }

type storedPositive struct {
	Value     json.RawMessage `json:"value"`
	CreatedAt time.Time       `json:"createdAt"`
}

type storedNegative struct {
	Kind      NegativeKind `json:"kind"`
	Status    int          `json:"status"`
	CreatedAt time.Time    `json:"createdAt"`
}

// Get returns the cached entry for (ns, key), or ErrMiss if neither a
// positive nor a negative entry exists. Positive and negative namespaces
// never collide: a key can hold at most one of the two at a time (Put and
// PutNegative each clear the other).
func (c *Cache) Get(ctx context.Context, ns, key string) (Entry, error) {
	if raw, err := c.redis.Get(ctx, negativeKey(ns, key)).Bytes(); err == nil {
		var neg storedNegative
		if jsonErr := json.Unmarshal(raw, &neg); jsonErr == nil {
			metrics.CacheOutcomes.WithLabelValues(ns, "negative").Inc()
			return Entry{Negative: &NegativeEntry{Kind: neg.Kind, Status: neg.Status, CreatedAt: neg.CreatedAt}}, nil
		}
	} else if err != redis.Nil {
		return Entry{}, fmt.Errorf("cache: negative read failed for %s/%s: %w", ns, key, err)
	}

	raw, err := c.redis.Get(ctx, positiveKey(ns, key)).Bytes()
	if err == redis.Nil {
		metrics.CacheOutcomes.WithLabelValues(ns, "miss").Inc()
		return Entry{}, ErrMiss
	}
	if err != nil {
		return Entry{}, fmt.Errorf("cache: positive read failed for %s/%s: %w", ns, key, err)
	}
	var pos storedPositive
	if err := json.Unmarshal(raw, &pos); err != nil {
		return Entry{}, fmt.Errorf("cache: corrupt positive entry for %s/%s: %w", ns, key, err)
	}
	metrics.CacheOutcomes.WithLabelValues(ns, "hit").Inc()
	return Entry{Value: pos.Value, CreatedAt: pos.CreatedAt}, nil
}

// Put stores a positive entry for (ns, key) with the given TTL, clearing
// any prior negative entry for the same key.
func (c *Cache) Put(ctx context.Context, ns, key string, value json.RawMessage, ttl time.Duration) error {
	stored := storedPositive{Value: value, CreatedAt: time.Now()}
	raw, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("cache: marshal positive entry: %w", err)
	}
	pipe := c.redis.TxPipeline()
	pipe.Set(ctx, positiveKey(ns, key), raw, ttl)
	pipe.Del(ctx, negativeKey(ns, key))
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("cache: put failed for %s/%s: %w", ns, key, err)
	}
	return nil
}

// PutNegative stores a negative entry (empty result or provider error) with
// the fixed NegativeTTL, clearing any prior positive entry.
func (c *Cache) PutNegative(ctx context.Context, ns, key string, kind NegativeKind, status int) error {
	stored := storedNegative{Kind: kind, Status: status, CreatedAt: time.Now()}
	raw, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("cache: marshal negative entry: %w", err)
	}
	pipe := c.redis.TxPipeline()
	pipe.Set(ctx, negativeKey(ns, key), raw, NegativeTTL)
	pipe.Del(ctx, positiveKey(ns, key))
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("cache: put negative failed for %s/%s: %w", ns, key, err)
	}
	return nil
}

// Producer computes the value to cache on a coalesced miss.
type Producer func(ctx context.Context) (json.RawMessage, error)

// Coalesce returns the cached value for (ns, key) if present (including a
// negative entry, which short-circuits the producer). On a miss, the first
// caller's producer invocation is shared with every concurrent caller for
// the same (ns, key); all observe the identical result, success or failure.
func (c *Cache) Coalesce(ctx context.Context, ns, key string, produce Producer) (json.RawMessage, error) {
	if entry, err := c.Get(ctx, ns, key); err == nil {
		if entry.Negative != nil {
			if entry.Negative.Kind == NegativeNoResults {
				return nil, nil
			}
			return nil, fmt.Errorf("cache: negative cached error for %s/%s (status %d)", ns, key, entry.Negative.Status)
		}
		return entry.Value, nil
	} else if !errors.Is(err, ErrMiss) {
		return nil, err
	}

	flightKey := ns + "\x00" + key

	c.mu.Lock()
	if f, ok := c.inflights[flightKey]; ok {
		c.mu.Unlock()
		<-f.done
		return f.result, f.err
	}
	f := &inflight{done: make(chan struct{})}
	c.inflights[flightKey] = f
	c.mu.Unlock()

	f.result, f.err = produce(ctx)
	close(f.done)

	c.mu.Lock()
	delete(c.inflights, flightKey)
	c.mu.Unlock()

	return f.result, f.err
}
