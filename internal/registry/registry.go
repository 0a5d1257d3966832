// Package registry owns the single process-wide jobId -> *session.Session
// map. It guarantees at most one live Session per jobId, restoring
// checkpointed state on first access and evicting Sessions that have been
// idle past the timeout (Sweep) or are removed explicitly (Evict); terminal
// Sessions are not evicted on their own. The map is sharded, trading
// one global lock for 16 striped ones keyed by an FNV hash of jobId.
package registry

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"backend/internal/session"
)

const shardCount = 16

type shard struct {
	mu         sync.Mutex
	sessions   map[string]*session.Session
	lastAccess map[string]time.Time
	building   map[string]*sync.WaitGroup
}

// Registry is the process-wide construct-or-restore table for Sessions.
type Registry struct {
	shards      [shardCount]*shard
	redis       *redis.Client
	logger      *zap.SugaredLogger
	idleTimeout time.Duration
}

// New constructs an empty Registry. idleTimeout bounds how long a Session
// may sit with no Get/touch before Sweep evicts it.
func New(client *redis.Client, logger *zap.SugaredLogger, idleTimeout time.Duration) *Registry {
	if idleTimeout <= 0 {
		idleTimeout = 30 * time.Minute
	}
	r := &Registry{redis: client, logger: logger, idleTimeout: idleTimeout}
	for i := range r.shards {
		r.shards[i] = &shard{
			sessions:   make(map[string]*session.Session),
			lastAccess: make(map[string]time.Time),
			building:   make(map[string]*sync.WaitGroup),
		}
	}
	return r
}

func (r *Registry) shardFor(jobID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(jobID))
	return r.shards[h.Sum32()%shardCount]
}

// Get returns the live Session for jobID, constructing or restoring it from
// Redis on first access. Concurrent Get calls for the same jobID never
// produce two Sessions for one id: the losing callers block on a
// sync.WaitGroup the winner installs before releasing the shard lock.
func (r *Registry) Get(ctx context.Context, jobID string) *session.Session {
	sh := r.shardFor(jobID)

	sh.mu.Lock()
	if s, ok := sh.sessions[jobID]; ok {
		sh.mu.Unlock()
		r.touch(jobID, s)
		return s
	}
	if wg, building := sh.building[jobID]; building {
		sh.mu.Unlock()
		wg.Wait()
		sh.mu.Lock()
		s := sh.sessions[jobID]
		sh.mu.Unlock()
		return s
	}
	wg := &sync.WaitGroup{}
	wg.Add(1)
	sh.building[jobID] = wg
	sh.mu.Unlock()

	s := session.New(ctx, jobID, r.redis, r.logger)

	sh.mu.Lock()
	sh.sessions[jobID] = s
	delete(sh.building, jobID)
	sh.mu.Unlock()
	wg.Done()

	r.touch(jobID, s)
	return s
}

// touch records jobID's last-access time so Sweep's idle eviction can find
// it.
func (r *Registry) touch(jobID string, s *session.Session) {
	sh := r.shardFor(jobID)
	sh.mu.Lock()
	if sh.sessions[jobID] == s {
		sh.lastAccess[jobID] = time.Now()
	}
	sh.mu.Unlock()
}

// Evict removes jobID's Session from the map after closing its actor loop,
// so the next Get restores fresh from Redis. Safe to call even if the
// Session was already evicted.
func (r *Registry) Evict(jobID string) {
	sh := r.shardFor(jobID)
	sh.mu.Lock()
	s, ok := sh.sessions[jobID]
	if ok {
		delete(sh.sessions, jobID)
		delete(sh.lastAccess, jobID)
	}
	sh.mu.Unlock()
	if ok {
		s.Close()
	}
}

// Sweep evicts every Session whose last access is older than the
// Registry's idle timeout. Runs on a ticker alongside the alarm Poller
// (Poller.Run); a Session whose actor is mid-command still drains
// normally since Close only stops the loop after the in-flight cmd, if
// any, has been applied.
func (r *Registry) Sweep() {
	cutoff := time.Now().Add(-r.idleTimeout)
	for _, sh := range r.shards {
		sh.mu.Lock()
		var stale []string
		for jobID, last := range sh.lastAccess {
			if last.Before(cutoff) {
				stale = append(stale, jobID)
			}
		}
		sh.mu.Unlock()
		for _, jobID := range stale {
			r.Evict(jobID)
		}
	}
}

// Len reports the number of live Sessions across all shards, for tests and
// metrics.
func (r *Registry) Len() int {
	total := 0
	for _, sh := range r.shards {
		sh.mu.Lock()
		total += len(sh.sessions)
		sh.mu.Unlock()
	}
	return total
}
