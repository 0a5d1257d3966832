// Package session implements the per-jobId single-writer actor: a Session
// owns its Job, AuthToken, ThrottleState, optional BatchState, and (for the
// socket's lifetime) one WebSocket connection. Every mutating public method
// is realized as a closure sent to an actor goroutine over an unbuffered
// channel — a goroutine owning a channel of commands, the rendering of
// §9's single-writer note.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Status is the Job's lifecycle state. Terminal states are sticky.
type Status string

const (
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
	StatusCanceled Status = "canceled"
)

func (s Status) terminal() bool {
	return s == StatusComplete || s == StatusFailed || s == StatusCanceled
}

// Auth token lifetimes (§3).
const (
	TAuth    = 2 * time.Hour
	TRefresh = 30 * time.Minute
)

// Errors surfaced by RefreshAuthToken (§4.E).
var (
	ErrRefreshInProgress = errors.New("session: refresh already in progress")
	ErrTokenInvalid      = errors.New("session: auth token invalid")
	ErrTokenExpired      = errors.New("session: auth token expired")
	ErrRefreshTooEarly   = errors.New("session: refresh attempted too early")
	ErrNoSocket          = errors.New("session: no socket attached")
	ErrSocketInUse       = errors.New("session: a socket is already attached for this job")
)

// Job is the persisted, versioned unit of work a Session owns (§3).
type Job struct {
	JobID          string          `json:"jobId"`
	Pipeline       string          `json:"pipeline"`
	TotalCount     int             `json:"totalCount"`
	ProcessedCount int             `json:"processedCount"`
	Status         Status          `json:"status"`
	StartTime      time.Time       `json:"startTime"`
	EndTime        *time.Time      `json:"endTime,omitempty"`
	Results        json.RawMessage `json:"results,omitempty"`
	Error          string          `json:"error,omitempty"`
	Version        int             `json:"version"`
}

// AuthToken is the single opaque-random credential a Session's socket
// handshake validates against (§3).
type AuthToken struct {
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ThrottleState tracks how close the Session is to its next checkpoint
// persist, per the PipelinePolicy table (§3).
type ThrottleState struct {
	UpdatesSinceLastPersist int       `json:"updatesSinceLastPersist"`
	LastPersistAt           time.Time `json:"lastPersistAt"`
}

type policy struct {
	UpdatesThreshold int
	TimeThreshold    time.Duration
}

// pipelinePolicies is the fixed-at-compile-time PipelinePolicy table (§3).
var pipelinePolicies = map[string]policy{
	"batch_enrichment": {UpdatesThreshold: 5, TimeThreshold: 10 * time.Second},
	"csv_import":       {UpdatesThreshold: 20, TimeThreshold: 30 * time.Second},
	"shelf_scan":       {UpdatesThreshold: 1, TimeThreshold: 60 * time.Second},
}

func policyFor(pipeline string) policy {
	if p, ok := pipelinePolicies[pipeline]; ok {
		return p
	}
	return policy{UpdatesThreshold: 5, TimeThreshold: 10 * time.Second}
}

// sessionState is the in-memory mirror of everything this Session owns.
// Every field is touched only from inside the actor goroutine.
type sessionState struct {
	job           Job
	auth          *AuthToken
	throttle      ThrottleState
	batch         *BatchState
	refreshInFlight bool
}

// cmd is one unit of serialized work: the actor runs fn against the
// in-memory state and closes done when fn returns.
type cmd struct {
	fn   func(*sessionState)
	done chan struct{}
}

// Session is the per-jobId actor. Construct with New or Restore via the
// Registry; do not construct directly outside this package.
type Session struct {
	jobID  string
	redis  *redis.Client
	logger *zap.SugaredLogger

	cmds chan cmd
	stop chan struct{}

	outbound *outboundQueue
	socket   *socketState

	canceledFlag atomic.Bool
}

// New constructs a Session for jobID, loading any previously persisted
// state from Redis (the Registry's "restore" path) and starting its actor
// goroutine. It never fails: a missing checkpoint simply yields a Session
// with no Job yet (InitJobState is still required before use).
func New(ctx context.Context, jobID string, client *redis.Client, logger *zap.SugaredLogger) *Session {
	s := &Session{
		jobID:    jobID,
		redis:    client,
		logger:   logger,
		cmds:     make(chan cmd),
		stop:     make(chan struct{}),
		outbound: newOutboundQueue(outboundQueueCapacity),
		socket:   newSocketState(),
	}
	st := sessionState{}
	s.loadPersisted(ctx, &st)
	go s.run(st)
	return s
}

func (s *Session) run(st sessionState) {
	for {
		select {
		case c := <-s.cmds:
			s.safeApply(&st, c.fn)
			close(c.done)
		case <-s.stop:
			return
		}
	}
}

// safeApply recovers a panic inside a command closure so a single bad RPC
// can never take down the actor goroutine (§4.E failure semantics).
func (s *Session) safeApply(st *sessionState, fn func(*sessionState)) {
	defer func() {
		if r := recover(); r != nil {
			if s.logger != nil {
				s.logger.Errorw("session: recovered panic in actor command", "jobId", s.jobID, "panic", r)
			}
		}
	}()
	fn(st)
}

// do sends fn to the actor and blocks until it has run.
func (s *Session) do(fn func(*sessionState)) {
	c := cmd{fn: fn, done: make(chan struct{})}
	select {
	case s.cmds <- c:
		<-c.done
	case <-s.stop:
	}
}

// Close stops the actor goroutine. Called by the Registry on eviction,
// after the actor has drained and persisted its last state.
func (s *Session) Close() {
	close(s.stop)
	s.outbound.close()
	s.socket.closeLocked(websocketCloseCodeGoingAway, "")
}

func mintToken() (string, error) {
	buf := make([]byte, 16) // 128 bits, per §3
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("session: minting token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// SetAuthToken persists {value, expiresAt=now+lifetime}, replacing any
// prior token (§3: at most one token per Session).
func (s *Session) SetAuthToken(ctx context.Context, lifetime time.Duration) (string, error) {
	value, err := mintToken()
	if err != nil {
		return "", err
	}
	if lifetime <= 0 {
		lifetime = TAuth
	}
	var persistErr error
	s.do(func(st *sessionState) {
		st.auth = &AuthToken{Value: value, ExpiresAt: time.Now().Add(lifetime)}
		persistErr = s.persistAuth(ctx, st.auth)
	})
	if persistErr != nil {
		return "", persistErr
	}
	return value, nil
}

// RefreshAuthToken implements the §4.E refresh contract: exactly one
// concurrent refresh may proceed per Session; it must be within TRefresh of
// expiry and must match the currently stored value.
func (s *Session) RefreshAuthToken(ctx context.Context, oldValue string) (newValue string, expiresIn time.Duration, err error) {
	s.do(func(st *sessionState) {
		if st.refreshInFlight {
			err = ErrRefreshInProgress
			return
		}
		if st.auth == nil || st.auth.Value != oldValue {
			err = ErrTokenInvalid
			return
		}
		now := time.Now()
		if !now.Before(st.auth.ExpiresAt) {
			err = ErrTokenExpired
			return
		}
		if st.auth.ExpiresAt.Sub(now) > TRefresh {
			err = ErrRefreshTooEarly
			return
		}
		st.refreshInFlight = true
		defer func() { st.refreshInFlight = false }()

		fresh, mintErr := mintToken()
		if mintErr != nil {
			err = mintErr
			return
		}
		st.auth = &AuthToken{Value: fresh, ExpiresAt: now.Add(TAuth)}
		if perr := s.persistAuth(ctx, st.auth); perr != nil {
			err = perr
			return
		}
		newValue = fresh
		expiresIn = TAuth
	})
	return newValue, expiresIn, err
}

// validAuth reports whether value matches the stored token and has not
// expired (strict: now < expiresAt).
func (s *Session) validAuth(st *sessionState, value string) bool {
	return st.auth != nil && st.auth.Value == value && time.Now().Before(st.auth.ExpiresAt)
}

// InitJobState creates Job{status=running, version=1}. Calling it again
// before a terminal transition simply re-initializes the in-progress
// counters; it is not used mid-flight by any driver in this build.
func (s *Session) InitJobState(ctx context.Context, pipeline string, totalCount int) error {
	var persistErr error
	s.do(func(st *sessionState) {
		st.job = Job{
			JobID:      s.jobID,
			Pipeline:   pipeline,
			TotalCount: totalCount,
			Status:     StatusRunning,
			StartTime:  time.Now(),
			Version:    1,
		}
		st.throttle = ThrottleState{LastPersistAt: time.Now()}
		persistErr = s.persistJob(ctx, &st.job)
	})
	return persistErr
}

// JobPatch is the set of fields UpdateJobState may overwrite on the
// current Job. Nil fields are left untouched; a non-nil ProcessedCount is
// applied even when it points at 0.
type JobPatch struct {
	ProcessedCount *int
	Status         *Status
}

// UpdateJobState applies patch to the in-memory Job and persists only when
// the pipeline's throttle policy threshold is met (§4.E). Returns whether
// this call actually persisted, so callers emitting a progress message can
// still do so regardless.
func (s *Session) UpdateJobState(ctx context.Context, patch JobPatch) (persisted bool, err error) {
	s.do(func(st *sessionState) {
		if st.job.Status.terminal() {
			return // terminal states are sticky; silently ignore (§4.E)
		}
		if patch.ProcessedCount != nil {
			st.job.ProcessedCount = *patch.ProcessedCount
		}
		if patch.Status != nil {
			st.job.Status = *patch.Status
		}
		st.throttle.UpdatesSinceLastPersist++
		pol := policyFor(st.job.Pipeline)
		due := st.throttle.UpdatesSinceLastPersist >= pol.UpdatesThreshold ||
			time.Since(st.throttle.LastPersistAt) >= pol.TimeThreshold
		if !due {
			return
		}
		st.job.Version++
		if perr := s.persistJob(ctx, &st.job); perr != nil {
			err = perr
			return
		}
		st.throttle = ThrottleState{LastPersistAt: time.Now()}
		if perr := s.persistThrottle(ctx, &st.throttle); perr != nil {
			err = perr
			return
		}
		persisted = true
	})
	return persisted, err
}

// CompleteJobState sets the Job terminal (complete), persists with
// version++, and arms the 24h cleanup alarm.
func (s *Session) CompleteJobState(ctx context.Context, results json.RawMessage) error {
	return s.finish(ctx, StatusComplete, results, "")
}

// FailJobState sets the Job terminal (failed), persists with version++,
// and arms the 24h cleanup alarm.
func (s *Session) FailJobState(ctx context.Context, errMsg string) error {
	return s.finish(ctx, StatusFailed, nil, errMsg)
}

func (s *Session) finish(ctx context.Context, status Status, results json.RawMessage, errMsg string) error {
	var persistErr error
	s.do(func(st *sessionState) {
		if st.job.Status.terminal() {
			return
		}
		now := time.Now()
		st.job.Status = status
		st.job.EndTime = &now
		st.job.Results = results
		st.job.Error = errMsg
		st.job.Version++
		persistErr = s.persistJob(ctx, &st.job)
	})
	if persistErr != nil {
		return persistErr
	}
	return s.ScheduleDelayed(ctx, 24*time.Hour, alarmKindCleanup, nil)
}

// Cancel sets status=canceled, closes the socket with code 1001, and
// leaves the canceled flag visible to any in-progress driver via
// IsCanceled. Idempotent.
func (s *Session) Cancel(ctx context.Context, reason string) {
	s.canceledFlag.Store(true)
	s.do(func(st *sessionState) {
		if st.job.Status.terminal() {
			return
		}
		st.job.Status = StatusCanceled
		st.job.Error = reason
		st.job.Version++
		_ = s.persistJob(ctx, &st.job)
	})
	s.socket.closeLocked(websocketCloseCodeGoingAway, reason)
}

// IsCanceled reports whether Cancel has been called. Drivers must check
// this at loop boundaries (§5 cancellation).
func (s *Session) IsCanceled() bool { return s.canceledFlag.Load() }

// GetJobState returns a snapshot of the current Job.
func (s *Session) GetJobState() Job {
	var out Job
	s.do(func(st *sessionState) { out = st.job })
	return out
}

// GetJobStateAndAuth returns a snapshot of both the Job and the current
// AuthToken (nil if none set).
func (s *Session) GetJobStateAndAuth() (Job, *AuthToken) {
	var job Job
	var auth *AuthToken
	s.do(func(st *sessionState) {
		job = st.job
		if st.auth != nil {
			cp := *st.auth
			auth = &cp
		}
	})
	return job, auth
}

