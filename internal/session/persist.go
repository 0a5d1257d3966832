package session

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// Persisted keys per Session (§6): job, authToken, throttleState, batchState.
func jobKey(jobID string) string      { return fmt.Sprintf("session:%s:job", jobID) }
func authKey(jobID string) string     { return fmt.Sprintf("session:%s:auth", jobID) }
func throttleKey(jobID string) string { return fmt.Sprintf("session:%s:throttle", jobID) }
func batchKey(jobID string) string    { return fmt.Sprintf("session:%s:batch", jobID) }

func (s *Session) persistJob(ctx context.Context, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("session: marshal job %s: %w", s.jobID, err)
	}
	if err := s.redis.Set(ctx, jobKey(s.jobID), raw, 0).Err(); err != nil {
		return fmt.Errorf("session: persist job %s: %w", s.jobID, err)
	}
	return nil
}

func (s *Session) persistAuth(ctx context.Context, auth *AuthToken) error {
	raw, err := json.Marshal(auth)
	if err != nil {
		return fmt.Errorf("session: marshal auth %s: %w", s.jobID, err)
	}
	if err := s.redis.Set(ctx, authKey(s.jobID), raw, 0).Err(); err != nil {
		return fmt.Errorf("session: persist auth %s: %w", s.jobID, err)
	}
	return nil
}

func (s *Session) persistThrottle(ctx context.Context, th *ThrottleState) error {
	raw, err := json.Marshal(th)
	if err != nil {
		return fmt.Errorf("session: marshal throttle %s: %w", s.jobID, err)
	}
	if err := s.redis.Set(ctx, throttleKey(s.jobID), raw, 0).Err(); err != nil {
		return fmt.Errorf("session: persist throttle %s: %w", s.jobID, err)
	}
	return nil
}

func (s *Session) persistBatch(ctx context.Context, b *BatchState) error {
	raw, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("session: marshal batch %s: %w", s.jobID, err)
	}
	if err := s.redis.Set(ctx, batchKey(s.jobID), raw, 0).Err(); err != nil {
		return fmt.Errorf("session: persist batch %s: %w", s.jobID, err)
	}
	return nil
}

// loadPersisted restores whatever checkpoint exists for jobID into st,
// realizing the Registry's "construct-or-restore" contract (§4.F).
func (s *Session) loadPersisted(ctx context.Context, st *sessionState) {
	if raw, err := s.redis.Get(ctx, jobKey(s.jobID)).Bytes(); err == nil {
		var job Job
		if jsonErr := json.Unmarshal(raw, &job); jsonErr == nil {
			st.job = job
		}
	} else if err != redis.Nil && s.logger != nil {
		s.logger.Errorw("session: failed reading persisted job", "jobId", s.jobID, "error", err)
	}

	if raw, err := s.redis.Get(ctx, authKey(s.jobID)).Bytes(); err == nil {
		var auth AuthToken
		if jsonErr := json.Unmarshal(raw, &auth); jsonErr == nil {
			st.auth = &auth
		}
	} else if err != redis.Nil && s.logger != nil {
		s.logger.Errorw("session: failed reading persisted auth", "jobId", s.jobID, "error", err)
	}

	if raw, err := s.redis.Get(ctx, throttleKey(s.jobID)).Bytes(); err == nil {
		var th ThrottleState
		if jsonErr := json.Unmarshal(raw, &th); jsonErr == nil {
			st.throttle = th
		}
	} else if err != redis.Nil && s.logger != nil {
		s.logger.Errorw("session: failed reading persisted throttle", "jobId", s.jobID, "error", err)
	}

	if raw, err := s.redis.Get(ctx, batchKey(s.jobID)).Bytes(); err == nil {
		var b BatchState
		if jsonErr := json.Unmarshal(raw, &b); jsonErr == nil {
			st.batch = &b
		}
	} else if err != redis.Nil && s.logger != nil {
		s.logger.Errorw("session: failed reading persisted batch", "jobId", s.jobID, "error", err)
	}
}

// cleanup deletes every persisted key for this Session, realizing the
// "otherwise -> cleanup" branch of the alarm dispatcher (§4.E).
func (s *Session) cleanup(ctx context.Context) {
	keys := []string{jobKey(s.jobID), authKey(s.jobID), throttleKey(s.jobID), batchKey(s.jobID)}
	if err := s.redis.Del(ctx, keys...).Err(); err != nil && s.logger != nil {
		s.logger.Errorw("session: cleanup failed", "jobId", s.jobID, "error", err)
	}
}
