package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// alarmsZKey is the single Redis sorted set backing every Session's delayed
// alarm: member=jobID, score=unix fire time. A poller (internal/registry)
// ZRANGEBYSCOREs this set to find due work.
const alarmsZKey = "session:alarms"

func alarmDataKey(jobID string) string { return fmt.Sprintf("session:%s:alarm", jobID) }

// alarmKindCleanup is the built-in alarm kind FireAlarm handles itself by
// calling cleanup; every other kind is dispatched to the caller-supplied
// handler table.
const alarmKindCleanup = "cleanup"

// AlarmHandler processes one fired, non-cleanup alarm for Session s.
type AlarmHandler func(ctx context.Context, s *Session, payload json.RawMessage)

type alarmRecord struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ScheduleDelayed arms a single delayed alarm for this Session, firing at
// now+delay. A Session has at most one armed alarm: arming again before the
// previous one fires replaces it (ZADD overwrites the existing member's
// score), matching §4.E's "new arming replaces old" rule.
func (s *Session) ScheduleDelayed(ctx context.Context, delay time.Duration, kind string, payload json.RawMessage) error {
	raw, err := json.Marshal(alarmRecord{Kind: kind, Payload: payload})
	if err != nil {
		return fmt.Errorf("session: marshal alarm %s: %w", s.jobID, err)
	}
	if err := s.redis.Set(ctx, alarmDataKey(s.jobID), raw, 0).Err(); err != nil {
		return fmt.Errorf("session: persist alarm %s: %w", s.jobID, err)
	}
	fireAt := time.Now().Add(delay)
	if err := s.redis.ZAdd(ctx, alarmsZKey, &redis.Z{Score: float64(fireAt.Unix()), Member: s.jobID}).Err(); err != nil {
		return fmt.Errorf("session: arm alarm %s: %w", s.jobID, err)
	}
	return nil
}

// FireAlarm loads and clears this Session's armed alarm and dispatches it:
// alarmKindCleanup is handled in-package (deletes every persisted key);
// every other kind is looked up in handlers and invoked. A missing or
// already-fired alarm is a no-op.
func (s *Session) FireAlarm(ctx context.Context, handlers map[string]AlarmHandler) error {
	raw, err := s.redis.Get(ctx, alarmDataKey(s.jobID)).Bytes()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("session: read alarm %s: %w", s.jobID, err)
	}
	var rec alarmRecord
	if jsonErr := json.Unmarshal(raw, &rec); jsonErr != nil {
		return fmt.Errorf("session: unmarshal alarm %s: %w", s.jobID, jsonErr)
	}

	pipe := s.redis.TxPipeline()
	pipe.Del(ctx, alarmDataKey(s.jobID))
	pipe.ZRem(ctx, alarmsZKey, s.jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: clear fired alarm %s: %w", s.jobID, err)
	}

	if rec.Kind == alarmKindCleanup {
		s.cleanup(ctx)
		return nil
	}
	handler, ok := handlers[rec.Kind]
	if !ok {
		if s.logger != nil {
			s.logger.Errorw("session: fired alarm has no registered handler", "jobId", s.jobID, "kind", rec.Kind)
		}
		return nil
	}
	handler(ctx, s, rec.Payload)
	return nil
}

// DueAlarms returns up to limit jobIDs whose alarm score is <= asOf, oldest
// first. The registry's sweep poller calls this on a ticker and, for each
// jobID returned, gets-or-restores the owning Session and calls FireAlarm.
func DueAlarms(ctx context.Context, client *redis.Client, asOf time.Time, limit int64) ([]string, error) {
	res, err := client.ZRangeByScore(ctx, alarmsZKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(asOf.Unix(), 10),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("session: scan due alarms: %w", err)
	}
	return res, nil
}
