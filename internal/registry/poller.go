package registry

import (
	"context"
	"time"

	"backend/internal/session"
)

// alarmSweepInterval is how often the poller checks for due alarms: a
// 1-second ticker over a Redis sorted set, since alarms fire on arbitrary
// per-job schedules rather than a fixed cadence.
const alarmSweepInterval = time.Second

const alarmBatchSize = 100

// Poller periodically sweeps due alarms and dispatches them to their
// owning Session, and evicts idle Sessions — the two housekeeping loops a
// Registry needs to run continuously.
type Poller struct {
	registry *Registry
	handlers map[string]session.AlarmHandler
	stop     chan struct{}
}

// NewPoller builds a Poller bound to registry. handlers maps non-cleanup
// alarm kinds (e.g. the csv_import continuation) to the function that
// resumes that pipeline.
func NewPoller(registry *Registry, handlers map[string]session.AlarmHandler) *Poller {
	return &Poller{registry: registry, handlers: handlers, stop: make(chan struct{})}
}

// Run blocks, sweeping on alarmSweepInterval until ctx is canceled or Stop
// is called.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(alarmSweepInterval)
	defer ticker.Stop()
	idleTicker := time.NewTicker(time.Minute)
	defer idleTicker.Stop()
	for {
		select {
		case <-ticker.C:
			p.sweepAlarms(ctx)
		case <-idleTicker.C:
			p.registry.Sweep()
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop ends Run. Not idempotent: calling it twice panics, following
// the standard single-shot close-of-stop-channel convention.
func (p *Poller) Stop() { close(p.stop) }

func (p *Poller) sweepAlarms(ctx context.Context) {
	due, err := session.DueAlarms(ctx, p.registry.redis, time.Now(), alarmBatchSize)
	if err != nil {
		if p.registry.logger != nil {
			p.registry.logger.Errorw("registry: scanning due alarms failed", "error", err)
		}
		return
	}
	for _, jobID := range due {
		s := p.registry.Get(ctx, jobID)
		if err := s.FireAlarm(ctx, p.handlers); err != nil && p.registry.logger != nil {
			p.registry.logger.Errorw("registry: firing alarm failed", "jobId", jobID, "error", err)
		}
	}
}
