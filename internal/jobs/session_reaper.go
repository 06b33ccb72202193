package jobs

import (
	"context"
	"log"
	"time"

	"onairos/internal/services"
)

// SessionReaperJob rejects consent sessions that sat idle past the TTL, so
// abandoned popups do not pin sessions in memory forever. Reaped sessions
// are cancelled through the normal notifier path.
type SessionReaperJob struct {
	sessions *services.SessionService
	maxIdle  time.Duration
	interval time.Duration
}

// NewSessionReaperJob creates a reaper that sweeps every interval.
func NewSessionReaperJob(sessions *services.SessionService, maxIdle, interval time.Duration) *SessionReaperJob {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &SessionReaperJob{
		sessions: sessions,
		maxIdle:  maxIdle,
		interval: interval,
	}
}

// Run sweeps the session registry once.
func (j *SessionReaperJob) Run(ctx context.Context) error {
	before := j.sessions.Count()
	reaped := j.sessions.ReapIdle(j.maxIdle)
	if reaped > 0 {
		log.Printf("[REAPER] Reaped %d of %d sessions", reaped, before)
	}
	return nil
}

// GetNextRunTime returns when the job should run next
func (j *SessionReaperJob) GetNextRunTime() time.Time {
	return time.Now().Add(j.interval)
}
