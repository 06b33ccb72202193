package jobs

import (
	"context"
	"log"
	"time"

	"onairos/internal/services"
)

// AccountRefreshJob re-resolves account data for live consent sessions, so a
// category whose underlying data disappeared mid-session gets deactivated and
// its grant revoked instead of riding into an approval.
type AccountRefreshJob struct {
	sessions *services.SessionService
	interval time.Duration
}

// NewAccountRefreshJob creates a refresh job that sweeps every interval.
func NewAccountRefreshJob(sessions *services.SessionService, interval time.Duration) *AccountRefreshJob {
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	return &AccountRefreshJob{
		sessions: sessions,
		interval: interval,
	}
}

// Run re-resolves active categories across the live sessions once.
func (j *AccountRefreshJob) Run(ctx context.Context) error {
	if n := j.sessions.RefreshActive(ctx); n > 0 {
		log.Printf("[ACCOUNT-REFRESH] Deactivated %d categories across live sessions", n)
	}
	return nil
}

// GetNextRunTime returns when the job should run next
func (j *AccountRefreshJob) GetNextRunTime() time.Time {
	return time.Now().Add(j.interval)
}
