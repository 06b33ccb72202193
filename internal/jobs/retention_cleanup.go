package jobs

import (
	"context"
	"log"
	"time"

	"onairos/internal/database"
)

// RetentionCleanupJob deletes consent receipts and training results older
// than the configured retention window.
type RetentionCleanupJob struct {
	receipts      *database.ReceiptStore
	results       *database.TrainingResultStore
	retentionDays int
}

// NewRetentionCleanupJob creates a new retention cleanup job
func NewRetentionCleanupJob(receipts *database.ReceiptStore, results *database.TrainingResultStore, retentionDays int) *RetentionCleanupJob {
	return &RetentionCleanupJob{
		receipts:      receipts,
		results:       results,
		retentionDays: retentionDays,
	}
}

// Run executes the retention cleanup
func (j *RetentionCleanupJob) Run(ctx context.Context) error {
	if j.receipts == nil && j.results == nil {
		log.Println("[RETENTION] Retention cleanup disabled (no stores configured)")
		return nil
	}

	log.Println("[RETENTION] Starting retention cleanup...")
	startTime := time.Now()
	cutoff := time.Now().UTC().AddDate(0, 0, -j.retentionDays)

	var totalDeleted int64
	if j.receipts != nil {
		deleted, err := j.receipts.PurgeOlderThan(ctx, cutoff)
		if err != nil {
			log.Printf("[RETENTION] Failed to purge receipts: %v", err)
			return err
		}
		totalDeleted += deleted
	}
	if j.results != nil {
		deleted, err := j.results.PurgeOlderThan(ctx, cutoff)
		if err != nil {
			log.Printf("[RETENTION] Failed to purge training results: %v", err)
			return err
		}
		totalDeleted += deleted
	}

	duration := time.Since(startTime)
	log.Printf("[RETENTION] Cleanup complete: deleted %d rows in %v", totalDeleted, duration)

	return nil
}

// GetNextRunTime returns when the job should run next (daily at 2 AM UTC)
func (j *RetentionCleanupJob) GetNextRunTime() time.Time {
	now := time.Now().UTC()

	// Schedule for 2 AM UTC
	nextRun := time.Date(now.Year(), now.Month(), now.Day(), 2, 0, 0, 0, time.UTC)

	// If we've passed 2 AM today, schedule for tomorrow
	if now.After(nextRun) {
		nextRun = nextRun.Add(24 * time.Hour)
	}

	return nextRun
}
