package database

import (
	"context"
	"fmt"
	"time"
)

// TrainingRecord is the persisted outcome of one training session.
type TrainingRecord struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Success   bool      `json:"success"`
	Fallback  bool      `json:"fallback"`
	Error     string    `json:"error,omitempty"`
	ErrorCode string    `json:"error_code,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// TrainingResultStore persists training outcomes.
type TrainingResultStore struct {
	db *DB
}

// NewTrainingResultStore creates a training result store backed by the given
// database.
func NewTrainingResultStore(db *DB) *TrainingResultStore {
	return &TrainingResultStore{db: db}
}

// Insert stores one training outcome.
func (s *TrainingResultStore) Insert(ctx context.Context, r TrainingRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO training_results (id, user_id, success, fallback, error, error_code, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.UserID, r.Success, r.Fallback, r.Error, r.ErrorCode, r.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert training result: %w", err)
	}
	return nil
}

// ListByUser returns a user's training outcomes, newest first.
func (s *TrainingResultStore) ListByUser(ctx context.Context, userID string, limit int) ([]TrainingRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, success, fallback, error, error_code, created_at
		 FROM training_results WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query training results: %w", err)
	}
	defer rows.Close()

	var records []TrainingRecord
	for rows.Next() {
		var r TrainingRecord
		if err := rows.Scan(&r.ID, &r.UserID, &r.Success, &r.Fallback, &r.Error, &r.ErrorCode, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan training result: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// PurgeOlderThan deletes training outcomes created before the cutoff.
func (s *TrainingResultStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM training_results WHERE created_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge training results: %w", err)
	}
	return result.RowsAffected()
}
