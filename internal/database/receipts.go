package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Receipt is one persisted approval: who granted what to whom, with the PIN
// digest kept instead of the PIN itself.
type Receipt struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Requester  string    `json:"requester"`
	Categories []string  `json:"categories"`
	ProofMode  bool      `json:"proof_mode"`
	PinDigest  string    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
}

// ReceiptStore persists consent receipts.
type ReceiptStore struct {
	db *DB
}

// NewReceiptStore creates a receipt store backed by the given database.
func NewReceiptStore(db *DB) *ReceiptStore {
	return &ReceiptStore{db: db}
}

// Insert stores one receipt.
func (s *ReceiptStore) Insert(ctx context.Context, r Receipt) error {
	categories, err := json.Marshal(r.Categories)
	if err != nil {
		return fmt.Errorf("failed to marshal categories: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO consent_receipts (id, user_id, requester, categories, proof_mode, pin_digest, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.UserID, r.Requester, string(categories), r.ProofMode, r.PinDigest, r.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert receipt: %w", err)
	}
	return nil
}

// ListByUser returns a user's receipts, newest first.
func (s *ReceiptStore) ListByUser(ctx context.Context, userID string, limit int) ([]Receipt, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, requester, categories, proof_mode, pin_digest, created_at
		 FROM consent_receipts WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query receipts: %w", err)
	}
	defer rows.Close()

	var receipts []Receipt
	for rows.Next() {
		var r Receipt
		var categories string
		if err := rows.Scan(&r.ID, &r.UserID, &r.Requester, &categories, &r.ProofMode, &r.PinDigest, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan receipt: %w", err)
		}
		if err := json.Unmarshal([]byte(categories), &r.Categories); err != nil {
			return nil, fmt.Errorf("failed to parse receipt categories: %w", err)
		}
		receipts = append(receipts, r)
	}
	return receipts, rows.Err()
}

// Get returns one receipt by ID.
func (s *ReceiptStore) Get(ctx context.Context, id string) (*Receipt, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, requester, categories, proof_mode, pin_digest, created_at
		 FROM consent_receipts WHERE id = ?`, id)

	var r Receipt
	var categories string
	if err := row.Scan(&r.ID, &r.UserID, &r.Requester, &categories, &r.ProofMode, &r.PinDigest, &r.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load receipt: %w", err)
	}
	if err := json.Unmarshal([]byte(categories), &r.Categories); err != nil {
		return nil, fmt.Errorf("failed to parse receipt categories: %w", err)
	}
	return &r, nil
}

// PurgeOlderThan deletes receipts created before the cutoff. Returns the
// number of rows removed.
func (s *ReceiptStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM consent_receipts WHERE created_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge receipts: %w", err)
	}
	return result.RowsAffected()
}
