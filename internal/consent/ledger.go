package consent

import (
	"time"

	"onairos/internal/models"
)

// Ledger is the in-memory record of consent decisions for one session.
// It is owned exclusively by a Controller and mutated only through
// Grant/Revoke; grantedCount moves in lockstep with entry insertion and
// removal, never independently.
//
// Grant and Revoke are idempotent so rapid repeated toggle events settle
// to the last toggle without any locking at this layer.
type Ledger struct {
	entries      []models.SelectionEntry
	grantedCount int
}

// NewLedger creates an empty ledger for a new consent session.
func NewLedger() *Ledger {
	return &Ledger{}
}

// Grant records consent for (requester, category). Returns false without
// any state change if an entry for the pair already exists.
func (l *Ledger) Grant(requester, category, label, reward string) bool {
	if l.find(requester, category) >= 0 {
		return false
	}

	l.entries = append(l.entries, models.SelectionEntry{
		Requester: requester,
		Category:  category,
		Label:     label,
		Reward:    reward,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	l.grantedCount++
	return true
}

// Revoke removes consent for (requester, category). Returns false without
// any state change if no entry for the pair exists.
func (l *Ledger) Revoke(requester, category string) bool {
	i := l.find(requester, category)
	if i < 0 {
		return false
	}

	l.entries = append(l.entries[:i], l.entries[i+1:]...)
	l.grantedCount--
	return true
}

// Count returns the current granted count.
func (l *Ledger) Count() int {
	return l.grantedCount
}

// Entries returns a snapshot of the granted entries in insertion order.
func (l *Ledger) Entries() []models.SelectionEntry {
	out := make([]models.SelectionEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Has reports whether (requester, category) is currently granted.
func (l *Ledger) Has(requester, category string) bool {
	return l.find(requester, category) >= 0
}

func (l *Ledger) find(requester, category string) int {
	for i, e := range l.entries {
		if e.Requester == requester && e.Category == category {
			return i
		}
	}
	return -1
}
