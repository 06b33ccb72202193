package consent

import (
	"fmt"
	"math/rand"
	"testing"
)

func TestLedger_GrantIsIdempotent(t *testing.T) {
	l := NewLedger()

	if !l.Grant("app", "Personality", "desc", "10") {
		t.Fatal("first grant should insert")
	}
	if l.Grant("app", "Personality", "desc", "10") {
		t.Error("second grant should be a no-op")
	}

	if l.Count() != 1 {
		t.Errorf("Expected count 1, got %d", l.Count())
	}
	if len(l.Entries()) != 1 {
		t.Errorf("Expected 1 entry, got %d", len(l.Entries()))
	}
}

func TestLedger_RevokeIsIdempotent(t *testing.T) {
	l := NewLedger()

	if l.Revoke("app", "Personality") {
		t.Error("revoke on empty ledger should be a no-op")
	}
	if l.Count() != 0 {
		t.Errorf("Expected count 0, got %d", l.Count())
	}

	l.Grant("app", "Personality", "", "")
	if !l.Revoke("app", "Personality") {
		t.Error("revoke of granted entry should remove")
	}
	if l.Revoke("app", "Personality") {
		t.Error("second revoke should be a no-op")
	}
	if l.Count() != 0 || len(l.Entries()) != 0 {
		t.Errorf("Expected empty ledger, got count %d, entries %d", l.Count(), len(l.Entries()))
	}
}

func TestLedger_RapidToggleNetsToOne(t *testing.T) {
	l := NewLedger()

	// grant, grant, revoke, grant on the same category nets to exactly one entry
	l.Grant("app", "Traits", "", "")
	l.Grant("app", "Traits", "", "")
	l.Revoke("app", "Traits")
	l.Grant("app", "Traits", "", "")

	if l.Count() != 1 {
		t.Errorf("Expected count 1, got %d", l.Count())
	}
	entries := l.Entries()
	if len(entries) != 1 || entries[0].Category != "Traits" {
		t.Errorf("Expected single Traits entry, got %+v", entries)
	}
}

func TestLedger_AtMostOnePerPair(t *testing.T) {
	l := NewLedger()

	for i := 0; i < 10; i++ {
		l.Grant("app", "Avatar", "", "")
	}
	l.Grant("other-app", "Avatar", "", "")

	seen := 0
	for _, e := range l.Entries() {
		if e.Requester == "app" && e.Category == "Avatar" {
			seen++
		}
	}
	if seen != 1 {
		t.Errorf("Expected exactly one (app, Avatar) entry, got %d", seen)
	}
	if l.Count() != 2 {
		t.Errorf("Expected count 2, got %d", l.Count())
	}
}

func TestLedger_CountConsistencyUnderRandomSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	categories := []string{"Personality", "Traits", "Avatar", "Interests", "Activity"}

	l := NewLedger()
	for i := 0; i < 2000; i++ {
		cat := categories[rng.Intn(len(categories))]
		if rng.Intn(2) == 0 {
			l.Grant("app", cat, "", "")
		} else {
			l.Revoke("app", cat)
		}

		if l.Count() != len(l.Entries()) {
			t.Fatalf("op %d: count %d inconsistent with %d entries", i, l.Count(), len(l.Entries()))
		}
	}
}

func TestLedger_EntriesPreserveInsertionOrder(t *testing.T) {
	l := NewLedger()
	for i := 0; i < 5; i++ {
		l.Grant("app", fmt.Sprintf("Category%d", i), "", "")
	}
	l.Revoke("app", "Category2")

	got := l.Entries()
	want := []string{"Category0", "Category1", "Category3", "Category4"}
	if len(got) != len(want) {
		t.Fatalf("Expected %d entries, got %d", len(want), len(got))
	}
	for i, cat := range want {
		if got[i].Category != cat {
			t.Errorf("position %d: expected %s, got %s", i, cat, got[i].Category)
		}
	}
}

func TestLedger_EntriesReturnsSnapshot(t *testing.T) {
	l := NewLedger()
	l.Grant("app", "Personality", "", "")

	snap := l.Entries()
	snap[0].Category = "mutated"

	if l.Entries()[0].Category != "Personality" {
		t.Error("mutating the snapshot must not affect the ledger")
	}
}

func TestLedger_TimestampCaptured(t *testing.T) {
	l := NewLedger()
	l.Grant("app", "Personality", "intent", "5")

	e := l.Entries()[0]
	if e.Timestamp == "" {
		t.Error("expected ISO-8601 timestamp on grant")
	}
	if e.Label != "intent" || e.Reward != "5" {
		t.Errorf("expected denormalized display fields, got %+v", e)
	}
}
