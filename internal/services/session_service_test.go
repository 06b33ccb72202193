package services

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"onairos/internal/consent"
	"onairos/internal/database"
	"onairos/internal/models"
)

type stubAccounts struct {
	mu          sync.Mutex
	active      map[string]bool
	err         error
	invalidated []string
}

func (s *stubAccounts) ActiveCategories(ctx context.Context, identifier string) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active, s.err
}

func (s *stubAccounts) Invalidate(identifier string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidated = append(s.invalidated, identifier)
}

func (s *stubAccounts) set(active map[string]bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = active
	s.err = err
}

type stubExchange struct {
	resp *models.AccessResponse
	err  error
}

func (s *stubExchange) Exchange(ctx context.Context, req models.AccessRequest) (*models.AccessResponse, error) {
	return s.resp, s.err
}

type recordingNotifier struct {
	mu        sync.Mutex
	counts    []int
	payloads  []models.ApprovalPayload
	cancelled int
}

func (n *recordingNotifier) CountChanged(granted int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.counts = append(n.counts, granted)
}

func (n *recordingNotifier) Completed(payload models.ApprovalPayload) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.payloads = append(n.payloads, payload)
}

func (n *recordingNotifier) Cancelled() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cancelled++
}

func (n *recordingNotifier) cancelCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cancelled
}

func testManifest() models.RequestManifest {
	return models.RequestManifest{
		models.CategoryPersonality: {Type: "Personality", Descriptions: "Personality model", Reward: "10% discount"},
		models.CategoryAvatar:      {Type: "Avatar", Descriptions: "Avatar access"},
	}
}

func newTestSessionService(t *testing.T, exchange consent.AccessExchanger) *SessionService {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	if err := db.Initialize(); err != nil {
		t.Fatalf("Failed to initialize schema: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	accounts := &stubAccounts{active: map[string]bool{
		models.CategoryPersonality: true,
		models.CategoryAvatar:      true,
	}}
	return NewSessionService(accounts, exchange, database.NewReceiptStore(db), testManifest())
}

func TestSessionService_CreateAssignsIDAndLoads(t *testing.T) {
	svc := newTestSessionService(t, &stubExchange{resp: &models.AccessResponse{Token: "tok"}})

	ctrl := svc.Create(context.Background(), consent.SessionConfig{
		DataRequester: "Acme",
		Identifier:    "user-1",
	}, &recordingNotifier{})

	if ctrl.Config().SessionID == "" {
		t.Error("Expected a generated session ID")
	}
	if ctrl.CurrentState() != consent.StateReady {
		t.Errorf("Expected Ready after create, got %s", ctrl.CurrentState())
	}
	if svc.Count() != 1 {
		t.Errorf("Expected 1 live session, got %d", svc.Count())
	}

	// Default manifest applied when the caller supplies none
	if got := len(ctrl.Categories()); got != 2 {
		t.Errorf("Expected 2 categories from the default manifest, got %d", got)
	}
}

func TestSessionService_ConfirmPersistsReceiptAndRetires(t *testing.T) {
	svc := newTestSessionService(t, &stubExchange{resp: &models.AccessResponse{APIURL: "https://api", Token: "tok"}})
	notifier := &recordingNotifier{}

	ctrl := svc.Create(context.Background(), consent.SessionConfig{
		SessionID:     "sess-1",
		DataRequester: "Acme",
		Identifier:    "user-1",
	}, notifier)

	if err := ctrl.Toggle(models.CategoryPersonality, true); err != nil {
		t.Fatalf("Toggle failed: %v", err)
	}
	ctrl.Confirm(context.Background())

	if len(notifier.payloads) != 1 || !notifier.payloads[0].Success {
		t.Fatalf("Expected one successful payload, got %+v", notifier.payloads)
	}
	if svc.Count() != 0 {
		t.Errorf("Expected session retired after confirm, got %d live", svc.Count())
	}

	receipts, err := svc.receipts.ListByUser(context.Background(), "user-1", 10)
	if err != nil {
		t.Fatalf("Failed to list receipts: %v", err)
	}
	if len(receipts) != 1 {
		t.Fatalf("Expected 1 receipt, got %d", len(receipts))
	}
	if receipts[0].Requester != "Acme" || len(receipts[0].Categories) != 1 || receipts[0].Categories[0] != models.CategoryPersonality {
		t.Errorf("Unexpected receipt contents: %+v", receipts[0])
	}
}

func TestSessionService_ExchangeFailureLeavesNoReceipt(t *testing.T) {
	svc := newTestSessionService(t, &stubExchange{err: errors.New("exchange down")})
	notifier := &recordingNotifier{}

	ctrl := svc.Create(context.Background(), consent.SessionConfig{
		SessionID:     "sess-1",
		DataRequester: "Acme",
		Identifier:    "user-1",
	}, notifier)

	ctrl.Toggle(models.CategoryPersonality, true)
	ctrl.Confirm(context.Background())

	if len(notifier.payloads) != 1 || notifier.payloads[0].Success {
		t.Fatalf("Expected one failure payload, got %+v", notifier.payloads)
	}
	if svc.Count() != 0 {
		t.Errorf("Expected session retired after failed exchange, got %d live", svc.Count())
	}

	receipts, err := svc.receipts.ListByUser(context.Background(), "user-1", 10)
	if err != nil {
		t.Fatalf("Failed to list receipts: %v", err)
	}
	if len(receipts) != 0 {
		t.Errorf("Expected no receipt for failed exchange, got %d", len(receipts))
	}
}

func TestSessionService_RejectRetiresSession(t *testing.T) {
	svc := newTestSessionService(t, &stubExchange{})
	notifier := &recordingNotifier{}

	ctrl := svc.Create(context.Background(), consent.SessionConfig{
		SessionID:     "sess-1",
		DataRequester: "Acme",
	}, notifier)

	ctrl.Reject()

	if notifier.cancelCount() != 1 {
		t.Errorf("Expected one cancel notification, got %d", notifier.cancelCount())
	}
	if svc.Count() != 0 {
		t.Errorf("Expected session retired after reject, got %d live", svc.Count())
	}
}

func TestSessionService_ReapIdleRejectsStaleSessions(t *testing.T) {
	svc := newTestSessionService(t, &stubExchange{})
	notifier := &recordingNotifier{}

	svc.Create(context.Background(), consent.SessionConfig{
		SessionID:     "stale",
		DataRequester: "Acme",
	}, notifier)

	time.Sleep(10 * time.Millisecond)
	reaped := svc.ReapIdle(time.Millisecond)

	if reaped != 1 {
		t.Errorf("Expected 1 session reaped, got %d", reaped)
	}
	if notifier.cancelCount() != 1 {
		t.Errorf("Expected reaped session to notify cancel, got %d", notifier.cancelCount())
	}
	if svc.Count() != 0 {
		t.Errorf("Expected registry empty after reap, got %d", svc.Count())
	}
}

func TestSessionService_RefreshActiveDeactivatesLostCategories(t *testing.T) {
	accounts := &stubAccounts{active: map[string]bool{
		models.CategoryPersonality: true,
		models.CategoryAvatar:      true,
	}}
	svc := NewSessionService(accounts, &stubExchange{}, nil, testManifest())
	notifier := &recordingNotifier{}

	ctrl := svc.Create(context.Background(), consent.SessionConfig{
		SessionID:     "sess-1",
		DataRequester: "Acme",
		Identifier:    "user-1",
	}, notifier)

	if err := ctrl.Toggle(models.CategoryPersonality, true); err != nil {
		t.Fatalf("Toggle failed: %v", err)
	}

	// The account loses its personality model mid-session.
	accounts.set(map[string]bool{models.CategoryAvatar: true}, nil)

	if n := svc.RefreshActive(context.Background()); n != 1 {
		t.Fatalf("Expected 1 deactivation, got %d", n)
	}

	// The lookup cache was bypassed for the refresh.
	if len(accounts.invalidated) != 1 || accounts.invalidated[0] != "user-1" {
		t.Errorf("Expected cache invalidation for user-1, got %v", accounts.invalidated)
	}

	// The grant on the lost category was revoked and reported.
	counts := notifier.counts
	if len(counts) == 0 || counts[len(counts)-1] != 0 {
		t.Errorf("Expected revoke to report count 0, got %v", counts)
	}
	for _, cat := range ctrl.Categories() {
		if cat.Key == models.CategoryPersonality {
			if cat.Active {
				t.Error("Expected Personality deactivated after refresh")
			}
			if cat.Selected {
				t.Error("Expected Personality grant revoked after refresh")
			}
		}
	}
}

func TestSessionService_RefreshActiveKeepsGrantsOnLookupFailure(t *testing.T) {
	accounts := &stubAccounts{active: map[string]bool{
		models.CategoryPersonality: true,
	}}
	svc := NewSessionService(accounts, &stubExchange{}, nil, testManifest())

	ctrl := svc.Create(context.Background(), consent.SessionConfig{
		SessionID:     "sess-1",
		DataRequester: "Acme",
		Identifier:    "user-1",
	}, &recordingNotifier{})

	if err := ctrl.Toggle(models.CategoryPersonality, true); err != nil {
		t.Fatalf("Toggle failed: %v", err)
	}

	accounts.set(nil, errors.New("lookup down"))

	if n := svc.RefreshActive(context.Background()); n != 0 {
		t.Errorf("Expected no deactivations on lookup failure, got %d", n)
	}
	if ctrl.GrantedCount() != 1 {
		t.Errorf("Expected grant preserved on lookup failure, got %d", ctrl.GrantedCount())
	}
}

func TestSessionService_SetDefaultManifest(t *testing.T) {
	svc := newTestSessionService(t, &stubExchange{})

	next := models.RequestManifest{
		models.CategoryTraits: {Type: "Traits"},
	}
	svc.SetDefaultManifest(next)

	ctrl := svc.Create(context.Background(), consent.SessionConfig{
		DataRequester: "Acme",
	}, &recordingNotifier{})

	cats := ctrl.Categories()
	if len(cats) != 1 || cats[0].Key != models.CategoryTraits {
		t.Errorf("Expected reloaded manifest to drive new sessions, got %+v", cats)
	}
}
