package consent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"onairos/internal/models"
)

type fakeAccounts struct {
	active map[string]bool
	err    error
}

func (f *fakeAccounts) ActiveCategories(ctx context.Context, identifier string) (map[string]bool, error) {
	return f.active, f.err
}

type fakeExchange struct {
	mu      sync.Mutex
	resp    *models.AccessResponse
	err     error
	calls   int
	block   chan struct{} // if set, Exchange waits until closed
	lastReq models.AccessRequest
}

func (f *fakeExchange) Exchange(ctx context.Context, req models.AccessRequest) (*models.AccessResponse, error) {
	f.mu.Lock()
	f.calls++
	f.lastReq = req
	block := f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	return f.resp, f.err
}

func (f *fakeExchange) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type captureNotifier struct {
	mu        sync.Mutex
	counts    []int
	payloads  []models.ApprovalPayload
	cancelled int
}

func (n *captureNotifier) CountChanged(granted int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.counts = append(n.counts, granted)
}

func (n *captureNotifier) Completed(payload models.ApprovalPayload) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.payloads = append(n.payloads, payload)
}

func (n *captureNotifier) Cancelled() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cancelled++
}

func newTestController(t *testing.T, manifest models.RequestManifest, active map[string]bool) (*Controller, *fakeExchange, *captureNotifier) {
	t.Helper()

	exchange := &fakeExchange{resp: &models.AccessResponse{APIURL: "https://api2.onairos.uk/inference", Token: "tok"}}
	notifier := &captureNotifier{}
	ctrl := NewController(SessionConfig{
		SessionID:     "sess-1",
		RequestData:   manifest,
		DataRequester: "TestApp",
		Identifier:    "user@example.com",
		Domain:        "example.com",
	}, &fakeAccounts{active: active}, exchange, notifier)
	ctrl.Load(context.Background())
	return ctrl, exchange, notifier
}

func TestController_CategoryOrdering(t *testing.T) {
	manifest := models.RequestManifest{
		"Personality": {Type: "Personality"},
		"Traits":      {Type: "Traits"},
		"Avatar":      {Type: "Avatar"},
	}
	// Avatar and Traits render last regardless of active flags
	ctrl, _, _ := newTestController(t, manifest, map[string]bool{
		"Personality": true,
		"Traits":      false,
		"Avatar":      true,
	})

	views := ctrl.Categories()
	want := []string{"Personality", "Avatar", "Traits"}
	if len(views) != len(want) {
		t.Fatalf("Expected %d categories, got %d", len(want), len(views))
	}
	for i, key := range want {
		if views[i].Key != key {
			t.Errorf("position %d: expected %s, got %s", i, key, views[i].Key)
		}
	}
}

func TestController_InactiveSortsAfterActive(t *testing.T) {
	manifest := models.RequestManifest{
		"Activity":  {Type: "Activity"},
		"Interests": {Type: "Interests"},
	}
	ctrl, _, _ := newTestController(t, manifest, map[string]bool{
		"Activity":  false,
		"Interests": true,
	})

	views := ctrl.Categories()
	if views[0].Key != "Interests" || views[1].Key != "Activity" {
		t.Errorf("expected active category first, got %s, %s", views[0].Key, views[1].Key)
	}
}

func TestController_ToggleInactiveRejected(t *testing.T) {
	manifest := models.RequestManifest{"Traits": {Type: "Traits"}}
	ctrl, _, notifier := newTestController(t, manifest, map[string]bool{"Traits": false})

	if err := ctrl.Toggle("Traits", true); !errors.Is(err, ErrInactiveCategory) {
		t.Errorf("Expected ErrInactiveCategory, got %v", err)
	}
	if ctrl.GrantedCount() != 0 {
		t.Errorf("Expected count 0, got %d", ctrl.GrantedCount())
	}
	if len(notifier.counts) != 0 {
		t.Error("no count change should be reported for a rejected toggle")
	}
}

func TestController_ToggleUnknownCategory(t *testing.T) {
	ctrl, _, _ := newTestController(t, models.RequestManifest{"Traits": {Type: "Traits"}}, map[string]bool{"Traits": true})

	if err := ctrl.Toggle("Nope", true); !errors.Is(err, ErrUnknownCategory) {
		t.Errorf("Expected ErrUnknownCategory, got %v", err)
	}
}

func TestController_ConfirmWithZeroGrantsEqualsReject(t *testing.T) {
	manifest := models.RequestManifest{"Personality": {Type: "Personality"}}
	ctrl, exchange, notifier := newTestController(t, manifest, map[string]bool{"Personality": true})

	ctrl.Confirm(context.Background())

	if notifier.cancelled != 1 {
		t.Errorf("Expected one cancel signal, got %d", notifier.cancelled)
	}
	if len(notifier.payloads) != 0 {
		t.Error("empty confirm must not produce an approval payload")
	}
	if exchange.calls != 0 {
		t.Error("empty confirm must not call the access exchange")
	}
	if ctrl.CurrentState() != StateRejected {
		t.Errorf("Expected Rejected, got %s", ctrl.CurrentState())
	}
}

func TestController_ConfirmScenario(t *testing.T) {
	// Manifest {Personality, Traits}, Personality active, Traits inactive.
	// Granting Personality and confirming yields exactly one approved entry.
	manifest := models.RequestManifest{
		"Personality": {Type: "Personality", Descriptions: "personalize your feed", Reward: "10"},
		"Traits":      {Type: "Traits"},
	}
	ctrl, exchange, notifier := newTestController(t, manifest, map[string]bool{
		"Personality": true,
		"Traits":      false,
	})

	if err := ctrl.Toggle("Personality", true); err != nil {
		t.Fatalf("toggle failed: %v", err)
	}
	if !ctrl.AllowSubmit() {
		t.Fatal("expected AllowSubmit after one grant")
	}

	ctrl.Confirm(context.Background())

	if len(notifier.payloads) != 1 {
		t.Fatalf("Expected one completion, got %d", len(notifier.payloads))
	}
	payload := notifier.payloads[0]
	if !payload.Success {
		t.Errorf("Expected success payload, got %+v", payload)
	}
	if payload.APIURL != "https://api2.onairos.uk/inference" || payload.Token != "tok" {
		t.Errorf("Expected exchange artifact in payload, got %+v", payload)
	}
	if len(payload.ApprovedRequests) != 1 || payload.ApprovedRequests[0].Category != "Personality" {
		t.Errorf("Expected exactly one Personality entry, got %+v", payload.ApprovedRequests)
	}
	if payload.ApprovedRequests[0].Requester != "TestApp" {
		t.Errorf("Expected requester TestApp, got %s", payload.ApprovedRequests[0].Requester)
	}
	if exchange.calls != 1 {
		t.Errorf("Expected one exchange call, got %d", exchange.calls)
	}
	if len(exchange.lastReq.Confirmations) != 1 {
		t.Errorf("Expected confirmations forwarded to exchange, got %+v", exchange.lastReq)
	}
	if ctrl.CurrentState() != StateCompleted {
		t.Errorf("Expected Completed, got %s", ctrl.CurrentState())
	}
}

func TestController_ExchangeFailureStillCompletes(t *testing.T) {
	manifest := models.RequestManifest{"Personality": {Type: "Personality"}}
	ctrl, exchange, notifier := newTestController(t, manifest, map[string]bool{"Personality": true})
	exchange.resp = nil
	exchange.err = errors.New("exchange unavailable")

	ctrl.Toggle("Personality", true)
	ctrl.Confirm(context.Background())

	if len(notifier.payloads) != 1 {
		t.Fatalf("Expected a terminal payload despite exchange failure, got %d", len(notifier.payloads))
	}
	payload := notifier.payloads[0]
	if payload.Success {
		t.Error("Expected Success=false on exchange failure")
	}
	if payload.Error == "" {
		t.Error("Expected Error field set on exchange failure")
	}
	if len(payload.ApprovedRequests) != 1 {
		t.Error("approved entries should still be reported best-effort")
	}
}

func TestController_FailOpenOnAccountLookupError(t *testing.T) {
	notifier := &captureNotifier{}
	exchange := &fakeExchange{}
	ctrl := NewController(SessionConfig{
		SessionID:     "sess-2",
		RequestData:   models.RequestManifest{"Personality": {Type: "Personality"}},
		DataRequester: "TestApp",
	}, &fakeAccounts{err: errors.New("api down")}, exchange, notifier)

	ctrl.Load(context.Background())

	if ctrl.CurrentState() != StateReady {
		t.Fatalf("Expected Ready after failed lookup, got %s", ctrl.CurrentState())
	}
	views := ctrl.Categories()
	if len(views) != 1 || views[0].Active {
		t.Errorf("Expected one inactive category, got %+v", views)
	}
}

func TestController_ResetOnDeactivate(t *testing.T) {
	manifest := models.RequestManifest{"Personality": {Type: "Personality"}}
	ctrl, _, notifier := newTestController(t, manifest, map[string]bool{"Personality": true})

	ctrl.Toggle("Personality", true)
	if ctrl.GrantedCount() != 1 {
		t.Fatalf("Expected count 1, got %d", ctrl.GrantedCount())
	}

	ctrl.Deactivate("Personality")

	if ctrl.GrantedCount() != 0 {
		t.Errorf("Expected count 0 after deactivate, got %d", ctrl.GrantedCount())
	}
	views := ctrl.Categories()
	if views[0].Active || views[0].Selected {
		t.Errorf("Expected inactive, unselected category, got %+v", views[0])
	}
	// The reset is reported as a revoke: 1 then 0
	if len(notifier.counts) != 2 || notifier.counts[1] != 0 {
		t.Errorf("Expected count changes [1 0], got %v", notifier.counts)
	}
}

func TestController_RejectDuringSubmitDropsExchangeResult(t *testing.T) {
	manifest := models.RequestManifest{"Personality": {Type: "Personality"}}
	ctrl, exchange, notifier := newTestController(t, manifest, map[string]bool{"Personality": true})
	exchange.block = make(chan struct{})

	ctrl.Toggle("Personality", true)

	done := make(chan struct{})
	go func() {
		ctrl.Confirm(context.Background())
		close(done)
	}()

	// Wait until the exchange call is in flight, then reject.
	deadline := time.Now().Add(time.Second)
	for exchange.callCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	ctrl.Reject()
	close(exchange.block)
	<-done

	if notifier.cancelled != 1 {
		t.Errorf("Expected one cancel signal, got %d", notifier.cancelled)
	}
	if len(notifier.payloads) != 0 {
		t.Error("completion must not fire after cancellation")
	}
	if ctrl.CurrentState() != StateRejected {
		t.Errorf("Expected Rejected, got %s", ctrl.CurrentState())
	}
}

func TestController_RejectIsTerminalOnce(t *testing.T) {
	ctrl, _, notifier := newTestController(t, models.RequestManifest{"Personality": {Type: "Personality"}}, map[string]bool{"Personality": true})

	ctrl.Reject()
	ctrl.Reject()
	ctrl.Confirm(context.Background())

	if notifier.cancelled != 1 {
		t.Errorf("Expected exactly one cancel signal, got %d", notifier.cancelled)
	}
	if len(notifier.payloads) != 0 {
		t.Error("no completion after reject")
	}
}
