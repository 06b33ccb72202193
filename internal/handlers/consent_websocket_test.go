package handlers

import (
	"context"
	"testing"
	"time"

	"onairos/internal/models"
	"onairos/internal/services"
)

type staticAccounts map[string]bool

func (a staticAccounts) ActiveCategories(ctx context.Context, identifier string) (map[string]bool, error) {
	return a, nil
}

type staticExchange struct{}

func (staticExchange) Exchange(ctx context.Context, req models.AccessRequest) (*models.AccessResponse, error) {
	return &models.AccessResponse{APIURL: "https://api", Token: "tok"}, nil
}

func newConsentTestHandler() (*ConsentWebSocketHandler, *services.SessionService) {
	svc := services.NewSessionService(
		staticAccounts{models.CategoryPersonality: true},
		staticExchange{},
		nil,
		models.RequestManifest{
			models.CategoryPersonality: {Type: "Personality"},
		},
	)
	return NewConsentWebSocketHandler(svc, services.NewConnectionManager()), svc
}

func drainMessages(ch chan models.ServerMessage) []models.ServerMessage {
	var out []models.ServerMessage
	for {
		select {
		case msg := <-ch:
			out = append(out, msg)
		default:
			return out
		}
	}
}

func newTestSessionConnection() *models.SessionConnection {
	return &models.SessionConnection{
		ConnID:    "conn-1",
		CreatedAt: time.Now(),
		WriteChan: make(chan models.ServerMessage, 100),
		StopChan:  make(chan bool, 1),
	}
}

func TestConsentHandler_ReinitRetiresPreviousSession(t *testing.T) {
	h, svc := newConsentTestHandler()
	sessConn := newTestSessionConnection()
	done := make(chan struct{})

	first, firstNotifier := h.handleInit("user-1", models.ClientMessage{DataRequester: "Acme"}, sessConn, done, nil, nil)
	drainMessages(sessConn.WriteChan)

	second, _ := h.handleInit("user-1", models.ClientMessage{DataRequester: "Globex"}, sessConn, done, first, firstNotifier)

	if !first.Terminal() {
		t.Error("Expected the replaced session to be rejected")
	}
	if second.Terminal() {
		t.Error("Expected the new session to be live")
	}
	if svc.Count() != 1 {
		t.Errorf("Expected only the new session registered, got %d", svc.Count())
	}

	// The retirement of the old session must not leak its closeIframe onto
	// the socket now carrying the new session.
	for _, msg := range drainMessages(sessConn.WriteChan) {
		if msg.Type == "closeIframe" {
			t.Error("Replaced session's reject reached the live socket")
		}
	}

	// Nothing orphaned is left for the reaper to reject against this socket.
	if reaped := svc.ReapIdle(time.Hour); reaped != 0 {
		t.Errorf("Expected no stale sessions after re-init, got %d", reaped)
	}
}

func TestConsentNotifier_MutedDropsMessages(t *testing.T) {
	sessConn := newTestSessionConnection()
	n := &wsConsentNotifier{conn: sessConn, done: make(chan struct{})}

	n.CountChanged(2)
	n.mute()
	n.Cancelled()

	msgs := drainMessages(sessConn.WriteChan)
	if len(msgs) != 1 || msgs[0].Type != "updateGrantCount" {
		t.Fatalf("Expected only the pre-mute message, got %+v", msgs)
	}
}
