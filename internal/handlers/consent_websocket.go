package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"

	"onairos/internal/consent"
	"onairos/internal/models"
	"onairos/internal/services"
)

// ConsentWebSocketHandler drives consent sessions for the embedded popup.
// One socket carries one session at a time; initDataRequest (re)mounts it.
type ConsentWebSocketHandler struct {
	sessions *services.SessionService
	connMgr  *services.ConnectionManager
}

// NewConsentWebSocketHandler creates a new consent WebSocket handler
func NewConsentWebSocketHandler(sessions *services.SessionService, connMgr *services.ConnectionManager) *ConsentWebSocketHandler {
	return &ConsentWebSocketHandler{
		sessions: sessions,
		connMgr:  connMgr,
	}
}

// wsConsentNotifier forwards controller notifications onto the socket's
// write channel. Sends are dropped once the connection is done, or once the
// notifier is muted because its session was replaced by a re-init.
type wsConsentNotifier struct {
	conn *models.SessionConnection
	done <-chan struct{}

	mu    sync.Mutex
	muted bool
}

// mute detaches the notifier from the socket. A session retired by a re-init
// must not leak its closeIframe onto the socket now carrying the new session.
func (n *wsConsentNotifier) mute() {
	n.mu.Lock()
	n.muted = true
	n.mu.Unlock()
}

func (n *wsConsentNotifier) send(msg models.ServerMessage) {
	n.mu.Lock()
	muted := n.muted
	n.mu.Unlock()
	if muted {
		return
	}

	// A late notification from an in-flight confirm can land after the
	// connection was removed; SafeSend absorbs the closed channel.
	select {
	case <-n.done:
	default:
		n.conn.SafeSend(msg)
	}
}

func (n *wsConsentNotifier) CountChanged(granted int) {
	n.send(models.ServerMessage{
		Type:         "updateGrantCount",
		GrantedCount: granted,
		AllowSubmit:  granted > 0,
	})
}

func (n *wsConsentNotifier) Completed(payload models.ApprovalPayload) {
	n.send(models.ServerMessage{Type: "dataRequestComplete", Payload: &payload})
	n.send(models.ServerMessage{Type: "closeIframe"})
}

func (n *wsConsentNotifier) Cancelled() {
	n.send(models.ServerMessage{Type: "closeIframe"})
}

// Handle is the WebSocket handler for /ws/data-request
func (h *ConsentWebSocketHandler) Handle(c *websocket.Conn) {
	userID, _ := c.Locals("user_id").(string)
	connID := uuid.New().String()

	log.Printf("[CONSENT-WS] Connection opened: %s (user: %s)", connID, userID)
	if m := services.GetMetrics(); m != nil {
		m.RecordWebSocketConnect()
		defer m.RecordWebSocketDisconnect()
	}

	// Create write channel and done signal
	writeChan := make(chan models.ServerMessage, 100)
	done := make(chan struct{})
	var closeOnce sync.Once
	closeDone := func() { closeOnce.Do(func() { close(done) }) }

	// Register with the connection manager. Removal closes the write
	// channel, so it is deferred first and runs last.
	sessConn := &models.SessionConnection{
		ConnID:    connID,
		UserID:    userID,
		Conn:      c,
		CreatedAt: time.Now(),
		WriteChan: writeChan,
		StopChan:  make(chan bool, 1),
	}
	h.connMgr.Add(sessConn)
	defer h.connMgr.Remove(connID)

	// Write mutex — serializes WebSocket writes (JSON messages + protocol pings)
	var writeMu sync.Mutex

	// Write loop — sole consumer of writeChan, exits on done signal
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("[CONSENT-WS] Write loop recovered for %s: %v", connID, r)
			}
		}()
		for {
			select {
			case <-done:
				return
			case msg := <-writeChan:
				writeMu.Lock()
				err := c.WriteJSON(msg)
				writeMu.Unlock()
				if err != nil {
					log.Printf("[CONSENT-WS] Write error for %s: %v", connID, err)
					return
				}
				if m := services.GetMetrics(); m != nil {
					m.RecordWebSocketMessage(msg.Type, "outbound")
				}
			}
		}
	}()

	// Ping loop — uses write mutex to avoid concurrent writes
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("[CONSENT-WS] Ping loop recovered for %s: %v", connID, r)
			}
		}()
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				writeMu.Lock()
				err := c.WriteMessage(websocket.PingMessage, nil)
				writeMu.Unlock()
				if err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	// reply carries protocol-level messages (pong, input errors); each
	// session gets its own notifier so a replaced session can be muted
	// without silencing the socket.
	reply := &wsConsentNotifier{conn: sessConn, done: done}
	var ctrl *consent.Controller
	var ctrlNotifier *wsConsentNotifier

	defer func() {
		closeDone()
		// A vanished popup is a rejection; the host frame never hears
		// from an abandoned session otherwise.
		if ctrl != nil && !ctrl.Terminal() {
			ctrl.Reject()
		}
		log.Printf("[CONSENT-WS] Connection closed: %s", connID)
	}()

	// Mount-time readiness signal. The host frame waits for this exact
	// shape before revealing the popup.
	writeMu.Lock()
	err := c.WriteJSON(models.ReadyHandshake{Source: "onairosIframe", Action: "iframeReady"})
	writeMu.Unlock()
	if err != nil {
		log.Printf("[CONSENT-WS] Handshake write failed for %s: %v", connID, err)
		return
	}

	// Read loop
	for {
		_, msg, err := c.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				break
			}
			log.Printf("[CONSENT-WS] Read error for %s: %v", connID, err)
			break
		}

		var clientMsg models.ClientMessage
		if err := json.Unmarshal(msg, &clientMsg); err != nil {
			reply.send(models.ServerMessage{Type: "error", ErrorMessage: "invalid message format"})
			continue
		}
		if m := services.GetMetrics(); m != nil {
			m.RecordWebSocketMessage(clientMsg.Type, "inbound")
		}

		switch clientMsg.Type {
		case "ping":
			reply.send(models.ServerMessage{Type: "pong"})

		case "initDataRequest":
			ctrl, ctrlNotifier = h.handleInit(userID, clientMsg, sessConn, done, ctrl, ctrlNotifier)
			sessConn.SessionID = ctrl.Config().SessionID

		case "toggleConnection":
			h.handleToggle(ctrl, clientMsg, reply)

		case "confirmDataRequest":
			if ctrl == nil {
				reply.send(models.ServerMessage{Type: "error", ErrorMessage: "no active data request"})
				continue
			}
			// The exchange can block; keep consuming so a reject can
			// still land while the confirm is in flight.
			go ctrl.Confirm(context.Background())

		case "rejectDataRequest":
			if ctrl == nil {
				reply.send(models.ServerMessage{Type: "error", ErrorMessage: "no active data request"})
				continue
			}
			ctrl.Reject()

		default:
			reply.send(models.ServerMessage{Type: "error", ErrorMessage: "unknown message type: " + clientMsg.Type})
		}
	}
}

// handleInit opens a consent session for this socket and reports the
// resolved category list. A re-init abandons the previous session: it is
// rejected with its notifier muted first, so the retirement cannot close the
// popup now showing the new session.
func (h *ConsentWebSocketHandler) handleInit(userID string, msg models.ClientMessage, sessConn *models.SessionConnection, done <-chan struct{}, prev *consent.Controller, prevNotifier *wsConsentNotifier) (*consent.Controller, *wsConsentNotifier) {
	if prev != nil && !prev.Terminal() {
		log.Printf("[CONSENT-WS] Re-init on %s, retiring session %s", sessConn.ConnID, prev.Config().SessionID)
		prevNotifier.mute()
		prev.Reject()
	}

	identifier := msg.Identifier
	if identifier == "" && userID != "" && userID != "anonymous" {
		identifier = userID
	}

	notifier := &wsConsentNotifier{conn: sessConn, done: done}
	ctrl := h.sessions.Create(context.Background(), consent.SessionConfig{
		RequestData:      msg.RequestData,
		DataRequester:    msg.DataRequester,
		Identifier:       identifier,
		ProofMode:        msg.ProofMode,
		Web3Type:         msg.Web3Type,
		Domain:           msg.Domain,
		EncryptedUserPin: msg.EncryptedUserPin,
		UserSub:          msg.UserSub,
	}, notifier)

	notifier.send(models.ServerMessage{
		Type:         "sessionReady",
		SessionID:    ctrl.Config().SessionID,
		Categories:   ctrl.Categories(),
		GrantedCount: ctrl.GrantedCount(),
		AllowSubmit:  ctrl.AllowSubmit(),
	})
	return ctrl, notifier
}

// handleToggle applies a toggle and maps controller errors onto the wire.
func (h *ConsentWebSocketHandler) handleToggle(ctrl *consent.Controller, msg models.ClientMessage, notifier *wsConsentNotifier) {
	if ctrl == nil {
		notifier.send(models.ServerMessage{Type: "error", ErrorMessage: "no active data request"})
		return
	}

	err := ctrl.Toggle(msg.Category, msg.Selected)
	switch {
	case err == nil:
		if m := services.GetMetrics(); m != nil {
			action := "revoke"
			if msg.Selected {
				action = "grant"
			}
			m.RecordToggle(action)
		}
	case errors.Is(err, consent.ErrUnknownCategory):
		notifier.send(models.ServerMessage{Type: "error", ErrorMessage: "unknown category: " + msg.Category, ErrorCode: "unknown_category"})
	case errors.Is(err, consent.ErrInactiveCategory):
		notifier.send(models.ServerMessage{Type: "error", ErrorMessage: "category has no underlying data: " + msg.Category, ErrorCode: "inactive_category"})
	case errors.Is(err, consent.ErrNotReady):
		notifier.send(models.ServerMessage{Type: "error", ErrorMessage: "data request is not accepting changes", ErrorCode: "not_ready"})
	default:
		notifier.send(models.ServerMessage{Type: "error", ErrorMessage: err.Error()})
	}
}
