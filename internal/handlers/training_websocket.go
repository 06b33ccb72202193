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

	"onairos/internal/models"
	"onairos/internal/services"
)

// TrainingWebSocketHandler relays training lifecycle events to the client
// and accepts start requests. The session itself runs in the training
// service; this socket is just a viewport onto the event bus, so a reload
// mid-training reattaches cleanly.
type TrainingWebSocketHandler struct {
	training *services.TrainingService
	eventBus *services.TrainingEventBus
	connMgr  *services.ConnectionManager
}

// NewTrainingWebSocketHandler creates a new training WebSocket handler
func NewTrainingWebSocketHandler(training *services.TrainingService, eventBus *services.TrainingEventBus, connMgr *services.ConnectionManager) *TrainingWebSocketHandler {
	return &TrainingWebSocketHandler{
		training: training,
		eventBus: eventBus,
		connMgr:  connMgr,
	}
}

// Handle is the WebSocket handler for /ws/training
func (h *TrainingWebSocketHandler) Handle(c *websocket.Conn) {
	userID, ok := c.Locals("user_id").(string)
	if !ok || userID == "" || userID == "anonymous" {
		log.Printf("[TRAINING-WS] Connection rejected: missing or invalid user_id")
		c.WriteJSON(models.ServerMessage{Type: "error", ErrorMessage: "unauthorized"})
		return
	}
	connID := uuid.New().String()

	log.Printf("[TRAINING-WS] Connection opened: %s (user: %s)", connID, userID)
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
	h.connMgr.Add(&models.SessionConnection{
		ConnID:    connID,
		UserID:    userID,
		Conn:      c,
		CreatedAt: time.Now(),
		WriteChan: writeChan,
		StopChan:  make(chan bool, 1),
	})
	defer h.connMgr.Remove(connID)

	// Write mutex — serializes WebSocket writes (JSON messages + protocol pings)
	var writeMu sync.Mutex

	// Write loop — sole consumer of writeChan, exits on done signal
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("[TRAINING-WS] Write loop recovered for %s: %v", connID, r)
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
					log.Printf("[TRAINING-WS] Write error for %s: %v", connID, err)
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
				log.Printf("[TRAINING-WS] Ping loop recovered for %s: %v", connID, r)
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

	// Subscribe to the event bus for this user's training events
	eventCh := h.eventBus.Subscribe(userID, connID, 64)

	// EventBus → WebSocket forwarder
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("[TRAINING-WS] Event forwarder recovered for %s: %v", connID, r)
			}
		}()
		for {
			select {
			case <-done:
				return
			case event := <-eventCh:
				select {
				case <-done:
					return
				case writeChan <- toTrainingMessage(event):
				}
			}
		}
	}()

	defer func() {
		closeDone()
		h.eventBus.Unsubscribe(userID, connID)
		log.Printf("[TRAINING-WS] Connection closed: %s", connID)
	}()

	// Replay results that arrived while the user was disconnected
	for _, event := range h.eventBus.DrainPending(userID) {
		select {
		case <-done:
			return
		case writeChan <- toTrainingMessage(event):
		}
	}

	// Read loop
	for {
		_, msg, err := c.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				break
			}
			log.Printf("[TRAINING-WS] Read error for %s: %v", connID, err)
			break
		}

		var clientMsg models.ClientMessage
		if err := json.Unmarshal(msg, &clientMsg); err != nil {
			writeChan <- models.ServerMessage{Type: "error", ErrorMessage: "invalid message format"}
			continue
		}
		if m := services.GetMetrics(); m != nil {
			m.RecordWebSocketMessage(clientMsg.Type, "inbound")
		}

		switch clientMsg.Type {
		case "ping":
			writeChan <- models.ServerMessage{Type: "pong"}

		case "startTraining":
			err := h.training.Start(context.Background(), userID, models.StartTraining{
				Email:     clientMsg.Email,
				Platforms: clientMsg.Platforms,
			})
			if errors.Is(err, services.ErrTrainingActive) {
				writeChan <- models.ServerMessage{Type: "error", ErrorMessage: err.Error(), ErrorCode: "training_active"}
			} else if err != nil {
				writeChan <- models.ServerMessage{Type: "error", ErrorMessage: err.Error()}
			}

		default:
			writeChan <- models.ServerMessage{Type: "error", ErrorMessage: "unknown message type: " + clientMsg.Type}
		}
	}
}

// toTrainingMessage translates a bus event into the wire message. Event
// payloads may arrive as typed structs (local publish) or generic maps
// (after a Redis round trip), so they are re-decoded through JSON.
func toTrainingMessage(event services.TrainingEvent) models.ServerMessage {
	switch event.Type {
	case services.BusTrainingStarted:
		return models.ServerMessage{Type: "trainingStarted"}

	case services.BusTrainingStatus:
		var status services.TrainingStatusData
		decodeEventData(event.Data, &status)
		return models.ServerMessage{Type: "trainingStatus", Phrase: status.Phrase, Progress: status.Progress}

	case services.BusTrainingComplete:
		var result models.TrainingResult
		decodeEventData(event.Data, &result)
		return models.ServerMessage{Type: "trainingComplete", Result: &result}

	default:
		return models.ServerMessage{Type: event.Type}
	}
}

func decodeEventData(data interface{}, out interface{}) {
	raw, err := json.Marshal(data)
	if err != nil {
		return
	}
	if err := json.Unmarshal(raw, out); err != nil {
		log.Printf("[TRAINING-WS] Failed to decode event payload: %v", err)
	}
}
