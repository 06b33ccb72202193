package training

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"onairos/internal/models"
)

const (
	dialTimeout   = 15 * time.Second
	maxEventBytes = 1 << 20 // trainer events are small; 1MB is generous
)

// trainerEnvelope is the wire framing for trainer socket messages.
type trainerEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// SocketStream is a Stream backed by a WebSocket connection to the
// remote trainer.
type SocketStream struct {
	conn      *websocket.Conn
	events    chan models.TrainerEvent
	socketID  string
	closeOnce sync.Once
	done      chan struct{}
}

// DialTrainer opens a trainer connection, authenticated with the supplied
// credential (sent as a Bearer header when non-empty).
func DialTrainer(ctx context.Context, trainerURL, credential string) (*SocketStream, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	opts := &websocket.DialOptions{}
	if credential != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + credential}}
	}

	conn, _, err := websocket.Dial(dialCtx, trainerURL, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to dial trainer: %w", err)
	}
	conn.SetReadLimit(maxEventBytes)

	s := &SocketStream{
		conn:     conn,
		events:   make(chan models.TrainerEvent, 32),
		socketID: uuid.New().String(),
		done:     make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// SocketID returns the connection's identity, used in the start-training
// handshake when the caller supplies none.
func (s *SocketStream) SocketID() string {
	return s.socketID
}

// Start sends the start-training handshake.
func (s *SocketStream) Start(ctx context.Context, req models.StartTraining) error {
	if req.SocketID == "" {
		req.SocketID = s.socketID
	}

	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal start-training: %w", err)
	}
	return wsjson.Write(ctx, s.conn, trainerEnvelope{Event: "start-training", Data: data})
}

// Events returns the inbound event channel. It is closed when the
// connection drops.
func (s *SocketStream) Events() <-chan models.TrainerEvent {
	return s.events
}

// readLoop decodes inbound frames into TrainerEvents until the
// connection errors or the stream is closed.
func (s *SocketStream) readLoop() {
	defer close(s.events)

	for {
		var env trainerEnvelope
		if err := wsjson.Read(context.Background(), s.conn, &env); err != nil {
			return
		}

		select {
		case s.events <- models.TrainerEvent{Name: env.Event, Payload: env.Data}:
		case <-s.done:
			return
		}
	}
}

// Close tears down the connection. Safe to call more than once.
func (s *SocketStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close(websocket.StatusNormalClosure, "session finished")
	})
	return nil
}
