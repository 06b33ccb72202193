package models

import (
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
)

// ClientMessage represents a message from the client
type ClientMessage struct {
	Type string `json:"type"` // "initDataRequest", "toggleConnection", "confirmDataRequest", "rejectDataRequest", "startTraining", or "ping"

	// initDataRequest fields — (re)initializes controller state
	RequestData      RequestManifest `json:"requestData,omitempty"`
	DataRequester    string          `json:"dataRequester,omitempty"`
	ProofMode        bool            `json:"proofMode,omitempty"`
	Web3Type         string          `json:"web3Type,omitempty"`
	Domain           string          `json:"domain,omitempty"`
	Identifier       string          `json:"identifier,omitempty"` // username or email for account lookup
	EncryptedUserPin string          `json:"encryptedUserPin,omitempty"`
	UserSub          string          `json:"userSub,omitempty"`

	// toggleConnection fields
	Category string `json:"category,omitempty"`
	Selected bool   `json:"selected,omitempty"`

	// startTraining fields
	Email     string   `json:"email,omitempty"`
	Platforms []string `json:"platforms,omitempty"`
}

// ServerMessage represents a message sent to the client
type ServerMessage struct {
	Type string `json:"type"` // "sessionReady", "updateGrantCount", "dataRequestComplete", "closeIframe", "trainingStarted", "trainingStatus", "trainingComplete", "pong", "error"

	SessionID  string         `json:"sessionId,omitempty"`
	Categories []CategoryView `json:"categories,omitempty"`
	// Zero is a meaningful value for both count fields: revoking the last
	// grant reports grantedCount 0 and allowSubmit false on the wire.
	GrantedCount int              `json:"grantedCount"`
	AllowSubmit  bool             `json:"allowSubmit"`
	Payload      *ApprovalPayload `json:"payload,omitempty"`

	// Training relay fields
	Phrase   string          `json:"phrase,omitempty"`
	Progress int             `json:"progress,omitempty"`
	Result   *TrainingResult `json:"result,omitempty"`

	ErrorMessage string `json:"message,omitempty"`
	ErrorCode    string `json:"code,omitempty"`
}

// ReadyHandshake is the mount-time readiness signal, sent once when a
// consent socket opens. The field values are part of the host-frame
// contract and must not change.
type ReadyHandshake struct {
	Source string `json:"source"` // always "onairosIframe"
	Action string `json:"action"` // always "iframeReady"
}

// SessionConnection represents a single WebSocket connection bound to a
// consent session.
type SessionConnection struct {
	ConnID    string
	UserID    string
	SessionID string // consent session driven by this connection, if any
	Conn      *websocket.Conn
	CreatedAt time.Time
	WriteChan chan ServerMessage
	StopChan  chan bool
	Mutex     sync.Mutex
	closed    bool
}

// SafeSend sends a message to WriteChan safely, returning false if the channel is closed
func (sc *SessionConnection) SafeSend(msg ServerMessage) bool {
	sc.Mutex.Lock()
	if sc.closed {
		sc.Mutex.Unlock()
		return false
	}
	sc.Mutex.Unlock()

	// Use defer/recover to handle panic from send on closed channel
	defer func() {
		if r := recover(); r != nil {
			sc.Mutex.Lock()
			sc.closed = true
			sc.Mutex.Unlock()
		}
	}()

	sc.WriteChan <- msg
	return true
}

// MarkClosed marks the connection as closed
func (sc *SessionConnection) MarkClosed() {
	sc.Mutex.Lock()
	sc.closed = true
	sc.Mutex.Unlock()
}
