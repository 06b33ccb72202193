package models

import "encoding/json"

// Trainer event names. The legacy names (trainingUpdate, trainingCompleted)
// duplicate the current ones with overlapping semantics; both remain valid
// inputs until the backend contract is confirmed.
const (
	EventConnect           = "connect"
	EventConnectError      = "connect_error"
	EventTrainingProgress  = "training-progress"
	EventTrainingComplete  = "training-complete"
	EventTrainingCompleted = "trainingCompleted" // legacy
	EventTrainingUpdate    = "trainingUpdate"    // legacy
	EventTrainingError     = "training-error"
)

// StartTraining is the outbound handshake sent to the trainer socket.
type StartTraining struct {
	SocketID  string   `json:"socketId"`
	Email     string   `json:"email"`
	Platforms []string `json:"platforms"`
}

// TrainerEvent is one inbound event from the trainer stream.
type TrainerEvent struct {
	Name    string          `json:"event"`
	Payload json.RawMessage `json:"data,omitempty"`
}

// TrainingProgress carries the backend's progress fraction. It only
// advances the bounded internal progress value, never the status phrase.
type TrainingProgress struct {
	Percentage float64 `json:"percentage"`
}

// TrainingUpdate is the legacy progress/error event.
type TrainingUpdate struct {
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// TrainingComplete carries the terminal training output.
type TrainingComplete struct {
	Traits map[string]interface{} `json:"traits,omitempty"`
	Output map[string]interface{} `json:"output,omitempty"`
}

// TrainingErrorEvent is the current-style error event.
type TrainingErrorEvent struct {
	Message string `json:"message"`
}

// TrainingResult is the terminal value of a training session, handed to
// the caller exactly once. Either a success with traits/output, or a
// fallback the caller can still act on.
type TrainingResult struct {
	Success   bool                   `json:"success"`
	Traits    map[string]interface{} `json:"traits,omitempty"`
	Output    map[string]interface{} `json:"output,omitempty"`
	Fallback  bool                   `json:"fallback,omitempty"`
	Error     string                 `json:"error,omitempty"`
	ErrorCode string                 `json:"errorCode,omitempty"`
}
