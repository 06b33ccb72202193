package services

import (
	"log"
	"sync"
)

// maxPendingEvents is the maximum number of result-bearing events buffered per
// user when they have no active subscribers (e.g. between disconnect and
// reconnect mid-training).
const maxPendingEvents = 50

// TrainingEvent is a user-scoped training notification flowing from the
// training service to whichever surface the user has open.
type TrainingEvent struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// Bus-level event types. These name the notification, not the wire message;
// handlers translate them into their surface's message format.
const (
	BusTrainingStarted  = "training_started"
	BusTrainingStatus   = "training_status"
	BusTrainingComplete = "training_complete"
)

// resultEventTypes are the event types worth buffering for offline users.
// Transient status updates are not buffered.
var resultEventTypes = map[string]bool{
	BusTrainingComplete: true,
}

// TrainingEventBus is an in-memory pub/sub for training events, scoped per
// user. It decouples the training session lifecycle from WebSocket lifecycle:
// sessions publish here, and any connected client subscribes.
//
// Result-bearing events are buffered per-user when no subscriber is connected.
// On reconnect, pending events are drained to the new subscriber so a training
// outcome is never lost to a page reload.
type TrainingEventBus struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan TrainingEvent // userID → subID → chan
	pending     map[string][]TrainingEvent               // userID → buffered results
}

// NewTrainingEventBus creates a new event bus
func NewTrainingEventBus() *TrainingEventBus {
	return &TrainingEventBus{
		subscribers: make(map[string]map[string]chan TrainingEvent),
		pending:     make(map[string][]TrainingEvent),
	}
}

// Subscribe creates a new event channel for a user. Returns a receive-only
// channel. Pending events are NOT auto-drained — call DrainPending()
// separately so the handler can replay them as explicit messages.
func (b *TrainingEventBus) Subscribe(userID, subID string, bufSize int) <-chan TrainingEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan TrainingEvent, bufSize)
	if _, ok := b.subscribers[userID]; !ok {
		b.subscribers[userID] = make(map[string]chan TrainingEvent)
	}
	b.subscribers[userID][subID] = ch

	count := len(b.subscribers[userID])
	log.Printf("[EVENT-BUS] Subscribe: user=%s sub=%s (total=%d)", userID, subID, count)

	return ch
}

// DrainPending returns and clears all buffered events for a user.
// Called by the WebSocket handler on reconnect.
func (b *TrainingEventBus) DrainPending(userID string) []TrainingEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	events := b.pending[userID]
	delete(b.pending, userID)

	if len(events) > 0 {
		log.Printf("[EVENT-BUS] Drained %d pending events for user %s", len(events), userID)
	}
	return events
}

// Unsubscribe removes a subscription. The channel is NOT closed — the
// subscriber's goroutine should exit via its own done signal, and the channel
// will be GC'd.
func (b *TrainingEventBus) Unsubscribe(userID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if conns, ok := b.subscribers[userID]; ok {
		delete(conns, subID)
		if len(conns) == 0 {
			delete(b.subscribers, userID)
		}
		log.Printf("[EVENT-BUS] Unsubscribe: user=%s sub=%s (remaining=%d)", userID, subID, len(conns))
	}
}

// Publish sends an event to all subscribers for a user. Non-blocking — if a
// subscriber's channel is full, the event is dropped for that subscriber.
//
// If no subscribers are connected and the event carries a training result, it
// is buffered in a per-user pending queue for delivery on reconnect.
func (b *TrainingEventBus) Publish(userID string, event TrainingEvent) {
	b.mu.RLock()
	conns, hasSubscribers := b.subscribers[userID]

	if hasSubscribers && len(conns) > 0 {
		delivered := false
		for _, ch := range conns {
			select {
			case ch <- event:
				delivered = true
			default:
				// Subscriber is full — skip this one
			}
		}
		b.mu.RUnlock()

		if !delivered && resultEventTypes[event.Type] {
			b.bufferPending(userID, event)
		}
		return
	}
	b.mu.RUnlock()

	if resultEventTypes[event.Type] {
		b.bufferPending(userID, event)
	}
}

// bufferPending appends an event to the user's pending queue, evicting the
// oldest entry when full.
func (b *TrainingEventBus) bufferPending(userID string, event TrainingEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	queue := b.pending[userID]
	if len(queue) >= maxPendingEvents {
		queue = queue[1:]
	}
	b.pending[userID] = append(queue, event)
	log.Printf("[EVENT-BUS] Buffered %s for offline user %s (pending=%d)", event.Type, userID, len(b.pending[userID]))
}

// subscriberCount returns the number of active subscriptions for a user.
func (b *TrainingEventBus) subscriberCount(userID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[userID])
}

// pendingCount returns the number of buffered events for a user.
func (b *TrainingEventBus) pendingCount(userID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.pending[userID])
}
