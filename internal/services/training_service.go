package services

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"onairos/internal/database"
	"onairos/internal/models"
	"onairos/internal/training"
)

// ErrTrainingActive is returned when a user already has a live training
// session; concurrent sessions for one user are not allowed.
var ErrTrainingActive = errors.New("a training session is already running for this user")

// TrainingStatusData is the bus payload for a status rotation tick.
type TrainingStatusData struct {
	Phrase   string `json:"phrase"`
	Progress int    `json:"progress"`
}

// TrainingService owns the per-user training sessions. It dials the remote
// trainer, runs the session state machine, and fans every lifecycle event out
// through the event bus (and Redis, when configured) so any connected surface
// sees it. Trainer failures never surface as errors to the caller; they
// arrive as fallback completion events, the same shape as a timeout.
type TrainingService struct {
	trainerURL string
	credential string
	watchdog   time.Duration

	bus     *TrainingEventBus
	pubsub  *PubSubService                // nil when Redis is disabled
	results *database.TrainingResultStore // nil disables persistence

	mu     sync.Mutex
	active map[string]*training.Session
}

// NewTrainingService creates the training orchestrator.
func NewTrainingService(trainerURL, credential string, watchdog time.Duration, bus *TrainingEventBus, pubsub *PubSubService, results *database.TrainingResultStore) *TrainingService {
	return &TrainingService{
		trainerURL: trainerURL,
		credential: credential,
		watchdog:   watchdog,
		bus:        bus,
		pubsub:     pubsub,
		results:    results,
		active:     make(map[string]*training.Session),
	}
}

// Start launches a training session for a user. Only one session per user
// may be live at a time. Connection failures complete immediately with a
// fallback result instead of returning an error.
func (s *TrainingService) Start(ctx context.Context, userID string, req models.StartTraining) error {
	s.mu.Lock()
	if _, busy := s.active[userID]; busy {
		s.mu.Unlock()
		return ErrTrainingActive
	}
	// Reserve the slot before dialing so a second start cannot race in.
	s.active[userID] = nil
	s.mu.Unlock()

	if s.trainerURL == "" {
		log.Printf("⚠️ [TRAINING] No trainer configured, completing with fallback for user %s", userID)
		s.complete(userID, models.TrainingResult{Fallback: true, Error: "trainer unavailable"})
		return nil
	}

	stream, err := training.DialTrainer(ctx, s.trainerURL, s.credential)
	if err != nil {
		log.Printf("⚠️ [TRAINING] Trainer dial failed for user %s: %v", userID, err)
		s.complete(userID, models.TrainingResult{Fallback: true, Error: err.Error()})
		return nil
	}

	session := training.NewSession(stream, s.watchdog, training.Callbacks{
		OnStarted: func() {
			s.publish(userID, TrainingEvent{Type: BusTrainingStarted})
		},
		OnStatus: func(phrase string, progress int) {
			s.publish(userID, TrainingEvent{
				Type: BusTrainingStatus,
				Data: TrainingStatusData{Phrase: phrase, Progress: progress},
			})
		},
		OnComplete: func(result models.TrainingResult) {
			s.complete(userID, result)
		},
	})

	s.mu.Lock()
	s.active[userID] = session
	s.mu.Unlock()

	log.Printf("🚀 [TRAINING] Session starting for user %s (socket: %s)", userID, stream.SocketID())

	// The session outlives the start request; its lifecycle is bounded by
	// the watchdog, not the caller's context.
	if err := session.Run(context.Background(), req); err != nil {
		// OnComplete already delivered the fallback result.
		return nil
	}
	return nil
}

// Active reports whether a user has a live training session.
func (s *TrainingService) Active(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[userID]
	return ok
}

// complete delivers the terminal result: persist, record metrics, fan out,
// and release the user's session slot.
func (s *TrainingService) complete(userID string, result models.TrainingResult) {
	s.mu.Lock()
	session := s.active[userID]
	delete(s.active, userID)
	s.mu.Unlock()

	outcome := "failed"
	switch {
	case result.Success:
		outcome = "completed"
	case result.Fallback:
		outcome = "fallback"
	}
	if m := GetMetrics(); m != nil {
		m.RecordTrainingOutcome(outcome)
		if session != nil && session.CurrentState() == training.StateTimedOut {
			m.RecordWatchdogFallback()
		}
	}

	if s.results != nil {
		ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
		defer cancel()
		err := s.results.Insert(ctx, database.TrainingRecord{
			ID:        uuid.New().String(),
			UserID:    userID,
			Success:   result.Success,
			Fallback:  result.Fallback,
			Error:     result.Error,
			ErrorCode: result.ErrorCode,
			CreatedAt: time.Now(),
		})
		if err != nil {
			log.Printf("⚠️ [TRAINING] Failed to persist result for user %s: %v", userID, err)
		}
	}

	log.Printf("✅ [TRAINING] Session finished for user %s (outcome: %s)", userID, outcome)
	s.publish(userID, TrainingEvent{Type: BusTrainingComplete, Data: result})
}

// publish fans an event out locally and, when Redis is up, to the other
// instances.
func (s *TrainingService) publish(userID string, event TrainingEvent) {
	s.bus.Publish(userID, event)

	if s.pubsub != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.pubsub.PublishTrainingEvent(ctx, userID, event); err != nil {
			log.Printf("⚠️ [TRAINING] Failed to relay event for user %s: %v", userID, err)
		}
	}
}
