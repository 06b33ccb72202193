package training

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"onairos/internal/models"
)

// State is the training session lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateTraining   State = "training"
	StateCompleted  State = "completed"
	StateTimedOut   State = "timed_out"
	StateFailed     State = "failed"
)

const (
	// DefaultWatchdog is the silence window after which a session
	// force-completes with a fallback result instead of hanging forever.
	DefaultWatchdog = 10 * time.Minute

	// phraseInterval is the fixed timer driving status phrase rotation.
	phraseInterval = 8 * time.Second

	// maxBoundedProgress caps the reported progress below 100 until a
	// terminal completion arrives.
	maxBoundedProgress = 95
)

// Stream is a bidirectional trainer event channel. Events() is closed by
// the stream when the underlying connection drops; Close tears the
// connection down and is safe to call more than once.
type Stream interface {
	Start(ctx context.Context, req models.StartTraining) error
	Events() <-chan models.TrainerEvent
	Close() error
}

// Callbacks are the session's outputs. OnStarted fires exactly once, on
// the first trainer acknowledgment. OnComplete fires exactly once with
// the terminal result; terminal events after the first are ignored.
type Callbacks struct {
	OnStarted  func()
	OnStatus   func(phrase string, progress int)
	OnComplete func(result models.TrainingResult)
}

// Session is the training state machine:
// Idle → Connecting → Training → {Completed, TimedOut, Failed}.
//
// A watchdog timer is armed on connect and reset on every inbound event;
// if it fires without a terminal event the session force-completes with
// a fallback result. All terminal transitions stop the timers, close the
// stream, and invoke OnComplete exactly once.
type Session struct {
	mu       sync.Mutex
	state    State
	progress int
	rotator  phraseRotator

	stream      Stream
	cb          Callbacks
	watchdogDur time.Duration
	watchdog    *time.Timer
	phraseTick  *time.Ticker

	startedOnce  sync.Once
	completeOnce sync.Once
	done         chan struct{}
}

// NewSession creates an idle training session. A non-positive watchdog
// duration falls back to DefaultWatchdog.
func NewSession(stream Stream, watchdog time.Duration, cb Callbacks) *Session {
	if watchdog <= 0 {
		watchdog = DefaultWatchdog
	}
	return &Session{
		state:       StateIdle,
		stream:      stream,
		cb:          cb,
		watchdogDur: watchdog,
		done:        make(chan struct{}),
	}
}

// Run sends the start-training handshake and begins consuming trainer
// events. It returns once the session is live; the terminal result is
// delivered through OnComplete.
func (s *Session) Run(ctx context.Context, req models.StartTraining) error {
	s.mu.Lock()
	s.state = StateConnecting
	s.mu.Unlock()

	if err := s.stream.Start(ctx, req); err != nil {
		s.finish(StateFailed, models.TrainingResult{Fallback: true, Error: err.Error()})
		return err
	}

	s.watchdog = time.NewTimer(s.watchdogDur)
	s.phraseTick = time.NewTicker(phraseInterval)
	go s.eventLoop(ctx)
	go s.statusLoop()
	return nil
}

// eventLoop consumes the trainer stream until a terminal transition.
func (s *Session) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.finish(StateFailed, models.TrainingResult{Fallback: true, Error: ctx.Err().Error()})
			return

		case <-s.done:
			return

		case <-s.watchdog.C:
			// Any-failure-mode safety net: no terminal event arrived
			// within the watchdog window.
			log.Printf("⏰ [TRAINING] Watchdog fired, force-completing with fallback")
			s.finish(StateTimedOut, models.TrainingResult{Fallback: true})
			return

		case ev, ok := <-s.stream.Events():
			if !ok {
				s.finish(StateFailed, models.TrainingResult{Fallback: true, Error: "trainer stream closed"})
				return
			}
			if terminal := s.handleEvent(ev); terminal {
				return
			}
		}
	}
}

// handleEvent processes one inbound trainer event. Every event resets the
// watchdog. Returns true when the event was terminal.
func (s *Session) handleEvent(ev models.TrainerEvent) bool {
	s.watchdog.Reset(s.watchdogDur)

	switch ev.Name {
	case models.EventConnect:
		s.markStarted()

	case models.EventTrainingProgress:
		s.markStarted()
		var p models.TrainingProgress
		if err := json.Unmarshal(ev.Payload, &p); err == nil {
			s.setProgress(int(p.Percentage))
		}

	case models.EventTrainingUpdate:
		// Legacy event: progress ack unless it carries an error.
		s.markStarted()
		var u models.TrainingUpdate
		if err := json.Unmarshal(ev.Payload, &u); err == nil && u.Error != "" {
			s.finish(StateFailed, models.TrainingResult{
				Fallback:  true,
				Error:     u.Error,
				ErrorCode: u.Code,
			})
			return true
		}

	case models.EventTrainingComplete, models.EventTrainingCompleted:
		var c models.TrainingComplete
		_ = json.Unmarshal(ev.Payload, &c)
		s.finish(StateCompleted, models.TrainingResult{
			Success: true,
			Traits:  c.Traits,
			Output:  c.Output,
		})
		return true

	case models.EventTrainingError:
		var e models.TrainingErrorEvent
		_ = json.Unmarshal(ev.Payload, &e)
		s.finish(StateFailed, models.TrainingResult{Fallback: true, Error: e.Message})
		return true

	case models.EventConnectError:
		s.finish(StateFailed, models.TrainingResult{Fallback: true, Error: "trainer connection error"})
		return true

	default:
		// Unknown events still count as liveness and reset the watchdog.
	}
	return false
}

// statusLoop advances the phrase rotation on a fixed timer.
func (s *Session) statusLoop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.phraseTick.C:
			s.mu.Lock()
			phrase := s.rotator.Next()
			progress := s.progress
			s.mu.Unlock()

			if s.cb.OnStatus != nil {
				s.cb.OnStatus(phrase, progress)
			}
		}
	}
}

// markStarted signals "training started" exactly once; calling it again
// is safe but has no observable effect.
func (s *Session) markStarted() {
	s.startedOnce.Do(func() {
		s.mu.Lock()
		s.state = StateTraining
		s.mu.Unlock()

		if s.cb.OnStarted != nil {
			s.cb.OnStarted()
		}
	})
}

func (s *Session) setProgress(pct int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pct < 0 {
		pct = 0
	}
	if pct > maxBoundedProgress {
		pct = maxBoundedProgress
	}
	if pct > s.progress {
		s.progress = pct
	}
}

// finish performs the terminal transition: stop timers, close the stream,
// deliver the result exactly once. Later terminal events are no-ops.
func (s *Session) finish(state State, result models.TrainingResult) {
	s.completeOnce.Do(func() {
		s.mu.Lock()
		s.state = state
		if state == StateCompleted {
			s.progress = 100
		}
		s.mu.Unlock()

		close(s.done)
		if s.watchdog != nil {
			s.watchdog.Stop()
		}
		if s.phraseTick != nil {
			s.phraseTick.Stop()
		}
		if s.stream != nil {
			if err := s.stream.Close(); err != nil {
				log.Printf("⚠️ [TRAINING] Failed to close trainer stream: %v", err)
			}
		}

		if s.cb.OnComplete != nil {
			s.cb.OnComplete(result)
		}
	})
}

// CurrentState returns the session state.
func (s *Session) CurrentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Progress returns the bounded progress value (capped below 100 until
// completion).
func (s *Session) Progress() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

// Done is closed when the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} {
	return s.done
}
