package training

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"onairos/internal/models"
)

type fakeStream struct {
	mu         sync.Mutex
	events     chan models.TrainerEvent
	startErr   error
	startReq   models.StartTraining
	closeCalls int
}

func newFakeStream() *fakeStream {
	return &fakeStream{events: make(chan models.TrainerEvent, 16)}
}

func (f *fakeStream) Start(ctx context.Context, req models.StartTraining) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startReq = req
	return f.startErr
}

func (f *fakeStream) Events() <-chan models.TrainerEvent {
	return f.events
}

func (f *fakeStream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	return nil
}

func (f *fakeStream) emit(name string, payload interface{}) {
	var data json.RawMessage
	if payload != nil {
		data, _ = json.Marshal(payload)
	}
	f.events <- models.TrainerEvent{Name: name, Payload: data}
}

func waitResult(t *testing.T, results chan models.TrainingResult) models.TrainingResult {
	t.Helper()
	select {
	case r := <-results:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for training result")
		return models.TrainingResult{}
	}
}

func TestSession_WatchdogFallback(t *testing.T) {
	stream := newFakeStream()
	results := make(chan models.TrainingResult, 4)
	session := NewSession(stream, 50*time.Millisecond, Callbacks{
		OnComplete: func(r models.TrainingResult) { results <- r },
	})

	if err := session.Run(context.Background(), models.StartTraining{Email: "user@example.com"}); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	stream.emit(models.EventConnect, nil)

	result := waitResult(t, results)
	if !result.Fallback {
		t.Errorf("Expected fallback result, got %+v", result)
	}
	if session.CurrentState() != StateTimedOut {
		t.Errorf("Expected TimedOut, got %s", session.CurrentState())
	}

	// No second result may arrive
	select {
	case r := <-results:
		t.Errorf("unexpected second result: %+v", r)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestSession_WatchdogResetByInboundEvents(t *testing.T) {
	stream := newFakeStream()
	results := make(chan models.TrainingResult, 4)
	session := NewSession(stream, 150*time.Millisecond, Callbacks{
		OnComplete: func(r models.TrainingResult) { results <- r },
	})
	session.Run(context.Background(), models.StartTraining{})

	// Keep the session alive well past the initial watchdog window
	for i := 0; i < 8; i++ {
		stream.emit(models.EventTrainingProgress, models.TrainingProgress{Percentage: float64(i * 10)})
		time.Sleep(50 * time.Millisecond)
	}
	stream.emit(models.EventTrainingComplete, models.TrainingComplete{
		Output: map[string]interface{}{"model": "v1"},
	})

	result := waitResult(t, results)
	if !result.Success || result.Fallback {
		t.Errorf("Expected success (watchdog must not fire while events flow), got %+v", result)
	}
	if session.CurrentState() != StateCompleted {
		t.Errorf("Expected Completed, got %s", session.CurrentState())
	}
}

func TestSession_TerminalDeliveredExactlyOnce(t *testing.T) {
	stream := newFakeStream()
	results := make(chan models.TrainingResult, 4)
	session := NewSession(stream, time.Minute, Callbacks{
		OnComplete: func(r models.TrainingResult) { results <- r },
	})
	session.Run(context.Background(), models.StartTraining{})

	stream.emit(models.EventTrainingComplete, models.TrainingComplete{Traits: map[string]interface{}{"openness": 0.7}})
	stream.emit(models.EventTrainingError, models.TrainingErrorEvent{Message: "late error"})
	stream.emit(models.EventTrainingCompleted, nil)

	result := waitResult(t, results)
	if !result.Success {
		t.Errorf("Expected the first terminal event to win, got %+v", result)
	}

	select {
	case r := <-results:
		t.Errorf("terminal events after the first must be ignored, got %+v", r)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSession_StartedSignalSingleFire(t *testing.T) {
	stream := newFakeStream()
	var started int32
	results := make(chan models.TrainingResult, 1)
	session := NewSession(stream, time.Minute, Callbacks{
		OnStarted:  func() { atomic.AddInt32(&started, 1) },
		OnComplete: func(r models.TrainingResult) { results <- r },
	})
	session.Run(context.Background(), models.StartTraining{})

	stream.emit(models.EventConnect, nil)
	stream.emit(models.EventTrainingProgress, models.TrainingProgress{Percentage: 10})
	stream.emit(models.EventTrainingProgress, models.TrainingProgress{Percentage: 20})
	stream.emit(models.EventTrainingComplete, nil)

	waitResult(t, results)
	if got := atomic.LoadInt32(&started); got != 1 {
		t.Errorf("Expected started signal to fire exactly once, got %d", got)
	}
}

func TestSession_ProgressBoundedBelowCompletion(t *testing.T) {
	stream := newFakeStream()
	results := make(chan models.TrainingResult, 1)
	session := NewSession(stream, time.Minute, Callbacks{
		OnComplete: func(r models.TrainingResult) { results <- r },
	})
	session.Run(context.Background(), models.StartTraining{})

	stream.emit(models.EventTrainingProgress, models.TrainingProgress{Percentage: 40})
	stream.emit(models.EventTrainingProgress, models.TrainingProgress{Percentage: 150})

	deadline := time.Now().Add(time.Second)
	for session.Progress() < maxBoundedProgress && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := session.Progress(); got != maxBoundedProgress {
		t.Errorf("Expected progress capped at %d, got %d", maxBoundedProgress, got)
	}

	stream.emit(models.EventTrainingComplete, nil)
	waitResult(t, results)
	if session.Progress() != 100 {
		t.Errorf("Expected progress 100 after completion, got %d", session.Progress())
	}
}

func TestSession_LegacyUpdateErrorIsTerminal(t *testing.T) {
	stream := newFakeStream()
	results := make(chan models.TrainingResult, 1)
	session := NewSession(stream, time.Minute, Callbacks{
		OnComplete: func(r models.TrainingResult) { results <- r },
	})
	session.Run(context.Background(), models.StartTraining{})

	stream.emit(models.EventTrainingUpdate, models.TrainingUpdate{Error: "model diverged", Code: "E42"})

	result := waitResult(t, results)
	if !result.Fallback || result.Error != "model diverged" || result.ErrorCode != "E42" {
		t.Errorf("Expected legacy error surfaced as fallback, got %+v", result)
	}
	if session.CurrentState() != StateFailed {
		t.Errorf("Expected Failed, got %s", session.CurrentState())
	}
}

func TestSession_StreamClosedYieldsFallback(t *testing.T) {
	stream := newFakeStream()
	results := make(chan models.TrainingResult, 1)
	session := NewSession(stream, time.Minute, Callbacks{
		OnComplete: func(r models.TrainingResult) { results <- r },
	})
	session.Run(context.Background(), models.StartTraining{})

	close(stream.events)

	result := waitResult(t, results)
	if !result.Fallback {
		t.Errorf("Expected fallback on dropped stream, got %+v", result)
	}
}

func TestSession_StartErrorFailsImmediately(t *testing.T) {
	stream := newFakeStream()
	stream.startErr = errors.New("handshake refused")
	results := make(chan models.TrainingResult, 1)
	session := NewSession(stream, time.Minute, Callbacks{
		OnComplete: func(r models.TrainingResult) { results <- r },
	})

	if err := session.Run(context.Background(), models.StartTraining{}); err == nil {
		t.Fatal("Expected run error")
	}

	result := waitResult(t, results)
	if !result.Fallback || result.Error != "handshake refused" {
		t.Errorf("Expected fallback with handshake error, got %+v", result)
	}
}
