package engine

import (
	"testing"
	"time"
)

func TestEventEmitterDeliversInOrder(t *testing.T) {
	em := NewEventEmitter(4)
	em.Emit(Event{Type: EventPipelineTriggered})
	em.Emit(Event{Type: EventExecutionStarted})
	em.Close()

	var got []EventType
	for ev := range em.Events() {
		got = append(got, ev.Type)
		if ev.Timestamp.IsZero() {
			t.Error("emit should stamp the event")
		}
	}
	if len(got) != 2 || got[0] != EventPipelineTriggered || got[1] != EventExecutionStarted {
		t.Errorf("received %v", got)
	}
}

func TestEventEmitterDropsWhenFull(t *testing.T) {
	em := NewEventEmitter(1)
	em.Emit(Event{Type: EventStepStarted})

	done := make(chan struct{})
	go func() {
		defer close(done)
		em.Emit(Event{Type: EventStepCompleted}) // buffer full, no reader
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("emit blocked instead of dropping")
	}
	if em.DroppedCount() != 1 {
		t.Errorf("dropped count = %d, want 1", em.DroppedCount())
	}
}
