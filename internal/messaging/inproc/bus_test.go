package inproc

import (
	"errors"
	"testing"

	"agent_ensemble/internal/domain"
)

func TestPublishWithoutListenersIsNoOp(t *testing.T) {
	bus := New(4)
	if err := bus.Publish(domain.RunEvent{RunID: "r1", Kind: domain.RunEventStarted}); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func TestPublishFansOutToListeners(t *testing.T) {
	bus := New(4)
	first := bus.Register("first")
	second := bus.Register("second")

	ev := domain.RunEvent{RunID: "r1", Kind: domain.RunEventAttempt, Detail: "task=t1"}
	if err := bus.Publish(ev); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for name, ch := range map[string]<-chan domain.RunEvent{"first": first, "second": second} {
		got := <-ch
		if got.RunID != "r1" || got.Detail != "task=t1" {
			t.Fatalf("%s received %+v", name, got)
		}
	}
}

func TestRegisterIsIdempotent(t *testing.T) {
	bus := New(4)
	a := bus.Register("mon")
	b := bus.Register("mon")
	if a != b {
		t.Fatalf("second register returned a different channel")
	}
}

func TestUnregisterClosesChannel(t *testing.T) {
	bus := New(4)
	ch := bus.Register("mon")
	bus.Unregister("mon")
	if _, open := <-ch; open {
		t.Fatalf("channel still open after unregister")
	}
	bus.Unregister("mon")
}

func TestPublishReportsWhenEveryQueueIsFull(t *testing.T) {
	bus := New(1)
	ch := bus.Register("slow")
	if err := bus.Publish(domain.RunEvent{RunID: "r1"}); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	if err := bus.Publish(domain.RunEvent{RunID: "r2"}); !errors.Is(err, ErrListenerQueueFull) {
		t.Fatalf("err=%v want=%v", err, ErrListenerQueueFull)
	}
	// Draining frees the queue again.
	<-ch
	if err := bus.Publish(domain.RunEvent{RunID: "r3"}); err != nil {
		t.Fatalf("publish after drain: %v", err)
	}
}
