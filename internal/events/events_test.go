package events

import (
	"testing"
	"time"
)

func TestPublishDeliversInOrder(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe("sid", 16)

	bus.Publish("sid", New(SandboxCreating, nil))
	bus.Publish("sid", New(SandboxCreated, nil))
	bus.Publish("sid", New(PlanningStart, nil))

	want := []Type{SandboxCreating, SandboxCreated, PlanningStart}
	for i, w := range want {
		select {
		case ev := <-ch:
			if ev.Type != w {
				t.Fatalf("event %d: got %s, want %s", i, ev.Type, w)
			}
		case <-time.After(time.Second):
			t.Fatalf("event %d never arrived", i)
		}
	}
}

func TestPublishIsSessionScoped(t *testing.T) {
	bus := NewBus()
	a := bus.Subscribe("a", 4)
	b := bus.Subscribe("b", 4)

	bus.Publish("a", New(StateChange, nil))

	select {
	case <-a:
	case <-time.After(time.Second):
		t.Fatal("subscriber a missed its event")
	}
	select {
	case ev := <-b:
		t.Fatalf("subscriber b received foreign event %s", ev.Type)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe("sid", 4)
	bus.Unsubscribe("sid", ch)

	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	// Publishing to a fully unsubscribed session is a no-op.
	bus.Publish("sid", New(StateChange, nil))
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	bus := NewBus()
	bus.Subscribe("sid", 1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish("sid", New(StateChange, nil))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestDropSessionClosesAllSubscribers(t *testing.T) {
	bus := NewBus()
	a := bus.Subscribe("sid", 4)
	b := bus.Subscribe("sid", 4)
	bus.DropSession("sid")

	if _, ok := <-a; ok {
		t.Fatal("a should be closed")
	}
	if _, ok := <-b; ok {
		t.Fatal("b should be closed")
	}
}

func TestNewStampsTimestamp(t *testing.T) {
	before := time.Now().UnixMilli()
	ev := New(ExecutionComplete, map[string]any{"k": "v"})
	after := time.Now().UnixMilli()
	if ev.Timestamp < before || ev.Timestamp > after {
		t.Fatalf("timestamp %d outside [%d,%d]", ev.Timestamp, before, after)
	}
	if ev.Data["k"] != "v" {
		t.Fatal("data lost")
	}
}
