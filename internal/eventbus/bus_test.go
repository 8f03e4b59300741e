package eventbus

import (
	"testing"
	"time"
)

func TestPublishFanoutAndFilter(t *testing.T) {
	t.Parallel()
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	onlyBroadcast, unsubB := b.Subscribe(4, "broadcast.")
	defer unsubB()

	b.Publish(Event{Type: "delivery.sent"})
	b.Publish(Event{Type: "broadcast.done", Data: 3})

	if got := len(all); got != 2 {
		t.Fatalf("all got %d events, want 2", got)
	}
	if got := len(onlyBroadcast); got != 1 {
		t.Fatalf("filtered got %d events, want 1", got)
	}
	e := <-onlyBroadcast
	if e.Type != "broadcast.done" || e.Data != 3 || e.Time.IsZero() {
		t.Fatalf("event = %+v", e)
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			b.Publish(Event{Type: "x"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Publish blocked on a full subscriber")
	}
	if got := b.Dropped(); got != 4 {
		t.Fatalf("Dropped = %d, want 4", got)
	}
}

func TestUnsubscribeClosesOnce(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatalf("channel still open after unsubscribe")
	}
	b.Publish(Event{Type: "after"})
}
