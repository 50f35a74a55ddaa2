package eventbus

import (
	"testing"
	"time"
)

func TestPublishReachesSubscribers(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(4)
	defer unsub()

	b.Publish(Event{Type: "queue.enqueued", Data: "m1"})

	select {
	case e := <-ch:
		if e.Type != "queue.enqueued" || e.Data != "m1" {
			t.Fatalf("unexpected event: %+v", e)
		}
		if e.Time.IsZero() {
			t.Fatal("expected Publish to stamp Time")
		}
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestFullSubscriberDropsEvents(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "first"})
	b.Publish(Event{Type: "second"})

	e := <-ch
	if e.Type != "first" {
		t.Fatalf("got %q, want first", e.Type)
	}
	select {
	case e := <-ch:
		t.Fatalf("expected second event to be dropped, got %q", e.Type)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub() // idempotent

	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel after unsubscribe")
	}
	b.Publish(Event{Type: "after"}) // must not panic
}
