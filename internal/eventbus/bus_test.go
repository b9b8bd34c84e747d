package eventbus

import (
	"testing"
	"time"
)

func TestPublishFanout(t *testing.T) {
	t.Parallel()

	b := New()
	ch1, unsub1 := b.Subscribe(4)
	ch2, unsub2 := b.Subscribe(4)
	defer unsub1()
	defer unsub2()

	b.Publish(Event{Type: TypeTrackEvicted, Data: EvictEvent{Facility: "A11", TrackNum: "512"}})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case e := <-ch:
			if e.Type != TypeTrackEvicted {
				t.Fatalf("sub %d: type = %q, want %q", i, e.Type, TypeTrackEvicted)
			}
			if e.Time.IsZero() {
				t.Fatalf("sub %d: expected publish to stamp time", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("sub %d: no event delivered", i)
		}
	}
}

func TestPublishDropsWhenSubscriberFull(t *testing.T) {
	t.Parallel()

	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: TypeClientSubscribed})
	b.Publish(Event{Type: TypeClientSubscribed}) // buffer full, must not block

	if got := b.Dropped(); got != 1 {
		t.Fatalf("dropped = %d, want 1", got)
	}
}

func TestPublishAfterUnsubscribeDoesNotPanic(t *testing.T) {
	t.Parallel()

	b := New()
	_, unsub := b.Subscribe(1)
	unsub()
	unsub() // idempotent

	b.Publish(Event{Type: TypeClientUnsubscribed})
}
