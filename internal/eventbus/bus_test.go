package eventbus

import (
	"testing"
	"time"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := New()
	ch1, unsub1 := b.Subscribe(4)
	ch2, unsub2 := b.Subscribe(4)
	defer unsub1()
	defer unsub2()

	b.Publish(Event{Type: TypeCycleSuccess, Data: "x"})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case e := <-ch:
			if e.Type != TypeCycleSuccess {
				t.Fatalf("subscriber %d: type = %q, want %q", i, e.Type, TypeCycleSuccess)
			}
			if e.Time.IsZero() {
				t.Fatalf("subscriber %d: zero time not stamped", i)
			}
		default:
			t.Fatalf("subscriber %d: no event delivered", i)
		}
	}
}

func TestPublishKeepsCallerTime(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	at := time.Date(2026, 2, 1, 9, 30, 0, 0, time.UTC)
	b.Publish(Event{Type: TypeDaemonReady, Time: at})

	e := <-ch
	if !e.Time.Equal(at) {
		t.Fatalf("time = %v, want %v", e.Time, at)
	}
}

func TestFullSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Publish(Event{Type: TypeCycleFailure})
		b.Publish(Event{Type: TypeCycleFailure})
		b.Publish(Event{Type: TypeCycleFailure})
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	if got := len(ch); got != 1 {
		t.Fatalf("buffered events = %d, want 1", got)
	}
}

func TestUnsubscribeStopsDeliveryAndCloses(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(4)

	unsub()
	unsub() // second call is a no-op

	b.Publish(Event{Type: TypeTargetGone})

	if _, ok := <-ch; ok {
		t.Fatal("event delivered after unsubscribe")
	}
}
