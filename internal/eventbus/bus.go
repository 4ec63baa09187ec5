// Package eventbus carries small in-process signals between the daemon's
// components: cycle outcomes out of the orchestrator, timer lifecycle out
// of the scheduling core, daemon lifecycle out of the app. The notifier
// and the debug tap subscribe; nothing ever blocks on a subscriber.
package eventbus

import (
	"sync"
	"time"
)

// Event types published by clickd components. Data payloads are small
// structs owned by the publisher.
const (
	TypeCycleSuccess      = "cycle.success"
	TypeCycleFailure      = "cycle.failure"
	TypeCircuitOpen       = "circuit.open"
	TypeRecoveryExhausted = "recovery.exhausted"
	TypeTargetGone        = "target.gone"
	TypeTimerStarted      = "timer.started"
	TypeTimerStopped      = "timer.stopped"
	TypeDaemonReady       = "daemon.ready"
	TypeDaemonStopping    = "daemon.stopping"
)

// Event is one published signal. Publish stamps Time when the caller
// leaves it zero. Data should stay small and JSON-serializable; the
// notifier renders it into operator messages.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus is the fanout contract. Publish never blocks: a subscriber whose
// buffer is full loses the event. Subscribers size their buffer for the
// burstiness they expect and treat the stream as lossy.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns the in-memory bus. It owns no goroutines; delivery happens
// on the publisher's stack via non-blocking sends.
func New() Bus {
	return &memBus{subs: map[*subscriber]struct{}{}}
}

type subscriber struct {
	ch     chan Event
	closed bool
	drops  uint64
}

type memBus struct {
	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

// Publish delivers e to every live subscriber with buffer room. Sends
// happen under the bus lock, which is safe because they never block;
// holding it means unsubscribe cannot close a channel mid-send.
func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		if sub.closed {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			sub.drops++
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	sub := &subscriber{ch: make(chan Event, buffer)}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub.closed {
			return
		}
		sub.closed = true
		delete(b.subs, sub)
		close(sub.ch)
	}
	return sub.ch, unsub
}
