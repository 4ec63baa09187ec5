package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"clickd/internal/eventbus"
	"clickd/internal/orchestrator"
	logx "clickd/pkg/logx"
)

type sentMsg struct {
	chatID int64
	text   string
}

type fakeSender struct {
	mu    sync.Mutex
	calls int
	fails int // fail this many sends before succeeding
	sent  []sentMsg
	ch    chan sentMsg
}

func newFakeSender() *fakeSender {
	return &fakeSender{ch: make(chan sentMsg, 64)}
}

func (f *fakeSender) Send(_ context.Context, chatID int64, text string) error {
	f.mu.Lock()
	f.calls++
	if f.fails > 0 {
		f.fails--
		f.mu.Unlock()
		return errors.New("telegram: 502 bad gateway")
	}
	m := sentMsg{chatID: chatID, text: text}
	f.sent = append(f.sent, m)
	f.mu.Unlock()
	f.ch <- m
	return nil
}

func (f *fakeSender) waitSent(t *testing.T, d time.Duration) sentMsg {
	t.Helper()
	select {
	case m := <-f.ch:
		return m
	case <-time.After(d):
		t.Fatalf("no message sent within %v", d)
	}
	return sentMsg{}
}

func (f *fakeSender) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testConfig() Config {
	return Config{
		Enabled:       true,
		ChatID:        42,
		RatePerSec:    100,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
		DedupWindow:   time.Minute,
	}
}

func startService(t *testing.T, cfg Config, sender Sender, bus eventbus.Bus) *Service {
	t.Helper()
	svc := New(cfg, sender, logx.Nop(), bus)
	ctx, cancel := context.WithCancel(context.Background())
	svc.Start(ctx)
	t.Cleanup(func() {
		sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
		svc.Stop(sctx)
		scancel()
		cancel()
	})
	return svc
}

func TestForwardsCircuitOpen(t *testing.T) {
	bus := eventbus.New()
	sender := newFakeSender()
	startService(t, testConfig(), sender, bus)

	bus.Publish(eventbus.Event{
		Type: eventbus.TypeCircuitOpen,
		Data: orchestrator.CircuitEvent{TargetID: "tab-1", Failures: 5},
	})

	m := sender.waitSent(t, 2*time.Second)
	if m.chatID != 42 {
		t.Fatalf("chatID = %d, want 42", m.chatID)
	}
	if !strings.Contains(m.text, "tab-1") || !strings.Contains(m.text, "circuit open") {
		t.Fatalf("text = %q, want circuit-open line for tab-1", m.text)
	}
	if !strings.Contains(m.text, "5 failures") {
		t.Fatalf("text = %q, want failure count", m.text)
	}
}

func TestDefaultFilterSkipsCycleOutcomes(t *testing.T) {
	bus := eventbus.New()
	sender := newFakeSender()
	startService(t, testConfig(), sender, bus)

	bus.Publish(eventbus.Event{
		Type: eventbus.TypeCycleSuccess,
		Data: orchestrator.CycleEvent{TargetID: "tab-1", Details: "clicked"},
	})
	bus.Publish(eventbus.Event{
		Type: eventbus.TypeTargetGone,
		Data: orchestrator.TargetGoneEvent{TargetID: "tab-1", Reason: "page closed"},
	})

	// FIFO through the pump: if cycle.success had passed the filter it
	// would have arrived first.
	m := sender.waitSent(t, 2*time.Second)
	if !strings.Contains(m.text, "target gone") {
		t.Fatalf("text = %q, want target-gone line", m.text)
	}
	if n := sender.sentCount(); n != 1 {
		t.Fatalf("sent = %d, want 1", n)
	}
}

func TestEventsOverride(t *testing.T) {
	bus := eventbus.New()
	sender := newFakeSender()
	cfg := testConfig()
	cfg.Events = []string{eventbus.TypeCycleSuccess}
	startService(t, cfg, sender, bus)

	bus.Publish(eventbus.Event{
		Type: eventbus.TypeCircuitOpen,
		Data: orchestrator.CircuitEvent{TargetID: "tab-1", Failures: 5},
	})
	bus.Publish(eventbus.Event{
		Type: eventbus.TypeCycleSuccess,
		Data: orchestrator.CycleEvent{TargetID: "tab-1", Details: "clicked"},
	})

	m := sender.waitSent(t, 2*time.Second)
	if !strings.Contains(m.text, "clicked") {
		t.Fatalf("text = %q, want cycle-success line", m.text)
	}
	if n := sender.sentCount(); n != 1 {
		t.Fatalf("sent = %d, want 1 (circuit.open filtered out)", n)
	}
}

func TestDedupWindow(t *testing.T) {
	bus := eventbus.New()
	sender := newFakeSender()
	startService(t, testConfig(), sender, bus)

	ev := eventbus.Event{
		Type: eventbus.TypeCircuitOpen,
		Data: orchestrator.CircuitEvent{TargetID: "tab-1", Failures: 5},
	}
	bus.Publish(ev)
	bus.Publish(ev)
	bus.Publish(eventbus.Event{
		Type: eventbus.TypeCircuitOpen,
		Data: orchestrator.CircuitEvent{TargetID: "tab-2", Failures: 5},
	})

	first := sender.waitSent(t, 2*time.Second)
	second := sender.waitSent(t, 2*time.Second)
	if !strings.Contains(first.text, "tab-1") || !strings.Contains(second.text, "tab-2") {
		t.Fatalf("sent %q then %q, want tab-1 then tab-2", first.text, second.text)
	}
	if n := sender.sentCount(); n != 2 {
		t.Fatalf("sent = %d, want 2 (duplicate suppressed)", n)
	}
}

func TestRetryUntilDelivered(t *testing.T) {
	bus := eventbus.New()
	sender := newFakeSender()
	sender.fails = 2
	cfg := testConfig()
	cfg.RetryMax = 3
	startService(t, cfg, sender, bus)

	bus.Publish(eventbus.Event{
		Type: eventbus.TypeRecoveryExhausted,
		Data: orchestrator.ExhaustedEvent{TargetID: "tab-1", Fallback: 20 * time.Minute},
	})

	m := sender.waitSent(t, 2*time.Second)
	if !strings.Contains(m.text, "recovery exhausted") {
		t.Fatalf("text = %q, want recovery-exhausted line", m.text)
	}
	if c := sender.callCount(); c != 3 {
		t.Fatalf("calls = %d, want 3 (two failures then success)", c)
	}
}

func TestDisabledDoesNothing(t *testing.T) {
	bus := eventbus.New()
	sender := newFakeSender()
	cfg := testConfig()
	cfg.Enabled = false
	svc := New(cfg, sender, logx.Nop(), bus)
	svc.Start(context.Background())

	bus.Publish(eventbus.Event{
		Type: eventbus.TypeCircuitOpen,
		Data: orchestrator.CircuitEvent{TargetID: "tab-1", Failures: 5},
	})
	time.Sleep(30 * time.Millisecond)
	if c := sender.callCount(); c != 0 {
		t.Fatalf("calls = %d, want 0 while disabled", c)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	svc.Stop(ctx)
	cancel()
}

func TestStopUnsubscribes(t *testing.T) {
	bus := eventbus.New()
	sender := newFakeSender()
	svc := startService(t, testConfig(), sender, bus)

	bus.Publish(eventbus.Event{Type: eventbus.TypeDaemonReady})
	sender.waitSent(t, 2*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	svc.Stop(ctx)
	cancel()

	bus.Publish(eventbus.Event{Type: eventbus.TypeDaemonStopping})
	time.Sleep(30 * time.Millisecond)
	if n := sender.sentCount(); n != 1 {
		t.Fatalf("sent = %d, want 1 (no delivery after Stop)", n)
	}
}

func TestFormatEvent(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		ev   eventbus.Event
		want string // substring; empty means no message
	}{
		{
			name: "circuit open",
			ev:   eventbus.Event{Type: eventbus.TypeCircuitOpen, Data: orchestrator.CircuitEvent{TargetID: "t", Failures: 3}},
			want: "circuit open after 3 failures",
		},
		{
			name: "recovery exhausted",
			ev:   eventbus.Event{Type: eventbus.TypeRecoveryExhausted, Data: orchestrator.ExhaustedEvent{TargetID: "t", Fallback: 20 * time.Minute}},
			want: "retrying every 20m0s",
		},
		{
			name: "target gone",
			ev:   eventbus.Event{Type: eventbus.TypeTargetGone, Data: orchestrator.TargetGoneEvent{TargetID: "t", Reason: "crashed"}},
			want: "target gone (crashed)",
		},
		{
			name: "cycle failure",
			ev:   eventbus.Event{Type: eventbus.TypeCycleFailure, Data: orchestrator.CycleEvent{TargetID: "t", Error: "no control"}},
			want: "cycle failed: no control",
		},
		{
			name: "daemon ready",
			ev:   eventbus.Event{Type: eventbus.TypeDaemonReady},
			want: "clickd ready",
		},
		{
			name: "unknown type",
			ev:   eventbus.Event{Type: "config.published"},
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := formatEvent(tt.ev)
			if tt.want == "" {
				if got != "" {
					t.Fatalf("formatEvent = %q, want empty", got)
				}
				return
			}
			if !strings.Contains(got, tt.want) {
				t.Fatalf("formatEvent = %q, want substring %q", got, tt.want)
			}
		})
	}
}

func TestEventFilterDefaults(t *testing.T) {
	t.Parallel()
	f := eventFilter(nil)
	for _, typ := range defaultEvents {
		if !f[typ] {
			t.Fatalf("default filter missing %s", typ)
		}
	}
	if f[eventbus.TypeCycleSuccess] || f[eventbus.TypeCycleFailure] {
		t.Fatal("cycle outcomes must be opt-in")
	}

	f = eventFilter([]string{eventbus.TypeCycleFailure})
	if !f[eventbus.TypeCycleFailure] || f[eventbus.TypeCircuitOpen] {
		t.Fatal("override must replace the default set")
	}
}
