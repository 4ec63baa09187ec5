package alarm

import (
	"context"
	"sync"
	"testing"
	"time"

	logx "clickd/pkg/logx"
)

type fireLog struct {
	mu    sync.Mutex
	names []string
	ch    chan string
}

func newFireLog() *fireLog {
	return &fireLog{ch: make(chan string, 64)}
}

func (f *fireLog) sink(name string) {
	f.mu.Lock()
	f.names = append(f.names, name)
	f.mu.Unlock()
	f.ch <- name
}

func (f *fireLog) waitFor(t *testing.T, name string, d time.Duration) {
	t.Helper()
	deadline := time.After(d)
	for {
		select {
		case got := <-f.ch:
			if got == name {
				return
			}
		case <-deadline:
			t.Fatalf("no fire for %q within %v", name, d)
		}
	}
}

func TestSnapToGranularity(t *testing.T) {
	t.Parallel()
	r := New(Config{MinGranularity: time.Minute}, nil, logx.Nop())

	tests := []struct {
		in   time.Duration
		want time.Duration
	}{
		{in: 10 * time.Second, want: time.Minute},
		{in: time.Minute, want: time.Minute},
		{in: 90 * time.Second, want: time.Minute},
		{in: 150 * time.Second, want: 2 * time.Minute},
		{in: 10 * time.Minute, want: 10 * time.Minute},
	}
	for _, tt := range tests {
		if got := r.snap(tt.in); got != tt.want {
			t.Fatalf("snap(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestCreateGetClear(t *testing.T) {
	t.Parallel()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r := New(Config{MinGranularity: time.Minute}, nil, logx.Nop(),
		WithNow(func() time.Time { return base }))

	if err := r.Create("click:t1", 90*time.Second); err != nil {
		t.Fatalf("Create: %v", err)
	}
	e, ok := r.Get("click:t1")
	if !ok {
		t.Fatal("entry missing after Create")
	}
	if want := base.Add(time.Minute); !e.When.Equal(want) {
		t.Fatalf("When = %v, want %v (snapped down)", e.When, want)
	}

	// Create with the same name replaces.
	if err := r.Create("click:t1", 3*time.Minute); err != nil {
		t.Fatalf("Create replace: %v", err)
	}
	e, _ = r.Get("click:t1")
	if want := base.Add(3 * time.Minute); !e.When.Equal(want) {
		t.Fatalf("replaced When = %v, want %v", e.When, want)
	}

	if all := r.GetAll(); len(all) != 1 {
		t.Fatalf("GetAll len = %d, want 1", len(all))
	}
	if !r.Clear("click:t1") {
		t.Fatal("Clear reported missing entry")
	}
	if r.Clear("click:t1") {
		t.Fatal("second Clear should report false")
	}
	if err := r.Create("", time.Minute); err == nil {
		t.Fatal("empty name must be rejected")
	}
}

func TestRunFiresDueEntry(t *testing.T) {
	t.Parallel()
	fl := newFireLog()
	r := New(Config{MinGranularity: 10 * time.Millisecond}, fl.sink, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx)
	}()

	if err := r.Create("click:t1", 10*time.Millisecond); err != nil {
		t.Fatalf("Create: %v", err)
	}
	fl.waitFor(t, "click:t1", 2*time.Second)

	// One-shot entries disappear after firing.
	if _, ok := r.Get("click:t1"); ok {
		t.Fatal("one-shot entry still registered after fire")
	}

	cancel()
	<-done
}

func TestRunRepeatingFiresAgain(t *testing.T) {
	t.Parallel()
	fl := newFireLog()
	r := New(Config{MinGranularity: 10 * time.Millisecond}, fl.sink, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()

	if err := r.CreateRepeating("heartbeat", 10*time.Millisecond); err != nil {
		t.Fatalf("CreateRepeating: %v", err)
	}
	fl.waitFor(t, "heartbeat", 2*time.Second)
	fl.waitFor(t, "heartbeat", 2*time.Second)

	if _, ok := r.Get("heartbeat"); !ok {
		t.Fatal("repeating entry must stay registered")
	}
}

func TestClearedEntryDoesNotFire(t *testing.T) {
	t.Parallel()
	fl := newFireLog()
	r := New(Config{MinGranularity: 20 * time.Millisecond}, fl.sink, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()

	if err := r.Create("gone", 40*time.Millisecond); err != nil {
		t.Fatalf("Create: %v", err)
	}
	r.Clear("gone")

	select {
	case name := <-fl.ch:
		t.Fatalf("unexpected fire %q after Clear", name)
	case <-time.After(150 * time.Millisecond):
	}
}
