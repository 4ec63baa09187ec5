package health

import (
	"context"
	"sync"
	"testing"
	"time"

	logx "clickd/pkg/logx"
)

type fakeCore struct {
	mu        sync.Mutex
	fired     int
	syncs     int
	persists  int
	ensures   int
	triggers  map[string]func(ctx context.Context)
	overdue   int
	cleared   int
	rearmed   int
	ensureErr error
}

var _ Core = (*fakeCore)(nil)

func newFakeCore() *fakeCore {
	return &fakeCore{triggers: map[string]func(ctx context.Context){}}
}

func (f *fakeCore) FireOverdue(ctx context.Context) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fired++
	return f.overdue
}

func (f *fakeCore) SyncWithHost(ctx context.Context) (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncs++
	return f.cleared, f.rearmed
}

func (f *fakeCore) PersistSnapshot(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.persists++
}

func (f *fakeCore) RegisterTrigger(name string, fn func(ctx context.Context)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggers[name] = fn
}

func (f *fakeCore) EnsureRepeating(name string, every time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensures++
	return f.ensureErr
}

func TestStartRegistersHeartbeat(t *testing.T) {
	t.Parallel()
	core := newFakeCore()
	svc := New(Config{}, core, logx.Nop())

	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer svc.Stop(context.Background())

	core.mu.Lock()
	fn := core.triggers[heartbeatTrigger]
	ensures := core.ensures
	core.mu.Unlock()
	if fn == nil {
		t.Fatal("heartbeat trigger not registered")
	}
	if ensures != 1 {
		t.Fatalf("ensures = %d, want 1", ensures)
	}
	// The handler only logs.
	fn(context.Background())

	// Second start is a no-op.
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	core.mu.Lock()
	ensures = core.ensures
	core.mu.Unlock()
	if ensures != 1 {
		t.Fatalf("ensures after second start = %d, want 1", ensures)
	}
}

func TestRunOnce(t *testing.T) {
	t.Parallel()
	core := newFakeCore()
	core.overdue = 2
	core.cleared = 1
	core.rearmed = 3
	svc := New(Config{}, core, logx.Nop())

	svc.RunOnce(context.Background())

	core.mu.Lock()
	defer core.mu.Unlock()
	if core.fired != 1 || core.syncs != 1 || core.persists != 1 || core.ensures != 1 {
		t.Fatalf("pass calls = fired:%d syncs:%d persists:%d ensures:%d, want one each",
			core.fired, core.syncs, core.persists, core.ensures)
	}

	st := svc.Snapshot()
	if st.Passes != 1 {
		t.Fatalf("Passes = %d, want 1", st.Passes)
	}
	if st.LastFired != 2 || st.LastCleared != 1 || st.LastRearmed != 3 {
		t.Fatalf("stats = %+v, want last pass counters recorded", st)
	}
	if st.LastPass.IsZero() {
		t.Fatal("LastPass not stamped")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	t.Parallel()
	core := newFakeCore()
	svc := New(Config{Period: time.Hour}, core, logx.Nop())

	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	svc.Stop(ctx)
	svc.Stop(ctx)
}
