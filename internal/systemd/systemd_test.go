package systemd

import (
	"context"
	"sync"
	"testing"
	"time"

	sdaemon "github.com/coreos/go-systemd/v22/daemon"

	rtsup "clickd/internal/runtime/supervisor"
	logx "clickd/pkg/logx"
)

type notifyLog struct {
	mu     sync.Mutex
	states []string
	ch     chan string
}

func newNotifyLog() *notifyLog {
	return &notifyLog{ch: make(chan string, 64)}
}

func (l *notifyLog) notify(_ bool, state string) (bool, error) {
	l.mu.Lock()
	l.states = append(l.states, state)
	l.mu.Unlock()
	l.ch <- state
	return true, nil
}

func (l *notifyLog) waitFor(t *testing.T, state string, d time.Duration) {
	t.Helper()
	deadline := time.After(d)
	for {
		select {
		case got := <-l.ch:
			if got == state {
				return
			}
		case <-deadline:
			t.Fatalf("no %q notification within %v", state, d)
		}
	}
}

func (l *notifyLog) count(state string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, s := range l.states {
		if s == state {
			n++
		}
	}
	return n
}

func TestReadyAndStopping(t *testing.T) {
	nl := newNotifyLog()
	n := New(logx.Nop(), WithNotify(nl.notify))

	n.Ready()
	n.Stopping()

	nl.waitFor(t, sdaemon.SdNotifyReady, time.Second)
	nl.waitFor(t, sdaemon.SdNotifyStopping, time.Second)
}

func TestWatchdogPings(t *testing.T) {
	nl := newNotifyLog()
	n := New(logx.Nop(),
		WithNotify(nl.notify),
		WithWatchdogCheck(func() (time.Duration, error) { return 100 * time.Millisecond, nil }),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup := rtsup.NewSupervisor(ctx, rtsup.WithLogger(logx.Nop()))
	n.StartWatchdog(sup)

	// WatchdogSec 100ms pings every 50ms.
	nl.waitFor(t, sdaemon.SdNotifyWatchdog, time.Second)
	nl.waitFor(t, sdaemon.SdNotifyWatchdog, time.Second)

	sup.Cancel()
	wctx, wcancel := context.WithTimeout(context.Background(), time.Second)
	defer wcancel()
	_ = sup.Wait(wctx)
}

func TestWatchdogNotArmed(t *testing.T) {
	nl := newNotifyLog()
	n := New(logx.Nop(),
		WithNotify(nl.notify),
		WithWatchdogCheck(func() (time.Duration, error) { return 0, nil }),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup := rtsup.NewSupervisor(ctx, rtsup.WithLogger(logx.Nop()))
	n.StartWatchdog(sup)

	time.Sleep(30 * time.Millisecond)
	if c := nl.count(sdaemon.SdNotifyWatchdog); c != 0 {
		t.Fatalf("watchdog pings = %d, want 0 when not armed", c)
	}
}
