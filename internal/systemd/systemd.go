// Package systemd integrates with the service manager when clickd runs
// under it: readiness and stopping notifications plus the watchdog
// keep-alive. Outside systemd (no NOTIFY_SOCKET) everything degrades to
// a no-op.
package systemd

import (
	"context"
	"time"

	sdaemon "github.com/coreos/go-systemd/v22/daemon"

	rtsup "clickd/internal/runtime/supervisor"
	logx "clickd/pkg/logx"
)

type Notifier struct {
	log      logx.Logger
	notify   func(unsetEnv bool, state string) (bool, error)
	watchdog func() (time.Duration, error)
}

type Option func(*Notifier)

// WithNotify overrides the sd_notify call. Tests only.
func WithNotify(fn func(unsetEnv bool, state string) (bool, error)) Option {
	return func(n *Notifier) {
		if fn != nil {
			n.notify = fn
		}
	}
}

// WithWatchdogCheck overrides the WatchdogSec lookup. Tests only.
func WithWatchdogCheck(fn func() (time.Duration, error)) Option {
	return func(n *Notifier) {
		if fn != nil {
			n.watchdog = fn
		}
	}
}

func New(log logx.Logger, opts ...Option) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	n := &Notifier{
		log:    log.With(logx.String("comp", "systemd")),
		notify: sdaemon.SdNotify,
		watchdog: func() (time.Duration, error) {
			return sdaemon.SdWatchdogEnabled(false)
		},
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Ready reports startup completion (Type=notify units hold dependents
// until this arrives).
func (n *Notifier) Ready() {
	sent, err := n.notify(false, sdaemon.SdNotifyReady)
	if err != nil {
		n.log.Warn("sd_notify READY failed", logx.Err(err))
		return
	}
	if sent {
		n.log.Debug("sd_notify READY sent")
	}
}

// Stopping reports the beginning of shutdown.
func (n *Notifier) Stopping() {
	if _, err := n.notify(false, sdaemon.SdNotifyStopping); err != nil {
		n.log.Warn("sd_notify STOPPING failed", logx.Err(err))
	}
}

// StartWatchdog arranges keep-alive pings at half the WatchdogSec
// interval. No-op when the watchdog is not armed for this process.
func (n *Notifier) StartWatchdog(sup *rtsup.Supervisor) {
	if sup == nil {
		return
	}
	interval, err := n.watchdog()
	if err != nil {
		n.log.Warn("watchdog check failed", logx.Err(err))
		return
	}
	if interval <= 0 {
		n.log.Debug("watchdog not armed")
		return
	}

	period := interval / 2
	sup.Go0("systemd.watchdog", func(ctx context.Context) {
		t := time.NewTicker(period)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if _, err := n.notify(false, sdaemon.SdNotifyWatchdog); err != nil {
					n.log.Warn("watchdog ping failed", logx.Err(err))
				}
			}
		}
	})
	n.log.Info("watchdog keep-alive started", logx.Duration("period", period))
}
