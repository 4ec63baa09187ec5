package app

import (
	"context"
	"errors"

	"clickd/internal/sched"
	logx "clickd/pkg/logx"
)

// reconcileBoot lines the restored timer records up with the configured
// targets: configured targets without a record get a timer, configured
// pauses are enforced. Records whose target left the config are not
// touched here; the cycle path stops whatever it cannot resolve.
//
// A record paused by an operator stays paused even when the config says
// running: the config only forces the pause direction at boot. Resumes
// go through a reload diff or clickctl.
func (a *App) reconcileBoot(ctx context.Context, cfg *Config) {
	if cfg == nil {
		return
	}
	started, paused := 0, 0
	for _, t := range cfg.Targets {
		st := a.sched.Status(t.ID)
		if !st.Exists {
			if t.Paused {
				continue
			}
			if err := a.sched.StartTimer(ctx, t.ID, a.settings.Interval(t.ID)); err != nil {
				a.log.Warn("starting configured target failed",
					logx.String("target", t.ID), logx.Err(err))
				continue
			}
			started++
			continue
		}
		if t.Paused && !st.Paused {
			if err := a.sched.PauseTimer(ctx, t.ID); err != nil {
				a.log.Warn("pausing configured target failed",
					logx.String("target", t.ID), logx.Err(err))
				continue
			}
			paused++
		}
	}
	if started+paused > 0 {
		a.log.Info("targets reconciled",
			logx.Int("started", started), logx.Int("paused", paused))
	}
}

// reconcileDiff applies one reload's target changes to the timers.
func (a *App) reconcileDiff(ctx context.Context, newCfg *Config, diff TargetDiff) {
	if newCfg == nil || diff.Empty() {
		return
	}

	for _, id := range diff.Added {
		t, ok := newCfg.Target(id)
		if !ok || t.Paused {
			continue
		}
		if err := a.sched.StartTimer(ctx, id, a.settings.Interval(id)); err != nil {
			a.log.Warn("starting added target failed", logx.String("target", id), logx.Err(err))
		}
	}

	for _, id := range diff.Removed {
		if err := a.sched.StopTimer(ctx, id); err != nil && !errors.Is(err, sched.ErrNotFound) {
			a.log.Warn("stopping removed target failed", logx.String("target", id), logx.Err(err))
		}
	}

	for _, id := range diff.Changed {
		t, ok := newCfg.Target(id)
		if !ok {
			continue
		}
		st := a.sched.Status(id)
		if !st.Exists {
			if t.Paused {
				continue
			}
			if err := a.sched.StartTimer(ctx, id, a.settings.Interval(id)); err != nil {
				a.log.Warn("starting changed target failed", logx.String("target", id), logx.Err(err))
			}
			continue
		}
		want := a.settings.Interval(id)
		if st.Interval == want {
			// Match or selector edit; the browser picks those up on its own.
			continue
		}
		if st.RetryCount > 0 {
			// Mid-backoff. The record's interval is the retry delay right
			// now; the new cadence takes over after the next success.
			a.log.Debug("interval change deferred during retries",
				logx.String("target", id), logx.Int("retries", st.RetryCount))
			continue
		}
		if err := a.sched.ResetTimer(ctx, id, want); err != nil && !errors.Is(err, sched.ErrNotFound) {
			a.log.Warn("rescheduling changed target failed", logx.String("target", id), logx.Err(err))
		}
	}

	for _, id := range diff.Paused {
		if err := a.sched.PauseTimer(ctx, id); err != nil && !errors.Is(err, sched.ErrNotFound) {
			a.log.Warn("pausing target failed", logx.String("target", id), logx.Err(err))
		}
	}

	for _, id := range diff.Resumed {
		err := a.sched.ResumeTimer(ctx, id)
		switch {
		case err == nil:
		case errors.Is(err, sched.ErrNotFound):
			// Paused in config before any timer existed; start fresh.
			if err := a.sched.StartTimer(ctx, id, a.settings.Interval(id)); err != nil {
				a.log.Warn("starting resumed target failed", logx.String("target", id), logx.Err(err))
			}
		case errors.Is(err, sched.ErrNotPaused):
			// Already running.
		default:
			a.log.Warn("resuming target failed", logx.String("target", id), logx.Err(err))
		}
	}
}
