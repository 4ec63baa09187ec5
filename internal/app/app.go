package app

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"

	"clickd/internal/alarm"
	"clickd/internal/breaker"
	"clickd/internal/browser"
	"clickd/internal/ctl"
	"clickd/internal/eventbus"
	"clickd/internal/health"
	"clickd/internal/notifier"
	"clickd/internal/observability/pprof"
	"clickd/internal/orchestrator"
	"clickd/internal/recovery"
	"clickd/internal/sched"
	"clickd/internal/storage"
	"clickd/internal/systemd"
	logx "clickd/pkg/logx"
)

// Version is stamped via -ldflags at release build time.
var Version = "dev"

type App struct {
	cfgPath string

	cfgm *ConfigManager
	sup  *Supervisor

	// base is the untagged root logger; components that tag their own
	// comp field get it as-is.
	base logx.Logger
	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   storage.Store
	browser *browser.Client
	alarms  *alarm.Runtime
	sched   *sched.Service
	orch    *orchestrator.Orchestrator
	brk     *breaker.Breaker
	rec     *recovery.Engine
	health  *health.Service
	ctl     *ctl.Service
	notif   *notifier.Service
	pprof   *pprof.Service
	sd      *systemd.Notifier

	settings *configSettings
	ctlDeps  ctl.Deps

	startedAt time.Time
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	// The manager's validator only guards reloads; a broken boot config
	// must fail here, before anything opens files or sockets.
	if err := ValidateConfig(context.Background(), cfg); err != nil {
		return nil, err
	}

	logSvc, base := logx.New(mapLoggingConfig(cfg))
	log := base.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, base.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage ready", logx.String("driver", sc.Driver))

	bc, err := mapBrowserConfig(cfg)
	if err != nil {
		return nil, err
	}
	bcli := browser.New(bc, base)
	bcli.Apply(bc, targetDefs(cfg))

	settings := &configSettings{cfgm: cfgm}

	tc, err := mapTimingConfig(cfg)
	if err != nil {
		return nil, err
	}
	brk := breaker.New(tc.Breaker)
	rec := recovery.New(tc.Recovery, bcli.Registry(), bcli.Capability(), base)

	// The alarm sink and the scheduler reference each other; the closure
	// resolves on first fire, long after both are built.
	var schedSvc *sched.Service
	alarms := alarm.New(tc.Alarm, func(name string) { schedSvc.Dispatch(name) },
		base.With(logx.String("comp", "alarm")))
	schedSvc = sched.New(sched.Config{}, store, alarms, base, bus)

	orch := orchestrator.New(tc.Orch, schedSvc, bcli.Registry(), bcli.Capability(),
		settings, brk, rec, base, bus)
	schedSvc.SetHandler(func(ctx context.Context, targetID string) {
		orch.HandleExpiration(ctx, targetID)
	})

	hcfg, err := mapHealthConfig(cfg)
	if err != nil {
		return nil, err
	}
	healthSvc := health.New(hcfg, schedSvc, base)

	now := time.Now()
	deps := ctl.Deps{
		Core:      schedSvc,
		Logs:      logSvc,
		Breaker:   brk,
		Recovery:  rec,
		Health:    healthSvc,
		InFlight:  orch.InFlight,
		Targets:   settings.targetInfos,
		Paused:    settings.GlobalPause,
		Version:   Version,
		StartedAt: now,
	}
	ctlSvc := ctl.New(mapCtlConfig(cfg), deps, base)

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	// Build the sender whenever a token is present, even while disabled,
	// so an enable flip on reload works without a restart.
	var sender notifier.Sender
	if cfg.Notifier != nil && strings.TrimSpace(cfg.Notifier.Token) != "" {
		ts, err := notifier.NewTelegramSender(cfg.Notifier.Token)
		if err != nil {
			log.Warn("telegram sender unavailable; notifications disabled", logx.Err(err))
		} else {
			sender = ts
		}
	}
	notifSvc := notifier.New(ncfg, sender, base, bus)

	ppc, err := mapPprofConfig(cfg)
	if err != nil {
		return nil, err
	}
	pprofSvc := pprof.New(ppc, base.With(logx.String("comp", "pprof")))

	return &App{
		cfgPath:   cfgPath,
		cfgm:      cfgm,
		base:      base,
		log:       log,
		logs:      logSvc,
		bus:       bus,
		store:     store,
		browser:   bcli,
		alarms:    alarms,
		sched:     schedSvc,
		orch:      orch,
		brk:       brk,
		rec:       rec,
		health:    healthSvc,
		ctl:       ctlSvc,
		notif:     notifSvc,
		pprof:     pprofSvc,
		sd:        systemd.New(base),
		settings:  settings,
		ctlDeps:   deps,
		startedAt: now,
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.base.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(ValidateConfig)

	runCtx := a.sup.Context()

	a.sched.Start(runCtx)
	a.sup.GoRestart("alarm.run", a.alarms.Run)

	// Restore before reconcile so a survivor record wins over the config
	// default for the same target.
	if err := a.sched.RestoreState(runCtx); err != nil {
		a.log.Warn("restoring timer state failed; starting empty", logx.Err(err))
	}
	a.reconcileBoot(runCtx, a.cfgm.Get())

	if err := a.health.Start(runCtx); err != nil {
		return err
	}
	if err := a.ctl.Start(runCtx); err != nil {
		return err
	}
	if a.notif != nil && a.notif.Enabled() {
		a.notif.Start(runCtx)
	}
	if a.pprof != nil {
		a.pprof.SetStats(a.sup.StatsSnapshot)
		if a.pprof.Enabled() {
			a.pprof.Start(runCtx)
		}
	}

	// Optional: log events for observability/debug (components can also subscribe themselves).
	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					// Keep this debug-level; cycle events fire constantly.
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		// Track last applied config to generate a safe diff summary for logx.
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyReload(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.sd.Ready()
	a.sd.StartWatchdog(a.sup)
	a.bus.Publish(eventbus.Event{Type: eventbus.TypeDaemonReady})

	a.log.Info("app started", logx.String("version", Version))
	return nil
}

// applyReload pushes one committed config into the running services.
// It runs on the config.reload goroutine; service Apply methods take
// their own locks.
func (a *App) applyReload(ctx context.Context, oldCfg, newCfg *Config) {
	sections, attrs, diff := SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) > 0 {
		fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
		a.log.Debug("config change summary", fields...)
	} else {
		a.log.Debug("config reload received, but no effective changes detected")
	}

	for _, s := range sections {
		if s == "storage" {
			a.log.Warn("storage config changed; restart required for changes to take effect")
			break
		}
	}
	if schedulerTuningChanged(oldCfg, newCfg) {
		a.log.Warn("scheduler tuning changed; restart required for changes to take effect")
	}
	if oldCfg != nil && newCfg != nil && oldCfg.Health != newCfg.Health {
		a.log.Warn("health config changed; restart required for changes to take effect")
	}

	// apply logging updates first so everything below logs at the new level
	a.logs.Apply(mapLoggingConfig(newCfg))

	// browser endpoint + per-target definitions (live)
	if bc, err := mapBrowserConfig(newCfg); err != nil {
		a.log.Warn("invalid browser config; keeping previous", logx.Err(err))
	} else {
		a.browser.Apply(bc, targetDefs(newCfg))
	}

	// The control listener cannot rebind in place; tear down and rebuild
	// when its section changes.
	if controlChanged(oldCfg, newCfg) {
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.ctl.Stop(stopCtx)
		cancel()
		a.ctl = ctl.New(mapCtlConfig(newCfg), a.ctlDeps, a.base)
		if err := a.ctl.Start(ctx); err != nil {
			a.log.Error("restarting control plane failed", logx.Err(err))
		}
	}

	// apply notifier updates (live)
	if a.notif != nil {
		prevEnabled := a.notif.Enabled()
		ncfg, err := mapNotifierConfig(newCfg)
		if err != nil {
			a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
		} else {
			if notifierTokenChanged(oldCfg, newCfg) {
				a.log.Warn("notifier token changed; restart required for changes to take effect")
			}
			a.notif.Apply(ncfg)
			if prevEnabled && !ncfg.Enabled {
				a.log.Info("notifier disabled via config")
				stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				a.notif.Stop(stopCtx)
				cancel()
			} else if !prevEnabled && ncfg.Enabled {
				a.log.Info("notifier enabled via config")
				a.notif.Start(ctx)
			}
		}
	}

	// apply pprof updates (live)
	if a.pprof != nil {
		if ppc, err := mapPprofConfig(newCfg); err != nil {
			a.log.Warn("invalid pprof config; keeping previous", logx.Err(err))
		} else {
			a.pprof.Reconfigure(ctx, ppc)
		}
	}

	a.reconcileDiff(ctx, newCfg, diff)

	// A lifted global pause leaves overdue records waiting for the next
	// reconciliation pass; run one now so they fire immediately.
	if oldCfg != nil && newCfg != nil && oldCfg.Pause && !newCfg.Pause {
		a.log.Info("global pause lifted")
		a.health.RunOnce(ctx)
	}

	// Keep the final log line concise and human-friendly (details are in debug logs).
	if len(sections) > 0 {
		fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
		a.log.Info("config reloaded", fields...)
	} else {
		a.log.Info("config reloaded (no changes)")
	}
}

// schedulerTuningChanged reports a change to any scheduler knob other
// than default_interval, which reconcileDiff handles live. The rest are
// baked into components at construction.
func schedulerTuningChanged(oldCfg, newCfg *Config) bool {
	if oldCfg == nil || newCfg == nil {
		return false
	}
	o, n := oldCfg.Scheduler, newCfg.Scheduler
	o.DefaultInterval, n.DefaultInterval = "", ""
	return !reflect.DeepEqual(o, n)
}

func controlChanged(oldCfg, newCfg *Config) bool {
	if oldCfg == nil || newCfg == nil {
		return false
	}
	return oldCfg.Control != newCfg.Control
}

// notifierTokenChanged reports a token swap. The sender is built once at
// boot; Apply cannot replace it. Never log the token itself.
func notifierTokenChanged(oldCfg, newCfg *Config) bool {
	if oldCfg == nil || newCfg == nil || oldCfg.Notifier == nil || newCfg.Notifier == nil {
		return false
	}
	return strings.TrimSpace(oldCfg.Notifier.Token) != strings.TrimSpace(newCfg.Notifier.Token)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	a.bus.Publish(eventbus.Event{Type: eventbus.TypeDaemonStopping})
	a.sd.Stopping()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.String("err", err.Error()))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// Contract: fn MUST honor stepCtx and return promptly. If it doesn't, log a leak signal.
			elapsed := time.Since(start)
			a.log.Warn(
				"stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.String("err", stepCtx.Err().Error()),
				logx.Duration("elapsed", elapsed),
			)
			// Leak logging: observe when/if the step eventually finishes.
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.String("err", err.Error()), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Drain the notifier before the run context dies so the stopping
	// alert actually goes out; its worker exits on context cancel.
	step("notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })

	a.sup.Cancel()

	step("health", 2*time.Second, func(c context.Context) error { a.health.Stop(c); return nil })
	step("ctl", 2*time.Second, func(c context.Context) error { a.ctl.Stop(c); return nil })
	step("pprof", 1*time.Second, func(c context.Context) error {
		if a.pprof != nil {
			a.pprof.Stop(c)
		}
		return nil
	})

	// sched last among the active services: it waits for in-flight
	// expirations and writes the final snapshot.
	step("sched", 5*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("storage", 1*time.Second, func(c context.Context) error { return a.store.Close() })

	// Finally, wait for supervised goroutines (alarm loop, config watch/reload, event tap).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
