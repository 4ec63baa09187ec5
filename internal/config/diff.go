package config

import (
	"reflect"
	"sort"
	"strings"

	logx "clickd/pkg/logx"
)

// TargetDiff captures per-target changes between two configs. The app
// uses it to reconcile timers after a reload: added targets get started,
// removed ones stopped, changed ones rescheduled, pause flips applied.
type TargetDiff struct {
	Added   []string
	Removed []string
	Changed []string // same id, different match/selector/interval
	Paused  []string // paused flag flipped on
	Resumed []string // paused flag flipped off
}

func (d TargetDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0 &&
		len(d.Paused) == 0 && len(d.Resumed) == 0
}

// DiffTargets compares two target lists by id.
func DiffTargets(oldList, newList []TargetConfig) TargetDiff {
	oldByID := make(map[string]TargetConfig, len(oldList))
	for _, t := range oldList {
		oldByID[t.ID] = t
	}
	newByID := make(map[string]TargetConfig, len(newList))
	for _, t := range newList {
		newByID[t.ID] = t
	}

	var d TargetDiff
	for id, n := range newByID {
		o, ok := oldByID[id]
		if !ok {
			d.Added = append(d.Added, id)
			continue
		}
		if strings.TrimSpace(o.Match) != strings.TrimSpace(n.Match) ||
			strings.TrimSpace(o.Selector) != strings.TrimSpace(n.Selector) ||
			strings.TrimSpace(o.Interval) != strings.TrimSpace(n.Interval) {
			d.Changed = append(d.Changed, id)
		}
		if !o.Paused && n.Paused {
			d.Paused = append(d.Paused, id)
		}
		if o.Paused && !n.Paused {
			d.Resumed = append(d.Resumed, id)
		}
	}
	for id := range oldByID {
		if _, ok := newByID[id]; !ok {
			d.Removed = append(d.Removed, id)
		}
	}

	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	sort.Strings(d.Changed)
	sort.Strings(d.Paused)
	sort.Strings(d.Resumed)
	return d
}

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like tokens),
// and (3) the per-target diff so the app can reconcile timers.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, TargetDiff) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	// Logging
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.ring_enabled", newCfg.Logging.Ring.Enabled),
		)
	}

	// Storage
	if strings.TrimSpace(oldCfg.Storage.Driver) != strings.TrimSpace(newCfg.Storage.Driver) ||
		strings.TrimSpace(oldCfg.Storage.Path) != strings.TrimSpace(newCfg.Storage.Path) ||
		strings.TrimSpace(oldCfg.Storage.BusyTimeout) != strings.TrimSpace(newCfg.Storage.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(newCfg.Storage.BusyTimeout)),
		)
	}

	// Browser
	if !reflect.DeepEqual(oldCfg.Browser, newCfg.Browser) {
		changed = append(changed, "browser")
		attrs = append(attrs,
			logx.String("browser.debug_url", strings.TrimSpace(newCfg.Browser.DebugURL)),
			logx.Bool("browser.selector_set", strings.TrimSpace(newCfg.Browser.Selector) != ""),
			logx.String("browser.connect_timeout", strings.TrimSpace(newCfg.Browser.ConnectTimeout)),
		)
	}

	// Scheduler (timing knobs; per-target cadences live under targets)
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.default_interval", strings.TrimSpace(newCfg.Scheduler.DefaultInterval)),
			logx.Int("scheduler.retry_backoff_len", len(newCfg.Scheduler.RetryBackoff)),
			logx.Int("scheduler.breaker_max_failures", newCfg.Scheduler.BreakerMaxFailures),
			logx.String("scheduler.fallback_interval", strings.TrimSpace(newCfg.Scheduler.FallbackInterval)),
		)
	}

	// Health
	if !reflect.DeepEqual(oldCfg.Health, newCfg.Health) {
		changed = append(changed, "health")
		attrs = append(attrs,
			logx.String("health.period", strings.TrimSpace(newCfg.Health.Period)),
			logx.String("health.heartbeat", strings.TrimSpace(newCfg.Health.Heartbeat)),
		)
	}

	// Control plane (never log token)
	if oldCfg.Control.Enabled != newCfg.Control.Enabled ||
		strings.TrimSpace(oldCfg.Control.Addr) != strings.TrimSpace(newCfg.Control.Addr) ||
		oldCfg.Control.AllowInsecure != newCfg.Control.AllowInsecure ||
		(strings.TrimSpace(oldCfg.Control.Token) != "") != (strings.TrimSpace(newCfg.Control.Token) != "") {
		changed = append(changed, "control")
		attrs = append(attrs,
			logx.Bool("control.enabled", newCfg.Control.Enabled),
			logx.String("control.addr", strings.TrimSpace(newCfg.Control.Addr)),
			logx.Bool("control.token_set", strings.TrimSpace(newCfg.Control.Token) != ""),
			logx.Bool("control.allow_insecure", newCfg.Control.AllowInsecure),
		)
	}

	// Notifier (never log token)
	// Note: section may be nil (omitted). Treat nil as disabled.
	oldN := oldCfg.Notifier
	newN := newCfg.Notifier
	if oldN == nil {
		oldN = &NotifierConfig{}
	}
	if newN == nil {
		newN = &NotifierConfig{}
	}
	if oldN.Enabled != newN.Enabled ||
		oldN.ChatID != newN.ChatID ||
		(strings.TrimSpace(oldN.Token) != "") != (strings.TrimSpace(newN.Token) != "") ||
		oldN.QueueSize != newN.QueueSize ||
		oldN.RatePerSec != newN.RatePerSec ||
		oldN.RetryMax != newN.RetryMax ||
		strings.TrimSpace(oldN.RetryBase) != strings.TrimSpace(newN.RetryBase) ||
		strings.TrimSpace(oldN.RetryMaxDelay) != strings.TrimSpace(newN.RetryMaxDelay) ||
		strings.TrimSpace(oldN.DedupWindow) != strings.TrimSpace(newN.DedupWindow) ||
		!reflect.DeepEqual(oldN.Events, newN.Events) {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newN.Enabled),
			logx.Bool("notifier.chat_id_set", newN.ChatID != 0),
			logx.Int("notifier.queue_size", newN.QueueSize),
			logx.Int("notifier.rate_per_sec", newN.RatePerSec),
			logx.Int("notifier.events_len", len(newN.Events)),
		)
	}

	// Pprof (never log token)
	if oldCfg.Pprof.Enabled != newCfg.Pprof.Enabled ||
		strings.TrimSpace(oldCfg.Pprof.Addr) != strings.TrimSpace(newCfg.Pprof.Addr) ||
		strings.TrimSpace(oldCfg.Pprof.Prefix) != strings.TrimSpace(newCfg.Pprof.Prefix) ||
		oldCfg.Pprof.AllowInsecure != newCfg.Pprof.AllowInsecure ||
		strings.TrimSpace(oldCfg.Pprof.ReadTimeout) != strings.TrimSpace(newCfg.Pprof.ReadTimeout) ||
		strings.TrimSpace(oldCfg.Pprof.WriteTimeout) != strings.TrimSpace(newCfg.Pprof.WriteTimeout) ||
		strings.TrimSpace(oldCfg.Pprof.IdleTimeout) != strings.TrimSpace(newCfg.Pprof.IdleTimeout) ||
		oldCfg.Pprof.MutexProfileFraction != newCfg.Pprof.MutexProfileFraction ||
		oldCfg.Pprof.BlockProfileRate != newCfg.Pprof.BlockProfileRate ||
		oldCfg.Pprof.MemProfileRate != newCfg.Pprof.MemProfileRate ||
		(strings.TrimSpace(oldCfg.Pprof.Token) != "") != (strings.TrimSpace(newCfg.Pprof.Token) != "") {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(newCfg.Pprof.Addr)),
			logx.Bool("pprof.token_set", strings.TrimSpace(newCfg.Pprof.Token) != ""),
			logx.Bool("pprof.allow_insecure", newCfg.Pprof.AllowInsecure),
		)
	}

	// Global pause
	if oldCfg.Pause != newCfg.Pause {
		changed = append(changed, "pause")
		attrs = append(attrs, logx.Bool("pause", newCfg.Pause))
	}

	// Targets (summarize only; details at debug)
	diff := DiffTargets(oldCfg.Targets, newCfg.Targets)
	if !diff.Empty() {
		changed = append(changed, "targets")
		attrs = append(attrs,
			logx.Int("targets.added", len(diff.Added)),
			logx.Int("targets.removed", len(diff.Removed)),
			logx.Int("targets.changed", len(diff.Changed)),
			logx.Int("targets.paused", len(diff.Paused)),
			logx.Int("targets.resumed", len(diff.Resumed)),
			logx.Int("targets.total", len(newCfg.Targets)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, diff
}
