package app

import (
	"fmt"
	"strings"
	"time"

	"clickd/internal/alarm"
	"clickd/internal/breaker"
	"clickd/internal/browser"
	"clickd/internal/ctl"
	"clickd/internal/health"
	"clickd/internal/notifier"
	"clickd/internal/observability/pprof"
	"clickd/internal/orchestrator"
	"clickd/internal/recovery"
	"clickd/internal/storage"
	logx "clickd/pkg/logx"
)

// defaultStatePath is where the file driver keeps its snapshot/journal
// pair when storage.path is omitted.
const defaultStatePath = "./clickd.state"

func mapStorageConfig(cfg *Config) (storage.Config, error) {
	sc := storage.Config{}
	if cfg != nil {
		sc.Driver = strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
		sc.Path = strings.TrimSpace(cfg.Storage.Path)
	}
	switch sc.Driver {
	case "", "file":
		sc.Driver = "file"
		if sc.Path == "" {
			sc.Path = defaultStatePath
		}
	case "sqlite", "sqlite3":
		if sc.Path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := parseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		sc.BusyTimeout = busy
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", cfg.Storage.Driver)
	}
	return sc, nil
}

func mapBrowserConfig(cfg *Config) (browser.Config, error) {
	if cfg == nil {
		return browser.Config{}, nil
	}
	connect, err := parseDurationOrDefault("browser.connect_timeout", cfg.Browser.ConnectTimeout, 0)
	if err != nil {
		return browser.Config{}, err
	}
	eval, err := parseDurationOrDefault("browser.eval_timeout", cfg.Browser.EvalTimeout, 0)
	if err != nil {
		return browser.Config{}, err
	}
	listTTL, err := parseDurationOrDefault("browser.list_cache_ttl", cfg.Browser.ListCacheTTL, 0)
	if err != nil {
		return browser.Config{}, err
	}
	return browser.Config{
		DebugURL:       cfg.Browser.DebugURL,
		Selector:       cfg.Browser.Selector,
		ConnectTimeout: connect,
		EvalTimeout:    eval,
		ListCacheTTL:   listTTL,
	}, nil
}

// targetDefs is the browser's view of the configured targets.
func targetDefs(cfg *Config) []browser.TargetDef {
	if cfg == nil {
		return nil
	}
	defs := make([]browser.TargetDef, 0, len(cfg.Targets))
	for _, t := range cfg.Targets {
		defs = append(defs, browser.TargetDef{
			ID:       t.ID,
			Match:    t.Match,
			Selector: t.Selector,
			Paused:   t.Paused,
		})
	}
	return defs
}

// timingConfig groups the scheduling-core configs derived from the
// scheduler section. Zero values fall through to component defaults.
type timingConfig struct {
	Alarm    alarm.Config
	Orch     orchestrator.Config
	Recovery recovery.Config
	Breaker  breaker.Config
}

func mapTimingConfig(cfg *Config) (timingConfig, error) {
	var tc timingConfig
	if cfg == nil {
		return tc, nil
	}
	s := cfg.Scheduler

	gran, err := parseDurationOrDefault("scheduler.min_granularity", s.MinGranularity, 0)
	if err != nil {
		return tc, err
	}
	tc.Alarm = alarm.Config{MinGranularity: gran}

	early, err := parseDurationOrDefault("scheduler.early_fire_threshold", s.EarlyFireThreshold, 0)
	if err != nil {
		return tc, err
	}
	fallback, err := parseDurationOrDefault("scheduler.fallback_interval", s.FallbackInterval, 0)
	if err != nil {
		return tc, err
	}
	emergency, err := parseDurationOrDefault("scheduler.emergency_interval", s.EmergencyInterval, 0)
	if err != nil {
		return tc, err
	}
	retries, err := parseDurationList("scheduler.retry_backoff", s.RetryBackoff, nil)
	if err != nil {
		return tc, err
	}
	ready, err := parseDurationOrDefault("scheduler.ready_timeout", s.ReadyTimeout, 0)
	if err != nil {
		return tc, err
	}
	invoke, err := parseDurationOrDefault("scheduler.invoke_timeout", s.InvokeTimeout, 0)
	if err != nil {
		return tc, err
	}
	tc.Orch = orchestrator.Config{
		EarlyFireThreshold: early,
		FallbackInterval:   fallback,
		EmergencyInterval:  emergency,
		RetrySchedule:      retries,
		ReadyTimeout:       ready,
		InvokeTimeout:      invoke,
		InstallRetries:     s.InstallRetries,
		InvokeRatePerSec:   s.InvokeRatePerSec,
	}

	tc.Recovery = recovery.Config{MaxAttempts: s.MaxRecoveryAttempts}

	cool, err := parseDurationOrDefault("scheduler.breaker_cool_down", s.BreakerCoolDown, 0)
	if err != nil {
		return tc, err
	}
	tc.Breaker = breaker.Config{MaxFailures: s.BreakerMaxFailures, CoolDown: cool}

	return tc, nil
}

func mapHealthConfig(cfg *Config) (health.Config, error) {
	if cfg == nil {
		return health.Config{}, nil
	}
	period, err := parseDurationOrDefault("health.period", cfg.Health.Period, 0)
	if err != nil {
		return health.Config{}, err
	}
	heartbeat, err := parseDurationOrDefault("health.heartbeat", cfg.Health.Heartbeat, 0)
	if err != nil {
		return health.Config{}, err
	}
	return health.Config{Period: period, Heartbeat: heartbeat}, nil
}

func mapCtlConfig(cfg *Config) ctl.Config {
	if cfg == nil {
		return ctl.Config{}
	}
	return ctl.Config{
		Enabled:       cfg.Control.Enabled,
		Addr:          cfg.Control.Addr,
		Token:         cfg.Control.Token,
		AllowInsecure: cfg.Control.AllowInsecure,
	}
}

func mapNotifierConfig(cfg *Config) (notifier.Config, error) {
	if cfg == nil || cfg.Notifier == nil {
		return notifier.Config{}, nil
	}
	n := cfg.Notifier

	retryMax := n.RetryMax
	if retryMax < 0 {
		retryMax = 0
	} else if retryMax == 0 {
		retryMax = 3
	}

	retryBase, err := parseDurationOrDefault("notifier.retry_base", n.RetryBase, 0)
	if err != nil {
		return notifier.Config{}, err
	}
	retryMaxDelay, err := parseDurationOrDefault("notifier.retry_max_delay", n.RetryMaxDelay, 0)
	if err != nil {
		return notifier.Config{}, err
	}
	dedup, err := parseDurationOrDefault("notifier.dedup_window", n.DedupWindow, 5*time.Minute)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:       n.Enabled,
		ChatID:        n.ChatID,
		QueueSize:     n.QueueSize,
		RatePerSec:    n.RatePerSec,
		RetryMax:      retryMax,
		RetryBase:     retryBase,
		RetryMaxDelay: retryMaxDelay,
		DedupWindow:   dedup,
		Events:        n.Events,
	}, nil
}

func mapPprofConfig(cfg *Config) (pprof.Config, error) {
	if cfg == nil {
		return pprof.Config{}, nil
	}
	p := cfg.Pprof
	read, err := parseDurationOrDefault("pprof.read_timeout", p.ReadTimeout, 0)
	if err != nil {
		return pprof.Config{}, err
	}
	write, err := parseDurationOrDefault("pprof.write_timeout", p.WriteTimeout, 0)
	if err != nil {
		return pprof.Config{}, err
	}
	idle, err := parseDurationOrDefault("pprof.idle_timeout", p.IdleTimeout, 0)
	if err != nil {
		return pprof.Config{}, err
	}
	return pprof.Config{
		Enabled:              p.Enabled,
		Addr:                 p.Addr,
		Prefix:               p.Prefix,
		Token:                p.Token,
		AllowInsecure:        p.AllowInsecure,
		ReadTimeout:          read,
		WriteTimeout:         write,
		IdleTimeout:          idle,
		MutexProfileFraction: p.MutexProfileFraction,
		BlockProfileRate:     p.BlockProfileRate,
		MemProfileRate:       p.MemProfileRate,
	}, nil
}

func mapLoggingConfig(cfg *Config) logx.Config {
	if cfg == nil {
		return logx.Config{}
	}
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Ring: logx.RingConfig{
			Enabled: cfg.Logging.Ring.Enabled,
			Size:    cfg.Logging.Ring.Size,
		},
	}
}
