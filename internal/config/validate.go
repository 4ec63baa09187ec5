package config

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// Levels the logx root understands; anything else would silently fall
// back to info, so reject it here instead.
var validLogLevels = map[string]bool{
	"":        true,
	"trace":   true,
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

var validDrivers = map[string]bool{
	"":       true,
	"file":   true,
	"sqlite": true,
}

// Validate checks a parsed config for problems a strict decode cannot
// catch: bad durations, unknown enum values, duplicate targets. It is
// installed as the Manager's validator so broken edits never commit.
func Validate(ctx context.Context, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	_ = ctx

	if !validLogLevels[strings.ToLower(strings.TrimSpace(cfg.Logging.Level))] {
		return fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level)
	}
	if cfg.Logging.Ring.Size < 0 {
		return fmt.Errorf("logging.ring.size: must be >= 0")
	}

	if !validDrivers[strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))] {
		return fmt.Errorf("storage.driver: unknown driver %q (want file or sqlite)", cfg.Storage.Driver)
	}
	if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		return err
	}

	if u := strings.TrimSpace(cfg.Browser.DebugURL); u != "" {
		parsed, err := url.Parse(u)
		if err != nil {
			return fmt.Errorf("browser.debug_url: %w", err)
		}
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			return fmt.Errorf("browser.debug_url: scheme must be http or https, got %q", parsed.Scheme)
		}
		if parsed.Host == "" {
			return fmt.Errorf("browser.debug_url: missing host")
		}
	}
	for _, f := range []struct{ path, raw string }{
		{"browser.connect_timeout", cfg.Browser.ConnectTimeout},
		{"browser.eval_timeout", cfg.Browser.EvalTimeout},
		{"browser.list_cache_ttl", cfg.Browser.ListCacheTTL},
		{"scheduler.default_interval", cfg.Scheduler.DefaultInterval},
		{"scheduler.min_granularity", cfg.Scheduler.MinGranularity},
		{"scheduler.early_fire_threshold", cfg.Scheduler.EarlyFireThreshold},
		{"scheduler.fallback_interval", cfg.Scheduler.FallbackInterval},
		{"scheduler.emergency_interval", cfg.Scheduler.EmergencyInterval},
		{"scheduler.breaker_cool_down", cfg.Scheduler.BreakerCoolDown},
		{"scheduler.ready_timeout", cfg.Scheduler.ReadyTimeout},
		{"scheduler.invoke_timeout", cfg.Scheduler.InvokeTimeout},
		{"health.period", cfg.Health.Period},
		{"health.heartbeat", cfg.Health.Heartbeat},
		{"pprof.read_timeout", cfg.Pprof.ReadTimeout},
		{"pprof.write_timeout", cfg.Pprof.WriteTimeout},
		{"pprof.idle_timeout", cfg.Pprof.IdleTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	if _, err := ParseDurationList("scheduler.retry_backoff", cfg.Scheduler.RetryBackoff, nil); err != nil {
		return err
	}
	if cfg.Scheduler.MaxRecoveryAttempts < 0 {
		return fmt.Errorf("scheduler.max_recovery_attempts: must be >= 0")
	}
	if cfg.Scheduler.BreakerMaxFailures < 0 {
		return fmt.Errorf("scheduler.breaker_max_failures: must be >= 0")
	}
	if cfg.Scheduler.InstallRetries < 0 {
		return fmt.Errorf("scheduler.install_retries: must be >= 0")
	}
	if cfg.Scheduler.InvokeRatePerSec < 0 {
		return fmt.Errorf("scheduler.invoke_rate_per_sec: must be >= 0")
	}

	if n := cfg.Notifier; n != nil && n.Enabled {
		if strings.TrimSpace(n.Token) == "" {
			return fmt.Errorf("notifier.token: required when notifier is enabled")
		}
		if n.ChatID == 0 {
			return fmt.Errorf("notifier.chat_id: required when notifier is enabled")
		}
		if n.QueueSize < 0 {
			return fmt.Errorf("notifier.queue_size: must be >= 0")
		}
		if n.RatePerSec < 0 {
			return fmt.Errorf("notifier.rate_per_sec: must be >= 0")
		}
		if n.RetryMax < 0 {
			return fmt.Errorf("notifier.retry_max: must be >= 0")
		}
		for _, f := range []struct{ path, raw string }{
			{"notifier.retry_base", n.RetryBase},
			{"notifier.retry_max_delay", n.RetryMaxDelay},
			{"notifier.dedup_window", n.DedupWindow},
		} {
			if _, err := ParseDurationField(f.path, f.raw); err != nil {
				return err
			}
		}
	}

	seen := make(map[string]bool, len(cfg.Targets))
	for i, t := range cfg.Targets {
		id := strings.TrimSpace(t.ID)
		if id == "" {
			return fmt.Errorf("targets[%d].id: required", i)
		}
		if id != t.ID {
			return fmt.Errorf("targets[%d].id: leading or trailing whitespace in %q", i, t.ID)
		}
		if seen[id] {
			return fmt.Errorf("targets[%d].id: duplicate id %q", i, id)
		}
		seen[id] = true
		if strings.TrimSpace(t.Match) == "" {
			return fmt.Errorf("targets[%d] (%s): match pattern required", i, id)
		}
		if _, err := ParseDurationField(fmt.Sprintf("targets[%d] (%s): interval", i, id), t.Interval); err != nil {
			return err
		}
	}

	return nil
}
