package config

import (
	"strings"
	"time"
)

// Config is the full daemon configuration. The file is YAML (JSON is
// accepted too); all durations are Go duration strings (e.g. "30s",
// "5m"). Unknown fields are rejected so typos surface on reload instead
// of silently doing nothing.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Browser   BrowserConfig   `json:"browser"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Health    HealthConfig    `json:"health,omitempty"`
	Control   ControlConfig   `json:"control,omitempty"`
	Notifier  *NotifierConfig `json:"notifier,omitempty"`
	Pprof     PprofConfig     `json:"pprof,omitempty"`

	// Targets are the pages clickd keeps clicking. IDs are stable
	// logical names; the browser registry binds them to live pages by
	// URL pattern.
	Targets []TargetConfig `json:"targets"`

	// Pause suspends every cycle without touching individual timers.
	Pause bool `json:"pause,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Ring    LoggingRing `json:"ring"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingRing sizes the in-memory tail served by the control plane's
// system.logs.
type LoggingRing struct {
	Enabled bool `json:"enabled"`
	Size    int  `json:"size,omitempty"`
}

// StorageConfig selects where timer records live.
//
// Example:
//
//	storage:
//	  driver: sqlite
//	  path: /var/lib/clickd/state.db
type StorageConfig struct {
	Driver      string `json:"driver"`                 // "file" (default) or "sqlite"
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// BrowserConfig points at the DevTools endpoint of the browser that owns
// the pages.
type BrowserConfig struct {
	DebugURL       string `json:"debug_url"`                 // default "http://127.0.0.1:9222"
	Selector       string `json:"selector,omitempty"`        // default click selector
	ConnectTimeout string `json:"connect_timeout,omitempty"` // default "5s"
	EvalTimeout    string `json:"eval_timeout,omitempty"`    // default "10s"
	ListCacheTTL   string `json:"list_cache_ttl,omitempty"`  // default "2s"
}

// SchedulerConfig tunes the timing core. Zero values fall back to the
// component defaults.
type SchedulerConfig struct {
	DefaultInterval    string `json:"default_interval,omitempty"`     // default "5m"
	MinGranularity     string `json:"min_granularity,omitempty"`      // default "1m"
	EarlyFireThreshold string `json:"early_fire_threshold,omitempty"` // default "5s"
	FallbackInterval   string `json:"fallback_interval,omitempty"`    // default "20m"
	EmergencyInterval  string `json:"emergency_interval,omitempty"`   // default "5m"

	// RetryBackoff maps the consecutive-failure count to the next
	// delay; counts past the end reuse the last entry.
	RetryBackoff []string `json:"retry_backoff,omitempty"` // default 1m,2m,5m,10m,15m

	MaxRecoveryAttempts int     `json:"max_recovery_attempts,omitempty"` // default 3
	BreakerMaxFailures  int     `json:"breaker_max_failures,omitempty"`  // default 5
	BreakerCoolDown     string  `json:"breaker_cool_down,omitempty"`     // default "30m"
	ReadyTimeout        string  `json:"ready_timeout,omitempty"`         // default "5s"
	InvokeTimeout       string  `json:"invoke_timeout,omitempty"`        // default "30s"
	InstallRetries      int     `json:"install_retries,omitempty"`       // default 3
	InvokeRatePerSec    float64 `json:"invoke_rate_per_sec,omitempty"`   // default 1
}

type HealthConfig struct {
	Period    string `json:"period,omitempty"`    // default "5m"
	Heartbeat string `json:"heartbeat,omitempty"` // default "1m"
}

// ControlConfig exposes the local JSON-RPC control plane used by
// clickctl.
//
// Security note:
//   - Prefer binding to localhost (the default).
//   - If you bind to a non-loopback address, set a token or explicitly
//     allow_insecure.
type ControlConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default "127.0.0.1:8419"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}

// NotifierConfig controls the Telegram event notifier. Omitting the
// section disables it.
type NotifierConfig struct {
	Enabled       bool     `json:"enabled"`
	Token         string   `json:"token"`
	ChatID        int64    `json:"chat_id"`
	QueueSize     int      `json:"queue_size,omitempty"`      // default 256
	RatePerSec    int      `json:"rate_per_sec,omitempty"`    // default 1
	RetryMax      int      `json:"retry_max,omitempty"`       // default 3
	RetryBase     string   `json:"retry_base,omitempty"`      // default "500ms"
	RetryMaxDelay string   `json:"retry_max_delay,omitempty"` // default "10s"
	DedupWindow   string   `json:"dedup_window,omitempty"`    // default "5m"
	Events        []string `json:"events,omitempty"`          // default: everything but cycle.success
}

// PprofConfig controls the optional pprof HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0 (disabled)
	// so /profile (which can take 30s+) works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}

// TargetConfig binds a logical target id to a live page.
type TargetConfig struct {
	ID string `json:"id"`
	// Match is a URL pattern with '*' wildcards (e.g.
	// "https://example.com/claim*"). The first open page whose URL
	// matches is the target.
	Match string `json:"match"`
	// Selector overrides browser.selector for this target.
	Selector string `json:"selector,omitempty"`
	// Interval overrides scheduler.default_interval.
	Interval string `json:"interval,omitempty"`
	Paused   bool   `json:"paused,omitempty"`
}

// Target returns the definition for id.
func (c *Config) Target(id string) (TargetConfig, bool) {
	for _, t := range c.Targets {
		if t.ID == id {
			return t, true
		}
	}
	return TargetConfig{}, false
}

// TargetInterval resolves the effective cadence for id: the target's own
// interval when set, otherwise the scheduler default, otherwise def.
func (c *Config) TargetInterval(id string, def time.Duration) time.Duration {
	if t, ok := c.Target(id); ok {
		if d, err := ParseDurationField("targets."+id+".interval", t.Interval); err == nil && d > 0 {
			return d
		}
	}
	if d, err := ParseDurationField("scheduler.default_interval", c.Scheduler.DefaultInterval); err == nil && d > 0 {
		return d
	}
	return def
}

// TargetSelector resolves the effective click selector for id.
func (c *Config) TargetSelector(id string) string {
	if t, ok := c.Target(id); ok {
		if s := strings.TrimSpace(t.Selector); s != "" {
			return s
		}
	}
	return strings.TrimSpace(c.Browser.Selector)
}
