package config

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: debug
  console: true
  ring:
    enabled: true
    size: 500
storage:
  driver: sqlite
  path: /tmp/clickd-test.db
  busy_timeout: 5s
browser:
  debug_url: http://127.0.0.1:9222
  selector: "#claim"
scheduler:
  default_interval: 5m
  retry_backoff: [1m, 2m, 5m]
control:
  enabled: true
  addr: 127.0.0.1:8419
targets:
  - id: alpha
    match: "https://example.com/alpha*"
  - id: beta
    match: "https://example.com/beta*"
    interval: 90s
    paused: true
`

func writeConfigFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	m := NewManager(writeConfigFile(t, "clickd.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging not decoded: %+v", cfg.Logging)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.BusyTimeout != "5s" {
		t.Fatalf("storage not decoded: %+v", cfg.Storage)
	}
	if len(cfg.Targets) != 2 {
		t.Fatalf("targets = %d, want 2", len(cfg.Targets))
	}
	beta, ok := cfg.Target("beta")
	if !ok || !beta.Paused || beta.Interval != "90s" {
		t.Fatalf("beta = %+v ok=%v", beta, ok)
	}
	if m.Get() != cfg {
		t.Fatalf("Get did not return the committed config")
	}
}

func TestParseRejectsUnknownField(t *testing.T) {
	path := writeConfigFile(t, "clickd.yaml", "schedulr:\n  default_interval: 5m\n")
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatalf("expected unknown-field error")
	}
}

func TestParseJSONRejectsTrailingData(t *testing.T) {
	path := writeConfigFile(t, "clickd.json", `{"targets":[]}{"targets":[]}`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatalf("expected trailing-data error")
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Logging: LoggingConfig{Level: "info"},
			Targets: []TargetConfig{{ID: "alpha", Match: "https://example.com/*"}},
		}
	}

	if err := Validate(context.Background(), base()); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown level", func(c *Config) { c.Logging.Level = "loud" }},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "postgres" }},
		{"bad debug url scheme", func(c *Config) { c.Browser.DebugURL = "ftp://host" }},
		{"bad duration", func(c *Config) { c.Scheduler.DefaultInterval = "five minutes" }},
		{"bad backoff entry", func(c *Config) { c.Scheduler.RetryBackoff = []string{"1m", "nope"} }},
		{"empty target id", func(c *Config) { c.Targets[0].ID = "" }},
		{"whitespace target id", func(c *Config) { c.Targets[0].ID = " alpha" }},
		{"duplicate target id", func(c *Config) {
			c.Targets = append(c.Targets, TargetConfig{ID: "alpha", Match: "https://other/*"})
		}},
		{"missing match", func(c *Config) { c.Targets[0].Match = "" }},
		{"bad target interval", func(c *Config) { c.Targets[0].Interval = "soon" }},
		{"notifier enabled without token", func(c *Config) {
			c.Notifier = &NotifierConfig{Enabled: true, ChatID: 1}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			if err := Validate(context.Background(), cfg); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestDiffTargets(t *testing.T) {
	oldList := []TargetConfig{
		{ID: "a", Match: "https://a/*"},
		{ID: "b", Match: "https://b/*", Interval: "5m"},
		{ID: "c", Match: "https://c/*"},
		{ID: "d", Match: "https://d/*", Paused: true},
	}
	newList := []TargetConfig{
		{ID: "a", Match: "https://a/*"},
		{ID: "b", Match: "https://b/*", Interval: "10m"},
		{ID: "d", Match: "https://d/*"},
		{ID: "e", Match: "https://e/*"},
	}

	d := DiffTargets(oldList, newList)
	if !reflect.DeepEqual(d.Added, []string{"e"}) {
		t.Fatalf("added = %v", d.Added)
	}
	if !reflect.DeepEqual(d.Removed, []string{"c"}) {
		t.Fatalf("removed = %v", d.Removed)
	}
	if !reflect.DeepEqual(d.Changed, []string{"b"}) {
		t.Fatalf("changed = %v", d.Changed)
	}
	if !reflect.DeepEqual(d.Resumed, []string{"d"}) || len(d.Paused) != 0 {
		t.Fatalf("paused = %v resumed = %v", d.Paused, d.Resumed)
	}
	if d.Empty() {
		t.Fatalf("diff should not be empty")
	}
	if !DiffTargets(newList, newList).Empty() {
		t.Fatalf("self diff should be empty")
	}
}

func TestTargetIntervalFallback(t *testing.T) {
	cfg := &Config{
		Scheduler: SchedulerConfig{DefaultInterval: "7m"},
		Targets: []TargetConfig{
			{ID: "a", Match: "x*", Interval: "90s"},
			{ID: "b", Match: "y*"},
		},
	}
	if got := cfg.TargetInterval("a", time.Minute); got != 90*time.Second {
		t.Fatalf("a interval = %v", got)
	}
	if got := cfg.TargetInterval("b", time.Minute); got != 7*time.Minute {
		t.Fatalf("b interval = %v", got)
	}
	cfg.Scheduler.DefaultInterval = ""
	if got := cfg.TargetInterval("b", time.Minute); got != time.Minute {
		t.Fatalf("fallback interval = %v", got)
	}

	cfg.Browser.Selector = "#claim"
	if got := cfg.TargetSelector("a"); got != "#claim" {
		t.Fatalf("selector = %q", got)
	}
	cfg.Targets[0].Selector = "#special"
	if got := cfg.TargetSelector("a"); got != "#special" {
		t.Fatalf("selector override = %q", got)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	oldCfg := &Config{Logging: LoggingConfig{Level: "info"}}
	newCfg := &Config{
		Logging: LoggingConfig{Level: "debug"},
		Pause:   true,
		Targets: []TargetConfig{{ID: "a", Match: "https://a/*"}},
	}

	changed, attrs, diff := SummarizeConfigChange(oldCfg, newCfg)
	if !reflect.DeepEqual(changed, []string{"logging", "pause", "targets"}) {
		t.Fatalf("changed = %v", changed)
	}
	if len(attrs) == 0 {
		t.Fatalf("expected summary attrs")
	}
	if !reflect.DeepEqual(diff.Added, []string{"a"}) {
		t.Fatalf("diff = %+v", diff)
	}

	changed, _, _ = SummarizeConfigChange(newCfg, newCfg)
	if len(changed) != 0 {
		t.Fatalf("self summary = %v", changed)
	}
}
