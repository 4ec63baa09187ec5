package app

import (
	"testing"
	"time"

	"clickd/internal/config"
)

func testSettings(cfg *Config) *configSettings {
	cfgm := NewConfigManager("unused.yaml")
	cfgm.Commit(cfg)
	return &configSettings{cfgm: cfgm}
}

func TestConfigSettingsInterval(t *testing.T) {
	t.Parallel()
	s := testSettings(&Config{
		Scheduler: config.SchedulerConfig{DefaultInterval: "7m"},
		Targets: []config.TargetConfig{
			{ID: "fast", Match: "https://a.example/*", Interval: "90s"},
			{ID: "plain", Match: "https://b.example/*"},
		},
	})

	if got := s.Interval("fast"); got != 90*time.Second {
		t.Fatalf("Interval(fast) = %v, want 90s", got)
	}
	if got := s.Interval("plain"); got != 7*time.Minute {
		t.Fatalf("Interval(plain) = %v, want 7m", got)
	}
	// Unknown ids still get the scheduler default.
	if got := s.Interval("ghost"); got != 7*time.Minute {
		t.Fatalf("Interval(ghost) = %v, want 7m", got)
	}
}

func TestConfigSettingsIntervalFallback(t *testing.T) {
	t.Parallel()
	s := testSettings(&Config{})
	if got := s.Interval("anything"); got != defaultInterval {
		t.Fatalf("Interval = %v, want %v", got, defaultInterval)
	}

	// No committed config at all.
	s = &configSettings{cfgm: NewConfigManager("unused.yaml")}
	if got := s.Interval("anything"); got != defaultInterval {
		t.Fatalf("Interval = %v, want %v", got, defaultInterval)
	}
}

func TestConfigSettingsGlobalPause(t *testing.T) {
	t.Parallel()
	s := testSettings(&Config{Pause: true})
	if !s.GlobalPause() {
		t.Fatal("GlobalPause = false, want true")
	}
	s = testSettings(&Config{})
	if s.GlobalPause() {
		t.Fatal("GlobalPause = true, want false")
	}
}

func TestTargetInfos(t *testing.T) {
	t.Parallel()
	s := testSettings(&Config{
		Scheduler: config.SchedulerConfig{DefaultInterval: "10m"},
		Targets: []config.TargetConfig{
			{ID: "a", Match: "https://a.example/*", Interval: "2m", Paused: true},
			{ID: "b", Match: "https://b.example/*"},
		},
	})

	infos := s.targetInfos()
	if len(infos) != 2 {
		t.Fatalf("len = %d, want 2", len(infos))
	}
	if infos[0].ID != "a" || !infos[0].Paused || infos[0].Interval != 2*time.Minute {
		t.Fatalf("infos[0] = %+v", infos[0])
	}
	if infos[1].ID != "b" || infos[1].Paused || infos[1].Interval != 10*time.Minute {
		t.Fatalf("infos[1] = %+v", infos[1])
	}
}

func TestSchedulerTuningChanged(t *testing.T) {
	t.Parallel()
	base := func() *Config {
		return &Config{Scheduler: config.SchedulerConfig{
			DefaultInterval: "5m",
			MinGranularity:  "1m",
			RetryBackoff:    []string{"1m", "2m"},
		}}
	}

	if schedulerTuningChanged(base(), base()) {
		t.Fatal("identical configs reported as changed")
	}

	// default_interval is live-applied; not a restart signal.
	n := base()
	n.Scheduler.DefaultInterval = "9m"
	if schedulerTuningChanged(base(), n) {
		t.Fatal("default_interval change should not require restart")
	}

	n = base()
	n.Scheduler.MinGranularity = "30s"
	if !schedulerTuningChanged(base(), n) {
		t.Fatal("min_granularity change not detected")
	}

	n = base()
	n.Scheduler.RetryBackoff = []string{"1m"}
	if !schedulerTuningChanged(base(), n) {
		t.Fatal("retry_backoff change not detected")
	}

	n = base()
	n.Scheduler.BreakerMaxFailures = 9
	if !schedulerTuningChanged(base(), n) {
		t.Fatal("breaker_max_failures change not detected")
	}

	if schedulerTuningChanged(nil, base()) || schedulerTuningChanged(base(), nil) {
		t.Fatal("nil configs should never report changes")
	}
}

func TestControlChanged(t *testing.T) {
	t.Parallel()
	base := func() *Config {
		return &Config{Control: config.ControlConfig{Enabled: true, Addr: "127.0.0.1:8419", Token: "tok"}}
	}

	if controlChanged(base(), base()) {
		t.Fatal("identical control sections reported as changed")
	}

	n := base()
	n.Control.Addr = "127.0.0.1:9000"
	if !controlChanged(base(), n) {
		t.Fatal("addr change not detected")
	}

	n = base()
	n.Control.Token = "other"
	if !controlChanged(base(), n) {
		t.Fatal("token change not detected")
	}

	n = base()
	n.Control.Enabled = false
	if !controlChanged(base(), n) {
		t.Fatal("enabled flip not detected")
	}

	if controlChanged(nil, base()) {
		t.Fatal("nil old config should not report changes")
	}
}

func TestNotifierTokenChanged(t *testing.T) {
	t.Parallel()
	mk := func(token string) *Config {
		return &Config{Notifier: &config.NotifierConfig{Enabled: true, Token: token}}
	}

	if notifierTokenChanged(mk("abc"), mk(" abc ")) {
		t.Fatal("whitespace-only difference reported as token change")
	}
	if !notifierTokenChanged(mk("abc"), mk("xyz")) {
		t.Fatal("token swap not detected")
	}
	if notifierTokenChanged(&Config{}, mk("abc")) || notifierTokenChanged(mk("abc"), &Config{}) {
		t.Fatal("missing notifier section should not report a token change")
	}
}
