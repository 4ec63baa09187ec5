package app

import (
	"time"

	"clickd/internal/ctl"
)

// defaultInterval is the cadence of last resort when neither the target
// nor the scheduler section names one.
const defaultInterval = 5 * time.Minute

// configSettings adapts the committed config to the orchestrator's
// Settings contract. Every read goes through the manager, so a reload is
// visible to the next cycle without any replumbing.
type configSettings struct {
	cfgm *ConfigManager
}

func (s *configSettings) Interval(targetID string) time.Duration {
	cfg := s.cfgm.Get()
	if cfg == nil {
		return defaultInterval
	}
	return cfg.TargetInterval(targetID, defaultInterval)
}

func (s *configSettings) GlobalPause() bool {
	cfg := s.cfgm.Get()
	return cfg != nil && cfg.Pause
}

// targetInfos is the control plane's view of the configured targets.
func (s *configSettings) targetInfos() []ctl.TargetInfo {
	cfg := s.cfgm.Get()
	if cfg == nil {
		return nil
	}
	infos := make([]ctl.TargetInfo, 0, len(cfg.Targets))
	for _, t := range cfg.Targets {
		infos = append(infos, ctl.TargetInfo{
			ID:       t.ID,
			Match:    t.Match,
			Paused:   t.Paused,
			Interval: cfg.TargetInterval(t.ID, defaultInterval),
		})
	}
	return infos
}
