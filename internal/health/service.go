// Package health runs the periodic reconciliation pass: fire whatever
// slept through its expiration, re-sync records against the host alarm
// runtime, re-assert the keep-alive heartbeat and write a fresh
// snapshot. It owns no scheduling state of its own.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "clickd/pkg/logx"
)

const heartbeatTrigger = "heartbeat"

// Core is the slice of the scheduling core the health pass drives.
type Core interface {
	FireOverdue(ctx context.Context) int
	SyncWithHost(ctx context.Context) (cleared, rearmed int)
	PersistSnapshot(ctx context.Context)
	RegisterTrigger(name string, fn func(ctx context.Context))
	EnsureRepeating(name string, every time.Duration) error
}

type Config struct {
	// Period is the reconciliation cadence.
	Period time.Duration
	// Heartbeat is the period of the named keep-alive trigger. Its
	// handler logs and returns; existing is its whole job.
	Heartbeat time.Duration
	// PassTimeout bounds one reconciliation pass.
	PassTimeout time.Duration
}

func (c *Config) normalize() {
	if c.Period <= 0 {
		c.Period = 5 * time.Minute
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = time.Minute
	}
	if c.PassTimeout <= 0 {
		c.PassTimeout = time.Minute
	}
}

// Stats is a point-in-time view for the control plane.
type Stats struct {
	Passes      uint64    `json:"passes"`
	LastPass    time.Time `json:"last_pass"`
	LastFired   int       `json:"last_fired"`
	LastCleared int       `json:"last_cleared"`
	LastRearmed int       `json:"last_rearmed"`
}

type Service struct {
	cfg  Config
	core Core
	log  logx.Logger

	mu    sync.Mutex
	c     *cron.Cron
	stats Stats
}

func New(cfg Config, core Core, log logx.Logger) *Service {
	cfg.normalize()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:  cfg,
		core: core,
		log:  log.With(logx.String("comp", "health")),
	}
}

// Start registers the heartbeat and begins the cron cadence. Idempotent.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}

	s.core.RegisterTrigger(heartbeatTrigger, s.heartbeat)
	if err := s.core.EnsureRepeating(heartbeatTrigger, s.cfg.Heartbeat); err != nil {
		// The next pass re-asserts it.
		s.log.Warn("registering heartbeat failed", logx.Err(err))
	}

	c := cron.New()
	if _, err := c.AddFunc("@every "+s.cfg.Period.String(), s.pass); err != nil {
		return err
	}
	s.c = c
	c.Start()
	s.log.Info("service started",
		logx.Duration("period", s.cfg.Period), logx.Duration("heartbeat", s.cfg.Heartbeat))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		// best-effort
	}
	s.log.Info("service stopped")
}

func (s *Service) pass() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PassTimeout)
	defer cancel()
	s.RunOnce(ctx)
}

// RunOnce executes one reconciliation pass. The app also calls it
// directly after a global unpause so overdue targets fire right away.
func (s *Service) RunOnce(ctx context.Context) {
	start := time.Now()
	fired := s.core.FireOverdue(ctx)
	cleared, rearmed := s.core.SyncWithHost(ctx)
	if err := s.core.EnsureRepeating(heartbeatTrigger, s.cfg.Heartbeat); err != nil {
		s.log.Warn("re-asserting heartbeat failed", logx.Err(err))
	}
	s.core.PersistSnapshot(ctx)

	s.mu.Lock()
	s.stats.Passes++
	s.stats.LastPass = start
	s.stats.LastFired = fired
	s.stats.LastCleared = cleared
	s.stats.LastRearmed = rearmed
	s.mu.Unlock()

	if fired+cleared+rearmed > 0 {
		s.log.Info("reconciliation pass",
			logx.Int("fired", fired), logx.Int("cleared", cleared),
			logx.Int("rearmed", rearmed), logx.Duration("took", time.Since(start)))
	} else {
		s.log.Debug("reconciliation pass clean", logx.Duration("took", time.Since(start)))
	}
}

// Snapshot returns the pass counters for the control plane.
func (s *Service) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Service) heartbeat(ctx context.Context) {
	s.log.Debug("heartbeat")
}
