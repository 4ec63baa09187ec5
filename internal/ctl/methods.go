package ctl

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/creachadair/jrpc2"
	"github.com/creachadair/jrpc2/handler"

	"clickd/internal/sched"
)

// Custom JSON-RPC error codes for scheduling operations.
const (
	codeTargetNotFound = jrpc2.Code(-32001)
	codeRegistration   = jrpc2.Code(-32002)
	codeConflict       = jrpc2.Code(-32003)
	codeInvalidParams  = jrpc2.Code(-32602)
)

func (s *Service) methods() handler.Map {
	return handler.Map{
		"system.status": handler.New(s.systemStatus),
		"system.logs":   handler.New(s.systemLogs),
		"target.list":   handler.New(s.targetList),
		"target.status": handler.New(s.targetStatus),
		"target.start":  handler.New(s.targetStart),
		"target.stop":   handler.New(s.targetStop),
		"target.pause":  handler.New(s.targetPause),
		"target.resume": handler.New(s.targetResume),
		"target.run":    handler.New(s.targetRun),
	}
}

// rpcError translates scheduling errors into the closed code set.
func rpcError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sched.ErrNotFound):
		return &jrpc2.Error{Code: codeTargetNotFound, Message: "no timer for target"}
	case sched.IsRegistration(err):
		return &jrpc2.Error{Code: codeRegistration, Message: err.Error()}
	case errors.Is(err, sched.ErrPaused),
		errors.Is(err, sched.ErrNotPaused),
		errors.Is(err, sched.ErrNotStarted):
		return &jrpc2.Error{Code: codeConflict, Message: err.Error()}
	case errors.Is(err, sched.ErrEmptyTarget), errors.Is(err, sched.ErrBadInterval):
		return &jrpc2.Error{Code: codeInvalidParams, Message: err.Error()}
	default:
		return err
	}
}

// SystemStatus is the response for system.status.
type SystemStatus struct {
	Version           string     `json:"version,omitempty"`
	StartedAt         time.Time  `json:"started_at"`
	Uptime            string     `json:"uptime"`
	GlobalPause       bool       `json:"global_pause"`
	InFlight          int        `json:"in_flight"`
	TargetsConfigured int        `json:"targets_configured"`
	TimersTotal       int        `json:"timers_total"`
	TimersActive      int        `json:"timers_active"`
	TimersPaused      int        `json:"timers_paused"`
	BreakerTracked    int        `json:"breaker_tracked"`
	BreakerOpen       int        `json:"breaker_open"`
	RecoveryTracked   int        `json:"recovery_tracked"`
	RecoveryExhausted int        `json:"recovery_exhausted"`
	HealthPasses      uint64     `json:"health_passes"`
	LastHealthPass    *time.Time `json:"last_health_pass,omitempty"`
}

func (s *Service) systemStatus(_ context.Context) (*SystemStatus, error) {
	now := s.now()
	out := &SystemStatus{
		Version:   s.deps.Version,
		StartedAt: s.deps.StartedAt,
		Uptime:    now.Sub(s.deps.StartedAt).Round(time.Second).String(),
	}

	for _, rec := range s.deps.Core.Snapshot() {
		out.TimersTotal++
		if rec.Active {
			out.TimersActive++
		}
		if rec.Paused {
			out.TimersPaused++
		}
	}
	if s.deps.Targets != nil {
		out.TargetsConfigured = len(s.deps.Targets())
	}
	if s.deps.Paused != nil {
		out.GlobalPause = s.deps.Paused()
	}
	if s.deps.InFlight != nil {
		out.InFlight = s.deps.InFlight()
	}
	if s.deps.Breaker != nil {
		out.BreakerTracked, out.BreakerOpen = s.deps.Breaker.Snapshot(now)
	}
	if s.deps.Recovery != nil {
		out.RecoveryTracked, out.RecoveryExhausted = s.deps.Recovery.Snapshot()
	}
	if s.deps.Health != nil {
		hs := s.deps.Health.Snapshot()
		out.HealthPasses = hs.Passes
		if !hs.LastPass.IsZero() {
			lp := hs.LastPass
			out.LastHealthPass = &lp
		}
	}
	return out, nil
}

// LogsParams is the input for system.logs.
type LogsParams struct {
	Lines int `json:"lines,omitempty"`
}

// LogsResult is the response for system.logs.
type LogsResult struct {
	Enabled bool     `json:"enabled"`
	Lines   []string `json:"lines"`
}

func (s *Service) systemLogs(_ context.Context, p *LogsParams) (*LogsResult, error) {
	n := p.Lines
	if n <= 0 {
		n = 100
	}
	if n > 1000 {
		n = 1000
	}
	if s.deps.Logs == nil {
		return &LogsResult{Enabled: false, Lines: []string{}}, nil
	}
	lines := s.deps.Logs.Tail(n)
	if lines == nil {
		return &LogsResult{Enabled: false, Lines: []string{}}, nil
	}
	return &LogsResult{Enabled: true, Lines: lines}, nil
}

// TargetParams is a common input with just a target id.
type TargetParams struct {
	ID string `json:"id"`
}

// StartParams is the input for target.start.
type StartParams struct {
	ID       string `json:"id"`
	Interval string `json:"interval,omitempty"`
}

// TargetStatus is one target in target.list / target.status output.
type TargetStatus struct {
	ID          string     `json:"id"`
	Configured  bool       `json:"configured"`
	Match       string     `json:"match,omitempty"`
	AdminPaused bool       `json:"admin_paused,omitempty"`
	Timer       bool       `json:"timer"`
	Active      bool       `json:"active"`
	Paused      bool       `json:"paused"`
	Interval    string     `json:"interval,omitempty"`
	Remaining   string     `json:"remaining,omitempty"`
	NextFire    *time.Time `json:"next_fire,omitempty"`
	Retries     int        `json:"retries,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	BreakerOpen bool       `json:"breaker_open,omitempty"`
	Failures    int        `json:"failures,omitempty"`
}

// ListResult is the response for target.list.
type ListResult struct {
	Targets []TargetStatus `json:"targets"`
}

func (s *Service) buildStatus(id string, info *TargetInfo) TargetStatus {
	out := TargetStatus{ID: id}
	if info != nil {
		out.Configured = true
		out.Match = info.Match
		out.AdminPaused = info.Paused
	}

	st := s.deps.Core.Status(id)
	if st.Exists {
		out.Timer = true
		out.Active = st.Active
		out.Paused = st.Paused
		out.Interval = st.Interval.String()
		out.Remaining = st.Remaining.Round(time.Second).String()
		out.Retries = st.RetryCount
		out.LastError = st.LastError
		if st.Active && !st.Expiration.IsZero() {
			exp := st.Expiration
			out.NextFire = &exp
		}
	}
	if s.deps.Breaker != nil {
		now := s.now()
		out.BreakerOpen = s.deps.Breaker.IsOpen(now, id)
		out.Failures = s.deps.Breaker.Failures(now, id)
	}
	return out
}

func (s *Service) configured() map[string]TargetInfo {
	out := make(map[string]TargetInfo)
	if s.deps.Targets == nil {
		return out
	}
	for _, t := range s.deps.Targets() {
		out[t.ID] = t
	}
	return out
}

func (s *Service) targetList(_ context.Context) (*ListResult, error) {
	var configured []TargetInfo
	if s.deps.Targets != nil {
		configured = s.deps.Targets()
	}
	seen := make(map[string]bool, len(configured))
	out := &ListResult{Targets: make([]TargetStatus, 0, len(configured))}

	// Configured targets first, then timer records that lost their
	// config entry (still live until the next reconcile).
	for i := range configured {
		out.Targets = append(out.Targets, s.buildStatus(configured[i].ID, &configured[i]))
		seen[configured[i].ID] = true
	}
	for _, rec := range s.deps.Core.Snapshot() {
		if seen[rec.TargetID] {
			continue
		}
		out.Targets = append(out.Targets, s.buildStatus(rec.TargetID, nil))
	}
	return out, nil
}

func (s *Service) targetStatus(_ context.Context, p *TargetParams) (*TargetStatus, error) {
	if strings.TrimSpace(p.ID) == "" {
		return nil, &jrpc2.Error{Code: codeInvalidParams, Message: "missing required param: id"}
	}
	infos := s.configured()
	var info *TargetInfo
	if t, ok := infos[p.ID]; ok {
		info = &t
	}
	st := s.deps.Core.Status(p.ID)
	if info == nil && !st.Exists {
		return nil, &jrpc2.Error{Code: codeTargetNotFound, Message: "unknown target"}
	}
	out := s.buildStatus(p.ID, info)
	return &out, nil
}

func (s *Service) targetStart(ctx context.Context, p *StartParams) (*TargetStatus, error) {
	if strings.TrimSpace(p.ID) == "" {
		return nil, &jrpc2.Error{Code: codeInvalidParams, Message: "missing required param: id"}
	}

	var interval time.Duration
	if raw := strings.TrimSpace(p.Interval); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, &jrpc2.Error{Code: codeInvalidParams, Message: "invalid interval: " + err.Error()}
		}
		interval = d
	} else if info, ok := s.configured()[p.ID]; ok {
		interval = info.Interval
	} else {
		return nil, &jrpc2.Error{Code: codeInvalidParams, Message: "interval required for unconfigured target"}
	}

	if err := s.deps.Core.StartTimer(ctx, p.ID, interval); err != nil {
		return nil, rpcError(err)
	}
	return s.targetStatus(ctx, &TargetParams{ID: p.ID})
}

func (s *Service) targetStop(ctx context.Context, p *TargetParams) (*TargetStatus, error) {
	if err := s.deps.Core.StopTimer(ctx, p.ID); err != nil {
		return nil, rpcError(err)
	}
	// The record is gone now. Build the status directly so stopping an
	// ad hoc target does not come back as "unknown target".
	var info *TargetInfo
	if t, ok := s.configured()[p.ID]; ok {
		info = &t
	}
	out := s.buildStatus(p.ID, info)
	return &out, nil
}

func (s *Service) targetPause(ctx context.Context, p *TargetParams) (*TargetStatus, error) {
	if err := s.deps.Core.PauseTimer(ctx, p.ID); err != nil {
		return nil, rpcError(err)
	}
	return s.targetStatus(ctx, p)
}

func (s *Service) targetResume(ctx context.Context, p *TargetParams) (*TargetStatus, error) {
	if err := s.deps.Core.ResumeTimer(ctx, p.ID); err != nil {
		return nil, rpcError(err)
	}
	return s.targetStatus(ctx, p)
}

func (s *Service) targetRun(ctx context.Context, p *TargetParams) (*TargetStatus, error) {
	if err := s.deps.Core.TriggerNow(p.ID); err != nil {
		return nil, rpcError(err)
	}
	return s.targetStatus(ctx, p)
}
