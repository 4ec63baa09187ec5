// Package orchestrator runs the per-expiration decision sequence: pause
// and circuit checks, target validation, capability readiness, the click
// itself and the unconditional reschedule at the end. One call per fire,
// guarded per target, never blocking another target's cycle.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"clickd/internal/action"
	"clickd/internal/breaker"
	"clickd/internal/eventbus"
	"clickd/internal/guard"
	"clickd/internal/recovery"
	"clickd/internal/sched"
	logx "clickd/pkg/logx"
)

// Outcome is the closed result of one expiration cycle.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
	OutcomeDroppedOverlap
	OutcomeSkippedPaused
	OutcomeSkippedEarly
	OutcomeSkippedCircuit
	OutcomeTargetPaused
	OutcomeTargetGone
)

var outcomeNames = map[Outcome]string{
	OutcomeSuccess:        "success",
	OutcomeFailure:        "failure",
	OutcomeDroppedOverlap: "dropped_overlap",
	OutcomeSkippedPaused:  "skipped_paused",
	OutcomeSkippedEarly:   "skipped_early",
	OutcomeSkippedCircuit: "skipped_circuit",
	OutcomeTargetPaused:   "target_paused",
	OutcomeTargetGone:     "target_gone",
}

func (o Outcome) String() string {
	if s, ok := outcomeNames[o]; ok {
		return s
	}
	return "unknown"
}

// CycleEvent is the Data payload for cycle.success / cycle.failure.
type CycleEvent struct {
	TargetID string        `json:"target_id"`
	Cycle    string        `json:"cycle"`
	Details  string        `json:"details,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// TargetGoneEvent is the Data payload for target.gone.
type TargetGoneEvent struct {
	TargetID string `json:"target_id"`
	Reason   string `json:"reason"`
}

// CircuitEvent is the Data payload for circuit.open.
type CircuitEvent struct {
	TargetID string `json:"target_id"`
	Failures int    `json:"failures"`
}

// ExhaustedEvent is the Data payload for recovery.exhausted.
type ExhaustedEvent struct {
	TargetID string        `json:"target_id"`
	Fallback time.Duration `json:"fallback"`
}

// Timers is the slice of the scheduling core the orchestrator drives.
type Timers interface {
	ResetTimer(ctx context.Context, targetID string, interval time.Duration) error
	StopTimer(ctx context.Context, targetID string) error
	Status(targetID string) sched.Status
	NoteSuccess(ctx context.Context, targetID string)
	NoteFailure(ctx context.Context, targetID string, err error) int
}

// Remediator is the slice of the recovery engine the failure path calls.
type Remediator interface {
	Attempt(ctx context.Context, targetID string, cause error) error
	Reset(targetID string)
}

type Config struct {
	// EarlyFireThreshold separates a genuinely due fire from one the
	// coarse host granularity delivered ahead of time.
	EarlyFireThreshold time.Duration
	// FallbackInterval is the long cadence after recovery exhaustion.
	FallbackInterval time.Duration
	// EmergencyInterval is the one-shot reschedule tried when a normal
	// reschedule fails.
	EmergencyInterval time.Duration
	// RetrySchedule maps the consecutive-failure count to the next
	// delay; counts past the end reuse the last entry.
	RetrySchedule []time.Duration

	ReadyTimeout   time.Duration
	InvokeTimeout  time.Duration
	InstallRetries int
	InstallBackoff time.Duration

	// InvokeRatePerSec throttles clicks across all targets so a burst
	// of due timers doesn't hammer the browser.
	InvokeRatePerSec float64
	InvokeBurst      int
}

func (c *Config) normalize() {
	if c.EarlyFireThreshold <= 0 {
		c.EarlyFireThreshold = 5 * time.Second
	}
	if c.FallbackInterval <= 0 {
		c.FallbackInterval = 20 * time.Minute
	}
	if c.EmergencyInterval <= 0 {
		c.EmergencyInterval = 5 * time.Minute
	}
	if len(c.RetrySchedule) == 0 {
		c.RetrySchedule = []time.Duration{
			1 * time.Minute, 2 * time.Minute, 5 * time.Minute, 10 * time.Minute, 15 * time.Minute,
		}
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 5 * time.Second
	}
	if c.InvokeTimeout <= 0 {
		c.InvokeTimeout = 30 * time.Second
	}
	if c.InstallRetries <= 0 {
		c.InstallRetries = 3
	}
	if c.InstallBackoff <= 0 {
		c.InstallBackoff = 2 * time.Second
	}
	if c.InvokeRatePerSec <= 0 {
		c.InvokeRatePerSec = 1
	}
	if c.InvokeBurst <= 0 {
		c.InvokeBurst = 1
	}
}

type Option func(*Orchestrator)

// WithNow overrides the clock. Tests only.
func WithNow(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithSleep overrides the install backoff wait. Tests only.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) {
		if sleep != nil {
			o.sleep = sleep
		}
	}
}

type Orchestrator struct {
	cfg      Config
	timers   Timers
	registry action.Registry
	cap      action.Capability
	settings action.Settings
	breaker  *breaker.Breaker
	rem      Remediator
	guard    *guard.Set
	limiter  *rate.Limiter
	log      logx.Logger
	bus      eventbus.Bus
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, timers Timers, registry action.Registry, cap action.Capability,
	settings action.Settings, brk *breaker.Breaker, rem Remediator,
	log logx.Logger, bus eventbus.Bus, opts ...Option) *Orchestrator {
	cfg.normalize()
	o := &Orchestrator{
		cfg:      cfg,
		timers:   timers,
		registry: registry,
		cap:      cap,
		settings: settings,
		breaker:  brk,
		rem:      rem,
		guard:    guard.New(),
		limiter:  rate.NewLimiter(rate.Limit(cfg.InvokeRatePerSec), cfg.InvokeBurst),
		log:      log.With(logx.String("comp", "orchestrator")),
		bus:      bus,
		now:      time.Now,
		sleep:    sleepCtx,
	}
	for _, o2 := range opts {
		o2(o)
	}
	return o
}

// InFlight reports how many cycles are currently inside the handler.
func (o *Orchestrator) InFlight() int { return o.guard.Len() }

// HandleExpiration runs one cycle for targetID. It is safe to call from
// any goroutine; overlapping calls for the same target are dropped.
func (o *Orchestrator) HandleExpiration(ctx context.Context, targetID string) (out Outcome) {
	if !o.guard.TryAcquire(targetID) {
		o.log.Info("cycle already in flight, dropping fire", logx.String("target", targetID))
		return OutcomeDroppedOverlap
	}
	defer o.guard.Release(targetID)

	cycle := shortID()
	log := o.log.With(logx.String("target", targetID), logx.String("cycle", cycle))
	started := o.now()

	// Whatever breaks mid-sequence is routed through the failure path so
	// the target still gets a next fire time.
	defer func() {
		if r := recover(); r != nil {
			log.Error("cycle panicked",
				logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			out = o.afterFailure(ctx, log, targetID, cycle, fmt.Errorf("cycle panic: %v", r))
		}
	}()

	if o.settings.GlobalPause() {
		log.Info("global pause set, skipping cycle")
		return OutcomeSkippedPaused
	}

	st := o.timers.Status(targetID)
	if !st.Exists {
		log.Info("no timer record, dropping fire")
		return OutcomeTargetGone
	}
	if st.Remaining > o.cfg.EarlyFireThreshold {
		log.Info("early fire, rescheduling remainder", logx.Duration("remaining", st.Remaining))
		o.reschedule(ctx, log, targetID, st.Remaining)
		return OutcomeSkippedEarly
	}

	if now := o.now(); o.breaker.IsOpen(now, targetID) {
		log.Warn("circuit breaker open, skipping invocation",
			logx.Int("failures", o.breaker.Failures(now, targetID)))
		o.reschedule(ctx, log, targetID, o.settings.Interval(targetID))
		return OutcomeSkippedCircuit
	}

	meta, err := o.registry.Resolve(ctx, targetID)
	if err != nil {
		return o.afterFailure(ctx, log, targetID, cycle, fmt.Errorf("resolving target: %w", err))
	}
	if meta == nil || !o.registry.IsValid(meta) {
		o.stopTarget(ctx, log, targetID, "not found")
		return OutcomeTargetGone
	}
	if meta.Paused {
		log.Info("target administratively paused, not rescheduling")
		return OutcomeTargetPaused
	}

	if err := o.ensureReady(ctx, log, targetID); err != nil {
		return o.afterFailure(ctx, log, targetID, cycle, err)
	}

	if err := o.limiter.Wait(ctx); err != nil {
		return o.afterFailure(ctx, log, targetID, cycle, fmt.Errorf("rate limit wait: %w", err))
	}
	ictx, cancel := context.WithTimeout(ctx, o.cfg.InvokeTimeout)
	res, err := o.cap.Invoke(ictx, targetID)
	cancel()
	if err != nil {
		return o.afterFailure(ctx, log, targetID, cycle, fmt.Errorf("invoking action: %w", err))
	}
	if !res.Success {
		return o.afterFailure(ctx, log, targetID, cycle, fmt.Errorf("action reported failure: %s", res.Details))
	}

	o.breaker.RecordSuccess(targetID)
	o.rem.Reset(targetID)
	o.timers.NoteSuccess(ctx, targetID)
	elapsed := o.now().Sub(started)
	log.Info("click succeeded", logx.Duration("took", elapsed), logx.String("details", res.Details))
	o.publish(eventbus.TypeCycleSuccess, CycleEvent{
		TargetID: targetID, Cycle: cycle, Details: res.Details, Duration: elapsed,
	})
	o.reschedule(ctx, log, targetID, o.settings.Interval(targetID))
	return OutcomeSuccess
}

// ensureReady probes the capability and, while it stays unready, retries
// installation with exponential backoff. Permission failures escalate
// straight to the caller instead of burning the install budget.
func (o *Orchestrator) ensureReady(ctx context.Context, log logx.Logger, targetID string) error {
	probe := func() (bool, error) {
		pctx, cancel := context.WithTimeout(ctx, o.cfg.ReadyTimeout)
		defer cancel()
		return o.cap.IsReady(pctx, targetID)
	}

	ready, err := probe()
	if err != nil {
		return fmt.Errorf("readiness probe: %w", err)
	}
	if ready {
		return nil
	}

	backoff := o.cfg.InstallBackoff
	for i := 0; i < o.cfg.InstallRetries; i++ {
		ictx, cancel := context.WithTimeout(ctx, o.cfg.ReadyTimeout)
		err := o.cap.Install(ictx, targetID)
		cancel()
		if err != nil {
			if action.IsPermission(err) {
				return err
			}
			log.Debug("capability install failed",
				logx.Int("attempt", i+1), logx.Err(err))
		} else {
			ready, perr := probe()
			if perr != nil {
				return fmt.Errorf("readiness probe: %w", perr)
			}
			if ready {
				return nil
			}
		}
		if i < o.cfg.InstallRetries-1 {
			if serr := o.sleep(ctx, backoff); serr != nil {
				return serr
			}
			backoff *= 2
		}
	}
	return action.ErrNotReady
}

// afterFailure runs the breaker bookkeeping, the remediation attempt and
// the backoff reschedule for one failed cycle.
func (o *Orchestrator) afterFailure(ctx context.Context, log logx.Logger, targetID, cycle string, cause error) Outcome {
	now := o.now()
	wasOpen := o.breaker.IsOpen(now, targetID)
	o.breaker.RecordFailure(now, targetID)
	if !wasOpen && o.breaker.IsOpen(now, targetID) {
		failures := o.breaker.Failures(now, targetID)
		log.Warn("circuit breaker opened", logx.Int("failures", failures))
		o.publish(eventbus.TypeCircuitOpen, CircuitEvent{TargetID: targetID, Failures: failures})
	}

	retry := o.timers.NoteFailure(ctx, targetID, cause)
	if retry == 0 {
		log.Info("failure for a stopped timer, dropping", logx.Err(cause))
		return OutcomeFailure
	}
	log.Warn("click cycle failed", logx.Int("retry", retry), logx.Err(cause))
	o.publish(eventbus.TypeCycleFailure, CycleEvent{
		TargetID: targetID, Cycle: cycle, Error: cause.Error(),
	})

	next := o.retryDelay(retry)
	switch rerr := o.rem.Attempt(ctx, targetID, cause); {
	case rerr == nil:
		// Repaired; retry on the backoff cadence and let the next click
		// decide.
	case errors.Is(rerr, recovery.ErrTargetGone):
		o.stopTarget(ctx, log, targetID, "gone during recovery")
		return OutcomeTargetGone
	case errors.Is(rerr, recovery.ErrExhausted):
		next = o.cfg.FallbackInterval
		log.Warn("recovery exhausted, falling back to long cadence",
			logx.Duration("fallback", next))
		o.publish(eventbus.TypeRecoveryExhausted, ExhaustedEvent{TargetID: targetID, Fallback: next})
	default:
		log.Warn("remediation failed", logx.Err(rerr))
	}

	o.reschedule(ctx, log, targetID, next)
	return OutcomeFailure
}

func (o *Orchestrator) retryDelay(retry int) time.Duration {
	idx := retry - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(o.cfg.RetrySchedule) {
		idx = len(o.cfg.RetrySchedule) - 1
	}
	return o.cfg.RetrySchedule[idx]
}

// reschedule sets the next fire time, falling back to one emergency
// attempt. A missing record means the timer was stopped mid-cycle; it
// must not be resurrected, so that case returns quietly. Anything else
// is left for the health pass.
func (o *Orchestrator) reschedule(ctx context.Context, log logx.Logger, targetID string, interval time.Duration) {
	err := o.timers.ResetTimer(ctx, targetID, interval)
	if err == nil {
		return
	}
	if errors.Is(err, sched.ErrNotFound) {
		log.Info("timer stopped mid-cycle, not rescheduling")
		return
	}
	log.Error("reschedule failed, trying emergency interval",
		logx.Duration("interval", interval), logx.Err(err))
	if err := o.timers.ResetTimer(ctx, targetID, o.cfg.EmergencyInterval); err != nil && !errors.Is(err, sched.ErrNotFound) {
		log.Error("emergency reschedule failed, leaving target to the health pass", logx.Err(err))
	}
}

// stopTarget removes all state for a target that no longer exists.
func (o *Orchestrator) stopTarget(ctx context.Context, log logx.Logger, targetID, reason string) {
	if err := o.timers.StopTimer(ctx, targetID); err != nil && !errors.Is(err, sched.ErrNotFound) {
		log.Warn("stopping removed target failed", logx.Err(err))
	}
	o.breaker.Forget(targetID)
	o.rem.Reset(targetID)
	log.Warn("target gone, timer stopped", logx.String("reason", reason))
	o.publish(eventbus.TypeTargetGone, TargetGoneEvent{TargetID: targetID, Reason: reason})
}

func (o *Orchestrator) publish(typ string, data any) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(eventbus.Event{Type: typ, Data: data})
}

func shortID() string { return uuid.NewString()[:8] }

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
