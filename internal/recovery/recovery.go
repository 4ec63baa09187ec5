// Package recovery holds the bounded remediation logic that runs after a
// failed click cycle. It never reschedules anything itself; it reports
// how the attempt went and the orchestrator picks the next interval.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"clickd/internal/action"
	logx "clickd/pkg/logx"
)

const (
	DefaultMaxAttempts  = 3
	DefaultReadyTimeout = 30 * time.Second
	DefaultReadyPoll    = 2 * time.Second
)

var (
	// ErrExhausted reports that the per-target attempt budget is spent.
	// The target is not removed; the caller drops to a long fallback
	// cadence until a success resets the count.
	ErrExhausted = errors.New("recovery: attempts exhausted")

	// ErrTargetGone reports that the target disappeared (or went invalid)
	// during remediation. Terminal for the caller.
	ErrTargetGone = errors.New("recovery: target gone")
)

// Class is the closed classification of a cycle failure.
type Class int

const (
	ClassGeneric Class = iota
	ClassPermission
)

func (c Class) String() string {
	if c == ClassPermission {
		return "permission"
	}
	return "generic"
}

// Classify maps a cycle error to its remediation class. Permission-class
// failures get the heavy path.
func Classify(err error) Class {
	if action.IsPermission(err) {
		return ClassPermission
	}
	return ClassGeneric
}

type Config struct {
	// MaxAttempts bounds remediation attempts per target. The count
	// resets on a recovery success or a later successful click.
	MaxAttempts int
	// ReadyTimeout caps how long the heavy path waits for a reloaded
	// target to finish loading; ReadyPoll is the probe period.
	ReadyTimeout time.Duration
	ReadyPoll    time.Duration
}

func (c *Config) normalize() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = DefaultReadyTimeout
	}
	if c.ReadyPoll <= 0 {
		c.ReadyPoll = DefaultReadyPoll
	}
}

type Option func(*Engine)

// WithSleep overrides the wait between readiness probes. Tests only.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) {
		if sleep != nil {
			e.sleep = sleep
		}
	}
}

// Engine tracks remediation attempts per target and runs the class-matched
// repair path.
type Engine struct {
	cfg      Config
	registry action.Registry
	cap      action.Capability
	log      logx.Logger
	sleep    func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	attempts map[string]int
}

func New(cfg Config, registry action.Registry, cap action.Capability, log logx.Logger, opts ...Option) *Engine {
	cfg.normalize()
	e := &Engine{
		cfg:      cfg,
		registry: registry,
		cap:      cap,
		log:      log.With(logx.String("comp", "recovery")),
		sleep:    sleepCtx,
		attempts: map[string]int{},
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Attempt runs one remediation for targetID in response to cause.
//
// Outcomes: nil (repaired, count reset), ErrTargetGone (terminal),
// ErrExhausted (budget spent, caller falls back to the long cadence) or
// any other error (attempt failed, budget remains).
func (e *Engine) Attempt(ctx context.Context, targetID string, cause error) error {
	e.mu.Lock()
	n := e.attempts[targetID]
	if n >= e.cfg.MaxAttempts {
		e.mu.Unlock()
		return fmt.Errorf("%w for %s (%d attempts)", ErrExhausted, targetID, n)
	}
	n++
	e.attempts[targetID] = n
	e.mu.Unlock()

	class := Classify(cause)
	e.log.Info("remediation attempt",
		logx.String("target", targetID), logx.String("class", class.String()),
		logx.Int("attempt", n), logx.Int("max", e.cfg.MaxAttempts), logx.Err(cause))

	var err error
	if class == ClassPermission {
		err = e.heavy(ctx, targetID)
	} else {
		err = e.light(ctx, targetID)
	}
	if err != nil {
		if errors.Is(err, ErrTargetGone) {
			e.Reset(targetID)
			return err
		}
		e.log.Warn("remediation failed",
			logx.String("target", targetID), logx.Int("attempt", n), logx.Err(err))
		return err
	}

	e.Reset(targetID)
	e.log.Info("remediation succeeded", logx.String("target", targetID), logx.Int("attempt", n))
	return nil
}

// light re-validates the target and reinstalls the capability.
func (e *Engine) light(ctx context.Context, targetID string) error {
	meta, err := e.registry.Resolve(ctx, targetID)
	if err != nil {
		return fmt.Errorf("resolving target: %w", err)
	}
	if meta == nil || !e.registry.IsValid(meta) {
		return ErrTargetGone
	}
	if err := e.cap.Install(ctx, targetID); err != nil {
		return fmt.Errorf("reinstalling capability: %w", err)
	}
	return nil
}

// heavy reloads the target's resource, waits for it to come back and
// reinstalls the capability.
func (e *Engine) heavy(ctx context.Context, targetID string) error {
	meta, err := e.registry.Resolve(ctx, targetID)
	if err != nil {
		return fmt.Errorf("resolving target: %w", err)
	}
	if meta == nil || !e.registry.IsValid(meta) {
		return ErrTargetGone
	}
	if err := e.registry.Reload(ctx, targetID); err != nil {
		return fmt.Errorf("reloading target: %w", err)
	}
	if err := e.awaitReady(ctx, targetID); err != nil {
		return err
	}
	if err := e.cap.Install(ctx, targetID); err != nil {
		return fmt.Errorf("reinstalling capability: %w", err)
	}
	return nil
}

func (e *Engine) awaitReady(ctx context.Context, targetID string) error {
	steps := int(e.cfg.ReadyTimeout / e.cfg.ReadyPoll)
	if steps < 1 {
		steps = 1
	}
	for i := 0; i < steps; i++ {
		meta, err := e.registry.Resolve(ctx, targetID)
		if err != nil {
			return fmt.Errorf("probing target: %w", err)
		}
		if meta == nil {
			return ErrTargetGone
		}
		if meta.Crashed {
			return fmt.Errorf("target %s crashed after reload", targetID)
		}
		if !meta.Loading {
			return nil
		}
		if err := e.sleep(ctx, e.cfg.ReadyPoll); err != nil {
			return err
		}
	}
	return fmt.Errorf("target %s not ready after %v", targetID, e.cfg.ReadyTimeout)
}

// Reset clears targetID's attempt count. Called internally on success;
// the orchestrator also calls it after a clean click and when a target
// is removed.
func (e *Engine) Reset(targetID string) {
	e.mu.Lock()
	delete(e.attempts, targetID)
	e.mu.Unlock()
}

// Attempts reports the current count for targetID.
func (e *Engine) Attempts(targetID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attempts[targetID]
}

// Snapshot reports how many targets currently carry attempts and how
// many of them are exhausted.
func (e *Engine) Snapshot() (tracked, exhausted int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, n := range e.attempts {
		tracked++
		if n >= e.cfg.MaxAttempts {
			exhausted++
		}
	}
	return tracked, exhausted
}

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
