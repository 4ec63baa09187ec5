// Package breaker throttles action attempts for targets that keep
// failing. It bounds the cost of a persistently broken page without
// requiring an operator: after the cool-down window passes the breaker
// closes again on its own and the target is naturally retried.
package breaker

import (
	"strings"
	"sync"
	"time"
)

const (
	DefaultMaxFailures = 5
	DefaultCoolDown    = 30 * time.Minute
)

type Config struct {
	MaxFailures int           // consecutive failures before the circuit opens
	CoolDown    time.Duration // window during which an open circuit suppresses attempts
}

// state tracks consecutive failures for a single target.
type state struct {
	fails       int
	lastFailure time.Time
}

// Breaker is safe for concurrent use. States are created lazily on first
// failure and dropped via Forget when a target goes away; nothing here is
// persisted, so a restart starts every target closed.
type Breaker struct {
	cfg Config

	mu sync.Mutex
	m  map[string]*state
}

func New(cfg Config) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = DefaultCoolDown
	}
	return &Breaker{cfg: cfg, m: map[string]*state{}}
}

// IsOpen reports whether attempts for targetID are currently suppressed:
// the failure count reached the trip threshold and the last failure is
// still inside the cool-down window. Once the window elapses the state
// resets even without an intervening success.
func (b *Breaker) IsOpen(now time.Time, targetID string) bool {
	targetID = strings.TrimSpace(targetID)
	if targetID == "" {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.m[targetID]
	if st == nil {
		return false
	}
	if b.expiredLocked(now, st) {
		st.fails = 0
		st.lastFailure = time.Time{}
		return false
	}
	return st.fails >= b.cfg.MaxFailures
}

func (b *Breaker) RecordFailure(now time.Time, targetID string) {
	targetID = strings.TrimSpace(targetID)
	if targetID == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.m[targetID]
	if st == nil {
		st = &state{}
		b.m[targetID] = st
	}
	if b.expiredLocked(now, st) {
		st.fails = 0
	}
	st.fails++
	st.lastFailure = now
}

func (b *Breaker) RecordSuccess(targetID string) {
	targetID = strings.TrimSpace(targetID)
	if targetID == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.m[targetID]
	if st == nil {
		return
	}
	st.fails = 0
	st.lastFailure = time.Time{}
}

// Forget drops all state for targetID. Called when a target is removed.
func (b *Breaker) Forget(targetID string) {
	b.mu.Lock()
	delete(b.m, targetID)
	b.mu.Unlock()
}

// Failures returns the current consecutive-failure count for targetID.
func (b *Breaker) Failures(now time.Time, targetID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.m[targetID]
	if st == nil {
		return 0
	}
	if b.expiredLocked(now, st) {
		return 0
	}
	return st.fails
}

// Snapshot reports how many targets carry breaker state and how many are
// currently open.
func (b *Breaker) Snapshot(now time.Time) (total, open int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	total = len(b.m)
	for _, st := range b.m {
		if st == nil || b.expiredLocked(now, st) {
			continue
		}
		if st.fails >= b.cfg.MaxFailures {
			open++
		}
	}
	return total, open
}

// expiredLocked reports whether st's failure streak fell outside the
// cool-down window.
func (b *Breaker) expiredLocked(now time.Time, st *state) bool {
	return !st.lastFailure.IsZero() && now.Sub(st.lastFailure) >= b.cfg.CoolDown
}
