// Package alarm provides the named delayed-trigger facility the scheduling
// core runs on. It deliberately mimics a coarse host timer: delays snap to
// a granularity grid, fire delivery is asynchronous, and callers get no
// precision guarantees. The core must reconcile against that, not assume
// exact timing.
package alarm

import (
	"errors"
	"time"
)

var (
	ErrEmptyName = errors.New("alarm: empty name")
	ErrStopped   = errors.New("alarm: runtime stopped")
)

// Entry describes one registered trigger.
type Entry struct {
	Name  string        `json:"name"`
	When  time.Time     `json:"when"`            // next fire time
	Every time.Duration `json:"every,omitempty"` // 0 means one-shot
}

// Scheduler is the delayed-trigger contract.
//
// Create replaces any existing trigger with the same name. Clear of an
// unknown name is not an error and reports false. Granularity returns the
// minimum delay the facility honors; requested delays snap down to that
// grid (never below one tick), so a fire can arrive before the requested
// delay has fully elapsed.
type Scheduler interface {
	Create(name string, delay time.Duration) error
	CreateRepeating(name string, every time.Duration) error
	Get(name string) (Entry, bool)
	GetAll() []Entry
	Clear(name string) bool
	Granularity() time.Duration
}
