// Package action holds the contracts between the scheduling core and the
// outside world: the capability that performs the click, the registry that
// tracks what pages exist, and the settings the orchestrator consults.
// Core packages depend on these interfaces, never on the browser adapters.
package action

import (
	"context"
	"errors"
	"time"
)

// ErrNotReady reports a capability that stayed unready through the bounded
// install attempts of one cycle.
var ErrNotReady = errors.New("action: capability not ready")

// Result is the closed outcome shape of one invocation. Details carries a
// short operator-readable reason, nothing structured.
type Result struct {
	Success bool   `json:"success"`
	Details string `json:"details,omitempty"`
}

// TargetMeta describes a resolved target at one point in time.
type TargetMeta struct {
	ID      string `json:"id"`
	Title   string `json:"title,omitempty"`
	URL     string `json:"url,omitempty"`
	Kind    string `json:"kind,omitempty"` // "page" for browser tabs
	Loading bool   `json:"loading,omitempty"`
	Crashed bool   `json:"crashed,omitempty"`
	Paused  bool   `json:"paused,omitempty"` // administrative pause
}

// Capability performs the action against a target. Install failures caused
// by the browser denying access satisfy IsPermission.
type Capability interface {
	IsReady(ctx context.Context, targetID string) (bool, error)
	Install(ctx context.Context, targetID string) error
	Invoke(ctx context.Context, targetID string) (Result, error)
}

// Registry resolves target ids to live metadata.
//
// A target that no longer exists resolves to (nil, nil); errors are
// reserved for the lookup itself failing. Reload asks the host to reload
// the target's underlying resource (heavy remediation path).
type Registry interface {
	Resolve(ctx context.Context, targetID string) (*TargetMeta, error)
	IsValid(meta *TargetMeta) bool
	Reload(ctx context.Context, targetID string) error
}

// Settings supplies the two knobs the expiration path reads. Interval
// returns the configured cadence for a target, falling back to the
// global default for ids without one of their own.
type Settings interface {
	Interval(targetID string) time.Duration
	GlobalPause() bool
}
