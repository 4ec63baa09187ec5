package sched

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound reports that no timer record exists for the target.
	// Reschedules racing a StopTimer land here; the caller must not
	// resurrect the record.
	ErrNotFound = errors.New("sched: no timer record")

	ErrEmptyTarget = errors.New("sched: empty target id")
	ErrBadInterval = errors.New("sched: interval must be positive")
	ErrPaused      = errors.New("sched: timer paused")
	ErrNotPaused   = errors.New("sched: timer not paused")
	ErrNotStarted  = errors.New("sched: service not started")
)

// RegistrationError reports that the host trigger for a timer could not
// be registered. For a fresh start the record is discarded; for a
// reschedule the record is kept so the health pass can re-arm it.
type RegistrationError struct {
	TargetID string
	Err      error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("sched: registering trigger for %s: %v", e.TargetID, e.Err)
}

func (e *RegistrationError) Unwrap() error { return e.Err }

func IsRegistration(err error) bool {
	var re *RegistrationError
	return errors.As(err, &re)
}
