package action

import (
	"errors"
	"fmt"
)

// PermissionError marks a failure the daemon must not retry blindly: the
// browser refused access (devtools disabled, forbidden origin, protocol
// denied). The recovery engine escalates these to heavy remediation.
type PermissionError struct {
	Op  string
	Err error
}

func (e *PermissionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: permission denied", e.Op)
	}
	return fmt.Sprintf("%s: permission denied: %v", e.Op, e.Err)
}

func (e *PermissionError) Unwrap() error { return e.Err }

// Permission wraps err as a permission-class failure.
func Permission(op string, err error) error {
	return &PermissionError{Op: op, Err: err}
}

// IsPermission reports whether err (or anything it wraps) is
// permission-class.
func IsPermission(err error) bool {
	var pe *PermissionError
	return errors.As(err, &pe)
}
