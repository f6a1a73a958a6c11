package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrHandleCreation means the OS refused the inhibit capability.
	ErrHandleCreation = errors.New("inhibit handle creation failed")

	// ErrSetInhibit means the OS rejected a block request.
	ErrSetInhibit = errors.New("set inhibit failed")

	// ErrClearInhibit means the OS rejected a release request.
	ErrClearInhibit = errors.New("clear inhibit failed")

	// ErrHandleDisposed is returned for any use of a closed handle.
	ErrHandleDisposed = errors.New("inhibit handle already disposed")

	// ErrUnsupportedPlatform is returned when no backend exists for this OS.
	ErrUnsupportedPlatform = errors.New("sleep inhibit not supported on this platform")
)

// SystemCallError wraps an OS failure with the operation that produced it.
// Kind is one of the sentinel errors above so callers can use errors.Is.
type SystemCallError struct {
	Op   string
	Kind error
	Err  error
}

// NewSystemCallError builds a SystemCallError.
func NewSystemCallError(op string, kind, err error) *SystemCallError {
	return &SystemCallError{Op: op, Kind: kind, Err: err}
}

func (e *SystemCallError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the sentinel kind and the underlying OS error.
func (e *SystemCallError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
