package status

import (
	"errors"
	"fmt"

	"github.com/example/driver-availability/internal/models"
)

var (
	// ErrDriverNotFound: the driver is missing or soft-deleted. Terminal.
	ErrDriverNotFound = errors.New("driver not found")
	// ErrInvalidTransition: the target is unreachable from the current
	// status, or equals it. Terminal; the caller must resync state.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrGuardViolation: an active-booking guard failed. Terminal unless the
	// caller escalates to a role with guard override.
	ErrGuardViolation = errors.New("guard violation")
	// ErrInsufficientPermission: a role-gated transition was attempted by an
	// actor without the required capability. Terminal.
	ErrInsufficientPermission = errors.New("insufficient permission")
	// ErrTransientStore: the transactional write timed out or hit
	// contention. Retryable with backoff.
	ErrTransientStore = errors.New("transient store error")
)

// TransitionError wraps a rejection sentinel with enough detail for the
// caller to correct the request.
type TransitionError struct {
	Sentinel error
	Current  models.Status
	Target   models.Status
	Guard    string // which guard or capability failed, when applicable
}

func (e *TransitionError) Error() string {
	if e.Guard != "" {
		return fmt.Sprintf("%v: %s -> %s (%s)", e.Sentinel, e.Current, e.Target, e.Guard)
	}
	return fmt.Sprintf("%v: %s -> %s", e.Sentinel, e.Current, e.Target)
}

func (e *TransitionError) Unwrap() error { return e.Sentinel }

func rejected(sentinel error, current, target models.Status, guard string) error {
	return &TransitionError{Sentinel: sentinel, Current: current, Target: target, Guard: guard}
}
