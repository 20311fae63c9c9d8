package actionctl

import (
	"errors"
	"fmt"
)

// ErrResetStormSuppressed is the sentinel cause wrapped by a ResetError when
// the Reset Storm Guard trips: a single action has triggered resets faster
// than its sliding window permits, so the Controller escalates straight to
// "error" instead of retrying.
var ErrResetStormSuppressed = errors.New("actionctl: reset storm suppressed, action retriggers resets too fast")

// ErrCancelled is returned by a Deferred or IdleTask that was cancelled
// before settling, e.g. via Queue.RemoveAll or Controller reset.
var ErrCancelled = errors.New("actionctl: cancelled")

// ErrNotRunning is returned by operations that require a running Controller.
var ErrNotRunning = errors.New("actionctl: controller is not running")

// ErrAlreadyRunning is returned by Start when the Controller is already running.
var ErrAlreadyRunning = errors.New("actionctl: controller is already running")

// ProgrammerError represents a hard, non-recoverable failure caused by a bug
// in an action body's declaration or use of the Receiver API: an invalid
// transfer target, a transfer target requiring locks the caller did not
// declare, an action body returning a non-deferred value, an unknown lock
// name, or an invalid/cyclic-and-unresolvable registry declaration.
//
// ProgrammerError is never treated as an operational failure: it does not
// trigger a controller reset, and callers are expected to fix the bug, not
// recover from it at runtime.
type ProgrammerError struct {
	// Op names the operation that detected the violation, e.g.
	// "registry.resolve", "receiver.transfer".
	Op string
	// Detail is a human-readable description of the violation.
	Detail string
	// Cause is an optional wrapped error.
	Cause error
}

func (e *ProgrammerError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("actionctl: programmer error in %s: %s: %v", e.Op, e.Detail, e.Cause)
	}
	return fmt.Sprintf("actionctl: programmer error in %s: %s", e.Op, e.Detail)
}

func (e *ProgrammerError) Unwrap() error { return e.Cause }

// OperationalError wraps the rejection reason of an action body invocation,
// attributing it to the action's identifier.
type OperationalError struct {
	Action string
	Cause  error
}

func (e *OperationalError) Error() string {
	return fmt.Sprintf("actionctl: action %q failed: %v", e.Action, e.Cause)
}

func (e *OperationalError) Unwrap() error { return e.Cause }

// ResetError wraps a lifecycle-hook rejection observed during the reset
// pipeline (_resetWithDelay), or the reason a reset was escalated to "error"
// without running (Reset Storm Guard suppression, retry delay past
// MaxRetryWindow, or a Controller that is not running).
type ResetError struct {
	// Hook is one of "beforeStartup", "onReset", "afterStartup", or "" when
	// the reset was escalated without running a hook.
	Hook   string
	Module string
	Cause  error
}

func (e *ResetError) Error() string {
	if e.Hook == "" {
		return fmt.Sprintf("actionctl: reset failed: %v", e.Cause)
	}
	return fmt.Sprintf("actionctl: reset hook %s on module %q failed: %v", e.Hook, e.Module, e.Cause)
}

func (e *ResetError) Unwrap() error { return e.Cause }

// WrapError wraps cause with a contextual message, preserving the chain for
// errors.Is/errors.As.
func WrapError(message string, cause error) error {
	return fmt.Errorf("%s: %w", message, cause)
}
