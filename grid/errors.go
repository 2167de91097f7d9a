package grid

import (
	"errors"
	"fmt"
)

// Domain errors for engine and command operations.
var (
	// ErrNotFound indicates a target ID with no mapped element.
	ErrNotFound = errors.New("grid: element not found")

	// ErrInvalidValue indicates a command payload outside its domain range.
	ErrInvalidValue = errors.New("grid: invalid value")

	// ErrNotImplemented indicates a capability absent in this backend.
	// Distinct from ErrNotFound: the backend has no such element class at all.
	ErrNotImplemented = errors.New("grid: not implemented")

	// ErrTransport indicates the remote backend was unreachable or timed out.
	ErrTransport = errors.New("grid: transport failure")

	// ErrStateInvalid indicates a state query found non-finite values,
	// typically after a failed solve on a degenerate network.
	ErrStateInvalid = errors.New("grid: state invalid")
)

// CommandError wraps a failure during command execution with the command
// that caused it, so the tick loop can log and count without losing context.
type CommandError struct {
	Command Command
	Wrapped error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %s (target %d): %v", e.Command.Type(), e.Command.TargetID(), e.Wrapped)
}

func (e *CommandError) Unwrap() error {
	return e.Wrapped
}
