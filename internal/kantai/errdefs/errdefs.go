// Package errdefs defines the fleet error taxonomy.
//
// Each class is a sentinel that concrete errors wrap with %w, so callers test
// membership with errors.Is (or the Is* helpers) regardless of how much
// context was added on the way up.
package errdefs

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks a malformed id, name or request payload.
	ErrValidation = errors.New("validation error")
	// ErrConflict marks a duplicate agent id or port, or a container name
	// already held by a different container.
	ErrConflict = errors.New("conflict")
	// ErrRuntimeUnavailable marks a container engine that could not be reached
	// or did not answer within its timeout.
	ErrRuntimeUnavailable = errors.New("container runtime unavailable")
	// ErrArtifact marks a filesystem failure while generating an agent's
	// configuration or workspace.
	ErrArtifact = errors.New("artifact error")
	// ErrNotFound marks an operation on an unknown agent id or container.
	ErrNotFound = errors.New("not found")
)

// Validation returns an error wrapping ErrValidation.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Conflict returns an error wrapping ErrConflict.
func Conflict(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

// NotFound returns an error wrapping ErrNotFound.
func NotFound(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// Artifact wraps a filesystem error as ErrArtifact, keeping the cause
// reachable through errors.Is/As.
func Artifact(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrArtifact, op, err)
}

// Unavailable wraps an engine error as ErrRuntimeUnavailable.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrRuntimeUnavailable, op, err)
}

func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

func IsRuntimeUnavailable(err error) bool { return errors.Is(err, ErrRuntimeUnavailable) }

func IsArtifact(err error) bool { return errors.Is(err, ErrArtifact) }

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
