// Package apperr holds the engine's error taxonomy.
//
// Errors are built on github.com/cockroachdb/errors. Callers create errors
// with the helpers below (or errors.Newf/Wrap directly) and classify them
// with errors.Is against the sentinels:
//
//	if errors.Is(err, apperr.ErrConflict) {
//	    // another writer won the compare-and-swap
//	}
package apperr

import (
	"github.com/cockroachdb/errors"
)

// Sentinels used across the engine.
var (
	// ErrValidation marks input rejected before anything is persisted.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidPattern marks a recurrence rule that cannot be compiled.
	// Errors built with InvalidPattern carry both this mark and ErrValidation.
	ErrInvalidPattern = errors.New("invalid repeat pattern")

	// ErrNotFound indicates the job or object does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a compare-and-swap lost against a concurrent writer.
	ErrConflict = errors.New("status conflict")

	// ErrDependencyUnavailable indicates a collaborator (storage, bus, mail) is down.
	ErrDependencyUnavailable = errors.New("dependency unavailable")

	// ErrStorageUnavailable indicates run history could not be written or read.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrCancelled indicates the run was cancelled at a checkpoint.
	ErrCancelled = errors.New("cancelled")
)

// Invalid returns a validation error with the given message.
func Invalid(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrValidation)
}

// InvalidPattern returns a recurrence error, which is also a validation error.
func InvalidPattern(format string, args ...any) error {
	return errors.Mark(errors.Mark(errors.Newf(format, args...), ErrInvalidPattern), ErrValidation)
}

// NotFound returns an ErrNotFound with context.
func NotFound(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrNotFound)
}

// Conflict returns an ErrConflict with context.
func Conflict(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrConflict)
}

// Unavailable wraps err as a dependency outage. A nil err yields a bare
// ErrDependencyUnavailable carrying the message.
func Unavailable(err error, format string, args ...any) error {
	if err == nil {
		return errors.Mark(errors.Newf(format, args...), ErrDependencyUnavailable)
	}
	return errors.Mark(errors.Wrapf(err, format, args...), ErrDependencyUnavailable)
}

// IsValidation, IsNotFound and IsConflict are shorthands for errors.Is.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }
