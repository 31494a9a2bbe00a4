package errdefs

import (
	"errors"
	"fmt"
)

// Sentinel kinds. Errors produced anywhere in Bureau wrap exactly one of
// these so callers can classify without string matching.
var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrTransient  = errors.New("transient failure")
	ErrFatal      = errors.New("fatal")
)

// Validationf returns a Validation-kind error.
func Validationf(format string, args ...any) error {
	return wrapf(ErrValidation, format, args...)
}

// NotFoundf returns a NotFound-kind error.
func NotFoundf(format string, args ...any) error {
	return wrapf(ErrNotFound, format, args...)
}

// Conflictf returns a Conflict-kind error.
func Conflictf(format string, args ...any) error {
	return wrapf(ErrConflict, format, args...)
}

// Transientf returns a Transient-kind error.
func Transientf(format string, args ...any) error {
	return wrapf(ErrTransient, format, args...)
}

// Fatalf returns a Fatal-kind error.
func Fatalf(format string, args ...any) error {
	return wrapf(ErrFatal, format, args...)
}

func wrapf(kind error, format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), kind)
}

func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }
func IsNotFound(err error) bool   { return errors.Is(err, ErrNotFound) }
func IsConflict(err error) bool   { return errors.Is(err, ErrConflict) }
func IsTransient(err error) bool  { return errors.Is(err, ErrTransient) }
func IsFatal(err error) bool      { return errors.Is(err, ErrFatal) }
