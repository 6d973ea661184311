package agent

import (
	"errors"
	"fmt"
)

// ErrInvalidSpec is returned when a desired spec can never be applied.
var ErrInvalidSpec = errors.New("invalid agent spec")

// FatalError marks an error that will not resolve by retrying, such as a
// malformed spec or a permanent permission failure.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal: %v", e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// Fatal wraps err so that IsFatal reports true for it. A nil err stays nil.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	var fe *FatalError
	if errors.As(err, &fe) {
		return err
	}
	return &FatalError{Err: err}
}

// IsFatal reports whether err, or anything it wraps, is non-retryable.
// Errors wrapping ErrInvalidSpec are always fatal.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var fe *FatalError
	return errors.As(err, &fe) || errors.Is(err, ErrInvalidSpec)
}
