// Package permanent tags errors that retrying cannot fix, such as
// unroutable media or a gateway refusing the payload.
package permanent

import (
	"errors"
	"fmt"
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string {
	return e.err.Error()
}

func (e *permanentError) Unwrap() error {
	return e.err
}

// Permanent satisfies the marker interface checked by Is.
func (*permanentError) Permanent() bool {
	return true
}

// Mark wraps err as non-retryable; nil stays nil.
func Mark(err error) error {
	if err == nil || Is(err) {
		return err
	}
	return &permanentError{err: err}
}

// Errorf formats a new non-retryable error; %w verbs keep their chain.
func Errorf(format string, args ...any) error {
	return Mark(fmt.Errorf(format, args...))
}

// Is reports whether any error in the chain declares itself permanent.
func Is(err error) bool {
	var tagged interface{ Permanent() bool }
	return errors.As(err, &tagged) && tagged.Permanent()
}
