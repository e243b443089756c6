// Package errext provides error wrappers that carry extra, structured
// information alongside the usual error string, so that callers several
// layers removed from where an error originated can still recover a
// human-readable hint without string-matching the message.
package errext

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// HasHint is implemented by errors that carry a short remediation hint,
// e.g. "add an export named X to Y".
type HasHint interface {
	error
	Hint() string
}

type hintError struct {
	err  error
	hint string
}

func (e hintError) Error() string {
	return e.err.Error()
}

// Hint returns this error's hint, followed in parentheses by any hint
// already carried by a wrapped error, so nested WithHint calls compose
// instead of clobbering each other.
func (e hintError) Hint() string {
	var wrapped HasHint
	if errors.As(e.err, &wrapped) {
		return fmt.Sprintf("%s (%s)", e.hint, wrapped.Hint())
	}
	return e.hint
}

func (e hintError) Unwrap() error {
	return e.err
}

// WithHint wraps err so that Hint() returns hint. A nil err returns nil,
// so WithHint can be used unconditionally at the end of a validation
// function.
func WithHint(err error, hint string) error {
	if err == nil {
		return nil
	}
	return hintError{err: err, hint: hint}
}

// Format extracts a log-friendly message and field map from err. If err
// carries a hint, it is returned under the "hint" key.
func Format(err error) (string, map[string]interface{}) {
	if err == nil {
		return "", nil
	}

	fields := map[string]interface{}{}

	var hinted HasHint
	if errors.As(err, &hinted) {
		fields["hint"] = hinted.Hint()
	}

	return err.Error(), fields
}

// Fprint logs err (which may be nil, in which case it is a no-op) to
// logger at error level, attaching any fields Format extracted from it.
func Fprint(logger logrus.FieldLogger, err error) {
	if err == nil {
		return
	}
	msg, fields := Format(err)
	logger.WithFields(fields).Error(msg)
}
