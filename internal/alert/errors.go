package alert

import "errors"

// ErrMalformedInput is matched by every MalformedInputError.
var ErrMalformedInput = errors.New("malformed alert input")

// MalformedInputError reports a payload that matches no known alert shape.
type MalformedInputError struct {
	Reason string
}

func (e *MalformedInputError) Error() string {
	return "malformed alert input: " + e.Reason
}

func (e *MalformedInputError) Unwrap() error { return ErrMalformedInput }

func malformed(reason string) error {
	return &MalformedInputError{Reason: reason}
}
