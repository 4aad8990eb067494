package session

import "errors"

var (
	ErrTooManyInflight   = errors.New("all 65535 packet identifiers are in flight")
	ErrInvalidTransition = errors.New("invalid session state transition")
)
