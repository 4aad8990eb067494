package transport

import "errors"

var (
	ErrConnectionClosed     = errors.New("connection is closed")
	ErrInvalidConfig        = errors.New("invalid transport configuration")
	ErrInvalidTLSConfig     = errors.New("invalid TLS configuration")
	ErrInvalidBackoffConfig = errors.New("invalid backoff configuration")
)
