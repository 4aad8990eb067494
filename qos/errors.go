package qos

import "errors"

var (
	ErrHandlerClosed = errors.New("qos handler is closed")
	ErrInvalidQoS    = errors.New("invalid QoS level")
)
