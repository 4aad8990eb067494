package client

import (
	"errors"
	"fmt"

	"github.com/ksinghal/mqtt-nio/session"
)

var (
	// ErrAlreadyConnected indicates connect was called while a connection
	// exists or is being established.
	ErrAlreadyConnected = errors.New("client is already connected")

	// ErrNoConnection indicates an operation that requires a connection
	// was invoked without one.
	ErrNoConnection = errors.New("client is not connected")

	// ErrTimeout indicates a request's acknowledgment did not arrive
	// within the configured timeout. The connection stays usable.
	ErrTimeout = errors.New("request timed out")

	// ErrUnexpectedPacket indicates the broker sent a packet the protocol
	// does not allow at this point of the exchange.
	ErrUnexpectedPacket = errors.New("unexpected packet received")

	// ErrKeepAliveTimeout indicates the broker did not answer a keep-alive
	// ping in time; the connection is torn down.
	ErrKeepAliveTimeout = errors.New("keep-alive ping was not answered")

	// ErrTooManyInflight indicates every packet identifier is held by a
	// pending QoS handshake.
	ErrTooManyInflight = session.ErrTooManyInflight
)

// CONNACK return-code reason texts, indexed by code 1-5.
var connectRefusedReasons = map[byte]string{
	0x01: "unacceptable protocol version",
	0x02: "identifier rejected",
	0x03: "server unavailable",
	0x04: "bad user name or password",
	0x05: "not authorized",
}

// ConnectError reports a CONNACK carrying a nonzero return code.
type ConnectError struct {
	ReturnCode byte
}

func (e *ConnectError) Error() string {
	if reason, ok := connectRefusedReasons[e.ReturnCode]; ok {
		return fmt.Sprintf("connection refused: %s (return code %d)", reason, e.ReturnCode)
	}
	return fmt.Sprintf("connection refused: return code %d", e.ReturnCode)
}

// ClosedError reports that an operation was aborted because the connection
// closed or failed underneath it.
type ClosedError struct {
	Cause error
}

func (e *ClosedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("connection closed: %v", e.Cause)
	}
	return "connection closed"
}

func (e *ClosedError) Unwrap() error {
	return e.Cause
}

// TransportError reports a failure of the underlying byte stream.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// SubscribeError reports subscriptions the broker rejected with the 0x80
// SUBACK return code. Indices refer to the order filters were requested.
// The granted QoS vector returned alongside it is still valid for the
// accepted filters.
type SubscribeError struct {
	Indices []int
}

func (e *SubscribeError) Error() string {
	return fmt.Sprintf("broker rejected %d subscription(s) at indices %v", len(e.Indices), e.Indices)
}
