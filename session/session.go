// Package session tracks the per-connection state of an MQTT client: the
// connection lifecycle, the packet identifier allocator, and the set of
// identifiers still held by unfinished QoS handshakes.
package session

import (
	"sync"
	"time"
)

// State represents the connection lifecycle state
type State byte

const (
	StateDisconnected State = iota // No connection
	StateConnecting                // Transport open, CONNACK outstanding
	StateConnected                 // CONNACK accepted
	StateClosing                   // Teardown in progress
)

// String returns human-readable state name
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Session represents one client connection's MQTT session state.
//
// The packet identifier allocator is scoped to the session: identifiers must
// be unique only among this connection's in-flight handshakes, and an
// identifier is not eligible for reuse until its handshake fully completes
// (PUBACK for QoS 1, PUBCOMP for QoS 2).
type Session struct {
	mu sync.Mutex

	ClientID     string
	CleanSession bool
	KeepAlive    uint16 // negotiated keep-alive interval in seconds
	CreatedAt    time.Time

	state        State
	nextPacketID uint16
	inflight     map[uint16]struct{}
}

// New creates a session for the given client identifier.
func New(clientID string, cleanSession bool) *Session {
	return &Session{
		ClientID:     clientID,
		CleanSession: cleanSession,
		CreatedAt:    time.Now(),
		state:        StateDisconnected,
		nextPacketID: 1,
		inflight:     make(map[uint16]struct{}),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transition moves the session from one state to another. It fails with
// ErrInvalidTransition when the session is not in the expected state, which
// callers map to errors like "already connected".
func (s *Session) Transition(from, to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != from {
		return ErrInvalidTransition
	}
	s.state = to
	return nil
}

// ForceState sets the state unconditionally. Used on teardown, where the
// session may be in any state.
func (s *Session) ForceState(to State) {
	s.mu.Lock()
	s.state = to
	s.mu.Unlock()
}

// NextPacketID allocates a packet identifier for a QoS > 0 operation.
//
// The counter is monotonic, wraps from 65535 to 1, never yields 0, and
// skips identifiers still in flight. When every identifier is pending the
// allocation fails with ErrTooManyInflight.
func (s *Session) NextPacketID() (uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.inflight) >= 65535 {
		return 0, ErrTooManyInflight
	}

	for {
		id := s.nextPacketID
		s.nextPacketID++
		if s.nextPacketID == 0 {
			s.nextPacketID = 1
		}

		if id == 0 {
			continue
		}
		if _, pending := s.inflight[id]; pending {
			continue
		}

		s.inflight[id] = struct{}{}
		return id, nil
	}
}

// Release returns a packet identifier to the pool once its handshake has
// completed, failed, or timed out.
func (s *Session) Release(packetID uint16) {
	s.mu.Lock()
	delete(s.inflight, packetID)
	s.mu.Unlock()
}

// InflightCount returns the number of identifiers currently held.
func (s *Session) InflightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// ReleaseAll clears every in-flight identifier. Called on connection
// teardown; the identifier namespace does not survive the connection.
func (s *Session) ReleaseAll() {
	s.mu.Lock()
	s.inflight = make(map[uint16]struct{})
	s.mu.Unlock()
}
