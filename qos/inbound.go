// Package qos drives the receiver side of the MQTT QoS 1 and QoS 2
// handshakes for inbound server publishes: delivery to the application,
// emission of the required acknowledgments, and duplicate suppression
// within one connection. Cross-connection deduplication is out of scope;
// the state does not survive the connection.
package qos

import (
	"sync"

	"github.com/ksinghal/mqtt-nio/encoding"
	"github.com/ksinghal/mqtt-nio/types/message"
)

// Config holds inbound handler configuration
type Config struct {
	EnableDedup     bool
	DedupWindowSize int
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		EnableDedup:     true,
		DedupWindowSize: 1000,
	}
}

// Callbacks holds the wire and delivery hooks the handler drives.
type Callbacks struct {
	// Deliver hands a message to the application's publish listeners.
	Deliver func(msg *message.Message)

	// SendPuback, SendPubrec, and SendPubcomp write the corresponding
	// acknowledgment packet for the given identifier.
	SendPuback  func(packetID uint16) error
	SendPubrec  func(packetID uint16) error
	SendPubcomp func(packetID uint16) error
}

// Inbound manages acknowledgment and deduplication for server publishes.
type Inbound struct {
	config    *Config
	callbacks Callbacks

	mu sync.Mutex
	// pubrecSent holds identifiers of QoS 2 publishes that were delivered
	// and acknowledged with PUBREC but whose PUBREL has not arrived yet. A
	// duplicate PUBLISH with such an identifier re-sends PUBREC without
	// re-delivering the payload.
	pubrecSent map[uint16]struct{}
	dedup      *dedupWindow
	closed     bool
}

// NewInbound creates an inbound handler with the given callbacks.
func NewInbound(config *Config, callbacks Callbacks) *Inbound {
	if config == nil {
		config = DefaultConfig()
	}

	h := &Inbound{
		config:     config,
		callbacks:  callbacks,
		pubrecSent: make(map[uint16]struct{}),
	}

	if config.EnableDedup {
		h.dedup = newDedupWindow(config.DedupWindowSize)
	}

	return h
}

// HandlePublish processes one inbound PUBLISH according to its QoS level.
func (h *Inbound) HandlePublish(msg *message.Message) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHandlerClosed
	}
	h.mu.Unlock()

	switch msg.QoS {
	case encoding.QoS0:
		return h.handleQoS0(msg)
	case encoding.QoS1:
		return h.handleQoS1(msg)
	case encoding.QoS2:
		return h.handleQoS2(msg)
	default:
		return ErrInvalidQoS
	}
}

// handleQoS0 delivers fire-and-forget; no acknowledgment.
func (h *Inbound) handleQoS0(msg *message.Message) error {
	h.deliver(msg)
	return nil
}

// handleQoS1 delivers then acknowledges with PUBACK. A DUP replay of an
// identifier seen recently is acknowledged without redelivery.
func (h *Inbound) handleQoS1(msg *message.Message) error {
	if h.config.EnableDedup && msg.DUP && h.dedup.contains(msg.PacketID) {
		return h.callbacks.SendPuback(msg.PacketID)
	}

	if h.config.EnableDedup {
		h.dedup.remember(msg.PacketID)
	}

	h.deliver(msg)
	return h.callbacks.SendPuback(msg.PacketID)
}

// handleQoS2 delivers exactly once: the payload is handed to listeners on
// the first PUBLISH only, the identifier is held until PUBREL, and every
// PUBLISH with a held identifier is answered with PUBREC.
func (h *Inbound) handleQoS2(msg *message.Message) error {
	h.mu.Lock()
	if _, held := h.pubrecSent[msg.PacketID]; held {
		h.mu.Unlock()
		return h.callbacks.SendPubrec(msg.PacketID)
	}
	h.pubrecSent[msg.PacketID] = struct{}{}
	h.mu.Unlock()

	h.deliver(msg)
	return h.callbacks.SendPubrec(msg.PacketID)
}

// HandlePubrel completes the inbound QoS 2 handshake: the identifier is
// released and PUBCOMP emitted. A PUBREL for an unknown identifier still
// gets its PUBCOMP, as the earlier exchange may have completed already.
func (h *Inbound) HandlePubrel(packetID uint16) error {
	h.mu.Lock()
	delete(h.pubrecSent, packetID)
	h.mu.Unlock()

	return h.callbacks.SendPubcomp(packetID)
}

// PendingPubrel returns the number of QoS 2 identifiers awaiting PUBREL.
func (h *Inbound) PendingPubrel() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pubrecSent)
}

// Reset clears all per-connection state. Called on connection close.
func (h *Inbound) Reset() {
	h.mu.Lock()
	h.pubrecSent = make(map[uint16]struct{})
	h.mu.Unlock()

	if h.dedup != nil {
		h.dedup.reset()
	}
}

// Close marks the handler unusable; subsequent publishes fail.
func (h *Inbound) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
}

func (h *Inbound) deliver(msg *message.Message) {
	if h.callbacks.Deliver != nil {
		h.callbacks.Deliver(msg)
	}
}
