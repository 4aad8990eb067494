package qos

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksinghal/mqtt-nio/encoding"
	"github.com/ksinghal/mqtt-nio/types/message"
)

// recorder captures handler callbacks for assertions
type recorder struct {
	delivered []*message.Message
	pubacks   []uint16
	pubrecs   []uint16
	pubcomps  []uint16
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		Deliver: func(msg *message.Message) { r.delivered = append(r.delivered, msg) },
		SendPuback: func(packetID uint16) error {
			r.pubacks = append(r.pubacks, packetID)
			return nil
		},
		SendPubrec: func(packetID uint16) error {
			r.pubrecs = append(r.pubrecs, packetID)
			return nil
		},
		SendPubcomp: func(packetID uint16) error {
			r.pubcomps = append(r.pubcomps, packetID)
			return nil
		},
	}
}

func msg(packetID uint16, qos encoding.QoS, dup bool) *message.Message {
	return &message.Message{
		PacketID: packetID,
		Topic:    "a/b",
		Payload:  []byte("x"),
		QoS:      qos,
		DUP:      dup,
	}
}

// TestInbound_QoS0 delivers without any acknowledgment
func TestInbound_QoS0(t *testing.T) {
	rec := &recorder{}
	h := NewInbound(nil, rec.callbacks())

	require.NoError(t, h.HandlePublish(msg(0, encoding.QoS0, false)))

	assert.Len(t, rec.delivered, 1)
	assert.Empty(t, rec.pubacks)
	assert.Empty(t, rec.pubrecs)
}

// TestInbound_QoS1 delivers then acknowledges with PUBACK
func TestInbound_QoS1(t *testing.T) {
	rec := &recorder{}
	h := NewInbound(nil, rec.callbacks())

	require.NoError(t, h.HandlePublish(msg(5, encoding.QoS1, false)))

	assert.Len(t, rec.delivered, 1)
	assert.Equal(t, []uint16{5}, rec.pubacks)
}

// TestInbound_QoS1_DupReplay acknowledges a DUP replay without redelivery
func TestInbound_QoS1_DupReplay(t *testing.T) {
	rec := &recorder{}
	h := NewInbound(nil, rec.callbacks())

	require.NoError(t, h.HandlePublish(msg(5, encoding.QoS1, false)))
	require.NoError(t, h.HandlePublish(msg(5, encoding.QoS1, true)))

	assert.Len(t, rec.delivered, 1)
	assert.Equal(t, []uint16{5, 5}, rec.pubacks)
}

// TestInbound_QoS2_ExactlyOnce runs the full inbound exactly-once exchange:
// exactly one PUBREC, one delivery, and one PUBCOMP upon PUBREL
func TestInbound_QoS2_ExactlyOnce(t *testing.T) {
	rec := &recorder{}
	h := NewInbound(nil, rec.callbacks())

	require.NoError(t, h.HandlePublish(msg(7, encoding.QoS2, false)))
	assert.Len(t, rec.delivered, 1)
	assert.Equal(t, []uint16{7}, rec.pubrecs)
	assert.Equal(t, 1, h.PendingPubrel())

	require.NoError(t, h.HandlePubrel(7))
	assert.Equal(t, []uint16{7}, rec.pubcomps)
	assert.Equal(t, 0, h.PendingPubrel())
}

// TestInbound_QoS2_DuplicateBeforePubrel suppresses redelivery of a
// duplicate PUBLISH that arrives between PUBREC and PUBREL
func TestInbound_QoS2_DuplicateBeforePubrel(t *testing.T) {
	rec := &recorder{}
	h := NewInbound(nil, rec.callbacks())

	require.NoError(t, h.HandlePublish(msg(7, encoding.QoS2, false)))
	require.NoError(t, h.HandlePublish(msg(7, encoding.QoS2, true)))

	// Delivered once, PUBREC answered both times.
	assert.Len(t, rec.delivered, 1)
	assert.Equal(t, []uint16{7, 7}, rec.pubrecs)

	require.NoError(t, h.HandlePubrel(7))
	assert.Equal(t, []uint16{7}, rec.pubcomps)

	// After PUBREL the identifier is released; a fresh PUBLISH with the
	// same identifier is a new message.
	require.NoError(t, h.HandlePublish(msg(7, encoding.QoS2, false)))
	assert.Len(t, rec.delivered, 2)
}

// TestInbound_PubrelUnknownID still answers with PUBCOMP
func TestInbound_PubrelUnknownID(t *testing.T) {
	rec := &recorder{}
	h := NewInbound(nil, rec.callbacks())

	require.NoError(t, h.HandlePubrel(42))
	assert.Equal(t, []uint16{42}, rec.pubcomps)
}

// TestInbound_Reset clears the per-connection state
func TestInbound_Reset(t *testing.T) {
	rec := &recorder{}
	h := NewInbound(nil, rec.callbacks())

	require.NoError(t, h.HandlePublish(msg(7, encoding.QoS2, false)))
	require.Equal(t, 1, h.PendingPubrel())

	h.Reset()
	assert.Equal(t, 0, h.PendingPubrel())

	// The same identifier delivers again on a fresh connection.
	require.NoError(t, h.HandlePublish(msg(7, encoding.QoS2, false)))
	assert.Len(t, rec.delivered, 2)
}

// TestInbound_Closed rejects publishes after close
func TestInbound_Closed(t *testing.T) {
	rec := &recorder{}
	h := NewInbound(nil, rec.callbacks())

	h.Close()
	assert.ErrorIs(t, h.HandlePublish(msg(1, encoding.QoS1, false)), ErrHandlerClosed)
}

// TestInbound_InvalidQoS rejects QoS 3
func TestInbound_InvalidQoS(t *testing.T) {
	rec := &recorder{}
	h := NewInbound(nil, rec.callbacks())

	assert.ErrorIs(t, h.HandlePublish(msg(1, encoding.QoS(3), false)), ErrInvalidQoS)
}
