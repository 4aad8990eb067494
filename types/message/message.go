package message

import (
	"github.com/ksinghal/mqtt-nio/encoding"
)

// Message is an application message carried by a PUBLISH packet, as handed
// to publish listeners and accepted by the client's publish operation.
type Message struct {
	PacketID uint16
	Topic    string
	Payload  []byte
	QoS      encoding.QoS
	Retain   bool
	DUP      bool
}

// New creates a message for publication. DUP is always false on first send;
// it is only meaningful on replay.
func New(topic string, payload []byte, qos encoding.QoS, retain bool) *Message {
	return &Message{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Retain:  retain,
	}
}

// FromPublish converts a decoded PUBLISH packet into a message.
func FromPublish(pkt *encoding.PublishPacket) *Message {
	return &Message{
		PacketID: pkt.PacketID,
		Topic:    pkt.TopicName,
		Payload:  pkt.Payload,
		QoS:      pkt.FixedHeader.QoS,
		Retain:   pkt.FixedHeader.Retain,
		DUP:      pkt.FixedHeader.DUP,
	}
}

// Clone creates a deep copy of the message. Each publish listener receives
// its own copy so one listener cannot mutate another's payload.
func (m *Message) Clone() *Message {
	payload := make([]byte, len(m.Payload))
	copy(payload, m.Payload)

	return &Message{
		PacketID: m.PacketID,
		Topic:    m.Topic,
		Payload:  payload,
		QoS:      m.QoS,
		Retain:   m.Retain,
		DUP:      m.DUP,
	}
}
