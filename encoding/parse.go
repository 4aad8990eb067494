package encoding

import (
	"errors"
	"io"
)

// ReadPacket reads one complete MQTT 3.1.1 control packet from the reader:
// fixed header first, then the type-specific variable header and payload.
func ReadPacket(r io.Reader) (Packet, error) {
	fh, err := ParseFixedHeader(r)
	if err != nil {
		return nil, err
	}
	return ParsePacket(r, fh)
}

// ParsePacket parses the variable header and payload of a packet whose fixed
// header has already been consumed from the reader.
func ParsePacket(r io.Reader, fh *FixedHeader) (Packet, error) {
	switch fh.Type {
	case CONNECT:
		return ParseConnectPacket(r, fh)
	case CONNACK:
		return ParseConnackPacket(r, fh)
	case PUBLISH:
		return ParsePublishPacket(r, fh)
	case PUBACK:
		pkt := &PubackPacket{FixedHeader: *fh}
		return pkt, parsePacketID(r, fh, &pkt.PacketID)
	case PUBREC:
		pkt := &PubrecPacket{FixedHeader: *fh}
		return pkt, parsePacketID(r, fh, &pkt.PacketID)
	case PUBREL:
		pkt := &PubrelPacket{FixedHeader: *fh}
		return pkt, parsePacketID(r, fh, &pkt.PacketID)
	case PUBCOMP:
		pkt := &PubcompPacket{FixedHeader: *fh}
		return pkt, parsePacketID(r, fh, &pkt.PacketID)
	case SUBSCRIBE:
		return ParseSubscribePacket(r, fh)
	case SUBACK:
		return ParseSubackPacket(r, fh)
	case UNSUBSCRIBE:
		return ParseUnsubscribePacket(r, fh)
	case UNSUBACK:
		pkt := &UnsubackPacket{FixedHeader: *fh}
		return pkt, parsePacketID(r, fh, &pkt.PacketID)
	case PINGREQ:
		return ParsePingreqPacket(fh)
	case PINGRESP:
		return ParsePingrespPacket(fh)
	case DISCONNECT:
		return ParseDisconnectPacket(fh)
	default:
		return nil, ErrInvalidType
	}
}

// parsePacketID reads the two-byte packet identifier body shared by the
// acknowledgment packets (PUBACK, PUBREC, PUBREL, PUBCOMP, UNSUBACK).
func parsePacketID(r io.Reader, fh *FixedHeader, dst *uint16) error {
	if fh.RemainingLength != 2 {
		return ErrInvalidRemainingLength
	}

	packetID, err := readTwoByteInt(r)
	if err != nil {
		return err
	}
	if packetID == 0 {
		return ErrInvalidPacketID
	}

	*dst = packetID
	return nil
}

// ParseConnectPacket parses an MQTT 3.1.1 CONNECT packet
func ParseConnectPacket(r io.Reader, fh *FixedHeader) (*ConnectPacket, error) {
	pkt := &ConnectPacket{FixedHeader: *fh}

	// Protocol name must be "MQTT"
	protocolName, err := readUTF8String(r)
	if err != nil {
		return nil, err
	}
	if protocolName != ProtocolName {
		return nil, ErrInvalidProtocolName
	}

	// Protocol level must be 4
	level, err := readByte(r)
	if err != nil {
		return nil, err
	}
	if level != ProtocolLevel {
		return nil, ErrUnsupportedProtocolLevel
	}

	// Connect flags
	connectFlags, err := readByte(r)
	if err != nil {
		return nil, err
	}

	// Reserved bit (bit 0) must be 0
	if connectFlags&0x01 != 0 {
		return nil, ErrInvalidConnectFlags
	}

	pkt.CleanSession = (connectFlags & 0x02) != 0
	pkt.WillFlag = (connectFlags & 0x04) != 0
	pkt.WillQoS = QoS((connectFlags & 0x18) >> 3)
	pkt.WillRetain = (connectFlags & 0x20) != 0
	pkt.PasswordFlag = (connectFlags & 0x40) != 0
	pkt.UsernameFlag = (connectFlags & 0x80) != 0

	if !pkt.WillQoS.IsValid() {
		return nil, ErrInvalidWillQoS
	}
	if !pkt.WillFlag && (pkt.WillQoS != QoS0 || pkt.WillRetain) {
		return nil, ErrWillFlagMismatch
	}
	if pkt.PasswordFlag && !pkt.UsernameFlag {
		return nil, ErrPasswordWithoutUsername
	}

	// Keep alive
	keepAlive, err := readTwoByteInt(r)
	if err != nil {
		return nil, err
	}
	pkt.KeepAlive = keepAlive

	// Payload, in the order dictated by the connect flags

	clientID, err := readUTF8String(r)
	if err != nil {
		return nil, err
	}
	pkt.ClientID = clientID

	if pkt.WillFlag {
		willTopic, err := readUTF8String(r)
		if err != nil {
			return nil, err
		}
		pkt.WillTopic = willTopic

		willPayload, err := readBinaryData(r)
		if err != nil {
			return nil, err
		}
		pkt.WillPayload = willPayload
	}

	if pkt.UsernameFlag {
		username, err := readUTF8String(r)
		if err != nil {
			return nil, err
		}
		pkt.Username = username
	}

	if pkt.PasswordFlag {
		password, err := readBinaryData(r)
		if err != nil {
			return nil, err
		}
		pkt.Password = password
	}

	return pkt, nil
}

// ParseConnackPacket parses an MQTT 3.1.1 CONNACK packet
func ParseConnackPacket(r io.Reader, fh *FixedHeader) (*ConnackPacket, error) {
	if fh.RemainingLength != 2 {
		return nil, ErrInvalidRemainingLength
	}

	pkt := &ConnackPacket{FixedHeader: *fh}

	// Connect acknowledge flags
	ackFlags, err := readByte(r)
	if err != nil {
		return nil, err
	}
	pkt.SessionPresent = (ackFlags & 0x01) != 0

	// Reserved bits (bits 7-1) must be 0
	if (ackFlags & 0xFE) != 0 {
		return nil, ErrMalformedPacket
	}

	// Return code
	returnCode, err := readByte(r)
	if err != nil {
		return nil, err
	}
	if returnCode > ConnectRefusedNotAuthorized {
		return nil, ErrInvalidConnackReturnCode
	}
	pkt.ReturnCode = returnCode

	return pkt, nil
}

// ParsePublishPacket parses an MQTT 3.1.1 PUBLISH packet
func ParsePublishPacket(r io.Reader, fh *FixedHeader) (*PublishPacket, error) {
	pkt := &PublishPacket{FixedHeader: *fh}

	// Topic name
	topicName, err := readUTF8String(r)
	if err != nil {
		return nil, err
	}
	pkt.TopicName = topicName

	// Packet ID for QoS 1 and 2
	headerSize := 2 + len(topicName)
	if fh.QoS > QoS0 {
		packetID, err := readTwoByteInt(r)
		if err != nil {
			return nil, err
		}
		if packetID == 0 {
			return nil, ErrInvalidPacketID
		}
		pkt.PacketID = packetID
		headerSize += 2
	}

	// Payload length is derived from the remaining length; there is no
	// inner length prefix.
	payloadLength := int(fh.RemainingLength) - headerSize
	if payloadLength < 0 {
		return nil, ErrInvalidRemainingLength
	}
	if payloadLength > 0 {
		payload := make([]byte, payloadLength)
		if _, err := io.ReadFull(r, payload); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, ErrUnexpectedEOF
			}
			return nil, err
		}
		pkt.Payload = payload
	}

	return pkt, nil
}

// ParseSubscribePacket parses an MQTT 3.1.1 SUBSCRIBE packet
func ParseSubscribePacket(r io.Reader, fh *FixedHeader) (*SubscribePacket, error) {
	pkt := &SubscribePacket{FixedHeader: *fh}

	packetID, err := readTwoByteInt(r)
	if err != nil {
		return nil, err
	}
	if packetID == 0 {
		return nil, ErrInvalidPacketID
	}
	pkt.PacketID = packetID

	// Repeated (topic filter, requested QoS) pairs until the end of the packet
	remaining := int(fh.RemainingLength) - 2
	for remaining > 0 {
		topicFilter, err := readUTF8String(r)
		if err != nil {
			return nil, err
		}

		qosByte, err := readByte(r)
		if err != nil {
			return nil, err
		}
		qos := QoS(qosByte)
		if !qos.IsValid() {
			return nil, ErrInvalidQoS
		}

		pkt.Subscriptions = append(pkt.Subscriptions, Subscription{
			TopicFilter: topicFilter,
			QoS:         qos,
		})

		remaining -= 2 + len(topicFilter) + 1
	}
	if remaining < 0 {
		return nil, ErrInvalidRemainingLength
	}
	if len(pkt.Subscriptions) == 0 {
		return nil, ErrEmptySubscriptionList
	}

	return pkt, nil
}

// ParseSubackPacket parses an MQTT 3.1.1 SUBACK packet
func ParseSubackPacket(r io.Reader, fh *FixedHeader) (*SubackPacket, error) {
	if fh.RemainingLength < 3 {
		return nil, ErrInvalidRemainingLength
	}

	pkt := &SubackPacket{FixedHeader: *fh}

	packetID, err := readTwoByteInt(r)
	if err != nil {
		return nil, err
	}
	if packetID == 0 {
		return nil, ErrInvalidPacketID
	}
	pkt.PacketID = packetID

	// One return code per requested filter
	returnCodes := make([]byte, fh.RemainingLength-2)
	if _, err := io.ReadFull(r, returnCodes); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrUnexpectedEOF
		}
		return nil, err
	}

	for _, code := range returnCodes {
		if code > byte(QoS2) && code != SubackFailure {
			return nil, ErrInvalidSubackReturnCode
		}
	}
	pkt.ReturnCodes = returnCodes

	return pkt, nil
}

// ParseUnsubscribePacket parses an MQTT 3.1.1 UNSUBSCRIBE packet
func ParseUnsubscribePacket(r io.Reader, fh *FixedHeader) (*UnsubscribePacket, error) {
	pkt := &UnsubscribePacket{FixedHeader: *fh}

	packetID, err := readTwoByteInt(r)
	if err != nil {
		return nil, err
	}
	if packetID == 0 {
		return nil, ErrInvalidPacketID
	}
	pkt.PacketID = packetID

	remaining := int(fh.RemainingLength) - 2
	for remaining > 0 {
		topicFilter, err := readUTF8String(r)
		if err != nil {
			return nil, err
		}
		pkt.TopicFilters = append(pkt.TopicFilters, topicFilter)
		remaining -= 2 + len(topicFilter)
	}
	if remaining < 0 {
		return nil, ErrInvalidRemainingLength
	}
	if len(pkt.TopicFilters) == 0 {
		return nil, ErrEmptyUnsubscribeList
	}

	return pkt, nil
}

// ParsePingreqPacket parses an MQTT 3.1.1 PINGREQ packet
func ParsePingreqPacket(fh *FixedHeader) (*PingreqPacket, error) {
	if fh.RemainingLength != 0 {
		return nil, ErrInvalidRemainingLength
	}
	return &PingreqPacket{FixedHeader: *fh}, nil
}

// ParsePingrespPacket parses an MQTT 3.1.1 PINGRESP packet
func ParsePingrespPacket(fh *FixedHeader) (*PingrespPacket, error) {
	if fh.RemainingLength != 0 {
		return nil, ErrInvalidRemainingLength
	}
	return &PingrespPacket{FixedHeader: *fh}, nil
}

// ParseDisconnectPacket parses an MQTT 3.1.1 DISCONNECT packet
func ParseDisconnectPacket(fh *FixedHeader) (*DisconnectPacket, error) {
	if fh.RemainingLength != 0 {
		return nil, ErrInvalidRemainingLength
	}
	return &DisconnectPacket{FixedHeader: *fh}, nil
}
