package encoding

import (
	"bytes"
	"io"
)

// packetBuilder accumulates a packet's variable header and payload, then
// frames it: the remaining length falls out of the body size, so encoders
// never precompute lengths. The first field error sticks and surfaces at
// emit time.
type packetBuilder struct {
	body bytes.Buffer
	err  error
}

func (b *packetBuilder) byte1(v byte) {
	if b.err != nil {
		return
	}
	b.body.WriteByte(v)
}

func (b *packetBuilder) uint16(v uint16) {
	if b.err != nil {
		return
	}
	b.body.WriteByte(byte(v >> 8))
	b.body.WriteByte(byte(v))
}

// str appends a two-byte length prefix and the string bytes.
func (b *packetBuilder) str(s string) {
	if b.err != nil {
		return
	}
	if len(s) > 65535 {
		b.err = ErrStringTooLong
		return
	}
	b.uint16(uint16(len(s)))
	b.body.WriteString(s)
}

// bin appends a two-byte length prefix and the raw bytes.
func (b *packetBuilder) bin(p []byte) {
	if b.err != nil {
		return
	}
	if len(p) > 65535 {
		b.err = ErrStringTooLong
		return
	}
	b.uint16(uint16(len(p)))
	b.body.Write(p)
}

// raw appends bytes with no prefix, as for the PUBLISH payload.
func (b *packetBuilder) raw(p []byte) {
	if b.err != nil {
		return
	}
	b.body.Write(p)
}

// emit writes the fixed header for the accumulated body, then the body.
func (b *packetBuilder) emit(w io.Writer, t PacketType, flags byte) error {
	if b.err != nil {
		return b.err
	}

	fh := FixedHeader{
		Type:            t,
		Flags:           flags,
		RemainingLength: uint32(b.body.Len()),
	}
	if err := fh.EncodeFixedHeader(w); err != nil {
		return err
	}

	if b.body.Len() == 0 {
		return nil
	}
	_, err := w.Write(b.body.Bytes())
	return err
}
