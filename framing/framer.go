// Package framing slices an MQTT byte stream into whole control packets.
//
// The framer is fed arbitrary chunks as they arrive from the transport and
// yields complete packets once the fixed header, the remaining-length
// variable byte integer, and the body are all buffered. It tolerates any
// segmentation, including a varint split across chunks.
package framing

import (
	"errors"

	"github.com/ksinghal/mqtt-nio/encoding"
)

var (
	// ErrPacketTooLarge indicates a packet whose total size exceeds the
	// framer's configured maximum; the connection must be torn down.
	ErrPacketTooLarge = errors.New("packet exceeds maximum allowed size")
)

const (
	// DefaultMaxPacketSize bounds a whole packet: the largest legal
	// remaining length plus the five-byte fixed header.
	DefaultMaxPacketSize = int(encoding.MaxRemainingLength) + 5
)

// Config holds framer configuration
type Config struct {
	// MaxPacketSize is the upper bound on a whole packet, header included.
	// Zero selects DefaultMaxPacketSize.
	MaxPacketSize int
}

// Framer accumulates bytes and emits whole MQTT packets.
//
// Not safe for concurrent use; a framer belongs to a single connection's
// read loop.
type Framer struct {
	buf           []byte
	maxPacketSize int
}

// New creates a framer with the given configuration.
func New(cfg *Config) *Framer {
	maxSize := DefaultMaxPacketSize
	if cfg != nil && cfg.MaxPacketSize > 0 {
		maxSize = cfg.MaxPacketSize
	}

	return &Framer{
		maxPacketSize: maxSize,
	}
}

// Push appends a chunk and returns every whole packet now available, in
// arrival order. A partial packet stays buffered for the next chunk.
//
// ErrPacketTooLarge and malformed-header errors are fatal: the caller must
// close the connection and discard the framer.
func (f *Framer) Push(chunk []byte) ([][]byte, error) {
	f.buf = append(f.buf, chunk...)

	var frames [][]byte
	for {
		frame, err := f.next()
		if err != nil {
			return frames, err
		}
		if frame == nil {
			return frames, nil
		}
		frames = append(frames, frame)
	}
}

// next attempts to slice one whole packet off the front of the buffer.
// Returns nil with no error when more bytes are needed.
func (f *Framer) next() ([]byte, error) {
	if len(f.buf) < 2 {
		return nil, nil
	}

	remainingLength, varintLen, err := encoding.DecodeRemainingLengthFromBytes(f.buf[1:])
	if errors.Is(err, encoding.ErrUnexpectedEOF) {
		// The varint itself is still incomplete.
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	total := 1 + varintLen + int(remainingLength)
	if total > f.maxPacketSize {
		return nil, ErrPacketTooLarge
	}

	if len(f.buf) < total {
		return nil, nil
	}

	frame := make([]byte, total)
	copy(frame, f.buf[:total])
	f.buf = f.buf[total:]

	return frame, nil
}

// Buffered returns the number of bytes held for an incomplete packet.
func (f *Framer) Buffered() int {
	return len(f.buf)
}

// Reset drops any partially buffered packet.
func (f *Framer) Reset() {
	f.buf = f.buf[:0]
}
