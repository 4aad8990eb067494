package encoding

import (
	"errors"
	"io"
)

// Wire primitives shared by the packet parsers.
//
// Per MQTT 3.1.1 section 1.5: two-byte integers are big-endian; UTF-8
// strings and binary data carry a two-byte big-endian length prefix. The
// string length is counted in bytes, not code points. The write direction
// goes through packetBuilder in builder.go.

func readByte(r io.Reader) (byte, error) {
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, ErrUnexpectedEOF
		}
		return 0, err
	}
	return buf[0], nil
}

func readTwoByteInt(r io.Reader) (uint16, error) {
	var buf [2]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, ErrUnexpectedEOF
		}
		return 0, err
	}
	return uint16(buf[0])<<8 | uint16(buf[1]), nil
}

// readUTF8String reads a length-prefixed UTF-8 string and validates it.
func readUTF8String(r io.Reader) (string, error) {
	length, err := readTwoByteInt(r)
	if err != nil {
		return "", err
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return "", ErrUnexpectedEOF
		}
		return "", err
	}

	if err := ValidateUTF8String(data); err != nil {
		return "", err
	}

	return string(data), nil
}

// readBinaryData reads length-prefixed raw bytes.
func readBinaryData(r io.Reader) ([]byte, error) {
	length, err := readTwoByteInt(r)
	if err != nil {
		return nil, err
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrUnexpectedEOF
		}
		return nil, err
	}

	return data, nil
}
