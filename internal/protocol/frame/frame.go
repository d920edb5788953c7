package frame

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/rembraille/rembraille/internal/protocol"
)

const (
	// HeaderLen is the fixed wire header size:
	// version(1) | messageType(1) | payloadLen(2), big-endian.
	HeaderLen = 4

	// MaxPayload is the largest payload the 16-bit length field can carry.
	MaxPayload = 0xFFFF
)

var (
	ErrIncomplete      = errors.New("frame: incomplete frame")
	ErrVersionMismatch = errors.New("frame: unsupported protocol version")
	ErrPayloadTooLarge = errors.New("frame: payload too large")
)

// Frame is one complete wire message. It is immutable once constructed;
// Decode and Read always hand out a private payload copy.
type Frame struct {
	Type    protocol.MessageType
	Payload []byte
}

// Encode produces header+payload ready for transmission.
func Encode(msgType protocol.MessageType, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, ErrPayloadTooLarge
	}
	buf := make([]byte, HeaderLen+len(payload))
	buf[0] = protocol.Version
	buf[1] = uint8(msgType)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(payload)))
	copy(buf[HeaderLen:], payload)
	return buf, nil
}

// Decode extracts one frame from the front of an accumulating byte buffer.
// It returns ErrIncomplete while fewer than HeaderLen bytes, or fewer than
// HeaderLen+length bytes, are available; the caller reads more and retries.
// No partial frame is ever surfaced. The returned count is the number of
// bytes consumed from buf.
func Decode(buf []byte) (Frame, int, error) {
	if len(buf) < HeaderLen {
		return Frame{}, 0, ErrIncomplete
	}
	if buf[0] != protocol.Version {
		return Frame{}, 0, ErrVersionMismatch
	}
	length := int(binary.BigEndian.Uint16(buf[2:4]))
	total := HeaderLen + length
	if len(buf) < total {
		return Frame{}, 0, ErrIncomplete
	}
	payload := make([]byte, length)
	copy(payload, buf[HeaderLen:total])
	return Frame{Type: protocol.MessageType(buf[1]), Payload: payload}, total, nil
}

// Read blocks until one complete frame is read from r. A clean EOF before
// any header byte surfaces as io.EOF so callers can tell peer-closed from
// a torn frame.
func Read(r io.Reader) (Frame, error) {
	var header [HeaderLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, err
	}
	if header[0] != protocol.Version {
		return Frame{}, ErrVersionMismatch
	}
	length := int(binary.BigEndian.Uint16(header[2:4]))
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			if errors.Is(err, io.EOF) {
				return Frame{}, io.ErrUnexpectedEOF
			}
			return Frame{}, err
		}
	}
	return Frame{Type: protocol.MessageType(header[1]), Payload: payload}, nil
}

// Write encodes and writes one frame to w in a single Write call, so a
// caller serializing writes with a mutex never interleaves partial frames.
func Write(w io.Writer, msgType protocol.MessageType, payload []byte) error {
	buf, err := Encode(msgType, payload)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}
