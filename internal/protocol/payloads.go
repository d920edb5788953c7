package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	keyEventLen  = 3
	cellCountLen = 2

	keyEventDown uint8 = 0x01
	keyEventUp   uint8 = 0x02
)

var (
	ErrBadKeyEvent  = errors.New("protocol: malformed key event payload")
	ErrBadCellCount = errors.New("protocol: malformed cell count payload")
)

// KeyEvent is one key press or release reported by the peer display.
type KeyEvent struct {
	KeyID   uint16
	Pressed bool
}

// EncodeKeyEvent produces the 3-byte key event payload:
// [keyID:2 big-endian][eventType:1] with 1=down, 2=up.
func EncodeKeyEvent(ev KeyEvent) []byte {
	out := make([]byte, keyEventLen)
	binary.BigEndian.PutUint16(out[0:2], ev.KeyID)
	if ev.Pressed {
		out[2] = keyEventDown
	} else {
		out[2] = keyEventUp
	}
	return out
}

func DecodeKeyEvent(payload []byte) (KeyEvent, error) {
	if len(payload) < keyEventLen {
		return KeyEvent{}, fmt.Errorf("%w: length %d", ErrBadKeyEvent, len(payload))
	}
	eventType := payload[2]
	if eventType != keyEventDown && eventType != keyEventUp {
		return KeyEvent{}, fmt.Errorf("%w: event type 0x%02X", ErrBadKeyEvent, eventType)
	}
	return KeyEvent{
		KeyID:   binary.BigEndian.Uint16(payload[0:2]),
		Pressed: eventType == keyEventDown,
	}, nil
}

// EncodeCellCount produces the 2-byte big-endian cell count payload
// carried by cellcount.reply.
func EncodeCellCount(count uint16) []byte {
	out := make([]byte, cellCountLen)
	binary.BigEndian.PutUint16(out, count)
	return out
}

func DecodeCellCount(payload []byte) (uint16, error) {
	if len(payload) != cellCountLen {
		return 0, fmt.Errorf("%w: length %d", ErrBadCellCount, len(payload))
	}
	return binary.BigEndian.Uint16(payload), nil
}
