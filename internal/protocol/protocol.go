package protocol

import "fmt"

const (
	// DefaultPort is the well-known TCP port for the RemBraille wire protocol.
	DefaultPort uint16 = 17635

	// Version is the single supported protocol revision. Any other version
	// byte on the wire is a hard decode failure.
	Version uint8 = 1
)

// MessageType identifies the payload shape of one frame.
type MessageType uint8

const (
	MsgHandshake        MessageType = 0x01
	MsgHandshakeAck     MessageType = 0x02
	MsgDisplayCells     MessageType = 0x10
	MsgKeyEvent         MessageType = 0x20
	MsgCellCountRequest MessageType = 0x30
	MsgCellCountReply   MessageType = 0x31
	MsgPing             MessageType = 0x40
	MsgPong             MessageType = 0x41
	MsgError            MessageType = 0xFF
)

// Known reports whether t is part of the closed message type enumeration.
// Unknown types still decode; receivers log and ignore them.
func (t MessageType) Known() bool {
	switch t {
	case MsgHandshake, MsgHandshakeAck, MsgDisplayCells, MsgKeyEvent,
		MsgCellCountRequest, MsgCellCountReply, MsgPing, MsgPong, MsgError:
		return true
	}
	return false
}

func (t MessageType) String() string {
	switch t {
	case MsgHandshake:
		return "handshake"
	case MsgHandshakeAck:
		return "handshake.ack"
	case MsgDisplayCells:
		return "display.cells"
	case MsgKeyEvent:
		return "key.event"
	case MsgCellCountRequest:
		return "cellcount.request"
	case MsgCellCountReply:
		return "cellcount.reply"
	case MsgPing:
		return "ping"
	case MsgPong:
		return "pong"
	case MsgError:
		return "error"
	}
	return fmt.Sprintf("unknown(0x%02X)", uint8(t))
}
