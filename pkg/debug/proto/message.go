package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// MaxFrameSize is the maximum number of bytes read from the socket at once.
	MaxFrameSize = 4096
	// MaxMsgDataLen is the maximum number of payload bytes a message can carry.
	MaxMsgDataLen = 255
	// HeaderSize is the size of the wire message header in bytes.
	HeaderSize = 6

	// ChecksumSentinel is written into the checksum field of every outgoing
	// message. The agent does not compute checksums yet; incoming messages
	// carrying the sentinel must be accepted without verification.
	ChecksumSentinel = 0xdead
)

// Error taxonomy of the protocol layer. Transport and protocol errors are
// fatal to the session, a NACK from the agent is not.
var (
	ErrTransport  = errors.New("transport error")
	ErrProtocol   = errors.New("protocol error")
	ErrShortFrame = fmt.Errorf("%w: frame too short for message header", ErrProtocol)
)

// MsgType is the type tag of a wire message.
type MsgType uint8

// Message types, kept in sync with the agent.
const (
	MsgInit MsgType = iota
	MsgAck
	MsgNack
	MsgRun
	MsgQuit
	MsgCont
	MsgStep
	MsgKill
	MsgPeekMem
	MsgPokeMem
	MsgSetBpoint
	MsgClearBpoint
	MsgTargetStopped
	MsgGetBaseAddress
)

var msgTypeNames = map[MsgType]string{
	MsgInit:           "MSG_INIT",
	MsgAck:            "MSG_ACK",
	MsgNack:           "MSG_NACK",
	MsgRun:            "MSG_RUN",
	MsgQuit:           "MSG_QUIT",
	MsgCont:           "MSG_CONT",
	MsgStep:           "MSG_STEP",
	MsgKill:           "MSG_KILL",
	MsgPeekMem:        "MSG_PEEK_MEM",
	MsgPokeMem:        "MSG_POKE_MEM",
	MsgSetBpoint:      "MSG_SET_BPOINT",
	MsgClearBpoint:    "MSG_CLEAR_BPOINT",
	MsgTargetStopped:  "MSG_TARGET_STOPPED",
	MsgGetBaseAddress: "MSG_GET_BASE_ADDRESS",
}

func (t MsgType) String() string {
	if name, ok := msgTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("MSG_UNKNOWN(%d)", uint8(t))
}

// ErrorCode is an error code returned by the agent in a NACK message.
type ErrorCode uint8

// Agent error codes, kept in sync with the agent.
const (
	ErrorOK ErrorCode = iota
	ErrorNotEnoughMemory
	ErrorInvalidAddress
	ErrorUnknownBreakpoint
	ErrorLoadTargetFailed
	ErrorCreateProcFailed
	ErrorUnknownStopReason
	ErrorNoTrap
	ErrorRunCommandFailed
	ErrorBadData
	ErrorOpenLibFailed
)

var errorCodeNames = map[ErrorCode]string{
	ErrorOK:                "ERROR_OK",
	ErrorNotEnoughMemory:   "ERROR_NOT_ENOUGH_MEMORY",
	ErrorInvalidAddress:    "ERROR_INVALID_ADDRESS",
	ErrorUnknownBreakpoint: "ERROR_UNKNOWN_BREAKPOINT",
	ErrorLoadTargetFailed:  "ERROR_LOAD_TARGET_FAILED",
	ErrorCreateProcFailed:  "ERROR_CREATE_PROC_FAILED",
	ErrorUnknownStopReason: "ERROR_UNKNOWN_STOP_REASON",
	ErrorNoTrap:            "ERROR_NO_TRAP",
	ErrorRunCommandFailed:  "ERROR_RUN_COMMAND_FAILED",
	ErrorBadData:           "ERROR_BAD_DATA",
	ErrorOpenLibFailed:     "ERROR_OPEN_LIB_FAILED",
}

func (c ErrorCode) String() string {
	if name, ok := errorCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ERROR_UNKNOWN(%d)", uint8(c))
}

// ServerCommandError is returned when the agent answers a request with a
// NACK. It is user-visible but not fatal to the session.
type ServerCommandError struct {
	Code ErrorCode
}

func (e *ServerCommandError) Error() string {
	return fmt.Sprintf("server command failed with error %s (%d)", e.Code, uint8(e.Code))
}

// Message is one wire message: a fixed-layout header followed by an opaque
// payload whose shape is determined by the type tag. All header fields are
// big-endian.
type Message struct {
	Seqnum   uint16
	Checksum uint16
	Type     MsgType
	Length   uint8
	Data     []byte
}

// Marshal serializes the message header and payload into the byte string
// that gets SLIP-encoded onto the wire.
func (m *Message) Marshal() []byte {
	buffer := make([]byte, HeaderSize, HeaderSize+len(m.Data))
	binary.BigEndian.PutUint16(buffer[0:2], m.Seqnum)
	binary.BigEndian.PutUint16(buffer[2:4], m.Checksum)
	buffer[4] = uint8(m.Type)
	buffer[5] = m.Length
	return append(buffer, m.Data...)
}

// ParseMessage decodes a message from a decoded SLIP frame. Frames with an
// incomplete header are rejected with ErrShortFrame, frames shorter than the
// length declared in the header with ErrProtocol.
func ParseMessage(frame []byte) (*Message, error) {
	if len(frame) < HeaderSize {
		return nil, ErrShortFrame
	}
	msg := &Message{
		Seqnum:   binary.BigEndian.Uint16(frame[0:2]),
		Checksum: binary.BigEndian.Uint16(frame[2:4]),
		Type:     MsgType(frame[4]),
		Length:   frame[5],
	}
	if len(frame) < HeaderSize+int(msg.Length) {
		return nil, fmt.Errorf("%w: frame carries %d payload bytes but header declares %d",
			ErrProtocol, len(frame)-HeaderSize, msg.Length)
	}
	msg.Data = frame[HeaderSize : HeaderSize+int(msg.Length)]
	return msg, nil
}
