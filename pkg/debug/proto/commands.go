package proto

import (
	"encoding/binary"
	"fmt"
)

// Command is one typed request to the agent. Execute drives the full
// exchange: send the request, receive the ACK / NACK, and, for commands that
// set the target running, await and acknowledge the out-of-band stop
// notification. The stop notification payload is kept as raw bytes; decoding
// it into a target snapshot is the caller's concern, which keeps this
// package free of any dependency on the target model.
type Command struct {
	msgType     MsgType
	data        []byte
	errorCode   ErrorCode
	reply       []byte
	stopPayload []byte
}

// Type returns the message type of the request.
func (c *Command) Type() MsgType {
	return c.msgType
}

// Reply returns the raw ACK payload.
func (c *Command) Reply() []byte {
	return c.reply
}

// StopPayload returns the raw payload of the stop notification, nil for
// commands that do not set the target running.
func (c *Command) StopPayload() []byte {
	return c.stopPayload
}

// causesStopNotification reports whether the agent follows up the ACK for
// this request with a TARGET_STOPPED message.
func (c *Command) causesStopNotification() bool {
	switch c.msgType {
	case MsgRun, MsgStep, MsgCont, MsgKill:
		return true
	}
	return false
}

// Execute performs the request / response exchange over the given transport.
// A NACK from the agent is returned as *ServerCommandError, any unexpected
// message type as ErrProtocol.
func (c *Command) Execute(t *Transport) error {
	t.log.Debug("Executing command", "type", c.msgType.String())
	if err := t.SendMessage(c.msgType, c.data); err != nil {
		return err
	}
	msg, err := t.RecvMessage()
	if err != nil {
		return err
	}
	switch msg.Type {
	case MsgAck:
		c.errorCode = ErrorOK
		c.reply = msg.Data
	case MsgNack:
		if len(msg.Data) < 1 {
			return fmt.Errorf("%w: received NACK without error code", ErrProtocol)
		}
		c.errorCode = ErrorCode(msg.Data[0])
		return &ServerCommandError{Code: c.errorCode}
	default:
		return fmt.Errorf("%w: received unexpected message of type %s instead of the expected ACK / NACK",
			ErrProtocol, msg.Type)
	}

	if c.causesStopNotification() {
		t.log.Debug("Waiting for TARGET_STOPPED message from agent")
		msg, err := t.RecvMessage()
		if err != nil {
			return err
		}
		if msg.Type != MsgTargetStopped {
			return fmt.Errorf("%w: received unexpected message %s from agent, expected MSG_TARGET_STOPPED",
				ErrProtocol, msg.Type)
		}
		if err := t.SendMessage(MsgAck, nil); err != nil {
			return err
		}
		c.stopPayload = msg.Data
	}
	return nil
}

// Init performs the initial handshake; issued by Connect.
func Init() *Command {
	return &Command{msgType: MsgInit}
}

// Run starts the target. The target snapshot arrives in the stop
// notification.
func Run() *Command {
	return &Command{msgType: MsgRun}
}

// Quit tells the agent to shut down.
func Quit() *Command {
	return &Command{msgType: MsgQuit}
}

// Cont resumes the stopped target.
func Cont() *Command {
	return &Command{msgType: MsgCont}
}

// Step single-steps the target by one instruction.
func Step() *Command {
	return &Command{msgType: MsgStep}
}

// Kill terminates the running target.
func Kill() *Command {
	return &Command{msgType: MsgKill}
}

// PeekMemCmd reads target memory.
type PeekMemCmd struct {
	Command
}

// PeekMem reads nbytes of target memory starting at address.
func PeekMem(address uint32, nbytes uint16) *PeekMemCmd {
	data := make([]byte, 6)
	binary.BigEndian.PutUint32(data[0:4], address)
	binary.BigEndian.PutUint16(data[4:6], nbytes)
	return &PeekMemCmd{Command{msgType: MsgPeekMem, data: data}}
}

// Result returns the memory content read from the target.
func (c *PeekMemCmd) Result() []byte {
	return c.reply
}

// PokeMem writes the given bytes into target memory at address.
func PokeMem(address uint32, content []byte) *Command {
	data := make([]byte, 4, 4+len(content))
	binary.BigEndian.PutUint32(data[0:4], address)
	return &Command{msgType: MsgPokeMem, data: append(data, content...)}
}

// SetBreakpoint sets a breakpoint at the given offset from the entry point.
// A one-shot breakpoint is removed by the agent on its first hit.
func SetBreakpoint(offset uint32, oneShot bool) *Command {
	data := make([]byte, 6)
	binary.BigEndian.PutUint32(data[0:4], offset)
	if oneShot {
		binary.BigEndian.PutUint16(data[4:6], 1)
	}
	return &Command{msgType: MsgSetBpoint, data: data}
}

// ClearBreakpoint clears the breakpoint with the given number.
func ClearBreakpoint(num uint32) *Command {
	data := make([]byte, 4)
	binary.BigEndian.PutUint32(data, num)
	return &Command{msgType: MsgClearBpoint, data: data}
}

// GetBaseAddressCmd queries the base address of a library.
type GetBaseAddressCmd struct {
	Command
}

// GetBaseAddress asks the agent for the base address of the named library,
// e.g. "exec.library". The name is sent NUL-terminated.
func GetBaseAddress(libraryName string) *GetBaseAddressCmd {
	data := append([]byte(libraryName), 0)
	return &GetBaseAddressCmd{Command{msgType: MsgGetBaseAddress, data: data}}
}

// Result returns the base address reported by the agent.
func (c *GetBaseAddressCmd) Result() (uint32, error) {
	if len(c.reply) < 4 {
		return 0, fmt.Errorf("%w: base address reply carries only %d bytes", ErrProtocol, len(c.reply))
	}
	return binary.BigEndian.Uint32(c.reply[0:4]), nil
}
