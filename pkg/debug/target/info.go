// Package target models the state of the remote target: the snapshot sent
// with every stop notification, the classification of the next instruction,
// the rendered views of registers / stack / disassembly / source, the call
// stack walker and the system-call decoder.
package target

import (
	"encoding/binary"
	"fmt"

	"github.com/mkoberg/amidbg/pkg/debug/proto"
	"github.com/mkoberg/amidbg/pkg/m68k"
)

// Snapshot geometry, kept in sync with the agent.
const (
	NumNextInstructions = 8
	MaxInstrBytes       = 8
	NumTopStackDwords   = 8

	// InfoSize is the size of the packed snapshot in bytes.
	InfoSize = 204
)

// Target states sent in the target_state bitmask. A stopped target has
// TSRunning set in addition to a stop reason unless it has exited, been
// killed, or hit an internal error.
const (
	TSIdle                   uint32 = 0
	TSRunning                uint32 = 1
	TSSingleStepping         uint32 = 2
	TSExited                 uint32 = 4
	TSKilled                 uint32 = 8
	TSStoppedByBpoint        uint32 = 16
	TSStoppedByOneShotBpoint uint32 = 32
	TSStoppedBySingleStep    uint32 = 64
	TSStoppedByException     uint32 = 128
	TSError                  uint32 = 65536
)

// TaskContext is the register file of the target task at the stop.
// A7 is the stack pointer and lives in RegSP.
type TaskContext struct {
	RegSP  uint32
	ExcNum uint32
	RegSR  uint16
	RegPC  uint32
	RegD   [8]uint32
	RegA   [7]uint32
}

// Breakpoint describes the breakpoint reported in a stop notification.
// Opcode is the original instruction word saved when the breakpoint was
// planted.
type Breakpoint struct {
	Num      uint32
	Address  uint32
	Opcode   uint16
	HitCount uint32
}

// Info is the packed big-endian snapshot sent by the agent with every stop
// notification. All "offset relative to entry" computations subtract
// InitialPC.
type Info struct {
	InitialPC      uint32
	InitialSP      uint32
	TaskContext    TaskContext
	State          uint32
	ExitCode       uint32
	ErrorCode      uint32
	NextInstrBytes [NumNextInstructions * MaxInstrBytes]byte
	TopStackDwords [NumTopStackDwords]uint32
	Bpoint         Breakpoint
}

// ParseInfo deserializes the snapshot from the raw stop notification
// payload.
func ParseInfo(data []byte) (*Info, error) {
	if len(data) < InfoSize {
		return nil, fmt.Errorf("%w: target snapshot carries %d bytes, expected %d", proto.ErrProtocol, len(data), InfoSize)
	}
	info := &Info{
		InitialPC: binary.BigEndian.Uint32(data[0:4]),
		InitialSP: binary.BigEndian.Uint32(data[4:8]),
		TaskContext: TaskContext{
			RegSP:  binary.BigEndian.Uint32(data[8:12]),
			ExcNum: binary.BigEndian.Uint32(data[12:16]),
			RegSR:  binary.BigEndian.Uint16(data[16:18]),
			RegPC:  binary.BigEndian.Uint32(data[18:22]),
		},
		State:     binary.BigEndian.Uint32(data[82:86]),
		ExitCode:  binary.BigEndian.Uint32(data[86:90]),
		ErrorCode: binary.BigEndian.Uint32(data[90:94]),
		Bpoint: Breakpoint{
			Num:      binary.BigEndian.Uint32(data[190:194]),
			Address:  binary.BigEndian.Uint32(data[194:198]),
			Opcode:   binary.BigEndian.Uint16(data[198:200]),
			HitCount: binary.BigEndian.Uint32(data[200:204]),
		},
	}
	for i := 0; i < 8; i++ {
		info.TaskContext.RegD[i] = binary.BigEndian.Uint32(data[22+4*i : 26+4*i])
	}
	for i := 0; i < 7; i++ {
		info.TaskContext.RegA[i] = binary.BigEndian.Uint32(data[54+4*i : 58+4*i])
	}
	copy(info.NextInstrBytes[:], data[94:158])
	for i := 0; i < NumTopStackDwords; i++ {
		info.TopStackDwords[i] = binary.BigEndian.Uint32(data[158+4*i : 162+4*i])
	}
	return info, nil
}

// EntryOffset returns the PC as an offset relative to the entry point.
func (i *Info) EntryOffset() uint32 {
	return i.TaskContext.RegPC - i.InitialPC
}

// IsRunning reports whether the target is stopped but still alive, i.e. a
// resume or step makes sense.
func (i *Info) IsRunning() bool {
	return i.State&TSRunning != 0 && i.State&(TSExited|TSKilled|TSError) == 0
}

// HasExited reports whether the target process is gone.
func (i *Info) HasExited() bool {
	return i.State&(TSExited|TSKilled) != 0
}

// NextInstrIsJSR reports whether the next instruction is any encoding of
// JSR. See Musashi's opcode info table and the M68000 Family Programmer's
// Reference Manual for the encodings.
func (i *Info) NextInstrIsJSR() bool {
	return m68k.IsJSR(binary.BigEndian.Uint16(i.NextInstrBytes[0:2]))
}

// NextInstrIsRTS reports whether the next instruction is RTS.
func (i *Info) NextInstrIsRTS() bool {
	return m68k.IsRTS(binary.BigEndian.Uint16(i.NextInstrBytes[0:2]))
}

// NextInstrIsSyscall reports whether the next instruction is a library call:
// JSR with an effective address of register A6 plus a 16-bit displacement.
func (i *Info) NextInstrIsSyscall() bool {
	return binary.BigEndian.Uint16(i.NextInstrBytes[0:2]) == 0x4eae
}

// SyscallOffset returns the jump-table offset of the library call as the
// unsigned value used by the syscall database (the displacement on the wire
// is negative).
func (i *Info) SyscallOffset() int {
	offset := int(int16(binary.BigEndian.Uint16(i.NextInstrBytes[2:4])))
	if offset < 0 {
		offset = -offset
	}
	return offset
}

// BytesUsedByJSR returns the size of the next instruction. Only meaningful
// when the next instruction is indeed a JSR; the disassembler takes care of
// the different address mode encodings (2 to 6 bytes).
func (i *Info) BytesUsedByJSR() uint32 {
	return m68k.DecodeOne(i.NextInstrBytes[:], i.TaskContext.RegPC).Size
}

// StatusString renders the one-line stop status. Stop reasons are checked
// in a fixed order; the first matching state bit wins.
func (i *Info) StatusString() string {
	switch {
	case i.State&TSStoppedByBpoint != 0:
		return fmt.Sprintf("Hit breakpoint #%d at entry + 0x%x, hit count = %d",
			i.Bpoint.Num, i.Bpoint.Address-i.InitialPC, i.Bpoint.HitCount)
	case i.State&TSStoppedByOneShotBpoint != 0:
		return fmt.Sprintf("Hit one-shot breakpoint #%d at entry + 0x%x",
			i.Bpoint.Num, i.Bpoint.Address-i.InitialPC)
	case i.State&TSStoppedBySingleStep != 0:
		return "Stopped after single-stepping"
	case i.State&TSStoppedByException != 0:
		return fmt.Sprintf("Stopped by exception #%d", i.TaskContext.ExcNum)
	case i.State == TSExited:
		return fmt.Sprintf("Exited with code %d", i.ExitCode)
	case i.State == TSKilled:
		return "Killed"
	case i.State == TSError:
		return fmt.Sprintf("Error %s occurred", proto.ErrorCode(i.ErrorCode))
	}
	return fmt.Sprintf("Target has stopped with invalid state %d", i.State)
}
