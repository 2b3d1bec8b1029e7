package target

import (
	"encoding/binary"
	"fmt"
)

// MemReader reads target memory. The live implementation issues PEEK_MEM
// commands over the transport; tests substitute a canned memory image.
type MemReader interface {
	PeekMem(address uint32, nbytes uint16) ([]byte, error)
}

// StackFrame is one entry of the walked call stack.
type StackFrame struct {
	FramePtr       uint32
	ProgramCounter uint32
	ReturnAddr     uint32
}

// endOfFrameChain marks the initial frame planted by the startup code.
const endOfFrameChain = 0xffffffff

// WalkCallStack walks the linked list of stack frames anchored at A5. The
// previous frame pointer is stored at the address the current frame pointer
// points to, the return address right after it; both are fetched with a
// single memory read per frame. Functions that do not establish a frame are
// not walked correctly; the walker attempts no unwinding heuristics.
func WalkCallStack(info *Info, mem MemReader) ([]StackFrame, error) {
	var frames []StackFrame
	framePtr := info.TaskContext.RegA[5]
	programCounter := info.TaskContext.RegPC
	for framePtr != endOfFrameChain {
		content, err := mem.PeekMem(framePtr, 8)
		if err != nil {
			return nil, fmt.Errorf("getting return address / previous frame pointer failed: %w", err)
		}
		if len(content) < 8 {
			return nil, fmt.Errorf("frame read at 0x%08x returned %d bytes, expected 8", framePtr, len(content))
		}
		frames = append(frames, StackFrame{
			FramePtr:       framePtr,
			ProgramCounter: programCounter,
			ReturnAddr:     binary.BigEndian.Uint32(content[4:8]),
		})
		framePtr = binary.BigEndian.Uint32(content[0:4])
		programCounter = binary.BigEndian.Uint32(content[4:8])
	}
	return frames, nil
}
