package target_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkoberg/amidbg/pkg/debug/proto/prototest"
	"github.com/mkoberg/amidbg/pkg/debug/target"
)

func TestParseInfo_RoundTrip(t *testing.T) {
	info := &target.Info{
		InitialPC: 0x20000,
		InitialSP: 0x30000,
		TaskContext: target.TaskContext{
			RegSP:  0x2fff0,
			ExcNum: 0,
			RegSR:  0x2700,
			RegPC:  0x20024,
			RegD:   [8]uint32{1, 2, 3, 4, 5, 6, 7, 8},
			RegA:   [7]uint32{10, 20, 30, 40, 50, 60, 70},
		},
		State:          target.TSRunning | target.TSStoppedByBpoint,
		ExitCode:       0,
		ErrorCode:      0,
		TopStackDwords: [8]uint32{0xa, 0xb, 0xc, 0xd, 0xe, 0xf, 0x10, 0x11},
		Bpoint:         target.Breakpoint{Num: 1, Address: 0x20024, Opcode: 0x4e75, HitCount: 3},
	}
	copy(info.NextInstrBytes[:], []byte{0x4e, 0xae, 0xfe, 0x68})

	parsed, err := target.ParseInfo(prototest.EncodeInfo(info))
	require.NoError(t, err)
	assert.Equal(t, info, parsed)
}

func TestParseInfo_ShortPayload(t *testing.T) {
	_, err := target.ParseInfo(make([]byte, target.InfoSize-1))
	assert.Error(t, err)
}

func TestEntryOffset(t *testing.T) {
	info := &target.Info{InitialPC: 0x20000}
	info.TaskContext.RegPC = 0x20024
	assert.Equal(t, uint32(0x24), info.EntryOffset())
}

func nextInstr(words ...uint16) (bytes [64]byte) {
	for i, word := range words {
		bytes[2*i] = byte(word >> 8)
		bytes[2*i+1] = byte(word)
	}
	return
}

func TestNextInstrClassification_JSR(t *testing.T) {
	// every JSR encoding from the Programmer's Reference Manual
	for _, op := range []uint16{
		0x4e90, // jsr (a0)
		0x4e91, // jsr (a1)
		0x4ea8, // jsr d16(a0)
		0x4eae, // jsr d16(a6), the library call form
		0x4eb0, // jsr d8(a0,xn)
		0x4eb8, // jsr (xxx).w
		0x4eb9, // jsr (xxx).l
		0x4eba, // jsr d16(pc)
		0x4ebb, // jsr d8(pc,xn)
	} {
		info := &target.Info{NextInstrBytes: nextInstr(op, 0)}
		assert.True(t, info.NextInstrIsJSR(), "opcode 0x%04x", op)
		assert.False(t, info.NextInstrIsRTS(), "opcode 0x%04x", op)
	}
}

func TestNextInstrClassification_RTS(t *testing.T) {
	info := &target.Info{NextInstrBytes: nextInstr(0x4e75)}
	assert.True(t, info.NextInstrIsRTS())
	assert.False(t, info.NextInstrIsJSR())
	assert.False(t, info.NextInstrIsSyscall())
}

func TestNextInstrClassification_Syscall(t *testing.T) {
	// jsr -408(a6), i.e. a library call
	info := &target.Info{NextInstrBytes: nextInstr(0x4eae, 0xfe68)}
	assert.True(t, info.NextInstrIsSyscall())
	assert.True(t, info.NextInstrIsJSR())
	// the syscall database indexes by the absolute displacement
	assert.Equal(t, 408, info.SyscallOffset())

	// any other JSR encoding is not a syscall
	info = &target.Info{NextInstrBytes: nextInstr(0x4ea8, 0x0010)}
	assert.False(t, info.NextInstrIsSyscall())
}

func TestBytesUsedByJSR(t *testing.T) {
	for _, tc := range []struct {
		words []uint16
		size  uint32
	}{
		{[]uint16{0x4e90}, 2},                 // jsr (a0)
		{[]uint16{0x4eae, 0xfe68}, 4},         // jsr d16(a6)
		{[]uint16{0x4eb0, 0x1002}, 4},         // jsr d8(a0,d1.w)
		{[]uint16{0x4eb8, 0x1000}, 4},         // jsr (xxx).w
		{[]uint16{0x4eb9, 0x0001, 0x0000}, 6}, // jsr (xxx).l
		{[]uint16{0x4eba, 0x0010}, 4},         // jsr d16(pc)
	} {
		info := &target.Info{NextInstrBytes: nextInstr(tc.words...)}
		assert.Equal(t, tc.size, info.BytesUsedByJSR(), "opcode 0x%04x", tc.words[0])
	}
}

func TestStatusString(t *testing.T) {
	for _, tc := range []struct {
		name string
		info target.Info
		want string
	}{
		{
			name: "breakpoint",
			info: target.Info{
				InitialPC: 0x1000,
				State:     target.TSRunning | target.TSStoppedByBpoint,
				Bpoint:    target.Breakpoint{Num: 1, Address: 0x1024, HitCount: 2},
			},
			want: "Hit breakpoint #1 at entry + 0x24, hit count = 2",
		},
		{
			name: "one-shot breakpoint",
			info: target.Info{
				InitialPC: 0x1000,
				State:     target.TSRunning | target.TSStoppedByOneShotBpoint,
				Bpoint:    target.Breakpoint{Num: 2, Address: 0x1030},
			},
			want: "Hit one-shot breakpoint #2 at entry + 0x30",
		},
		{
			name: "single step",
			info: target.Info{State: target.TSRunning | target.TSSingleStepping | target.TSStoppedBySingleStep},
			want: "Stopped after single-stepping",
		},
		{
			name: "exception",
			info: target.Info{
				State:       target.TSRunning | target.TSStoppedByException,
				TaskContext: target.TaskContext{ExcNum: 3},
			},
			want: "Stopped by exception #3",
		},
		{
			name: "exited",
			info: target.Info{State: target.TSExited, ExitCode: 7},
			want: "Exited with code 7",
		},
		{
			name: "killed",
			info: target.Info{State: target.TSKilled},
			want: "Killed",
		},
		{
			name: "error",
			info: target.Info{State: target.TSError, ErrorCode: 4},
			want: "Error ERROR_LOAD_TARGET_FAILED occurred",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.info.StatusString())
		})
	}
}

func TestIsRunning(t *testing.T) {
	running := &target.Info{State: target.TSRunning | target.TSStoppedByBpoint}
	assert.True(t, running.IsRunning())

	exited := &target.Info{State: target.TSExited}
	assert.False(t, exited.IsRunning())
	assert.True(t, exited.HasExited())

	idle := &target.Info{State: target.TSIdle}
	assert.False(t, idle.IsRunning())
}

func TestRegisterView(t *testing.T) {
	info := &target.Info{}
	info.TaskContext.RegA[0] = 0x11111111
	info.TaskContext.RegD[7] = 0x22222222
	info.TaskContext.RegSP = 0x33333333

	lines := info.RegisterView()
	require.Len(t, lines, 8)
	assert.Equal(t, "A0=0x11111111        D0=0x00000000", lines[0])
	assert.Equal(t, "A7=0x33333333        D7=0x22222222", lines[7])
}

func TestStackView(t *testing.T) {
	info := &target.Info{TopStackDwords: [8]uint32{0xdeadbeef}}
	lines := info.StackView()
	require.Len(t, lines, 8)
	assert.Equal(t, "SP + 00:    0xdeadbeef", lines[0])
	assert.Equal(t, "SP + 28:    0x00000000", lines[7])
}

func TestDisasmView(t *testing.T) {
	info := &target.Info{NextInstrBytes: nextInstr(0x4e75)}
	info.TaskContext.RegPC = 0x1000
	lines := info.DisasmView(nil)
	require.NotEmpty(t, lines)
	assert.Contains(t, lines[0], "0x00001000")
	assert.Contains(t, lines[0], "rts")
}
