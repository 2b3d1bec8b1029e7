package cli

import (
	"encoding/binary"
	"io"
	"log/slog"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkoberg/amidbg/pkg/debug/proto"
	"github.com/mkoberg/amidbg/pkg/debug/proto/prototest"
	"github.com/mkoberg/amidbg/pkg/debug/session"
	"github.com/mkoberg/amidbg/pkg/debug/target"
)

func init() {
	// keep assertion strings free of escape sequences
	color.NoColor = true
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startCLI(t *testing.T) (*prototest.Agent, *CLI) {
	t.Helper()
	agent, host, port, err := prototest.Start()
	require.NoError(t, err)
	t.Cleanup(agent.Close)

	conn, err := proto.Connect(host, port, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return agent, New(session.New(conn, discardLogger()), discardLogger())
}

func stoppedAtBpoint() *target.Info {
	info := &target.Info{
		InitialPC: 0x1000,
		State:     target.TSRunning | target.TSStoppedByBpoint,
		Bpoint:    target.Breakpoint{Num: 1, Address: 0x1024, HitCount: 1},
	}
	info.TaskContext.RegPC = 0x1024
	binary.BigEndian.PutUint16(info.NextInstrBytes[:], 0x4e71)
	return info
}

func TestExecute_EmptyLineAndUnknownCommand(t *testing.T) {
	_, commands := startCLI(t)

	output, action, err := commands.Execute("")
	require.NoError(t, err)
	assert.Empty(t, output)
	assert.Equal(t, ActionContinue, action)

	output, action, err = commands.Execute("frobnicate")
	require.NoError(t, err)
	assert.Contains(t, output, "Unknown command 'frobnicate'")
	assert.Equal(t, ActionContinue, action)
}

func TestExecute_Help(t *testing.T) {
	_, commands := startCLI(t)
	output, action, err := commands.Execute("help")
	require.NoError(t, err)
	assert.Contains(t, output, "backtrace")
	assert.Equal(t, ActionContinue, action)
}

func TestExecute_RunAndStateChecks(t *testing.T) {
	agent, commands := startCLI(t)
	agent.PushStop(stoppedAtBpoint())

	// commands that need a running target are refused before the first run
	output, action, err := commands.Execute("continue")
	require.NoError(t, err)
	assert.Contains(t, output, "not allowed")
	assert.Equal(t, ActionContinue, action)

	output, action, err = commands.Execute("run")
	require.NoError(t, err)
	assert.Contains(t, output, "Hit breakpoint #1")
	assert.Equal(t, ActionRedraw, action)

	// and run is refused while the target is running
	output, _, err = commands.Execute("run")
	require.NoError(t, err)
	assert.Contains(t, output, "not allowed")
}

func TestExecute_BreakAndDelete(t *testing.T) {
	_, commands := startCLI(t)

	output, _, err := commands.Execute("break 0x24")
	require.NoError(t, err)
	assert.Contains(t, output, "entry + 0x24")

	output, _, err = commands.Execute("delete 1")
	require.NoError(t, err)
	assert.Contains(t, output, "Breakpoint #1 cleared")

	// clearing it again is a user-visible error, not a fatal one
	output, action, err := commands.Execute("delete 1")
	require.NoError(t, err)
	assert.Contains(t, output, "ERROR_UNKNOWN_BREAKPOINT")
	assert.Equal(t, ActionContinue, action)
}

func TestExecute_Hexdump(t *testing.T) {
	agent, commands := startCLI(t)
	agent.Memory[0x100] = []byte("AmigaOS forever!")

	output, _, err := commands.Execute("hexdump 0x100 16")
	require.NoError(t, err)
	assert.Contains(t, output, "|AmigaOS forever!|")
}

func TestExecute_Examine(t *testing.T) {
	agent, commands := startCLI(t)
	block := make([]byte, 255)
	binary.BigEndian.PutUint32(block, 0xdeadbeef)
	binary.BigEndian.PutUint16(block[4:], 0xfffe)
	copy(block[6:], "hi\x00")
	agent.Memory[0x200] = block

	output, _, err := commands.Execute("examine u32,i16,str 0x200")
	require.NoError(t, err)
	assert.Contains(t, output, "u32 = 3735928559")
	assert.Contains(t, output, "i16 = -2")
	assert.Contains(t, output, `str = "hi"`)
}

func TestExecute_Disassemble(t *testing.T) {
	agent, commands := startCLI(t)
	code := make([]byte, 2*8)
	binary.BigEndian.PutUint16(code, 0x4e75)
	agent.Memory[0x1000] = code

	output, _, err := commands.Execute("disassemble 0x1000 2")
	require.NoError(t, err)
	assert.Contains(t, output, "rts")
}

func TestExecute_Quit(t *testing.T) {
	_, commands := startCLI(t)
	_, action, err := commands.Execute("quit")
	require.NoError(t, err)
	assert.Equal(t, ActionQuit, action)
}

func TestParseFormat(t *testing.T) {
	fields, err := ParseFormat("u8,u16,u32,i8,i16,i32,str")
	require.NoError(t, err)
	assert.Equal(t, []FieldKind{FieldU8, FieldU16, FieldU32, FieldI8, FieldI16, FieldI32, FieldString}, fields)

	_, err = ParseFormat("u64")
	assert.Error(t, err)
}

func TestDecodeFields(t *testing.T) {
	content := []byte{0xff, 0x00, 0x2a, 'o', 'k', 0x00}
	lines, err := DecodeFields([]FieldKind{FieldI8, FieldU16, FieldString}, 0x100, content)
	require.NoError(t, err)
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "i8  = -1")
	assert.Contains(t, lines[1], "u16 = 42")
	assert.Contains(t, lines[2], `str = "ok"`)
}

func TestDecodeFields_NotEnoughData(t *testing.T) {
	_, err := DecodeFields([]FieldKind{FieldU32}, 0, []byte{1, 2})
	assert.Error(t, err)
}
