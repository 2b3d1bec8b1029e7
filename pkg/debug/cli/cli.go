// Package cli parses and executes the debugger commands. It is shared by
// the plain readline loop and the TUI: both feed command lines into
// Execute and render the returned text. Instead of collapsing the event
// loop with a control-flow exception, every command evaluates to a next
// action for the caller.
package cli

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/fatih/color"

	"github.com/mkoberg/amidbg/pkg/debug/engine"
	"github.com/mkoberg/amidbg/pkg/debug/proto"
	"github.com/mkoberg/amidbg/pkg/debug/session"
	"github.com/mkoberg/amidbg/pkg/debug/target"
	"github.com/mkoberg/amidbg/pkg/m68k"
	"github.com/mkoberg/amidbg/pkg/utils"
)

// Action tells the caller what to do after a command has been executed.
type Action int

const (
	// ActionContinue keeps the command loop going.
	ActionContinue Action = iota
	// ActionQuit ends the session.
	ActionQuit
	// ActionRedraw keeps going and asks the caller to refresh the target
	// views (the target has stopped with a new snapshot).
	ActionRedraw
)

// Color definitions for debugger output
var (
	colorAddr    = color.New(color.FgCyan)
	colorError   = color.New(color.FgRed, color.Bold)
	colorStatus  = color.New(color.FgGreen, color.Bold)
	colorHeading = color.New(color.FgWhite, color.Bold, color.Underline)
)

// CLI executes debugger commands against a session.
type CLI struct {
	sess *session.State
	eng  *engine.Engine
	log  *slog.Logger
}

// New creates a command processor for the given session.
func New(sess *session.State, log *slog.Logger) *CLI {
	return &CLI{sess: sess, eng: engine.New(sess, log), log: log}
}

// Session returns the session the commands operate on.
func (c *CLI) Session() *session.State {
	return c.sess
}

// Execute runs one command line. The returned text is what the caller
// should display; err is non-nil only for errors that are fatal to the
// session (transport and protocol failures). All user-level errors come
// back as text.
func (c *CLI) Execute(line string) (string, Action, error) {
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) == 0 {
		return "", ActionContinue, nil
	}
	command, args := fields[0], fields[1:]

	output, action, err := c.dispatch(command, args)
	if err == nil {
		return output, action, nil
	}
	if errors.Is(err, proto.ErrTransport) || errors.Is(err, proto.ErrProtocol) {
		return "", ActionQuit, err
	}
	// everything else is user-visible and the session continues
	return colorError.Sprint(err.Error()), ActionContinue, nil
}

func (c *CLI) dispatch(command string, args []string) (string, Action, error) {
	switch command {
	case "help", "h":
		return helpText, ActionContinue, nil
	case "run", "r":
		return c.cmdRun()
	case "continue", "c", "cont":
		return c.cmdResume(c.sess.Cont)
	case "kill", "k":
		return c.cmdResume(c.sess.Kill)
	case "quit", "q":
		return c.cmdQuit()
	case "stepi", "si":
		return c.cmdResume(c.sess.Step)
	case "step", "s":
		return c.cmdStepping(c.eng.StepLine)
	case "nexti", "ni":
		return c.cmdStepping(c.eng.NextInstruction)
	case "next", "n":
		return c.cmdStepping(c.eng.NextLine)
	case "break", "b":
		return c.cmdBreak(args)
	case "delete", "d", "del":
		return c.cmdDelete(args)
	case "backtrace", "bt":
		return c.cmdBacktrace()
	case "disassemble", "di", "dis":
		return c.cmdDisassemble(args)
	case "hexdump", "hx":
		return c.cmdHexdump(args)
	case "examine", "x":
		return c.cmdExamine(args)
	case "inspect", "i":
		return c.cmdInspect(args)
	}
	return fmt.Sprintf("Unknown command '%s', type 'help' for a list of commands", command), ActionContinue, nil
}

func (c *CLI) cmdRun() (string, Action, error) {
	if err := c.sess.RequireNotRunning(); err != nil {
		return "", ActionContinue, err
	}
	if err := c.sess.Run(); err != nil {
		return "", ActionContinue, err
	}
	return c.statusLine(), ActionRedraw, nil
}

// cmdResume handles the commands that resume the stopped target and wait
// for the next stop: continue, kill, stepi.
func (c *CLI) cmdResume(resume func() error) (string, Action, error) {
	if err := c.sess.RequireRunning(); err != nil {
		return "", ActionContinue, err
	}
	if err := resume(); err != nil {
		return "", ActionContinue, err
	}
	return c.statusLine(), ActionRedraw, nil
}

// cmdStepping handles the source-level stepping commands. A NACK from the
// agent mid-loop is reported as a failed step; the snapshot of the last
// successful exchange is preserved.
func (c *CLI) cmdStepping(step func() error) (string, Action, error) {
	err := step()
	if err == nil {
		return c.statusLine(), ActionRedraw, nil
	}
	var srvErr *proto.ServerCommandError
	if errors.As(err, &srvErr) {
		return colorError.Sprintf("Stepping failed: %v", srvErr), ActionRedraw, nil
	}
	return "", ActionContinue, err
}

func (c *CLI) cmdQuit() (string, Action, error) {
	if err := c.sess.RequireNotRunning(); err != nil {
		return "", ActionContinue, err
	}
	if err := c.sess.Quit(); err != nil {
		return "", ActionQuit, err
	}
	return "", ActionQuit, nil
}

// cmdBreak sets a breakpoint. The location is an offset from the entry
// point (0x...), a line number (decimal) or a function name.
func (c *CLI) cmdBreak(args []string) (string, Action, error) {
	if len(args) != 1 {
		return "usage: break <address | line | function>", ActionContinue, nil
	}
	offset, err := c.resolveLocation(args[0])
	if err != nil {
		return "", ActionContinue, err
	}
	if err := c.sess.SetBreakpoint(offset, false); err != nil {
		return "", ActionContinue, err
	}
	return fmt.Sprintf("Breakpoint set at entry + 0x%x", offset), ActionContinue, nil
}

// resolveLocation turns a location argument into an offset from the entry
// point.
func (c *CLI) resolveLocation(location string) (uint32, error) {
	if strings.HasPrefix(location, "0x") || strings.HasPrefix(location, "0X") {
		offset, err := strconv.ParseUint(location[2:], 16, 32)
		if err != nil {
			return 0, fmt.Errorf("invalid address '%s'", location)
		}
		return uint32(offset), nil
	}
	if lineno, err := strconv.Atoi(location); err == nil {
		if c.sess.Program == nil {
			return 0, fmt.Errorf("%w: no program loaded", session.ErrNoDebugInfo)
		}
		rng, ok := c.sess.Program.AddrRangeForLine(lineno, "")
		if !ok {
			return 0, fmt.Errorf("%w: no address for line %d", session.ErrNoDebugInfo, lineno)
		}
		return rng.Start, nil
	}
	if c.sess.Program == nil {
		return 0, fmt.Errorf("%w: no program loaded", session.ErrNoDebugInfo)
	}
	rng, ok := c.sess.Program.AddrRangeForFunction(location)
	if !ok {
		return 0, fmt.Errorf("%w: no function '%s'", session.ErrNoDebugInfo, location)
	}
	return rng.Start, nil
}

func (c *CLI) cmdDelete(args []string) (string, Action, error) {
	if len(args) != 1 {
		return "usage: delete <breakpoint number>", ActionContinue, nil
	}
	num, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return fmt.Sprintf("Invalid breakpoint number '%s'", args[0]), ActionContinue, nil
	}
	if err := c.sess.ClearBreakpoint(uint32(num)); err != nil {
		return "", ActionContinue, err
	}
	return fmt.Sprintf("Breakpoint #%d cleared", num), ActionContinue, nil
}

func (c *CLI) cmdBacktrace() (string, Action, error) {
	if err := c.sess.RequireRunning(); err != nil {
		return "", ActionContinue, err
	}
	lines := c.sess.TargetInfo.CallStackView(c.sess, c.sess.Program)
	return strings.Join(lines, "\n"), ActionContinue, nil
}

// peekChunked reads a block of target memory in message-sized chunks.
func (c *CLI) peekChunked(address uint32, size int) ([]byte, error) {
	content := make([]byte, 0, size)
	for size > 0 {
		chunk := utils.Clamp(size, 1, proto.MaxMsgDataLen)
		part, err := c.sess.PeekMem(address, uint16(chunk))
		if err != nil {
			return nil, err
		}
		content = append(content, part...)
		address += uint32(chunk)
		size -= chunk
	}
	return content, nil
}

func (c *CLI) cmdDisassemble(args []string) (string, Action, error) {
	if len(args) != 2 {
		return "usage: disassemble <address> <number of instructions>", ActionContinue, nil
	}
	address, err := parseNumber(args[0])
	if err != nil {
		return "", ActionContinue, err
	}
	count, err := strconv.Atoi(args[1])
	if err != nil || count < 1 || count > 32 {
		return "Number of instructions must be between 1 and 32", ActionContinue, nil
	}
	content, err := c.peekChunked(uint32(address), count*target.MaxInstrBytes)
	if err != nil {
		return "", ActionContinue, err
	}
	var lines []string
	for _, instr := range m68k.Disassemble(content, uint32(address), count) {
		lines = append(lines, fmt.Sprintf("%s    %s", colorAddr.Sprintf("0x%08x:", instr.Addr), instr.String()))
	}
	return strings.Join(lines, "\n"), ActionContinue, nil
}

func (c *CLI) cmdHexdump(args []string) (string, Action, error) {
	if len(args) != 2 {
		return "usage: hexdump <address> <size>", ActionContinue, nil
	}
	address, err := parseNumber(args[0])
	if err != nil {
		return "", ActionContinue, err
	}
	size, err := parseNumber(args[1])
	if err != nil {
		return "", ActionContinue, err
	}
	content, err := c.peekChunked(uint32(address), int(size))
	if err != nil {
		return "", ActionContinue, err
	}
	return strings.Join(utils.HexdumpRows(uint32(address), content), "\n"), ActionContinue, nil
}

func (c *CLI) cmdExamine(args []string) (string, Action, error) {
	if len(args) != 2 {
		return "usage: examine <format> <address>", ActionContinue, nil
	}
	fields, err := ParseFormat(args[0])
	if err != nil {
		return "", ActionContinue, err
	}
	address, err := parseNumber(args[1])
	if err != nil {
		return "", ActionContinue, err
	}
	content, err := c.sess.PeekMem(uint32(address), proto.MaxMsgDataLen)
	if err != nil {
		return "", ActionContinue, err
	}
	lines, err := DecodeFields(fields, uint32(address), content)
	if err != nil {
		return "", ActionContinue, err
	}
	return strings.Join(lines, "\n"), ActionContinue, nil
}

func (c *CLI) cmdInspect(args []string) (string, Action, error) {
	if len(args) != 1 {
		return "usage: inspect <d | r | s | c>", ActionContinue, nil
	}
	if err := c.sess.RequireRunning(); err != nil {
		return "", ActionContinue, err
	}
	info := c.sess.TargetInfo
	var heading string
	var lines []string
	switch args[0] {
	case "d":
		heading = "Disassembled code"
		lines = info.DisasmView(c.sess.SyscallDecoder())
	case "r":
		heading = "Registers"
		lines = info.RegisterView()
	case "s":
		heading = "Stack"
		lines = info.StackView()
	case "c":
		heading = "Source code"
		lines = info.SourceView(c.sess.Program)
	default:
		return "usage: inspect <d | r | s | c>", ActionContinue, nil
	}
	return colorHeading.Sprint(heading) + "\n" + strings.Join(lines, "\n"), ActionContinue, nil
}

// statusLine renders the stop status of the last snapshot.
func (c *CLI) statusLine() string {
	if c.sess.TargetInfo == nil {
		return ""
	}
	return colorStatus.Sprint(c.sess.TargetInfo.StatusString())
}

func parseNumber(s string) (uint64, error) {
	value, err := strconv.ParseUint(strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X"), chooseBase(s), 32)
	if err != nil {
		return 0, fmt.Errorf("invalid number '%s'", s)
	}
	return value, nil
}

func chooseBase(s string) int {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return 16
	}
	return 10
}

// FieldKind is one element of the examine format DSL.
type FieldKind int

// Supported examine fields.
const (
	FieldU8 FieldKind = iota
	FieldU16
	FieldU32
	FieldI8
	FieldI16
	FieldI32
	FieldString
)

var fieldKinds = map[string]FieldKind{
	"u8":  FieldU8,
	"u16": FieldU16,
	"u32": FieldU32,
	"i8":  FieldI8,
	"i16": FieldI16,
	"i32": FieldI32,
	"str": FieldString,
}

// ParseFormat parses the comma-separated examine format, e.g. "u32,u16,str".
func ParseFormat(format string) ([]FieldKind, error) {
	var fields []FieldKind
	for _, token := range strings.Split(format, ",") {
		kind, ok := fieldKinds[strings.TrimSpace(token)]
		if !ok {
			return nil, fmt.Errorf("unknown format field '%s'", token)
		}
		fields = append(fields, kind)
	}
	return fields, nil
}

// DecodeFields decodes the peeked memory according to the format, one line
// per field.
func DecodeFields(fields []FieldKind, address uint32, content []byte) ([]string, error) {
	var lines []string
	offset := 0
	for _, kind := range fields {
		fieldAddr := address + uint32(offset)
		var line string
		switch kind {
		case FieldU8, FieldI8:
			if offset+1 > len(content) {
				return nil, fmt.Errorf("not enough data at offset %d", offset)
			}
			if kind == FieldU8 {
				line = fmt.Sprintf("u8  = %d", content[offset])
			} else {
				line = fmt.Sprintf("i8  = %d", int8(content[offset]))
			}
			offset++
		case FieldU16, FieldI16:
			if offset+2 > len(content) {
				return nil, fmt.Errorf("not enough data at offset %d", offset)
			}
			value := binary.BigEndian.Uint16(content[offset:])
			if kind == FieldU16 {
				line = fmt.Sprintf("u16 = %d", value)
			} else {
				line = fmt.Sprintf("i16 = %d", int16(value))
			}
			offset += 2
		case FieldU32, FieldI32:
			if offset+4 > len(content) {
				return nil, fmt.Errorf("not enough data at offset %d", offset)
			}
			value := binary.BigEndian.Uint32(content[offset:])
			if kind == FieldU32 {
				line = fmt.Sprintf("u32 = %d", value)
			} else {
				line = fmt.Sprintf("i32 = %d", int32(value))
			}
			offset += 4
		case FieldString:
			end := offset
			for end < len(content) && content[end] != 0 {
				end++
			}
			if end == len(content) {
				return nil, fmt.Errorf("no terminating NUL byte for string field at offset %d", offset)
			}
			line = fmt.Sprintf("str = \"%s\"", string(content[offset:end]))
			offset = end + 1
		}
		lines = append(lines, fmt.Sprintf("0x%08x: %s", fieldAddr, line))
	}
	return lines, nil
}

const helpText = `Available commands:
  run (r)                         Run the target
  continue (c, cont)              Continue the stopped target
  kill (k)                        Kill the running target
  quit (q)                        Quit the debugger
  stepi (si)                      Step one instruction
  step (s)                        Step one source line, entering calls
  nexti (ni)                      Step one instruction, stepping over JSR
  next (n)                        Step one source line, stepping over calls
  break (b) <location>            Set a breakpoint (0x<offset>, <line> or <function>)
  delete (d, del) <number>        Clear a breakpoint
  backtrace (bt)                  Print the call stack
  disassemble (di, dis) <a> <n>   Disassemble n instructions at address a
  hexdump (hx) <a> <size>         Hexdump target memory
  examine (x) <format> <a>        Decode target memory (u8,u16,u32,i8,i16,i32,str)
  inspect (i) <d | r | s | c>     Show disassembly / registers / stack / source
  help (h)                        Show this help`
