package target

import (
	"fmt"
	"os"
	"strings"

	"github.com/mkoberg/amidbg/pkg/debug/stabs"
	"github.com/mkoberg/amidbg/pkg/m68k"
)

const notAvailable = "*** NOT AVAILABLE ***"

// RegisterView renders the register file: address registers in the left
// column, data registers in the right, A7 shown as the stack pointer.
func (i *Info) RegisterView() []string {
	var lines []string
	for n := 0; n < 7; n++ {
		lines = append(lines, fmt.Sprintf("A%d=0x%08x        D%d=0x%08x", n, i.TaskContext.RegA[n], n, i.TaskContext.RegD[n]))
	}
	return append(lines, fmt.Sprintf("A7=0x%08x        D7=0x%08x", i.TaskContext.RegSP, i.TaskContext.RegD[7]))
}

// StackView renders the top stack dwords, one per line.
func (i *Info) StackView() []string {
	var lines []string
	for n := 0; n < NumTopStackDwords; n++ {
		lines = append(lines, fmt.Sprintf("SP + %02d:    0x%08x", n*4, i.TopStackDwords[n]))
	}
	return lines
}

// DisasmView disassembles the next instructions starting at the PC. When the
// first instruction is a resolvable library call and a decoder is supplied,
// the call signature with its argument values is interleaved after it.
func (i *Info) DisasmView(decoder *SyscallDecoder) []string {
	instructions := m68k.Disassemble(i.NextInstrBytes[:], i.TaskContext.RegPC, NumNextInstructions)
	if len(instructions) == 0 {
		return []string{notAvailable}
	}
	var lines []string
	for idx, instr := range instructions {
		prefix := fmt.Sprintf("0x%08x (PC + %04d):    ", instr.Addr, instr.Addr-i.TaskContext.RegPC)
		lines = append(lines, prefix+instr.String())
		if idx == 0 && decoder != nil {
			if syscall, ok := decoder.Resolve(i); ok {
				lines = append(lines, decoder.FormatCall(i, syscall, strings.Repeat(" ", len(prefix)))...)
			}
		}
	}
	return lines
}

// SourceView renders the source lines around the current one, the current
// line marked with "=> ". The source file path is the one recorded in the
// STABS records of the compilation unit containing the PC.
func (i *Info) SourceView(program *stabs.Program) []string {
	if program == nil {
		return []string{notAvailable}
	}
	offset := i.EntryOffset()
	sourceFname, ok := program.CompUnitForAddr(offset)
	if !ok {
		return []string{notAvailable}
	}
	currentLine, ok := program.LineForAddr(offset, sourceFname)
	if !ok {
		return []string{notAvailable}
	}
	content, err := os.ReadFile(sourceFname)
	if err != nil {
		return []string{notAvailable}
	}
	sourceLines := strings.Split(strings.TrimRight(string(content), "\n"), "\n")
	if currentLine > len(sourceLines) {
		return []string{notAvailable}
	}

	startLine := max(currentLine-5, 1)
	endLine := min(currentLine+5, len(sourceLines))
	lines := []string{sourceFname + ":"}
	for n := startLine; n <= endLine; n++ {
		marker := "   "
		if n == currentLine {
			marker = "=> "
		}
		lines = append(lines, fmt.Sprintf("%-4d: %s%s", n, marker, sourceLines[n-1]))
	}
	return lines
}

// CallStackView renders the walked call stack, one frame per line, with the
// source position of each program counter when debug information is
// available.
func (i *Info) CallStackView(mem MemReader, program *stabs.Program) []string {
	frames, err := WalkCallStack(i, mem)
	if err != nil {
		return []string{notAvailable}
	}
	var lines []string
	for idx, frame := range frames {
		line := fmt.Sprintf("#%d: 0x%08x", idx, frame.ProgramCounter)
		if program != nil {
			offset := frame.ProgramCounter - i.InitialPC
			if unit, ok := program.CompUnitForAddr(offset); ok {
				if lineno, ok := program.LineForAddr(offset, unit); ok {
					line += fmt.Sprintf(" %s:%d", unit, lineno)
				}
			}
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		return []string{notAvailable}
	}
	return lines
}
