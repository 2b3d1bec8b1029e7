// Package m68k decodes M68000 instructions into mnemonic, operand string and
// instruction size. The debugger uses it to render disassembly views and,
// crucially, to determine how many bytes a JSR occupies so that a one-shot
// breakpoint can be planted on the instruction following a call.
package m68k

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Instruction is one decoded instruction.
type Instruction struct {
	Addr     uint32
	Op       uint16
	Mnemonic string
	Operands string
	Size     uint32 // total size in bytes, opcode word included
}

func (i Instruction) String() string {
	if i.Operands == "" {
		return i.Mnemonic
	}
	return fmt.Sprintf("%-10s%s", i.Mnemonic, i.Operands)
}

// Disassemble linearly decodes up to max instructions from code, with the
// first instruction located at addr. Words that do not decode to a known
// instruction are emitted as dc.w so that the sweep can continue.
func Disassemble(code []byte, addr uint32, max int) []Instruction {
	var instructions []Instruction
	offset := uint32(0)
	for len(instructions) < max && int(offset)+2 <= len(code) {
		instr := DecodeOne(code[offset:], addr+offset)
		instructions = append(instructions, instr)
		offset += instr.Size
	}
	return instructions
}

// DecodeOne decodes the instruction at the start of code.
func DecodeOne(code []byte, addr uint32) Instruction {
	op := binary.BigEndian.Uint16(code)
	ext := code[2:]
	mnemonic, operands, extWords := decode(op, ext, addr)
	return Instruction{
		Addr:     addr,
		Op:       op,
		Mnemonic: mnemonic,
		Operands: operands,
		Size:     uint32(2 + 2*extWords),
	}
}

// Operand sizes encoded in bits 6-7 of most two-operand instructions.
var sizeSuffixes = [4]string{".b", ".w", ".l", ""}

var conditions = [16]string{
	"t", "f", "hi", "ls", "cc", "cs", "ne", "eq",
	"vc", "vs", "pl", "mi", "ge", "lt", "gt", "le",
}

// decode returns mnemonic, operand string, and the number of extension
// words consumed. Unknown opcodes decode as dc.w. The opcode groups follow
// the layout of the M68000 Family Programmer's Reference Manual.
func decode(op uint16, ext []byte, addr uint32) (string, string, int) {
	// dense 0x4E00 space first, with specific checks in order
	if op&0xff00 == 0x4e00 {
		switch op {
		case 0x4e70:
			return "reset", "", 0
		case 0x4e71:
			return "nop", "", 0
		case 0x4e73:
			return "rte", "", 0
		case 0x4e75:
			return "rts", "", 0
		case 0x4e76:
			return "trapv", "", 0
		case 0x4e77:
			return "rtr", "", 0
		case 0x4e72:
			imm, used := readWordImm(ext)
			return "stop", imm, used
		}
		switch {
		case op&0xfff8 == 0x4e50:
			disp, used := readWordImm(ext)
			return "link", fmt.Sprintf("a%d,%s", op&7, disp), used
		case op&0xfff8 == 0x4e58:
			return "unlk", fmt.Sprintf("a%d", op&7), 0
		case op&0xfff0 == 0x4e40:
			return "trap", fmt.Sprintf("#%d", op&0xf), 0
		case op&0xffc0 == 0x4e80:
			operands, used := decodeEA(op&0x3f, 1, ext, addr)
			return "jsr", operands, used
		case op&0xffc0 == 0x4ec0:
			operands, used := decodeEA(op&0x3f, 1, ext, addr)
			return "jmp", operands, used
		}
		return "dc.w", fmt.Sprintf("$%04x", op), 0
	}

	switch op >> 12 {
	case 0x0:
		// immediate group: ori / andi / subi / addi / eori / cmpi
		names := map[uint16]string{0x0000: "ori", 0x0200: "andi", 0x0400: "subi", 0x0600: "addi", 0x0a00: "eori", 0x0c00: "cmpi"}
		if name, ok := names[op&0xff00]; ok && op&0x00c0 != 0x00c0 {
			size := (op >> 6) & 3
			imm, immUsed := readImm(ext, size)
			operands, used := decodeEA(op&0x3f, size, tail(ext, immUsed), addr)
			return name + sizeSuffixes[size], fmt.Sprintf("%s,%s", imm, operands), immUsed + used
		}
		// btst / bchg / bclr / bset with immediate bit number
		if op&0xff00 == 0x0800 {
			bitOps := [4]string{"btst", "bchg", "bclr", "bset"}
			imm, immUsed := readWordImm(ext)
			operands, used := decodeEA(op&0x3f, 0, tail(ext, immUsed), addr)
			return bitOps[(op>>6)&3], fmt.Sprintf("%s,%s", imm, operands), immUsed + used
		}
		// btst / bchg / bclr / bset with bit number in register
		if op&0x0100 != 0 {
			bitOps := [4]string{"btst", "bchg", "bclr", "bset"}
			operands, used := decodeEA(op&0x3f, 0, ext, addr)
			return bitOps[(op>>6)&3], fmt.Sprintf("d%d,%s", (op>>9)&7, operands), used
		}
	case 0x1, 0x2, 0x3:
		// move / movea; size encoding here is 1 = byte, 3 = word, 2 = long
		var size uint16
		var suffix string
		switch op >> 12 {
		case 1:
			size, suffix = 0, ".b"
		case 3:
			size, suffix = 1, ".w"
		case 2:
			size, suffix = 2, ".l"
		}
		src, srcUsed := decodeEA(op&0x3f, size, ext, addr)
		dstEA := ((op >> 9) & 7) | ((op >> 3) & 0x38)
		dst, dstUsed := decodeEA(dstEA, size, tail(ext, srcUsed), addr)
		name := "move"
		if dstEA>>3 == 1 {
			name = "movea"
		}
		return name + suffix, fmt.Sprintf("%s,%s", src, dst), srcUsed + dstUsed
	case 0x4:
		switch {
		case op&0xf1c0 == 0x41c0:
			operands, used := decodeEA(op&0x3f, 2, ext, addr)
			return "lea", fmt.Sprintf("%s,a%d", operands, (op>>9)&7), used
		case op&0xffc0 == 0x4840:
			if op&0x38 == 0 {
				return "swap", fmt.Sprintf("d%d", op&7), 0
			}
			operands, used := decodeEA(op&0x3f, 2, ext, addr)
			return "pea", operands, used
		case op&0xfff8 == 0x4880:
			return "ext.w", fmt.Sprintf("d%d", op&7), 0
		case op&0xfff8 == 0x48c0:
			return "ext.l", fmt.Sprintf("d%d", op&7), 0
		case op&0xfb80 == 0x4880:
			// movem; the register mask occupies the first extension word
			mask, maskUsed := readWordImm(ext)
			operands, used := decodeEA(op&0x3f, ((op>>6)&1)+1, tail(ext, maskUsed), addr)
			dir := fmt.Sprintf("%s,%s", mask, operands)
			if op&0x0400 != 0 {
				dir = fmt.Sprintf("%s,%s", operands, mask)
			}
			suffix := ".w"
			if op&0x0040 != 0 {
				suffix = ".l"
			}
			return "movem" + suffix, dir, maskUsed + used
		case op&0xff00 == 0x4a00 && op&0x00c0 != 0x00c0:
			size := (op >> 6) & 3
			operands, used := decodeEA(op&0x3f, size, ext, addr)
			return "tst" + sizeSuffixes[size], operands, used
		case op&0xff00 == 0x4200 && op&0x00c0 != 0x00c0:
			size := (op >> 6) & 3
			operands, used := decodeEA(op&0x3f, size, ext, addr)
			return "clr" + sizeSuffixes[size], operands, used
		case op&0xff00 == 0x4400 && op&0x00c0 != 0x00c0:
			size := (op >> 6) & 3
			operands, used := decodeEA(op&0x3f, size, ext, addr)
			return "neg" + sizeSuffixes[size], operands, used
		case op&0xff00 == 0x4600 && op&0x00c0 != 0x00c0:
			size := (op >> 6) & 3
			operands, used := decodeEA(op&0x3f, size, ext, addr)
			return "not" + sizeSuffixes[size], operands, used
		case op&0xffc0 == 0x40c0:
			operands, used := decodeEA(op&0x3f, 1, ext, addr)
			return "move.w", fmt.Sprintf("sr,%s", operands), used
		case op&0xffc0 == 0x46c0:
			operands, used := decodeEA(op&0x3f, 1, ext, addr)
			return "move.w", fmt.Sprintf("%s,sr", operands), used
		}
	case 0x5:
		if op&0x00c0 == 0x00c0 {
			cond := conditions[(op>>8)&0xf]
			if op&0x38 == 0x08 {
				// dbcc
				disp, used := readWordImm(ext)
				return "db" + cond, fmt.Sprintf("d%d,%s", op&7, disp), used
			}
			operands, used := decodeEA(op&0x3f, 0, ext, addr)
			return "s" + cond, operands, used
		}
		imm := int((op >> 9) & 7)
		if imm == 0 {
			imm = 8
		}
		size := (op >> 6) & 3
		operands, used := decodeEA(op&0x3f, size, ext, addr)
		if op&0x0100 != 0 {
			return "subq" + sizeSuffixes[size], fmt.Sprintf("#%d,%s", imm, operands), used
		}
		return "addq" + sizeSuffixes[size], fmt.Sprintf("#%d,%s", imm, operands), used
	case 0x6:
		return decodeBranch(op, ext, addr)
	case 0x7:
		return "moveq", fmt.Sprintf("#%d,d%d", int8(op&0xff), (op>>9)&7), 0
	case 0x8:
		if op&0x00c0 == 0x00c0 {
			return decodeMulDiv(op, "div", ext, addr)
		}
		return decodeBinaryOp(op, "or", ext, addr)
	case 0x9:
		return decodeBinaryOp(op, "sub", ext, addr)
	case 0xb:
		if op&0x0100 == 0 || op&0x00c0 == 0x00c0 {
			return decodeBinaryOp(op, "cmp", ext, addr)
		}
		return decodeBinaryOp(op, "eor", ext, addr)
	case 0xc:
		if op&0x00c0 == 0x00c0 {
			return decodeMulDiv(op, "mul", ext, addr)
		}
		return decodeBinaryOp(op, "and", ext, addr)
	case 0xd:
		return decodeBinaryOp(op, "add", ext, addr)
	case 0xe:
		return decodeShiftRotate(op)
	}
	return "dc.w", fmt.Sprintf("$%04x", op), 0
}

func decodeBranch(op uint16, ext []byte, addr uint32) (string, string, int) {
	cond := conditions[(op>>8)&0xf]
	var name string
	switch cond {
	case "t":
		name = "bra"
	case "f":
		name = "bsr"
	default:
		name = "b" + cond
	}
	disp8 := int8(op & 0xff)
	if disp8 == 0 {
		if len(ext) < 2 {
			return name, "<truncated>", 1
		}
		disp := int16(binary.BigEndian.Uint16(ext))
		return name, fmt.Sprintf("$%x", int64(addr)+2+int64(disp)), 1
	}
	return name, fmt.Sprintf("$%x", int64(addr)+2+int64(disp8)), 0
}

func decodeBinaryOp(op uint16, name string, ext []byte, addr uint32) (string, string, int) {
	reg := (op >> 9) & 7
	opmode := (op >> 6) & 7
	size := opmode & 3
	if opmode == 3 || opmode == 7 {
		// address-register destination variant
		suffix := ".w"
		if opmode == 7 {
			suffix = ".l"
		}
		operands, used := decodeEA(op&0x3f, (opmode>>2)+1, ext, addr)
		return name + "a" + suffix, fmt.Sprintf("%s,a%d", operands, reg), used
	}
	operands, used := decodeEA(op&0x3f, size, ext, addr)
	if op&0x0100 != 0 && name != "cmp" {
		return name + sizeSuffixes[size], fmt.Sprintf("d%d,%s", reg, operands), used
	}
	return name + sizeSuffixes[size], fmt.Sprintf("%s,d%d", operands, reg), used
}

// decodeMulDiv renders mulu / muls / divu / divs; bit 8 selects signedness.
func decodeMulDiv(op uint16, name string, ext []byte, addr uint32) (string, string, int) {
	suffix := "u"
	if op&0x0100 != 0 {
		suffix = "s"
	}
	operands, used := decodeEA(op&0x3f, 1, ext, addr)
	return name + suffix + ".w", fmt.Sprintf("%s,d%d", operands, (op>>9)&7), used
}

func decodeShiftRotate(op uint16) (string, string, int) {
	names := [4]string{"as", "ls", "rox", "ro"}
	dir := "r"
	if op&0x0100 != 0 {
		dir = "l"
	}
	size := (op >> 6) & 3
	if size == 3 {
		return "dc.w", fmt.Sprintf("$%04x", op), 0
	}
	name := names[(op>>3)&3] + dir + sizeSuffixes[size]
	count := (op >> 9) & 7
	if op&0x20 != 0 {
		return name, fmt.Sprintf("d%d,d%d", count, op&7), 0
	}
	if count == 0 {
		count = 8
	}
	return name, fmt.Sprintf("#%d,d%d", count, op&7), 0
}

// decodeEA renders an effective address and returns the number of extension
// words it occupies. size (0 = byte, 1 = word, 2 = long) only matters for
// immediate operands.
func decodeEA(ea uint16, size uint16, ext []byte, addr uint32) (string, int) {
	mode := ea >> 3
	reg := ea & 7
	switch mode {
	case 0:
		return fmt.Sprintf("d%d", reg), 0
	case 1:
		return fmt.Sprintf("a%d", reg), 0
	case 2:
		return fmt.Sprintf("(a%d)", reg), 0
	case 3:
		return fmt.Sprintf("(a%d)+", reg), 0
	case 4:
		return fmt.Sprintf("-(a%d)", reg), 0
	case 5:
		if len(ext) < 2 {
			return "<truncated>", 1
		}
		return fmt.Sprintf("$%x(a%d)", int16(binary.BigEndian.Uint16(ext)), reg), 1
	case 6:
		if len(ext) < 2 {
			return "<truncated>", 1
		}
		return indexOperand(binary.BigEndian.Uint16(ext), fmt.Sprintf("a%d", reg)), 1
	case 7:
		switch reg {
		case 0:
			if len(ext) < 2 {
				return "<truncated>", 1
			}
			return fmt.Sprintf("($%x).w", binary.BigEndian.Uint16(ext)), 1
		case 1:
			if len(ext) < 4 {
				return "<truncated>", 2
			}
			return fmt.Sprintf("($%x).l", binary.BigEndian.Uint32(ext)), 2
		case 2:
			if len(ext) < 2 {
				return "<truncated>", 1
			}
			return fmt.Sprintf("$%x(pc)", int16(binary.BigEndian.Uint16(ext))), 1
		case 3:
			if len(ext) < 2 {
				return "<truncated>", 1
			}
			return indexOperand(binary.BigEndian.Uint16(ext), "pc"), 1
		case 4:
			return readImm(ext, size)
		}
	}
	return fmt.Sprintf("<invalid ea %o>", ea), 0
}

// indexOperand renders a brief-format extension word: d8(base,Xn.size).
func indexOperand(ext uint16, base string) string {
	reg := (ext >> 12) & 7
	regKind := "d"
	if ext&0x8000 != 0 {
		regKind = "a"
	}
	size := ".w"
	if ext&0x0800 != 0 {
		size = ".l"
	}
	return fmt.Sprintf("$%x(%s,%s%d%s)", int8(ext&0xff), base, regKind, reg, size)
}

// readImm reads an immediate operand of the given size (long immediates
// occupy two extension words, all others one).
func readImm(ext []byte, size uint16) (string, int) {
	if size == 2 {
		if len(ext) < 4 {
			return "<truncated>", 2
		}
		return fmt.Sprintf("#$%x", binary.BigEndian.Uint32(ext)), 2
	}
	return readWordImm(ext)
}

// tail skips the given number of extension words, clamping at the end of
// the buffer.
func tail(ext []byte, words int) []byte {
	if len(ext) < 2*words {
		return nil
	}
	return ext[2*words:]
}

func readWordImm(ext []byte) (string, int) {
	if len(ext) < 2 {
		return "<truncated>", 1
	}
	return fmt.Sprintf("#$%x", binary.BigEndian.Uint16(ext)), 1
}

// IsJSR reports whether the opcode word is any encoding of JSR.
func IsJSR(op uint16) bool {
	return op&0xffc0 == 0x4e80
}

// IsRTS reports whether the opcode word is RTS.
func IsRTS(op uint16) bool {
	return op == 0x4e75
}

// FormatRegisterList is a debugging aid for movem masks.
func FormatRegisterList(mask uint16) string {
	var regs []string
	for i := 0; i < 8; i++ {
		if mask&(1<<i) != 0 {
			regs = append(regs, fmt.Sprintf("d%d", i))
		}
	}
	for i := 0; i < 8; i++ {
		if mask&(1<<(i+8)) != 0 {
			regs = append(regs, fmt.Sprintf("a%d", i))
		}
	}
	return strings.Join(regs, "/")
}
