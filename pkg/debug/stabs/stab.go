// Package stabs decodes the STABS debug information embedded in the
// HUNK_DEBUG block of an executable. The decoder turns the stream of
// fixed-size symbol records into a program tree (compilation units ->
// functions -> lexical scopes -> variables / line tuples) plus the lookup
// indices the debugger needs for source-level operations: address <-> line,
// address -> compilation unit, and function name -> address range.
package stabs

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
)

// ErrMalformed is returned when a STABS record violates a structural
// invariant. It is fatal to loading the program; the session continues
// without debug information.
var ErrMalformed = errors.New("malformed debug information")

// StabType is the type field of a STABS record.
type StabType uint8

// Stab types from binutils-gdb/include/aout/stab.def.
const (
	N_UNDF    StabType = 0x00
	N_EXT     StabType = 0x01
	N_ABS     StabType = 0x02
	N_TEXT    StabType = 0x04
	N_DATA    StabType = 0x06
	N_BSS     StabType = 0x08
	N_INDR    StabType = 0x0a
	N_FN_SEQ  StabType = 0x0c
	N_COMM    StabType = 0x12
	N_WARNING StabType = 0x1e
	N_FN      StabType = 0x1f
	N_GSYM    StabType = 0x20
	N_FNAME   StabType = 0x22
	N_FUN     StabType = 0x24
	N_STSYM   StabType = 0x26
	N_LCSYM   StabType = 0x28
	N_MAIN    StabType = 0x2a
	N_ROSYM   StabType = 0x2c
	N_PC      StabType = 0x30
	N_OPT     StabType = 0x3c
	N_RSYM    StabType = 0x40
	N_SLINE   StabType = 0x44
	N_DSLINE  StabType = 0x46
	N_BSLINE  StabType = 0x48
	N_SSYM    StabType = 0x60
	N_SO      StabType = 0x64
	N_OSO     StabType = 0x66
	N_LSYM    StabType = 0x80
	N_BINCL   StabType = 0x82
	N_SOL     StabType = 0x84
	N_PSYM    StabType = 0xa0
	N_EINCL   StabType = 0xa2
	N_ENTRY   StabType = 0xa4
	N_LBRAC   StabType = 0xc0
	N_EXCL    StabType = 0xc2
	N_SCOPE   StabType = 0xc4
	N_RBRAC   StabType = 0xe0
	N_BCOMM   StabType = 0xe2
	N_ECOMM   StabType = 0xe4
	N_ECOML   StabType = 0xe8
	N_LENG    StabType = 0xfe
)

var stabTypeNames = map[StabType]string{
	N_UNDF:  "N_UNDF",
	N_GSYM:  "N_GSYM",
	N_FNAME: "N_FNAME",
	N_FUN:   "N_FUN",
	N_STSYM: "N_STSYM",
	N_LCSYM: "N_LCSYM",
	N_MAIN:  "N_MAIN",
	N_RSYM:  "N_RSYM",
	N_SLINE: "N_SLINE",
	N_SO:    "N_SO",
	N_LSYM:  "N_LSYM",
	N_PSYM:  "N_PSYM",
	N_LBRAC: "N_LBRAC",
	N_RBRAC: "N_RBRAC",
}

func (t StabType) String() string {
	if name, ok := stabTypeNames[t]; ok {
		return name
	}
	// probably an external symbol, try again with the N_EXT bit cleared
	if name, ok := stabTypeNames[t&^N_EXT]; ok {
		return name + "|N_EXT"
	}
	return fmt.Sprintf("N_UNKNOWN(0x%02x)", uint8(t))
}

// StabSize is the size in bytes of one record: u32 string offset, u8 type,
// u8 other, u16 desc, u32 value, all big-endian.
const StabSize = 12

// Stab is one decoded record with its string resolved from the companion
// string table.
type Stab struct {
	StrOff uint32
	Type   StabType
	Other  uint8
	Desc   uint16
	Value  uint32
	Str    string
}

// treeBuilderTypes is the set of record types that feed the tree builder.
// All other types are not relevant for source-level debugging.
var treeBuilderTypes = map[StabType]bool{
	N_SO:    true,
	N_GSYM:  true,
	N_STSYM: true,
	N_LCSYM: true,
	N_LSYM:  true,
	N_RSYM:  true,
	N_PSYM:  true,
	N_FUN:   true,
	N_LBRAC: true,
	N_RBRAC: true,
	N_SLINE: true,
}

// parseStabs decodes the STABS container: a sentinel N_UNDF record whose
// desc field holds the total in-bytes size of the stab table (including the
// sentinel) and whose value field holds the string table size, followed by
// the stab table and the string table. It returns the records relevant for
// the tree builder and, separately, the type definitions (N_LSYM records
// with value 0) destined for the data dictionary.
func parseStabs(data []byte, log *slog.Logger) (records, typedefs []Stab, err error) {
	if len(data) < StabSize {
		return nil, nil, fmt.Errorf("%w: stab table shorter than one record", ErrMalformed)
	}
	sentinel := decodeStab(data)
	if sentinel.Type != N_UNDF {
		return nil, nil, fmt.Errorf("%w: stab table does not start with stab N_UNDF", ErrMalformed)
	}
	numStabs := int(sentinel.Desc) / StabSize
	if numStabs < 1 || len(data) < numStabs*StabSize {
		return nil, nil, fmt.Errorf("%w: stab table size %d exceeds debug section", ErrMalformed, sentinel.Desc)
	}
	stringTable := data[numStabs*StabSize:]
	log.Debug("Stab table", "entries", numStabs, "string table size", sentinel.Value)

	for i := 1; i < numStabs; i++ {
		stab := decodeStab(data[i*StabSize:])
		stab.Str, err = stringAt(stringTable, stab.StrOff)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: stab #%d: %v", ErrMalformed, i, err)
		}
		log.Debug("Stab",
			"type", stab.Type.String(), "string", stab.Str, "other", stab.Other,
			"desc", stab.Desc, "value", fmt.Sprintf("0x%08x", stab.Value))

		if !treeBuilderTypes[stab.Type] {
			continue
		}
		if stab.Type == N_LSYM && stab.Value == 0 {
			typedefs = append(typedefs, stab)
			continue
		}
		records = append(records, stab)
	}
	return records, typedefs, nil
}

func decodeStab(buffer []byte) Stab {
	return Stab{
		StrOff: binary.BigEndian.Uint32(buffer[0:4]),
		Type:   StabType(buffer[4]),
		Other:  buffer[5],
		Desc:   binary.BigEndian.Uint16(buffer[6:8]),
		Value:  binary.BigEndian.Uint32(buffer[8:12]),
	}
}

// stringAt returns the NUL-terminated ASCII string at the given offset into
// the string table.
func stringAt(table []byte, offset uint32) (string, error) {
	if int(offset) > len(table) {
		return "", fmt.Errorf("string offset 0x%x outside string table", offset)
	}
	end := bytes.IndexByte(table[offset:], 0)
	if end == -1 {
		return "", fmt.Errorf("no terminating NUL byte found at string offset 0x%x", offset)
	}
	return string(table[offset : int(offset)+end]), nil
}

// splitSymbol splits a stab string of the form "symbol:typeid". The type
// identifier stays opaque; the (future) data dictionary interprets it.
func splitSymbol(s string) (symbol, typeID string) {
	if idx := bytes.IndexByte([]byte(s), ':'); idx != -1 {
		return s[:idx], s[idx+1:]
	}
	return s, ""
}
