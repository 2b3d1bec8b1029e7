// Package hunk reads executables in the Amiga Hunk format, the container
// AmigaOS uses for loadable programs and object files. The debugger is
// mainly interested in the HUNK_DEBUG block which carries the STABS debug
// information, but the reader also parses the header, unit, name, code, data, BSS,
// external symbol, symbol and 32-bit relocation blocks so that the block
// structure can be dumped. Other block types end parsing with an error.
package hunk

import "fmt"

// BlockType is the big-endian u32 tag that begins each block in the file.
type BlockType uint32

// Block types from dos/doshunks.h.
const (
	HunkUnit    BlockType = 999
	HunkName    BlockType = 1000
	HunkCode    BlockType = 1001
	HunkData    BlockType = 1002
	HunkBSS     BlockType = 1003
	HunkReloc32 BlockType = 1004
	HunkReloc16 BlockType = 1005
	HunkReloc8  BlockType = 1006
	HunkExt     BlockType = 1007
	HunkSymbol  BlockType = 1008
	HunkDebug   BlockType = 1009
	HunkEnd     BlockType = 1010
	HunkHeader  BlockType = 1011
	HunkOverlay BlockType = 1013
	HunkBreak   BlockType = 1014
	HunkDrel32  BlockType = 1015
	HunkDrel16  BlockType = 1016
	HunkDrel8   BlockType = 1017
	HunkLib     BlockType = 1018
	HunkIndex   BlockType = 1019
)

var blockTypeNames = map[BlockType]string{
	HunkUnit:    "HUNK_UNIT",
	HunkName:    "HUNK_NAME",
	HunkCode:    "HUNK_CODE",
	HunkData:    "HUNK_DATA",
	HunkBSS:     "HUNK_BSS",
	HunkReloc32: "HUNK_RELOC32",
	HunkReloc16: "HUNK_RELOC16",
	HunkReloc8:  "HUNK_RELOC8",
	HunkExt:     "HUNK_EXT",
	HunkSymbol:  "HUNK_SYMBOL",
	HunkDebug:   "HUNK_DEBUG",
	HunkEnd:     "HUNK_END",
	HunkHeader:  "HUNK_HEADER",
	HunkOverlay: "HUNK_OVERLAY",
	HunkBreak:   "HUNK_BREAK",
	HunkDrel32:  "HUNK_DREL32",
	HunkDrel16:  "HUNK_DREL16",
	HunkDrel8:   "HUNK_DREL8",
	HunkLib:     "HUNK_LIB",
	HunkIndex:   "HUNK_INDEX",
}

func (t BlockType) String() string {
	if name, ok := blockTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("HUNK_UNKNOWN(%d)", uint32(t))
}

// SymbolType is the one-byte symbol type carried in the high byte of the
// length word of HUNK_EXT records.
type SymbolType uint8

// Symbol types from dos/doshunks.h.
const (
	ExtSymb   SymbolType = 0
	ExtDef    SymbolType = 1
	ExtAbs    SymbolType = 2
	ExtRes    SymbolType = 3
	ExtRef32  SymbolType = 129
	ExtCommon SymbolType = 130
	ExtRef16  SymbolType = 131
	ExtRef8   SymbolType = 132
	ExtDext32 SymbolType = 133
	ExtDext16 SymbolType = 134
	ExtDext8  SymbolType = 135
)

// isDefinition reports whether the symbol record defines a symbol (as
// opposed to referencing one).
func (t SymbolType) isDefinition() bool {
	switch t {
	case ExtDef, ExtAbs, ExtRes:
		return true
	}
	return false
}

// isReference reports whether the symbol record is a list of references.
func (t SymbolType) isReference() bool {
	switch t {
	case ExtRef8, ExtRef16, ExtRef32:
		return true
	}
	return false
}
