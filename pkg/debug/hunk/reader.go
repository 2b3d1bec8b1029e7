package hunk

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// ErrNoDebugBlock is returned when an executable carries no HUNK_DEBUG block
// or the block is in a format without STABS records.
var ErrNoDebugBlock = errors.New("executable contains no usable debug information")

// Header is the parsed HUNK_HEADER block of a loadable executable.
type Header struct {
	ReservedLibs uint32
	NumHunks     uint32
	FirstHunk    uint32
	LastHunk     uint32
	HunkSizes    []uint32 // in bytes
}

// Symbol is one (name, value) pair from a HUNK_SYMBOL block.
type Symbol struct {
	Name  string
	Value uint32
}

// ExtSymbol is one record from a HUNK_EXT block: either the definition of a
// symbol or a list of references to it.
type ExtSymbol struct {
	Type  SymbolType
	Name  string
	Value uint32   // definitions only
	Refs  []uint32 // references only
}

// RelocGroup is one group of 32-bit relocations referencing a hunk.
type RelocGroup struct {
	Hunk    uint32
	Offsets []uint32
}

// Executable is the parsed block structure of a Hunk file.
type Executable struct {
	Header     *Header
	Blocks     map[BlockType][]byte
	Symbols    []Symbol
	ExtSymbols []ExtSymbol
	Relocs     []RelocGroup
}

// StabsData returns the STABS payload of the HUNK_DEBUG block. A debug block
// in the SAS/C LINE format carries no STABS records and is rejected.
func (e *Executable) StabsData() ([]byte, error) {
	data, ok := e.Blocks[HunkDebug]
	if !ok {
		return nil, fmt.Errorf("%w: no HUNK_DEBUG block", ErrNoDebugBlock)
	}
	if IsLineFormat(data) {
		return nil, fmt.Errorf("%w: debug block is in SAS/C LINE format", ErrNoDebugBlock)
	}
	return data, nil
}

// IsLineFormat reports whether a HUNK_DEBUG payload is in the SAS/C LINE
// format: the four bytes following the section offset spell "LINE".
func IsLineFormat(data []byte) bool {
	return len(data) >= 8 && bytes.Equal(data[4:8], []byte("LINE"))
}

// reader wraps the file with the big-endian word primitives every block
// parser is built on. Sizes in the container are long-word counts.
type reader struct {
	r   *bufio.Reader
	log *slog.Logger
}

func (r *reader) readWord() (uint32, error) {
	var buffer [4]byte
	if _, err := io.ReadFull(r.r, buffer[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			err = io.EOF
		}
		return 0, err
	}
	return binary.BigEndian.Uint32(buffer[:]), nil
}

func (r *reader) readBytes(n uint32) ([]byte, error) {
	buffer := make([]byte, n)
	if _, err := io.ReadFull(r.r, buffer); err != nil {
		return nil, fmt.Errorf("truncated block content: %w", err)
	}
	return buffer, nil
}

// readString reads n bytes and strips the NUL padding.
func (r *reader) readString(n uint32) (string, error) {
	buffer, err := r.readBytes(n)
	if err != nil {
		return "", err
	}
	return string(bytes.TrimRight(buffer, "\x00")), nil
}

// ReadExecutable parses a Hunk file into its blocks. Parsing ends cleanly on
// EOF iff the last block read was HUNK_END; EOF anywhere else reports
// truncation. A block tag the reader does not recognize terminates parsing
// with an error identifying the tag.
func ReadExecutable(fname string, log *slog.Logger) (*Executable, error) {
	file, err := os.Open(fname)
	if err != nil {
		return nil, fmt.Errorf("could not open executable: %w", err)
	}
	defer file.Close()
	return Read(file, log)
}

// Read parses a Hunk block stream.
func Read(src io.Reader, log *slog.Logger) (*Executable, error) {
	r := &reader{r: bufio.NewReader(src), log: log}
	exe := &Executable{Blocks: make(map[BlockType][]byte)}

	hunkNum := 0
	lastBlock := BlockType(0)
	for {
		word, err := r.readWord()
		if err == io.EOF {
			if lastBlock == HunkEnd {
				return exe, nil
			}
			return nil, fmt.Errorf("unexpected EOF while reading block header (last block was %s)", lastBlock)
		}
		if err != nil {
			return nil, err
		}
		blockType := BlockType(word)
		log.Debug("Reading block", "hunk", hunkNum, "type", blockType.String())
		lastBlock = blockType

		switch blockType {
		case HunkEnd:
			// possibly another hunk follows, nothing else to do
			hunkNum++
			exe.Blocks[HunkEnd] = nil
			continue
		case HunkHeader:
			header, err := r.readHeaderBlock()
			if err != nil {
				return nil, err
			}
			exe.Header = header
			exe.Blocks[HunkHeader] = nil
		case HunkUnit, HunkName:
			name, err := r.readNameBlock()
			if err != nil {
				return nil, err
			}
			exe.Blocks[blockType] = []byte(name)
		case HunkCode, HunkData:
			content, err := r.readContentBlock(blockType)
			if err != nil {
				return nil, err
			}
			exe.Blocks[blockType] = content
		case HunkBSS:
			nwords, err := r.readWord()
			if err != nil {
				return nil, err
			}
			log.Debug("Size (in bytes) of BSS block", "size", nwords*4)
			exe.Blocks[HunkBSS] = nil
		case HunkExt:
			symbols, err := r.readExtBlock()
			if err != nil {
				return nil, err
			}
			exe.ExtSymbols = append(exe.ExtSymbols, symbols...)
			exe.Blocks[HunkExt] = nil
		case HunkSymbol:
			symbols, err := r.readSymbolBlock()
			if err != nil {
				return nil, err
			}
			exe.Symbols = append(exe.Symbols, symbols...)
			exe.Blocks[HunkSymbol] = nil
		case HunkReloc32:
			groups, err := r.readReloc32Block()
			if err != nil {
				return nil, err
			}
			exe.Relocs = append(exe.Relocs, groups...)
			exe.Blocks[HunkReloc32] = nil
		case HunkDebug:
			content, err := r.readDebugBlock()
			if err != nil {
				return nil, err
			}
			exe.Blocks[HunkDebug] = content
		default:
			return nil, fmt.Errorf("block type %s not known or implemented", blockType)
		}
	}
}

func (r *reader) readHeaderBlock() (*Header, error) {
	header := &Header{}
	var err error
	if header.ReservedLibs, err = r.readWord(); err != nil {
		return nil, err
	}
	if header.NumHunks, err = r.readWord(); err != nil {
		return nil, err
	}
	if header.FirstHunk, err = r.readWord(); err != nil {
		return nil, err
	}
	if header.LastHunk, err = r.readWord(); err != nil {
		return nil, err
	}
	for num := header.FirstHunk; num <= header.LastHunk; num++ {
		nwords, err := r.readWord()
		if err != nil {
			return nil, err
		}
		r.log.Debug("Hunk size", "hunk", num, "size", nwords*4)
		header.HunkSizes = append(header.HunkSizes, nwords*4)
	}
	return header, nil
}

func (r *reader) readNameBlock() (string, error) {
	nwords, err := r.readWord()
	if err != nil {
		return "", err
	}
	name, err := r.readString(nwords * 4)
	if err != nil {
		return "", err
	}
	r.log.Debug("Name block", "name", name)
	return name, nil
}

func (r *reader) readContentBlock(blockType BlockType) ([]byte, error) {
	nwords, err := r.readWord()
	if err != nil {
		return nil, err
	}
	r.log.Debug("Size (in bytes) of content block", "type", blockType.String(), "size", nwords*4)
	return r.readBytes(nwords * 4)
}

// readExtBlock parses the list of symbol records, terminated by a zero word.
// Each record carries the symbol type in the high byte of its length word.
func (r *reader) readExtBlock() ([]ExtSymbol, error) {
	var symbols []ExtSymbol
	for {
		typeLen, err := r.readWord()
		if err != nil {
			return nil, err
		}
		if typeLen == 0 {
			return symbols, nil
		}
		symbol := ExtSymbol{Type: SymbolType(typeLen >> 24)}
		if symbol.Name, err = r.readString((typeLen & 0x00ffffff) * 4); err != nil {
			return nil, err
		}
		switch {
		case symbol.Type.isDefinition():
			if symbol.Value, err = r.readWord(); err != nil {
				return nil, err
			}
			r.log.Debug("Symbol definition", "name", symbol.Name, "type", symbol.Type, "value", symbol.Value)
		case symbol.Type.isReference():
			nrefs, err := r.readWord()
			if err != nil {
				return nil, err
			}
			for i := uint32(0); i < nrefs; i++ {
				ref, err := r.readWord()
				if err != nil {
					return nil, err
				}
				symbol.Refs = append(symbol.Refs, ref)
			}
			r.log.Debug("Symbol references", "name", symbol.Name, "type", symbol.Type, "count", nrefs)
		default:
			return nil, fmt.Errorf("symbol type %d not supported", symbol.Type)
		}
		symbols = append(symbols, symbol)
	}
}

func (r *reader) readSymbolBlock() ([]Symbol, error) {
	var symbols []Symbol
	for {
		nwords, err := r.readWord()
		if err != nil {
			return nil, err
		}
		if nwords == 0 {
			return symbols, nil
		}
		symbol := Symbol{}
		if symbol.Name, err = r.readString(nwords * 4); err != nil {
			return nil, err
		}
		if symbol.Value, err = r.readWord(); err != nil {
			return nil, err
		}
		r.log.Debug("Symbol", "name", symbol.Name, "value", fmt.Sprintf("0x%08x", symbol.Value))
		symbols = append(symbols, symbol)
	}
}

func (r *reader) readReloc32Block() ([]RelocGroup, error) {
	var groups []RelocGroup
	for {
		noffsets, err := r.readWord()
		if err != nil {
			return nil, err
		}
		if noffsets == 0 {
			return groups, nil
		}
		group := RelocGroup{}
		if group.Hunk, err = r.readWord(); err != nil {
			return nil, err
		}
		for i := uint32(0); i < noffsets; i++ {
			offset, err := r.readWord()
			if err != nil {
				return nil, err
			}
			group.Offsets = append(group.Offsets, offset)
		}
		r.log.Debug("Relocations", "hunk", group.Hunk, "count", noffsets)
		groups = append(groups, group)
	}
}

// readDebugBlock returns the opaque debug payload. The content of HUNK_DEBUG
// was never specified by Commodore; SAS/C and VBCC emit a LINE table, GCC
// emits STABS. The payload is returned as-is, format detection is the
// caller's concern.
func (r *reader) readDebugBlock() ([]byte, error) {
	nwords, err := r.readWord()
	if err != nil {
		return nil, err
	}
	data, err := r.readBytes(nwords * 4)
	if err != nil {
		return nil, err
	}
	if IsLineFormat(data) {
		r.log.Debug("Debug block format is LINE (SAS/C or VBCC)")
	} else {
		r.log.Debug("Debug block format is assumed to be STABS (GCC)")
	}
	return data, nil
}
