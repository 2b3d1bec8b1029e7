package stabs

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// LineRange is the half-open address range [Start, End) of the instructions
// belonging to one source line. An End of 0 means the range extends to the
// end of the compilation unit (the last line has no natural end address).
type LineRange struct {
	Start uint32
	End   uint32
}

// Contains reports whether the range contains the given address.
func (r LineRange) Contains(addr uint32) bool {
	return addr >= r.Start && (r.End == 0 || addr < r.End)
}

// lineRecord is one entry of the per-unit address-sorted line table.
type lineRecord struct {
	addr   uint32
	lineno int
}

// unitIndex holds the line lookup tables of one compilation unit.
type unitIndex struct {
	name   string
	ranges map[int]*LineRange
	byAddr []lineRecord // sorted by address on insertion
}

// Program is a loaded program with debug information: the program tree plus
// the lookup indices derived from it. All addresses are offsets from the
// entry point.
type Program struct {
	tree     *Node
	units    []*unitIndex
	typedefs map[string]string
	log      *slog.Logger
}

// NewProgram decodes the raw STABS bytes of the HUNK_DEBUG block into a
// program tree and the lookup indices.
func NewProgram(data []byte, log *slog.Logger) (*Program, error) {
	records, typedefs, err := parseStabs(data, log)
	if err != nil {
		return nil, err
	}
	tree, err := newTreeBuilder(records, log).buildAll()
	if err != nil {
		return nil, err
	}
	dump(tree, 0, log)

	p := &Program{tree: tree, typedefs: make(map[string]string), log: log}
	p.buildLineIndex(records)
	for _, stab := range typedefs {
		name, def := splitSymbol(stab.Str)
		p.typedefs[name] = def
	}
	return p, nil
}

// buildLineIndex derives the per-unit line -> address-range tables from the
// N_SLINE records: each record contributes a start address, and the start
// of the next record in the same unit closes the previous range. When a line
// is recorded at more than one address only the lowest-address record is
// retained.
func (p *Program) buildLineIndex(records []Stab) {
	var unit *unitIndex
	srcdir := ""
	prevLine := -1
	for _, stab := range records {
		switch stab.Type {
		case N_SO:
			if strings.HasSuffix(stab.Str, "/") {
				srcdir = stab.Str
				continue
			}
			unit = &unitIndex{name: srcdir + stab.Str, ranges: make(map[int]*LineRange)}
			p.units = append(p.units, unit)
			// as in the tree builder, a directory record applies to the
			// next compilation unit only
			srcdir = ""
			prevLine = -1
		case N_SLINE:
			if unit == nil {
				continue
			}
			lineno := int(stab.Desc)
			if prev, ok := unit.ranges[prevLine]; ok && prev.End == 0 {
				prev.End = stab.Value
			}
			if _, ok := unit.ranges[lineno]; !ok {
				p.log.Debug("Line record", "line", lineno, "address", fmt.Sprintf("0x%08x", stab.Value))
				unit.ranges[lineno] = &LineRange{Start: stab.Value}
				unit.insertSorted(lineRecord{addr: stab.Value, lineno: lineno})
			}
			prevLine = lineno
		}
	}
}

func (u *unitIndex) insertSorted(rec lineRecord) {
	pos := sort.Search(len(u.byAddr), func(i int) bool { return u.byAddr[i].addr > rec.addr })
	u.byAddr = append(u.byAddr, lineRecord{})
	copy(u.byAddr[pos+1:], u.byAddr[pos:])
	u.byAddr[pos] = rec
}

// Tree returns the root of the program tree.
func (p *Program) Tree() *Node {
	return p.tree
}

// CompUnits returns the names of all compilation units in file order.
func (p *Program) CompUnits() []string {
	names := make([]string, len(p.units))
	for i, unit := range p.units {
		names[i] = unit.name
	}
	return names
}

// Typedefs returns the raw type definitions collected for the data
// dictionary, keyed by type name.
func (p *Program) Typedefs() map[string]string {
	return p.typedefs
}

// unitByName resolves a compilation unit. An empty name is allowed iff
// exactly one compilation unit exists.
func (p *Program) unitByName(name string) *unitIndex {
	if name == "" {
		if len(p.units) == 1 {
			return p.units[0]
		}
		return nil
	}
	for _, unit := range p.units {
		if unit.name == name {
			return unit
		}
	}
	return nil
}

// AddrRangeForLine returns the address range of the given source line.
func (p *Program) AddrRangeForLine(lineno int, compUnit string) (LineRange, bool) {
	unit := p.unitByName(compUnit)
	if unit == nil {
		return LineRange{}, false
	}
	rng, ok := unit.ranges[lineno]
	if !ok {
		return LineRange{}, false
	}
	return *rng, true
}

// LineForAddr returns the source line whose address range contains the
// given address.
func (p *Program) LineForAddr(addr uint32, compUnit string) (int, bool) {
	unit := p.unitByName(compUnit)
	if unit == nil {
		return 0, false
	}
	for _, rec := range unit.byAddr {
		if unit.ranges[rec.lineno].Contains(addr) {
			return rec.lineno, true
		}
	}
	return 0, false
}

// CompUnitForAddr returns the name of the compilation unit containing the
// given address. A unit with an end address of 0 extends to the end of the
// program.
func (p *Program) CompUnitForAddr(addr uint32) (string, bool) {
	for _, child := range p.tree.Children {
		if addr >= child.StartAddr && (child.EndAddr == 0 || addr < child.EndAddr) {
			return child.Name, true
		}
	}
	return "", false
}

// AddrRangeForFunction returns the address range of the named function,
// looked up over the function children of all compilation units.
func (p *Program) AddrRangeForFunction(name string) (LineRange, bool) {
	for _, unit := range p.tree.Children {
		for _, child := range unit.Children {
			if child.Type == N_FUN && child.Name == name {
				return LineRange{Start: child.StartAddr, End: child.EndAddr}, true
			}
		}
	}
	return LineRange{}, false
}
