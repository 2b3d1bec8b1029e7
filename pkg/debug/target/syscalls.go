package target

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mkoberg/amidbg/pkg/debug/proto"
)

// RegID identifies the register carrying a syscall argument. D0..D7 are
// 0..7, A0..A6 are 8..14; A7 never carries arguments.
type RegID uint8

// Register identifiers as used by the pragma files the database is built
// from.
const (
	RegD0 RegID = iota
	RegD1
	RegD2
	RegD3
	RegD4
	RegD5
	RegD6
	RegD7
	RegA0
	RegA1
	RegA2
	RegA3
	RegA4
	RegA5
	RegA6
)

func (r RegID) String() string {
	if r <= RegD7 {
		return fmt.Sprintf("D%d", uint8(r))
	}
	if r <= RegA6 {
		return fmt.Sprintf("A%d", uint8(r)-8)
	}
	return fmt.Sprintf("REG(%d)", uint8(r))
}

// UnmarshalYAML accepts register names as they appear in the database files
// ("D0".."D7", "A0".."A6").
func (r *RegID) UnmarshalYAML(value *yaml.Node) error {
	name := strings.ToUpper(strings.TrimSpace(value.Value))
	if len(name) != 2 || (name[0] != 'D' && name[0] != 'A') || name[1] < '0' || name[1] > '7' {
		return fmt.Errorf("invalid register name '%s'", value.Value)
	}
	num := RegID(name[1] - '0')
	if name[0] == 'A' {
		if num == 7 {
			return fmt.Errorf("register A7 cannot carry a syscall argument")
		}
		num += 8
	}
	*r = num
	return nil
}

// SyscallArg is one argument of a library function: its C declaration and
// the register it is passed in.
type SyscallArg struct {
	Decl     string `yaml:"decl"`
	Register RegID  `yaml:"register"`
}

// SyscallInfo describes one library function from the offline-built
// database.
type SyscallInfo struct {
	Name    string       `yaml:"name"`
	Args    []SyscallArg `yaml:"args"`
	RetType string       `yaml:"ret"`
}

// SyscallDB maps library short name -> jump-table offset -> function.
type SyscallDB map[string]map[int]SyscallInfo

// LoadSyscallDB reads all *.data files from the given directory. Each file
// is one YAML document mapping offsets to functions; the file's base name is
// the library short name (e.g. "exec").
func LoadSyscallDB(dir string, log *slog.Logger) (SyscallDB, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.data"))
	if err != nil {
		return nil, err
	}
	db := make(SyscallDB)
	for _, fname := range files {
		content, err := os.ReadFile(fname)
		if err != nil {
			return nil, fmt.Errorf("could not read syscall database file '%s': %w", fname, err)
		}
		byOffset := make(map[int]SyscallInfo)
		if err := yaml.Unmarshal(content, &byOffset); err != nil {
			return nil, fmt.Errorf("could not parse syscall database file '%s': %w", fname, err)
		}
		libName := strings.TrimSuffix(filepath.Base(fname), filepath.Ext(fname))
		db[libName] = byOffset
		log.Debug("Loaded syscall database", "library", libName, "entries", len(byOffset))
	}
	return db, nil
}

// SyscallDecoder resolves the library call a stopped target is about to
// make and pretty-prints its arguments.
type SyscallDecoder struct {
	DB       SyscallDB
	LibBases map[uint32]string // library base address -> short name
	Mem      MemReader
	Log      *slog.Logger
}

// Resolve returns the function the next instruction calls, or ok = false
// when the next instruction is not a syscall, the base address in A6 is
// unknown, or the offset is not in the database.
func (d *SyscallDecoder) Resolve(info *Info) (SyscallInfo, bool) {
	if !info.NextInstrIsSyscall() {
		return SyscallInfo{}, false
	}
	baseAddr := info.TaskContext.RegA[6]
	libName, ok := d.LibBases[baseAddr]
	if !ok {
		d.Log.Warn("Next instruction seems to be a syscall but base address is unknown",
			"base", fmt.Sprintf("0x%08x", baseAddr))
		return SyscallInfo{}, false
	}
	offset := info.SyscallOffset()
	syscall, ok := d.DB[libName][offset]
	if !ok {
		d.Log.Warn("Syscall offset not found in database", "library", libName, "offset", offset)
		return SyscallInfo{}, false
	}
	d.Log.Debug("Next instruction is a syscall", "library", libName, "name", syscall.Name)
	return syscall, true
}

// ArgValue fetches the register value of one argument. For STRPTR arguments
// the pointed-to string is fetched from target memory as well, truncated at
// the first NUL and returned in printable form.
func (d *SyscallDecoder) ArgValue(info *Info, arg SyscallArg) (uint32, string, error) {
	var value uint32
	if arg.Register >= RegA0 {
		value = info.TaskContext.RegA[arg.Register-RegA0]
	} else {
		value = info.TaskContext.RegD[arg.Register]
	}
	if !strings.Contains(arg.Decl, "STRPTR") {
		return value, "", nil
	}
	// The string length is unknown, so fetch the largest possible block and
	// cut it at the first NUL.
	content, err := d.Mem.PeekMem(value, proto.MaxMsgDataLen)
	if err != nil {
		return value, "", fmt.Errorf("getting string at address 0x%08x failed: %w", value, err)
	}
	if end := strings.IndexByte(string(content), 0); end != -1 {
		content = content[:end]
	}
	printable := strings.NewReplacer("\n", "\\n", "\r", "\\r").Replace(string(content))
	return value, printable, nil
}

// FormatCall renders the resolved call as lines suitable for annotating the
// disassembly view: the function name followed by one line per argument.
func (d *SyscallDecoder) FormatCall(info *Info, syscall SyscallInfo, indent string) []string {
	lines := []string{fmt.Sprintf("%s%s(", indent, syscall.Name)}
	for _, arg := range syscall.Args {
		value, str, err := d.ArgValue(info, arg)
		line := fmt.Sprintf("%s    %s = 0x%x", indent, arg.Decl, value)
		if err != nil {
			d.Log.Warn("Could not fetch syscall argument", "arg", arg.Decl, "error", err)
		} else if str != "" {
			line += fmt.Sprintf(" => \"%s\"", str)
		}
		lines = append(lines, line+",")
	}
	return append(lines, indent+")")
}
