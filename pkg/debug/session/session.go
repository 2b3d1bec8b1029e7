// Package session holds the state of one debugging session: the loaded
// program with its debug information, the live transport to the agent, the
// syscall database with the library base-address table, and the last target
// snapshot. Exactly one session exists at a time; it is owned by the command
// loop and passed by pointer to the command handlers.
package session

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/mkoberg/amidbg/pkg/debug/proto"
	"github.com/mkoberg/amidbg/pkg/debug/stabs"
	"github.com/mkoberg/amidbg/pkg/debug/target"
)

// ErrStateViolation is returned when a command is issued in an incompatible
// target state, e.g. "run" while the target is already running. The command
// is refused; the session continues.
var ErrStateViolation = errors.New("command not allowed in current target state")

// ErrNoDebugInfo is returned when a source-level operation is attempted
// without a loaded program or at an address without line information.
var ErrNoDebugInfo = errors.New("no debug information available")

// State is the session state.
type State struct {
	Program    *stabs.Program
	Conn       *proto.Transport
	SyscallDB  target.SyscallDB
	LibBases   map[uint32]string
	TargetInfo *target.Info
	Log        *slog.Logger
}

// New creates a session over an established transport.
func New(conn *proto.Transport, log *slog.Logger) *State {
	return &State{
		Conn:     conn,
		LibBases: make(map[uint32]string),
		Log:      log,
	}
}

// TargetRunning reports whether the target has been started and can still
// be continued or stepped.
func (s *State) TargetRunning() bool {
	return s.TargetInfo != nil && s.TargetInfo.IsRunning()
}

// RequireRunning refuses commands that need a stopped-but-alive target.
func (s *State) RequireRunning() error {
	if !s.TargetRunning() {
		return fmt.Errorf("%w: target is not running", ErrStateViolation)
	}
	return nil
}

// RequireNotRunning refuses commands that need an idle target.
func (s *State) RequireNotRunning() error {
	if s.TargetRunning() {
		return fmt.Errorf("%w: target is running", ErrStateViolation)
	}
	return nil
}

// execRunCausing executes a command that sets the target running, awaits
// the stop notification and updates the last snapshot.
func (s *State) execRunCausing(cmd *proto.Command) error {
	if err := cmd.Execute(s.Conn); err != nil {
		return err
	}
	info, err := target.ParseInfo(cmd.StopPayload())
	if err != nil {
		return err
	}
	s.TargetInfo = info
	s.Log.Debug("Target has stopped", "state", info.State)
	return nil
}

// Run starts the target and waits for the first stop.
func (s *State) Run() error {
	return s.execRunCausing(proto.Run())
}

// Cont resumes the stopped target.
func (s *State) Cont() error {
	return s.execRunCausing(proto.Cont())
}

// Step single-steps the target by one instruction.
func (s *State) Step() error {
	return s.execRunCausing(proto.Step())
}

// Kill terminates the target.
func (s *State) Kill() error {
	return s.execRunCausing(proto.Kill())
}

// Quit tells the agent to shut down.
func (s *State) Quit() error {
	return proto.Quit().Execute(s.Conn)
}

// PeekMem reads nbytes of target memory at the given address. Implements
// target.MemReader.
func (s *State) PeekMem(address uint32, nbytes uint16) ([]byte, error) {
	cmd := proto.PeekMem(address, nbytes)
	if err := cmd.Execute(s.Conn); err != nil {
		return nil, err
	}
	return cmd.Result(), nil
}

// PokeMem writes bytes into target memory at the given address.
func (s *State) PokeMem(address uint32, content []byte) error {
	return proto.PokeMem(address, content).Execute(s.Conn)
}

// SetBreakpoint plants a breakpoint at the given offset from the entry
// point.
func (s *State) SetBreakpoint(offset uint32, oneShot bool) error {
	return proto.SetBreakpoint(offset, oneShot).Execute(s.Conn)
}

// ClearBreakpoint removes a breakpoint by its number.
func (s *State) ClearBreakpoint(num uint32) error {
	return proto.ClearBreakpoint(num).Execute(s.Conn)
}

// SyscallDecoder returns a decoder bound to this session's database and
// transport, or nil when no database is loaded.
func (s *State) SyscallDecoder() *target.SyscallDecoder {
	if len(s.SyscallDB) == 0 {
		return nil
	}
	return &target.SyscallDecoder{
		DB:       s.SyscallDB,
		LibBases: s.LibBases,
		Mem:      s,
		Log:      s.Log,
	}
}

// ResolveLibBases queries the agent for the base address of every library
// in the syscall database and fills the base-address table. Libraries the
// agent cannot resolve are skipped with a warning.
func (s *State) ResolveLibBases() {
	for libName := range s.SyscallDB {
		cmd := proto.GetBaseAddress(libName + ".library")
		if err := cmd.Execute(s.Conn); err != nil {
			s.Log.Warn("Could not get base address of library", "library", libName, "error", err)
			continue
		}
		base, err := cmd.Result()
		if err != nil {
			s.Log.Warn("Bad base address reply", "library", libName, "error", err)
			continue
		}
		s.LibBases[base] = libName
		s.Log.Debug("Resolved library base address", "library", libName, "base", fmt.Sprintf("0x%08x", base))
	}
}

// CurrentSourceLine resolves the compilation unit and line the PC is
// currently on.
func (s *State) CurrentSourceLine() (unit string, lineno int, err error) {
	if s.Program == nil {
		return "", 0, fmt.Errorf("%w: no program loaded", ErrNoDebugInfo)
	}
	if s.TargetInfo == nil {
		return "", 0, fmt.Errorf("%w: target has not stopped yet", ErrNoDebugInfo)
	}
	offset := s.TargetInfo.EntryOffset()
	unit, ok := s.Program.CompUnitForAddr(offset)
	if !ok {
		return "", 0, fmt.Errorf("%w: no compilation unit for address 0x%08x", ErrNoDebugInfo, offset)
	}
	lineno, ok = s.Program.LineForAddr(offset, unit)
	if !ok {
		return "", 0, fmt.Errorf("%w: no line information for address 0x%08x", ErrNoDebugInfo, offset)
	}
	return unit, lineno, nil
}
