// Package engine implements the source-level stepping operations on top of
// the primitives the agent offers: single-step and one-shot breakpoints.
// The M68k exposes no step-over opcode, so "next" plants a one-shot
// breakpoint behind each call and continues, while "step" single-steps and
// follows returns back into the caller's line.
package engine

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/mkoberg/amidbg/pkg/debug/session"
	"github.com/mkoberg/amidbg/pkg/debug/stabs"
)

// Engine drives the stepping loops over a session.
type Engine struct {
	sess *session.State
	log  *slog.Logger
}

// New creates a stepping engine for the given session.
func New(sess *session.State, log *slog.Logger) *Engine {
	return &Engine{sess: sess, log: log}
}

// currentLineRange resolves the address range of the source line the PC is
// on. All stepping loops run until the PC leaves this range.
func (e *Engine) currentLineRange() (stabs.LineRange, error) {
	unit, lineno, err := e.sess.CurrentSourceLine()
	if err != nil {
		return stabs.LineRange{}, err
	}
	rng, ok := e.sess.Program.AddrRangeForLine(lineno, unit)
	if !ok {
		return stabs.LineRange{}, fmt.Errorf("%w: no address range for line %d", session.ErrNoDebugInfo, lineno)
	}
	e.log.Debug("Stepping over source line", "unit", unit, "line", lineno,
		"range", fmt.Sprintf("[0x%08x, 0x%08x)", rng.Start, rng.End))
	return rng, nil
}

// NextInstruction steps one instruction, stepping over a JSR by planting a
// one-shot breakpoint on the instruction following it and continuing.
func (e *Engine) NextInstruction() error {
	if err := e.sess.RequireRunning(); err != nil {
		return err
	}
	info := e.sess.TargetInfo
	if info.NextInstrIsJSR() {
		returnOffset := info.EntryOffset() + info.BytesUsedByJSR()
		if err := e.sess.SetBreakpoint(returnOffset, true); err != nil {
			return err
		}
		return e.sess.Cont()
	}
	return e.sess.Step()
}

// NextLine executes the current source line to completion, stepping over
// function calls. When the line ends with a return into the caller, the
// caller's line is finished as well.
func (e *Engine) NextLine() error {
	if err := e.sess.RequireRunning(); err != nil {
		return err
	}
	rng, err := e.currentLineRange()
	if err != nil {
		return err
	}
	for e.sess.TargetRunning() && rng.Contains(e.sess.TargetInfo.EntryOffset()) {
		info := e.sess.TargetInfo
		switch {
		case info.NextInstrIsJSR():
			returnOffset := info.EntryOffset() + info.BytesUsedByJSR()
			if err := e.sess.SetBreakpoint(returnOffset, true); err != nil {
				return err
			}
			if err := e.sess.Cont(); err != nil {
				return err
			}
		case info.NextInstrIsRTS():
			// we are returning to the caller in the middle of its line,
			// finish that line as well
			if err := e.sess.Step(); err != nil {
				return err
			}
			if !e.sess.TargetRunning() {
				return nil
			}
			return e.NextLine()
		default:
			if err := e.sess.Step(); err != nil {
				return err
			}
		}
	}
	return nil
}

// StepLine executes the current source line, stepping into function calls:
// single-step until the PC leaves the line's address range. When the step
// ran off the end of the callee back into the caller's frame, the caller's
// line is finished as well.
func (e *Engine) StepLine() error {
	if err := e.sess.RequireRunning(); err != nil {
		return err
	}
	rng, err := e.currentLineRange()
	if err != nil {
		return err
	}
	callerFP, haveCallerFP := e.callerFramePtr()
	for e.sess.TargetRunning() && rng.Contains(e.sess.TargetInfo.EntryOffset()) {
		if err := e.sess.Step(); err != nil {
			return err
		}
	}
	if !e.sess.TargetRunning() {
		return nil
	}
	if haveCallerFP && e.sess.TargetInfo.TaskContext.RegA[5] == callerFP {
		// we returned into the caller, its line is only partially done
		return e.StepLine()
	}
	return nil
}

// callerFramePtr reads the previous frame pointer stored at the head of the
// current frame. It identifies the caller's frame so that a return out of
// the current function can be recognized.
func (e *Engine) callerFramePtr() (uint32, bool) {
	content, err := e.sess.PeekMem(e.sess.TargetInfo.TaskContext.RegA[5], 4)
	if err != nil || len(content) < 4 {
		e.log.Debug("Could not read caller frame pointer", "error", err)
		return 0, false
	}
	return binary.BigEndian.Uint32(content), true
}
