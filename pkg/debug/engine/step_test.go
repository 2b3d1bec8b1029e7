package engine_test

import (
	"encoding/binary"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkoberg/amidbg/pkg/debug/engine"
	"github.com/mkoberg/amidbg/pkg/debug/proto"
	"github.com/mkoberg/amidbg/pkg/debug/proto/prototest"
	"github.com/mkoberg/amidbg/pkg/debug/session"
	"github.com/mkoberg/amidbg/pkg/debug/stabs"
	"github.com/mkoberg/amidbg/pkg/debug/target"
)

const initialPC = 0x10000

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stabRecord is one synthetic record for the fixture container.
type stabRecord struct {
	typ   stabs.StabType
	str   string
	desc  uint16
	value uint32
}

// buildContainer serializes records into the STABS container layout:
// sentinel, stab table, string table.
func buildContainer(records ...stabRecord) []byte {
	var strTable []byte
	strTable = append(strTable, 0) // offset 0 is the empty string
	numStabs := len(records) + 1
	data := make([]byte, numStabs*stabs.StabSize)
	binary.BigEndian.PutUint16(data[6:8], uint16(numStabs*stabs.StabSize))
	for i, rec := range records {
		entry := data[(i+1)*stabs.StabSize:]
		if rec.str != "" {
			binary.BigEndian.PutUint32(entry[0:4], uint32(len(strTable)))
			strTable = append(strTable, rec.str...)
			strTable = append(strTable, 0)
		}
		entry[4] = uint8(rec.typ)
		binary.BigEndian.PutUint16(entry[6:8], rec.desc)
		binary.BigEndian.PutUint32(entry[8:12], rec.value)
	}
	binary.BigEndian.PutUint32(data[8:12], uint32(len(strTable)))
	return append(data, strTable...)
}

// testProgram builds debug information for a unit whose line 22 covers
// [0x24, 0x2a) and line 23 starts at 0x2a.
func testProgram(t *testing.T) *stabs.Program {
	t.Helper()
	data := buildContainer(
		stabRecord{typ: stabs.N_SO, str: "prog.c"},
		stabRecord{typ: stabs.N_SLINE, desc: 22, value: 0x24},
		stabRecord{typ: stabs.N_SLINE, desc: 23, value: 0x2a},
		stabRecord{typ: stabs.N_FUN, str: "main:F1", desc: 22, value: 0x24},
		stabRecord{typ: stabs.N_LBRAC, value: 0x24},
		stabRecord{typ: stabs.N_RBRAC, value: 0x40},
	)
	program, err := stabs.NewProgram(data, discardLogger())
	require.NoError(t, err)
	return program
}

func stopAt(offset uint32, instrWords ...uint16) *target.Info {
	info := &target.Info{
		InitialPC: initialPC,
		State:     target.TSRunning | target.TSStoppedBySingleStep,
	}
	info.TaskContext.RegPC = initialPC + offset
	info.TaskContext.RegA[5] = 0x2ff00
	for i, word := range instrWords {
		binary.BigEndian.PutUint16(info.NextInstrBytes[2*i:], word)
	}
	return info
}

func startSession(t *testing.T) (*prototest.Agent, *session.State) {
	t.Helper()
	agent, host, port, err := prototest.Start()
	require.NoError(t, err)
	t.Cleanup(agent.Close)

	conn, err := proto.Connect(host, port, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	sess := session.New(conn, discardLogger())
	sess.Program = testProgram(t)
	// frame chain for the caller-frame check
	agent.Memory[0x2ff00] = []byte{0x00, 0x02, 0xff, 0x40, 0x00, 0x01, 0x01, 0x00}
	return agent, sess
}

func TestNextLine_StepsOverCall(t *testing.T) {
	agent, sess := startSession(t)
	// line 22: jsr -408(a6) at 0x24 (4 bytes), nop at 0x28
	agent.PushStop(stopAt(0x24, 0x4eae, 0xfe68)) // RUN
	agent.PushStop(stopAt(0x28, 0x4e71))         // CONT after one-shot bp
	agent.PushStop(stopAt(0x2a, 0x4e71))         // STEP onto the next line

	require.NoError(t, sess.Run())
	eng := engine.New(sess, discardLogger())
	require.NoError(t, eng.NextLine())

	assert.Equal(t, uint32(0x2a), sess.TargetInfo.EntryOffset())
	_, lineno, err := sess.CurrentSourceLine()
	require.NoError(t, err)
	assert.Equal(t, 23, lineno)
	assert.NoError(t, agent.Error())
}

func TestNextLine_PlainInstructions(t *testing.T) {
	agent, sess := startSession(t)
	agent.PushStop(stopAt(0x24, 0x4e71)) // RUN
	agent.PushStop(stopAt(0x26, 0x4e71)) // STEP
	agent.PushStop(stopAt(0x28, 0x4e71)) // STEP
	agent.PushStop(stopAt(0x2a, 0x4e71)) // STEP

	require.NoError(t, sess.Run())
	require.NoError(t, engine.New(sess, discardLogger()).NextLine())
	assert.Equal(t, uint32(0x2a), sess.TargetInfo.EntryOffset())
}

func TestNextLine_StopsWhenTargetExits(t *testing.T) {
	agent, sess := startSession(t)
	agent.PushStop(stopAt(0x24, 0x4e71))
	exited := &target.Info{InitialPC: initialPC, State: target.TSExited}
	agent.PushStop(exited)

	require.NoError(t, sess.Run())
	require.NoError(t, engine.New(sess, discardLogger()).NextLine())
	assert.True(t, sess.TargetInfo.HasExited())
}

func TestStepLine_LeavesLineRange(t *testing.T) {
	agent, sess := startSession(t)
	agent.PushStop(stopAt(0x24, 0x4e71)) // RUN
	agent.PushStop(stopAt(0x26, 0x4e71)) // STEP, still line 22
	agent.PushStop(stopAt(0x2a, 0x4e71)) // STEP, line 23

	require.NoError(t, sess.Run())
	require.NoError(t, engine.New(sess, discardLogger()).StepLine())
	assert.Equal(t, uint32(0x2a), sess.TargetInfo.EntryOffset())
}

func TestNextInstruction_PlantsOneShotBehindJSR(t *testing.T) {
	agent, sess := startSession(t)
	agent.PushStop(stopAt(0x24, 0x4eae, 0xfe68)) // RUN, next instr is a 4-byte jsr
	agent.PushStop(stopAt(0x28, 0x4e71))         // CONT hits the one-shot bp

	require.NoError(t, sess.Run())
	require.NoError(t, engine.New(sess, discardLogger()).NextInstruction())
	assert.Equal(t, uint32(0x28), sess.TargetInfo.EntryOffset())
	assert.NoError(t, agent.Error())
}

func TestNextInstruction_PlainStep(t *testing.T) {
	agent, sess := startSession(t)
	agent.PushStop(stopAt(0x24, 0x4e71))
	agent.PushStop(stopAt(0x26, 0x4e71))

	require.NoError(t, sess.Run())
	require.NoError(t, engine.New(sess, discardLogger()).NextInstruction())
	assert.Equal(t, uint32(0x26), sess.TargetInfo.EntryOffset())
}

func TestStepping_RequiresRunningTarget(t *testing.T) {
	_, sess := startSession(t)
	eng := engine.New(sess, discardLogger())
	assert.ErrorIs(t, eng.NextLine(), session.ErrStateViolation)
	assert.ErrorIs(t, eng.StepLine(), session.ErrStateViolation)
	assert.ErrorIs(t, eng.NextInstruction(), session.ErrStateViolation)
}

func TestStepping_RequiresDebugInfo(t *testing.T) {
	agent, sess := startSession(t)
	sess.Program = nil
	agent.PushStop(stopAt(0x24, 0x4e71))

	require.NoError(t, sess.Run())
	assert.ErrorIs(t, engine.New(sess, discardLogger()).NextLine(), session.ErrNoDebugInfo)
}
