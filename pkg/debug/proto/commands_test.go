package proto_test

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkoberg/amidbg/pkg/debug/proto"
	"github.com/mkoberg/amidbg/pkg/debug/proto/prototest"
	"github.com/mkoberg/amidbg/pkg/debug/target"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startSession(t *testing.T) (*prototest.Agent, *proto.Transport) {
	t.Helper()
	agent, host, port, err := prototest.Start()
	require.NoError(t, err)
	t.Cleanup(agent.Close)

	conn, err := proto.Connect(host, port, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return agent, conn
}

func stoppedAtBpoint(num, offset uint32, oneShot bool) *target.Info {
	state := target.TSRunning | target.TSStoppedByBpoint
	if oneShot {
		state = target.TSRunning | target.TSStoppedByOneShotBpoint
	}
	return &target.Info{
		InitialPC: 0x1000,
		State:     state,
		TaskContext: target.TaskContext{
			RegPC: 0x1000 + offset,
		},
		Bpoint: target.Breakpoint{Num: num, Address: 0x1000 + offset, HitCount: 1},
	}
}

func TestConnect_RefusedConnection(t *testing.T) {
	_, err := proto.Connect("127.0.0.1", 1, discardLogger())
	require.Error(t, err)
	assert.ErrorIs(t, err, proto.ErrTransport)
	assert.Contains(t, err.Error(), "cannot connect to 127.0.0.1:1")
}

func TestConnect_PerformsInitExchange(t *testing.T) {
	_, conn := startSession(t)
	// INIT is not an ACK, only the agent's ACK counts
	assert.Equal(t, uint16(1), conn.NextSeq())
}

func TestRunToBreakpoint(t *testing.T) {
	agent, conn := startSession(t)
	agent.PushStop(stoppedAtBpoint(1, 0x24, false))

	require.NoError(t, proto.SetBreakpoint(0x24, false).Execute(conn))

	cmd := proto.Run()
	require.NoError(t, cmd.Execute(conn))
	info, err := target.ParseInfo(cmd.StopPayload())
	require.NoError(t, err)
	assert.Equal(t, target.TSRunning|target.TSStoppedByBpoint, info.State)
	assert.Equal(t, uint32(17), info.State)
	assert.Equal(t, uint32(1), info.Bpoint.Num)
	assert.Equal(t, uint32(0x1024), info.Bpoint.Address)
}

func TestSingleStepAfterBreakpoint(t *testing.T) {
	agent, conn := startSession(t)
	agent.PushStop(stoppedAtBpoint(1, 0x24, false))
	agent.PushStop(&target.Info{
		InitialPC: 0x1000,
		State:     target.TSRunning | target.TSSingleStepping | target.TSStoppedBySingleStep,
	})

	require.NoError(t, proto.SetBreakpoint(0x24, false).Execute(conn))
	require.NoError(t, proto.Run().Execute(conn))

	cmd := proto.Step()
	require.NoError(t, cmd.Execute(conn))
	info, err := target.ParseInfo(cmd.StopPayload())
	require.NoError(t, err)
	assert.Equal(t, uint32(67), info.State)
}

func TestContinueToExit(t *testing.T) {
	agent, conn := startSession(t)
	agent.PushStop(stoppedAtBpoint(1, 0x24, false))
	agent.PushStop(&target.Info{State: target.TSExited, ExitCode: 0})

	require.NoError(t, proto.SetBreakpoint(0x24, false).Execute(conn))
	require.NoError(t, proto.Run().Execute(conn))
	require.NoError(t, proto.ClearBreakpoint(1).Execute(conn))

	cmd := proto.Cont()
	require.NoError(t, cmd.Execute(conn))
	info, err := target.ParseInfo(cmd.StopPayload())
	require.NoError(t, err)
	assert.Equal(t, target.TSExited, info.State)
	assert.Equal(t, uint32(0), info.ExitCode)
	assert.True(t, info.HasExited())
}

func TestKill(t *testing.T) {
	agent, conn := startSession(t)
	agent.PushStop(stoppedAtBpoint(1, 0x24, false))
	agent.PushStop(&target.Info{State: target.TSKilled})

	require.NoError(t, proto.SetBreakpoint(0x24, false).Execute(conn))
	require.NoError(t, proto.Run().Execute(conn))

	cmd := proto.Kill()
	require.NoError(t, cmd.Execute(conn))
	info, err := target.ParseInfo(cmd.StopPayload())
	require.NoError(t, err)
	assert.Equal(t, target.TSKilled, info.State)
}

func TestOneShotBreakpoint(t *testing.T) {
	agent, conn := startSession(t)
	agent.PushStop(stoppedAtBpoint(1, 0x24, true))
	agent.PushStop(&target.Info{State: target.TSExited})

	require.NoError(t, proto.SetBreakpoint(0x24, true).Execute(conn))

	cmd := proto.Run()
	require.NoError(t, cmd.Execute(conn))
	info, err := target.ParseInfo(cmd.StopPayload())
	require.NoError(t, err)
	assert.Equal(t, uint32(33), info.State)

	cmd = proto.Cont()
	require.NoError(t, cmd.Execute(conn))
	info, err = target.ParseInfo(cmd.StopPayload())
	require.NoError(t, err)
	assert.Equal(t, target.TSExited, info.State)
}

func TestClearUnknownBreakpoint(t *testing.T) {
	_, conn := startSession(t)

	err := proto.ClearBreakpoint(2).Execute(conn)
	var srvErr *proto.ServerCommandError
	require.ErrorAs(t, err, &srvErr)
	assert.Equal(t, proto.ErrorUnknownBreakpoint, srvErr.Code)
}

func TestPeekMem(t *testing.T) {
	agent, conn := startSession(t)
	// address 4 holds the base address of exec.library on AmigaOS 3.1
	agent.Memory[4] = []byte{0x07, 0x80, 0x07, 0xf8}

	cmd := proto.PeekMem(4, 4)
	require.NoError(t, cmd.Execute(conn))
	assert.Equal(t, []byte{0x07, 0x80, 0x07, 0xf8}, cmd.Result())
}

func TestPeekMem_InvalidAddress(t *testing.T) {
	_, conn := startSession(t)

	err := proto.PeekMem(0xdead0000, 4).Execute(conn)
	var srvErr *proto.ServerCommandError
	require.ErrorAs(t, err, &srvErr)
	assert.Equal(t, proto.ErrorInvalidAddress, srvErr.Code)
}

func TestGetBaseAddress(t *testing.T) {
	agent, conn := startSession(t)
	agent.BaseAddrs["exec.library"] = 0x078007f8

	cmd := proto.GetBaseAddress("exec.library")
	require.NoError(t, cmd.Execute(conn))
	base, err := cmd.Result()
	require.NoError(t, err)
	assert.Equal(t, uint32(0x078007f8), base)
}

func TestSequenceDiscipline(t *testing.T) {
	agent, conn := startSession(t)
	agent.Memory[0] = make([]byte, 16)

	// INIT already consumed one ACK
	before := conn.NextSeq()
	const rounds = 5
	for i := 0; i < rounds; i++ {
		require.NoError(t, proto.PeekMem(0, 4).Execute(conn))
	}
	assert.Equal(t, before+rounds, conn.NextSeq())
}

func TestSequenceDiscipline_RunCausingCommands(t *testing.T) {
	agent, conn := startSession(t)
	agent.PushStop(stoppedAtBpoint(1, 0x24, false))

	before := conn.NextSeq()
	require.NoError(t, proto.Run().Execute(conn))
	// one ACK received for the request, one ACK sent for the stop
	// notification
	assert.Equal(t, before+2, conn.NextSeq())
	assert.NoError(t, agent.Error())
}
