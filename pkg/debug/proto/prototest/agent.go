// Package prototest provides an in-process fake debug agent for tests. It
// listens on a loopback TCP socket, speaks the real SLIP-framed protocol
// including the sequence number discipline, and answers from canned state:
// a memory image, a library base-address table, and a queue of target
// snapshots popped by each run-causing command.
package prototest

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"github.com/mkoberg/amidbg/pkg/debug/proto"
	"github.com/mkoberg/amidbg/pkg/debug/target"
)

// Agent is the scripted fake agent.
type Agent struct {
	listener net.Listener

	mu        sync.Mutex
	nextSeq   uint16
	Memory    map[uint32][]byte // block start address -> content
	BaseAddrs map[string]uint32 // library name (with ".library") -> base
	Stops     []*target.Info    // popped by RUN / CONT / STEP / KILL

	nextBpointNum uint32
	bpoints       map[uint32]uint32 // number -> offset

	err error
}

// Error returns the first protocol error observed by the agent.
func (a *Agent) Error() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// Start launches the agent on a loopback port and returns it together with
// the host/port to connect to.
func Start() (*Agent, string, int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, "", 0, err
	}
	agent := &Agent{
		listener:      listener,
		Memory:        make(map[uint32][]byte),
		BaseAddrs:     make(map[string]uint32),
		bpoints:       make(map[uint32]uint32),
		nextBpointNum: 1,
	}
	go agent.serve()
	addr := listener.Addr().(*net.TCPAddr)
	return agent, "127.0.0.1", addr.Port, nil
}

// Close shuts the agent down.
func (a *Agent) Close() {
	a.listener.Close()
}

// PushStop appends a snapshot to the stop queue.
func (a *Agent) PushStop(info *target.Info) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Stops = append(a.Stops, info)
}

func (a *Agent) serve() {
	conn, err := a.listener.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	var decoder proto.FrameDecoder
	chunk := make([]byte, proto.MaxFrameSize)
	for {
		msg, err := a.recv(conn, &decoder, chunk)
		if err != nil {
			return
		}
		if err := a.handle(conn, &decoder, chunk, msg); err != nil {
			a.mu.Lock()
			a.err = err
			a.mu.Unlock()
			return
		}
	}
}

func (a *Agent) recv(conn net.Conn, decoder *proto.FrameDecoder, chunk []byte) (*proto.Message, error) {
	for {
		frame, ok, err := decoder.Next()
		if err != nil {
			return nil, err
		}
		if ok {
			return proto.ParseMessage(frame)
		}
		n, err := conn.Read(chunk)
		if err != nil {
			return nil, err
		}
		decoder.Feed(chunk[:n])
	}
}

func (a *Agent) send(conn net.Conn, msgType proto.MsgType, data []byte) error {
	a.mu.Lock()
	msg := &proto.Message{
		Seqnum:   a.nextSeq,
		Checksum: proto.ChecksumSentinel,
		Type:     msgType,
		Length:   uint8(len(data)),
		Data:     data,
	}
	if msgType == proto.MsgAck || msgType == proto.MsgNack {
		a.nextSeq++
	}
	a.mu.Unlock()
	_, err := conn.Write(proto.EncodeFrame(msg.Marshal()))
	return err
}

func (a *Agent) ack(conn net.Conn, data []byte) error {
	return a.send(conn, proto.MsgAck, data)
}

func (a *Agent) nack(conn net.Conn, code proto.ErrorCode) error {
	return a.send(conn, proto.MsgNack, []byte{uint8(code)})
}

func (a *Agent) handle(conn net.Conn, decoder *proto.FrameDecoder, chunk []byte, msg *proto.Message) error {
	switch msg.Type {
	case proto.MsgInit, proto.MsgQuit, proto.MsgPokeMem:
		return a.ack(conn, nil)

	case proto.MsgPeekMem:
		address := binary.BigEndian.Uint32(msg.Data[0:4])
		nbytes := binary.BigEndian.Uint16(msg.Data[4:6])
		content, ok := a.readMemory(address, nbytes)
		if !ok {
			return a.nack(conn, proto.ErrorInvalidAddress)
		}
		return a.ack(conn, content)

	case proto.MsgSetBpoint:
		offset := binary.BigEndian.Uint32(msg.Data[0:4])
		a.mu.Lock()
		a.bpoints[a.nextBpointNum] = offset
		a.nextBpointNum++
		a.mu.Unlock()
		return a.ack(conn, nil)

	case proto.MsgClearBpoint:
		num := binary.BigEndian.Uint32(msg.Data[0:4])
		a.mu.Lock()
		_, ok := a.bpoints[num]
		delete(a.bpoints, num)
		a.mu.Unlock()
		if !ok {
			return a.nack(conn, proto.ErrorUnknownBreakpoint)
		}
		return a.ack(conn, nil)

	case proto.MsgGetBaseAddress:
		name := string(msg.Data)
		if len(name) > 0 && name[len(name)-1] == 0 {
			name = name[:len(name)-1]
		}
		base, ok := a.BaseAddrs[name]
		if !ok {
			return a.nack(conn, proto.ErrorOpenLibFailed)
		}
		reply := make([]byte, 4)
		binary.BigEndian.PutUint32(reply, base)
		return a.ack(conn, reply)

	case proto.MsgRun, proto.MsgCont, proto.MsgStep, proto.MsgKill:
		if err := a.ack(conn, nil); err != nil {
			return err
		}
		a.mu.Lock()
		if len(a.Stops) == 0 {
			a.mu.Unlock()
			return fmt.Errorf("run-causing command %s but no scripted stop left", msg.Type)
		}
		info := a.Stops[0]
		a.Stops = a.Stops[1:]
		a.mu.Unlock()
		if err := a.send(conn, proto.MsgTargetStopped, EncodeInfo(info)); err != nil {
			return err
		}
		// the host must acknowledge the stop notification
		ackMsg, err := a.recv(conn, decoder, chunk)
		if err != nil {
			return err
		}
		if ackMsg.Type != proto.MsgAck {
			return fmt.Errorf("expected ACK for stop notification, got %s", ackMsg.Type)
		}
		a.mu.Lock()
		a.nextSeq++
		a.mu.Unlock()
		return nil
	}
	return a.nack(conn, proto.ErrorBadData)
}

func (a *Agent) readMemory(address uint32, nbytes uint16) ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for start, block := range a.Memory {
		if address >= start && int(address-start)+int(nbytes) <= len(block) {
			offset := address - start
			return block[offset : offset+uint32(nbytes)], true
		}
	}
	return nil, false
}

// EncodeInfo serializes a snapshot into the packed wire layout, the inverse
// of target.ParseInfo.
func EncodeInfo(info *target.Info) []byte {
	data := make([]byte, target.InfoSize)
	binary.BigEndian.PutUint32(data[0:4], info.InitialPC)
	binary.BigEndian.PutUint32(data[4:8], info.InitialSP)
	binary.BigEndian.PutUint32(data[8:12], info.TaskContext.RegSP)
	binary.BigEndian.PutUint32(data[12:16], info.TaskContext.ExcNum)
	binary.BigEndian.PutUint16(data[16:18], info.TaskContext.RegSR)
	binary.BigEndian.PutUint32(data[18:22], info.TaskContext.RegPC)
	for i := 0; i < 8; i++ {
		binary.BigEndian.PutUint32(data[22+4*i:26+4*i], info.TaskContext.RegD[i])
	}
	for i := 0; i < 7; i++ {
		binary.BigEndian.PutUint32(data[54+4*i:58+4*i], info.TaskContext.RegA[i])
	}
	binary.BigEndian.PutUint32(data[82:86], info.State)
	binary.BigEndian.PutUint32(data[86:90], info.ExitCode)
	binary.BigEndian.PutUint32(data[90:94], info.ErrorCode)
	copy(data[94:158], info.NextInstrBytes[:])
	for i := 0; i < target.NumTopStackDwords; i++ {
		binary.BigEndian.PutUint32(data[158+4*i:162+4*i], info.TopStackDwords[i])
	}
	binary.BigEndian.PutUint32(data[190:194], info.Bpoint.Num)
	binary.BigEndian.PutUint32(data[194:198], info.Bpoint.Address)
	binary.BigEndian.PutUint16(data[198:200], info.Bpoint.Opcode)
	binary.BigEndian.PutUint32(data[200:204], info.Bpoint.HitCount)
	return data
}
