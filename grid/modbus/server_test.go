package modbus

import (
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridsim/gridsim/grid"
	"github.com/gridsim/gridsim/grid/local"
	"github.com/gridsim/gridsim/grid/network"
)

// recordingSink captures commands queued through the protocol.
type recordingSink struct {
	mu   sync.Mutex
	cmds []grid.Command
}

func (r *recordingSink) QueueCommand(cmd grid.Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cmds = append(r.cmds, cmd)
}

func (r *recordingSink) commands() []grid.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]grid.Command(nil), r.cmds...)
}

func startedServer(t *testing.T, engine grid.Engine, sink grid.CommandSink) *Server {
	t.Helper()
	server := NewServer(engine, sink, "127.0.0.1", 0, 1)
	require.NoError(t, server.Start())
	t.Cleanup(server.Stop)
	return server
}

func dialServer(t *testing.T, server *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", server.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	return conn
}

// roundTrip sends one PDU in an MBAP frame and returns the response PDU.
func roundTrip(t *testing.T, conn net.Conn, pdu []byte) []byte {
	t.Helper()
	frame := make([]byte, mbapHeaderLen+len(pdu))
	binary.BigEndian.PutUint16(frame[0:2], 0x1234)
	binary.BigEndian.PutUint16(frame[2:4], 0)
	binary.BigEndian.PutUint16(frame[4:6], uint16(len(pdu)+1))
	frame[6] = 1
	copy(frame[mbapHeaderLen:], pdu)
	_, err := conn.Write(frame)
	require.NoError(t, err)

	header := make([]byte, mbapHeaderLen)
	_, err = readFull(conn, header)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1234), binary.BigEndian.Uint16(header[0:2]))
	assert.Equal(t, uint16(0), binary.BigEndian.Uint16(header[2:4]))
	resp := make([]byte, binary.BigEndian.Uint16(header[4:6])-1)
	_, err = readFull(conn, resp)
	require.NoError(t, err)
	return resp
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func readHolding(t *testing.T, conn net.Conn, addr, count uint16) []uint16 {
	t.Helper()
	pdu := []byte{0x03, 0, 0, 0, 0}
	binary.BigEndian.PutUint16(pdu[1:3], addr)
	binary.BigEndian.PutUint16(pdu[3:5], count)
	resp := roundTrip(t, conn, pdu)
	require.Equal(t, byte(0x03), resp[0])
	require.Equal(t, byte(2*count), resp[1])
	values := make([]uint16, count)
	for i := range values {
		values[i] = binary.BigEndian.Uint16(resp[2+2*i:])
	}
	return values
}

func TestServer_MeasurementsReadableOverTCP(t *testing.T) {
	// GIVEN a solved two-bus network published into the register table
	engine := local.NewEngine(network.TwoBusTestNetwork())
	require.True(t, engine.RunSimulation(nil).Converged)
	server := startedServer(t, engine, nil)
	server.UpdateMeasurements()

	conn := dialServer(t, server)

	// THEN bus voltages come back scaled by 1000
	values := readHolding(t, conn, 0, 2)
	assert.Equal(t, uint16(1000), values[0], "slack bus at 1.0 pu")
	assert.InDelta(t, 979, int(values[1]), 15, "load bus below nominal")

	// and line flow registers carry the from-end values scaled by 1000
	flow := readHolding(t, conn, 1000, 1)
	assert.InDelta(t, 50, int(int16(flow[0])), 3)

	// and the load register reports demand scaled by 1000
	load := readHolding(t, conn, 5000, 1)
	assert.Equal(t, uint16(50), load[0])
}

func TestServer_CoilsReflectBreakerState(t *testing.T) {
	engine := local.NewEngine(network.LVTestFeeder())
	require.True(t, engine.RunSimulation(nil).Converged)
	server := startedServer(t, engine, nil)
	server.UpdateMeasurements()
	conn := dialServer(t, server)

	// All three segment breakers are closed
	resp := roundTrip(t, conn, []byte{0x01, 0x00, 0x00, 0x00, 0x03})
	require.Equal(t, byte(0x01), resp[0])
	require.Equal(t, byte(1), resp[1])
	assert.Equal(t, byte(0b111), resp[2])

	// Opening a breaker shows up after the next refresh
	require.NoError(t, engine.SetBreakerStatus(1, false))
	server.UpdateMeasurements()
	resp = roundTrip(t, conn, []byte{0x01, 0x00, 0x00, 0x00, 0x03})
	assert.Equal(t, byte(0b101), resp[2])
}

func TestServer_CoilWriteQueuesBreakerCommand(t *testing.T) {
	// GIVEN a sink wired between protocol and simulation loop
	engine := local.NewEngine(network.LVTestFeeder())
	sink := &recordingSink{}
	server := startedServer(t, engine, sink)
	conn := dialServer(t, server)

	// WHEN coil 1 is forced off and coil 2 forced on
	resp := roundTrip(t, conn, []byte{0x05, 0x00, 0x01, 0x00, 0x00})
	assert.Equal(t, []byte{0x05, 0x00, 0x01, 0x00, 0x00}, resp, "write echoes the request")
	roundTrip(t, conn, []byte{0x05, 0x00, 0x02, 0xFF, 0x00})

	// THEN matching breaker commands are queued, not applied directly
	cmds := sink.commands()
	require.Len(t, cmds, 2)
	open, ok := cmds[0].(*grid.BreakerCommand)
	require.True(t, ok)
	assert.Equal(t, 1, open.LineID)
	assert.False(t, open.Closed)
	closeCmd := cmds[1].(*grid.BreakerCommand)
	assert.Equal(t, 2, closeCmd.LineID)
	assert.True(t, closeCmd.Closed)

	// and the engine has not been touched
	line, err := engine.LineInfo(1)
	require.NoError(t, err)
	assert.True(t, line.InService)
}

func TestServer_ProtocolExceptions(t *testing.T) {
	engine := local.NewEngine(network.TwoBusTestNetwork())
	server := startedServer(t, engine, &recordingSink{})
	conn := dialServer(t, server)

	tests := []struct {
		name     string
		pdu      []byte
		wantFC   byte
		wantCode byte
	}{
		{"unsupported function", []byte{0x10, 0x00, 0x00, 0x00, 0x01, 0x02, 0x00, 0x00}, 0x90, excIllegalFunction},
		{"holding read past table", []byte{0x03, 0x17, 0x6F, 0x00, 0x02}, 0x83, excIllegalAddress},
		{"holding read zero count", []byte{0x03, 0x00, 0x00, 0x00, 0x00}, 0x83, excIllegalValue},
		{"coil read past table", []byte{0x01, 0x03, 0xE8, 0x00, 0x01}, 0x81, excIllegalAddress},
		{"coil write unmapped", []byte{0x05, 0x00, 0x63, 0xFF, 0x00}, 0x85, excIllegalAddress},
		{"coil write bad value", []byte{0x05, 0x00, 0x00, 0x12, 0x34}, 0x85, excIllegalValue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := roundTrip(t, conn, tt.pdu)
			require.Len(t, resp, 2)
			assert.Equal(t, tt.wantFC, resp[0])
			assert.Equal(t, tt.wantCode, resp[1])
		})
	}
}

func TestServer_RegisterWriteEchoes(t *testing.T) {
	engine := local.NewEngine(network.TwoBusTestNetwork())
	server := startedServer(t, engine, nil)
	conn := dialServer(t, server)

	// A register write is accepted and readable until the next refresh
	resp := roundTrip(t, conn, []byte{0x06, 0x0F, 0xA0, 0x01, 0x02})
	assert.Equal(t, []byte{0x06, 0x0F, 0xA0, 0x01, 0x02}, resp)
	assert.Equal(t, []uint16{0x0102}, readHolding(t, conn, 4000, 1))
}

func TestServer_UpdateBeforeStartIsNoOp(t *testing.T) {
	// GIVEN a server that was never started
	engine := local.NewEngine(network.TwoBusTestNetwork())
	server := NewServer(engine, nil, "127.0.0.1", 0, 1)

	// THEN refreshing measurements neither panics nor needs a listener
	server.UpdateMeasurements()
	server.ApplyState(nil)
}

func TestServer_StaleStateKeptOnEngineFailure(t *testing.T) {
	// GIVEN published measurements from a converged solve
	engine := local.NewEngine(network.TwoBusTestNetwork())
	require.True(t, engine.RunSimulation(nil).Converged)
	server := startedServer(t, engine, nil)
	server.UpdateMeasurements()
	conn := dialServer(t, server)
	before := readHolding(t, conn, 0, 2)

	// WHEN the next solve fails and the engine state becomes invalid
	require.NoError(t, engine.SetBreakerStatus(0, false))
	require.False(t, engine.RunSimulation(nil).Converged)
	server.UpdateMeasurements()

	// THEN the registers keep the last good values
	assert.Equal(t, before, readHolding(t, conn, 0, 2))
}

func TestServer_StopUnbindsListener(t *testing.T) {
	engine := local.NewEngine(network.TwoBusTestNetwork())
	server := NewServer(engine, nil, "127.0.0.1", 0, 1)
	require.NoError(t, server.Start())
	addr := server.Addr()
	require.NotEmpty(t, addr)

	server.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err != nil {
			return
		}
		conn.Close()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("listener still accepting after Stop")
}
