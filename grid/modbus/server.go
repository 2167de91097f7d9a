// Package modbus exposes the grid over Modbus TCP: solved measurements as
// read-only holding registers and coils, and single-coil writes as breaker
// commands queued toward the simulation loop.
//
// The adapter owns a register table refreshed from state snapshots; protocol
// reads never touch the engine. Framing is MBAP over TCP with function codes
// 0x01 (read coils), 0x03 (read holding registers), 0x05 (write single coil)
// and 0x06 (write single register, accepted as an echo).
package modbus

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"

	"github.com/gridsim/gridsim/grid"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Modbus exception codes.
const (
	excIllegalFunction = 0x01
	excIllegalAddress  = 0x02
	excIllegalValue    = 0x03
)

const mbapHeaderLen = 7

// Server is the protocol adapter. It binds to one engine's topology at
// construction; the point mapping never changes afterwards.
type Server struct {
	engine grid.Engine
	sink   grid.CommandSink
	addr   string
	unitID byte

	mapping    *PointMapping
	coilToLine map[int]int

	mu       sync.RWMutex
	holding  []uint16
	coils    []bool
	listener net.Listener
	closed   bool
}

// NewServer builds the adapter for the engine's current topology. Commands
// written through the protocol are queued on the sink rather than applied
// directly, so they take effect at the next tick like any other command.
func NewServer(engine grid.Engine, sink grid.CommandSink, host string, port int, unitID byte) *Server {
	s := &Server{
		engine:  engine,
		sink:    sink,
		addr:    fmt.Sprintf("%s:%d", host, port),
		unitID:  unitID,
		holding: make([]uint16, holdingRegisterCount),
		coils:   make([]bool, coilCount),
	}
	s.mapping = buildPointMapping(engine.Topology())
	s.coilToLine = make(map[int]int, len(s.mapping.Lines.Coils))
	for lineID, addr := range s.mapping.Lines.Coils {
		s.coilToLine[addr] = lineID
	}
	return s
}

// PointMapping returns the element-to-address dictionary for SCADA
// configuration export.
func (s *Server) PointMapping() *PointMapping {
	return s.mapping
}

// MarshalPointMapping renders the mapping as indented JSON.
func (s *Server) MarshalPointMapping() ([]byte, error) {
	return json.MarshalIndent(s.mapping, "", "  ")
}

// UpdateMeasurements refreshes the register table from the engine's latest
// state. A state that is unavailable (engine mid-failure) leaves the table
// untouched; stale measurements beat a torn table.
func (s *Server) UpdateMeasurements() {
	state, err := s.engine.CurrentState()
	if err != nil {
		logrus.Debugf("modbus: state unavailable, registers unchanged: %v", err)
		return
	}
	s.ApplyState(state)
}

// ApplyState writes one state snapshot into the register table. It is the
// subscriber-hook form of UpdateMeasurements and is safe to call before the
// server is started.
func (s *Server) ApplyState(state *grid.GridState) {
	if state == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for busID, addr := range s.mapping.Buses {
		if bs, ok := state.Buses[busID]; ok {
			s.holding[addr] = scale(bs.VoltagePU, 1000)
		}
	}
	for lineID, regs := range s.mapping.Lines.HoldingRegisters {
		ls, ok := state.Lines[lineID]
		if !ok {
			continue
		}
		s.holding[regs.PFrom] = scale(ls.PFromMW, 1000)
		s.holding[regs.QFrom] = scale(ls.QFromMVAr, 1000)
		s.holding[regs.Loading] = scale(ls.LoadingPercent, 100)
	}
	for lineID, addr := range s.mapping.Lines.Coils {
		if ls, ok := state.Lines[lineID]; ok {
			s.coils[addr] = ls.InService
		}
	}
	for loadID, addr := range s.mapping.Loads {
		if lds, ok := state.Loads[loadID]; ok {
			s.holding[addr] = scale(lds.PMW, 1000)
		}
	}
}

// Start binds the TCP listener and serves connections until Stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to bind modbus listener on %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.closed = false
	s.mu.Unlock()

	logrus.Infof("modbus server listening on %s (unit %d)", ln.Addr(), s.unitID)
	go s.acceptLoop(ln)
	return nil
}

// Addr returns the bound listener address, or empty before Start.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop closes the listener. In-flight connections finish their current
// request and then drop on the next read.
func (s *Server) Stop() {
	s.mu.Lock()
	ln := s.listener
	s.closed = true
	s.listener = nil
	s.mu.Unlock()
	if ln != nil {
		ln.Close()
	}
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.RLock()
			closed := s.closed
			s.mu.RUnlock()
			if !closed {
				logrus.Warnf("modbus accept failed: %v", err)
			}
			return
		}
		go s.serveConn(conn)
	}
}

// serveConn handles one client connection, one MBAP frame at a time.
func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	header := make([]byte, mbapHeaderLen)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}
		txID := binary.BigEndian.Uint16(header[0:2])
		protoID := binary.BigEndian.Uint16(header[2:4])
		length := binary.BigEndian.Uint16(header[4:6])
		unitID := header[6]
		if protoID != 0 || length < 2 || length > 260 {
			return
		}
		pdu := make([]byte, length-1)
		if _, err := io.ReadFull(conn, pdu); err != nil {
			return
		}

		resp := s.handlePDU(pdu)
		frame := make([]byte, mbapHeaderLen+len(resp))
		binary.BigEndian.PutUint16(frame[0:2], txID)
		binary.BigEndian.PutUint16(frame[2:4], 0)
		binary.BigEndian.PutUint16(frame[4:6], uint16(len(resp)+1))
		frame[6] = unitID
		copy(frame[mbapHeaderLen:], resp)
		if _, err := conn.Write(frame); err != nil {
			return
		}
	}
}

// handlePDU dispatches one protocol data unit and returns the response PDU.
func (s *Server) handlePDU(pdu []byte) []byte {
	if len(pdu) == 0 {
		return nil
	}
	fc := pdu[0]
	switch fc {
	case 0x01:
		return s.readCoils(pdu)
	case 0x03:
		return s.readHoldingRegisters(pdu)
	case 0x05:
		return s.writeSingleCoil(pdu)
	case 0x06:
		return s.writeSingleRegister(pdu)
	default:
		return exception(fc, excIllegalFunction)
	}
}

func exception(fc, code byte) []byte {
	return []byte{fc | 0x80, code}
}

func (s *Server) readCoils(pdu []byte) []byte {
	if len(pdu) != 5 {
		return exception(pdu[0], excIllegalValue)
	}
	addr := int(binary.BigEndian.Uint16(pdu[1:3]))
	count := int(binary.BigEndian.Uint16(pdu[3:5]))
	if count < 1 || count > 2000 {
		return exception(pdu[0], excIllegalValue)
	}
	if addr+count > len(s.coils) {
		return exception(pdu[0], excIllegalAddress)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	byteCount := (count + 7) / 8
	resp := make([]byte, 2+byteCount)
	resp[0] = 0x01
	resp[1] = byte(byteCount)
	for i := 0; i < count; i++ {
		if s.coils[addr+i] {
			resp[2+i/8] |= 1 << (i % 8)
		}
	}
	return resp
}

func (s *Server) readHoldingRegisters(pdu []byte) []byte {
	if len(pdu) != 5 {
		return exception(pdu[0], excIllegalValue)
	}
	addr := int(binary.BigEndian.Uint16(pdu[1:3]))
	count := int(binary.BigEndian.Uint16(pdu[3:5]))
	if count < 1 || count > 125 {
		return exception(pdu[0], excIllegalValue)
	}
	if addr+count > len(s.holding) {
		return exception(pdu[0], excIllegalAddress)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	resp := make([]byte, 2+2*count)
	resp[0] = 0x03
	resp[1] = byte(2 * count)
	for i := 0; i < count; i++ {
		binary.BigEndian.PutUint16(resp[2+2*i:], s.holding[addr+i])
	}
	return resp
}

// writeSingleCoil maps a coil write onto a breaker command. The write is
// acknowledged immediately; the breaker state changes when the simulator
// drains its queue, and the coil reflects it after the next measurement
// refresh.
func (s *Server) writeSingleCoil(pdu []byte) []byte {
	if len(pdu) != 5 {
		return exception(pdu[0], excIllegalValue)
	}
	addr := int(binary.BigEndian.Uint16(pdu[1:3]))
	value := binary.BigEndian.Uint16(pdu[3:5])
	if value != 0xFF00 && value != 0x0000 {
		return exception(pdu[0], excIllegalValue)
	}
	lineID, ok := s.coilToLine[addr]
	if !ok {
		return exception(pdu[0], excIllegalAddress)
	}

	closed := value == 0xFF00
	if s.sink != nil {
		s.sink.QueueCommand(grid.NewBreakerCommand(lineID, closed))
		logrus.Infof("modbus: coil %d write queued breaker command for line %d (closed=%v)", addr, lineID, closed)
	}

	resp := make([]byte, 5)
	copy(resp, pdu)
	return resp
}

// writeSingleRegister accepts the write and echoes it. Register writes carry
// no control semantics here; the value lands in the table and is overwritten
// by the next measurement refresh.
func (s *Server) writeSingleRegister(pdu []byte) []byte {
	if len(pdu) != 5 {
		return exception(pdu[0], excIllegalValue)
	}
	addr := int(binary.BigEndian.Uint16(pdu[1:3]))
	if addr >= len(s.holding) {
		return exception(pdu[0], excIllegalAddress)
	}
	value := binary.BigEndian.Uint16(pdu[3:5])

	s.mu.Lock()
	s.holding[addr] = value
	s.mu.Unlock()

	resp := make([]byte, 5)
	copy(resp, pdu)
	return resp
}
