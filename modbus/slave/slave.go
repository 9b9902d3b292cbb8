// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package slave implements the Modbus server role on top of a frame engine.
package slave

import (
	"encoding/binary"
	"errors"

	"github.com/ffutop/modbus-serial/modbus"
)

// maxByteCount is the most a response's one byte count field can say.
const maxByteCount = 0xFF

// handlerFunc validates a request in the framer buffer, calls the Handler
// and leaves the response in the same buffer.
type handlerFunc func(s *Slave, f modbus.Framer) modbus.ExceptionCode

var functions = map[byte]handlerFunc{
	modbus.FuncCodeReadCoils:              (*Slave).handleReadCoils,
	modbus.FuncCodeReadDiscreteInputs:     (*Slave).handleReadDiscreteInputs,
	modbus.FuncCodeReadHoldingRegisters:   (*Slave).handleReadHoldingRegisters,
	modbus.FuncCodeReadInputRegisters:     (*Slave).handleReadInputRegisters,
	modbus.FuncCodeWriteSingleCoil:        (*Slave).handleWriteSingleCoil,
	modbus.FuncCodeWriteSingleRegister:    (*Slave).handleWriteSingleRegister,
	modbus.FuncCodeWriteMultipleCoils:     (*Slave).handleWriteMultipleCoils,
	modbus.FuncCodeWriteMultipleRegisters: (*Slave).handleWriteMultipleRegisters,
}

// Slave answers requests delivered by a framer. It implements
// modbus.FrameHandler and must be driven from the framer's goroutine.
type Slave struct {
	handler  Handler
	observer Observer

	// scratch space for register values, reused between frames
	regs []uint16
}

var _ modbus.FrameHandler = (*Slave)(nil)

// New creates a Slave backed by h. A nil h answers every request with an
// illegal function exception.
func New(h Handler) *Slave {
	return &Slave{handler: h}
}

// SetObserver registers o to hear about every dispatched request.
func (s *Slave) SetObserver(o Observer) {
	s.observer = o
}

// FrameReady decodes the request in f, executes it against the Handler and
// hands the response back to f. Broadcasts are executed without a reply.
func (s *Slave) FrameReady(f modbus.Framer) {
	// can't send back an exception without a function code
	if f.BufferLen() == 0 {
		f.Finished()
		return
	}

	// collision
	if !f.BeginSend() {
		return
	}

	buf := f.Buffer()
	funcCode := buf[0]
	code := modbus.ExceptionCodeIllegalFunction
	if s.handler != nil {
		if fn, ok := functions[funcCode]; ok {
			code = fn(s, f)
		}
	}

	broadcast := f.StationAddress() != 0 && f.FrameAddress() == 0
	if s.observer != nil {
		s.observer.Observe(funcCode, code, broadcast)
	}
	if broadcast {
		f.Finished()
		return
	}

	if code != modbus.ExceptionCodeOK {
		buf[0] = funcCode | modbus.ExceptionFlag
		buf[1] = byte(code)
		f.SetBufferLen(2)
	}
	f.Send()
}

func (s *Slave) handleReadCoils(f modbus.Framer) modbus.ExceptionCode {
	return s.readBits(f, s.handler.ReadCoils)
}

func (s *Slave) handleReadDiscreteInputs(f modbus.Framer) modbus.ExceptionCode {
	return s.readBits(f, s.handler.ReadDiscreteInputs)
}

func (s *Slave) handleReadHoldingRegisters(f modbus.Framer) modbus.ExceptionCode {
	return s.readRegisters(f, s.handler.ReadHoldingRegisters)
}

func (s *Slave) handleReadInputRegisters(f modbus.Framer) modbus.ExceptionCode {
	return s.readRegisters(f, s.handler.ReadInputRegisters)
}

func (s *Slave) readBits(f modbus.Framer, read func(address, count uint16, out []byte) error) modbus.ExceptionCode {
	if f.BufferLen() != 5 {
		return modbus.ExceptionCodeIllegalDataValue
	}
	buf := f.Buffer()
	address := binary.BigEndian.Uint16(buf[1:3])
	count := binary.BigEndian.Uint16(buf[3:5])

	// buf[0] = fc, buf[1] = byte count, buf[2:] = packed bits
	byteCount := (int(count) + 7) / 8
	length := byteCount + 2
	if count == 0 || byteCount > maxByteCount || length > f.BufferMax() {
		return modbus.ExceptionCodeIllegalDataValue
	}

	out := buf[2:length]
	clear(out)
	if code := exceptionCode(read(address, count, out)); code != modbus.ExceptionCodeOK {
		return code
	}
	buf[1] = byte(byteCount)
	f.SetBufferLen(length)
	return modbus.ExceptionCodeOK
}

func (s *Slave) readRegisters(f modbus.Framer, read func(address, count uint16, out []uint16) error) modbus.ExceptionCode {
	if f.BufferLen() != 5 {
		return modbus.ExceptionCodeIllegalDataValue
	}
	buf := f.Buffer()
	address := binary.BigEndian.Uint16(buf[1:3])
	count := binary.BigEndian.Uint16(buf[3:5])

	// buf[0] = fc, buf[1] = byte count, buf[2:] = registers
	length := int(count)*2 + 2
	if count == 0 || int(count)*2 > maxByteCount || length > f.BufferMax() {
		return modbus.ExceptionCodeIllegalDataValue
	}

	regs := s.registers(int(count))
	if code := exceptionCode(read(address, count, regs)); code != modbus.ExceptionCodeOK {
		return code
	}
	for i, v := range regs {
		binary.BigEndian.PutUint16(buf[2+2*i:], v)
	}
	buf[1] = byte(count * 2)
	f.SetBufferLen(length)
	return modbus.ExceptionCodeOK
}

// The response to a single write is the request itself.
func (s *Slave) handleWriteSingleCoil(f modbus.Framer) modbus.ExceptionCode {
	if f.BufferLen() != 5 {
		return modbus.ExceptionCodeIllegalDataValue
	}
	buf := f.Buffer()
	address := binary.BigEndian.Uint16(buf[1:3])
	value := binary.BigEndian.Uint16(buf[3:5])
	if value != 0x0000 && value != 0xFF00 {
		return modbus.ExceptionCodeIllegalDataValue
	}
	on := value == 0xFF00

	if w, ok := s.handler.(SingleCoilWriter); ok {
		return exceptionCode(w.WriteSingleCoil(address, on))
	}
	var packed [1]byte
	if on {
		packed[0] = 1
	}
	return exceptionCode(s.handler.WriteMultipleCoils(address, 1, packed[:]))
}

func (s *Slave) handleWriteSingleRegister(f modbus.Framer) modbus.ExceptionCode {
	if f.BufferLen() != 5 {
		return modbus.ExceptionCodeIllegalDataValue
	}
	buf := f.Buffer()
	address := binary.BigEndian.Uint16(buf[1:3])
	value := binary.BigEndian.Uint16(buf[3:5])

	if w, ok := s.handler.(SingleRegisterWriter); ok {
		return exceptionCode(w.WriteSingleRegister(address, value))
	}
	regs := s.registers(1)
	regs[0] = value
	return exceptionCode(s.handler.WriteMultipleRegisters(address, 1, regs))
}

// The response to a multiple write echoes its address and count.
func (s *Slave) handleWriteMultipleCoils(f modbus.Framer) modbus.ExceptionCode {
	if f.BufferLen() < 6 {
		return modbus.ExceptionCodeIllegalDataValue
	}
	buf := f.Buffer()
	address := binary.BigEndian.Uint16(buf[1:3])
	count := binary.BigEndian.Uint16(buf[3:5])
	byteCount := int(buf[5])

	if count == 0 || byteCount != (int(count)+7)/8 || f.BufferLen() != 6+byteCount {
		return modbus.ExceptionCodeIllegalDataValue
	}

	if code := exceptionCode(s.handler.WriteMultipleCoils(address, count, buf[6:6+byteCount])); code != modbus.ExceptionCodeOK {
		return code
	}
	f.SetBufferLen(5)
	return modbus.ExceptionCodeOK
}

func (s *Slave) handleWriteMultipleRegisters(f modbus.Framer) modbus.ExceptionCode {
	if f.BufferLen() < 6 {
		return modbus.ExceptionCodeIllegalDataValue
	}
	buf := f.Buffer()
	address := binary.BigEndian.Uint16(buf[1:3])
	count := binary.BigEndian.Uint16(buf[3:5])
	byteCount := int(buf[5])

	if count == 0 || byteCount != int(count)*2 || f.BufferLen() != 6+byteCount {
		return modbus.ExceptionCodeIllegalDataValue
	}

	regs := s.registers(int(count))
	for i := range regs {
		regs[i] = binary.BigEndian.Uint16(buf[6+2*i:])
	}
	if code := exceptionCode(s.handler.WriteMultipleRegisters(address, count, regs)); code != modbus.ExceptionCodeOK {
		return code
	}
	f.SetBufferLen(5)
	return modbus.ExceptionCodeOK
}

func (s *Slave) registers(n int) []uint16 {
	if cap(s.regs) < n {
		s.regs = make([]uint16, n)
	}
	regs := s.regs[:n]
	clear(regs)
	return regs
}

func exceptionCode(err error) modbus.ExceptionCode {
	if err == nil {
		return modbus.ExceptionCodeOK
	}
	var code modbus.ExceptionCode
	if errors.As(err, &code) {
		return code
	}
	return modbus.ExceptionCodeServerDeviceFailure
}
