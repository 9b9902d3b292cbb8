// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package modbus holds the types shared by the serial-line frame engines
// and the slave dispatcher.
package modbus

import (
	"errors"
	"fmt"
)

// Function Codes
const (
	FuncCodeReadCoils              = 0x01
	FuncCodeReadDiscreteInputs     = 0x02
	FuncCodeReadHoldingRegisters   = 0x03
	FuncCodeReadInputRegisters     = 0x04
	FuncCodeWriteSingleCoil        = 0x05
	FuncCodeWriteSingleRegister    = 0x06
	FuncCodeWriteMultipleCoils     = 0x0F
	FuncCodeWriteMultipleRegisters = 0x10

	// ExceptionFlag is set on the function code of an exception response.
	ExceptionFlag = 0x80
)

// ExceptionCode is the one byte status carried by a Modbus exception
// response. It implements error so register handlers can return it as is.
type ExceptionCode byte

const (
	ExceptionCodeOK                                 ExceptionCode = 0
	ExceptionCodeIllegalFunction                    ExceptionCode = 1
	ExceptionCodeIllegalDataAddress                 ExceptionCode = 2
	ExceptionCodeIllegalDataValue                   ExceptionCode = 3
	ExceptionCodeServerDeviceFailure                ExceptionCode = 4
	ExceptionCodeAcknowledge                        ExceptionCode = 5
	ExceptionCodeServerDeviceBusy                   ExceptionCode = 6
	ExceptionCodeMemoryParityError                  ExceptionCode = 8
	ExceptionCodeGatewayPathUnavailable             ExceptionCode = 10
	ExceptionCodeGatewayTargetDeviceFailedToRespond ExceptionCode = 11
)

func (e ExceptionCode) Error() string {
	var name string
	switch e {
	case ExceptionCodeOK:
		name = "ok"
	case ExceptionCodeIllegalFunction:
		name = "illegal function"
	case ExceptionCodeIllegalDataAddress:
		name = "illegal data address"
	case ExceptionCodeIllegalDataValue:
		name = "illegal data value"
	case ExceptionCodeServerDeviceFailure:
		name = "server device failure"
	case ExceptionCodeAcknowledge:
		name = "acknowledge"
	case ExceptionCodeServerDeviceBusy:
		name = "server device busy"
	case ExceptionCodeMemoryParityError:
		name = "memory parity error"
	case ExceptionCodeGatewayPathUnavailable:
		name = "gateway path unavailable"
	case ExceptionCodeGatewayTargetDeviceFailedToRespond:
		name = "gateway target device failed to respond"
	default:
		name = "unknown"
	}
	return fmt.Sprintf("modbus: exception '%v' (%s)", byte(e), name)
}

// ProtocolDataUnit (PDU) is independent of underlying communication layers.
type ProtocolDataUnit struct {
	FunctionCode byte
	Data         []byte
}

// ErrShutdown is wrapped by the error a framer reports once it has entered
// its terminal state. The framer must be rebuilt to recover.
var ErrShutdown = errors.New("modbus: framer shut down")

var (
	ErrBufferOverflow = errors.New("modbus: frame does not fit in buffer")
	ErrSequence       = errors.New("modbus: framer call out of sequence")
	ErrConfig         = errors.New("modbus: invalid framer configuration")
)

// Tick is a wrapping monotonic counter.
type Tick uint32

// Elapsed returns the ticks from start to end, wrapping past the maximum.
func Elapsed(start, end Tick) Tick {
	return end - start
}

// Stream is a non-blocking byte stream. Every call must return immediately.
type Stream interface {
	// Read copies up to len(p) available bytes. It returns 0, nil when
	// nothing is pending and a non-nil error on a framing or parity error.
	Read(p []byte) (int, error)
	// Discard drops up to max pending bytes, or all of them if max < 0,
	// and reports how many were dropped.
	Discard(max int) (int, error)
	// Write queues up to len(p) bytes. An error is fatal for the link.
	Write(p []byte) (int, error)
	// TxEnable drives the half-duplex transmitter.
	TxEnable(on bool)
	// WriteComplete reports whether all written bytes have left the wire.
	WriteComplete() bool
}

// StatusNotifier is implemented by streams that want to hear about
// receive and transmit activity.
type StatusNotifier interface {
	CommunicationStatus(rx, tx bool)
}

// Clock is a monotonic tick source.
type Clock interface {
	Ticks() Tick
	MicrosecondsPerTick() uint32
}

// FrameHandler is notified from inside Poll when a validated frame is ready.
type FrameHandler interface {
	FrameReady(f Framer)
}

// FrameHandlerFunc adapts a function to FrameHandler.
type FrameHandlerFunc func(f Framer)

func (fn FrameHandlerFunc) FrameReady(f Framer) { fn(f) }

// Framer is the contract shared by the RTU and ASCII frame engines.
//
// Poll advances the engine and returns the ticks until it must be called
// again, 0 meaning only an I/O event needs a new call. It must also be
// called after BeginSend, Send and Finished.
type Framer interface {
	SetHandler(h FrameHandler)

	StationAddress() byte
	SetStationAddress(addr byte)

	Poll() Tick
	BeginSend() bool
	Send()
	Finished()

	FrameReady() bool
	FrameAddress() byte
	SetFrameAddress(addr byte)

	// Buffer returns the whole PDU buffer. Only the first BufferLen bytes
	// are meaningful.
	Buffer() []byte
	BufferLen() int
	SetBufferLen(n int)
	BufferMax() int

	// Err returns nil until the engine has shut down.
	Err() error
}
