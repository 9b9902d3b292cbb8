// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"fmt"

	"github.com/ffutop/modbus-serial/modbus"
	"github.com/ffutop/modbus-serial/modbus/crc"
)

// Framer is the binary serial-line frame engine. Frame boundaries are
// found by timing: T3.5 of silence ends a frame, a gap of T1.5 inside a
// frame discards it.
//
// A Framer is not safe for concurrent use. All calls, including the
// handler callback, happen on the goroutine driving Poll.
type Framer struct {
	stream   modbus.Stream
	clock    modbus.Clock
	notifier modbus.StatusNotifier
	handler  modbus.FrameHandler

	state State
	err   error

	buf    []byte
	length int
	txPos  int
	crc    crc.CRC
	txCRC  [crcLen]byte
	addr   [1]byte

	stationAddress byte
	frameAddress   byte

	lastTicks modbus.Tick
	t3p5      modbus.Tick
	t1p5      modbus.Tick
}

var _ modbus.Framer = (*Framer)(nil)

// New creates a framer owning a buffer of size bytes, which must hold the
// PDU plus the two CRC bytes. The framer starts by waiting for T3.5 of
// silence.
func New(stream modbus.Stream, clock modbus.Clock, size int) *Framer {
	f := &Framer{
		stream: stream,
		clock:  clock,
		state:  StateDump,
	}
	if stream == nil || clock == nil || size < minPDULength {
		f.fail(fmt.Errorf("%w: need stream, clock and a buffer of %d bytes, got %d", modbus.ErrConfig, minPDULength, size))
		return f
	}
	f.notifier, _ = stream.(modbus.StatusNotifier)
	f.buf = make([]byte, size)
	f.Setup(DefaultBaudRate)
	f.lastTicks = clock.Ticks()
	return f
}

// Setup derives the inter-character delays for baud. Above 19200 baud the
// fixed 1750µs and 750µs delays are used. Poll must be called afterwards
// for the change to affect a running timer.
func (f *Framer) Setup(baud uint32) {
	if f.clock == nil {
		return
	}
	t3p5, t1p5 := uint32(default3p5Period), uint32(default1p5Period)
	if baud != 0 && baud <= 19200 {
		t3p5 = 3500000 * 11 / baud
		t1p5 = 1500000 * 11 / baud
	}
	f.t3p5 = toTicks(t3p5, f.clock.MicrosecondsPerTick())
	f.t1p5 = toTicks(t1p5, f.clock.MicrosecondsPerTick())
}

// Receive-side delays round down, so they are floored at two ticks.
func toTicks(us, perTick uint32) modbus.Tick {
	if perTick == 0 {
		perTick = 1
	}
	t := modbus.Tick(us / perTick)
	if t < minimumTickCount {
		t = minimumTickCount
	}
	return t
}

// Delays returns T3.5 and T1.5 in ticks.
func (f *Framer) Delays() (t3p5, t1p5 modbus.Tick) {
	return f.t3p5, f.t1p5
}

func (f *Framer) SetHandler(h modbus.FrameHandler) { f.handler = h }

func (f *Framer) StationAddress() byte { return f.stationAddress }

func (f *Framer) SetStationAddress(addr byte) { f.stationAddress = addr }

func (f *Framer) State() State { return f.state }

func (f *Framer) Err() error { return f.err }

func (f *Framer) FrameReady() bool { return f.state == StateFrameReady }

func (f *Framer) FrameAddress() byte { return f.frameAddress }

func (f *Framer) SetFrameAddress(addr byte) { f.frameAddress = addr }

func (f *Framer) Buffer() []byte { return f.buf }

func (f *Framer) BufferLen() int { return f.length }

func (f *Framer) SetBufferLen(n int) { f.length = n }

func (f *Framer) BufferMax() int {
	if len(f.buf) < crcLen {
		return 0
	}
	return len(f.buf) - crcLen
}

// Poll runs the state machine until it has to wait for input, output room
// or a timer, and returns the ticks until it must be polled again. Zero
// means only an I/O event or a state-changing call needs a new Poll.
func (f *Framer) Poll() modbus.Tick {
	for {
		switch f.state {
		case StateException:
			return 0

		case StateDump:
			elapsed := modbus.Elapsed(f.lastTicks, f.clock.Ticks())
			if elapsed >= f.t3p5 {
				f.setState(StateIdle)
				continue
			}
			if f.drain() {
				f.lastTicks = f.clock.Ticks()
				return f.t3p5
			}
			return f.t3p5 - elapsed

		case StateIdle:
			n, err := f.stream.Read(f.addr[:])
			if n == 0 && err == nil {
				return 0
			}
			f.frameAddress = f.addr[0]
			if err != nil || !f.accepts(f.frameAddress) {
				f.lastTicks = f.clock.Ticks()
				f.setState(StateDump)
				continue
			}
			f.crc.Reset().PushByte(f.frameAddress)
			f.length = 0
			f.lastTicks = f.clock.Ticks()
			f.setState(StateReceive)

		case StateReceive:
			elapsed := modbus.Elapsed(f.lastTicks, f.clock.Ticks())
			n, err := f.stream.Read(f.buf[f.length:])
			if n > 0 || err != nil {
				if err != nil || elapsed >= f.t1p5+quantizationRoundingCount {
					f.lastTicks = f.clock.Ticks()
					f.setState(StateDump)
					continue
				}
				f.crc.PushBytes(f.buf[f.length : f.length+n])
				f.length += n
				f.lastTicks = f.clock.Ticks()
				elapsed = 0
			}

			// more input than the buffer holds
			if f.length == len(f.buf) && f.drain() {
				f.lastTicks = f.clock.Ticks()
				f.setState(StateDump)
				continue
			}

			if elapsed < f.t3p5 {
				return f.t3p5 - elapsed
			}

			if f.length < minPDULength || !f.crc.Valid() {
				f.lastTicks = f.clock.Ticks()
				f.setState(StateIdle)
				continue
			}
			f.length -= crcLen
			f.lastTicks = f.clock.Ticks()
			f.setState(StateFrameReady)
			if f.handler != nil {
				f.handler.FrameReady(f)
			}

		case StateFrameReady, StateQueue, StateCollision:
			// Input while the application holds the buffer means the
			// master gave up on us or another node shares our address.
			if f.drain() {
				f.lastTicks = f.clock.Ticks()
				f.setState(StateCollision)
			}
			return 0

		case StateTxAddr:
			if f.drain() {
				f.lastTicks = f.clock.Ticks()
				f.setState(StateDump)
				continue
			}
			elapsed := modbus.Elapsed(f.lastTicks, f.clock.Ticks())
			if wait := f.t3p5 + quantizationRoundingCount; elapsed < wait {
				return wait - elapsed
			}
			f.addr[0] = f.frameAddress
			n, err := f.stream.Write(f.addr[:])
			if err != nil {
				f.fail(fmt.Errorf("write address: %w", err))
				return 0
			}
			if n == 0 {
				return 0
			}
			f.crc.Reset().PushByte(f.frameAddress)
			f.txPos = 0
			f.setState(StateTxPDU)

		case StateTxPDU:
			n, err := f.stream.Write(f.buf[f.txPos:f.length])
			if err != nil {
				f.fail(fmt.Errorf("write pdu: %w", err))
				return 0
			}
			f.crc.PushBytes(f.buf[f.txPos : f.txPos+n])
			f.txPos += n
			f.drain()
			if f.txPos < f.length {
				return 0
			}
			v := f.crc.Value()
			f.txCRC = [crcLen]byte{byte(v), byte(v >> 8)}
			f.txPos = 0
			f.setState(StateTxCRC)

		case StateTxCRC:
			n, err := f.stream.Write(f.txCRC[f.txPos:])
			if err != nil {
				f.fail(fmt.Errorf("write crc: %w", err))
				return 0
			}
			f.txPos += n
			f.drain()
			if f.txPos < crcLen {
				return 0
			}
			f.setState(StateTxWait)

		case StateTxWait:
			f.drain()
			if !f.stream.WriteComplete() {
				return 0
			}
			f.stream.TxEnable(false)
			// the dump state swallows our echo and holds T3.5 of silence
			f.lastTicks = f.clock.Ticks()
			f.setState(StateDump)

		default:
			f.fail(fmt.Errorf("%w: state %v", modbus.ErrSequence, f.state))
			return 0
		}
	}
}

// BeginSend locks the buffer for composing a frame. It fails while a frame
// is being received or sent. After a collision it succeeds so that the
// caller goes on to Send or Finished, which clear the collision.
func (f *Framer) BeginSend() bool {
	switch f.state {
	case StateCollision, StateQueue:
		return true
	case StateIdle, StateFrameReady:
		f.setState(StateQueue)
		return true
	}
	return false
}

// Send starts transmitting the first BufferLen bytes of the buffer to
// FrameAddress. A length beyond BufferMax shuts the framer down.
func (f *Framer) Send() {
	if f.length < 0 || f.length > f.BufferMax() {
		f.fail(fmt.Errorf("%w: length %d, max %d", modbus.ErrBufferOverflow, f.length, f.BufferMax()))
		return
	}
	switch f.state {
	case StateQueue:
		f.stream.TxEnable(true)
		f.setState(StateTxAddr)
	case StateCollision:
		f.setState(StateDump)
	default:
		f.fail(fmt.Errorf("%w: send in state %v", modbus.ErrSequence, f.state))
	}
}

// Finished releases the buffer without transmitting.
func (f *Framer) Finished() {
	switch f.state {
	case StateFrameReady, StateQueue:
		f.setState(StateIdle)
	case StateCollision:
		f.setState(StateDump)
	default:
		f.fail(fmt.Errorf("%w: finished in state %v", modbus.ErrSequence, f.state))
	}
}

func (f *Framer) accepts(addr byte) bool {
	return addr == 0 || f.stationAddress == 0 || addr == f.stationAddress
}

// drain drops any pending input and reports whether there was some, or a
// receive error.
func (f *Framer) drain() bool {
	n, err := f.stream.Discard(-1)
	return n > 0 || err != nil
}

func (f *Framer) fail(cause error) {
	if f.err == nil {
		f.err = fmt.Errorf("%w: %w", modbus.ErrShutdown, cause)
	}
	f.setState(StateException)
}

func (f *Framer) setState(s State) {
	prev := f.state
	f.state = s
	if f.notifier == nil {
		return
	}
	if prev.receiving() != s.receiving() || prev.transmitting() != s.transmitting() {
		f.notifier.CommunicationStatus(s.receiving(), s.transmitting())
	}
}
