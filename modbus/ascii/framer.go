// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package ascii

import (
	"fmt"
	"time"

	"github.com/ffutop/modbus-serial/modbus"
	"github.com/ffutop/modbus-serial/modbus/lrc"
)

// Framer is the character serial-line frame engine. Frames are delimited
// by ':' and CR LF, every byte in between is sent as two hex digits.
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
	lrc    lrc.LRC
	txLRC  byte
	ch     [1]byte

	stationAddress byte
	frameAddress   byte

	lastTicks modbus.Tick
	timeout   time.Duration
	t1s       modbus.Tick
}

var _ modbus.Framer = (*Framer)(nil)

type rxResult int

const (
	rxChar rxResult = iota
	rxPending
	rxAbort
)

// New creates a framer owning a buffer of size bytes, which must hold the
// decoded PDU plus the LRC byte.
func New(stream modbus.Stream, clock modbus.Clock, size int) *Framer {
	f := &Framer{
		stream: stream,
		clock:  clock,
		state:  StateIdle,
	}
	if stream == nil || clock == nil || size < minPDULength {
		f.fail(fmt.Errorf("%w: need stream, clock and a buffer of %d bytes, got %d", modbus.ErrConfig, minPDULength, size))
		return f
	}
	f.notifier, _ = stream.(modbus.StatusNotifier)
	f.buf = make([]byte, size)
	f.SetTimeout(DefaultTimeout)
	f.lastTicks = clock.Ticks()
	return f
}

// SetTimeout sets the longest silence allowed between two characters of a
// frame. A non-positive d restores DefaultTimeout. Poll must be called
// afterwards for the change to affect a running timer.
func (f *Framer) SetTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultTimeout
	}
	f.timeout = d
	if f.clock == nil {
		return
	}
	perTick := f.clock.MicrosecondsPerTick()
	if perTick == 0 {
		perTick = 1
	}
	f.t1s = modbus.Tick(uint64(d.Microseconds()) / uint64(perTick))
	if f.t1s == 0 {
		f.t1s = 1
	}
}

func (f *Framer) Timeout() time.Duration { return f.timeout }

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
	if len(f.buf) < lrcLen {
		return 0
	}
	return len(f.buf) - lrcLen
}

// Poll runs the state machine until it has to wait for input, output room
// or the character timeout, and returns the ticks until it must be polled
// again. Zero means only an I/O event or a state-changing call needs a new
// Poll.
func (f *Framer) Poll() modbus.Tick {
	for {
		switch f.state {
		case StateException:
			return 0

		case StateIdle:
			n, err := f.stream.Read(f.ch[:])
			if n == 0 && err == nil {
				return 0
			}
			if err == nil && f.ch[0] == startOfFrame {
				f.lastTicks = f.clock.Ticks()
				f.setState(StateRxAddrHigh)
			}

		case StateFrameReady, StateQueue, StateCollision:
			if f.drain() {
				f.lastTicks = f.clock.Ticks()
				f.setState(StateCollision)
			}
			return 0

		case StateRxAddrHigh, StateRxAddrLow:
			ch, wait, res := f.receive()
			if res == rxPending {
				return wait
			}
			if res == rxAbort {
				continue
			}
			v, ok := nibble(ch)
			if !ok {
				f.setState(StateIdle)
				continue
			}
			f.lastTicks = f.clock.Ticks()
			if f.state == StateRxAddrHigh {
				f.frameAddress = v
				f.setState(StateRxAddrLow)
				continue
			}
			f.frameAddress = f.frameAddress<<4 | v
			if !f.accepts(f.frameAddress) {
				f.setState(StateIdle)
				continue
			}
			f.lrc.Reset().PushByte(f.frameAddress)
			f.length = 0
			f.setState(StateRxPDUHigh)

		case StateRxPDUHigh, StateRxPDULow:
			ch, wait, res := f.receive()
			if res == rxPending {
				return wait
			}
			if res == rxAbort {
				continue
			}
			if ch == '\r' {
				// a CR between the two digits of a byte
				if f.state != StateRxPDUHigh {
					f.setState(StateIdle)
					continue
				}
				f.lastTicks = f.clock.Ticks()
				f.setState(StateRxCR)
				continue
			}
			v, ok := nibble(ch)
			if !ok || f.length == len(f.buf) {
				f.setState(StateIdle)
				continue
			}
			f.lastTicks = f.clock.Ticks()
			if f.state == StateRxPDUHigh {
				f.buf[f.length] = v << 4
				f.setState(StateRxPDULow)
				continue
			}
			f.buf[f.length] |= v
			f.lrc.PushByte(f.buf[f.length])
			f.length++
			f.setState(StateRxPDUHigh)

		case StateRxCR:
			ch, wait, res := f.receive()
			if res == rxPending {
				return wait
			}
			if res == rxAbort {
				continue
			}
			if ch != '\n' || f.length < minPDULength || !f.lrc.Valid() {
				f.setState(StateIdle)
				continue
			}
			f.length -= lrcLen
			f.lastTicks = f.clock.Ticks()
			f.setState(StateFrameReady)
			if f.handler != nil {
				f.handler.FrameReady(f)
			}

		case StateTxSOF:
			if !f.emit(startOfFrame, StateTxAddrHigh) {
				return 0
			}

		case StateTxAddrHigh:
			if !f.emit(hexDigits[f.frameAddress>>4], StateTxAddrLow) {
				return 0
			}
			f.lrc.Reset().PushByte(f.frameAddress)

		case StateTxAddrLow:
			next := StateTxPDUHigh
			if f.length == 0 {
				next = StateTxLRCHigh
				f.txLRC = f.lrc.Value()
			}
			if !f.emit(hexDigits[f.frameAddress&0x0F], next) {
				return 0
			}
			f.txPos = 0

		case StateTxPDUHigh:
			b := f.buf[f.txPos]
			if !f.emit(hexDigits[b>>4], StateTxPDULow) {
				return 0
			}
			f.lrc.PushByte(b)

		case StateTxPDULow:
			next := StateTxPDUHigh
			if f.txPos+1 == f.length {
				next = StateTxLRCHigh
			}
			if !f.emit(hexDigits[f.buf[f.txPos]&0x0F], next) {
				return 0
			}
			f.txPos++
			f.txLRC = f.lrc.Value()

		case StateTxLRCHigh:
			if !f.emit(hexDigits[f.txLRC>>4], StateTxLRCLow) {
				return 0
			}

		case StateTxLRCLow:
			if !f.emit(hexDigits[f.txLRC&0x0F], StateTxCR) {
				return 0
			}

		case StateTxCR:
			if !f.emit('\r', StateTxLF) {
				return 0
			}

		case StateTxLF:
			if !f.emit('\n', StateTxWait) {
				return 0
			}

		case StateTxWait:
			f.drain()
			if !f.stream.WriteComplete() {
				return 0
			}
			f.stream.TxEnable(false)
			f.setState(StateIdle)

		default:
			f.fail(fmt.Errorf("%w: state %v", modbus.ErrSequence, f.state))
			return 0
		}
	}
}

// receive reads the next character of a frame in progress. A ':' restarts
// the frame, a timeout or read error abandons it.
func (f *Framer) receive() (byte, modbus.Tick, rxResult) {
	elapsed := modbus.Elapsed(f.lastTicks, f.clock.Ticks())
	if elapsed > f.t1s {
		f.setState(StateIdle)
		return 0, 0, rxAbort
	}
	n, err := f.stream.Read(f.ch[:])
	if err != nil {
		f.setState(StateIdle)
		return 0, 0, rxAbort
	}
	if n == 0 {
		// the frame expires once more than t1s has passed
		return 0, f.t1s - elapsed + 1, rxPending
	}
	if f.ch[0] == startOfFrame {
		f.lastTicks = f.clock.Ticks()
		f.setState(StateRxAddrHigh)
		return 0, 0, rxAbort
	}
	return f.ch[0], 0, rxChar
}

// emit writes one character and moves to next once the stream took it.
// Our own echo is dropped on the way.
func (f *Framer) emit(ch byte, next State) bool {
	f.drain()
	f.ch[0] = ch
	n, err := f.stream.Write(f.ch[:])
	if err != nil {
		f.fail(fmt.Errorf("write %v: %w", f.state, err))
		return false
	}
	if n == 0 {
		return false
	}
	f.setState(next)
	return true
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
		f.setState(StateTxSOF)
	case StateCollision:
		f.setState(StateIdle)
	default:
		f.fail(fmt.Errorf("%w: send in state %v", modbus.ErrSequence, f.state))
	}
}

// Finished releases the buffer without transmitting.
func (f *Framer) Finished() {
	switch f.state {
	case StateFrameReady, StateQueue, StateCollision:
		f.setState(StateIdle)
	default:
		f.fail(fmt.Errorf("%w: finished in state %v", modbus.ErrSequence, f.state))
	}
}

func (f *Framer) accepts(addr byte) bool {
	return addr == 0 || f.stationAddress == 0 || addr == f.stationAddress
}

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
