// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package modbustest provides an in-memory stream and a manually driven
// clock for exercising frame engines without hardware.
package modbustest

import (
	"errors"

	"github.com/ffutop/modbus-serial/modbus"
)

// ErrFraming is returned by Stream.Read after FailRead.
var ErrFraming = errors.New("modbustest: framing error")

// Stream is a scripted modbus.Stream. Bytes fed to it are handed out by
// Read, and bytes written to it are collected in Written.
type Stream struct {
	rx       []byte
	failRead bool

	// ReadChunk limits the bytes returned per Read call. 0 means no limit.
	ReadChunk int
	// WriteRoom limits the bytes accepted per Write call. A negative value
	// means no limit and 0 refuses every write.
	WriteRoom int
	// WriteErr is returned by every Write once set.
	WriteErr error
	// Echo feeds written bytes back into the receive side.
	Echo bool
	// Complete is returned by WriteComplete.
	Complete bool

	Written   []byte
	TxEnabled bool
	TxChanges []bool
	Discarded int

	Rx, Tx     bool
	RxOnCount  int
	TxOnCount  int
	StatusLogs int
}

// NewStream returns a stream that accepts any write and reports every
// write complete.
func NewStream() *Stream {
	return &Stream{WriteRoom: -1, Complete: true}
}

// Feed queues bytes for Read.
func (s *Stream) Feed(b ...byte) {
	s.rx = append(s.rx, b...)
}

// FeedString queues the bytes of str for Read.
func (s *Stream) FeedString(str string) {
	s.rx = append(s.rx, str...)
}

// Pending returns the number of bytes not yet read.
func (s *Stream) Pending() int {
	return len(s.rx)
}

// FailRead makes the next Read or Discard report a framing error.
func (s *Stream) FailRead() {
	s.failRead = true
}

func (s *Stream) Read(p []byte) (int, error) {
	if s.failRead {
		s.failRead = false
		return 0, ErrFraming
	}
	n := len(p)
	if s.ReadChunk > 0 && n > s.ReadChunk {
		n = s.ReadChunk
	}
	n = copy(p[:n], s.rx)
	s.rx = s.rx[n:]
	return n, nil
}

func (s *Stream) Discard(max int) (int, error) {
	if s.failRead {
		s.failRead = false
		return 0, ErrFraming
	}
	n := len(s.rx)
	if max >= 0 && n > max {
		n = max
	}
	s.rx = s.rx[n:]
	s.Discarded += n
	return n, nil
}

func (s *Stream) Write(p []byte) (int, error) {
	if s.WriteErr != nil {
		return 0, s.WriteErr
	}
	n := len(p)
	if s.WriteRoom >= 0 && n > s.WriteRoom {
		n = s.WriteRoom
	}
	s.Written = append(s.Written, p[:n]...)
	if s.Echo {
		s.rx = append(s.rx, p[:n]...)
	}
	return n, nil
}

func (s *Stream) TxEnable(on bool) {
	s.TxEnabled = on
	s.TxChanges = append(s.TxChanges, on)
}

func (s *Stream) WriteComplete() bool {
	return s.Complete
}

// CommunicationStatus counts rising edges of each activity flag.
func (s *Stream) CommunicationStatus(rx, tx bool) {
	if rx && !s.Rx {
		s.RxOnCount++
	}
	if tx && !s.Tx {
		s.TxOnCount++
	}
	s.Rx, s.Tx = rx, tx
	s.StatusLogs++
}

// Clock is a modbus.Clock that only moves when told to.
type Clock struct {
	Now        modbus.Tick
	Resolution uint32
}

// NewClock returns a clock with the given microseconds per tick.
func NewClock(resolution uint32) *Clock {
	return &Clock{Resolution: resolution}
}

func (c *Clock) Ticks() modbus.Tick { return c.Now }

func (c *Clock) MicrosecondsPerTick() uint32 { return c.Resolution }

// Advance moves the clock forward by n ticks.
func (c *Clock) Advance(n modbus.Tick) {
	c.Now += n
}

var (
	_ modbus.Stream         = (*Stream)(nil)
	_ modbus.StatusNotifier = (*Stream)(nil)
	_ modbus.Clock          = (*Clock)(nil)
)
