// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package transport adapts blocking connections to the non-blocking byte
// stream the frame engines poll.
package transport

import (
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/ffutop/modbus-serial/modbus"
)

const (
	// DefaultBufferSize is the capacity of each direction of a Port.
	DefaultBufferSize = 1024

	readChunk = 256
)

// ErrClosed is returned by Write once the Port is closed.
var ErrClosed = errors.New("transport: port closed")

// Option configures a Port.
type Option func(*Port)

// WithBufferSize sets the receive and transmit capacity. Received bytes
// beyond it are dropped.
func WithBufferSize(n int) Option {
	return func(p *Port) {
		if n > 0 {
			p.size = n
		}
	}
}

// WithStatusNotifier forwards the communication status the frame engine
// reports to n.
func WithStatusNotifier(n modbus.StatusNotifier) Option {
	return func(p *Port) { p.status = n }
}

// WithTransientError marks read errors that neither reach the engine nor
// drop the connection, such as read timeouts.
func WithTransientError(fn func(error) bool) Option {
	return func(p *Port) { p.transient = fn }
}

// WithDetachHook calls fn, in a goroutine of its own, whenever the attached
// connection fails and is dropped. Hooks add up.
func WithDetachHook(fn func(err error)) Option {
	return func(p *Port) { p.onDetach = append(p.onDetach, fn) }
}

// Port is a modbus.Stream over whatever io.ReadWriteCloser is attached to
// it. A reader goroutine fills the receive buffer and a writer goroutine
// drains the transmit buffer, so no Stream method blocks.
//
// Without a connection the Port reads nothing and swallows writes.
type Port struct {
	size      int
	status    modbus.StatusNotifier
	transient func(error) bool
	onDetach  []func(err error)

	mu     sync.Mutex
	conn   io.ReadWriteCloser
	gen    uint64
	rx     []byte
	rxErr  error
	tx     []byte
	busy   bool
	closed bool

	events chan struct{}
	kick   chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
}

var (
	_ modbus.Stream         = (*Port)(nil)
	_ modbus.StatusNotifier = (*Port)(nil)
)

// NewPort creates a Port with no connection attached.
func NewPort(opts ...Option) *Port {
	p := &Port{
		size:   DefaultBufferSize,
		events: make(chan struct{}, 1),
		kick:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.wg.Add(1)
	go p.writeLoop()
	return p
}

// Attach makes conn the connection behind the Port, closing the previous
// one. Buffered data of the previous connection is discarded.
func (p *Port) Attach(conn io.ReadWriteCloser) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		conn.Close()
		return
	}
	prev := p.conn
	p.gen++
	p.conn = conn
	p.rx = p.rx[:0]
	p.rxErr = nil
	p.tx = p.tx[:0]
	gen := p.gen
	p.wg.Add(1)
	p.mu.Unlock()

	if prev != nil {
		prev.Close()
	}
	go p.readLoop(conn, gen)
}

// Connected reports whether a connection is attached.
func (p *Port) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn != nil
}

// Done is closed once the Port is closed.
func (p *Port) Done() <-chan struct{} {
	return p.done
}

// Events signals that received data arrived, pending output drained or the
// connection changed. Signals coalesce.
func (p *Port) Events() <-chan struct{} {
	return p.events
}

// Close drops the connection and stops the I/O goroutines.
func (p *Port) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.gen++
	conn := p.conn
	p.conn = nil
	close(p.done)
	p.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	p.wg.Wait()
	return err
}

// Read returns buffered input. A pending receive error is returned once, in
// place of data.
func (p *Port) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.rxErr; err != nil {
		p.rxErr = nil
		return 0, err
	}
	n := copy(b, p.rx)
	p.rx = p.rx[:copy(p.rx, p.rx[n:])]
	return n, nil
}

// Discard drops up to max buffered bytes, or all of them if max < 0.
func (p *Port) Discard(max int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.rxErr; err != nil {
		p.rxErr = nil
		return 0, err
	}
	n := len(p.rx)
	if max >= 0 && n > max {
		n = max
	}
	p.rx = p.rx[:copy(p.rx, p.rx[n:])]
	return n, nil
}

// Write queues as much of b as the transmit buffer holds.
func (p *Port) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, ErrClosed
	}
	if p.conn == nil {
		return len(b), nil
	}
	n := p.size - len(p.tx)
	if n > len(b) {
		n = len(b)
	}
	p.tx = append(p.tx, b[:n]...)
	if n > 0 {
		select {
		case p.kick <- struct{}{}:
		default:
		}
	}
	return n, nil
}

// TxEnable is a no-op: RS-485 direction control, if any, is done by the
// serial driver around each write.
func (p *Port) TxEnable(on bool) {}

// WriteComplete reports whether every queued byte was handed to the
// connection.
func (p *Port) WriteComplete() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tx) == 0 && !p.busy
}

func (p *Port) CommunicationStatus(rx, tx bool) {
	if p.status != nil {
		p.status.CommunicationStatus(rx, tx)
	}
}

func (p *Port) signal() {
	select {
	case p.events <- struct{}{}:
	default:
	}
}

func (p *Port) readLoop(conn io.ReadWriteCloser, gen uint64) {
	defer p.wg.Done()

	buf := make([]byte, readChunk)
	for {
		n, err := conn.Read(buf)

		p.mu.Lock()
		if gen != p.gen {
			p.mu.Unlock()
			return
		}
		if room := p.size - len(p.rx); n > room {
			slog.Debug("Receive buffer full, dropping input", "dropped", n-room)
			n = room
		}
		p.rx = append(p.rx, buf[:n]...)
		lost := err != nil && (p.transient == nil || !p.transient(err))
		if lost {
			p.detach(err)
		}
		p.mu.Unlock()

		if n > 0 || lost {
			p.signal()
		}
		if lost {
			return
		}
	}
}

func (p *Port) writeLoop() {
	defer p.wg.Done()

	var chunk []byte
	for {
		select {
		case <-p.done:
			return
		case <-p.kick:
		}

		for {
			p.mu.Lock()
			if len(p.tx) == 0 || p.conn == nil {
				p.tx = p.tx[:0]
				p.busy = false
				p.mu.Unlock()
				break
			}
			chunk = append(chunk[:0], p.tx...)
			p.tx = p.tx[:0]
			p.busy = true
			conn, gen := p.conn, p.gen
			p.mu.Unlock()

			_, err := conn.Write(chunk)
			if err != nil {
				p.mu.Lock()
				if gen == p.gen {
					p.detach(err)
				}
				p.mu.Unlock()
			}
		}
		p.signal()
	}
}

// detach drops the current connection after err. Caller must hold the
// mutex. A receive error is left for the engine to resynchronize on.
func (p *Port) detach(err error) {
	conn := p.conn
	p.conn = nil
	p.gen++
	p.tx = p.tx[:0]
	if !errors.Is(err, io.EOF) {
		p.rxErr = err
	}
	if conn != nil {
		go conn.Close()
	}
	for _, fn := range p.onDetach {
		go fn(err)
	}
}
