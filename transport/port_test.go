// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package transport

import (
	"bytes"
	"errors"
	"io"
	"net"
	"testing"
	"time"
)

func waitEvent(t *testing.T, p *Port) {
	t.Helper()
	select {
	case <-p.Events():
	case <-time.After(time.Second):
		t.Fatal("no event from port")
	}
}

// readAll polls p until n bytes arrived.
func readAll(t *testing.T, p *Port, n int) []byte {
	t.Helper()
	var got []byte
	buf := make([]byte, 64)
	deadline := time.After(time.Second)
	for len(got) < n {
		m, err := p.Read(buf)
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		got = append(got, buf[:m]...)
		if m == 0 {
			select {
			case <-p.Events():
			case <-deadline:
				t.Fatalf("read %d of %d bytes", len(got), n)
			}
		}
	}
	return got
}

func TestPortUnattached(t *testing.T) {
	p := NewPort()
	defer p.Close()

	if n, err := p.Read(make([]byte, 8)); n != 0 || err != nil {
		t.Errorf("Read() = %v, %v, want 0, nil", n, err)
	}
	if n, err := p.Write([]byte{1, 2, 3}); n != 3 || err != nil {
		t.Errorf("Write() = %v, %v, want 3, nil", n, err)
	}
	if !p.WriteComplete() || p.Connected() {
		t.Errorf("WriteComplete() = %v, Connected() = %v", p.WriteComplete(), p.Connected())
	}
}

func TestPortReceive(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()
	p := NewPort()
	defer p.Close()
	p.Attach(local)

	want := []byte{0x11, 0x03, 0x00, 0x6B, 0x00, 0x03, 0x76, 0x87}
	go remote.Write(want)

	if got := readAll(t, p, len(want)); !bytes.Equal(got, want) {
		t.Errorf("received % x, want % x", got, want)
	}
}

func TestPortDiscard(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()
	p := NewPort()
	defer p.Close()
	p.Attach(local)

	go remote.Write([]byte("abcdef"))
	deadline := time.After(time.Second)
	var dropped int
	for dropped < 6 {
		n, err := p.Discard(2)
		if err != nil || n > 2 {
			t.Fatalf("Discard(2) = %v, %v", n, err)
		}
		dropped += n
		if n == 0 {
			select {
			case <-p.Events():
			case <-deadline:
				t.Fatalf("discarded %d of 6 bytes", dropped)
			}
		}
	}
	if n, _ := p.Discard(-1); n != 0 {
		t.Errorf("Discard(-1) = %v after draining", n)
	}
}

func TestPortTransmit(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()
	p := NewPort(WithBufferSize(4))
	defer p.Close()
	p.Attach(local)

	got := make(chan []byte)
	go func() {
		buf := make([]byte, 6)
		io.ReadFull(remote, buf)
		got <- buf
	}()

	frame := []byte{0x02, 0x07, 0x41, 0x12, 0xAA, 0xBB}
	sent := 0
	deadline := time.After(time.Second)
	for sent < len(frame) {
		n, err := p.Write(frame[sent:])
		if err != nil {
			t.Fatalf("Write() error = %v", err)
		}
		if n > 4 {
			t.Fatalf("Write() accepted %d bytes with a 4 byte buffer", n)
		}
		sent += n
		if n == 0 {
			select {
			case <-p.Events():
			case <-deadline:
				t.Fatal("transmit buffer never drained")
			}
		}
	}

	select {
	case b := <-got:
		if !bytes.Equal(b, frame) {
			t.Errorf("remote got % x, want % x", b, frame)
		}
	case <-time.After(time.Second):
		t.Fatal("remote got nothing")
	}

	deadline = time.After(time.Second)
	for !p.WriteComplete() {
		select {
		case <-p.Events():
		case <-deadline:
			t.Fatal("WriteComplete() never true")
		}
	}
}

func TestPortDetach(t *testing.T) {
	local, remote := net.Pipe()
	detached := make(chan error, 1)
	p := NewPort(WithDetachHook(func(err error) { detached <- err }))
	defer p.Close()
	p.Attach(local)

	remote.Close()
	select {
	case err := <-detached:
		if !errors.Is(err, io.EOF) {
			t.Errorf("detach error = %v, want EOF", err)
		}
	case <-time.After(time.Second):
		t.Fatal("port did not detach")
	}
	if p.Connected() {
		t.Error("Connected() = true after remote close")
	}
	if _, err := p.Read(make([]byte, 1)); err != nil {
		t.Errorf("Read() error = %v after EOF", err)
	}
}

type errConn struct {
	err error
}

func (c *errConn) Read(b []byte) (int, error)  { return 0, c.err }
func (c *errConn) Write(b []byte) (int, error) { return len(b), nil }
func (c *errConn) Close() error                { return nil }

func TestPortReadError(t *testing.T) {
	errParity := errors.New("parity error")
	p := NewPort()
	defer p.Close()
	p.Attach(&errConn{err: errParity})
	waitEvent(t, p)

	if _, err := p.Read(make([]byte, 1)); !errors.Is(err, errParity) {
		t.Fatalf("Read() error = %v, want %v", err, errParity)
	}
	if _, err := p.Read(make([]byte, 1)); err != nil {
		t.Errorf("second Read() error = %v, want nil", err)
	}
}

// timeoutConn times out a few times before failing for good.
type timeoutConn struct {
	errConn
	timeouts int
}

var errTimeout = errors.New("timeout")

func (c *timeoutConn) Read(b []byte) (int, error) {
	if c.timeouts > 0 {
		c.timeouts--
		return 0, errTimeout
	}
	return 0, io.EOF
}

func TestPortTransientError(t *testing.T) {
	detached := make(chan error, 1)
	p := NewPort(
		WithTransientError(func(err error) bool { return errors.Is(err, errTimeout) }),
		WithDetachHook(func(err error) { detached <- err }),
	)
	defer p.Close()
	p.Attach(&timeoutConn{timeouts: 3})

	select {
	case err := <-detached:
		if !errors.Is(err, io.EOF) {
			t.Errorf("detach error = %v, want EOF", err)
		}
	case <-time.After(time.Second):
		t.Fatal("port did not detach")
	}
}

func TestPortAttachReplaces(t *testing.T) {
	first, firstRemote := net.Pipe()
	second, secondRemote := net.Pipe()
	defer firstRemote.Close()
	defer secondRemote.Close()
	p := NewPort()
	defer p.Close()

	p.Attach(first)
	p.Attach(second)
	if _, err := firstRemote.Write([]byte{1}); err == nil {
		t.Error("first connection still open")
	}

	go secondRemote.Write([]byte{0x42})
	if got := readAll(t, p, 1); got[0] != 0x42 {
		t.Errorf("received % x", got)
	}
}

func TestPortClose(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()
	p := NewPort()
	p.Attach(local)

	if err := p.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := p.Write([]byte{1}); !errors.Is(err, ErrClosed) {
		t.Errorf("Write() after Close error = %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}
