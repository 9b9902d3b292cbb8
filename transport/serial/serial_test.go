// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package serial

import (
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	goserial "github.com/grid-x/serial"

	"github.com/ffutop/modbus-serial/internal/config"
)

func TestConfig(t *testing.T) {
	tests := []struct {
		name  string
		cfg   config.SerialConfig
		rs485 bool
	}{
		{"Plain", config.SerialConfig{Device: "/dev/ttyS0", BaudRate: 9600, DataBits: 8, Parity: "E", StopBits: 1}, false},
		{"RS485", config.SerialConfig{Device: "/dev/ttyUSB0", BaudRate: 19200, DataBits: 8, Parity: "N", StopBits: 2, RS485: true, DelayRtsBeforeSend: time.Millisecond, RtsHighDuringSend: true}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Config(tt.cfg)
			if c.Address != tt.cfg.Device || c.BaudRate != tt.cfg.BaudRate || c.Parity != tt.cfg.Parity || c.StopBits != tt.cfg.StopBits {
				t.Errorf("Config() = %+v", c)
			}
			if c.RS485.Enabled != tt.rs485 {
				t.Errorf("RS485.Enabled = %v, want %v", c.RS485.Enabled, tt.rs485)
			}
			if tt.rs485 && (c.RS485.DelayRtsBeforeSend != time.Millisecond || !c.RS485.RtsHighDuringSend) {
				t.Errorf("RS485 = %+v", c.RS485)
			}
		})
	}
}

func TestIsTimeout(t *testing.T) {
	if !IsTimeout(fmt.Errorf("read: %w", goserial.ErrTimeout)) {
		t.Error("wrapped ErrTimeout not recognized")
	}
	if IsTimeout(io.EOF) || IsTimeout(nil) {
		t.Error("non-timeout errors recognized as timeout")
	}
}

func TestOpenMissingDevice(t *testing.T) {
	dev := filepath.Join(t.TempDir(), "ttyMissing")
	_, err := Open(config.SerialConfig{Device: dev, BaudRate: 19200, DataBits: 8, Parity: "E", StopBits: 1})
	if err == nil {
		t.Fatal("Open() succeeded on a missing device")
	}
	if errors.Is(err, goserial.ErrTimeout) {
		t.Errorf("Open() error = %v", err)
	}
}

var errIO = errors.New("input/output error")

// brokenConn fails every read, like an unplugged adapter.
type brokenConn struct{}

func (brokenConn) Read([]byte) (int, error)    { return 0, errIO }
func (brokenConn) Write(b []byte) (int, error) { return len(b), nil }
func (brokenConn) Close() error                { return nil }

// devices hands out its connections in turn. A nil entry, or running out,
// fails the open.
type devices struct {
	mu    sync.Mutex
	conns []io.ReadWriteCloser
	opens int
}

func (d *devices) open() (io.ReadWriteCloser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opens++
	if len(d.conns) == 0 {
		return nil, errors.New("device busy")
	}
	c := d.conns[0]
	d.conns = d.conns[1:]
	if c == nil {
		return nil, errors.New("device busy")
	}
	return c, nil
}

func (d *devices) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens
}

func TestReopenAfterReadError(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()
	d := &devices{conns: []io.ReadWriteCloser{brokenConn{}, nil, local}}

	p, err := attach("ttyTest", d.open)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	deadline := time.Now().Add(5 * time.Second)
	for d.count() < 3 || !p.Connected() {
		if time.Now().After(deadline) {
			t.Fatalf("not reopened: %d opens, connected %v", d.count(), p.Connected())
		}
		time.Sleep(10 * time.Millisecond)
	}

	go remote.Write([]byte{0x01, 0x02, 0x03})
	var got []byte
	buf := make([]byte, 8)
	for len(got) < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("received % x", got)
		}
		n, err := p.Read(buf)
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		got = append(got, buf[:n]...)
		time.Sleep(time.Millisecond)
	}

	if n, err := p.Write([]byte{0x04, 0x05}); n != 2 || err != nil {
		t.Fatalf("Write() = %v, %v", n, err)
	}
	remote.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := io.ReadFull(remote, buf[:2]); err != nil || buf[0] != 0x04 || buf[1] != 0x05 {
		t.Fatalf("device received % x, %v", buf[:2], err)
	}
}

func TestReopenStopsOnClose(t *testing.T) {
	d := &devices{conns: []io.ReadWriteCloser{brokenConn{}}}

	p, err := attach("ttyTest", d.open)
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for d.count() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("no reopen attempt")
		}
		time.Sleep(10 * time.Millisecond)
	}
	p.Close()

	n := d.count()
	time.Sleep(6 * minRetryDelay)
	if got := d.count(); got > n+1 {
		t.Errorf("%d opens after Close, want at most %d", got, n+1)
	}
}
