// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package tcp

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/ffutop/modbus-serial/transport"
)

func startListener(t *testing.T) (*Listener, *transport.Port, <-chan error) {
	t.Helper()
	p := transport.NewPort()
	t.Cleanup(func() { p.Close() })

	l := NewListener("127.0.0.1:0", p)
	if err := l.Listen(); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errChan := make(chan error, 1)
	go func() { errChan <- l.Serve(ctx) }()
	t.Cleanup(cancel)
	return l, p, errChan
}

func waitConnected(t *testing.T, p *transport.Port) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !p.Connected() {
		if time.Now().After(deadline) {
			t.Fatal("connection not attached")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestListenerPassesBytes(t *testing.T) {
	l, p, _ := startListener(t)

	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	waitConnected(t, p)

	if _, err := conn.Write([]byte{0x11, 0x03}); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 2)
	got := 0
	deadline := time.After(time.Second)
	for got < 2 {
		n, err := p.Read(buf[got:])
		if err != nil {
			t.Fatal(err)
		}
		got += n
		if n == 0 {
			select {
			case <-p.Events():
			case <-deadline:
				t.Fatal("request never arrived")
			}
		}
	}
	if buf[0] != 0x11 || buf[1] != 0x03 {
		t.Errorf("received % x", buf)
	}

	if _, err := p.Write([]byte{0x83, 0x01}); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(time.Second))
	resp := make([]byte, 2)
	if _, err := io.ReadFull(conn, resp); err != nil {
		t.Fatal(err)
	}
	if resp[0] != 0x83 || resp[1] != 0x01 {
		t.Errorf("response % x", resp)
	}
}

func TestListenerLatestConnectionWins(t *testing.T) {
	l, p, _ := startListener(t)

	first, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer first.Close()
	waitConnected(t, p)

	second, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()

	first.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := first.Read(make([]byte, 1)); err == nil {
		t.Error("first connection still usable after second connected")
	}
}

func TestListenerStopsOnCancel(t *testing.T) {
	p := transport.NewPort()
	defer p.Close()
	l := NewListener("127.0.0.1:0", p)

	ctx, cancel := context.WithCancel(context.Background())
	errChan := make(chan error, 1)
	go func() { errChan <- l.Serve(ctx) }()

	deadline := time.Now().Add(time.Second)
	for l.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("listener never bound")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-errChan:
		if err != nil {
			t.Errorf("Serve() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Serve() did not return")
	}
}

func TestListenerBadAddress(t *testing.T) {
	p := transport.NewPort()
	defer p.Close()
	l := NewListener("256.0.0.1:bad", p)
	if err := l.Serve(context.Background()); err == nil {
		t.Error("Serve() succeeded on a bad address")
	}
}
