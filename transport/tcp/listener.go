// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package tcp carries serial-line frames over TCP, the way serial device
// servers do. Bytes are passed through unchanged.
package tcp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/ffutop/modbus-serial/transport"
)

// Listener accepts masters on a TCP address and attaches each one to a
// Port. A new connection replaces the previous one, as on a serial line
// only one master may talk at a time.
type Listener struct {
	Address string
	Port    *transport.Port

	mu       sync.Mutex
	listener net.Listener
}

// NewListener creates a Listener feeding p.
func NewListener(address string, p *transport.Port) *Listener {
	return &Listener{
		Address: address,
		Port:    p,
	}
}

// Listen binds the address. Serve calls it when needed.
func (l *Listener) Listen() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.listener != nil {
		return nil
	}
	listener, err := net.Listen("tcp", l.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", l.Address, err)
	}
	l.listener = listener
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// Serve accepts connections until ctx is done.
func (l *Listener) Serve(ctx context.Context) error {
	if err := l.Listen(); err != nil {
		return err
	}
	l.mu.Lock()
	listener := l.listener
	l.mu.Unlock()
	slog.Info("Serial over TCP listening", "addr", listener.Addr())

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return fmt.Errorf("accept on %s: %w", l.Address, err)
		}
		slog.Info("Master connected", "addr", conn.RemoteAddr())
		l.Port.Attach(conn)
	}
}

// Close stops accepting connections. The attached connection stays with
// the Port.
func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.listener != nil {
		return l.listener.Close()
	}
	return nil
}
