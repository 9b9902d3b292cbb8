// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package station runs a slave on one serial link.
package station

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/ffutop/modbus-serial/internal/config"
	"github.com/ffutop/modbus-serial/internal/metrics"
	"github.com/ffutop/modbus-serial/internal/model"
	"github.com/ffutop/modbus-serial/modbus"
	"github.com/ffutop/modbus-serial/modbus/ascii"
	"github.com/ffutop/modbus-serial/modbus/rtu"
	"github.com/ffutop/modbus-serial/modbus/slave"
	"github.com/ffutop/modbus-serial/transport"
	"github.com/ffutop/modbus-serial/transport/serial"
	"github.com/ffutop/modbus-serial/transport/tcp"
)

// idlePoll bounds the time between polls when the framer waits for I/O
// only.
const idlePoll = 100 * time.Millisecond

// Option configures a Station.
type Option func(*Station)

// WithHandler serves requests from h instead of an in-memory data model.
func WithHandler(h slave.Handler) Option {
	return func(s *Station) { s.handler = h }
}

// WithPort uses p instead of opening the configured transport.
func WithPort(p *transport.Port) Option {
	return func(s *Station) { s.port = p }
}

// WithMetrics records the link's activity in Prometheus.
func WithMetrics() Option {
	return func(s *Station) { s.recorder = metrics.NewRecorder(s.Name) }
}

// Station owns the port, clock, framer and slave of one link. Everything
// but the I/O goroutines of the port runs on the goroutine calling Start.
type Station struct {
	Name string

	cfg      config.LinkConfig
	port     *transport.Port
	listener *tcp.Listener
	clock    *transport.SystemClock
	framer   modbus.Framer
	slave    *slave.Slave
	handler  slave.Handler
	model    *model.DataModel
	recorder *metrics.Recorder
}

// New builds a station for cfg, which must be validated already.
func New(cfg config.LinkConfig, opts ...Option) (*Station, error) {
	s := &Station{
		Name: cfg.Name,
		cfg:  cfg,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.handler == nil {
		s.model = model.NewDataModel(model.Sizes{
			Coils:            cfg.Registers.Coils,
			DiscreteInputs:   cfg.Registers.DiscreteInputs,
			HoldingRegisters: cfg.Registers.HoldingRegisters,
			InputRegisters:   cfg.Registers.InputRegisters,
		})
		s.handler = s.model
	}
	s.slave = slave.New(s.handler)
	if s.recorder != nil {
		s.slave.SetObserver(s.recorder)
	}

	if s.port == nil {
		if err := s.openPort(); err != nil {
			return nil, err
		}
	}

	s.clock = transport.NewSystemClock(cfg.Tick)
	if err := s.newFramer(); err != nil {
		s.port.Close()
		return nil, err
	}
	return s, nil
}

func (s *Station) openPort() error {
	opts := []transport.Option{
		transport.WithStatusNotifier(s),
		transport.WithDetachHook(func(err error) {
			slog.Warn("Connection lost", "link", s.Name, "err", err)
		}),
	}
	if s.cfg.BufferSize > 0 {
		opts = append(opts, transport.WithBufferSize(4*s.cfg.BufferSize))
	}

	switch s.cfg.Transport {
	case config.TransportSerial:
		p, err := serial.Open(s.cfg.Serial, opts...)
		if err != nil {
			return fmt.Errorf("link %s: %w", s.Name, err)
		}
		s.port = p
	case config.TransportTCP:
		s.port = transport.NewPort(opts...)
		s.listener = tcp.NewListener(s.cfg.Tcp.Address, s.port)
		if err := s.listener.Listen(); err != nil {
			s.port.Close()
			return fmt.Errorf("link %s: %w", s.Name, err)
		}
	default:
		return fmt.Errorf("%w: link %s: unknown transport %q", modbus.ErrConfig, s.Name, s.cfg.Transport)
	}
	return nil
}

func (s *Station) newFramer() error {
	switch s.cfg.Mode {
	case config.ModeRTU:
		size := s.cfg.BufferSize
		if size == 0 {
			size = rtu.DefaultBufferSize
		}
		f := rtu.New(s.port, s.clock, size)
		// character timing over TCP means nothing, use the fixed delays
		if s.cfg.Transport == config.TransportSerial {
			f.Setup(uint32(s.cfg.Serial.BaudRate))
		} else {
			f.Setup(0)
		}
		s.framer = f
	case config.ModeASCII:
		size := s.cfg.BufferSize
		if size == 0 {
			size = ascii.DefaultBufferSize
		}
		f := ascii.New(s.port, s.clock, size)
		f.SetTimeout(s.cfg.ASCIITimeout)
		s.framer = f
	default:
		return fmt.Errorf("%w: link %s: unknown mode %q", modbus.ErrConfig, s.Name, s.cfg.Mode)
	}
	if err := s.framer.Err(); err != nil {
		return fmt.Errorf("link %s: %w", s.Name, err)
	}
	s.framer.SetStationAddress(byte(s.cfg.SlaveID))
	s.framer.SetHandler(s)
	return nil
}

// Model returns the in-memory data model, or nil when the station serves
// a handler given by WithHandler.
func (s *Station) Model() *model.DataModel {
	return s.model
}

// Start polls the framer until ctx is done or the framer shuts down. It
// closes the port when it returns.
func (s *Station) Start(ctx context.Context) error {
	defer s.port.Close()
	if s.listener != nil {
		go func() {
			if err := s.listener.Serve(ctx); err != nil {
				slog.Error("Listener stopped with error", "link", s.Name, "err", err)
			}
		}()
	}
	slog.Info("Station started", "link", s.Name, "mode", s.cfg.Mode, "transport", s.cfg.Transport, "slave_id", s.cfg.SlaveID)

	timer := time.NewTimer(idlePoll)
	defer timer.Stop()

	for {
		next := s.framer.Poll()
		if err := s.framer.Err(); err != nil {
			slog.Error("Framer shut down", "link", s.Name, "err", err)
			return fmt.Errorf("link %s: %w", s.Name, err)
		}

		wait := idlePoll
		if next != 0 {
			wait = s.clock.Duration(next)
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			slog.Info("Station stopped", "link", s.Name)
			return nil
		case <-s.port.Events():
		case <-timer.C:
		}
	}
}

// FrameReady logs the request and hands it to the slave.
func (s *Station) FrameReady(f modbus.Framer) {
	slog.Debug("Frame received", "link", s.Name, "addr", f.FrameAddress(), "pdu", hex.EncodeToString(f.Buffer()[:f.BufferLen()]))
	s.slave.FrameReady(f)
}

func (s *Station) CommunicationStatus(rx, tx bool) {
	if s.recorder != nil {
		s.recorder.CommunicationStatus(rx, tx)
	}
}
