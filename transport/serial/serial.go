// Copyright (c) 2014 Quoc-Viet Nguyen. All rights reserved.
// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package serial attaches serial devices to a transport.Port.
package serial

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	goserial "github.com/grid-x/serial"

	"github.com/ffutop/modbus-serial/internal/config"
	"github.com/ffutop/modbus-serial/transport"
)

// Config maps the link's serial settings to the driver configuration,
// including the RS-485 direction control.
func Config(cfg config.SerialConfig) *goserial.Config {
	c := &goserial.Config{
		Address:  cfg.Device,
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
		StopBits: cfg.StopBits,
		Parity:   cfg.Parity,
		Timeout:  cfg.Timeout,
	}
	if cfg.RS485 {
		c.RS485.Enabled = true
		c.RS485.DelayRtsBeforeSend = cfg.DelayRtsBeforeSend
		c.RS485.DelayRtsAfterSend = cfg.DelayRtsAfterSend
		c.RS485.RtsHighDuringSend = cfg.RtsHighDuringSend
		c.RS485.RtsHighAfterSend = cfg.RtsHighAfterSend
		c.RS485.RxDuringTx = cfg.RxDuringTx
	}
	return c
}

// IsTimeout reports whether err only means the driver's read poll expired.
func IsTimeout(err error) bool {
	return errors.Is(err, goserial.ErrTimeout)
}

// Delays between attempts to reopen a device that failed.
var (
	minRetryDelay = 100 * time.Millisecond
	maxRetryDelay = 5 * time.Second
)

// Open opens the device and returns a Port reading from it. The read
// timeout of the driver bounds how long closing the Port takes. When the
// device fails, it is reopened with backoff until the Port is closed.
func Open(cfg config.SerialConfig, opts ...transport.Option) (*transport.Port, error) {
	open := func() (io.ReadWriteCloser, error) {
		dev, err := goserial.Open(Config(cfg))
		if err != nil {
			return nil, err
		}
		return dev, nil
	}
	p, err := attach(cfg.Device, open, opts...)
	if err != nil {
		return nil, err
	}
	slog.Debug("Serial port opened", "device", cfg.Device, "baud", cfg.BaudRate, "parity", cfg.Parity, "rs485", cfg.RS485)
	return p, nil
}

func attach(device string, open func() (io.ReadWriteCloser, error), opts ...transport.Option) (*transport.Port, error) {
	dev, err := open()
	if err != nil {
		return nil, fmt.Errorf("could not open %s: %w", device, err)
	}

	r := &reopener{device: device, open: open}
	opts = append([]transport.Option{
		transport.WithTransientError(IsTimeout),
		transport.WithDetachHook(r.detached),
	}, opts...)
	r.port = transport.NewPort(opts...)
	r.port.Attach(dev)
	return r.port, nil
}

// reopener brings a failed device back behind its Port.
type reopener struct {
	device  string
	open    func() (io.ReadWriteCloser, error)
	port    *transport.Port
	running atomic.Bool
}

func (r *reopener) detached(error) {
	if !r.running.CompareAndSwap(false, true) {
		return
	}

	delay := minRetryDelay
	timer := time.NewTimer(delay)
	defer timer.Stop()
	for {
		select {
		case <-r.port.Done():
			return
		case <-timer.C:
		}

		dev, err := r.open()
		if err == nil {
			slog.Info("Serial port reopened", "device", r.device)
			r.running.Store(false)
			r.port.Attach(dev)
			return
		}
		delay = min(2*delay, maxRetryDelay)
		slog.Debug("Could not reopen serial port", "device", r.device, "err", err, "retry", delay)
		timer.Reset(delay)
	}
}
