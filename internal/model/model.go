// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package model keeps the coils and registers a station serves in memory.
package model

import (
	"fmt"
	"sync"

	"github.com/ffutop/modbus-serial/modbus"
	"github.com/ffutop/modbus-serial/modbus/slave"
)

const (
	MaxAddress = 65535
)

// Sizes is the number of items in each table. A zero size leaves the table
// empty, so every access to it fails with an illegal data address.
type Sizes struct {
	Coils            int
	DiscreteInputs   int
	HoldingRegisters int
	InputRegisters   int
}

// FullSizes covers the whole 16-bit address space of every table.
var FullSizes = Sizes{
	Coils:            MaxAddress + 1,
	DiscreteInputs:   MaxAddress + 1,
	HoldingRegisters: MaxAddress + 1,
	InputRegisters:   MaxAddress + 1,
}

// DataModel holds the modbus data in memory. The master may write coils
// and holding registers; discrete inputs and input registers are set by
// the application.
type DataModel struct {
	mu sync.RWMutex

	// Stored as 1 (ON) or 0 (OFF).
	coils          []byte
	discreteInputs []byte

	holdingRegisters []uint16
	inputRegisters   []uint16
}

var (
	_ slave.Handler              = (*DataModel)(nil)
	_ slave.SingleCoilWriter     = (*DataModel)(nil)
	_ slave.SingleRegisterWriter = (*DataModel)(nil)
)

// NewDataModel creates a model initialized to zero. Sizes above the
// address space are clamped.
func NewDataModel(s Sizes) *DataModel {
	return &DataModel{
		coils:            make([]byte, clamp(s.Coils)),
		discreteInputs:   make([]byte, clamp(s.DiscreteInputs)),
		holdingRegisters: make([]uint16, clamp(s.HoldingRegisters)),
		inputRegisters:   make([]uint16, clamp(s.InputRegisters)),
	}
}

func clamp(n int) int {
	if n < 0 {
		return 0
	}
	if n > MaxAddress+1 {
		return MaxAddress + 1
	}
	return n
}

func (m *DataModel) ReadCoils(address, count uint16, out []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := validateRange(len(m.coils), address, count); err != nil {
		return err
	}
	pack(m.coils[address:int(address)+int(count)], out)
	return nil
}

func (m *DataModel) ReadDiscreteInputs(address, count uint16, out []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := validateRange(len(m.discreteInputs), address, count); err != nil {
		return err
	}
	pack(m.discreteInputs[address:int(address)+int(count)], out)
	return nil
}

func (m *DataModel) ReadHoldingRegisters(address, count uint16, out []uint16) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := validateRange(len(m.holdingRegisters), address, count); err != nil {
		return err
	}
	copy(out, m.holdingRegisters[address:])
	return nil
}

func (m *DataModel) ReadInputRegisters(address, count uint16, out []uint16) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := validateRange(len(m.inputRegisters), address, count); err != nil {
		return err
	}
	copy(out, m.inputRegisters[address:])
	return nil
}

func (m *DataModel) WriteSingleCoil(address uint16, value bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := validateRange(len(m.coils), address, 1); err != nil {
		return err
	}
	m.coils[address] = 0
	if value {
		m.coils[address] = 1
	}
	return nil
}

// WriteMultipleCoils writes a range of coils from packed bytes.
func (m *DataModel) WriteMultipleCoils(address, count uint16, values []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := validateRange(len(m.coils), address, count); err != nil {
		return err
	}
	if len(values) < (int(count)+7)/8 {
		return fmt.Errorf("%w: %d coils in %d bytes", modbus.ExceptionCodeIllegalDataValue, count, len(values))
	}
	for i := 0; i < int(count); i++ {
		m.coils[int(address)+i] = (values[i/8] >> uint(i%8)) & 1
	}
	return nil
}

func (m *DataModel) WriteSingleRegister(address, value uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := validateRange(len(m.holdingRegisters), address, 1); err != nil {
		return err
	}
	m.holdingRegisters[address] = value
	return nil
}

func (m *DataModel) WriteMultipleRegisters(address, count uint16, values []uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := validateRange(len(m.holdingRegisters), address, count); err != nil {
		return err
	}
	if len(values) < int(count) {
		return fmt.Errorf("%w: %d registers, got %d", modbus.ExceptionCodeIllegalDataValue, count, len(values))
	}
	copy(m.holdingRegisters[address:], values[:count])
	return nil
}

// SetDiscreteInput sets an input the master can only read.
func (m *DataModel) SetDiscreteInput(address uint16, value bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := validateRange(len(m.discreteInputs), address, 1); err != nil {
		return err
	}
	m.discreteInputs[address] = 0
	if value {
		m.discreteInputs[address] = 1
	}
	return nil
}

// SetInputRegisters stores values starting at address.
func (m *DataModel) SetInputRegisters(address uint16, values ...uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := validateRange(len(m.inputRegisters), address, uint16(len(values))); err != nil {
		return err
	}
	copy(m.inputRegisters[address:], values)
	return nil
}

// Coil reports the state of a single coil. Out of range coils are off.
func (m *DataModel) Coil(address uint16) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return int(address) < len(m.coils) && m.coils[address] != 0
}

// HoldingRegister returns a single holding register. Out of range
// registers read as zero.
func (m *DataModel) HoldingRegister(address uint16) uint16 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if int(address) >= len(m.holdingRegisters) {
		return 0
	}
	return m.holdingRegisters[address]
}

// pack sets bit i%8 of out[i/8] for every non-zero item.
func pack(items, out []byte) {
	for i, v := range items {
		if v != 0 {
			out[i/8] |= 1 << uint(i%8)
		}
	}
}

func validateRange(size int, address, count uint16) error {
	if count == 0 {
		return fmt.Errorf("%w: count must be greater than 0", modbus.ExceptionCodeIllegalDataValue)
	}
	if int(address)+int(count) > size {
		return fmt.Errorf("%w: %d items at %d, table holds %d", modbus.ExceptionCodeIllegalDataAddress, count, address, size)
	}
	return nil
}
