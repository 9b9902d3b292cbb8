// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package slave

import "github.com/ffutop/modbus-serial/modbus"

// Handler is the register and coil storage behind a Slave.
//
// Returning a modbus.ExceptionCode, possibly wrapped, sends that code back
// to the master. Any other error is reported as a server device failure.
//
// Coils are packed eight to a byte, lowest address in the least
// significant bit. Read methods fill out, which the Slave has zeroed.
type Handler interface {
	ReadCoils(address, count uint16, out []byte) error
	ReadDiscreteInputs(address, count uint16, out []byte) error
	ReadHoldingRegisters(address, count uint16, out []uint16) error
	ReadInputRegisters(address, count uint16, out []uint16) error
	WriteMultipleCoils(address, count uint16, values []byte) error
	WriteMultipleRegisters(address, count uint16, values []uint16) error
}

// SingleCoilWriter is implemented by handlers that treat single coil
// writes apart from multiple ones. Otherwise the Slave calls
// WriteMultipleCoils with a count of one.
type SingleCoilWriter interface {
	WriteSingleCoil(address uint16, value bool) error
}

// SingleRegisterWriter is implemented by handlers that treat single
// register writes apart from multiple ones. Otherwise the Slave calls
// WriteMultipleRegisters with a count of one.
type SingleRegisterWriter interface {
	WriteSingleRegister(address, value uint16) error
}

// UnimplementedHandler answers every request with an illegal function
// exception. Embed it to implement only part of Handler.
type UnimplementedHandler struct{}

func (UnimplementedHandler) ReadCoils(address, count uint16, out []byte) error {
	return modbus.ExceptionCodeIllegalFunction
}

func (UnimplementedHandler) ReadDiscreteInputs(address, count uint16, out []byte) error {
	return modbus.ExceptionCodeIllegalFunction
}

func (UnimplementedHandler) ReadHoldingRegisters(address, count uint16, out []uint16) error {
	return modbus.ExceptionCodeIllegalFunction
}

func (UnimplementedHandler) ReadInputRegisters(address, count uint16, out []uint16) error {
	return modbus.ExceptionCodeIllegalFunction
}

func (UnimplementedHandler) WriteMultipleCoils(address, count uint16, values []byte) error {
	return modbus.ExceptionCodeIllegalFunction
}

func (UnimplementedHandler) WriteMultipleRegisters(address, count uint16, values []uint16) error {
	return modbus.ExceptionCodeIllegalFunction
}

// Observer is told about every request the Slave has dispatched.
type Observer interface {
	Observe(functionCode byte, code modbus.ExceptionCode, broadcast bool)
}
