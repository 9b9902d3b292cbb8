// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"errors"
	"fmt"

	"github.com/ffutop/modbus-serial/modbus"
	"github.com/ffutop/modbus-serial/modbus/crc"
)

var (
	ErrShortFrame = errors.New("modbus: rtu frame too short")
	ErrChecksum   = errors.New("modbus: rtu crc mismatch")
)

// Encode encodes PDU in an RTU frame:
//
//	Slave Address   : 1 byte
//	Function        : 1 byte
//	Data            : 0 up to 252 bytes
//	CRC             : 2 bytes
func Encode(slaveID byte, pdu modbus.ProtocolDataUnit) ([]byte, error) {
	length := len(pdu.Data) + MinSize
	if length > MaxSize {
		return nil, fmt.Errorf("modbus: length of data '%v' must not be bigger than '%v'", length, MaxSize)
	}
	raw := make([]byte, 0, length)
	raw = append(raw, slaveID, pdu.FunctionCode)
	raw = append(raw, pdu.Data...)
	return crc.Append(raw), nil
}

// Decode verifies the CRC of a whole RTU frame and splits it.
func Decode(raw []byte) (slaveID byte, pdu modbus.ProtocolDataUnit, err error) {
	length := len(raw)
	// Minimum size (including address, function and CRC)
	if length < MinSize {
		err = fmt.Errorf("%w: length '%v' does not meet minimum '%v'", ErrShortFrame, length, MinSize)
		return
	}

	var c crc.CRC
	if !c.Reset().PushBytes(raw).Valid() {
		checksum := uint16(raw[length-1])<<8 | uint16(raw[length-2])
		c.Reset().PushBytes(raw[:length-2])
		err = fmt.Errorf("%w: got '%#04x', expected '%#04x'", ErrChecksum, checksum, c.Value())
		return
	}
	slaveID = raw[0]
	pdu.FunctionCode = raw[1]
	pdu.Data = raw[2 : length-2]
	return
}
