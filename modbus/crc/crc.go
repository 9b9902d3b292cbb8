// Copyright (c) 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package crc implements the CRC-16 used by Modbus RTU framing.
package crc

const (
	initial    = 0xFFFF
	polynomial = 0xA001
)

// CRC is a running CRC-16/Modbus. The zero value must be Reset before use.
type CRC struct {
	value uint16
}

func (crc *CRC) Reset() *CRC {
	crc.value = initial
	return crc
}

// PushByte folds one byte into the checksum, least significant bit first.
func (crc *CRC) PushByte(b byte) *CRC {
	v := crc.value ^ uint16(b)
	for i := 0; i < 8; i++ {
		if v&1 != 0 {
			v = v>>1 ^ polynomial
		} else {
			v >>= 1
		}
	}
	crc.value = v
	return crc
}

func (crc *CRC) PushBytes(bs []byte) *CRC {
	for _, b := range bs {
		crc.PushByte(b)
	}
	return crc
}

// Value returns the checksum. On the wire the low byte goes first.
func (crc *CRC) Value() uint16 {
	return crc.value
}

// Valid reports whether the bytes pushed so far ended with their own
// checksum.
func (crc *CRC) Valid() bool {
	return crc.value == 0
}

// Append appends the checksum of data to data, low byte first.
func Append(data []byte) []byte {
	var crc CRC
	v := crc.Reset().PushBytes(data).Value()
	return append(data, byte(v), byte(v>>8))
}
