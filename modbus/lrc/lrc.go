// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package lrc implements the longitudinal redundancy check used by Modbus
// ASCII framing.
package lrc

// LRC is a running 8-bit sum.
type LRC struct {
	sum uint8
}

func (lrc *LRC) Reset() *LRC {
	lrc.sum = 0
	return lrc
}

func (lrc *LRC) PushByte(b byte) *LRC {
	lrc.sum += b
	return lrc
}

func (lrc *LRC) PushBytes(data []byte) *LRC {
	for _, b := range data {
		lrc.sum += b
	}
	return lrc
}

// Value returns the two's complement of the sum, the byte to transmit.
func (lrc *LRC) Value() byte {
	return -lrc.sum
}

// Valid reports whether the bytes pushed so far ended with their own LRC.
func (lrc *LRC) Valid() bool {
	return lrc.sum == 0
}
