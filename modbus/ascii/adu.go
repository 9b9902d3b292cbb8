// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package ascii

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/ffutop/modbus-serial/modbus"
	"github.com/ffutop/modbus-serial/modbus/lrc"
)

var (
	ErrFormat   = errors.New("modbus: malformed ascii frame")
	ErrChecksum = errors.New("modbus: ascii lrc mismatch")
)

// Encode encodes PDU in an ASCII frame:
//
//	Start           : 1 char  ':'
//	Address         : 2 chars
//	Function        : 2 chars
//	Data            : 0 up to 2x252 chars
//	LRC             : 2 chars
//	End             : 2 chars CR LF
func Encode(slaveID byte, pdu modbus.ProtocolDataUnit) ([]byte, error) {
	length := 2*(len(pdu.Data)+3) + 3
	if length > MaxSize {
		return nil, fmt.Errorf("modbus: length of data '%v' must not be bigger than '%v'", length, MaxSize)
	}

	var l lrc.LRC
	l.Reset().PushByte(slaveID).PushByte(pdu.FunctionCode).PushBytes(pdu.Data)

	bin := make([]byte, 0, len(pdu.Data)+3)
	bin = append(bin, slaveID, pdu.FunctionCode)
	bin = append(bin, pdu.Data...)
	bin = append(bin, l.Value())

	raw := make([]byte, 1, length)
	raw[0] = startOfFrame
	raw = append(raw, bytes.ToUpper([]byte(hex.EncodeToString(bin)))...)
	return append(raw, '\r', '\n'), nil
}

// Decode verifies the delimiters and LRC of a whole ASCII frame and splits
// it. Hex digits of either case are accepted.
func Decode(raw []byte) (slaveID byte, pdu modbus.ProtocolDataUnit, err error) {
	length := len(raw)
	if length < MinSize {
		err = fmt.Errorf("%w: length '%v' does not meet minimum '%v'", ErrFormat, length, MinSize)
		return
	}
	if raw[0] != startOfFrame || raw[length-2] != '\r' || raw[length-1] != '\n' {
		err = fmt.Errorf("%w: missing delimiters", ErrFormat)
		return
	}
	body := raw[1 : length-2]
	if len(body)%2 != 0 {
		err = fmt.Errorf("%w: odd number of hex digits", ErrFormat)
		return
	}
	bin := make([]byte, len(body)/2)
	if _, err = hex.Decode(bin, body); err != nil {
		err = fmt.Errorf("%w: %w", ErrFormat, err)
		return
	}

	var l lrc.LRC
	if !l.Reset().PushBytes(bin).Valid() {
		err = fmt.Errorf("%w: frame sums to '%#02x'", ErrChecksum, -l.Value())
		return
	}
	slaveID = bin[0]
	pdu.FunctionCode = bin[1]
	pdu.Data = bin[2 : len(bin)-1]
	return
}
