// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"bytes"
	"errors"
	"testing"

	"github.com/ffutop/modbus-serial/modbus"
)

func TestEncode(t *testing.T) {
	raw, err := Encode(0x11, modbus.ProtocolDataUnit{
		FunctionCode: modbus.FuncCodeReadHoldingRegisters,
		Data:         []byte{0x00, 0x6B, 0x00, 0x03},
	})
	if err != nil {
		t.Fatal(err)
	}
	if want := []byte{0x11, 0x03, 0x00, 0x6B, 0x00, 0x03, 0x76, 0x87}; !bytes.Equal(raw, want) {
		t.Errorf("Encode() = % x, want % x", raw, want)
	}

	if _, err := Encode(0x11, modbus.ProtocolDataUnit{Data: make([]byte, MaxSize)}); err == nil {
		t.Error("Encode() accepted an oversize PDU")
	}
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		raw     []byte
		wantErr error
	}{
		{"Valid", []byte{0x02, 0x07, 0x41, 0x12}, nil},
		{"Short", []byte{0x02, 0x07, 0x41}, ErrShortFrame},
		{"BadCRC", []byte{0x02, 0x07, 0x12, 0x41}, ErrChecksum},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, pdu, err := Decode(tt.raw)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Decode() error = %v, want %v", err, tt.wantErr)
			}
			if err == nil && (addr != 0x02 || pdu.FunctionCode != 0x07 || len(pdu.Data) != 0) {
				t.Errorf("Decode() = %v, %+v", addr, pdu)
			}
		})
	}
}
