// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

const (
	// MinSize is the shortest frame: address, function code and CRC.
	MinSize = 4
	// MaxSize is the longest frame on the wire.
	MaxSize = 256

	// DefaultBufferSize holds a full frame without the address byte.
	DefaultBufferSize = MaxSize - 1
	// DefaultBaudRate is assumed until Setup is called.
	DefaultBaudRate = 19200
)

const (
	crcLen = 2
	// function code and two CRC bytes
	minPDULength = 3

	default3p5Period = 1750 // µs, above 19200 baud
	default1p5Period = 750  // µs, above 19200 baud

	minimumTickCount = 2
	// Extra ticks waited on top of T1.5 and T3.5 to absorb timer
	// quantization.
	quantizationRoundingCount = 2
)

// State is the position of the framer in its receive/transmit cycle.
type State int

const (
	StateDump State = iota
	StateIdle
	StateReceive
	StateFrameReady
	StateQueue
	StateTxAddr
	StateTxPDU
	StateTxCRC
	StateTxWait
	StateCollision
	StateException
)

var stateNames = [...]string{
	StateDump:       "dump",
	StateIdle:       "idle",
	StateReceive:    "receive",
	StateFrameReady: "frame_ready",
	StateQueue:      "queue",
	StateTxAddr:     "tx_addr",
	StateTxPDU:      "tx_pdu",
	StateTxCRC:      "tx_crc",
	StateTxWait:     "tx_wait",
	StateCollision:  "collision",
	StateException:  "exception",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

func (s State) receiving() bool { return s == StateReceive }

func (s State) transmitting() bool { return s >= StateTxAddr && s <= StateTxWait }
