// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package ascii

import "time"

const (
	// MinSize is the shortest frame: ':', address, function code, LRC, CR LF.
	MinSize = 9
	// MaxSize is the longest frame on the wire.
	MaxSize = 513

	// DefaultBufferSize holds the decoded PDU plus the LRC.
	DefaultBufferSize = 254
	// DefaultTimeout is the longest silence allowed between characters.
	DefaultTimeout = time.Second
)

const (
	startOfFrame = ':'
	hexDigits    = "0123456789ABCDEF"

	lrcLen = 1
	// function code and LRC
	minPDULength = 2
)

// State is the position of the framer in its receive/transmit cycle. The
// ASCII framer has no dump state since delimiters resynchronize the link.
type State int

const (
	StateIdle State = iota
	StateFrameReady
	StateQueue
	StateCollision
	StateRxAddrHigh
	StateRxAddrLow
	StateRxPDUHigh
	StateRxPDULow
	StateRxCR
	StateTxSOF
	StateTxAddrHigh
	StateTxAddrLow
	StateTxPDUHigh
	StateTxPDULow
	StateTxLRCHigh
	StateTxLRCLow
	StateTxCR
	StateTxLF
	StateTxWait
	StateException
)

var stateNames = [...]string{
	StateIdle:       "idle",
	StateFrameReady: "frame_ready",
	StateQueue:      "queue",
	StateCollision:  "collision",
	StateRxAddrHigh: "rx_addr_high",
	StateRxAddrLow:  "rx_addr_low",
	StateRxPDUHigh:  "rx_pdu_high",
	StateRxPDULow:   "rx_pdu_low",
	StateRxCR:       "rx_cr",
	StateTxSOF:      "tx_sof",
	StateTxAddrHigh: "tx_addr_high",
	StateTxAddrLow:  "tx_addr_low",
	StateTxPDUHigh:  "tx_pdu_high",
	StateTxPDULow:   "tx_pdu_low",
	StateTxLRCHigh:  "tx_lrc_high",
	StateTxLRCLow:   "tx_lrc_low",
	StateTxCR:       "tx_cr",
	StateTxLF:       "tx_lf",
	StateTxWait:     "tx_wait",
	StateException:  "exception",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

func (s State) receiving() bool { return s >= StateRxAddrHigh && s <= StateRxCR }

func (s State) transmitting() bool { return s >= StateTxSOF && s <= StateTxWait }

// nibble decodes one hex digit of either case.
func nibble(ch byte) (byte, bool) {
	switch {
	case ch >= '0' && ch <= '9':
		return ch - '0', true
	case ch >= 'A' && ch <= 'F':
		return ch - 'A' + 10, true
	case ch >= 'a' && ch <= 'f':
		return ch - 'a' + 10, true
	}
	return 0, false
}
