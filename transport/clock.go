// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package transport

import (
	"time"

	"github.com/ffutop/modbus-serial/modbus"
)

// DefaultResolution is the tick length of a SystemClock.
const DefaultResolution = 100 * time.Microsecond

// SystemClock counts ticks on the monotonic clock since it was created.
// The count wraps like any modbus.Tick.
type SystemClock struct {
	start   time.Time
	perTick uint32
}

var _ modbus.Clock = (*SystemClock)(nil)

// NewSystemClock creates a clock ticking every resolution, rounded down to
// whole microseconds. Resolutions below a microsecond use DefaultResolution.
func NewSystemClock(resolution time.Duration) *SystemClock {
	us := resolution.Microseconds()
	if us <= 0 {
		us = DefaultResolution.Microseconds()
	}
	return &SystemClock{start: time.Now(), perTick: uint32(us)}
}

func (c *SystemClock) Ticks() modbus.Tick {
	return modbus.Tick(uint64(time.Since(c.start).Microseconds()) / uint64(c.perTick))
}

func (c *SystemClock) MicrosecondsPerTick() uint32 { return c.perTick }

// Duration converts a tick count to wall time.
func (c *SystemClock) Duration(t modbus.Tick) time.Duration {
	return time.Duration(t) * time.Duration(c.perTick) * time.Microsecond
}
