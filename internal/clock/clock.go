// ============================================================================
// Logical Clock
// ============================================================================
//
// Package: internal/clock
// File: clock.go
// Purpose: Shared simulated clock advanced once per scheduler iteration
//
// Model:
//   The clock is a cooperative fiction. It is not tied to wall-clock time.
//   Each iteration the scheduler adds baseTick / max(activeWorkers, 1), so the
//   clock slows down as more workers are running.
//
// Concurrency:
//   Single writer (the scheduler loop), many readers (workers, metrics,
//   heartbeat transport). The value is kept as a single atomic uint64 of
//   elapsed nanoseconds so a reader never sees a torn (seconds, nanos) pair.
//
// ============================================================================

package clock

import (
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/beaver-oss/pkg/types"
)

// DefaultTick is the base increment before it is divided by the active count.
const DefaultTick = 250 * time.Millisecond

// Reader is the read-only view handed to workers and transports.
type Reader interface {
	Now() types.ClockTime
}

// LogicalClock is the monotonic simulated clock.
type LogicalClock struct {
	nanos    atomic.Uint64
	baseTick uint64
}

// New creates a clock at zero. A non-positive tick falls back to DefaultTick.
func New(baseTick time.Duration) *LogicalClock {
	if baseTick <= 0 {
		baseTick = DefaultTick
	}
	return &LogicalClock{baseTick: uint64(baseTick)}
}

// Advance moves the clock forward by baseTick / max(active, 1) and returns
// the new time. Only the scheduler loop calls it.
func (c *LogicalClock) Advance(active int) types.ClockTime {
	if active < 1 {
		active = 1
	}
	inc := c.baseTick / uint64(active)
	return types.ClockFromNanos(c.nanos.Add(inc))
}

// Now returns a consistent snapshot of the clock.
func (c *LogicalClock) Now() types.ClockTime {
	return types.ClockFromNanos(c.nanos.Load())
}

// NowMillis is the clock in milliseconds, used by admission control.
func (c *LogicalClock) NowMillis() uint64 {
	return c.Now().Millis()
}
