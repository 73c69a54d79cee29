// Package clock abstracts time so that reconnect backoff, circuit breaker
// cooldowns, idle timeouts and aggregation flush timers can be driven
// deterministically in tests. It is a thin layer over clockwork.
package clock

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Clock is the subset of the time package used by the pipeline.
type Clock = clockwork.Clock

// Timer mirrors *time.Timer.
type Timer = clockwork.Timer

// Ticker mirrors *time.Ticker.
type Ticker = clockwork.Ticker

// Fake is a manually advanced Clock for tests.
type Fake = clockwork.FakeClock

// Real returns a Clock backed by the time package.
func Real() Clock { return clockwork.NewRealClock() }

// NewFake returns a fake clock set to start.
func NewFake(start time.Time) *Fake { return clockwork.NewFakeClockAt(start) }

// Sleep blocks for d on clk or until done is closed. It reports false when
// done fired first.
func Sleep(clk Clock, d time.Duration, done <-chan struct{}) bool {
	if d <= 0 {
		return true
	}
	t := clk.NewTimer(d)
	defer t.Stop()
	select {
	case <-done:
		return false
	case <-t.Chan():
		return true
	}
}
