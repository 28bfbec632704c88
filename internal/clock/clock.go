// Package clock exposes the wall-clock seam used throughout banshee so
// tests can substitute a fake clock instead of sleeping in real time.
package clock

import (
	"github.com/jonboulle/clockwork"
)

// Clock is the subset of clockwork.Clock the daemon depends on.
type Clock = clockwork.Clock

// New returns the real, wall-clock-backed implementation.
func New() Clock {
	return clockwork.NewRealClock()
}

// NewFake returns a fake clock at clockwork's default start time, for
// tests; it only moves when the test advances it.
func NewFake() clockwork.FakeClock {
	return clockwork.NewFakeClock()
}
