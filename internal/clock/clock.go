// Package clock abstracts wall-clock time behind a narrow interface so the
// transport engine's timestamp estimation can be driven deterministically
// in tests, per spec.md §9's mach_absolute_time re-architecture guidance.
package clock

import "golang.org/x/sys/unix"

// Clock returns a monotonic nanosecond timestamp.
type Clock interface {
	NowNanos() uint64
}

// System is the production Clock, backed by CLOCK_MONOTONIC_RAW.
type System struct{}

// NowNanos implements Clock.
func (System) NowNanos() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC_RAW, &ts); err != nil {
		// CLOCK_MONOTONIC is present on every Linux kernel this engine
		// targets; fall back rather than panic on the runloop thread.
		unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts)
	}
	return uint64(ts.Sec)*1_000_000_000 + uint64(ts.Nsec)
}

// Manual is a Clock a test can advance explicitly.
type Manual struct {
	nanos uint64
}

// NewManual returns a Manual clock starting at the given nanosecond value.
func NewManual(start uint64) *Manual {
	return &Manual{nanos: start}
}

// NowNanos implements Clock.
func (m *Manual) NowNanos() uint64 { return m.nanos }

// Advance moves the clock forward by delta nanoseconds.
func (m *Manual) Advance(delta uint64) { m.nanos += delta }

// Set pins the clock to an absolute nanosecond value.
func (m *Manual) Set(nanos uint64) { m.nanos = nanos }
