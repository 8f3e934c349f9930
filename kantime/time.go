// Package kantime is the time collaborator named in spec.md §6: a thin,
// mockable wrapper around wall-clock and monotonic reads, in the spirit of
// rclone's fs.Duration and fstest.Time test helpers.
package kantime

import "time"

// Nanos is a monotonic nanosecond timestamp, as used throughout the
// resource provider's budget math (scan_budget_ns, load_budget_ns, ...).
type Nanos int64

// Source supplies the current time. Production code uses RealSource;
// tests substitute FakeSource to make budget-expiry deterministic.
type Source interface {
	NowNanos() Nanos
}

// RealSource reads the host monotonic clock.
type RealSource struct{ start time.Time }

// NewRealSource returns a Source anchored at the time of the call, so
// NowNanos stays within the int64 nanosecond range indefinitely.
func NewRealSource() *RealSource {
	return &RealSource{start: time.Now()}
}

// NowNanos implements Source.
func (r *RealSource) NowNanos() Nanos {
	return Nanos(time.Since(r.start).Nanoseconds())
}

// FakeSource is a manually advanced clock for tests.
type FakeSource struct {
	now Nanos
}

// NewFakeSource returns a FakeSource starting at 0.
func NewFakeSource() *FakeSource {
	return &FakeSource{}
}

// NowNanos implements Source.
func (f *FakeSource) NowNanos() Nanos {
	return f.now
}

// Advance moves the fake clock forward by d, which must be non-negative.
func (f *FakeSource) Advance(d Nanos) {
	if d < 0 {
		panic("kantime: negative advance")
	}
	f.now += d
}

// Deadline returns whether now has reached or passed the deadline.
func Deadline(now, begin, budget Nanos) bool {
	return now-begin >= budget
}
