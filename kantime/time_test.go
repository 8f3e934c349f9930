package kantime

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFakeSourceAdvance(t *testing.T) {
	f := NewFakeSource()
	assert.Equal(t, Nanos(0), f.NowNanos())
	f.Advance(100)
	assert.Equal(t, Nanos(100), f.NowNanos())
}

func TestDeadline(t *testing.T) {
	assert.False(t, Deadline(50, 0, 100))
	assert.True(t, Deadline(100, 0, 100))
	assert.True(t, Deadline(150, 0, 100))
}

func TestRealSourceMonotonic(t *testing.T) {
	r := NewRealSource()
	a := r.NowNanos()
	b := r.NowNanos()
	assert.GreaterOrEqual(t, int64(b), int64(a))
}
