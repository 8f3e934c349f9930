package kanstring

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInternIdentity(t *testing.T) {
	p := NewPool()
	a := p.Intern("weapon")
	b := p.Intern("weapon")
	c := p.Intern("armor")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, Invalid, a)
}

func TestLookupRoundTrip(t *testing.T) {
	p := NewPool()
	h := p.Intern("io")
	s, ok := p.Lookup(h)
	assert.True(t, ok)
	assert.Equal(t, "io", s)

	_, ok = p.Lookup(Invalid)
	assert.False(t, ok)

	_, ok = p.Lookup(Handle(9999))
	assert.False(t, ok)
}

func TestLen(t *testing.T) {
	p := NewPool()
	assert.Equal(t, 0, p.Len())
	p.Intern("a")
	p.Intern("b")
	p.Intern("a")
	assert.Equal(t, 2, p.Len())
}

func TestConcurrentIntern(t *testing.T) {
	p := NewPool()
	const n = 64
	done := make(chan Handle, n)
	for i := 0; i < n; i++ {
		go func() { done <- p.Intern("shared") }()
	}
	first := <-done
	for i := 1; i < n; i++ {
		assert.Equal(t, first, <-done)
	}
}
