package kanalloc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChildCreatesOnce(t *testing.T) {
	root := Root("engine")
	a := root.Child("resources")
	b := root.Child("resources")
	assert.Same(t, a, b)
	assert.Equal(t, "engine.resources", a.Path())
}

func TestAllocatePropagatesToAncestors(t *testing.T) {
	root := Root("engine")
	child := root.Child("resources").Child("weapon")

	child.Allocate(128)
	assert.Equal(t, int64(128), child.Bytes())
	assert.Equal(t, int64(128), root.Child("resources").Bytes())
	assert.Equal(t, int64(128), root.Bytes())

	child.Free(28)
	assert.Equal(t, int64(100), child.Bytes())
	assert.Equal(t, int64(100), root.Bytes())
}

func TestContextDefaultGroup(t *testing.T) {
	root := Root("engine")
	fallback := root.Child("fallback")
	assert.Same(t, fallback, DefaultFrom(context.Background(), fallback))

	scoped := root.Child("scoped")
	ctx := WithDefault(context.Background(), scoped)
	assert.Same(t, scoped, DefaultFrom(ctx, fallback))
}
