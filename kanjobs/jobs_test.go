package kanjobs

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunNDispatchesAllWorkers(t *testing.T) {
	var calls atomic.Int32
	err := RunN(context.Background(), 4, func(ctx context.Context, idx int) error {
		calls.Add(1)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(4), calls.Load())
}

func TestRunNPropagatesFirstError(t *testing.T) {
	sentinel := assert.AnError
	err := RunN(context.Background(), 3, func(ctx context.Context, idx int) error {
		if idx == 1 {
			return sentinel
		}
		return nil
	})
	assert.ErrorIs(t, err, sentinel)
}

func TestDetachReportsCompletion(t *testing.T) {
	var calls atomic.Int32
	done := Detach(context.Background(), func(ctx context.Context, idx int) error {
		calls.Add(1)
		return nil
	})
	err := <-done
	require.NoError(t, err)
	assert.Greater(t, calls.Load(), int32(0))
}
