// Package kanjobs is the CPU job/task scheduler collaborator named in
// spec.md §6, dispatching one foreground worker per logical CPU for C6's
// shared loading serve (spec.md §4.4/§5). Built on
// golang.org/x/sync/errgroup, the same "bounded worker pool over a
// shared cursor" shape rclone's fs/accounting transfer pool uses to cap
// concurrent transfers.
package kanjobs

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Worker is one unit of repeated work dispatched onto a logical CPU. It
// loops internally (per spec.md §4.4's "each worker repeats") and
// returns when there is no more work or the context is cancelled.
type Worker func(ctx context.Context, workerIndex int) error

// RunPerLogicalCPU dispatches one Worker per runtime.NumCPU(), mirroring
// spec.md §5 ("one foreground task per logical CPU... The dispatching
// task is detached; the job completes when the last worker exits").
// It blocks until every worker has returned (workers observe context
// cancellation themselves), then returns the first non-nil error (if any).
func RunPerLogicalCPU(ctx context.Context, work Worker) error {
	return RunN(ctx, runtime.NumCPU(), work)
}

// RunN dispatches exactly n workers. Exposed separately from
// RunPerLogicalCPU so tests can pin a small, deterministic worker count.
func RunN(ctx context.Context, n int, work Worker) error {
	if n < 1 {
		n = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		idx := i
		g.Go(func() error {
			return work(gctx, idx)
		})
	}
	return g.Wait()
}

// Detach runs RunPerLogicalCPU in a background goroutine and reports
// completion (and any error) on the returned channel, matching the
// source's "dispatching task is detached" semantics for callers that
// must not block their own tick.
func Detach(ctx context.Context, work Worker) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- RunPerLogicalCPU(ctx, work)
	}()
	return done
}
