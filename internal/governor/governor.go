// Package governor decides how a batch of acquisitions is scheduled: strictly
// one at a time when the browser tier may run, fully concurrent otherwise.
package governor

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/feedpipe/internal/acquire"
	"github.com/JakeFAU/feedpipe/internal/metrics"
)

// Mode is the scheduling policy for a batch.
type Mode string

// Scheduling modes.
const (
	ModeSerial   Mode = "serial"
	ModeParallel Mode = "parallel"
)

// ModeFor returns ModeSerial when the batch may open browser sessions.
func ModeFor(prefs acquire.TierPreferences, browserAvailable bool) Mode {
	if prefs.AllowBrowserTier && browserAvailable {
		return ModeSerial
	}
	return ModeParallel
}

// Worker processes one request. Failures are part of T; a worker never aborts
// its siblings.
type Worker[T any] func(ctx context.Context, req acquire.ResourceRequest) T

// RunBatch runs worker over items and returns the results in input order.
// With useExpensiveTier set items run sequentially, so at most one browser
// session is live; otherwise every item is dispatched at once.
func RunBatch[T any](ctx context.Context, items []acquire.ResourceRequest, useExpensiveTier bool, worker Worker[T]) []T {
	mode := ModeParallel
	if useExpensiveTier {
		mode = ModeSerial
	}
	return Run(ctx, mode, items, worker)
}

// Run is RunBatch with an explicit mode.
func Run[T any](ctx context.Context, mode Mode, items []acquire.ResourceRequest, worker Worker[T]) []T {
	results := make([]T, len(items))
	if len(items) == 0 {
		return results
	}
	defer metrics.ObserveBatchItems(string(mode), len(items))

	if mode == ModeSerial {
		for i, item := range items {
			results[i] = worker(ctx, item)
		}
		return results
	}

	var g errgroup.Group
	for i, item := range items {
		g.Go(func() error {
			results[i] = worker(ctx, item)
			return nil
		})
	}
	_ = g.Wait()
	return results
}
