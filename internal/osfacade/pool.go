// Copyright 2025 Joseph Cumines

package osfacade

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"
)

// Bounded wraps a Facade so every accessibility call is dispatched through
// a bounded worker pool (a weighted semaphore gating in-flight calls) and
// races a per-call timeout, since a single AX call is synchronous IPC that
// can block on the target process's run loop. Compositor enumeration and
// pure resolution calls pass through unthrottled; they are not per-process
// blocking IPC in the same sense.
type Bounded struct {
	inner   Facade
	sem     *semaphore.Weighted
	timeout time.Duration
}

const (
	// axRetryAttempts bounds retries of a transient cannot-complete, the
	// one AX failure worth retrying locally.
	axRetryAttempts = 3
	axRetryBackoff  = 20 * time.Millisecond
)

// NewBounded constructs a Bounded facade with the given worker count and
// per-call timeout.
func NewBounded(inner Facade, workers int, timeout time.Duration) *Bounded {
	if workers <= 0 {
		workers = 1
	}
	return &Bounded{
		inner:   inner,
		sem:     semaphore.NewWeighted(int64(workers)),
		timeout: timeout,
	}
}

func (b *Bounded) acquire(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if err := b.sem.Acquire(ctx, 1); err != nil {
		return nil, nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, b.timeout)
	return callCtx, cancel, nil
}

func (b *Bounded) ListCompositorWindows(ctx context.Context, opts ListOptions) ([]CompositorWindow, error) {
	return b.inner.ListCompositorWindows(ctx, opts)
}

func (b *Bounded) BundleForPID(pid int) (string, bool) {
	return b.inner.BundleForPID(pid)
}

func (b *Bounded) AXApplication(ctx context.Context, pid int) (AXHandle, error) {
	callCtx, cancel, err := b.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer b.sem.Release(1)
	defer cancel()
	return b.inner.AXApplication(callCtx, pid)
}

func (b *Bounded) AXAttribute(ctx context.Context, h AXHandle, key string) (AttrValue, bool, error) {
	callCtx, cancel, err := b.acquire(ctx)
	if err != nil {
		return AttrValue{}, false, err
	}
	defer b.sem.Release(1)
	defer cancel()
	return b.inner.AXAttribute(callCtx, h, key)
}

func (b *Bounded) AXAttributesBatch(ctx context.Context, h AXHandle, keys []string) (map[string]AttrValue, error) {
	callCtx, cancel, err := b.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer b.sem.Release(1)
	defer cancel()
	return b.inner.AXAttributesBatch(callCtx, h, keys)
}

func (b *Bounded) AXSetAttribute(ctx context.Context, h AXHandle, key string, value AttrValue) AXStatus {
	return b.withRetry(ctx, func(callCtx context.Context) AXStatus {
		return b.inner.AXSetAttribute(callCtx, h, key, value)
	})
}

func (b *Bounded) AXPerformAction(ctx context.Context, h AXHandle, action string) AXStatus {
	return b.withRetry(ctx, func(callCtx context.Context) AXStatus {
		return b.inner.AXPerformAction(callCtx, h, action)
	})
}

// withRetry dispatches call through the pool, retrying a transient
// cannot-complete up to axRetryAttempts with exponential backoff. Every
// other status is returned as-is on the first attempt.
func (b *Bounded) withRetry(ctx context.Context, call func(context.Context) AXStatus) AXStatus {
	status := AXCannotComplete
	for attempt := 0; attempt < axRetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return status
			case <-time.After(axRetryBackoff << (attempt - 1)):
			}
		}
		callCtx, cancel, err := b.acquire(ctx)
		if err != nil {
			return AXCannotComplete
		}
		status = call(callCtx)
		b.sem.Release(1)
		cancel()
		if status != AXCannotComplete {
			return status
		}
	}
	return status
}

func (b *Bounded) AXChildren(ctx context.Context, h AXHandle) ([]AXHandle, error) {
	callCtx, cancel, err := b.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer b.sem.Release(1)
	defer cancel()
	return b.inner.AXChildren(callCtx, h)
}

func (b *Bounded) AXActions(ctx context.Context, h AXHandle) ([]string, error) {
	callCtx, cancel, err := b.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer b.sem.Release(1)
	defer cancel()
	return b.inner.AXActions(callCtx, h)
}

func (b *Bounded) AXWindows(ctx context.Context, app AXHandle) ([]AXHandle, error) {
	callCtx, cancel, err := b.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer b.sem.Release(1)
	defer cancel()
	return b.inner.AXWindows(callCtx, app)
}

func (b *Bounded) AXWindowID(ctx context.Context, h AXHandle) (uint32, bool) {
	callCtx, cancel, err := b.acquire(ctx)
	if err != nil {
		return 0, false
	}
	defer b.sem.Release(1)
	defer cancel()
	return b.inner.AXWindowID(callCtx, h)
}

func (b *Bounded) SynthEvent(ctx context.Context, d EventDescriptor) error {
	callCtx, cancel, err := b.acquire(ctx)
	if err != nil {
		return err
	}
	defer b.sem.Release(1)
	defer cancel()
	return b.inner.SynthEvent(callCtx, d)
}

var _ Facade = (*Bounded)(nil)
