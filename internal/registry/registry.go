// Copyright 2025 Joseph Cumines

// Package registry owns the cached snapshot of compositor window metadata:
// id, pid, bundle, bounds, layer, on-screen, and title. It refreshes
// on-demand and supports targeted invalidation after mutations.
package registry

import (
	"context"
	"log/slog"
	"sync"

	"github.com/joeycumines/macos-authority/internal/osfacade"
)

const (
	minDimension = 50.0
	minAlpha     = 0.1
)

// Registry is the in-memory map window_id -> CompositorWindowInfo. Reads
// are served from the last published snapshot; Snapshot replaces it
// atomically.
type Registry struct {
	facade osfacade.Facade
	logger *slog.Logger

	mu      sync.RWMutex
	windows map[uint32]osfacade.CompositorWindow
}

// New constructs a Registry over facade. logger may be nil, in which case
// a discarding logger is used.
func New(facade osfacade.Facade, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		facade:  facade,
		logger:  logger,
		windows: map[uint32]osfacade.CompositorWindow{},
	}
}

// VisibilityFilter applies the standard exclusions: non-normal layers
// (menu bars, dock, shadows), sub-50px keep-alive windows, and
// near-transparent ghost overlays.
func VisibilityFilter(w osfacade.CompositorWindow) bool {
	if w.Layer != 0 {
		return false
	}
	if w.Bounds.Width < minDimension || w.Bounds.Height < minDimension {
		return false
	}
	if w.Alpha < minAlpha {
		return false
	}
	return true
}

// Snapshot invokes the facade's compositor enumeration and replaces the
// cached map atomically. Typical cost is 10-40ms; callers on a
// latency-sensitive path should not call this at high frequency.
func (r *Registry) Snapshot(ctx context.Context) error {
	raw, err := r.facade.ListCompositorWindows(ctx, osfacade.ListOptions{
		ExcludeDesktop:   true,
		IncludeOffscreen: true,
	})
	if err != nil {
		return err
	}

	next := make(map[uint32]osfacade.CompositorWindow, len(raw))
	for _, w := range raw {
		if !VisibilityFilter(w) {
			continue
		}
		next[w.WindowID] = w
	}

	r.mu.Lock()
	r.windows = next
	r.mu.Unlock()

	r.logger.Debug("registry snapshot", slog.Int("window_count", len(next)))
	return nil
}

// Get reads the cached entry for windowID.
func (r *Registry) Get(windowID uint32) (osfacade.CompositorWindow, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.windows[windowID]
	return w, ok
}

// Invalidate marks windowID stale. No partial-refresh primitive exists in
// the compositor API, so this performs a full snapshot; callers MUST call
// this before returning a mutation response per the registry invariant.
func (r *Registry) Invalidate(ctx context.Context, windowID uint32) error {
	return r.Snapshot(ctx)
}

// ListForPID returns the filtered cached entries owned by pid.
func (r *Registry) ListForPID(pid int) []osfacade.CompositorWindow {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]osfacade.CompositorWindow, 0)
	for _, w := range r.windows {
		if w.PID == pid {
			out = append(out, w)
		}
	}
	return out
}

// List returns every cached entry.
func (r *Registry) List() []osfacade.CompositorWindow {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]osfacade.CompositorWindow, 0, len(r.windows))
	for _, w := range r.windows {
		out = append(out, w)
	}
	return out
}
