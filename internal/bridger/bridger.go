// Copyright 2025 Joseph Cumines

// Package bridger resolves a compositor window id to an accessibility
// window element for a given process, using a private-symbol match
// first, falling back to a bounded geometric heuristic with a
// single-window fallback.
package bridger

import (
	"context"
	"math"

	"github.com/joeycumines/macos-authority/internal/osfacade"
	"github.com/joeycumines/macos-authority/internal/rpcerr"
)

// heuristicThreshold is the maximum acceptable geometric score (pixels)
// for the Tier 2 match. It absorbs drop-shadow penalties (typically <50px)
// and short animation lag (hundreds of px) while rejecting cross-monitor
// jumps (>=1920px).
const heuristicThreshold = 1000.0

// Resolve finds the accessibility window element for (pid, targetWindowID),
// using expectedBounds as the geometric hint for the Tier 2 heuristic. The
// returned id is the element's current bridged window id when the private
// symbol can supply one, and targetWindowID otherwise; callers that
// mutate the window re-query the bridge afterwards to pick up ids
// regenerated by the target toolkit.
func Resolve(ctx context.Context, facade osfacade.Facade, pid int, targetWindowID uint32, expectedBounds osfacade.Bounds) (osfacade.AXHandle, uint32, error) {
	app, err := facade.AXApplication(ctx, pid)
	if err != nil {
		return nil, 0, rpcerr.Unavailable("ax_unavailable", "accessibility unavailable for pid %d: %v", pid, err)
	}

	candidates, err := windowCandidates(ctx, facade, app)
	if err != nil {
		return nil, 0, rpcerr.Unavailable("ax_unavailable", "failed to enumerate ax windows for pid %d: %v", pid, err)
	}
	if len(candidates) == 0 {
		return nil, 0, rpcerr.NotFound("window_not_found", "no accessibility windows for pid %d", pid)
	}

	// Tier 1: deterministic private-symbol match.
	symbolEverResolved := false
	for _, c := range candidates {
		id, ok := facade.AXWindowID(ctx, c)
		if !ok {
			continue
		}
		symbolEverResolved = true
		if id == targetWindowID {
			return c, id, nil
		}
	}
	if symbolEverResolved {
		// The symbol is available and authoritative: if it never matched,
		// the window genuinely is not present, regardless of geometry.
		return nil, 0, rpcerr.NotFound("window_not_found", "no ax window bridges to window id %d for pid %d", targetWindowID, pid)
	}

	// Tier 2: bounded geometric heuristic.
	if len(candidates) == 1 {
		return candidates[0], currentID(ctx, facade, candidates[0], targetWindowID), nil
	}

	var best osfacade.AXHandle
	bestScore := math.Inf(1)
	for _, c := range candidates {
		bounds, err := elementBounds(ctx, facade, c)
		if err != nil {
			continue
		}
		score := math.Hypot(bounds.X-expectedBounds.X, bounds.Y-expectedBounds.Y) +
			math.Hypot(bounds.Width-expectedBounds.Width, bounds.Height-expectedBounds.Height)
		if score < bestScore {
			bestScore = score
			best = c
		}
	}

	if best == nil || bestScore >= heuristicThreshold {
		return nil, 0, rpcerr.NotFound("window_not_found", "no ax window within heuristic threshold for window id %d (pid %d)", targetWindowID, pid)
	}
	return best, currentID(ctx, facade, best, targetWindowID), nil
}

// currentID back-queries h's bridged window id, falling back to the
// requested id when the private symbol is unavailable.
func currentID(ctx context.Context, facade osfacade.Facade, h osfacade.AXHandle, fallback uint32) uint32 {
	if id, ok := facade.AXWindowID(ctx, h); ok {
		return id
	}
	return fallback
}

// windowCandidates returns the application's top-level windows, falling
// back to the generic children collection (orphan rescue) when the
// windows attribute is empty, as transitioning windows (e.g. mid-minimize)
// are briefly re-parented there.
func windowCandidates(ctx context.Context, facade osfacade.Facade, app osfacade.AXHandle) ([]osfacade.AXHandle, error) {
	windows, err := facade.AXWindows(ctx, app)
	if err != nil {
		return nil, err
	}
	if len(windows) > 0 {
		return windows, nil
	}
	return facade.AXChildren(ctx, app)
}

func elementBounds(ctx context.Context, facade osfacade.Facade, h osfacade.AXHandle) (osfacade.Bounds, error) {
	attrs, err := facade.AXAttributesBatch(ctx, h, []string{"AXPosition", "AXSize"})
	if err != nil {
		return osfacade.Bounds{}, err
	}
	var b osfacade.Bounds
	if pos, ok := attrs["AXPosition"]; ok && pos.Kind == osfacade.AttrPoint {
		b.X, b.Y = pos.Point.X, pos.Point.Y
	}
	if size, ok := attrs["AXSize"]; ok && size.Kind == osfacade.AttrSize {
		b.Width, b.Height = size.Size.Width, size.Size.Height
	}
	return b, nil
}
