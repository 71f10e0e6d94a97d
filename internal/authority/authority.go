// Copyright 2025 Joseph Cumines

// Package authority implements the Window Authority: it orchestrates
// GetWindow/ListWindows/mutation operations, enforcing the policy that the
// Registry is authoritative for enumeration and metadata while the
// accessibility tree is authoritative for geometry and fine-grained state.
package authority

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/joeycumines/macos-authority/internal/bridger"
	"github.com/joeycumines/macos-authority/internal/osfacade"
	"github.com/joeycumines/macos-authority/internal/registry"
	"github.com/joeycumines/macos-authority/internal/rpcerr"
)

// Window is the merged resource returned to callers. Visible is a
// tri-state: nil means "not computed from accessibility truth" (e.g. the
// registry-only ListWindows path, or a window on an inactive virtual
// desktop that AX cannot reach); true/false is AX-first ground truth from
// GetWindow. A flat false for background-space windows would conflate
// "hidden" with "unreachable"; the tri-state keeps them distinct.
type Window struct {
	Name     string
	PID      int
	WindowID uint32
	Title    string
	Bounds   osfacade.Bounds
	ZIndex   int
	BundleID string
	Visible  *bool
}

// State is the WindowState singleton sub-resource, fetched separately
// because it is expensive. AXHidden reflects only the explicit AX hidden
// attribute, never the minimized state.
type State struct {
	Resizable   bool
	Minimizable bool
	Closable    bool
	Modal       bool
	Floating    bool
	AXHidden    bool
	Minimized   bool
	Focused     bool
	Fullscreen  *bool
}

// Authority orchestrates window enumeration and mutation.
type Authority struct {
	facade   osfacade.Facade
	registry *registry.Registry
	logger   *slog.Logger

	pollInterval time.Duration
	pollTimeout  time.Duration

	mu    sync.Mutex
	locks map[windowKey]*sync.Mutex
}

type windowKey struct {
	pid int
	id  uint32
}

// New constructs an Authority. logger may be nil.
func New(facade osfacade.Facade, reg *registry.Registry, pollInterval, pollTimeout time.Duration, logger *slog.Logger) *Authority {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Authority{
		facade:       facade,
		registry:     reg,
		logger:       logger,
		pollInterval: pollInterval,
		pollTimeout:  pollTimeout,
		locks:        map[windowKey]*sync.Mutex{},
	}
}

// Name formats the canonical resource name for a window.
func Name(pid int, windowID uint32) string {
	return fmt.Sprintf("applications/%d/windows/%d", pid, windowID)
}

func (a *Authority) lockFor(pid int, windowID uint32) *sync.Mutex {
	key := windowKey{pid, windowID}
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.locks[key]
	if !ok {
		l = &sync.Mutex{}
		a.locks[key] = l
	}
	return l
}

// ListWindows is registry-only: it returns the filtered cached snapshot
// projected to Window resources. It may lag 10-100ms during concurrent
// mutations and is not linearizable with them.
func (a *Authority) ListWindows(pid int) []Window {
	entries := a.registry.ListForPID(pid)
	out := make([]Window, 0, len(entries))
	for _, e := range entries {
		out = append(out, fromCompositor(e))
	}
	return out
}

func fromCompositor(w osfacade.CompositorWindow) Window {
	return Window{
		Name:     Name(w.PID, w.WindowID),
		PID:      w.PID,
		WindowID: w.WindowID,
		Title:    w.Title,
		Bounds:   w.Bounds,
		ZIndex:   w.Layer,
		BundleID: w.Bundle,
	}
}

// GetWindow performs the hybrid merge: the registry supplies bundle id and
// z-index, AX supplies bounds/title/minimized/hidden, and visible is
// computed AX-first as ¬minimized ∧ ¬hidden. AX attribute fetches run
// through the facade's own worker pool, never the caller's goroutine stack
// directly blocking the process's main loop.
func (a *Authority) GetWindow(ctx context.Context, pid int, windowID uint32) (Window, error) {
	cached, haveCached := a.registry.Get(windowID)

	elem, _, err := bridger.Resolve(ctx, a.facade, pid, windowID, cached.Bounds)
	if err != nil {
		if !haveCached {
			return Window{}, err
		}
		// Registry still lists it but AX cannot reach it: a background-space
		// window. Report what the registry knows and leave Visible unknown.
		return fromCompositor(cached), nil
	}

	attrs, err := a.facade.AXAttributesBatch(ctx, elem, []string{"AXPosition", "AXSize", "AXTitle", "AXMinimized", "AXHidden"})
	if err != nil {
		return Window{}, rpcerr.Unavailable("ax_unavailable", "failed to read ax attributes for %s: %v", Name(pid, windowID), err)
	}

	w := Window{Name: Name(pid, windowID), PID: pid, WindowID: windowID}
	if haveCached {
		w.BundleID = cached.Bundle
		w.ZIndex = cached.Layer
	}
	if v, ok := attrs["AXPosition"]; ok && v.Kind == osfacade.AttrPoint {
		w.Bounds.X, w.Bounds.Y = v.Point.X, v.Point.Y
	}
	if v, ok := attrs["AXSize"]; ok && v.Kind == osfacade.AttrSize {
		w.Bounds.Width, w.Bounds.Height = v.Size.Width, v.Size.Height
	}
	if v, ok := attrs["AXTitle"]; ok && v.Kind == osfacade.AttrString {
		w.Title = v.Str
	}
	minimized := attrBool(attrs, "AXMinimized")
	hidden := attrBool(attrs, "AXHidden")
	visible := !minimized && !hidden
	w.Visible = &visible
	return w, nil
}

// GetWindowState fetches the expensive WindowState sub-resource.
func (a *Authority) GetWindowState(ctx context.Context, pid int, windowID uint32) (State, error) {
	cached, _ := a.registry.Get(windowID)
	elem, _, err := bridger.Resolve(ctx, a.facade, pid, windowID, cached.Bounds)
	if err != nil {
		return State{}, err
	}
	attrs, err := a.facade.AXAttributesBatch(ctx, elem, []string{
		"AXResizable", "AXMinimizable", "AXClosable", "AXModal", "AXFloating",
		"AXHidden", "AXMinimized", "AXFocused", "AXFullScreen",
	})
	if err != nil {
		return State{}, rpcerr.Unavailable("ax_unavailable", "failed to read window state for %s: %v", Name(pid, windowID), err)
	}
	s := State{
		Resizable:   attrBool(attrs, "AXResizable"),
		Minimizable: attrBool(attrs, "AXMinimizable"),
		Closable:    attrBool(attrs, "AXClosable"),
		Modal:       attrBool(attrs, "AXModal"),
		Floating:    attrBool(attrs, "AXFloating"),
		AXHidden:    attrBool(attrs, "AXHidden"),
		Minimized:   attrBool(attrs, "AXMinimized"),
		Focused:     attrBool(attrs, "AXFocused"),
	}
	if v, ok := attrs["AXFullScreen"]; ok && v.Kind == osfacade.AttrBool {
		fs := v.Bool
		s.Fullscreen = &fs
	}
	return s, nil
}

func attrBool(attrs map[string]osfacade.AttrValue, key string) bool {
	if v, ok := attrs[key]; ok && v.Kind == osfacade.AttrBool {
		return v.Bool
	}
	return false
}

// MoveWindow sets the window's position and immediately refetches AX
// state, returning the merged Window with the post-mutation resolved
// name. The name may differ from the request's: some non-native toolkits
// reassign window ids after a geometry change.
func (a *Authority) MoveWindow(ctx context.Context, pid int, windowID uint32, x, y float64) (Window, error) {
	l := a.lockFor(pid, windowID)
	l.Lock()
	defer l.Unlock()

	cached, _ := a.registry.Get(windowID)
	elem, resolvedID, err := bridger.Resolve(ctx, a.facade, pid, windowID, cached.Bounds)
	if err != nil {
		return Window{}, err
	}
	status := a.facade.AXSetAttribute(ctx, elem, "AXPosition", osfacade.AttrValue{Kind: osfacade.AttrPoint, Point: osfacade.Point{X: x, Y: y}})
	if status != osfacade.AXSuccess {
		return Window{}, rpcerr.FailedPrecondition("ax_set_attribute_failed", "failed to move window %s: %v", Name(pid, windowID), status)
	}
	currentID := a.postMutationID(ctx, elem, resolvedID)
	defer a.registry.Invalidate(ctx, windowID)
	return a.GetWindow(ctx, pid, currentID)
}

// ResizeWindow sets the window's size and immediately refetches AX state.
func (a *Authority) ResizeWindow(ctx context.Context, pid int, windowID uint32, width, height float64) (Window, error) {
	l := a.lockFor(pid, windowID)
	l.Lock()
	defer l.Unlock()

	cached, _ := a.registry.Get(windowID)
	elem, resolvedID, err := bridger.Resolve(ctx, a.facade, pid, windowID, cached.Bounds)
	if err != nil {
		return Window{}, err
	}
	status := a.facade.AXSetAttribute(ctx, elem, "AXSize", osfacade.AttrValue{Kind: osfacade.AttrSize, Size: osfacade.Size{Width: width, Height: height}})
	if status != osfacade.AXSuccess {
		return Window{}, rpcerr.FailedPrecondition("ax_set_attribute_failed", "failed to resize window %s: %v", Name(pid, windowID), status)
	}
	currentID := a.postMutationID(ctx, elem, resolvedID)
	defer a.registry.Invalidate(ctx, windowID)
	return a.GetWindow(ctx, pid, currentID)
}

// postMutationID back-queries elem's bridged window id after a geometry
// mutation, since some non-native toolkits reassign window ids there. The
// pre-mutation resolved id is kept when the bridge cannot answer.
func (a *Authority) postMutationID(ctx context.Context, elem osfacade.AXHandle, resolvedID uint32) uint32 {
	if id, ok := a.facade.AXWindowID(ctx, elem); ok {
		if id != resolvedID {
			a.logger.Debug("window id regenerated after mutation", slog.Uint64("old", uint64(resolvedID)), slog.Uint64("new", uint64(id)))
		}
		return id
	}
	return resolvedID
}

// MinimizeWindow sets the minimized attribute, then polls until it reads
// true or the poll-until timeout elapses.
func (a *Authority) MinimizeWindow(ctx context.Context, pid int, windowID uint32) (Window, error) {
	return a.setMinimized(ctx, pid, windowID, true)
}

// RestoreWindow clears the minimized attribute, then polls until it reads
// false or the poll-until timeout elapses.
func (a *Authority) RestoreWindow(ctx context.Context, pid int, windowID uint32) (Window, error) {
	return a.setMinimized(ctx, pid, windowID, false)
}

func (a *Authority) setMinimized(ctx context.Context, pid int, windowID uint32, want bool) (Window, error) {
	l := a.lockFor(pid, windowID)
	l.Lock()
	defer l.Unlock()

	cached, _ := a.registry.Get(windowID)
	elem, _, err := bridger.Resolve(ctx, a.facade, pid, windowID, cached.Bounds)
	if err != nil {
		return Window{}, err
	}
	status := a.facade.AXSetAttribute(ctx, elem, "AXMinimized", osfacade.AttrValue{Kind: osfacade.AttrBool, Bool: want})
	if status != osfacade.AXSuccess {
		return Window{}, rpcerr.FailedPrecondition("ax_set_attribute_failed", "failed to set minimized=%v on %s: %v", want, Name(pid, windowID), status)
	}
	defer a.registry.Invalidate(ctx, windowID)

	deadline := time.Now().Add(a.pollTimeout)
	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()
	for {
		v, ok, err := a.facade.AXAttribute(ctx, elem, "AXMinimized")
		if err == nil && ok && v.Kind == osfacade.AttrBool && v.Bool == want {
			return a.GetWindow(ctx, pid, windowID)
		}
		if time.Now().After(deadline) {
			return Window{}, rpcerr.FailedPrecondition("poll_until_timeout", "minimized state did not reach %v for %s within %s", want, Name(pid, windowID), a.pollTimeout)
		}
		select {
		case <-ctx.Done():
			return Window{}, rpcerr.Cancelled("cancelled", "context cancelled while polling minimized state for %s", Name(pid, windowID))
		case <-ticker.C:
		}
	}
}

// FocusWindow sets main=true, performs the raise action, and activates
// the owning application.
func (a *Authority) FocusWindow(ctx context.Context, pid int, windowID uint32) (Window, error) {
	l := a.lockFor(pid, windowID)
	l.Lock()
	defer l.Unlock()

	cached, _ := a.registry.Get(windowID)
	elem, _, err := bridger.Resolve(ctx, a.facade, pid, windowID, cached.Bounds)
	if err != nil {
		return Window{}, err
	}
	a.facade.AXSetAttribute(ctx, elem, "AXMain", osfacade.AttrValue{Kind: osfacade.AttrBool, Bool: true})
	a.facade.AXPerformAction(ctx, elem, "AXRaise")
	if app, err := a.facade.AXApplication(ctx, pid); err == nil {
		a.facade.AXSetAttribute(ctx, app, "AXFrontmost", osfacade.AttrValue{Kind: osfacade.AttrBool, Bool: true})
	}
	defer a.registry.Invalidate(ctx, windowID)
	return a.GetWindow(ctx, pid, windowID)
}

// CloseWindow performs the close action on the window's close-button
// sub-element.
func (a *Authority) CloseWindow(ctx context.Context, pid int, windowID uint32) error {
	l := a.lockFor(pid, windowID)
	l.Lock()
	defer l.Unlock()

	cached, _ := a.registry.Get(windowID)
	elem, _, err := bridger.Resolve(ctx, a.facade, pid, windowID, cached.Bounds)
	if err != nil {
		return err
	}
	closeBtn, ok, err := a.facade.AXAttribute(ctx, elem, "AXCloseButton")
	if err != nil {
		return rpcerr.Unavailable("ax_unavailable", "failed to read close button for %s: %v", Name(pid, windowID), err)
	}
	var target osfacade.AXHandle
	if ok && closeBtn.Kind == osfacade.AttrHandle {
		target = closeBtn.Handle
	} else {
		target = elem
	}
	status := a.facade.AXPerformAction(ctx, target, "AXPress")
	defer a.registry.Invalidate(ctx, windowID)
	if status != osfacade.AXSuccess {
		return rpcerr.FailedPrecondition("ax_action_failed", "failed to close window %s: %v", Name(pid, windowID), status)
	}
	return nil
}
