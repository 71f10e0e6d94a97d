// Copyright 2025 Joseph Cumines

// Package rpcapi defines the resource-oriented RPC contract: the DTOs a
// `.proto` definition would generate for this system (see DESIGN.md for
// why no codegen step runs in this repository), the domain Service
// type composing every component, and the genuinely-wired Long
// Running Operations service.
package rpcapi

import (
	"time"

	"github.com/joeycumines/macos-authority/internal/authority"
	"github.com/joeycumines/macos-authority/internal/locator"
	"github.com/joeycumines/macos-authority/internal/observe"
	"github.com/joeycumines/macos-authority/internal/store"
)

// Window is the applications/{pid}/windows/{windowId} resource.
//
// Visible is a tri-state: nil means "not computed from accessibility"
// (every registry-only ListWindows entry, and a window on a background
// space the compositor still lists but AX cannot currently resolve);
// true/false are AX-derived truth from GetWindow and the mutations. This
// is a deliberate deviation from collapsing the unreachable case into
// false.
type Window struct {
	Name     string `json:"name"`
	PID      int    `json:"pid"`
	WindowID uint32 `json:"windowId"`
	Title    string `json:"title"`
	Bounds   Bounds `json:"bounds"`
	ZIndex   int    `json:"zIndex"`
	BundleID string `json:"bundleId"`
	Visible  *bool  `json:"visible,omitempty"`
}

// MoveWindowResponse documents the window-id-regeneration resolution:
// the response's Window.Name carries the post-mutation resolved resource
// name, which may differ from the request's windowId if the target
// toolkit reassigns window ids after a geometry change.
type MoveWindowResponse struct {
	Window Window `json:"window"`
}

// WindowState is the applications/{pid}/windows/{windowId}/state
// sub-resource.
type WindowState struct {
	Resizable   bool  `json:"resizable"`
	Minimizable bool  `json:"minimizable"`
	Closable    bool  `json:"closable"`
	Modal       bool  `json:"modal"`
	Floating    bool  `json:"floating"`
	AXHidden    bool  `json:"axHidden"`
	Minimized   bool  `json:"minimized"`
	Focused     bool  `json:"focused"`
	Fullscreen  *bool `json:"fullscreen,omitempty"`
}

// Application is the applications/{pid} resource.
type Application struct {
	Name        string `json:"name"`
	PID         int    `json:"pid"`
	Bundle      string `json:"bundle"`
	DisplayName string `json:"displayName"`
}

// Element is the Locator's produced record, surfaced over the RPC
// boundary.
type Element struct {
	ID      string   `json:"id"`
	Role    string   `json:"role"`
	Subrole string   `json:"subrole,omitempty"`
	Title   string   `json:"title,omitempty"`
	Value   string   `json:"value,omitempty"`
	Bounds  Bounds   `json:"bounds"`
	Path    []int    `json:"path"`
	Enabled bool     `json:"enabled"`
	Focused bool     `json:"focused"`
	Hidden  bool     `json:"hidden"`
	Actions []string `json:"actions,omitempty"`
}

// Bounds mirrors osfacade.Bounds with json tags, keeping internal
// packages free of serialization concerns.
type Bounds struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Input is the applications/{pid}/inputs/{id} (or desktopInputs/{id})
// resource.
type Input struct {
	Name  string `json:"name"`
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}

// Observation is the applications/{pid}/observations/{id} resource.
type Observation struct {
	Name         string        `json:"name"`
	PID          int           `json:"pid"`
	Type         string        `json:"type"`
	PollInterval time.Duration `json:"pollInterval"`
	State        string        `json:"state"`
}

// ObservationEvent is one entry in an observation's event stream.
type ObservationEvent struct {
	Seq    uint64 `json:"seq"`
	Kind   string `json:"kind"`
	PID    int    `json:"pid"`
	Title  string `json:"title,omitempty"`
	Bounds Bounds `json:"bounds"`
}

func windowFromAuthority(w authority.Window) Window {
	return Window{
		Name:     w.Name,
		PID:      w.PID,
		WindowID: w.WindowID,
		Title:    w.Title,
		Bounds:   Bounds{X: w.Bounds.X, Y: w.Bounds.Y, Width: w.Bounds.Width, Height: w.Bounds.Height},
		ZIndex:   w.ZIndex,
		BundleID: w.BundleID,
		Visible:  w.Visible,
	}
}

func windowStateFromAuthority(s authority.State) WindowState {
	return WindowState{
		Resizable:   s.Resizable,
		Minimizable: s.Minimizable,
		Closable:    s.Closable,
		Modal:       s.Modal,
		Floating:    s.Floating,
		AXHidden:    s.AXHidden,
		Minimized:   s.Minimized,
		Focused:     s.Focused,
		Fullscreen:  s.Fullscreen,
	}
}

func elementFromLocator(e locator.Element) Element {
	return Element{
		ID:      e.ID,
		Role:    e.Role,
		Subrole: e.Subrole,
		Title:   e.Title,
		Value:   e.Value,
		Bounds:  Bounds{X: e.Bounds.X, Y: e.Bounds.Y, Width: e.Bounds.Width, Height: e.Bounds.Height},
		Path:    append([]int(nil), e.Path...),
		Enabled: e.Enabled,
		Focused: e.Focused,
		Hidden:  e.Hidden,
		Actions: append([]string(nil), e.Actions...),
	}
}

func inputStateString(s store.InputState) string {
	switch s {
	case store.InputPending:
		return "pending"
	case store.InputExecuting:
		return "executing"
	case store.InputCompleted:
		return "completed"
	case store.InputFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func observationStateString(s observe.State) string {
	switch s {
	case observe.StateActive:
		return "active"
	case observe.StateCompleted:
		return "completed"
	case observe.StateCancelled:
		return "cancelled"
	case observe.StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func eventKindString(k observe.Kind) string {
	return k.String()
}
