// Copyright 2025 Joseph Cumines

// Package osfacade exposes a narrow capability interface over compositor
// window enumeration, the accessibility tree, and synthetic input. It is
// the only package in this module permitted to touch the operating system
// directly; every other component depends on the Facade interface so a
// fake implementation can stand in for tests.
package osfacade

import "context"

// Bounds is a rectangle in the global top-left coordinate space: origin
// (0,0) at the top-left of the main display, y increasing downward.
type Bounds struct {
	X, Y, Width, Height float64
}

// Point is a 2D coordinate in the global top-left coordinate space.
type Point struct {
	X, Y float64
}

// Size is a width/height pair.
type Size struct {
	Width, Height float64
}

// CompositorWindow is one entry from the global display-list query. It is
// immutable once produced.
type CompositorWindow struct {
	WindowID     uint32
	PID          int
	Bundle       string
	Bounds       Bounds
	Layer        int
	OnScreen     bool
	Alpha        float64
	Title        string
	SharingState int
}

// ListOptions narrows a compositor enumeration.
type ListOptions struct {
	ExcludeDesktop   bool
	IncludeOffscreen bool
}

// AXHandle is an opaque per-process accessibility element handle. Its
// identity is the token itself: it is never comparable across fetches by
// value, and a fresh fetch for the same logical element may return a
// different handle. Concrete facades are responsible for lifetime
// management (e.g. releasing an underlying CFTypeRef via a finalizer);
// callers must treat it as opaque.
type AXHandle interface {
	// axHandle is unexported so only this module's facades can produce one.
	axHandle()
}

// AttrKind tags the payload carried by an AttrValue.
type AttrKind int

const (
	AttrString AttrKind = iota
	AttrBool
	AttrPoint
	AttrSize
	AttrHandle
	AttrHandleList
	AttrStringList
)

// AttrValue is the tagged variant used for load-bearing AX attributes
// (position, size, minimized, hidden, title, focused, modal, subrole,
// children, windows). Callers switch on Kind to find the right field.
type AttrValue struct {
	Kind    AttrKind
	Str     string
	Bool    bool
	Point   Point
	Size    Size
	Handle  AXHandle
	Handles []AXHandle
	Strings []string
}

// AXStatus is a preserved AX error code: 0 means success, non-zero codes
// let callers distinguish cannot-complete, invalid-element, api-disabled,
// and similar conditions instead of collapsing everything into "failed".
type AXStatus int

const (
	AXSuccess AXStatus = iota
	AXFailure
	AXIllegalArgument
	AXInvalidUIElement
	AXInvalidUIElementObserver
	AXCannotComplete
	AXAttributeUnsupported
	AXActionUnsupported
	AXNotificationUnsupported
	AXNotImplemented
	AXAPIDisabled
	AXNotEnoughPrecision
)

func (s AXStatus) Error() string {
	switch s {
	case AXSuccess:
		return "success"
	case AXFailure:
		return "generic failure"
	case AXIllegalArgument:
		return "illegal argument"
	case AXInvalidUIElement:
		return "invalid ui element"
	case AXInvalidUIElementObserver:
		return "invalid ui element observer"
	case AXCannotComplete:
		return "cannot complete"
	case AXAttributeUnsupported:
		return "attribute unsupported"
	case AXActionUnsupported:
		return "action unsupported"
	case AXNotificationUnsupported:
		return "notification unsupported"
	case AXNotImplemented:
		return "not implemented"
	case AXAPIDisabled:
		return "accessibility api disabled"
	case AXNotEnoughPrecision:
		return "not enough precision"
	default:
		return "unknown ax status"
	}
}

// EventKind tags a synthetic input descriptor.
type EventKind int

const (
	EventMouseMove EventKind = iota
	EventMouseDown
	EventMouseUp
	EventMouseDrag
	EventScroll
	EventKeyDown
	EventKeyUp
	EventGesture
)

// MouseButton identifies which mouse button an event targets.
type MouseButton int

const (
	ButtonLeft MouseButton = iota
	ButtonRight
	ButtonMiddle
)

// GestureKind identifies a trackpad gesture type.
type GestureKind int

const (
	GesturePinch GestureKind = iota
	GestureZoom
	GestureRotate
	GestureSwipe
	GestureForceTouch
)

// Modifiers is a bitmask of held modifier keys.
type Modifiers uint8

const (
	ModCommand Modifiers = 1 << iota
	ModOption
	ModControl
	ModShift
	ModFunction
	ModCapsLock
)

// EventDescriptor describes one synthetic input event to post.
type EventDescriptor struct {
	Kind       EventKind
	Point      Point
	Button     MouseButton
	ClickCount int
	DeltaX     float64
	DeltaY     float64
	KeyCode    uint16
	Modifiers  Modifiers
	Gesture    GestureKind
	Scale      float64
	Rotation   float64
	Fingers    int
	Direction  string
}

// Facade is the narrow capability interface over the two macOS subsystems
// this system bridges: the compositor and the accessibility tree, plus
// input synthesis. Implementations are pure data in, pure data out and
// hold no observable state besides a lazily-resolved, cached dlsym lookup.
type Facade interface {
	// ListCompositorWindows enumerates the global window list. On internal
	// failure it returns an empty slice and a nil error: enumeration must
	// remain live even when a single query misbehaves.
	ListCompositorWindows(ctx context.Context, opts ListOptions) ([]CompositorWindow, error)

	// BundleForPID resolves a running process id to its bundle identifier.
	BundleForPID(pid int) (string, bool)

	// AXApplication opens the accessibility application object for pid, or
	// returns an error if the process refuses AX queries.
	AXApplication(ctx context.Context, pid int) (AXHandle, error)

	// AXAttribute reads a single attribute; ok is false if the attribute is
	// absent (distinct from an error, which indicates the call itself failed).
	AXAttribute(ctx context.Context, h AXHandle, key string) (value AttrValue, ok bool, err error)

	// AXAttributesBatch reads several attributes in one round trip.
	AXAttributesBatch(ctx context.Context, h AXHandle, keys []string) (map[string]AttrValue, error)

	// AXSetAttribute writes an attribute, returning the preserved AX status.
	AXSetAttribute(ctx context.Context, h AXHandle, key string, value AttrValue) AXStatus

	// AXPerformAction performs a named AX action.
	AXPerformAction(ctx context.Context, h AXHandle, action string) AXStatus

	// AXChildren returns the generic children collection of h.
	AXChildren(ctx context.Context, h AXHandle) ([]AXHandle, error)

	// AXActions returns the names of the actions h supports.
	AXActions(ctx context.Context, h AXHandle) ([]string, error)

	// AXWindows returns the windows attribute of an application handle.
	AXWindows(ctx context.Context, app AXHandle) ([]AXHandle, error)

	// AXWindowID resolves h to its compositor window id via the private
	// bridging symbol. ok is false if the symbol is unavailable or the
	// lookup failed for this handle; callers must fall back to heuristics.
	AXWindowID(ctx context.Context, h AXHandle) (id uint32, ok bool)

	// SynthEvent posts a synthetic mouse/keyboard/gesture event.
	SynthEvent(ctx context.Context, d EventDescriptor) error
}
