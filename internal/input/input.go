// Copyright 2025 Joseph Cumines

// Package input implements the Input Dispatcher: it consumes a pending
// Input resource, translates its tagged action into one or more synthetic
// facade events, and drives the resource's pending -> executing ->
// {completed | failed} state machine.
package input

import (
	"context"
	"log/slog"

	"github.com/joeycumines/macos-authority/internal/osfacade"
	"github.com/joeycumines/macos-authority/internal/rpcerr"
	"github.com/joeycumines/macos-authority/internal/store"
)

// Dispatcher owns a facade reference and the Input resource class.
type Dispatcher struct {
	facade osfacade.Facade
	inputs *store.InputRegistry
	logger *slog.Logger
}

// New constructs a Dispatcher. logger may be nil.
func New(facade osfacade.Facade, inputs *store.InputRegistry, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Dispatcher{facade: facade, inputs: inputs, logger: logger}
}

// Enqueue creates a pending Input under parent and immediately dispatches
// it synchronously, returning once it reaches a terminal state. The
// Input's own state transitions (not this call returning an error) are
// the source of truth for success/failure; a non-nil return here only
// signals a registry invariant violation.
func (d *Dispatcher) Enqueue(ctx context.Context, parent string, action store.InputAction) (*store.Input, error) {
	in := d.inputs.Create(parent, action)
	if err := d.inputs.Transition(in, store.InputExecuting, nil); err != nil {
		return in, err
	}

	descriptors, err := translate(action)
	if err != nil {
		failErr, ok := err.(*rpcerr.Error)
		if !ok {
			failErr = rpcerr.InvalidArgument("invalid_input_action", "%v", err)
		}
		_ = d.inputs.Transition(in, store.InputFailed, failErr)
		return in, nil
	}

	for _, desc := range descriptors {
		if err := d.facade.SynthEvent(ctx, desc); err != nil {
			failErr := rpcerr.Internal("synth_event_failed", "dispatching %s input: %v", action.Kind, err)
			_ = d.inputs.Transition(in, store.InputFailed, failErr)
			d.logger.Warn("input dispatch failed", slog.String("name", in.Name), slog.String("kind", action.Kind), slog.Any("error", err))
			return in, nil
		}
	}

	_ = d.inputs.Transition(in, store.InputCompleted, nil)
	return in, nil
}

// translate maps a tagged input action to the ordered facade events that
// realize it. Retries, if any, are the caller's responsibility; this
// function issues each action exactly once.
func translate(a store.InputAction) ([]osfacade.EventDescriptor, error) {
	switch a.Kind {
	case "click":
		return clickSequence(a, 1, osfacade.ButtonLeft), nil
	case "double_click":
		return clickSequence(a, 2, osfacade.ButtonLeft), nil
	case "right_click":
		return clickSequence(a, 1, osfacade.ButtonRight), nil
	case "type_text":
		return typeText(a), nil
	case "key_press":
		return []osfacade.EventDescriptor{
			{Kind: osfacade.EventKeyDown, KeyCode: a.KeyCode, Modifiers: a.Modifiers},
			{Kind: osfacade.EventKeyUp, KeyCode: a.KeyCode, Modifiers: a.Modifiers},
		}, nil
	case "mouse_move", "hover":
		return []osfacade.EventDescriptor{
			{Kind: osfacade.EventMouseMove, Point: a.Point, Modifiers: a.Modifiers},
		}, nil
	case "scroll":
		return []osfacade.EventDescriptor{
			{Kind: osfacade.EventScroll, Point: a.Point, DeltaX: a.DeltaX, DeltaY: a.DeltaY, Modifiers: a.Modifiers},
		}, nil
	case "drag":
		return []osfacade.EventDescriptor{
			{Kind: osfacade.EventMouseDown, Point: a.Point, Button: osfacade.ButtonLeft, ClickCount: 1, Modifiers: a.Modifiers},
			{Kind: osfacade.EventMouseDrag, Point: osfacade.Point{X: a.Point.X + a.DeltaX, Y: a.Point.Y + a.DeltaY}, Button: osfacade.ButtonLeft, Modifiers: a.Modifiers},
			{Kind: osfacade.EventMouseUp, Point: osfacade.Point{X: a.Point.X + a.DeltaX, Y: a.Point.Y + a.DeltaY}, Button: osfacade.ButtonLeft, Modifiers: a.Modifiers},
		}, nil
	case "gesture":
		return []osfacade.EventDescriptor{
			{
				Kind:      osfacade.EventGesture,
				Point:     a.Point,
				Gesture:   a.Gesture,
				Scale:     a.Scale,
				Rotation:  a.Rotation,
				Fingers:   a.Fingers,
				Direction: a.Direction,
				Modifiers: a.Modifiers,
			},
		}, nil
	default:
		return nil, rpcerr.InvalidArgument("unknown_action_kind", "unrecognised input action kind %q", a.Kind)
	}
}

func clickSequence(a store.InputAction, count int, button osfacade.MouseButton) []osfacade.EventDescriptor {
	down := osfacade.EventDescriptor{Kind: osfacade.EventMouseDown, Point: a.Point, Button: button, ClickCount: count, Modifiers: a.Modifiers}
	up := osfacade.EventDescriptor{Kind: osfacade.EventMouseUp, Point: a.Point, Button: button, ClickCount: count, Modifiers: a.Modifiers}
	out := make([]osfacade.EventDescriptor, 0, 2*count)
	for i := 0; i < count; i++ {
		out = append(out, down, up)
	}
	return out
}

func typeText(a store.InputAction) []osfacade.EventDescriptor {
	out := make([]osfacade.EventDescriptor, 0, 2*len([]rune(a.Text)))
	for _, r := range a.Text {
		out = append(out,
			osfacade.EventDescriptor{Kind: osfacade.EventKeyDown, KeyCode: uint16(r), Modifiers: a.Modifiers},
			osfacade.EventDescriptor{Kind: osfacade.EventKeyUp, KeyCode: uint16(r), Modifiers: a.Modifiers},
		)
	}
	return out
}
