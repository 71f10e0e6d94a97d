// Copyright 2025 Joseph Cumines

package input

import (
	"context"
	"testing"

	"github.com/joeycumines/macos-authority/internal/osfacade"
	"github.com/joeycumines/macos-authority/internal/store"
)

func TestDispatcher_ClickSequenceIsDownUp(t *testing.T) {
	fake := osfacade.NewFake()
	d := New(fake, store.NewInputRegistry(10), nil)

	in, err := d.Enqueue(context.Background(), "applications/1", store.InputAction{Kind: "click", Point: osfacade.Point{X: 10, Y: 20}})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if in.State() != store.InputCompleted {
		t.Fatalf("expected completed, got %v (%v)", in.State(), in.Err())
	}

	events := fake.Events()
	if len(events) != 2 || events[0].Kind != osfacade.EventMouseDown || events[1].Kind != osfacade.EventMouseUp {
		t.Fatalf("expected a down/up pair, got %+v", events)
	}
}

func TestDispatcher_DoubleClickEmitsTwoPairs(t *testing.T) {
	fake := osfacade.NewFake()
	d := New(fake, store.NewInputRegistry(10), nil)

	_, err := d.Enqueue(context.Background(), "applications/1", store.InputAction{Kind: "double_click", Point: osfacade.Point{X: 1, Y: 1}})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	events := fake.Events()
	if len(events) != 4 {
		t.Fatalf("expected 4 events for a double click, got %d", len(events))
	}
}

func TestDispatcher_TypeTextEmitsPerRune(t *testing.T) {
	fake := osfacade.NewFake()
	d := New(fake, store.NewInputRegistry(10), nil)

	_, err := d.Enqueue(context.Background(), "applications/1", store.InputAction{Kind: "type_text", Text: "hi"})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	events := fake.Events()
	if len(events) != 4 {
		t.Fatalf("expected 4 key events for 2 runes, got %d", len(events))
	}
}

func TestDispatcher_GestureCarriesAllFields(t *testing.T) {
	fake := osfacade.NewFake()
	d := New(fake, store.NewInputRegistry(10), nil)

	in, err := d.Enqueue(context.Background(), "applications/1", store.InputAction{
		Kind:    "gesture",
		Point:   osfacade.Point{X: 5, Y: 5},
		Gesture: osfacade.GesturePinch,
		Scale:   0.5,
		Fingers: 2,
	})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if in.State() != store.InputCompleted {
		t.Fatalf("expected completed, got %v", in.State())
	}
	events := fake.Events()
	if len(events) != 1 || events[0].Kind != osfacade.EventGesture || events[0].Scale != 0.5 || events[0].Fingers != 2 {
		t.Fatalf("expected a single gesture event carrying scale/fingers, got %+v", events)
	}
}

func TestDispatcher_UnknownActionFailsWithoutDispatching(t *testing.T) {
	fake := osfacade.NewFake()
	d := New(fake, store.NewInputRegistry(10), nil)

	in, err := d.Enqueue(context.Background(), "applications/1", store.InputAction{Kind: "teleport"})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if in.State() != store.InputFailed {
		t.Fatalf("expected failed for an unrecognised action kind, got %v", in.State())
	}
	if len(fake.Events()) != 0 {
		t.Fatal("expected no synthetic events to be posted for a rejected action")
	}
}

func TestDispatcher_SynthFailureFailsTheInput(t *testing.T) {
	fake := osfacade.NewFake()
	fake.SynthEventErr = errSynthBoom
	d := New(fake, store.NewInputRegistry(10), nil)

	in, err := d.Enqueue(context.Background(), "applications/1", store.InputAction{Kind: "click"})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if in.State() != store.InputFailed {
		t.Fatalf("expected failed when SynthEvent errors, got %v", in.State())
	}
}

var errSynthBoom = &testErr{"synth boom"}

type testErr struct{ s string }

func (e *testErr) Error() string { return e.s }
