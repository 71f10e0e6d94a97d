// Copyright 2025 Joseph Cumines

package registry

import (
	"context"
	"testing"

	"github.com/joeycumines/macos-authority/internal/osfacade"
)

func TestSnapshot_UniquenessAndFiltering(t *testing.T) {
	fake := osfacade.NewFake()
	fake.SetCompositorWindows([]osfacade.CompositorWindow{
		{WindowID: 1, PID: 100, Bounds: osfacade.Bounds{Width: 800, Height: 600}, Layer: 0, Alpha: 1, OnScreen: true},
		{WindowID: 2, PID: 100, Bounds: osfacade.Bounds{Width: 800, Height: 600}, Layer: 25, Alpha: 1, OnScreen: true}, // menu bar, excluded
		{WindowID: 3, PID: 200, Bounds: osfacade.Bounds{Width: 1, Height: 1}, Layer: 0, Alpha: 1, OnScreen: true},     // too small, excluded
		{WindowID: 4, PID: 200, Bounds: osfacade.Bounds{Width: 800, Height: 600}, Layer: 0, Alpha: 0.01, OnScreen: true}, // ghost, excluded
	})

	r := New(fake, nil)
	if err := r.Snapshot(context.Background()); err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}

	all := r.List()
	if len(all) != 1 {
		t.Fatalf("expected 1 window to survive filtering, got %d: %+v", len(all), all)
	}
	if all[0].WindowID != 1 {
		t.Errorf("expected window id 1, got %d", all[0].WindowID)
	}

	seen := map[uint32]bool{}
	for _, w := range all {
		if seen[w.WindowID] {
			t.Fatalf("duplicate window id %d in snapshot", w.WindowID)
		}
		seen[w.WindowID] = true
	}
}

func TestGet_MissingEntry(t *testing.T) {
	r := New(osfacade.NewFake(), nil)
	if _, ok := r.Get(999); ok {
		t.Fatal("expected missing entry for unknown window id")
	}
}

func TestListForPID(t *testing.T) {
	fake := osfacade.NewFake()
	fake.SetCompositorWindows([]osfacade.CompositorWindow{
		{WindowID: 1, PID: 100, Bounds: osfacade.Bounds{Width: 800, Height: 600}, Alpha: 1, OnScreen: true},
		{WindowID: 2, PID: 200, Bounds: osfacade.Bounds{Width: 800, Height: 600}, Alpha: 1, OnScreen: true},
	})
	r := New(fake, nil)
	if err := r.Snapshot(context.Background()); err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}

	got := r.ListForPID(100)
	if len(got) != 1 || got[0].WindowID != 1 {
		t.Fatalf("ListForPID(100) = %+v", got)
	}
}

func TestInvalidate_RefreshesFromFacade(t *testing.T) {
	fake := osfacade.NewFake()
	fake.SetCompositorWindows([]osfacade.CompositorWindow{
		{WindowID: 1, PID: 100, Bounds: osfacade.Bounds{Width: 800, Height: 600}, Alpha: 1, OnScreen: true},
	})
	r := New(fake, nil)
	if err := r.Snapshot(context.Background()); err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}

	// Simulate the window moving off-screen entirely between snapshots.
	fake.SetCompositorWindows(nil)

	if err := r.Invalidate(context.Background(), 1); err != nil {
		t.Fatalf("Invalidate() error = %v", err)
	}
	if _, ok := r.Get(1); ok {
		t.Fatal("expected window 1 to be gone after invalidate-triggered refresh")
	}
}
