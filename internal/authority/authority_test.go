// Copyright 2025 Joseph Cumines

package authority

import (
	"context"
	"testing"
	"time"

	"github.com/joeycumines/macos-authority/internal/osfacade"
	"github.com/joeycumines/macos-authority/internal/registry"
	"github.com/joeycumines/macos-authority/internal/rpcerr"
	"google.golang.org/grpc/codes"
)

func setup(t *testing.T) (*osfacade.Fake, *registry.Registry, *Authority, *osfacade.Node) {
	t.Helper()
	fake := osfacade.NewFake()
	win := osfacade.NewNode(map[string]osfacade.AttrValue{
		"AXPosition": {Kind: osfacade.AttrPoint, Point: osfacade.Point{X: 0, Y: 0}},
		"AXSize":     {Kind: osfacade.AttrSize, Size: osfacade.Size{Width: 800, Height: 600}},
		"AXTitle":    {Kind: osfacade.AttrString, Str: "Untitled"},
		"AXMinimized": {Kind: osfacade.AttrBool, Bool: false},
		"AXHidden":    {Kind: osfacade.AttrBool, Bool: false},
	})
	root := osfacade.NewNode(map[string]osfacade.AttrValue{
		"AXWindows": {Kind: osfacade.AttrHandleList, Handles: []osfacade.AXHandle{osfacade.HandleFor(win)}},
	})
	fake.SetApplication(42, root)
	fake.SetBridgingAvailable(true)
	fake.SetWindowBridge(win, 7)
	fake.SetCompositorWindows([]osfacade.CompositorWindow{
		{WindowID: 7, PID: 42, Bundle: "com.example.app", Bounds: osfacade.Bounds{Width: 800, Height: 600}, Layer: 0, OnScreen: true, Alpha: 1, Title: "Untitled"},
	})

	reg := registry.New(fake, nil)
	if err := reg.Snapshot(context.Background()); err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	auth := New(fake, reg, 5*time.Millisecond, 200*time.Millisecond, nil)
	return fake, reg, auth, win
}

func TestGetWindow_VisibilityFormula(t *testing.T) {
	_, _, auth, _ := setup(t)
	w, err := auth.GetWindow(context.Background(), 42, 7)
	if err != nil {
		t.Fatalf("GetWindow() error = %v", err)
	}
	if w.Visible == nil || !*w.Visible {
		t.Fatalf("expected visible=true for a non-minimized, non-hidden window, got %+v", w.Visible)
	}
	if w.BundleID != "com.example.app" {
		t.Fatalf("expected bundle id from registry, got %q", w.BundleID)
	}
}

func TestMoveWindow_PostMutationFreshness(t *testing.T) {
	_, _, auth, _ := setup(t)
	w, err := auth.MoveWindow(context.Background(), 42, 7, 100, 100)
	if err != nil {
		t.Fatalf("MoveWindow() error = %v", err)
	}
	if w.Bounds.X != 100 || w.Bounds.Y != 100 {
		t.Fatalf("expected post-mutation bounds origin (100,100), got (%v,%v)", w.Bounds.X, w.Bounds.Y)
	}

	got, err := auth.GetWindow(context.Background(), 42, 7)
	if err != nil {
		t.Fatalf("GetWindow() error = %v", err)
	}
	if got.Bounds.X != 100 || got.Bounds.Y != 100 {
		t.Fatalf("expected freshness on subsequent GetWindow, got (%v,%v)", got.Bounds.X, got.Bounds.Y)
	}
}

func TestMoveWindow_WindowIDRegeneration(t *testing.T) {
	fake, _, auth, _ := setup(t)
	// Simulate a non-native toolkit that reassigns the window id on
	// geometry changes: applying the position also rebinds the bridge.
	fake.SetAttributeHook = func(n *osfacade.Node, key string, value osfacade.AttrValue) osfacade.AXStatus {
		n.Attrs[key] = value
		if key == "AXPosition" {
			fake.SetWindowBridge(n, 8)
		}
		return osfacade.AXSuccess
	}

	w, err := auth.MoveWindow(context.Background(), 42, 7, 100, 100)
	if err != nil {
		t.Fatalf("MoveWindow() error = %v", err)
	}
	if w.Name != Name(42, 8) {
		t.Fatalf("expected the post-mutation resolved name %s, got %s", Name(42, 8), w.Name)
	}
	if w.WindowID != 8 {
		t.Fatalf("expected the regenerated window id, got %d", w.WindowID)
	}
	if w.Bounds.X != 100 || w.Bounds.Y != 100 {
		t.Fatalf("expected post-mutation bounds origin (100,100), got (%v,%v)", w.Bounds.X, w.Bounds.Y)
	}
}

func TestMinimizeWindow_PollUntilSucceeds(t *testing.T) {
	fake, _, auth, win := setup(t)
	_ = fake
	w, err := auth.MinimizeWindow(context.Background(), 42, 7)
	if err != nil {
		t.Fatalf("MinimizeWindow() error = %v", err)
	}
	if w.Visible == nil || *w.Visible {
		t.Fatalf("expected visible=false once minimized, got %+v", w.Visible)
	}
	v, ok, _ := fake.AXAttribute(context.Background(), osfacade.HandleFor(win), "AXMinimized")
	if !ok || !v.Bool {
		t.Fatal("expected the underlying attribute to have been set")
	}
}

func TestMinimizeWindow_PollUntilTimesOut(t *testing.T) {
	fake := osfacade.NewFake()
	win := osfacade.NewNode(map[string]osfacade.AttrValue{
		"AXPosition": {Kind: osfacade.AttrPoint},
		"AXSize":     {Kind: osfacade.AttrSize},
	})
	root := osfacade.NewNode(map[string]osfacade.AttrValue{
		"AXWindows": {Kind: osfacade.AttrHandleList, Handles: []osfacade.AXHandle{osfacade.HandleFor(win)}},
	})
	fake.SetApplication(1, root)
	fake.SetCompositorWindows([]osfacade.CompositorWindow{
		{WindowID: 1, PID: 1, Bounds: osfacade.Bounds{Width: 1, Height: 1}, Layer: 0, OnScreen: true, Alpha: 1},
	})
	// The attribute never actually flips, simulating an unresponsive app.
	fake.SetAttributeHook = func(n *osfacade.Node, key string, value osfacade.AttrValue) osfacade.AXStatus {
		return osfacade.AXSuccess
	}

	reg := registry.New(fake, nil)
	if err := reg.Snapshot(context.Background()); err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	auth := New(fake, reg, 5*time.Millisecond, 30*time.Millisecond, nil)

	_, err := auth.MinimizeWindow(context.Background(), 1, 1)
	if rpcerr.CodeOf(err) != codes.FailedPrecondition {
		t.Fatalf("expected failed-precondition on poll-until timeout, got %v", err)
	}
}

func TestCloseWindow_UsesCloseButtonSubElement(t *testing.T) {
	fake := osfacade.NewFake()
	closeBtn := osfacade.NewNode(map[string]osfacade.AttrValue{})
	win := osfacade.NewNode(map[string]osfacade.AttrValue{
		"AXPosition":    {Kind: osfacade.AttrPoint},
		"AXSize":        {Kind: osfacade.AttrSize},
		"AXCloseButton": {Kind: osfacade.AttrHandle, Handle: osfacade.HandleFor(closeBtn)},
	})
	root := osfacade.NewNode(map[string]osfacade.AttrValue{
		"AXWindows": {Kind: osfacade.AttrHandleList, Handles: []osfacade.AXHandle{osfacade.HandleFor(win)}},
	})
	fake.SetApplication(1, root)
	fake.SetCompositorWindows([]osfacade.CompositorWindow{
		{WindowID: 1, PID: 1, Bounds: osfacade.Bounds{Width: 1, Height: 1}, Layer: 0, OnScreen: true, Alpha: 1},
	})

	var pressed []*osfacade.Node
	fake.PerformActionHook = func(n *osfacade.Node, action string) osfacade.AXStatus {
		pressed = append(pressed, n)
		return osfacade.AXSuccess
	}

	reg := registry.New(fake, nil)
	if err := reg.Snapshot(context.Background()); err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	auth := New(fake, reg, time.Millisecond, time.Second, nil)

	if err := auth.CloseWindow(context.Background(), 1, 1); err != nil {
		t.Fatalf("CloseWindow() error = %v", err)
	}
	if len(pressed) != 1 || pressed[0] != closeBtn {
		t.Fatalf("expected AXPress performed on the close button sub-element, got %v", pressed)
	}
}
