// Copyright 2025 Joseph Cumines

package rpcapi

import (
	"context"
	"strings"
	"testing"
	"time"

	"google.golang.org/grpc/codes"

	"github.com/joeycumines/macos-authority/internal/locator"
	"github.com/joeycumines/macos-authority/internal/osfacade"
	"github.com/joeycumines/macos-authority/internal/rpcerr"
	"github.com/joeycumines/macos-authority/internal/store"
)

func newTestService(t *testing.T) (*Service, *osfacade.Fake) {
	t.Helper()
	fake := osfacade.NewFake()
	svc := NewService(context.Background(), fake, Options{
		PollInterval:     5 * time.Millisecond,
		PollUntilTimeout: 200 * time.Millisecond,
	}, nil)
	return svc, fake
}

func seedWindow(fake *osfacade.Fake, pid int, windowID uint32, title string) *osfacade.Node {
	win := osfacade.NewNode(map[string]osfacade.AttrValue{
		"AXPosition":  {Kind: osfacade.AttrPoint, Point: osfacade.Point{X: 10, Y: 20}},
		"AXSize":      {Kind: osfacade.AttrSize, Size: osfacade.Size{Width: 800, Height: 600}},
		"AXTitle":     {Kind: osfacade.AttrString, Str: title},
		"AXMinimized": {Kind: osfacade.AttrBool, Bool: false},
		"AXHidden":    {Kind: osfacade.AttrBool, Bool: false},
	})
	root := osfacade.NewNode(map[string]osfacade.AttrValue{
		"AXWindows": {Kind: osfacade.AttrHandleList, Handles: []osfacade.AXHandle{osfacade.HandleFor(win)}},
	})
	fake.SetApplication(pid, root)
	fake.SetBundle(pid, "com.example.app")
	fake.SetBridgingAvailable(true)
	fake.SetWindowBridge(win, windowID)
	fake.SetCompositorWindows([]osfacade.CompositorWindow{
		{WindowID: windowID, PID: pid, Bundle: "com.example.app", Bounds: osfacade.Bounds{X: 10, Y: 20, Width: 800, Height: 600}, Layer: 0, OnScreen: true, Alpha: 1, Title: title},
	})
	return win
}

func TestService_ListThenMoveThenGet(t *testing.T) {
	svc, fake := newTestService(t)
	seedWindow(fake, 42, 7, "Untitled")

	windows, next, err := svc.ListWindows(context.Background(), "applications/42", 0, "")
	if err != nil {
		t.Fatalf("ListWindows() error = %v", err)
	}
	if next != "" || len(windows) != 1 {
		t.Fatalf("expected a single window, got %d (next %q)", len(windows), next)
	}
	name := windows[0].Name
	if name != "applications/42/windows/7" {
		t.Fatalf("unexpected resource name %q", name)
	}
	if windows[0].Visible != nil {
		t.Fatal("registry-only listing must leave Visible unknown")
	}

	moved, err := svc.MoveWindow(context.Background(), name, 100, 100)
	if err != nil {
		t.Fatalf("MoveWindow() error = %v", err)
	}
	if moved.Window.Bounds.X != 100 || moved.Window.Bounds.Y != 100 {
		t.Fatalf("expected post-mutation origin (100,100), got (%v,%v)", moved.Window.Bounds.X, moved.Window.Bounds.Y)
	}

	got, err := svc.GetWindow(context.Background(), name)
	if err != nil {
		t.Fatalf("GetWindow() error = %v", err)
	}
	if got.Bounds.X != 100 || got.Bounds.Y != 100 {
		t.Fatalf("expected fresh bounds after mutation, got (%v,%v)", got.Bounds.X, got.Bounds.Y)
	}
	if got.Visible == nil || !*got.Visible {
		t.Fatalf("expected visible=true, got %v", got.Visible)
	}
}

func TestService_MalformedNamesAreInvalidArgument(t *testing.T) {
	svc, _ := newTestService(t)
	cases := []func() error{
		func() error { _, _, err := svc.ListWindows(context.Background(), "apps/42", 0, ""); return err },
		func() error { _, err := svc.GetWindow(context.Background(), "applications/42/windows"); return err },
		func() error { _, err := svc.GetWindow(context.Background(), "applications/x/windows/7"); return err },
		func() error { _, err := svc.GetApplication("applications"); return err },
		func() error { _, err := svc.MoveWindow(context.Background(), "windows/7", 0, 0); return err },
	}
	for i, call := range cases {
		if err := call(); rpcerr.CodeOf(err) != codes.InvalidArgument {
			t.Fatalf("case %d: expected invalid-argument, got %v", i, err)
		}
	}
}

func TestService_OpenApplicationOperation(t *testing.T) {
	svc, fake := newTestService(t)
	seedWindow(fake, 42, 7, "Untitled")

	opName := svc.OpenApplication(42)
	op, ok := svc.Operations().Get(opName)
	if !ok {
		t.Fatalf("operation %s not registered", opName)
	}

	deadline := time.Now().Add(time.Second)
	for {
		done, response, opErr := op.Snapshot()
		if done {
			if opErr != nil {
				t.Fatalf("operation failed: %v", opErr)
			}
			app, ok := response.(Application)
			if !ok || app.PID != 42 {
				t.Fatalf("unexpected operation response %+v", response)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("operation never completed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	got, err := svc.GetApplication("applications/42")
	if err != nil {
		t.Fatalf("GetApplication() error = %v", err)
	}
	if got.Bundle != "com.example.app" {
		t.Fatalf("expected bundle from facade, got %q", got.Bundle)
	}
}

func TestService_OpenApplicationUnknownPIDFails(t *testing.T) {
	svc, _ := newTestService(t)

	opName := svc.OpenApplication(9999)
	op, _ := svc.Operations().Get(opName)

	deadline := time.Now().Add(time.Second)
	for {
		done, _, opErr := op.Snapshot()
		if done {
			if rpcerr.CodeOf(opErr) != codes.NotFound {
				t.Fatalf("expected not-found, got %v", opErr)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("operation never completed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestService_DesktopInputNaming(t *testing.T) {
	svc, fake := newTestService(t)

	in, err := svc.CreateInput(context.Background(), "", store.InputAction{
		Kind:  "click",
		Point: osfacade.Point{X: 5, Y: 5},
	})
	if err != nil {
		t.Fatalf("CreateInput() error = %v", err)
	}
	if !strings.HasPrefix(in.Name, "desktopInputs/") {
		t.Fatalf("expected a desktopInputs name, got %q", in.Name)
	}
	if in.State != "completed" {
		t.Fatalf("expected completed input, got %q (%s)", in.State, in.Error)
	}
	if events := fake.Events(); len(events) != 2 {
		t.Fatalf("expected mouse down+up, got %d events", len(events))
	}
}

func TestService_InputRequiresTrackedApplication(t *testing.T) {
	svc, fake := newTestService(t)
	seedWindow(fake, 42, 7, "Untitled")

	_, err := svc.CreateInput(context.Background(), "applications/42", store.InputAction{Kind: "click"})
	if rpcerr.CodeOf(err) != codes.NotFound {
		t.Fatalf("expected not-found for untracked application, got %v", err)
	}

	if _, err := svc.CreateApplication(42); err != nil {
		t.Fatalf("CreateApplication() error = %v", err)
	}
	in, err := svc.CreateInput(context.Background(), "applications/42", store.InputAction{Kind: "click"})
	if err != nil {
		t.Fatalf("CreateInput() error = %v", err)
	}
	if !strings.HasPrefix(in.Name, "applications/42/inputs/") {
		t.Fatalf("expected an application-scoped input name, got %q", in.Name)
	}
}

func TestService_TypeThenReadResult(t *testing.T) {
	svc, fake := newTestService(t)
	fake.SetBundle(7, "com.apple.calculator")
	display := osfacade.NewNode(map[string]osfacade.AttrValue{
		"AXRole":  {Kind: osfacade.AttrString, Str: "AXStaticText"},
		"AXValue": {Kind: osfacade.AttrString, Str: "5"},
	})
	root := osfacade.NewNode(map[string]osfacade.AttrValue{
		"AXRole": {Kind: osfacade.AttrString, Str: "AXWindow"},
	}, display)
	fake.SetApplication(7, root)

	if _, err := svc.CreateApplication(7); err != nil {
		t.Fatalf("CreateApplication() error = %v", err)
	}
	for _, key := range []string{"2", "+", "3", "="} {
		in, err := svc.CreateInput(context.Background(), "applications/7", store.InputAction{Kind: "type_text", Text: key})
		if err != nil {
			t.Fatalf("CreateInput(%q) error = %v", key, err)
		}
		if in.State != "completed" {
			t.Fatalf("input %q did not complete: %s", key, in.Error)
		}
	}

	els, err := svc.TraverseAccessibility(context.Background(), "applications/7", &locator.Selector{
		Kind: locator.SelectorRole,
		Role: "AXStaticText",
	}, false)
	if err != nil {
		t.Fatalf("TraverseAccessibility() error = %v", err)
	}
	if len(els) != 1 || els[0].Value != "5" {
		t.Fatalf("expected the result display to read 5, got %+v", els)
	}
}

func TestService_TraverseRejectsInvalidRegex(t *testing.T) {
	svc, fake := newTestService(t)
	seedWindow(fake, 42, 7, "Untitled")

	_, err := svc.TraverseAccessibility(context.Background(), "applications/42", &locator.Selector{
		Kind:    locator.SelectorTextRegex,
		Pattern: "(",
	}, false)
	if rpcerr.CodeOf(err) != codes.InvalidArgument {
		t.Fatalf("expected invalid-argument for a bad regex, got %v", err)
	}
}

func TestService_ClickElementAfterTraverse(t *testing.T) {
	svc, fake := newTestService(t)
	btn := osfacade.NewNode(map[string]osfacade.AttrValue{
		"AXRole":  {Kind: osfacade.AttrString, Str: "AXButton"},
		"AXTitle": {Kind: osfacade.AttrString, Str: "OK"},
	})
	root := osfacade.NewNode(map[string]osfacade.AttrValue{
		"AXRole": {Kind: osfacade.AttrString, Str: "AXWindow"},
	}, btn)
	fake.SetApplication(42, root)

	els, err := svc.TraverseAccessibility(context.Background(), "applications/42", &locator.Selector{
		Kind: locator.SelectorRole,
		Role: "AXButton",
	}, false)
	if err != nil {
		t.Fatalf("TraverseAccessibility() error = %v", err)
	}
	if len(els) != 1 {
		t.Fatalf("expected exactly the button, got %d elements", len(els))
	}

	var pressed []string
	fake.PerformActionHook = func(n *osfacade.Node, action string) osfacade.AXStatus {
		pressed = append(pressed, action)
		return osfacade.AXSuccess
	}
	if err := svc.ClickElement(context.Background(), els[0].ID); err != nil {
		t.Fatalf("ClickElement() error = %v", err)
	}
	if len(pressed) != 1 || pressed[0] != "AXPress" {
		t.Fatalf("expected a single AXPress, got %v", pressed)
	}

	if err := svc.ClickElement(context.Background(), "no-such-id"); rpcerr.CodeOf(err) != codes.NotFound {
		t.Fatalf("expected not-found for an uncached element, got %v", err)
	}
}

func TestService_WaitElementCompletesOnMatch(t *testing.T) {
	svc, fake := newTestService(t)
	root := osfacade.NewNode(map[string]osfacade.AttrValue{
		"AXRole": {Kind: osfacade.AttrString, Str: "AXWindow"},
	}, osfacade.NewNode(map[string]osfacade.AttrValue{
		"AXRole":  {Kind: osfacade.AttrString, Str: "AXButton"},
		"AXTitle": {Kind: osfacade.AttrString, Str: "OK"},
	}))
	fake.SetApplication(42, root)

	opName, err := svc.WaitElement("applications/42", &locator.Selector{Kind: locator.SelectorRole, Role: "AXButton"}, time.Second)
	if err != nil {
		t.Fatalf("WaitElement() error = %v", err)
	}
	op, _ := svc.Operations().Get(opName)
	deadline := time.Now().Add(2 * time.Second)
	for {
		done, _, opErr := op.Snapshot()
		if done {
			if opErr != nil {
				t.Fatalf("expected completion, got %v", opErr)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("operation never completed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestService_WaitElementTimesOut(t *testing.T) {
	svc, fake := newTestService(t)
	fake.SetApplication(42, osfacade.NewNode(map[string]osfacade.AttrValue{
		"AXRole": {Kind: osfacade.AttrString, Str: "AXWindow"},
	}))

	opName, err := svc.WaitElement("applications/42", &locator.Selector{Kind: locator.SelectorRole, Role: "AXButton"}, 150*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitElement() error = %v", err)
	}
	op, _ := svc.Operations().Get(opName)
	deadline := time.Now().Add(2 * time.Second)
	for {
		done, _, opErr := op.Snapshot()
		if done {
			if rpcerr.CodeOf(opErr) != codes.DeadlineExceeded {
				t.Fatalf("expected deadline-exceeded, got %v", opErr)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("operation never finished")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestService_ObservationLifecycle(t *testing.T) {
	svc, fake := newTestService(t)
	seedWindow(fake, 42, 7, "Untitled")

	opName, err := svc.CreateObservation("applications/42", 100*time.Millisecond, false)
	if err != nil {
		t.Fatalf("CreateObservation() error = %v", err)
	}
	op, _ := svc.Operations().Get(opName)
	done, response, opErr := op.Snapshot()
	if !done || opErr != nil {
		t.Fatalf("expected immediately-done create operation, got done=%v err=%v", done, opErr)
	}
	obs := response.(Observation)
	if obs.PID != 42 || obs.State != "active" {
		t.Fatalf("unexpected observation resource %+v", obs)
	}

	got, err := svc.GetObservation(obs.Name)
	if err != nil {
		t.Fatalf("GetObservation() error = %v", err)
	}
	if got.State != "active" {
		t.Fatalf("expected active, got %q", got.State)
	}

	cancelled, err := svc.CancelObservation(obs.Name)
	if err != nil {
		t.Fatalf("CancelObservation() error = %v", err)
	}
	if cancelled.State != "cancelled" {
		t.Fatalf("expected cancelled, got %q", cancelled.State)
	}

	var events []ObservationEvent
	err = svc.WatchObservation(context.Background(), obs.Name, func(ev ObservationEvent) error {
		events = append(events, ev)
		return nil
	})
	if err != nil {
		t.Fatalf("WatchObservation() error = %v", err)
	}
	if len(events) == 0 || events[len(events)-1].Kind != "cancelled" {
		t.Fatalf("expected a final cancelled event, got %+v", events)
	}
	for i := 1; i < len(events); i++ {
		if events[i].Seq <= events[i-1].Seq {
			t.Fatalf("expected strictly increasing sequence numbers, got %+v", events)
		}
	}
}
