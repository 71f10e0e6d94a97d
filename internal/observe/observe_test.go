// Copyright 2025 Joseph Cumines

package observe

import (
	"context"
	"testing"
	"time"

	"github.com/joeycumines/macos-authority/internal/osfacade"
)

func mkWindow(x, y, w, h float64, minimized, hidden bool, title string) *osfacade.Node {
	return osfacade.NewNode(map[string]osfacade.AttrValue{
		"AXPosition":  {Kind: osfacade.AttrPoint, Point: osfacade.Point{X: x, Y: y}},
		"AXSize":      {Kind: osfacade.AttrSize, Size: osfacade.Size{Width: w, Height: h}},
		"AXMinimized": {Kind: osfacade.AttrBool, Bool: minimized},
		"AXHidden":    {Kind: osfacade.AttrBool, Bool: hidden},
		"AXTitle":     {Kind: osfacade.AttrString, Str: title},
	})
}

func drain(t *testing.T, o *Observation, timeout time.Duration) []Event {
	t.Helper()
	var out []Event
	deadline := time.After(timeout)
	for {
		select {
		case e, ok := <-o.Events():
			if !ok {
				return out
			}
			out = append(out, e)
		case <-deadline:
			return out
		}
	}
}

func TestObserve_MinimizeSuppressesHidden(t *testing.T) {
	fake := osfacade.NewFake()
	win := mkWindow(0, 0, 100, 100, false, false, "Doc")
	root := osfacade.NewNode(map[string]osfacade.AttrValue{
		"AXWindows": {Kind: osfacade.AttrHandleList, Handles: []osfacade.AXHandle{osfacade.HandleFor(win)}},
	})
	fake.SetApplication(1, root)
	fake.SetBridgingAvailable(true)
	fake.SetWindowBridge(win, 99)

	mgr := New(fake, 10*time.Millisecond, nil)
	obs, err := mgr.Create(context.Background(), 1, 10*time.Millisecond, false)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	time.Sleep(15 * time.Millisecond) // let the initial snapshot settle
	fake.AXSetAttribute(context.Background(), osfacade.HandleFor(win), "AXMinimized", osfacade.AttrValue{Kind: osfacade.AttrBool, Bool: true})

	var gotEvents []Event
	timeout := time.After(300 * time.Millisecond)
loop:
	for {
		select {
		case e := <-obs.Events():
			gotEvents = append(gotEvents, e)
			if e.Kind == Minimized {
				break loop
			}
		case <-timeout:
			break loop
		}
	}
	obs.Cancel()

	var minimizedCount, hiddenCount int
	for _, e := range gotEvents {
		switch e.Kind {
		case Minimized:
			minimizedCount++
		case Hidden:
			hiddenCount++
		}
	}
	if minimizedCount != 1 {
		t.Fatalf("expected exactly 1 minimized event, got %d (%+v)", minimizedCount, gotEvents)
	}
	if hiddenCount != 0 {
		t.Fatalf("expected 0 hidden events when minimize is the cause, got %d", hiddenCount)
	}
}

func TestObserve_OrphanRescueNoSpuriousDestroy(t *testing.T) {
	fake := osfacade.NewFake()
	win := mkWindow(0, 0, 100, 100, false, false, "Doc")
	root := osfacade.NewNode(map[string]osfacade.AttrValue{
		"AXWindows": {Kind: osfacade.AttrHandleList, Handles: []osfacade.AXHandle{osfacade.HandleFor(win)}},
	}, win) // also present in children, simulating the transitional re-parent
	fake.SetApplication(1, root)

	mgr := New(fake, 10*time.Millisecond, nil)
	obs, err := mgr.Create(context.Background(), 1, 10*time.Millisecond, false)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	time.Sleep(15 * time.Millisecond)

	// Simulate the mid-minimize transitional state: AXWindows reports
	// empty, but the window is still reachable via AXChildren.
	fake.AXSetAttribute(context.Background(), osfacade.HandleFor(root), "AXWindows", osfacade.AttrValue{Kind: osfacade.AttrHandleList, Handles: nil})

	time.Sleep(40 * time.Millisecond)
	obs.Cancel()

	for _, e := range drain(t, obs, 50*time.Millisecond) {
		if e.Kind == Destroyed {
			t.Fatal("expected no spurious destroyed event during the orphan-rescued cycle")
		}
	}
}

func TestObserve_PerWindowOrphanRescueInMultiWindowApp(t *testing.T) {
	fake := osfacade.NewFake()
	w1 := mkWindow(0, 0, 100, 100, false, false, "A")
	w2 := mkWindow(200, 0, 100, 100, false, false, "B")
	// w1 also hangs off the generic children collection, so it stays
	// reachable there when it later drops out of AXWindows.
	root := osfacade.NewNode(map[string]osfacade.AttrValue{
		"AXWindows": {Kind: osfacade.AttrHandleList, Handles: []osfacade.AXHandle{osfacade.HandleFor(w1), osfacade.HandleFor(w2)}},
	}, w1)
	fake.SetApplication(1, root)
	fake.SetBridgingAvailable(true)
	fake.SetWindowBridge(w1, 11)
	fake.SetWindowBridge(w2, 22)

	mgr := New(fake, 10*time.Millisecond, nil)
	obs, err := mgr.Create(context.Background(), 1, 10*time.Millisecond, false)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	time.Sleep(15 * time.Millisecond)

	// Mid-minimize transitional state for w1 only: AXWindows still lists
	// w2, so the whole-list fallback never fires and only the per-window
	// rescue can save w1.
	fake.AXSetAttribute(context.Background(), osfacade.HandleFor(root), "AXWindows", osfacade.AttrValue{Kind: osfacade.AttrHandleList, Handles: []osfacade.AXHandle{osfacade.HandleFor(w2)}})

	time.Sleep(40 * time.Millisecond)
	obs.Cancel()

	for _, e := range drain(t, obs, 50*time.Millisecond) {
		if e.Kind == Destroyed {
			t.Fatal("expected no spurious destroyed event while the window is reachable via children")
		}
	}
}

func TestObserve_MonotonicSequence(t *testing.T) {
	fake := osfacade.NewFake()
	win1 := mkWindow(0, 0, 100, 100, false, false, "A")
	root := osfacade.NewNode(map[string]osfacade.AttrValue{
		"AXWindows": {Kind: osfacade.AttrHandleList, Handles: []osfacade.AXHandle{osfacade.HandleFor(win1)}},
	})
	fake.SetApplication(1, root)

	mgr := New(fake, 10*time.Millisecond, nil)
	obs, err := mgr.Create(context.Background(), 1, 10*time.Millisecond, false)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	time.Sleep(15 * time.Millisecond)
	fake.AXSetAttribute(context.Background(), osfacade.HandleFor(win1), "AXPosition", osfacade.AttrValue{Kind: osfacade.AttrPoint, Point: osfacade.Point{X: 50, Y: 0}})
	time.Sleep(15 * time.Millisecond)
	fake.AXSetAttribute(context.Background(), osfacade.HandleFor(win1), "AXPosition", osfacade.AttrValue{Kind: osfacade.AttrPoint, Point: osfacade.Point{X: 100, Y: 0}})
	time.Sleep(15 * time.Millisecond)
	obs.Cancel()

	events := drain(t, obs, 100*time.Millisecond)
	var last uint64
	for _, e := range events {
		if e.Seq <= last {
			t.Fatalf("expected strictly increasing sequence numbers, got %d after %d", e.Seq, last)
		}
		last = e.Seq
	}
}

func TestObserve_CancelEmitsFinalEventAndClosesChannel(t *testing.T) {
	fake := osfacade.NewFake()
	root := osfacade.NewNode(map[string]osfacade.AttrValue{})
	fake.SetApplication(1, root)

	mgr := New(fake, 10*time.Millisecond, nil)
	obs, err := mgr.Create(context.Background(), 1, 10*time.Millisecond, false)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	obs.Cancel()

	var sawCancelled bool
	for _, e := range drain(t, obs, 200*time.Millisecond) {
		if e.Kind == Cancelled {
			sawCancelled = true
		}
	}
	if !sawCancelled {
		t.Fatal("expected a final cancelled event")
	}
	if obs.State() != StateCancelled {
		t.Fatalf("expected StateCancelled, got %v", obs.State())
	}
}
