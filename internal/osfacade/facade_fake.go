// Copyright 2025 Joseph Cumines

package osfacade

import (
	"context"
	"fmt"
	"sync"
)

// Node is an in-memory accessibility element used by Fake. Tests build a
// tree of Nodes to stand in for a real AX subtree.
type Node struct {
	Attrs    map[string]AttrValue
	Children []*Node
}

// NewNode builds a Node with the given attributes and children.
func NewNode(attrs map[string]AttrValue, children ...*Node) *Node {
	if attrs == nil {
		attrs = map[string]AttrValue{}
	}
	return &Node{Attrs: attrs, Children: children}
}

type fakeHandle struct{ node *Node }

func (fakeHandle) axHandle() {}

// HandleFor exposes the opaque handle wrapping n, for tests in other
// packages that need to build Fake-backed AX trees and reference specific
// nodes by handle (e.g. to register a window's compositor bridge id).
func HandleFor(n *Node) AXHandle {
	return handleOf(n)
}

// handleOf returns the opaque handle wrapping n. The same *Node always
// produces an equal handle within one process, mirroring the relaxed
// guarantee real facades give (a fresh fetch may differ); only tests
// compare handles for equality.
func handleOf(n *Node) AXHandle {
	if n == nil {
		return nil
	}
	return fakeHandle{node: n}
}

func nodeOf(h AXHandle) (*Node, bool) {
	fh, ok := h.(fakeHandle)
	if !ok || fh.node == nil {
		return nil, false
	}
	return fh.node, true
}

// Fake is an in-memory Facade test double. It has no cgo dependency and
// runs on every platform, so the rest of this module is testable without a
// real display server or accessibility permission.
type Fake struct {
	mu sync.Mutex

	compositor []CompositorWindow
	bundles    map[int]string
	apps       map[int]*Node
	appErr     map[int]error

	bridgingAvailable bool
	bridgeIDs         map[*Node]uint32

	events []EventDescriptor

	// SetAttributeHook, if set, overrides AXSetAttribute's default
	// store-and-succeed behaviour for a given node/key.
	SetAttributeHook func(n *Node, key string, value AttrValue) AXStatus
	// PerformActionHook, if set, overrides AXPerformAction's default
	// always-succeed behaviour.
	PerformActionHook func(n *Node, action string) AXStatus
	// SynthEventErr, if set, is returned by every SynthEvent call instead of
	// recording the event, simulating a process that rejects input.
	SynthEventErr error
}

// NewFake constructs an empty Fake facade.
func NewFake() *Fake {
	return &Fake{
		bundles:   map[int]string{},
		apps:      map[int]*Node{},
		appErr:    map[int]error{},
		bridgeIDs: map[*Node]uint32{},
	}
}

// SetCompositorWindows replaces the simulated compositor snapshot.
func (f *Fake) SetCompositorWindows(windows []CompositorWindow) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.compositor = windows
}

// SetBundle registers the bundle identifier for pid.
func (f *Fake) SetBundle(pid int, bundle string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bundles[pid] = bundle
}

// SetApplication registers the AX application root for pid.
func (f *Fake) SetApplication(pid int, root *Node) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.apps[pid] = root
	delete(f.appErr, pid)
}

// SetApplicationError makes AXApplication(pid) fail, simulating a process
// that refuses AX queries.
func (f *Fake) SetApplicationError(pid int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appErr[pid] = err
}

// SetBridgingAvailable toggles whether AXWindowID resolves at all,
// simulating the private symbol being present or missing for the process
// lifetime.
func (f *Fake) SetBridgingAvailable(available bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bridgingAvailable = available
}

// SetWindowBridge records the compositor window id a given AX window node
// back-resolves to, when bridging is available.
func (f *Fake) SetWindowBridge(n *Node, id uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bridgeIDs[n] = id
}

// Events returns the synthetic events posted so far, for assertions.
func (f *Fake) Events() []EventDescriptor {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]EventDescriptor, len(f.events))
	copy(out, f.events)
	return out
}

func (f *Fake) ListCompositorWindows(_ context.Context, opts ListOptions) ([]CompositorWindow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]CompositorWindow, 0, len(f.compositor))
	for _, w := range f.compositor {
		if !opts.IncludeOffscreen && !w.OnScreen {
			continue
		}
		out = append(out, w)
	}
	return out, nil
}

func (f *Fake) BundleForPID(pid int) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bundles[pid]
	return b, ok
}

func (f *Fake) AXApplication(_ context.Context, pid int) (AXHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.appErr[pid]; ok {
		return nil, err
	}
	root, ok := f.apps[pid]
	if !ok {
		return nil, fmt.Errorf("osfacade: no application registered for pid %d", pid)
	}
	return handleOf(root), nil
}

func (f *Fake) AXAttribute(_ context.Context, h AXHandle, key string) (AttrValue, bool, error) {
	n, ok := nodeOf(h)
	if !ok {
		return AttrValue{}, false, fmt.Errorf("osfacade: invalid handle")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := n.Attrs[key]
	return v, ok, nil
}

func (f *Fake) AXAttributesBatch(ctx context.Context, h AXHandle, keys []string) (map[string]AttrValue, error) {
	out := map[string]AttrValue{}
	for _, k := range keys {
		if v, ok, err := f.AXAttribute(ctx, h, k); err != nil {
			return nil, err
		} else if ok {
			out[k] = v
		}
	}
	return out, nil
}

func (f *Fake) AXSetAttribute(_ context.Context, h AXHandle, key string, value AttrValue) AXStatus {
	n, ok := nodeOf(h)
	if !ok {
		return AXInvalidUIElement
	}
	if f.SetAttributeHook != nil {
		return f.SetAttributeHook(n, key, value)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	n.Attrs[key] = value
	return AXSuccess
}

func (f *Fake) AXPerformAction(_ context.Context, h AXHandle, action string) AXStatus {
	n, ok := nodeOf(h)
	if !ok {
		return AXInvalidUIElement
	}
	if f.PerformActionHook != nil {
		return f.PerformActionHook(n, action)
	}
	return AXSuccess
}

func (f *Fake) AXChildren(_ context.Context, h AXHandle) ([]AXHandle, error) {
	n, ok := nodeOf(h)
	if !ok {
		return nil, fmt.Errorf("osfacade: invalid handle")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]AXHandle, 0, len(n.Children))
	for _, c := range n.Children {
		out = append(out, handleOf(c))
	}
	return out, nil
}

func (f *Fake) AXWindows(ctx context.Context, app AXHandle) ([]AXHandle, error) {
	f.mu.Lock()
	hidden, ok := nodeOf(app)
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("osfacade: invalid handle")
	}
	if v, ok := hidden.Attrs["AXWindows"]; ok && v.Kind == AttrHandleList {
		return v.Handles, nil
	}
	return nil, nil
}

func (f *Fake) AXActions(_ context.Context, h AXHandle) ([]string, error) {
	n, ok := nodeOf(h)
	if !ok {
		return nil, fmt.Errorf("osfacade: invalid handle")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := n.Attrs["AXActions"]; ok && v.Kind == AttrStringList {
		return v.Strings, nil
	}
	return nil, nil
}

func (f *Fake) AXWindowID(_ context.Context, h AXHandle) (uint32, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.bridgingAvailable {
		return 0, false
	}
	n, ok := nodeOf(h)
	if !ok {
		return 0, false
	}
	id, ok := f.bridgeIDs[n]
	return id, ok
}

func (f *Fake) SynthEvent(_ context.Context, d EventDescriptor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SynthEventErr != nil {
		return f.SynthEventErr
	}
	f.events = append(f.events, d)
	return nil
}

var _ Facade = (*Fake)(nil)
