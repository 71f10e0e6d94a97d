// Copyright 2025 Joseph Cumines

// Package store implements the Resource Store: serialized-access state for
// Applications and Inputs, plus the Operation Registry. Each resource
// class is owned by a single mutex-guarded map rather than a
// channel-per-call actor; external callers get the same guarantee either
// way, that mutations are serialized per resource class.
package store

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/macos-authority/internal/osfacade"
	"github.com/joeycumines/macos-authority/internal/rpcerr"
)

// Application is the tracked-application resource. Multiple callers may
// track the same pid; it is removed only once every tracker has untracked
// it (or on explicit Remove).
type Application struct {
	PID         int
	Bundle      string
	DisplayName string
}

type appEntry struct {
	app      Application
	refCount int
}

// ApplicationRegistry owns the applications/{pid} resource class.
type ApplicationRegistry struct {
	mu    sync.RWMutex
	byPID map[int]*appEntry
}

// NewApplicationRegistry constructs an empty registry.
func NewApplicationRegistry() *ApplicationRegistry {
	return &ApplicationRegistry{byPID: map[int]*appEntry{}}
}

// Track creates the application entry if absent and increments its
// reference count; repeated tracking of the same pid is reference-counted
// rather than idempotent-no-op, since several callers may independently
// track one process.
func (r *ApplicationRegistry) Track(pid int, bundle, displayName string) Application {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byPID[pid]
	if !ok {
		e = &appEntry{app: Application{PID: pid, Bundle: bundle, DisplayName: displayName}}
		r.byPID[pid] = e
	}
	e.refCount++
	return e.app
}

// Untrack decrements the reference count, removing the entry once it
// reaches zero. Reports whether the entry was removed.
func (r *ApplicationRegistry) Untrack(pid int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byPID[pid]
	if !ok {
		return false
	}
	e.refCount--
	if e.refCount <= 0 {
		delete(r.byPID, pid)
		return true
	}
	return false
}

// Remove deletes pid's entry unconditionally, regardless of its reference
// count.
func (r *ApplicationRegistry) Remove(pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byPID, pid)
}

// Get reads pid's tracked application.
func (r *ApplicationRegistry) Get(pid int) (Application, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byPID[pid]
	if !ok {
		return Application{}, false
	}
	return e.app, true
}

// List returns every tracked application.
func (r *ApplicationRegistry) List() []Application {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Application, 0, len(r.byPID))
	for _, e := range r.byPID {
		out = append(out, e.app)
	}
	return out
}

// InputState is an Input resource's lifecycle state.
type InputState int

const (
	InputPending InputState = iota
	InputExecuting
	InputCompleted
	InputFailed
)

// InputAction is the tagged action an Input carries.
type InputAction struct {
	Kind      string // click | double_click | right_click | type_text | key_press | mouse_move | scroll | drag | hover | gesture
	Text      string
	KeyCode   uint16
	Point     osfacade.Point
	DeltaX    float64
	DeltaY    float64
	Modifiers osfacade.Modifiers
	Gesture   osfacade.GestureKind
	Scale     float64
	Rotation  float64
	Fingers   int
	Direction string
}

// Input is one dispatched (or pending) input resource.
type Input struct {
	Name   string
	Parent string
	Action InputAction

	mu    sync.Mutex
	state InputState
	err   *rpcerr.Error
}

// State reads the current state.
func (i *Input) State() InputState {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Err reads the structured failure, if any.
func (i *Input) Err() *rpcerr.Error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.err
}

// transition enforces pending->executing->{completed|failed}, no
// regression, and immutability once terminal.
func (i *Input) transition(next InputState, failure *rpcerr.Error) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state == InputCompleted || i.state == InputFailed {
		return rpcerr.FailedPrecondition("input_immutable", "input %s is already %v and cannot transition", i.Name, i.state)
	}
	if next <= i.state {
		return rpcerr.FailedPrecondition("input_state_regression", "input %s cannot regress from %v to %v", i.Name, i.state, next)
	}
	i.state = next
	i.err = failure
	return nil
}

// InputRegistry owns the Input resource class, including the bounded
// per-parent ring buffer of completed/failed entries.
type InputRegistry struct {
	mu       sync.Mutex
	counter  atomic.Uint64
	byName   map[string]*Input
	byParent map[string][]*Input
	bound    int
}

// NewInputRegistry constructs a registry retaining up to bound
// completed-or-failed entries per parent.
func NewInputRegistry(bound int) *InputRegistry {
	if bound <= 0 {
		bound = 100
	}
	return &InputRegistry{
		byName:   map[string]*Input{},
		byParent: map[string][]*Input{},
		bound:    bound,
	}
}

// Create registers a new Input in the pending state. An empty parent means
// a desktop-level input, named under the desktopInputs collection instead
// of an application.
func (r *InputRegistry) Create(parent string, action InputAction) *Input {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.counter.Add(1)
	name := fmt.Sprintf("%s/inputs/%d", parent, n)
	if parent == "" {
		name = fmt.Sprintf("desktopInputs/%d", n)
	}
	in := &Input{
		Name:   name,
		Parent: parent,
		Action: action,
		state:  InputPending,
	}
	r.byName[in.Name] = in
	r.byParent[parent] = append(r.byParent[parent], in)
	return in
}

// Transition advances in toward a terminal or intermediate state and
// evicts the oldest terminal entry for its parent if the ring buffer
// bound is now exceeded.
func (r *InputRegistry) Transition(in *Input, next InputState, failure *rpcerr.Error) error {
	if err := in.transition(next, failure); err != nil {
		return err
	}
	if next == InputCompleted || next == InputFailed {
		r.evictOldestIfOverBound(in.Parent)
	}
	return nil
}

func (r *InputRegistry) evictOldestIfOverBound(parent string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := r.byParent[parent]
	terminalCount := 0
	for _, e := range entries {
		if s := e.State(); s == InputCompleted || s == InputFailed {
			terminalCount++
		}
	}
	for terminalCount > r.bound {
		idx := -1
		for i, e := range entries {
			if s := e.State(); s == InputCompleted || s == InputFailed {
				idx = i
				break
			}
		}
		if idx < 0 {
			break
		}
		delete(r.byName, entries[idx].Name)
		entries = append(entries[:idx], entries[idx+1:]...)
		terminalCount--
	}
	r.byParent[parent] = entries
}

// Get retrieves an Input by name.
func (r *InputRegistry) Get(name string) (*Input, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	in, ok := r.byName[name]
	return in, ok
}

// List returns parent's retained inputs, oldest first.
func (r *InputRegistry) List(parent string) []*Input {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Input, len(r.byParent[parent]))
	copy(out, r.byParent[parent])
	return out
}
