// Copyright 2025 Joseph Cumines

// Package observe implements the Observation Manager: a per-observation
// polling loop that differentially snapshots an application's window set
// and emits created/destroyed/moved/resized/hidden/shown/minimized/
// restored/renamed events, with orphan-rescue for windows transiently
// absent from the windows attribute during OS transitions (e.g.
// mid-minimize).
package observe

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/macos-authority/internal/osfacade"
	"github.com/joeycumines/macos-authority/internal/rpcerr"
)

// Kind tags the cause of an ObservationEvent.
type Kind int

const (
	Created Kind = iota
	Destroyed
	Moved
	Resized
	Hidden
	Shown
	Minimized
	Restored
	Renamed
	Cancelled
)

func (k Kind) String() string {
	switch k {
	case Created:
		return "created"
	case Destroyed:
		return "destroyed"
	case Moved:
		return "moved"
	case Resized:
		return "resized"
	case Hidden:
		return "hidden"
	case Shown:
		return "shown"
	case Minimized:
		return "minimized"
	case Restored:
		return "restored"
	case Renamed:
		return "renamed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Event is one entry in an observation's stream. Seq is strictly
// monotonically increasing within a single observation.
type Event struct {
	Seq    uint64
	Kind   Kind
	PID    int
	Title  string
	Bounds osfacade.Bounds
}

// State is an observation resource's lifecycle state.
type State int

const (
	StateActive State = iota
	StateCompleted
	StateCancelled
	StateFailed
)

// windowSnap is the per-cycle tuple extracted for each window: identity,
// bounds, minimized, hidden, title.
type windowSnap struct {
	bounds    osfacade.Bounds
	minimized bool
	hidden    bool
	title     string
}

// identity is the cross-cycle join key for a window. When the private
// bridging symbol resolves, it is the real compositor window id; when it
// does not, it falls back to the window's ordinal position in the windows
// attribute list for that cycle, a documented limitation (windows rarely
// reorder between sub-second polls of the same application).
type identity struct {
	real     bool
	windowID uint32
	ordinal  int
}

// Observation is one running window-change observation.
type Observation struct {
	Name         string
	PID          int
	PollInterval time.Duration
	VisibleOnly  bool

	mu     sync.Mutex
	state  State
	events chan Event
	cancel context.CancelFunc
	seq    uint64
	done   chan struct{}
}

// State reports the observation's current lifecycle state.
func (o *Observation) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Events returns the channel events are pushed to. Consumers should read
// until it closes (which happens once the observation reaches a terminal
// state and has drained its final event).
func (o *Observation) Events() <-chan Event {
	return o.events
}

// Cancel stops the worker loop. The queue is drained with a final
// cancelled event before the resource transitions to StateCancelled.
func (o *Observation) Cancel() {
	o.cancel()
	<-o.done
}

func (o *Observation) nextSeq() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seq++
	return o.seq
}

func (o *Observation) emit(kind Kind, pid int, title string, bounds osfacade.Bounds) {
	// Blocking send past the buffer: a slow consumer applies backpressure
	// rather than silently losing events.
	o.events <- Event{Seq: o.nextSeq(), Kind: kind, PID: pid, Title: title, Bounds: bounds}
}

func (o *Observation) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// Manager owns the set of active observations.
type Manager struct {
	facade      osfacade.Facade
	logger      *slog.Logger
	minInterval time.Duration

	counter atomic.Uint64

	mu   sync.Mutex
	byID map[string]*Observation
}

// New constructs a Manager. minInterval clamps any caller-supplied poll
// interval to a sensible floor. logger may be nil.
func New(facade osfacade.Facade, minInterval time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		facade:      facade,
		logger:      logger,
		minInterval: minInterval,
		byID:        map[string]*Observation{},
	}
}

// Create starts a new window-change observation for pid and returns its
// handle. The worker runs until Cancel is called or ctx is done.
func (m *Manager) Create(ctx context.Context, pid int, pollInterval time.Duration, visibleOnly bool) (*Observation, error) {
	if pollInterval < m.minInterval {
		pollInterval = m.minInterval
	}
	workerCtx, cancel := context.WithCancel(ctx)
	id := fmt.Sprintf("applications/%d/observations/%d", pid, m.counter.Add(1))

	o := &Observation{
		Name:         id,
		PID:          pid,
		PollInterval: pollInterval,
		VisibleOnly:  visibleOnly,
		state:        StateActive,
		events:       make(chan Event, 16),
		cancel:       cancel,
		done:         make(chan struct{}),
	}

	m.mu.Lock()
	m.byID[id] = o
	m.mu.Unlock()

	go m.run(workerCtx, o)
	return o, nil
}

// Get retrieves an observation by name.
func (m *Manager) Get(name string) (*Observation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.byID[name]
	return o, ok
}

func (m *Manager) run(ctx context.Context, o *Observation) {
	defer close(o.done)
	defer close(o.events)

	prev, err := m.snapshot(ctx, o)
	if err != nil {
		o.setState(StateFailed)
		return
	}

	ticker := time.NewTicker(o.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			o.emit(Cancelled, o.PID, "", osfacade.Bounds{})
			o.setState(StateCancelled)
			return
		case <-ticker.C:
			curr, err := m.snapshot(ctx, o)
			if err != nil {
				o.setState(StateFailed)
				return
			}
			m.rescueMissing(ctx, o, prev, curr)
			diff(o, prev, curr)
			prev = curr
			m.logger.Debug("observation cycle", slog.String("name", o.Name), slog.Int("window_count", len(curr)))
		}
	}
}

// snapshot extracts the (identity -> windowSnap) map for the observed
// application's current window set, applying orphan rescue when the
// windows attribute is empty.
func (m *Manager) snapshot(ctx context.Context, o *Observation) (map[identity]windowSnap, error) {
	app, err := m.facade.AXApplication(ctx, o.PID)
	if err != nil {
		return nil, rpcerr.Unavailable("ax_unavailable", "observation %s: accessibility unavailable for pid %d: %v", o.Name, o.PID, err)
	}

	windows, err := m.facade.AXWindows(ctx, app)
	if err != nil {
		return nil, err
	}
	if len(windows) == 0 {
		windows, err = m.facade.AXChildren(ctx, app)
		if err != nil {
			return nil, err
		}
	}

	out := map[identity]windowSnap{}
	for i, w := range windows {
		snap, ok := m.snapWindow(ctx, w)
		if !ok {
			continue
		}
		if o.VisibleOnly && (snap.minimized || snap.hidden) {
			continue
		}

		key := identity{ordinal: i}
		if id, ok := m.facade.AXWindowID(ctx, w); ok {
			key = identity{real: true, windowID: id}
		}
		out[key] = snap
	}
	return out, nil
}

// snapWindow extracts the per-cycle tuple for one window element.
func (m *Manager) snapWindow(ctx context.Context, w osfacade.AXHandle) (windowSnap, bool) {
	attrs, err := m.facade.AXAttributesBatch(ctx, w, []string{"AXPosition", "AXSize", "AXMinimized", "AXHidden", "AXTitle"})
	if err != nil {
		return windowSnap{}, false
	}
	snap := windowSnap{}
	if v, ok := attrs["AXPosition"]; ok && v.Kind == osfacade.AttrPoint {
		snap.bounds.X, snap.bounds.Y = v.Point.X, v.Point.Y
	}
	if v, ok := attrs["AXSize"]; ok && v.Kind == osfacade.AttrSize {
		snap.bounds.Width, snap.bounds.Height = v.Size.Width, v.Size.Height
	}
	if v, ok := attrs["AXMinimized"]; ok && v.Kind == osfacade.AttrBool {
		snap.minimized = v.Bool
	}
	if v, ok := attrs["AXHidden"]; ok && v.Kind == osfacade.AttrBool {
		snap.hidden = v.Bool
	}
	if v, ok := attrs["AXTitle"]; ok && v.Kind == osfacade.AttrString {
		snap.title = v.Str
	}
	return snap, true
}

// rescueMissing is the per-window orphan rescue: a window present in prev
// but absent from the windows-derived curr may merely be transitioning
// (e.g. mid-minimize, re-parented into the generic children collection)
// even while the windows attribute still lists its siblings. Each such
// window is looked up in AXChildren by its bridged identity and, when
// found, folded into curr with its current state so diff never concludes
// Destroyed for it. Ordinal (non-bridged) identities cannot be matched
// across collections and are left to the whole-list fallback in snapshot.
func (m *Manager) rescueMissing(ctx context.Context, o *Observation, prev, curr map[identity]windowSnap) {
	missing := false
	for key := range prev {
		if _, ok := curr[key]; !ok && key.real {
			missing = true
			break
		}
	}
	if !missing {
		return
	}

	app, err := m.facade.AXApplication(ctx, o.PID)
	if err != nil {
		return
	}
	children, err := m.facade.AXChildren(ctx, app)
	if err != nil {
		return
	}
	for _, c := range children {
		id, ok := m.facade.AXWindowID(ctx, c)
		if !ok {
			continue
		}
		key := identity{real: true, windowID: id}
		if _, present := curr[key]; present {
			continue
		}
		if _, wasPresent := prev[key]; !wasPresent {
			continue
		}
		snap, ok := m.snapWindow(ctx, c)
		if !ok {
			continue
		}
		if o.VisibleOnly && (snap.minimized || snap.hidden) {
			continue
		}
		curr[key] = snap
	}
}

// diff compares prev and curr (after rescueMissing has run) and emits the
// derived events: created/destroyed for windows unique to one side, and state-change
// events (minimized/restored, hidden/shown, moved, resized, renamed) for
// windows present in both. A hidden event fires only when visible
// transitions false AND minimized did not also transition true, so a
// minimize action never double-reports as hidden.
func diff(o *Observation, prev, curr map[identity]windowSnap) {
	for key, p := range prev {
		c, ok := curr[key]
		if !ok {
			// rescueMissing has already folded any transiently re-parented
			// window back into curr; a true absence here means destroyed.
			o.emit(Destroyed, o.PID, "", p.bounds)
			continue
		}

		minimizedTransitionedTrue := !p.minimized && c.minimized
		visiblePrev := !p.minimized && !p.hidden
		visibleCurr := !c.minimized && !c.hidden

		if !p.minimized && c.minimized {
			o.emit(Minimized, o.PID, c.title, c.bounds)
		} else if p.minimized && !c.minimized {
			o.emit(Restored, o.PID, c.title, c.bounds)
		}

		if visiblePrev && !visibleCurr && !minimizedTransitionedTrue {
			o.emit(Hidden, o.PID, c.title, c.bounds)
		} else if !visiblePrev && visibleCurr && !p.minimized {
			o.emit(Shown, o.PID, c.title, c.bounds)
		}

		if p.bounds.X != c.bounds.X || p.bounds.Y != c.bounds.Y {
			o.emit(Moved, o.PID, c.title, c.bounds)
		}
		if p.bounds.Width != c.bounds.Width || p.bounds.Height != c.bounds.Height {
			o.emit(Resized, o.PID, c.title, c.bounds)
		}
		if p.title != c.title {
			o.emit(Renamed, o.PID, c.title, c.bounds)
		}
	}
	for key, c := range curr {
		if _, ok := prev[key]; !ok {
			o.emit(Created, o.PID, c.title, c.bounds)
		}
	}
}
