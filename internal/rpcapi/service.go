// Copyright 2025 Joseph Cumines

package rpcapi

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joeycumines/macos-authority/internal/authority"
	"github.com/joeycumines/macos-authority/internal/input"
	"github.com/joeycumines/macos-authority/internal/locator"
	"github.com/joeycumines/macos-authority/internal/observe"
	"github.com/joeycumines/macos-authority/internal/osfacade"
	"github.com/joeycumines/macos-authority/internal/registry"
	"github.com/joeycumines/macos-authority/internal/rpcerr"
	"github.com/joeycumines/macos-authority/internal/store"
)

// Options tunes the service's timing knobs. Zero values fall back to the
// documented defaults.
type Options struct {
	// PollInterval is the step between poll-until reads after a
	// minimize/restore mutation.
	PollInterval time.Duration
	// PollUntilTimeout bounds the minimize/restore poll-until loop.
	PollUntilTimeout time.Duration
	// MinObservationInterval clamps caller-supplied observation intervals.
	MinObservationInterval time.Duration
	// ElementCacheTTL is the idle eviction window for cached element
	// handles.
	ElementCacheTTL time.Duration
	// InputRingBound caps retained terminal inputs per parent.
	InputRingBound int
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 50 * time.Millisecond
	}
	if o.PollUntilTimeout <= 0 {
		o.PollUntilTimeout = 2 * time.Second
	}
	if o.MinObservationInterval <= 0 {
		o.MinObservationInterval = 100 * time.Millisecond
	}
	if o.ElementCacheTTL <= 0 {
		o.ElementCacheTTL = time.Minute
	}
	if o.InputRingBound <= 0 {
		o.InputRingBound = 100
	}
	return o
}

// Service is the domain composition root: every resource-oriented RPC
// group (Applications, Windows, Elements, Inputs, Observations) backed by
// the Window Authority, Element Locator, Observation Manager, Input
// Dispatcher, and Resource Store. A generated gRPC server would mount
// directly on these methods; they are also unit-tested without transport.
type Service struct {
	ctx    context.Context
	facade osfacade.Facade
	logger *slog.Logger

	registry   *registry.Registry
	authority  *authority.Authority
	locator    *locator.Locator
	observer   *observe.Manager
	dispatcher *input.Dispatcher

	apps       *store.ApplicationRegistry
	inputs     *store.InputRegistry
	operations *store.OperationRegistry
}

// NewService constructs a Service over facade, wiring every component.
// ctx is the server lifetime: observation workers and async operations
// stop when it is cancelled. logger may be nil.
func NewService(ctx context.Context, facade osfacade.Facade, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	opts = opts.withDefaults()

	reg := registry.New(facade, logger)
	inputs := store.NewInputRegistry(opts.InputRingBound)
	return &Service{
		ctx:        ctx,
		facade:     facade,
		logger:     logger,
		registry:   reg,
		authority:  authority.New(facade, reg, opts.PollInterval, opts.PollUntilTimeout, logger),
		locator:    locator.New(facade, opts.ElementCacheTTL, logger),
		observer:   observe.New(facade, opts.MinObservationInterval, logger),
		dispatcher: input.New(facade, inputs, logger),
		apps:       store.NewApplicationRegistry(),
		inputs:     inputs,
		operations: store.NewOperationRegistry(),
	}
}

// Operations exposes the Operation Registry so the LRO service can be
// mounted alongside the domain surface.
func (s *Service) Operations() *store.OperationRegistry {
	return s.operations
}

// Resource name parsing.

func parseApplicationName(name string) (int, error) {
	parts := strings.Split(name, "/")
	if len(parts) != 2 || parts[0] != "applications" {
		return 0, rpcerr.InvalidArgument("malformed_name", "expected applications/{pid}, got %q", name)
	}
	pid, err := strconv.Atoi(parts[1])
	if err != nil || pid <= 0 {
		return 0, rpcerr.InvalidArgument("malformed_name", "invalid pid in %q", name)
	}
	return pid, nil
}

func parseWindowName(name string) (int, uint32, error) {
	parts := strings.Split(name, "/")
	if len(parts) != 4 || parts[0] != "applications" || parts[2] != "windows" {
		return 0, 0, rpcerr.InvalidArgument("malformed_name", "expected applications/{pid}/windows/{windowId}, got %q", name)
	}
	pid, err := strconv.Atoi(parts[1])
	if err != nil || pid <= 0 {
		return 0, 0, rpcerr.InvalidArgument("malformed_name", "invalid pid in %q", name)
	}
	id, err := strconv.ParseUint(parts[3], 10, 32)
	if err != nil {
		return 0, 0, rpcerr.InvalidArgument("malformed_name", "invalid window id in %q", name)
	}
	return pid, uint32(id), nil
}

// Applications.

func applicationName(pid int) string {
	return fmt.Sprintf("applications/%d", pid)
}

func (s *Service) application(app store.Application) Application {
	return Application{
		Name:        applicationName(app.PID),
		PID:         app.PID,
		Bundle:      app.Bundle,
		DisplayName: app.DisplayName,
	}
}

// OpenApplication starts tracking pid as a long-running operation and
// returns the operation name. The operation completes with the
// Application resource once the process has been verified reachable, or
// fails with not-found / permission-denied.
func (s *Service) OpenApplication(pid int) string {
	op := s.operations.Create(map[string]any{"pid": pid})
	go func() {
		bundle, ok := s.facade.BundleForPID(pid)
		if !ok {
			_ = op.Fail(rpcerr.NotFound("process_not_found", "no running process with pid %d", pid))
			return
		}
		if _, err := s.facade.AXApplication(s.ctx, pid); err != nil {
			_ = op.Fail(rpcerr.PermissionDenied("ax_unavailable", "process %d refuses accessibility queries: %v", pid, err))
			return
		}
		app := s.apps.Track(pid, bundle, bundle)
		_ = op.Complete(s.application(app))
	}()
	return op.Name
}

// CreateApplication tracks pid synchronously.
func (s *Service) CreateApplication(pid int) (Application, error) {
	bundle, ok := s.facade.BundleForPID(pid)
	if !ok {
		return Application{}, rpcerr.NotFound("process_not_found", "no running process with pid %d", pid)
	}
	return s.application(s.apps.Track(pid, bundle, bundle)), nil
}

// GetApplication reads a tracked application by name.
func (s *Service) GetApplication(name string) (Application, error) {
	pid, err := parseApplicationName(name)
	if err != nil {
		return Application{}, err
	}
	app, ok := s.apps.Get(pid)
	if !ok {
		return Application{}, rpcerr.NotFound("application_not_tracked", "application %s is not tracked", name)
	}
	return s.application(app), nil
}

// ListApplications pages over tracked applications.
func (s *Service) ListApplications(pageSize int, pageToken string) ([]Application, string, error) {
	all := s.apps.List()
	sort.Slice(all, func(i, j int) bool { return all[i].PID < all[j].PID })
	page, next, err := paginate(all, pageSize, pageToken)
	if err != nil {
		return nil, "", err
	}
	out := make([]Application, 0, len(page))
	for _, app := range page {
		out = append(out, s.application(app))
	}
	return out, next, nil
}

// DeleteApplication untracks one caller's reference to the application.
// The resource disappears once every tracker has released it.
func (s *Service) DeleteApplication(name string) error {
	pid, err := parseApplicationName(name)
	if err != nil {
		return err
	}
	if _, ok := s.apps.Get(pid); !ok {
		return rpcerr.NotFound("application_not_tracked", "application %s is not tracked", name)
	}
	s.apps.Untrack(pid)
	return nil
}

// Windows.

// ListWindows refreshes the registry snapshot on demand and returns the
// filtered, paged projection for the parent application. Per the hybrid
// authority policy this path never touches AX, so it completes in tens of
// milliseconds regardless of the target process's responsiveness.
func (s *Service) ListWindows(ctx context.Context, parent string, pageSize int, pageToken string) ([]Window, string, error) {
	pid, err := parseApplicationName(parent)
	if err != nil {
		return nil, "", err
	}
	if err := s.registry.Snapshot(ctx); err != nil {
		return nil, "", rpcerr.Unavailable("compositor_unavailable", "compositor enumeration failed: %v", err)
	}
	windows := s.authority.ListWindows(pid)
	sort.Slice(windows, func(i, j int) bool { return windows[i].WindowID < windows[j].WindowID })

	page, next, err := paginate(windows, pageSize, pageToken)
	if err != nil {
		return nil, "", err
	}
	out := make([]Window, 0, len(page))
	for _, w := range page {
		out = append(out, windowFromAuthority(w))
	}
	return out, next, nil
}

// GetWindow returns the hybrid-merged window resource.
func (s *Service) GetWindow(ctx context.Context, name string) (Window, error) {
	pid, id, err := parseWindowName(name)
	if err != nil {
		return Window{}, err
	}
	w, err := s.authority.GetWindow(ctx, pid, id)
	if err != nil {
		return Window{}, err
	}
	return windowFromAuthority(w), nil
}

// GetWindowState fetches the expensive state sub-resource.
func (s *Service) GetWindowState(ctx context.Context, name string) (WindowState, error) {
	pid, id, err := parseWindowName(name)
	if err != nil {
		return WindowState{}, err
	}
	st, err := s.authority.GetWindowState(ctx, pid, id)
	if err != nil {
		return WindowState{}, err
	}
	return windowStateFromAuthority(st), nil
}

// MoveWindow repositions the window. The response's Window.Name is the
// post-mutation resolved name, which may differ from the request name when
// the target toolkit regenerates window ids after geometry changes.
func (s *Service) MoveWindow(ctx context.Context, name string, x, y float64) (MoveWindowResponse, error) {
	pid, id, err := parseWindowName(name)
	if err != nil {
		return MoveWindowResponse{}, err
	}
	w, err := s.authority.MoveWindow(ctx, pid, id, x, y)
	if err != nil {
		return MoveWindowResponse{}, err
	}
	return MoveWindowResponse{Window: windowFromAuthority(w)}, nil
}

// ResizeWindow changes the window's size.
func (s *Service) ResizeWindow(ctx context.Context, name string, width, height float64) (Window, error) {
	pid, id, err := parseWindowName(name)
	if err != nil {
		return Window{}, err
	}
	if width <= 0 || height <= 0 {
		return Window{}, rpcerr.InvalidArgument("invalid_size", "width and height must be positive, got %gx%g", width, height)
	}
	w, err := s.authority.ResizeWindow(ctx, pid, id, width, height)
	if err != nil {
		return Window{}, err
	}
	return windowFromAuthority(w), nil
}

// MinimizeWindow minimizes and polls until the state change is observed.
func (s *Service) MinimizeWindow(ctx context.Context, name string) (Window, error) {
	pid, id, err := parseWindowName(name)
	if err != nil {
		return Window{}, err
	}
	w, err := s.authority.MinimizeWindow(ctx, pid, id)
	if err != nil {
		return Window{}, err
	}
	return windowFromAuthority(w), nil
}

// RestoreWindow un-minimizes and polls until the state change is observed.
func (s *Service) RestoreWindow(ctx context.Context, name string) (Window, error) {
	pid, id, err := parseWindowName(name)
	if err != nil {
		return Window{}, err
	}
	w, err := s.authority.RestoreWindow(ctx, pid, id)
	if err != nil {
		return Window{}, err
	}
	return windowFromAuthority(w), nil
}

// FocusWindow raises and focuses the window.
func (s *Service) FocusWindow(ctx context.Context, name string) (Window, error) {
	pid, id, err := parseWindowName(name)
	if err != nil {
		return Window{}, err
	}
	w, err := s.authority.FocusWindow(ctx, pid, id)
	if err != nil {
		return Window{}, err
	}
	return windowFromAuthority(w), nil
}

// CloseWindow presses the window's close button.
func (s *Service) CloseWindow(ctx context.Context, name string) error {
	pid, id, err := parseWindowName(name)
	if err != nil {
		return err
	}
	return s.authority.CloseWindow(ctx, pid, id)
}

// Elements.

// TraverseAccessibility walks the application's full AX tree and returns
// the flat element list (each element carries its hierarchical path, so
// the client can reconstruct the tree without server-side tree objects).
func (s *Service) TraverseAccessibility(ctx context.Context, parent string, sel *locator.Selector, visibleOnly bool) ([]Element, error) {
	pid, err := parseApplicationName(parent)
	if err != nil {
		return nil, err
	}
	root, err := s.facade.AXApplication(ctx, pid)
	if err != nil {
		return nil, rpcerr.Unavailable("ax_unavailable", "accessibility unavailable for %s: %v", parent, err)
	}
	els, err := s.locator.Walk(ctx, pid, root, locator.WalkOptions{Selector: sel, VisibleOnly: visibleOnly})
	if err != nil {
		return nil, err
	}
	out := make([]Element, 0, len(els))
	for _, el := range els {
		out = append(out, elementFromLocator(el))
	}
	return out, nil
}

// WaitElement starts a long-running operation that repeatedly traverses
// the application's AX tree until at least one element satisfies sel,
// completing with the matching elements. It fails with deadline-exceeded
// if no match appears within timeout. The selector is validated up front
// so an invalid regex fails the RPC, not the operation.
func (s *Service) WaitElement(parent string, sel *locator.Selector, timeout time.Duration) (string, error) {
	if _, err := parseApplicationName(parent); err != nil {
		return "", err
	}
	if _, err := locator.Compile(sel); err != nil {
		return "", err
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	op := s.operations.Create(map[string]any{"parent": parent})
	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, timeout)
		defer cancel()
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			els, err := s.TraverseAccessibility(ctx, parent, sel, false)
			if err == nil && len(els) > 0 {
				_ = op.Complete(map[string]any{"elements": els})
				return
			}
			select {
			case <-ctx.Done():
				_ = op.Fail(rpcerr.DeadlineExceeded("wait_element_timeout", "no element matched within %s for %s", timeout, parent))
				return
			case <-ticker.C:
			}
		}
	}()
	return op.Name, nil
}

func (s *Service) cachedElement(id string) (osfacade.AXHandle, error) {
	h, ok := s.locator.Lookup(id)
	if !ok {
		return nil, rpcerr.NotFound("element_not_cached", "element %s is unknown or its handle has expired; re-traverse to refresh", id)
	}
	return h, nil
}

// ClickElement presses the cached element.
func (s *Service) ClickElement(ctx context.Context, id string) error {
	h, err := s.cachedElement(id)
	if err != nil {
		return err
	}
	if status := s.facade.AXPerformAction(ctx, h, "AXPress"); status != osfacade.AXSuccess {
		return rpcerr.FailedPrecondition("ax_action_failed", "pressing element %s: %v", id, status)
	}
	return nil
}

// WriteElementValue sets the cached element's value attribute.
func (s *Service) WriteElementValue(ctx context.Context, id, value string) error {
	h, err := s.cachedElement(id)
	if err != nil {
		return err
	}
	status := s.facade.AXSetAttribute(ctx, h, "AXValue", osfacade.AttrValue{Kind: osfacade.AttrString, Str: value})
	if status != osfacade.AXSuccess {
		return rpcerr.FailedPrecondition("ax_set_attribute_failed", "writing value on element %s: %v", id, status)
	}
	return nil
}

// PerformElementAction performs an arbitrary named AX action on the
// cached element.
func (s *Service) PerformElementAction(ctx context.Context, id, action string) error {
	if action == "" {
		return rpcerr.InvalidArgument("missing_action", "action name is required")
	}
	h, err := s.cachedElement(id)
	if err != nil {
		return err
	}
	if status := s.facade.AXPerformAction(ctx, h, action); status != osfacade.AXSuccess {
		return rpcerr.FailedPrecondition("ax_action_failed", "performing %s on element %s: %v", action, id, status)
	}
	return nil
}

// Inputs.

func (s *Service) inputResource(in *store.Input) Input {
	out := Input{Name: in.Name, State: inputStateString(in.State())}
	if err := in.Err(); err != nil {
		out.Error = err.Error()
	}
	return out
}

// CreateInput dispatches an input action under parent. An empty parent
// creates a desktop-level input (desktopInputs/{id}); otherwise parent
// must be a tracked application name. The returned resource is already
// terminal: dispatch is synchronous and its state machine, not the error
// return, is the source of truth for success.
func (s *Service) CreateInput(ctx context.Context, parent string, action store.InputAction) (Input, error) {
	if parent != "" {
		pid, err := parseApplicationName(parent)
		if err != nil {
			return Input{}, err
		}
		if _, ok := s.apps.Get(pid); !ok {
			return Input{}, rpcerr.NotFound("application_not_tracked", "application %s is not tracked", parent)
		}
	}
	in, err := s.dispatcher.Enqueue(ctx, parent, action)
	if err != nil {
		return Input{}, err
	}
	return s.inputResource(in), nil
}

// GetInput reads a retained input resource by name.
func (s *Service) GetInput(name string) (Input, error) {
	in, ok := s.inputs.Get(name)
	if !ok {
		return Input{}, rpcerr.NotFound("input_not_found", "no input named %s (it may have been evicted)", name)
	}
	return s.inputResource(in), nil
}

// ListInputs pages over parent's retained inputs, oldest first.
func (s *Service) ListInputs(parent string, pageSize int, pageToken string) ([]Input, string, error) {
	page, next, err := paginate(s.inputs.List(parent), pageSize, pageToken)
	if err != nil {
		return nil, "", err
	}
	out := make([]Input, 0, len(page))
	for _, in := range page {
		out = append(out, s.inputResource(in))
	}
	return out, next, nil
}

// Observations.

func (s *Service) observationResource(o *observe.Observation) Observation {
	return Observation{
		Name:         o.Name,
		PID:          o.PID,
		Type:         "window_changes",
		PollInterval: o.PollInterval,
		State:        observationStateString(o.State()),
	}
}

// CreateObservation starts a window-change observation for the parent
// application as a long-running operation, returning the operation name.
// The operation completes with the Observation resource once the worker
// is running.
func (s *Service) CreateObservation(parent string, pollInterval time.Duration, visibleOnly bool) (string, error) {
	pid, err := parseApplicationName(parent)
	if err != nil {
		return "", err
	}
	op := s.operations.Create(map[string]any{"parent": parent})
	obs, err := s.observer.Create(s.ctx, pid, pollInterval, visibleOnly)
	if err != nil {
		_ = op.Fail(rpcerr.Internal("observation_start_failed", "%v", err))
		return op.Name, nil
	}
	_ = op.Complete(s.observationResource(obs))
	return op.Name, nil
}

// GetObservation reads an observation resource by name.
func (s *Service) GetObservation(name string) (Observation, error) {
	obs, ok := s.observer.Get(name)
	if !ok {
		return Observation{}, rpcerr.NotFound("observation_not_found", "no observation named %s", name)
	}
	return s.observationResource(obs), nil
}

// CancelObservation stops the observation's worker. The event stream is
// drained with a final cancelled event before the resource transitions.
func (s *Service) CancelObservation(name string) (Observation, error) {
	obs, ok := s.observer.Get(name)
	if !ok {
		return Observation{}, rpcerr.NotFound("observation_not_found", "no observation named %s", name)
	}
	obs.Cancel()
	return s.observationResource(obs), nil
}

// WatchObservation streams the observation's events through send until the
// stream closes (terminal observation state), send fails, or ctx is done.
// This is the seam a server-streaming RPC mounts on.
func (s *Service) WatchObservation(ctx context.Context, name string, send func(ObservationEvent) error) error {
	obs, ok := s.observer.Get(name)
	if !ok {
		return rpcerr.NotFound("observation_not_found", "no observation named %s", name)
	}
	for {
		select {
		case <-ctx.Done():
			return rpcerr.Cancelled("stream_cancelled", "event stream for %s cancelled: %v", name, ctx.Err())
		case ev, ok := <-obs.Events():
			if !ok {
				return nil
			}
			out := ObservationEvent{
				Seq:    ev.Seq,
				Kind:   eventKindString(ev.Kind),
				PID:    ev.PID,
				Title:  ev.Title,
				Bounds: Bounds{X: ev.Bounds.X, Y: ev.Bounds.Y, Width: ev.Bounds.Width, Height: ev.Bounds.Height},
			}
			if err := send(out); err != nil {
				return err
			}
		}
	}
}
