// Copyright 2025 Joseph Cumines

// Package locator walks an accessibility subtree, builds Element records
// with hierarchical integer paths, evaluates selector trees over them, and
// caches opaque element handles so later actions (click, write value,
// perform action) can retrieve them by id.
package locator

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/joeycumines/macos-authority/internal/osfacade"
)

// Element is a flattened record produced by a subtree walk. Its Path
// participates in identity: two elements with identical Role/Title/Bounds
// but different Path are always distinct, because visually-identical
// elements in different parts of the tree (e.g. two "Save" buttons in
// different tabs) must never merge.
type Element struct {
	ID         string
	Role       string
	Subrole    string
	Title      string
	Value      string
	Bounds     osfacade.Bounds
	Path       []int
	Enabled    bool
	Focused    bool
	Hidden     bool
	Actions    []string
	Attributes map[string]string
}

var elementAttrKeys = []string{
	"AXRole", "AXSubrole", "AXTitle", "AXValue",
	"AXPosition", "AXSize", "AXEnabled", "AXFocused", "AXHidden", "AXModal",
}

// WalkOptions narrows a subtree walk.
type WalkOptions struct {
	// VisibleOnly skips any node whose AXHidden attribute is true.
	VisibleOnly bool
	// Selector, if non-nil, filters the returned elements; the full
	// subtree is still traversed (and every node's path is still
	// computed against the unfiltered tree) so path integrity survives
	// result filtering.
	Selector *Selector
}

type cacheEntry struct {
	handle    osfacade.AXHandle
	expiresAt time.Time
}

// Locator walks AX subtrees and caches the opaque element handles it
// discovers, keyed by the stable element id it derives for each one.
type Locator struct {
	facade osfacade.Facade
	logger *slog.Logger
	ttl    time.Duration

	mu      sync.Mutex
	cache   map[string]cacheEntry
	counter map[string]int
}

// New constructs a Locator over facade with the given cache TTL (eviction
// window for idle element handles). logger may be nil.
func New(facade osfacade.Facade, ttl time.Duration, logger *slog.Logger) *Locator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Locator{
		facade:  facade,
		logger:  logger,
		ttl:     ttl,
		cache:   map[string]cacheEntry{},
		counter: map[string]int{},
	}
}

// Walk traverses the subtree rooted at root (depth-first), building an
// Element for every node, registering each in the handle cache exactly
// once, and returning only the ones that satisfy opts.Selector (an empty
// selector, including a nil one, matches everything).
func (l *Locator) Walk(ctx context.Context, pid int, root osfacade.AXHandle, opts WalkOptions) ([]Element, error) {
	compiled, err := Compile(opts.Selector)
	if err != nil {
		return nil, err
	}

	var out []Element
	var visit func(h osfacade.AXHandle, path []int) error
	visit = func(h osfacade.AXHandle, path []int) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		attrs, err := l.facade.AXAttributesBatch(ctx, h, elementAttrKeys)
		if err != nil {
			return err
		}
		actions, err := l.facade.AXActions(ctx, h)
		if err != nil {
			actions = nil
		}

		el := buildElement(attrs, path, actions)
		if opts.VisibleOnly && el.Hidden {
			// Still recurse into children: a hidden container's children
			// carry their own hidden flags and may independently be visible.
		} else {
			el.ID = l.deriveID(pid, path, el.Role)
			l.register(el.ID, h)
			if Evaluate(compiled, el) {
				out = append(out, el)
			}
		}

		children, err := l.facade.AXChildren(ctx, h)
		if err != nil {
			return nil
		}
		for i, c := range children {
			childPath := make([]int, len(path)+1)
			copy(childPath, path)
			childPath[len(path)] = i
			if err := visit(c, childPath); err != nil {
				return err
			}
		}
		return nil
	}

	if err := visit(root, []int{}); err != nil {
		return nil, err
	}
	return out, nil
}

// Lookup retrieves the cached AX handle for id, applying the
// take-if-expired-else-touch primitive atomically: an expired entry is
// purged and reported absent; a live entry has its expiry extended in the
// same critical section, so a concurrent eviction can never race a lookup.
func (l *Locator) Lookup(id string) (osfacade.AXHandle, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.cache[id]
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		delete(l.cache, id)
		return nil, false
	}
	e.expiresAt = time.Now().Add(l.ttl)
	l.cache[id] = e
	return e.handle, true
}

func (l *Locator) register(id string, h osfacade.AXHandle) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache[id] = cacheEntry{handle: h, expiresAt: time.Now().Add(l.ttl)}
}

// deriveID hashes (pid, path, role) and disambiguates any collision with a
// monotonically increasing per-hash counter, so two distinct elements can
// never share an id even if their hash inputs collide.
func (l *Locator) deriveID(pid int, path []int, role string) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%d|%s|%s", pid, pathKey(path), role)
	digest := fmt.Sprintf("%x", h.Sum64())

	l.mu.Lock()
	defer l.mu.Unlock()
	n := l.counter[digest]
	l.counter[digest] = n + 1
	if n == 0 {
		return digest
	}
	return fmt.Sprintf("%s-%d", digest, n)
}

func pathKey(path []int) string {
	parts := make([]string, len(path))
	for i, p := range path {
		parts[i] = fmt.Sprintf("%d", p)
	}
	return strings.Join(parts, ".")
}

func buildElement(attrs map[string]osfacade.AttrValue, path []int, actions []string) Element {
	el := Element{
		Path:       append([]int{}, path...),
		Actions:    actions,
		Attributes: map[string]string{},
	}
	if v, ok := attrs["AXRole"]; ok && v.Kind == osfacade.AttrString {
		el.Role = v.Str
	}
	if v, ok := attrs["AXSubrole"]; ok && v.Kind == osfacade.AttrString {
		el.Subrole = v.Str
	}
	if v, ok := attrs["AXTitle"]; ok && v.Kind == osfacade.AttrString {
		el.Title = v.Str
	}
	if v, ok := attrs["AXValue"]; ok && v.Kind == osfacade.AttrString {
		el.Value = v.Str
	}
	if v, ok := attrs["AXPosition"]; ok && v.Kind == osfacade.AttrPoint {
		el.Bounds.X, el.Bounds.Y = v.Point.X, v.Point.Y
	}
	if v, ok := attrs["AXSize"]; ok && v.Kind == osfacade.AttrSize {
		el.Bounds.Width, el.Bounds.Height = v.Size.Width, v.Size.Height
	}
	if v, ok := attrs["AXEnabled"]; ok && v.Kind == osfacade.AttrBool {
		el.Enabled = v.Bool
	}
	if v, ok := attrs["AXFocused"]; ok && v.Kind == osfacade.AttrBool {
		el.Focused = v.Bool
	}
	if v, ok := attrs["AXHidden"]; ok && v.Kind == osfacade.AttrBool {
		el.Hidden = v.Bool
	}
	if v, ok := attrs["AXModal"]; ok && v.Kind == osfacade.AttrBool {
		el.Attributes["AXModal"] = fmt.Sprintf("%v", v.Bool)
	}
	return el
}
