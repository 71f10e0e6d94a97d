// Copyright 2025 Joseph Cumines

package store

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/macos-authority/internal/rpcerr"
)

// Operation is one long-running-operation resource. Done transitions
// false->true exactly once; the terminal payload is either a response or
// a structured error, never both.
type Operation struct {
	Name     string
	Metadata any

	mu       sync.Mutex
	done     bool
	response any
	err      *rpcerr.Error
}

// Complete transitions the operation to done with a response payload. A
// second call (after the first success) is a no-op error, preserving the
// done false->true-exactly-once invariant.
func (o *Operation) Complete(response any) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.done {
		return rpcerr.FailedPrecondition("operation_already_done", "operation %s is already done", o.Name)
	}
	o.done = true
	o.response = response
	return nil
}

// Fail transitions the operation to done with a structured error.
func (o *Operation) Fail(err *rpcerr.Error) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.done {
		return rpcerr.FailedPrecondition("operation_already_done", "operation %s is already done", o.Name)
	}
	o.done = true
	o.err = err
	return nil
}

// Cancel fails the operation with the canonical cancelled code.
func (o *Operation) Cancel() error {
	return o.Fail(rpcerr.Cancelled("operation_cancelled", "operation %s was cancelled", o.Name))
}

// Snapshot reads the operation's current state.
func (o *Operation) Snapshot() (done bool, response any, err *rpcerr.Error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.done, o.response, o.err
}

// OperationRegistry owns the operations/{id} resource class.
type OperationRegistry struct {
	mu      sync.Mutex
	counter atomic.Uint64
	ops     map[string]*Operation
}

// NewOperationRegistry constructs an empty registry.
func NewOperationRegistry() *OperationRegistry {
	return &OperationRegistry{ops: map[string]*Operation{}}
}

// Create registers a new operation in the not-done state.
func (r *OperationRegistry) Create(metadata any) *Operation {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.counter.Add(1)
	op := &Operation{Name: fmt.Sprintf("operations/%d-%d", n, time.Now().UnixNano()), Metadata: metadata}
	r.ops[op.Name] = op
	return op
}

// Get retrieves an operation by name.
func (r *OperationRegistry) Get(name string) (*Operation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	op, ok := r.ops[name]
	return op, ok
}

// Delete removes a finished operation from the registry. Deleting an
// operation that is still running is rejected so a worker never completes
// into a dangling resource.
func (r *OperationRegistry) Delete(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	op, ok := r.ops[name]
	if !ok {
		return rpcerr.NotFound("operation_not_found", "no operation named %s", name)
	}
	done, _, _ := op.Snapshot()
	if !done {
		return rpcerr.FailedPrecondition("operation_running", "operation %s is still running", name)
	}
	delete(r.ops, name)
	return nil
}

// List returns every registered operation, in unspecified order.
func (r *OperationRegistry) List() []*Operation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Operation, 0, len(r.ops))
	for _, op := range r.ops {
		out = append(out, op)
	}
	return out
}
