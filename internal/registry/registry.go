// Package registry tracks cancellation handles for tasks currently inside a
// backend call. The registry is process-local and non-durable: losing it on
// restart means "nothing was cancellable", not a correctness violation.
package registry

import (
	"context"
	"fmt"
	"sync"
)

// Handle is the cancellation scope for one in-flight backend call.
type Handle struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// Context is cancelled when the task is aborted.
func (h *Handle) Context() context.Context {
	return h.ctx
}

// Cancelled reports whether the handle has been signalled.
func (h *Handle) Cancelled() bool {
	return h.ctx.Err() != nil
}

// Registry maps task id → cancellation handle. It is constructor-injected so
// isolated instances can coexist in tests.
type Registry struct {
	mu      sync.Mutex
	handles map[string]*Handle
}

func New() *Registry {
	return &Registry{
		handles: make(map[string]*Handle),
	}
}

// Register creates a handle for the task. It must be called immediately
// before invoking the backend, paired with a deferred Unregister in the same
// scope so the handle is released on every exit path.
func (r *Registry) Register(parent context.Context, taskID string) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.handles[taskID]; ok {
		return nil, fmt.Errorf("task %s already registered", taskID)
	}

	ctx, cancel := context.WithCancel(parent)
	h := &Handle{ctx: ctx, cancel: cancel}
	r.handles[taskID] = h
	return h, nil
}

// Unregister removes the handle and releases its context.
func (r *Registry) Unregister(taskID string) {
	r.mu.Lock()
	h, ok := r.handles[taskID]
	delete(r.handles, taskID)
	r.mu.Unlock()

	if ok {
		h.cancel()
	}
}

// Cancel signals the handle if one is registered and reports whether a
// signal was actually delivered. A false return distinguishes "not started
// yet" and "already finished" from "actually running" without consulting
// task status.
func (r *Registry) Cancel(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.handles[taskID]
	if !ok || h.Cancelled() {
		return false
	}
	h.cancel()
	return true
}

// Len reports the number of registered handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}
