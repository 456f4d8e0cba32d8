package analysis

import (
	"context"
	"sync"

	"github.com/mediacache/mediacache/pkg/errors"
	"github.com/mediacache/mediacache/pkg/types"
)

// taskState tracks the lifecycle of one in-flight computation. All three end
// states are terminal; a new request after settlement starts a fresh task.
type taskState int

const (
	statePending taskState = iota
	stateRunning
	stateCompleted
	stateFailed
	stateCancelled
)

// inflightTask is the shared, awaitable handle for one running computation.
// Exactly one exists per cache key at any instant; later requesters await it
// instead of starting a duplicate.
type inflightTask struct {
	key    types.CacheKey
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu           sync.Mutex
	state        taskState
	progressFns  []ProgressFunc
	lastFraction float64

	// result and err are written once, before done is closed.
	result any
	err    error
}

func newInflightTask(key types.CacheKey) *inflightTask {
	// The task owns its context: a waiter abandoning the wait must not kill
	// the shared computation. Explicit Cancel goes through t.cancel.
	ctx, cancel := context.WithCancel(context.Background())
	return &inflightTask{
		key:    key,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// subscribe registers a progress callback for one waiter.
func (t *inflightTask) subscribe(fn ProgressFunc) {
	if fn == nil {
		return
	}
	t.mu.Lock()
	t.progressFns = append(t.progressFns, fn)
	last := t.lastFraction
	t.mu.Unlock()

	if last > 0 {
		fn(last)
	}
}

// report fans one progress update out to every subscribed waiter.
func (t *inflightTask) report(fraction float64) {
	t.mu.Lock()
	t.lastFraction = fraction
	fns := make([]ProgressFunc, len(t.progressFns))
	copy(fns, t.progressFns)
	t.mu.Unlock()

	for _, fn := range fns {
		fn(fraction)
	}
}

func (t *inflightTask) markRunning() {
	t.mu.Lock()
	if t.state == statePending {
		t.state = stateRunning
	}
	t.mu.Unlock()
}

// settle records the outcome and wakes every waiter. It must be called
// exactly once.
func (t *inflightTask) settle(result any, err error) {
	t.mu.Lock()
	t.result = result
	t.err = err
	switch {
	case err == nil:
		t.state = stateCompleted
	case errors.IsCancelled(err):
		t.state = stateCancelled
	default:
		t.state = stateFailed
	}
	t.mu.Unlock()

	close(t.done)
	t.cancel() // release the task context
}

// await blocks until the task settles or the waiter's own context is done.
// A waiter giving up does not affect the shared computation.
func (t *inflightTask) await(ctx context.Context) (any, error) {
	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// inflightRegistry maps cache keys to their single in-flight task.
type inflightRegistry struct {
	mu    sync.Mutex
	tasks map[types.CacheKey]*inflightTask
}

func newInflightRegistry() *inflightRegistry {
	return &inflightRegistry{tasks: make(map[types.CacheKey]*inflightTask)}
}

// lookupOrRegister returns the existing task for key, or registers a new one.
// Registration happens under the lock, before any blocking point, which
// closes the race window between the check and the register.
func (r *inflightRegistry) lookupOrRegister(key types.CacheKey) (task *inflightTask, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.tasks[key]; ok {
		return existing, false
	}
	task = newInflightTask(key)
	r.tasks[key] = task
	return task, true
}

// remove deletes the registry entry, but only if it still refers to the
// given task. A fresh task registered after settlement must not be clobbered
// by a late cleanup of its predecessor.
func (r *inflightRegistry) remove(key types.CacheKey, task *inflightTask) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.tasks[key]; ok && current == task {
		delete(r.tasks, key)
	}
}

// isAnalyzing reports whether any task for the identity is in flight.
func (r *inflightRegistry) isAnalyzing(identity types.MediaIdentity) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key := range r.tasks {
		if key.Identity == identity {
			return true
		}
	}
	return false
}

// cancelIdentity requests cancellation of every in-flight task for the
// identity. Cancellation is cooperative: the analyzers observe it at their
// coarse check interval.
func (r *inflightRegistry) cancelIdentity(identity types.MediaIdentity) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for key, task := range r.tasks {
		if key.Identity == identity {
			task.cancel()
			n++
		}
	}
	return n
}

// cancelAll requests cancellation of every in-flight task.
func (r *inflightRegistry) cancelAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, task := range r.tasks {
		task.cancel()
	}
	return len(r.tasks)
}
