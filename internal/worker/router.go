package worker

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/papito/postgres-job-queue/internal/job"
)

// ErrUnrouted is returned by Dispatch for a job type with no handler. The
// worker treats it like any handler failure, so the job consumes a retry.
var ErrUnrouted = errors.New("no handler registered for job type")

// Router maps job types to handlers.
type Router struct {
	mu       sync.RWMutex
	handlers map[job.Type]Handler
}

// NewRouter returns an empty Router.
func NewRouter() *Router {
	return &Router{handlers: make(map[job.Type]Handler)}
}

// Register associates h with t, replacing any previous handler.
func (r *Router) Register(t job.Type, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = h
}

// Has reports whether t has a handler.
func (r *Router) Has(t job.Type) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[t]
	return ok
}

// Types returns the registered job types in sorted order.
func (r *Router) Types() []job.Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]job.Type, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

// Validate returns an error naming every type in want that has no handler.
// Call it at startup with the statically known type set.
func (r *Router) Validate(want ...job.Type) error {
	var missing []job.Type
	for _, t := range want {
		if !r.Has(t) {
			missing = append(missing, t)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %v", ErrUnrouted, missing)
	}
	return nil
}

// Dispatch runs the handler registered for j.Type. A panicking handler is
// reported as an error.
func (r *Router) Dispatch(ctx context.Context, j *job.Job) (err error) {
	r.mu.RLock()
	h := r.handlers[j.Type]
	r.mu.RUnlock()

	if h == nil {
		return fmt.Errorf("%w: %q", ErrUnrouted, j.Type)
	}

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler for %q panicked: %v", j.Type, p)
		}
	}()
	return h(ctx, j)
}
