package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/petrijr/flowrun/pkg/api"
)

// Handler processes one leased job. Returning nil acks the job; an error
// nacks it so the queue retries it with backoff.
type Handler func(ctx context.Context, job *api.Job) error

// Registry maps job types to handlers. Handlers are registered at startup,
// before the dispatcher runs.
type Registry struct {
	mu       sync.RWMutex
	handlers map[api.JobType]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[api.JobType]Handler)}
}

func (r *Registry) Register(t api.JobType, h Handler) error {
	if t == "" {
		return errors.New("job type is required")
	}
	if h == nil {
		return fmt.Errorf("handler for %s is nil", t)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[t]; exists {
		return fmt.Errorf("handler already registered for job type %s", t)
	}
	r.handlers[t] = h
	return nil
}

// MustRegister is Register that panics on error.
func (r *Registry) MustRegister(t api.JobType, h Handler) {
	if err := r.Register(t, h); err != nil {
		panic(err)
	}
}

func (r *Registry) Lookup(t api.JobType) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[t]
	return h, ok
}

// Types returns the registered job types in a stable order.
func (r *Registry) Types() []api.JobType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]api.JobType, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
