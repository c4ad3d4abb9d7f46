package taskqueue

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/petrijr/flowrun/pkg/api"
)

// BreakerQueue wraps a Queue with a circuit breaker. Only storage failures
// count against the breaker; domain errors such as api.ErrLeaseLost pass
// through without tripping it. While the breaker is open, calls fail fast
// with an error wrapping api.ErrStorage.
type BreakerQueue struct {
	Queue
	cb *gobreaker.CircuitBreaker
}

// BreakerSettings configures NewBreakerQueue.
type BreakerSettings struct {
	Name string
	// ConsecutiveFailures trips the breaker. Defaults to 5.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open. Defaults to 10s.
	OpenTimeout time.Duration
	// OnStateChange is called on every transition.
	OnStateChange func(name string, from, to gobreaker.State)
}

// NewBreakerQueue decorates q.
func NewBreakerQueue(q Queue, s BreakerSettings) *BreakerQueue {
	if s.Name == "" {
		s.Name = "queue"
	}
	if s.ConsecutiveFailures == 0 {
		s.ConsecutiveFailures = 5
	}
	if s.OpenTimeout <= 0 {
		s.OpenTimeout = 10 * time.Second
	}
	threshold := s.ConsecutiveFailures
	return &BreakerQueue{
		Queue: q,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    s.Name,
			Timeout: s.OpenTimeout,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= threshold
			},
			IsSuccessful: func(err error) bool {
				return err == nil || !errors.Is(err, api.ErrStorage)
			},
			OnStateChange: s.OnStateChange,
		}),
	}
}

// Ensure BreakerQueue implements Queue.
var _ Queue = (*BreakerQueue)(nil)

// State reports the breaker state.
func (b *BreakerQueue) State() gobreaker.State {
	return b.cb.State()
}

func (b *BreakerQueue) guard(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return api.StorageError(err)
	}
	return err
}

func (b *BreakerQueue) Enqueue(ctx context.Context, jobType api.JobType, payload []byte, opts api.EnqueueOptions) (string, error) {
	id, err := b.cb.Execute(func() (any, error) {
		return b.Queue.Enqueue(ctx, jobType, payload, opts)
	})
	if err != nil {
		return "", b.guard(err)
	}
	return id.(string), nil
}

func (b *BreakerQueue) Lease(ctx context.Context, types []api.JobType, workerID string, leaseFor time.Duration) (*api.Job, error) {
	job, err := b.cb.Execute(func() (any, error) {
		return b.Queue.Lease(ctx, types, workerID, leaseFor)
	})
	if err != nil {
		return nil, b.guard(err)
	}
	return job.(*api.Job), nil
}
