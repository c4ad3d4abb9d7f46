package taskqueue

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/flowrun/pkg/api"
)

// Queue is the durable job queue shared by producers and the dispatcher.
//
// Every implementation gives the same guarantees:
//   - Lease hands a job to exactly one worker; concurrent callers never
//     receive the same job.
//   - At most one job per non-empty RunID is leased at any time.
//   - Jobs whose lease expired are only handed out again after
//     ExpireStaleLeases released them, with Attempt unchanged.
type Queue interface {
	// Enqueue stores a new job and returns its ID. With an idempotency key
	// already present it returns the existing job's ID.
	Enqueue(ctx context.Context, jobType api.JobType, payload []byte, opts api.EnqueueOptions) (string, error)

	// Lease selects the highest-priority, oldest eligible job among types
	// (all types when empty) and leases it to workerID for leaseFor.
	// It returns nil, nil when nothing is eligible.
	Lease(ctx context.Context, types []api.JobType, workerID string, leaseFor time.Duration) (*api.Job, error)

	// RenewLease extends a lease held by workerID.
	RenewLease(ctx context.Context, jobID, workerID string, leaseFor time.Duration) error

	// Ack removes a finished job. Unknown IDs are a no-op; a job leased by
	// another worker yields api.ErrLeaseLost.
	Ack(ctx context.Context, jobID, workerID string) error

	// Nack records a failed attempt and either reschedules the job with
	// backoff (RETRYING) or marks it FAILED once MaxAttempts is reached.
	Nack(ctx context.Context, jobID, workerID string, reason string) (api.JobStatus, error)

	// ExpireStaleLeases releases every lease that expired and returns how
	// many jobs were released.
	ExpireStaleLeases(ctx context.Context) (int, error)

	Get(ctx context.Context, jobID string) (*api.Job, error)

	// Stats counts jobs per type and status.
	Stats(ctx context.Context) (api.QueueStats, error)
}

// Options are shared by every backend.
type Options struct {
	Backoff Backoff

	// Now is the clock used for scheduling. Defaults to time.Now.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Now == nil {
		o.Now = time.Now
	}
	o.Backoff = o.Backoff.withDefaults()
	return o
}

func newJobID() string {
	return uuid.NewString()
}

// newJob fills a job from enqueue arguments.
func newJob(jobType api.JobType, payload []byte, opts api.EnqueueOptions, now time.Time) *api.Job {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = api.DefaultMaxAttempts
	}
	notBefore := opts.NotBefore
	if notBefore.IsZero() {
		notBefore = now
	}
	return &api.Job{
		ID:             newJobID(),
		Type:           jobType,
		Payload:        payload,
		Priority:       opts.Priority,
		NotBefore:      notBefore,
		MaxAttempts:    maxAttempts,
		CreatedAt:      now,
		RunID:          opts.RunID,
		IdempotencyKey: opts.IdempotencyKey,
	}
}

// nackOutcome computes the next attempt and schedule for a failed job.
func nackOutcome(job *api.Job, b Backoff, now time.Time) (attempt int, notBefore time.Time, failed bool) {
	attempt = job.Attempt + 1
	if attempt >= job.MaxAttempts {
		return attempt, job.NotBefore, true
	}
	return attempt, now.Add(b.Delay(job.Attempt)), false
}

func typeSet(types []api.JobType) map[api.JobType]struct{} {
	if len(types) == 0 {
		return nil
	}
	m := make(map[api.JobType]struct{}, len(types))
	for _, t := range types {
		m[t] = struct{}{}
	}
	return m
}
