package taskqueue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/petrijr/flowrun/pkg/api"
)

// InMemoryQueue is a Queue kept in process memory. It is safe for
// concurrent use and intended for tests and single-process deployments.
type InMemoryQueue struct {
	mu   sync.Mutex
	opts Options

	jobs map[string]*api.Job
	// idempotency key -> job id
	keys map[string]string
	// run id -> leased job id
	activeRuns map[string]string
}

// NewInMemoryQueue creates an empty queue.
func NewInMemoryQueue(opts Options) *InMemoryQueue {
	return &InMemoryQueue{
		opts:       opts.withDefaults(),
		jobs:       make(map[string]*api.Job),
		keys:       make(map[string]string),
		activeRuns: make(map[string]string),
	}
}

// Ensure InMemoryQueue implements Queue.
var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) Enqueue(ctx context.Context, jobType api.JobType, payload []byte, opts api.EnqueueOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if opts.IdempotencyKey != "" {
		if id, ok := q.keys[opts.IdempotencyKey]; ok {
			return id, nil
		}
	}

	job := newJob(jobType, append([]byte(nil), payload...), opts, q.opts.Now())
	q.jobs[job.ID] = job
	if job.IdempotencyKey != "" {
		q.keys[job.IdempotencyKey] = job.ID
	}
	return job.ID, nil
}

func (q *InMemoryQueue) Lease(ctx context.Context, types []api.JobType, workerID string, leaseFor time.Duration) (*api.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.opts.Now()
	wanted := typeSet(types)

	var candidates []*api.Job
	for _, j := range q.jobs {
		if j.Failed || j.LeasedBy != "" || j.NotBefore.After(now) {
			continue
		}
		if wanted != nil {
			if _, ok := wanted[j.Type]; !ok {
				continue
			}
		}
		if j.RunID != "" {
			if _, busy := q.activeRuns[j.RunID]; busy {
				continue
			}
		}
		candidates = append(candidates, j)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.Slice(candidates, func(a, b int) bool {
		ja, jb := candidates[a], candidates[b]
		if ja.Priority != jb.Priority {
			return ja.Priority > jb.Priority
		}
		if !ja.CreatedAt.Equal(jb.CreatedAt) {
			return ja.CreatedAt.Before(jb.CreatedAt)
		}
		return ja.ID < jb.ID
	})

	job := candidates[0]
	job.LeasedBy = workerID
	job.LeaseExpiresAt = now.Add(leaseFor)
	if job.RunID != "" {
		q.activeRuns[job.RunID] = job.ID
	}
	return cloneJob(job), nil
}

func (q *InMemoryQueue) RenewLease(ctx context.Context, jobID, workerID string, leaseFor time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok || job.LeasedBy != workerID {
		return api.ErrLeaseLost
	}
	job.LeaseExpiresAt = q.opts.Now().Add(leaseFor)
	return nil
}

func (q *InMemoryQueue) Ack(ctx context.Context, jobID, workerID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return nil
	}
	if job.LeasedBy != workerID {
		return api.ErrLeaseLost
	}
	q.releaseRun(job)
	delete(q.jobs, jobID)
	if job.IdempotencyKey != "" {
		delete(q.keys, job.IdempotencyKey)
	}
	return nil
}

func (q *InMemoryQueue) Nack(ctx context.Context, jobID, workerID string, reason string) (api.JobStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return "", api.ErrJobNotFound
	}
	if job.LeasedBy != workerID {
		return "", api.ErrLeaseLost
	}

	now := q.opts.Now()
	attempt, notBefore, failed := nackOutcome(job, q.opts.Backoff, now)
	q.releaseRun(job)
	job.Attempt = attempt
	job.NotBefore = notBefore
	job.Failed = failed
	job.LastError = reason
	job.LeasedBy = ""
	job.LeaseExpiresAt = time.Time{}
	if failed && job.IdempotencyKey != "" {
		delete(q.keys, job.IdempotencyKey)
		job.IdempotencyKey = ""
	}
	return job.Status(now), nil
}

func (q *InMemoryQueue) ExpireStaleLeases(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.opts.Now()
	n := 0
	for _, job := range q.jobs {
		if job.LeasedBy == "" || job.LeaseExpiresAt.After(now) {
			continue
		}
		q.releaseRun(job)
		job.LeasedBy = ""
		job.LeaseExpiresAt = time.Time{}
		n++
	}
	return n, nil
}

func (q *InMemoryQueue) Get(ctx context.Context, jobID string) (*api.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return nil, api.ErrJobNotFound
	}
	return cloneJob(job), nil
}

func (q *InMemoryQueue) Stats(ctx context.Context) (api.QueueStats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.opts.Now()
	stats := api.NewQueueStats()
	for _, job := range q.jobs {
		stats.Add(job.Type, job.Status(now), 1)
	}
	return stats, nil
}

// releaseRun frees the run guard held by job. Caller holds q.mu.
func (q *InMemoryQueue) releaseRun(job *api.Job) {
	if job.RunID == "" {
		return
	}
	if q.activeRuns[job.RunID] == job.ID {
		delete(q.activeRuns, job.RunID)
	}
}

func cloneJob(j *api.Job) *api.Job {
	c := *j
	c.Payload = append([]byte(nil), j.Payload...)
	return &c
}
