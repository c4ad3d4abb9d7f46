package taskqueue

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/flowrun/pkg/api"
)

// testClock is a manually advanced clock shared by a queue under test.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// queueFactory builds an empty queue using opts.
type queueFactory func(t *testing.T, opts Options) Queue

func testOptions(clock *testClock) Options {
	return Options{
		Now:     clock.Now,
		Backoff: Backoff{Base: time.Second, Max: time.Minute},
	}
}

// runQueueConformance checks the behavior every backend must share.
func runQueueConformance(t *testing.T, newQueue queueFactory) {
	t.Run("EnqueueLeaseAck", func(t *testing.T) {
		clock := newTestClock()
		q := newQueue(t, testOptions(clock))
		ctx := context.Background()

		id, err := q.Enqueue(ctx, api.JobTypeExecuteFlow, []byte(`{"flowRunId":"r1"}`), api.EnqueueOptions{})
		require.NoError(t, err)
		require.NotEmpty(t, id)

		job, err := q.Lease(ctx, nil, "w1", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, id, job.ID)
		assert.Equal(t, api.JobTypeExecuteFlow, job.Type)
		assert.JSONEq(t, `{"flowRunId":"r1"}`, string(job.Payload))
		assert.Equal(t, 0, job.Attempt)
		assert.Equal(t, api.DefaultMaxAttempts, job.MaxAttempts)
		assert.Equal(t, "w1", job.LeasedBy)

		stored, err := q.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, api.JobStatusActive, stored.Status(clock.Now()))

		again, err := q.Lease(ctx, nil, "w2", time.Minute)
		require.NoError(t, err)
		assert.Nil(t, again, "an active job must not be leased twice")

		require.NoError(t, q.Ack(ctx, id, "w1"))
		_, err = q.Get(ctx, id)
		assert.ErrorIs(t, err, api.ErrJobNotFound)

		// Acking an unknown job is a no-op.
		assert.NoError(t, q.Ack(ctx, id, "w1"))
	})

	t.Run("PriorityThenOldestFirst", func(t *testing.T) {
		clock := newTestClock()
		q := newQueue(t, testOptions(clock))
		ctx := context.Background()

		first, err := q.Enqueue(ctx, api.JobTypeExecuteFlow, nil, api.EnqueueOptions{})
		require.NoError(t, err)
		clock.Advance(time.Second)
		second, err := q.Enqueue(ctx, api.JobTypeExecuteFlow, nil, api.EnqueueOptions{})
		require.NoError(t, err)
		clock.Advance(time.Second)
		urgent, err := q.Enqueue(ctx, api.JobTypeStopFlow, nil, api.EnqueueOptions{Priority: api.PriorityHigh})
		require.NoError(t, err)

		var order []string
		for i := 0; i < 3; i++ {
			job, err := q.Lease(ctx, nil, "w1", time.Minute)
			require.NoError(t, err)
			require.NotNil(t, job)
			order = append(order, job.ID)
		}
		assert.Equal(t, []string{urgent, first, second}, order)
	})

	t.Run("DelayedJobBecomesEligible", func(t *testing.T) {
		clock := newTestClock()
		q := newQueue(t, testOptions(clock))
		ctx := context.Background()

		id, err := q.Enqueue(ctx, api.JobTypeDelayedFlow, nil, api.EnqueueOptions{
			NotBefore: clock.Now().Add(10 * time.Second),
		})
		require.NoError(t, err)

		job, err := q.Lease(ctx, nil, "w1", time.Minute)
		require.NoError(t, err)
		assert.Nil(t, job)

		stats, err := q.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats[api.JobTypeDelayedFlow][api.JobStatusDelayed])

		clock.Advance(10 * time.Second)
		job, err = q.Lease(ctx, nil, "w1", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, id, job.ID)
	})

	t.Run("LeaseFiltersByType", func(t *testing.T) {
		clock := newTestClock()
		q := newQueue(t, testOptions(clock))
		ctx := context.Background()

		_, err := q.Enqueue(ctx, api.JobTypeExecuteFlow, nil, api.EnqueueOptions{})
		require.NoError(t, err)
		clock.Advance(time.Second)
		pollID, err := q.Enqueue(ctx, api.JobTypeExecutePolling, nil, api.EnqueueOptions{})
		require.NoError(t, err)

		job, err := q.Lease(ctx, []api.JobType{api.JobTypeExecutePolling}, "w1", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, pollID, job.ID)

		job, err = q.Lease(ctx, []api.JobType{api.JobTypeExecutePolling, api.JobTypeDelayedFlow}, "w1", time.Minute)
		require.NoError(t, err)
		assert.Nil(t, job)
	})

	t.Run("NackBacksOffThenFails", func(t *testing.T) {
		clock := newTestClock()
		q := newQueue(t, testOptions(clock))
		ctx := context.Background()

		id, err := q.Enqueue(ctx, api.JobTypeExecuteFlow, nil, api.EnqueueOptions{MaxAttempts: 3})
		require.NoError(t, err)

		expectedDelays := []time.Duration{time.Second, 2 * time.Second}
		for i, delay := range expectedDelays {
			job, err := q.Lease(ctx, nil, "w1", time.Minute)
			require.NoError(t, err)
			require.NotNil(t, job, "lease %d", i)

			status, err := q.Nack(ctx, id, "w1", "boom")
			require.NoError(t, err)
			assert.Equal(t, api.JobStatusRetrying, status)

			stored, err := q.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, i+1, stored.Attempt)
			assert.Equal(t, "boom", stored.LastError)
			assert.True(t, stored.NotBefore.Equal(clock.Now().Add(delay)),
				"attempt %d: not_before %v, want now+%v", i+1, stored.NotBefore, delay)

			job, err = q.Lease(ctx, nil, "w1", time.Minute)
			require.NoError(t, err)
			assert.Nil(t, job, "retry must wait for its backoff")

			clock.Advance(delay)
		}

		job, err := q.Lease(ctx, nil, "w1", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, 2, job.Attempt)

		status, err := q.Nack(ctx, id, "w1", "boom")
		require.NoError(t, err)
		assert.Equal(t, api.JobStatusFailed, status)

		clock.Advance(time.Hour)
		job, err = q.Lease(ctx, nil, "w1", time.Minute)
		require.NoError(t, err)
		assert.Nil(t, job, "failed jobs are never leased")

		stats, err := q.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats[api.JobTypeExecuteFlow][api.JobStatusFailed])
	})

	t.Run("ForeignWorkerCannotSettle", func(t *testing.T) {
		clock := newTestClock()
		q := newQueue(t, testOptions(clock))
		ctx := context.Background()

		id, err := q.Enqueue(ctx, api.JobTypeExecuteFlow, nil, api.EnqueueOptions{})
		require.NoError(t, err)
		_, err = q.Lease(ctx, nil, "w1", time.Minute)
		require.NoError(t, err)

		assert.ErrorIs(t, q.Ack(ctx, id, "w2"), api.ErrLeaseLost)
		_, err = q.Nack(ctx, id, "w2", "nope")
		assert.ErrorIs(t, err, api.ErrLeaseLost)
		assert.ErrorIs(t, q.RenewLease(ctx, id, "w2", time.Minute), api.ErrLeaseLost)
	})

	t.Run("ExpiredLeaseReturnsAfterSweep", func(t *testing.T) {
		clock := newTestClock()
		q := newQueue(t, testOptions(clock))
		ctx := context.Background()

		id, err := q.Enqueue(ctx, api.JobTypeExecuteFlow, nil, api.EnqueueOptions{})
		require.NoError(t, err)
		_, err = q.Lease(ctx, nil, "w1", time.Second)
		require.NoError(t, err)

		clock.Advance(2 * time.Second)
		job, err := q.Lease(ctx, nil, "w2", time.Second)
		require.NoError(t, err)
		assert.Nil(t, job, "expired leases wait for the sweep")

		n, err := q.ExpireStaleLeases(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		job, err = q.Lease(ctx, nil, "w2", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, id, job.ID)
		assert.Equal(t, 0, job.Attempt, "expiry does not count as an attempt")

		assert.ErrorIs(t, q.Ack(ctx, id, "w1"), api.ErrLeaseLost)
		assert.NoError(t, q.Ack(ctx, id, "w2"))
	})

	t.Run("RenewLeaseKeepsJob", func(t *testing.T) {
		clock := newTestClock()
		q := newQueue(t, testOptions(clock))
		ctx := context.Background()

		id, err := q.Enqueue(ctx, api.JobTypeExecuteFlow, nil, api.EnqueueOptions{})
		require.NoError(t, err)
		_, err = q.Lease(ctx, nil, "w1", time.Second)
		require.NoError(t, err)

		clock.Advance(500 * time.Millisecond)
		require.NoError(t, q.RenewLease(ctx, id, "w1", time.Second))
		clock.Advance(800 * time.Millisecond)

		n, err := q.ExpireStaleLeases(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})

	t.Run("OneActiveJobPerRun", func(t *testing.T) {
		clock := newTestClock()
		q := newQueue(t, testOptions(clock))
		ctx := context.Background()

		first, err := q.Enqueue(ctx, api.JobTypeExecuteFlow, nil, api.EnqueueOptions{RunID: "run-a"})
		require.NoError(t, err)
		clock.Advance(time.Second)
		second, err := q.Enqueue(ctx, api.JobTypeStopFlow, nil, api.EnqueueOptions{RunID: "run-a"})
		require.NoError(t, err)
		clock.Advance(time.Second)
		other, err := q.Enqueue(ctx, api.JobTypeExecuteFlow, nil, api.EnqueueOptions{RunID: "run-b"})
		require.NoError(t, err)

		job, err := q.Lease(ctx, nil, "w1", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, first, job.ID)

		job, err = q.Lease(ctx, nil, "w2", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, other, job.ID, "run-a is busy, run-b must be served")

		job, err = q.Lease(ctx, nil, "w3", time.Minute)
		require.NoError(t, err)
		assert.Nil(t, job)

		require.NoError(t, q.Ack(ctx, first, "w1"))
		job, err = q.Lease(ctx, nil, "w3", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, second, job.ID)
	})

	t.Run("IdempotencyKeyDeduplicates", func(t *testing.T) {
		clock := newTestClock()
		q := newQueue(t, testOptions(clock))
		ctx := context.Background()

		opts := api.EnqueueOptions{IdempotencyKey: "resume:tok-1", RunID: "r1"}
		id1, err := q.Enqueue(ctx, api.JobTypeExecuteFlow, []byte(`{}`), opts)
		require.NoError(t, err)
		id2, err := q.Enqueue(ctx, api.JobTypeExecuteFlow, []byte(`{}`), opts)
		require.NoError(t, err)
		assert.Equal(t, id1, id2)

		stats, err := q.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats[api.JobTypeExecuteFlow][api.JobStatusQueued])
	})

	t.Run("FailedJobReleasesIdempotencyKey", func(t *testing.T) {
		clock := newTestClock()
		q := newQueue(t, testOptions(clock))
		ctx := context.Background()

		opts := api.EnqueueOptions{IdempotencyKey: "stop:r1", RunID: "r1", MaxAttempts: 1}
		dead, err := q.Enqueue(ctx, api.JobTypeStopFlow, []byte(`{}`), opts)
		require.NoError(t, err)

		job, err := q.Lease(ctx, nil, "w1", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, job)
		status, err := q.Nack(ctx, dead, "w1", "boom")
		require.NoError(t, err)
		require.Equal(t, api.JobStatusFailed, status)

		fresh, err := q.Enqueue(ctx, api.JobTypeStopFlow, []byte(`{}`), opts)
		require.NoError(t, err)
		assert.NotEqual(t, dead, fresh, "a failed job must not absorb new work")

		job, err = q.Lease(ctx, nil, "w1", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, fresh, job.ID)

		again, err := q.Enqueue(ctx, api.JobTypeStopFlow, []byte(`{}`), opts)
		require.NoError(t, err)
		assert.Equal(t, fresh, again, "the live job still holds the key")

		stored, err := q.Get(ctx, dead)
		require.NoError(t, err)
		assert.Equal(t, api.JobStatusFailed, stored.Status(clock.Now()))
	})

	t.Run("BusyRunBacklogDoesNotHideOtherRuns", func(t *testing.T) {
		clock := newTestClock()
		q := newQueue(t, testOptions(clock))
		ctx := context.Background()

		var head string
		for i := 0; i < 60; i++ {
			id, err := q.Enqueue(ctx, api.JobTypeExecuteFlow, nil, api.EnqueueOptions{RunID: "busy"})
			require.NoError(t, err)
			if i == 0 {
				head = id
			}
			clock.Advance(time.Millisecond)
		}
		other, err := q.Enqueue(ctx, api.JobTypeExecuteFlow, nil, api.EnqueueOptions{RunID: "idle"})
		require.NoError(t, err)

		job, err := q.Lease(ctx, nil, "w1", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, head, job.ID)

		job, err = q.Lease(ctx, nil, "w2", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, job, "the idle run sits behind a long backlog of a busy run")
		assert.Equal(t, other, job.ID)
	})

	t.Run("ConcurrentLeasesAreExclusive", func(t *testing.T) {
		clock := newTestClock()
		q := newQueue(t, testOptions(clock))
		ctx := context.Background()

		const jobs = 20
		for i := 0; i < jobs; i++ {
			_, err := q.Enqueue(ctx, api.JobTypeExecutePolling, nil, api.EnqueueOptions{})
			require.NoError(t, err)
		}

		var (
			mu     sync.Mutex
			leased []string
			wg     sync.WaitGroup
		)
		for w := 0; w < 6; w++ {
			wg.Add(1)
			go func(worker string) {
				defer wg.Done()
				for {
					job, err := q.Lease(ctx, nil, worker, time.Minute)
					if err != nil {
						t.Errorf("lease: %v", err)
						return
					}
					if job == nil {
						return
					}
					mu.Lock()
					leased = append(leased, job.ID)
					mu.Unlock()
				}
			}(string(rune('a' + w)))
		}
		wg.Wait()

		require.Len(t, leased, jobs)
		sort.Strings(leased)
		for i := 1; i < len(leased); i++ {
			assert.NotEqual(t, leased[i-1], leased[i], "job leased twice")
		}
	})
}

func TestBackoff_Monotonic(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: 2 * time.Second}
	prev := time.Duration(0)
	for attempt := 0; attempt < 10; attempt++ {
		d := b.Delay(attempt)
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, 2*time.Second)
		prev = d
	}
	assert.Equal(t, 100*time.Millisecond, b.Delay(0))
	assert.Equal(t, 800*time.Millisecond, b.Delay(3))
	assert.Equal(t, 2*time.Second, b.Delay(9))
}

func TestBackoff_JitterBounded(t *testing.T) {
	b := Backoff{Base: time.Second, Max: time.Minute, Jitter: 0.5, rand: func() float64 { return 0.999 }}
	d := b.Delay(1)
	assert.Greater(t, d, 2*time.Second)
	assert.Less(t, d, 3*time.Second)
}

func TestBackoff_Defaults(t *testing.T) {
	var b Backoff
	assert.Equal(t, DefaultBackoffBase, b.Delay(0))
	assert.Equal(t, DefaultBackoffMax, b.Delay(100))
}
