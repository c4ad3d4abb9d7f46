package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/flowrun/internal/taskqueue"
	"github.com/petrijr/flowrun/pkg/api"
)

func newQueue() *taskqueue.InMemoryQueue {
	return taskqueue.NewInMemoryQueue(taskqueue.Options{
		Backoff: taskqueue.Backoff{Base: time.Millisecond, Max: 10 * time.Millisecond},
	})
}

func newDispatcher(t *testing.T, cfg Config) *Dispatcher {
	t.Helper()
	if cfg.WorkerID == "" {
		cfg.WorkerID = "test"
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Millisecond
	}
	d, err := NewDispatcher(cfg)
	require.NoError(t, err)
	return d
}

func enqueue(t *testing.T, q taskqueue.Queue, opts api.EnqueueOptions) string {
	t.Helper()
	id, err := q.Enqueue(context.Background(), api.JobTypeExecuteFlow, []byte(`{}`), opts)
	require.NoError(t, err)
	return id
}

func TestNewDispatcher_RequiresQueueAndRegistry(t *testing.T) {
	_, err := NewDispatcher(Config{Registry: NewRegistry()})
	assert.Error(t, err)
	_, err = NewDispatcher(Config{Queue: newQueue()})
	assert.Error(t, err)
}

func TestDispatcher_AcksSuccessfulJob(t *testing.T) {
	q := newQueue()
	reg := NewRegistry()
	var seen atomic.Int32
	reg.MustRegister(api.JobTypeExecuteFlow, func(ctx context.Context, job *api.Job) error {
		seen.Add(1)
		return nil
	})
	metrics := &api.BasicMetrics{}
	d := newDispatcher(t, Config{Queue: q, Registry: reg, Observer: metrics})

	id := enqueue(t, q, api.EnqueueOptions{})
	processed, err := d.ProcessOne(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Equal(t, int32(1), seen.Load())

	_, err = q.Get(context.Background(), id)
	assert.ErrorIs(t, err, api.ErrJobNotFound)

	snap := metrics.Snapshot()
	assert.Equal(t, int64(1), snap.JobsLeased)
	assert.Equal(t, int64(1), snap.JobsCompleted)

	processed, err = d.ProcessOne(context.Background())
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestDispatcher_NacksFailureAndCallsExhaustion(t *testing.T) {
	q := newQueue()
	reg := NewRegistry()
	reg.MustRegister(api.JobTypeExecuteFlow, func(ctx context.Context, job *api.Job) error {
		return &api.StepError{StepName: "charge", Err: errors.New("card declined")}
	})

	var (
		mu        sync.Mutex
		exhausted []*api.Job
		lastErr   error
	)
	d := newDispatcher(t, Config{
		Queue:    q,
		Registry: reg,
		OnExhausted: func(ctx context.Context, job *api.Job, err error) {
			mu.Lock()
			defer mu.Unlock()
			exhausted = append(exhausted, job)
			lastErr = err
		},
	})

	id := enqueue(t, q, api.EnqueueOptions{MaxAttempts: 2})

	_, err := d.ProcessOne(context.Background())
	require.NoError(t, err)
	job, err := q.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 1, job.Attempt)
	assert.Contains(t, job.LastError, "card declined")
	assert.Empty(t, exhausted)

	require.Eventually(t, func() bool {
		processed, err := d.ProcessOne(context.Background())
		return err == nil && processed
	}, time.Second, 2*time.Millisecond)

	job, err = q.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, api.JobStatusFailed, job.Status(time.Now()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, exhausted, 1)
	assert.Equal(t, id, exhausted[0].ID)
	assert.Equal(t, "charge", api.FailedStep(lastErr))
}

func TestDispatcher_RecoversPanics(t *testing.T) {
	q := newQueue()
	reg := NewRegistry()
	reg.MustRegister(api.JobTypeExecuteFlow, func(ctx context.Context, job *api.Job) error {
		panic("boom")
	})
	d := newDispatcher(t, Config{Queue: q, Registry: reg})

	id := enqueue(t, q, api.EnqueueOptions{})
	processed, err := d.ProcessOne(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)

	job, err := q.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 1, job.Attempt)
	assert.Contains(t, job.LastError, "boom")
}

func TestDispatcher_HandlerTimeoutNacks(t *testing.T) {
	q := newQueue()
	reg := NewRegistry()
	reg.MustRegister(api.JobTypeExecuteFlow, func(ctx context.Context, job *api.Job) error {
		<-ctx.Done()
		return ctx.Err()
	})
	d := newDispatcher(t, Config{Queue: q, Registry: reg, HandlerTimeout: 20 * time.Millisecond})

	id := enqueue(t, q, api.EnqueueOptions{})
	_, err := d.ProcessOne(context.Background())
	require.NoError(t, err)

	job, err := q.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 1, job.Attempt)
	assert.Contains(t, job.LastError, context.DeadlineExceeded.Error())
}

func TestDispatcher_RunProcessesAllJobs(t *testing.T) {
	q := newQueue()
	reg := NewRegistry()
	var (
		done    atomic.Int32
		running atomic.Int32
		peak    atomic.Int32
	)
	reg.MustRegister(api.JobTypeExecuteFlow, func(ctx context.Context, job *api.Job) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
		done.Add(1)
		return nil
	})
	d := newDispatcher(t, Config{
		Queue:       q,
		Registry:    reg,
		Concurrency: map[api.JobType]int{api.JobTypeExecuteFlow: 3},
	})

	const jobs = 20
	for range jobs {
		enqueue(t, q, api.EnqueueOptions{})
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()

	require.Eventually(t, func() bool { return done.Load() == jobs }, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-errCh)

	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestDispatcher_RunWithoutHandlersFails(t *testing.T) {
	d := newDispatcher(t, Config{Queue: newQueue(), Registry: NewRegistry()})
	assert.Error(t, d.Run(context.Background()))
}

func TestDispatcher_HeartbeatKeepsLease(t *testing.T) {
	q := newQueue()
	reg := NewRegistry()
	started := make(chan struct{})
	release := make(chan struct{})
	reg.MustRegister(api.JobTypeExecuteFlow, func(ctx context.Context, job *api.Job) error {
		close(started)
		<-release
		return nil
	})
	d := newDispatcher(t, Config{Queue: q, Registry: reg, LeaseDuration: 60 * time.Millisecond})

	id := enqueue(t, q, api.EnqueueOptions{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = d.ProcessOne(context.Background())
	}()

	<-started
	time.Sleep(200 * time.Millisecond)

	n, err := q.ExpireStaleLeases(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n, "a renewed lease must not expire")

	job, err := q.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "test", job.LeasedBy)

	close(release)
	<-done
	_, err = q.Get(context.Background(), id)
	assert.ErrorIs(t, err, api.ErrJobNotFound)
}

func TestDispatcher_ShutdownLeavesJobLeased(t *testing.T) {
	q := newQueue()
	reg := NewRegistry()
	started := make(chan struct{})
	reg.MustRegister(api.JobTypeExecuteFlow, func(ctx context.Context, job *api.Job) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	d := newDispatcher(t, Config{
		Queue:       q,
		Registry:    reg,
		Concurrency: map[api.JobType]int{api.JobTypeExecuteFlow: 1},
	})

	id := enqueue(t, q, api.EnqueueOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()

	<-started
	cancel()
	require.NoError(t, <-errCh)

	job, err := q.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 0, job.Attempt)
	assert.NotEmpty(t, job.LeasedBy)
}

func TestDispatcher_DisabledTypeIsNotServed(t *testing.T) {
	q := newQueue()
	reg := NewRegistry()
	var seen atomic.Int32
	reg.MustRegister(api.JobTypeExecuteFlow, func(ctx context.Context, job *api.Job) error {
		seen.Add(1)
		return nil
	})
	reg.MustRegister(api.JobTypeStopFlow, noop)
	d := newDispatcher(t, Config{
		Queue:       q,
		Registry:    reg,
		Concurrency: map[api.JobType]int{api.JobTypeExecuteFlow: 0},
	})

	enqueue(t, q, api.EnqueueOptions{})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, d.Run(ctx))
	assert.Equal(t, int32(0), seen.Load())
}
