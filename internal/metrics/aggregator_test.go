package metrics

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

type failingSource struct{ calls atomic.Int32 }

func (f *failingSource) Stats(ctx context.Context) (api.QueueStats, error) {
	f.calls.Add(1)
	return nil, errors.New("store down")
}

func TestAggregator_ZeroFilledBeforeFirstSample(t *testing.T) {
	a := NewAggregator(taskqueue.NewInMemoryQueue(taskqueue.Options{}), Options{})

	snap := a.Snapshot()
	assert.True(t, snap.SampledAt.IsZero())
	for _, jt := range api.AllJobTypes() {
		require.Contains(t, snap.Stats, jt)
		for _, st := range api.AllJobStatuses() {
			assert.Equal(t, 0, snap.Stats[jt][st])
		}
	}
}

func TestAggregator_SampleCountsJobs(t *testing.T) {
	ctx := context.Background()
	q := taskqueue.NewInMemoryQueue(taskqueue.Options{})
	_, err := q.Enqueue(ctx, api.JobTypeExecuteFlow, nil, api.EnqueueOptions{})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, api.JobTypeExecuteFlow, nil, api.EnqueueOptions{})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, api.JobTypeDelayedFlow, nil, api.EnqueueOptions{NotBefore: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	_, err = q.Lease(ctx, []api.JobType{api.JobTypeExecuteFlow}, "w", time.Minute)
	require.NoError(t, err)

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	a := NewAggregator(q, Options{Now: func() time.Time { return now }})
	require.NoError(t, a.Sample(ctx))

	snap := a.Snapshot()
	assert.Equal(t, now, snap.SampledAt)
	assert.Equal(t, 1, snap.Stats[api.JobTypeExecuteFlow][api.JobStatusQueued])
	assert.Equal(t, 1, snap.Stats[api.JobTypeExecuteFlow][api.JobStatusActive])
	assert.Equal(t, 1, snap.Stats[api.JobTypeDelayedFlow][api.JobStatusDelayed])
	assert.Equal(t, 0, snap.Stats[api.JobTypeExecutePolling][api.JobStatusFailed])
}

func TestAggregator_FailedSampleKeepsPrevious(t *testing.T) {
	src := &failingSource{}
	a := NewAggregator(src, Options{})

	assert.Error(t, a.Sample(context.Background()))
	assert.True(t, a.Snapshot().SampledAt.IsZero())
}

func TestAggregator_RunSamplesPeriodically(t *testing.T) {
	src := &failingSource{}
	a := NewAggregator(src, Options{Interval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool { return src.calls.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestAggregator_ConcurrentReaders(t *testing.T) {
	ctx := context.Background()
	q := taskqueue.NewInMemoryQueue(taskqueue.Options{})
	a := NewAggregator(q, Options{})

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				if i%2 == 0 {
					_, _ = q.Enqueue(ctx, api.JobTypeExecuteWebhook, nil, api.EnqueueOptions{})
					_ = a.Sample(ctx)
				} else {
					_ = a.Snapshot().Stats[api.JobTypeExecuteWebhook][api.JobStatusQueued]
				}
			}
		}()
	}
	wg.Wait()

	require.NoError(t, a.Sample(ctx))
	assert.Equal(t, 200, a.Snapshot().Stats[api.JobTypeExecuteWebhook][api.JobStatusQueued])
}
