// Package metrics keeps a periodically refreshed view of queue occupancy for
// the operational dashboard.
package metrics

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/petrijr/flowrun/internal/logger"
	"github.com/petrijr/flowrun/pkg/api"
)

// DefaultInterval is how often the queue is sampled.
const DefaultInterval = 5 * time.Second

// StatsSource is the part of taskqueue.Queue the aggregator reads.
type StatsSource interface {
	Stats(ctx context.Context) (api.QueueStats, error)
}

// Snapshot is one sample of the queue.
type Snapshot struct {
	Stats     api.QueueStats `json:"stats"`
	SampledAt time.Time      `json:"sampledAt"`
}

type Options struct {
	Interval time.Duration
	Logger   *logger.Logger
	Now      func() time.Time
}

// Aggregator samples a queue in the background and serves the latest
// sample to concurrent readers. It never writes to the queue.
type Aggregator struct {
	src      StatsSource
	interval time.Duration
	log      *logger.Logger
	now      func() time.Time

	latest atomic.Pointer[Snapshot]
}

func NewAggregator(src StatsSource, opts Options) *Aggregator {
	a := &Aggregator{
		src:      src,
		interval: opts.Interval,
		log:      opts.Logger,
		now:      opts.Now,
	}
	if a.interval <= 0 {
		a.interval = DefaultInterval
	}
	if a.log == nil {
		a.log = logger.Nop()
	}
	a.log = a.log.With("component", "queue-metrics")
	if a.now == nil {
		a.now = time.Now
	}
	return a
}

// Run samples immediately and then every interval until ctx is done.
// Sampling errors are logged; the previous snapshot stays in place.
func (a *Aggregator) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		if err := a.Sample(ctx); err != nil && ctx.Err() == nil {
			a.log.Warn("sample queue stats failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sample reads the queue once and publishes the result.
func (a *Aggregator) Sample(ctx context.Context) error {
	raw, err := a.src.Stats(ctx)
	if err != nil {
		return err
	}
	stats := api.NewQueueStats()
	for t, byStatus := range raw {
		for s, n := range byStatus {
			stats.Add(t, s, n)
		}
	}
	a.latest.Store(&Snapshot{Stats: stats, SampledAt: a.now()})
	return nil
}

// Snapshot returns the latest sample. Before the first sample every known
// job type is reported with zero counts and a zero SampledAt. The stats
// map is shared between readers and must not be modified.
func (a *Aggregator) Snapshot() Snapshot {
	if s := a.latest.Load(); s != nil {
		return *s
	}
	return Snapshot{Stats: api.NewQueueStats()}
}
