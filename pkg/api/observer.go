package api

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Observer receives callbacks from the dispatcher and the run state machine
// for logging and metrics.
//
// Implementations should be fast and non-blocking; they run on worker
// goroutines.
type Observer interface {
	// OnJobLeased is called after a worker leased a job and before its
	// handler runs.
	OnJobLeased(ctx context.Context, job *Job)

	// OnJobCompleted is called after a handler returned nil and the job
	// was acked.
	OnJobCompleted(ctx context.Context, job *Job, d time.Duration)

	// OnJobFailed is called after a handler error was nacked. status is
	// RETRYING or FAILED.
	OnJobFailed(ctx context.Context, job *Job, err error, status JobStatus)

	OnRunStarted(ctx context.Context, run *FlowRun)
	OnRunPaused(ctx context.Context, run *FlowRun)
	OnRunResumed(ctx context.Context, run *FlowRun)

	// OnRunFinished is called once when a run reaches a terminal status.
	OnRunFinished(ctx context.Context, run *FlowRun)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnJobLeased(ctx context.Context, job *Job)                              {}
func (NoopObserver) OnJobCompleted(ctx context.Context, job *Job, d time.Duration)          {}
func (NoopObserver) OnJobFailed(ctx context.Context, job *Job, err error, status JobStatus) {}
func (NoopObserver) OnRunStarted(ctx context.Context, run *FlowRun)                         {}
func (NoopObserver) OnRunPaused(ctx context.Context, run *FlowRun)                          {}
func (NoopObserver) OnRunResumed(ctx context.Context, run *FlowRun)                         {}
func (NoopObserver) OnRunFinished(ctx context.Context, run *FlowRun)                        {}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnJobLeased(ctx context.Context, job *Job) {
	for _, o := range c.observers {
		o.OnJobLeased(ctx, job)
	}
}

func (c *CompositeObserver) OnJobCompleted(ctx context.Context, job *Job, d time.Duration) {
	for _, o := range c.observers {
		o.OnJobCompleted(ctx, job, d)
	}
}

func (c *CompositeObserver) OnJobFailed(ctx context.Context, job *Job, err error, status JobStatus) {
	for _, o := range c.observers {
		o.OnJobFailed(ctx, job, err, status)
	}
}

func (c *CompositeObserver) OnRunStarted(ctx context.Context, run *FlowRun) {
	for _, o := range c.observers {
		o.OnRunStarted(ctx, run)
	}
}

func (c *CompositeObserver) OnRunPaused(ctx context.Context, run *FlowRun) {
	for _, o := range c.observers {
		o.OnRunPaused(ctx, run)
	}
}

func (c *CompositeObserver) OnRunResumed(ctx context.Context, run *FlowRun) {
	for _, o := range c.observers {
		o.OnRunResumed(ctx, run)
	}
}

func (c *CompositeObserver) OnRunFinished(ctx context.Context, run *FlowRun) {
	for _, o := range c.observers {
		o.OnRunFinished(ctx, run)
	}
}

// LoggingObserver writes structured logs through a zap SugaredLogger.
type LoggingObserver struct {
	Logger *zap.SugaredLogger
}

// NewLoggingObserver creates an Observer that logs job and run lifecycle
// events. If logger is nil, zap's global sugared logger is used.
func NewLoggingObserver(logger *zap.SugaredLogger) Observer {
	if logger == nil {
		logger = zap.S()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnJobLeased(ctx context.Context, job *Job) {
	o.Logger.Debugw("job_leased",
		"job_id", job.ID,
		"job_type", job.Type,
		"run_id", job.RunID,
		"attempt", job.Attempt,
	)
}

func (o *LoggingObserver) OnJobCompleted(ctx context.Context, job *Job, d time.Duration) {
	o.Logger.Debugw("job_completed",
		"job_id", job.ID,
		"job_type", job.Type,
		"duration", d,
	)
}

func (o *LoggingObserver) OnJobFailed(ctx context.Context, job *Job, err error, status JobStatus) {
	log := o.Logger.Warnw
	if status == JobStatusFailed {
		log = o.Logger.Errorw
	}
	log("job_failed",
		"job_id", job.ID,
		"job_type", job.Type,
		"run_id", job.RunID,
		"attempt", job.Attempt,
		"status", status,
		"error", err,
	)
}

func (o *LoggingObserver) OnRunStarted(ctx context.Context, run *FlowRun) {
	o.Logger.Infow("run_started", "run_id", run.ID, "flow_id", run.FlowID)
}

func (o *LoggingObserver) OnRunPaused(ctx context.Context, run *FlowRun) {
	step := ""
	if run.Pause != nil {
		step = run.Pause.StepName
	}
	o.Logger.Infow("run_paused", "run_id", run.ID, "step", step)
}

func (o *LoggingObserver) OnRunResumed(ctx context.Context, run *FlowRun) {
	o.Logger.Infow("run_resumed", "run_id", run.ID)
}

func (o *LoggingObserver) OnRunFinished(ctx context.Context, run *FlowRun) {
	if run.Status == RunStatusFailed {
		o.Logger.Errorw("run_finished",
			"run_id", run.ID,
			"status", run.Status,
			"failed_step", run.FailedStepName,
			"reason", run.FailureReason,
		)
		return
	}
	o.Logger.Infow("run_finished", "run_id", run.ID, "status", run.Status)
}

// BasicMetrics collects in-process counters. Acked jobs are deleted from the
// queue, so these counters are the only record of completed work.
type BasicMetrics struct {
	NoopObserver

	jobsLeased    atomic.Int64
	jobsCompleted atomic.Int64
	jobsRetried   atomic.Int64
	jobsFailed    atomic.Int64
	totalJobNanos atomic.Int64
	runsStarted   atomic.Int64
	runsPaused    atomic.Int64
	runsResumed   atomic.Int64
	runsSucceeded atomic.Int64
	runsFailed    atomic.Int64
	runsStopped   atomic.Int64
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	JobsLeased     int64         `json:"jobsLeased"`
	JobsCompleted  int64         `json:"jobsCompleted"`
	JobsRetried    int64         `json:"jobsRetried"`
	JobsFailed     int64         `json:"jobsFailed"`
	AvgJobDuration time.Duration `json:"avgJobDuration"`

	RunsStarted   int64 `json:"runsStarted"`
	RunsPaused    int64 `json:"runsPaused"`
	RunsResumed   int64 `json:"runsResumed"`
	RunsSucceeded int64 `json:"runsSucceeded"`
	RunsFailed    int64 `json:"runsFailed"`
	RunsStopped   int64 `json:"runsStopped"`
}

func (m *BasicMetrics) OnJobLeased(ctx context.Context, job *Job) {
	m.jobsLeased.Add(1)
}

func (m *BasicMetrics) OnJobCompleted(ctx context.Context, job *Job, d time.Duration) {
	m.jobsCompleted.Add(1)
	m.totalJobNanos.Add(d.Nanoseconds())
}

func (m *BasicMetrics) OnJobFailed(ctx context.Context, job *Job, err error, status JobStatus) {
	if status == JobStatusFailed {
		m.jobsFailed.Add(1)
		return
	}
	m.jobsRetried.Add(1)
}

func (m *BasicMetrics) OnRunStarted(ctx context.Context, run *FlowRun) { m.runsStarted.Add(1) }
func (m *BasicMetrics) OnRunPaused(ctx context.Context, run *FlowRun)  { m.runsPaused.Add(1) }
func (m *BasicMetrics) OnRunResumed(ctx context.Context, run *FlowRun) { m.runsResumed.Add(1) }

func (m *BasicMetrics) OnRunFinished(ctx context.Context, run *FlowRun) {
	switch run.Status {
	case RunStatusSucceeded:
		m.runsSucceeded.Add(1)
	case RunStatusFailed:
		m.runsFailed.Add(1)
	case RunStatusStopped:
		m.runsStopped.Add(1)
	}
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	completed := m.jobsCompleted.Load()
	var avg time.Duration
	if completed > 0 {
		avg = time.Duration(m.totalJobNanos.Load() / completed)
	}
	return BasicMetricsSnapshot{
		JobsLeased:     m.jobsLeased.Load(),
		JobsCompleted:  completed,
		JobsRetried:    m.jobsRetried.Load(),
		JobsFailed:     m.jobsFailed.Load(),
		AvgJobDuration: avg,
		RunsStarted:    m.runsStarted.Load(),
		RunsPaused:     m.runsPaused.Load(),
		RunsResumed:    m.runsResumed.Load(),
		RunsSucceeded:  m.runsSucceeded.Load(),
		RunsFailed:     m.runsFailed.Load(),
		RunsStopped:    m.runsStopped.Load(),
	}
}
