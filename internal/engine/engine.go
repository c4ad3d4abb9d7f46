// Package engine implements the flow-run state machine and the pause/resume
// coordinator on top of a persistence.RunStore and a taskqueue.Queue.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/petrijr/flowrun/internal/logger"
	"github.com/petrijr/flowrun/internal/persistence"
	"github.com/petrijr/flowrun/internal/taskqueue"
	"github.com/petrijr/flowrun/pkg/api"
	"github.com/petrijr/flowrun/pkg/worker"
)

const (
	DefaultSyncTimeout      = 30 * time.Second
	DefaultSyncPollInterval = 250 * time.Millisecond
	DefaultEnqueueAttempts  = 5
)

// ErrUnknownFlow is returned by StartRun for flows without an executor.
var ErrUnknownFlow = errors.New("unknown flow")

// Config describes how to construct an Engine.
type Config struct {
	Runs  persistence.RunStore
	Queue taskqueue.Queue

	// Executor runs flows that have no executor registered with
	// RegisterFlow. Optional.
	Executor api.Executor

	Tokens   TokenIssuer
	Notifier Notifier
	Observer api.Observer
	Logger   *logger.Logger
	Tracer   trace.Tracer

	// PublicURL is the externally reachable base URL used in resume URLs.
	PublicURL string

	SyncTimeout      time.Duration
	SyncPollInterval time.Duration

	// MaxAttempts is used for EXECUTE_FLOW jobs. Defaults to
	// api.DefaultMaxAttempts.
	MaxAttempts int

	// EnqueueAttempts and EnqueueBackoff bound the retries of enqueues that
	// follow a committed state change.
	EnqueueAttempts int
	EnqueueBackoff  taskqueue.Backoff

	Now func() time.Time
}

// Engine drives flow runs: it starts them, executes them through the
// configured executors when the dispatcher delivers EXECUTE_FLOW jobs,
// parks them on pause and resumes them exactly once per token.
type Engine struct {
	runs        persistence.RunStore
	queue       taskqueue.Queue
	flows       *flowRegistry
	fallback    api.Executor
	tokens      TokenIssuer
	notifier    Notifier
	observer    api.Observer
	log         *logger.Logger
	tracer      trace.Tracer
	publicURL   string
	syncTimeout time.Duration
	syncPoll    time.Duration
	maxAttempts int
	enqAttempts int
	enqBackoff  taskqueue.Backoff
	now         func() time.Time
}

// New validates cfg and returns an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Runs == nil {
		return nil, errors.New("engine: run store is required")
	}
	if cfg.Queue == nil {
		return nil, errors.New("engine: queue is required")
	}

	e := &Engine{
		runs:        cfg.Runs,
		queue:       cfg.Queue,
		flows:       newFlowRegistry(),
		fallback:    cfg.Executor,
		tokens:      cfg.Tokens,
		notifier:    cfg.Notifier,
		observer:    cfg.Observer,
		log:         cfg.Logger,
		tracer:      cfg.Tracer,
		publicURL:   strings.TrimRight(cfg.PublicURL, "/"),
		syncTimeout: cfg.SyncTimeout,
		syncPoll:    cfg.SyncPollInterval,
		maxAttempts: cfg.MaxAttempts,
		enqAttempts: cfg.EnqueueAttempts,
		enqBackoff:  cfg.EnqueueBackoff,
		now:         cfg.Now,
	}
	if e.tokens == nil {
		e.tokens = NanoidTokenIssuer{}
	}
	if e.notifier == nil {
		e.notifier = NewLocalNotifier()
	}
	if e.observer == nil {
		e.observer = api.NoopObserver{}
	}
	if e.log == nil {
		e.log = logger.Nop()
	}
	e.log = e.log.With("component", "engine")
	if e.tracer == nil {
		e.tracer = otel.Tracer("github.com/petrijr/flowrun/internal/engine")
	}
	if e.syncTimeout <= 0 {
		e.syncTimeout = DefaultSyncTimeout
	}
	if e.syncPoll <= 0 {
		e.syncPoll = DefaultSyncPollInterval
	}
	if e.maxAttempts <= 0 {
		e.maxAttempts = api.DefaultMaxAttempts
	}
	if e.enqAttempts <= 0 {
		e.enqAttempts = DefaultEnqueueAttempts
	}
	if e.enqBackoff.Base <= 0 {
		e.enqBackoff = taskqueue.Backoff{Base: 50 * time.Millisecond, Max: 2 * time.Second, Jitter: 0.2}
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e, nil
}

// RegisterFlow binds an executor to a flow. See flowRegistry.Register.
func (e *Engine) RegisterFlow(flowID, versionID string, exec api.Executor) error {
	return e.flows.Register(flowID, versionID, exec)
}

// RegisterHandlers registers the handlers of the job types the engine owns.
func (e *Engine) RegisterHandlers(r *worker.Registry) error {
	for t, h := range map[api.JobType]worker.Handler{
		api.JobTypeExecuteFlow: e.HandleExecuteFlow,
		api.JobTypeDelayedFlow: e.HandleDelayedFlow,
		api.JobTypeStopFlow:    e.HandleStopFlow,
	} {
		if err := r.Register(t, h); err != nil {
			return err
		}
	}
	return nil
}

// StartRequest describes a new run.
type StartRequest struct {
	FlowID        string
	FlowVersionID string
	Input         json.RawMessage
}

// StartRun creates a RUNNING run and schedules its first execution.
func (e *Engine) StartRun(ctx context.Context, req StartRequest) (*api.FlowRun, error) {
	if req.FlowID == "" {
		return nil, errors.New("flow id is required")
	}
	if e.fallback == nil && !e.flows.Has(req.FlowID) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFlow, req.FlowID)
	}

	now := e.now()
	run := &api.FlowRun{
		ID:            uuid.NewString(),
		FlowID:        req.FlowID,
		FlowVersionID: req.FlowVersionID,
		Status:        api.RunStatusRunning,
		StartTime:     now,
		UpdatedAt:     now,
		Input:         req.Input,
	}
	if err := e.runs.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	e.observer.OnRunStarted(ctx, run)

	err := e.enqueue(ctx, api.JobTypeExecuteFlow, api.ExecuteFlowPayload{
		FlowRunID: run.ID,
		Kind:      api.ExecutionBegin,
	}, api.EnqueueOptions{
		RunID:          run.ID,
		MaxAttempts:    e.maxAttempts,
		IdempotencyKey: "begin:" + run.ID,
	})
	if err != nil {
		e.log.Error("schedule first execution failed", "run_id", run.ID, "error", err)
		if _, _, ferr := e.runs.Finish(ctx, run.ID, persistence.Transition{
			Status:        api.RunStatusFailed,
			FailureReason: err.Error(),
		}); ferr != nil {
			e.log.Error("mark unscheduled run failed", "run_id", run.ID, "error", ferr)
		}
		return nil, err
	}

	e.log.Info("run started", "run_id", run.ID, "flow_id", run.FlowID)
	return run, nil
}

func (e *Engine) GetRun(ctx context.Context, id string) (*api.FlowRun, error) {
	return e.runs.GetRun(ctx, id)
}

func (e *Engine) ListRuns(ctx context.Context, filter persistence.RunFilter) ([]*api.FlowRun, error) {
	return e.runs.ListRuns(ctx, filter)
}

// Stop schedules a STOP_FLOW control job for the run. The run becomes
// STOPPED once the job is processed; a stop of a terminal run is rejected
// with api.ErrInvalidTransition.
func (e *Engine) Stop(ctx context.Context, runID, reason string) error {
	run, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return fmt.Errorf("%w: run %s is %s", api.ErrInvalidTransition, runID, run.Status)
	}
	return e.enqueue(ctx, api.JobTypeStopFlow, api.StopFlowPayload{
		FlowRunID: runID,
		Reason:    reason,
	}, api.EnqueueOptions{
		RunID:          runID,
		Priority:       api.PriorityHigh,
		IdempotencyKey: "stop:" + runID,
	})
}

// enqueue encodes payload and enqueues it, retrying storage failures with
// backoff. It is used after a state change was committed, when giving up
// would strand the run.
func (e *Engine) enqueue(ctx context.Context, t api.JobType, payload any, opts api.EnqueueOptions) error {
	data, err := api.EncodePayload(payload)
	if err != nil {
		return err
	}

	for attempt := 0; ; attempt++ {
		_, err = e.queue.Enqueue(ctx, t, data, opts)
		if err == nil || !errors.Is(err, api.ErrStorage) || attempt+1 >= e.enqAttempts {
			return err
		}
		delay := e.enqBackoff.Delay(attempt)
		e.log.Warn("enqueue failed, retrying", "job_type", t, "run_id", opts.RunID, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// finish moves a RUNNING run to a terminal status and reports it once.
func (e *Engine) finish(ctx context.Context, runID string, t persistence.Transition) (*api.FlowRun, error) {
	run, changed, err := e.runs.Finish(ctx, runID, t)
	if err != nil {
		return nil, err
	}
	if changed {
		e.finished(ctx, run)
	}
	return run, nil
}

func (e *Engine) finished(ctx context.Context, run *api.FlowRun) {
	e.observer.OnRunFinished(ctx, run)
	e.notifier.Publish(ctx, run.ID)
	e.log.Info("run finished", "run_id", run.ID, "status", run.Status,
		"failed_step", run.FailedStepName, "reason", run.FailureReason)
}
