package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/petrijr/flowrun/internal/logger"
	"github.com/petrijr/flowrun/internal/taskqueue"
	"github.com/petrijr/flowrun/pkg/api"
)

const (
	DefaultConcurrency   = 4
	DefaultLeaseDuration = 30 * time.Second
	DefaultPollInterval  = 500 * time.Millisecond
	DefaultSweepInterval = 15 * time.Second

	// settleTimeout bounds the ack/nack of a job whose handler outlived the
	// dispatcher context.
	settleTimeout = 5 * time.Second
)

// ExhaustionHandler is called after a nack moved a job to FAILED.
type ExhaustionHandler func(ctx context.Context, job *api.Job, err error)

// Config configures a Dispatcher.
type Config struct {
	Queue    taskqueue.Queue
	Registry *Registry

	// WorkerID prefixes the lease owner of every pool goroutine. Defaults
	// to the hostname plus a random suffix.
	WorkerID string

	DefaultConcurrency int
	// Concurrency overrides DefaultConcurrency per job type. A value <= 0
	// disables the type on this dispatcher.
	Concurrency map[api.JobType]int

	LeaseDuration time.Duration
	PollInterval  time.Duration
	// SweepInterval is how often expired leases are released. Negative
	// disables the sweep.
	SweepInterval time.Duration
	// HandlerTimeout bounds a single handler invocation. Zero means no bound.
	HandlerTimeout time.Duration

	// Breaker, when set, wraps Queue in a circuit breaker.
	Breaker *taskqueue.BreakerSettings

	Observer    api.Observer
	OnExhausted ExhaustionHandler
	Logger      *logger.Logger
	Tracer      trace.Tracer
}

// Dispatcher runs pools of workers that lease and execute jobs.
type Dispatcher struct {
	queue       taskqueue.Queue
	registry    *Registry
	workerID    string
	defaultConc int
	conc        map[api.JobType]int
	lease       time.Duration
	poll        time.Duration
	sweep       time.Duration
	timeout     time.Duration
	observer    api.Observer
	onExhausted ExhaustionHandler
	log         *logger.Logger
	tracer      trace.Tracer
}

// NewDispatcher validates cfg and fills in defaults.
func NewDispatcher(cfg Config) (*Dispatcher, error) {
	if cfg.Queue == nil {
		return nil, errors.New("worker: queue is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("worker: registry is required")
	}

	d := &Dispatcher{
		queue:       cfg.Queue,
		registry:    cfg.Registry,
		workerID:    cfg.WorkerID,
		defaultConc: cfg.DefaultConcurrency,
		conc:        cfg.Concurrency,
		lease:       cfg.LeaseDuration,
		poll:        cfg.PollInterval,
		sweep:       cfg.SweepInterval,
		timeout:     cfg.HandlerTimeout,
		observer:    cfg.Observer,
		onExhausted: cfg.OnExhausted,
		log:         cfg.Logger,
		tracer:      cfg.Tracer,
	}
	if cfg.Breaker != nil {
		d.queue = taskqueue.NewBreakerQueue(cfg.Queue, *cfg.Breaker)
	}
	if d.workerID == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "worker"
		}
		d.workerID = host + "-" + uuid.NewString()[:8]
	}
	if d.defaultConc <= 0 {
		d.defaultConc = DefaultConcurrency
	}
	if d.lease <= 0 {
		d.lease = DefaultLeaseDuration
	}
	if d.poll <= 0 {
		d.poll = DefaultPollInterval
	}
	if d.sweep == 0 {
		d.sweep = DefaultSweepInterval
	}
	if d.observer == nil {
		d.observer = api.NoopObserver{}
	}
	if d.log == nil {
		d.log = logger.Nop()
	}
	d.log = d.log.With("component", "dispatcher", "worker_id", d.workerID)
	if d.tracer == nil {
		d.tracer = otel.Tracer("github.com/petrijr/flowrun/pkg/worker")
	}
	return d, nil
}

// WorkerID returns the lease owner prefix of this dispatcher.
func (d *Dispatcher) WorkerID() string {
	return d.workerID
}

// Run starts the worker pools and the lease sweep and blocks until ctx is
// cancelled. In-flight handlers are waited for before Run returns.
func (d *Dispatcher) Run(ctx context.Context) error {
	types := d.registry.Types()
	if len(types) == 0 {
		return errors.New("worker: no handlers registered")
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, t := range types {
		n := d.concurrencyFor(t)
		if n <= 0 {
			d.log.Info("job type disabled", "job_type", t)
			continue
		}
		for i := 0; i < n; i++ {
			jobType, owner := t, fmt.Sprintf("%s-%s-%d", d.workerID, t, i)
			g.Go(func() error {
				d.loop(ctx, jobType, owner)
				return nil
			})
		}
		d.log.Info("worker pool started", "job_type", t, "concurrency", n)
	}
	if d.sweep > 0 {
		g.Go(func() error {
			d.sweepLoop(ctx)
			return nil
		})
	}

	<-ctx.Done()
	err := g.Wait()
	d.log.Info("dispatcher stopped")
	return err
}

func (d *Dispatcher) concurrencyFor(t api.JobType) int {
	if n, ok := d.conc[t]; ok {
		return n
	}
	return d.defaultConc
}

func (d *Dispatcher) loop(ctx context.Context, jobType api.JobType, owner string) {
	types := []api.JobType{jobType}
	timer := time.NewTimer(d.poll)
	defer timer.Stop()

	for {
		processed, err := d.processOne(ctx, types, owner)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			d.log.Warn("lease failed", "job_type", jobType, "error", err)
		}
		if processed {
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(d.poll)
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}
}

func (d *Dispatcher) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(d.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := d.queue.ExpireStaleLeases(ctx)
			switch {
			case err != nil && ctx.Err() == nil:
				d.log.Warn("lease sweep failed", "error", err)
			case n > 0:
				d.log.Info("released expired leases", "count", n)
			}
		}
	}
}

// ProcessOne leases a single job of any registered type and runs it.
// It reports whether a job was processed; the error covers leasing only,
// handler failures are settled through the queue.
func (d *Dispatcher) ProcessOne(ctx context.Context) (bool, error) {
	return d.processOne(ctx, d.registry.Types(), d.workerID)
}

func (d *Dispatcher) processOne(ctx context.Context, types []api.JobType, owner string) (bool, error) {
	job, err := d.queue.Lease(ctx, types, owner, d.lease)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	d.observer.OnJobLeased(ctx, job)
	d.execute(ctx, job, owner)
	return true, nil
}

func (d *Dispatcher) execute(ctx context.Context, job *api.Job, owner string) {
	ctx, span := d.tracer.Start(ctx, "job.execute", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.type", string(job.Type)),
		attribute.Int("job.attempt", job.Attempt),
		attribute.String("flow_run.id", job.RunID),
	))
	defer span.End()

	log := d.log.With("job_id", job.ID, "job_type", job.Type, "attempt", job.Attempt)
	start := time.Now()

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	go d.heartbeat(hbCtx, job, owner, log)
	err := d.invoke(ctx, job)
	stopHeartbeat()

	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		// Shutting down: let the lease lapse instead of spending an attempt.
		log.Info("job interrupted by shutdown")
		span.SetStatus(codes.Error, "interrupted")
		return
	}

	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	if err == nil {
		if ackErr := d.queue.Ack(settleCtx, job.ID, owner); ackErr != nil {
			log.Warn("ack failed", "error", ackErr)
			span.RecordError(ackErr)
		}
		d.observer.OnJobCompleted(ctx, job, time.Since(start))
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	status, nackErr := d.queue.Nack(settleCtx, job.ID, owner, err.Error())
	if nackErr != nil {
		log.Warn("nack failed", "error", nackErr, "handler_error", err)
		return
	}
	job.LastError = err.Error()
	d.observer.OnJobFailed(ctx, job, err, status)
	if status == api.JobStatusFailed && d.onExhausted != nil {
		d.onExhausted(settleCtx, job, err)
	}
}

// invoke runs the handler, turning a panic into an error.
func (d *Dispatcher) invoke(ctx context.Context, job *api.Job) (err error) {
	h, ok := d.registry.Lookup(job.Type)
	if !ok {
		return fmt.Errorf("%w: %s", api.ErrNoHandler, job.Type)
	}
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			d.log.Error("handler panic", "job_id", job.ID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}

func (d *Dispatcher) heartbeat(ctx context.Context, job *api.Job, owner string, log *logger.Logger) {
	interval := d.lease / 3
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := d.queue.RenewLease(ctx, job.ID, owner, d.lease)
			switch {
			case errors.Is(err, api.ErrLeaseLost):
				log.Warn("lease lost while handler running")
				return
			case err != nil && ctx.Err() == nil:
				log.Warn("lease renewal failed", "error", err)
			}
		}
	}
}
