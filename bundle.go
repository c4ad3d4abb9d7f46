package flowrun

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.mongodb.org/mongo-driver/mongo"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/petrijr/flowrun/internal/engine"
	"github.com/petrijr/flowrun/internal/logger"
	"github.com/petrijr/flowrun/internal/metrics"
	"github.com/petrijr/flowrun/internal/persistence"
	"github.com/petrijr/flowrun/internal/server"
	"github.com/petrijr/flowrun/internal/taskqueue"
	"github.com/petrijr/flowrun/pkg/api"
	"github.com/petrijr/flowrun/pkg/worker"
)

// Options tunes a Bundle. The zero value is usable.
type Options struct {
	// Logger defaults to a no-op logger.
	Logger *zap.Logger
	// Observer receives lifecycle events in addition to Bundle.Counters.
	Observer Observer
	Tracer   trace.Tracer

	// PublicURL is the externally reachable base of resume URLs.
	PublicURL   string
	SyncTimeout time.Duration

	// MaxAttempts bounds executions of one flow run step sequence.
	MaxAttempts   int
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	BackoffJitter float64

	// Breaker wraps the queue in a circuit breaker that fails fast while
	// the store is down.
	Breaker            bool
	BreakerFailures    uint32
	BreakerOpenTimeout time.Duration

	WorkerID           string
	DefaultConcurrency int
	Concurrency        map[api.JobType]int
	LeaseDuration      time.Duration
	PollInterval       time.Duration
	SweepInterval      time.Duration
	HandlerTimeout     time.Duration

	MetricsInterval time.Duration
}

func (o Options) queueOptions() taskqueue.Options {
	return taskqueue.Options{Backoff: taskqueue.Backoff{
		Base:   o.BackoffBase,
		Max:    o.BackoffMax,
		Jitter: o.BackoffJitter,
	}}
}

// Bundle wires an Engine, a job queue and run store on the same backend, a
// Dispatcher consuming that queue and the queue metrics sampler.
type Bundle struct {
	Engine     *engine.Engine
	Registry   *worker.Registry
	Dispatcher *worker.Dispatcher
	Metrics    *metrics.Aggregator
	// Counters holds in-process job and run counters.
	Counters *api.BasicMetrics

	queue taskqueue.Queue
	relay *engine.RedisNotifier
	log   *logger.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan error
}

// NewInMemoryBundle returns a non-durable bundle, suited to tests and
// local development.
func NewInMemoryBundle(opts Options) (*Bundle, error) {
	return newBundle(taskqueue.NewInMemoryQueue(opts.queueOptions()), persistence.NewInMemoryStore(), nil, opts)
}

// NewSQLiteBundle constructs a durable bundle sharing the same SQLite
// database for runs and jobs.
//
//	db, _ := sql.Open("sqlite", "file:flowrun.db?_pragma=journal_mode(WAL)")
//	bundle, err := flowrun.NewSQLiteBundle(db, flowrun.Options{})
func NewSQLiteBundle(db *sql.DB, opts Options) (*Bundle, error) {
	q, err := taskqueue.NewSQLiteQueue(db, opts.queueOptions())
	if err != nil {
		return nil, err
	}
	runs, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	return newBundle(q, runs, nil, opts)
}

// NewPostgresBundle is NewSQLiteBundle for PostgreSQL through the pgx
// database/sql driver.
func NewPostgresBundle(ctx context.Context, db *sql.DB, opts Options) (*Bundle, error) {
	q, err := taskqueue.NewPostgresQueue(ctx, db, opts.queueOptions())
	if err != nil {
		return nil, err
	}
	runs, err := persistence.NewPostgresStore(ctx, db)
	if err != nil {
		return nil, err
	}
	return newBundle(q, runs, nil, opts)
}

// NewRedisBundle keeps runs and jobs under prefix. Sync resumes are woken
// across processes through Redis pub/sub.
func NewRedisBundle(client *redis.Client, prefix string, opts Options) (*Bundle, error) {
	relay := engine.NewRedisNotifier(client, prefix+":run-events", bundleLogger(opts))
	return newBundle(
		taskqueue.NewRedisQueue(client, prefix, opts.queueOptions()),
		persistence.NewRedisStore(client, prefix),
		relay,
		opts,
	)
}

// NewMongoBundle stores runs and jobs in database dbName.
func NewMongoBundle(ctx context.Context, client *mongo.Client, dbName string, opts Options) (*Bundle, error) {
	q, err := taskqueue.NewMongoQueue(ctx, client, dbName, opts.queueOptions())
	if err != nil {
		return nil, err
	}
	runs, err := persistence.NewMongoStore(ctx, client, dbName)
	if err != nil {
		return nil, err
	}
	return newBundle(q, runs, nil, opts)
}

func bundleLogger(opts Options) *logger.Logger {
	if opts.Logger == nil {
		return logger.Nop()
	}
	return logger.FromZap(opts.Logger)
}

func newBundle(q taskqueue.Queue, runs persistence.RunStore, relay *engine.RedisNotifier, opts Options) (*Bundle, error) {
	log := bundleLogger(opts)
	if opts.Breaker {
		q = taskqueue.NewBreakerQueue(q, taskqueue.BreakerSettings{
			Name:                "queue",
			ConsecutiveFailures: opts.BreakerFailures,
			OpenTimeout:         opts.BreakerOpenTimeout,
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn("queue breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			},
		})
	}

	counters := &api.BasicMetrics{}
	observer := api.NewCompositeObserver(counters, opts.Observer)

	cfg := engine.Config{
		Runs:        runs,
		Queue:       q,
		Observer:    observer,
		Logger:      log,
		PublicURL:   opts.PublicURL,
		SyncTimeout: opts.SyncTimeout,
		MaxAttempts: opts.MaxAttempts,
		Tracer:      opts.Tracer,
	}
	if relay != nil {
		cfg.Notifier = relay
	}
	eng, err := engine.New(cfg)
	if err != nil {
		return nil, err
	}

	reg := worker.NewRegistry()
	if err := eng.RegisterHandlers(reg); err != nil {
		return nil, err
	}
	d, err := worker.NewDispatcher(worker.Config{
		Queue:              q,
		Registry:           reg,
		WorkerID:           opts.WorkerID,
		DefaultConcurrency: opts.DefaultConcurrency,
		Concurrency:        opts.Concurrency,
		LeaseDuration:      opts.LeaseDuration,
		PollInterval:       opts.PollInterval,
		SweepInterval:      opts.SweepInterval,
		HandlerTimeout:     opts.HandlerTimeout,
		Observer:           observer,
		OnExhausted:        eng.OnExhausted,
		Logger:             log,
		Tracer:             opts.Tracer,
	})
	if err != nil {
		return nil, err
	}

	return &Bundle{
		Engine:     eng,
		Registry:   reg,
		Dispatcher: d,
		Metrics:    metrics.NewAggregator(q, metrics.Options{Interval: opts.MetricsInterval, Logger: log}),
		Counters:   counters,
		queue:      q,
		relay:      relay,
		log:        log,
	}, nil
}

// RegisterFlow binds an executor to a flow; FlowBuilder.Register calls it.
func (b *Bundle) RegisterFlow(flowID, versionID string, exec api.Executor) error {
	return b.Engine.RegisterFlow(flowID, versionID, exec)
}

// Handle registers a handler for a job type the engine does not own, such
// as EXECUTE_POLLING. Call it before Run.
func (b *Bundle) Handle(t api.JobType, h worker.Handler) error {
	return b.Registry.Register(t, h)
}

// Enqueue schedules a job. Trigger and poller collaborators use it.
func (b *Bundle) Enqueue(ctx context.Context, t api.JobType, payload []byte, opts api.EnqueueOptions) (string, error) {
	return b.queue.Enqueue(ctx, t, payload, opts)
}

// StartRun starts flowID with input encoded as JSON.
func (b *Bundle) StartRun(ctx context.Context, flowID string, input any) (*FlowRun, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}
	return b.Engine.StartRun(ctx, engine.StartRequest{FlowID: flowID, Input: raw})
}

func (b *Bundle) GetRun(ctx context.Context, id string) (*FlowRun, error) {
	return b.Engine.GetRun(ctx, id)
}

func (b *Bundle) Resume(ctx context.Context, token string, payload ResumePayload) (*FlowRun, error) {
	return b.Engine.Resume(ctx, token, payload)
}

// ResumeSync resumes and waits up to wait for the run to settle.
func (b *Bundle) ResumeSync(ctx context.Context, token string, payload ResumePayload, wait time.Duration) (*FlowRun, error) {
	return b.Engine.ResumeSync(ctx, token, payload, wait)
}

func (b *Bundle) StopRun(ctx context.Context, runID, reason string) error {
	return b.Engine.Stop(ctx, runID, reason)
}

// RouterConfig returns the HTTP handlers backed by this bundle.
func (b *Bundle) RouterConfig() server.RouterConfig {
	return server.RouterConfig{
		ResumeHandler:  server.NewResumeHandler(b.Engine),
		RunHandler:     server.NewRunHandler(b.Engine),
		MetricsHandler: server.NewMetricsHandler(b.Metrics, b.Counters),
		Logger:         b.log,
	}
}

// HTTPHandler serves the resume, run and metrics endpoints.
func (b *Bundle) HTTPHandler() http.Handler {
	return server.NewRouter(b.RouterConfig())
}

// Run runs the dispatcher and the background services until ctx is done.
func (b *Bundle) Run(ctx context.Context) error {
	return b.run(ctx, true)
}

// RunServices runs only what an API process needs: the metrics sampler
// and, for Redis, the relay that wakes synchronous resumes.
func (b *Bundle) RunServices(ctx context.Context) error {
	return b.run(ctx, false)
}

func (b *Bundle) run(ctx context.Context, dispatch bool) error {
	g, ctx := errgroup.WithContext(ctx)
	if dispatch {
		g.Go(func() error { return b.Dispatcher.Run(ctx) })
	}
	g.Go(func() error { return b.Metrics.Run(ctx) })
	if b.relay != nil {
		g.Go(func() error { return b.relay.Run(ctx, nil) })
	}
	return g.Wait()
}

// Start runs the bundle in the background until Stop.
//
// If Start is called more than once without Stop, it returns an error.
func (b *Bundle) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cancel != nil {
		return errors.New("flowrun: bundle already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan error, 1)
	go func(done chan<- error) {
		done <- b.Run(ctx)
	}(b.done)
	return nil
}

// Stop cancels the goroutines started by Start and waits for them to
// exit. Jobs being handled are left to their leases.
func (b *Bundle) Stop() error {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.cancel, b.done = nil, nil
	b.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	return <-done
}
