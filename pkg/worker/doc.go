// Package worker provides the dispatcher that drives flowrun jobs forward.
//
// A Dispatcher leases jobs from a taskqueue.Queue, runs the Handler
// registered for the job type and settles the job: a nil error acks it, an
// error nacks it so the queue retries it with backoff until MaxAttempts is
// reached.
//
// # Concurrency
//
// Every registered job type gets its own fixed pool of goroutines
// (Config.Concurrency, falling back to Config.DefaultConcurrency). A pool
// that finds nothing eligible sleeps for PollInterval; no goroutines are
// spawned per job.
//
// # Leases
//
// While a handler runs, its lease is renewed every LeaseDuration/3. A
// background sweep releases leases of crashed workers every SweepInterval so
// their jobs are delivered again with the attempt count unchanged.
//
// When the dispatcher shuts down, in-flight jobs that were cancelled are
// neither acked nor nacked; their leases lapse and the sweep hands them to
// another worker without spending an attempt.
//
// # Failures
//
// A panicking handler is recovered and treated as an error. When a nack
// reports the job FAILED, Config.OnExhausted is called so the owner of the
// job (for flow runs, the engine) can record the failure.
//
// # Observability
//
// Every job runs inside an OpenTelemetry span named "job.execute", and
// api.Observer callbacks report leases, completions and failures.
package worker
