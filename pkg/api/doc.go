// Package api contains the public types shared by the flowrun queue, the
// run state machine and the HTTP surface.
//
// # Jobs
//
// A Job is one unit of queued work identified by a JobType. Its JobStatus is
// never stored: Job.Status projects it from the stored fields so that every
// backend reports the same value for the same data. QueueStats counts jobs
// per type and status and is zero-filled for every known type.
//
// # Flow runs
//
// A FlowRun moves through RUNNING, PAUSED and one of the terminal statuses
// SUCCEEDED, FAILED or STOPPED. A paused run carries PauseMetadata whose
// resume token is the only handle an external caller has to wake it up.
//
// # Executors
//
// The step graph of a flow is outside this module. An Executor receives an
// ExecuteRequest and reports an ExecutionResult: finished, failed, or paused
// with a PauseRequest and an opaque checkpoint. Returning an error instead
// makes the job retry; wrap it in a StepError to record which step failed
// once retries run out.
//
// # Errors
//
// Sentinel errors are compared with errors.Is. Backends wrap driver
// failures with StorageError.
//
// # Observability
//
// Observer receives job and run lifecycle callbacks. LoggingObserver writes
// them through zap, BasicMetrics keeps in-process counters, and
// NewCompositeObserver combines several observers.
package api
