// Package flowrun runs flows that can pause mid-execution and be resumed
// later by an HTTP call, a timer or an operator.
//
// # Core Concepts
//
//  1. Engine
//  2. Dispatcher
//  3. FlowBuilder
//  4. StepFunc
//  5. Bundle
//
// # Engine
//
// The Engine owns the flow run state machine. It starts runs, pauses them
// when a step asks to wait, resumes them through single-use tokens and
// stops them on request. Every transition happens through a job on the
// queue, so any process sharing the backend may carry it out.
//
// Runs and jobs can be stored in:
//
//   - memory (non-durable, best for tests)
//   - SQLite
//   - PostgreSQL
//   - Redis
//   - MongoDB
//
// # Dispatcher
//
// A Dispatcher leases jobs from the queue and runs the handler registered
// for each job type, with a separately sized worker pool per type. Jobs of
// a crashed worker are recovered once their lease runs out.
//
// # FlowBuilder
//
// FlowBuilder defines flows as an ordered list of steps:
//
//	flowrun.New("expense-approval").
//	    Step("validate", validate).
//	    WaitForWebhook("approve", flowrun.WithTimeout(48*time.Hour)).
//	    Step("pay", pay)
//
// # StepFunc
//
//	type StepFunc func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)
//
// A step receives the previous step's output. Returning Pause suspends the
// run; when it resumes the same step is called again and ResumeFrom
// returns the resume request. Steps may run more than once if a worker
// crashes, so they should be idempotent.
//
// # Bundle
//
// A Bundle wires an Engine, a Dispatcher and the queue metrics sampler on
// one backend, and serves the resume endpoints through HTTPHandler.
// NewLocalRunner returns an in-memory Bundle for development.
package flowrun
