package api

import (
	"context"
	"encoding/json"
	"time"
)

// ExecutionKind tells the executor whether a run starts fresh or continues
// after a pause.
type ExecutionKind string

const (
	ExecutionBegin  ExecutionKind = "BEGIN"
	ExecutionResume ExecutionKind = "RESUME"
)

// ExecuteRequest is handed to an Executor for one EXECUTE_FLOW job.
type ExecuteRequest struct {
	Run  *FlowRun
	Kind ExecutionKind

	// Resume is set when Kind is ExecutionResume.
	Resume *ResumePayload

	// ResumeToken and ResumeURL are issued before execution so that a step
	// can hand the URL to a third party before it asks to pause.
	ResumeToken string
	ResumeURL   string
}

// PauseRequest is returned by an executor that wants to suspend the run.
type PauseRequest struct {
	Type      PauseType
	StepName  string
	Timeout   time.Duration
	OnTimeout TimeoutAction
}

// ExecutionResult is the outcome of one executor invocation.
type ExecutionResult struct {
	// Status is RUNNING never; PAUSED, SUCCEEDED or FAILED are valid.
	Status RunStatus

	// Pause must be set when Status is PAUSED.
	Pause *PauseRequest

	FailedStepName string
	FailureReason  string
	Output         json.RawMessage

	// Checkpoint is opaque continuation state persisted with the pause and
	// handed back on resume through FlowRun.Checkpoint.
	Checkpoint json.RawMessage
}

// Executor runs the steps of a flow. Returning an error means the attempt
// failed and the job is retried; wrap it in a StepError to name the step.
type Executor interface {
	Execute(ctx context.Context, req ExecuteRequest) (ExecutionResult, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, req ExecuteRequest) (ExecutionResult, error)

func (f ExecutorFunc) Execute(ctx context.Context, req ExecuteRequest) (ExecutionResult, error) {
	return f(ctx, req)
}
