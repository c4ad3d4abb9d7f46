package flowrun

import (
	"github.com/petrijr/flowrun/internal/interpreter"
	"github.com/petrijr/flowrun/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	FlowRun              = api.FlowRun
	RunStatus            = api.RunStatus
	PauseMetadata        = api.PauseMetadata
	ResumePayload        = api.ResumePayload
	Executor             = api.Executor
	ExecutorFunc         = api.ExecutorFunc
	ExecuteRequest       = api.ExecuteRequest
	ExecutionResult      = api.ExecutionResult
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver
	StepFunc             = interpreter.StepFunc
	RetryPolicy          = interpreter.RetryPolicy
	PauseOption          = interpreter.PauseOption
)

// Re-export common observer helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
)

// Re-export status values for convenience.

const (
	StatusRunning   = api.RunStatusRunning
	StatusPaused    = api.RunStatusPaused
	StatusSucceeded = api.RunStatusSucceeded
	StatusFailed    = api.RunStatusFailed
	StatusStopped   = api.RunStatusStopped
)

// Errors returned by resume and run operations.

var (
	ErrTokenNotFound     = api.ErrTokenNotFound
	ErrAlreadyResumed    = api.ErrAlreadyResumed
	ErrRunNotFound       = api.ErrRunNotFound
	ErrSyncTimeout       = api.ErrSyncTimeout
	ErrInvalidTransition = api.ErrInvalidTransition
)
