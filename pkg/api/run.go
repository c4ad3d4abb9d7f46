package api

import (
	"encoding/json"
	"time"
)

// RunStatus is the lifecycle state of a flow run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusPaused    RunStatus = "PAUSED"
	RunStatusSucceeded RunStatus = "SUCCEEDED"
	RunStatusFailed    RunStatus = "FAILED"
	RunStatusStopped   RunStatus = "STOPPED"
)

// IsTerminal reports whether no further jobs may be scheduled for the run.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusStopped:
		return true
	default:
		return false
	}
}

// PauseType describes what a paused run waits for.
type PauseType string

const (
	PauseTypeWebhook PauseType = "WEBHOOK"
	PauseTypeDelay   PauseType = "DELAY"
)

// TimeoutAction decides what happens when a pause times out.
type TimeoutAction string

const (
	// TimeoutFail finishes the run as FAILED.
	TimeoutFail TimeoutAction = "FAIL"
	// TimeoutResume resumes the run with a synthetic timeout payload.
	TimeoutResume TimeoutAction = "RESUME"
)

// PauseMetadata is stored alongside a PAUSED run. It exists only while the
// run is paused.
type PauseMetadata struct {
	Type        PauseType     `json:"type"`
	ResumeToken string        `json:"resumeToken"`
	CreatedAt   time.Time     `json:"createdAt"`
	TimeoutAt   *time.Time    `json:"timeoutAt,omitempty"`
	OnTimeout   TimeoutAction `json:"onTimeout,omitempty"`
	StepName    string        `json:"stepName,omitempty"`
}

// FlowRun is one execution of a flow version.
type FlowRun struct {
	ID            string     `json:"id"`
	FlowID        string     `json:"flowId"`
	FlowVersionID string     `json:"flowVersionId"`
	Status        RunStatus  `json:"status"`
	StartTime     time.Time  `json:"startTime"`
	FinishTime    *time.Time `json:"finishTime,omitempty"`
	UpdatedAt     time.Time  `json:"updatedAt"`

	Pause *PauseMetadata `json:"pauseMetadata,omitempty"`

	FailedStepName string `json:"failedStepName,omitempty"`
	FailureReason  string `json:"failureReason,omitempty"`

	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	Checkpoint json.RawMessage `json:"-"`
}

// ResumePayload is the data delivered by an inbound resume request.
type ResumePayload struct {
	QueryParams map[string]string `json:"queryParams,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        json.RawMessage   `json:"body,omitempty"`

	// TimedOut is set on the synthetic payload delivered when a pause with
	// TimeoutResume expires.
	TimedOut bool `json:"timedOut,omitempty"`
}
