package persistence

import (
	"context"
	"encoding/json"
	"time"

	"github.com/petrijr/flowrun/pkg/api"
)

// RunFilter is used to select runs from the store.
// Empty string / zero values mean "no filter" for that field.
type RunFilter struct {
	FlowID string
	Status api.RunStatus
	// Limit caps the result size; 0 means no limit.
	Limit int
}

// Transition describes the state a run moves into.
type Transition struct {
	Status         api.RunStatus
	FailedStepName string
	FailureReason  string
	Output         json.RawMessage
}

// RunStore persists flow runs and their resume tokens.
//
// Every state change is conditional on the current status, so duplicate
// deliveries of the same job can never move a run backwards.
type RunStore interface {
	CreateRun(ctx context.Context, run *api.FlowRun) error
	GetRun(ctx context.Context, id string) (*api.FlowRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*api.FlowRun, error)

	// MarkPaused moves a RUNNING run to PAUSED, storing meta and checkpoint
	// and registering meta.ResumeToken. A run in any other status yields
	// api.ErrInvalidTransition.
	MarkPaused(ctx context.Context, runID string, meta api.PauseMetadata, checkpoint json.RawMessage) (*api.FlowRun, error)

	// Finish moves a RUNNING run to the terminal status in t. If the run is
	// already terminal it returns the run with changed=false. A PAUSED run
	// yields api.ErrInvalidTransition; it must be left via ConsumePause.
	Finish(ctx context.Context, runID string, t Transition) (run *api.FlowRun, changed bool, err error)

	// ConsumePause is the atomic claim-and-clear of a resume token. It
	// consumes the token, clears the pause metadata and moves the run to
	// t.Status (RUNNING for a resume, FAILED or STOPPED otherwise). At most
	// one call per token succeeds. Later calls get api.ErrAlreadyResumed
	// when the token was consumed by a resume, api.ErrTokenNotFound
	// otherwise. Stores remember consumed tokens for the lifetime of the
	// run, including after it finishes.
	ConsumePause(ctx context.Context, token string, t Transition) (*api.FlowRun, error)

	// LookupPause returns the paused run owning token without changing it.
	// Errors match ConsumePause.
	LookupPause(ctx context.Context, token string) (*api.FlowRun, error)
}

// applyTransition writes t onto run at time now.
func applyTransition(run *api.FlowRun, t Transition, now time.Time) {
	run.Status = t.Status
	run.UpdatedAt = now
	run.Pause = nil
	if t.Status.IsTerminal() {
		finished := now
		run.FinishTime = &finished
		run.FailedStepName = t.FailedStepName
		run.FailureReason = t.FailureReason
		if len(t.Output) > 0 {
			run.Output = t.Output
		}
	}
}

// consumedError maps the status a token was consumed into to the error a
// later consumer receives.
func consumedError(consumedAs api.RunStatus) error {
	if consumedAs == api.RunStatusRunning {
		return api.ErrAlreadyResumed
	}
	return api.ErrTokenNotFound
}

func cloneRun(r *api.FlowRun) *api.FlowRun {
	c := *r
	if r.FinishTime != nil {
		t := *r.FinishTime
		c.FinishTime = &t
	}
	if r.Pause != nil {
		p := *r.Pause
		if r.Pause.TimeoutAt != nil {
			t := *r.Pause.TimeoutAt
			p.TimeoutAt = &t
		}
		c.Pause = &p
	}
	c.Input = append(json.RawMessage(nil), r.Input...)
	c.Output = append(json.RawMessage(nil), r.Output...)
	c.Checkpoint = append(json.RawMessage(nil), r.Checkpoint...)
	return &c
}
