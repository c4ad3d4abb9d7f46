// Package interpreter is a reference flow interpreter: a flow is an ordered
// list of named steps, each fed the output of the previous one.
//
// A step suspends the run by returning Pause(...). The run is checkpointed
// at that step, and when it is resumed the same step is invoked again with
// the same input and the resume payload available through ResumeFrom.
package interpreter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/petrijr/flowrun/pkg/api"
)

// StepFunc is the function executed by a step.
type StepFunc func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

// RetryPolicy controls in-process retries of a failing step. MaxAttempts
// includes the first call.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Multiplier grows the delay between attempts; <= 0 means 2.
	Multiplier float64
}

// Step is a named unit of a flow.
type Step struct {
	Name  string
	Fn    StepFunc
	Retry *RetryPolicy
}

// Flow is an ordered list of steps. It implements api.Executor.
type Flow struct {
	ID    string
	Steps []Step
}

// checkpoint is persisted with a pause.
type checkpoint struct {
	// Step is the index of the step that paused.
	Step int `json:"step"`
	// Input is what that step received.
	Input json.RawMessage `json:"input,omitempty"`
}

// Validate reports definition errors.
func (f *Flow) Validate() error {
	if f.ID == "" {
		return errors.New("flow id is required")
	}
	if len(f.Steps) == 0 {
		return fmt.Errorf("flow %q has no steps", f.ID)
	}
	seen := make(map[string]struct{}, len(f.Steps))
	for i, s := range f.Steps {
		if s.Name == "" {
			return fmt.Errorf("flow %q: step %d has no name", f.ID, i)
		}
		if s.Fn == nil {
			return fmt.Errorf("flow %q: step %q has nil function", f.ID, s.Name)
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("flow %q: duplicate step %q", f.ID, s.Name)
		}
		seen[s.Name] = struct{}{}
	}
	return nil
}

// Execute runs the flow from the beginning on BEGIN and from the paused step
// on RESUME.
//
// A step error, after its retry policy is spent, fails the run with the
// step's name. Only cancellation of ctx is returned as an error, so the job
// is delivered again.
func (f *Flow) Execute(ctx context.Context, req api.ExecuteRequest) (api.ExecutionResult, error) {
	start := 0
	current := req.Run.Input
	var resume *api.ResumePayload

	if req.Kind == api.ExecutionResume {
		var cp checkpoint
		if err := json.Unmarshal(req.Run.Checkpoint, &cp); err != nil {
			return api.ExecutionResult{}, fmt.Errorf("decode checkpoint of run %s: %w", req.Run.ID, err)
		}
		if cp.Step < 0 || cp.Step >= len(f.Steps) {
			return api.ExecutionResult{
				Status:        api.RunStatusFailed,
				FailureReason: fmt.Sprintf("checkpoint step %d out of range", cp.Step),
			}, nil
		}
		start = cp.Step
		current = cp.Input
		resume = &api.ResumePayload{}
		if req.Resume != nil {
			resume = req.Resume
		}
	}

	for i := start; i < len(f.Steps); i++ {
		step := f.Steps[i]
		c := &call{
			runID:       req.Run.ID,
			resumeToken: req.ResumeToken,
			resumeURL:   req.ResumeURL,
		}
		if i == start {
			// The resume payload belongs to the paused step only.
			c.resume = resume
		}

		out, err := runStep(withCall(ctx, c), step, current)
		if err == nil {
			current = out
			continue
		}

		var p *pauseError
		if errors.As(err, &p) {
			cp, err := json.Marshal(checkpoint{Step: i, Input: current})
			if err != nil {
				return api.ExecutionResult{}, err
			}
			return api.ExecutionResult{
				Status: api.RunStatusPaused,
				Pause: &api.PauseRequest{
					Type:      p.typ,
					StepName:  step.Name,
					Timeout:   p.timeout,
					OnTimeout: p.onTimeout,
				},
				Checkpoint: cp,
			}, nil
		}
		if ctx.Err() != nil {
			return api.ExecutionResult{}, &api.StepError{StepName: step.Name, Err: ctx.Err()}
		}
		return api.ExecutionResult{
			Status:         api.RunStatusFailed,
			FailedStepName: step.Name,
			FailureReason:  err.Error(),
		}, nil
	}

	return api.ExecutionResult{Status: api.RunStatusSucceeded, Output: current}, nil
}

// runStep calls the step, retrying per its policy. A pause is never retried.
func runStep(ctx context.Context, step Step, input json.RawMessage) (json.RawMessage, error) {
	maxAttempts := 1
	var (
		backoff    time.Duration
		maxBackoff time.Duration
		multiplier = 2.0
	)
	if r := step.Retry; r != nil {
		if r.MaxAttempts > 0 {
			maxAttempts = r.MaxAttempts
		}
		backoff = r.InitialBackoff
		maxBackoff = r.MaxBackoff
		if r.Multiplier > 0 {
			multiplier = r.Multiplier
		}
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		out, err := step.Fn(ctx, input)
		if err == nil || IsPause(err) {
			return out, err
		}
		lastErr = err

		if attempt == maxAttempts || backoff <= 0 {
			continue
		}
		delay := backoff
		if maxBackoff > 0 && delay > maxBackoff {
			delay = maxBackoff
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		backoff = time.Duration(float64(backoff) * multiplier)
	}
	return nil, lastErr
}
