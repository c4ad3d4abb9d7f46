package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/petrijr/flowrun/internal/persistence"
	"github.com/petrijr/flowrun/pkg/api"
)

// PauseOptions describes how a run is parked.
type PauseOptions struct {
	// Token is used when set; otherwise a new one is issued.
	Token    string
	Type     api.PauseType
	StepName string
	// Timeout schedules a DELAYED_FLOW job at now+Timeout. Zero waits
	// forever.
	Timeout time.Duration
	// OnTimeout defaults to FAIL for webhook pauses and RESUME for delays.
	OnTimeout  api.TimeoutAction
	Checkpoint json.RawMessage
}

// ResumeURL returns the public URL that resumes the pause owning token.
func (e *Engine) ResumeURL(token string) string {
	return e.publicURL + "/v1/resume/" + token
}

// Pause parks a RUNNING run and returns its resume URL.
//
// The timeout job is enqueued before the run is marked paused. If the pause
// is never committed, that job finds an unknown token and does nothing.
func (e *Engine) Pause(ctx context.Context, runID string, opts PauseOptions) (string, error) {
	token := opts.Token
	if token == "" {
		var err error
		if token, err = e.tokens.NewToken(); err != nil {
			return "", err
		}
	}

	meta := api.PauseMetadata{
		Type:        opts.Type,
		ResumeToken: token,
		CreatedAt:   e.now(),
		OnTimeout:   opts.OnTimeout,
		StepName:    opts.StepName,
	}
	if meta.Type == "" {
		meta.Type = api.PauseTypeWebhook
	}

	if opts.Timeout > 0 {
		at := meta.CreatedAt.Add(opts.Timeout)
		meta.TimeoutAt = &at
		if meta.OnTimeout == "" {
			meta.OnTimeout = api.TimeoutFail
			if meta.Type == api.PauseTypeDelay {
				meta.OnTimeout = api.TimeoutResume
			}
		}
		err := e.enqueue(ctx, api.JobTypeDelayedFlow, api.DelayedFlowPayload{
			FlowRunID:   runID,
			ResumeToken: token,
			OnTimeout:   meta.OnTimeout,
		}, api.EnqueueOptions{
			NotBefore:      at,
			RunID:          runID,
			IdempotencyKey: "timeout:" + token,
		})
		if err != nil {
			return "", err
		}
	}

	run, err := e.runs.MarkPaused(ctx, runID, meta, opts.Checkpoint)
	if err != nil {
		return "", err
	}

	e.observer.OnRunPaused(ctx, run)
	e.notifier.Publish(ctx, runID)
	e.log.Info("run paused", "run_id", runID, "step", meta.StepName, "resume_token", token)
	return e.ResumeURL(token), nil
}

// Resume consumes token and schedules the continuation of its run. It
// returns api.ErrTokenNotFound for unknown, expired or stopped tokens and
// api.ErrAlreadyResumed when an earlier resume consumed the token.
func (e *Engine) Resume(ctx context.Context, token string, payload api.ResumePayload) (*api.FlowRun, error) {
	run, err := e.runs.ConsumePause(ctx, token, persistence.Transition{Status: api.RunStatusRunning})
	if err != nil {
		return nil, err
	}
	e.observer.OnRunResumed(ctx, run)

	err = e.enqueue(ctx, api.JobTypeExecuteFlow, api.ExecuteFlowPayload{
		FlowRunID:   run.ID,
		Kind:        api.ExecutionResume,
		Resume:      &payload,
		ResumeToken: token,
	}, api.EnqueueOptions{
		RunID:          run.ID,
		MaxAttempts:    e.maxAttempts,
		IdempotencyKey: "resume:" + token,
	})
	if err != nil {
		// The token is spent; without a continuation the run cannot move.
		e.log.Error("schedule continuation failed", "run_id", run.ID, "error", err)
		if _, ferr := e.finish(context.WithoutCancel(ctx), run.ID, persistence.Transition{
			Status:        api.RunStatusFailed,
			FailureReason: "schedule continuation: " + err.Error(),
		}); ferr != nil {
			e.log.Error("mark stranded run failed", "run_id", run.ID, "error", ferr)
		}
		return nil, err
	}

	e.log.Info("run resumed", "run_id", run.ID, "timed_out", payload.TimedOut)
	return run, nil
}

// ResumeSync resumes the run and waits until it is terminal or paused
// again, at most wait (the configured sync timeout when wait <= 0). On
// timeout it returns the last observed run together with
// api.ErrSyncTimeout.
func (e *Engine) ResumeSync(ctx context.Context, token string, payload api.ResumePayload, wait time.Duration) (*api.FlowRun, error) {
	if wait <= 0 {
		wait = e.syncTimeout
	}

	paused, err := e.runs.LookupPause(ctx, token)
	if err != nil {
		return nil, err
	}
	events, unsubscribe := e.notifier.Subscribe(paused.ID)
	defer unsubscribe()

	run, err := e.Resume(ctx, token, payload)
	if err != nil {
		return nil, err
	}

	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	poll := time.NewTicker(e.syncPoll)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-deadline.C:
			return run, api.ErrSyncTimeout
		case <-events:
		case <-poll.C:
		}

		current, err := e.runs.GetRun(ctx, run.ID)
		if err != nil {
			return run, err
		}
		run = current
		if settled(run, token) {
			return run, nil
		}
	}
}

// settled reports whether a run resumed with token reached a resting state.
func settled(run *api.FlowRun, token string) bool {
	if run.Status.IsTerminal() {
		return true
	}
	return run.Status == api.RunStatusPaused && run.Pause != nil && run.Pause.ResumeToken != token
}

// ResumePreview is what a resume would deliver, without delivering it.
type ResumePreview struct {
	RunID    string            `json:"flowRunId"`
	FlowID   string            `json:"flowId"`
	StepName string            `json:"stepName,omitempty"`
	Payload  api.ResumePayload `json:"payload"`
}

// ResumeTest resolves token to its paused run and echoes the payload. It
// changes nothing.
func (e *Engine) ResumeTest(ctx context.Context, token string, payload api.ResumePayload) (*ResumePreview, error) {
	run, err := e.runs.LookupPause(ctx, token)
	if err != nil {
		return nil, err
	}
	return &ResumePreview{
		RunID:    run.ID,
		FlowID:   run.FlowID,
		StepName: run.Pause.StepName,
		Payload:  payload,
	}, nil
}

// isTokenGone reports errors meaning the pause was already resolved.
func isTokenGone(err error) bool {
	return errors.Is(err, api.ErrTokenNotFound) || errors.Is(err, api.ErrAlreadyResumed)
}
