package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/petrijr/flowrun/internal/persistence"
	"github.com/petrijr/flowrun/pkg/api"
)

// stopAttempts bounds how often a stop re-reads a run that changed under it.
const stopAttempts = 3

// HandleExecuteFlow runs one execution of a flow run.
//
// A missing, terminal or paused run means the job is a duplicate delivery;
// it is acked without executing. Executor errors are returned so the job
// is retried.
func (e *Engine) HandleExecuteFlow(ctx context.Context, job *api.Job) error {
	p, err := api.DecodePayload[api.ExecuteFlowPayload](job.Payload)
	if err != nil {
		return err
	}
	log := e.log.With("run_id", p.FlowRunID, "job_id", job.ID, "kind", p.Kind)

	run, err := e.runs.GetRun(ctx, p.FlowRunID)
	if errors.Is(err, api.ErrRunNotFound) {
		log.Warn("execute job for unknown run dropped")
		return nil
	}
	if err != nil {
		return err
	}
	if run.Status != api.RunStatusRunning {
		log.Debug("duplicate execute job ignored", "status", run.Status)
		return nil
	}

	exec, ok := e.flows.Get(run.FlowID, run.FlowVersionID)
	if !ok {
		exec = e.fallback
	}
	if exec == nil {
		return fmt.Errorf("no executor for flow %s version %q", run.FlowID, run.FlowVersionID)
	}

	token, err := e.tokens.NewToken()
	if err != nil {
		return err
	}
	req := api.ExecuteRequest{
		Run:         run,
		Kind:        p.Kind,
		Resume:      p.Resume,
		ResumeToken: token,
		ResumeURL:   e.ResumeURL(token),
	}

	ctx, span := e.tracer.Start(ctx, "flow_run.execute", trace.WithAttributes(
		attribute.String("flow_run.id", run.ID),
		attribute.String("flow.id", run.FlowID),
		attribute.String("execution.kind", string(p.Kind)),
	))
	res, err := exec.Execute(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		log.Warn("execution failed", "attempt", job.Attempt, "failed_step", api.FailedStep(err), "error", err)
		return err
	}
	span.SetAttributes(attribute.String("flow_run.status", string(res.Status)))
	span.End()

	switch res.Status {
	case api.RunStatusPaused:
		if res.Pause == nil {
			return errors.New("executor paused without pause request")
		}
		_, err := e.Pause(ctx, run.ID, PauseOptions{
			Token:      token,
			Type:       res.Pause.Type,
			StepName:   res.Pause.StepName,
			Timeout:    res.Pause.Timeout,
			OnTimeout:  res.Pause.OnTimeout,
			Checkpoint: res.Checkpoint,
		})
		if errors.Is(err, api.ErrInvalidTransition) {
			log.Warn("pause of non-running run ignored")
			return nil
		}
		return err

	case api.RunStatusSucceeded, api.RunStatusFailed, api.RunStatusStopped:
		_, err := e.finish(ctx, run.ID, persistence.Transition{
			Status:         res.Status,
			FailedStepName: res.FailedStepName,
			FailureReason:  res.FailureReason,
			Output:         res.Output,
		})
		if errors.Is(err, api.ErrInvalidTransition) {
			log.Warn("finish of non-running run ignored")
			return nil
		}
		return err

	default:
		return fmt.Errorf("executor returned invalid status %q", res.Status)
	}
}

// HandleDelayedFlow applies the timeout of a pause. A pause that was
// already resolved makes the job a no-op.
func (e *Engine) HandleDelayedFlow(ctx context.Context, job *api.Job) error {
	p, err := api.DecodePayload[api.DelayedFlowPayload](job.Payload)
	if err != nil {
		return err
	}
	log := e.log.With("run_id", p.FlowRunID, "job_id", job.ID, "on_timeout", p.OnTimeout)

	if p.OnTimeout == api.TimeoutResume {
		_, err := e.Resume(ctx, p.ResumeToken, api.ResumePayload{TimedOut: true})
		if isTokenGone(err) {
			log.Debug("timeout of resolved pause ignored")
			return nil
		}
		return err
	}

	paused, err := e.runs.LookupPause(ctx, p.ResumeToken)
	if isTokenGone(err) {
		log.Debug("timeout of resolved pause ignored")
		return nil
	}
	if err != nil {
		return err
	}

	run, err := e.runs.ConsumePause(ctx, p.ResumeToken, persistence.Transition{
		Status:         api.RunStatusFailed,
		FailedStepName: paused.Pause.StepName,
		FailureReason:  api.ErrPauseTimeout.Error(),
	})
	if isTokenGone(err) {
		log.Debug("timeout lost race with resume")
		return nil
	}
	if err != nil {
		return err
	}
	e.finished(ctx, run)
	return nil
}

// HandleStopFlow moves a run to STOPPED. Stopping a paused run consumes its
// token, so later resumes get api.ErrTokenNotFound.
func (e *Engine) HandleStopFlow(ctx context.Context, job *api.Job) error {
	p, err := api.DecodePayload[api.StopFlowPayload](job.Payload)
	if err != nil {
		return err
	}
	reason := p.Reason
	if reason == "" {
		reason = "stopped"
	}
	t := persistence.Transition{Status: api.RunStatusStopped, FailureReason: reason}

	for range stopAttempts {
		run, err := e.runs.GetRun(ctx, p.FlowRunID)
		if errors.Is(err, api.ErrRunNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		switch run.Status {
		case api.RunStatusPaused:
			stopped, err := e.runs.ConsumePause(ctx, run.Pause.ResumeToken, t)
			if isTokenGone(err) {
				continue
			}
			if err != nil {
				return err
			}
			e.finished(ctx, stopped)
			return nil

		case api.RunStatusRunning:
			_, err := e.finish(ctx, run.ID, t)
			if errors.Is(err, api.ErrInvalidTransition) {
				continue
			}
			return err

		default:
			return nil
		}
	}
	return fmt.Errorf("stop run %s: run kept changing", p.FlowRunID)
}

// OnExhausted records the failure of a job that ran out of attempts. It is
// installed as the dispatcher's exhaustion hook.
func (e *Engine) OnExhausted(ctx context.Context, job *api.Job, cause error) {
	log := e.log.With("job_id", job.ID, "job_type", job.Type, "run_id", job.RunID)

	switch job.Type {
	case api.JobTypeExecuteFlow:
		p, err := api.DecodePayload[api.ExecuteFlowPayload](job.Payload)
		if err != nil {
			log.Error("exhausted job has invalid payload", "error", err)
			return
		}
		_, err = e.finish(ctx, p.FlowRunID, persistence.Transition{
			Status:         api.RunStatusFailed,
			FailedStepName: api.FailedStep(cause),
			FailureReason:  cause.Error(),
		})
		if err != nil && !errors.Is(err, api.ErrInvalidTransition) {
			log.Error("mark exhausted run failed", "error", err)
		}
	case api.JobTypeDelayedFlow, api.JobTypeStopFlow:
		e.reschedule(ctx, job, cause)
	default:
		log.Error("job exhausted", "error", cause)
	}
}

// reschedule puts an exhausted timeout or stop job back on the queue after
// a cooldown. Dropping either would leave its run paused or running with
// nothing left to move it. The dead job has released its idempotency key,
// so the copy takes the key over.
func (e *Engine) reschedule(ctx context.Context, job *api.Job, cause error) {
	log := e.log.With("job_id", job.ID, "job_type", job.Type, "run_id", job.RunID)

	var err error
	if job.Type == api.JobTypeDelayedFlow {
		_, err = api.DecodePayload[api.DelayedFlowPayload](job.Payload)
	} else {
		_, err = api.DecodePayload[api.StopFlowPayload](job.Payload)
	}
	if err != nil {
		log.Error("exhausted job has invalid payload", "error", err)
		return
	}

	at := e.now().Add(e.enqBackoff.Max)
	err = e.enqueue(ctx, job.Type, json.RawMessage(job.Payload), api.EnqueueOptions{
		NotBefore:      at,
		RunID:          job.RunID,
		Priority:       job.Priority,
		MaxAttempts:    job.MaxAttempts,
		IdempotencyKey: job.IdempotencyKey,
	})
	if err != nil {
		log.Error("reschedule exhausted job failed", "error", err, "cause", cause)
		return
	}
	log.Warn("exhausted job rescheduled", "not_before", at, "cause", cause)
}
