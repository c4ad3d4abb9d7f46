package interpreter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/petrijr/flowrun/pkg/api"
)

// call is what a step can learn about the execution it runs in.
type call struct {
	runID       string
	resumeToken string
	resumeURL   string
	resume      *api.ResumePayload
}

type callKey struct{}

func withCall(ctx context.Context, c *call) context.Context {
	return context.WithValue(ctx, callKey{}, c)
}

func callFrom(ctx context.Context) *call {
	c, _ := ctx.Value(callKey{}).(*call)
	if c == nil {
		return &call{}
	}
	return c
}

// RunID returns the id of the run executing the step.
func RunID(ctx context.Context) string {
	return callFrom(ctx).runID
}

// ResumeURL returns the URL that resumes the run if the step pauses now.
// A step hands it to a third party before returning Pause.
func ResumeURL(ctx context.Context) string {
	return callFrom(ctx).resumeURL
}

// ResumeFrom returns the payload that resumed the step. It reports false on
// the first invocation of the step.
func ResumeFrom(ctx context.Context) (api.ResumePayload, bool) {
	c := callFrom(ctx)
	if c.resume == nil {
		return api.ResumePayload{}, false
	}
	return *c.resume, true
}

// pauseError is returned by a step to suspend the run.
type pauseError struct {
	typ       api.PauseType
	timeout   time.Duration
	onTimeout api.TimeoutAction
}

func (e *pauseError) Error() string {
	return fmt.Sprintf("pause requested (%s)", e.typ)
}

// PauseOption customizes a pause.
type PauseOption func(*pauseError)

// WithTimeout bounds the pause. Without an action the run fails when the
// timeout elapses.
func WithTimeout(d time.Duration) PauseOption {
	return func(p *pauseError) { p.timeout = d }
}

// OnTimeout selects what happens when the pause times out.
func OnTimeout(a api.TimeoutAction) PauseOption {
	return func(p *pauseError) { p.onTimeout = a }
}

// Pause returns an error that suspends the run until its resume URL is
// called.
func Pause(opts ...PauseOption) error {
	p := &pauseError{typ: api.PauseTypeWebhook}
	for _, o := range opts {
		o(p)
	}
	return p
}

// IsPause reports whether err asks for the run to be suspended.
func IsPause(err error) bool {
	var p *pauseError
	return errors.As(err, &p)
}

// WaitForWebhook returns a step that pauses until the run's resume URL is
// called and then outputs the request body. If the pause timed out the
// step fails.
func WaitForWebhook(opts ...PauseOption) StepFunc {
	return func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		resume, ok := ResumeFrom(ctx)
		if !ok {
			return nil, Pause(opts...)
		}
		if resume.TimedOut {
			return nil, api.ErrPauseTimeout
		}
		return resume.Body, nil
	}
}

// Delay returns a step that suspends the run for d and then passes its
// input through. An early call to the resume URL ends the delay too.
func Delay(d time.Duration) StepFunc {
	return func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		if _, ok := ResumeFrom(ctx); ok {
			return input, nil
		}
		return nil, &pauseError{
			typ:       api.PauseTypeDelay,
			timeout:   d,
			onTimeout: api.TimeoutResume,
		}
	}
}

// TypedStep wraps a strongly-typed function into a StepFunc. Input and
// output are JSON-encoded between steps.
//
//	interpreter.TypedStep(func(ctx context.Context, o Order) (Invoice, error) { ... })
func TypedStep[I, O any](fn func(context.Context, I) (O, error)) StepFunc {
	return func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		var in I
		if len(input) > 0 {
			if err := json.Unmarshal(input, &in); err != nil {
				return nil, fmt.Errorf("decode step input: %w", err)
			}
		}
		out, err := fn(ctx, in)
		if err != nil {
			return nil, err
		}
		return json.Marshal(out)
	}
}
