package flowrun

import (
	"context"
	"time"

	"github.com/petrijr/flowrun/internal/interpreter"
	"github.com/petrijr/flowrun/pkg/api"
)

// TypedStep wraps a strongly-typed function into a StepFunc. Values travel
// between steps as JSON.
//
//	flowrun.TypedStep(func(ctx context.Context, o Order) (Invoice, error) { ... })
func TypedStep[I, O any](fn func(context.Context, I) (O, error)) StepFunc {
	return interpreter.TypedStep(fn)
}

// Pause returns the error a step uses to suspend its run until the run's
// resume URL is called.
func Pause(opts ...PauseOption) error {
	return interpreter.Pause(opts...)
}

// WithTimeout bounds a pause.
func WithTimeout(d time.Duration) PauseOption {
	return interpreter.WithTimeout(d)
}

// ResumeOnTimeout makes a timed out pause resume the step with a payload
// whose TimedOut flag is set, instead of failing the run.
func ResumeOnTimeout() PauseOption {
	return interpreter.OnTimeout(api.TimeoutResume)
}

// ResumeFrom returns the payload that resumed the current step.
func ResumeFrom(ctx context.Context) (ResumePayload, bool) {
	return interpreter.ResumeFrom(ctx)
}

// ResumeURL returns the URL that resumes the run if the current step
// pauses.
func ResumeURL(ctx context.Context) string {
	return interpreter.ResumeURL(ctx)
}

// RunID returns the id of the run executing the current step.
func RunID(ctx context.Context) string {
	return interpreter.RunID(ctx)
}

// WaitForWebhookStep pauses until the resume URL is called and outputs the
// request body.
func WaitForWebhookStep(opts ...PauseOption) StepFunc {
	return interpreter.WaitForWebhook(opts...)
}

// DelayStep suspends the run for d without holding a worker.
func DelayStep(d time.Duration) StepFunc {
	return interpreter.Delay(d)
}
