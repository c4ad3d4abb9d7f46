package flowrun

import (
	"fmt"
	"time"

	"github.com/petrijr/flowrun/internal/interpreter"
	"github.com/petrijr/flowrun/pkg/api"
)

// FlowRegistrar accepts executors for flows. Bundle implements it.
type FlowRegistrar interface {
	RegisterFlow(flowID, versionID string, exec api.Executor) error
}

// FlowBuilder provides a fluent API for defining flows:
//
//	flow := flowrun.New("expense-approval").
//	    Step("validate", validate).
//	    WaitForWebhook("approve", flowrun.WithTimeout(48*time.Hour)).
//	    Step("pay", pay)
//
//	if err := flow.Register(bundle); err != nil {
//	    log.Fatal(err)
//	}
type FlowBuilder struct {
	flow    interpreter.Flow
	version string
}

// New creates a new flow builder with the given flow id.
func New(flowID string) *FlowBuilder {
	return &FlowBuilder{
		flow: interpreter.Flow{
			ID:    flowID,
			Steps: make([]interpreter.Step, 0),
		},
	}
}

// Name returns the flow id.
func (b *FlowBuilder) Name() string {
	return b.flow.ID
}

// Version binds the flow to one flow version. Without it the flow serves
// every version.
func (b *FlowBuilder) Version(versionID string) *FlowBuilder {
	b.version = versionID
	return b
}

// Executor returns the built flow.
func (b *FlowBuilder) Executor() Executor {
	return b.build()
}

func (b *FlowBuilder) build() *interpreter.Flow {
	f := b.flow
	f.Steps = append([]interpreter.Step(nil), b.flow.Steps...)
	return &f
}

// Step appends a basic step to the flow.
func (b *FlowBuilder) Step(name string, fn StepFunc) *FlowBuilder {
	if name == "" {
		panic("flowrun: step name must not be empty")
	}
	if fn == nil {
		panic(fmt.Sprintf("flowrun: step %q has nil function", name))
	}

	b.flow.Steps = append(b.flow.Steps, interpreter.Step{
		Name: name,
		Fn:   fn,
	})
	return b
}

// StepWithRetry appends a step that uses the given retry policy.
func (b *FlowBuilder) StepWithRetry(name string, fn StepFunc, retry RetryPolicy) *FlowBuilder {
	b.Step(name, fn)

	// Copy so callers can mutate their policy afterwards.
	r := retry
	b.flow.Steps[len(b.flow.Steps)-1].Retry = &r
	return b
}

// StepWithRetryBuilder is StepWithRetry taking a RetryBuilder.
func (b *FlowBuilder) StepWithRetryBuilder(name string, fn StepFunc, rb RetryBuilder) *FlowBuilder {
	return b.StepWithRetry(name, fn, rb.Policy())
}

// WaitForWebhook adds a step that pauses the run until its resume URL is
// called and passes the request body on.
func (b *FlowBuilder) WaitForWebhook(stepName string, opts ...PauseOption) *FlowBuilder {
	return b.Step(stepName, WaitForWebhookStep(opts...))
}

// Delay adds a step that suspends the run for d.
func (b *FlowBuilder) Delay(stepName string, d time.Duration) *FlowBuilder {
	return b.Step(stepName, DelayStep(d))
}

// Register validates the flow and registers it.
func (b *FlowBuilder) Register(r FlowRegistrar) error {
	f := b.build()
	if err := f.Validate(); err != nil {
		return err
	}
	return r.RegisterFlow(f.ID, b.version, f)
}

// MustRegister is like Register but panics on error.
// Useful for initialization in main().
func (b *FlowBuilder) MustRegister(r FlowRegistrar) {
	if err := b.Register(r); err != nil {
		panic(err)
	}
}
