package commands

import (
	"context"
	"encoding/json"
	"time"

	"github.com/petrijr/flowrun"
)

// registerBuiltinFlows installs the flows every flowrund process serves.
// Applications with their own flows embed flowrun.Bundle instead.
func registerBuiltinFlows(b *flowrun.Bundle) error {
	// approval waits for one webhook call and outputs its body.
	approval := flowrun.New("approval").
		WaitForWebhook("approve", flowrun.WithTimeout(72*time.Hour))

	// wait suspends the run for input.seconds and outputs its input.
	wait := flowrun.New("wait").
		Step("sleep", sleepFor)

	for _, f := range []*flowrun.FlowBuilder{approval, wait} {
		if err := f.Register(b); err != nil {
			return err
		}
	}
	return nil
}

type waitInput struct {
	Seconds int `json:"seconds"`
}

func sleepFor(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	var in waitInput
	if len(input) > 0 {
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, err
		}
	}
	return flowrun.DelayStep(time.Duration(in.Seconds)*time.Second)(ctx, input)
}
