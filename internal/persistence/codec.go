package persistence

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/petrijr/flowrun/pkg/api"
)

// EncodeRun serializes a run using encoding/gob. Unlike the JSON form, the
// gob form keeps the checkpoint.
func EncodeRun(run *api.FlowRun) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(run); err != nil {
		return nil, fmt.Errorf("gob: encode run %s: %w", run.ID, err)
	}
	return buf.Bytes(), nil
}

// DecodeRun is the inverse of EncodeRun.
func DecodeRun(data []byte) (*api.FlowRun, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("gob: empty run record")
	}
	var run api.FlowRun
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&run); err != nil {
		return nil, fmt.Errorf("gob: decode run: %w", err)
	}
	// gob drops empty slices; normalize to nil like the other stores.
	run.Input = nonEmpty(run.Input)
	run.Output = nonEmpty(run.Output)
	run.Checkpoint = nonEmpty(run.Checkpoint)
	return &run, nil
}
