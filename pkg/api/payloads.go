package api

import (
	"encoding/json"
	"fmt"
)

// ExecuteFlowPayload is the payload of an EXECUTE_FLOW job.
type ExecuteFlowPayload struct {
	FlowRunID   string         `json:"flowRunId"`
	Kind        ExecutionKind  `json:"kind"`
	Resume      *ResumePayload `json:"resume,omitempty"`
	ResumeToken string         `json:"resumeToken,omitempty"`
}

// DelayedFlowPayload is the payload of a DELAYED_FLOW job scheduled for a
// pause timeout.
type DelayedFlowPayload struct {
	FlowRunID   string        `json:"flowRunId"`
	ResumeToken string        `json:"resumeToken"`
	OnTimeout   TimeoutAction `json:"onTimeout"`
}

// StopFlowPayload is the payload of a STOP_FLOW control job.
type StopFlowPayload struct {
	FlowRunID string `json:"flowRunId"`
	Reason    string `json:"reason,omitempty"`
}

// EncodePayload serializes a job payload as JSON.
func EncodePayload(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return data, nil
}

// DecodePayload deserializes a JSON job payload into T.
func DecodePayload[T any](data []byte) (T, error) {
	var v T
	if len(data) == 0 {
		return v, fmt.Errorf("decode payload: empty")
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("decode payload: %w", err)
	}
	return v, nil
}
