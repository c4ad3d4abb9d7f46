package persistence

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryStore_Conformance(t *testing.T) {
	runStoreConformance(t, func(t *testing.T) RunStore {
		return NewInMemoryStore()
	})
}

func TestInMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	run := newTestRun("flow-a", time.Now())
	require.NoError(t, s.CreateRun(ctx, run))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	got.Input[0] = 'x'
	got.FlowID = "mutated"

	again, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "flow-a", again.FlowID)
	assert.Equal(t, json.RawMessage(`{"order":42}`), again.Input)
}
