package persistence

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/flowrun/pkg/api"
)

func TestEncodeRun_KeepsCheckpoint(t *testing.T) {
	run := newTestRun("flow-a", time.Now())
	run.Status = api.RunStatusPaused
	meta := pauseMeta("tok")
	run.Pause = &meta
	run.Checkpoint = json.RawMessage(`{"next":3}`)

	data, err := EncodeRun(run)
	require.NoError(t, err)

	got, err := DecodeRun(data)
	require.NoError(t, err)
	assert.JSONEq(t, `{"next":3}`, string(got.Checkpoint))
	require.NotNil(t, got.Pause)
	assert.Equal(t, "tok", got.Pause.ResumeToken)
	assert.Nil(t, got.Output)
}

func TestDecodeRun_RejectsEmpty(t *testing.T) {
	_, err := DecodeRun(nil)
	assert.Error(t, err)
}
