package worker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/flowrun/pkg/api"
)

func noop(ctx context.Context, job *api.Job) error { return nil }

func TestRegistry_RejectsDuplicatesAndNil(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(api.JobTypeExecuteFlow, noop))

	assert.Error(t, r.Register(api.JobTypeExecuteFlow, noop))
	assert.Error(t, r.Register(api.JobTypeDelayedFlow, nil))
	assert.Error(t, r.Register("", noop))
	assert.Panics(t, func() { r.MustRegister(api.JobTypeExecuteFlow, noop) })
}

func TestRegistry_TypesAreSorted(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(api.JobTypeStopFlow, noop)
	r.MustRegister(api.JobTypeDelayedFlow, noop)
	r.MustRegister(api.JobTypeExecuteFlow, noop)

	assert.Equal(t, []api.JobType{
		api.JobTypeDelayedFlow,
		api.JobTypeExecuteFlow,
		api.JobTypeStopFlow,
	}, r.Types())

	_, ok := r.Lookup(api.JobTypeExecutePolling)
	assert.False(t, ok)
}
