package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/flowrun/pkg/api"
)

// storeFactory builds an empty run store.
type storeFactory func(t *testing.T) RunStore

func newTestRun(flowID string, start time.Time) *api.FlowRun {
	return &api.FlowRun{
		ID:        uuid.NewString(),
		FlowID:    flowID,
		Status:    api.RunStatusRunning,
		StartTime: start,
		UpdatedAt: start,
		Input:     json.RawMessage(`{"order":42}`),
	}
}

func pauseMeta(token string) api.PauseMetadata {
	timeout := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	return api.PauseMetadata{
		Type:        api.PauseTypeWebhook,
		ResumeToken: token,
		CreatedAt:   time.Now().Truncate(time.Millisecond),
		TimeoutAt:   &timeout,
		OnTimeout:   api.TimeoutFail,
		StepName:    "approve",
	}
}

// runStoreConformance checks the behavior every backend must share.
func runStoreConformance(t *testing.T, newStore storeFactory) {
	t.Run("CreateGet", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		run := newTestRun("flow-a", time.Now())
		run.FlowVersionID = "v1"
		require.NoError(t, s.CreateRun(ctx, run))

		got, err := s.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, run.ID, got.ID)
		assert.Equal(t, "flow-a", got.FlowID)
		assert.Equal(t, "v1", got.FlowVersionID)
		assert.Equal(t, api.RunStatusRunning, got.Status)
		assert.JSONEq(t, `{"order":42}`, string(got.Input))
		assert.True(t, run.StartTime.Equal(got.StartTime))
		assert.Nil(t, got.FinishTime)
		assert.Nil(t, got.Pause)

		_, err = s.GetRun(ctx, "missing")
		assert.ErrorIs(t, err, api.ErrRunNotFound)
	})

	t.Run("ListRunsFiltersAndOrders", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		base := time.Now()
		older := newTestRun("flow-a", base.Add(-time.Minute))
		newer := newTestRun("flow-a", base)
		other := newTestRun("flow-b", base.Add(-time.Second))
		for _, r := range []*api.FlowRun{older, newer, other} {
			require.NoError(t, s.CreateRun(ctx, r))
		}
		_, _, err := s.Finish(ctx, older.ID, Transition{Status: api.RunStatusSucceeded})
		require.NoError(t, err)

		all, err := s.ListRuns(ctx, RunFilter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, []string{newer.ID, other.ID, older.ID}, runIDs(all))

		byFlow, err := s.ListRuns(ctx, RunFilter{FlowID: "flow-a"})
		require.NoError(t, err)
		assert.Equal(t, []string{newer.ID, older.ID}, runIDs(byFlow))

		running, err := s.ListRuns(ctx, RunFilter{FlowID: "flow-a", Status: api.RunStatusRunning})
		require.NoError(t, err)
		assert.Equal(t, []string{newer.ID}, runIDs(running))

		limited, err := s.ListRuns(ctx, RunFilter{Limit: 1})
		require.NoError(t, err)
		assert.Equal(t, []string{newer.ID}, runIDs(limited))
	})

	t.Run("MarkPausedStoresMetadata", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		run := newTestRun("flow-a", time.Now())
		require.NoError(t, s.CreateRun(ctx, run))

		meta := pauseMeta("tok-" + run.ID)
		paused, err := s.MarkPaused(ctx, run.ID, meta, json.RawMessage(`{"next":2}`))
		require.NoError(t, err)
		assert.Equal(t, api.RunStatusPaused, paused.Status)

		got, err := s.GetRun(ctx, run.ID)
		require.NoError(t, err)
		require.NotNil(t, got.Pause)
		assert.Equal(t, meta.ResumeToken, got.Pause.ResumeToken)
		assert.Equal(t, api.PauseTypeWebhook, got.Pause.Type)
		assert.Equal(t, api.TimeoutFail, got.Pause.OnTimeout)
		assert.Equal(t, "approve", got.Pause.StepName)
		require.NotNil(t, got.Pause.TimeoutAt)
		assert.True(t, meta.TimeoutAt.Equal(*got.Pause.TimeoutAt))
		assert.JSONEq(t, `{"next":2}`, string(got.Checkpoint))

		looked, err := s.LookupPause(ctx, meta.ResumeToken)
		require.NoError(t, err)
		assert.Equal(t, run.ID, looked.ID)

		// A paused run cannot pause again.
		_, err = s.MarkPaused(ctx, run.ID, pauseMeta("other-"+run.ID), nil)
		assert.ErrorIs(t, err, api.ErrInvalidTransition)

		_, err = s.MarkPaused(ctx, "missing", pauseMeta("x-"+run.ID), nil)
		assert.ErrorIs(t, err, api.ErrRunNotFound)
	})

	t.Run("ResumeConsumesTokenOnce", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		run := newTestRun("flow-a", time.Now())
		require.NoError(t, s.CreateRun(ctx, run))
		token := "tok-" + run.ID
		_, err := s.MarkPaused(ctx, run.ID, pauseMeta(token), json.RawMessage(`{"next":1}`))
		require.NoError(t, err)

		resumed, err := s.ConsumePause(ctx, token, Transition{Status: api.RunStatusRunning})
		require.NoError(t, err)
		assert.Equal(t, api.RunStatusRunning, resumed.Status)
		assert.Nil(t, resumed.Pause)
		assert.Nil(t, resumed.FinishTime)
		assert.JSONEq(t, `{"next":1}`, string(resumed.Checkpoint), "checkpoint survives a resume")

		_, err = s.ConsumePause(ctx, token, Transition{Status: api.RunStatusRunning})
		assert.ErrorIs(t, err, api.ErrAlreadyResumed)
		_, err = s.LookupPause(ctx, token)
		assert.ErrorIs(t, err, api.ErrAlreadyResumed)

		_, err = s.ConsumePause(ctx, "never-issued", Transition{Status: api.RunStatusRunning})
		assert.ErrorIs(t, err, api.ErrTokenNotFound)
		_, err = s.LookupPause(ctx, "never-issued")
		assert.ErrorIs(t, err, api.ErrTokenNotFound)
	})

	t.Run("ConsumedTokenOutlivesFinishedRun", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		run := newTestRun("flow-a", time.Now())
		require.NoError(t, s.CreateRun(ctx, run))

		first, second := "tok-a-"+run.ID, "tok-b-"+run.ID
		_, err := s.MarkPaused(ctx, run.ID, pauseMeta(first), nil)
		require.NoError(t, err)
		_, err = s.ConsumePause(ctx, first, Transition{Status: api.RunStatusRunning})
		require.NoError(t, err)
		_, err = s.MarkPaused(ctx, run.ID, pauseMeta(second), nil)
		require.NoError(t, err)
		_, err = s.ConsumePause(ctx, second, Transition{Status: api.RunStatusRunning})
		require.NoError(t, err)
		_, _, err = s.Finish(ctx, run.ID, Transition{Status: api.RunStatusSucceeded})
		require.NoError(t, err)

		for _, token := range []string{first, second} {
			_, err = s.ConsumePause(ctx, token, Transition{Status: api.RunStatusRunning})
			assert.ErrorIs(t, err, api.ErrAlreadyResumed, token)
			_, err = s.LookupPause(ctx, token)
			assert.ErrorIs(t, err, api.ErrAlreadyResumed, token)
		}
	})

	t.Run("TimeoutFailureHidesToken", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		run := newTestRun("flow-a", time.Now())
		require.NoError(t, s.CreateRun(ctx, run))
		token := "tok-" + run.ID
		_, err := s.MarkPaused(ctx, run.ID, pauseMeta(token), nil)
		require.NoError(t, err)

		failed, err := s.ConsumePause(ctx, token, Transition{
			Status:         api.RunStatusFailed,
			FailedStepName: "approve",
			FailureReason:  api.ErrPauseTimeout.Error(),
		})
		require.NoError(t, err)
		assert.Equal(t, api.RunStatusFailed, failed.Status)
		assert.Equal(t, "approve", failed.FailedStepName)
		require.NotNil(t, failed.FinishTime)

		_, err = s.ConsumePause(ctx, token, Transition{Status: api.RunStatusRunning})
		assert.ErrorIs(t, err, api.ErrTokenNotFound)
	})

	t.Run("ConcurrentConsumeHasOneWinner", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		run := newTestRun("flow-a", time.Now())
		require.NoError(t, s.CreateRun(ctx, run))
		token := "tok-" + run.ID
		_, err := s.MarkPaused(ctx, run.ID, pauseMeta(token), nil)
		require.NoError(t, err)

		const callers = 8
		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			winners  int
			resumed  int
			unexpect []error
		)
		for range callers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.ConsumePause(ctx, token, Transition{Status: api.RunStatusRunning})
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					winners++
				case errors.Is(err, api.ErrAlreadyResumed):
					resumed++
				default:
					unexpect = append(unexpect, err)
				}
			}()
		}
		wg.Wait()

		assert.Empty(t, unexpect)
		assert.Equal(t, 1, winners)
		assert.Equal(t, callers-1, resumed)
	})

	t.Run("FinishIsIdempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		run := newTestRun("flow-a", time.Now())
		require.NoError(t, s.CreateRun(ctx, run))

		done, changed, err := s.Finish(ctx, run.ID, Transition{
			Status: api.RunStatusSucceeded,
			Output: json.RawMessage(`{"ok":true}`),
		})
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, api.RunStatusSucceeded, done.Status)
		require.NotNil(t, done.FinishTime)
		assert.JSONEq(t, `{"ok":true}`, string(done.Output))

		again, changed, err := s.Finish(ctx, run.ID, Transition{Status: api.RunStatusFailed, FailureReason: "late"})
		require.NoError(t, err)
		assert.False(t, changed)
		assert.Equal(t, api.RunStatusSucceeded, again.Status)
		assert.Empty(t, again.FailureReason)

		_, _, err = s.Finish(ctx, "missing", Transition{Status: api.RunStatusSucceeded})
		assert.ErrorIs(t, err, api.ErrRunNotFound)
	})

	t.Run("FinishRejectsPausedRun", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		run := newTestRun("flow-a", time.Now())
		require.NoError(t, s.CreateRun(ctx, run))
		_, err := s.MarkPaused(ctx, run.ID, pauseMeta("tok-"+run.ID), nil)
		require.NoError(t, err)

		_, _, err = s.Finish(ctx, run.ID, Transition{Status: api.RunStatusSucceeded})
		assert.ErrorIs(t, err, api.ErrInvalidTransition)

		got, err := s.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, api.RunStatusPaused, got.Status)
	})

	t.Run("PauseResumePauseAgain", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		run := newTestRun("flow-a", time.Now())
		require.NoError(t, s.CreateRun(ctx, run))

		first, second := "first-"+run.ID, "second-"+run.ID
		_, err := s.MarkPaused(ctx, run.ID, pauseMeta(first), nil)
		require.NoError(t, err)
		_, err = s.ConsumePause(ctx, first, Transition{Status: api.RunStatusRunning})
		require.NoError(t, err)
		_, err = s.MarkPaused(ctx, run.ID, pauseMeta(second), nil)
		require.NoError(t, err)

		_, err = s.ConsumePause(ctx, first, Transition{Status: api.RunStatusRunning})
		assert.ErrorIs(t, err, api.ErrAlreadyResumed)

		stopped, err := s.ConsumePause(ctx, second, Transition{Status: api.RunStatusStopped})
		require.NoError(t, err)
		assert.Equal(t, api.RunStatusStopped, stopped.Status)
	})
}

func runIDs(runs []*api.FlowRun) []string {
	ids := make([]string, len(runs))
	for i, r := range runs {
		ids[i] = r.ID
	}
	return ids
}
