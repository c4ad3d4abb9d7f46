package flowrun

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/petrijr/flowrun/internal/persistence"
	"github.com/petrijr/flowrun/pkg/api"
)

type expense struct {
	Amount int `json:"amount"`
}

type decision struct {
	Approved bool `json:"approved"`
}

func approvalFlow(id string) *FlowBuilder {
	return New(id).
		Step("validate", TypedStep(func(ctx context.Context, e expense) (expense, error) {
			return e, nil
		})).
		WaitForWebhook("approve", WithTimeout(time.Hour)).
		Step("record", TypedStep(func(ctx context.Context, d decision) (string, error) {
			if d.Approved {
				return "paid", nil
			}
			return "rejected", nil
		}))
}

func fastOptions() Options {
	return Options{
		PollInterval:    5 * time.Millisecond,
		BackoffBase:     time.Millisecond,
		BackoffMax:      5 * time.Millisecond,
		MetricsInterval: 10 * time.Millisecond,
		SyncTimeout:     2 * time.Second,
	}
}

func waitForStatus(t *testing.T, b *Bundle, runID string, want RunStatus) *FlowRun {
	t.Helper()
	var run *FlowRun
	require.Eventually(t, func() bool {
		var err error
		run, err = b.GetRun(context.Background(), runID)
		require.NoError(t, err)
		return run.Status == want
	}, 5*time.Second, 5*time.Millisecond, "run %s never reached %s", runID, want)
	return run
}

func TestBundle_PauseAndResumeOverHTTP(t *testing.T) {
	b, err := NewInMemoryBundle(fastOptions())
	require.NoError(t, err)
	approvalFlow("expense").MustRegister(b)

	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { assert.NoError(t, b.Stop()) })

	srv := httptest.NewServer(b.HTTPHandler())
	t.Cleanup(srv.Close)

	run, err := b.StartRun(context.Background(), "expense", expense{Amount: 40})
	require.NoError(t, err)

	paused := waitForStatus(t, b, run.ID, StatusPaused)
	require.NotNil(t, paused.Pause)
	assert.Equal(t, "approve", paused.Pause.StepName)
	require.NotNil(t, paused.Pause.TimeoutAt)

	body := bytes.NewBufferString(`{"approved":true}`)
	resp, err := http.Post(srv.URL+"/v1/resume/"+paused.Pause.ResumeToken, "application/json", body)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	done := waitForStatus(t, b, run.ID, StatusSucceeded)
	assert.JSONEq(t, `"paid"`, string(done.Output))
	assert.Nil(t, done.Pause)

	snap := b.Counters.Snapshot()
	assert.Equal(t, int64(1), snap.RunsStarted)
	assert.Equal(t, int64(1), snap.RunsPaused)
	assert.Equal(t, int64(1), snap.RunsSucceeded)
}

func TestBundle_ResumeSync(t *testing.T) {
	b, err := NewInMemoryBundle(fastOptions())
	require.NoError(t, err)
	approvalFlow("expense").MustRegister(b)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { assert.NoError(t, b.Stop()) })

	ctx := context.Background()
	run, err := b.StartRun(ctx, "expense", expense{Amount: 5})
	require.NoError(t, err)
	paused := waitForStatus(t, b, run.ID, StatusPaused)

	got, err := b.ResumeSync(ctx, paused.Pause.ResumeToken, ResumePayload{
		Body: json.RawMessage(`{"approved":false}`),
	}, 0)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, got.Status)
	assert.JSONEq(t, `"rejected"`, string(got.Output))

	_, err = b.Resume(ctx, paused.Pause.ResumeToken, ResumePayload{})
	assert.ErrorIs(t, err, ErrAlreadyResumed)
}

func TestBundle_HandleRunsCustomJobType(t *testing.T) {
	b, err := NewInMemoryBundle(fastOptions())
	require.NoError(t, err)

	polled := make(chan *api.Job, 1)
	require.NoError(t, b.Handle(api.JobTypeExecutePolling, func(ctx context.Context, job *api.Job) error {
		polled <- job
		return nil
	}))
	assert.Error(t, b.Handle(api.JobTypeExecuteFlow, func(ctx context.Context, job *api.Job) error { return nil }),
		"engine job types are taken")

	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { assert.NoError(t, b.Stop()) })

	ctx := context.Background()
	id, err := b.Enqueue(ctx, api.JobTypeExecutePolling, []byte(`{"source":"inbox"}`), api.EnqueueOptions{})
	require.NoError(t, err)

	select {
	case job := <-polled:
		assert.Equal(t, id, job.ID)
		assert.JSONEq(t, `{"source":"inbox"}`, string(job.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("polling handler was not called")
	}

	require.Eventually(t, func() bool {
		_, err := b.queue.Get(ctx, id)
		return errors.Is(err, api.ErrJobNotFound)
	}, 2*time.Second, 5*time.Millisecond, "a handled job is acked")
}

func TestBundle_StopRun(t *testing.T) {
	b, err := NewInMemoryBundle(fastOptions())
	require.NoError(t, err)
	approvalFlow("expense").MustRegister(b)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { assert.NoError(t, b.Stop()) })

	ctx := context.Background()
	run, err := b.StartRun(ctx, "expense", expense{})
	require.NoError(t, err)
	paused := waitForStatus(t, b, run.ID, StatusPaused)

	require.NoError(t, b.StopRun(ctx, run.ID, "cancelled by operator"))
	waitForStatus(t, b, run.ID, StatusStopped)

	_, err = b.Resume(ctx, paused.Pause.ResumeToken, ResumePayload{})
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestBundle_MetricsSampled(t *testing.T) {
	b, err := NewInMemoryBundle(fastOptions())
	require.NoError(t, err)

	// No handler runs, so the job stays queued.
	_, err = b.Enqueue(context.Background(), api.JobTypeExecutePolling, []byte(`{}`), api.EnqueueOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = b.RunServices(ctx) }()

	require.Eventually(t, func() bool {
		return b.Metrics.Snapshot().Stats[api.JobTypeExecutePolling][api.JobStatusQueued] == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestBundle_StartTwiceFails(t *testing.T) {
	b := NewLocalRunner()
	require.NoError(t, b.Start(context.Background()))
	assert.Error(t, b.Start(context.Background()))
	assert.NoError(t, b.Stop())
	// Stopping again is a no-op.
	assert.NoError(t, b.Stop())
}

// A run started by one process is finished by another sharing the same
// SQLite database, provided the flow is registered again on startup.
func TestSQLiteBundle_DurableAcrossRestart(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dsn := "file:" + filepath.Join(t.TempDir(), "flowrun.db") + "?_pragma=busy_timeout(5000)"

	db1, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	b1, err := NewSQLiteBundle(db1, fastOptions())
	require.NoError(t, err)

	addOne := New("add-one").Step("add", TypedStep(func(ctx context.Context, n int) (int, error) {
		return n + 1, nil
	}))
	require.NoError(t, addOne.Register(b1))

	run, err := b1.StartRun(ctx, "add-one", 41)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, run.Status)
	require.NoError(t, db1.Close())

	db2, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db2.Close() })
	b2, err := NewSQLiteBundle(db2, fastOptions())
	require.NoError(t, err)
	require.NoError(t, addOne.Register(b2))

	require.NoError(t, b2.Start(ctx))
	t.Cleanup(func() { assert.NoError(t, b2.Stop()) })

	done := waitForStatus(t, b2, run.ID, StatusSucceeded)
	assert.JSONEq(t, `42`, string(done.Output))

	runs, err := b2.Engine.ListRuns(ctx, persistence.RunFilter{FlowID: "add-one"})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}
