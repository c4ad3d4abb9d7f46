package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/petrijr/flowrun/pkg/api"
)

// sqlRunStore implements RunStore on the flow_runs and flow_resume_tokens
// tables. Times are stored as UnixNano integers, pause metadata as JSON.
// Consumed tokens stay in flow_resume_tokens as the resume history of their
// run; rows are only removed together with the runs they belong to.
type sqlRunStore struct {
	db     *sql.DB
	now    func() time.Time
	rebind func(string) string
}

const runColumns = `id, flow_id, flow_version_id, status, start_time, finish_time, updated_at,
	pause, failed_step_name, failure_reason, input, output, checkpoint`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*api.FlowRun, error) {
	var (
		run                              api.FlowRun
		status, pause                    string
		startTime, finishTime, updatedAt int64
		input, output, checkpoint        []byte
	)
	err := row.Scan(&run.ID, &run.FlowID, &run.FlowVersionID, &status, &startTime, &finishTime, &updatedAt,
		&pause, &run.FailedStepName, &run.FailureReason, &input, &output, &checkpoint)
	if err != nil {
		return nil, err
	}

	run.Status = api.RunStatus(status)
	run.StartTime = time.Unix(0, startTime)
	run.UpdatedAt = time.Unix(0, updatedAt)
	if finishTime > 0 {
		t := time.Unix(0, finishTime)
		run.FinishTime = &t
	}
	if pause != "" {
		var meta api.PauseMetadata
		if err := json.Unmarshal([]byte(pause), &meta); err != nil {
			return nil, fmt.Errorf("decode pause metadata of run %s: %w", run.ID, err)
		}
		run.Pause = &meta
	}
	run.Input = nonEmpty(input)
	run.Output = nonEmpty(output)
	run.Checkpoint = nonEmpty(checkpoint)
	return &run, nil
}

func nonEmpty(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	return json.RawMessage(b)
}

func unixNanoOrZero(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.UnixNano()
}

func (s *sqlRunStore) CreateRun(ctx context.Context, run *api.FlowRun) error {
	pause, err := encodePause(run.Pause)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO flow_runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		run.ID,
		run.FlowID,
		run.FlowVersionID,
		string(run.Status),
		run.StartTime.UnixNano(),
		unixNanoOrZero(run.FinishTime),
		run.UpdatedAt.UnixNano(),
		pause,
		run.FailedStepName,
		run.FailureReason,
		[]byte(run.Input),
		[]byte(run.Output),
		[]byte(run.Checkpoint),
	)
	return api.StorageError(err)
}

func (s *sqlRunStore) GetRun(ctx context.Context, id string) (*api.FlowRun, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, s.rebind(`
		SELECT `+runColumns+` FROM flow_runs WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.ErrRunNotFound
	}
	if err != nil {
		return nil, api.StorageError(err)
	}
	return run, nil
}

func (s *sqlRunStore) ListRuns(ctx context.Context, filter RunFilter) ([]*api.FlowRun, error) {
	var (
		where []string
		args  []any
	)
	if filter.FlowID != "" {
		where = append(where, "flow_id = ?")
		args = append(args, filter.FlowID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := `SELECT ` + runColumns + ` FROM flow_runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY start_time DESC"
	if filter.Limit > 0 {
		query += " LIMIT " + strconv.Itoa(filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, api.StorageError(err)
	}
	defer rows.Close()

	var runs []*api.FlowRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, api.StorageError(err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, api.StorageError(err)
	}
	return runs, nil
}

func (s *sqlRunStore) MarkPaused(ctx context.Context, runID string, meta api.PauseMetadata, checkpoint json.RawMessage) (*api.FlowRun, error) {
	pause, err := encodePause(&meta)
	if err != nil {
		return nil, err
	}
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, api.StorageError(err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, s.rebind(`
		UPDATE flow_runs
		SET status = ?, pause = ?, checkpoint = ?, finish_time = 0, updated_at = ?
		WHERE id = ? AND status = ?`),
		string(api.RunStatusPaused), pause, []byte(checkpoint), now.UnixNano(),
		runID, string(api.RunStatusRunning))
	if err != nil {
		return nil, api.StorageError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		_ = tx.Rollback()
		if _, err := s.GetRun(ctx, runID); err != nil {
			return nil, err
		}
		return nil, api.ErrInvalidTransition
	}

	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO flow_resume_tokens (token, run_id, consumed_as, created_at)
		VALUES (?, ?, '', ?)`),
		meta.ResumeToken, runID, now.UnixNano())
	if err != nil {
		return nil, api.StorageError(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, api.StorageError(err)
	}
	return s.GetRun(ctx, runID)
}

func (s *sqlRunStore) Finish(ctx context.Context, runID string, t Transition) (*api.FlowRun, bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE flow_runs
		SET status = ?, pause = '', finish_time = ?, updated_at = ?,
			failed_step_name = ?, failure_reason = ?, output = COALESCE(?, output)
		WHERE id = ? AND status = ?`),
		string(t.Status), now.UnixNano(), now.UnixNano(),
		t.FailedStepName, t.FailureReason, nullableBytes(t.Output),
		runID, string(api.RunStatusRunning))
	if err != nil {
		return nil, false, api.StorageError(err)
	}
	changed := false
	if n, _ := res.RowsAffected(); n == 1 {
		changed = true
	}

	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, false, err
	}
	if !changed && !run.Status.IsTerminal() {
		return nil, false, api.ErrInvalidTransition
	}
	return run, changed, nil
}

func (s *sqlRunStore) ConsumePause(ctx context.Context, token string, t Transition) (*api.FlowRun, error) {
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, api.StorageError(err)
	}
	defer func() { _ = tx.Rollback() }()

	var runID string
	err = tx.QueryRowContext(ctx, s.rebind(`
		UPDATE flow_resume_tokens SET consumed_as = ?, consumed_at = ?
		WHERE token = ? AND consumed_as = ''
		RETURNING run_id`),
		string(t.Status), now.UnixNano(), token).Scan(&runID)
	if errors.Is(err, sql.ErrNoRows) {
		_ = tx.Rollback()
		return nil, s.tokenError(ctx, token)
	}
	if err != nil {
		return nil, api.StorageError(err)
	}

	finish := int64(0)
	if t.Status.IsTerminal() {
		finish = now.UnixNano()
	}
	res, err := tx.ExecContext(ctx, s.rebind(`
		UPDATE flow_runs
		SET status = ?, pause = '', finish_time = ?, updated_at = ?,
			failed_step_name = ?, failure_reason = ?, output = COALESCE(?, output)
		WHERE id = ? AND status = ?`),
		string(t.Status), finish, now.UnixNano(),
		t.FailedStepName, t.FailureReason, nullableBytes(t.Output),
		runID, string(api.RunStatusPaused))
	if err != nil {
		return nil, api.StorageError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// The token outlived its pause; treat it as unknown.
		return nil, api.ErrTokenNotFound
	}
	if err := tx.Commit(); err != nil {
		return nil, api.StorageError(err)
	}
	return s.GetRun(ctx, runID)
}

func (s *sqlRunStore) LookupPause(ctx context.Context, token string) (*api.FlowRun, error) {
	var runID, consumedAs string
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT run_id, consumed_as FROM flow_resume_tokens WHERE token = ?`), token).Scan(&runID, &consumedAs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.ErrTokenNotFound
	}
	if err != nil {
		return nil, api.StorageError(err)
	}
	if consumedAs != "" {
		return nil, consumedError(api.RunStatus(consumedAs))
	}

	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != api.RunStatusPaused || run.Pause == nil || run.Pause.ResumeToken != token {
		return nil, api.ErrTokenNotFound
	}
	return run, nil
}

// tokenError explains why a token could not be claimed.
func (s *sqlRunStore) tokenError(ctx context.Context, token string) error {
	var consumedAs string
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT consumed_as FROM flow_resume_tokens WHERE token = ?`), token).Scan(&consumedAs)
	if errors.Is(err, sql.ErrNoRows) {
		return api.ErrTokenNotFound
	}
	if err != nil {
		return api.StorageError(err)
	}
	return consumedError(api.RunStatus(consumedAs))
}

func encodePause(meta *api.PauseMetadata) (string, error) {
	if meta == nil {
		return "", nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("encode pause metadata: %w", err)
	}
	return string(data), nil
}

func nullableBytes(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}
