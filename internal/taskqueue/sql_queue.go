package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/petrijr/flowrun/pkg/api"
)

// sqlDialect holds what differs between the SQL backends.
type sqlDialect struct {
	// rebind converts '?' placeholders to the driver's style.
	rebind func(string) string
	// lockClause is appended to the lease sub-select.
	lockClause string
	// isUniqueViolation reports a unique index conflict.
	isUniqueViolation func(error) bool
}

// sqlQueue implements Queue on a flow_jobs table. Timestamps are stored as
// UnixNano integers so that SQLite and Postgres share every query.
type sqlQueue struct {
	db      *sql.DB
	opts    Options
	dialect sqlDialect
}

const jobColumns = `id, type, payload, priority, not_before, attempt, max_attempts, created_at,
	run_id, idempotency_key, leased_by, lease_expires_at, last_error, failed`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*api.Job, error) {
	var (
		job       api.Job
		jobType   string
		notBefore int64
		createdAt int64
		leaseExp  int64
		failed    int
	)
	err := row.Scan(
		&job.ID, &jobType, &job.Payload, &job.Priority, &notBefore, &job.Attempt, &job.MaxAttempts, &createdAt,
		&job.RunID, &job.IdempotencyKey, &job.LeasedBy, &leaseExp, &job.LastError, &failed,
	)
	if err != nil {
		return nil, err
	}
	job.Type = api.JobType(jobType)
	job.NotBefore = time.Unix(0, notBefore)
	job.CreatedAt = time.Unix(0, createdAt)
	if leaseExp > 0 {
		job.LeaseExpiresAt = time.Unix(0, leaseExp)
	}
	job.Failed = failed != 0
	return &job, nil
}

func (q *sqlQueue) Enqueue(ctx context.Context, jobType api.JobType, payload []byte, opts api.EnqueueOptions) (string, error) {
	job := newJob(jobType, payload, opts, q.opts.Now())

	res, err := q.db.ExecContext(ctx, q.dialect.rebind(`
		INSERT INTO flow_jobs (id, type, payload, priority, not_before, attempt, max_attempts, created_at,
			run_id, idempotency_key, leased_by, lease_expires_at, last_error, failed)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?, '', 0, '', 0)
		ON CONFLICT DO NOTHING`),
		job.ID,
		string(job.Type),
		job.Payload,
		job.Priority,
		job.NotBefore.UnixNano(),
		job.MaxAttempts,
		job.CreatedAt.UnixNano(),
		job.RunID,
		job.IdempotencyKey,
	)
	if err != nil {
		return "", api.StorageError(err)
	}
	if n, _ := res.RowsAffected(); n == 1 || job.IdempotencyKey == "" {
		return job.ID, nil
	}

	var existing string
	err = q.db.QueryRowContext(ctx, q.dialect.rebind(`
		SELECT id FROM flow_jobs WHERE idempotency_key = ?`), job.IdempotencyKey).Scan(&existing)
	if err != nil {
		return "", api.StorageError(fmt.Errorf("lookup idempotency key: %w", err))
	}
	return existing, nil
}

func (q *sqlQueue) Lease(ctx context.Context, types []api.JobType, workerID string, leaseFor time.Duration) (*api.Job, error) {
	now := q.opts.Now()

	args := []any{workerID, now.Add(leaseFor).UnixNano(), now.UnixNano()}
	typeFilter := ""
	if len(types) > 0 {
		marks := make([]string, len(types))
		for i, t := range types {
			marks[i] = "?"
			args = append(args, string(t))
		}
		typeFilter = "AND j.type IN (" + strings.Join(marks, ", ") + ")"
	}

	query := q.dialect.rebind(`
		UPDATE flow_jobs SET leased_by = ?, lease_expires_at = ?
		WHERE leased_by = '' AND id = (
			SELECT j.id FROM flow_jobs j
			WHERE j.failed = 0 AND j.leased_by = '' AND j.not_before <= ?
				` + typeFilter + `
				AND (j.run_id = '' OR NOT EXISTS (
					SELECT 1 FROM flow_jobs a WHERE a.run_id = j.run_id AND a.leased_by <> ''))
			ORDER BY j.priority DESC, j.created_at, j.id
			LIMIT 1 ` + q.dialect.lockClause + `
		)
		RETURNING ` + jobColumns)

	job, err := scanJob(q.db.QueryRowContext(ctx, query, args...))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil && q.dialect.isUniqueViolation(err):
		// Another worker leased a sibling job of the same run first.
		return nil, nil
	case err != nil:
		return nil, api.StorageError(err)
	}
	return job, nil
}

func (q *sqlQueue) RenewLease(ctx context.Context, jobID, workerID string, leaseFor time.Duration) error {
	res, err := q.db.ExecContext(ctx, q.dialect.rebind(`
		UPDATE flow_jobs SET lease_expires_at = ? WHERE id = ? AND leased_by = ?`),
		q.opts.Now().Add(leaseFor).UnixNano(), jobID, workerID)
	if err != nil {
		return api.StorageError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return api.ErrLeaseLost
	}
	return nil
}

func (q *sqlQueue) Ack(ctx context.Context, jobID, workerID string) error {
	res, err := q.db.ExecContext(ctx, q.dialect.rebind(`
		DELETE FROM flow_jobs WHERE id = ? AND leased_by = ?`), jobID, workerID)
	if err != nil {
		return api.StorageError(err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	// Unknown jobs are acked already; a live job means someone else owns it.
	var owner string
	err = q.db.QueryRowContext(ctx, q.dialect.rebind(`
		SELECT leased_by FROM flow_jobs WHERE id = ?`), jobID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return api.StorageError(err)
	}
	return api.ErrLeaseLost
}

func (q *sqlQueue) Nack(ctx context.Context, jobID, workerID string, reason string) (api.JobStatus, error) {
	job, err := q.Get(ctx, jobID)
	if err != nil {
		return "", err
	}
	if job.LeasedBy != workerID {
		return "", api.ErrLeaseLost
	}

	now := q.opts.Now()
	attempt, notBefore, failed := nackOutcome(job, q.opts.Backoff, now)
	failedInt := 0
	key := job.IdempotencyKey
	if failed {
		// A dead job must not hold its key, or the work could never be
		// enqueued again.
		failedInt = 1
		key = ""
	}

	res, err := q.db.ExecContext(ctx, q.dialect.rebind(`
		UPDATE flow_jobs
		SET attempt = ?, not_before = ?, failed = ?, last_error = ?, idempotency_key = ?,
			leased_by = '', lease_expires_at = 0
		WHERE id = ? AND leased_by = ?`),
		attempt, notBefore.UnixNano(), failedInt, reason, key, jobID, workerID)
	if err != nil {
		return "", api.StorageError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", api.ErrLeaseLost
	}

	job.Attempt, job.NotBefore, job.Failed = attempt, notBefore, failed
	job.IdempotencyKey = key
	job.LeasedBy = ""
	return job.Status(now), nil
}

func (q *sqlQueue) ExpireStaleLeases(ctx context.Context) (int, error) {
	res, err := q.db.ExecContext(ctx, q.dialect.rebind(`
		UPDATE flow_jobs SET leased_by = '', lease_expires_at = 0
		WHERE leased_by <> '' AND lease_expires_at <= ?`), q.opts.Now().UnixNano())
	if err != nil {
		return 0, api.StorageError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, api.StorageError(err)
	}
	return int(n), nil
}

func (q *sqlQueue) Get(ctx context.Context, jobID string) (*api.Job, error) {
	job, err := scanJob(q.db.QueryRowContext(ctx, q.dialect.rebind(`
		SELECT `+jobColumns+` FROM flow_jobs WHERE id = ?`), jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.ErrJobNotFound
	}
	if err != nil {
		return nil, api.StorageError(err)
	}
	return job, nil
}

func (q *sqlQueue) Stats(ctx context.Context) (api.QueueStats, error) {
	now := q.opts.Now()
	rows, err := q.db.QueryContext(ctx, q.dialect.rebind(`
		SELECT type, failed,
			CASE WHEN leased_by <> '' THEN 1 ELSE 0 END,
			CASE WHEN attempt > 0 THEN 1 ELSE 0 END,
			CASE WHEN not_before > ? THEN 1 ELSE 0 END,
			COUNT(*)
		FROM flow_jobs
		GROUP BY 1, 2, 3, 4, 5`), now.UnixNano())
	if err != nil {
		return nil, api.StorageError(err)
	}
	defer rows.Close()

	stats := api.NewQueueStats()
	for rows.Next() {
		var (
			jobType                          string
			failed, leased, retried, delayed int
			count                            int
		)
		if err := rows.Scan(&jobType, &failed, &leased, &retried, &delayed, &count); err != nil {
			return nil, api.StorageError(err)
		}
		probe := api.Job{Failed: failed != 0, Attempt: retried, NotBefore: now}
		if leased != 0 {
			probe.LeasedBy = "?"
		}
		if delayed != 0 {
			probe.NotBefore = now.Add(time.Nanosecond)
		}
		stats.Add(api.JobType(jobType), probe.Status(now), count)
	}
	if err := rows.Err(); err != nil {
		return nil, api.StorageError(err)
	}
	return stats, nil
}

// rebindDollar rewrites '?' placeholders as $1, $2, ...
func rebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func identity(query string) string { return query }
