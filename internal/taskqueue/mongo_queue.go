package taskqueue

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/flowrun/pkg/api"
)

// MongoQueue implements Queue on top of MongoDB.
//
// Jobs live in one collection. Leasing a job of a run also inserts a guard
// document keyed by the run ID into a second collection; the unique _id
// makes that insert fail for every other worker until the job is acked,
// nacked or its lease expires.
type MongoQueue struct {
	jobs   *mongo.Collection
	guards *mongo.Collection
	opts   Options
}

// NewMongoQueue creates a Mongo-backed queue and its indexes.
// dbName defaults to "flowrun".
func NewMongoQueue(ctx context.Context, client *mongo.Client, dbName string, opts Options) (*MongoQueue, error) {
	if dbName == "" {
		dbName = "flowrun"
	}
	db := client.Database(dbName)
	q := &MongoQueue{
		jobs:   db.Collection("flow_jobs"),
		guards: db.Collection("flow_job_run_guards"),
		opts:   opts.withDefaults(),
	}
	if err := q.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

// Ensure MongoQueue implements Queue.
var _ Queue = (*MongoQueue)(nil)

type mongoJobDoc struct {
	ID             string `bson:"_id"`
	Type           string `bson:"type"`
	Payload        []byte `bson:"payload"`
	Priority       int    `bson:"priority"`
	NotBefore      int64  `bson:"not_before"`
	Attempt        int    `bson:"attempt"`
	MaxAttempts    int    `bson:"max_attempts"`
	CreatedAt      int64  `bson:"created_at"`
	RunID          string `bson:"run_id"`
	IdempotencyKey string `bson:"idempotency_key,omitempty"`
	LeasedBy       string `bson:"leased_by"`
	LeaseExpiresAt int64  `bson:"lease_expires_at"`
	LastError      string `bson:"last_error"`
	Failed         bool   `bson:"failed"`
}

type mongoRunGuard struct {
	RunID     string `bson:"_id"`
	JobID     string `bson:"job_id"`
	CreatedAt int64  `bson:"created_at"`
}

// orphanGuardAge is how old a guard without a leased job must be before the
// sweep removes it. Younger guards may belong to a Lease still in flight.
const orphanGuardAge = time.Minute

func (d *mongoJobDoc) toJob() *api.Job {
	job := &api.Job{
		ID:             d.ID,
		Type:           api.JobType(d.Type),
		Payload:        d.Payload,
		Priority:       d.Priority,
		NotBefore:      time.Unix(0, d.NotBefore),
		Attempt:        d.Attempt,
		MaxAttempts:    d.MaxAttempts,
		CreatedAt:      time.Unix(0, d.CreatedAt),
		RunID:          d.RunID,
		IdempotencyKey: d.IdempotencyKey,
		LeasedBy:       d.LeasedBy,
		LastError:      d.LastError,
		Failed:         d.Failed,
	}
	if d.LeaseExpiresAt > 0 {
		job.LeaseExpiresAt = time.Unix(0, d.LeaseExpiresAt)
	}
	return job
}

func (q *MongoQueue) ensureIndexes(ctx context.Context) error {
	_, err := q.jobs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "idempotency_key", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"idempotency_key": bson.M{"$gt": ""}}),
		},
		{
			Keys: bson.D{
				{Key: "failed", Value: 1},
				{Key: "leased_by", Value: 1},
				{Key: "priority", Value: -1},
				{Key: "created_at", Value: 1},
			},
		},
		{Keys: bson.D{{Key: "lease_expires_at", Value: 1}}},
	})
	return err
}

func (q *MongoQueue) Enqueue(ctx context.Context, jobType api.JobType, payload []byte, opts api.EnqueueOptions) (string, error) {
	job := newJob(jobType, payload, opts, q.opts.Now())
	doc := mongoJobDoc{
		ID:             job.ID,
		Type:           string(job.Type),
		Payload:        job.Payload,
		Priority:       job.Priority,
		NotBefore:      job.NotBefore.UnixNano(),
		MaxAttempts:    job.MaxAttempts,
		CreatedAt:      job.CreatedAt.UnixNano(),
		RunID:          job.RunID,
		IdempotencyKey: job.IdempotencyKey,
	}

	_, err := q.jobs.InsertOne(ctx, doc)
	if err == nil {
		return job.ID, nil
	}
	if !mongo.IsDuplicateKeyError(err) || job.IdempotencyKey == "" {
		return "", api.StorageError(err)
	}

	var existing mongoJobDoc
	err = q.jobs.FindOne(ctx, bson.M{"idempotency_key": job.IdempotencyKey}).Decode(&existing)
	if err != nil {
		return "", api.StorageError(err)
	}
	return existing.ID, nil
}

// leaseBatchSize is the cursor batch size used while scanning candidates.
const leaseBatchSize = 20

func (q *MongoQueue) Lease(ctx context.Context, types []api.JobType, workerID string, leaseFor time.Duration) (*api.Job, error) {
	now := q.opts.Now()

	filter := bson.M{
		"failed":     false,
		"leased_by":  "",
		"not_before": bson.M{"$lte": now.UnixNano()},
	}
	if len(types) > 0 {
		in := make([]string, len(types))
		for i, t := range types {
			in[i] = string(t)
		}
		filter["type"] = bson.M{"$in": in}
	}

	// Skip runs that already have a leased job, so a backlog behind a busy
	// run cannot hide eligible work further down the order.
	busy, err := q.guards.Distinct(ctx, "_id", bson.M{})
	if err != nil {
		return nil, api.StorageError(err)
	}
	if len(busy) > 0 {
		filter["run_id"] = bson.M{"$nin": busy}
	}

	findOpts := options.Find().
		SetSort(bson.D{{Key: "priority", Value: -1}, {Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}).
		SetBatchSize(leaseBatchSize).
		SetProjection(bson.M{"_id": 1, "run_id": 1})
	cur, err := q.jobs.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, api.StorageError(err)
	}
	defer cur.Close(ctx)

	for cur.Next(ctx) {
		var c mongoJobDoc
		if err := cur.Decode(&c); err != nil {
			return nil, api.StorageError(err)
		}
		if c.RunID != "" {
			_, err := q.guards.InsertOne(ctx, mongoRunGuard{RunID: c.RunID, JobID: c.ID, CreatedAt: now.UnixNano()})
			if mongo.IsDuplicateKeyError(err) {
				continue
			}
			if err != nil {
				return nil, api.StorageError(err)
			}
		}

		var doc mongoJobDoc
		err := q.jobs.FindOneAndUpdate(ctx,
			bson.M{"_id": c.ID, "leased_by": "", "failed": false},
			bson.M{"$set": bson.M{
				"leased_by":        workerID,
				"lease_expires_at": now.Add(leaseFor).UnixNano(),
			}},
			options.FindOneAndUpdate().SetReturnDocument(options.After),
		).Decode(&doc)
		if err == nil {
			return doc.toJob(), nil
		}

		// Lost the race for this candidate; drop our guard and move on.
		if c.RunID != "" {
			_, _ = q.guards.DeleteOne(ctx, bson.M{"_id": c.RunID, "job_id": c.ID})
		}
		if !errors.Is(err, mongo.ErrNoDocuments) {
			return nil, api.StorageError(err)
		}
	}
	if err := cur.Err(); err != nil {
		return nil, api.StorageError(err)
	}
	return nil, nil
}

func (q *MongoQueue) RenewLease(ctx context.Context, jobID, workerID string, leaseFor time.Duration) error {
	res, err := q.jobs.UpdateOne(ctx,
		bson.M{"_id": jobID, "leased_by": workerID},
		bson.M{"$set": bson.M{"lease_expires_at": q.opts.Now().Add(leaseFor).UnixNano()}},
	)
	if err != nil {
		return api.StorageError(err)
	}
	if res.MatchedCount == 0 {
		return api.ErrLeaseLost
	}
	return nil
}

func (q *MongoQueue) Ack(ctx context.Context, jobID, workerID string) error {
	var doc mongoJobDoc
	err := q.jobs.FindOneAndDelete(ctx, bson.M{"_id": jobID, "leased_by": workerID}).Decode(&doc)
	if err == nil {
		q.releaseGuard(ctx, doc.RunID, doc.ID)
		return nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return api.StorageError(err)
	}

	n, err := q.jobs.CountDocuments(ctx, bson.M{"_id": jobID})
	if err != nil {
		return api.StorageError(err)
	}
	if n > 0 {
		return api.ErrLeaseLost
	}
	return nil
}

func (q *MongoQueue) Nack(ctx context.Context, jobID, workerID string, reason string) (api.JobStatus, error) {
	job, err := q.Get(ctx, jobID)
	if err != nil {
		return "", err
	}
	if job.LeasedBy != workerID {
		return "", api.ErrLeaseLost
	}

	now := q.opts.Now()
	attempt, notBefore, failed := nackOutcome(job, q.opts.Backoff, now)
	update := bson.M{"$set": bson.M{
		"attempt":          attempt,
		"not_before":       notBefore.UnixNano(),
		"failed":           failed,
		"last_error":       reason,
		"leased_by":        "",
		"lease_expires_at": int64(0),
	}}
	if failed {
		// Free the key so the work can be enqueued again.
		update["$unset"] = bson.M{"idempotency_key": ""}
	}
	res, err := q.jobs.UpdateOne(ctx, bson.M{"_id": jobID, "leased_by": workerID}, update)
	if err != nil {
		return "", api.StorageError(err)
	}
	if res.MatchedCount == 0 {
		return "", api.ErrLeaseLost
	}
	q.releaseGuard(ctx, job.RunID, job.ID)

	job.Attempt, job.NotBefore, job.Failed = attempt, notBefore, failed
	if failed {
		job.IdempotencyKey = ""
	}
	job.LeasedBy = ""
	return job.Status(now), nil
}

func (q *MongoQueue) ExpireStaleLeases(ctx context.Context) (int, error) {
	cur, err := q.jobs.Find(ctx, bson.M{
		"leased_by":        bson.M{"$ne": ""},
		"lease_expires_at": bson.M{"$lte": q.opts.Now().UnixNano()},
	})
	if err != nil {
		return 0, api.StorageError(err)
	}
	var stale []mongoJobDoc
	if err := cur.All(ctx, &stale); err != nil {
		return 0, api.StorageError(err)
	}

	n := 0
	for _, doc := range stale {
		res, err := q.jobs.UpdateOne(ctx,
			bson.M{"_id": doc.ID, "leased_by": doc.LeasedBy, "lease_expires_at": doc.LeaseExpiresAt},
			bson.M{"$set": bson.M{"leased_by": "", "lease_expires_at": int64(0)}},
		)
		if err != nil {
			return n, api.StorageError(err)
		}
		if res.ModifiedCount == 1 {
			q.releaseGuard(ctx, doc.RunID, doc.ID)
			n++
		}
	}
	return n, q.sweepOrphanGuards(ctx)
}

// sweepOrphanGuards removes guards left behind by a worker that crashed
// between inserting the guard and leasing the job.
func (q *MongoQueue) sweepOrphanGuards(ctx context.Context) error {
	cutoff := q.opts.Now().Add(-orphanGuardAge).UnixNano()
	cur, err := q.guards.Find(ctx, bson.M{"created_at": bson.M{"$lte": cutoff}})
	if err != nil {
		return api.StorageError(err)
	}
	var guards []mongoRunGuard
	if err := cur.All(ctx, &guards); err != nil {
		return api.StorageError(err)
	}
	for _, g := range guards {
		n, err := q.jobs.CountDocuments(ctx, bson.M{"_id": g.JobID, "leased_by": bson.M{"$ne": ""}})
		if err != nil {
			return api.StorageError(err)
		}
		if n == 0 {
			q.releaseGuard(ctx, g.RunID, g.JobID)
		}
	}
	return nil
}

func (q *MongoQueue) Get(ctx context.Context, jobID string) (*api.Job, error) {
	var doc mongoJobDoc
	err := q.jobs.FindOne(ctx, bson.M{"_id": jobID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, api.ErrJobNotFound
	}
	if err != nil {
		return nil, api.StorageError(err)
	}
	return doc.toJob(), nil
}

func (q *MongoQueue) Stats(ctx context.Context) (api.QueueStats, error) {
	now := q.opts.Now()
	cur, err := q.jobs.Find(ctx, bson.M{}, options.Find().SetProjection(bson.M{
		"type": 1, "failed": 1, "leased_by": 1, "attempt": 1, "not_before": 1,
	}))
	if err != nil {
		return nil, api.StorageError(err)
	}
	defer cur.Close(ctx)

	stats := api.NewQueueStats()
	for cur.Next(ctx) {
		var doc mongoJobDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, api.StorageError(err)
		}
		stats.Add(api.JobType(doc.Type), doc.toJob().Status(now), 1)
	}
	if err := cur.Err(); err != nil {
		return nil, api.StorageError(err)
	}
	return stats, nil
}

func (q *MongoQueue) releaseGuard(ctx context.Context, runID, jobID string) {
	if runID == "" {
		return
	}
	_, _ = q.guards.DeleteOne(ctx, bson.M{"_id": runID, "job_id": jobID})
}
