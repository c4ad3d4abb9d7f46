package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/flowrun/pkg/api"
)

// MongoStore implements RunStore on top of MongoDB.
//
// Each run is one document. The pending pause token lives inside the
// document and consumed tokens are pushed onto consumed_tokens, so claiming
// a token is a single FindOneAndUpdate.
type MongoStore struct {
	runs *mongo.Collection
	now  func() time.Time
}

// NewMongoStore creates a Mongo-backed run store and its indexes.
// dbName defaults to "flowrun".
func NewMongoStore(ctx context.Context, client *mongo.Client, dbName string) (*MongoStore, error) {
	if dbName == "" {
		dbName = "flowrun"
	}
	s := &MongoStore{
		runs: client.Database(dbName).Collection("flow_runs"),
		now:  time.Now,
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Ensure MongoStore implements RunStore.
var _ RunStore = (*MongoStore)(nil)

type mongoPauseDoc struct {
	Type        string `bson:"type"`
	ResumeToken string `bson:"resume_token"`
	CreatedAt   int64  `bson:"created_at"`
	TimeoutAt   int64  `bson:"timeout_at"`
	OnTimeout   string `bson:"on_timeout"`
	StepName    string `bson:"step_name"`
}

type mongoConsumedToken struct {
	Token string `bson:"token"`
	As    string `bson:"as"`
}

type mongoRunDoc struct {
	ID             string               `bson:"_id"`
	FlowID         string               `bson:"flow_id"`
	FlowVersionID  string               `bson:"flow_version_id"`
	Status         string               `bson:"status"`
	StartTime      int64                `bson:"start_time"`
	FinishTime     int64                `bson:"finish_time"`
	UpdatedAt      int64                `bson:"updated_at"`
	Pause          *mongoPauseDoc       `bson:"pause,omitempty"`
	FailedStepName string               `bson:"failed_step_name"`
	FailureReason  string               `bson:"failure_reason"`
	Input          []byte               `bson:"input,omitempty"`
	Output         []byte               `bson:"output,omitempty"`
	Checkpoint     []byte               `bson:"checkpoint,omitempty"`
	ConsumedTokens []mongoConsumedToken `bson:"consumed_tokens"`
}

func pauseToDoc(meta *api.PauseMetadata) *mongoPauseDoc {
	if meta == nil {
		return nil
	}
	return &mongoPauseDoc{
		Type:        string(meta.Type),
		ResumeToken: meta.ResumeToken,
		CreatedAt:   meta.CreatedAt.UnixNano(),
		TimeoutAt:   unixNanoOrZero(meta.TimeoutAt),
		OnTimeout:   string(meta.OnTimeout),
		StepName:    meta.StepName,
	}
}

func (d *mongoRunDoc) toRun() *api.FlowRun {
	run := &api.FlowRun{
		ID:             d.ID,
		FlowID:         d.FlowID,
		FlowVersionID:  d.FlowVersionID,
		Status:         api.RunStatus(d.Status),
		StartTime:      time.Unix(0, d.StartTime),
		UpdatedAt:      time.Unix(0, d.UpdatedAt),
		FailedStepName: d.FailedStepName,
		FailureReason:  d.FailureReason,
		Input:          nonEmpty(d.Input),
		Output:         nonEmpty(d.Output),
		Checkpoint:     nonEmpty(d.Checkpoint),
	}
	if d.FinishTime > 0 {
		t := time.Unix(0, d.FinishTime)
		run.FinishTime = &t
	}
	if p := d.Pause; p != nil {
		run.Pause = &api.PauseMetadata{
			Type:        api.PauseType(p.Type),
			ResumeToken: p.ResumeToken,
			CreatedAt:   time.Unix(0, p.CreatedAt),
			OnTimeout:   api.TimeoutAction(p.OnTimeout),
			StepName:    p.StepName,
		}
		if p.TimeoutAt > 0 {
			t := time.Unix(0, p.TimeoutAt)
			run.Pause.TimeoutAt = &t
		}
	}
	return run
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.runs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "flow_id", Value: 1}, {Key: "start_time", Value: -1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "start_time", Value: -1}}},
		{
			Keys: bson.D{{Key: "pause.resume_token", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"pause.resume_token": bson.M{"$exists": true}}),
		},
		{Keys: bson.D{{Key: "consumed_tokens.token", Value: 1}}},
	})
	return err
}

func (s *MongoStore) CreateRun(ctx context.Context, run *api.FlowRun) error {
	doc := mongoRunDoc{
		ID:             run.ID,
		FlowID:         run.FlowID,
		FlowVersionID:  run.FlowVersionID,
		Status:         string(run.Status),
		StartTime:      run.StartTime.UnixNano(),
		FinishTime:     unixNanoOrZero(run.FinishTime),
		UpdatedAt:      run.UpdatedAt.UnixNano(),
		Pause:          pauseToDoc(run.Pause),
		FailedStepName: run.FailedStepName,
		FailureReason:  run.FailureReason,
		Input:          run.Input,
		Output:         run.Output,
		Checkpoint:     run.Checkpoint,
		ConsumedTokens: []mongoConsumedToken{},
	}
	_, err := s.runs.InsertOne(ctx, doc)
	return api.StorageError(err)
}

func (s *MongoStore) GetRun(ctx context.Context, id string) (*api.FlowRun, error) {
	var doc mongoRunDoc
	err := s.runs.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, api.ErrRunNotFound
	}
	if err != nil {
		return nil, api.StorageError(err)
	}
	return doc.toRun(), nil
}

func (s *MongoStore) ListRuns(ctx context.Context, filter RunFilter) ([]*api.FlowRun, error) {
	query := bson.M{}
	if filter.FlowID != "" {
		query["flow_id"] = filter.FlowID
	}
	if filter.Status != "" {
		query["status"] = string(filter.Status)
	}
	opts := options.Find().SetSort(bson.D{{Key: "start_time", Value: -1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}

	cur, err := s.runs.Find(ctx, query, opts)
	if err != nil {
		return nil, api.StorageError(err)
	}
	defer cur.Close(ctx)

	var runs []*api.FlowRun
	for cur.Next(ctx) {
		var doc mongoRunDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, api.StorageError(err)
		}
		runs = append(runs, doc.toRun())
	}
	if err := cur.Err(); err != nil {
		return nil, api.StorageError(err)
	}
	return runs, nil
}

func (s *MongoStore) MarkPaused(ctx context.Context, runID string, meta api.PauseMetadata, checkpoint json.RawMessage) (*api.FlowRun, error) {
	set := bson.M{
		"status":      string(api.RunStatusPaused),
		"pause":       pauseToDoc(&meta),
		"finish_time": int64(0),
		"updated_at":  s.now().UnixNano(),
	}
	update := bson.M{"$set": set}
	if len(checkpoint) > 0 {
		set["checkpoint"] = []byte(checkpoint)
	} else {
		update["$unset"] = bson.M{"checkpoint": ""}
	}

	var doc mongoRunDoc
	err := s.runs.FindOneAndUpdate(ctx,
		bson.M{"_id": runID, "status": string(api.RunStatusRunning)},
		update,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		if _, err := s.GetRun(ctx, runID); err != nil {
			return nil, err
		}
		return nil, api.ErrInvalidTransition
	}
	if err != nil {
		return nil, api.StorageError(err)
	}
	return doc.toRun(), nil
}

// transitionUpdate is the update document that applies t at now.
func transitionUpdate(t Transition, now time.Time) bson.M {
	set := bson.M{
		"status":     string(t.Status),
		"updated_at": now.UnixNano(),
	}
	if t.Status.IsTerminal() {
		set["finish_time"] = now.UnixNano()
		set["failed_step_name"] = t.FailedStepName
		set["failure_reason"] = t.FailureReason
		if len(t.Output) > 0 {
			set["output"] = []byte(t.Output)
		}
	}
	return bson.M{
		"$set":   set,
		"$unset": bson.M{"pause": ""},
	}
}

func (s *MongoStore) Finish(ctx context.Context, runID string, t Transition) (*api.FlowRun, bool, error) {
	var doc mongoRunDoc
	err := s.runs.FindOneAndUpdate(ctx,
		bson.M{"_id": runID, "status": string(api.RunStatusRunning)},
		transitionUpdate(t, s.now()),
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if err == nil {
		return doc.toRun(), true, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, false, api.StorageError(err)
	}

	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, false, err
	}
	if !run.Status.IsTerminal() {
		return nil, false, api.ErrInvalidTransition
	}
	return run, false, nil
}

func (s *MongoStore) ConsumePause(ctx context.Context, token string, t Transition) (*api.FlowRun, error) {
	update := transitionUpdate(t, s.now())
	update["$push"] = bson.M{"consumed_tokens": mongoConsumedToken{Token: token, As: string(t.Status)}}

	var doc mongoRunDoc
	err := s.runs.FindOneAndUpdate(ctx,
		bson.M{"pause.resume_token": token, "status": string(api.RunStatusPaused)},
		update,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, s.tokenError(ctx, token)
	}
	if err != nil {
		return nil, api.StorageError(err)
	}
	return doc.toRun(), nil
}

func (s *MongoStore) LookupPause(ctx context.Context, token string) (*api.FlowRun, error) {
	var doc mongoRunDoc
	err := s.runs.FindOne(ctx,
		bson.M{"pause.resume_token": token, "status": string(api.RunStatusPaused)},
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, s.tokenError(ctx, token)
	}
	if err != nil {
		return nil, api.StorageError(err)
	}
	return doc.toRun(), nil
}

func (s *MongoStore) tokenError(ctx context.Context, token string) error {
	var doc mongoRunDoc
	err := s.runs.FindOne(ctx,
		bson.M{"consumed_tokens.token": token},
		options.FindOne().SetProjection(bson.M{"consumed_tokens": 1}),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return api.ErrTokenNotFound
	}
	if err != nil {
		return api.StorageError(err)
	}
	for _, c := range doc.ConsumedTokens {
		if c.Token == token {
			return consumedError(api.RunStatus(c.As))
		}
	}
	return api.ErrTokenNotFound
}
