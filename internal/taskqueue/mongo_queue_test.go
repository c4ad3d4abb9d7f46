package taskqueue

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/flowrun/internal/testutil"
)

func TestMongoQueue_Conformance(t *testing.T) {
	ctx := context.Background()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(testutil.GetMongoURI(t)))
	if err != nil {
		t.Fatalf("mongo.Connect failed: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Disconnect(context.Background())
	})

	runQueueConformance(t, func(t *testing.T, opts Options) Queue {
		dbName := "flowrun_test_" + uuid.NewString()[:8]
		t.Cleanup(func() {
			_ = client.Database(dbName).Drop(context.Background())
		})
		q, err := NewMongoQueue(ctx, client, dbName, opts)
		if err != nil {
			t.Fatalf("NewMongoQueue failed: %v", err)
		}
		return q
	})
}
