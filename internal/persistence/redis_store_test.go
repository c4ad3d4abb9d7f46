package persistence

import (
	"testing"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/petrijr/flowrun/internal/testutil"
)

func TestRedisStore_Conformance(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: testutil.GetRedisAddress(t)})
	t.Cleanup(func() {
		_ = client.Close()
	})

	runStoreConformance(t, func(t *testing.T) RunStore {
		// A fresh prefix isolates each subtest.
		return NewRedisStore(client, "test:"+uuid.NewString()+":")
	})
}
