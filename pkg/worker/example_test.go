package worker_test

import (
	"context"
	"fmt"
	"log"

	"github.com/petrijr/flowrun/internal/taskqueue"
	"github.com/petrijr/flowrun/pkg/api"
	"github.com/petrijr/flowrun/pkg/worker"
)

// ExampleDispatcher demonstrates registering a handler and processing a
// single job explicitly.
func ExampleDispatcher() {
	ctx := context.Background()
	queue := taskqueue.NewInMemoryQueue(taskqueue.Options{})

	registry := worker.NewRegistry()
	registry.MustRegister(api.JobTypeExecutePolling, func(ctx context.Context, job *api.Job) error {
		fmt.Printf("polling trigger %s\n", job.Payload)
		return nil
	})

	d, err := worker.NewDispatcher(worker.Config{Queue: queue, Registry: registry})
	if err != nil {
		log.Fatal(err)
	}

	if _, err := queue.Enqueue(ctx, api.JobTypeExecutePolling, []byte(`"rss-feed"`), api.EnqueueOptions{}); err != nil {
		log.Fatal(err)
	}

	// In a real application you would call Run instead.
	if _, err := d.ProcessOne(ctx); err != nil {
		log.Fatal(err)
	}

	// Output:
	// polling trigger "rss-feed"
}
