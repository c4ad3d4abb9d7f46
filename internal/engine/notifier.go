package engine

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/flowrun/internal/logger"
)

// Notifier wakes up callers waiting for a run to settle. Notifications are
// hints: a waiter always re-reads the run from the store.
type Notifier interface {
	// Subscribe returns a channel that receives a value after each Publish
	// for runID, and a function that releases the subscription.
	Subscribe(runID string) (<-chan struct{}, func())
	Publish(ctx context.Context, runID string)
}

// LocalNotifier delivers notifications inside one process.
type LocalNotifier struct {
	mu   sync.Mutex
	subs map[string]map[chan struct{}]struct{}
}

func NewLocalNotifier() *LocalNotifier {
	return &LocalNotifier{subs: make(map[string]map[chan struct{}]struct{})}
}

func (n *LocalNotifier) Subscribe(runID string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	n.mu.Lock()
	set := n.subs[runID]
	if set == nil {
		set = make(map[chan struct{}]struct{})
		n.subs[runID] = set
	}
	set[ch] = struct{}{}
	n.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			delete(n.subs[runID], ch)
			if len(n.subs[runID]) == 0 {
				delete(n.subs, runID)
			}
		})
	}
}

func (n *LocalNotifier) Publish(_ context.Context, runID string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for ch := range n.subs[runID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// DefaultNotifyChannel is the Redis channel used by RedisNotifier.
const DefaultNotifyChannel = "flowrun:run-events"

// RedisNotifier fans notifications out to every process through Redis
// pub/sub, so a synchronous resume served by the API process is woken up
// by the worker process that finished the run.
type RedisNotifier struct {
	client  *redis.Client
	channel string
	local   *LocalNotifier
	log     *logger.Logger
}

func NewRedisNotifier(client *redis.Client, channel string, log *logger.Logger) *RedisNotifier {
	if channel == "" {
		channel = DefaultNotifyChannel
	}
	if log == nil {
		log = logger.Nop()
	}
	return &RedisNotifier{
		client:  client,
		channel: channel,
		local:   NewLocalNotifier(),
		log:     log.With("component", "notifier"),
	}
}

func (n *RedisNotifier) Subscribe(runID string) (<-chan struct{}, func()) {
	return n.local.Subscribe(runID)
}

// Publish sends runID to every process. Local waiters are woken directly
// as well, so a lost Redis message only delays remote waiters until their
// next poll.
func (n *RedisNotifier) Publish(ctx context.Context, runID string) {
	n.local.Publish(ctx, runID)
	if err := n.client.Publish(ctx, n.channel, runID).Err(); err != nil {
		n.log.Warn("publish run event failed", "run_id", runID, "error", err)
	}
}

// Run relays messages from Redis to local waiters until ctx is cancelled.
// The subscription is confirmed before ready is closed.
func (n *RedisNotifier) Run(ctx context.Context, ready chan<- struct{}) error {
	sub := n.client.Subscribe(ctx, n.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	if ready != nil {
		close(ready)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			n.local.Publish(ctx, msg.Payload)
		}
	}
}
