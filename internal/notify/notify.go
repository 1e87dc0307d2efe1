// Package notify carries best-effort wake-up signals from message producers
// to the consumers waiting on a role's queue. Delivery cuts dequeue latency;
// it is never load-bearing, every consumer also polls the store.
package notify

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Notifier fans wake-up signals out to role listeners.
type Notifier interface {
	// Wake signals that new work may exist for the role.
	Wake(ctx context.Context, role string) error
	// Listen returns a channel that receives after each wake-up for the
	// role, coalescing bursts, plus a cancel func that stops delivery.
	Listen(ctx context.Context, role string) (<-chan struct{}, func(), error)
	Close() error
}

func channelFor(role string) string {
	return "orc:wake:" + role
}

// RedisNotifier broadcasts wake-ups over Redis pub/sub so consumers on other
// hosts see them too.
type RedisNotifier struct {
	client *redis.Client
	logger *zap.Logger
}

func NewRedisNotifier(client *redis.Client, logger *zap.Logger) *RedisNotifier {
	return &RedisNotifier{
		client: client,
		logger: logger,
	}
}

func (n *RedisNotifier) Wake(ctx context.Context, role string) error {
	if err := n.client.Publish(ctx, channelFor(role), "1").Err(); err != nil {
		n.logger.Warn("Failed to publish wake-up",
			zap.String("role", role),
			zap.Error(err))
		return fmt.Errorf("failed to publish wake-up: %w", err)
	}
	return nil
}

func (n *RedisNotifier) Listen(ctx context.Context, role string) (<-chan struct{}, func(), error) {
	sub := n.client.Subscribe(ctx, channelFor(role))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("failed to subscribe to wake-ups: %w", err)
	}

	wake := make(chan struct{}, 1)
	go func() {
		for range sub.Channel() {
			select {
			case wake <- struct{}{}:
			default:
			}
		}
		close(wake)
	}()

	cancel := func() { _ = sub.Close() }
	return wake, cancel, nil
}

func (n *RedisNotifier) HealthCheck(ctx context.Context) error {
	if _, err := n.client.Ping(ctx).Result(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

func (n *RedisNotifier) Close() error {
	return n.client.Close()
}

// LocalNotifier delivers wake-ups within a single process. It backs tests and
// single-binary runs where Redis is disabled.
type LocalNotifier struct {
	mu      sync.Mutex
	nextID  int
	waiters map[string]map[int]chan struct{}
}

func NewLocalNotifier() *LocalNotifier {
	return &LocalNotifier{waiters: make(map[string]map[int]chan struct{})}
}

func (n *LocalNotifier) Wake(ctx context.Context, role string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, wake := range n.waiters[role] {
		select {
		case wake <- struct{}{}:
		default:
		}
	}
	return nil
}

func (n *LocalNotifier) Listen(ctx context.Context, role string) (<-chan struct{}, func(), error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.waiters[role] == nil {
		n.waiters[role] = make(map[int]chan struct{})
	}
	id := n.nextID
	n.nextID++
	wake := make(chan struct{}, 1)
	n.waiters[role][id] = wake

	cancel := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.waiters[role], id)
	}
	return wake, cancel, nil
}

func (n *LocalNotifier) Close() error { return nil }

// NopNotifier drops every wake-up. Consumers degrade to pure polling.
type NopNotifier struct{}

func NewNopNotifier() *NopNotifier { return &NopNotifier{} }

func (NopNotifier) Wake(ctx context.Context, role string) error { return nil }

func (NopNotifier) Listen(ctx context.Context, role string) (<-chan struct{}, func(), error) {
	return make(chan struct{}), func() {}, nil
}

func (NopNotifier) Close() error { return nil }
