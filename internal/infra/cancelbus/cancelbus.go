// Package cancelbus broadcasts job cancellations from the API to workers.
package cancelbus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"portraitd/internal/infra"
)

// DefaultChannel is the Pub/Sub channel carrying canceled job ids.
const DefaultChannel = "portraitd:jobs:cancel"

// NewRedisClient parses url, connects and pings.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// RedisBus delivers cancellations over Redis Pub/Sub. Delivery is best effort:
// a worker that is not subscribed at publish time misses the message and
// relies on the status check before publishing.
type RedisBus struct {
	client  *redis.Client
	channel string
	logger  *infra.Logger

	minBackoff time.Duration
	maxBackoff time.Duration
}

func NewRedisBus(client *redis.Client, logger *infra.Logger) *RedisBus {
	if logger == nil {
		logger = infra.NopLogger()
	}
	return &RedisBus{
		client:     client,
		channel:    DefaultChannel,
		logger:     logger,
		minBackoff: 500 * time.Millisecond,
		maxBackoff: 30 * time.Second,
	}
}

func (b *RedisBus) Publish(ctx context.Context, jobID string) error {
	if err := b.client.Publish(ctx, b.channel, jobID).Err(); err != nil {
		return fmt.Errorf("publish cancel: %w", err)
	}
	return nil
}

// Listen calls fn for every canceled job id until ctx is done, resubscribing
// with exponential backoff when the connection drops.
func (b *RedisBus) Listen(ctx context.Context, fn func(jobID string)) error {
	backoff := b.minBackoff
	for {
		err := b.subscribe(ctx, fn, func() { backoff = b.minBackoff })
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b.logger.Warn().Err(err).Dur("retry_in", backoff).Msg("cancelbus: subscription lost")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, b.maxBackoff)
	}
}

func (b *RedisBus) subscribe(ctx context.Context, fn func(string), onReady func()) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	onReady()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("subscription channel closed")
			}
			if id := strings.TrimSpace(msg.Payload); id != "" {
				fn(id)
			}
		}
	}
}

// LocalBus is an in-process bus for deployments without Redis, where the API
// and the worker share a process, and for tests.
type LocalBus struct {
	mu        sync.Mutex
	next      int
	listeners map[int]func(string)
}

func NewLocalBus() *LocalBus {
	return &LocalBus{listeners: make(map[int]func(string))}
}

func (b *LocalBus) Publish(_ context.Context, jobID string) error {
	b.mu.Lock()
	fns := make([]func(string), 0, len(b.listeners))
	for _, fn := range b.listeners {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(jobID)
	}
	return nil
}

func (b *LocalBus) Listen(ctx context.Context, fn func(jobID string)) error {
	b.mu.Lock()
	id := b.next
	b.next++
	b.listeners[id] = fn
	b.mu.Unlock()

	<-ctx.Done()

	b.mu.Lock()
	delete(b.listeners, id)
	b.mu.Unlock()
	return ctx.Err()
}
