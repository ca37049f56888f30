// Package distributed provides message bus implementations backed by
// external brokers. RedisBus keeps per-channel messages in Redis Streams so
// subscribers can replay from a known sequence id, which plain Redis pub/sub
// cannot offer.
package distributed

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/openboard/realtime"
)

const (
	defaultStreamPrefix = "realtime:stream:"
	defaultSeqPrefix    = "realtime:seq:"
	defaultPollInterval = 100 * time.Millisecond
	defaultMaxLen       = 1000
)

type redisSubscription struct {
	cancel   context.CancelFunc
	handlers []realtime.BusHandler
}

// RedisBus implements realtime.MessageBus on top of Redis Streams. Each
// channel maps to one stream; sequence ids come from a per-channel counter
// and double as stream entry ids, so replay from a sequence id is a plain
// range read.
type RedisBus struct {
	client *redis.Client

	mu   sync.RWMutex
	subs map[string]*redisSubscription

	closed bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	streamPrefix string
	seqPrefix    string
	pollInterval time.Duration
	maxLen       int64
}

// NewRedisBus creates a Redis-backed bus. The provided client should be
// configured and connected; its lifecycle stays with the caller.
func NewRedisBus(ctx context.Context, client *redis.Client) (*RedisBus, error) {
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	busCtx, cancel := context.WithCancel(ctx)

	return &RedisBus{
		client:       client,
		subs:         make(map[string]*redisSubscription),
		ctx:          busCtx,
		cancel:       cancel,
		streamPrefix: defaultStreamPrefix,
		seqPrefix:    defaultSeqPrefix,
		pollInterval: defaultPollInterval,
		maxLen:       defaultMaxLen,
	}, nil
}

// Publish assigns the next sequence id for the channel and appends the
// message to its stream, trimming the stream to a bounded length.
func (r *RedisBus) Publish(channel string, data []byte) (int64, error) {
	r.mu.RLock()

	closed := r.closed

	r.mu.RUnlock()

	if closed {
		return 0, fmt.Errorf("bus: closed")
	}
	seq, err := r.client.Incr(r.ctx, r.seqPrefix+channel).Result()

	if err != nil {
		return 0, fmt.Errorf("failed to assign sequence id: %w", err)
	}
	err = r.client.XAdd(r.ctx, &redis.XAddArgs{
		Stream: r.streamPrefix + channel,
		MaxLen: r.maxLen,
		ID:     fmt.Sprintf("%d-0", seq),
		Values: map[string]interface{}{"data": string(data)},
	}).Err()

	if err != nil {
		return 0, fmt.Errorf("failed to publish message: %w", err)
	}
	return seq, nil
}

// Subscribe registers a handler for a channel starting after sequence id
// from; a negative from starts from the current tail. The first subscriber
// for a channel determines the replay point, later handlers join live.
func (r *RedisBus) Subscribe(channel string, from int64, handler realtime.BusHandler) error {
	r.mu.Lock()

	defer r.mu.Unlock()

	if r.closed {
		return fmt.Errorf("bus: closed")
	}
	if sub, exists := r.subs[channel]; exists {
		sub.handlers = append(sub.handlers, handler)

		return nil
	}
	if from < 0 {
		current, err := r.client.Get(r.ctx, r.seqPrefix+channel).Int64()

		if err != nil && err != redis.Nil {
			return fmt.Errorf("failed to read sequence counter: %w", err)
		}
		from = current
	}
	subCtx, cancel := context.WithCancel(r.ctx)

	sub := &redisSubscription{
		cancel:   cancel,
		handlers: []realtime.BusHandler{handler},
	}
	r.subs[channel] = sub

	r.wg.Add(1)

	go r.poll(subCtx, channel, from)

	return nil
}

// Unsubscribe removes all handlers for the channel and stops its poller.
func (r *RedisBus) Unsubscribe(channel string) error {
	r.mu.Lock()

	defer r.mu.Unlock()

	if r.closed {
		return fmt.Errorf("bus: closed")
	}
	sub, exists := r.subs[channel]
	if !exists {
		return fmt.Errorf("bus: channel %s has no subscribers", channel)
	}
	sub.cancel()

	delete(r.subs, channel)

	return nil
}

// Close stops all pollers and waits for them to finish. The Redis client is
// left open for the caller. Idempotent.
func (r *RedisBus) Close() error {
	r.mu.Lock()

	if r.closed {
		r.mu.Unlock()

		return nil
	}
	r.closed = true

	r.subs = make(map[string]*redisSubscription)

	r.mu.Unlock()

	r.cancel()

	r.wg.Wait()

	return nil
}

func (r *RedisBus) poll(ctx context.Context, channel string, from int64) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.pollInterval)

	defer ticker.Stop()

	last := from

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			entries, err := r.client.XRange(ctx, r.streamPrefix+channel, fmt.Sprintf("%d-1", last), "+").Result()

			if err != nil {
				continue
			}
			for _, entry := range entries {
				seq, ok := parseSeq(entry.ID)

				if !ok || seq <= last {
					continue
				}
				data, ok := entry.Values["data"].(string)

				if !ok {
					continue
				}
				r.deliver(channel, seq, []byte(data))

				last = seq
			}
		}
	}
}

func (r *RedisBus) deliver(channel string, seq int64, data []byte) {
	r.mu.RLock()

	sub, exists := r.subs[channel]

	var handlers []realtime.BusHandler
	if exists {
		handlers = make([]realtime.BusHandler, len(sub.handlers))

		copy(handlers, sub.handlers)
	}
	r.mu.RUnlock()

	for _, handler := range handlers {
		handler(channel, seq, data)
	}
}

func parseSeq(id string) (int64, bool) {
	head, _, found := strings.Cut(id, "-")

	if !found {
		return 0, false
	}
	seq, err := strconv.ParseInt(head, 10, 64)

	if err != nil {
		return 0, false
	}
	return seq, true
}
