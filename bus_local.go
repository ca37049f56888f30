// This file contains the LocalBus implementation which provides an in-memory
// message bus for single-process use and tests. It assigns per-channel
// monotonic sequence ids on publish and keeps a bounded replay log so
// subscribers can catch up from a known sequence id.
package realtime

import (
	"context"
	"sync"
)

type busMessage struct {
	channel string
	seq     int64
	data    []byte
}

type localSubscription struct {
	channel string
	handler BusHandler

	ch     chan busMessage
	cancel context.CancelFunc
}

type localChannel struct {
	seq  int64
	log  []busMessage
	subs []localSubscription
}

type LocalBus struct {
	mu          sync.RWMutex
	channels    map[string]*localChannel
	closed      bool
	ctx         context.Context
	cancel      context.CancelFunc
	bufferSize  int
	replayLimit int
}

// NewLocalBus creates a new in-memory message bus. bufferSize sets the
// channel buffer for each subscription and replayLimit bounds how many past
// messages are kept per channel for catch-up; both default when <= 0.
func NewLocalBus(ctx context.Context, bufferSize, replayLimit int) *LocalBus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if replayLimit <= 0 {
		replayLimit = 100
	}
	busCtx, cancel := context.WithCancel(ctx)

	return &LocalBus{
		channels:    make(map[string]*localChannel),
		ctx:         busCtx,
		cancel:      cancel,
		bufferSize:  bufferSize,
		replayLimit: replayLimit,
	}
}

// Subscribe registers a handler for a channel starting after sequence id
// from. Messages still held in the replay log with seq > from are delivered
// first, in order, before any live messages.
func (l *LocalBus) Subscribe(channel string, from int64, handler BusHandler) error {
	l.mu.Lock()

	defer l.mu.Unlock()

	if l.closed {
		return unavailable(channel, "bus is closed")
	}
	subCtx, cancel := context.WithCancel(l.ctx)

	ch := make(chan busMessage, l.bufferSize)

	sub := localSubscription{
		channel: channel,
		handler: handler,
		ch:      ch,
		cancel:  cancel,
	}
	state := l.channelLocked(channel)

	if from >= 0 {
		for _, msg := range state.log {
			if msg.seq > from {
				select {
				case ch <- msg:
				default:
				}
			}
		}
	}
	state.subs = append(state.subs, sub)

	go l.runSubscription(subCtx, sub)

	return nil
}

func (l *LocalBus) runSubscription(ctx context.Context, sub localSubscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.ch:
			if !ok {
				return
			}
			sub.handler(msg.channel, msg.seq, msg.data)
		}
	}
}

// Unsubscribe removes all handlers for the channel. The channel's sequence
// counter and replay log survive so a later subscribe can still catch up.
func (l *LocalBus) Unsubscribe(channel string) error {
	l.mu.Lock()

	defer l.mu.Unlock()

	if l.closed {
		return unavailable(channel, "bus is closed")
	}
	state, exists := l.channels[channel]
	if !exists || len(state.subs) == 0 {
		return notFound(channel, "channel has no subscribers")
	}
	for _, sub := range state.subs {
		sub.cancel()

		close(sub.ch)
	}
	state.subs = nil

	return nil
}

// Publish assigns the next sequence id for the channel, records the message
// in the replay log, and fans it out to subscribers. If a subscriber's
// buffer is full the message is dropped for that subscriber; the gap is
// detected downstream by the sequence check.
func (l *LocalBus) Publish(channel string, data []byte) (int64, error) {
	l.mu.Lock()

	defer l.mu.Unlock()

	if l.closed {
		return 0, unavailable(channel, "bus is closed")
	}
	state := l.channelLocked(channel)

	state.seq++

	msg := busMessage{
		channel: channel,
		seq:     state.seq,
		data:    data,
	}
	state.log = append(state.log, msg)

	if len(state.log) > l.replayLimit {
		state.log = state.log[len(state.log)-l.replayLimit:]
	}
	for _, sub := range state.subs {
		select {
		case sub.ch <- msg:
		default:
		}
	}
	return state.seq, nil
}

// LastSeq returns the latest sequence id assigned for the channel.
func (l *LocalBus) LastSeq(channel string) int64 {
	l.mu.RLock()

	defer l.mu.RUnlock()

	state, exists := l.channels[channel]
	if !exists {
		return 0
	}
	return state.seq
}

// Close shuts down the bus, cancelling all subscriptions. Idempotent.
func (l *LocalBus) Close() error {
	l.mu.Lock()

	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	l.cancel()

	for _, state := range l.channels {
		for _, sub := range state.subs {
			close(sub.ch)
		}
		state.subs = nil
	}
	l.channels = make(map[string]*localChannel)

	return nil
}

func (l *LocalBus) channelLocked(channel string) *localChannel {
	state, exists := l.channels[channel]
	if !exists {
		state = &localChannel{}
		l.channels[channel] = state
	}
	return state
}
