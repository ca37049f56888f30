// This file contains the ChannelState struct which holds the client-side
// snapshot of one presence channel. It applies ordered delta messages from
// the bus, verifies sequence continuity, and recovers from any detected
// inconsistency with a full resynchronization. One ChannelState is shared by
// reference among every handle subscribed to the same channel name; mutation
// is exclusively owned by the apply/resync logic here.
package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

type ChannelState struct {
	name    string
	api     ServerAPI
	bus     MessageBus
	hooks   *Hooks
	timeout time.Duration

	mu         sync.RWMutex
	users      *array[UserSummary]
	count      int
	countOnly  bool
	lastSeenID int64
	subscribed bool
	resyncing  bool
	resyncDone chan struct{}

	changeMu   sync.Mutex
	changeSubs map[int]func()
	nextSubID  int
}

func newChannelState(name string, api ServerAPI, bus MessageBus, hooks *Hooks, timeout time.Duration) *ChannelState {
	return &ChannelState{
		name:       name,
		api:        api,
		bus:        bus,
		hooks:      hooks,
		timeout:    timeout,
		changeSubs: make(map[int]func()),
	}
}

// Name returns the channel name this state tracks.
func (c *ChannelState) Name() string {
	return c.name
}

// Count returns the current number of present users.
func (c *ChannelState) Count() int {
	c.mu.RLock()

	defer c.mu.RUnlock()

	return c.count
}

// CountOnly reports whether the server sends aggregate counts for this
// channel instead of full user lists.
func (c *ChannelState) CountOnly() bool {
	c.mu.RLock()

	defer c.mu.RUnlock()

	return c.countOnly
}

// Users returns a copy of the present user list, or nil for count-only
// channels.
func (c *ChannelState) Users() []UserSummary {
	c.mu.RLock()

	defer c.mu.RUnlock()

	if c.users == nil {
		return nil
	}
	return c.users.snapshot()
}

// LastSeenID returns the sequence id of the last applied message.
func (c *ChannelState) LastSeenID() int64 {
	c.mu.RLock()

	defer c.mu.RUnlock()

	return c.lastSeenID
}

// Subscribed reports whether the state is live on the bus.
func (c *ChannelState) Subscribed() bool {
	c.mu.RLock()

	defer c.mu.RUnlock()

	return c.subscribed
}

// OnChange registers a callback invoked after every applied mutation or
// completed resync. Returns an unsubscribe function.
func (c *ChannelState) OnChange(fn func()) func() {
	c.changeMu.Lock()

	id := c.nextSubID

	c.nextSubID++

	c.changeSubs[id] = fn

	c.changeMu.Unlock()

	return func() {
		c.changeMu.Lock()

		delete(c.changeSubs, id)

		c.changeMu.Unlock()
	}
}

// Subscribe seeds the state from the given snapshot, or fetches one from the
// server when snapshot is nil, then registers a bus subscription starting at
// the snapshot's sequence id. Returns a not-found Error when the server has
// no such channel.
func (c *ChannelState) Subscribe(ctx context.Context, snapshot *ChannelSnapshot) error {
	c.mu.Lock()

	if c.subscribed {
		c.mu.Unlock()

		return conflict(c.name, "channel is already subscribed")
	}
	c.mu.Unlock()

	if snapshot == nil {
		fetched, err := c.api.GetChannel(ctx, c.name)

		if err != nil {
			return err
		}
		snapshot = fetched
	}
	c.mu.Lock()

	c.seedLocked(snapshot)

	c.mu.Unlock()

	if err := c.bus.Subscribe(c.name, snapshot.LastMessageID, c.handleMessage); err != nil {
		c.mu.Lock()

		c.clearLocked()

		c.mu.Unlock()

		return wrapF(err, "failed to subscribe to channel %s", c.name)
	}
	c.notifyChange()

	return nil
}

// Unsubscribe deregisters the bus subscription and clears local state.
// Idempotent.
func (c *ChannelState) Unsubscribe() {
	c.mu.Lock()

	if !c.subscribed {
		c.mu.Unlock()

		return
	}
	c.clearLocked()

	c.mu.Unlock()

	_ = c.bus.Unsubscribe(c.name)

	c.notifyChange()
}

// Resync performs a full resynchronization: drop the bus subscription, fetch
// a fresh snapshot, and resubscribe from its sequence id. Concurrent calls
// are serialized per channel; a call made while a resync is in flight
// returns the in-flight resync's done channel instead of starting a second.
func (c *ChannelState) Resync() <-chan struct{} {
	c.mu.Lock()

	if c.resyncing {
		done := c.resyncDone

		c.mu.Unlock()

		return done
	}
	c.resyncing = true

	done := make(chan struct{})

	c.resyncDone = done

	c.mu.Unlock()

	c.hooks.Observer.ResyncStarted(c.name)

	go c.runResync(done)

	return done
}

func (c *ChannelState) runResync(done chan struct{}) {
	_ = c.bus.Unsubscribe(c.name)

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)

	defer cancel()

	snapshot, err := c.api.GetChannel(ctx, c.name)

	if err != nil {
		c.mu.Lock()

		c.clearLocked()

		c.finishResyncLocked()

		c.mu.Unlock()

		close(done)

		c.hooks.Observer.ResyncCompleted(c.name, err)

		c.notifyChange()

		return
	}
	c.mu.Lock()

	if !c.subscribed {
		// Unsubscribed while the fetch was in flight; stay down.
		c.finishResyncLocked()

		c.mu.Unlock()

		close(done)

		c.hooks.Observer.ResyncCompleted(c.name, nil)

		return
	}
	c.seedLocked(snapshot)

	c.finishResyncLocked()

	c.mu.Unlock()

	err = c.bus.Subscribe(c.name, snapshot.LastMessageID, c.handleMessage)

	if err != nil {
		c.mu.Lock()

		c.clearLocked()

		c.mu.Unlock()
	}
	close(done)

	c.hooks.Observer.ResyncCompleted(c.name, err)

	c.notifyChange()
}

func (c *ChannelState) handleMessage(_ string, seq int64, data []byte) {

	var delta Delta
	if err := json.Unmarshal(data, &delta); err != nil {
		c.hooks.Observer.MalformedDelta(c.name, "payload is not a delta: "+err.Error())

		c.Resync()

		return
	}
	c.applyMessage(seq, delta)
}

// applyMessage verifies seq == lastSeenID+1 and applies the delta. Any gap,
// replay, or shape mismatch leaves the state untouched and triggers a
// resync; the sequence check is the core guard against lost or reordered
// messages.
func (c *ChannelState) applyMessage(seq int64, delta Delta) {
	c.mu.Lock()

	if !c.subscribed || c.resyncing {
		c.mu.Unlock()

		return
	}
	if seq != c.lastSeenID+1 {
		expected := c.lastSeenID + 1

		c.mu.Unlock()

		c.hooks.Observer.GapDetected(c.name, expected, seq)

		c.Resync()

		return
	}
	if reason := c.deltaShapeErrorLocked(delta); reason != "" {
		c.mu.Unlock()

		c.hooks.Observer.MalformedDelta(c.name, reason)

		c.Resync()

		return
	}
	c.lastSeenID = seq

	if c.countOnly {
		c.count += *delta.CountDelta
	} else {
		for _, user := range delta.EnteringUsers {
			id := user.ID

			c.users.removeWhere(func(existing UserSummary) bool {
				return existing.ID == id
			})

			c.users.push(user)
		}
		for _, id := range delta.LeavingUserIDs {
			leavingID := id

			c.users.removeWhere(func(existing UserSummary) bool {
				return existing.ID == leavingID
			})
		}
		c.count = c.users.length()
	}
	count := c.count

	c.mu.Unlock()

	c.hooks.presenceChanged(c.name, count)

	c.notifyChange()
}

func (c *ChannelState) deltaShapeErrorLocked(delta Delta) string {
	hasCount := delta.CountDelta != nil

	hasUsers := len(delta.EnteringUsers) > 0 || len(delta.LeavingUserIDs) > 0

	switch {
	case c.countOnly && !hasCount:
		return "count-only channel received a delta without count_delta"
	case !c.countOnly && hasCount:
		return "full-list channel received a count_delta"
	case !hasCount && !hasUsers:
		return "delta carries neither count_delta nor user changes"
	}
	return ""
}

func (c *ChannelState) seedLocked(snapshot *ChannelSnapshot) {
	c.countOnly = snapshot.Users == nil

	if c.countOnly {
		c.users = nil

		c.count = snapshot.Count
	} else {
		c.users = fromSlice(snapshot.Users)

		c.count = c.users.length()
	}
	c.lastSeenID = snapshot.LastMessageID

	c.subscribed = true
}

func (c *ChannelState) clearLocked() {
	c.subscribed = false

	c.users = nil

	c.count = 0

	c.countOnly = false

	c.lastSeenID = 0
}

func (c *ChannelState) finishResyncLocked() {
	c.resyncing = false

	c.resyncDone = nil
}

func (c *ChannelState) notifyChange() {
	c.changeMu.Lock()

	callbacks := make([]func(), 0, len(c.changeSubs))

	for _, fn := range c.changeSubs {
		callbacks = append(callbacks, fn)
	}
	c.changeMu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
}
