// This file contains the TrackingState struct which maintains per-topic
// unread/new bookkeeping from a stream of typed tracking events. Merges are
// idempotent: an event whose payload matches the current row is a no-op and
// does not advance the local message count observers use to re-render.
package realtime

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
)

type TrackingState struct {
	bus           MessageBus
	hooks         *Hooks
	userID        int64
	globalChannel string
	userChannel   string

	mu           sync.RWMutex
	rows         *store[int64, TopicRow]
	muted        map[int64]struct{}
	messageCount int64
	established  bool

	incoming *IncomingTracker

	changeMu   sync.Mutex
	changeSubs map[int]func()
	nextSubID  int
}

// NewTrackingState builds a tracker from a preloaded snapshot of rows. The
// tracker is inert until Establish opens its bus subscriptions; counts and
// Sync work immediately from the preload.
func NewTrackingState(opts TrackingOptions) *TrackingState {
	if opts.Hooks == nil {
		opts.Hooks = &Hooks{}
	}
	if opts.Hooks.Observer == nil {
		opts.Hooks.Observer = NoopObserver()
	}
	if opts.GlobalChannel == "" {
		opts.GlobalChannel = defaultGlobalChannel
	}
	if opts.PerUserChannelFmt == "" {
		opts.PerUserChannelFmt = defaultPerUserChannelFmt
	}
	t := &TrackingState{
		bus:           opts.Bus,
		hooks:         opts.Hooks,
		userID:        opts.UserID,
		globalChannel: opts.GlobalChannel,
		userChannel:   fmt.Sprintf(opts.PerUserChannelFmt, opts.UserID),
		rows:          newStore[int64, TopicRow](),
		muted:         make(map[int64]struct{}),
		incoming:      newIncomingTracker(),
		changeSubs:    make(map[int]func()),
	}
	for _, id := range opts.MutedCategoryIDs {
		t.muted[id] = struct{}{}
	}
	for _, row := range opts.Preload {
		t.rows.Upsert(row.TopicID, cloneRow(row))
	}
	return t
}

// Establish opens the long-lived bus subscriptions (one global, one per
// user) that feed tracking rows and the incoming notifier. Live messages
// only; there is no sequence recovery here because every event is a full
// row merge and therefore safe to apply from any point.
func (t *TrackingState) Establish() error {
	t.mu.Lock()

	if t.established {
		t.mu.Unlock()

		return conflict("", "tracking state is already established")
	}
	if t.bus == nil {
		t.mu.Unlock()

		return badRequest("", "tracking state has no bus")
	}
	t.established = true

	t.mu.Unlock()

	if err := t.bus.Subscribe(t.globalChannel, -1, t.handleMessage); err != nil {
		return wrapF(err, "failed to subscribe to %s", t.globalChannel)
	}
	if err := t.bus.Subscribe(t.userChannel, -1, t.handleMessage); err != nil {
		return wrapF(err, "failed to subscribe to %s", t.userChannel)
	}
	return nil
}

// Teardown drops the bus subscriptions. Idempotent.
func (t *TrackingState) Teardown() {
	t.mu.Lock()

	if !t.established {
		t.mu.Unlock()

		return
	}
	t.established = false

	t.mu.Unlock()

	_ = t.bus.Unsubscribe(t.globalChannel)

	_ = t.bus.Unsubscribe(t.userChannel)
}

func (t *TrackingState) handleMessage(_ string, _ int64, data []byte) {

	var event TopicEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return
	}
	t.ApplyEvent(event)

	t.incoming.notify(event, t.isMuted)
}

// MessageCount returns a counter bumped once per actual state change.
func (t *TrackingState) MessageCount() int64 {
	t.mu.RLock()

	defer t.mu.RUnlock()

	return t.messageCount
}

// Row returns the tracking row for a topic, if present.
func (t *TrackingState) Row(topicID int64) (TopicRow, bool) {
	row, err := t.rows.Read(topicID)

	if err != nil {
		return TopicRow{}, false
	}
	return row, true
}

// Rows returns a copy of all tracked rows keyed by topic id.
func (t *TrackingState) Rows() map[int64]TopicRow {
	return t.rows.List()
}

// OnChange registers a callback invoked after every actual state change.
// Returns an unsubscribe function.
func (t *TrackingState) OnChange(fn func()) func() {
	t.changeMu.Lock()

	id := t.nextSubID

	t.nextSubID++

	t.changeSubs[id] = fn

	t.changeMu.Unlock()

	return func() {
		t.changeMu.Lock()

		delete(t.changeSubs, id)

		t.changeMu.Unlock()
	}
}

// ApplyEvent folds one typed tracking event into the row map. Returns true
// when the event changed state. Events for muted categories never create
// rows; identical payloads are no-ops.
func (t *TrackingState) ApplyEvent(event TopicEvent) bool {
	switch topicEventType(event.MessageType) {
	case topicDelete:
		return t.removeRow(event.TopicID, event.MessageType)
	case topicNew, topicLatest:
		if t.isMuted(event.Payload.CategoryID) {
			return false
		}
		return t.mergeRow(event.TopicID, event.Payload, event.MessageType)
	case topicUnread, topicRead:
		return t.mergeRow(event.TopicID, event.Payload, event.MessageType)
	default:
		return false
	}
}

func (t *TrackingState) removeRow(topicID int64, messageType string) bool {
	t.mu.Lock()

	if err := t.rows.Delete(topicID); err != nil {
		t.mu.Unlock()

		return false
	}
	t.messageCount++

	t.mu.Unlock()

	t.hooks.Observer.TopicChanged(topicID, messageType)

	t.notifyChange()

	return true
}

func (t *TrackingState) mergeRow(topicID int64, payload TopicRow, messageType string) bool {
	payload.TopicID = topicID

	t.mu.Lock()

	existing, err := t.rows.Read(topicID)

	if err == nil && reflect.DeepEqual(existing, payload) {
		t.mu.Unlock()

		return false
	}
	t.rows.Upsert(topicID, cloneRow(payload))

	t.messageCount++

	t.mu.Unlock()

	t.hooks.Observer.TopicChanged(topicID, messageType)

	t.notifyChange()

	return true
}

// Sync reconciles a fetched topic list against local rows so server and
// client state do not visually conflict. Topics the tracker knows are read
// are marked seen (and removed outright under the "new" filter); untracked
// topics synthesize rows from their unread/new counts; rows for topics that
// are now fully read are dropped to bound memory. Returns the reconciled
// list.
func (t *TrackingState) Sync(topics []*ListTopic, filter string) []*ListTopic {
	result := make([]*ListTopic, 0, len(topics))

	changed := false

	t.mu.Lock()

	for _, topic := range topics {
		row, err := t.rows.Read(topic.TopicID)

		if err == nil {
			if row.LastReadPostNumber != nil {
				topic.Unseen = false
			}
			// Drop fully read rows before any filter-specific removal so a
			// stale row cannot outlive the topic on the "new" path.
			if topic.UnreadPosts == 0 && topic.NewPosts == 0 && !topic.Unseen {
				if t.rows.Delete(topic.TopicID) == nil {
					changed = true
				}
			}
			if row.LastReadPostNumber != nil && filter == "new" {
				continue
			}
			result = append(result, topic)

			continue
		}
		if topic.UnreadPosts > 0 {
			lastRead := topic.HighestPostNumber - topic.UnreadPosts

			t.rows.Upsert(topic.TopicID, TopicRow{
				TopicID:            topic.TopicID,
				HighestPostNumber:  topic.HighestPostNumber,
				LastReadPostNumber: &lastRead,
				NotificationLevel:  topic.NotificationLevel,
				CategoryID:         topic.CategoryID,
			})

			changed = true
		} else if topic.NewPosts > 0 && topic.Unseen {
			t.rows.Upsert(topic.TopicID, TopicRow{
				TopicID:           topic.TopicID,
				HighestPostNumber: topic.HighestPostNumber,
				NotificationLevel: topic.NotificationLevel,
				CategoryID:        topic.CategoryID,
			})

			changed = true
		}
		result = append(result, topic)
	}
	if changed {
		t.messageCount++
	}
	t.mu.Unlock()

	if changed {
		t.notifyChange()
	}
	return result
}

// CountNew returns the number of tracked-or-better topics never read by
// this user. categoryID 0 means all categories.
func (t *TrackingState) CountNew(categoryID int64) int {
	count := 0

	for _, row := range t.rows.List() {
		if row.LastReadPostNumber != nil {
			continue
		}
		if !t.countable(row, categoryID) {
			continue
		}
		count++
	}
	return count
}

// CountUnread returns the number of tracked-or-better topics that have been
// read but have newer posts. categoryID 0 means all categories.
func (t *TrackingState) CountUnread(categoryID int64) int {
	count := 0

	for _, row := range t.rows.List() {
		if row.LastReadPostNumber == nil || row.HighestPostNumber <= *row.LastReadPostNumber {
			continue
		}
		if !t.countable(row, categoryID) {
			continue
		}
		count++
	}
	return count
}

// CountCategory returns new plus unread topics for one category.
func (t *TrackingState) CountCategory(categoryID int64) int {
	return t.CountNew(categoryID) + t.CountUnread(categoryID)
}

func (t *TrackingState) countable(row TopicRow, categoryID int64) bool {
	if row.NotificationLevel < NotificationTracking {
		return false
	}
	if t.isMuted(row.CategoryID) {
		return false
	}
	if categoryID != 0 && row.CategoryID != categoryID {
		return false
	}
	return true
}

func (t *TrackingState) isMuted(categoryID int64) bool {
	t.mu.RLock()

	defer t.mu.RUnlock()

	_, muted := t.muted[categoryID]

	return muted
}

// TrackIncoming starts collecting incoming topic ids matching the given
// filter so the UI can show an "N new" banner. See IncomingTracker.
func (t *TrackingState) TrackIncoming(filter string, categoryID int64) {
	t.incoming.Track(filter, categoryID)
}

// ResetTracking clears the incoming list, e.g. when the user changes filter
// or acknowledges the banner.
func (t *TrackingState) ResetTracking() {
	t.incoming.Reset()
}

// IncomingCount returns the number of distinct incoming topics collected
// since tracking began.
func (t *TrackingState) IncomingCount() int {
	return t.incoming.Count()
}

// IncomingTopicIDs returns the collected incoming topic ids in arrival
// order.
func (t *TrackingState) IncomingTopicIDs() []int64 {
	return t.incoming.TopicIDs()
}

func (t *TrackingState) notifyChange() {
	t.changeMu.Lock()

	callbacks := make([]func(), 0, len(t.changeSubs))

	for _, fn := range t.changeSubs {
		callbacks = append(callbacks, fn)
	}
	t.changeMu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
}

func cloneRow(row TopicRow) TopicRow {
	if row.LastReadPostNumber != nil {
		lastRead := *row.LastReadPostNumber

		row.LastReadPostNumber = &lastRead
	}
	return row
}
