// This file contains the IncomingTracker, a small bookkeeping layer on top
// of TrackingState. While the user is viewing a filtered topic list, newly
// arriving events matching the filter's predicate are collected (deduplicated
// by topic id) so the UI can show an "N new" banner.
package realtime

import "sync"

type IncomingTracker struct {
	mu         sync.Mutex
	tracking   bool
	filter     string
	categoryID int64
	seen       map[int64]struct{}
	order      []int64
}

func newIncomingTracker() *IncomingTracker {
	return &IncomingTracker{
		seen: make(map[int64]struct{}),
	}
}

// Track starts collecting incoming topics for the given filter ("new",
// "unread", or "latest"). categoryID 0 means all categories. Any previously
// collected topics are discarded.
func (i *IncomingTracker) Track(filter string, categoryID int64) {
	i.mu.Lock()

	defer i.mu.Unlock()

	i.tracking = true

	i.filter = filter

	i.categoryID = categoryID

	i.seen = make(map[int64]struct{})

	i.order = i.order[:0]
}

// Reset stops collecting and clears the list.
func (i *IncomingTracker) Reset() {
	i.mu.Lock()

	defer i.mu.Unlock()

	i.tracking = false

	i.filter = ""

	i.categoryID = 0

	i.seen = make(map[int64]struct{})

	i.order = i.order[:0]
}

// Count returns the number of distinct collected topics.
func (i *IncomingTracker) Count() int {
	i.mu.Lock()

	defer i.mu.Unlock()

	return len(i.order)
}

// TopicIDs returns the collected topic ids in arrival order.
func (i *IncomingTracker) TopicIDs() []int64 {
	i.mu.Lock()

	defer i.mu.Unlock()

	ids := make([]int64, len(i.order))

	copy(ids, i.order)

	return ids
}

func (i *IncomingTracker) notify(event TopicEvent, muted func(int64) bool) {
	i.mu.Lock()

	defer i.mu.Unlock()

	if !i.tracking {
		return
	}
	if !i.matchesLocked(event, muted) {
		return
	}
	if _, exists := i.seen[event.TopicID]; exists {
		return
	}
	i.seen[event.TopicID] = struct{}{}

	i.order = append(i.order, event.TopicID)
}

func (i *IncomingTracker) matchesLocked(event TopicEvent, muted func(int64) bool) bool {
	if i.categoryID != 0 && event.Payload.CategoryID != i.categoryID {
		return false
	}
	switch i.filter {
	case "new":
		return topicEventType(event.MessageType) == topicNew && !muted(event.Payload.CategoryID)
	case "unread":
		return topicEventType(event.MessageType) == topicUnread
	case "latest":
		switch topicEventType(event.MessageType) {
		case topicNew, topicLatest:
			return !muted(event.Payload.CategoryID)
		case topicUnread:
			return true
		default:
			return false
		}
	default:
		return false
	}
}
