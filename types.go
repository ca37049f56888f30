// This file contains type definitions for the realtime core including wire
// structures for presence snapshots and deltas, topic tracking rows and events,
// configuration options, and constants used throughout the library.
package realtime

import "time"

// UserSummary identifies a user present in a channel. Identity is ID; the
// remaining fields are display data passed through to the UI untouched.
type UserSummary struct {
	ID             int64  `json:"id"`
	Username       string `json:"username"`
	Name           string `json:"name,omitempty"`
	AvatarTemplate string `json:"avatar_template,omitempty"`
}

// ChannelSnapshot is the full state of a presence channel as reported by the
// server. Users is nil for count-only channels where the server reports an
// aggregate count instead of individual identities. LastMessageID is the bus
// sequence id the snapshot is consistent with.
type ChannelSnapshot struct {
	Count         int           `json:"count"`
	Users         []UserSummary `json:"users,omitempty"`
	LastMessageID int64         `json:"last_message_id"`
}

// Delta is an incremental presence update pushed over the message bus.
// Exactly one shape is valid per channel mode: count-only channels carry
// CountDelta, full-list channels carry EnteringUsers and/or LeavingUserIDs.
type Delta struct {
	EnteringUsers  []UserSummary `json:"entering_users,omitempty"`
	LeavingUserIDs []int64       `json:"leaving_user_ids,omitempty"`
	CountDelta     *int          `json:"count_delta,omitempty"`
}

// Notification levels for topic tracking. Levels at or above
// NotificationTracking make a topic count toward new/unread totals.
const (
	NotificationMuted    = 0
	NotificationRegular  = 1
	NotificationTracking = 2
	NotificationWatching = 3
)

// TopicRow is the per-topic read-state record. LastReadPostNumber is nil
// exactly when the topic has never been read by this user.
type TopicRow struct {
	TopicID            int64 `json:"topic_id"`
	HighestPostNumber  int   `json:"highest_post_number"`
	LastReadPostNumber *int  `json:"last_read_post_number"`
	NotificationLevel  int   `json:"notification_level"`
	CategoryID         int64 `json:"category_id"`
}

type topicEventType string

const (
	topicNew    topicEventType = "new_topic"
	topicLatest topicEventType = "latest"
	topicUnread topicEventType = "unread"
	topicRead   topicEventType = "read"
	topicDelete topicEventType = "delete"
)

// TopicEvent is a typed tracking update pushed over the message bus.
type TopicEvent struct {
	MessageType string   `json:"message_type"`
	TopicID     int64    `json:"topic_id"`
	Payload     TopicRow `json:"payload"`
}

// ListTopic is one entry of a fetched topic list handed to
// TrackingState.Sync for reconciliation against local rows.
type ListTopic struct {
	TopicID            int64 `json:"topic_id"`
	Unseen             bool  `json:"unseen"`
	UnreadPosts        int   `json:"unread_posts"`
	NewPosts           int   `json:"new_posts"`
	HighestPostNumber  int   `json:"highest_post_number"`
	LastReadPostNumber *int  `json:"last_read_post_number"`
	NotificationLevel  int   `json:"notification_level"`
	CategoryID         int64 `json:"category_id"`
}

type eventKind string

const (
	eventEnter eventKind = "enter"
	eventLeave eventKind = "leave"
)

type pendingEvent struct {
	channel string
	kind    eventKind
	waiters []chan error
}

const (
	StatusBadRequest          = 400
	StatusNotFound            = 404
	StatusConflict            = 409
	StatusTooManyRequests     = 429
	StatusInternalServerError = 500
	StatusServiceUnavailable  = 503
)

// Options configures a presence Service. Zero values are filled in with the
// defaults below; API and Bus are required.
type Options struct {
	API               ServerAPI
	Bus               MessageBus
	Hooks             *Hooks
	DebounceDelay     time.Duration
	ThrottleWindow    time.Duration
	HeartbeatInterval time.Duration
	RequestTimeout    time.Duration
}

const (
	defaultDebounceDelay     = 500 * time.Millisecond
	defaultThrottleWindow    = 5 * time.Second
	defaultHeartbeatInterval = 30 * time.Second
	defaultRequestTimeout    = 10 * time.Second
)

func (o Options) withDefaults() Options {
	if o.Hooks == nil {
		o.Hooks = &Hooks{}
	}
	if o.Hooks.Observer == nil {
		o.Hooks.Observer = NoopObserver()
	}
	if o.DebounceDelay <= 0 {
		o.DebounceDelay = defaultDebounceDelay
	}
	if o.ThrottleWindow <= 0 {
		o.ThrottleWindow = defaultThrottleWindow
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = defaultHeartbeatInterval
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = defaultRequestTimeout
	}
	return o
}

// TrackingOptions configures a TrackingState.
type TrackingOptions struct {
	Bus               MessageBus
	Hooks             *Hooks
	UserID            int64
	MutedCategoryIDs  []int64
	Preload           []TopicRow
	GlobalChannel     string
	PerUserChannelFmt string
}

const (
	defaultGlobalChannel     = "/latest"
	defaultPerUserChannelFmt = "/unread/%d"
)
