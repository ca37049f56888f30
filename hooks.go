// This file defines the observability hooks for the realtime core. Sequence
// gaps, resyncs, and presence update flushes are reported through the Observer
// interface so callers can forward diagnostics to their own logging or
// monitoring systems.
package realtime

type Observer interface {
	// GapDetected is called when a bus message arrives out of sequence for a
	// channel. expected is lastSeen+1, got is the sequence id received.
	GapDetected(channel string, expected, got int64)

	// MalformedDelta is called when a delta payload matches neither the
	// count-only nor the full-list shape for its channel.
	MalformedDelta(channel string, reason string)

	// ResyncStarted is called when a channel begins a full resynchronization.
	ResyncStarted(channel string)

	// ResyncCompleted is called when a resync finishes. err is nil on success.
	ResyncCompleted(channel string, err error)

	// UpdateSent is called after each presence update call to the server.
	UpdateSent(present []string, leave []string, err error)

	// HeartbeatSent is called after each periodic presence heartbeat.
	HeartbeatSent(channels []string)

	// TopicChanged is called when a tracking event actually mutates a row.
	TopicChanged(topicID int64, messageType string)
}

// Hooks bundles the extension points of the realtime core. All fields are
// optional; nil callbacks are skipped and a nil Observer is replaced with a
// no-op implementation.
type Hooks struct {
	Observer Observer

	// OnPresenceChange fires after a channel's presence state changes, with
	// the channel name and new count.
	OnPresenceChange func(channel string, count int)
}

func (h *Hooks) presenceChanged(channel string, count int) {
	if h != nil && h.OnPresenceChange != nil {
		h.OnPresenceChange(channel, count)
	}
}

type noopObserver struct{}

func (n *noopObserver) GapDetected(channel string, expected, got int64) {}

func (n *noopObserver) MalformedDelta(channel string, reason string) {}

func (n *noopObserver) ResyncStarted(channel string) {}

func (n *noopObserver) ResyncCompleted(channel string, err error) {}

func (n *noopObserver) UpdateSent(present []string, leave []string, err error) {}

func (n *noopObserver) HeartbeatSent(channels []string) {}

func (n *noopObserver) TopicChanged(topicID int64, messageType string) {}

// NoopObserver returns an Observer that discards all diagnostics.
func NoopObserver() Observer {
	return &noopObserver{}
}
