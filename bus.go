package realtime

// BusHandler receives a single ordered message for a subscribed channel.
// seq is the per-channel monotonically increasing sequence id assigned by
// the publishing side.
type BusHandler func(channel string, seq int64, data []byte)

// MessageBus is the transport the realtime core consumes. Publishing happens
// server-side; the core only subscribes. Implementations must deliver
// messages for a channel in increasing sequence order under normal operation
// and replay messages with seq > from on subscribe where they can.
type MessageBus interface {
	// Subscribe registers a handler for a channel, starting after sequence
	// id from. Messages already seen (seq <= from) must not be delivered.
	// A negative from skips replay entirely and delivers live messages only.
	Subscribe(channel string, from int64, handler BusHandler) error

	// Unsubscribe removes all handlers for the channel.
	Unsubscribe(channel string) error

	// Close shuts the bus down. Idempotent.
	Close() error
}
