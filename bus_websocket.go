// This file contains the SocketBus implementation which consumes the message
// bus over a WebSocket feed. The server pushes JSON frames carrying a channel
// name, a per-channel sequence id, and an opaque payload; the bus tracks the
// last delivered sequence per channel so a reconnect resubscribes from where
// it left off.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type socketFrame struct {
	Channel string          `json:"channel"`
	Seq     int64           `json:"seq"`
	Data    json.RawMessage `json:"data"`
}

type socketCommand struct {
	Action  string `json:"action"`
	Channel string `json:"channel"`
	From    int64  `json:"from"`
}

// SocketConfig tunes the WebSocket connection.
type SocketConfig struct {
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	ReadTimeout       time.Duration
	ReconnectInterval time.Duration
	MaxReconnectTries int
}

// DefaultSocketConfig returns sensible connection defaults.
func DefaultSocketConfig() *SocketConfig {
	return &SocketConfig{
		HandshakeTimeout:  10 * time.Second,
		WriteTimeout:      10 * time.Second,
		ReadTimeout:       60 * time.Second,
		ReconnectInterval: 1 * time.Second,
		MaxReconnectTries: -1,
	}
}

type SocketBus struct {
	address *url.URL
	config  *SocketConfig

	connMu        sync.RWMutex
	conn          *websocket.Conn
	disconnecting bool

	// Serializes outbound control frames; gorilla permits at most one
	// concurrent writer per connection.
	writeMu sync.Mutex

	mu       sync.RWMutex
	subs     map[string][]BusHandler
	lastSeen map[string]int64
	closed   bool

	ctx            context.Context
	cancel         context.CancelFunc
	reconnectCount int
}

// NewSocketBus creates a bus reading from the given WebSocket endpoint.
// http/https schemes are rewritten to ws/wss. The bus does not connect until
// Connect is called.
func NewSocketBus(endpoint string, config *SocketConfig) (*SocketBus, error) {
	address, err := url.Parse(endpoint)

	if err != nil {
		return nil, wrapF(err, "invalid endpoint URL %s", endpoint)
	}
	switch address.Scheme {
	case "http":
		address.Scheme = "ws"
	case "https":
		address.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, badRequest("", fmt.Sprintf("unsupported scheme: %s", address.Scheme))
	}
	if config == nil {
		config = DefaultSocketConfig()
	} else {
		cfgCopy := *config

		config = &cfgCopy
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &SocketBus{
		address:  address,
		config:   config,
		subs:     make(map[string][]BusHandler),
		lastSeen: make(map[string]int64),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Connect establishes the WebSocket connection and starts the read pump.
// Existing subscriptions are re-announced from their last seen sequence id.
func (s *SocketBus) Connect() error {
	s.connMu.Lock()

	defer s.connMu.Unlock()

	if s.disconnecting {
		return unavailable("", "bus is closing")
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: s.config.HandshakeTimeout,
	}
	conn, _, err := dialer.Dial(s.address.String(), nil)

	if err != nil {
		return wrapF(err, "failed to connect to %s", s.address.String())
	}
	s.conn = conn

	s.reconnectCount = 0

	go s.readMessages()

	s.mu.RLock()

	for channel := range s.subs {
		from, tracked := s.lastSeen[channel]

		if !tracked {
			from = -1
		}
		s.writeCommand(conn, socketCommand{Action: "subscribe", Channel: channel, From: from})
	}
	s.mu.RUnlock()

	return nil
}

// Subscribe registers a handler for a channel. When connected, a subscribe
// command is sent immediately; otherwise the subscription is announced on
// the next Connect.
func (s *SocketBus) Subscribe(channel string, from int64, handler BusHandler) error {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()

		return unavailable(channel, "bus is closed")
	}
	s.subs[channel] = append(s.subs[channel], handler)

	if from >= 0 {
		s.lastSeen[channel] = from
	}
	s.mu.Unlock()

	s.connMu.RLock()

	conn := s.conn

	s.connMu.RUnlock()

	if conn != nil {
		s.writeCommand(conn, socketCommand{Action: "subscribe", Channel: channel, From: from})
	}
	return nil
}

// Unsubscribe removes all handlers for the channel and tells the server to
// stop sending it.
func (s *SocketBus) Unsubscribe(channel string) error {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()

		return unavailable(channel, "bus is closed")
	}
	if _, exists := s.subs[channel]; !exists {
		s.mu.Unlock()

		return notFound(channel, "channel has no subscribers")
	}
	delete(s.subs, channel)

	delete(s.lastSeen, channel)

	s.mu.Unlock()

	s.connMu.RLock()

	conn := s.conn

	s.connMu.RUnlock()

	if conn != nil {
		s.writeCommand(conn, socketCommand{Action: "unsubscribe", Channel: channel})
	}
	return nil
}

// Close shuts the bus down and closes the connection. Idempotent.
func (s *SocketBus) Close() error {
	s.connMu.Lock()

	if s.disconnecting {
		s.connMu.Unlock()

		return nil
	}
	s.disconnecting = true

	if s.conn != nil {
		s.conn.Close()

		s.conn = nil
	}
	s.connMu.Unlock()

	s.cancel()

	s.mu.Lock()

	s.closed = true

	s.subs = make(map[string][]BusHandler)

	s.lastSeen = make(map[string]int64)

	s.mu.Unlock()

	return nil
}

func (s *SocketBus) writeCommand(conn *websocket.Conn, cmd socketCommand) {
	data, err := json.Marshal(cmd)

	if err != nil {
		return
	}
	s.writeMu.Lock()

	defer s.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))

	_ = conn.WriteMessage(websocket.TextMessage, data)
}

func (s *SocketBus) readMessages() {
	defer s.handleDisconnect()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
			s.connMu.RLock()

			conn := s.conn

			s.connMu.RUnlock()

			if conn == nil {
				return
			}
			conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))

			_, data, err := conn.ReadMessage()

			if err != nil {
				return
			}

			var frame socketFrame
			if err := json.Unmarshal(data, &frame); err != nil {
				continue
			}
			s.deliver(frame)
		}
	}
}

func (s *SocketBus) deliver(frame socketFrame) {
	s.mu.Lock()

	handlers := make([]BusHandler, len(s.subs[frame.Channel]))

	copy(handlers, s.subs[frame.Channel])

	if len(handlers) > 0 {
		s.lastSeen[frame.Channel] = frame.Seq
	}
	s.mu.Unlock()

	for _, handler := range handlers {
		handler(frame.Channel, frame.Seq, frame.Data)
	}
}

func (s *SocketBus) handleDisconnect() {
	s.connMu.Lock()

	disconnecting := s.disconnecting

	s.conn = nil

	s.connMu.Unlock()

	if disconnecting {
		return
	}
	s.reconnectCount++

	if s.config.MaxReconnectTries >= 0 && s.reconnectCount > s.config.MaxReconnectTries {
		return
	}
	backoff := time.Duration(s.reconnectCount) * s.config.ReconnectInterval

	if backoff > 30*time.Second {
		backoff = 30 * time.Second
	}
	timer := time.NewTimer(backoff)

	defer timer.Stop()

	select {
	case <-s.ctx.Done():
		return
	case <-timer.C:
		_ = s.Connect()
	}
}
