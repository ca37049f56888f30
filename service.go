// This file contains the presence Service which coordinates the enter/leave
// and subscribe/unsubscribe lifecycle for many logical channel handles. It
// keeps one shared ChannelState per channel name, batches and deduplicates
// outgoing presence updates, and resolves pending operations from the server
// acknowledgement.
package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type stateEntry struct {
	state *ChannelState
	refs  int
	once  sync.Once
	err   error
	ready chan struct{}
}

type Service struct {
	api      ServerAPI
	bus      MessageBus
	hooks    *Hooks
	clientID string
	timeout  time.Duration

	mu           sync.Mutex
	presentCount map[string]int
	acked        map[string]bool
	queue        map[string]*pendingEvent
	inflight     map[string]*pendingEvent
	states       map[string]*stateEntry
	closed       bool

	flushMu sync.Mutex
	sched   *scheduler
	hbStop  chan struct{}
}

// NewService creates a presence Service from the given options. API and Bus
// are required; everything else defaults. The service owns its timers but
// not the bus, which may be shared with a TrackingState.
func NewService(opts Options) (*Service, error) {
	if opts.API == nil {
		return nil, badRequest("", "Options.API is required")
	}
	if opts.Bus == nil {
		return nil, badRequest("", "Options.Bus is required")
	}
	opts = opts.withDefaults()

	s := &Service{
		api:          opts.API,
		bus:          opts.Bus,
		hooks:        opts.Hooks,
		clientID:     uuid.NewString(),
		timeout:      opts.RequestTimeout,
		presentCount: make(map[string]int),
		acked:        make(map[string]bool),
		queue:        make(map[string]*pendingEvent),
		inflight:     make(map[string]*pendingEvent),
		states:       make(map[string]*stateEntry),
		hbStop:       make(chan struct{}),
	}
	s.sched = newScheduler(opts.DebounceDelay, opts.ThrottleWindow, s.flush)

	go s.runHeartbeat(opts.HeartbeatInterval)

	return s, nil
}

// ClientID returns the identifier this service reports to the server.
func (s *Service) ClientID() string {
	return s.clientID
}

// Handle creates a logical handle for the named channel. Handles are cheap;
// every handle for the same name shares one underlying ChannelState.
func (s *Service) Handle(channel string) *Handle {
	return &Handle{svc: s, channel: channel}
}

// ChannelState returns the shared state for a channel name, if any handle is
// currently subscribed to it.
func (s *Service) ChannelState(channel string) (*ChannelState, bool) {
	s.mu.Lock()

	defer s.mu.Unlock()

	entry, exists := s.states[channel]
	if !exists {
		return nil, false
	}
	return entry.state, true
}

// Close stops all timers, sends a best-effort leave beacon for every present
// channel, and tears down all channel states. Idempotent.
func (s *Service) Close() error {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()

		return nil
	}
	s.closed = true

	leaving := make([]string, 0, len(s.presentCount))

	for channel, count := range s.presentCount {
		if count > 0 || s.acked[channel] {
			leaving = append(leaving, channel)
		}
	}
	for _, ev := range s.queue {
		ev.resolve(unavailable(ev.channel, "presence service closed"))
	}
	s.queue = make(map[string]*pendingEvent)

	entries := make([]*stateEntry, 0, len(s.states))

	for _, entry := range s.states {
		entries = append(entries, entry)
	}
	s.states = make(map[string]*stateEntry)

	s.presentCount = make(map[string]int)

	s.acked = make(map[string]bool)

	s.mu.Unlock()

	s.sched.stop()

	close(s.hbStop)

	s.api.LeaveAll(s.clientID, leaving)

	for _, entry := range entries {
		entry.state.Unsubscribe()
	}
	return nil
}

func (s *Service) runHeartbeat(interval time.Duration) {
	ticker := time.NewTicker(interval)

	defer ticker.Stop()

	for {
		select {
		case <-s.hbStop:
			return
		case <-ticker.C:
			s.mu.Lock()

			present := s.presentChannelsLocked()

			idle := len(s.queue) == 0

			closed := s.closed

			s.mu.Unlock()

			if closed {
				return
			}
			if len(present) == 0 || !idle || s.sched.pending() {
				continue
			}
			s.flush()

			s.hooks.Observer.HeartbeatSent(present)
		}
	}
}

func (s *Service) presentChannelsLocked() []string {
	present := make([]string, 0, len(s.presentCount))

	for channel, count := range s.presentCount {
		if count > 0 {
			present = append(present, channel)
		}
	}
	return present
}

// enter registers one more local presence on a channel. A server request is
// emitted only when the channel transitions from zero to one local presence;
// later calls before the acknowledgement attach to the pending outcome.
func (s *Service) enter(ctx context.Context, channel string) error {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()

		return unavailable(channel, "presence service closed")
	}
	prev := s.presentCount[channel]

	s.presentCount[channel] = prev + 1

	done := s.queueEventLocked(channel, eventEnter, prev)

	s.mu.Unlock()

	if done == nil {
		return nil
	}
	select {
	case err := <-done:
		if err != nil {
			s.mu.Lock()

			s.presentCount[channel]--

			s.mu.Unlock()

			return err
		}
		return nil
	case <-ctx.Done():
		s.mu.Lock()

		s.presentCount[channel]--

		s.mu.Unlock()

		return ctx.Err()
	}
}

// leave registers the removal of one local presence. The server leave is
// emitted only when the count reaches zero; a leave immediately followed by
// an enter before any flush cancels out without network traffic.
func (s *Service) leave(ctx context.Context, channel string) error {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()

		return unavailable(channel, "presence service closed")
	}
	prev := s.presentCount[channel]

	if prev == 0 {
		s.mu.Unlock()

		return nil
	}
	s.presentCount[channel] = prev - 1

	done := s.queueEventLocked(channel, eventLeave, prev)

	s.mu.Unlock()

	if done == nil {
		return nil
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// queueEventLocked decides whether a network event is needed and returns a
// channel resolved with the server outcome, or nil when no acknowledgement
// is pending. prev is the present count before this operation.
func (s *Service) queueEventLocked(channel string, kind eventKind, prev int) chan error {
	if queued, exists := s.queue[channel]; exists {
		if queued.kind == kind {
			return queued.addWaiter()
		}
		// Opposite kinds cancel out: the server already reflects the net
		// state, so both sides resolve successfully with no call made.
		delete(s.queue, channel)

		queued.resolve(nil)

		return nil
	}
	if flying, exists := s.inflight[channel]; exists {
		if flying.kind == kind {
			return flying.addWaiter()
		}
		// The opposite kind is already on the wire; the server will land on
		// that state, so this transition needs its own follow-up request.
		// The acked flag is stale until the in-flight call returns.
		ev := &pendingEvent{channel: channel, kind: kind}

		done := ev.addWaiter()

		s.queue[channel] = ev

		s.sched.trigger()

		return done
	}
	transition := (kind == eventEnter && prev == 0) || (kind == eventLeave && prev == 1)

	if !transition {
		return nil
	}
	if kind == eventEnter && s.acked[channel] {
		return nil
	}
	if kind == eventLeave && !s.acked[channel] {
		return nil
	}
	ev := &pendingEvent{channel: channel, kind: kind}

	done := ev.addWaiter()

	s.queue[channel] = ev

	s.sched.trigger()

	return done
}

// flush sends one batched presence update covering every queued event plus a
// re-assertion of all currently present channels.
func (s *Service) flush() {
	s.flushMu.Lock()

	defer s.flushMu.Unlock()

	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()

		return
	}
	events := s.queue

	s.queue = make(map[string]*pendingEvent)

	for channel, ev := range events {
		s.inflight[channel] = ev
	}
	present := s.presentChannelsLocked()

	sent := make(map[string]struct{}, len(present))

	for _, channel := range present {
		sent[channel] = struct{}{}
	}
	leave := make([]string, 0)

	for channel, ev := range events {
		if ev.kind == eventLeave {
			leave = append(leave, channel)
		}
	}
	s.mu.Unlock()

	if len(events) == 0 && len(present) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)

	defer cancel()

	result, err := s.api.UpdatePresence(ctx, s.clientID, present, leave)

	s.hooks.Observer.UpdateSent(present, leave, err)

	s.mu.Lock()

	defer s.mu.Unlock()

	for channel := range events {
		delete(s.inflight, channel)
	}
	if err != nil {
		s.handleFlushErrorLocked(events, err)

		return
	}
	for channel, ev := range events {
		known, reported := result[channel]

		if reported && !known {
			if ev.kind == eventEnter {
				ev.resolve(notFound(channel, "channel does not exist"))

				continue
			}
			// Leaving a channel the server no longer knows is a no-op.
			s.acked[channel] = false

			ev.resolve(nil)

			continue
		}
		if ev.kind == eventEnter {
			// Only channels actually asserted in this request are
			// acknowledged; an enter whose presence was withdrawn before the
			// flush (context cancellation) must not flip the flag.
			if _, asserted := sent[channel]; asserted {
				s.acked[channel] = true
			}
		} else {
			delete(s.acked, channel)

			if s.presentCount[channel] == 0 {
				delete(s.presentCount, channel)
			}
		}
		ev.resolve(nil)
	}
}

// handleFlushErrorLocked restores failed events to the queue. Rate-limiting
// responses are swallowed entirely: waiters stay pending and the events
// retry on the next scheduled cycle. Any other failure re-queues the events
// for retry but propagates the error to the waiting callers.
func (s *Service) handleFlushErrorLocked(events map[string]*pendingEvent, err error) {
	silent := IsRateLimited(err)

	for channel, ev := range events {
		if !silent {
			ev.resolve(err)
		}
		if queued, exists := s.queue[channel]; exists {
			// An event queued during the failed flush supersedes the old
			// one; surviving waiters chain to the newer outcome.
			queued.waiters = append(queued.waiters, ev.waiters...)

			continue
		}
		s.queue[channel] = ev
	}
	if len(s.queue) > 0 {
		s.sched.trigger()
	}
}

func (ev *pendingEvent) addWaiter() chan error {
	done := make(chan error, 1)

	ev.waiters = append(ev.waiters, done)

	return done
}

func (ev *pendingEvent) resolve(err error) {
	for _, waiter := range ev.waiters {
		select {
		case waiter <- err:
		default:
		}
	}
	ev.waiters = nil
}

// Handle is a logical reference to one channel. The same channel name may be
// held through many handles (several views of one page, several pages); the
// underlying ChannelState and the server-visible presence are shared.
type Handle struct {
	svc     *Service
	channel string

	mu         sync.Mutex
	present    bool
	subscribed bool
}

// Channel returns the channel name this handle refers to.
func (h *Handle) Channel() string {
	return h.channel
}

// Present reports whether this handle's presence has been acknowledged.
func (h *Handle) Present() bool {
	h.mu.Lock()

	defer h.mu.Unlock()

	return h.present
}

// Enter marks this handle present on its channel and waits for the server
// acknowledgement. Entering an unknown channel fails with a not-found Error;
// the handle stays not-present in that case.
func (h *Handle) Enter(ctx context.Context) error {
	h.mu.Lock()

	if h.present {
		h.mu.Unlock()

		return nil
	}
	h.mu.Unlock()

	if err := h.svc.enter(ctx, h.channel); err != nil {
		return err
	}
	h.mu.Lock()

	h.present = true

	h.mu.Unlock()

	return nil
}

// Leave removes this handle's presence. The server is informed only when the
// last present handle for the channel leaves.
func (h *Handle) Leave(ctx context.Context) error {
	h.mu.Lock()

	if !h.present {
		h.mu.Unlock()

		return nil
	}
	h.mu.Unlock()

	if err := h.svc.leave(ctx, h.channel); err != nil {
		return err
	}
	h.mu.Lock()

	h.present = false

	h.mu.Unlock()

	return nil
}

// Subscribe attaches this handle to the shared ChannelState for its channel,
// creating and seeding the state on first use. snapshot may be nil to fetch
// one from the server.
func (h *Handle) Subscribe(ctx context.Context, snapshot *ChannelSnapshot) (*ChannelState, error) {
	h.mu.Lock()

	if h.subscribed {
		h.mu.Unlock()

		state, _ := h.svc.ChannelState(h.channel)

		return state, nil
	}
	h.mu.Unlock()

	state, err := h.svc.subscribeState(ctx, h.channel, snapshot)

	if err != nil {
		return nil, err
	}
	h.mu.Lock()

	h.subscribed = true

	h.mu.Unlock()

	return state, nil
}

// Unsubscribe detaches this handle. The shared state is destroyed when the
// last subscribed handle detaches. Idempotent.
func (h *Handle) Unsubscribe() {
	h.mu.Lock()

	if !h.subscribed {
		h.mu.Unlock()

		return
	}
	h.subscribed = false

	h.mu.Unlock()

	h.svc.releaseState(h.channel)
}

func (s *Service) subscribeState(ctx context.Context, channel string, snapshot *ChannelSnapshot) (*ChannelState, error) {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()

		return nil, unavailable(channel, "presence service closed")
	}
	entry, exists := s.states[channel]
	if !exists {
		entry = &stateEntry{
			state: newChannelState(channel, s.api, s.bus, s.hooks, s.timeout),
			ready: make(chan struct{}),
		}
		s.states[channel] = entry
	}
	entry.refs++

	s.mu.Unlock()

	entry.once.Do(func() {
		entry.err = entry.state.Subscribe(ctx, snapshot)

		close(entry.ready)
	})

	select {
	case <-entry.ready:
	case <-ctx.Done():
		s.releaseState(channel)

		return nil, ctx.Err()
	}
	if entry.err != nil {
		s.releaseState(channel)

		return nil, entry.err
	}
	return entry.state, nil
}

func (s *Service) releaseState(channel string) {
	s.mu.Lock()

	entry, exists := s.states[channel]
	if !exists {
		s.mu.Unlock()

		return
	}
	entry.refs--

	if entry.refs > 0 {
		s.mu.Unlock()

		return
	}
	delete(s.states, channel)

	s.mu.Unlock()

	entry.state.Unsubscribe()
}
