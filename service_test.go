package realtime

import (
	"context"
	"sync"
	"testing"
	"time"
)

func newTestService(t *testing.T, api *fakeAPI, opts Options) *Service {
	t.Helper()

	if opts.API == nil {
		opts.API = api
	}
	if opts.Bus == nil {
		bus := NewLocalBus(context.Background(), 10, 50)

		t.Cleanup(func() { bus.Close() })

		opts.Bus = bus
	}
	if opts.DebounceDelay == 0 {
		opts.DebounceDelay = 20 * time.Millisecond
	}
	if opts.ThrottleWindow == 0 {
		opts.ThrottleWindow = 100 * time.Millisecond
	}
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = time.Hour
	}
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = time.Second
	}
	svc, err := NewService(opts)

	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	t.Cleanup(func() { svc.Close() })

	return svc
}

func queuedEvents(svc *Service) int {
	svc.mu.Lock()

	defer svc.mu.Unlock()

	return len(svc.queue)
}

func inflightEvents(svc *Service) int {
	svc.mu.Lock()

	defer svc.mu.Unlock()

	return len(svc.inflight)
}

func TestServiceEnter(t *testing.T) {
	t.Run("concurrent enters on one channel produce a single update", func(t *testing.T) {
		api := newFakeAPI()

		api.setSnapshot("/topic/1", &ChannelSnapshot{Count: 0, Users: []UserSummary{}})

		svc := newTestService(t, api, Options{})

		h1 := svc.Handle("/topic/1")

		h2 := svc.Handle("/topic/1")

		var wg sync.WaitGroup

		errs := make([]error, 2)

		for i, h := range []*Handle{h1, h2} {
			wg.Add(1)

			go func(i int, h *Handle) {
				defer wg.Done()

				errs[i] = h.Enter(context.Background())
			}(i, h)
		}
		wg.Wait()

		for i, err := range errs {
			if err != nil {
				t.Errorf("enter %d failed: %v", i, err)
			}
		}
		if api.updateCount() != 1 {
			t.Errorf("expected 1 update call, got %d", api.updateCount())
		}
		if !h1.Present() || !h2.Present() {
			t.Error("expected both handles present")
		}
		call, _ := api.lastUpdate()

		if len(call.present) != 1 || call.present[0] != "/topic/1" {
			t.Errorf("unexpected present set: %v", call.present)
		}
	})

	t.Run("enter on unknown channel fails and stays not-present", func(t *testing.T) {
		api := newFakeAPI()

		svc := newTestService(t, api, Options{})

		h := svc.Handle("/topic/missing")

		err := h.Enter(context.Background())

		if !IsNotFound(err) {
			t.Errorf("expected not found, got %v", err)
		}
		if h.Present() {
			t.Error("expected handle to stay not-present")
		}
	})

	t.Run("enter after acknowledgement makes no further calls", func(t *testing.T) {
		api := newFakeAPI()

		api.setSnapshot("/topic/1", &ChannelSnapshot{Count: 0, Users: []UserSummary{}})

		svc := newTestService(t, api, Options{})

		h1 := svc.Handle("/topic/1")

		if err := h1.Enter(context.Background()); err != nil {
			t.Fatalf("enter failed: %v", err)
		}
		if err := h1.Enter(context.Background()); err != nil {
			t.Fatalf("repeated enter failed: %v", err)
		}
		h2 := svc.Handle("/topic/1")

		if err := h2.Enter(context.Background()); err != nil {
			t.Fatalf("second handle enter failed: %v", err)
		}
		if api.updateCount() != 1 {
			t.Errorf("expected 1 update call, got %d", api.updateCount())
		}
	})
}

func TestServiceLeave(t *testing.T) {
	t.Run("only the last leaving handle notifies the server", func(t *testing.T) {
		api := newFakeAPI()

		api.setSnapshot("/topic/1", &ChannelSnapshot{Count: 0, Users: []UserSummary{}})

		svc := newTestService(t, api, Options{})

		h1 := svc.Handle("/topic/1")

		h2 := svc.Handle("/topic/1")

		if err := h1.Enter(context.Background()); err != nil {
			t.Fatalf("enter failed: %v", err)
		}
		if err := h2.Enter(context.Background()); err != nil {
			t.Fatalf("enter failed: %v", err)
		}
		callsAfterEnter := api.updateCount()

		if err := h1.Leave(context.Background()); err != nil {
			t.Fatalf("first leave failed: %v", err)
		}
		if api.updateCount() != callsAfterEnter {
			t.Error("first leave should not reach the server")
		}
		if err := h2.Leave(context.Background()); err != nil {
			t.Fatalf("last leave failed: %v", err)
		}
		call, ok := api.lastUpdate()

		if !ok || len(call.leave) != 1 || call.leave[0] != "/topic/1" {
			t.Errorf("expected a leave for /topic/1, got %+v", call)
		}
	})

	t.Run("leave without presence is a no-op", func(t *testing.T) {
		api := newFakeAPI()

		svc := newTestService(t, api, Options{})

		h := svc.Handle("/topic/1")

		if err := h.Leave(context.Background()); err != nil {
			t.Errorf("expected nil, got %v", err)
		}
		if api.updateCount() != 0 {
			t.Errorf("expected no update calls, got %d", api.updateCount())
		}
	})

	t.Run("enter while a leave is on the wire emits a follow-up request", func(t *testing.T) {
		api := newFakeAPI()

		api.setSnapshot("/topic/1", &ChannelSnapshot{Count: 0, Users: []UserSummary{}})

		svc := newTestService(t, api, Options{})

		h1 := svc.Handle("/topic/1")

		if err := h1.Enter(context.Background()); err != nil {
			t.Fatalf("enter failed: %v", err)
		}
		release := api.blockUpdates()

		leaveErr := make(chan error, 1)

		go func() { leaveErr <- h1.Leave(context.Background()) }()

		// The leave has been handed to the server but not yet answered.
		waitFor(t, time.Second, func() bool { return inflightEvents(svc) == 1 })

		h2 := svc.Handle("/topic/1")

		enterErr := make(chan error, 1)

		go func() { enterErr <- h2.Enter(context.Background()) }()

		waitFor(t, time.Second, func() bool { return queuedEvents(svc) == 1 })

		release()

		select {
		case err := <-leaveErr:
			if err != nil {
				t.Fatalf("leave failed: %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("leave never resolved")
		}
		select {
		case err := <-enterErr:
			if err != nil {
				t.Fatalf("enter failed: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("enter never resolved")
		}
		if !h2.Present() {
			t.Error("expected h2 present after the follow-up enter")
		}
		call, _ := api.lastUpdate()

		if len(call.present) != 1 || call.present[0] != "/topic/1" {
			t.Errorf("expected the final call to re-assert presence, got %+v", call)
		}
		if api.updateCount() != 3 {
			t.Errorf("expected enter, leave, and re-enter calls, got %d", api.updateCount())
		}
	})

	t.Run("leave then enter before the flush cancels out", func(t *testing.T) {
		api := newFakeAPI()

		api.setSnapshot("/topic/1", &ChannelSnapshot{Count: 0, Users: []UserSummary{}})

		svc := newTestService(t, api, Options{})

		h1 := svc.Handle("/topic/1")

		if err := h1.Enter(context.Background()); err != nil {
			t.Fatalf("enter failed: %v", err)
		}
		leaveErr := make(chan error, 1)

		go func() { leaveErr <- h1.Leave(context.Background()) }()

		waitFor(t, time.Second, func() bool { return queuedEvents(svc) == 1 })

		h2 := svc.Handle("/topic/1")

		if err := h2.Enter(context.Background()); err != nil {
			t.Fatalf("enter failed: %v", err)
		}
		select {
		case err := <-leaveErr:
			if err != nil {
				t.Fatalf("collapsed leave failed: %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("collapsed leave never resolved")
		}
		if h1.Present() || !h2.Present() {
			t.Error("expected presence to move from h1 to h2")
		}
		// Let any scheduled flush run, then verify no leave ever went out.
		time.Sleep(250 * time.Millisecond)

		for _, call := range api.updateCalls {
			if len(call.leave) != 0 {
				t.Errorf("unexpected leave call: %+v", call)
			}
		}
	})
}

func TestServiceFlushErrors(t *testing.T) {
	t.Run("rate limited flush retries silently", func(t *testing.T) {
		api := newFakeAPI()

		api.setSnapshot("/topic/1", &ChannelSnapshot{Count: 0, Users: []UserSummary{}})

		api.setUpdateError(rateLimited("/topic/1", "slow down"))

		svc := newTestService(t, api, Options{})

		h := svc.Handle("/topic/1")

		enterErr := make(chan error, 1)

		go func() { enterErr <- h.Enter(context.Background()) }()

		waitFor(t, time.Second, func() bool { return api.updateCount() >= 1 })

		select {
		case err := <-enterErr:
			t.Fatalf("enter resolved during rate limiting: %v", err)
		case <-time.After(50 * time.Millisecond):
		}
		api.setUpdateError(nil)

		select {
		case err := <-enterErr:
			if err != nil {
				t.Fatalf("retried enter failed: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("enter never resolved after rate limit cleared")
		}
		if !h.Present() {
			t.Error("expected handle present after retry")
		}
		if api.updateCount() < 2 {
			t.Errorf("expected a retry call, got %d calls", api.updateCount())
		}
	})

	t.Run("transient failure propagates to the caller", func(t *testing.T) {
		api := newFakeAPI()

		api.setSnapshot("/topic/1", &ChannelSnapshot{Count: 0, Users: []UserSummary{}})

		api.setUpdateError(unavailable("/topic/1", "backend down"))

		svc := newTestService(t, api, Options{})

		h := svc.Handle("/topic/1")

		err := h.Enter(context.Background())

		if err == nil || IsRateLimited(err) {
			t.Fatalf("expected a transient error, got %v", err)
		}
		if h.Present() {
			t.Error("expected handle not present after failure")
		}
		api.setUpdateError(nil)

		if err := h.Enter(context.Background()); err != nil {
			t.Fatalf("enter after recovery failed: %v", err)
		}
		if !h.Present() {
			t.Error("expected handle present after recovery")
		}
	})
}

func TestServiceHeartbeat(t *testing.T) {
	t.Run("re-asserts presence while idle", func(t *testing.T) {
		api := newFakeAPI()

		api.setSnapshot("/topic/1", &ChannelSnapshot{Count: 0, Users: []UserSummary{}})

		obs := &recordingObserver{}

		svc := newTestService(t, api, Options{
			Hooks:             &Hooks{Observer: obs},
			DebounceDelay:     5 * time.Millisecond,
			ThrottleWindow:    20 * time.Millisecond,
			HeartbeatInterval: 30 * time.Millisecond,
		})

		h := svc.Handle("/topic/1")

		if err := h.Enter(context.Background()); err != nil {
			t.Fatalf("enter failed: %v", err)
		}
		waitFor(t, 2*time.Second, func() bool {
			obs.mu.Lock()

			defer obs.mu.Unlock()

			return obs.heartbeats >= 1
		})

		if api.updateCount() < 2 {
			t.Errorf("expected heartbeat updates, got %d calls", api.updateCount())
		}
		call, _ := api.lastUpdate()

		if len(call.present) != 1 || call.present[0] != "/topic/1" {
			t.Errorf("heartbeat should re-assert presence, got %+v", call)
		}
	})
}

func TestServiceClose(t *testing.T) {
	t.Run("sends a leave beacon for present channels", func(t *testing.T) {
		api := newFakeAPI()

		api.setSnapshot("/topic/1", &ChannelSnapshot{Count: 0, Users: []UserSummary{}})

		svc := newTestService(t, api, Options{})

		h := svc.Handle("/topic/1")

		if err := h.Enter(context.Background()); err != nil {
			t.Fatalf("enter failed: %v", err)
		}
		if err := svc.Close(); err != nil {
			t.Fatalf("close failed: %v", err)
		}
		api.mu.Lock()

		calls := len(api.leaveCalls)

		var beacon updateCall
		if calls > 0 {
			beacon = api.leaveCalls[0]
		}
		api.mu.Unlock()

		if calls != 1 || len(beacon.leave) != 1 || beacon.leave[0] != "/topic/1" {
			t.Errorf("expected one leave beacon for /topic/1, got %d calls %+v", calls, beacon)
		}
		if err := svc.Close(); err != nil {
			t.Errorf("second close failed: %v", err)
		}
	})

	t.Run("resolves queued operations with an error", func(t *testing.T) {
		api := newFakeAPI()

		api.setSnapshot("/topic/1", &ChannelSnapshot{Count: 0, Users: []UserSummary{}})

		svc := newTestService(t, api, Options{DebounceDelay: time.Hour, ThrottleWindow: 2 * time.Hour})

		h := svc.Handle("/topic/1")

		enterErr := make(chan error, 1)

		go func() { enterErr <- h.Enter(context.Background()) }()

		waitFor(t, time.Second, func() bool { return queuedEvents(svc) == 1 })

		svc.Close()

		select {
		case err := <-enterErr:
			if err == nil {
				t.Error("expected queued enter to fail on close")
			}
		case <-time.After(time.Second):
			t.Fatal("queued enter never resolved")
		}
	})

	t.Run("rejects operations after close", func(t *testing.T) {
		api := newFakeAPI()

		svc := newTestService(t, api, Options{})

		svc.Close()

		h := svc.Handle("/topic/1")

		if err := h.Enter(context.Background()); err == nil {
			t.Error("expected enter after close to fail")
		}
	})
}

func TestServiceSharedState(t *testing.T) {
	seed := &ChannelSnapshot{
		Count:         1,
		Users:         []UserSummary{{ID: 1, Username: "a"}},
		LastMessageID: 3,
	}

	t.Run("handles for one channel share a single state", func(t *testing.T) {
		api := newFakeAPI()

		svc := newTestService(t, api, Options{})

		h1 := svc.Handle("/topic/1")

		h2 := svc.Handle("/topic/1")

		s1, err := h1.Subscribe(context.Background(), seed)

		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}
		s2, err := h2.Subscribe(context.Background(), nil)

		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}
		if s1 != s2 {
			t.Error("expected both handles to share one state")
		}
		if api.snapshotFetches() != 0 {
			t.Errorf("expected no snapshot fetches, got %d", api.snapshotFetches())
		}
		h1.Unsubscribe()

		if _, exists := svc.ChannelState("/topic/1"); !exists {
			t.Error("state should survive while a handle remains")
		}
		h2.Unsubscribe()

		if _, exists := svc.ChannelState("/topic/1"); exists {
			t.Error("state should be destroyed with the last handle")
		}
		if s1.Subscribed() {
			t.Error("underlying state should be unsubscribed")
		}
	})

	t.Run("failed subscribe does not leak a state entry", func(t *testing.T) {
		api := newFakeAPI()

		svc := newTestService(t, api, Options{})

		h := svc.Handle("/topic/missing")

		if _, err := h.Subscribe(context.Background(), nil); !IsNotFound(err) {
			t.Fatalf("expected not found, got %v", err)
		}
		if _, exists := svc.ChannelState("/topic/missing"); exists {
			t.Error("failed subscribe left a state entry behind")
		}
	})

	t.Run("repeated subscribe on one handle is stable", func(t *testing.T) {
		api := newFakeAPI()

		svc := newTestService(t, api, Options{})

		h := svc.Handle("/topic/1")

		s1, err := h.Subscribe(context.Background(), seed)

		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}
		s2, err := h.Subscribe(context.Background(), nil)

		if err != nil {
			t.Fatalf("repeated subscribe failed: %v", err)
		}
		if s1 != s2 {
			t.Error("expected the same state")
		}
		h.Unsubscribe()

		if _, exists := svc.ChannelState("/topic/1"); exists {
			t.Error("single unsubscribe should release the only reference")
		}
	})
}
