package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

type updateCall struct {
	clientID string
	present  []string
	leave    []string
}

// fakeAPI is an in-memory ServerAPI used by channel state and service tests.
type fakeAPI struct {
	mu          sync.Mutex
	snapshots   map[string]*ChannelSnapshot
	updateCalls []updateCall
	leaveCalls  []updateCall
	getCalls    int
	getGate     chan struct{}
	updateGate  chan struct{}
	updateErr   error
	result      map[string]bool
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		snapshots: make(map[string]*ChannelSnapshot),
	}
}

func (f *fakeAPI) setSnapshot(channel string, snapshot *ChannelSnapshot) {
	f.mu.Lock()

	defer f.mu.Unlock()

	f.snapshots[channel] = snapshot
}

// blockGets makes GetChannel wait until the returned function is called.
func (f *fakeAPI) blockGets() func() {
	gate := make(chan struct{})

	f.mu.Lock()

	f.getGate = gate

	f.mu.Unlock()

	var once sync.Once

	return func() {
		once.Do(func() {
			f.mu.Lock()

			f.getGate = nil

			f.mu.Unlock()

			close(gate)
		})
	}
}

func (f *fakeAPI) GetChannel(_ context.Context, channel string) (*ChannelSnapshot, error) {
	f.mu.Lock()

	gate := f.getGate

	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	f.mu.Lock()

	defer f.mu.Unlock()

	f.getCalls++

	snapshot, exists := f.snapshots[channel]
	if !exists {
		return nil, notFound(channel, "channel does not exist")
	}
	clone := *snapshot

	if snapshot.Users != nil {
		clone.Users = append([]UserSummary(nil), snapshot.Users...)
	}
	return &clone, nil
}

// blockUpdates makes UpdatePresence wait until the returned function is
// called.
func (f *fakeAPI) blockUpdates() func() {
	gate := make(chan struct{})

	f.mu.Lock()

	f.updateGate = gate

	f.mu.Unlock()

	var once sync.Once

	return func() {
		once.Do(func() {
			f.mu.Lock()

			f.updateGate = nil

			f.mu.Unlock()

			close(gate)
		})
	}
}

func (f *fakeAPI) UpdatePresence(_ context.Context, clientID string, present, leave []string) (map[string]bool, error) {
	f.mu.Lock()

	gate := f.updateGate

	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	f.mu.Lock()

	defer f.mu.Unlock()

	f.updateCalls = append(f.updateCalls, updateCall{
		clientID: clientID,
		present:  append([]string(nil), present...),
		leave:    append([]string(nil), leave...),
	})

	if f.updateErr != nil {
		return nil, f.updateErr
	}
	if f.result != nil {
		return f.result, nil
	}
	result := make(map[string]bool)

	for _, channel := range present {
		_, exists := f.snapshots[channel]

		result[channel] = exists
	}
	for _, channel := range leave {
		result[channel] = true
	}
	return result, nil
}

func (f *fakeAPI) LeaveAll(clientID string, channels []string) {
	f.mu.Lock()

	defer f.mu.Unlock()

	f.leaveCalls = append(f.leaveCalls, updateCall{
		clientID: clientID,
		leave:    append([]string(nil), channels...),
	})
}

func (f *fakeAPI) updateCount() int {
	f.mu.Lock()

	defer f.mu.Unlock()

	return len(f.updateCalls)
}

func (f *fakeAPI) snapshotFetches() int {
	f.mu.Lock()

	defer f.mu.Unlock()

	return f.getCalls
}

func (f *fakeAPI) setUpdateError(err error) {
	f.mu.Lock()

	defer f.mu.Unlock()

	f.updateErr = err
}

func (f *fakeAPI) lastUpdate() (updateCall, bool) {
	f.mu.Lock()

	defer f.mu.Unlock()

	if len(f.updateCalls) == 0 {
		return updateCall{}, false
	}
	return f.updateCalls[len(f.updateCalls)-1], true
}

// recordingObserver captures diagnostics for assertions.
type recordingObserver struct {
	mu         sync.Mutex
	gaps       []string
	malformed  []string
	resyncs    int
	updates    int
	heartbeats int
	topics     []int64
}

func (r *recordingObserver) GapDetected(channel string, expected, got int64) {
	r.mu.Lock()

	defer r.mu.Unlock()

	r.gaps = append(r.gaps, channel)
}

func (r *recordingObserver) MalformedDelta(channel string, reason string) {
	r.mu.Lock()

	defer r.mu.Unlock()

	r.malformed = append(r.malformed, reason)
}

func (r *recordingObserver) ResyncStarted(channel string) {
	r.mu.Lock()

	defer r.mu.Unlock()

	r.resyncs++
}

func (r *recordingObserver) ResyncCompleted(channel string, err error) {}

func (r *recordingObserver) UpdateSent(present []string, leave []string, err error) {
	r.mu.Lock()

	defer r.mu.Unlock()

	r.updates++
}

func (r *recordingObserver) HeartbeatSent(channels []string) {
	r.mu.Lock()

	defer r.mu.Unlock()

	r.heartbeats++
}

func (r *recordingObserver) TopicChanged(topicID int64, messageType string) {
	r.mu.Lock()

	defer r.mu.Unlock()

	r.topics = append(r.topics, topicID)
}

func (r *recordingObserver) gapCount() int {
	r.mu.Lock()

	defer r.mu.Unlock()

	return len(r.gaps)
}

func (r *recordingObserver) resyncCount() int {
	r.mu.Lock()

	defer r.mu.Unlock()

	return r.resyncs
}

func (r *recordingObserver) malformedCount() int {
	r.mu.Lock()

	defer r.mu.Unlock()

	return len(r.malformed)
}

// waitFor polls cond until it returns true or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func mustMarshal(t *testing.T, v interface{}) []byte {
	t.Helper()

	data, err := json.Marshal(v)

	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	return data
}

func intPtr(v int) *int {
	return &v
}
