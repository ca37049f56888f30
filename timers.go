// This file contains the update scheduler used by the presence Service. It
// implements the leading+trailing policy explicitly: the first trigger after
// an idle period fires after a short debounce delay, while triggers arriving
// faster than the throttle window collapse into at most one trailing run per
// window.
package realtime

import (
	"sync"
	"time"
)

type scheduler struct {
	mu       sync.Mutex
	debounce time.Duration
	window   time.Duration
	fn       func()

	timer   *time.Timer
	lastRun time.Time
	stopped bool
}

func newScheduler(debounce, window time.Duration, fn func()) *scheduler {
	return &scheduler{
		debounce: debounce,
		window:   window,
		fn:       fn,
	}
}

// trigger requests a run. If one is already pending nothing changes; the
// pending run covers this trigger too.
func (s *scheduler) trigger() {
	s.mu.Lock()

	defer s.mu.Unlock()

	if s.stopped || s.timer != nil {
		return
	}
	delay := s.debounce

	if !s.lastRun.IsZero() {
		if since := time.Since(s.lastRun); since < s.window {
			if remaining := s.window - since; remaining > delay {
				delay = remaining
			}
		}
	}
	s.timer = time.AfterFunc(delay, s.fire)
}

func (s *scheduler) fire() {
	s.mu.Lock()

	if s.stopped {
		s.mu.Unlock()

		return
	}
	s.timer = nil

	s.lastRun = time.Now()

	s.mu.Unlock()

	s.fn()
}

// pending reports whether a run is currently scheduled.
func (s *scheduler) pending() bool {
	s.mu.Lock()

	defer s.mu.Unlock()

	return s.timer != nil
}

// cancel drops any pending run without stopping the scheduler.
func (s *scheduler) cancel() {
	s.mu.Lock()

	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()

		s.timer = nil
	}
}

// stop cancels any pending run and refuses further triggers.
func (s *scheduler) stop() {
	s.mu.Lock()

	defer s.mu.Unlock()

	s.stopped = true

	if s.timer != nil {
		s.timer.Stop()

		s.timer = nil
	}
}
