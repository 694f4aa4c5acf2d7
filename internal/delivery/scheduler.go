package delivery

import (
	"sync"
	"time"
)

// Scheduler defers a callback. Retries re-enter the executor through this
// interface so scheduling is observable and tests can drive virtual time
// instead of sleeping.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func())
}

// TimerScheduler runs callbacks on real timers
type TimerScheduler struct{}

func (TimerScheduler) AfterFunc(d time.Duration, fn func()) {
	time.AfterFunc(d, fn)
}

type manualTask struct {
	due time.Duration
	fn  func()
}

// ManualScheduler queues callbacks against a virtual clock and fires them
// synchronously when Advance moves the clock past their due time. It also
// records every requested delay so tests can assert the exact backoff curve.
type ManualScheduler struct {
	mu      sync.Mutex
	now     time.Duration
	pending []manualTask
	delays  []time.Duration
}

func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{}
}

func (s *ManualScheduler) AfterFunc(d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	s.pending = append(s.pending, manualTask{due: s.now + d, fn: fn})
}

// Advance moves virtual time forward and runs every callback that comes due,
// in due order. Callbacks may schedule further callbacks; those fire too if
// they fall within the advanced window.
func (s *ManualScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	s.now += d
	for {
		idx := -1
		for i, t := range s.pending {
			if t.due <= s.now && (idx == -1 || t.due < s.pending[idx].due) {
				idx = i
			}
		}
		if idx == -1 {
			break
		}
		task := s.pending[idx]
		s.pending = append(s.pending[:idx], s.pending[idx+1:]...)
		s.mu.Unlock()
		task.fn()
		s.mu.Lock()
	}
	s.mu.Unlock()
}

// Pending returns the number of callbacks not yet fired
func (s *ManualScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Delays returns every delay ever requested, in scheduling order
func (s *ManualScheduler) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, len(s.delays))
	copy(out, s.delays)
	return out
}
