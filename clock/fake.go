package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeTimeSource is a manually advanced TimeSource for tests. Scheduled
// callbacks fire synchronously from Advance once their deadline is reached.
type FakeTimeSource struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

// NewFakeTimeSource creates a fake clock starting at an arbitrary fixed time.
func NewFakeTimeSource() *FakeTimeSource {
	return &FakeTimeSource{
		now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (s *FakeTimeSource) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.now
}

func (s *FakeTimeSource) Since(t time.Time) time.Duration {
	return s.Now().Sub(t)
}

func (s *FakeTimeSource) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &fakeTimer{
		source:   s,
		deadline: s.now.Add(d),
		fn:       f,
	}
	s.timers = append(s.timers, t)

	return t
}

// Advance moves the clock forward and fires every timer whose deadline has
// passed, in deadline order. Callbacks run without the internal lock held so
// they may schedule further timers.
func (s *FakeTimeSource) Advance(d time.Duration) {
	s.mu.Lock()
	s.now = s.now.Add(d)

	for {
		due := s.popDue()
		if due == nil {
			break
		}

		s.mu.Unlock()
		due.fn()
		s.mu.Lock()
	}
	s.mu.Unlock()
}

// popDue removes and returns the earliest expired, unstopped timer.
// Caller must hold the lock.
func (s *FakeTimeSource) popDue() *fakeTimer {
	sort.SliceStable(s.timers, func(i, j int) bool {
		return s.timers[i].deadline.Before(s.timers[j].deadline)
	})

	for i, t := range s.timers {
		if t.stopped {
			continue
		}

		if !t.deadline.After(s.now) {
			t.stopped = true
			s.timers = append(s.timers[:i], s.timers[i+1:]...)

			return t
		}

		break
	}

	return nil
}

type fakeTimer struct {
	source   *FakeTimeSource
	deadline time.Time
	fn       func()
	stopped  bool
}

func (t *fakeTimer) Stop() bool {
	t.source.mu.Lock()
	defer t.source.mu.Unlock()

	if t.stopped {
		return false
	}

	t.stopped = true

	return true
}
