package orchestrator

import (
	"sync"
	"time"
)

// timerSet tracks delayed callbacks so shutdown can cancel the ones that
// have not fired and wait for the ones that have.
type timerSet struct {
	mu     sync.Mutex
	timers map[*time.Timer]struct{}
	closed bool
	wg     sync.WaitGroup
}

func newTimerSet() *timerSet {
	return &timerSet{timers: make(map[*time.Timer]struct{})}
}

// after runs fn once d has elapsed. Returns false if the set is closed.
func (s *timerSet) after(d time.Duration, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}

	var t *time.Timer
	s.wg.Add(1)
	t = time.AfterFunc(d, func() {
		defer s.wg.Done()
		s.mu.Lock()
		delete(s.timers, t)
		closed := s.closed
		s.mu.Unlock()
		if !closed {
			fn()
		}
	})
	s.timers[t] = struct{}{}
	return true
}

// close stops pending timers and waits for running callbacks.
func (s *timerSet) close() {
	s.mu.Lock()
	s.closed = true
	for t := range s.timers {
		if t.Stop() {
			s.wg.Done()
		}
		delete(s.timers, t)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *timerSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}
