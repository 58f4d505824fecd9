package job

import (
	"sync"
	"time"
)

// Sweeper removes terminal jobs once their grace period has elapsed.
type Sweeper struct {
	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
	reclaim func(id string)
}

// NewSweeper returns a Sweeper that calls reclaim for each expired job.
func NewSweeper(reclaim func(id string)) *Sweeper {
	return &Sweeper{
		timers:  make(map[string]*time.Timer),
		reclaim: reclaim,
	}
}

// Schedule arranges for id to be reclaimed after delay. Scheduling an id
// that already has a timer replaces it.
func (s *Sweeper) Schedule(id string, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if t, ok := s.timers[id]; ok {
		t.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.timers[id] != t {
			s.mu.Unlock()
			return
		}
		delete(s.timers, id)
		s.mu.Unlock()
		s.reclaim(id)
	})
	s.timers[id] = t
}

// Cancel drops the pending timer for id, if any.
func (s *Sweeper) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
}

// Pending returns the number of scheduled reclamations.
func (s *Sweeper) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels all timers and refuses new ones.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}
