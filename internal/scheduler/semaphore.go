package scheduler

import "sync"

// Semaphore counts occupied slots, e.g. running daughters against
// MAX_ACTIVE. It never blocks: callers that find it full reject the work.
type Semaphore struct {
	mu   sync.Mutex
	size int
	used int
}

// NewSemaphore creates a semaphore with n slots (at least one).
func NewSemaphore(n int) *Semaphore {
	return &Semaphore{size: max(n, 1)}
}

// TryAcquire takes a slot if one is free.
func (s *Semaphore) TryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.used >= s.size {
		return false
	}
	s.used++
	return true
}

// Release frees a slot. Extra releases are ignored.
func (s *Semaphore) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.used > 0 {
		s.used--
	}
}

// Available returns the number of free slots.
func (s *Semaphore) Available() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size - s.used
}
