package chat

import "time"

// SetClock replaces the time source for deterministic ordering in tests.
func (s *Service) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}
