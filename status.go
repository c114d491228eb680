package walkietalkie

import "sync"

// Status tracks the single conversation or group the user is looking at.
// Messages for it are rendered, everything else is buffered as unread.
type Status struct {
	mu     sync.RWMutex
	active bool
	id     string
}

func (s *Status) StartChatting(id string) {
	s.mu.Lock()
	s.active, s.id = true, id
	s.mu.Unlock()
}

func (s *Status) StopChatting() {
	s.mu.Lock()
	s.active, s.id = false, ""
	s.mu.Unlock()
}

func (s *Status) IsChattingWith(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active && s.id == id
}

// Current returns the active id, if any.
func (s *Status) Current() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id, s.active
}
