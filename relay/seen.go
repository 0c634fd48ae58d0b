package relay

import "sync"

// seenRing remembers the last N ids so an event delivered by several relays
// is only passed on once.
type seenRing struct {
	ids   map[string]struct{}
	order []string
	next  int
	mu    sync.Mutex
}

func newSeenRing(size int) *seenRing {
	return &seenRing{
		ids:   make(map[string]struct{}, size),
		order: make([]string, size),
	}
}

// add returns false when id was already seen.
func (s *seenRing) add(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ids[id]; ok {
		return false
	}
	if old := s.order[s.next]; old != "" {
		delete(s.ids, old)
	}
	s.order[s.next] = id
	s.ids[id] = struct{}{}
	s.next = (s.next + 1) % len(s.order)
	return true
}
