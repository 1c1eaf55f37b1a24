package saled

import "sync"

// slotLocks serialises lifecycle operations per sale slot. Acquisition never
// blocks: a slot already held is reported busy.
type slotLocks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newSlotLocks() *slotLocks {
	return &slotLocks{held: make(map[string]struct{})}
}

// tryAcquire claims key and returns the function releasing it, or false when
// another operation holds the slot.
func (s *slotLocks) tryAcquire(key string) (func(), bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.held[key]; busy {
		return nil, false
	}
	s.held[key] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.held, key)
			s.mu.Unlock()
		})
	}, true
}
