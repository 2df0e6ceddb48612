// Package keylock provides a non-blocking per-key mutual exclusion.
package keylock

import "sync"

// Set holds the keys currently locked. The zero value is ready to use.
type Set struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// TryLock locks key if it is free. It returns a function that releases
// the key and true, or nil and false if the key is already held.
func (s *Set) TryLock(key string) (func(), bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held == nil {
		s.held = make(map[string]struct{})
	}
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

// Held reports whether key is currently locked.
func (s *Set) Held(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.held[key]
	return ok
}
