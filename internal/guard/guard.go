// Package guard provides the per-target reentrancy set used to keep a
// second fire for the same target from overlapping a handler already in
// flight. Entries are in-memory only; a restart starts from an empty set,
// which the scheduling layer relies on.
package guard

import "sync"

// Set tracks target ids currently inside a handler.
//
// The zero value is not usable; call New.
type Set struct {
	mu sync.Mutex
	m  map[string]struct{}
}

func New() *Set {
	return &Set{m: map[string]struct{}{}}
}

// TryAcquire reserves id. It returns false when id is already held, in
// which case the caller must log and return without side effects.
func (s *Set) TryAcquire(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.m[id]; busy {
		return false
	}
	s.m[id] = struct{}{}
	return true
}

// Release drops id. Safe to call for an id that is not held.
// Callers pair it with TryAcquire via defer so cleanup survives panics.
func (s *Set) Release(id string) {
	s.mu.Lock()
	delete(s.m, id)
	s.mu.Unlock()
}

func (s *Set) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.m[id]
	return ok
}

func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}
