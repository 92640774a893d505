package state

import "sort"

// Store is the mutable mapping from aggregation key to the set of currently
// present client identities, as of the end of the last successful cycle.
//
// The store has exactly one owner (the poll loop) and is only touched between
// cycles, so it carries no locking. Construct a fresh one per run and per test
// instead of sharing a process-wide instance.
type Store struct {
	present map[string]map[Identity]struct{}
}

func NewStore() *Store {
	return &Store{present: make(map[string]map[Identity]struct{})}
}

// Put marks the identity as present under the given aggregation key.
func (s *Store) Put(key string, id Identity) {
	set, ok := s.present[key]
	if !ok {
		set = make(map[Identity]struct{})
		s.present[key] = set
	}
	set[id] = struct{}{}
}

// HasKey reports whether the key has been observed before.
func (s *Store) HasKey(key string) bool {
	_, ok := s.present[key]
	return ok
}

// Replace swaps the full identity set for a key.
func (s *Store) Replace(key string, ids map[Identity]struct{}) {
	s.present[key] = ids
}

// Present returns the identities currently believed present under the key.
// The returned map is the store's own; callers must not mutate it.
func (s *Store) Present(key string) map[Identity]struct{} {
	return s.present[key]
}

// Keys returns all aggregation keys in sorted order.
func (s *Store) Keys() []string {
	keys := make([]string, 0, len(s.present))
	for key := range s.present {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Count returns the number of identities present under the key.
func (s *Store) Count(key string) int {
	return len(s.present[key])
}
