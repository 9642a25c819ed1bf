package ledger

import (
	"sort"
	"sync"
)

// lockSet hands out per-entity mutexes keyed by string. Keys for one
// operation are acquired in sorted order, so two operations touching
// overlapping entities can never deadlock. Entries are refcounted and
// dropped once nobody holds or waits on them.
type lockSet struct {
	mu    sync.Mutex
	locks map[string]*entityLock
}

type entityLock struct {
	mu   sync.Mutex
	refs int
}

func newLockSet() *lockSet { return &lockSet{locks: map[string]*entityLock{}} }

// acquire locks every key and returns the matching release function.
func (s *lockSet) acquire(keys ...string) func() {
	ks := append([]string(nil), keys...)
	sort.Strings(ks)
	uniq := ks[:0]
	for i, k := range ks {
		if i > 0 && k == ks[i-1] { continue }
		uniq = append(uniq, k)
	}
	held := make([]*entityLock, 0, len(uniq))
	for _, k := range uniq {
		s.mu.Lock()
		e := s.locks[k]
		if e == nil {
			e = &entityLock{}
			s.locks[k] = e
		}
		e.refs++
		s.mu.Unlock()
		e.mu.Lock()
		held = append(held, e)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].mu.Unlock()
			s.mu.Lock()
			held[i].refs--
			if held[i].refs == 0 { delete(s.locks, uniq[i]) }
			s.mu.Unlock()
		}
	}
}

func (s *lockSet) size() int {
	s.mu.Lock(); defer s.mu.Unlock()
	return len(s.locks)
}
