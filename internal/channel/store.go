package channel

import (
	"sync"

	"github.com/pcpgo/pcpcast/internal/gnuid"
	"github.com/pcpgo/pcpcast/internal/metrics"
)

// Store is the process-wide index from channel ID to channel. It is
// generic so the root service can index its tracker channels with the
// same create-or-get and removal-hook semantics.
type Store[C any, Cfg any] struct {
	mu sync.RWMutex
	m  map[gnuid.GnuID]C

	create       func(id gnuid.GnuID, cfg Cfg) C
	beforeRemove func(C)
	afterRemove  func(C)
}

// NewStore builds a store around a channel constructor.
func NewStore[C any, Cfg any](create func(id gnuid.GnuID, cfg Cfg) C) *Store[C, Cfg] {
	return &Store[C, Cfg]{m: make(map[gnuid.GnuID]C), create: create}
}

// OnRemove installs the removal hooks, invoked in order around the drop.
func (s *Store[C, Cfg]) OnRemove(before, after func(C)) {
	s.mu.Lock()
	s.beforeRemove, s.afterRemove = before, after
	s.mu.Unlock()
}

// Get looks up id under the read lock.
func (s *Store[C, Cfg]) Get(id gnuid.GnuID) (C, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.m[id]
	return c, ok
}

// GetOrCreate returns the channel for id, creating it if absent. Two
// concurrent callers receive the same handle; only one instance is made.
func (s *Store[C, Cfg]) GetOrCreate(id gnuid.GnuID, cfg Cfg) C {
	if c, ok := s.Get(id); ok {
		return c
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.m[id]; ok {
		return c
	}
	c := s.create(id, cfg)
	s.m[id] = c
	metrics.Channels.Set(float64(len(s.m)))
	return c
}

// Remove drops id if present, running the hooks around the drop. The
// channel itself terminates when its last reference goes away.
func (s *Store[C, Cfg]) Remove(id gnuid.GnuID) bool {
	s.mu.Lock()
	c, ok := s.m[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	before, after := s.beforeRemove, s.afterRemove
	if before != nil {
		before(c)
	}
	delete(s.m, id)
	metrics.Channels.Set(float64(len(s.m)))
	s.mu.Unlock()
	if after != nil {
		after(c)
	}
	return true
}

// List snapshots the current handles.
func (s *Store[C, Cfg]) List() []C {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]C, 0, len(s.m))
	for _, c := range s.m {
		out = append(out, c)
	}
	return out
}

// Len reports the number of live channels.
func (s *Store[C, Cfg]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}
