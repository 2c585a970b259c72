package presence

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests and local development.
// Now is swappable so expiry can be driven by a fake clock.
type MemoryStore struct {
	Now func() time.Time

	mu          sync.Mutex
	sets        map[string]map[string]bool
	values      map[string]memoryValue
	existsCalls int
}

type memoryValue struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		Now:    time.Now,
		sets:   make(map[string]map[string]bool),
		values: make(map[string]memoryValue),
	}
}

func (s *MemoryStore) AddToSet(_ context.Context, key, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sets[key] == nil {
		s.sets[key] = make(map[string]bool)
	}
	s.sets[key][member] = true
	return nil
}

func (s *MemoryStore) RemoveFromSet(_ context.Context, key, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if members, ok := s.sets[key]; ok {
		delete(members, member)
		if len(members) == 0 {
			delete(s.sets, key)
		}
	}
	return nil
}

func (s *MemoryStore) MembersOf(_ context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members := s.sets[key]
	result := make([]string, 0, len(members))
	for m := range members {
		result = append(result, m)
	}
	return result, nil
}

func (s *MemoryStore) SetWithExpiry(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := memoryValue{value: value}
	if ttl > 0 {
		v.expiresAt = s.Now().Add(ttl)
	}
	s.values[key] = v
	return nil
}

func (s *MemoryStore) Exists(_ context.Context, keys ...string) ([]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.existsCalls++
	now := s.Now()
	alive := make([]bool, len(keys))
	for i, key := range keys {
		v, ok := s.values[key]
		if !ok {
			continue
		}
		if !v.expiresAt.IsZero() && !now.Before(v.expiresAt) {
			delete(s.values, key)
			continue
		}
		alive[i] = true
	}
	return alive, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

// ExistsCalls reports how many batched existence checks have run. Tests
// use it to assert that reconciling an empty session skips the store.
func (s *MemoryStore) ExistsCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.existsCalls
}
