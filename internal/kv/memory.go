package kv

import (
	"context"
	"sync"
	"time"
)

type memoryLock struct {
	token     string
	expiresAt time.Time
}

// MemoryStore is an in-process Store. It is safe for concurrent use and
// suits tests and single-instance deployments.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string][]byte
	lists  map[string][][]byte
	locks  map[string]memoryLock
	now    func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// MemoryOption configures a MemoryStore
type MemoryOption func(*MemoryStore)

// WithClock overrides the clock used for lock expiry
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

// NewMemoryStore creates an empty in-process store
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		values: map[string][]byte{},
		lists:  map[string][][]byte{},
		locks:  map[string]memoryLock{},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get implements Store
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

// Set implements Store
func (s *MemoryStore) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.values[key] = append([]byte(nil), value...)
	return nil
}

// Exists implements Store
func (s *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.values[key]
	return ok, nil
}

// Delete implements Store
func (s *MemoryStore) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range keys {
		delete(s.values, k)
		delete(s.lists, k)
	}
	return nil
}

// ReplaceList implements Store
func (s *MemoryStore) ReplaceList(_ context.Context, key string, values [][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := make([][]byte, 0, len(values))
	for _, v := range values {
		list = append(list, append([]byte(nil), v...))
	}
	s.lists[key] = list
	return nil
}

// PushBack implements Store
func (s *MemoryStore) PushBack(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lists[key] = append(s.lists[key], append([]byte(nil), value...))
	return nil
}

// PopFront implements Store
func (s *MemoryStore) PopFront(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.lists[key]
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	head := list[0]
	s.lists[key] = list[1:]
	return head, nil
}

// ListLen implements Store
func (s *MemoryStore) ListLen(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return int64(len(s.lists[key])), nil
}

// TryLock implements Store
func (s *MemoryStore) TryLock(_ context.Context, name, token string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if held, ok := s.locks[name]; ok && now.Before(held.expiresAt) {
		return false, nil
	}
	s.locks[name] = memoryLock{token: token, expiresAt: now.Add(ttl)}
	return true, nil
}

// Unlock implements Store
func (s *MemoryStore) Unlock(_ context.Context, name, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	held, ok := s.locks[name]
	if !ok || held.token != token || !s.now().Before(held.expiresAt) {
		return false, nil
	}
	delete(s.locks, name)
	return true, nil
}

// Ping implements Store
func (*MemoryStore) Ping(context.Context) error {
	return nil
}

// Close implements Store
func (*MemoryStore) Close() error {
	return nil
}
