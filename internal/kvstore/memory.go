package kvstore

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store. QuotaBytes > 0 caps the summed length
// of all keys and values; writes past it fail with ErrQuotaExceeded.
type MemoryStore struct {
	mu         sync.Mutex
	items      map[string]string
	quotaBytes int
}

// NewMemoryStore creates a MemoryStore. quotaBytes <= 0 means unbounded.
func NewMemoryStore(quotaBytes int) *MemoryStore {
	return &MemoryStore{items: make(map[string]string), quotaBytes: quotaBytes}
}

// GetItem implements Store.
func (s *MemoryStore) GetItem(ctx context.Context, key string) (string, bool, error) {
	if ctx.Err() != nil {
		return "", false, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.items[key]
	return v, ok, nil
}

// SetItem implements Store.
func (s *MemoryStore) SetItem(ctx context.Context, key, value string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.quotaBytes > 0 {
		used := s.usedLocked()
		if old, ok := s.items[key]; ok {
			used -= len(key) + len(old)
		}
		if used+len(key)+len(value) > s.quotaBytes {
			return ErrQuotaExceeded
		}
	}
	s.items[key] = value
	return nil
}

// RemoveItem implements Store.
func (s *MemoryStore) RemoveItem(ctx context.Context, key string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}

func (s *MemoryStore) usedLocked() int {
	n := 0
	for k, v := range s.items {
		n += len(k) + len(v)
	}
	return n
}
