package cache

import (
	"context"
	"sort"
	"sync"
)

// MemoryStorage keeps every cache in process memory. Names are reported in
// creation order.
type MemoryStorage struct {
	mu     sync.RWMutex
	order  []string
	caches map[string]*MemoryStore
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{caches: map[string]*MemoryStore{}}
}

func (s *MemoryStorage) Open(ctx context.Context, name string) (Store, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.caches[name]; ok {
		return c, nil
	}
	c := &MemoryStore{entries: map[Key]Entry{}}
	s.caches[name] = c
	s.order = append(s.order, name)
	return c, nil
}

func (s *MemoryStorage) Has(ctx context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.caches[name]
	return ok, nil
}

func (s *MemoryStorage) Names(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...), nil
}

func (s *MemoryStorage) Delete(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.caches[name]; !ok {
		return false, nil
	}
	s.caches[name].markDeleted()
	delete(s.caches, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true, nil
}

type MemoryStore struct {
	mu      sync.RWMutex
	entries map[Key]Entry
	deleted bool
}

func (c *MemoryStore) markDeleted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleted = true
	c.entries = map[Key]Entry{}
}

func (c *MemoryStore) Get(ctx context.Context, key Key) (Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e.Clone(), nil
}

func (c *MemoryStore) Put(ctx context.Context, key Key, entry Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deleted {
		return ErrDeleted
	}
	c.entries[key] = entry.Clone()
	return nil
}

func (c *MemoryStore) Delete(ctx context.Context, key Key) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

func (c *MemoryStore) Keys(ctx context.Context) ([]Key, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]Key, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	sortKeys(keys)
	return keys, nil
}

func (c *MemoryStore) Count(ctx context.Context) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries), nil
}

func sortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].URL != keys[j].URL {
			return keys[i].URL < keys[j].URL
		}
		return keys[i].Method < keys[j].Method
	})
}
