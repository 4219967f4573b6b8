package sessioncache

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned by Storage.Get for absent or expired keys.
var ErrNotFound = errors.New("sessioncache: entry not found")

// Storage is a key-value store shared by every client of one user agent.
// Handles obtained from the same backing store observe each other's
// removals, the way browser tabs observe storage events.
type Storage interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value. A non-positive ttl stores it without expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Removed signals each removal of key made through another handle.
	// The channel is closed once ctx is done.
	Removed(ctx context.Context, key string) (<-chan struct{}, error)
}

type timedEntry struct {
	value     []byte
	expiresAt time.Time
}

type memoryWatcher struct {
	owner *MemoryStorage
	key   string
	ch    chan struct{}
}

// MemoryStore is an in-process backing store. Each MemoryStorage handle
// from Tab acts as one tab.
type MemoryStore struct {
	mu       sync.Mutex
	entries  map[string]*timedEntry
	watchers map[*memoryWatcher]struct{}
	now      func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:  map[string]*timedEntry{},
		watchers: map[*memoryWatcher]struct{}{},
		now:      time.Now,
	}
}

// Tab returns a new handle on s.
func (s *MemoryStore) Tab() *MemoryStorage {
	return &MemoryStorage{store: s}
}

// MemoryStorage is a Storage handle on a MemoryStore.
type MemoryStorage struct {
	store *MemoryStore
}

// NewMemoryStorage returns a handle on a fresh MemoryStore.
func NewMemoryStorage() *MemoryStorage {
	return NewMemoryStore().Tab()
}

func (m *MemoryStorage) Get(_ context.Context, key string) ([]byte, error) {
	s := m.store
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		delete(s.entries, key)
		return nil, ErrNotFound
	}
	return append([]byte(nil), e.value...), nil
}

func (m *MemoryStorage) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s := m.store
	s.mu.Lock()
	defer s.mu.Unlock()
	e := &timedEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	s.entries[key] = e
	return nil
}

func (m *MemoryStorage) Delete(_ context.Context, key string) error {
	s := m.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[key]; !ok {
		return nil
	}
	delete(s.entries, key)
	for w := range s.watchers {
		if w.owner == m || w.key != key {
			continue
		}
		select {
		case w.ch <- struct{}{}:
		default:
		}
	}
	return nil
}

func (m *MemoryStorage) Removed(ctx context.Context, key string) (<-chan struct{}, error) {
	s := m.store
	w := &memoryWatcher{owner: m, key: key, ch: make(chan struct{}, 1)}
	s.mu.Lock()
	s.watchers[w] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.watchers, w)
		close(w.ch)
		s.mu.Unlock()
	}()
	return w.ch, nil
}

var _ Storage = (*MemoryStorage)(nil)
