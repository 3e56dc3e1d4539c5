package status

import (
	"context"
	"sync"

	"cloud-eventbus/internal/core"
)

const watchBuffer = 64

// MemoryStore keeps statuses in process.
type MemoryStore struct {
	mu       sync.Mutex
	entries  map[string]core.StatusUpdate
	watchers map[chan core.StatusUpdate]struct{}
	closed   bool
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:  make(map[string]core.StatusUpdate),
		watchers: make(map[chan core.StatusUpdate]struct{}),
	}
}

// Put stores a status and notifies watchers.
func (s *MemoryStore) Put(_ context.Context, id string, st core.SubscriptionStatus, reason string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	upd := core.StatusUpdate{ID: id, Status: st, Reason: reason, Version: s.entries[id].Version + 1}
	s.entries[id] = upd
	s.notify(upd)
	return upd.Version, nil
}

// Get returns the latest status for id.
func (s *MemoryStore) Get(_ context.Context, id string) (core.StatusUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	upd, ok := s.entries[id]
	if !ok {
		return core.StatusUpdate{}, ErrNotFound
	}
	return upd, nil
}

// Delete forgets id and emits a removed update.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.entries[id]
	if !ok {
		return nil
	}
	delete(s.entries, id)
	s.notify(core.StatusUpdate{ID: id, Status: core.StatusRemoved, Version: prev.Version + 1})
	return nil
}

// Watch streams updates until ctx is done or the store is closed. Slow
// watchers miss updates rather than block writers.
func (s *MemoryStore) Watch(ctx context.Context) (<-chan core.StatusUpdate, error) {
	ch := make(chan core.StatusUpdate, watchBuffer)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch, nil
	}
	s.watchers[ch] = struct{}{}
	s.mu.Unlock()
	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.watchers[ch]; ok {
			delete(s.watchers, ch)
			close(ch)
		}
	}()
	return ch, nil
}

// notify is called with s.mu held.
func (s *MemoryStore) notify(upd core.StatusUpdate) {
	for ch := range s.watchers {
		select {
		case ch <- upd:
		default:
		}
	}
}

// Close ends all watches.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for ch := range s.watchers {
		close(ch)
	}
	s.watchers = make(map[chan core.StatusUpdate]struct{})
	return nil
}
