package dedupe

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the single-replica fallback used when no Redis URL is
// configured.
type MemoryStore struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]memoryEntry
}

type memoryEntry struct {
	delivery  Delivery
	expiresAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:     time.Now,
		entries: map[string]memoryEntry{},
	}
}

func (s *MemoryStore) Claim(_ context.Context, deliveryID, source string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.sweep(now)
	if _, ok := s.entries[deliveryID]; ok {
		return false, nil
	}
	s.entries[deliveryID] = memoryEntry{
		delivery:  Delivery{Source: source, ClaimedAt: now.UTC()},
		expiresAt: now.Add(ttl),
	}
	return true, nil
}

func (s *MemoryStore) Lookup(_ context.Context, deliveryID string) (Delivery, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[deliveryID]
	if !ok || !s.now().Before(entry.expiresAt) {
		return Delivery{}, false, nil
	}
	return entry.delivery, true, nil
}

func (s *MemoryStore) Release(_ context.Context, deliveryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, deliveryID)
	return nil
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) sweep(now time.Time) {
	for id, entry := range s.entries {
		if !now.Before(entry.expiresAt) {
			delete(s.entries, id)
		}
	}
}
