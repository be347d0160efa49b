package presence

import (
	"context"
	"sync"

	"qualia-backend/application/ports"
)

// MemoryStore is an in-process presence store for tests and local
// development. Closing a session removes the key exactly like the real
// service's disconnect handling; Disconnect simulates a writer crash.
type MemoryStore struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

// NewMemoryStore creates an empty presence store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]struct{})}
}

var _ ports.PresenceStore = (*MemoryStore)(nil)

// Announce writes the liveness key for an owner
func (s *MemoryStore) Announce(ctx context.Context, entityID, ownerID string) (ports.PresenceSession, error) {
	key := presenceKey(entityID, ownerID)

	s.mu.Lock()
	s.keys[key] = struct{}{}
	s.mu.Unlock()

	return &memorySession{store: s, key: key}, nil
}

// IsLive reports whether the owner's liveness key is present
func (s *MemoryStore) IsLive(ctx context.Context, entityID, ownerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.keys[presenceKey(entityID, ownerID)]
	return ok, nil
}

// Disconnect drops the key without a clean release, simulating the
// auto-delete that follows a writer crash
func (s *MemoryStore) Disconnect(entityID, ownerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.keys, presenceKey(entityID, ownerID))
}

type memorySession struct {
	store *MemoryStore
	key   string
}

func (s *memorySession) Close(ctx context.Context) error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	delete(s.store.keys, s.key)
	return nil
}

func presenceKey(entityID, ownerID string) string {
	return "locks/" + entityID + "/" + ownerID
}
