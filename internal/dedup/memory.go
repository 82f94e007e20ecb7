package dedup

import (
	"context"
	"fmt"
	"sync"

	"github.com/algomatic/strat-service/internal/types"
)

// MemoryStore is an in-process Store. Records do not survive a restart.
type MemoryStore struct {
	locks KeyLocker

	mu      sync.Mutex
	records map[types.AlertKey]types.AlertRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[types.AlertKey]types.AlertRecord)}
}

// Acquire waits for any other lease on key, then checks for a record.
func (s *MemoryStore) Acquire(ctx context.Context, key types.AlertKey) (Lease, error) {
	unlock, err := s.locks.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	if _, ok := s.Get(key); ok {
		unlock()
		return nil, fmt.Errorf("%s: %w", key, types.ErrDuplicateAlert)
	}
	return &memoryLease{store: s, key: key, unlock: unlock}, nil
}

// Count returns the number of stored records.
func (s *MemoryStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Get returns the record stored for key.
func (s *MemoryStore) Get(key types.AlertKey) (types.AlertRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	return rec, ok
}

type memoryLease struct {
	store  *MemoryStore
	key    types.AlertKey
	unlock func()
}

func (l *memoryLease) Commit(_ context.Context, rec types.AlertRecord) error {
	defer l.unlock()
	if rec.Key != l.key {
		return fmt.Errorf("record key %s does not match lease %s", rec.Key, l.key)
	}

	l.store.mu.Lock()
	defer l.store.mu.Unlock()
	if _, ok := l.store.records[l.key]; ok {
		return fmt.Errorf("%s: %w", l.key, types.ErrDuplicateAlert)
	}
	l.store.records[l.key] = rec
	return nil
}

func (l *memoryLease) Release(_ context.Context) error {
	l.unlock()
	return nil
}
