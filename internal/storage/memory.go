package storage

import (
	"context"
	"slices"
	"sync"
	"time"
)

// Ensure MemoryStorage implements required interfaces
var _ Storage = (*MemoryStorage)(nil)

// MemoryStorage keeps flows in process memory. Snapshots are stored as
// given, without encryption, since they never leave the process.
type MemoryStorage struct {
	mu    sync.RWMutex
	flows map[string]*FlowRecord
	now   func() time.Time
}

// NewMemoryStorage creates a new storage instance
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		flows: make(map[string]*FlowRecord),
		now:   time.Now,
	}
}

func copyRecord(r *FlowRecord) *FlowRecord {
	c := *r
	c.Data = slices.Clone(r.Data)
	return &c
}

// SaveFlow stores or replaces a flow snapshot
func (s *MemoryStorage) SaveFlow(_ context.Context, record *FlowRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flows[record.ID] = copyRecord(record)
	return nil
}

// GetFlow retrieves a flow snapshot
func (s *MemoryStorage) GetFlow(_ context.Context, id string) (*FlowRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.flows[id]
	if !ok || record.Expired(s.now()) {
		return nil, ErrFlowNotFound
	}
	return copyRecord(record), nil
}

// DeleteFlow removes a flow snapshot. Deleting a missing flow is not an error.
func (s *MemoryStorage) DeleteFlow(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.flows, id)
	return nil
}

// CleanupExpiredFlows removes every expired snapshot
func (s *MemoryStorage) CleanupExpiredFlows(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	count := 0
	for id, record := range s.flows {
		if record.Expired(now) {
			delete(s.flows, id)
			count++
		}
	}
	return count, nil
}

// Close is a no-op for memory storage
func (s *MemoryStorage) Close() error {
	return nil
}
