package storage

import (
	"context"
	"sync"

	"github.com/confidential-compute/tee-execution-backend/interfaces"
)

// MemoryStore keeps records in process memory. Test and development
// deployments only; nothing survives a restart.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[interfaces.Hash]interfaces.ConsistencyRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[interfaces.Hash]interfaces.ConsistencyRecord)}
}

func (s *MemoryStore) Append(ctx context.Context, record interfaces.ConsistencyRecord) (interfaces.Hash, error) {
	_, id, err := encodeRecord(record)
	if err != nil {
		return interfaces.Hash{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[id] = record
	return id, nil
}

func (s *MemoryStore) Fetch(ctx context.Context, id interfaces.Hash) (interfaces.ConsistencyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[id]
	if !ok {
		return interfaces.ConsistencyRecord{}, ErrRecordNotFound
	}
	return record, nil
}

func (s *MemoryStore) Available(ctx context.Context) bool { return true }
func (s *MemoryStore) Name() string                       { return "memory" }
func (s *MemoryStore) LocationURI() string                { return "memory://" }

// Len reports the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
