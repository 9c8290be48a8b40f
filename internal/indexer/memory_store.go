package indexer

import (
	"context"
	"sync"
)

// MemoryCheckpointStore is an in-memory CheckpointStore for tests.
type MemoryCheckpointStore struct {
	mu    sync.Mutex
	block uint64
	hash  string
	found bool
}

func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{}
}

func (s *MemoryCheckpointStore) Load(_ context.Context) (uint64, string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.block, s.hash, s.found, nil
}

func (s *MemoryCheckpointStore) Save(_ context.Context, block uint64, blockHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.found || block > s.block {
		s.block = block
		s.hash = blockHash
	}
	s.found = true
	return nil
}
