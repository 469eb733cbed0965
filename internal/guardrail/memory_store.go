package guardrail

import (
	"context"
	"sync"
	"time"
)

type memoryKey struct {
	ownerID uint
	window  string
}

// MemoryStore is a process-local UsageStore for tests and single-node setups.
type MemoryStore struct {
	mu    sync.Mutex
	usage map[memoryKey]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{usage: make(map[memoryKey]int64)}
}

func (s *MemoryStore) Add(_ context.Context, ownerID uint, window string, units int64, _ time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := memoryKey{ownerID: ownerID, window: window}
	s.usage[key] += units
	return s.usage[key], nil
}

func (s *MemoryStore) Get(_ context.Context, ownerID uint, window string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage[memoryKey{ownerID: ownerID, window: window}], nil
}
