package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/chrissnell/insituqc/internal/climatology"
)

// MemoryStore keeps encoded artifacts in memory. Loaded artifacts are fresh
// copies.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[Key][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[Key][]byte)}
}

func (s *MemoryStore) Load(_ context.Context, key Key) (*climatology.Artifact, error) {
	s.mu.RLock()
	b, ok := s.records[key]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	var r record
	if err := msgpack.Unmarshal(b, &r); err != nil {
		return nil, err
	}
	return r.artifact()
}

func (s *MemoryStore) Save(_ context.Context, key Key, a *climatology.Artifact) error {
	if err := key.Validate(); err != nil {
		return err
	}
	r, err := newRecord(a)
	if err != nil {
		return err
	}
	b, err := msgpack.Marshal(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.records[key] = b
	s.mu.Unlock()
	return nil
}

// Len returns the number of stored artifacts.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *MemoryStore) Close() error {
	return nil
}
