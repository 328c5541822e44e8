package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/kenneth/envelope-pipeline/internal/pipeline"
)

// MemoryStore holds envelope sets in process memory. Used for tests and for
// the demo path of the CLI. Sets are kept as serialized JSON so memory and S3
// round trips exercise the same encoding.
type MemoryStore struct {
	mu   sync.RWMutex
	sets map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sets: make(map[string][]byte)}
}

func (s *MemoryStore) PutSet(_ context.Context, set *pipeline.ChunkedEnvelopeSet) error {
	if set == nil || set.SetID == "" {
		return fmt.Errorf("store: set id is required")
	}

	data, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("store: encoding set: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sets[set.SetID] = data
	return nil
}

func (s *MemoryStore) GetSet(_ context.Context, setID string) (*pipeline.ChunkedEnvelopeSet, error) {
	s.mu.RLock()
	data, ok := s.sets[setID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSetNotFound, setID)
	}

	var set pipeline.ChunkedEnvelopeSet
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("store: decoding set %s: %w", setID, err)
	}
	return &set, nil
}

func (s *MemoryStore) DeleteSet(_ context.Context, setID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sets, setID)
	return nil
}

func (s *MemoryStore) ListSets(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.sets))
	for id := range s.sets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
