package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/atmx/custody-engine/internal/model"
)

// MemoryStore implements Store with in-memory slices. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu       sync.RWMutex
	events   []model.Event
	ids      map[string]bool
	snapshot []byte
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ids: make(map[string]bool)}
}

func (s *MemoryStore) InsertEvent(_ context.Context, ev *model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ids[ev.ID] {
		return fmt.Errorf("event %s already recorded", ev.ID)
	}
	s.ids[ev.ID] = true
	cp := *ev
	cp.Data = append([]byte(nil), ev.Data...)
	s.events = append(s.events, cp)
	return nil
}

func (s *MemoryStore) ListEvents(_ context.Context, f EventFilter) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := f.limit()
	var result []model.Event
	for i := len(s.events) - 1; i >= 0 && len(result) < limit; i-- {
		if f.match(&s.events[i]) {
			result = append(result, s.events[i])
		}
	}
	return result, nil
}

// SaveSnapshot keeps the encoded state so later mutation by the caller
// cannot reach the stored copy.
func (s *MemoryStore) SaveSnapshot(_ context.Context, st *model.State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = data
	return nil
}

func (s *MemoryStore) LatestSnapshot(_ context.Context) (*model.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.snapshot == nil {
		return nil, ErrNotFound
	}
	var st model.State
	if err := json.Unmarshal(s.snapshot, &st); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &st, nil
}
