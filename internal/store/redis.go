package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/custody-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the latest snapshot and per-owner event lists. Writes go to the
// primary store and invalidate the cache; reads check Redis first then fall
// back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) InsertEvent(ctx context.Context, ev *model.Event) error {
	if err := s.primary.InsertEvent(ctx, ev); err != nil {
		return err
	}
	if !ev.Owner.IsZero() {
		s.rdb.Del(ctx, ownerEventsKey(ev.Owner))
	}
	return nil
}

func (s *CachedStore) SaveSnapshot(ctx context.Context, st *model.State) error {
	if err := s.primary.SaveSnapshot(ctx, st); err != nil {
		return err
	}
	s.cache(ctx, snapshotKey, st)
	return nil
}

// --- Read-through (check cache first) ---

// ListEvents caches only plain per-owner queries, which back the account
// history view.
func (s *CachedStore) ListEvents(ctx context.Context, f EventFilter) ([]model.Event, error) {
	cacheable := !f.Owner.IsZero() && f.Pool.IsZero() && f.Position.IsZero() && f.Type == "" && f.limit() == DefaultEventLimit
	if !cacheable {
		return s.primary.ListEvents(ctx, f)
	}

	data, err := s.rdb.Get(ctx, ownerEventsKey(f.Owner)).Bytes()
	if err == nil {
		var events []model.Event
		if json.Unmarshal(data, &events) == nil {
			return events, nil
		}
	}

	events, err := s.primary.ListEvents(ctx, f)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, ownerEventsKey(f.Owner), events)
	return events, nil
}

func (s *CachedStore) LatestSnapshot(ctx context.Context) (*model.State, error) {
	data, err := s.rdb.Get(ctx, snapshotKey).Bytes()
	if err == nil {
		var st model.State
		if json.Unmarshal(data, &st) == nil {
			return &st, nil
		}
	}

	st, err := s.primary.LatestSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, snapshotKey, st)
	return st, nil
}

// --- Cache helpers ---

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

const snapshotKey = "custody:snapshot:latest"

func ownerEventsKey(owner solana.PublicKey) string { return fmt.Sprintf("custody:events:%s", owner) }
