// Package store defines the persistence interface for the custody engine:
// an append-only event ledger and periodic engine snapshots.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/gagliardetto/solana-go"

	"github.com/atmx/custody-engine/internal/model"
)

// ErrNotFound is returned when no snapshot has been saved yet.
var ErrNotFound = errors.New("store: not found")

// DefaultEventLimit caps ListEvents when the filter sets no limit.
const DefaultEventLimit = 500

// EventFilter selects events. Zero fields match everything.
type EventFilter struct {
	Owner    solana.PublicKey
	Pool     solana.PublicKey
	Position solana.PublicKey
	Type     model.EventType
	// Limit caps the result, newest first.
	Limit int
}

func (f EventFilter) limit() int {
	if f.Limit <= 0 || f.Limit > DefaultEventLimit {
		return DefaultEventLimit
	}
	return f.Limit
}

func (f EventFilter) match(ev *model.Event) bool {
	switch {
	case !f.Owner.IsZero() && !ev.Owner.Equals(f.Owner):
		return false
	case !f.Pool.IsZero() && !ev.Pool.Equals(f.Pool):
		return false
	case !f.Position.IsZero() && !ev.Position.Equals(f.Position):
		return false
	case f.Type != "" && ev.Type != f.Type:
		return false
	}
	return true
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Event ledger ---

	// InsertEvent appends an immutable event record.
	InsertEvent(ctx context.Context, ev *model.Event) error

	// ListEvents returns matching events, newest first.
	ListEvents(ctx context.Context, f EventFilter) ([]model.Event, error)

	// --- Snapshots ---

	// SaveSnapshot persists a full engine state.
	SaveSnapshot(ctx context.Context, st *model.State) error

	// LatestSnapshot returns the most recent state, or ErrNotFound.
	LatestSnapshot(ctx context.Context) (*model.State, error)
}
