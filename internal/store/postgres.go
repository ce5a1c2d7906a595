package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/custody-engine/internal/model"
)

// schema is applied by EnsureSchema. Events keep their payload as JSONB;
// the filter columns hold base58 addresses.
const schema = `
CREATE TABLE IF NOT EXISTS events (
	seq         BIGSERIAL PRIMARY KEY,
	id          TEXT NOT NULL UNIQUE,
	type        TEXT NOT NULL,
	time        BIGINT NOT NULL,
	owner       TEXT NOT NULL,
	pool        TEXT NOT NULL,
	custody     TEXT NOT NULL,
	position    TEXT NOT NULL,
	data        JSONB
);
CREATE INDEX IF NOT EXISTS events_owner_idx ON events (owner, seq DESC);
CREATE INDEX IF NOT EXISTS events_pool_idx ON events (pool, seq DESC);
CREATE INDEX IF NOT EXISTS events_position_idx ON events (position, seq DESC);

CREATE TABLE IF NOT EXISTS snapshots (
	seq         BIGSERIAL PRIMARY KEY,
	taken_at    BIGINT NOT NULL,
	state       JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertEvent(ctx context.Context, ev *model.Event) error {
	var data []byte
	if len(ev.Data) > 0 {
		data = ev.Data
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO events (id, type, time, owner, pool, custody, position, data)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::JSONB)`,
		ev.ID, string(ev.Type), ev.Time,
		ev.Owner.String(), ev.Pool.String(), ev.Custody.String(), ev.Position.String(),
		data,
	)
	if err != nil {
		return fmt.Errorf("insert event %s: %w", ev.ID, err)
	}
	return nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, f EventFilter) ([]model.Event, error) {
	query := `SELECT id, type, time, owner, pool, custody, position, data FROM events WHERE TRUE`
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		query += fmt.Sprintf(" AND %s = $%d", clause, len(args))
	}
	if !f.Owner.IsZero() {
		add("owner", f.Owner.String())
	}
	if !f.Pool.IsZero() {
		add("pool", f.Pool.String())
	}
	if !f.Position.IsZero() {
		add("position", f.Position.String())
	}
	if f.Type != "" {
		add("type", string(f.Type))
	}
	args = append(args, f.limit())
	query += fmt.Sprintf(" ORDER BY seq DESC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}

func (s *PostgresStore) SaveSnapshot(ctx context.Context, st *model.State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO snapshots (taken_at, state) VALUES ($1, $2::JSONB)`, st.TakenAt, data)
	return err
}

func (s *PostgresStore) LatestSnapshot(ctx context.Context) (*model.State, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT state FROM snapshots ORDER BY seq DESC LIMIT 1`).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest snapshot: %w", err)
	}
	var st model.State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &st, nil
}

// scanEvents reads pgx rows into Event slices.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanEvents(rows pgxRows) ([]model.Event, error) {
	var events []model.Event
	for rows.Next() {
		var (
			ev                             model.Event
			typ                            string
			owner, pool, custody, position string
			data                           []byte
		)
		if err := rows.Scan(&ev.ID, &typ, &ev.Time, &owner, &pool, &custody, &position, &data); err != nil {
			return nil, err
		}
		ev.Type = model.EventType(typ)
		var err error
		if ev.Owner, err = parseKey(owner); err != nil {
			return nil, err
		}
		if ev.Pool, err = parseKey(pool); err != nil {
			return nil, err
		}
		if ev.Custody, err = parseKey(custody); err != nil {
			return nil, err
		}
		if ev.Position, err = parseKey(position); err != nil {
			return nil, err
		}
		ev.Data = data
		events = append(events, ev)
	}
	return events, rows.Err()
}

func parseKey(s string) (solana.PublicKey, error) {
	k, err := solana.PublicKeyFromBase58(s)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("decode address %q: %w", s, err)
	}
	return k, nil
}
