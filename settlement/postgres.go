package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists settlement records in PostgreSQL, surviving
// restarts and shared across facilitator instances.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS settlement_records (
    key TEXT PRIMARY KEY,
    state TEXT NOT NULL,
    network TEXT NOT NULL,
    payer TEXT NOT NULL DEFAULT '',
    transaction_id TEXT NOT NULL DEFAULT '',
    reason TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
`

// NewPostgresStore connects using the DSN and ensures the table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("settlement: postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) GetOrCreate(ctx context.Context, rec *Record) (*Record, bool, error) {
	tag, err := p.pool.Exec(ctx, `
INSERT INTO settlement_records (key, state, network, payer, transaction_id, reason, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (key) DO NOTHING
`, rec.Key, rec.State, rec.Network, rec.Payer, rec.Transaction, rec.Reason, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return nil, false, err
	}
	if tag.RowsAffected() == 1 {
		out := *rec
		return &out, true, nil
	}
	existing, err := p.Get(ctx, rec.Key)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (p *PostgresStore) Get(ctx context.Context, key string) (*Record, error) {
	row := p.pool.QueryRow(ctx, `
SELECT key, state, network, payer, transaction_id, reason, created_at, updated_at
FROM settlement_records
WHERE key = $1
`, key)

	var rec Record
	err := row.Scan(&rec.Key, &rec.State, &rec.Network, &rec.Payer, &rec.Transaction, &rec.Reason, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (p *PostgresStore) Update(ctx context.Context, rec *Record) error {
	rec.UpdatedAt = time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE settlement_records
SET state = $2, payer = $3, transaction_id = $4, reason = $5, updated_at = $6
WHERE key = $1
`, rec.Key, rec.State, rec.Payer, rec.Transaction, rec.Reason, rec.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) Transition(ctx context.Context, rec *Record, from State) (bool, error) {
	rec.UpdatedAt = time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE settlement_records
SET state = $2, payer = $3, transaction_id = $4, reason = $5, updated_at = $6
WHERE key = $1 AND state = $7
`, rec.Key, rec.State, rec.Payer, rec.Transaction, rec.Reason, rec.UpdatedAt, from)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (p *PostgresStore) DeleteExpired(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := p.pool.Exec(ctx, `
DELETE FROM settlement_records
WHERE state IN ($1, $2, $3) AND updated_at < $4
`, StateRejected, StateConfirmed, StateFailed, cutoff)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
