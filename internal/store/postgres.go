package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"collabtext/internal/codec"
)

const schema = `CREATE TABLE IF NOT EXISTS document_states (
	document_id TEXT PRIMARY KEY,
	state       BYTEA NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresStore saves merged state in the document_states table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to databaseURL and makes sure the table exists.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates the state table if needed.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create document_states: %w", err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, doc codec.DocumentID) ([]byte, error) {
	var state []byte
	err := s.pool.QueryRow(ctx,
		`SELECT state FROM document_states WHERE document_id = $1`, string(doc),
	).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load %s: %v", ErrPersistenceUnavailable, doc, err)
	}
	return state, nil
}

func (s *PostgresStore) Save(ctx context.Context, doc codec.DocumentID, state []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO document_states (document_id, state, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (document_id) DO UPDATE SET state = EXCLUDED.state, updated_at = now()`,
		string(doc), state,
	)
	if err != nil {
		return fmt.Errorf("%w: save %s: %v", ErrPersistenceUnavailable, doc, err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
