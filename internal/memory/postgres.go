package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists generation state in PostgreSQL as JSONB documents.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS generation_states (
			project_id TEXT NOT NULL,
			episode_id TEXT NOT NULL,
			state JSONB NOT NULL,
			memory_version BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (project_id, episode_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_generation_states_updated ON generation_states (updated_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, key Key) (State, bool, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT state FROM generation_states WHERE project_id=$1 AND episode_id=$2`,
		key.ProjectID, key.EpisodeID,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, fmt.Errorf("query state: %w", err)
	}

	var state State
	if err := json.Unmarshal(raw, &state); err != nil {
		return State{}, false, fmt.Errorf("decode state: %w", err)
	}
	return state, true, nil
}

func (s *PostgresStore) Put(ctx context.Context, state State) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO generation_states (project_id, episode_id, state, memory_version, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (project_id, episode_id)
		 DO UPDATE SET state=EXCLUDED.state, memory_version=EXCLUDED.memory_version, updated_at=EXCLUDED.updated_at`,
		state.Key.ProjectID,
		state.Key.EpisodeID,
		raw,
		state.MemoryVersion,
		state.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, key Key) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM generation_states WHERE project_id=$1 AND episode_id=$2`,
		key.ProjectID, key.EpisodeID,
	)
	if err != nil {
		return fmt.Errorf("delete state: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
