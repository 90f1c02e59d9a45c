// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/archivegrove/sourcepipe/internal/research"
)

// StateStoreConfig controls the Postgres connection pool used for pipeline
// state rows.
type StateStoreConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type dbConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// StateStore persists pipeline states and artifacts as JSONB rows. Checkpoint
// writes are upserts keyed by query ID, so replays after a crash are safe.
type StateStore struct {
	pool dbConn
}

// NewStateStore creates a Postgres-backed StateStore using the provided config.
func NewStateStore(ctx context.Context, cfg StateStoreConfig) (*StateStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &StateStore{pool: pool}, nil
}

// NewStateStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewStateStoreWithPool(pool dbConn) (*StateStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &StateStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *StateStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// SaveState upserts the pipeline state row for a query.
func (s *StateStore) SaveState(ctx context.Context, state research.PipelineState) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("state store is not configured")
	}
	if state.QueryID == "" {
		return fmt.Errorf("query id is required")
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal pipeline state: %w", err)
	}
	query := `
INSERT INTO pipeline_states (query_id, stage, progress, submitted_at, updated_at, payload)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (query_id) DO UPDATE
SET stage = EXCLUDED.stage,
	progress = EXCLUDED.progress,
	updated_at = EXCLUDED.updated_at,
	payload = EXCLUDED.payload`
	args := []any{
		state.QueryID,
		string(state.Stage),
		state.Progress,
		state.Submitted,
		state.Updated,
		payload,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert pipeline state: %w", err)
	}
	return nil
}

// LoadState fetches the pipeline state row for a query.
func (s *StateStore) LoadState(ctx context.Context, queryID string) (research.PipelineState, error) {
	if s == nil || s.pool == nil {
		return research.PipelineState{}, fmt.Errorf("state store is not configured")
	}
	var payload []byte
	row := s.pool.QueryRow(ctx, `SELECT payload FROM pipeline_states WHERE query_id = $1`, queryID)
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return research.PipelineState{}, fmt.Errorf("state for query %s: %w", queryID, research.ErrNotFound)
		}
		return research.PipelineState{}, fmt.Errorf("select pipeline state: %w", err)
	}
	var state research.PipelineState
	if err := json.Unmarshal(payload, &state); err != nil {
		return research.PipelineState{}, fmt.Errorf("unmarshal pipeline state: %w", err)
	}
	return state, nil
}

// ListStates returns all pipeline states ordered by submission time, newest
// first.
func (s *StateStore) ListStates(ctx context.Context) ([]research.PipelineState, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("state store is not configured")
	}
	rows, err := s.pool.Query(ctx, `SELECT payload FROM pipeline_states ORDER BY submitted_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list pipeline states: %w", err)
	}
	defer rows.Close()

	var states []research.PipelineState
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan pipeline state row: %w", err)
		}
		var state research.PipelineState
		if err := json.Unmarshal(payload, &state); err != nil {
			return nil, fmt.Errorf("unmarshal pipeline state: %w", err)
		}
		states = append(states, state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pipeline state rows: %w", err)
	}
	return states, nil
}

// SaveArtifact upserts the assembled artifact row for a query.
func (s *StateStore) SaveArtifact(ctx context.Context, artifact research.Artifact) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("state store is not configured")
	}
	if artifact.QueryID == "" {
		return fmt.Errorf("query id is required")
	}
	payload, err := json.Marshal(artifact)
	if err != nil {
		return fmt.Errorf("marshal artifact: %w", err)
	}
	query := `
INSERT INTO artifacts (query_id, assembled_at, payload)
VALUES ($1, $2, $3)
ON CONFLICT (query_id) DO UPDATE
SET assembled_at = EXCLUDED.assembled_at,
	payload = EXCLUDED.payload`
	if _, err := s.pool.Exec(ctx, query, artifact.QueryID, artifact.AssembledAt, payload); err != nil {
		return fmt.Errorf("upsert artifact: %w", err)
	}
	return nil
}

// LoadArtifact fetches the assembled artifact row for a query.
func (s *StateStore) LoadArtifact(ctx context.Context, queryID string) (research.Artifact, error) {
	if s == nil || s.pool == nil {
		return research.Artifact{}, fmt.Errorf("state store is not configured")
	}
	var payload []byte
	row := s.pool.QueryRow(ctx, `SELECT payload FROM artifacts WHERE query_id = $1`, queryID)
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return research.Artifact{}, fmt.Errorf("artifact for query %s: %w", queryID, research.ErrNotFound)
		}
		return research.Artifact{}, fmt.Errorf("select artifact: %w", err)
	}
	var artifact research.Artifact
	if err := json.Unmarshal(payload, &artifact); err != nil {
		return research.Artifact{}, fmt.Errorf("unmarshal artifact: %w", err)
	}
	return artifact, nil
}
