// Package postgres implements the chunk and group stores on PostgreSQL
// with the pgvector extension.
//
// All collections share one chunks table. EnsureCollection adds a partial
// HNSW index per collection so similarity queries stay index-assisted while
// the candidates are rescored exactly in process.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Aman-CERP/chunkfusion/internal/errors"
	"github.com/Aman-CERP/chunkfusion/internal/store"
)

// Config configures the PostgreSQL backend.
type Config struct {
	// DSN is a libpq connection string or URL.
	DSN string

	// Schema places all tables in a dedicated schema. Empty uses the
	// connection's search_path.
	Schema string

	// TitleBoost is the rank weight of title matches relative to content.
	TitleBoost float64

	// MaxConns caps the pool size. Zero keeps the pgxpool default.
	MaxConns int32

	// Clock overrides the time source. Used by tests.
	Clock func() time.Time
}

// Store is the PostgreSQL backend.
type Store struct {
	pool       *pgxpool.Pool
	titleBoost float64
	now        func() time.Time
	closed     atomic.Bool

	chunks *ChunkStore
	groups *GroupStore
}

// Open connects, retrying transient failures, and creates the schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.ConfigError("postgres DSN is required", nil)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, errors.ConfigError("invalid postgres DSN", err)
	}
	if cfg.Schema != "" {
		poolCfg.ConnConfig.RuntimeParams["search_path"] = cfg.Schema + ",public"
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := errors.RetryWithResult(ctx, errors.StoreRetryConfig(), func() (*pgxpool.Pool, error) {
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, errors.StoreUnavailable("connect", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, errors.StoreUnavailable("ping", err)
		}
		return pool, nil
	})
	if err != nil {
		return nil, err
	}

	if err := migrate(ctx, pool, cfg.Schema); err != nil {
		pool.Close()
		return nil, err
	}

	boost := cfg.TitleBoost
	if boost <= 0 {
		boost = store.DefaultTitleBoost
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}

	s := &Store{pool: pool, titleBoost: boost, now: now}
	s.chunks = &ChunkStore{s: s}
	s.groups = &GroupStore{s: s}

	slog.Debug("postgres_store_opened", slog.String("schema", cfg.Schema))
	return s, nil
}

// Chunks returns the chunk store.
func (s *Store) Chunks() store.ChunkStore { return s.chunks }

// Groups returns the group store.
func (s *Store) Groups() store.GroupStore { return s.groups }

// Pool exposes the connection pool for maintenance tasks.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Close releases the pool. Safe to call more than once.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *Store) checkOpen() error {
	if s.closed.Load() {
		return fmt.Errorf("postgres store is closed")
	}
	return nil
}

// transact runs fn inside one transaction, rolling back on error.
func (s *Store) transact(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("tx rollback failed: %v (original err: %w)", rbErr, err)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func migrate(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	stmts := []string{`CREATE EXTENSION IF NOT EXISTS vector`}
	if schema != "" {
		stmts = append(stmts, `CREATE SCHEMA IF NOT EXISTS `+pgx.Identifier{schema}.Sanitize())
	}
	stmts = append(stmts, schemaStatements...)
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS collections (
		name      TEXT PRIMARY KEY,
		provider  TEXT NOT NULL,
		model     TEXT NOT NULL,
		dimension INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS chunks (
		id                  TEXT PRIMARY KEY,
		collection          TEXT NOT NULL REFERENCES collections(name),
		item_id             TEXT NOT NULL,
		group_id            TEXT NOT NULL,
		idx                 INTEGER NOT NULL,
		title               TEXT NOT NULL,
		content             TEXT NOT NULL,
		embedding           vector NOT NULL,
		chunking_strategy   TEXT NOT NULL,
		provider            TEXT NOT NULL,
		version             TEXT NOT NULL,
		strategy_json       JSONB NOT NULL,
		metadata_json       JSONB NOT NULL,
		content_length      BIGINT NOT NULL,
		processing_duration BIGINT NOT NULL,
		created_at          TEXT NOT NULL,
		updated_at          TEXT NOT NULL,
		title_tokens        TEXT NOT NULL,
		content_tokens      TEXT NOT NULL,
		search              tsvector GENERATED ALWAYS AS (
			setweight(to_tsvector('simple', title_tokens), 'A') ||
			setweight(to_tsvector('simple', content_tokens), 'D')) STORED,
		UNIQUE (item_id, group_id, idx)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chunks_collection ON chunks(collection)`,
	`CREATE INDEX IF NOT EXISTS idx_chunks_group ON chunks(group_id)`,
	`CREATE INDEX IF NOT EXISTS idx_chunks_search ON chunks USING gin(search)`,
	`CREATE TABLE IF NOT EXISTS groups (
		id                TEXT PRIMARY KEY,
		item_id           TEXT NOT NULL DEFAULT '',
		name              TEXT NOT NULL,
		description       TEXT NOT NULL,
		chunking_strategy TEXT NOT NULL,
		chunking_config   JSONB NOT NULL,
		embedding_config  JSONB NOT NULL,
		is_default        BOOLEAN NOT NULL,
		is_active         BOOLEAN NOT NULL,
		tags              JSONB NOT NULL,
		created_at        TEXT NOT NULL,
		updated_at        TEXT NOT NULL,
		created_by        TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_groups_item ON groups(item_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_groups_default
		ON groups(item_id, chunking_strategy) WHERE is_default`,
}

// params accumulates positional arguments and hands out $n placeholders.
type params []any

func (p *params) add(v any) string {
	*p = append(*p, v)
	return "$" + strconv.Itoa(len(*p))
}

var _ store.Store = (*Store)(nil)
