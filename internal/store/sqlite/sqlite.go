// Package sqlite implements the chunk and group stores on SQLite.
//
// Free text uses an FTS5 table with bm25 column weights so title matches
// outrank content matches. Embeddings are stored as little-endian float32
// blobs and scored in process.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	"github.com/Aman-CERP/chunkfusion/internal/store"
)

// Config configures the SQLite backend.
type Config struct {
	// Path is the database file. Empty opens a private in-memory database.
	Path string

	// TitleBoost is the bm25 weight of the title column relative to content.
	TitleBoost float64

	// Clock overrides the time source. Used by tests.
	Clock func() time.Time
}

// Store is the SQLite backend. One connection serialises all access.
type Store struct {
	mu         sync.RWMutex
	db         *sql.DB
	path       string
	titleBoost float64
	now        func() time.Time
	closed     bool

	chunks *ChunkStore
	groups *GroupStore
}

// Open opens or creates the database at cfg.Path.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	var dsn string
	if cfg.Path == "" {
		dsn = ":memory:"
	} else {
		dir := filepath.Dir(cfg.Path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
		dsn = cfg.Path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer to prevent lock contention; also keeps :memory: alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// DSN params may be ignored by modernc.org/sqlite.
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -65536",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	boost := cfg.TitleBoost
	if boost <= 0 {
		boost = store.DefaultTitleBoost
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}

	s := &Store{db: db, path: cfg.Path, titleBoost: boost, now: now}
	s.chunks = &ChunkStore{s: s}
	s.groups = &GroupStore{s: s}

	slog.Debug("sqlite_store_opened", slog.String("path", dsn))
	return s, nil
}

// Chunks returns the chunk store.
func (s *Store) Chunks() store.ChunkStore { return s.chunks }

// Groups returns the group store.
func (s *Store) Groups() store.GroupStore { return s.groups }

// Close checkpoints the WAL and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.path != "" {
		_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	}
	return s.db.Close()
}

func (s *Store) checkOpen() error {
	if s.closed {
		return fmt.Errorf("sqlite store is closed")
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS collections (
	name      TEXT PRIMARY KEY,
	provider  TEXT NOT NULL,
	model     TEXT NOT NULL,
	dimension INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS chunks (
	id                  TEXT PRIMARY KEY,
	collection          TEXT NOT NULL,
	item_id             TEXT NOT NULL,
	group_id            TEXT NOT NULL,
	idx                 INTEGER NOT NULL,
	title               TEXT NOT NULL,
	content             TEXT NOT NULL,
	embedding           BLOB NOT NULL,
	chunking_strategy   TEXT NOT NULL,
	provider            TEXT NOT NULL,
	version             TEXT NOT NULL,
	strategy_json       TEXT NOT NULL,
	metadata_json       TEXT NOT NULL,
	content_length      INTEGER NOT NULL,
	processing_duration INTEGER NOT NULL,
	created_at          TEXT NOT NULL,
	updated_at          TEXT NOT NULL,
	UNIQUE (item_id, group_id, idx)
);
CREATE INDEX IF NOT EXISTS idx_chunks_collection ON chunks(collection);
CREATE INDEX IF NOT EXISTS idx_chunks_group ON chunks(group_id);

-- Pre-tokenized title and content; chunk_id is stored but not searchable.
CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
	chunk_id UNINDEXED,
	title,
	content,
	tokenize='unicode61'
);

CREATE TABLE IF NOT EXISTS groups (
	id                TEXT PRIMARY KEY,
	item_id           TEXT NOT NULL DEFAULT '',
	name              TEXT NOT NULL,
	description       TEXT NOT NULL,
	chunking_strategy TEXT NOT NULL,
	chunking_config   TEXT NOT NULL,
	embedding_config  TEXT NOT NULL,
	is_default        INTEGER NOT NULL,
	is_active         INTEGER NOT NULL,
	tags              TEXT NOT NULL,
	created_at        TEXT NOT NULL,
	updated_at        TEXT NOT NULL,
	created_by        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_groups_item ON groups(item_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_groups_default
	ON groups(item_id, chunking_strategy) WHERE is_default = 1;

INSERT OR IGNORE INTO schema_version (version) VALUES (1);
`

// placeholders returns "?,?,?" for n values.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

var _ store.Store = (*Store)(nil)
