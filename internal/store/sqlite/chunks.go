package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/Aman-CERP/chunkfusion/internal/errors"
	"github.com/Aman-CERP/chunkfusion/internal/store"
)

// ChunkStore implements store.ChunkStore on SQLite.
type ChunkStore struct {
	s *Store
}

const chunkColumns = `id, item_id, group_id, idx, title, content, embedding,
	strategy_json, metadata_json, created_at, updated_at`

// EnsureCollection records the collection if absent.
func (c *ChunkStore) EnsureCollection(ctx context.Context, key store.CollectionKey) error {
	if key.Dimension <= 0 {
		return errors.InvalidArgument("collection dimension must be positive")
	}

	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	if err := c.s.checkOpen(); err != nil {
		return err
	}
	_, err := c.s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO collections(name, provider, model, dimension) VALUES (?, ?, ?, ?)`,
		key.String(), key.Provider, key.Model, key.Dimension)
	if err != nil {
		return fmt.Errorf("failed to ensure collection %s: %w", key, err)
	}
	return nil
}

// Upsert validates the whole batch, then replaces rows keyed by
// (item_id, group_id, idx) in one transaction.
func (c *ChunkStore) Upsert(ctx context.Context, chunks []*store.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	if err := c.s.checkOpen(); err != nil {
		return err
	}

	tx, err := c.s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	known := make(map[string]bool)
	for _, ch := range chunks {
		if ch.ID == "" {
			return errors.InvalidArgument("chunk id is required")
		}
		key := ch.Strategy.EmbeddingConfig.CollectionKey()
		name := key.String()
		if _, checked := known[name]; !checked {
			var n int
			if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM collections WHERE name = ?`, name).Scan(&n); err != nil {
				return fmt.Errorf("failed to look up collection: %w", err)
			}
			known[name] = n > 0
		}
		if !known[name] {
			return errors.NotFound("collection", name)
		}
		if err := store.CheckDimension(ch.Embedding, key.Dimension); err != nil {
			return err
		}
	}

	// FTS5 virtual tables don't support REPLACE, so stale rows are deleted first.
	deleteFTS, err := tx.PrepareContext(ctx,
		`DELETE FROM chunks_fts WHERE chunk_id IN (
			SELECT id FROM chunks WHERE id = ? OR (item_id = ? AND group_id = ? AND idx = ?))`)
	if err != nil {
		return fmt.Errorf("failed to prepare FTS delete: %w", err)
	}
	defer deleteFTS.Close()

	deleteRow, err := tx.PrepareContext(ctx,
		`DELETE FROM chunks WHERE id = ? OR (item_id = ? AND group_id = ? AND idx = ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare delete: %w", err)
	}
	defer deleteRow.Close()

	insertRow, err := tx.PrepareContext(ctx, `INSERT INTO chunks(
		id, collection, item_id, group_id, idx, title, content, embedding,
		chunking_strategy, provider, version, strategy_json, metadata_json,
		content_length, processing_duration, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer insertRow.Close()

	insertFTS, err := tx.PrepareContext(ctx,
		`INSERT INTO chunks_fts(chunk_id, title, content) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare FTS insert: %w", err)
	}
	defer insertFTS.Close()

	for _, ch := range chunks {
		keyArgs := []any{ch.ID, ch.ItemID, ch.GroupID, ch.Index}
		if _, err := deleteFTS.ExecContext(ctx, keyArgs...); err != nil {
			return fmt.Errorf("failed to clear FTS for chunk %s: %w", ch.ID, err)
		}
		if _, err := deleteRow.ExecContext(ctx, keyArgs...); err != nil {
			return fmt.Errorf("failed to clear chunk %s: %w", ch.ID, err)
		}

		strategyJSON, err := json.Marshal(ch.Strategy)
		if err != nil {
			return fmt.Errorf("failed to encode strategy metadata: %w", err)
		}
		metadataJSON, err := json.Marshal(ch.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode chunk metadata: %w", err)
		}

		_, err = insertRow.ExecContext(ctx,
			ch.ID, ch.Strategy.EmbeddingConfig.CollectionKey().String(),
			ch.ItemID, ch.GroupID, ch.Index, ch.Title, ch.Content,
			encodeEmbedding(ch.Embedding),
			ch.Strategy.ChunkingStrategy, ch.Strategy.EmbeddingConfig.Provider, ch.Strategy.Version,
			string(strategyJSON), string(metadataJSON),
			len(ch.Content), int64(ch.Strategy.ProcessingDuration),
			store.FormatTime(ch.CreatedAt), store.FormatTime(ch.UpdatedAt))
		if err != nil {
			return fmt.Errorf("failed to insert chunk %s: %w", ch.ID, err)
		}
		if _, err := insertFTS.ExecContext(ctx, ch.ID, ftsText(ch.Title), ftsText(ch.Content)); err != nil {
			return fmt.Errorf("failed to index chunk %s: %w", ch.ID, err)
		}
	}

	return tx.Commit()
}

// Query returns matching chunks across all collections.
func (c *ChunkStore) Query(ctx context.Context, q store.Query) ([]*store.Chunk, error) {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()

	if err := c.s.checkOpen(); err != nil {
		return nil, err
	}

	where, args, ok := buildWhere(q.Predicate)
	if !ok {
		return []*store.Chunk{}, nil
	}

	relevance := q.Sort.Field == store.SortByRelevance && q.Predicate.Text != ""
	query := `SELECT ` + chunkColumns + ` FROM chunks WHERE ` + where
	if !relevance {
		query += ` ORDER BY ` + orderClause(q.Sort)
		if q.Limit > 0 {
			query += fmt.Sprintf(` LIMIT %d`, q.Limit)
		}
	}

	chunks, err := c.queryChunks(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if !relevance {
		return chunks, nil
	}

	scores, err := c.textScores(ctx, q.Predicate.Text)
	if err != nil {
		return nil, err
	}
	store.SortChunksBy(chunks, q.Sort, scores)
	if q.Limit > 0 && len(chunks) > q.Limit {
		chunks = chunks[:q.Limit]
	}
	return chunks, nil
}

// textScores returns bm25 relevance per chunk id, higher is better.
func (c *ChunkStore) textScores(ctx context.Context, text string) (map[string]float64, error) {
	match := ftsMatch(text)
	scores := make(map[string]float64)
	if match == "" {
		return scores, nil
	}
	rows, err := c.s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT chunk_id, bm25(chunks_fts, 0.0, %f, 1.0) FROM chunks_fts WHERE chunks_fts MATCH ?`,
		c.s.titleBoost), match)
	if err != nil {
		return nil, fmt.Errorf("text search failed: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var score float64
		if err := rows.Scan(&id, &score); err != nil {
			return nil, fmt.Errorf("failed to scan score: %w", err)
		}
		// bm25() is negative where lower is better.
		scores[id] = -score
	}
	return scores, rows.Err()
}

// SimilarityQuery scores the collection's matching rows in process.
func (c *ChunkStore) SimilarityQuery(ctx context.Context, req store.SimilarityRequest) ([]store.ScoredChunk, error) {
	if err := store.CheckDimension(req.Vector, req.Collection.Dimension); err != nil {
		return nil, err
	}

	c.s.mu.RLock()
	defer c.s.mu.RUnlock()

	if err := c.s.checkOpen(); err != nil {
		return nil, err
	}

	where, args, ok := buildWhere(req.Predicate)
	if !ok {
		return []store.ScoredChunk{}, nil
	}
	query := `SELECT ` + chunkColumns + ` FROM chunks WHERE collection = ? AND ` + where
	args = append([]any{req.Collection.String()}, args...)

	candidates, err := c.queryChunks(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	results := make([]store.ScoredChunk, 0, len(candidates))
	for _, ch := range candidates {
		if err := store.CheckDimension(ch.Embedding, req.Collection.Dimension); err != nil {
			return nil, err
		}
		cos, err := store.CosineSimilarity(req.Vector, ch.Embedding)
		if err != nil {
			return nil, err
		}
		score := store.ShiftScore(cos)
		if score < req.MinScore {
			continue
		}
		results = append(results, store.ScoredChunk{Chunk: ch, Score: score, Similarity: cos})
	}

	store.SortScored(results)
	if req.Limit > 0 && len(results) > req.Limit {
		results = results[:req.Limit]
	}
	return results, nil
}

// Count returns the number of matching chunks.
func (c *ChunkStore) Count(ctx context.Context, p store.Predicate) (int, error) {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()

	if err := c.s.checkOpen(); err != nil {
		return 0, err
	}
	where, args, ok := buildWhere(p)
	if !ok {
		return 0, nil
	}
	var n int
	if err := c.s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks WHERE `+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return n, nil
}

// DeleteByPredicate removes matching chunks and their FTS rows.
func (c *ChunkStore) DeleteByPredicate(ctx context.Context, p store.Predicate) (int, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	if err := c.s.checkOpen(); err != nil {
		return 0, err
	}
	where, args, ok := buildWhere(p)
	if !ok {
		return 0, nil
	}

	tx, err := c.s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM chunks_fts WHERE chunk_id IN (SELECT id FROM chunks WHERE `+where+`)`, args...); err != nil {
		return 0, fmt.Errorf("failed to delete from FTS: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE `+where, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete chunks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read deleted count: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit delete: %w", err)
	}
	return int(n), nil
}

// UpdateByPredicate applies patch row by row inside one transaction.
func (c *ChunkStore) UpdateByPredicate(ctx context.Context, p store.Predicate, patch store.ChunkPatch) (int, error) {
	if patch.IsEmpty() {
		return 0, nil
	}

	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	if err := c.s.checkOpen(); err != nil {
		return 0, err
	}
	where, args, ok := buildWhere(p)
	if !ok {
		return 0, nil
	}

	tx, err := c.s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `SELECT `+chunkColumns+` FROM chunks WHERE `+where, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to select chunks: %w", err)
	}
	matched, err := scanChunks(rows)
	if err != nil {
		return 0, err
	}

	now := c.s.now()
	for _, ch := range matched {
		patch.Apply(ch, now)
		strategyJSON, err := json.Marshal(ch.Strategy)
		if err != nil {
			return 0, fmt.Errorf("failed to encode strategy metadata: %w", err)
		}
		metadataJSON, err := json.Marshal(ch.Metadata)
		if err != nil {
			return 0, fmt.Errorf("failed to encode chunk metadata: %w", err)
		}
		_, err = tx.ExecContext(ctx, `UPDATE chunks
			SET title = ?, version = ?, strategy_json = ?, metadata_json = ?, updated_at = ?
			WHERE id = ?`,
			ch.Title, ch.Strategy.Version, string(strategyJSON), string(metadataJSON),
			store.FormatTime(ch.UpdatedAt), ch.ID)
		if err != nil {
			return 0, fmt.Errorf("failed to update chunk %s: %w", ch.ID, err)
		}
		if patch.Title != nil {
			if _, err := tx.ExecContext(ctx, `UPDATE chunks_fts SET title = ? WHERE chunk_id = ?`,
				ftsText(ch.Title), ch.ID); err != nil {
				return 0, fmt.Errorf("failed to reindex chunk %s: %w", ch.ID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit update: %w", err)
	}
	return len(matched), nil
}

// Aggregate summarises matching chunks per group in SQL.
func (c *ChunkStore) Aggregate(ctx context.Context, p store.Predicate) ([]store.GroupAggregate, error) {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()

	if err := c.s.checkOpen(); err != nil {
		return nil, err
	}
	where, args, ok := buildWhere(p)
	if !ok {
		return []store.GroupAggregate{}, nil
	}

	rows, err := c.s.db.QueryContext(ctx, `
		SELECT group_id, COUNT(*), SUM(content_length), SUM(processing_duration),
		       MIN(created_at), MAX(updated_at)
		FROM chunks WHERE `+where+`
		GROUP BY group_id ORDER BY group_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate chunks: %w", err)
	}
	defer rows.Close()

	out := make([]store.GroupAggregate, 0)
	for rows.Next() {
		var agg store.GroupAggregate
		var duration int64
		var oldest, newest string
		if err := rows.Scan(&agg.GroupID, &agg.ChunkCount, &agg.TotalContentLength, &duration, &oldest, &newest); err != nil {
			return nil, fmt.Errorf("failed to scan aggregate: %w", err)
		}
		agg.TotalProcessingDuration = time.Duration(duration)
		if agg.OldestCreatedAt, err = store.ParseTime(oldest); err != nil {
			return nil, errors.New(errors.ErrCodeCorruptData, "bad created_at", err)
		}
		if agg.NewestUpdatedAt, err = store.ParseTime(newest); err != nil {
			return nil, errors.New(errors.ErrCodeCorruptData, "bad updated_at", err)
		}
		out = append(out, agg)
	}
	return out, rows.Err()
}

// Close closes the shared database.
func (c *ChunkStore) Close() error {
	return c.s.Close()
}

func (c *ChunkStore) queryChunks(ctx context.Context, query string, args ...any) ([]*store.Chunk, error) {
	rows, err := c.s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("chunk query failed: %w", err)
	}
	return scanChunks(rows)
}

func scanChunks(rows *sql.Rows) ([]*store.Chunk, error) {
	defer rows.Close()

	chunks := make([]*store.Chunk, 0)
	for rows.Next() {
		var ch store.Chunk
		var blob []byte
		var strategyJSON, metadataJSON, created, updated string
		if err := rows.Scan(&ch.ID, &ch.ItemID, &ch.GroupID, &ch.Index, &ch.Title, &ch.Content,
			&blob, &strategyJSON, &metadataJSON, &created, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}

		emb, err := decodeEmbedding(blob)
		if err != nil {
			return nil, errors.New(errors.ErrCodeCorruptData, "chunk "+ch.ID+": "+err.Error(), err)
		}
		ch.Embedding = emb
		if err := json.Unmarshal([]byte(strategyJSON), &ch.Strategy); err != nil {
			return nil, errors.New(errors.ErrCodeCorruptData, "chunk "+ch.ID+": bad strategy metadata", err)
		}
		if err := json.Unmarshal([]byte(metadataJSON), &ch.Metadata); err != nil {
			return nil, errors.New(errors.ErrCodeCorruptData, "chunk "+ch.ID+": bad metadata", err)
		}
		if ch.CreatedAt, err = store.ParseTime(created); err != nil {
			return nil, errors.New(errors.ErrCodeCorruptData, "chunk "+ch.ID+": bad created_at", err)
		}
		if ch.UpdatedAt, err = store.ParseTime(updated); err != nil {
			return nil, errors.New(errors.ErrCodeCorruptData, "chunk "+ch.ID+": bad updated_at", err)
		}
		chunks = append(chunks, &ch)
	}
	return chunks, rows.Err()
}

// buildWhere renders p as a SQL condition. ok is false when the predicate can
// match nothing, such as free text made only of stop words.
func buildWhere(p store.Predicate) (where string, args []any, ok bool) {
	conds := []string{"1 = 1"}
	in := func(column string, values []string) {
		if len(values) == 0 {
			return
		}
		conds = append(conds, fmt.Sprintf("%s IN (%s)", column, placeholders(len(values))))
		for _, v := range values {
			args = append(args, v)
		}
	}
	in("item_id", p.ItemIDs)
	in("group_id", p.GroupIDs)
	in("chunking_strategy", p.Strategies)
	in("provider", p.Providers)
	in("version", p.Versions)

	if !p.Created.From.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, store.FormatTime(p.Created.From))
	}
	if !p.Created.To.IsZero() {
		conds = append(conds, "created_at <= ?")
		args = append(args, store.FormatTime(p.Created.To))
	}

	if p.Text != "" {
		match := ftsMatch(p.Text)
		if match == "" {
			return "", nil, false
		}
		conds = append(conds, "id IN (SELECT chunk_id FROM chunks_fts WHERE chunks_fts MATCH ?)")
		args = append(args, match)
	}

	return strings.Join(conds, " AND "), args, true
}

func orderClause(s store.Sort) string {
	dir := "ASC"
	if s.Desc {
		dir = "DESC"
	}
	const position = "item_id ASC, idx ASC, group_id ASC, id ASC"
	switch s.Field {
	case store.SortByTitle:
		return "title " + dir + ", " + position
	case store.SortByCreatedAt:
		return "created_at " + dir + ", " + position
	case store.SortByUpdatedAt:
		return "updated_at " + dir + ", " + position
	default:
		return position
	}
}

// ftsText pre-tokenizes text the same way queries are tokenized.
func ftsText(text string) string {
	return strings.Join(store.Tokenize(text), " ")
}

// ftsMatch builds an FTS5 query matching any non-stop-word token.
func ftsMatch(text string) string {
	tokens := store.FilterStopWords(store.Tokenize(text), store.BuildStopWordMap(store.DefaultStopWords))
	if len(tokens) == 0 {
		return ""
	}
	quoted := make([]string, len(tokens))
	for i, t := range tokens {
		quoted[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}
	return strings.Join(quoted, " OR ")
}

func encodeEmbedding(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeEmbedding(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("embedding blob length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

var _ store.ChunkStore = (*ChunkStore)(nil)
