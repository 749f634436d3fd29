package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/Aman-CERP/chunkfusion/internal/errors"
	"github.com/Aman-CERP/chunkfusion/internal/store"
)

// candidateOversample widens the index-ordered fetch before exact rescoring.
const candidateOversample = 4

// ChunkStore implements store.ChunkStore on PostgreSQL.
type ChunkStore struct {
	s *Store
}

const chunkColumns = `id, item_id, group_id, idx, title, content, embedding,
	strategy_json, metadata_json, created_at, updated_at`

// EnsureCollection records the collection and its partial HNSW index.
func (c *ChunkStore) EnsureCollection(ctx context.Context, key store.CollectionKey) error {
	if key.Dimension <= 0 {
		return errors.InvalidArgument("collection dimension must be positive")
	}
	if err := c.s.checkOpen(); err != nil {
		return err
	}

	name := key.String()
	_, err := c.s.pool.Exec(ctx,
		`INSERT INTO collections(name, provider, model, dimension) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (name) DO NOTHING`,
		name, key.Provider, key.Model, key.Dimension)
	if err != nil {
		return fmt.Errorf("failed to ensure collection %s: %w", key, err)
	}

	// The sanitized name is [a-z0-9_] only, so it is safe as a literal.
	index := pgx.Identifier{"idx_chunks_hnsw_" + name}.Sanitize()
	_, err = c.s.pool.Exec(ctx, fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS %s ON chunks
		 USING hnsw ((embedding::vector(%d)) vector_cosine_ops) WHERE collection = '%s'`,
		index, key.Dimension, name))
	if err != nil {
		return fmt.Errorf("failed to create vector index for %s: %w", key, err)
	}
	return nil
}

// Upsert validates the whole batch, then replaces rows keyed by
// (item_id, group_id, idx) in one transaction.
func (c *ChunkStore) Upsert(ctx context.Context, chunks []*store.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	if err := c.s.checkOpen(); err != nil {
		return err
	}

	return c.s.transact(ctx, func(tx pgx.Tx) error {
		known := make(map[string]bool)
		for _, ch := range chunks {
			if ch.ID == "" {
				return errors.InvalidArgument("chunk id is required")
			}
			key := ch.Strategy.EmbeddingConfig.CollectionKey()
			name := key.String()
			if _, checked := known[name]; !checked {
				var exists bool
				err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM collections WHERE name = $1)`, name).Scan(&exists)
				if err != nil {
					return fmt.Errorf("failed to look up collection: %w", err)
				}
				known[name] = exists
			}
			if !known[name] {
				return errors.NotFound("collection", name)
			}
			if err := store.CheckDimension(ch.Embedding, key.Dimension); err != nil {
				return err
			}
		}

		batch := &pgx.Batch{}
		for _, ch := range chunks {
			strategyJSON, err := json.Marshal(ch.Strategy)
			if err != nil {
				return fmt.Errorf("failed to encode strategy metadata: %w", err)
			}
			metadataJSON, err := json.Marshal(ch.Metadata)
			if err != nil {
				return fmt.Errorf("failed to encode chunk metadata: %w", err)
			}

			batch.Queue(`DELETE FROM chunks WHERE id = $1 OR (item_id = $2 AND group_id = $3 AND idx = $4)`,
				ch.ID, ch.ItemID, ch.GroupID, ch.Index)
			batch.Queue(`INSERT INTO chunks(
				id, collection, item_id, group_id, idx, title, content, embedding,
				chunking_strategy, provider, version, strategy_json, metadata_json,
				content_length, processing_duration, created_at, updated_at,
				title_tokens, content_tokens)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8::vector, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
				ch.ID, ch.Strategy.EmbeddingConfig.CollectionKey().String(),
				ch.ItemID, ch.GroupID, ch.Index, ch.Title, ch.Content,
				pgvector.NewVector(ch.Embedding),
				ch.Strategy.ChunkingStrategy, ch.Strategy.EmbeddingConfig.Provider, ch.Strategy.Version,
				string(strategyJSON), string(metadataJSON),
				int64(len(ch.Content)), int64(ch.Strategy.ProcessingDuration),
				store.FormatTime(ch.CreatedAt), store.FormatTime(ch.UpdatedAt),
				searchText(ch.Title), searchText(ch.Content))
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to write chunks: %w", err)
		}
		return nil
	})
}

// Query returns matching chunks across all collections.
func (c *ChunkStore) Query(ctx context.Context, q store.Query) ([]*store.Chunk, error) {
	if err := c.s.checkOpen(); err != nil {
		return nil, err
	}

	var args params
	where, ok := buildWhere(q.Predicate, &args)
	if !ok {
		return []*store.Chunk{}, nil
	}

	query := `SELECT ` + chunkColumns + ` FROM chunks WHERE ` + where
	if q.Sort.Field == store.SortByRelevance && q.Predicate.Text != "" {
		// ts_rank weights are {D, C, B, A}; titles are A and content D.
		query += fmt.Sprintf(
			` ORDER BY ts_rank('{%f, 0, 0, 1}'::float4[], search, to_tsquery('simple', %s)) DESC, %s`,
			1/c.s.titleBoost, args.add(tsQuery(q.Predicate.Text)), positionOrder)
	} else {
		query += ` ORDER BY ` + orderClause(q.Sort)
	}
	if q.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, q.Limit)
	}
	return c.queryChunks(ctx, query, args...)
}

// SimilarityQuery fetches distance-ordered candidates and rescores them
// exactly. The threshold is applied after rescoring since the distance
// expression is only safe to evaluate on rows already narrowed to the
// collection.
func (c *ChunkStore) SimilarityQuery(ctx context.Context, req store.SimilarityRequest) ([]store.ScoredChunk, error) {
	if err := store.CheckDimension(req.Vector, req.Collection.Dimension); err != nil {
		return nil, err
	}
	if err := c.s.checkOpen(); err != nil {
		return nil, err
	}

	var args params
	where, ok := buildWhere(req.Predicate, &args)
	if !ok {
		return []store.ScoredChunk{}, nil
	}
	vec := args.add(pgvector.NewVector(req.Vector))
	distance := fmt.Sprintf("(embedding::vector(%d) <=> %s::vector)", req.Collection.Dimension, vec)
	query := fmt.Sprintf(`SELECT %s FROM chunks WHERE collection = %s AND %s`,
		chunkColumns, args.add(req.Collection.String()), where)
	query += ` ORDER BY ` + distance + `, group_id, idx, item_id`
	if req.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, req.Limit*candidateOversample)
	}

	candidates, err := c.queryChunks(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	results := make([]store.ScoredChunk, 0, len(candidates))
	for _, ch := range candidates {
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
	if err := c.s.checkOpen(); err != nil {
		return 0, err
	}
	var args params
	where, ok := buildWhere(p, &args)
	if !ok {
		return 0, nil
	}
	var n int
	if err := c.s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM chunks WHERE `+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return n, nil
}

// DeleteByPredicate removes matching chunks.
func (c *ChunkStore) DeleteByPredicate(ctx context.Context, p store.Predicate) (int, error) {
	if err := c.s.checkOpen(); err != nil {
		return 0, err
	}
	var args params
	where, ok := buildWhere(p, &args)
	if !ok {
		return 0, nil
	}
	tag, err := c.s.pool.Exec(ctx, `DELETE FROM chunks WHERE `+where, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete chunks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// UpdateByPredicate applies patch row by row inside one transaction.
func (c *ChunkStore) UpdateByPredicate(ctx context.Context, p store.Predicate, patch store.ChunkPatch) (int, error) {
	if patch.IsEmpty() {
		return 0, nil
	}
	if err := c.s.checkOpen(); err != nil {
		return 0, err
	}
	var args params
	where, ok := buildWhere(p, &args)
	if !ok {
		return 0, nil
	}

	var updated int
	err := c.s.transact(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT `+chunkColumns+` FROM chunks WHERE `+where+` FOR UPDATE`, args...)
		if err != nil {
			return fmt.Errorf("failed to select chunks: %w", err)
		}
		matched, err := scanChunks(rows)
		if err != nil {
			return err
		}

		now := c.s.now()
		batch := &pgx.Batch{}
		for _, ch := range matched {
			patch.Apply(ch, now)
			strategyJSON, err := json.Marshal(ch.Strategy)
			if err != nil {
				return fmt.Errorf("failed to encode strategy metadata: %w", err)
			}
			metadataJSON, err := json.Marshal(ch.Metadata)
			if err != nil {
				return fmt.Errorf("failed to encode chunk metadata: %w", err)
			}
			batch.Queue(`UPDATE chunks
				SET title = $1, title_tokens = $2, version = $3, strategy_json = $4,
				    metadata_json = $5, updated_at = $6
				WHERE id = $7`,
				ch.Title, searchText(ch.Title), ch.Strategy.Version, string(strategyJSON),
				string(metadataJSON), store.FormatTime(ch.UpdatedAt), ch.ID)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to update chunks: %w", err)
		}
		updated = len(matched)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return updated, nil
}

// Aggregate summarises matching chunks per group in SQL.
func (c *ChunkStore) Aggregate(ctx context.Context, p store.Predicate) ([]store.GroupAggregate, error) {
	if err := c.s.checkOpen(); err != nil {
		return nil, err
	}
	var args params
	where, ok := buildWhere(p, &args)
	if !ok {
		return []store.GroupAggregate{}, nil
	}

	rows, err := c.s.pool.Query(ctx, `
		SELECT group_id, COUNT(*), SUM(content_length)::BIGINT, SUM(processing_duration)::BIGINT,
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
		var count, duration int64
		var oldest, newest string
		if err := rows.Scan(&agg.GroupID, &count, &agg.TotalContentLength, &duration, &oldest, &newest); err != nil {
			return nil, fmt.Errorf("failed to scan aggregate: %w", err)
		}
		agg.ChunkCount = int(count)
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

// Close closes the shared pool.
func (c *ChunkStore) Close() error {
	return c.s.Close()
}

func (c *ChunkStore) queryChunks(ctx context.Context, query string, args ...any) ([]*store.Chunk, error) {
	rows, err := c.s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("chunk query failed: %w", err)
	}
	return scanChunks(rows)
}

func scanChunks(rows pgx.Rows) ([]*store.Chunk, error) {
	defer rows.Close()

	chunks := make([]*store.Chunk, 0)
	for rows.Next() {
		var ch store.Chunk
		var vec pgvector.Vector
		var strategyJSON, metadataJSON []byte
		var created, updated string
		if err := rows.Scan(&ch.ID, &ch.ItemID, &ch.GroupID, &ch.Index, &ch.Title, &ch.Content,
			&vec, &strategyJSON, &metadataJSON, &created, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}

		ch.Embedding = vec.Slice()
		if err := json.Unmarshal(strategyJSON, &ch.Strategy); err != nil {
			return nil, errors.New(errors.ErrCodeCorruptData, "chunk "+ch.ID+": bad strategy metadata", err)
		}
		if err := json.Unmarshal(metadataJSON, &ch.Metadata); err != nil {
			return nil, errors.New(errors.ErrCodeCorruptData, "chunk "+ch.ID+": bad metadata", err)
		}
		var err error
		if ch.CreatedAt, err = store.ParseTime(created); err != nil {
			return nil, errors.New(errors.ErrCodeCorruptData, "chunk "+ch.ID+": bad created_at", err)
		}
		if ch.UpdatedAt, err = store.ParseTime(updated); err != nil {
			return nil, errors.New(errors.ErrCodeCorruptData, "chunk "+ch.ID+": bad updated_at", err)
		}
		chunks = append(chunks, &ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read chunks: %w", err)
	}
	return chunks, nil
}

const positionOrder = "item_id ASC, idx ASC, group_id ASC, id ASC"

// buildWhere renders p as a SQL condition, appending its values to args.
// ok is false when the predicate can match nothing, such as free text made
// only of stop words.
func buildWhere(p store.Predicate, args *params) (string, bool) {
	conds := []string{"TRUE"}
	in := func(column string, values []string) {
		if len(values) == 0 {
			return
		}
		conds = append(conds, fmt.Sprintf("%s = ANY(%s)", column, args.add(values)))
	}
	in("item_id", p.ItemIDs)
	in("group_id", p.GroupIDs)
	in("chunking_strategy", p.Strategies)
	in("provider", p.Providers)
	in("version", p.Versions)

	if !p.Created.From.IsZero() {
		conds = append(conds, "created_at >= "+args.add(store.FormatTime(p.Created.From)))
	}
	if !p.Created.To.IsZero() {
		conds = append(conds, "created_at <= "+args.add(store.FormatTime(p.Created.To)))
	}

	if p.Text != "" {
		q := tsQuery(p.Text)
		if q == "" {
			return "", false
		}
		conds = append(conds, "search @@ to_tsquery('simple', "+args.add(q)+")")
	}

	return strings.Join(conds, " AND "), true
}

func orderClause(s store.Sort) string {
	dir := "ASC"
	if s.Desc {
		dir = "DESC"
	}
	switch s.Field {
	case store.SortByTitle:
		return "title COLLATE \"C\" " + dir + ", " + positionOrder
	case store.SortByCreatedAt:
		return "created_at " + dir + ", " + positionOrder
	case store.SortByUpdatedAt:
		return "updated_at " + dir + ", " + positionOrder
	default:
		return positionOrder
	}
}

// searchText pre-tokenizes text the same way queries are tokenized.
func searchText(text string) string {
	return strings.Join(store.Tokenize(text), " ")
}

// tsQuery builds a tsquery matching any non-stop-word token. Tokens are
// letters and digits only, so no operator escaping is needed.
func tsQuery(text string) string {
	tokens := store.FilterStopWords(store.Tokenize(text), store.BuildStopWordMap(store.DefaultStopWords))
	return strings.Join(tokens, " | ")
}

var _ store.ChunkStore = (*ChunkStore)(nil)
