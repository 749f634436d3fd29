package postgres

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Aman-CERP/chunkfusion/internal/errors"
	"github.com/Aman-CERP/chunkfusion/internal/store"
)

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// GroupStore implements store.GroupStore on PostgreSQL.
type GroupStore struct {
	s *Store
}

const groupColumns = `id, item_id, name, description, chunking_strategy, chunking_config,
	embedding_config, is_default, is_active, tags, created_at, updated_at, created_by`

// Get returns the group or NotFound.
func (g *GroupStore) Get(ctx context.Context, id string) (*store.Group, error) {
	if err := g.s.checkOpen(); err != nil {
		return nil, err
	}
	row := g.s.pool.QueryRow(ctx, `SELECT `+groupColumns+` FROM groups WHERE id = $1`, id)
	group, err := scanGroup(row)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("group", id)
	}
	return group, err
}

// Create inserts the group. Duplicate ids and duplicate defaults surface
// as unique violations and map to Conflict.
func (g *GroupStore) Create(ctx context.Context, group *store.Group) error {
	if err := g.s.checkOpen(); err != nil {
		return err
	}

	chunkingJSON, err := json.Marshal(group.ChunkingConfig)
	if err != nil {
		return fmt.Errorf("failed to encode chunking config: %w", err)
	}
	embeddingJSON, err := json.Marshal(group.EmbeddingConfig)
	if err != nil {
		return fmt.Errorf("failed to encode embedding config: %w", err)
	}
	tags := group.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("failed to encode tags: %w", err)
	}

	_, err = g.s.pool.Exec(ctx, `INSERT INTO groups(`+groupColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		group.ID, group.ItemID, group.Name, group.Description, group.ChunkingStrategy,
		string(chunkingJSON), string(embeddingJSON), group.IsDefault, group.IsActive,
		string(tagsJSON), store.FormatTime(group.CreatedAt), store.FormatTime(group.UpdatedAt), group.CreatedBy)
	if err != nil {
		var pgErr *pgconn.PgError
		if stderrors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			if pgErr.ConstraintName == "idx_groups_default" {
				return store.DefaultConflict(group)
			}
			return errors.Conflict(fmt.Sprintf("group %q already exists", group.ID))
		}
		return fmt.Errorf("failed to insert group: %w", err)
	}
	return nil
}

// Delete removes the group and reports whether it existed.
func (g *GroupStore) Delete(ctx context.Context, id string) (bool, error) {
	if err := g.s.checkOpen(); err != nil {
		return false, err
	}
	tag, err := g.s.pool.Exec(ctx, `DELETE FROM groups WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete group: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// List pages through groups with keyset pagination on (sort key, id).
func (g *GroupStore) List(ctx context.Context, q store.GroupQuery) (*store.GroupPage, error) {
	q, err := store.NormalizeGroupQuery(q)
	if err != nil {
		return nil, err
	}
	var cursor *store.PageCursor
	if q.PageToken != "" {
		c, err := store.DecodePageToken(q.PageToken, q.OrderBy)
		if err != nil {
			return nil, err
		}
		cursor = &c
	}
	if err := g.s.checkOpen(); err != nil {
		return nil, err
	}

	var args params
	conds := []string{"TRUE"}
	if q.ItemID != "" {
		conds = append(conds, "item_id = "+args.add(q.ItemID))
	}
	if q.ChunkingStrategy != "" {
		conds = append(conds, "chunking_strategy = "+args.add(q.ChunkingStrategy))
	}
	if q.DefaultOnly {
		conds = append(conds, "is_default")
	}
	if q.TextFilter != "" {
		like := args.add("%" + escapeLike(strings.ToLower(q.TextFilter)) + "%")
		conds = append(conds, fmt.Sprintf(
			`(LOWER(name) LIKE %[1]s OR LOWER(description) LIKE %[1]s OR LOWER(tags::text) LIKE %[1]s)`, like))
	}
	where := strings.Join(conds, " AND ")

	page := &store.GroupPage{}
	if err := g.s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM groups WHERE `+where, args...).Scan(&page.TotalSize); err != nil {
		return nil, fmt.Errorf("failed to count groups: %w", err)
	}

	keyColumn := `created_at COLLATE "C"`
	if q.OrderBy == store.OrderByName {
		keyColumn = `name COLLATE "C"`
	}
	if cursor != nil {
		key := args.add(cursor.Key)
		id := args.add(cursor.ID)
		where += fmt.Sprintf(` AND (%[1]s > %[2]s OR (%[1]s = %[2]s AND id COLLATE "C" > %[3]s))`, keyColumn, key, id)
	}

	rows, err := g.s.pool.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM groups WHERE %s ORDER BY %s ASC, id COLLATE "C" ASC LIMIT %d`,
		groupColumns, where, keyColumn, q.PageSize+1), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		group, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		page.Groups = append(page.Groups, group)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read groups: %w", err)
	}

	if len(page.Groups) > q.PageSize {
		page.Groups = page.Groups[:q.PageSize]
		page.NextPageToken = store.EncodePageToken(store.CursorFor(page.Groups[q.PageSize-1], q.OrderBy))
	}
	if page.Groups == nil {
		page.Groups = []*store.Group{}
	}
	return page, nil
}

// Close closes the shared pool.
func (g *GroupStore) Close() error {
	return g.s.Close()
}

func scanGroup(row pgx.Row) (*store.Group, error) {
	var group store.Group
	var chunkingJSON, embeddingJSON, tagsJSON []byte
	var created, updated string
	err := row.Scan(&group.ID, &group.ItemID, &group.Name, &group.Description, &group.ChunkingStrategy,
		&chunkingJSON, &embeddingJSON, &group.IsDefault, &group.IsActive, &tagsJSON, &created, &updated, &group.CreatedBy)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan group: %w", err)
	}

	if err := json.Unmarshal(chunkingJSON, &group.ChunkingConfig); err != nil {
		return nil, errors.New(errors.ErrCodeCorruptData, "group "+group.ID+": bad chunking config", err)
	}
	if err := json.Unmarshal(embeddingJSON, &group.EmbeddingConfig); err != nil {
		return nil, errors.New(errors.ErrCodeCorruptData, "group "+group.ID+": bad embedding config", err)
	}
	if err := json.Unmarshal(tagsJSON, &group.Tags); err != nil {
		return nil, errors.New(errors.ErrCodeCorruptData, "group "+group.ID+": bad tags", err)
	}
	if group.CreatedAt, err = store.ParseTime(created); err != nil {
		return nil, errors.New(errors.ErrCodeCorruptData, "group "+group.ID+": bad created_at", err)
	}
	if group.UpdatedAt, err = store.ParseTime(updated); err != nil {
		return nil, errors.New(errors.ErrCodeCorruptData, "group "+group.ID+": bad updated_at", err)
	}
	return &group, nil
}

// escapeLike escapes LIKE wildcards; backslash is the default escape.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

var _ store.GroupStore = (*GroupStore)(nil)
