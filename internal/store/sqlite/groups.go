package sqlite

import (
	"context"
	"database/sql"
	stderrors "errors"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Aman-CERP/chunkfusion/internal/errors"
	"github.com/Aman-CERP/chunkfusion/internal/store"
)

// GroupStore implements store.GroupStore on SQLite.
type GroupStore struct {
	s *Store
}

const groupColumns = `id, item_id, name, description, chunking_strategy, chunking_config,
	embedding_config, is_default, is_active, tags, created_at, updated_at, created_by`

// Get returns the group or NotFound.
func (g *GroupStore) Get(ctx context.Context, id string) (*store.Group, error) {
	g.s.mu.RLock()
	defer g.s.mu.RUnlock()

	if err := g.s.checkOpen(); err != nil {
		return nil, err
	}
	row := g.s.db.QueryRowContext(ctx, `SELECT `+groupColumns+` FROM groups WHERE id = ?`, id)
	group, err := scanGroup(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFound("group", id)
	}
	return group, err
}

// Create inserts the group, rejecting duplicate ids and duplicate defaults.
func (g *GroupStore) Create(ctx context.Context, group *store.Group) error {
	g.s.mu.Lock()
	defer g.s.mu.Unlock()

	if err := g.s.checkOpen(); err != nil {
		return err
	}

	var n int
	if err := g.s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM groups WHERE id = ?`, group.ID).Scan(&n); err != nil {
		return fmt.Errorf("failed to check group id: %w", err)
	}
	if n > 0 {
		return errors.Conflict(fmt.Sprintf("group %q already exists", group.ID))
	}
	if group.IsDefault {
		err := g.s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM groups WHERE is_default = 1 AND item_id = ? AND chunking_strategy = ?`,
			group.ItemID, group.ChunkingStrategy).Scan(&n)
		if err != nil {
			return fmt.Errorf("failed to check default group: %w", err)
		}
		if n > 0 {
			return store.DefaultConflict(group)
		}
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

	_, err = g.s.db.ExecContext(ctx, `INSERT INTO groups(`+groupColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		group.ID, group.ItemID, group.Name, group.Description, group.ChunkingStrategy,
		string(chunkingJSON), string(embeddingJSON), boolToInt(group.IsDefault), boolToInt(group.IsActive),
		string(tagsJSON), store.FormatTime(group.CreatedAt), store.FormatTime(group.UpdatedAt), group.CreatedBy)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return errors.Conflict(err.Error())
		}
		return fmt.Errorf("failed to insert group: %w", err)
	}
	return nil
}

// Delete removes the group and reports whether it existed.
func (g *GroupStore) Delete(ctx context.Context, id string) (bool, error) {
	g.s.mu.Lock()
	defer g.s.mu.Unlock()

	if err := g.s.checkOpen(); err != nil {
		return false, err
	}
	res, err := g.s.db.ExecContext(ctx, `DELETE FROM groups WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete group: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read deleted count: %w", err)
	}
	return n > 0, nil
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

	g.s.mu.RLock()
	defer g.s.mu.RUnlock()

	if err := g.s.checkOpen(); err != nil {
		return nil, err
	}

	conds := []string{"1 = 1"}
	var args []any
	if q.ItemID != "" {
		conds = append(conds, "item_id = ?")
		args = append(args, q.ItemID)
	}
	if q.ChunkingStrategy != "" {
		conds = append(conds, "chunking_strategy = ?")
		args = append(args, q.ChunkingStrategy)
	}
	if q.DefaultOnly {
		conds = append(conds, "is_default = 1")
	}
	if q.TextFilter != "" {
		like := "%" + escapeLike(strings.ToLower(q.TextFilter)) + "%"
		conds = append(conds, `(LOWER(name) LIKE ? ESCAPE '\' OR LOWER(description) LIKE ? ESCAPE '\' OR LOWER(tags) LIKE ? ESCAPE '\')`)
		args = append(args, like, like, like)
	}
	where := strings.Join(conds, " AND ")

	page := &store.GroupPage{}
	if err := g.s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM groups WHERE `+where, args...).Scan(&page.TotalSize); err != nil {
		return nil, fmt.Errorf("failed to count groups: %w", err)
	}

	keyColumn := "created_at"
	if q.OrderBy == store.OrderByName {
		keyColumn = "name"
	}
	if cursor != nil {
		where += fmt.Sprintf(" AND (%[1]s > ? OR (%[1]s = ? AND id > ?))", keyColumn)
		args = append(args, cursor.Key, cursor.Key, cursor.ID)
	}

	rows, err := g.s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT %s FROM groups WHERE %s ORDER BY %s ASC, id ASC LIMIT %d`,
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

// Close closes the shared database.
func (g *GroupStore) Close() error {
	return g.s.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGroup(row rowScanner) (*store.Group, error) {
	var group store.Group
	var chunkingJSON, embeddingJSON, tagsJSON, created, updated string
	var isDefault, isActive int
	err := row.Scan(&group.ID, &group.ItemID, &group.Name, &group.Description, &group.ChunkingStrategy,
		&chunkingJSON, &embeddingJSON, &isDefault, &isActive, &tagsJSON, &created, &updated, &group.CreatedBy)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan group: %w", err)
	}

	group.IsDefault = isDefault == 1
	group.IsActive = isActive == 1
	if err := json.Unmarshal([]byte(chunkingJSON), &group.ChunkingConfig); err != nil {
		return nil, errors.New(errors.ErrCodeCorruptData, "group "+group.ID+": bad chunking config", err)
	}
	if err := json.Unmarshal([]byte(embeddingJSON), &group.EmbeddingConfig); err != nil {
		return nil, errors.New(errors.ErrCodeCorruptData, "group "+group.ID+": bad embedding config", err)
	}
	if err := json.Unmarshal([]byte(tagsJSON), &group.Tags); err != nil {
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

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ store.GroupStore = (*GroupStore)(nil)
