// Package registry manages chunk groups: their lifecycle, the chunks written
// under them, and cached aggregations over the chunk store.
//
// Two caches sit in front of the store: the groups that hold chunks for an
// item, and per-group statistics. Both are derivable from the store at any
// time. Every write that changes them invalidates the affected keys before
// it returns.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Aman-CERP/chunkfusion/internal/errors"
	"github.com/Aman-CERP/chunkfusion/internal/store"
)

// DefaultChunkVersion stamps chunks written without an explicit version.
const DefaultChunkVersion = "v1"

// GroupConfig is the caller-supplied part of a new group.
type GroupConfig struct {
	// ID is optional; a UUID is assigned when empty.
	ID               string
	ItemID           string
	Name             string
	Description      string
	ChunkingStrategy string
	ChunkingConfig   store.ChunkingConfig
	EmbeddingConfig  store.EmbeddingConfig
	IsDefault        bool
	Tags             []string
	CreatedBy        string
}

// DeleteResult reports what DeleteGroup removed.
type DeleteResult struct {
	DeletedGroupID    string
	DeletedChunkCount int
}

// GroupStats summarises the chunks of one group.
type GroupStats struct {
	GroupID                   string
	ChunkCount                int
	AverageChunkSize          float64
	AverageProcessingDuration time.Duration
	OldestChunkCreatedAt      time.Time
	NewestChunkUpdatedAt      time.Time
}

// Registry is the group registry.
type Registry struct {
	chunks   store.ChunkStore
	groups   store.GroupStore
	defaults *DefaultGroups
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string

	available *ttlCache[[]string]
	stats     *ttlCache[GroupStats]
}

// Option configures a Registry.
type Option func(*options)

type options struct {
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
	cacheTTL  time.Duration
	cacheSize int
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock overrides the time source for timestamps and cache expiry.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithIDGenerator overrides UUID generation.
func WithIDGenerator(fn func() string) Option {
	return func(o *options) { o.newID = fn }
}

// WithCacheTTL sets the TTL of both caches.
func WithCacheTTL(ttl time.Duration) Option {
	return func(o *options) { o.cacheTTL = ttl }
}

// WithCacheSize bounds the entry count of each cache.
func WithCacheSize(n int) Option {
	return func(o *options) { o.cacheSize = n }
}

// New creates a registry over the given stores.
func New(chunks store.ChunkStore, groups store.GroupStore, defaults *DefaultGroups, opts ...Option) *Registry {
	o := options{
		logger:    slog.Default(),
		now:       time.Now,
		newID:     uuid.NewString,
		cacheTTL:  DefaultCacheTTL,
		cacheSize: DefaultCacheSize,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	return &Registry{
		chunks:    chunks,
		groups:    groups,
		defaults:  defaults,
		logger:    o.logger,
		now:       o.now,
		newID:     o.newID,
		available: newTTLCache[[]string](o.cacheSize, o.cacheTTL, o.now),
		stats:     newTTLCache[GroupStats](o.cacheSize, o.cacheTTL, o.now),
	}
}

// Defaults returns the default group resolver.
func (r *Registry) Defaults() *DefaultGroups {
	return r.defaults
}

// CreateGroup validates cfg, persists a new group and prepares its collection.
func (r *Registry) CreateGroup(ctx context.Context, cfg GroupConfig) (*store.Group, error) {
	if cfg.EmbeddingConfig.Dimension <= 0 {
		return nil, errors.InvalidArgument("embedding dimension must be positive").
			WithDetail("dimension", fmt.Sprint(cfg.EmbeddingConfig.Dimension))
	}
	if strings.TrimSpace(cfg.ChunkingStrategy) == "" {
		return nil, errors.InvalidArgument("chunking strategy is required")
	}

	now := r.now()
	id := cfg.ID
	if id == "" {
		id = r.newID()
	}
	name := cfg.Name
	if name == "" {
		name = cfg.ChunkingStrategy + " / " + cfg.EmbeddingConfig.Model
	}
	g := &store.Group{
		ID:               id,
		ItemID:           cfg.ItemID,
		Name:             name,
		Description:      cfg.Description,
		ChunkingStrategy: cfg.ChunkingStrategy,
		ChunkingConfig:   cfg.ChunkingConfig,
		EmbeddingConfig:  cfg.EmbeddingConfig,
		IsDefault:        cfg.IsDefault,
		IsActive:         true,
		Tags:             append([]string(nil), cfg.Tags...),
		CreatedAt:        now,
		UpdatedAt:        now,
		CreatedBy:        cfg.CreatedBy,
	}

	if err := r.chunks.EnsureCollection(ctx, g.EmbeddingConfig.CollectionKey()); err != nil {
		return nil, err
	}
	if err := r.groups.Create(ctx, g); err != nil {
		return nil, err
	}
	r.invalidateItems(g.ItemID)

	r.logger.Info("group_created",
		slog.String("group_id", g.ID),
		slog.String("item_id", g.ItemID),
		slog.String("strategy", g.ChunkingStrategy),
		slog.String("collection", g.EmbeddingConfig.CollectionKey().String()))
	return g, nil
}

// GetGroupByID returns the group or NotFound.
func (r *Registry) GetGroupByID(ctx context.Context, id string) (*store.Group, error) {
	return r.groups.Get(ctx, id)
}

// ListGroups pages through groups.
func (r *Registry) ListGroups(ctx context.Context, q store.GroupQuery) (*store.GroupPage, error) {
	return r.groups.List(ctx, q)
}

// DeleteGroup removes the group's chunks and then the group record.
// Deleting an absent group succeeds with a zero chunk count.
func (r *Registry) DeleteGroup(ctx context.Context, id string) (DeleteResult, error) {
	if id == "" {
		return DeleteResult{}, errors.InvalidArgument("group id is required")
	}

	n, err := r.chunks.DeleteByPredicate(ctx, store.Predicate{GroupIDs: []string{id}})
	// Chunks may already be gone, so caches are invalidated before checking err.
	r.stats.invalidate(id)
	r.available.purge()
	if err != nil {
		return DeleteResult{}, err
	}

	existed, err := r.groups.Delete(ctx, id)
	if err != nil {
		return DeleteResult{}, err
	}

	r.logger.Info("group_deleted",
		slog.String("group_id", id),
		slog.Bool("existed", existed),
		slog.Int("deleted_chunks", n))
	return DeleteResult{DeletedGroupID: id, DeletedChunkCount: n}, nil
}

// AvailableGroups returns the sorted ids of groups holding chunks for itemID.
func (r *Registry) AvailableGroups(ctx context.Context, itemID string) ([]string, error) {
	if itemID == "" {
		return nil, errors.InvalidArgument("item id is required")
	}
	cached, ok, gen := r.available.get(itemID)
	if ok {
		return append([]string(nil), cached...), nil
	}

	aggs, err := r.chunks.Aggregate(ctx, store.Predicate{ItemIDs: []string{itemID}})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(aggs))
	for _, a := range aggs {
		if a.ChunkCount > 0 {
			ids = append(ids, a.GroupID)
		}
	}
	sort.Strings(ids)

	r.available.put(itemID, ids, gen)
	return append([]string(nil), ids...), nil
}

// GroupStats returns cached statistics for an existing group.
func (r *Registry) GroupStats(ctx context.Context, groupID string) (GroupStats, error) {
	cached, ok, gen := r.stats.get(groupID)
	if ok {
		return cached, nil
	}

	if _, err := r.groups.Get(ctx, groupID); err != nil {
		return GroupStats{}, err
	}
	aggs, err := r.chunks.Aggregate(ctx, store.Predicate{GroupIDs: []string{groupID}})
	if err != nil {
		return GroupStats{}, err
	}

	s := GroupStats{GroupID: groupID}
	for _, a := range aggs {
		if a.GroupID != groupID || a.ChunkCount == 0 {
			continue
		}
		s.ChunkCount = a.ChunkCount
		s.AverageChunkSize = float64(a.TotalContentLength) / float64(a.ChunkCount)
		s.AverageProcessingDuration = a.TotalProcessingDuration / time.Duration(a.ChunkCount)
		s.OldestChunkCreatedAt = a.OldestCreatedAt
		s.NewestChunkUpdatedAt = a.NewestUpdatedAt
	}

	r.stats.put(groupID, s, gen)
	return s, nil
}

// InsertChunk writes a single chunk. See InsertChunks.
func (r *Registry) InsertChunk(ctx context.Context, c *store.Chunk) (*store.Chunk, error) {
	out, err := r.InsertChunks(ctx, []*store.Chunk{c})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// InsertChunks validates the batch against its groups, stamps ids,
// timestamps and strategy metadata, and upserts it. Nothing is written if
// any chunk is invalid. The input chunks are not modified.
func (r *Registry) InsertChunks(ctx context.Context, chunks []*store.Chunk) ([]*store.Chunk, error) {
	if len(chunks) == 0 {
		return []*store.Chunk{}, nil
	}

	groups := make(map[string]*store.Group)
	for i, c := range chunks {
		if c == nil {
			return nil, errors.InvalidArgument(fmt.Sprintf("chunk %d is nil", i))
		}
		if c.GroupID == "" {
			return nil, errors.InvalidArgument(fmt.Sprintf("chunk %d: group id is required", i))
		}
		if c.Index < 0 {
			return nil, errors.InvalidArgument(fmt.Sprintf("chunk %d: index must be non-negative", i))
		}
		g, ok := groups[c.GroupID]
		if !ok {
			var err error
			if g, err = r.groups.Get(ctx, c.GroupID); err != nil {
				return nil, err
			}
			groups[c.GroupID] = g
		}
		itemID := c.ItemID
		if itemID == "" {
			itemID = g.ItemID
		}
		if itemID == "" {
			return nil, errors.InvalidArgument(fmt.Sprintf("chunk %d: item id is required", i))
		}
		if g.ItemID != "" && itemID != g.ItemID {
			return nil, errors.InvalidArgument(fmt.Sprintf(
				"chunk %d: item %q does not belong to group %s (item %q)", i, itemID, g.ID, g.ItemID))
		}
		if err := store.CheckDimension(c.Embedding, g.EmbeddingConfig.Dimension); err != nil {
			return nil, err
		}
	}

	now := r.now()
	out := make([]*store.Chunk, len(chunks))
	items := make(map[string]struct{})
	for i, in := range chunks {
		g := groups[in.GroupID]
		c := in.Clone()
		if c.ID == "" {
			c.ID = r.newID()
		}
		if c.ItemID == "" {
			c.ItemID = g.ItemID
		}
		c.Strategy.ChunkingStrategy = g.ChunkingStrategy
		c.Strategy.ChunkingConfig = g.ChunkingConfig
		c.Strategy.EmbeddingConfig = g.EmbeddingConfig
		if c.Strategy.ProcessingTimestamp.IsZero() {
			c.Strategy.ProcessingTimestamp = now
		}
		if c.Strategy.Version == "" {
			c.Strategy.Version = DefaultChunkVersion
		}
		if c.Metadata.WordCount == 0 {
			c.Metadata.WordCount = len(strings.Fields(c.Content))
		}
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		c.UpdatedAt = now
		out[i] = c
		items[c.ItemID] = struct{}{}
	}

	for _, g := range groups {
		if err := r.chunks.EnsureCollection(ctx, g.EmbeddingConfig.CollectionKey()); err != nil {
			return nil, err
		}
	}

	err := r.chunks.Upsert(ctx, out)
	// A failed bulk write may still have landed partially.
	r.invalidateItems(keys(items)...)
	r.stats.invalidate(keys(groups)...)
	if err != nil {
		return nil, err
	}

	r.logger.Debug("chunks_inserted",
		slog.Int("count", len(out)),
		slog.Int("groups", len(groups)),
		slog.Int("items", len(items)))

	result := make([]*store.Chunk, len(out))
	for i, c := range out {
		result[i] = c.Clone()
	}
	return result, nil
}

// UpdateGroupChunks applies patch to every chunk of the group.
func (r *Registry) UpdateGroupChunks(ctx context.Context, groupID string, patch store.ChunkPatch) (int, error) {
	if _, err := r.groups.Get(ctx, groupID); err != nil {
		return 0, err
	}
	n, err := r.chunks.UpdateByPredicate(ctx, store.Predicate{GroupIDs: []string{groupID}}, patch)
	r.stats.invalidate(groupID)
	if err != nil {
		return 0, err
	}
	r.logger.Info("group_chunks_updated", slog.String("group_id", groupID), slog.Int("updated", n))
	return n, nil
}

// EnsureDefaults persists the resolver's global default groups that do not
// exist yet, so chunks can be written under their canonical ids.
func (r *Registry) EnsureDefaults(ctx context.Context) error {
	if r.defaults == nil {
		return nil
	}
	for _, d := range r.defaults.All() {
		if _, err := r.groups.Get(ctx, d.ID); err == nil {
			continue
		} else if !errors.IsNotFound(err) {
			return err
		}

		now := r.now()
		d.CreatedAt, d.UpdatedAt = now, now
		if err := r.chunks.EnsureCollection(ctx, d.EmbeddingConfig.CollectionKey()); err != nil {
			return err
		}
		if err := r.groups.Create(ctx, d); err != nil {
			// Another writer bootstrapped the same default.
			if errors.GetCode(err) == errors.ErrCodeConflict {
				continue
			}
			return err
		}
		r.logger.Info("default_group_created", slog.String("group_id", d.ID), slog.String("strategy", d.ChunkingStrategy))
	}
	return nil
}

// InvalidateCaches drops every cached aggregation.
func (r *Registry) InvalidateCaches() {
	r.available.purge()
	r.stats.purge()
	r.logger.Debug("registry_cache_invalidated", slog.String("scope", "all"))
}

func (r *Registry) invalidateItems(itemIDs ...string) {
	if len(itemIDs) == 1 && itemIDs[0] == "" {
		// Global groups hold chunks for many items.
		r.available.purge()
		r.logger.Debug("registry_cache_invalidated", slog.String("scope", "available"))
		return
	}
	r.available.invalidate(itemIDs...)
	r.logger.Debug("registry_cache_invalidated", slog.Any("item_ids", itemIDs))
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
