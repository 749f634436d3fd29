package search

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Aman-CERP/chunkfusion/internal/errors"
	"github.com/Aman-CERP/chunkfusion/internal/store"
	"github.com/Aman-CERP/chunkfusion/internal/telemetry"
)

// ErrNilDependency is returned when a required dependency is nil.
var ErrNilDependency = stderrors.New("nil dependency")

// Engine runs per-group queries, fuses results across groups and
// post-processes them. Safe for concurrent use.
type Engine struct {
	chunks  store.ChunkStore
	groups  GroupSource
	config  EngineConfig
	logger  *slog.Logger
	metrics *telemetry.SearchMetrics
}

// EngineOption configures the search engine.
type EngineOption func(*Engine)

// WithLogger sets the engine logger (default: slog.Default()).
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics sets an optional collector; each search is recorded.
func WithMetrics(m *telemetry.SearchMetrics) EngineOption {
	return func(e *Engine) {
		e.metrics = m
	}
}

// NewEngine creates a search engine over chunks, resolving groups through
// groups. Zero config fields take their defaults.
func NewEngine(chunks store.ChunkStore, groups GroupSource, config EngineConfig, opts ...EngineOption) (*Engine, error) {
	if chunks == nil {
		return nil, fmt.Errorf("%w: chunk store is required", ErrNilDependency)
	}
	if groups == nil {
		return nil, fmt.Errorf("%w: group source is required", ErrNilDependency)
	}
	e := &Engine{
		chunks: chunks,
		groups: groups,
		config: config.withDefaults(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() EngineConfig {
	return e.config
}

// SearchChunks returns chunks matching every predicate of filter. A free-text
// Query orders by relevance with title matches first; otherwise chunks come
// in position order. Store errors are returned unchanged.
func (e *Engine) SearchChunks(ctx context.Context, filter *SearchFilter) ([]*store.Chunk, error) {
	if filter == nil {
		return nil, errors.InvalidArgument("search filter is required")
	}
	start := time.Now()
	chunks, err := e.searchChunks(ctx, filter, fetchOrder(filter), e.limit(filter))
	if err != nil {
		return nil, err
	}
	e.record(telemetry.SearchEvent{
		Kind:        telemetry.KindText,
		Scope:       describeScope(filter),
		ResultCount: len(chunks),
		Latency:     time.Since(start),
	})
	return chunks, nil
}

// fetchOrder is relevance for a free-text query, else position.
func fetchOrder(filter *SearchFilter) store.Sort {
	if strings.TrimSpace(filter.Query) != "" {
		return store.Sort{Field: store.SortByRelevance}
	}
	return store.Sort{Field: store.SortByPosition}
}

func (e *Engine) searchChunks(ctx context.Context, filter *SearchFilter, order store.Sort, limit int) ([]*store.Chunk, error) {
	chunks, err := e.chunks.Query(ctx, store.Query{
		Predicate: filter.predicate(),
		Sort:      order,
		Limit:     limit,
	})
	if err != nil {
		return nil, err
	}
	if chunks == nil {
		chunks = []*store.Chunk{}
	}
	return chunks, nil
}

// GetChunksByItemID returns an item's chunks ordered by index. A limit of
// zero uses the default limit.
func (e *Engine) GetChunksByItemID(ctx context.Context, itemID string, limit int) ([]*store.Chunk, error) {
	if itemID == "" {
		return nil, errors.InvalidArgument("item id is required")
	}
	if limit <= 0 {
		limit = e.config.DefaultLimit
	}
	chunks, err := e.chunks.Query(ctx, store.Query{
		Predicate: store.Predicate{ItemIDs: []string{itemID}},
		Sort:      store.Sort{Field: store.SortByPosition},
		Limit:     limit,
	})
	if err != nil {
		return nil, err
	}
	if chunks == nil {
		chunks = []*store.Chunk{}
	}
	return chunks, nil
}

// FindSimilar returns chunks nearest to vector within the resolved groups,
// ordered by similarity descending, then group id, then index. Similarities
// are raw cosine values at or above the filter threshold.
//
// Groups come from filter.Groups, else from the default group of a single
// filter.ChunkingStrategies entry, else from every group of the item scope.
// A vector whose length differs from an explicitly resolved group's
// dimension fails with DimensionMismatch.
func (e *Engine) FindSimilar(ctx context.Context, vector []float32, filter *SearchFilter) ([]Result, error) {
	if err := validateSimilarity(vector, filter); err != nil {
		return nil, err
	}
	start := time.Now()
	groups, err := e.resolveGroups(ctx, vector, filter)
	if err != nil {
		return nil, err
	}
	results, err := e.findSimilar(ctx, vector, filter, groups, e.limit(filter))
	if err != nil {
		return nil, err
	}
	e.record(telemetry.SearchEvent{
		Kind:        telemetry.KindSimilar,
		Scope:       describeScope(filter),
		Groups:      groupIDs(groups),
		ResultCount: len(results),
		Latency:     time.Since(start),
	})
	return results, nil
}

func validateSimilarity(vector []float32, filter *SearchFilter) error {
	if filter == nil {
		return errors.InvalidArgument("search filter is required")
	}
	if len(vector) == 0 {
		return errors.InvalidArgument("query vector is required")
	}
	return nil
}

// findSimilar queries each collection spanned by groups once and merges
// the hits into one ranked list.
func (e *Engine) findSimilar(ctx context.Context, vector []float32, filter *SearchFilter, groups []*store.Group, limit int) ([]Result, error) {
	if len(groups) == 0 {
		return []Result{}, nil
	}

	var keys []store.CollectionKey
	byCollection := make(map[store.CollectionKey][]string)
	for _, g := range groups {
		key := g.EmbeddingConfig.CollectionKey()
		if _, ok := byCollection[key]; !ok {
			keys = append(keys, key)
		}
		byCollection[key] = append(byCollection[key], g.ID)
	}

	var scored []store.ScoredChunk
	for _, key := range keys {
		hits, err := e.querySimilar(ctx, vector, filter, key, byCollection[key], limit)
		if err != nil {
			return nil, err
		}
		scored = append(scored, hits...)
	}
	store.SortScored(scored)
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return toResults(scored), nil
}

// querySimilar runs one similarity query restricted to groupIDs.
func (e *Engine) querySimilar(ctx context.Context, vector []float32, filter *SearchFilter, key store.CollectionKey, groupIDs []string, limit int) ([]store.ScoredChunk, error) {
	p := filter.predicate()
	p.GroupIDs = groupIDs
	// Strategies were applied to the groups during resolution.
	p.Strategies = nil
	return e.chunks.SimilarityQuery(ctx, store.SimilarityRequest{
		Collection: key,
		Vector:     vector,
		Predicate:  p,
		MinScore:   store.ShiftScore(e.threshold(filter)),
		Limit:      limit,
	})
}

func toResults(scored []store.ScoredChunk) []Result {
	results := make([]Result, len(scored))
	for i, s := range scored {
		results[i] = Result{
			Chunk:      s.Chunk,
			Similarity: s.Similarity,
			Rank:       i + 1,
			GroupID:    s.Chunk.GroupID,
			GroupRank:  i + 1,
			Score:      s.Similarity,
		}
	}
	return results
}

// resolveGroups determines which groups a similarity query runs against.
// Explicit and strategy-resolved groups must match the vector; groups
// discovered through the item scope that cannot match are skipped.
func (e *Engine) resolveGroups(ctx context.Context, vector []float32, filter *SearchFilter) ([]*store.Group, error) {
	if len(filter.Groups) > 0 {
		groups := make([]*store.Group, 0, len(filter.Groups))
		seen := make(map[string]bool, len(filter.Groups))
		for _, id := range filter.Groups {
			if seen[id] {
				continue
			}
			seen[id] = true
			g, err := e.groups.GetGroupByID(ctx, id)
			if err != nil {
				return nil, err
			}
			if err := checkGroup(g, vector, filter); err != nil {
				return nil, err
			}
			if strategyAllowed(g, filter) {
				groups = append(groups, g)
			}
		}
		return groups, nil
	}

	var strategy string
	if len(filter.ChunkingStrategies) == 1 {
		strategy = filter.ChunkingStrategies[0]
	}
	if res := e.groups.Defaults().GetGroupConfigForSearch(filter.Groups, strategy); res != nil {
		if err := checkGroup(res.Group, vector, filter); err != nil {
			return nil, err
		}
		return []*store.Group{res.Group}, nil
	}

	items := filter.itemIDs()
	if len(items) == 0 {
		return nil, errors.InvalidArgument("similarity search needs groups, a single chunking strategy, or an item scope")
	}
	var groups []*store.Group
	seen := make(map[string]bool)
	for _, item := range items {
		ids, err := e.groups.AvailableGroups(ctx, item)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			if seen[id] {
				continue
			}
			seen[id] = true
			g, err := e.groups.GetGroupByID(ctx, id)
			if errors.IsNotFound(err) {
				continue
			}
			if err != nil {
				return nil, err
			}
			if checkGroup(g, vector, filter) != nil {
				e.logger.Debug("group_skipped",
					slog.String("group_id", id),
					slog.Int("dimension", g.EmbeddingConfig.Dimension),
					slog.Int("query_dimension", len(vector)))
				continue
			}
			if strategyAllowed(g, filter) {
				groups = append(groups, g)
			}
		}
	}
	return groups, nil
}

func strategyAllowed(g *store.Group, filter *SearchFilter) bool {
	if len(filter.ChunkingStrategies) == 0 {
		return true
	}
	for _, s := range filter.ChunkingStrategies {
		if s == g.ChunkingStrategy {
			return true
		}
	}
	return false
}

// checkGroup verifies that g can be searched with vector under filter.
func checkGroup(g *store.Group, vector []float32, filter *SearchFilter) error {
	if filter.Collection != nil && g.EmbeddingConfig.CollectionKey() != *filter.Collection {
		return errors.InvalidArgument(fmt.Sprintf("group %s is not in collection %s", g.ID, filter.Collection)).
			WithDetail("group_id", g.ID)
	}
	return store.CheckDimension(vector, g.EmbeddingConfig.Dimension)
}

func (e *Engine) limit(filter *SearchFilter) int {
	if filter.Limit > 0 {
		return filter.Limit
	}
	return e.config.DefaultLimit
}

func (e *Engine) threshold(filter *SearchFilter) float64 {
	if filter.SimilarityThreshold != nil {
		return *filter.SimilarityThreshold
	}
	return e.config.DefaultThreshold
}

func (e *Engine) record(ev telemetry.SearchEvent) {
	e.metrics.Record(ev)
}

func groupIDs(groups []*store.Group) []string {
	ids := make([]string, len(groups))
	for i, g := range groups {
		ids[i] = g.ID
	}
	return ids
}

// describeScope summarises a filter for zero-result diagnostics.
func describeScope(filter *SearchFilter) string {
	var parts []string
	if items := filter.itemIDs(); len(items) > 0 {
		parts = append(parts, "items="+strings.Join(items, ","))
	}
	if len(filter.Groups) > 0 {
		parts = append(parts, "groups="+strings.Join(filter.Groups, ","))
	}
	if len(filter.ChunkingStrategies) > 0 {
		parts = append(parts, "strategies="+strings.Join(filter.ChunkingStrategies, ","))
	}
	if filter.Query != "" {
		parts = append(parts, "query="+filter.Query)
	}
	if len(parts) == 0 {
		return "all"
	}
	return strings.Join(parts, " ")
}
