package search

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/chunkfusion/internal/errors"
	"github.com/Aman-CERP/chunkfusion/internal/registry"
	"github.com/Aman-CERP/chunkfusion/internal/store"
	"github.com/Aman-CERP/chunkfusion/internal/telemetry"
)

var testEmbedding = store.EmbeddingConfig{Provider: "test", Model: "tiny", Dimension: 3}

// --- Test Helpers ---

type fixture struct {
	engine  *Engine
	reg     *registry.Registry
	metrics *telemetry.SearchMetrics
}

func testDefaults(t *testing.T) *registry.DefaultGroups {
	t.Helper()
	d, err := registry.NewDefaultGroups(registry.DefaultsConfig{Groups: []registry.DefaultSpec{
		{Strategy: "h1", EmbeddingConfig: testEmbedding},
		{Strategy: "paragraph", EmbeddingConfig: testEmbedding},
	}})
	require.NoError(t, err)
	return d
}

// newFixture wires an engine over an in-memory store. wrap, when set,
// decorates the chunk store the engine reads from.
func newFixture(t *testing.T, wrap func(store.ChunkStore) store.ChunkStore) *fixture {
	t.Helper()
	mem, err := store.NewMemory(store.MemoryConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mem.Close() })

	seq := 0
	reg := registry.New(mem.Chunks(), mem.Groups(), testDefaults(t),
		registry.WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("id-%03d", seq)
		}))

	chunks := mem.Chunks()
	if wrap != nil {
		chunks = wrap(chunks)
	}
	metrics := telemetry.NewSearchMetrics(telemetry.Config{})
	engine, err := NewEngine(chunks, reg, EngineConfig{}, WithMetrics(metrics))
	require.NoError(t, err)
	return &fixture{engine: engine, reg: reg, metrics: metrics}
}

func (f *fixture) group(t *testing.T, itemID, strategy string, emb store.EmbeddingConfig) *store.Group {
	t.Helper()
	g, err := f.reg.CreateGroup(context.Background(), registry.GroupConfig{
		ItemID:           itemID,
		ChunkingStrategy: strategy,
		EmbeddingConfig:  emb,
	})
	require.NoError(t, err)
	return g
}

func (f *fixture) insert(t *testing.T, g *store.Group, itemID string, index int, title, content string, embedding ...float32) {
	t.Helper()
	_, err := f.reg.InsertChunk(context.Background(), &store.Chunk{
		ItemID:    itemID,
		GroupID:   g.ID,
		Index:     index,
		Title:     title,
		Content:   content,
		Embedding: embedding,
	})
	require.NoError(t, err)
}

func indexes(results []Result) []int {
	out := make([]int, len(results))
	for i, r := range results {
		out[i] = r.Chunk.Index
	}
	return out
}

func chunkIndexes(chunks []*store.Chunk) []int {
	out := make([]int, len(chunks))
	for i, c := range chunks {
		out[i] = c.Index
	}
	return out
}

// failingStore fails every call as an unreachable backend would.
type failingStore struct {
	store.ChunkStore
}

func (failingStore) Query(context.Context, store.Query) ([]*store.Chunk, error) {
	return nil, errors.StoreUnavailable("query", fmt.Errorf("connection refused"))
}

func (failingStore) SimilarityQuery(context.Context, store.SimilarityRequest) ([]store.ScoredChunk, error) {
	return nil, errors.StoreUnavailable("similarity_query", fmt.Errorf("connection refused"))
}

// scriptedStore serves fixed similarity hits per group and records requests.
type scriptedStore struct {
	store.ChunkStore

	mu       sync.Mutex
	hits     map[string][]store.ScoredChunk
	fail     map[string]error
	delay    map[string]time.Duration
	stall    map[string]time.Duration // sleeps ignoring ctx
	requests []store.SimilarityRequest
}

func (s *scriptedStore) SimilarityQuery(ctx context.Context, req store.SimilarityRequest) ([]store.ScoredChunk, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()

	var out []store.ScoredChunk
	for _, g := range req.Predicate.GroupIDs {
		if d := s.stall[g]; d > 0 {
			time.Sleep(d)
		}
		if d := s.delay[g]; d > 0 {
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if err := s.fail[g]; err != nil {
			return nil, err
		}
		out = append(out, s.hits[g]...)
	}
	store.SortScored(out)
	if req.Limit > 0 && len(out) > req.Limit {
		out = out[:req.Limit]
	}
	return out, nil
}

func scored(groupID, itemID string, index int, cos float64) store.ScoredChunk {
	return store.ScoredChunk{
		Chunk:      &store.Chunk{ID: fmt.Sprintf("%s/%s/%d", groupID, itemID, index), ItemID: itemID, GroupID: groupID, Index: index},
		Score:      store.ShiftScore(cos),
		Similarity: cos,
	}
}

// newScriptedFixture registers groups directly and serves hits from s.
func newScriptedFixture(t *testing.T, s *scriptedStore, groupIDs ...string) *fixture {
	t.Helper()
	groups := store.NewMemoryGroupStore()
	for _, id := range groupIDs {
		require.NoError(t, groups.Create(context.Background(), &store.Group{
			ID:               id,
			ItemID:           "item-1",
			ChunkingStrategy: "h1",
			EmbeddingConfig:  testEmbedding,
		}))
	}
	reg := registry.New(s, groups, testDefaults(t))
	metrics := telemetry.NewSearchMetrics(telemetry.Config{})
	engine, err := NewEngine(s, reg, EngineConfig{GroupTimeout: 200 * time.Millisecond}, WithMetrics(metrics))
	require.NoError(t, err)
	return &fixture{engine: engine, reg: reg, metrics: metrics}
}

// --- Construction ---

func TestNewEngine_RequiresDependencies(t *testing.T) {
	mem, err := store.NewMemory(store.MemoryConfig{})
	require.NoError(t, err)
	defer mem.Close()
	reg := registry.New(mem.Chunks(), mem.Groups(), testDefaults(t))

	_, err = NewEngine(nil, reg, EngineConfig{})
	assert.ErrorIs(t, err, ErrNilDependency)

	_, err = NewEngine(mem.Chunks(), nil, EngineConfig{})
	assert.ErrorIs(t, err, ErrNilDependency)

	e, err := NewEngine(mem.Chunks(), reg, EngineConfig{})
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), e.Config())
}

// --- SearchChunks ---

func TestSearchChunks_AppliesPredicatesAsConjunction(t *testing.T) {
	// Given: two items with an h1 and a paragraph group each
	f := newFixture(t, nil)
	for _, item := range []string{"item-1", "item-2"} {
		h1 := f.group(t, item, "h1", testEmbedding)
		para := f.group(t, item, "paragraph", testEmbedding)
		f.insert(t, h1, item, 0, "intro", "alpha", 1, 0, 0)
		f.insert(t, para, item, 0, "intro", "alpha", 1, 0, 0)
		f.insert(t, para, item, 1, "body", "beta", 0, 1, 0)
	}

	// When: narrowing to one item and one strategy
	chunks, err := f.engine.SearchChunks(context.Background(), &SearchFilter{
		ItemID:             "item-2",
		ChunkingStrategies: []string{"paragraph"},
	})

	// Then: only that item's paragraph chunks come back in position order
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	for _, c := range chunks {
		assert.Equal(t, "item-2", c.ItemID)
		assert.Equal(t, "paragraph", c.Strategy.ChunkingStrategy)
	}
	assert.Equal(t, []int{0, 1}, chunkIndexes(chunks))
}

func TestSearchChunks_EmptyFilterMatchesAllWithinLimit(t *testing.T) {
	f := newFixture(t, nil)
	g := f.group(t, "item-1", "h1", testEmbedding)
	for i := 0; i < 5; i++ {
		f.insert(t, g, "item-1", i, "t", "c", 1, 0, 0)
	}

	all, err := f.engine.SearchChunks(context.Background(), &SearchFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 5)

	capped, err := f.engine.SearchChunks(context.Background(), &SearchFilter{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, chunkIndexes(capped))
}

func TestSearchChunks_FreeTextPrefersTitle(t *testing.T) {
	// Given: one chunk mentioning the term in its content, one in its title
	f := newFixture(t, nil)
	g := f.group(t, "item-1", "h1", testEmbedding)
	f.insert(t, g, "item-1", 0, "Overview", "the scheduler assigns work to cores", 1, 0, 0)
	f.insert(t, g, "item-1", 1, "Scheduler internals", "run queues and time slices", 1, 0, 0)
	f.insert(t, g, "item-1", 2, "Memory", "paging and allocation", 1, 0, 0)

	// When: searching for the term
	chunks, err := f.engine.SearchChunks(context.Background(), &SearchFilter{Query: "scheduler"})

	// Then: both matches return with the title match first
	require.NoError(t, err)
	assert.Equal(t, []int{1, 0}, chunkIndexes(chunks))
}

func TestSearchChunks_NilFilterFailsFast(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.engine.SearchChunks(context.Background(), nil)

	assert.True(t, errors.IsInvalidArgument(err))
}

func TestSearchChunks_PropagatesStoreErrors(t *testing.T) {
	f := newFixture(t, func(store.ChunkStore) store.ChunkStore { return failingStore{} })

	_, err := f.engine.SearchChunks(context.Background(), &SearchFilter{ItemID: "item-1"})

	assert.True(t, errors.IsStoreUnavailable(err))
}

// --- GetChunksByItemID ---

func TestGetChunksByItemID_OrderedByIndex(t *testing.T) {
	f := newFixture(t, nil)
	g := f.group(t, "item-1", "h1", testEmbedding)
	other := f.group(t, "item-2", "h1", testEmbedding)
	for _, i := range []int{3, 0, 2, 1} {
		f.insert(t, g, "item-1", i, "t", "c", 1, 0, 0)
	}
	f.insert(t, other, "item-2", 0, "t", "c", 1, 0, 0)

	chunks, err := f.engine.GetChunksByItemID(context.Background(), "item-1", 0)

	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3}, chunkIndexes(chunks))

	_, err = f.engine.GetChunksByItemID(context.Background(), "", 0)
	assert.True(t, errors.IsInvalidArgument(err))
}

// --- FindSimilar ---

func TestFindSimilar_OrdersBySimilarityWithRawCosine(t *testing.T) {
	// Given: chunks at decreasing cosine similarity to the x axis
	f := newFixture(t, nil)
	g := f.group(t, "item-1", "h1", testEmbedding)
	f.insert(t, g, "item-1", 0, "t", "c", 0, 1, 0)  // cos 0
	f.insert(t, g, "item-1", 1, "t", "c", 1, 0, 0)  // cos 1
	f.insert(t, g, "item-1", 2, "t", "c", 1, 1, 0)  // cos 0.707
	f.insert(t, g, "item-1", 3, "t", "c", -1, 0, 0) // cos -1

	// When: searching with the default threshold
	results, err := f.engine.FindSimilar(context.Background(), []float32{1, 0, 0}, &SearchFilter{Groups: []string{g.ID}})

	// Then: results are ranked by similarity and the negative one is dropped
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 0}, indexes(results))
	assert.InDelta(t, 1.0, results[0].Similarity, 1e-6)
	assert.InDelta(t, 0.7071, results[1].Similarity, 1e-4)
	assert.InDelta(t, 0.0, results[2].Similarity, 1e-6)
	for i, r := range results {
		assert.Equal(t, i+1, r.Rank)
		assert.Equal(t, g.ID, r.GroupID)
	}
}

func TestFindSimilar_SimilarityIsStoreCosineUnchanged(t *testing.T) {
	// Given: a store reporting a raw cosine of exactly 0.9
	s := &scriptedStore{hits: map[string][]store.ScoredChunk{
		"g1": {scored("g1", "item-1", 0, 0.9)},
	}}
	f := newScriptedFixture(t, s, "g1")

	// When: searching the group
	results, err := f.engine.FindSimilar(context.Background(), []float32{1, 0, 0}, &SearchFilter{Groups: []string{"g1"}})

	// Then: the similarity is the store's cosine, not a round trip through the shifted score
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 0.9, results[0].Similarity)
	assert.Equal(t, 0.9, results[0].Score)
}

func TestFindSimilar_TiesBreakByGroupThenIndex(t *testing.T) {
	f := newFixture(t, nil)
	g1 := f.group(t, "item-1", "h1", testEmbedding)
	g2 := f.group(t, "item-1", "paragraph", testEmbedding)
	f.insert(t, g2, "item-1", 0, "t", "c", 1, 0, 0)
	f.insert(t, g1, "item-1", 1, "t", "c", 1, 0, 0)
	f.insert(t, g1, "item-1", 0, "t", "c", 1, 0, 0)

	results, err := f.engine.FindSimilar(context.Background(), []float32{1, 0, 0}, &SearchFilter{Groups: []string{g2.ID, g1.ID}})

	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, []string{g1.ID, g1.ID, g2.ID}, []string{results[0].GroupID, results[1].GroupID, results[2].GroupID})
	assert.Equal(t, []int{0, 1, 0}, indexes(results))
}

func TestFindSimilar_ThresholdIsRawCosine(t *testing.T) {
	f := newFixture(t, nil)
	g := f.group(t, "item-1", "h1", testEmbedding)
	f.insert(t, g, "item-1", 0, "t", "c", 1, 0, 0)
	f.insert(t, g, "item-1", 1, "t", "c", 1, 1, 0)
	f.insert(t, g, "item-1", 2, "t", "c", 1, 3, 0) // cos 0.316

	results, err := f.engine.FindSimilar(context.Background(), []float32{1, 0, 0}, &SearchFilter{
		Groups:              []string{g.ID},
		SimilarityThreshold: Threshold(0.5),
	})

	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, indexes(results))
}

func TestFindSimilar_DimensionMismatchFailsFast(t *testing.T) {
	f := newFixture(t, nil)
	g := f.group(t, "item-1", "h1", testEmbedding)

	_, err := f.engine.FindSimilar(context.Background(), []float32{1, 0}, &SearchFilter{Groups: []string{g.ID}})

	assert.True(t, errors.IsDimensionMismatch(err))
}

func TestFindSimilar_StrategyResolvesDefaultGroup(t *testing.T) {
	// Given: persisted defaults holding one chunk each
	ctx := context.Background()
	f := newFixture(t, nil)
	require.NoError(t, f.reg.EnsureDefaults(ctx))
	h1, err := f.reg.GetGroupByID(ctx, "default-h1")
	require.NoError(t, err)
	para, err := f.reg.GetGroupByID(ctx, "default-paragraph")
	require.NoError(t, err)
	f.insert(t, h1, "item-1", 0, "t", "c", 1, 0, 0)
	f.insert(t, para, "item-1", 0, "t", "c", 1, 0, 0)

	tests := []struct {
		strategy string
		want     string
	}{
		{"paragraph", "default-paragraph"},
		{"h1", "default-h1"},
		{"unknown-strategy", "default-h1"},
	}
	for _, tt := range tests {
		t.Run(tt.strategy, func(t *testing.T) {
			// When: searching by strategy only
			results, err := f.engine.FindSimilar(ctx, []float32{1, 0, 0}, &SearchFilter{
				ChunkingStrategies: []string{tt.strategy},
			})

			// Then: the strategy's default group answers
			require.NoError(t, err)
			require.Len(t, results, 1)
			assert.Equal(t, tt.want, results[0].GroupID)
		})
	}
}

func TestFindSimilar_ItemScopeSkipsIncompatibleGroups(t *testing.T) {
	// Given: an item embedded in two spaces of different dimensions
	f := newFixture(t, nil)
	small := f.group(t, "item-1", "h1", testEmbedding)
	wide := f.group(t, "item-1", "paragraph", store.EmbeddingConfig{Provider: "test", Model: "wide", Dimension: 4})
	f.insert(t, small, "item-1", 0, "t", "c", 1, 0, 0)
	f.insert(t, wide, "item-1", 0, "t", "c", 1, 0, 0, 0)

	// When: searching the item with a three-dimensional vector
	results, err := f.engine.FindSimilar(context.Background(), []float32{1, 0, 0}, &SearchFilter{ItemID: "item-1"})

	// Then: only the compatible group is searched
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, small.ID, results[0].GroupID)
}

func TestFindSimilar_CollectionSelector(t *testing.T) {
	f := newFixture(t, nil)
	g := f.group(t, "item-1", "h1", testEmbedding)
	other := store.CollectionKey{Provider: "other", Model: "tiny", Dimension: 3}

	_, err := f.engine.FindSimilar(context.Background(), []float32{1, 0, 0}, &SearchFilter{
		Groups:     []string{g.ID},
		Collection: &other,
	})

	assert.True(t, errors.IsInvalidArgument(err))
}

func TestFindSimilar_InvalidArguments(t *testing.T) {
	f := newFixture(t, nil)
	g := f.group(t, "item-1", "h1", testEmbedding)

	tests := []struct {
		name   string
		vector []float32
		filter *SearchFilter
	}{
		{"nil filter", []float32{1, 0, 0}, nil},
		{"empty vector", nil, &SearchFilter{Groups: []string{g.ID}}},
		{"no scope", []float32{1, 0, 0}, &SearchFilter{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.FindSimilar(context.Background(), tt.vector, tt.filter)
			assert.True(t, errors.IsInvalidArgument(err))
		})
	}
}

func TestFindSimilar_UnknownGroupIsNotFound(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.engine.FindSimilar(context.Background(), []float32{1, 0, 0}, &SearchFilter{Groups: []string{"missing"}})

	assert.True(t, errors.IsNotFound(err))
}

func TestFindSimilar_RecordsTelemetry(t *testing.T) {
	f := newFixture(t, nil)
	g := f.group(t, "item-1", "h1", testEmbedding)
	f.insert(t, g, "item-1", 0, "t", "c", 1, 0, 0)

	_, err := f.engine.FindSimilar(context.Background(), []float32{1, 0, 0}, &SearchFilter{Groups: []string{g.ID}})
	require.NoError(t, err)

	s := f.metrics.Snapshot()
	assert.Equal(t, int64(1), s.KindCounts[telemetry.KindSimilar])
	assert.Equal(t, int64(0), s.ZeroResultCount)
}
