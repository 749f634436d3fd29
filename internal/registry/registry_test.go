package registry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/chunkfusion/internal/errors"
	"github.com/Aman-CERP/chunkfusion/internal/store"
)

var testEmbedding = store.EmbeddingConfig{Provider: "test", Model: "tiny", Dimension: 3}

type fixture struct {
	reg    *Registry
	mem    *store.Memory
	clock  *fakeClock
	counts *countingStore
}

// countingStore counts Aggregate calls to observe cache hits.
type countingStore struct {
	store.ChunkStore
	aggregates int
}

func (c *countingStore) Aggregate(ctx context.Context, p store.Predicate) ([]store.GroupAggregate, error) {
	c.aggregates++
	return c.ChunkStore.Aggregate(ctx, p)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem, err := store.NewMemory(store.MemoryConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mem.Close() })

	defaults, err := NewDefaultGroups(DefaultsConfig{Groups: []DefaultSpec{
		{Strategy: "h1", EmbeddingConfig: testEmbedding},
		{Strategy: "paragraph", EmbeddingConfig: testEmbedding},
	}})
	require.NoError(t, err)

	clock := newFakeClock()
	counts := &countingStore{ChunkStore: mem.Chunks()}
	seq := 0
	reg := New(counts, mem.Groups(), defaults,
		WithClock(clock.now),
		WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("id-%03d", seq)
		}))
	return &fixture{reg: reg, mem: mem, clock: clock, counts: counts}
}

func (f *fixture) group(t *testing.T, itemID, strategy string) *store.Group {
	t.Helper()
	g, err := f.reg.CreateGroup(context.Background(), GroupConfig{
		ItemID:           itemID,
		Name:             itemID + " " + strategy,
		ChunkingStrategy: strategy,
		EmbeddingConfig:  testEmbedding,
	})
	require.NoError(t, err)
	return g
}

func chunkFor(g *store.Group, itemID string, index int) *store.Chunk {
	return &store.Chunk{
		ItemID:    itemID,
		GroupID:   g.ID,
		Index:     index,
		Title:     fmt.Sprintf("chunk %d", index),
		Content:   fmt.Sprintf("content of chunk %d", index),
		Embedding: []float32{1, float32(index), 0},
		Strategy:  store.StrategyMetadata{ProcessingDuration: 10 * time.Millisecond},
	}
}

func TestCreateGroup_AssignsIdentityAndTimestamps(t *testing.T) {
	f := newFixture(t)

	g := f.group(t, "item-1", "h1")

	assert.Equal(t, "id-001", g.ID)
	assert.True(t, g.IsActive)
	assert.Equal(t, f.clock.t, g.CreatedAt)

	got, err := f.reg.GetGroupByID(context.Background(), g.ID)
	require.NoError(t, err)
	assert.Equal(t, g.Name, got.Name)
}

func TestCreateGroup_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.reg.CreateGroup(ctx, GroupConfig{ChunkingStrategy: "h1", EmbeddingConfig: store.EmbeddingConfig{Dimension: 0}})
	assert.True(t, errors.IsInvalidArgument(err))

	_, err = f.reg.CreateGroup(ctx, GroupConfig{EmbeddingConfig: testEmbedding})
	assert.True(t, errors.IsInvalidArgument(err))
}

func TestCreateGroup_SecondDefaultConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cfg := GroupConfig{ItemID: "item-1", ChunkingStrategy: "h1", EmbeddingConfig: testEmbedding, IsDefault: true}

	_, err := f.reg.CreateGroup(ctx, cfg)
	require.NoError(t, err)
	_, err = f.reg.CreateGroup(ctx, cfg)

	assert.Equal(t, errors.ErrCodeConflict, errors.GetCode(err))
}

func TestGetGroupByID_NotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.reg.GetGroupByID(context.Background(), "missing")

	assert.True(t, errors.IsNotFound(err))
}

func TestInsertChunks_DimensionMismatchLeavesStoreUnchanged(t *testing.T) {
	// Given: a 3-dim group and a batch with one 2-dim vector
	f := newFixture(t)
	ctx := context.Background()
	g := f.group(t, "item-1", "h1")
	good := chunkFor(g, "item-1", 0)
	bad := chunkFor(g, "item-1", 1)
	bad.Embedding = []float32{1, 0}

	// When: inserting the batch
	_, err := f.reg.InsertChunks(ctx, []*store.Chunk{good, bad})

	// Then: it fails with DimensionMismatch and nothing is written
	require.Error(t, err)
	assert.True(t, errors.IsDimensionMismatch(err))
	n, err := f.mem.Chunks().Count(ctx, store.Predicate{})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestInsertChunks_StampsProvenance(t *testing.T) {
	f := newFixture(t)
	g := f.group(t, "item-1", "paragraph")
	in := chunkFor(g, "", 0)

	out, err := f.reg.InsertChunk(context.Background(), in)

	require.NoError(t, err)
	assert.NotEmpty(t, out.ID)
	assert.Equal(t, "item-1", out.ItemID, "item is inherited from the group")
	assert.Equal(t, "paragraph", out.Strategy.ChunkingStrategy)
	assert.Equal(t, testEmbedding, out.Strategy.EmbeddingConfig)
	assert.Equal(t, DefaultChunkVersion, out.Strategy.Version)
	assert.Equal(t, f.clock.t, out.CreatedAt)
	assert.Equal(t, f.clock.t, out.Strategy.ProcessingTimestamp)
	assert.Equal(t, 4, out.Metadata.WordCount)
	assert.Empty(t, in.ID, "input is not modified")
}

func TestInsertChunks_RejectsInvalidInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := f.group(t, "item-1", "h1")
	global := f.group(t, "", "h1")

	tests := []struct {
		name  string
		chunk *store.Chunk
		check func(error) bool
	}{
		{"missing group id", &store.Chunk{ItemID: "item-1", Embedding: []float32{1, 0, 0}}, errors.IsInvalidArgument},
		{"unknown group", &store.Chunk{ItemID: "item-1", GroupID: "nope", Embedding: []float32{1, 0, 0}}, errors.IsNotFound},
		{"negative index", &store.Chunk{ItemID: "item-1", GroupID: g.ID, Index: -1, Embedding: []float32{1, 0, 0}}, errors.IsInvalidArgument},
		{"foreign item", chunkFor(g, "item-2", 0), errors.IsInvalidArgument},
		{"global group needs item", chunkFor(global, "", 0), errors.IsInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.reg.InsertChunks(ctx, []*store.Chunk{tt.chunk})
			require.Error(t, err)
			assert.True(t, tt.check(err), "unexpected error: %v", err)
		})
	}
}

func TestAvailableGroups_SeesNewGroupImmediately(t *testing.T) {
	// Given: a populated available-groups cache for item-1
	f := newFixture(t)
	ctx := context.Background()
	g1 := f.group(t, "item-1", "h1")
	_, err := f.reg.InsertChunk(ctx, chunkFor(g1, "item-1", 0))
	require.NoError(t, err)

	ids, err := f.reg.AvailableGroups(ctx, "item-1")
	require.NoError(t, err)
	require.Equal(t, []string{g1.ID}, ids)

	// When: a chunk lands in a new group for the same item
	g2 := f.group(t, "item-1", "paragraph")
	_, err = f.reg.InsertChunk(ctx, chunkFor(g2, "item-1", 0))
	require.NoError(t, err)

	// Then: the next read includes it
	ids, err = f.reg.AvailableGroups(ctx, "item-1")
	require.NoError(t, err)
	assert.Equal(t, []string{g1.ID, g2.ID}, ids)
}

func TestAvailableGroups_CachesUntilTTL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := f.group(t, "item-1", "h1")
	_, err := f.reg.InsertChunk(ctx, chunkFor(g, "item-1", 0))
	require.NoError(t, err)

	_, err = f.reg.AvailableGroups(ctx, "item-1")
	require.NoError(t, err)
	_, err = f.reg.AvailableGroups(ctx, "item-1")
	require.NoError(t, err)
	assert.Equal(t, 1, f.counts.aggregates, "second read is a cache hit")

	f.clock.advance(DefaultCacheTTL)
	_, err = f.reg.AvailableGroups(ctx, "item-1")
	require.NoError(t, err)
	assert.Equal(t, 2, f.counts.aggregates, "expired entry is reloaded")
}

func TestAvailableGroups_GlobalGroupChunksInvalidateItem(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.reg.EnsureDefaults(ctx))

	ids, err := f.reg.AvailableGroups(ctx, "item-9")
	require.NoError(t, err)
	require.Empty(t, ids)

	def := f.reg.Defaults().GetDefaultGroup("h1")
	_, err = f.reg.InsertChunk(ctx, chunkFor(def, "item-9", 0))
	require.NoError(t, err)

	ids, err = f.reg.AvailableGroups(ctx, "item-9")
	require.NoError(t, err)
	assert.Equal(t, []string{"default-h1"}, ids)
}

func TestDeleteGroup_IsIdempotent(t *testing.T) {
	// Given: a group with five chunks
	f := newFixture(t)
	ctx := context.Background()
	g := f.group(t, "item-1", "h1")
	var batch []*store.Chunk
	for i := 0; i < 5; i++ {
		batch = append(batch, chunkFor(g, "item-1", i))
	}
	_, err := f.reg.InsertChunks(ctx, batch)
	require.NoError(t, err)

	// When: deleting it twice
	first, err := f.reg.DeleteGroup(ctx, g.ID)
	require.NoError(t, err)
	second, err := f.reg.DeleteGroup(ctx, g.ID)
	require.NoError(t, err)

	// Then: the first reports five chunks, the second zero
	assert.Equal(t, DeleteResult{DeletedGroupID: g.ID, DeletedChunkCount: 5}, first)
	assert.Equal(t, DeleteResult{DeletedGroupID: g.ID, DeletedChunkCount: 0}, second)

	_, err = f.reg.GetGroupByID(ctx, g.ID)
	assert.True(t, errors.IsNotFound(err))
}

func TestDeleteGroup_InvalidatesAvailableGroups(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := f.group(t, "item-1", "h1")
	_, err := f.reg.InsertChunk(ctx, chunkFor(g, "item-1", 0))
	require.NoError(t, err)
	_, err = f.reg.AvailableGroups(ctx, "item-1")
	require.NoError(t, err)

	_, err = f.reg.DeleteGroup(ctx, g.ID)
	require.NoError(t, err)

	ids, err := f.reg.AvailableGroups(ctx, "item-1")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestGroupStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := f.group(t, "item-1", "h1")

	_, err := f.reg.GroupStats(ctx, "missing")
	assert.True(t, errors.IsNotFound(err))

	empty, err := f.reg.GroupStats(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, empty.ChunkCount)

	a := chunkFor(g, "item-1", 0)
	a.Content = "four"
	b := chunkFor(g, "item-1", 1)
	b.Content = "eight ch"
	b.Strategy.ProcessingDuration = 30 * time.Millisecond
	_, err = f.reg.InsertChunks(ctx, []*store.Chunk{a, b})
	require.NoError(t, err)

	s, err := f.reg.GroupStats(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, s.ChunkCount)
	assert.InDelta(t, 6.0, s.AverageChunkSize, 1e-9)
	assert.Equal(t, 20*time.Millisecond, s.AverageProcessingDuration)
	assert.Equal(t, f.clock.t, s.OldestChunkCreatedAt)
}

func TestUpdateGroupChunks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := f.group(t, "item-1", "h1")
	other := f.group(t, "item-1", "paragraph")
	_, err := f.reg.InsertChunks(ctx, []*store.Chunk{chunkFor(g, "item-1", 0), chunkFor(g, "item-1", 1), chunkFor(other, "item-1", 0)})
	require.NoError(t, err)

	version := "v2"
	n, err := f.reg.UpdateGroupChunks(ctx, g.ID, store.ChunkPatch{Version: &version})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := f.mem.Chunks().Query(ctx, store.Query{Predicate: store.Predicate{Versions: []string{"v2"}}})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	_, err = f.reg.UpdateGroupChunks(ctx, "missing", store.ChunkPatch{Version: &version})
	assert.True(t, errors.IsNotFound(err))
}

func TestEnsureDefaults_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.reg.EnsureDefaults(ctx))
	require.NoError(t, f.reg.EnsureDefaults(ctx))

	page, err := f.reg.ListGroups(ctx, store.GroupQuery{DefaultOnly: true})
	require.NoError(t, err)
	assert.Equal(t, 2, page.TotalSize)

	g, err := f.reg.GetGroupByID(ctx, "default-paragraph")
	require.NoError(t, err)
	assert.True(t, g.IsDefault)
}
