package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/chunkfusion/internal/store"
	"github.com/Aman-CERP/chunkfusion/internal/store/storetest"
)

func openMemory(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestChunkStore_Conformance(t *testing.T) {
	storetest.RunChunkStoreSuite(t, func(t *testing.T) store.ChunkStore {
		return openMemory(t).Chunks()
	})
}

func TestGroupStore_Conformance(t *testing.T) {
	storetest.RunGroupStoreSuite(t, func(t *testing.T) store.GroupStore {
		return openMemory(t).Groups()
	})
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	// Given: a file-backed store with one group and one chunk
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "chunks.db")

	s, err := Open(ctx, Config{Path: path})
	require.NoError(t, err)
	require.NoError(t, s.Chunks().EnsureCollection(ctx, storetest.Embedding3.CollectionKey()))
	c := storetest.NewChunk("item-1", "g1", 0, []float32{0.25, -1.5, 3}, storetest.Embedding3)
	c.Metadata.Extra = map[string]string{"page": "4"}
	require.NoError(t, s.Chunks().Upsert(ctx, []*store.Chunk{c}))
	require.NoError(t, s.Close())

	// When: reopening the same file
	s, err = Open(ctx, Config{Path: path})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	// Then: the chunk round-trips intact
	got, err := s.Chunks().Query(ctx, store.Query{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, c.Embedding, got[0].Embedding)
	assert.Equal(t, "4", got[0].Metadata.Extra["page"])
	assert.Equal(t, c.Strategy.ProcessingDuration, got[0].Strategy.ProcessingDuration)
	assert.Equal(t, storetest.Embedding3, got[0].Strategy.EmbeddingConfig)
	assert.True(t, c.CreatedAt.Equal(got[0].CreatedAt))
}

func TestEmbeddingCodec(t *testing.T) {
	v := []float32{0, 1, -1, 3.14159, 1e-7}

	got, err := decodeEmbedding(encodeEmbedding(v))
	require.NoError(t, err)
	assert.Equal(t, v, got)

	_, err = decodeEmbedding([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestFTSMatch(t *testing.T) {
	assert.Equal(t, `"kernel" OR "scheduler"`, ftsMatch("The Kernel scheduler"))
	assert.Empty(t, ftsMatch("the and of"))
}

func TestBuildWhere_StopWordOnlyTextMatchesNothing(t *testing.T) {
	_, _, ok := buildWhere(store.Predicate{Text: "the"})
	assert.False(t, ok)

	where, args, ok := buildWhere(store.Predicate{ItemIDs: []string{"a", "b"}, Versions: []string{"v1"}})
	require.True(t, ok)
	assert.Equal(t, "1 = 1 AND item_id IN (?,?) AND version IN (?)", where)
	assert.Equal(t, []any{"a", "b", "v1"}, args)
}

func TestEscapeLike(t *testing.T) {
	assert.Equal(t, `100\%\_done\\`, escapeLike(`100%_done\`))
}
