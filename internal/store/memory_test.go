package store_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/chunkfusion/internal/store"
	"github.com/Aman-CERP/chunkfusion/internal/store/storetest"
)

func newMemoryChunks(t *testing.T, cfg store.MemoryConfig) *store.MemoryChunkStore {
	t.Helper()
	s, err := store.NewMemoryChunkStore(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestMemoryChunkStore_Conformance(t *testing.T) {
	storetest.RunChunkStoreSuite(t, func(t *testing.T) store.ChunkStore {
		return newMemoryChunks(t, store.MemoryConfig{})
	})
}

func TestMemoryChunkStore_ConformanceWithANN(t *testing.T) {
	// Threshold 1 routes every similarity query through HNSW narrowing.
	storetest.RunChunkStoreSuite(t, func(t *testing.T) store.ChunkStore {
		return newMemoryChunks(t, store.MemoryConfig{ANNThreshold: 1})
	})
}

func TestMemoryGroupStore_Conformance(t *testing.T) {
	storetest.RunGroupStoreSuite(t, func(t *testing.T) store.GroupStore {
		return store.NewMemoryGroupStore()
	})
}

func TestMemoryChunkStore_ANNFallsBackWhenPredicateStarvesCandidates(t *testing.T) {
	ctx := context.Background()
	s := newMemoryChunks(t, store.MemoryConfig{ANNThreshold: 10})
	require.NoError(t, s.EnsureCollection(ctx, storetest.Embedding3.CollectionKey()))

	// Given: many chunks near the query in g-near and one far chunk in g-far
	var chunks []*store.Chunk
	for i := 0; i < 200; i++ {
		chunks = append(chunks, storetest.NewChunk("item-1", "g-near", i, []float32{1, float32(i) * 0.001, 0}, storetest.Embedding3))
	}
	far := storetest.NewChunk("item-1", "g-far", 0, []float32{0, 0, 1}, storetest.Embedding3)
	chunks = append(chunks, far)
	require.NoError(t, s.Upsert(ctx, chunks))

	// When: the predicate only admits the far group
	got, err := s.SimilarityQuery(ctx, store.SimilarityRequest{
		Collection: storetest.Embedding3.CollectionKey(),
		Vector:     []float32{1, 0, 0},
		Predicate:  store.Predicate{GroupIDs: []string{"g-far"}},
		Limit:      1,
	})

	// Then: the exact scan still finds it
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, far.ID, got[0].Chunk.ID)
	assert.InDelta(t, 0.5, got[0].Score, 1e-6)
}

func TestMemoryChunkStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := newMemoryChunks(t, store.MemoryConfig{})
	require.NoError(t, s.EnsureCollection(ctx, storetest.Embedding3.CollectionKey()))
	c := storetest.NewChunk("item-1", "g1", 0, []float32{1, 0, 0}, storetest.Embedding3)
	require.NoError(t, s.Upsert(ctx, []*store.Chunk{c}))

	// Mutating the input or a result must not change stored state.
	c.Title = "mutated input"
	got, err := s.Query(ctx, store.Query{})
	require.NoError(t, err)
	got[0].Embedding[0] = 42

	again, err := s.Query(ctx, store.Query{})
	require.NoError(t, err)
	assert.Equal(t, "chunk 0", again[0].Title)
	assert.Equal(t, float32(1), again[0].Embedding[0])
}

func TestMemoryChunkStore_ClosedStoreFails(t *testing.T) {
	s, err := store.NewMemoryChunkStore(store.MemoryConfig{})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.Count(context.Background(), store.Predicate{})
	assert.Error(t, err)
}

func TestMemoryChunkStore_ManyDeletesKeepANNConsistent(t *testing.T) {
	ctx := context.Background()
	s := newMemoryChunks(t, store.MemoryConfig{ANNThreshold: 5})
	require.NoError(t, s.EnsureCollection(ctx, storetest.Embedding3.CollectionKey()))

	for round := 0; round < 3; round++ {
		var chunks []*store.Chunk
		for i := 0; i < 20; i++ {
			chunks = append(chunks, storetest.NewChunk("item-1", fmt.Sprintf("g%d", round), i, []float32{1, float32(i), float32(round)}, storetest.Embedding3))
		}
		require.NoError(t, s.Upsert(ctx, chunks))
		if round < 2 {
			n, err := s.DeleteByPredicate(ctx, store.Predicate{GroupIDs: []string{fmt.Sprintf("g%d", round)}})
			require.NoError(t, err)
			require.Equal(t, 20, n)
		}
	}

	got, err := s.SimilarityQuery(ctx, store.SimilarityRequest{
		Collection: storetest.Embedding3.CollectionKey(),
		Vector:     []float32{1, 0, 2},
		Limit:      50,
	})
	require.NoError(t, err)
	assert.Len(t, got, 20)
	for _, r := range got {
		assert.Equal(t, "g2", r.Chunk.GroupID)
	}
}
