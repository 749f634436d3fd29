// Package storetest is a conformance suite shared by every store backend.
package storetest

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

// Embedding3 is the three-dimensional config used by the suite.
var Embedding3 = store.EmbeddingConfig{Provider: "test", Model: "tiny", Dimension: 3}

// Embedding2 lives in a separate collection from Embedding3.
var Embedding2 = store.EmbeddingConfig{Provider: "other", Model: "mini", Dimension: 2}

// BaseTime anchors fixture timestamps.
var BaseTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// NewChunk builds a fixture chunk. Its id is derived from the key.
func NewChunk(itemID, groupID string, index int, emb []float32, cfg store.EmbeddingConfig) *store.Chunk {
	created := BaseTime.Add(time.Duration(index) * time.Minute)
	return &store.Chunk{
		ID:        fmt.Sprintf("%s-%s-%d", itemID, groupID, index),
		ItemID:    itemID,
		GroupID:   groupID,
		Title:     fmt.Sprintf("chunk %d", index),
		Content:   fmt.Sprintf("content of chunk %d", index),
		Index:     index,
		Embedding: emb,
		Strategy: store.StrategyMetadata{
			ChunkingStrategy:    "h1",
			EmbeddingConfig:     cfg,
			ProcessingTimestamp: created,
			ProcessingDuration:  time.Duration(index+1) * time.Millisecond,
			Version:             "v1",
		},
		Metadata:  store.ChunkMetadata{ChunkType: "text", WordCount: 4},
		CreatedAt: created,
		UpdatedAt: created,
	}
}

// RunChunkStoreSuite runs the ChunkStore contract against stores built by newStore.
func RunChunkStoreSuite(t *testing.T, newStore func(t *testing.T) store.ChunkStore) {
	ctx := context.Background()

	setup := func(t *testing.T) store.ChunkStore {
		s := newStore(t)
		require.NoError(t, s.EnsureCollection(ctx, Embedding3.CollectionKey()))
		require.NoError(t, s.EnsureCollection(ctx, Embedding2.CollectionKey()))
		return s
	}

	t.Run("EnsureCollectionIsIdempotent", func(t *testing.T) {
		s := setup(t)
		assert.NoError(t, s.EnsureCollection(ctx, Embedding3.CollectionKey()))
		err := s.EnsureCollection(ctx, store.CollectionKey{Provider: "p", Model: "m"})
		assert.True(t, errors.IsInvalidArgument(err))
	})

	t.Run("UpsertRejectsDimensionMismatchWithoutWriting", func(t *testing.T) {
		s := setup(t)

		// Given: a batch where one chunk carries a 2-dim vector for a 3-dim collection
		good := NewChunk("item-1", "g1", 0, []float32{1, 0, 0}, Embedding3)
		bad := NewChunk("item-1", "g1", 1, []float32{1, 0}, Embedding3)

		// When: upserting the batch
		err := s.Upsert(ctx, []*store.Chunk{good, bad})

		// Then: the whole batch is rejected
		require.Error(t, err)
		assert.True(t, errors.IsDimensionMismatch(err))
		n, err := s.Count(ctx, store.Predicate{})
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})

	t.Run("UpsertIntoMissingCollectionFails", func(t *testing.T) {
		s := newStore(t)
		err := s.Upsert(ctx, []*store.Chunk{NewChunk("item-1", "g1", 0, []float32{1, 0, 0}, Embedding3)})
		assert.True(t, errors.IsNotFound(err))
	})

	t.Run("UpsertReplacesSameKey", func(t *testing.T) {
		s := setup(t)
		first := NewChunk("item-1", "g1", 0, []float32{1, 0, 0}, Embedding3)
		require.NoError(t, s.Upsert(ctx, []*store.Chunk{first}))

		second := NewChunk("item-1", "g1", 0, []float32{0, 1, 0}, Embedding3)
		second.ID = "replacement"
		second.Title = "replaced"
		require.NoError(t, s.Upsert(ctx, []*store.Chunk{second}))

		got, err := s.Query(ctx, store.Query{Predicate: store.Predicate{ItemIDs: []string{"item-1"}}})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "replacement", got[0].ID)
		assert.Equal(t, "replaced", got[0].Title)
		assert.Equal(t, []float32{0, 1, 0}, got[0].Embedding)
	})

	t.Run("QueryAppliesPredicateConjunction", func(t *testing.T) {
		s := setup(t)
		c1 := NewChunk("item-1", "g1", 0, []float32{1, 0, 0}, Embedding3)
		c2 := NewChunk("item-1", "g2", 1, []float32{0, 1, 0}, Embedding3)
		c2.Strategy.ChunkingStrategy = "paragraph"
		c3 := NewChunk("item-2", "g3", 2, []float32{1, 1}, Embedding2)
		c3.Strategy.Version = "v2"
		require.NoError(t, s.Upsert(ctx, []*store.Chunk{c1, c2, c3}))

		tests := []struct {
			name string
			p    store.Predicate
			want []string
		}{
			{"match all", store.Predicate{}, []string{c1.ID, c2.ID, c3.ID}},
			{"item", store.Predicate{ItemIDs: []string{"item-1"}}, []string{c1.ID, c2.ID}},
			{"item and group", store.Predicate{ItemIDs: []string{"item-1"}, GroupIDs: []string{"g2"}}, []string{c2.ID}},
			{"strategy", store.Predicate{Strategies: []string{"h1"}}, []string{c1.ID, c3.ID}},
			{"provider", store.Predicate{Providers: []string{"other"}}, []string{c3.ID}},
			{"version", store.Predicate{Versions: []string{"v2"}}, []string{c3.ID}},
			{"created from", store.Predicate{Created: store.DateRange{From: BaseTime.Add(time.Minute)}}, []string{c2.ID, c3.ID}},
			{"created to", store.Predicate{Created: store.DateRange{To: BaseTime}}, []string{c1.ID}},
			{"no match", store.Predicate{ItemIDs: []string{"item-2"}, Strategies: []string{"paragraph"}}, []string{}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				got, err := s.Query(ctx, store.Query{Predicate: tt.p})
				require.NoError(t, err)
				assert.Equal(t, tt.want, chunkIDs(got))
			})
		}
	})

	t.Run("QueryTextBoostsTitleOverContent", func(t *testing.T) {
		s := setup(t)
		inContent := NewChunk("item-1", "g1", 0, []float32{1, 0, 0}, Embedding3)
		inContent.Title = "introduction"
		inContent.Content = "the kernel scheduler balances runnable threads"
		inTitle := NewChunk("item-1", "g1", 1, []float32{0, 1, 0}, Embedding3)
		inTitle.Title = "scheduler"
		inTitle.Content = "how tasks are picked to run next"
		unrelated := NewChunk("item-1", "g1", 2, []float32{0, 0, 1}, Embedding3)
		unrelated.Title = "memory"
		unrelated.Content = "page tables and virtual addresses"
		require.NoError(t, s.Upsert(ctx, []*store.Chunk{inContent, inTitle, unrelated}))

		got, err := s.Query(ctx, store.Query{
			Predicate: store.Predicate{Text: "scheduler"},
			Sort:      store.Sort{Field: store.SortByRelevance},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{inTitle.ID, inContent.ID}, chunkIDs(got))
	})

	t.Run("QuerySortsAndLimits", func(t *testing.T) {
		s := setup(t)
		a := NewChunk("item-1", "g1", 0, []float32{1, 0, 0}, Embedding3)
		a.Title = "beta"
		b := NewChunk("item-1", "g1", 1, []float32{0, 1, 0}, Embedding3)
		b.Title = "alpha"
		c := NewChunk("item-1", "g1", 2, []float32{0, 0, 1}, Embedding3)
		c.Title = "gamma"
		require.NoError(t, s.Upsert(ctx, []*store.Chunk{a, b, c}))

		got, err := s.Query(ctx, store.Query{Sort: store.Sort{Field: store.SortByTitle}})
		require.NoError(t, err)
		assert.Equal(t, []string{b.ID, a.ID, c.ID}, chunkIDs(got))

		got, err = s.Query(ctx, store.Query{Sort: store.Sort{Field: store.SortByCreatedAt, Desc: true}, Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, []string{c.ID, b.ID}, chunkIDs(got))

		got, err = s.Query(ctx, store.Query{})
		require.NoError(t, err)
		assert.Equal(t, []string{a.ID, b.ID, c.ID}, chunkIDs(got))
	})

	t.Run("SimilarityQueryOrdersDeterministically", func(t *testing.T) {
		s := setup(t)

		// Given: two groups holding identical vectors at different positions
		exactB := NewChunk("item-1", "gB", 0, []float32{1, 0, 0}, Embedding3)
		exactA1 := NewChunk("item-1", "gA", 1, []float32{1, 0, 0}, Embedding3)
		exactA0 := NewChunk("item-2", "gA", 0, []float32{2, 0, 0}, Embedding3)
		near := NewChunk("item-1", "gA", 2, []float32{1, 1, 0}, Embedding3)
		opposite := NewChunk("item-1", "gA", 3, []float32{-1, 0, 0}, Embedding3)
		require.NoError(t, s.Upsert(ctx, []*store.Chunk{exactB, exactA1, exactA0, near, opposite}))

		// When: querying with a threshold at raw cosine 0
		got, err := s.SimilarityQuery(ctx, store.SimilarityRequest{
			Collection: Embedding3.CollectionKey(),
			Vector:     []float32{1, 0, 0},
			MinScore:   0.5,
			Limit:      10,
		})
		require.NoError(t, err)

		// Then: score desc, then group asc, then index asc; the opposite vector is cut
		ids := make([]string, len(got))
		for i, r := range got {
			ids[i] = r.Chunk.ID
		}
		assert.Equal(t, []string{exactA0.ID, exactA1.ID, exactB.ID, near.ID}, ids)
		assert.InDelta(t, 1.0, got[0].Score, 1e-6)
		assert.InDelta(t, store.ShiftScore(1/1.4142135), got[3].Score, 1e-4)
		assert.InDelta(t, 1.0, got[0].Similarity, 1e-12)
		assert.InDelta(t, 1/1.4142135, got[3].Similarity, 1e-4)
	})

	t.Run("SimilarityQueryRespectsPredicateAndLimit", func(t *testing.T) {
		s := setup(t)
		c1 := NewChunk("item-1", "g1", 0, []float32{1, 0, 0}, Embedding3)
		c2 := NewChunk("item-1", "g2", 1, []float32{1, 0.1, 0}, Embedding3)
		c3 := NewChunk("item-1", "g2", 2, []float32{1, 0.2, 0}, Embedding3)
		require.NoError(t, s.Upsert(ctx, []*store.Chunk{c1, c2, c3}))

		got, err := s.SimilarityQuery(ctx, store.SimilarityRequest{
			Collection: Embedding3.CollectionKey(),
			Vector:     []float32{1, 0, 0},
			Predicate:  store.Predicate{GroupIDs: []string{"g2"}},
			Limit:      1,
		})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, c2.ID, got[0].Chunk.ID)
	})

	t.Run("SimilarityQueryRejectsDimensionMismatch", func(t *testing.T) {
		s := setup(t)
		_, err := s.SimilarityQuery(ctx, store.SimilarityRequest{
			Collection: Embedding3.CollectionKey(),
			Vector:     []float32{1, 0},
			Limit:      5,
		})
		assert.True(t, errors.IsDimensionMismatch(err))
	})

	t.Run("SimilarityQueryOnEmptyCollection", func(t *testing.T) {
		s := setup(t)
		got, err := s.SimilarityQuery(ctx, store.SimilarityRequest{
			Collection: Embedding2.CollectionKey(),
			Vector:     []float32{1, 0},
			Limit:      5,
		})
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("DeleteAndCountByPredicate", func(t *testing.T) {
		s := setup(t)
		var chunks []*store.Chunk
		for i := 0; i < 5; i++ {
			chunks = append(chunks, NewChunk("item-1", "g1", i, []float32{1, float32(i), 0}, Embedding3))
		}
		chunks = append(chunks, NewChunk("item-1", "g2", 0, []float32{0, 1, 0}, Embedding3))
		require.NoError(t, s.Upsert(ctx, chunks))

		n, err := s.Count(ctx, store.Predicate{GroupIDs: []string{"g1"}})
		require.NoError(t, err)
		assert.Equal(t, 5, n)

		deleted, err := s.DeleteByPredicate(ctx, store.Predicate{GroupIDs: []string{"g1"}})
		require.NoError(t, err)
		assert.Equal(t, 5, deleted)

		deleted, err = s.DeleteByPredicate(ctx, store.Predicate{GroupIDs: []string{"g1"}})
		require.NoError(t, err)
		assert.Equal(t, 0, deleted)

		n, err = s.Count(ctx, store.Predicate{})
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		got, err := s.SimilarityQuery(ctx, store.SimilarityRequest{
			Collection: Embedding3.CollectionKey(),
			Vector:     []float32{1, 0, 0},
			Limit:      10,
		})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "g2", got[0].Chunk.GroupID)
	})

	t.Run("UpdateByPredicatePatchesFields", func(t *testing.T) {
		s := setup(t)
		c1 := NewChunk("item-1", "g1", 0, []float32{1, 0, 0}, Embedding3)
		c2 := NewChunk("item-1", "g1", 1, []float32{0, 1, 0}, Embedding3)
		c3 := NewChunk("item-1", "g2", 0, []float32{0, 0, 1}, Embedding3)
		require.NoError(t, s.Upsert(ctx, []*store.Chunk{c1, c2, c3}))

		version := "v9"
		chunkType := "table"
		n, err := s.UpdateByPredicate(ctx, store.Predicate{GroupIDs: []string{"g1"}}, store.ChunkPatch{
			Version:   &version,
			ChunkType: &chunkType,
			Extra:     map[string]string{"reviewed": "yes"},
		})
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		got, err := s.Query(ctx, store.Query{Predicate: store.Predicate{Versions: []string{"v9"}}})
		require.NoError(t, err)
		require.Len(t, got, 2)
		for _, c := range got {
			assert.Equal(t, "g1", c.GroupID)
			assert.Equal(t, "table", c.Metadata.ChunkType)
			assert.Equal(t, "yes", c.Metadata.Extra["reviewed"])
		}
	})

	t.Run("AggregateSummarisesPerGroup", func(t *testing.T) {
		s := setup(t)
		c1 := NewChunk("item-1", "g1", 0, []float32{1, 0, 0}, Embedding3)
		c2 := NewChunk("item-1", "g1", 3, []float32{0, 1, 0}, Embedding3)
		c3 := NewChunk("item-1", "g2", 1, []float32{1, 1}, Embedding2)
		c4 := NewChunk("item-2", "g9", 0, []float32{0, 0, 1}, Embedding3)
		require.NoError(t, s.Upsert(ctx, []*store.Chunk{c1, c2, c3, c4}))

		got, err := s.Aggregate(ctx, store.Predicate{ItemIDs: []string{"item-1"}})
		require.NoError(t, err)
		require.Len(t, got, 2)

		assert.Equal(t, "g1", got[0].GroupID)
		assert.Equal(t, 2, got[0].ChunkCount)
		assert.Equal(t, int64(len(c1.Content)+len(c2.Content)), got[0].TotalContentLength)
		assert.Equal(t, 5*time.Millisecond, got[0].TotalProcessingDuration)
		assert.True(t, c1.CreatedAt.Equal(got[0].OldestCreatedAt))
		assert.True(t, c2.UpdatedAt.Equal(got[0].NewestUpdatedAt))
		assert.Equal(t, "g2", got[1].GroupID)
		assert.Equal(t, 1, got[1].ChunkCount)
	})
}

// RunGroupStoreSuite runs the GroupStore contract against stores built by newStore.
func RunGroupStoreSuite(t *testing.T, newStore func(t *testing.T) store.GroupStore) {
	ctx := context.Background()

	newGroup := func(id, itemID, name string, offset int) *store.Group {
		created := BaseTime.Add(time.Duration(offset) * time.Second)
		return &store.Group{
			ID:               id,
			ItemID:           itemID,
			Name:             name,
			Description:      "group " + name,
			ChunkingStrategy: "h1",
			ChunkingConfig:   store.ChunkingConfig{MaxChunkSize: 512, Overlap: 32},
			EmbeddingConfig:  Embedding3,
			IsActive:         true,
			Tags:             []string{"tag-" + name},
			CreatedAt:        created,
			UpdatedAt:        created,
			CreatedBy:        "tester",
		}
	}

	t.Run("CreateAndGet", func(t *testing.T) {
		s := newStore(t)
		g := newGroup("g1", "item-1", "first", 0)
		require.NoError(t, s.Create(ctx, g))

		got, err := s.Get(ctx, "g1")
		require.NoError(t, err)
		assert.Equal(t, g.Name, got.Name)
		assert.Equal(t, g.EmbeddingConfig, got.EmbeddingConfig)
		assert.Equal(t, g.ChunkingConfig.MaxChunkSize, got.ChunkingConfig.MaxChunkSize)
		assert.Equal(t, g.Tags, got.Tags)
		assert.True(t, g.CreatedAt.Equal(got.CreatedAt))

		_, err = s.Get(ctx, "missing")
		assert.True(t, errors.IsNotFound(err))
	})

	t.Run("CreateDuplicateIDConflicts", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, newGroup("g1", "item-1", "first", 0)))
		err := s.Create(ctx, newGroup("g1", "item-1", "again", 1))
		assert.Equal(t, errors.ErrCodeConflict, errors.GetCode(err))
	})

	t.Run("SecondDefaultForSameStrategyConflicts", func(t *testing.T) {
		s := newStore(t)
		d1 := newGroup("d1", "item-1", "d1", 0)
		d1.IsDefault = true
		require.NoError(t, s.Create(ctx, d1))

		d2 := newGroup("d2", "item-1", "d2", 1)
		d2.IsDefault = true
		err := s.Create(ctx, d2)
		assert.Equal(t, errors.ErrCodeConflict, errors.GetCode(err))

		// A global default and another item's default are separate scopes.
		global := newGroup("d3", "", "global", 2)
		global.IsDefault = true
		assert.NoError(t, s.Create(ctx, global))
		other := newGroup("d4", "item-2", "other", 3)
		other.IsDefault = true
		assert.NoError(t, s.Create(ctx, other))
	})

	t.Run("DeleteReportsExistence", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, newGroup("g1", "item-1", "first", 0)))

		existed, err := s.Delete(ctx, "g1")
		require.NoError(t, err)
		assert.True(t, existed)

		existed, err = s.Delete(ctx, "g1")
		require.NoError(t, err)
		assert.False(t, existed)
	})

	t.Run("ListPaginatesStably", func(t *testing.T) {
		s := newStore(t)
		for i := 0; i < 5; i++ {
			require.NoError(t, s.Create(ctx, newGroup(fmt.Sprintf("g%d", i), "item-1", fmt.Sprintf("n%d", 4-i), i)))
		}
		require.NoError(t, s.Create(ctx, newGroup("x", "item-2", "elsewhere", 9)))

		var seen []string
		token := ""
		pages := 0
		for {
			page, err := s.List(ctx, store.GroupQuery{ItemID: "item-1", PageSize: 2, PageToken: token})
			require.NoError(t, err)
			assert.Equal(t, 5, page.TotalSize)
			for _, g := range page.Groups {
				seen = append(seen, g.ID)
			}
			pages++
			if page.NextPageToken == "" {
				break
			}
			token = page.NextPageToken
		}
		assert.Equal(t, 3, pages)
		assert.Equal(t, []string{"g0", "g1", "g2", "g3", "g4"}, seen)

		page, err := s.List(ctx, store.GroupQuery{ItemID: "item-1", OrderBy: store.OrderByName, PageSize: 3})
		require.NoError(t, err)
		assert.Equal(t, []string{"g4", "g3", "g2"}, groupIDs(page.Groups))

		// A token issued for one ordering is rejected under another.
		_, err = s.List(ctx, store.GroupQuery{ItemID: "item-1", PageToken: page.NextPageToken})
		assert.Equal(t, errors.ErrCodeInvalidPageToken, errors.GetCode(err))
		assert.True(t, errors.IsInvalidArgument(err))
	})

	t.Run("ListRejectsGarbageToken", func(t *testing.T) {
		s := newStore(t)
		_, err := s.List(ctx, store.GroupQuery{PageToken: "%%%not-a-token"})
		assert.Equal(t, errors.ErrCodeInvalidPageToken, errors.GetCode(err))
	})

	t.Run("ListTextFilterMatchesNameDescriptionAndTags", func(t *testing.T) {
		s := newStore(t)
		a := newGroup("a", "item-1", "Semantic headers", 0)
		b := newGroup("b", "item-1", "plain", 1)
		b.Description = "paragraph level SEMANTIC split"
		c := newGroup("c", "item-1", "other", 2)
		c.Tags = []string{"semantic-v2"}
		d := newGroup("d", "item-1", "unrelated", 3)
		for _, g := range []*store.Group{a, b, c, d} {
			require.NoError(t, s.Create(ctx, g))
		}

		page, err := s.List(ctx, store.GroupQuery{TextFilter: "semantic"})
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, groupIDs(page.Groups))
		assert.Equal(t, 3, page.TotalSize)
	})

	t.Run("ListFiltersDefaultsByStrategy", func(t *testing.T) {
		s := newStore(t)
		d := newGroup("default-h1", "", "default h1", 0)
		d.IsDefault = true
		p := newGroup("default-paragraph", "", "default paragraph", 1)
		p.IsDefault = true
		p.ChunkingStrategy = "paragraph"
		require.NoError(t, s.Create(ctx, d))
		require.NoError(t, s.Create(ctx, p))
		require.NoError(t, s.Create(ctx, newGroup("g", "item-1", "plain", 2)))

		page, err := s.List(ctx, store.GroupQuery{DefaultOnly: true, ChunkingStrategy: "paragraph"})
		require.NoError(t, err)
		assert.Equal(t, []string{"default-paragraph"}, groupIDs(page.Groups))
	})
}

func chunkIDs(chunks []*store.Chunk) []string {
	ids := make([]string, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ID
	}
	return ids
}

func groupIDs(groups []*store.Group) []string {
	ids := make([]string, len(groups))
	for i, g := range groups {
		ids[i] = g.ID
	}
	return ids
}
