package store

import (
	"sort"
)

// positionLess orders by item, index, group, then id.
func positionLess(a, b *Chunk) bool {
	if a.ItemID != b.ItemID {
		return a.ItemID < b.ItemID
	}
	if a.Index != b.Index {
		return a.Index < b.Index
	}
	if a.GroupID != b.GroupID {
		return a.GroupID < b.GroupID
	}
	return a.ID < b.ID
}

// SortChunksBy orders chunks for Query. Relevance uses scores (descending)
// and degrades to position order when scores is nil. Ties on the primary
// field always fall back to ascending position.
func SortChunksBy(chunks []*Chunk, s Sort, scores map[string]float64) {
	cmp := func(a, b *Chunk) int {
		switch s.Field {
		case SortByTitle:
			return compareStrings(a.Title, b.Title)
		case SortByCreatedAt:
			return a.CreatedAt.Compare(b.CreatedAt)
		case SortByUpdatedAt:
			return a.UpdatedAt.Compare(b.UpdatedAt)
		}
		return 0
	}

	sort.SliceStable(chunks, func(i, j int) bool {
		a, b := chunks[i], chunks[j]
		if s.Field == SortByRelevance && scores != nil {
			sa, sb := scores[a.ID], scores[b.ID]
			if sa != sb {
				return sa > sb
			}
			return positionLess(a, b)
		}
		if c := cmp(a, b); c != 0 {
			if s.Desc {
				return c > 0
			}
			return c < 0
		}
		return positionLess(a, b)
	})
}

// SortScored orders similarity results by score descending, then GroupID,
// then Index, then ItemID.
func SortScored(results []ScoredChunk) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Chunk.GroupID != b.Chunk.GroupID {
			return a.Chunk.GroupID < b.Chunk.GroupID
		}
		if a.Chunk.Index != b.Chunk.Index {
			return a.Chunk.Index < b.Chunk.Index
		}
		return a.Chunk.ItemID < b.Chunk.ItemID
	})
}

func compareStrings(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
