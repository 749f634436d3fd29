package search

import (
	"sort"
	"strings"

	"github.com/Aman-CERP/chunkfusion/internal/store"
)

// DefaultDedupeThreshold is the content overlap at which a chunk is a duplicate.
const DefaultDedupeThreshold = 0.9

// FilterChunks returns the chunks that pass every predicate of filter
// except the free-text query. A nil filter keeps everything. The input is
// not modified.
func FilterChunks(chunks []*store.Chunk, filter *SearchFilter) []*store.Chunk {
	out := make([]*store.Chunk, 0, len(chunks))
	if filter == nil {
		return append(out, chunks...)
	}
	p := filter.predicate()
	for _, c := range chunks {
		if p.Match(c) {
			out = append(out, c)
		}
	}
	return out
}

// SortChunks returns a stably sorted copy of chunks. Title compares
// bytewise; createdAt and updatedAt compare timestamps. SortRelevance keeps
// the input order.
func SortChunks(chunks []*store.Chunk, field SortField, order SortOrder) []*store.Chunk {
	out := append([]*store.Chunk(nil), chunks...)
	if out == nil {
		out = []*store.Chunk{}
	}
	var cmp func(a, b *store.Chunk) int
	switch field {
	case SortTitle:
		cmp = func(a, b *store.Chunk) int { return strings.Compare(a.Title, b.Title) }
	case SortCreatedAt:
		cmp = func(a, b *store.Chunk) int { return a.CreatedAt.Compare(b.CreatedAt) }
	case SortUpdatedAt:
		cmp = func(a, b *store.Chunk) int { return a.UpdatedAt.Compare(b.UpdatedAt) }
	default:
		return out
	}
	desc := order == SortDesc
	sort.SliceStable(out, func(i, j int) bool {
		c := cmp(out[i], out[j])
		if desc {
			return c > 0
		}
		return c < 0
	})
	return out
}

// Deduplicate drops every chunk whose content token set has Jaccard
// similarity >= threshold with a chunk kept before it. A threshold <= 0
// uses DefaultDedupeThreshold. The result is a fixed point: deduplicating
// it again changes nothing.
func Deduplicate(chunks []*store.Chunk, threshold float64) []*store.Chunk {
	if threshold <= 0 {
		threshold = DefaultDedupeThreshold
	}
	out := make([]*store.Chunk, 0, len(chunks))
	kept := make([]map[string]struct{}, 0, len(chunks))
	for _, c := range chunks {
		set := store.TokenSet(c.Content)
		if isDuplicate(set, kept, threshold) {
			continue
		}
		kept = append(kept, set)
		out = append(out, c)
	}
	return out
}

func isDuplicate(set map[string]struct{}, kept []map[string]struct{}, threshold float64) bool {
	for _, k := range kept {
		if store.Jaccard(set, k) >= threshold {
			return true
		}
	}
	return false
}

// prioritizeGroups stably orders chunks by descending group weight. Groups
// without a weight count as 1.0; equal weights keep their input order.
func prioritizeGroups(chunks []*store.Chunk, opts SearchOptions) []*store.Chunk {
	out := append([]*store.Chunk(nil), chunks...)
	sort.SliceStable(out, func(i, j int) bool {
		return opts.weight(out[i].GroupID) > opts.weight(out[j].GroupID)
	})
	return out
}
