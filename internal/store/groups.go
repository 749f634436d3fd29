package store

import (
	"sort"
	"strings"
)

// GroupMatches reports whether g passes every filter of q except paging.
func GroupMatches(g *Group, q GroupQuery) bool {
	if q.ItemID != "" && g.ItemID != q.ItemID {
		return false
	}
	if q.ChunkingStrategy != "" && g.ChunkingStrategy != q.ChunkingStrategy {
		return false
	}
	if q.DefaultOnly && !g.IsDefault {
		return false
	}
	if q.TextFilter == "" {
		return true
	}
	needle := strings.ToLower(q.TextFilter)
	if strings.Contains(strings.ToLower(g.Name), needle) ||
		strings.Contains(strings.ToLower(g.Description), needle) {
		return true
	}
	for _, tag := range g.Tags {
		if strings.Contains(strings.ToLower(tag), needle) {
			return true
		}
	}
	return false
}

// PageGroups filters, orders and pages an in-memory group set. q must be
// normalized.
func PageGroups(all []*Group, q GroupQuery) (*GroupPage, error) {
	var cursor *PageCursor
	if q.PageToken != "" {
		c, err := DecodePageToken(q.PageToken, q.OrderBy)
		if err != nil {
			return nil, err
		}
		cursor = &c
	}

	matched := make([]*Group, 0, len(all))
	for _, g := range all {
		if GroupMatches(g, q) {
			matched = append(matched, g)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		ki, kj := GroupSortKey(matched[i], q.OrderBy), GroupSortKey(matched[j], q.OrderBy)
		if ki != kj {
			return ki < kj
		}
		return matched[i].ID < matched[j].ID
	})

	start := 0
	if cursor != nil {
		start = sort.Search(len(matched), func(i int) bool {
			k := GroupSortKey(matched[i], q.OrderBy)
			return k > cursor.Key || (k == cursor.Key && matched[i].ID > cursor.ID)
		})
	}

	end := start + q.PageSize
	if end > len(matched) {
		end = len(matched)
	}

	page := &GroupPage{
		Groups:    make([]*Group, 0, end-start),
		TotalSize: len(matched),
	}
	for _, g := range matched[start:end] {
		page.Groups = append(page.Groups, g.Clone())
	}
	if end < len(matched) && end > start {
		page.NextPageToken = EncodePageToken(CursorFor(matched[end-1], q.OrderBy))
	}
	return page, nil
}
