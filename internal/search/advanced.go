package search

import (
	"context"
	"log/slog"
	"time"

	"github.com/Aman-CERP/chunkfusion/internal/errors"
	"github.com/Aman-CERP/chunkfusion/internal/store"
	"github.com/Aman-CERP/chunkfusion/internal/telemetry"
)

// SearchChunksAdvanced fetches candidates for filter, re-filters them,
// optionally removes near-duplicate content, orders them by opts.SortBy (or
// by group weight when only weights are given) and truncates to the limit.
//
// A sort field is applied by the store, so the candidate window holds the
// first chunks in that order rather than an arbitrary slice of the scope.
// With a sort field, near-duplicates are judged in position order.
//
// A nil filter fails with InvalidArgument. Any other failure is logged and
// degrades to an empty result.
func (e *Engine) SearchChunksAdvanced(ctx context.Context, filter *SearchFilter, opts SearchOptions) ([]*store.Chunk, error) {
	if filter == nil {
		return nil, errors.InvalidArgument("search filter is required")
	}
	start := time.Now()
	limit := e.limit(filter)

	order, sorted := storeOrder(opts)
	if !sorted {
		order = fetchOrder(filter)
	}
	candidates, err := e.searchChunks(ctx, filter, order, max(e.config.MaxCandidates, limit))
	if err != nil {
		if errors.IsInvalidArgument(err) {
			return nil, err
		}
		e.logger.Warn("advanced_search_failed",
			slog.String("scope", describeScope(filter)),
			slog.Any("error", errors.FormatForLog(errors.Wrap(errors.ErrCodeSearchFailed, err))))
		e.record(telemetry.SearchEvent{
			Kind:    telemetry.KindAdvanced,
			Scope:   describeScope(filter),
			Latency: time.Since(start),
			Failed:  true,
		})
		return []*store.Chunk{}, nil
	}

	results := FilterChunks(candidates, filter)
	if opts.Deduplicate {
		threshold := opts.DedupeThreshold
		if threshold <= 0 {
			threshold = e.config.DedupeThreshold
		}
		if sorted {
			store.SortChunksBy(results, store.Sort{Field: store.SortByPosition}, nil)
		}
		results = Deduplicate(results, threshold)
	}
	switch {
	case sorted:
		results = SortChunks(results, opts.SortBy, opts.SortOrder)
	case len(opts.Weights) > 0:
		results = prioritizeGroups(results, opts)
	}
	if len(results) > limit {
		results = results[:limit]
	}

	e.record(telemetry.SearchEvent{
		Kind:        telemetry.KindAdvanced,
		Scope:       describeScope(filter),
		ResultCount: len(results),
		Latency:     time.Since(start),
	})
	return results, nil
}

// storeOrder maps a post-processing sort onto the store's ordering.
func storeOrder(opts SearchOptions) (store.Sort, bool) {
	var field store.SortField
	switch opts.SortBy {
	case SortTitle:
		field = store.SortByTitle
	case SortCreatedAt:
		field = store.SortByCreatedAt
	case SortUpdatedAt:
		field = store.SortByUpdatedAt
	default:
		return store.Sort{}, false
	}
	return store.Sort{Field: field, Desc: opts.SortOrder == SortDesc}, true
}
