package search

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Aman-CERP/chunkfusion/internal/errors"
	"github.com/Aman-CERP/chunkfusion/internal/store"
	"github.com/Aman-CERP/chunkfusion/internal/telemetry"
)

// DefaultRRFConstant is the standard RRF smoothing parameter.
const DefaultRRFConstant = 60

// FindSimilarAcrossGroups ranks chunks nearest to vector across every
// resolved group.
//
// With opts.RankFusion and more than one group, each group is queried
// concurrently and every hit at 1-based group rank r scores
//
//	similarity * weight(group) / (r + k)
//
// Hits are sorted by that score (ties by group id, then index) and
// deduplicated on (item id, index), keeping the first. A group that cannot
// be resolved, fails its query or misses the group timeout contributes
// nothing. Otherwise this is FindSimilar.
func (e *Engine) FindSimilarAcrossGroups(ctx context.Context, vector []float32, filter *SearchFilter, opts SearchOptions) ([]Result, error) {
	if err := validateSimilarity(vector, filter); err != nil {
		return nil, err
	}
	start := time.Now()
	limit := e.limit(filter)

	var targets []groupTarget
	if ids := uniqueIDs(filter.Groups); opts.RankFusion && len(ids) > 1 {
		// explicit groups are resolved inside the fan-out
		for _, id := range ids {
			targets = append(targets, groupTarget{id: id})
		}
	} else {
		groups, err := e.resolveGroups(ctx, vector, filter)
		if err != nil {
			return nil, err
		}
		if !opts.RankFusion || len(groups) <= 1 {
			results, err := e.findSimilar(ctx, vector, filter, groups, limit)
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
		for _, g := range groups {
			targets = append(targets, groupTarget{id: g.ID, group: g})
		}
	}

	lists, failed := e.searchGroups(ctx, vector, filter, targets, perGroupLimit(opts, limit, len(targets)))
	ids := make([]string, len(targets))
	for i, t := range targets {
		ids[i] = t.id
	}
	results := fuseRanked(lists, ids, opts, float64(e.config.RRFConstant), limit)
	e.record(telemetry.SearchEvent{
		Kind:         telemetry.KindFused,
		Scope:        describeScope(filter),
		Groups:       ids,
		FailedGroups: failed,
		ResultCount:  len(results),
		Latency:      time.Since(start),
	})
	return results, nil
}

func perGroupLimit(opts SearchOptions, limit, groups int) int {
	if opts.MaxResultsPerGroup > 0 {
		return opts.MaxResultsPerGroup
	}
	return (limit + groups - 1) / groups
}

// groupTarget is one group of a fused query. A nil group is looked up
// and checked against the query by the worker that searches it.
type groupTarget struct {
	id    string
	group *store.Group
}

type groupOutcome struct {
	i    int
	hits []Result
	err  error
}

// searchGroups queries every target in parallel. lists[i] holds target i's
// ranked hits; failed lists the ids of targets that errored or did not
// answer within the group timeout. Collection never waits past the
// timeout, even for a store that ignores ctx; late answers are discarded.
func (e *Engine) searchGroups(ctx context.Context, vector []float32, filter *SearchFilter, targets []groupTarget, limit int) ([][]Result, []string) {
	lists := make([][]Result, len(targets))
	errs := make([]error, len(targets))
	done := make([]bool, len(targets))

	// buffered so abandoned workers never block
	outcomes := make(chan groupOutcome, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, t := range targets {
		g.Go(func() error {
			qctx, cancel := context.WithTimeout(gctx, e.config.GroupTimeout)
			defer cancel()
			hits, err := e.queryGroup(qctx, vector, filter, t, limit)
			outcomes <- groupOutcome{i: i, hits: hits, err: err}
			return nil // Don't fail the group
		})
	}
	// Workers never return an error; Wait only releases gctx.
	go func() { _ = g.Wait() }()

	deadline := time.NewTimer(e.config.GroupTimeout)
	defer deadline.Stop()
	var cause error
	for pending := len(targets); pending > 0 && cause == nil; {
		select {
		case o := <-outcomes:
			pending--
			done[o.i] = true
			lists[o.i], errs[o.i] = o.hits, o.err
		case <-deadline.C:
			cause = context.DeadlineExceeded
		case <-ctx.Done():
			cause = ctx.Err()
		}
	}

	var failed []string
	for i, err := range errs {
		if !done[i] {
			lists[i] = nil
			err = errors.New(errors.ErrCodeStoreTimeout,
				fmt.Sprintf("group %s did not answer within %s", targets[i].id, e.config.GroupTimeout), cause)
		}
		if err == nil {
			continue
		}
		failed = append(failed, targets[i].id)
		e.logger.Warn("fusion_group_failed",
			slog.String("group_id", targets[i].id),
			slog.String("error_code", errors.GetCode(err)),
			slog.String("error", err.Error()))
	}
	return lists, failed
}

// queryGroup runs one group's similarity query, resolving the group first
// when the target carries only its id.
func (e *Engine) queryGroup(ctx context.Context, vector []float32, filter *SearchFilter, t groupTarget, limit int) ([]Result, error) {
	grp := t.group
	if grp == nil {
		var err error
		if grp, err = e.groups.GetGroupByID(ctx, t.id); err != nil {
			return nil, err
		}
		if err := checkGroup(grp, vector, filter); err != nil {
			return nil, err
		}
		if !strategyAllowed(grp, filter) {
			return nil, nil
		}
	}
	hits, err := e.querySimilar(ctx, vector, filter, grp.EmbeddingConfig.CollectionKey(), []string{grp.ID}, limit)
	if err != nil {
		return nil, err
	}
	return toResults(hits), nil
}

func uniqueIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

type identityKey struct {
	itemID string
	index  int
}

// fuseRanked merges per-group lists into one weighted-RRF ranking.
// lists[i] belongs to group groupIDs[i].
func fuseRanked(lists [][]Result, groupIDs []string, opts SearchOptions, k float64, limit int) []Result {
	var candidates []Result
	for i, list := range lists {
		w := opts.weight(groupIDs[i])
		for _, r := range list {
			r.GroupID = groupIDs[i]
			r.Score = r.Similarity * w / (float64(r.GroupRank) + k)
			candidates = append(candidates, r)
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return compareFused(candidates[i], candidates[j])
	})

	// Return empty slice, not nil, for consistent API behavior
	results := make([]Result, 0, min(len(candidates), limit))
	seen := make(map[identityKey]bool, len(candidates))
	for _, c := range candidates {
		key := identityKey{itemID: c.Chunk.ItemID, index: c.Chunk.Index}
		if seen[key] {
			continue
		}
		seen[key] = true
		c.Rank = len(results) + 1
		results = append(results, c)
		if len(results) == limit {
			break
		}
	}
	return results
}

// compareFused reports whether a ranks before b: higher score, then group
// id, then index, then item id.
func compareFused(a, b Result) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.GroupID != b.GroupID {
		return a.GroupID < b.GroupID
	}
	if a.Chunk.Index != b.Chunk.Index {
		return a.Chunk.Index < b.Chunk.Index
	}
	return a.Chunk.ItemID < b.Chunk.ItemID
}
