// Package search answers free-text and similarity queries over chunks that
// were produced by several independent (chunking, embedding) pipelines.
// Results from different groups are combined with weighted Reciprocal Rank
// Fusion so that incomparable raw scores never meet.
package search

import (
	"context"
	"time"

	"github.com/Aman-CERP/chunkfusion/internal/registry"
	"github.com/Aman-CERP/chunkfusion/internal/store"
)

// SearchFilter scopes a query. Empty fields match everything; non-empty
// fields combine with AND.
type SearchFilter struct {
	// ItemID and ItemIDs restrict to chunks of these items. Both may be set;
	// the union is used.
	ItemID  string
	ItemIDs []string

	// Groups names explicit groups. When empty, groups are resolved from a
	// single chunking strategy (default group) or from the item scope.
	Groups []string

	ChunkingStrategies []string
	EmbeddingProviders []string
	Versions           []string
	DateRange          store.DateRange

	// Query is free text matched against title and content, title weighted
	// higher.
	Query string

	// SimilarityThreshold is a raw cosine similarity in [-1,1]. Nil uses the
	// engine default.
	SimilarityThreshold *float64

	// Collection selects the embedding space for similarity queries. Nil
	// accepts every group whose dimension matches the query vector.
	Collection *store.CollectionKey

	// Limit caps the result count (default: EngineConfig.DefaultLimit).
	Limit int
}

// Threshold returns a SimilarityThreshold pointer for filter literals.
func Threshold(v float64) *float64 {
	return &v
}

// itemIDs returns the union of ItemID and ItemIDs.
func (f *SearchFilter) itemIDs() []string {
	if f.ItemID == "" {
		return f.ItemIDs
	}
	for _, id := range f.ItemIDs {
		if id == f.ItemID {
			return f.ItemIDs
		}
	}
	return append([]string{f.ItemID}, f.ItemIDs...)
}

// predicate converts the filter into a store predicate.
func (f *SearchFilter) predicate() store.Predicate {
	return store.Predicate{
		ItemIDs:    f.itemIDs(),
		GroupIDs:   f.Groups,
		Strategies: f.ChunkingStrategies,
		Providers:  f.EmbeddingProviders,
		Versions:   f.Versions,
		Created:    f.DateRange,
		Text:       f.Query,
	}
}

// SortField selects the post-processing order.
type SortField string

const (
	// SortRelevance keeps the fetch order (text relevance or fused rank).
	SortRelevance SortField = ""
	SortTitle     SortField = "title"
	SortCreatedAt SortField = "createdAt"
	SortUpdatedAt SortField = "updatedAt"
)

// SortOrder is ascending or descending.
type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// SearchOptions tunes ranking and post-processing.
type SearchOptions struct {
	// Weights maps group id to fusion weight (default 1.0). In the advanced
	// facade the same weights order results by group priority.
	Weights map[string]float64

	SortBy    SortField
	SortOrder SortOrder

	// Deduplicate drops chunks whose content overlaps an earlier kept chunk
	// by at least DedupeThreshold (default: EngineConfig.DedupeThreshold).
	Deduplicate     bool
	DedupeThreshold float64

	// RankFusion merges per-group result lists with weighted RRF. Without it
	// groups are searched as one ranked list.
	RankFusion bool

	// MaxResultsPerGroup caps each group's contribution to fusion
	// (default: ceil(limit / groups)).
	MaxResultsPerGroup int
}

// weight returns the fusion weight of groupID.
func (o SearchOptions) weight(groupID string) float64 {
	if w, ok := o.Weights[groupID]; ok {
		return w
	}
	return 1.0
}

// Result is one ranked similarity hit.
type Result struct {
	Chunk *store.Chunk

	// Similarity is the raw cosine similarity to the query vector.
	Similarity float64

	// Rank is the 1-based position in the returned list.
	Rank int

	// GroupID is the group the hit was attributed to.
	GroupID string

	// GroupRank is the 1-based position inside its group's list.
	GroupRank int

	// Score is the weighted fusion score, or Similarity when no fusion ran.
	Score float64
}

// GroupSource resolves groups for queries. *registry.Registry implements it.
type GroupSource interface {
	GetGroupByID(ctx context.Context, id string) (*store.Group, error)
	AvailableGroups(ctx context.Context, itemID string) ([]string, error)
	Defaults() *registry.DefaultGroups
}

var _ GroupSource = (*registry.Registry)(nil)

// EngineConfig configures the search engine.
type EngineConfig struct {
	// DefaultLimit is the default number of results (default: 100).
	DefaultLimit int

	// DefaultThreshold is the raw cosine similarity floor (default: 0.0).
	DefaultThreshold float64

	// RRFConstant is the RRF smoothing constant k (default: 60).
	RRFConstant int

	// GroupTimeout bounds each group query during fusion (default: 5s).
	GroupTimeout time.Duration

	// DedupeThreshold is the default content-dedup Jaccard floor (default: 0.9).
	DedupeThreshold float64

	// MaxCandidates caps the advanced facade's fetch (default: 1000).
	MaxCandidates int
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() EngineConfig {
	return EngineConfig{
		DefaultLimit:     100,
		DefaultThreshold: 0.0,
		RRFConstant:      DefaultRRFConstant,
		GroupTimeout:     5 * time.Second,
		DedupeThreshold:  DefaultDedupeThreshold,
		MaxCandidates:    1000,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c EngineConfig) withDefaults() EngineConfig {
	d := DefaultConfig()
	if c.DefaultLimit <= 0 {
		c.DefaultLimit = d.DefaultLimit
	}
	if c.RRFConstant <= 0 {
		c.RRFConstant = d.RRFConstant
	}
	if c.GroupTimeout <= 0 {
		c.GroupTimeout = d.GroupTimeout
	}
	if c.DedupeThreshold <= 0 {
		c.DedupeThreshold = d.DedupeThreshold
	}
	if c.MaxCandidates <= 0 {
		c.MaxCandidates = d.MaxCandidates
	}
	return c
}
