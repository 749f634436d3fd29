// Package store defines the chunk and group data model, the storage contracts
// the search core runs against, and an in-memory backend.
//
// Chunks embedded under incompatible configurations live in separate
// collections keyed by (provider, model, dimension). Similarity scores
// returned by a ChunkStore are shifted into [0,1] as (cosine+1)/2.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// EmbeddingConfig identifies the embedding pipeline that produced a vector.
type EmbeddingConfig struct {
	Provider  string            `json:"provider" yaml:"provider"`
	Model     string            `json:"model" yaml:"model"`
	Dimension int               `json:"dimension" yaml:"dimension"`
	BatchSize int               `json:"batchSize,omitempty" yaml:"batch_size,omitempty"`
	Extra     map[string]string `json:"extra,omitempty" yaml:"extra,omitempty"`
}

// CollectionKey returns the physical partition this config's vectors live in.
func (c EmbeddingConfig) CollectionKey() CollectionKey {
	return CollectionKey{Provider: c.Provider, Model: c.Model, Dimension: c.Dimension}
}

// ChunkingConfig holds the chunker parameters a group was produced with.
type ChunkingConfig struct {
	MaxChunkSize int               `json:"maxChunkSize,omitempty" yaml:"max_chunk_size,omitempty"`
	MinChunkSize int               `json:"minChunkSize,omitempty" yaml:"min_chunk_size,omitempty"`
	Overlap      int               `json:"overlap,omitempty" yaml:"overlap,omitempty"`
	Extra        map[string]string `json:"extra,omitempty" yaml:"extra,omitempty"`
}

// CollectionKey names one chunk collection.
type CollectionKey struct {
	Provider  string
	Model     string
	Dimension int
}

// String renders the key as a stable identifier safe for index and table names.
func (k CollectionKey) String() string {
	return fmt.Sprintf("%s_%s_%d", sanitizeName(k.Provider), sanitizeName(k.Model), k.Dimension)
}

func sanitizeName(s string) string {
	if s == "" {
		return "none"
	}
	var sb strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			sb.WriteRune(r)
		default:
			sb.WriteByte('_')
		}
	}
	return sb.String()
}

// StrategyMetadata records the pipeline provenance stamped on every chunk.
type StrategyMetadata struct {
	ChunkingStrategy    string          `json:"chunkingStrategy"`
	ChunkingConfig      ChunkingConfig  `json:"chunkingConfig"`
	EmbeddingConfig     EmbeddingConfig `json:"embeddingConfig"`
	ProcessingTimestamp time.Time       `json:"processingTimestamp"`
	ProcessingDuration  time.Duration   `json:"processingDuration"`
	Version             string          `json:"version,omitempty"`
}

// ChunkMetadata is the positional metadata of a chunk within its item.
type ChunkMetadata struct {
	ChunkType     string            `json:"chunkType,omitempty"`
	StartPosition int               `json:"startPosition"`
	EndPosition   int               `json:"endPosition"`
	WordCount     int               `json:"wordCount"`
	Extra         map[string]string `json:"extra,omitempty"`
}

// Chunk is a contiguous span of an item's text together with its embedding.
// (ItemID, GroupID, Index) is unique.
type Chunk struct {
	ID        string
	ItemID    string
	GroupID   string
	Title     string
	Content   string
	Index     int
	Embedding []float32
	Strategy  StrategyMetadata
	Metadata  ChunkMetadata
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Key returns the chunk's unique storage key.
func (c *Chunk) Key() ChunkKey {
	return ChunkKey{ItemID: c.ItemID, GroupID: c.GroupID, Index: c.Index}
}

// Clone returns a deep copy so callers never alias backend state.
func (c *Chunk) Clone() *Chunk {
	if c == nil {
		return nil
	}
	out := *c
	if c.Embedding != nil {
		out.Embedding = append([]float32(nil), c.Embedding...)
	}
	out.Metadata.Extra = cloneStringMap(c.Metadata.Extra)
	out.Strategy.ChunkingConfig.Extra = cloneStringMap(c.Strategy.ChunkingConfig.Extra)
	out.Strategy.EmbeddingConfig.Extra = cloneStringMap(c.Strategy.EmbeddingConfig.Extra)
	return &out
}

// ChunkKey is the (item, group, position) identity of a stored chunk.
type ChunkKey struct {
	ItemID  string
	GroupID string
	Index   int
}

// Group identifies one (chunking strategy, embedding config) pipeline applied
// to one item. Global defaults have an empty ItemID.
type Group struct {
	ID               string
	ItemID           string
	Name             string
	Description      string
	ChunkingStrategy string
	ChunkingConfig   ChunkingConfig
	EmbeddingConfig  EmbeddingConfig
	IsDefault        bool
	IsActive         bool
	Tags             []string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	CreatedBy        string
}

// Clone returns a deep copy of the group.
func (g *Group) Clone() *Group {
	if g == nil {
		return nil
	}
	out := *g
	out.Tags = append([]string(nil), g.Tags...)
	out.ChunkingConfig.Extra = cloneStringMap(g.ChunkingConfig.Extra)
	out.EmbeddingConfig.Extra = cloneStringMap(g.EmbeddingConfig.Extra)
	return &out
}

// DateRange bounds CreatedAt. A zero bound is open.
type DateRange struct {
	From time.Time
	To   time.Time
}

// Contains reports whether t lies inside the range (inclusive).
func (r DateRange) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && t.After(r.To) {
		return false
	}
	return true
}

// IsZero reports whether both bounds are open.
func (r DateRange) IsZero() bool {
	return r.From.IsZero() && r.To.IsZero()
}

// Predicate is a conjunction of chunk filters. Empty fields match everything.
type Predicate struct {
	ItemIDs    []string
	GroupIDs   []string
	Strategies []string
	Providers  []string
	Versions   []string
	Created    DateRange

	// Text is a free-text query over title and content, evaluated by the
	// backend's text index with title matches weighted above content.
	Text string
}

// Match evaluates every field except Text against c.
func (p Predicate) Match(c *Chunk) bool {
	if !matchAny(p.ItemIDs, c.ItemID) ||
		!matchAny(p.GroupIDs, c.GroupID) ||
		!matchAny(p.Strategies, c.Strategy.ChunkingStrategy) ||
		!matchAny(p.Providers, c.Strategy.EmbeddingConfig.Provider) ||
		!matchAny(p.Versions, c.Strategy.Version) {
		return false
	}
	return p.Created.Contains(c.CreatedAt)
}

func matchAny(allowed []string, v string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == v {
			return true
		}
	}
	return false
}

// SortField selects the ordering of plain queries.
type SortField string

const (
	// SortByPosition orders by item, then index, then group.
	SortByPosition SortField = "position"
	// SortByRelevance orders by text score; falls back to position without Text.
	SortByRelevance SortField = "relevance"
	SortByTitle     SortField = "title"
	SortByCreatedAt SortField = "createdAt"
	SortByUpdatedAt SortField = "updatedAt"
)

// Sort is an ordering for Query.
type Sort struct {
	Field SortField
	Desc  bool
}

// Query is a filtered, ordered, capped chunk fetch.
type Query struct {
	Predicate Predicate
	Sort      Sort
	Limit     int
}

// SimilarityRequest is a nearest-neighbour query against one collection.
// MinScore is on the shifted [0,1] scale.
type SimilarityRequest struct {
	Collection CollectionKey
	Vector     []float32
	Predicate  Predicate
	MinScore   float64
	Limit      int
}

// ScoredChunk pairs a chunk with its shifted similarity score.
type ScoredChunk struct {
	Chunk *Chunk
	Score float64

	// Similarity is the raw cosine similarity Score was shifted from.
	Similarity float64
}

// ChunkPatch is a field-level update applied to every matching chunk.
// Nil fields are left untouched; Extra keys are merged.
type ChunkPatch struct {
	Title     *string
	ChunkType *string
	Version   *string
	Extra     map[string]string
}

// IsEmpty reports whether the patch changes nothing.
func (p ChunkPatch) IsEmpty() bool {
	return p.Title == nil && p.ChunkType == nil && p.Version == nil && len(p.Extra) == 0
}

// Apply writes the patch into c and stamps UpdatedAt.
func (p ChunkPatch) Apply(c *Chunk, now time.Time) {
	if p.Title != nil {
		c.Title = *p.Title
	}
	if p.ChunkType != nil {
		c.Metadata.ChunkType = *p.ChunkType
	}
	if p.Version != nil {
		c.Strategy.Version = *p.Version
	}
	if len(p.Extra) > 0 {
		if c.Metadata.Extra == nil {
			c.Metadata.Extra = make(map[string]string, len(p.Extra))
		}
		for k, v := range p.Extra {
			c.Metadata.Extra[k] = v
		}
	}
	c.UpdatedAt = now
}

// GroupAggregate summarises the chunks of one group.
type GroupAggregate struct {
	GroupID                 string
	ChunkCount              int
	TotalContentLength      int64
	TotalProcessingDuration time.Duration
	OldestCreatedAt         time.Time
	NewestUpdatedAt         time.Time
}

// Add folds c into the aggregate.
func (a *GroupAggregate) Add(c *Chunk) {
	a.ChunkCount++
	a.TotalContentLength += int64(len(c.Content))
	a.TotalProcessingDuration += c.Strategy.ProcessingDuration
	if a.OldestCreatedAt.IsZero() || c.CreatedAt.Before(a.OldestCreatedAt) {
		a.OldestCreatedAt = c.CreatedAt
	}
	if c.UpdatedAt.After(a.NewestUpdatedAt) {
		a.NewestUpdatedAt = c.UpdatedAt
	}
}

// ChunkStore is the indexed chunk storage the search core runs against.
//
// Single-document writes are atomic; bulk writes are best effort.
type ChunkStore interface {
	// EnsureCollection creates the collection for key if it does not exist.
	EnsureCollection(ctx context.Context, key CollectionKey) error

	// Upsert writes chunks keyed by (ItemID, GroupID, Index). Each chunk goes to
	// the collection of its Strategy.EmbeddingConfig, which must already exist.
	Upsert(ctx context.Context, chunks []*Chunk) error

	// Query returns chunks matching q across all collections.
	Query(ctx context.Context, q Query) ([]*Chunk, error)

	// SimilarityQuery returns chunks in one collection ordered by score
	// descending, then GroupID ascending, then Index ascending, keeping only
	// scores >= MinScore. A vector whose length differs from the collection
	// dimension fails with DimensionMismatch.
	SimilarityQuery(ctx context.Context, req SimilarityRequest) ([]ScoredChunk, error)

	// Count returns the number of chunks matching p.
	Count(ctx context.Context, p Predicate) (int, error)

	// DeleteByPredicate removes matching chunks and returns how many were removed.
	DeleteByPredicate(ctx context.Context, p Predicate) (int, error)

	// UpdateByPredicate applies patch to matching chunks and returns how many changed.
	UpdateByPredicate(ctx context.Context, p Predicate, patch ChunkPatch) (int, error)

	// Aggregate returns per-group summaries of matching chunks ordered by GroupID.
	Aggregate(ctx context.Context, p Predicate) ([]GroupAggregate, error)

	Close() error
}

// GroupOrder selects the ordering of ListGroups.
type GroupOrder string

const (
	OrderByCreatedAt GroupOrder = "createdAt"
	OrderByName      GroupOrder = "name"
)

// GroupQuery filters and pages group listings.
type GroupQuery struct {
	// ItemID restricts to one item. Empty lists every item and global defaults.
	ItemID           string
	ChunkingStrategy string
	DefaultOnly      bool

	// TextFilter is a case-insensitive substring match over name,
	// description and tags.
	TextFilter string
	OrderBy    GroupOrder
	PageSize   int
	PageToken  string
}

// GroupPage is one page of a group listing.
type GroupPage struct {
	Groups        []*Group
	NextPageToken string
	TotalSize     int
}

// GroupStore persists group metadata.
type GroupStore interface {
	// Get fails with NotFound when id is absent.
	Get(ctx context.Context, id string) (*Group, error)

	// Create fails with Conflict when the id exists or when g is a default and
	// another default already exists for the same (ItemID, ChunkingStrategy).
	Create(ctx context.Context, g *Group) error

	// Delete removes the group and reports whether it existed.
	Delete(ctx context.Context, id string) (bool, error)

	List(ctx context.Context, q GroupQuery) (*GroupPage, error)

	Close() error
}

// Store bundles both persistence contracts of one backend.
type Store interface {
	Chunks() ChunkStore
	Groups() GroupStore
	Close() error
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
