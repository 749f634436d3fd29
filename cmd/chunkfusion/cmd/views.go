package cmd

import (
	"time"

	"github.com/Aman-CERP/chunkfusion/internal/registry"
	"github.com/Aman-CERP/chunkfusion/internal/search"
	"github.com/Aman-CERP/chunkfusion/internal/store"
)

// JSON views keep the machine-readable output stable and camelCased
// independently of the domain structs.

type groupView struct {
	ID               string                `json:"id"`
	ItemID           string                `json:"itemId,omitempty"`
	Name             string                `json:"name"`
	Description      string                `json:"description,omitempty"`
	ChunkingStrategy string                `json:"chunkingStrategy"`
	ChunkingConfig   store.ChunkingConfig  `json:"chunkingConfig"`
	EmbeddingConfig  store.EmbeddingConfig `json:"embeddingConfig"`
	IsDefault        bool                  `json:"isDefault"`
	IsActive         bool                  `json:"isActive"`
	Tags             []string              `json:"tags,omitempty"`
	CreatedAt        time.Time             `json:"createdAt"`
	UpdatedAt        time.Time             `json:"updatedAt"`
	CreatedBy        string                `json:"createdBy,omitempty"`
}

func viewGroup(g *store.Group) groupView {
	return groupView{
		ID:               g.ID,
		ItemID:           g.ItemID,
		Name:             g.Name,
		Description:      g.Description,
		ChunkingStrategy: g.ChunkingStrategy,
		ChunkingConfig:   g.ChunkingConfig,
		EmbeddingConfig:  g.EmbeddingConfig,
		IsDefault:        g.IsDefault,
		IsActive:         g.IsActive,
		Tags:             g.Tags,
		CreatedAt:        g.CreatedAt,
		UpdatedAt:        g.UpdatedAt,
		CreatedBy:        g.CreatedBy,
	}
}

func viewGroups(groups []*store.Group) []groupView {
	out := make([]groupView, len(groups))
	for i, g := range groups {
		out[i] = viewGroup(g)
	}
	return out
}

type groupPageView struct {
	Groups        []groupView `json:"groups"`
	NextPageToken string      `json:"nextPageToken,omitempty"`
	TotalSize     int         `json:"totalSize"`
}

type statsView struct {
	GroupID                   string    `json:"groupId"`
	ChunkCount                int       `json:"chunkCount"`
	AverageChunkSize          float64   `json:"averageChunkSize"`
	AverageProcessingDuration string    `json:"averageProcessingDuration"`
	OldestChunkCreatedAt      time.Time `json:"oldestChunkCreatedAt"`
	NewestChunkUpdatedAt      time.Time `json:"newestChunkUpdatedAt"`
}

func viewStats(s registry.GroupStats) statsView {
	return statsView{
		GroupID:                   s.GroupID,
		ChunkCount:                s.ChunkCount,
		AverageChunkSize:          s.AverageChunkSize,
		AverageProcessingDuration: s.AverageProcessingDuration.String(),
		OldestChunkCreatedAt:      s.OldestChunkCreatedAt,
		NewestChunkUpdatedAt:      s.NewestChunkUpdatedAt,
	}
}

type chunkView struct {
	ID        string                 `json:"id"`
	ItemID    string                 `json:"itemId"`
	GroupID   string                 `json:"groupId"`
	Index     int                    `json:"index"`
	Title     string                 `json:"title"`
	Content   string                 `json:"content"`
	Strategy  store.StrategyMetadata `json:"strategy"`
	Metadata  store.ChunkMetadata    `json:"metadata"`
	CreatedAt time.Time              `json:"createdAt"`
	UpdatedAt time.Time              `json:"updatedAt"`
}

func viewChunk(c *store.Chunk) chunkView {
	return chunkView{
		ID:        c.ID,
		ItemID:    c.ItemID,
		GroupID:   c.GroupID,
		Index:     c.Index,
		Title:     c.Title,
		Content:   c.Content,
		Strategy:  c.Strategy,
		Metadata:  c.Metadata,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

func viewChunks(chunks []*store.Chunk) []chunkView {
	out := make([]chunkView, len(chunks))
	for i, c := range chunks {
		out[i] = viewChunk(c)
	}
	return out
}

type resultView struct {
	Rank       int       `json:"rank"`
	Score      float64   `json:"score"`
	Similarity float64   `json:"similarity"`
	GroupID    string    `json:"groupId"`
	GroupRank  int       `json:"groupRank"`
	Chunk      chunkView `json:"chunk"`
}

func viewResults(results []search.Result) []resultView {
	out := make([]resultView, len(results))
	for i, r := range results {
		out[i] = resultView{
			Rank:       r.Rank,
			Score:      r.Score,
			Similarity: r.Similarity,
			GroupID:    r.GroupID,
			GroupRank:  r.GroupRank,
			Chunk:      viewChunk(r.Chunk),
		}
	}
	return out
}
