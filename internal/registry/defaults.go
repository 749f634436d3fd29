package registry

import (
	"sort"
	"time"

	"github.com/Aman-CERP/chunkfusion/internal/errors"
	"github.com/Aman-CERP/chunkfusion/internal/store"
)

// Built-in strategies and the universal fallback.
const (
	StrategyH1        = "h1"
	StrategyParagraph = "paragraph"

	// DefaultFallbackStrategy answers lookups for unknown strategies.
	DefaultFallbackStrategy = StrategyH1

	// DefaultGroupPrefix prefixes the canonical id of every default group.
	DefaultGroupPrefix = "default-"
)

// DefaultEmbedding is the embedding configuration of the built-in defaults.
var DefaultEmbedding = store.EmbeddingConfig{
	Provider:  "openai",
	Model:     "text-embedding-3-small",
	Dimension: 1536,
	BatchSize: 20,
}

// DefaultSpec describes one global default group.
type DefaultSpec struct {
	Strategy        string
	ID              string
	Name            string
	Description     string
	ChunkingConfig  store.ChunkingConfig
	EmbeddingConfig store.EmbeddingConfig
}

// DefaultsConfig populates the resolver.
type DefaultsConfig struct {
	// Groups are the known strategies. Nil installs the built-ins.
	Groups []DefaultSpec

	// Fallback is the strategy used for unknown lookups. It must name one
	// of Groups. Empty selects DefaultFallbackStrategy.
	Fallback string
}

// BuiltinDefaults returns the h1 and paragraph defaults.
func BuiltinDefaults() []DefaultSpec {
	return []DefaultSpec{
		{
			Strategy:        StrategyH1,
			Name:            "Default H1",
			Description:     "Split at top-level headings",
			ChunkingConfig:  store.ChunkingConfig{MaxChunkSize: 2000, MinChunkSize: 100, Overlap: 0},
			EmbeddingConfig: DefaultEmbedding,
		},
		{
			Strategy:        StrategyParagraph,
			Name:            "Default Paragraph",
			Description:     "Split at paragraph boundaries",
			ChunkingConfig:  store.ChunkingConfig{MaxChunkSize: 1000, MinChunkSize: 50, Overlap: 100},
			EmbeddingConfig: DefaultEmbedding,
		},
	}
}

// DefaultGroupID returns the canonical id of the default group for strategy.
func DefaultGroupID(strategy string) string {
	return DefaultGroupPrefix + strategy
}

// DefaultGroups maps chunking strategies to their canonical global default
// group. It is immutable after construction and safe for concurrent use.
type DefaultGroups struct {
	groups   map[string]*store.Group
	fallback string
}

// NewDefaultGroups validates cfg and builds the lookup table.
func NewDefaultGroups(cfg DefaultsConfig) (*DefaultGroups, error) {
	specs := cfg.Groups
	if specs == nil {
		specs = BuiltinDefaults()
	}
	if len(specs) == 0 {
		return nil, errors.ConfigError("at least one default group is required", nil)
	}

	// Fixed timestamp keeps the table deterministic across processes.
	epoch := time.Unix(0, 0).UTC()
	groups := make(map[string]*store.Group, len(specs))
	for _, ds := range specs {
		if ds.Strategy == "" {
			return nil, errors.ConfigError("default group strategy is required", nil)
		}
		if _, dup := groups[ds.Strategy]; dup {
			return nil, errors.ConfigError("duplicate default strategy "+ds.Strategy, nil)
		}
		if ds.EmbeddingConfig.Dimension <= 0 {
			return nil, errors.ConfigError("default group "+ds.Strategy+": embedding dimension must be positive", nil)
		}
		id := ds.ID
		if id == "" {
			id = DefaultGroupID(ds.Strategy)
		}
		name := ds.Name
		if name == "" {
			name = "Default " + ds.Strategy
		}
		groups[ds.Strategy] = &store.Group{
			ID:               id,
			Name:             name,
			Description:      ds.Description,
			ChunkingStrategy: ds.Strategy,
			ChunkingConfig:   ds.ChunkingConfig,
			EmbeddingConfig:  ds.EmbeddingConfig,
			IsDefault:        true,
			IsActive:         true,
			Tags:             []string{"default", ds.Strategy},
			CreatedAt:        epoch,
			UpdatedAt:        epoch,
			CreatedBy:        "system",
		}
	}

	fallback := cfg.Fallback
	if fallback == "" {
		fallback = DefaultFallbackStrategy
	}
	if _, ok := groups[fallback]; !ok {
		return nil, errors.ConfigError("fallback strategy "+fallback+" is not a known default", nil)
	}
	return &DefaultGroups{groups: groups, fallback: fallback}, nil
}

// GetDefaultGroup returns the default group for strategy, or the fallback
// strategy's group when strategy is unknown. It never returns nil.
func (d *DefaultGroups) GetDefaultGroup(strategy string) *store.Group {
	if g, ok := d.groups[strategy]; ok {
		return g.Clone()
	}
	return d.groups[d.fallback].Clone()
}

// Lookup reports whether strategy is known, without falling back.
func (d *DefaultGroups) Lookup(strategy string) (*store.Group, bool) {
	g, ok := d.groups[strategy]
	if !ok {
		return nil, false
	}
	return g.Clone(), true
}

// Resolution is the group chosen for a search.
type Resolution struct {
	GroupID string
	Group   *store.Group
}

// GetGroupConfigForSearch picks a default group for a search that names a
// strategy but no explicit group. It returns nil when a group is already
// given or no strategy is set, leaving the choice to the caller.
func (d *DefaultGroups) GetGroupConfigForSearch(groupIDs []string, strategy string) *Resolution {
	if len(groupIDs) > 0 || strategy == "" {
		return nil
	}
	g := d.GetDefaultGroup(strategy)
	return &Resolution{GroupID: g.ID, Group: g}
}

// Strategies lists the known strategies in sorted order.
func (d *DefaultGroups) Strategies() []string {
	out := make([]string, 0, len(d.groups))
	for s := range d.groups {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Fallback returns the fallback strategy.
func (d *DefaultGroups) Fallback() string {
	return d.fallback
}

// All returns every default group ordered by strategy.
func (d *DefaultGroups) All() []*store.Group {
	out := make([]*store.Group, 0, len(d.groups))
	for _, s := range d.Strategies() {
		out = append(out, d.groups[s].Clone())
	}
	return out
}

// IsDefaultGroupID reports whether id belongs to one of the defaults.
func (d *DefaultGroups) IsDefaultGroupID(id string) bool {
	for _, g := range d.groups {
		if g.ID == id {
			return true
		}
	}
	return false
}
