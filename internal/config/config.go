package config

import (
	"bytes"
	stderrors "errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/Aman-CERP/chunkfusion/internal/registry"
	"github.com/Aman-CERP/chunkfusion/internal/store"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// ProjectConfigName is the per-directory configuration file.
const ProjectConfigName = ".chunkfusion.yaml"

// Config represents the complete chunkfusion configuration.
type Config struct {
	Version  int            `yaml:"version" json:"version"`
	Storage  StorageConfig  `yaml:"storage" json:"storage"`
	Search   SearchConfig   `yaml:"search" json:"search"`
	Cache    CacheConfig    `yaml:"cache" json:"cache"`
	Defaults DefaultsConfig `yaml:"defaults" json:"defaults"`
	Logging  LoggingConfig  `yaml:"logging" json:"logging"`
}

// StorageConfig selects and tunes the chunk and group backend.
type StorageConfig struct {
	// Backend is memory, sqlite or postgres.
	Backend string `yaml:"backend" json:"backend"`

	// SQLitePath is the database file for the sqlite backend.
	SQLitePath string `yaml:"sqlite_path" json:"sqlite_path"`

	PostgresDSN      string `yaml:"postgres_dsn" json:"postgres_dsn"`
	PostgresSchema   string `yaml:"postgres_schema" json:"postgres_schema"`
	PostgresMaxConns int    `yaml:"postgres_max_conns" json:"postgres_max_conns"`

	// ANNThreshold is the collection size at which the memory backend
	// switches from exact scan to HNSW. Negative disables HNSW.
	ANNThreshold int `yaml:"ann_threshold" json:"ann_threshold"`

	// GuardMaxFailures consecutive store failures open the circuit breaker.
	GuardMaxFailures int `yaml:"guard_max_failures" json:"guard_max_failures"`

	// GuardResetTimeout is how long the breaker stays open (e.g. "30s").
	GuardResetTimeout string `yaml:"guard_reset_timeout" json:"guard_reset_timeout"`
}

// SearchConfig configures the query engine and rank fusion.
// Overridable via:
//  1. User config (~/.config/chunkfusion/config.yaml)
//  2. Project config (.chunkfusion.yaml)
//  3. Env vars (CHUNKFUSION_RRF_CONSTANT, CHUNKFUSION_SIMILARITY_THRESHOLD, ...)
type SearchConfig struct {
	// DefaultLimit applies when a filter carries no limit.
	DefaultLimit int `yaml:"default_limit" json:"default_limit"`

	// SimilarityThreshold is the default minimum raw cosine similarity
	// (-1..1). Nil keeps the engine default of 0.
	SimilarityThreshold *float64 `yaml:"similarity_threshold,omitempty" json:"similarity_threshold,omitempty"`

	// RRFConstant is k in weight/(rank+k).
	RRFConstant int `yaml:"rrf_constant" json:"rrf_constant"`

	// GroupTimeout bounds each group's query during fusion (e.g. "5s").
	GroupTimeout string `yaml:"group_timeout" json:"group_timeout"`

	// DedupeThreshold is the Jaccard similarity at which content counts
	// as duplicate (0..1].
	DedupeThreshold float64 `yaml:"dedupe_threshold" json:"dedupe_threshold"`

	// MaxCandidates caps the rows fetched by advanced search.
	MaxCandidates int `yaml:"max_candidates" json:"max_candidates"`

	// TitleBoost weights title matches over content in free-text queries.
	TitleBoost float64 `yaml:"title_boost" json:"title_boost"`
}

// CacheConfig configures the registry caches.
type CacheConfig struct {
	TTL        string `yaml:"ttl" json:"ttl"`
	MaxEntries int    `yaml:"max_entries" json:"max_entries"`
}

// DefaultsConfig is the table of global default groups.
type DefaultsConfig struct {
	// Fallback answers lookups for strategies missing from Groups.
	Fallback string               `yaml:"fallback" json:"fallback"`
	Groups   []DefaultGroupConfig `yaml:"groups" json:"groups"`
}

// DefaultGroupConfig is one known strategy's default group.
type DefaultGroupConfig struct {
	Strategy    string                `yaml:"strategy" json:"strategy"`
	ID          string                `yaml:"id,omitempty" json:"id,omitempty"`
	Name        string                `yaml:"name" json:"name"`
	Description string                `yaml:"description,omitempty" json:"description,omitempty"`
	Chunking    store.ChunkingConfig  `yaml:"chunking" json:"chunking"`
	Embedding   store.EmbeddingConfig `yaml:"embedding" json:"embedding"`
}

// LoggingConfig configures the slog logger.
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`
	// File enables the rotating log file. Empty logs to stderr only.
	File      string `yaml:"file" json:"file"`
	MaxSizeMB int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxFiles  int    `yaml:"max_files" json:"max_files"`
}

// NewConfig returns a configuration with defaults.
func NewConfig() *Config {
	builtins := registry.BuiltinDefaults()
	groups := make([]DefaultGroupConfig, 0, len(builtins))
	for _, b := range builtins {
		groups = append(groups, DefaultGroupConfig{
			Strategy:    b.Strategy,
			ID:          b.ID,
			Name:        b.Name,
			Description: b.Description,
			Chunking:    b.ChunkingConfig,
			Embedding:   b.EmbeddingConfig,
		})
	}

	return &Config{
		Version: 1,
		Storage: StorageConfig{
			Backend:           BackendMemory,
			SQLitePath:        defaultSQLitePath(),
			ANNThreshold:      store.DefaultANNThreshold,
			GuardMaxFailures:  5,
			GuardResetTimeout: "30s",
		},
		Search: SearchConfig{
			DefaultLimit:    100,
			RRFConstant:     60,
			GroupTimeout:    "5s",
			DedupeThreshold: 0.9,
			MaxCandidates:   1000,
			TitleBoost:      store.DefaultTitleBoost,
		},
		Cache: CacheConfig{
			TTL:        "5m",
			MaxEntries: registry.DefaultCacheSize,
		},
		Defaults: DefaultsConfig{
			Fallback: registry.DefaultFallbackStrategy,
			Groups:   groups,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSizeMB: 10,
			MaxFiles:  5,
		},
	}
}

func defaultSQLitePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".chunkfusion", "chunkfusion.db")
	}
	return filepath.Join(home, ".chunkfusion", "chunkfusion.db")
}

// GetUserConfigPath returns the path to the user configuration file:
//   - $XDG_CONFIG_HOME/chunkfusion/config.yaml (if XDG_CONFIG_HOME is set)
//   - ~/.config/chunkfusion/config.yaml (default)
func GetUserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "chunkfusion", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".config", "chunkfusion", "config.yaml")
	}
	return filepath.Join(home, ".config", "chunkfusion", "config.yaml")
}

// GetUserConfigDir returns the directory containing the user configuration.
func GetUserConfigDir() string {
	return filepath.Dir(GetUserConfigPath())
}

// UserConfigExists reports whether the user configuration file exists.
func UserConfigExists() bool {
	_, err := os.Stat(GetUserConfigPath())
	return err == nil
}

// LoadUserConfig loads the user configuration file over the defaults.
// Returns nil config and nil error if the file doesn't exist.
func LoadUserConfig() (*Config, error) {
	path := GetUserConfigPath()
	if !UserConfigExists() {
		return nil, nil
	}
	cfg := NewConfig()
	if err := cfg.loadYAML(path); err != nil {
		return nil, fmt.Errorf("failed to load user config from %s: %w", path, err)
	}
	return cfg, nil
}

// Load loads configuration for the project directory dir.
// Precedence, lowest first:
//  1. Hardcoded defaults
//  2. User config (~/.config/chunkfusion/config.yaml)
//  3. Project config (.chunkfusion.yaml in dir)
//  4. Environment variables (CHUNKFUSION_*), including those from dir/.env
func Load(dir string) (*Config, error) {
	cfg := NewConfig()

	userCfg, err := LoadUserConfig()
	if err != nil {
		return nil, err
	}
	if userCfg != nil {
		cfg.mergeWith(userCfg)
	}

	if err := cfg.loadFromFile(dir); err != nil {
		return nil, err
	}

	if err := loadDotEnv(dir); err != nil {
		return nil, err
	}
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadDotEnv exports dir/.env without overriding variables already set.
func loadDotEnv(dir string) error {
	path := filepath.Join(dir, ".env")
	if err := godotenv.Load(path); err != nil && !stderrors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// loadFromFile loads .chunkfusion.yaml, or .chunkfusion.yml as a fallback.
func (c *Config) loadFromFile(dir string) error {
	for _, name := range []string{ProjectConfigName, ".chunkfusion.yml"} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return c.loadYAML(path)
		}
	}
	return nil
}

func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var parsed Config
	if err := yamlUnmarshal(data, &parsed); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	c.mergeWith(&parsed)
	return nil
}

// yamlUnmarshal rejects keys that do not map to a field.
func yamlUnmarshal(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !stderrors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// mergeWith merges non-zero values from other into c.
func (c *Config) mergeWith(other *Config) {
	if other.Version != 0 {
		c.Version = other.Version
	}

	// Storage
	if other.Storage.Backend != "" {
		c.Storage.Backend = other.Storage.Backend
	}
	if other.Storage.SQLitePath != "" {
		c.Storage.SQLitePath = other.Storage.SQLitePath
	}
	if other.Storage.PostgresDSN != "" {
		c.Storage.PostgresDSN = other.Storage.PostgresDSN
	}
	if other.Storage.PostgresSchema != "" {
		c.Storage.PostgresSchema = other.Storage.PostgresSchema
	}
	if other.Storage.PostgresMaxConns != 0 {
		c.Storage.PostgresMaxConns = other.Storage.PostgresMaxConns
	}
	if other.Storage.ANNThreshold != 0 {
		c.Storage.ANNThreshold = other.Storage.ANNThreshold
	}
	if other.Storage.GuardMaxFailures != 0 {
		c.Storage.GuardMaxFailures = other.Storage.GuardMaxFailures
	}
	if other.Storage.GuardResetTimeout != "" {
		c.Storage.GuardResetTimeout = other.Storage.GuardResetTimeout
	}

	// Search
	if other.Search.DefaultLimit != 0 {
		c.Search.DefaultLimit = other.Search.DefaultLimit
	}
	if other.Search.SimilarityThreshold != nil {
		v := *other.Search.SimilarityThreshold
		c.Search.SimilarityThreshold = &v
	}
	if other.Search.RRFConstant != 0 {
		c.Search.RRFConstant = other.Search.RRFConstant
	}
	if other.Search.GroupTimeout != "" {
		c.Search.GroupTimeout = other.Search.GroupTimeout
	}
	if other.Search.DedupeThreshold != 0 {
		c.Search.DedupeThreshold = other.Search.DedupeThreshold
	}
	if other.Search.MaxCandidates != 0 {
		c.Search.MaxCandidates = other.Search.MaxCandidates
	}
	if other.Search.TitleBoost != 0 {
		c.Search.TitleBoost = other.Search.TitleBoost
	}

	// Cache
	if other.Cache.TTL != "" {
		c.Cache.TTL = other.Cache.TTL
	}
	if other.Cache.MaxEntries != 0 {
		c.Cache.MaxEntries = other.Cache.MaxEntries
	}

	// Defaults table is replaced as a whole
	if other.Defaults.Fallback != "" {
		c.Defaults.Fallback = other.Defaults.Fallback
	}
	if len(other.Defaults.Groups) > 0 {
		c.Defaults.Groups = other.Defaults.Groups
	}

	// Logging
	if other.Logging.Level != "" {
		c.Logging.Level = other.Logging.Level
	}
	if other.Logging.File != "" {
		c.Logging.File = other.Logging.File
	}
	if other.Logging.MaxSizeMB != 0 {
		c.Logging.MaxSizeMB = other.Logging.MaxSizeMB
	}
	if other.Logging.MaxFiles != 0 {
		c.Logging.MaxFiles = other.Logging.MaxFiles
	}
}

// applyEnvOverrides applies CHUNKFUSION_* environment variable overrides.
// Unparseable numeric values are ignored.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CHUNKFUSION_STORAGE_BACKEND"); v != "" {
		c.Storage.Backend = strings.ToLower(v)
	}
	if v := os.Getenv("CHUNKFUSION_SQLITE_PATH"); v != "" {
		c.Storage.SQLitePath = v
	}
	if v := os.Getenv("CHUNKFUSION_POSTGRES_DSN"); v != "" {
		c.Storage.PostgresDSN = v
	}
	if v := os.Getenv("CHUNKFUSION_POSTGRES_SCHEMA"); v != "" {
		c.Storage.PostgresSchema = v
	}

	if v := os.Getenv("CHUNKFUSION_DEFAULT_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Search.DefaultLimit = n
		}
	}
	// Explicit zero is allowed, so the threshold goes through a pointer.
	if v := os.Getenv("CHUNKFUSION_SIMILARITY_THRESHOLD"); v != "" {
		if t, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil && t >= -1 && t <= 1 {
			c.Search.SimilarityThreshold = &t
		}
	}
	if v := os.Getenv("CHUNKFUSION_RRF_CONSTANT"); v != "" {
		if k, err := strconv.Atoi(v); err == nil && k > 0 {
			c.Search.RRFConstant = k
		}
	}
	if v := os.Getenv("CHUNKFUSION_GROUP_TIMEOUT"); v != "" {
		c.Search.GroupTimeout = v
	}
	if v := os.Getenv("CHUNKFUSION_DEDUPE_THRESHOLD"); v != "" {
		if t, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil && t > 0 && t <= 1 {
			c.Search.DedupeThreshold = t
		}
	}

	if v := os.Getenv("CHUNKFUSION_CACHE_TTL"); v != "" {
		c.Cache.TTL = v
	}
	if v := os.Getenv("CHUNKFUSION_FALLBACK_STRATEGY"); v != "" {
		c.Defaults.Fallback = v
	}

	if v := os.Getenv("CHUNKFUSION_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("CHUNKFUSION_LOG_FILE"); v != "" {
		c.Logging.File = v
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("storage.sqlite_path is required for the sqlite backend")
		}
	case BackendPostgres:
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("storage.postgres_dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("storage.backend must be 'memory', 'sqlite', or 'postgres', got %q", c.Storage.Backend)
	}
	if c.Storage.PostgresMaxConns < 0 {
		return fmt.Errorf("storage.postgres_max_conns must be non-negative, got %d", c.Storage.PostgresMaxConns)
	}
	if c.Storage.GuardMaxFailures < 0 {
		return fmt.Errorf("storage.guard_max_failures must be non-negative, got %d", c.Storage.GuardMaxFailures)
	}
	if _, err := parseDuration("storage.guard_reset_timeout", c.Storage.GuardResetTimeout); err != nil {
		return err
	}

	if c.Search.DefaultLimit <= 0 {
		return fmt.Errorf("search.default_limit must be positive, got %d", c.Search.DefaultLimit)
	}
	if t := c.Search.SimilarityThreshold; t != nil && (*t < -1 || *t > 1) {
		return fmt.Errorf("search.similarity_threshold must be between -1 and 1, got %f", *t)
	}
	if c.Search.RRFConstant <= 0 {
		return fmt.Errorf("search.rrf_constant must be positive, got %d", c.Search.RRFConstant)
	}
	if _, err := parseDuration("search.group_timeout", c.Search.GroupTimeout); err != nil {
		return err
	}
	if c.Search.DedupeThreshold <= 0 || c.Search.DedupeThreshold > 1 {
		return fmt.Errorf("search.dedupe_threshold must be in (0, 1], got %f", c.Search.DedupeThreshold)
	}
	if c.Search.MaxCandidates <= 0 {
		return fmt.Errorf("search.max_candidates must be positive, got %d", c.Search.MaxCandidates)
	}
	if c.Search.TitleBoost < 0 {
		return fmt.Errorf("search.title_boost must be non-negative, got %f", c.Search.TitleBoost)
	}

	if _, err := parseDuration("cache.ttl", c.Cache.TTL); err != nil {
		return err
	}
	if c.Cache.MaxEntries < 0 {
		return fmt.Errorf("cache.max_entries must be non-negative, got %d", c.Cache.MaxEntries)
	}

	if err := c.Defaults.validate(); err != nil {
		return err
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("logging.level must be 'debug', 'info', 'warn', or 'error', got %s", c.Logging.Level)
	}
	return nil
}

func (d DefaultsConfig) validate() error {
	if len(d.Groups) == 0 {
		return fmt.Errorf("defaults.groups must not be empty")
	}
	seen := make(map[string]bool, len(d.Groups))
	for i, g := range d.Groups {
		if g.Strategy == "" {
			return fmt.Errorf("defaults.groups[%d].strategy is required", i)
		}
		if seen[g.Strategy] {
			return fmt.Errorf("defaults.groups[%d]: duplicate strategy %q", i, g.Strategy)
		}
		seen[g.Strategy] = true
		if g.Embedding.Dimension <= 0 {
			return fmt.Errorf("defaults.groups[%d].embedding.dimension must be positive, got %d", i, g.Embedding.Dimension)
		}
	}
	if d.Fallback != "" && !seen[d.Fallback] {
		return fmt.Errorf("defaults.fallback %q is not a configured strategy", d.Fallback)
	}
	return nil
}

func parseDuration(field, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration like \"5s\", got %q", field, value)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", field, value)
	}
	return d, nil
}

// duration parses a validated duration, returning zero on failure so the
// consumer applies its own default.
func duration(value string) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// GroupTimeoutDuration returns the per-group fusion timeout.
func (s SearchConfig) GroupTimeoutDuration() time.Duration { return duration(s.GroupTimeout) }

// TTLDuration returns the cache TTL.
func (c CacheConfig) TTLDuration() time.Duration { return duration(c.TTL) }

// GuardResetDuration returns how long the store breaker stays open.
func (s StorageConfig) GuardResetDuration() time.Duration { return duration(s.GuardResetTimeout) }

// Registry converts the table into the resolver's configuration.
func (d DefaultsConfig) Registry() registry.DefaultsConfig {
	specs := make([]registry.DefaultSpec, 0, len(d.Groups))
	for _, g := range d.Groups {
		specs = append(specs, registry.DefaultSpec{
			Strategy:        g.Strategy,
			ID:              g.ID,
			Name:            g.Name,
			Description:     g.Description,
			ChunkingConfig:  g.Chunking,
			EmbeddingConfig: g.Embedding,
		})
	}
	return registry.DefaultsConfig{Groups: specs, Fallback: d.Fallback}
}

// WriteYAML writes the configuration to a YAML file, creating its directory.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
