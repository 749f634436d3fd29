// Package app wires a configured chunkfusion instance: the storage backend,
// the guarded chunk store, the group registry, telemetry and the search
// engine.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Aman-CERP/chunkfusion/internal/config"
	"github.com/Aman-CERP/chunkfusion/internal/errors"
	"github.com/Aman-CERP/chunkfusion/internal/registry"
	"github.com/Aman-CERP/chunkfusion/internal/search"
	"github.com/Aman-CERP/chunkfusion/internal/store"
	"github.com/Aman-CERP/chunkfusion/internal/store/postgres"
	"github.com/Aman-CERP/chunkfusion/internal/store/sqlite"
	"github.com/Aman-CERP/chunkfusion/internal/telemetry"
)

// App holds the wired components. Close releases the backend.
type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	Store    store.Store
	Chunks   *store.Guard
	Breaker  *errors.CircuitBreaker
	Registry *registry.Registry
	Metrics  *telemetry.SearchMetrics
	Engine   *search.Engine
}

type options struct {
	logger *slog.Logger
	clock  func() time.Time
	open   func(ctx context.Context, cfg *config.Config, clock func() time.Time) (store.Store, error)
}

// Option configures New.
type Option func(*options)

// WithLogger sets the logger shared by every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock overrides the time source of the stores, registry and breaker.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// WithStoreOpener replaces backend selection. Used by tests.
func WithStoreOpener(open func(ctx context.Context, cfg *config.Config, clock func() time.Time) (store.Store, error)) Option {
	return func(o *options) { o.open = open }
}

// New opens the configured backend, persists the default groups and builds
// the search engine on top of the guarded chunk store.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.InvalidArgument("config is required")
	}
	o := options{logger: slog.Default(), clock: time.Now, open: OpenStore}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	defaults, err := registry.NewDefaultGroups(cfg.Defaults.Registry())
	if err != nil {
		return nil, errors.ConfigError("invalid default groups", err)
	}

	st, err := o.open(ctx, cfg, o.clock)
	if err != nil {
		return nil, err
	}

	breaker := errors.NewCircuitBreaker("chunk-store",
		errors.WithMaxFailures(cfg.Storage.GuardMaxFailures),
		errors.WithResetTimeout(cfg.Storage.GuardResetDuration()),
		errors.WithClock(o.clock))
	guard := store.NewGuard(st.Chunks(), breaker, o.logger)

	reg := registry.New(guard, st.Groups(), defaults,
		registry.WithLogger(o.logger),
		registry.WithClock(o.clock),
		registry.WithCacheTTL(cfg.Cache.TTLDuration()),
		registry.WithCacheSize(cfg.Cache.MaxEntries))
	if err := reg.EnsureDefaults(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to persist default groups: %w", err)
	}

	metrics := telemetry.NewSearchMetrics(telemetry.Config{})
	engine, err := search.NewEngine(guard, reg, EngineConfig(cfg),
		search.WithLogger(o.logger),
		search.WithMetrics(metrics))
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	o.logger.Debug("app_ready",
		slog.String("backend", cfg.Storage.Backend),
		slog.Int("default_groups", len(defaults.All())))

	return &App{
		Config:   cfg,
		Logger:   o.logger,
		Store:    st,
		Chunks:   guard,
		Breaker:  breaker,
		Registry: reg,
		Metrics:  metrics,
		Engine:   engine,
	}, nil
}

// Close releases the storage backend.
func (a *App) Close() error {
	if a == nil || a.Store == nil {
		return nil
	}
	return a.Store.Close()
}

// EngineConfig maps the search section onto the engine's configuration.
func EngineConfig(cfg *config.Config) search.EngineConfig {
	ec := search.DefaultConfig()
	ec.DefaultLimit = cfg.Search.DefaultLimit
	if cfg.Search.SimilarityThreshold != nil {
		ec.DefaultThreshold = *cfg.Search.SimilarityThreshold
	}
	ec.RRFConstant = cfg.Search.RRFConstant
	if d := cfg.Search.GroupTimeoutDuration(); d > 0 {
		ec.GroupTimeout = d
	}
	ec.DedupeThreshold = cfg.Search.DedupeThreshold
	ec.MaxCandidates = cfg.Search.MaxCandidates
	return ec
}

// OpenStore opens the backend named by cfg.Storage.Backend.
func OpenStore(ctx context.Context, cfg *config.Config, clock func() time.Time) (store.Store, error) {
	sc := cfg.Storage
	switch sc.Backend {
	case config.BackendMemory, "":
		m, err := store.NewMemory(store.MemoryConfig{
			ANNThreshold: sc.ANNThreshold,
			TitleBoost:   cfg.Search.TitleBoost,
			Clock:        clock,
		})
		if err != nil {
			return nil, err
		}
		return m, nil
	case config.BackendSQLite:
		s, err := sqlite.Open(ctx, sqlite.Config{
			Path:       sc.SQLitePath,
			TitleBoost: cfg.Search.TitleBoost,
			Clock:      clock,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.BackendPostgres:
		s, err := postgres.Open(ctx, postgres.Config{
			DSN:        sc.PostgresDSN,
			Schema:     sc.PostgresSchema,
			TitleBoost: cfg.Search.TitleBoost,
			MaxConns:   int32(sc.PostgresMaxConns),
			Clock:      clock,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, errors.ConfigError(fmt.Sprintf("unknown storage backend %q", sc.Backend), nil)
	}
}
