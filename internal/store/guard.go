package store

import (
	"context"
	stderrors "errors"
	"log/slog"

	"github.com/Aman-CERP/chunkfusion/internal/errors"
)

// Guard wraps a ChunkStore so backend failures surface as StoreUnavailable
// and a run of them opens a circuit breaker. While the circuit is open every
// call fails immediately without reaching the backend.
//
// Contract errors (NotFound, InvalidArgument, DimensionMismatch) and caller
// cancellation pass through unchanged and do not count as failures.
type Guard struct {
	inner  ChunkStore
	cb     *errors.CircuitBreaker
	logger *slog.Logger
}

// NewGuard wraps inner. A nil breaker gets the package defaults.
func NewGuard(inner ChunkStore, cb *errors.CircuitBreaker, logger *slog.Logger) *Guard {
	if cb == nil {
		cb = errors.NewCircuitBreaker("chunk_store")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{inner: inner, cb: cb, logger: logger}
}

// Breaker exposes the circuit breaker state for diagnostics.
func (g *Guard) Breaker() *errors.CircuitBreaker {
	return g.cb
}

func isBackendFailure(err error) bool {
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return false
	}
	switch errors.GetCode(err) {
	case errors.ErrCodeNotFound, errors.ErrCodeDimensionMismatch:
		return false
	}
	return !errors.IsInvalidArgument(err)
}

func guardCall[T any](g *Guard, op string, fn func() (T, error)) (T, error) {
	v, err := errors.Guarded(g.cb, fn, isBackendFailure)
	if err == nil {
		return v, nil
	}

	var zero T
	if stderrors.Is(err, errors.ErrCircuitOpen) {
		return zero, errors.StoreUnavailable(op, err).
			WithSuggestion("The store failed repeatedly; calls resume after the reset timeout")
	}
	if !isBackendFailure(err) {
		return zero, err
	}

	g.logger.Warn("store_call_failed",
		slog.String("op", op),
		slog.String("breaker", g.cb.Name()),
		slog.String("state", g.cb.State().String()),
		slog.String("error", err.Error()))

	if errors.IsStoreUnavailable(err) {
		return zero, err
	}
	return zero, errors.StoreUnavailable(op, err)
}

// EnsureCollection creates the partition for key through the breaker.
func (g *Guard) EnsureCollection(ctx context.Context, key CollectionKey) error {
	_, err := guardCall(g, "ensure_collection", func() (struct{}, error) {
		return struct{}{}, g.inner.EnsureCollection(ctx, key)
	})
	return err
}

// Upsert writes chunks through the breaker.
func (g *Guard) Upsert(ctx context.Context, chunks []*Chunk) error {
	_, err := guardCall(g, "upsert", func() (struct{}, error) {
		return struct{}{}, g.inner.Upsert(ctx, chunks)
	})
	return err
}

// Query runs q through the breaker.
func (g *Guard) Query(ctx context.Context, q Query) ([]*Chunk, error) {
	return guardCall(g, "query", func() ([]*Chunk, error) {
		return g.inner.Query(ctx, q)
	})
}

// SimilarityQuery runs req through the breaker. A dimension mismatch is
// returned as is and leaves the breaker untouched.
func (g *Guard) SimilarityQuery(ctx context.Context, req SimilarityRequest) ([]ScoredChunk, error) {
	return guardCall(g, "similarity_query", func() ([]ScoredChunk, error) {
		return g.inner.SimilarityQuery(ctx, req)
	})
}

// Count counts chunks matching p through the breaker.
func (g *Guard) Count(ctx context.Context, p Predicate) (int, error) {
	return guardCall(g, "count", func() (int, error) {
		return g.inner.Count(ctx, p)
	})
}

// DeleteByPredicate deletes chunks matching p through the breaker.
func (g *Guard) DeleteByPredicate(ctx context.Context, p Predicate) (int, error) {
	return guardCall(g, "delete_by_predicate", func() (int, error) {
		return g.inner.DeleteByPredicate(ctx, p)
	})
}

// UpdateByPredicate patches chunks matching p through the breaker.
func (g *Guard) UpdateByPredicate(ctx context.Context, p Predicate, patch ChunkPatch) (int, error) {
	return guardCall(g, "update_by_predicate", func() (int, error) {
		return g.inner.UpdateByPredicate(ctx, p, patch)
	})
}

// Aggregate returns per-group chunk aggregates through the breaker.
func (g *Guard) Aggregate(ctx context.Context, p Predicate) ([]GroupAggregate, error) {
	return guardCall(g, "aggregate", func() ([]GroupAggregate, error) {
		return g.inner.Aggregate(ctx, p)
	})
}

// Close closes the wrapped store. It bypasses the breaker.
func (g *Guard) Close() error {
	return g.inner.Close()
}

var _ ChunkStore = (*Guard)(nil)
