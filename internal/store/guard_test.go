package store_test

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/chunkfusion/internal/errors"
	"github.com/Aman-CERP/chunkfusion/internal/store"
	"github.com/Aman-CERP/chunkfusion/internal/store/storetest"
)

// flakyStore fails every call with err while failing is set.
type flakyStore struct {
	store.ChunkStore
	err     error
	failing bool
	calls   int
}

func (f *flakyStore) Count(ctx context.Context, p store.Predicate) (int, error) {
	f.calls++
	if f.failing {
		return 0, f.err
	}
	return f.ChunkStore.Count(ctx, p)
}

func newFlaky(t *testing.T, err error) *flakyStore {
	inner := newMemoryChunks(t, store.MemoryConfig{})
	return &flakyStore{ChunkStore: inner, err: err, failing: true}
}

func TestGuard_WrapsBackendFailuresAsStoreUnavailable(t *testing.T) {
	flaky := newFlaky(t, stderrors.New("connection reset"))
	g := store.NewGuard(flaky, nil, nil)

	_, err := g.Count(context.Background(), store.Predicate{})

	require.Error(t, err)
	assert.True(t, errors.IsStoreUnavailable(err))
	assert.Contains(t, err.Error(), "connection reset")
}

func TestGuard_OpensCircuitAfterRepeatedFailures(t *testing.T) {
	// Given: a guard that trips after two failures
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := errors.NewCircuitBreaker("test",
		errors.WithMaxFailures(2),
		errors.WithResetTimeout(time.Minute),
		errors.WithClock(func() time.Time { return now }))
	flaky := newFlaky(t, stderrors.New("timeout"))
	g := store.NewGuard(flaky, cb, nil)
	ctx := context.Background()

	// When: the backend fails twice
	_, _ = g.Count(ctx, store.Predicate{})
	_, _ = g.Count(ctx, store.Predicate{})
	require.Equal(t, errors.StateOpen, cb.State())

	// Then: the next call fails fast without reaching the backend
	_, err := g.Count(ctx, store.Predicate{})
	assert.True(t, errors.IsStoreUnavailable(err))
	assert.ErrorIs(t, err, errors.ErrCircuitOpen)
	assert.Equal(t, 2, flaky.calls)

	// And: after the reset timeout a healthy backend closes the circuit
	flaky.failing = false
	now = now.Add(2 * time.Minute)
	n, err := g.Count(ctx, store.Predicate{})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, errors.StateClosed, cb.State())
}

func TestGuard_ContractErrorsPassThroughWithoutTripping(t *testing.T) {
	cb := errors.NewCircuitBreaker("test", errors.WithMaxFailures(1))
	inner := newMemoryChunks(t, store.MemoryConfig{})
	g := store.NewGuard(inner, cb, nil)
	ctx := context.Background()
	require.NoError(t, g.EnsureCollection(ctx, storetest.Embedding3.CollectionKey()))

	_, err := g.SimilarityQuery(ctx, store.SimilarityRequest{
		Collection: storetest.Embedding3.CollectionKey(),
		Vector:     []float32{1},
		Limit:      1,
	})

	assert.True(t, errors.IsDimensionMismatch(err))
	assert.Equal(t, errors.StateClosed, cb.State())
	assert.Equal(t, 0, cb.Failures())
}

func TestGuard_Conformance(t *testing.T) {
	storetest.RunChunkStoreSuite(t, func(t *testing.T) store.ChunkStore {
		return store.NewGuard(newMemoryChunks(t, store.MemoryConfig{}), nil, nil)
	})
}
