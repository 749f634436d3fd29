// Package telemetry collects in-process search metrics.
// Nothing is reported externally.
package telemetry

import (
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// SearchKind classifies a recorded search.
type SearchKind string

const (
	KindText     SearchKind = "text"
	KindSimilar  SearchKind = "similar"
	KindFused    SearchKind = "fused"
	KindAdvanced SearchKind = "advanced"
)

// LatencyBucket represents a latency histogram bucket.
type LatencyBucket string

const (
	BucketP10   LatencyBucket = "p10"   // <10ms
	BucketP50   LatencyBucket = "p50"   // 10-50ms
	BucketP100  LatencyBucket = "p100"  // 50-100ms
	BucketP500  LatencyBucket = "p500"  // 100-500ms
	BucketP1000 LatencyBucket = "p1000" // >=500ms
)

// LatencyToBucket converts a duration to its histogram bucket.
func LatencyToBucket(d time.Duration) LatencyBucket {
	ms := d.Milliseconds()
	switch {
	case ms < 10:
		return BucketP10
	case ms < 50:
		return BucketP50
	case ms < 100:
		return BucketP100
	case ms < 500:
		return BucketP500
	default:
		return BucketP1000
	}
}

// SearchEvent describes one completed search.
type SearchEvent struct {
	Kind SearchKind

	// Scope is a short description of what was searched, such as an item
	// id or a group list. Kept for zero-result diagnostics.
	Scope string

	Groups       []string
	FailedGroups []string
	ResultCount  int
	Latency      time.Duration

	// Failed marks a search that degraded to an empty result.
	Failed bool
}

// IsZeroResult returns true if this search returned no results.
func (e SearchEvent) IsZeroResult() bool {
	return e.ResultCount == 0
}

// CircularBuffer is a fixed-capacity FIFO buffer.
type CircularBuffer[T any] struct {
	items    []T
	head     int // Next write position
	size     int
	capacity int
	mu       sync.RWMutex
}

// NewCircularBuffer creates a new circular buffer with the given capacity.
func NewCircularBuffer[T any](capacity int) *CircularBuffer[T] {
	if capacity <= 0 {
		capacity = 100
	}
	return &CircularBuffer[T]{
		items:    make([]T, capacity),
		capacity: capacity,
	}
}

// Add adds an item to the buffer. If full, the oldest item is evicted.
func (b *CircularBuffer[T]) Add(item T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.items[b.head] = item
	b.head = (b.head + 1) % b.capacity
	if b.size < b.capacity {
		b.size++
	}
}

// Items returns all items in FIFO order (oldest first).
func (b *CircularBuffer[T]) Items() []T {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.size == 0 {
		return []T{}
	}
	result := make([]T, b.size)
	if b.size < b.capacity {
		copy(result, b.items[:b.size])
	} else {
		// Full: oldest item is at head
		copy(result, b.items[b.head:])
		copy(result[b.capacity-b.head:], b.items[:b.head])
	}
	return result
}

// Size returns the current number of items in the buffer.
func (b *CircularBuffer[T]) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// GroupFailure counts failures of one group inside fused searches.
type GroupFailure struct {
	GroupID  string `json:"group_id"`
	Failures int64  `json:"failures"`
}

// Snapshot is an immutable view of the collected metrics.
type Snapshot struct {
	KindCounts          map[SearchKind]int64    `json:"kind_counts"`
	LatencyDistribution map[LatencyBucket]int64 `json:"latency_distribution"`
	TotalSearches       int64                   `json:"total_searches"`
	ZeroResultCount     int64                   `json:"zero_result_count"`
	DegradedCount       int64                   `json:"degraded_count"`
	PartialFusionCount  int64                   `json:"partial_fusion_count"`
	ZeroResultScopes    []string                `json:"zero_result_scopes"`
	GroupFailures       []GroupFailure          `json:"group_failures"`
	Since               time.Time               `json:"since"`
}

// ZeroResultPercentage returns the percentage of zero-result searches.
func (s *Snapshot) ZeroResultPercentage() float64 {
	if s.TotalSearches == 0 {
		return 0
	}
	return float64(s.ZeroResultCount) / float64(s.TotalSearches) * 100
}

// Config configures the collector.
type Config struct {
	ZeroResultsCapacity   int // Max zero-result scopes kept (default: 100)
	GroupFailuresCapacity int // Max groups tracked for failures (default: 256)
}

// SearchMetrics collects search telemetry. Safe for concurrent use.
// A nil *SearchMetrics ignores every call.
type SearchMetrics struct {
	mu sync.Mutex

	kinds          map[SearchKind]int64
	latencies      map[LatencyBucket]int64
	total          int64
	zeroResults    int64
	degraded       int64
	partialFusions int64
	zeroScopes     *CircularBuffer[string]
	groupFailures  *lru.Cache[string, int64]
	startTime      time.Time
}

// NewSearchMetrics creates a collector.
func NewSearchMetrics(cfg Config) *SearchMetrics {
	if cfg.ZeroResultsCapacity <= 0 {
		cfg.ZeroResultsCapacity = 100
	}
	if cfg.GroupFailuresCapacity <= 0 {
		cfg.GroupFailuresCapacity = 256
	}
	failures, _ := lru.New[string, int64](cfg.GroupFailuresCapacity)
	return &SearchMetrics{
		kinds:         make(map[SearchKind]int64),
		latencies:     make(map[LatencyBucket]int64),
		zeroScopes:    NewCircularBuffer[string](cfg.ZeroResultsCapacity),
		groupFailures: failures,
		startTime:     time.Now(),
	}
}

// Record captures one search.
func (m *SearchMetrics) Record(e SearchEvent) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.kinds[e.Kind]++
	m.total++
	m.latencies[LatencyToBucket(e.Latency)]++
	if e.IsZeroResult() {
		m.zeroResults++
		m.zeroScopes.Add(e.Scope)
	}
	if e.Failed {
		m.degraded++
	}
	if len(e.FailedGroups) > 0 {
		m.partialFusions++
	}
	for _, g := range e.FailedGroups {
		n, _ := m.groupFailures.Get(g)
		m.groupFailures.Add(g, n+1)
	}
}

// Snapshot returns the current metrics.
func (m *SearchMetrics) Snapshot() *Snapshot {
	if m == nil {
		return &Snapshot{
			KindCounts:          map[SearchKind]int64{},
			LatencyDistribution: map[LatencyBucket]int64{},
			ZeroResultScopes:    []string{},
			GroupFailures:       []GroupFailure{},
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	kinds := make(map[SearchKind]int64, len(m.kinds))
	for k, v := range m.kinds {
		kinds[k] = v
	}
	latencies := make(map[LatencyBucket]int64, len(m.latencies))
	for k, v := range m.latencies {
		latencies[k] = v
	}

	failures := make([]GroupFailure, 0, m.groupFailures.Len())
	for _, g := range m.groupFailures.Keys() {
		if n, ok := m.groupFailures.Peek(g); ok {
			failures = append(failures, GroupFailure{GroupID: g, Failures: n})
		}
	}
	sort.Slice(failures, func(i, j int) bool {
		if failures[i].Failures != failures[j].Failures {
			return failures[i].Failures > failures[j].Failures
		}
		return failures[i].GroupID < failures[j].GroupID
	})

	return &Snapshot{
		KindCounts:          kinds,
		LatencyDistribution: latencies,
		TotalSearches:       m.total,
		ZeroResultCount:     m.zeroResults,
		DegradedCount:       m.degraded,
		PartialFusionCount:  m.partialFusions,
		ZeroResultScopes:    m.zeroScopes.Items(),
		GroupFailures:       failures,
		Since:               m.startTime,
	}
}
