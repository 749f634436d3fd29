package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Aman-CERP/chunkfusion/internal/errors"
)

const (
	// DefaultANNThreshold is the partition size at which similarity queries
	// narrow candidates through HNSW before exact rescoring.
	DefaultANNThreshold = 20000

	// annOversample widens the HNSW candidate set to survive predicate filtering.
	annOversample = 4
)

// MemoryConfig configures the in-memory backend.
type MemoryConfig struct {
	// ANNThreshold enables HNSW per partition once it holds this many chunks.
	// Zero uses DefaultANNThreshold; negative disables HNSW.
	ANNThreshold int

	// TitleBoost weights title matches in free-text queries.
	TitleBoost float64

	// Clock overrides the time source. Used by tests.
	Clock func() time.Time
}

// Memory is a process-local backend holding chunks and groups in memory.
type Memory struct {
	chunks *MemoryChunkStore
	groups *MemoryGroupStore
}

// NewMemory creates an empty in-memory backend.
func NewMemory(cfg MemoryConfig) (*Memory, error) {
	chunks, err := NewMemoryChunkStore(cfg)
	if err != nil {
		return nil, err
	}
	return &Memory{chunks: chunks, groups: NewMemoryGroupStore()}, nil
}

// Chunks returns the chunk store.
func (m *Memory) Chunks() ChunkStore { return m.chunks }

// Groups returns the group store.
func (m *Memory) Groups() GroupStore { return m.groups }

// Close releases both stores.
func (m *Memory) Close() error {
	return m.chunks.Close()
}

// partition holds the chunks of one collection.
type partition struct {
	key    CollectionKey
	chunks map[string]*Chunk
	ann    *annIndex
}

// MemoryChunkStore implements ChunkStore with a bleve text index and optional
// per-partition HNSW graphs.
type MemoryChunkStore struct {
	mu           sync.RWMutex
	annThreshold int
	now          func() time.Time

	partitions   map[CollectionKey]*partition
	byKey        map[ChunkKey]*Chunk
	collectionOf map[string]CollectionKey
	text         *TextIndex
	closed       bool
}

// NewMemoryChunkStore creates an empty in-memory chunk store.
func NewMemoryChunkStore(cfg MemoryConfig) (*MemoryChunkStore, error) {
	text, err := NewTextIndex(cfg.TitleBoost)
	if err != nil {
		return nil, err
	}
	threshold := cfg.ANNThreshold
	if threshold == 0 {
		threshold = DefaultANNThreshold
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &MemoryChunkStore{
		annThreshold: threshold,
		now:          now,
		partitions:   make(map[CollectionKey]*partition),
		byKey:        make(map[ChunkKey]*Chunk),
		collectionOf: make(map[string]CollectionKey),
		text:         text,
	}, nil
}

func (s *MemoryChunkStore) checkOpen(ctx context.Context) error {
	if s.closed {
		return fmt.Errorf("chunk store is closed")
	}
	return ctx.Err()
}

// EnsureCollection creates the partition for key if absent.
func (s *MemoryChunkStore) EnsureCollection(ctx context.Context, key CollectionKey) error {
	if key.Dimension <= 0 {
		return errors.InvalidArgument("collection dimension must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpen(ctx); err != nil {
		return err
	}
	if _, ok := s.partitions[key]; !ok {
		s.partitions[key] = &partition{key: key, chunks: make(map[string]*Chunk)}
	}
	return nil
}

// Upsert validates the whole batch before writing any chunk.
func (s *MemoryChunkStore) Upsert(ctx context.Context, chunks []*Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpen(ctx); err != nil {
		return err
	}

	for _, c := range chunks {
		if c.ID == "" {
			return errors.InvalidArgument("chunk id is required")
		}
		key := c.Strategy.EmbeddingConfig.CollectionKey()
		if _, ok := s.partitions[key]; !ok {
			return errors.NotFound("collection", key.String())
		}
		if err := CheckDimension(c.Embedding, key.Dimension); err != nil {
			return err
		}
	}

	var replaced []string
	indexed := make([]*Chunk, 0, len(chunks))
	for _, in := range chunks {
		c := in.Clone()
		if old, ok := s.byKey[c.Key()]; ok && old.ID != c.ID {
			s.removeLocked(old.ID)
			replaced = append(replaced, old.ID)
		}
		if _, ok := s.collectionOf[c.ID]; ok {
			s.removeLocked(c.ID)
		}

		p := s.partitions[c.Strategy.EmbeddingConfig.CollectionKey()]
		p.chunks[c.ID] = c
		s.byKey[c.Key()] = c
		s.collectionOf[c.ID] = p.key
		if p.ann != nil {
			p.ann.add(c.ID, c.Embedding)
		}
		indexed = append(indexed, c)
	}

	for _, p := range s.partitions {
		s.maintainANNLocked(p)
	}

	if err := s.text.Delete(ctx, replaced); err != nil {
		return err
	}
	return s.text.Index(ctx, indexed)
}

// removeLocked drops a chunk from every structure except the text index.
func (s *MemoryChunkStore) removeLocked(id string) {
	key, ok := s.collectionOf[id]
	if !ok {
		return
	}
	p := s.partitions[key]
	if c, ok := p.chunks[id]; ok {
		if cur, ok := s.byKey[c.Key()]; ok && cur.ID == id {
			delete(s.byKey, c.Key())
		}
		delete(p.chunks, id)
	}
	if p.ann != nil {
		p.ann.remove(id)
	}
	delete(s.collectionOf, id)
}

// maintainANNLocked builds the HNSW graph once a partition crosses the
// threshold and rebuilds it when orphaned nodes outnumber live ones.
func (s *MemoryChunkStore) maintainANNLocked(p *partition) {
	if s.annThreshold < 0 {
		return
	}
	switch {
	case p.ann == nil && len(p.chunks) >= s.annThreshold:
	case p.ann != nil && p.ann.orphans > p.ann.len():
	default:
		return
	}
	ann := newANNIndex()
	for id, c := range p.chunks {
		ann.add(id, c.Embedding)
	}
	p.ann = ann
}

// textHits returns nil when the predicate carries no text.
func (s *MemoryChunkStore) textHits(ctx context.Context, p Predicate) (map[string]float64, error) {
	if p.Text == "" {
		return nil, nil
	}
	return s.text.Search(ctx, p.Text)
}

func passes(c *Chunk, p Predicate, hits map[string]float64) bool {
	if !p.Match(c) {
		return false
	}
	if hits == nil {
		return true
	}
	_, ok := hits[c.ID]
	return ok
}

// Query returns matching chunks across all collections.
func (s *MemoryChunkStore) Query(ctx context.Context, q Query) ([]*Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkOpen(ctx); err != nil {
		return nil, err
	}
	hits, err := s.textHits(ctx, q.Predicate)
	if err != nil {
		return nil, err
	}

	matched := make([]*Chunk, 0)
	for _, c := range s.byKey {
		if passes(c, q.Predicate, hits) {
			matched = append(matched, c)
		}
	}
	SortChunksBy(matched, q.Sort, hits)

	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	out := make([]*Chunk, len(matched))
	for i, c := range matched {
		out[i] = c.Clone()
	}
	return out, nil
}

// SimilarityQuery scores one partition's chunks against req.Vector.
func (s *MemoryChunkStore) SimilarityQuery(ctx context.Context, req SimilarityRequest) ([]ScoredChunk, error) {
	if err := CheckDimension(req.Vector, req.Collection.Dimension); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkOpen(ctx); err != nil {
		return nil, err
	}
	p, ok := s.partitions[req.Collection]
	if !ok {
		return []ScoredChunk{}, nil
	}
	hits, err := s.textHits(ctx, req.Predicate)
	if err != nil {
		return nil, err
	}

	if p.ann != nil && req.Limit > 0 {
		k := req.Limit * annOversample
		ids := p.ann.search(req.Vector, k)
		candidates := make([]*Chunk, 0, len(ids))
		for _, id := range ids {
			if c, ok := p.chunks[id]; ok {
				candidates = append(candidates, c)
			}
		}
		results, err := scoreCandidates(candidates, req, hits)
		if err != nil {
			return nil, err
		}
		// Predicate filtering starved the ANN candidate set; fall through to an exact scan.
		if len(results) >= req.Limit || len(ids) < k {
			return finishSimilarity(results, req.Limit), nil
		}
	}

	candidates := make([]*Chunk, 0, len(p.chunks))
	for _, c := range p.chunks {
		candidates = append(candidates, c)
	}
	results, err := scoreCandidates(candidates, req, hits)
	if err != nil {
		return nil, err
	}
	return finishSimilarity(results, req.Limit), nil
}

func scoreCandidates(candidates []*Chunk, req SimilarityRequest, hits map[string]float64) ([]ScoredChunk, error) {
	results := make([]ScoredChunk, 0, len(candidates))
	for _, c := range candidates {
		if !passes(c, req.Predicate, hits) {
			continue
		}
		if err := CheckDimension(c.Embedding, req.Collection.Dimension); err != nil {
			return nil, err
		}
		cos, err := CosineSimilarity(req.Vector, c.Embedding)
		if err != nil {
			return nil, err
		}
		score := ShiftScore(cos)
		if score < req.MinScore {
			continue
		}
		results = append(results, ScoredChunk{Chunk: c, Score: score, Similarity: cos})
	}
	return results, nil
}

func finishSimilarity(results []ScoredChunk, limit int) []ScoredChunk {
	SortScored(results)
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	out := make([]ScoredChunk, len(results))
	for i, r := range results {
		out[i] = ScoredChunk{Chunk: r.Chunk.Clone(), Score: r.Score, Similarity: r.Similarity}
	}
	return out
}

// Count returns the number of matching chunks.
func (s *MemoryChunkStore) Count(ctx context.Context, p Predicate) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkOpen(ctx); err != nil {
		return 0, err
	}
	hits, err := s.textHits(ctx, p)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, c := range s.byKey {
		if passes(c, p, hits) {
			n++
		}
	}
	return n, nil
}

// DeleteByPredicate removes matching chunks.
func (s *MemoryChunkStore) DeleteByPredicate(ctx context.Context, p Predicate) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpen(ctx); err != nil {
		return 0, err
	}
	hits, err := s.textHits(ctx, p)
	if err != nil {
		return 0, err
	}

	var ids []string
	for _, c := range s.byKey {
		if passes(c, p, hits) {
			ids = append(ids, c.ID)
		}
	}
	for _, id := range ids {
		s.removeLocked(id)
	}
	for _, part := range s.partitions {
		s.maintainANNLocked(part)
	}
	if err := s.text.Delete(ctx, ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// UpdateByPredicate patches matching chunks in place.
func (s *MemoryChunkStore) UpdateByPredicate(ctx context.Context, p Predicate, patch ChunkPatch) (int, error) {
	if patch.IsEmpty() {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpen(ctx); err != nil {
		return 0, err
	}
	hits, err := s.textHits(ctx, p)
	if err != nil {
		return 0, err
	}

	now := s.now()
	var changed []*Chunk
	for _, c := range s.byKey {
		if passes(c, p, hits) {
			patch.Apply(c, now)
			changed = append(changed, c)
		}
	}
	if patch.Title != nil {
		if err := s.text.Index(ctx, changed); err != nil {
			return 0, err
		}
	}
	return len(changed), nil
}

// Aggregate summarises matching chunks per group.
func (s *MemoryChunkStore) Aggregate(ctx context.Context, p Predicate) ([]GroupAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkOpen(ctx); err != nil {
		return nil, err
	}
	hits, err := s.textHits(ctx, p)
	if err != nil {
		return nil, err
	}

	byGroup := make(map[string]*GroupAggregate)
	for _, c := range s.byKey {
		if !passes(c, p, hits) {
			continue
		}
		agg, ok := byGroup[c.GroupID]
		if !ok {
			agg = &GroupAggregate{GroupID: c.GroupID}
			byGroup[c.GroupID] = agg
		}
		agg.Add(c)
	}

	out := make([]GroupAggregate, 0, len(byGroup))
	for _, agg := range byGroup {
		out = append(out, *agg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GroupID < out[j].GroupID })
	return out, nil
}

// Close releases the text index.
func (s *MemoryChunkStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.text.Close()
}

// MemoryGroupStore implements GroupStore over a map.
type MemoryGroupStore struct {
	mu     sync.RWMutex
	groups map[string]*Group
}

// NewMemoryGroupStore creates an empty group store.
func NewMemoryGroupStore() *MemoryGroupStore {
	return &MemoryGroupStore{groups: make(map[string]*Group)}
}

// Get returns a copy of the group or NotFound.
func (s *MemoryGroupStore) Get(ctx context.Context, id string) (*Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.groups[id]
	if !ok {
		return nil, errors.NotFound("group", id)
	}
	return g.Clone(), nil
}

// Create stores a copy of g.
func (s *MemoryGroupStore) Create(ctx context.Context, g *Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.groups[g.ID]; ok {
		return errors.Conflict(fmt.Sprintf("group %q already exists", g.ID))
	}
	if g.IsDefault {
		for _, other := range s.groups {
			if other.IsDefault && other.ItemID == g.ItemID && other.ChunkingStrategy == g.ChunkingStrategy {
				return DefaultConflict(g)
			}
		}
	}
	s.groups[g.ID] = g.Clone()
	return nil
}

// Delete removes the group if present.
func (s *MemoryGroupStore) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.groups[id]
	delete(s.groups, id)
	return ok, nil
}

// List pages through matching groups.
func (s *MemoryGroupStore) List(ctx context.Context, q GroupQuery) (*GroupPage, error) {
	q, err := NormalizeGroupQuery(q)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*Group, 0, len(s.groups))
	for _, g := range s.groups {
		all = append(all, g)
	}
	return PageGroups(all, q)
}

// Close is a no-op.
func (s *MemoryGroupStore) Close() error { return nil }

// DefaultConflict is the error for a second default of the same strategy.
func DefaultConflict(g *Group) error {
	scope := "global"
	if g.ItemID != "" {
		scope = "item " + g.ItemID
	}
	return errors.Conflict(fmt.Sprintf("a default %q group already exists for %s", g.ChunkingStrategy, scope))
}

var (
	_ ChunkStore = (*MemoryChunkStore)(nil)
	_ GroupStore = (*MemoryGroupStore)(nil)
	_ Store      = (*Memory)(nil)
)
