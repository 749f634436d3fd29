package store

import (
	"github.com/coder/hnsw"
)

// annIndex is an HNSW graph over one collection's unit-normalised embeddings.
// It is only used to narrow candidates; scores are always recomputed exactly.
//
// Deletion is lazy: removed ids are unmapped but their nodes stay in the
// graph, since deleting the last node corrupts a coder/hnsw graph.
type annIndex struct {
	graph   *hnsw.Graph[uint64]
	idMap   map[string]uint64
	keyMap  map[uint64]string
	nextKey uint64
	orphans int
}

func newANNIndex() *annIndex {
	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = 16
	graph.EfSearch = 64
	graph.Ml = 0.25

	return &annIndex{
		graph:  graph,
		idMap:  make(map[string]uint64),
		keyMap: make(map[uint64]string),
	}
}

// add inserts or replaces the vector for id.
func (a *annIndex) add(id string, vec []float32) {
	a.remove(id)

	key := a.nextKey
	a.nextKey++
	a.graph.Add(hnsw.MakeNode(key, normalizedCopy(vec)))
	a.idMap[id] = key
	a.keyMap[key] = id
}

func (a *annIndex) remove(id string) {
	if key, ok := a.idMap[id]; ok {
		delete(a.keyMap, key)
		delete(a.idMap, id)
		a.orphans++
	}
}

// len returns the number of live ids.
func (a *annIndex) len() int {
	return len(a.idMap)
}

// search returns up to k live ids nearest to query.
func (a *annIndex) search(query []float32, k int) []string {
	if a.graph.Len() == 0 || k <= 0 {
		return nil
	}
	// Orphaned nodes occupy result slots.
	nodes := a.graph.Search(normalizedCopy(query), k+a.orphans)

	ids := make([]string, 0, k)
	for _, node := range nodes {
		id, ok := a.keyMap[node.Key]
		if !ok {
			continue
		}
		ids = append(ids, id)
		if len(ids) == k {
			break
		}
	}
	return ids
}
