package index

import (
	"container/heap"
	"math"
	"math/rand"
	"sync"

	"github.com/jaywyawhare/gigavector/pkg/distance"
	"github.com/jaywyawhare/gigavector/pkg/filter"
)

// hnswNode is one graph node, addressed directly by vector-store slot ID
// (slot IDs are dense and start at 0, so a slice indexed by slot ID serves
// as the arena without a separate index map). Adapted from the teacher's
// pkg/index/hnsw.go HNSWNode, with map[string]*HNSWNode generalized to a
// slot-ID-addressed slice per DESIGN NOTES §9. The node keeps its own
// full-precision copy exactly like the teacher's Node.Vector, so graph
// construction never has to reach back into the vector store while the
// graph's own lock is held.
type hnswNode struct {
	slotID    uint64
	vec       []float32
	level     int
	neighbors [][]uint64 // neighbors[layer] = slot IDs linked at that layer
	present   bool
}

// HNSW implements the Hierarchical Navigable Small World backend of
// spec §4.5. Construction (level assignment, greedy descent,
// ef_construction-bounded layer search, neighbor-selection heuristic,
// bidirectional pruning, entry-point maintenance) is adapted directly from
// the teacher's pkg/index/hnsw.go Insert/searchLayer/selectNeighborsHeuristic.
type HNSW struct {
	mu sync.RWMutex

	dim  int
	kind distance.Kind

	m              int
	m0             int // max neighbors at layer 0, spec default 2*M
	efConstruction int
	mL             float64
	rng            *rand.Rand

	nodes      []hnswNode
	hasEntry   bool
	entryPoint uint64
	size       int
}

// NewHNSW creates an empty HNSW index. seed pins the level-assignment RNG
// for reproducible construction in tests.
func NewHNSW(dim int, kind distance.Kind, m, efConstruction int, seed int64) *HNSW {
	return &HNSW{
		dim:            dim,
		kind:           kind,
		m:              m,
		m0:             m * 2,
		efConstruction: efConstruction,
		mL:             1.0 / math.Log(2.0),
		rng:            rand.New(rand.NewSource(seed)),
	}
}

func (h *HNSW) Kind() Kind { return HNSWKind }

func (h *HNSW) growTo(n int) {
	if n <= len(h.nodes) {
		return
	}
	grown := make([]hnswNode, n)
	copy(grown, h.nodes)
	h.nodes = grown
}

// selectLevel draws a level via the standard exponential-decay coin-flip
// scheme, capped at 32 so a pathological draw can never blow up memory.
func (h *HNSW) selectLevel() int {
	level := 0
	for h.rng.Float64() < 0.5 && level < 32 {
		level++
	}
	return level
}

// Insert threads slotID into the graph: greedy descent from the entry
// point down to the target level, then ef_construction-bounded layer
// search plus heuristic neighbor selection at every layer from the target
// level down to 0, with bidirectional edges and overflow pruning.
func (h *HNSW) Insert(slotID uint64, vec []float32) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	cp := make([]float32, len(vec))
	copy(cp, vec)

	h.growTo(int(slotID) + 1)
	level := h.selectLevel()
	node := hnswNode{
		slotID:    slotID,
		vec:       cp,
		level:     level,
		neighbors: make([][]uint64, level+1),
		present:   true,
	}
	for i := range node.neighbors {
		node.neighbors[i] = make([]uint64, 0)
	}
	h.nodes[slotID] = node
	h.size++

	if !h.hasEntry {
		h.hasEntry = true
		h.entryPoint = slotID
		return nil
	}

	entry := h.entryPoint
	entryLevel := h.nodes[entry].level

	curNearest := []uint64{entry}
	for lc := entryLevel; lc > level; lc-- {
		curNearest = h.searchLayerClosest(cp, curNearest, 1, lc)
	}

	for lc := level; lc >= 0; lc-- {
		maxConn := h.m
		if lc == 0 {
			maxConn = h.m0
		}

		candidates := h.searchLayer(cp, curNearest, h.efConstruction, lc)
		neighbors := h.selectNeighborsHeuristic(cp, candidates, maxConn)

		h.nodes[slotID].neighbors[lc] = neighbors
		for _, nb := range neighbors {
			h.addConnection(nb, slotID, lc)

			nbNode := &h.nodes[nb]
			if lc >= len(nbNode.neighbors) {
				continue
			}
			if len(nbNode.neighbors[lc]) > maxConn {
				nbNode.neighbors[lc] = h.selectNeighborsHeuristic(nbNode.vec, nbNode.neighbors[lc], maxConn)
			}
		}
		curNearest = neighbors
	}

	if level > h.nodes[h.entryPoint].level {
		h.entryPoint = slotID
	}
	return nil
}

func (h *HNSW) addConnection(from, to uint64, layer int) {
	fromNode := &h.nodes[from]
	if layer >= len(fromNode.neighbors) {
		return
	}
	for _, nb := range fromNode.neighbors[layer] {
		if nb == to {
			return
		}
	}
	fromNode.neighbors[layer] = append(fromNode.neighbors[layer], to)
}

type hnswHeapItem struct {
	id   uint64
	dist float32
}

type hnswMinHeap []hnswHeapItem

func (h hnswMinHeap) Len() int            { return len(h) }
func (h hnswMinHeap) Less(i, j int) bool  { return h[i].dist < h[j].dist }
func (h hnswMinHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *hnswMinHeap) Push(x interface{}) { *h = append(*h, x.(hnswHeapItem)) }
func (h *hnswMinHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

type hnswMaxHeap []hnswHeapItem

func (h hnswMaxHeap) Len() int            { return len(h) }
func (h hnswMaxHeap) Less(i, j int) bool  { return h[i].dist > h[j].dist }
func (h hnswMaxHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *hnswMaxHeap) Push(x interface{}) { *h = append(*h, x.(hnswHeapItem)) }
func (h *hnswMaxHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// searchLayer is the ef-bounded greedy layer search adapted from the
// teacher's searchLayer: candidates is a min-heap of the frontier,
// dynamicList a bounded max-heap of the best ef seen so far. Always called
// with h.mu already held.
func (h *HNSW) searchLayer(query []float32, entryPoints []uint64, ef int, layer int) []uint64 {
	visited := make(map[uint64]bool, ef*2)
	candidates := &hnswMinHeap{}
	dynamicList := &hnswMaxHeap{}

	for _, id := range entryPoints {
		d := distance.Distance(h.kind, query, h.nodes[id].vec)
		heap.Push(candidates, hnswHeapItem{id: id, dist: d})
		heap.Push(dynamicList, hnswHeapItem{id: id, dist: d})
		visited[id] = true
	}

	for candidates.Len() > 0 {
		if dynamicList.Len() > 0 && (*candidates)[0].dist > (*dynamicList)[0].dist {
			break
		}
		cur := heap.Pop(candidates).(hnswHeapItem)
		curNode := &h.nodes[cur.id]
		if layer >= len(curNode.neighbors) {
			continue
		}
		for _, nb := range curNode.neighbors[layer] {
			if visited[nb] {
				continue
			}
			visited[nb] = true
			d := distance.Distance(h.kind, query, h.nodes[nb].vec)
			if dynamicList.Len() < ef || d < (*dynamicList)[0].dist {
				heap.Push(candidates, hnswHeapItem{id: nb, dist: d})
				heap.Push(dynamicList, hnswHeapItem{id: nb, dist: d})
				if dynamicList.Len() > ef {
					heap.Pop(dynamicList)
				}
			}
		}
	}

	result := make([]uint64, 0, dynamicList.Len())
	for dynamicList.Len() > 0 {
		result = append(result, heap.Pop(dynamicList).(hnswHeapItem).id)
	}
	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}
	return result
}

func (h *HNSW) searchLayerClosest(query []float32, entryPoints []uint64, num, layer int) []uint64 {
	candidates := h.searchLayer(query, entryPoints, num, layer)
	if len(candidates) > num {
		return candidates[:num]
	}
	return candidates
}

// selectNeighborsHeuristic keeps the m closest candidates by exact
// distance, mirroring the teacher's simple closest-m heuristic rather than
// the fuller diversity heuristic from the original HNSW paper.
func (h *HNSW) selectNeighborsHeuristic(query []float32, candidates []uint64, m int) []uint64 {
	if len(candidates) <= m {
		out := make([]uint64, len(candidates))
		copy(out, candidates)
		return out
	}
	type pair struct {
		id   uint64
		dist float32
	}
	pairs := make([]pair, len(candidates))
	for i, c := range candidates {
		pairs[i] = pair{id: c, dist: distance.Distance(h.kind, query, h.nodes[c].vec)}
	}
	for i := 0; i < len(pairs)-1; i++ {
		for j := i + 1; j < len(pairs); j++ {
			if pairs[j].dist < pairs[i].dist {
				pairs[i], pairs[j] = pairs[j], pairs[i]
			}
		}
	}
	out := make([]uint64, 0, m)
	for i := 0; i < m && i < len(pairs); i++ {
		out = append(out, pairs[i].id)
	}
	return out
}

// Delete soft-deletes slotID. Graph edges are left dangling; searchLayer
// still traverses through a deleted node (it may usefully bridge two live
// regions), but KNN/Range never emit it as a result because LiveFunc is
// re-checked at candidate emission, per spec §4.5.
func (h *HNSW) Delete(slotID uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if int(slotID) >= len(h.nodes) || !h.nodes[slotID].present {
		return nil
	}
	h.nodes[slotID].present = false
	h.size--
	if h.entryPoint == slotID {
		h.hasEntry = false
		for i := range h.nodes {
			if h.nodes[i].present && uint64(i) != slotID {
				h.entryPoint = uint64(i)
				h.hasEntry = true
				break
			}
		}
	}
	return nil
}

func (h *HNSW) Size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.size
}

// KNN greedily descends from the entry point to layer 1, then runs an
// ef_search-bounded search at layer 0, per spec §4.5's two-phase search.
func (h *HNSW) KNN(query []float32, k int, expr filter.Expr, vecOf VectorFunc, metaOf MetaFunc, live LiveFunc) []Result {
	h.mu.RLock()
	hasEntry := h.hasEntry
	h.mu.RUnlock()
	if !hasEntry {
		return nil
	}

	fetch := func(pool int) []Result {
		ef := pool
		if ef < k {
			ef = k
		}
		h.mu.RLock()
		entry := h.entryPoint
		entryLevel := h.nodes[entry].level
		curNearest := []uint64{entry}
		for layer := entryLevel; layer > 0; layer-- {
			curNearest = h.searchLayerClosest(query, curNearest, 1, layer)
		}
		candidates := h.searchLayer(query, curNearest, ef, 0)
		h.mu.RUnlock()

		topK := newBoundedTopK(pool)
		for _, id := range candidates {
			if !live(id) {
				continue
			}
			d := distance.Distance(h.kind, query, vecOf(id))
			topK.Add(Result{SlotID: id, Distance: d})
		}
		return topK.Sorted()
	}
	return filterAndWiden(k, expr, metaOf, fetch)
}

// Range reuses the same layer-0 search as KNN with a generously widened ef,
// then trims to candidates within radius. HNSW gives no exactness
// guarantee for radius queries; this returns the best approximation the
// graph's local connectivity can reach in one ef-bounded pass.
func (h *HNSW) Range(query []float32, radius float32, maxResults int, expr filter.Expr, vecOf VectorFunc, metaOf MetaFunc, live LiveFunc) []Result {
	h.mu.RLock()
	hasEntry := h.hasEntry
	h.mu.RUnlock()
	if !hasEntry {
		return nil
	}

	ef := h.efConstruction
	if maxResults > ef {
		ef = maxResults
	}

	h.mu.RLock()
	entry := h.entryPoint
	entryLevel := h.nodes[entry].level
	curNearest := []uint64{entry}
	for layer := entryLevel; layer > 0; layer-- {
		curNearest = h.searchLayerClosest(query, curNearest, 1, layer)
	}
	candidates := h.searchLayer(query, curNearest, ef, 0)
	h.mu.RUnlock()

	var results []Result
	for _, id := range candidates {
		if !live(id) {
			continue
		}
		d := distance.Distance(h.kind, query, vecOf(id))
		if d == distance.Sentinel || d > radius {
			continue
		}
		if expr != nil && !filter.Eval(expr, metaOf(id)) {
			continue
		}
		results = append(results, Result{SlotID: id, Distance: d})
	}
	stableSortResults(results)
	if maxResults > 0 && len(results) > maxResults {
		results = results[:maxResults]
	}
	return results
}
