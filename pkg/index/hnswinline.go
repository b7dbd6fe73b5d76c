package index

import (
	"container/heap"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/jaywyawhare/gigavector/pkg/distance"
	"github.com/jaywyawhare/gigavector/pkg/filter"
	"github.com/jaywyawhare/gigavector/pkg/quantization"
)

// hnswInlineNode mirrors hnswNode but keeps its full-precision vector in a
// separate parallel buffer next to an inline quantized copy, per spec
// §4.6: the quantized bytes drive graph-construction and candidate-gen
// distance; the parallel buffer is never read during graph traversal. The
// final rerank reads full-precision vectors through vecOf; this copy is
// what incremental rebuild re-encodes from and what Serialize persists.
type hnswInlineNode struct {
	slotID     uint64
	vec        []float32 // full precision, for re-encoding and Serialize
	quantized  []byte    // packed nbits-per-component, used for traversal
	level      int
	neighbors  [][]uint64
	present    bool
	generation uint64 // bumped by incremental rebuild when re-encoded
}

// RebuildStatus reports the state of the last incremental rebuild run.
// HNSWInline.RebuildStatus waits for a run in progress to finish, so it
// does not report the state of a run while that run is still going.
type RebuildStatus struct {
	InProgress     bool
	RunID          string
	NodesProcessed int
	EdgesAdded     int
	EdgesRemoved   int
	ElapsedMs      int64
}

// HNSWInline is the scalar-quantized inline variant of spec §4.6: graph
// shape and construction algorithm are the same as HNSW (adapted from the
// same teacher pkg/index/hnsw.go source), generalized to carry an inline
// quantized byte buffer per node instead of (or alongside) full-precision
// data, plus a background-safe incremental rebuild operation the teacher
// has no equivalent of.
type HNSWInline struct {
	mu sync.RWMutex

	dim  int
	kind distance.Kind

	m              int
	m0             int
	efConstruction int
	rng            *rand.Rand

	quant *quantization.ScalarQuantizer

	nodes      []hnswInlineNode
	hasEntry   bool
	entryPoint uint64
	size       int

	prefetchDistance int

	rebuildMu     sync.Mutex // serializes rebuild runs; enforces exactly-one-in-flight
	rebuildStatus RebuildStatus
	runCounter    int
}

// NewHNSWInline creates an empty HNSW-inline index quantizing to nbits
// components (4 or 8 per spec §4.6).
func NewHNSWInline(dim int, kind distance.Kind, m, efConstruction, nbits, prefetchDistance int, seed int64) (*HNSWInline, error) {
	q, err := quantization.NewScalarQuantizer(dim, nbits)
	if err != nil {
		return nil, err
	}
	return &HNSWInline{
		dim:              dim,
		kind:             kind,
		m:                m,
		m0:               m * 2,
		efConstruction:   efConstruction,
		rng:              rand.New(rand.NewSource(seed)),
		quant:            q,
		prefetchDistance: prefetchDistance,
	}, nil
}

func (h *HNSWInline) Kind() Kind { return HNSWInlineKind }

func (h *HNSWInline) growTo(n int) {
	if n <= len(h.nodes) {
		return
	}
	grown := make([]hnswInlineNode, n)
	copy(grown, h.nodes)
	h.nodes = grown
}

func (h *HNSWInline) selectLevel() int {
	level := 0
	for h.rng.Float64() < 0.5 && level < 32 {
		level++
	}
	return level
}

// approxDistance decodes a node's quantized bytes and measures against
// query, used for all graph-traversal distance comparisons.
func (h *HNSWInline) approxDistance(query []float32, node *hnswInlineNode) float32 {
	decoded, err := h.quant.Decode(node.quantized)
	if err != nil {
		return distance.Sentinel
	}
	return distance.Distance(h.kind, query, decoded)
}

// Insert observes vec into the online quantizer's tracked range, encodes
// it, and threads it into the graph using quantized-approximate distance
// for every traversal/neighbor-selection decision — identical shape to
// HNSW.Insert otherwise.
func (h *HNSWInline) Insert(slotID uint64, vec []float32) error {
	if err := h.quant.Observe(vec); err != nil {
		return err
	}
	encoded, err := h.quant.Encode(vec)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	cp := make([]float32, len(vec))
	copy(cp, vec)

	h.growTo(int(slotID) + 1)
	level := h.selectLevel()
	node := hnswInlineNode{
		slotID:    slotID,
		vec:       cp,
		quantized: encoded,
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
				decoded, derr := h.quant.Decode(nbNode.quantized)
				if derr == nil {
					nbNode.neighbors[lc] = h.selectNeighborsHeuristic(decoded, nbNode.neighbors[lc], maxConn)
				}
			}
		}
		curNearest = neighbors
	}

	if level > h.nodes[h.entryPoint].level {
		h.entryPoint = slotID
	}
	return nil
}

func (h *HNSWInline) addConnection(from, to uint64, layer int) {
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

func (h *HNSWInline) searchLayer(query []float32, entryPoints []uint64, ef int, layer int) []uint64 {
	visited := make(map[uint64]bool, ef*2)
	candidates := &hnswMinHeap{}
	dynamicList := &hnswMaxHeap{}

	for _, id := range entryPoints {
		d := h.approxDistance(query, &h.nodes[id])
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
		// Software prefetch: while visiting the neighbor at position i,
		// touch the quantized bytes of the neighbor prefetchDistance
		// positions ahead in this adjacency list, per spec §4.6's optional
		// prefetch hint. Go has no prefetch intrinsic, so this takes the
		// form of an early, otherwise-harmless read that warms the CPU
		// cache line.
		nbs := curNode.neighbors[layer]
		for i, nb := range nbs {
			if h.prefetchDistance > 0 && i+h.prefetchDistance < len(nbs) {
				_ = h.nodes[nbs[i+h.prefetchDistance]].quantized
			}
			if visited[nb] {
				continue
			}
			visited[nb] = true
			d := h.approxDistance(query, &h.nodes[nb])
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

func (h *HNSWInline) searchLayerClosest(query []float32, entryPoints []uint64, num, layer int) []uint64 {
	candidates := h.searchLayer(query, entryPoints, num, layer)
	if len(candidates) > num {
		return candidates[:num]
	}
	return candidates
}

func (h *HNSWInline) selectNeighborsHeuristic(query []float32, candidates []uint64, m int) []uint64 {
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
		pairs[i] = pair{id: c, dist: h.approxDistance(query, &h.nodes[c])}
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

func (h *HNSWInline) Delete(slotID uint64) error {
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

func (h *HNSWInline) Size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.size
}

// KNN searches using quantized approximate distance, then reranks the
// surviving candidate pool against full-precision vectors via vecOf before
// truncating to k, per spec §4.6's quantized-candidate-then-rerank path.
func (h *HNSWInline) KNN(query []float32, k int, expr filter.Expr, vecOf VectorFunc, metaOf MetaFunc, live LiveFunc) []Result {
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
			d := distance.Distance(h.kind, query, vecOf(id)) // full-precision rerank
			topK.Add(Result{SlotID: id, Distance: d})
		}
		return topK.Sorted()
	}
	return filterAndWiden(k, expr, metaOf, fetch)
}

// Range mirrors HNSW.Range, reranking the ef-bounded candidate pool with
// full-precision distance before the radius cutoff.
func (h *HNSWInline) Range(query []float32, radius float32, maxResults int, expr filter.Expr, vecOf VectorFunc, metaOf MetaFunc, live LiveFunc) []Result {
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

// RebuildStatus returns a snapshot of the last incremental rebuild. It takes
// the mutex that IncrementalRebuild holds for a whole run, so a call made
// during a run blocks until that run has finished.
func (h *HNSWInline) RebuildStatus() RebuildStatus {
	h.rebuildMu.Lock()
	defer h.rebuildMu.Unlock()
	return h.rebuildStatus
}

// IncrementalRebuild re-selects layer-0 neighbors for nodes in batches of
// batchSize, re-encoding each against the quantizer's current range before
// recomputing its edges. Only one rebuild may run at a time (the teacher
// has no equivalent; a dedicated mutex rejects a second concurrent run).
// Each batch takes the index's write lock, so ordinary search waits while
// a batch is processed and proceeds between batches.
func (h *HNSWInline) IncrementalRebuild(runID string, batchSize int, vecOf VectorFunc) error {
	if !h.rebuildMu.TryLock() {
		return fmt.Errorf("hnsw_inline: rebuild already in progress")
	}
	defer h.rebuildMu.Unlock()

	start := time.Now()
	h.rebuildStatus = RebuildStatus{InProgress: true, RunID: runID}

	h.mu.RLock()
	total := len(h.nodes)
	h.mu.RUnlock()

	edgesAdded, edgesRemoved, processed := 0, 0, 0
	for base := 0; base < total; base += batchSize {
		end := base + batchSize
		if end > total {
			end = total
		}

		h.mu.Lock()
		for i := base; i < end; i++ {
			node := &h.nodes[i]
			if !node.present {
				continue
			}
			fresh, err := h.quant.Encode(node.vec)
			if err != nil {
				continue
			}
			node.quantized = fresh
			node.generation++

			if len(node.neighbors) > 0 {
				before := len(node.neighbors[0])
				candidates := h.searchLayer(node.vec, []uint64{h.entryPoint}, h.efConstruction, 0)
				reselected := h.selectNeighborsHeuristic(node.vec, candidates, h.m0)
				node.neighbors[0] = reselected
				after := len(reselected)
				if after > before {
					edgesAdded += after - before
				} else {
					edgesRemoved += before - after
				}
			}
			processed++
		}
		h.mu.Unlock()
	}

	h.rebuildStatus = RebuildStatus{
		InProgress:     false,
		RunID:          runID,
		NodesProcessed: processed,
		EdgesAdded:     edgesAdded,
		EdgesRemoved:   edgesRemoved,
		ElapsedMs:      time.Since(start).Milliseconds(),
	}
	return nil
}
