// Package index implements the pluggable index backends of spec §4: Flat,
// KD-tree, HNSW, HNSW-inline (scalar-quantized), and IVF-PQ. Every backend
// maps a query vector to ranked vector-store slot IDs. Flat and IVF-PQ keep
// no full-precision vectors of their own and read them from the database
// façade's vecstore.Store through a VectorFunc; KD-tree, HNSW and
// HNSW-inline nodes each also keep their own full-precision copy.
//
// The arena+slot-ID discipline mandated by DESIGN NOTES §9 replaces the
// teacher's map[string]*Node graphs (pkg/index/hnsw.go) and string-keyed
// vector maps (pkg/index/flat.go) with []T slices addressed by int/uint64,
// which is also what makes the snapshot codec in pkg/snapshot trivial.
package index

import (
	"container/heap"

	"github.com/jaywyawhare/gigavector/pkg/distance"
	"github.com/jaywyawhare/gigavector/pkg/filter"
)

// Kind identifies a backend variant, the Go analogue of the spec's
// opaque-handle-to-sum-type substitution in DESIGN NOTES §9.
type Kind int

const (
	Flat Kind = iota
	KDTreeKind
	HNSWKind
	HNSWInlineKind
	IVFPQKind
)

func (k Kind) String() string {
	switch k {
	case Flat:
		return "flat"
	case KDTreeKind:
		return "kdtree"
	case HNSWKind:
		return "hnsw"
	case HNSWInlineKind:
		return "hnsw_inline"
	case IVFPQKind:
		return "ivfpq"
	default:
		return "unknown"
	}
}

// Result is one ranked candidate returned by a backend search.
type Result struct {
	SlotID   uint64
	Distance float32
}

// LiveFunc reports whether a slot is live (non-tombstoned). Backends call
// it at candidate emission time, never to prune their own structure, per
// spec §4.4's "search always re-checks the store's tombstone bit".
type LiveFunc func(slotID uint64) bool

// MetaFunc returns the metadata map for a slot, used by filtered search.
type MetaFunc func(slotID uint64) map[string]string

// VectorFunc returns the full-precision vector for a slot, used by
// HNSW-inline rerank and IVF-PQ rerank.
type VectorFunc func(slotID uint64) []float32

// resultMaxHeap is a bounded max-heap over Result, used by Flat/KD-tree/
// HNSW-inline rerank to keep the k best candidates seen so far. Adapted
// from the teacher's pkg/index/flat.go flatMaxHeap/flatHeapItem, retargeted
// from string IDs to uint64 slot IDs.
type resultMaxHeap []Result

func (h resultMaxHeap) Len() int            { return len(h) }
func (h resultMaxHeap) Less(i, j int) bool  { return h[i].Distance > h[j].Distance }
func (h resultMaxHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *resultMaxHeap) Push(x interface{}) { *h = append(*h, x.(Result)) }
func (h *resultMaxHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// boundedTopK maintains the k closest (slotID, distance) pairs seen via Add,
// emitting them in ascending order via Sorted.
type boundedTopK struct {
	k int
	h resultMaxHeap
}

func newBoundedTopK(k int) *boundedTopK {
	h := make(resultMaxHeap, 0, k)
	heap.Init(&h)
	return &boundedTopK{k: k, h: h}
}

func (b *boundedTopK) Add(r Result) {
	if r.Distance == distance.Sentinel {
		return
	}
	if b.h.Len() < b.k {
		heap.Push(&b.h, r)
	} else if b.h.Len() > 0 && r.Distance < b.h[0].Distance {
		heap.Pop(&b.h)
		heap.Push(&b.h, r)
	}
}

// Sorted drains the heap into ascending-distance order, breaking ties by
// ascending slot ID per spec §5's determinism guarantee.
func (b *boundedTopK) Sorted() []Result {
	out := make([]Result, b.h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(&b.h).(Result)
	}
	stableSortResults(out)
	return out
}

func stableSortResults(results []Result) {
	// Insertion sort: result sets are small (bounded by k or an overfetch
	// factor), and ties need a stable, deterministic ascending-slot-ID
	// break, which sort.SliceStable would also give us but at the cost of
	// an extra allocation-heavy call for what is usually a handful of
	// elements.
	for i := 1; i < len(results); i++ {
		j := i
		for j > 0 && less(results[j], results[j-1]) {
			results[j], results[j-1] = results[j-1], results[j]
			j--
		}
	}
}

func less(a, b Result) bool {
	if a.Distance != b.Distance {
		return a.Distance < b.Distance
	}
	return a.SlotID < b.SlotID
}

// filterAndWiden runs fetch (which gathers up to `pool` raw candidates) and
// applies the metadata filter, widening the pool up to filter.MaxWidenRetries
// times per spec §4.8 when the filter leaves fewer than k survivors.
func filterAndWiden(k int, expr filter.Expr, metaOf MetaFunc, fetch func(pool int) []Result) []Result {
	pool := k
	if expr != nil {
		pool = k * filter.OverfetchRatio
	}
	var survivors []Result
	for attempt := 0; attempt <= filter.MaxWidenRetries; attempt++ {
		candidates := fetch(pool)
		survivors = survivors[:0]
		for _, c := range candidates {
			if filter.Eval(expr, metaOf(c.SlotID)) {
				survivors = append(survivors, c)
			}
		}
		if len(survivors) >= k || len(candidates) < pool {
			break
		}
		pool *= filter.OverfetchRatio
	}
	if len(survivors) > k {
		survivors = survivors[:k]
	}
	out := make([]Result, len(survivors))
	copy(out, survivors)
	return out
}
