package index

import (
	"sort"
	"sync"

	"github.com/jaywyawhare/gigavector/pkg/distance"
	"github.com/jaywyawhare/gigavector/pkg/filter"
)

// FlatIndex is the brute-force exact backend of spec §4.3. Adapted from the
// teacher's pkg/index/flat.go: slot IDs replace string IDs, and the bounded
// max-heap / quicksort-for-range shape is kept as-is.
type FlatIndex struct {
	mu   sync.RWMutex
	dim  int
	kind distance.Kind
	ids  map[uint64]struct{}
}

// NewFlat creates an empty flat index for the given dimension and distance
// kind.
func NewFlat(dim int, kind distance.Kind) *FlatIndex {
	return &FlatIndex{dim: dim, kind: kind, ids: make(map[uint64]struct{})}
}

func (f *FlatIndex) Kind() Kind { return Flat }

// Insert registers a slot ID with the index. Flat carries no structure
// beyond membership; actual float data always lives in the vector store.
func (f *FlatIndex) Insert(slotID uint64, _ []float32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids[slotID] = struct{}{}
	return nil
}

func (f *FlatIndex) Delete(slotID uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.ids, slotID)
	return nil
}

func (f *FlatIndex) Size() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.ids)
}

// KNN scans every live slot, maintaining a bounded max-heap of size k.
func (f *FlatIndex) KNN(query []float32, k int, expr filter.Expr, vecOf VectorFunc, metaOf MetaFunc, live LiveFunc) []Result {
	f.mu.RLock()
	ids := make([]uint64, 0, len(f.ids))
	for id := range f.ids {
		ids = append(ids, id)
	}
	f.mu.RUnlock()

	fetch := func(pool int) []Result {
		topK := newBoundedTopK(pool)
		for _, id := range ids {
			if !live(id) {
				continue
			}
			vec := vecOf(id)
			d := distance.Distance(f.kind, query, vec)
			topK.Add(Result{SlotID: id, Distance: d})
		}
		return topK.Sorted()
	}
	return filterAndWiden(k, expr, metaOf, fetch)
}

// Range returns all live slots within radius, sorted ascending by distance.
func (f *FlatIndex) Range(query []float32, radius float32, maxResults int, expr filter.Expr, vecOf VectorFunc, metaOf MetaFunc, live LiveFunc) []Result {
	f.mu.RLock()
	ids := make([]uint64, 0, len(f.ids))
	for id := range f.ids {
		ids = append(ids, id)
	}
	f.mu.RUnlock()

	var results []Result
	for _, id := range ids {
		if !live(id) {
			continue
		}
		vec := vecOf(id)
		d := distance.Distance(f.kind, query, vec)
		if d == distance.Sentinel || d > radius {
			continue
		}
		if expr != nil && !filter.Eval(expr, metaOf(id)) {
			continue
		}
		results = append(results, Result{SlotID: id, Distance: d})
	}

	sort.Slice(results, func(i, j int) bool { return less(results[i], results[j]) })
	if maxResults > 0 && len(results) > maxResults {
		results = results[:maxResults]
	}
	return results
}
