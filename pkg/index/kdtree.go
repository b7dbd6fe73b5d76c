package index

import (
	"sync"

	"github.com/jaywyawhare/gigavector/pkg/distance"
	"github.com/jaywyawhare/gigavector/pkg/filter"
)

// kdNode is one node in the arena-backed KD-tree. left/right are indices
// into KDTree.nodes, -1 meaning "no child", per DESIGN NOTES §9's
// arena+slot-ID discipline (the teacher has no KD-tree to adapt from, so
// this follows the same arena shape already used by vecstore.Store and
// pkg/index/flat.go rather than a pointer-linked tree). Each node keeps its
// own coordinate copy so descent and hyperplane-bound pruning never need to
// reach back into the vector store while the tree's own lock is held.
type kdNode struct {
	slotID      uint64
	vec         []float32
	left, right int32
}

const kdNilChild int32 = -1

// KDTree is the axis-cycling binary space partition backend of spec §4.4.
// Inserts are never rebalanced; axis = depth mod dim, matching a classic
// insert-only KD-tree. Deletes are tombstone-only: the tree keeps its
// structure, and the live slot bit (checked via LiveFunc at candidate
// emission) decides whether a node still counts toward a result set.
type KDTree struct {
	mu   sync.RWMutex
	dim  int
	kind distance.Kind

	nodes []kdNode
	root  int32 // kdNilChild if empty
	size  int   // live insert count, decremented on Delete (advisory only)
}

// NewKDTree creates an empty KD-tree for the given dimension and distance
// kind.
func NewKDTree(dim int, kind distance.Kind) *KDTree {
	return &KDTree{dim: dim, kind: kind, root: kdNilChild}
}

func (t *KDTree) Kind() Kind { return KDTreeKind }

// Insert adds slotID into the tree, descending by axis = depth mod dim
// until an empty child is found.
func (t *KDTree) Insert(slotID uint64, vec []float32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	cp := make([]float32, len(vec))
	copy(cp, vec)

	idx := int32(len(t.nodes))
	t.nodes = append(t.nodes, kdNode{slotID: slotID, vec: cp, left: kdNilChild, right: kdNilChild})
	t.size++

	if t.root == kdNilChild {
		t.root = idx
		return nil
	}

	cur := t.root
	depth := 0
	for {
		axis := depth % t.dim
		node := &t.nodes[cur]
		if cp[axis] < node.vec[axis] {
			if node.left == kdNilChild {
				node.left = idx
				return nil
			}
			cur = node.left
		} else {
			if node.right == kdNilChild {
				node.right = idx
				return nil
			}
			cur = node.right
		}
		depth++
	}
}

// Delete tombstones slotID without touching tree structure, per spec §4.4.
// The actual live/dead determination happens via LiveFunc at search time;
// this only keeps the advisory size counter honest.
func (t *KDTree) Delete(slotID uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.nodes {
		if t.nodes[i].slotID == slotID {
			t.size--
			break
		}
	}
	return nil
}

// Size returns the advisory live-insert count (not adjusted for store-side
// compaction; callers should prefer vecstore.Store.LiveCount for an exact
// figure).
func (t *KDTree) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.size
}

// KNN performs a best-first descent with hyperplane-bound pruning: at each
// node we recurse into the half containing the query point first, then
// only cross into the far half if its splitting hyperplane is closer than
// the current k-th best distance found so far.
func (t *KDTree) KNN(query []float32, k int, expr filter.Expr, vecOf VectorFunc, metaOf MetaFunc, live LiveFunc) []Result {
	t.mu.RLock()
	root := t.root
	nodes := t.nodes
	t.mu.RUnlock()

	fetch := func(pool int) []Result {
		topK := newBoundedTopK(pool)
		var walk func(idx int32, depth int)
		walk = func(idx int32, depth int) {
			if idx == kdNilChild {
				return
			}
			node := &nodes[idx]
			if live(node.slotID) {
				d := distance.Distance(t.kind, query, vecOf(node.slotID))
				topK.Add(Result{SlotID: node.slotID, Distance: d})
			}

			axis := depth % t.dim
			diff := query[axis] - node.vec[axis]
			near, far := node.left, node.right
			if diff > 0 {
				near, far = node.right, node.left
			}
			walk(near, depth+1)

			// Cross into the far subtree only if the pool isn't full yet, or
			// its splitting hyperplane is still closer than the current
			// worst candidate kept.
			if topK.h.Len() < pool || absF32(diff) < worstDistance(topK) {
				walk(far, depth+1)
			}
		}
		walk(root, 0)
		return topK.Sorted()
	}
	return filterAndWiden(k, expr, metaOf, fetch)
}

func worstDistance(topK *boundedTopK) float32 {
	if topK.h.Len() == 0 {
		return distance.Sentinel
	}
	return topK.h[0].Distance
}

func absF32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}

// Range returns all live slots within radius via the same pruning walk as
// KNN, collecting every in-bound candidate instead of a bounded top-k.
func (t *KDTree) Range(query []float32, radius float32, maxResults int, expr filter.Expr, vecOf VectorFunc, metaOf MetaFunc, live LiveFunc) []Result {
	t.mu.RLock()
	root := t.root
	nodes := t.nodes
	t.mu.RUnlock()

	var results []Result
	var walk func(idx int32, depth int)
	walk = func(idx int32, depth int) {
		if idx == kdNilChild {
			return
		}
		node := &nodes[idx]
		if live(node.slotID) {
			d := distance.Distance(t.kind, query, vecOf(node.slotID))
			if d != distance.Sentinel && d <= radius && (expr == nil || filter.Eval(expr, metaOf(node.slotID))) {
				results = append(results, Result{SlotID: node.slotID, Distance: d})
			}
		}

		axis := depth % t.dim
		diff := query[axis] - node.vec[axis]
		near, far := node.left, node.right
		if diff > 0 {
			near, far = node.right, node.left
		}
		walk(near, depth+1)
		if absF32(diff) <= radius {
			walk(far, depth+1)
		}
	}
	walk(root, 0)

	stableSortResults(results)
	if maxResults > 0 && len(results) > maxResults {
		results = results[:maxResults]
	}
	return results
}
