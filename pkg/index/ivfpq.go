package index

import (
	"fmt"
	"sort"
	"sync"

	"github.com/jaywyawhare/gigavector/pkg/distance"
	"github.com/jaywyawhare/gigavector/pkg/filter"
	"github.com/jaywyawhare/gigavector/pkg/quantization"
)

// ivfEntry is one inverted-list member: a slot ID plus its residual's PQ
// code. Grounded on the teacher's pkg/index/ivf.go inverted-list shape,
// generalized to slot IDs and product-quantized residual codes instead of
// full float vectors per spec §4.7.
type ivfEntry struct {
	slotID uint64
	code   []byte
}

// IVFPQ implements the inverted-file + product-quantization backend of
// spec §4.7. Coarse centroids are trained with quantization.KMeans (shared
// with ProductQuantizer.Train's per-subspace step); search scans the
// nprobe nearest inverted lists using a distance lookup table, optionally
// reranking the top candidates against full-precision vectors.
type IVFPQ struct {
	mu sync.RWMutex

	dim  int
	kind distance.Kind

	nlist     int
	m         int
	nbits     int
	nprobe    int
	rerankTop int
	cosine    bool

	trained   bool
	centroids [][]float32
	pq        *quantization.ProductQuantizer

	lists [][]ivfEntry // len == nlist
	size  int
}

// ErrNotTrained is returned by Insert when the model has not yet been
// trained, per spec §4.7. KNN and Range return no results in that state.
var ErrNotTrained = fmt.Errorf("ivfpq: index not trained")

// NewIVFPQ creates an untrained IVF-PQ index. Call Train before any
// Insert/KNN/Range.
func NewIVFPQ(dim int, kind distance.Kind, nlist, m, nbits, nprobe, rerankTop int, cosine bool) (*IVFPQ, error) {
	if dim%m != 0 {
		return nil, fmt.Errorf("ivfpq: dimension %d must be divisible by m %d", dim, m)
	}
	return &IVFPQ{
		dim:       dim,
		kind:      kind,
		nlist:     nlist,
		m:         m,
		nbits:     nbits,
		nprobe:    nprobe,
		rerankTop: rerankTop,
		cosine:    cosine,
		lists:     make([][]ivfEntry, nlist),
	}, nil
}

func (idx *IVFPQ) Kind() Kind { return IVFPQKind }

// Train fits nlist coarse centroids via k-means, then trains the PQ
// codebooks on the residuals (vector minus nearest coarse centroid), per
// spec §4.7's two-stage training.
func (idx *IVFPQ) Train(vectors [][]float32, trainIters int) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	prepared := vectors
	if idx.cosine {
		prepared = make([][]float32, len(vectors))
		for i, v := range vectors {
			prepared[i] = distance.Normalize(v)
		}
	}

	centroids, err := quantization.KMeans(prepared, idx.nlist, trainIters)
	if err != nil {
		return fmt.Errorf("ivfpq: coarse training failed: %w", err)
	}
	idx.centroids = centroids

	pq, err := quantization.NewProductQuantizer(idx.dim, idx.m, 1<<uint(idx.nbits))
	if err != nil {
		return err
	}

	residuals := make([][]float32, len(prepared))
	for i, v := range prepared {
		c := idx.nearestCentroidLocked(v)
		residuals[i] = residual(v, centroids[c])
	}
	if err := pq.Train(residuals, trainIters); err != nil {
		return fmt.Errorf("ivfpq: codebook training failed: %w", err)
	}
	idx.pq = pq
	idx.trained = true
	return nil
}

func (idx *IVFPQ) nearestCentroidLocked(v []float32) int {
	best, bestDist := 0, distance.Sentinel
	for i, c := range idx.centroids {
		d := distance.Distance(distance.Euclidean, v, c)
		if d < bestDist {
			bestDist = d
			best = i
		}
	}
	return best
}

func residual(v, centroid []float32) []float32 {
	out := make([]float32, len(v))
	for i := range v {
		out[i] = v[i] - centroid[i]
	}
	return out
}

// Insert assigns slotID's vector to its nearest coarse centroid's inverted
// list, PQ-encoding the residual. Returns ErrNotTrained if Train has not
// been called.
func (idx *IVFPQ) Insert(slotID uint64, vec []float32) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if !idx.trained {
		return ErrNotTrained
	}
	if len(vec) != idx.dim {
		return fmt.Errorf("ivfpq: dimension mismatch: got %d want %d", len(vec), idx.dim)
	}

	v := vec
	if idx.cosine {
		v = distance.Normalize(vec)
	}
	c := idx.nearestCentroidLocked(v)
	code, err := idx.pq.Encode(residual(v, idx.centroids[c]))
	if err != nil {
		return err
	}
	idx.lists[c] = append(idx.lists[c], ivfEntry{slotID: slotID, code: code})
	idx.size++
	return nil
}

// Delete removes slotID from whichever inverted list holds it. Unlike the
// graph-based backends, IVF-PQ's lists are small per-centroid slices, so a
// structural removal here is cheap and doesn't need tombstone deferral.
func (idx *IVFPQ) Delete(slotID uint64) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for li, list := range idx.lists {
		for i, e := range list {
			if e.slotID == slotID {
				idx.lists[li] = append(list[:i], list[i+1:]...)
				idx.size--
				return nil
			}
		}
	}
	return nil
}

func (idx *IVFPQ) Size() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.size
}

// IsTrained reports whether Train has been called, so a caller (the database
// façade) can reject inserts/searches before bothering to take the index's
// own lock.
func (idx *IVFPQ) IsTrained() bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.trained
}

// ClearEntries empties every inverted list while keeping the trained coarse
// centroids and PQ codebooks intact. Used by the database façade's compact
// operation: slot IDs shift after compaction, but the codebooks describe
// vector shape, not slot identity, so retraining would be wasted work.
func (idx *IVFPQ) ClearEntries() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for i := range idx.lists {
		idx.lists[i] = nil
	}
	idx.size = 0
}

// KNN probes the nprobe nearest coarse centroids, scores every candidate
// in those inverted lists via the PQ distance lookup table, and optionally
// reranks the top rerankTop candidates against full-precision vectors
// before truncating to k, per spec §4.7.
func (idx *IVFPQ) KNN(query []float32, k int, expr filter.Expr, vecOf VectorFunc, metaOf MetaFunc, live LiveFunc) []Result {
	return idx.knn(query, k, idx.nprobe, idx.rerankTop, expr, vecOf, metaOf, live)
}

// KNNOverride runs KNN with per-call nprobe/rerankTop values instead of the
// index's configured defaults, for the database façade's knn_ivfpq
// operation (spec §6), which lets a caller trade recall for latency on a
// single query without reconfiguring the whole index. A value <= 0 falls
// back to the index's configured default for that parameter.
func (idx *IVFPQ) KNNOverride(query []float32, k, nprobe, rerankTop int, expr filter.Expr, vecOf VectorFunc, metaOf MetaFunc, live LiveFunc) []Result {
	idx.mu.RLock()
	if nprobe <= 0 {
		nprobe = idx.nprobe
	}
	if rerankTop <= 0 {
		rerankTop = idx.rerankTop
	}
	idx.mu.RUnlock()
	return idx.knn(query, k, nprobe, rerankTop, expr, vecOf, metaOf, live)
}

func (idx *IVFPQ) knn(query []float32, k, nprobeOverride, rerankOverride int, expr filter.Expr, vecOf VectorFunc, metaOf MetaFunc, live LiveFunc) []Result {
	idx.mu.RLock()
	if !idx.trained {
		idx.mu.RUnlock()
		return nil
	}

	q := query
	if idx.cosine {
		q = distance.Normalize(query)
	}

	type centroidDist struct {
		idx  int
		dist float32
	}
	cds := make([]centroidDist, len(idx.centroids))
	for i, c := range idx.centroids {
		cds[i] = centroidDist{idx: i, dist: distance.Distance(distance.Euclidean, q, c)}
	}
	sort.Slice(cds, func(i, j int) bool { return cds[i].dist < cds[j].dist })

	nprobe := nprobeOverride
	if nprobe > len(cds) {
		nprobe = len(cds)
	}

	fetch := func(pool int) []Result {
		type scored struct {
			slotID uint64
			dist   float32
		}
		var candidates []scored
		for p := 0; p < nprobe; p++ {
			ci := cds[p].idx
			qResidual := residual(q, idx.centroids[ci])
			table := idx.pq.DistanceTable(qResidual)
			for _, e := range idx.lists[ci] {
				if !live(e.slotID) {
					continue
				}
				d := quantization.DistanceFromTable(table, e.code)
				candidates = append(candidates, scored{slotID: e.slotID, dist: d})
			}
		}
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].dist < candidates[j].dist })

		rerank := rerankOverride
		if rerank < 0 {
			rerank = 0
		}
		if rerank > len(candidates) {
			rerank = len(candidates)
		}
		if rerank > pool {
			rerank = pool
		}

		topK := newBoundedTopK(pool)
		for i := 0; i < rerank; i++ {
			c := candidates[i]
			d := distance.Distance(idx.kind, query, vecOf(c.slotID))
			topK.Add(Result{SlotID: c.slotID, Distance: d})
		}
		// Anything beyond the rerank window still contributes using the
		// approximate PQ distance, so a filter-driven widen can still find
		// enough survivors without a second full scan.
		for i := rerank; i < len(candidates) && i < pool; i++ {
			c := candidates[i]
			topK.Add(Result{SlotID: c.slotID, Distance: c.dist})
		}
		return topK.Sorted()
	}
	idx.mu.RUnlock()

	return filterAndWiden(k, expr, metaOf, fetch)
}

// Range scores every candidate across all nlist lists (IVF-PQ has no
// natural notion of "probe enough lists to guarantee radius coverage", so
// Range conservatively scans everything) and filters by an approximate PQ
// distance cutoff, then reranks survivors with full precision.
func (idx *IVFPQ) Range(query []float32, radius float32, maxResults int, expr filter.Expr, vecOf VectorFunc, metaOf MetaFunc, live LiveFunc) []Result {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if !idx.trained {
		return nil
	}

	q := query
	if idx.cosine {
		q = distance.Normalize(query)
	}

	var results []Result
	for ci, list := range idx.lists {
		qResidual := residual(q, idx.centroids[ci])
		table := idx.pq.DistanceTable(qResidual)
		for _, e := range list {
			if !live(e.slotID) {
				continue
			}
			approx := quantization.DistanceFromTable(table, e.code)
			if approx > radius*2 {
				// Cheap rejection before paying for full-precision distance;
				// 2x is a deliberately loose margin since PQ distance is only
				// an approximation of the configured kind's metric.
				continue
			}
			d := distance.Distance(idx.kind, query, vecOf(e.slotID))
			if d == distance.Sentinel || d > radius {
				continue
			}
			if expr != nil && !filter.Eval(expr, metaOf(e.slotID)) {
				continue
			}
			results = append(results, Result{SlotID: e.slotID, Distance: d})
		}
	}
	stableSortResults(results)
	if maxResults > 0 && len(results) > maxResults {
		results = results[:maxResults]
	}
	return results
}
