package quantization

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/rand"
)

// ProductQuantizer implements the per-subspace codebook trainer and
// residual encoder used by IVF-PQ, adapted directly from the teacher's
// pkg/quantization/product_quantization.go ProductQuantizer. Encode here
// takes the already-computed residual (vector minus its assigned coarse
// centroid) rather than the raw vector, per spec §4.7's residual-coding
// requirement; KMeans is exported so the IVF coarse-centroid trainer in
// pkg/index/ivfpq.go can reuse the same implementation for both stages.
type ProductQuantizer struct {
	M         int           // number of subspaces
	K         int           // centroids per subspace (2^nbits)
	D         int           // original dimension
	SubDim    int           // dimension per subspace (D/M)
	Codebooks [][][]float32 // M codebooks, each K x SubDim
	Trained   bool
}

// NewProductQuantizer creates a PQ instance. dimension must be divisible by
// numSubspaces, and numCentroids (2^nbits) must fit in a byte code.
func NewProductQuantizer(dimension, numSubspaces, numCentroids int) (*ProductQuantizer, error) {
	if dimension%numSubspaces != 0 {
		return nil, fmt.Errorf("quantization: dimension %d must be divisible by m %d", dimension, numSubspaces)
	}
	if numCentroids > 256 {
		return nil, errors.New("quantization: numCentroids must be <= 256 for byte encoding")
	}
	return &ProductQuantizer{
		M:         numSubspaces,
		K:         numCentroids,
		D:         dimension,
		SubDim:    dimension / numSubspaces,
		Codebooks: make([][][]float32, numSubspaces),
	}, nil
}

// Train learns one k-means codebook per subspace from residual training
// vectors (already centroid-subtracted by the caller).
func (pq *ProductQuantizer) Train(residuals [][]float32, iters int) error {
	if len(residuals) < pq.K {
		return fmt.Errorf("quantization: need at least %d training residuals, got %d", pq.K, len(residuals))
	}
	for m := 0; m < pq.M; m++ {
		start := m * pq.SubDim
		end := start + pq.SubDim
		subvectors := make([][]float32, len(residuals))
		for i, vec := range residuals {
			subvectors[i] = vec[start:end]
		}
		centroids, err := KMeans(subvectors, pq.K, iters)
		if err != nil {
			return fmt.Errorf("quantization: k-means failed for subspace %d: %w", m, err)
		}
		pq.Codebooks[m] = centroids
	}
	pq.Trained = true
	return nil
}

// Encode assigns the nearest codebook centroid per subspace to a residual
// vector, returning one byte code per subspace.
func (pq *ProductQuantizer) Encode(residual []float32) ([]byte, error) {
	if !pq.Trained {
		return nil, errors.New("quantization: codebooks not trained")
	}
	if len(residual) != pq.D {
		return nil, fmt.Errorf("quantization: vector dimension %d doesn't match %d", len(residual), pq.D)
	}
	codes := make([]byte, pq.M)
	for m := 0; m < pq.M; m++ {
		start := m * pq.SubDim
		end := start + pq.SubDim
		subvec := residual[start:end]

		minDist := float32(math.MaxFloat32)
		minIdx := 0
		for k := 0; k < pq.K; k++ {
			d := euclideanDistance(subvec, pq.Codebooks[m][k])
			if d < minDist {
				minDist = d
				minIdx = k
			}
		}
		codes[m] = byte(minIdx)
	}
	return codes, nil
}

// Decode reconstructs an approximate residual vector from PQ codes.
func (pq *ProductQuantizer) Decode(codes []byte) ([]float32, error) {
	if !pq.Trained {
		return nil, errors.New("quantization: codebooks not trained")
	}
	if len(codes) != pq.M {
		return nil, fmt.Errorf("quantization: codes length %d doesn't match m %d", len(codes), pq.M)
	}
	residual := make([]float32, pq.D)
	for m := 0; m < pq.M; m++ {
		idx := int(codes[m])
		if idx >= pq.K {
			return nil, fmt.Errorf("quantization: invalid code %d for subspace %d", idx, m)
		}
		start := m * pq.SubDim
		copy(residual[start:start+pq.SubDim], pq.Codebooks[m][idx])
	}
	return residual, nil
}

// DistanceTable precomputes, for a query residual, the distance from each
// subspace's slice of that residual to every centroid in that subspace's
// codebook — the lookup table IVF-PQ's scan sums per candidate code.
func (pq *ProductQuantizer) DistanceTable(queryResidual []float32) [][]float32 {
	table := make([][]float32, pq.M)
	for m := 0; m < pq.M; m++ {
		table[m] = make([]float32, pq.K)
		start := m * pq.SubDim
		end := start + pq.SubDim
		subquery := queryResidual[start:end]
		for k := 0; k < pq.K; k++ {
			table[m][k] = euclideanDistance(subquery, pq.Codebooks[m][k])
		}
	}
	return table
}

// DistanceFromTable sums a precomputed DistanceTable against one code.
func DistanceFromTable(table [][]float32, code []byte) float32 {
	var total float32
	for m, c := range code {
		total += table[m][c]
	}
	return total
}

// CompressionRatio reports the storage savings versus float32 per vector.
func (pq *ProductQuantizer) CompressionRatio() float32 {
	return float32(pq.D*4) / float32(pq.M)
}

// SerializeCodebooks encodes the trained codebooks for the snapshot codec:
// a 4-int32 header (M, K, D, SubDim) followed by M*K*SubDim little-endian
// float32s, matching the teacher's binary layout exactly.
func (pq *ProductQuantizer) SerializeCodebooks() []byte {
	if !pq.Trained {
		return nil
	}
	size := 4*4 + pq.M*pq.K*pq.SubDim*4
	buf := make([]byte, size)
	offset := 0
	binary.LittleEndian.PutUint32(buf[offset:], uint32(pq.M))
	offset += 4
	binary.LittleEndian.PutUint32(buf[offset:], uint32(pq.K))
	offset += 4
	binary.LittleEndian.PutUint32(buf[offset:], uint32(pq.D))
	offset += 4
	binary.LittleEndian.PutUint32(buf[offset:], uint32(pq.SubDim))
	offset += 4
	for m := 0; m < pq.M; m++ {
		for k := 0; k < pq.K; k++ {
			for d := 0; d < pq.SubDim; d++ {
				binary.LittleEndian.PutUint32(buf[offset:], math.Float32bits(pq.Codebooks[m][k][d]))
				offset += 4
			}
		}
	}
	return buf
}

// DeserializeCodebooks loads codebooks from the SerializeCodebooks layout.
func DeserializeCodebooks(data []byte) (*ProductQuantizer, error) {
	if len(data) < 16 {
		return nil, errors.New("quantization: invalid codebook data")
	}
	offset := 0
	pq := &ProductQuantizer{}
	pq.M = int(binary.LittleEndian.Uint32(data[offset:]))
	offset += 4
	pq.K = int(binary.LittleEndian.Uint32(data[offset:]))
	offset += 4
	pq.D = int(binary.LittleEndian.Uint32(data[offset:]))
	offset += 4
	pq.SubDim = int(binary.LittleEndian.Uint32(data[offset:]))
	offset += 4

	pq.Codebooks = make([][][]float32, pq.M)
	for m := 0; m < pq.M; m++ {
		pq.Codebooks[m] = make([][]float32, pq.K)
		for k := 0; k < pq.K; k++ {
			pq.Codebooks[m][k] = make([]float32, pq.SubDim)
			for d := 0; d < pq.SubDim; d++ {
				if offset+4 > len(data) {
					return nil, errors.New("quantization: truncated codebook data")
				}
				pq.Codebooks[m][k][d] = math.Float32frombits(binary.LittleEndian.Uint32(data[offset:]))
				offset += 4
			}
		}
	}
	pq.Trained = true
	return pq, nil
}

// KMeans runs Lloyd's algorithm with random-point initialization, shared by
// IVF-PQ's coarse-centroid training and ProductQuantizer.Train's
// per-subspace codebook training.
func KMeans(vectors [][]float32, k int, maxIters int) ([][]float32, error) {
	if len(vectors) < k {
		return nil, fmt.Errorf("quantization: need at least %d vectors, got %d", k, len(vectors))
	}
	dim := len(vectors[0])

	centroids := make([][]float32, k)
	perm := rand.Perm(len(vectors))
	for i := 0; i < k; i++ {
		centroids[i] = make([]float32, dim)
		copy(centroids[i], vectors[perm[i]])
	}

	assignments := make([]int, len(vectors))
	for iter := 0; iter < maxIters; iter++ {
		changed := false
		for i, vec := range vectors {
			minDist := float32(math.MaxFloat32)
			minIdx := 0
			for j, c := range centroids {
				d := euclideanDistance(vec, c)
				if d < minDist {
					minDist = d
					minIdx = j
				}
			}
			if assignments[i] != minIdx {
				changed = true
				assignments[i] = minIdx
			}
		}
		if !changed && iter > 0 {
			break
		}

		counts := make([]int, k)
		sums := make([][]float32, k)
		for i := range sums {
			sums[i] = make([]float32, dim)
		}
		for i, vec := range vectors {
			cluster := assignments[i]
			counts[cluster]++
			for j := 0; j < dim; j++ {
				sums[cluster][j] += vec[j]
			}
		}
		for i := range centroids {
			if counts[i] > 0 {
				for j := 0; j < dim; j++ {
					centroids[i][j] = sums[i][j] / float32(counts[i])
				}
			}
		}
	}
	return centroids, nil
}

func euclideanDistance(a, b []float32) float32 {
	var sum float32
	for i := range a {
		diff := a[i] - b[i]
		sum += diff * diff
	}
	return float32(math.Sqrt(float64(sum)))
}
