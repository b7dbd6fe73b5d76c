package index

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/jaywyawhare/gigavector/pkg/distance"
	"github.com/jaywyawhare/gigavector/pkg/quantization"
)

// This file gives each backend a Serialize/restore pair whose payloads the
// database façade frames into a pkg/snapshot file.
// Layout follows the same encoding/binary + math.Float32bits little-endian
// style as quantization.ProductQuantizer.SerializeCodebooks, just applied to
// each backend's own arena instead of a codebook table. Keeping the codec
// next to the type it serializes (rather than in the snapshot package)
// matches how the teacher colocates SerializeCodebooks/DeserializeCodebooks
// with ProductQuantizer itself.

func putU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func putU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func putF32(buf *bytes.Buffer, v float32) {
	putU32(buf, math.Float32bits(v))
}

func putVec(buf *bytes.Buffer, vec []float32) {
	putU32(buf, uint32(len(vec)))
	for _, v := range vec {
		putF32(buf, v)
	}
}

func putBytes(buf *bytes.Buffer, b []byte) {
	putU32(buf, uint32(len(b)))
	buf.Write(b)
}

type byteReader struct {
	data []byte
	off  int
}

func (r *byteReader) u32() (uint32, error) {
	if r.off+4 > len(r.data) {
		return 0, fmt.Errorf("index: truncated snapshot payload")
	}
	v := binary.LittleEndian.Uint32(r.data[r.off:])
	r.off += 4
	return v, nil
}

func (r *byteReader) u64() (uint64, error) {
	if r.off+8 > len(r.data) {
		return 0, fmt.Errorf("index: truncated snapshot payload")
	}
	v := binary.LittleEndian.Uint64(r.data[r.off:])
	r.off += 8
	return v, nil
}

func (r *byteReader) f32() (float32, error) {
	bits, err := r.u32()
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(bits), nil
}

func (r *byteReader) byte() (byte, error) {
	if r.off+1 > len(r.data) {
		return 0, fmt.Errorf("index: truncated snapshot payload")
	}
	v := r.data[r.off]
	r.off++
	return v, nil
}

func (r *byteReader) vec() ([]float32, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	out := make([]float32, n)
	for i := range out {
		v, err := r.f32()
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (r *byteReader) bytes() ([]byte, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	if r.off+int(n) > len(r.data) {
		return nil, fmt.Errorf("index: truncated snapshot payload")
	}
	out := make([]byte, n)
	copy(out, r.data[r.off:r.off+int(n)])
	r.off += int(n)
	return out, nil
}

func (r *byteReader) u64slice() ([]uint64, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	out := make([]uint64, n)
	for i := range out {
		v, err := r.u64()
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Serialize encodes every slot ID currently registered with the flat index.
func (f *FlatIndex) Serialize() []byte {
	f.mu.RLock()
	defer f.mu.RUnlock()
	buf := new(bytes.Buffer)
	putU32(buf, uint32(len(f.ids)))
	for id := range f.ids {
		putU64(buf, id)
	}
	return buf.Bytes()
}

// RestoreFlat reconstructs a FlatIndex from a Serialize payload.
func RestoreFlat(dim int, kind distance.Kind, data []byte) (*FlatIndex, error) {
	r := &byteReader{data: data}
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	f := NewFlat(dim, kind)
	for i := uint32(0); i < n; i++ {
		id, err := r.u64()
		if err != nil {
			return nil, err
		}
		f.ids[id] = struct{}{}
	}
	return f, nil
}

// Serialize dumps the KD-tree's arena verbatim: node order already encodes
// the tree shape (left/right are arena indices), so restore is a direct
// slice rebuild rather than a re-insertion walk.
func (t *KDTree) Serialize() []byte {
	t.mu.RLock()
	defer t.mu.RUnlock()
	buf := new(bytes.Buffer)
	putU32(buf, uint32(len(t.nodes)))
	putU32(buf, uint32(int32ToU32(t.root)))
	for _, n := range t.nodes {
		putU64(buf, n.slotID)
		putVec(buf, n.vec)
		putU32(buf, int32ToU32(n.left))
		putU32(buf, int32ToU32(n.right))
	}
	return buf.Bytes()
}

func int32ToU32(v int32) uint32 { return uint32(v) }
func u32ToInt32(v uint32) int32 { return int32(v) }

// RestoreKDTree reconstructs a KDTree from a Serialize payload.
func RestoreKDTree(dim int, kind distance.Kind, data []byte) (*KDTree, error) {
	r := &byteReader{data: data}
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	root, err := r.u32()
	if err != nil {
		return nil, err
	}
	t := NewKDTree(dim, kind)
	t.root = u32ToInt32(root)
	t.nodes = make([]kdNode, n)
	live := 0
	for i := uint32(0); i < n; i++ {
		slotID, err := r.u64()
		if err != nil {
			return nil, err
		}
		vec, err := r.vec()
		if err != nil {
			return nil, err
		}
		left, err := r.u32()
		if err != nil {
			return nil, err
		}
		right, err := r.u32()
		if err != nil {
			return nil, err
		}
		t.nodes[i] = kdNode{slotID: slotID, vec: vec, left: u32ToInt32(left), right: u32ToInt32(right)}
		live++
	}
	t.size = live
	return t, nil
}

func serializeNeighbors(buf *bytes.Buffer, neighbors [][]uint64) {
	putU32(buf, uint32(len(neighbors)))
	for _, layer := range neighbors {
		putU32(buf, uint32(len(layer)))
		for _, id := range layer {
			putU64(buf, id)
		}
	}
}

func deserializeNeighbors(r *byteReader) ([][]uint64, error) {
	numLayers, err := r.u32()
	if err != nil {
		return nil, err
	}
	neighbors := make([][]uint64, numLayers)
	for i := range neighbors {
		layer, err := r.u64slice()
		if err != nil {
			return nil, err
		}
		neighbors[i] = layer
	}
	return neighbors, nil
}

// Serialize dumps the HNSW arena: params plus every node indexed by slot ID.
func (h *HNSW) Serialize() []byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	buf := new(bytes.Buffer)
	putU32(buf, uint32(h.m))
	putU32(buf, uint32(h.efConstruction))
	if h.hasEntry {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	putU64(buf, h.entryPoint)
	putU32(buf, uint32(len(h.nodes)))
	for _, n := range h.nodes {
		if n.present {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
		if !n.present {
			continue
		}
		putU64(buf, n.slotID)
		putVec(buf, n.vec)
		putU32(buf, uint32(n.level))
		serializeNeighbors(buf, n.neighbors)
	}
	return buf.Bytes()
}

// RestoreHNSW reconstructs an HNSW graph from a Serialize payload. seed is
// only used to re-arm the level-assignment RNG for any future inserts; it
// plays no role in reconstructing already-assigned levels.
func RestoreHNSW(dim int, kind distance.Kind, seed int64, data []byte) (*HNSW, error) {
	r := &byteReader{data: data}
	m, err := r.u32()
	if err != nil {
		return nil, err
	}
	efConstruction, err := r.u32()
	if err != nil {
		return nil, err
	}
	hasEntryByte, err := r.byte()
	if err != nil {
		return nil, err
	}
	entryPoint, err := r.u64()
	if err != nil {
		return nil, err
	}
	numNodes, err := r.u32()
	if err != nil {
		return nil, err
	}

	h := NewHNSW(dim, kind, int(m), int(efConstruction), seed)
	h.hasEntry = hasEntryByte != 0
	h.entryPoint = entryPoint
	h.nodes = make([]hnswNode, numNodes)
	size := 0
	for i := uint32(0); i < numNodes; i++ {
		presentByte, err := r.byte()
		if err != nil {
			return nil, err
		}
		if presentByte == 0 {
			continue
		}
		slotID, err := r.u64()
		if err != nil {
			return nil, err
		}
		vec, err := r.vec()
		if err != nil {
			return nil, err
		}
		level, err := r.u32()
		if err != nil {
			return nil, err
		}
		neighbors, err := deserializeNeighbors(r)
		if err != nil {
			return nil, err
		}
		h.nodes[i] = hnswNode{slotID: slotID, vec: vec, level: int(level), neighbors: neighbors, present: true}
		size++
	}
	h.size = size
	return h, nil
}

// Serialize dumps the HNSW-inline arena plus the online scalar quantizer's
// current [min, max] range, so decode against the correct range survives a
// save/load cycle.
func (h *HNSWInline) Serialize() []byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	buf := new(bytes.Buffer)
	putU32(buf, uint32(h.m))
	putU32(buf, uint32(h.efConstruction))
	putU32(buf, uint32(h.prefetchDistance))
	if h.hasEntry {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	putU64(buf, h.entryPoint)

	qmin, qmax := h.quant.Range()
	putVec(buf, qmin)
	putVec(buf, qmax)

	putU32(buf, uint32(len(h.nodes)))
	for _, n := range h.nodes {
		if n.present {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
		if !n.present {
			continue
		}
		putU64(buf, n.slotID)
		putVec(buf, n.vec)
		putBytes(buf, n.quantized)
		putU32(buf, uint32(n.level))
		serializeNeighbors(buf, n.neighbors)
	}
	return buf.Bytes()
}

// RestoreHNSWInline reconstructs an HNSW-inline graph, including the scalar
// quantizer's observed range, from a Serialize payload.
func RestoreHNSWInline(dim int, kind distance.Kind, nbits int, seed int64, data []byte) (*HNSWInline, error) {
	r := &byteReader{data: data}
	m, err := r.u32()
	if err != nil {
		return nil, err
	}
	efConstruction, err := r.u32()
	if err != nil {
		return nil, err
	}
	prefetchDistance, err := r.u32()
	if err != nil {
		return nil, err
	}
	hasEntryByte, err := r.byte()
	if err != nil {
		return nil, err
	}
	entryPoint, err := r.u64()
	if err != nil {
		return nil, err
	}
	qmin, err := r.vec()
	if err != nil {
		return nil, err
	}
	qmax, err := r.vec()
	if err != nil {
		return nil, err
	}
	numNodes, err := r.u32()
	if err != nil {
		return nil, err
	}

	h, err := NewHNSWInline(dim, kind, int(m), int(efConstruction), nbits, int(prefetchDistance), seed)
	if err != nil {
		return nil, err
	}
	h.hasEntry = hasEntryByte != 0
	h.entryPoint = entryPoint
	if len(qmin) > 0 {
		if err := h.quant.Observe(qmin); err != nil {
			return nil, err
		}
		if err := h.quant.Observe(qmax); err != nil {
			return nil, err
		}
	}

	h.nodes = make([]hnswInlineNode, numNodes)
	size := 0
	for i := uint32(0); i < numNodes; i++ {
		presentByte, err := r.byte()
		if err != nil {
			return nil, err
		}
		if presentByte == 0 {
			continue
		}
		slotID, err := r.u64()
		if err != nil {
			return nil, err
		}
		vec, err := r.vec()
		if err != nil {
			return nil, err
		}
		quantized, err := r.bytes()
		if err != nil {
			return nil, err
		}
		level, err := r.u32()
		if err != nil {
			return nil, err
		}
		neighbors, err := deserializeNeighbors(r)
		if err != nil {
			return nil, err
		}
		h.nodes[i] = hnswInlineNode{slotID: slotID, vec: vec, quantized: quantized, level: int(level), neighbors: neighbors, present: true}
		size++
	}
	h.size = size
	return h, nil
}

// Serialize dumps coarse centroids, PQ codebooks, and every inverted list.
func (idx *IVFPQ) Serialize() []byte {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	buf := new(bytes.Buffer)
	if idx.trained {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	if !idx.trained {
		return buf.Bytes()
	}

	putU32(buf, uint32(len(idx.centroids)))
	for _, c := range idx.centroids {
		putVec(buf, c)
	}
	putBytes(buf, idx.pq.SerializeCodebooks())

	putU32(buf, uint32(len(idx.lists)))
	for _, list := range idx.lists {
		putU32(buf, uint32(len(list)))
		for _, e := range list {
			putU64(buf, e.slotID)
			putBytes(buf, e.code)
		}
	}
	return buf.Bytes()
}

// RestoreIVFPQ reconstructs an IVFPQ index from a Serialize payload. Returns
// an untrained index unchanged if the snapshot was itself taken pre-Train.
func RestoreIVFPQ(dim int, kind distance.Kind, nlist, m, nbits, nprobe, rerankTop int, cosine bool, data []byte) (*IVFPQ, error) {
	idx, err := NewIVFPQ(dim, kind, nlist, m, nbits, nprobe, rerankTop, cosine)
	if err != nil {
		return nil, err
	}
	r := &byteReader{data: data}
	trainedByte, err := r.byte()
	if err != nil {
		return nil, err
	}
	if trainedByte == 0 {
		return idx, nil
	}

	numCentroids, err := r.u32()
	if err != nil {
		return nil, err
	}
	centroids := make([][]float32, numCentroids)
	for i := range centroids {
		c, err := r.vec()
		if err != nil {
			return nil, err
		}
		centroids[i] = c
	}
	idx.centroids = centroids

	codebookBytes, err := r.bytes()
	if err != nil {
		return nil, err
	}
	pq, err := quantization.DeserializeCodebooks(codebookBytes)
	if err != nil {
		return nil, fmt.Errorf("ivfpq: restore codebooks: %w", err)
	}
	idx.pq = pq

	numLists, err := r.u32()
	if err != nil {
		return nil, err
	}
	idx.lists = make([][]ivfEntry, numLists)
	size := 0
	for li := range idx.lists {
		n, err := r.u32()
		if err != nil {
			return nil, err
		}
		list := make([]ivfEntry, n)
		for i := range list {
			slotID, err := r.u64()
			if err != nil {
				return nil, err
			}
			code, err := r.bytes()
			if err != nil {
				return nil, err
			}
			list[i] = ivfEntry{slotID: slotID, code: code}
			size++
		}
		idx.lists[li] = list
	}
	idx.trained = true
	idx.size = size
	return idx, nil
}
