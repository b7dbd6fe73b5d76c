package index

import (
	"math/rand"
	"testing"

	"github.com/jaywyawhare/gigavector/pkg/distance"
)

func trainingSet(n, dim int, seed int64) [][]float32 {
	r := rand.New(rand.NewSource(seed))
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, dim)
		for d := range v {
			v[d] = r.Float32()*10 - 5
		}
		out[i] = v
	}
	return out
}

func TestIVFPQRequiresDimDivisibleByM(t *testing.T) {
	if _, err := NewIVFPQ(10, distance.Euclidean, 4, 3, 4, 2, 0, false); err == nil {
		t.Fatalf("expected error for dim not divisible by m")
	}
}

func TestIVFPQInsertBeforeTrainFails(t *testing.T) {
	idx, err := NewIVFPQ(4, distance.Euclidean, 2, 2, 4, 1, 0, false)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := idx.Insert(0, []float32{1, 2, 3, 4}); err != ErrNotTrained {
		t.Fatalf("want ErrNotTrained, got %v", err)
	}
}

func TestIVFPQKNNAfterTrain(t *testing.T) {
	dim := 4
	idx, err := NewIVFPQ(dim, distance.Euclidean, 4, 2, 4, 2, 10, false)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	train := trainingSet(64, dim, 1)
	if err := idx.Train(train, 10); err != nil {
		t.Fatalf("train: %v", err)
	}

	vecs := map[uint64][]float32{}
	for i, v := range train[:20] {
		vecs[uint64(i)] = v
		if err := idx.Insert(uint64(i), v); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	vecOf, metaOf, live := fixedStore(vecs, nil, nil)

	query := vecs[0]
	results := idx.KNN(query, 5, nil, vecOf, metaOf, live)
	if len(results) == 0 {
		t.Fatalf("expected at least one result")
	}
	found := false
	for _, r := range results {
		if r.SlotID == 0 {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected the query's own vector (slot 0) to be its own nearest neighbor, got %+v", results)
	}
}

func TestIVFPQDeleteRemovesFromList(t *testing.T) {
	dim := 4
	idx, err := NewIVFPQ(dim, distance.Euclidean, 2, 2, 4, 1, 0, false)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	train := trainingSet(16, dim, 2)
	if err := idx.Train(train, 5); err != nil {
		t.Fatalf("train: %v", err)
	}
	idx.Insert(0, train[0])
	if idx.Size() != 1 {
		t.Fatalf("want size 1, got %d", idx.Size())
	}
	idx.Delete(0)
	if idx.Size() != 0 {
		t.Fatalf("want size 0 after delete, got %d", idx.Size())
	}
}
