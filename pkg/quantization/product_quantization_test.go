package quantization

import (
	"math"
	"math/rand"
	"testing"
)

func genResiduals(n, dim int, seed int64) [][]float32 {
	rng := rand.New(rand.NewSource(seed))
	vectors := make([][]float32, n)
	for i := 0; i < n; i++ {
		vec := make([]float32, dim)
		for j := 0; j < dim; j++ {
			vec[j] = rng.Float32()*2 - 1
		}
		vectors[i] = vec
	}
	return vectors
}

func TestProductQuantizerFields(t *testing.T) {
	dim, m, k := 128, 8, 16
	pq, err := NewProductQuantizer(dim, m, k)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if pq.D != dim || pq.M != m || pq.K != k || pq.SubDim != dim/m {
		t.Fatalf("unexpected fields: %+v", pq)
	}
}

func TestProductQuantizerInvalidParams(t *testing.T) {
	if _, err := NewProductQuantizer(127, 8, 16); err == nil {
		t.Error("expected error for indivisible dimension")
	}
	if _, err := NewProductQuantizer(128, 8, 257); err == nil {
		t.Error("expected error for >256 centroids")
	}
}

func TestProductQuantizerTrainEncodeDecode(t *testing.T) {
	dim := 64
	pq, err := NewProductQuantizer(dim, 4, 8)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	residuals := genResiduals(100, dim, 42)
	if err := pq.Train(residuals, 10); err != nil {
		t.Fatalf("train: %v", err)
	}
	if !pq.Trained {
		t.Fatal("expected Trained after Train")
	}

	testVec := residuals[0]
	encoded, err := pq.Encode(testVec)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(encoded) != pq.M {
		t.Errorf("want %d encoded bytes, got %d", pq.M, len(encoded))
	}

	decoded, err := pq.Decode(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded) != dim {
		t.Errorf("want decoded dim %d, got %d", dim, len(decoded))
	}
}

func TestProductQuantizerDistanceTableMatchesEncode(t *testing.T) {
	dim := 32
	pq, err := NewProductQuantizer(dim, 4, 8)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	residuals := genResiduals(50, dim, 7)
	if err := pq.Train(residuals, 10); err != nil {
		t.Fatalf("train: %v", err)
	}

	query := residuals[0]
	table := pq.DistanceTable(query)

	ownCode, err := pq.Encode(query)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	d := DistanceFromTable(table, ownCode)
	if d < 0 {
		t.Fatalf("distance should be non-negative, got %f", d)
	}
	if len(table) != pq.M || len(table[0]) != pq.K {
		t.Fatalf("want table shape [%d][%d], got [%d][%d]", pq.M, pq.K, len(table), len(table[0]))
	}
}

func TestProductQuantizerCompressionRatio(t *testing.T) {
	pq, _ := NewProductQuantizer(512, 8, 256)
	ratio := pq.CompressionRatio()
	want := float32(512*4) / float32(8)
	if math.Abs(float64(ratio-want)) > 0.01 {
		t.Errorf("want ratio %.2f, got %.2f", want, ratio)
	}
}

func TestProductQuantizerSerializationRoundTrip(t *testing.T) {
	dim := 16
	pq, err := NewProductQuantizer(dim, 2, 4)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	residuals := genResiduals(20, dim, 3)
	if err := pq.Train(residuals, 10); err != nil {
		t.Fatalf("train: %v", err)
	}

	data := pq.SerializeCodebooks()
	if data == nil {
		t.Fatal("serialization returned nil")
	}

	pq2, err := DeserializeCodebooks(data)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if !pq2.Trained {
		t.Error("deserialized PQ should be marked trained")
	}

	testVec := residuals[0]
	encoded1, _ := pq.Encode(testVec)
	encoded2, _ := pq2.Encode(testVec)
	for i := range encoded1 {
		if encoded1[i] != encoded2[i] {
			t.Error("encoded results differ after serialization round-trip")
		}
	}
}

func TestProductQuantizerNotTrained(t *testing.T) {
	pq, _ := NewProductQuantizer(32, 4, 8)
	vec := make([]float32, 32)
	if _, err := pq.Encode(vec); err == nil {
		t.Error("expected error encoding with untrained quantizer")
	}
	if _, err := pq.Decode([]byte{0, 0, 0, 0}); err == nil {
		t.Error("expected error decoding with untrained quantizer")
	}
}

func TestKMeansRequiresEnoughVectors(t *testing.T) {
	vectors := genResiduals(2, 4, 1)
	if _, err := KMeans(vectors, 5, 10); err == nil {
		t.Error("expected error requesting more clusters than vectors")
	}
}
