package gigavector

import (
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/jaywyawhare/gigavector/pkg/distance"
	"github.com/jaywyawhare/gigavector/pkg/filter"
	"github.com/jaywyawhare/gigavector/pkg/index"
)

func mustFilter(t *testing.T, predicate string) filter.Expr {
	t.Helper()
	expr, err := filter.Compile(predicate)
	if err != nil {
		t.Fatalf("compile filter %q: %v", predicate, err)
	}
	return expr
}

// Scenario 1: KD-tree, dim=3, five vectors with category metadata, plain
// KNN over all five and a filtered KNN restricted to category A.
func TestDatabaseKDTreeKNNAndFilter(t *testing.T) {
	cfg := DefaultConfig(filepath.Join(t.TempDir(), "kd.gvdb"), 3, index.KDTreeKind)
	db, err := Open(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	vecs := [][]float32{
		{1, 2, 3},
		{4, 1.5, -0.5},
		{0, 0, 0},
		{2, 2.5, 3.5},
		{5, 0, 1},
	}
	categories := []string{"A", "B", "A", "A", "B"}
	for i, v := range vecs {
		if _, err := db.Add(v, map[string]string{"category": categories[i]}); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}

	query := []float32{1.5, 2, 2.5}

	all, err := db.KNN(query, 5, nil)
	if err != nil {
		t.Fatalf("knn: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("want 5 results, got %d", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].Distance < all[i-1].Distance {
			t.Fatalf("results not ascending at %d: %v", i, all)
		}
	}

	filtered, err := db.KNN(query, 5, mustFilter(t, "category == A"))
	if err != nil {
		t.Fatalf("filtered knn: %v", err)
	}
	if len(filtered) != 3 {
		t.Fatalf("want 3 A-tagged results, got %d", len(filtered))
	}
	for _, r := range filtered {
		if r.Metadata["category"] != "A" {
			t.Fatalf("filter leaked non-A result: %+v", r)
		}
	}
	for i := 1; i < len(filtered); i++ {
		if filtered[i].Distance < filtered[i-1].Distance {
			t.Fatalf("filtered results not ascending at %d: %v", i, filtered)
		}
	}
}

// Scenario 2: HNSW, dim=8, 50 vectors on a sinusoidal surface; self-match
// and monotonic KNN ordering.
func TestDatabaseHNSWSelfMatchAndOrdering(t *testing.T) {
	cfg := DefaultConfig(filepath.Join(t.TempDir(), "hnsw.gvdb"), 8, index.HNSWKind)
	cfg.HNSW.M = 16
	cfg.HNSW.EfConstruction = 64
	db, err := Open(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	const n = 50
	vectors := make([][]float32, n)
	for i := 0; i < n; i++ {
		v := make([]float32, 8)
		for j := 0; j < 8; j++ {
			v[j] = float32(math.Sin(float64(i) + 0.7*float64(j)))
		}
		vectors[i] = v
		if _, err := db.Add(v, nil); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}

	self, err := db.KNN(vectors[0], 1, nil)
	if err != nil {
		t.Fatalf("knn self: %v", err)
	}
	if len(self) != 1 || self[0].SlotID != 0 {
		t.Fatalf("want slot 0 as nearest to v_0, got %+v", self)
	}
	if self[0].Distance >= 1e-3 {
		t.Fatalf("want self-match distance < 1e-3, got %v", self[0].Distance)
	}

	results, err := db.KNN(vectors[5], 10, nil)
	if err != nil {
		t.Fatalf("knn v5: %v", err)
	}
	if len(results) != 10 {
		t.Fatalf("want 10 results, got %d", len(results))
	}
	for i := 1; i < len(results); i++ {
		if results[i].Distance < results[i-1].Distance {
			t.Fatalf("results not monotonically increasing at %d: %v", i, results)
		}
	}
}

// Scenario 3: IVF-PQ, dim=64, trained on a random set, recall checked
// against a brute-force flat baseline.
func TestDatabaseIVFPQRecallAgainstBruteForce(t *testing.T) {
	const dim = 64
	rng := rand.New(rand.NewSource(7))
	randVec := func() []float32 {
		v := make([]float32, dim)
		for j := range v {
			v[j] = rng.Float32()
		}
		return v
	}

	train := make([][]float32, 2048)
	for i := range train {
		train[i] = randVec()
	}

	ivfCfg := DefaultConfig(filepath.Join(t.TempDir(), "ivfpq.gvdb"), dim, index.IVFPQKind)
	ivfCfg.IVFPQ.NList = 256
	ivfCfg.IVFPQ.M = 8
	ivfCfg.IVFPQ.NBits = 8
	ivfCfg.IVFPQ.NProbe = 16
	ivfCfg.IVFPQ.RerankTop = 32
	ivfDB, err := Open(ivfCfg)
	if err != nil {
		t.Fatalf("open ivfpq: %v", err)
	}
	defer ivfDB.Close()
	if err := ivfDB.Train(train); err != nil {
		t.Fatalf("train: %v", err)
	}

	flatCfg := DefaultConfig(filepath.Join(t.TempDir(), "flat.gvdb"), dim, index.Flat)
	flatDB, err := Open(flatCfg)
	if err != nil {
		t.Fatalf("open flat: %v", err)
	}
	defer flatDB.Close()

	const n = 10000
	vectors := make([][]float32, n)
	for i := 0; i < n; i++ {
		v := randVec()
		vectors[i] = v
		if _, err := ivfDB.Add(v, nil); err != nil {
			t.Fatalf("ivfpq add %d: %v", i, err)
		}
		if _, err := flatDB.Add(v, nil); err != nil {
			t.Fatalf("flat add %d: %v", i, err)
		}
	}

	const numQueries = 200
	hits := 0
	for q := 0; q < numQueries; q++ {
		query := randVec()

		truth, err := flatDB.KNN(query, 1, nil)
		if err != nil {
			t.Fatalf("flat knn: %v", err)
		}
		approx, err := ivfDB.KNNIVFPQ(query, 10, 16, 32, nil)
		if err != nil {
			t.Fatalf("ivfpq knn: %v", err)
		}
		if len(truth) == 0 || len(approx) == 0 {
			continue
		}
		for _, r := range approx {
			if r.SlotID == truth[0].SlotID {
				hits++
				break
			}
		}
	}

	recall := float64(hits) / float64(numQueries)
	if recall < 0.8 {
		t.Fatalf("want >= 0.80 top-1 recall, got %v (%d/%d)", recall, hits, numQueries)
	}
}

// Scenario 4: persistence + WAL recovery without an explicit Save.
func TestDatabaseWALRecoveryWithoutSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crash.gvdb")
	cfg := DefaultConfig(path, 3, index.KDTreeKind)

	db, err := Open(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	vecs := [][]float32{
		{1, 0, 0},
		{0, 1, 0},
		{0, 0, 1},
		{1, 1, 0},
		{1, 0, 1},
	}
	var ids []uint64
	for i, v := range vecs {
		id, err := db.Add(v, map[string]string{"i": fmt.Sprintf("%d", i)})
		if err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
		ids = append(ids, id)
	}
	// Simulate a crash: drop the handle without Save, so only the WAL
	// (not a fresh snapshot) carries these five inserts.
	if err := db.w.Close(); err != nil {
		t.Fatalf("close wal handle: %v", err)
	}

	reopened, err := Open(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	if got := reopened.Count(); got != len(vecs) {
		t.Fatalf("want count %d after replay, got %d", len(vecs), got)
	}
	for i, v := range vecs {
		results, err := reopened.KNN(v, 1, nil)
		if err != nil {
			t.Fatalf("knn %d: %v", i, err)
		}
		if len(results) != 1 || results[0].SlotID != ids[i] {
			t.Fatalf("want slot %d nearest to vector %d, got %+v", ids[i], i, results)
		}
	}
}

// Scenario 5: a corrupted snapshot byte must fail Open with CorruptSnapshot,
// and must never fall through to replaying a WAL against a half-open
// database.
func TestDatabaseCorruptSnapshotFailsOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corrupt.gvdb")
	cfg := DefaultConfig(path, 3, index.Flat)

	db, err := Open(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := db.Add([]float32{1, 2, 3}, nil); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := db.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if len(raw) == 0 {
		t.Fatalf("snapshot is empty")
	}
	corrupted := make([]byte, len(raw))
	copy(corrupted, raw)
	corrupted[len(corrupted)/2] ^= 0xFF
	if err := os.WriteFile(path, corrupted, 0o644); err != nil {
		t.Fatalf("write corrupted snapshot: %v", err)
	}

	_, err = Open(cfg)
	if err == nil {
		t.Fatalf("want error opening corrupted snapshot, got nil")
	}
	var gvErr *GigaVectorError
	if !asGigaVectorError(err, &gvErr) {
		t.Fatalf("want a GigaVectorError, got %T: %v", err, err)
	}
	if gvErr.Kind != CorruptSnapshot {
		t.Fatalf("want CorruptSnapshot, got %v", gvErr.Kind)
	}
}

func asGigaVectorError(err error, target **GigaVectorError) bool {
	for err != nil {
		if gv, ok := err.(*GigaVectorError); ok {
			*target = gv
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}

// Scenario 6: concurrent readers and a concurrent writer must not race, and
// every returned slot ID must be one that was live at some point during the
// run.
func TestDatabaseConcurrentKNNAndInserts(t *testing.T) {
	const dim = 4
	cfg := DefaultConfig(filepath.Join(t.TempDir(), "concurrent.gvdb"), dim, index.Flat)
	db, err := Open(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	// Seed enough live vectors that KNN has something to return from the
	// start, then race readers against a writer still inserting more.
	for i := 0; i < 20; i++ {
		v := make([]float32, dim)
		for j := range v {
			v[j] = float32(i + j)
		}
		if _, err := db.Add(v, nil); err != nil {
			t.Fatalf("seed add %d: %v", i, err)
		}
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 64)

	const readers = 8
	const readsPerGoroutine = 1000
	for r := 0; r < readers; r++ {
		wg.Add(1)
		go func(seed int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(seed)))
			query := make([]float32, dim)
			for i := 0; i < readsPerGoroutine; i++ {
				for j := range query {
					query[j] = rng.Float32() * 10
				}
				results, err := db.KNN(query, 5, nil)
				if err != nil {
					errCh <- err
					return
				}
				high := db.store.HighWater()
				for k, res := range results {
					if res.SlotID >= high {
						errCh <- fmt.Errorf("result slot %d exceeds observed high-water %d", res.SlotID, high)
						return
					}
					if k > 0 && results[k].Distance < results[k-1].Distance {
						errCh <- fmt.Errorf("result set not ascending: %+v", results)
						return
					}
				}
			}
		}(r)
	}

	const inserts = 500
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < inserts; i++ {
			v := make([]float32, dim)
			for j := range v {
				v[j] = float32(i - j)
			}
			if _, err := db.Add(v, nil); err != nil {
				errCh <- err
				return
			}
		}
	}()

	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("concurrent run error: %v", err)
	}

	if got := db.Count(); got != 20+inserts {
		t.Fatalf("want final count %d, got %d", 20+inserts, got)
	}
}

// Universal invariant: Euclidean/Manhattan distances are exactly symmetric;
// cosine is symmetric within floating-point rounding.
func TestDatabaseDistanceSymmetry(t *testing.T) {
	tbl := distance.NewTable()
	a := []float32{1, 2, 3, 4}
	b := []float32{4, 3, 2, 1}

	for _, kind := range []distance.Kind{distance.Euclidean, distance.Manhattan, distance.DotProduct, distance.Cosine} {
		ab := tbl.Distance(kind, a, b)
		ba := tbl.Distance(kind, b, a)
		if kind == distance.Cosine {
			if math.Abs(float64(ab-ba)) > 1e-6 {
				t.Fatalf("%s: want symmetric within tolerance, got %v vs %v", kind, ab, ba)
			}
			continue
		}
		if ab != ba {
			t.Fatalf("%s: want exact symmetry, got %v vs %v", kind, ab, ba)
		}
	}
}

// Universal invariant: Save then reopen round-trips the quantizing
// HNSW-inline backend's live set exactly.
func TestDatabaseSaveReloadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roundtrip.gvdb")
	cfg := DefaultConfig(path, 3, index.HNSWInlineKind)
	db, err := Open(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	vecs := [][]float32{{1, 2, 3}, {4, 5, 6}, {7, 8, 9}}
	for _, v := range vecs {
		if _, err := db.Add(v, map[string]string{"k": "v"}); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	if err := db.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	if got := reopened.Count(); got != len(vecs) {
		t.Fatalf("want count %d, got %d", len(vecs), got)
	}
	for _, v := range vecs {
		results, err := reopened.KNN(v, 1, nil)
		if err != nil {
			t.Fatalf("knn: %v", err)
		}
		if len(results) != 1 || results[0].Distance > 1e-4 {
			t.Fatalf("want self-match distance < 1e-4, got %+v", results)
		}
	}
}

// Universal invariant: Compact is idempotent once there is nothing left to
// reclaim.
func TestDatabaseCompactIdempotent(t *testing.T) {
	cfg := DefaultConfig(filepath.Join(t.TempDir(), "compact.gvdb"), 2, index.KDTreeKind)
	db, err := Open(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	var ids []uint64
	for i := 0; i < 6; i++ {
		id, err := db.Add([]float32{float32(i), float32(i)}, nil)
		if err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
		ids = append(ids, id)
	}
	for _, id := range ids[:3] {
		if err := db.Delete(id); err != nil {
			t.Fatalf("delete %d: %v", id, err)
		}
	}

	if err := db.Compact(); err != nil {
		t.Fatalf("compact: %v", err)
	}
	firstCount := db.Count()

	if err := db.Compact(); err != nil {
		t.Fatalf("second compact: %v", err)
	}
	if got := db.Count(); got != firstCount {
		t.Fatalf("want idempotent count %d, got %d", firstCount, got)
	}

	results, err := db.KNN([]float32{3, 3}, 3, nil)
	if err != nil {
		t.Fatalf("knn after compact: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("want 3 surviving vectors, got %d", len(results))
	}
}
