package gigavector

import (
	"os"
	"path/filepath"

	"github.com/jaywyawhare/gigavector/pkg/distance"
	"github.com/jaywyawhare/gigavector/pkg/index"
)

// HNSWConfig configures the HNSW and HNSW-inline backends, grounded on the
// teacher's embedding.go HNSWConfig (same M/efConstruction shape, extended
// with Seed and the inline-only quantization knobs per spec §4.5/§4.6).
type HNSWConfig struct {
	M                int
	EfConstruction   int
	Seed             int64
	QuantBits        int // HNSW-inline only: 4 or 8
	PrefetchDistance int // HNSW-inline only: neighbor-list look-ahead for traversal prefetch (0 disables)
	RebuildBatchSize int // HNSW-inline only: nodes re-encoded per background batch
}

// DefaultHNSWConfig returns the teacher's HNSW defaults, generalized with
// this engine's additional inline-variant knobs.
func DefaultHNSWConfig() HNSWConfig {
	return HNSWConfig{
		M:                16,
		EfConstruction:   64,
		Seed:             1,
		QuantBits:        8,
		PrefetchDistance: 0,
		RebuildBatchSize: 256,
	}
}

// IVFPQConfig configures the IVF-PQ backend of spec §4.7.
type IVFPQConfig struct {
	NList     int
	M         int // number of PQ subspaces
	NBits     int // bits per subspace centroid index
	NProbe    int
	RerankTop int
	Cosine    bool
	TrainIter int
}

// DefaultIVFPQConfig mirrors the teacher's IVFConfig defaults (embedding.go),
// generalized to the product-quantization parameters spec §4.7 adds.
func DefaultIVFPQConfig() IVFPQConfig {
	return IVFPQConfig{
		NList:     256,
		M:         8,
		NBits:     8,
		NProbe:    16,
		RerankTop: 32,
		Cosine:    false,
		TrainIter: 25,
	}
}

// FilterConfig tunes the metadata-filter evaluator's overfetch behavior
// (spec §4.8, §9 open question on default ratio). Recorded here for
// introspection; pkg/filter currently exposes these as package constants,
// a limitation accepted and recorded in DESIGN.md rather than threading a
// per-database override through every index backend's filterAndWiden call.
type FilterConfig struct {
	OverfetchRatio  int
	MaxWidenRetries int
}

// DefaultFilterConfig mirrors the current pkg/filter package constants.
func DefaultFilterConfig() FilterConfig {
	return FilterConfig{OverfetchRatio: 4, MaxWidenRetries: 1}
}

// Config holds every option accepted by Open, grounded on the teacher's
// embedding.go Config (the same path/dimension/index-choice/sub-config
// shape), generalized from a single SQLite file to a snapshot-plus-WAL pair
// and extended with the exact-search threshold, force-exact, and
// cosine-normalization flags spec §4.11 requires.
type Config struct {
	Path         string
	Dim          int
	IndexKind    index.Kind
	DistanceKind distance.Kind
	MaxVectors   int // 0 disables the cap

	HNSW   HNSWConfig
	IVFPQ  IVFPQConfig
	Filter FilterConfig

	ExactThreshold   int // live-count at or below which KD-tree routes to exact flat search
	ForceExactSearch bool
	CosineNormalized bool

	WALPath    string // explicit override; empty means derive from Path/GV_WAL_DIR
	DisableWAL bool

	Logger Logger
}

// DefaultConfig returns a ready-to-use configuration for the given snapshot
// path, vector dimension, and index backend, mirroring the teacher's
// core.New(path, vectorDim) convenience constructor.
func DefaultConfig(path string, dim int, kind index.Kind) Config {
	return Config{
		Path:             path,
		Dim:              dim,
		IndexKind:        kind,
		DistanceKind:     distance.Euclidean,
		HNSW:             DefaultHNSWConfig(),
		IVFPQ:            DefaultIVFPQConfig(),
		Filter:           DefaultFilterConfig(),
		ExactThreshold:   1000,
		ForceExactSearch: false,
		CosineNormalized: false,
		Logger:           NopLogger(),
	}
}

// walDirEnv is the environment variable overriding the WAL directory, per
// spec §6.
const walDirEnv = "GV_WAL_DIR"

// ResolveWALPath computes the WAL sidecar path for this configuration:
// an explicit WALPath wins, then GV_WAL_DIR/<basename>.wal, then
// <path>.wal alongside the snapshot file.
func (c Config) ResolveWALPath() string {
	if c.WALPath != "" {
		return c.WALPath
	}
	base := filepath.Base(c.Path) + ".wal"
	if dir := os.Getenv(walDirEnv); dir != "" {
		return filepath.Join(dir, base)
	}
	return c.Path + ".wal"
}
