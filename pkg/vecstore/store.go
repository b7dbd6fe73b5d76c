// Package vecstore implements the structure-of-arrays vector store of
// spec §4.1: one contiguous float buffer, a parallel metadata-chain array,
// and a tombstone bitmap. Capacity doubles on growth; slot IDs are stable
// across growth and are only reassigned by Compact.
//
// The SoA layout and the "doubling capacity, stable IDs" discipline follow
// DESIGN NOTES §9 ("backing buffers addressed by slot ID; no pointer
// arithmetic leaks into indices"); the encode/validate helpers are adapted
// from the teacher's internal/encoding package.
package vecstore

import (
	"sync"

	"github.com/jaywyawhare/gigavector/pkg/bitset"
)

// ErrKind identifies which store-level error occurred, matching a subset of
// the spec §7 taxonomy relevant to slot access.
type ErrKind int

const (
	ErrNone ErrKind = iota
	ErrCapacityExceeded
	ErrNotFound
	ErrDeleted
	ErrInvalidArgument
)

// Error wraps a vector store failure with its Kind, so the database façade
// can translate it into the public error taxonomy without string matching.
type Error struct {
	Kind ErrKind
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

func newErr(kind ErrKind, msg string) *Error { return &Error{Kind: kind, Msg: msg} }

// Slot is a borrowed, read-only view over one stored vector and its
// metadata. Valid only until the next mutation on the owning Store, per
// spec §6's SearchResult contract.
type Slot struct {
	ID         uint64
	Data       []float32
	Meta       map[string]string
	Tombstoned bool
}

// Store is the SoA vector store.
type Store struct {
	mu sync.RWMutex

	dim        int
	maxVectors int // 0 means unbounded

	capacity int // in slots
	data     []float32
	meta     []map[string]string
	tomb     *bitset.Set

	highWater uint64 // number of slots ever assigned
	liveCount int
}

// New creates an empty store for vectors of the given dimension. maxVectors
// of 0 disables the capacity cap.
func New(dim, maxVectors int) *Store {
	const initialCapacity = 64
	return &Store{
		dim:        dim,
		maxVectors: maxVectors,
		capacity:   initialCapacity,
		data:       make([]float32, initialCapacity*dim),
		meta:       make([]map[string]string, initialCapacity),
		tomb:       bitset.New(initialCapacity),
	}
}

// Dim returns the configured vector dimension.
func (s *Store) Dim() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dim
}

func (s *Store) growTo(slots int) {
	if slots <= s.capacity {
		return
	}
	newCap := s.capacity
	for newCap < slots {
		newCap *= 2
	}
	grownData := make([]float32, newCap*s.dim)
	copy(grownData, s.data)
	s.data = grownData

	grownMeta := make([]map[string]string, newCap)
	copy(grownMeta, s.meta)
	s.meta = grownMeta

	s.capacity = newCap
}

// Add appends a new vector, assigning the next slot ID.
func (s *Store) Add(payload []float32, metadata map[string]string) (uint64, error) {
	if len(payload) != s.dimUnlocked() {
		return 0, newErr(ErrInvalidArgument, "dimension mismatch")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.maxVectors > 0 && s.liveCount >= s.maxVectors {
		return 0, newErr(ErrCapacityExceeded, "max_vectors reached")
	}

	id := s.highWater
	slot := int(id)
	s.growTo(slot + 1)

	copy(s.data[slot*s.dim:(slot+1)*s.dim], payload)
	s.meta[slot] = cloneMeta(metadata)
	s.tomb.Clear(id)

	s.highWater++
	s.liveCount++
	return id, nil
}

// AddAt reconstructs a vector at an exact, already-assigned slot ID, for WAL
// replay where the ID was fixed at original insert time (unlike Add, which
// always assigns the next sequential ID). Growing past the requested slot
// and advancing highWater mirrors Add's own bookkeeping.
func (s *Store) AddAt(id uint64, payload []float32, metadata map[string]string) error {
	if len(payload) != s.dimUnlocked() {
		return newErr(ErrInvalidArgument, "dimension mismatch")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	wasLive := id < s.highWater && !s.tomb.Test(id)

	slot := int(id)
	s.growTo(slot + 1)

	copy(s.data[slot*s.dim:(slot+1)*s.dim], payload)
	s.meta[slot] = cloneMeta(metadata)
	s.tomb.Clear(id)

	if id >= s.highWater {
		s.highWater = id + 1
	}
	if !wasLive {
		s.liveCount++
	}
	return nil
}

func (s *Store) dimUnlocked() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dim
}

// Get returns a borrowed view of the slot's data and metadata.
func (s *Store) Get(id uint64) (Slot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getLocked(id)
}

func (s *Store) getLocked(id uint64) (Slot, error) {
	if id >= s.highWater {
		return Slot{}, newErr(ErrNotFound, "slot id past high-water mark")
	}
	if s.tomb.Test(id) {
		return Slot{}, newErr(ErrDeleted, "slot is tombstoned")
	}
	slot := int(id)
	return Slot{
		ID:   id,
		Data: s.data[slot*s.dim : (slot+1)*s.dim],
		Meta: s.meta[slot],
	}, nil
}

// GetRaw returns the slot's data and metadata even if tombstoned, used by
// the database façade's search callbacks, which check liveness separately.
func (s *Store) GetRaw(id uint64) (Slot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id >= s.highWater {
		return Slot{}, false
	}
	slot := int(id)
	return Slot{
		ID:         id,
		Data:       s.data[slot*s.dim : (slot+1)*s.dim],
		Meta:       s.meta[slot],
		Tombstoned: s.tomb.Test(id),
	}, true
}

// UpdateData overwrites a live slot's floats in place; metadata is
// untouched.
func (s *Store) UpdateData(id uint64, payload []float32) error {
	if len(payload) != s.dimUnlocked() {
		return newErr(ErrInvalidArgument, "dimension mismatch")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.getLocked(id); err != nil {
		return err
	}
	slot := int(id)
	copy(s.data[slot*s.dim:(slot+1)*s.dim], payload)
	return nil
}

// UpdateMetadata atomically replaces a live slot's metadata chain.
func (s *Store) UpdateMetadata(id uint64, kv map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.getLocked(id); err != nil {
		return err
	}
	s.meta[int(id)] = cloneMeta(kv)
	return nil
}

// Delete tombstones a slot without freeing storage.
func (s *Store) Delete(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.getLocked(id); err != nil {
		return err
	}
	s.tomb.Set(id)
	s.liveCount--
	return nil
}

// LiveCount returns the number of non-tombstoned vectors.
func (s *Store) LiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.liveCount
}

// HighWater returns the number of slot IDs ever assigned (live + deleted).
func (s *Store) HighWater() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.highWater
}

// Tombstoned reports whether id is tombstoned; an out-of-range id also
// reads as tombstoned.
// Safe to call while already holding the store's read lock indirectly
// through an index search, per spec §5's shared-resource policy: index
// backends only call this while the façade's own RWMutex read lock is held.
func (s *Store) Tombstoned(id uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id >= s.highWater {
		return true
	}
	return s.tomb.Test(id)
}

// Compact shifts live slots forward, rebuilds the tombstone bitmap, and
// returns the old_id -> new_id mapping so the caller (the database façade)
// can rebuild its index in lockstep.
func (s *Store) Compact() map[uint64]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	mapping := make(map[uint64]uint64, s.liveCount)
	write := 0
	for old := uint64(0); old < s.highWater; old++ {
		if s.tomb.Test(old) {
			continue
		}
		if int(old) != write {
			srcSlot := int(old)
			copy(s.data[write*s.dim:(write+1)*s.dim], s.data[srcSlot*s.dim:(srcSlot+1)*s.dim])
			s.meta[write] = s.meta[srcSlot]
		}
		mapping[old] = uint64(write)
		write++
	}

	s.highWater = uint64(write)
	s.liveCount = write
	s.tomb = bitset.New(write)
	for i := write; i < s.capacity; i++ {
		s.meta[i] = nil
	}

	return mapping
}

// Stats exposes raw counters for the database façade's Stats/memory_usage.
type Stats struct {
	Dim        int
	Capacity   int
	HighWater  uint64
	LiveCount  int
	MaxVectors int
}

func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		Dim:        s.dim,
		Capacity:   s.capacity,
		HighWater:  s.highWater,
		LiveCount:  s.liveCount,
		MaxVectors: s.maxVectors,
	}
}

// MemoryBytes estimates the store's resident memory, used by the façade's
// memory_usage operation.
func (s *Store) MemoryBytes() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	floatBytes := int64(len(s.data)) * 4
	tombBytes := int64(s.tomb.Len() / 8)
	metaBytes := int64(0)
	for _, m := range s.meta {
		for k, v := range m {
			metaBytes += int64(len(k) + len(v))
		}
	}
	return floatBytes + tombBytes + metaBytes
}

func cloneMeta(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
