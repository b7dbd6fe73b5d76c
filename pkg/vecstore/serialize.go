package vecstore

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/jaywyawhare/gigavector/internal/encoding"
	"github.com/jaywyawhare/gigavector/pkg/bitset"
)

// Serialize dumps every slot up to the high-water mark (tombstoned slots
// included, so Restore reproduces identical slot IDs), for use by
// pkg/snapshot. Vector bytes and the metadata chain reuse the codecs in
// internal/encoding, the same ones the write-ahead log frames its records
// with.
func (s *Store) Serialize() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	buf := new(bytes.Buffer)
	writeU32(buf, uint32(s.dim))
	writeU32(buf, uint32(s.maxVectors))
	writeU64(buf, s.highWater)
	writeU32(buf, uint32(s.liveCount))
	writeBytes(buf, s.tomb.Bytes())

	for slot := uint64(0); slot < s.highWater; slot++ {
		i := int(slot)
		vecBytes, err := encoding.EncodeVector(s.data[i*s.dim : (i+1)*s.dim])
		if err != nil {
			return nil, fmt.Errorf("vecstore: serialize slot %d: %w", slot, err)
		}
		writeBytes(buf, vecBytes)
		metaJSON, err := encoding.EncodeMetadata(s.meta[i])
		if err != nil {
			return nil, fmt.Errorf("vecstore: serialize metadata %d: %w", slot, err)
		}
		writeString(buf, metaJSON)
	}
	return buf.Bytes(), nil
}

// Restore reconstructs a Store from a Serialize payload.
func Restore(data []byte) (*Store, error) {
	r := &reader{data: data}
	dim, err := r.u32()
	if err != nil {
		return nil, err
	}
	maxVectors, err := r.u32()
	if err != nil {
		return nil, err
	}
	highWater, err := r.u64()
	if err != nil {
		return nil, err
	}
	liveCount, err := r.u32()
	if err != nil {
		return nil, err
	}
	tombBytes, err := r.bytes()
	if err != nil {
		return nil, err
	}

	s := New(int(dim), int(maxVectors))
	s.growTo(int(highWater))
	s.highWater = highWater
	s.liveCount = int(liveCount)
	s.tomb = bitset.FromBytes(tombBytes)

	for slot := uint64(0); slot < highWater; slot++ {
		i := int(slot)
		vecBytes, err := r.bytes()
		if err != nil {
			return nil, err
		}
		vec, err := encoding.DecodeVector(vecBytes)
		if err != nil {
			return nil, fmt.Errorf("vecstore: restore slot %d: %w", slot, err)
		}
		copy(s.data[i*s.dim:(i+1)*s.dim], vec)

		metaJSON, err := r.string()
		if err != nil {
			return nil, err
		}
		meta, err := encoding.DecodeMetadata(metaJSON)
		if err != nil {
			return nil, fmt.Errorf("vecstore: restore metadata %d: %w", slot, err)
		}
		s.meta[i] = meta
	}
	return s, nil
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeU32(buf, uint32(len(b)))
	buf.Write(b)
}

func writeString(buf *bytes.Buffer, s string) {
	writeBytes(buf, []byte(s))
}

type reader struct {
	data []byte
	off  int
}

func (r *reader) u32() (uint32, error) {
	if r.off+4 > len(r.data) {
		return 0, fmt.Errorf("vecstore: truncated snapshot payload")
	}
	v := binary.LittleEndian.Uint32(r.data[r.off:])
	r.off += 4
	return v, nil
}

func (r *reader) u64() (uint64, error) {
	if r.off+8 > len(r.data) {
		return 0, fmt.Errorf("vecstore: truncated snapshot payload")
	}
	v := binary.LittleEndian.Uint64(r.data[r.off:])
	r.off += 8
	return v, nil
}

func (r *reader) bytes() ([]byte, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	if r.off+int(n) > len(r.data) {
		return nil, fmt.Errorf("vecstore: truncated snapshot payload")
	}
	out := make([]byte, n)
	copy(out, r.data[r.off:r.off+int(n)])
	r.off += int(n)
	return out, nil
}

func (r *reader) string() (string, error) {
	b, err := r.bytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}
