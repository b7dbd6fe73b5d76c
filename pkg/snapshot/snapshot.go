// Package snapshot implements the binary save format of spec §4.10: a
// magic-and-version-checked header, the vector store's serialized slots, and
// the active index backend's serialized structure, trailed by a whole-file
// CRC-32. Save/Load never touch index or vector-store internals directly —
// those live in pkg/vecstore and pkg/index's own Serialize/RestoreXxx pairs —
// this package only owns the outer framing, the same separation the teacher
// draws between ProductQuantizer.SerializeCodebooks (owns its own bytes) and
// a caller that frames them into a larger file.
package snapshot

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
)

const (
	magic         = "GVDB"
	version uint8 = 1
)

var (
	ErrBadMagic           = errors.New("snapshot: not a gigavector snapshot file")
	ErrUnsupportedVersion = errors.New("snapshot: unsupported snapshot version")
	ErrCorrupt            = errors.New("snapshot: corrupt snapshot (checksum mismatch)")
	ErrTruncated          = errors.New("snapshot: truncated snapshot file")
)

// Manifest is the decoded header plus the two backend payloads a caller
// (the database façade) needs to reconstruct a running database: the
// vector store's own Serialize output and the index backend's own
// Serialize output, passed through unopened.
type Manifest struct {
	Version      uint8
	Dim          int
	LiveCount    int
	IndexKind    uint8
	StorePayload []byte
	IndexPayload []byte
}

// Save writes a complete snapshot to path: magic, version, dim, live count,
// index kind, then the two length-prefixed payloads, then a CRC-32 over
// everything that precedes it. The file is written to a temp path and
// renamed into place so a crash mid-write never leaves a half-written
// snapshot at the real path.
func Save(path string, dim, liveCount int, indexKind uint8, storePayload, indexPayload []byte) error {
	body := make([]byte, 0, len(magic)+1+4+4+1+4+len(storePayload)+4+len(indexPayload))
	body = append(body, magic...)
	body = append(body, version)
	body = appendU32(body, uint32(dim))
	body = appendU32(body, uint32(liveCount))
	body = append(body, indexKind)
	body = appendU32(body, uint32(len(storePayload)))
	body = append(body, storePayload...)
	body = appendU32(body, uint32(len(indexPayload)))
	body = append(body, indexPayload...)

	checksum := crc32.ChecksumIEEE(body)
	body = appendU32(body, checksum)

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, body, 0o644); err != nil {
		return fmt.Errorf("snapshot: write %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("snapshot: rename into place: %w", err)
	}
	return nil
}

// Load reads and verifies a snapshot file, returning its header fields and
// the two raw backend payloads. The magic, version, and trailing CRC-32 are
// all checked before any per-backend slice is allocated, per spec §4.10's
// verify-before-allocate requirement.
func Load(path string) (Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("snapshot: read %s: %w", path, err)
	}
	return Decode(raw)
}

// Decode verifies and parses an in-memory snapshot image, the same format
// Save/Load frame to/from disk. Used directly by callers that already hold
// the bytes (e.g. OpenFromMemory) so they don't need a throwaway file.
func Decode(raw []byte) (Manifest, error) {
	minLen := len(magic) + 1 + 4 + 4 + 1 + 4 + 4 + 4
	if len(raw) < minLen {
		return Manifest{}, ErrTruncated
	}
	if string(raw[:len(magic)]) != magic {
		return Manifest{}, ErrBadMagic
	}

	body := raw[:len(raw)-4]
	wantChecksum := binary.LittleEndian.Uint32(raw[len(raw)-4:])
	if crc32.ChecksumIEEE(body) != wantChecksum {
		return Manifest{}, ErrCorrupt
	}

	off := len(magic)
	ver := body[off]
	off++
	if ver != version {
		return Manifest{}, ErrUnsupportedVersion
	}

	dim, off, err := readU32(body, off)
	if err != nil {
		return Manifest{}, err
	}
	liveCount, off, err := readU32(body, off)
	if err != nil {
		return Manifest{}, err
	}
	if off >= len(body) {
		return Manifest{}, ErrTruncated
	}
	indexKind := body[off]
	off++

	storePayload, off, err := readBytes(body, off)
	if err != nil {
		return Manifest{}, err
	}
	indexPayload, _, err := readBytes(body, off)
	if err != nil {
		return Manifest{}, err
	}

	return Manifest{
		Version:      ver,
		Dim:          int(dim),
		LiveCount:    int(liveCount),
		IndexKind:    indexKind,
		StorePayload: storePayload,
		IndexPayload: indexPayload,
	}, nil
}

func appendU32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func readU32(buf []byte, off int) (uint32, int, error) {
	if off+4 > len(buf) {
		return 0, off, ErrTruncated
	}
	return binary.LittleEndian.Uint32(buf[off:]), off + 4, nil
}

func readBytes(buf []byte, off int) ([]byte, int, error) {
	n, off, err := readU32(buf, off)
	if err != nil {
		return nil, off, err
	}
	if off+int(n) > len(buf) {
		return nil, off, ErrTruncated
	}
	out := make([]byte, n)
	copy(out, buf[off:off+int(n)])
	return out, off + int(n), nil
}
