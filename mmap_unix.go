//go:build unix

package gigavector

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// readMmap maps path into memory and copies it into an owned buffer before
// unmapping, so OpenMMap pays the mmap cost for the initial load without
// holding the mapping open for the database's lifetime (the snapshot is
// fully decoded into the store and index the moment this returns).
func readMmap(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()
	if size == 0 {
		return nil, fmt.Errorf("gigavector: %s is empty", path)
	}

	mapped, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("gigavector: mmap %s: %w", path, err)
	}
	defer unix.Munmap(mapped)

	owned := make([]byte, len(mapped))
	copy(owned, mapped)
	return owned, nil
}
