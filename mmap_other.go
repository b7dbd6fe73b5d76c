//go:build !unix

package gigavector

import "os"

// readMmap falls back to a plain buffered read on platforms without a POSIX
// mmap, so on those platforms OpenMMap reads the snapshot the same way Open
// does.
func readMmap(path string) ([]byte, error) {
	return os.ReadFile(path)
}
