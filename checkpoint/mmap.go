package checkpoint

import (
	"fmt"
	"io"

	"golang.org/x/exp/mmap"

	"github.com/vesta-scm/repository/pool"
)

// OpenMapped reads a checkpoint file by memory-mapping it read-only
// (golang.org/x/exp/mmap) rather than slurping it into a freshly
// allocated buffer, avoiding a full copy on the common "reload an
// existing checkpoint at startup" path. The pool's own growable
// arena can't use it, since mmap.ReaderAt only supports read-only
// file-backed regions.
func OpenMapped(path string, stable *pool.Pool, volatile *pool.Pool, includeVolatile bool) (Roots, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return Roots{}, fmt.Errorf("checkpoint: mmap open %s: %w", path, err)
	}
	defer r.Close()

	// io.NewSectionReader streams directly off the mapped pages via
	// ReaderAt; unlike slurping the whole file into a []byte first,
	// this never duplicates the checkpoint's full contents in the Go
	// heap before Read starts parsing it.
	section := io.NewSectionReader(r, 0, int64(r.Len()))
	return Read(section, stable, volatile, includeVolatile)
}
