// Package filestore declares the narrow collaborator interface the
// repository core uses for external file-content storage: the core
// only ever deals in 32-bit file-identifiers, never byte streams
// directly.
package filestore

import "io"

// Store is the external byte-stream store the core delegates file
// content operations to.
type Store interface {
	// Create allocates a new, empty file-identifier.
	Create() (id uint32, err error)
	// Open returns a reader over id's current content, used to
	// fingerprint a file being sealed.
	Open(id uint32) (io.ReadCloser, error)
	// Duplicate copies id's content (up to copyMax bytes) into a fresh
	// file-identifier and returns it.
	Duplicate(id uint32, copyMax int64) (newID uint32, err error)
	// Stat reports the current size of id's content.
	Stat(id uint32) (size int64, err error)
	// MakeReadOnly marks id's content read-only, called when a mutable
	// file is sealed into an immutableFile entry.
	MakeReadOnly(id uint32) error
	// Unlink physically removes id's content once its reference count
	// reaches zero.
	Unlink(id uint32) error
}
