package storage

import (
	"io"
)

// Storage defines where received payloads are written.
type Storage interface {
	// Create opens a new blob for the declared file name. Blobs for the same
	// name are independent of each other.
	Create(name string) (Blob, error)
	// Path returns the final location for a declared file name.
	Path(name string) string
}

// Blob accumulates payload bytes until it is committed or aborted.
type Blob interface {
	io.Writer
	// Written is the number of bytes accepted so far.
	Written() int64
	// Commit flushes the blob and moves it to its final location.
	Commit() (string, error)
	// Abort flushes whatever arrived and leaves it as a partial file.
	Abort() (string, error)
}
