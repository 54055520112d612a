// Package source provides range-addressable byte sources for raster files:
// local files, in-memory buffers, remote HTTP endpoints, cloud buckets and
// members of zip/tar/gzip containers.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
)

// Source is a read-only, random access byte stream of known size.
// Implementations must be safe for concurrent ReadAt calls.
type Source interface {
	io.ReaderAt
	// Size returns the total length of the stream in bytes.
	Size() int64
	// Name returns the identifier the source was opened with.
	Name() string
	Close() error
}

// Opener resolves identifiers to sources.
type Opener interface {
	Open(ctx context.Context, name string) (Source, error)
	// Stat returns the size of the named object, or an error wrapping
	// fs.ErrNotExist when it does not exist.
	Stat(ctx context.Context, name string) (int64, error)
}

var (
	// ErrTransient marks a failure worth retrying (rate limiting, gateway errors).
	ErrTransient = errors.New("source: transient failure")

	// ErrNotExist is returned when an identifier does not resolve to an object.
	ErrNotExist = fs.ErrNotExist
)

// ReadRange reads exactly length bytes at offset from src.
func ReadRange(src io.ReaderAt, offset, length int64) ([]byte, error) {
	if offset < 0 || length < 0 {
		return nil, fmt.Errorf("source: invalid range %d+%d", offset, length)
	}
	buf := make([]byte, length)
	n, err := src.ReadAt(buf, offset)
	if n == len(buf) {
		return buf, nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return buf[:n], err
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
