package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/exp/mmap"
)

// File is a memory-mapped local file. Concurrent ReadAt calls are lock free.
type File struct {
	name string
	r    *mmap.ReaderAt
}

// OpenFile memory-maps path read-only.
func OpenFile(path string) (*File, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if fi.IsDir() {
		return nil, fmt.Errorf("%s: is a directory", path)
	}
	if fi.Size() == 0 {
		// mmap refuses empty files; an empty stream still has to parse (and fail) cleanly.
		return &File{name: path}, nil
	}
	r, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}
	return &File{name: path, r: r}, nil
}

func (f *File) ReadAt(p []byte, off int64) (int, error) {
	if f.r == nil {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}
	if off >= int64(f.r.Len()) {
		return 0, io.EOF
	}
	n, err := f.r.ReadAt(p, off)
	if n < len(p) && err == nil {
		err = io.EOF
	}
	return n, err
}

func (f *File) Size() int64 {
	if f.r == nil {
		return 0
	}
	return int64(f.r.Len())
}

func (f *File) Name() string { return f.name }

func (f *File) Close() error {
	if f.r == nil {
		return nil
	}
	return f.r.Close()
}

type localFS struct{}

func (localFS) Open(_ context.Context, name string) (Source, error) {
	return OpenFile(name)
}

func (localFS) Stat(_ context.Context, name string) (int64, error) {
	fi, err := os.Stat(name)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, fmt.Errorf("stat %s: %w", name, ErrNotExist)
		}
		return 0, err
	}
	if fi.IsDir() {
		return 0, fmt.Errorf("%s: is a directory: %w", name, ErrNotExist)
	}
	return fi.Size(), nil
}
