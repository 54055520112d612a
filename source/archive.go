package source

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
)

// DefaultMaxInflateBytes caps the size of a compressed container member that
// is inflated into memory.
const DefaultMaxInflateBytes = 1 << 30

// splitArchivePath splits "dir/file.zip/inner/name.tif" at the first path
// segment carrying one of exts. inner is empty when the identifier names the
// archive itself.
func splitArchivePath(name string, exts ...string) (archive, inner string, ok bool) {
	lower := strings.ToLower(name)
	best := -1
	for _, ext := range exts {
		from := 0
		for {
			i := strings.Index(lower[from:], ext)
			if i < 0 {
				break
			}
			end := from + i + len(ext)
			if end == len(lower) || lower[end] == '/' {
				if best < 0 || end < best {
					best = end
				}
				break
			}
			from = end
		}
	}
	if best < 0 {
		return "", "", false
	}
	return name[:best], strings.TrimPrefix(name[best:], "/"), true
}

// openZipMember opens inner inside the zip archive held by parent. Stored
// members are addressed in place; deflated members are inflated to memory.
func openZipMember(parent Source, inner string, maxInflate int64) (Source, error) {
	zr, err := zip.NewReader(parent, parent.Size())
	if err != nil {
		return nil, fmt.Errorf("zip %s: %w", parent.Name(), err)
	}

	var member *zip.File
	if inner == "" {
		for _, f := range zr.File {
			if f.FileInfo().IsDir() {
				continue
			}
			if member != nil {
				return nil, fmt.Errorf("zip %s: several members, an explicit inner path is required", parent.Name())
			}
			member = f
		}
	} else {
		for _, f := range zr.File {
			if path.Clean(f.Name) == path.Clean(inner) {
				member = f
				break
			}
		}
	}
	if member == nil {
		return nil, fmt.Errorf("zip %s: member %q: %w", parent.Name(), inner, ErrNotExist)
	}
	name := parent.Name() + "/" + member.Name

	if member.Method == zip.Store {
		off, err := member.DataOffset()
		if err != nil {
			return nil, fmt.Errorf("zip %s: %w", name, err)
		}
		return &section{name: name, r: io.NewSectionReader(parent, off, int64(member.UncompressedSize64)), parent: parent}, nil
	}

	if member.UncompressedSize64 > uint64(maxInflate) {
		return nil, fmt.Errorf("zip %s: member of %d bytes exceeds inflate limit", name, member.UncompressedSize64)
	}
	rc, err := member.Open()
	if err != nil {
		return nil, fmt.Errorf("zip %s: %w", name, err)
	}
	defer rc.Close()
	data, err := readLimited(rc, maxInflate)
	if err != nil {
		return nil, fmt.Errorf("zip %s: %w", name, err)
	}
	parent.Close()
	return NewMemory(name, data), nil
}

// openTarMember opens inner inside a tar archive, optionally gzip compressed.
func openTarMember(parent Source, inner string, gzipped bool, maxInflate int64) (Source, error) {
	defer parent.Close()
	var r io.Reader = io.NewSectionReader(parent, 0, parent.Size())
	if gzipped {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("tar %s: %w", parent.Name(), err)
		}
		defer gz.Close()
		r = gz
	}

	tr := tar.NewReader(r)
	var found []byte
	var foundName string
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("tar %s: %w", parent.Name(), err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if inner != "" && path.Clean(hdr.Name) != path.Clean(inner) {
			continue
		}
		if inner == "" && found != nil {
			return nil, fmt.Errorf("tar %s: several members, an explicit inner path is required", parent.Name())
		}
		if hdr.Size > maxInflate {
			return nil, fmt.Errorf("tar %s: member of %d bytes exceeds inflate limit", parent.Name(), hdr.Size)
		}
		data, err := readLimited(tr, maxInflate)
		if err != nil {
			return nil, fmt.Errorf("tar %s: %w", parent.Name(), err)
		}
		found, foundName = data, hdr.Name
		if inner != "" {
			break
		}
	}
	if found == nil {
		return nil, fmt.Errorf("tar %s: member %q: %w", parent.Name(), inner, ErrNotExist)
	}
	return NewMemory(parent.Name()+"/"+foundName, found), nil
}

// openGzip inflates a whole gzip stream into memory.
func openGzip(parent Source, maxInflate int64) (Source, error) {
	defer parent.Close()
	gz, err := gzip.NewReader(io.NewSectionReader(parent, 0, parent.Size()))
	if err != nil {
		return nil, fmt.Errorf("gzip %s: %w", parent.Name(), err)
	}
	defer gz.Close()
	data, err := readLimited(gz, maxInflate)
	if err != nil {
		return nil, fmt.Errorf("gzip %s: %w", parent.Name(), err)
	}
	return NewMemory(parent.Name(), data), nil
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("inflated size exceeds %d bytes", limit)
	}
	return data, nil
}

// section exposes a byte range of a parent source.
type section struct {
	name   string
	r      *io.SectionReader
	parent Source
}

func (s *section) ReadAt(p []byte, off int64) (int, error) { return s.r.ReadAt(p, off) }
func (s *section) Size() int64                              { return s.r.Size() }
func (s *section) Name() string                             { return s.name }
func (s *section) Close() error                             { return s.parent.Close() }

var _ Source = (*section)(nil)

// statArchive checks that a container member exists by opening it.
func statArchive(ctx context.Context, o Opener, name string) (int64, error) {
	src, err := o.Open(ctx, name)
	if err != nil {
		return 0, err
	}
	defer src.Close()
	return src.Size(), nil
}
