package source

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"gocloud.dev/blob"
)

const (
	memPrefix  = "/vsimem/"
	curlPrefix = "/vsicurl/"
	zipPrefix  = "/vsizip/"
	tarPrefix  = "/vsitar/"
	gzipPrefix = "/vsigzip/"
)

// FS routes identifiers to the matching Opener:
//
//	/vsimem/name             in-memory file registered with Mem.Put
//	/vsicurl/URL, http(s)://  remote file read with range requests
//	/vsizip/a.zip/inner.tif  zip member
//	/vsitar/a.tar/inner.tif  tar member (.tar, .tgz, .tar.gz)
//	/vsigzip/a.tif.gz        gzip stream
//	<mount prefix>/key       blob in a bucket registered with Mount
//	anything else            local file, memory mapped
//
// Container prefixes nest: the archive path is itself resolved through FS.
type FS struct {
	Mem             *MemFS
	Client          *http.Client
	MaxInflateBytes int64

	mu     sync.RWMutex
	mounts map[string]*blob.Bucket
}

func NewFS() *FS {
	return &FS{
		Mem:             NewMemFS(),
		Client:          http.DefaultClient,
		MaxInflateBytes: DefaultMaxInflateBytes,
		mounts:          make(map[string]*blob.Bucket),
	}
}

// Mount serves keys below prefix from bucket, e.g. Mount("/vsis3/mybucket/", b).
func (f *FS) Mount(prefix string, bucket *blob.Bucket) {
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	f.mu.Lock()
	f.mounts[prefix] = bucket
	f.mu.Unlock()
}

func (f *FS) mount(name string) (blobFS, string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	prefixes := make([]string, 0, len(f.mounts))
	for p := range f.mounts {
		prefixes = append(prefixes, p)
	}
	// longest prefix wins
	sort.Slice(prefixes, func(i, j int) bool { return len(prefixes[i]) > len(prefixes[j]) })
	for _, p := range prefixes {
		if strings.HasPrefix(name, p) {
			return blobFS{bucket: f.mounts[p]}, strings.TrimPrefix(name, p), true
		}
	}
	return blobFS{}, "", false
}

func (f *FS) maxInflate() int64 {
	if f.MaxInflateBytes <= 0 {
		return DefaultMaxInflateBytes
	}
	return f.MaxInflateBytes
}

func (f *FS) Open(ctx context.Context, name string) (Source, error) {
	switch {
	case strings.HasPrefix(name, memPrefix):
		return f.Mem.Open(ctx, name)
	case strings.HasPrefix(name, curlPrefix):
		return NewHTTP(ctx, strings.TrimPrefix(name, curlPrefix), f.Client)
	case isURL(name):
		return NewHTTP(ctx, name, f.Client)
	case strings.HasPrefix(name, zipPrefix):
		archive, inner, ok := splitArchivePath(strings.TrimPrefix(name, zipPrefix), ".zip")
		if !ok {
			return nil, fmt.Errorf("%s: no .zip archive in path: %w", name, ErrNotExist)
		}
		parent, err := f.Open(ctx, archive)
		if err != nil {
			return nil, err
		}
		src, err := openZipMember(parent, inner, f.maxInflate())
		if err != nil {
			parent.Close()
			return nil, err
		}
		return src, nil
	case strings.HasPrefix(name, tarPrefix):
		archive, inner, ok := splitArchivePath(strings.TrimPrefix(name, tarPrefix), ".tar", ".tgz", ".tar.gz")
		if !ok {
			return nil, fmt.Errorf("%s: no tar archive in path: %w", name, ErrNotExist)
		}
		parent, err := f.Open(ctx, archive)
		if err != nil {
			return nil, err
		}
		lower := strings.ToLower(archive)
		gz := strings.HasSuffix(lower, ".tgz") || strings.HasSuffix(lower, ".gz")
		return openTarMember(parent, inner, gz, f.maxInflate())
	case strings.HasPrefix(name, gzipPrefix):
		parent, err := f.Open(ctx, strings.TrimPrefix(name, gzipPrefix))
		if err != nil {
			return nil, err
		}
		return openGzip(parent, f.maxInflate())
	}
	if m, key, ok := f.mount(name); ok {
		return m.Open(ctx, key)
	}
	return localFS{}.Open(ctx, name)
}

func (f *FS) Stat(ctx context.Context, name string) (int64, error) {
	switch {
	case strings.HasPrefix(name, memPrefix):
		return f.Mem.Stat(ctx, name)
	case strings.HasPrefix(name, curlPrefix):
		return httpSize(ctx, f.Client, strings.TrimPrefix(name, curlPrefix))
	case isURL(name):
		return httpSize(ctx, f.Client, name)
	case strings.HasPrefix(name, zipPrefix), strings.HasPrefix(name, tarPrefix), strings.HasPrefix(name, gzipPrefix):
		return statArchive(ctx, f, name)
	}
	if m, key, ok := f.mount(name); ok {
		return m.Stat(ctx, key)
	}
	return localFS{}.Stat(ctx, name)
}

func isURL(name string) bool {
	return strings.HasPrefix(name, "http://") || strings.HasPrefix(name, "https://")
}

var _ Opener = (*FS)(nil)
