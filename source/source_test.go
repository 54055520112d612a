package source

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob"
	"gocloud.dev/blob/driver"
	"gocloud.dev/blob/memblob"
	"gocloud.dev/gcerrors"
)

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i * 7)
	}
	return b
}

func TestReadRange(t *testing.T) {
	src := NewMemory("m", payload(10))

	got, err := ReadRange(src, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, payload(10)[2:5], got)

	_, err = ReadRange(src, 8, 5)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, err = ReadRange(src, -1, 1)
	assert.Error(t, err)
}

func TestMemFS(t *testing.T) {
	ctx := context.Background()
	fs := NewFS()
	fs.Mem.Put("/vsimem/a.tif", []byte("hello"))

	size, err := fs.Stat(ctx, "/vsimem/a.tif")
	require.NoError(t, err)
	assert.EqualValues(t, 5, size)

	src, err := fs.Open(ctx, "/vsimem/a.tif")
	require.NoError(t, err)
	defer src.Close()
	assert.Equal(t, "/vsimem/a.tif", src.Name())

	_, err = fs.Stat(ctx, "/vsimem/missing.tif")
	assert.ErrorIs(t, err, ErrNotExist)

	assert.True(t, fs.Mem.Remove("/vsimem/a.tif"))
	assert.False(t, fs.Mem.Remove("/vsimem/a.tif"))
}

func TestLocalFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	p := filepath.Join(dir, "x.bin")
	require.NoError(t, os.WriteFile(p, payload(100), 0o644))

	src, err := NewFS().Open(ctx, p)
	require.NoError(t, err)
	defer src.Close()
	assert.EqualValues(t, 100, src.Size())

	got, err := ReadRange(src, 90, 10)
	require.NoError(t, err)
	assert.Equal(t, payload(100)[90:], got)

	_, err = NewFS().Stat(ctx, filepath.Join(dir, "nope"))
	assert.ErrorIs(t, err, ErrNotExist)

	empty := filepath.Join(dir, "empty.bin")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	src, err = NewFS().Open(ctx, empty)
	require.NoError(t, err)
	assert.EqualValues(t, 0, src.Size())
	_, err = ReadRange(src, 0, 8)
	assert.Error(t, err)
}

func TestZipMember(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	w, err := zw.CreateHeader(&zip.FileHeader{Name: "dir/stored.tif", Method: zip.Store})
	require.NoError(t, err)
	_, err = w.Write(payload(300))
	require.NoError(t, err)

	w, err = zw.Create("deflated.tif")
	require.NoError(t, err)
	_, err = w.Write(payload(5000))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	fs := NewFS()
	fs.Mem.Put("/vsimem/a.zip", buf.Bytes())

	src, err := fs.Open(ctx, "/vsizip//vsimem/a.zip/dir/stored.tif")
	require.NoError(t, err)
	assert.EqualValues(t, 300, src.Size())
	got, err := ReadRange(src, 100, 50)
	require.NoError(t, err)
	assert.Equal(t, payload(300)[100:150], got)

	src, err = fs.Open(ctx, "/vsizip//vsimem/a.zip/deflated.tif")
	require.NoError(t, err)
	got, err = ReadRange(src, 0, 5000)
	require.NoError(t, err)
	assert.Equal(t, payload(5000), got)

	_, err = fs.Open(ctx, "/vsizip//vsimem/a.zip/other.tif")
	assert.ErrorIs(t, err, ErrNotExist)

	_, err = fs.Stat(ctx, "/vsizip//vsimem/a.zip/deflated.tif")
	assert.NoError(t, err)

	// several members and no inner path
	_, err = fs.Open(ctx, "/vsizip//vsimem/a.zip")
	assert.Error(t, err)
}

func TestTarAndGzip(t *testing.T) {
	ctx := context.Background()

	var tbuf bytes.Buffer
	gw := gzip.NewWriter(&tbuf)
	tw := tar.NewWriter(gw)
	data := payload(1234)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "only.tif", Mode: 0o644, Size: int64(len(data)), Typeflag: tar.TypeReg}))
	_, err := tw.Write(data)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gw.Close())

	var gbuf bytes.Buffer
	gw = gzip.NewWriter(&gbuf)
	_, err = gw.Write(data)
	require.NoError(t, err)
	require.NoError(t, gw.Close())

	fs := NewFS()
	fs.Mem.Put("/vsimem/a.tgz", tbuf.Bytes())
	fs.Mem.Put("/vsimem/a.tif.gz", gbuf.Bytes())

	// implicit single member
	src, err := fs.Open(ctx, "/vsitar//vsimem/a.tgz")
	require.NoError(t, err)
	got, err := ReadRange(src, 0, src.Size())
	require.NoError(t, err)
	assert.Equal(t, data, got)

	src, err = fs.Open(ctx, "/vsitar//vsimem/a.tgz/only.tif")
	require.NoError(t, err)
	assert.EqualValues(t, len(data), src.Size())

	src, err = fs.Open(ctx, "/vsigzip//vsimem/a.tif.gz")
	require.NoError(t, err)
	got, err = ReadRange(src, 1000, 234)
	require.NoError(t, err)
	assert.Equal(t, data[1000:], got)

	fs.MaxInflateBytes = 100
	_, err = fs.Open(ctx, "/vsigzip//vsimem/a.tif.gz")
	assert.Error(t, err)
}

func TestSplitArchivePath(t *testing.T) {
	archive, inner, ok := splitArchivePath("/data/x.zip/sub/y.tif", ".zip")
	require.True(t, ok)
	assert.Equal(t, "/data/x.zip", archive)
	assert.Equal(t, "sub/y.tif", inner)

	_, _, ok = splitArchivePath("/data/x.zipper/y.tif", ".zip")
	assert.False(t, ok)

	archive, inner, ok = splitArchivePath("/d/a.tar.gz/b.tif", ".tar", ".tgz", ".tar.gz")
	require.True(t, ok)
	assert.Equal(t, "/d/a.tar.gz", archive)
	assert.Equal(t, "b.tif", inner)
}

func TestHTTPSource(t *testing.T) {
	ctx := context.Background()
	data := payload(100_000)
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		http.ServeContent(w, r, "f.tif", time.Time{}, bytes.NewReader(data))
	}))
	defer srv.Close()

	src, err := NewFS().Open(ctx, srv.URL+"/f.tif")
	require.NoError(t, err)
	assert.EqualValues(t, len(data), src.Size())

	got, err := ReadRange(src, 10, 20)
	require.NoError(t, err)
	assert.Equal(t, data[10:30], got)

	// served from the chunk cache
	before := requests.Load()
	got, err = ReadRange(src, 40, 20)
	require.NoError(t, err)
	assert.Equal(t, data[40:60], got)
	assert.Equal(t, before, requests.Load())

	got, err = ReadRange(src, 50_000, 40_000)
	require.NoError(t, err)
	assert.Equal(t, data[50_000:90_000], got)

	_, err = ReadRange(src, 99_990, 20)
	assert.Error(t, err)

	size, err := NewFS().Stat(ctx, "/vsicurl/"+srv.URL+"/f.tif")
	require.NoError(t, err)
	assert.EqualValues(t, len(data), size)
}

func TestHTTPStatusErrors(t *testing.T) {
	ctx := context.Background()
	var status atomic.Int32
	status.Store(http.StatusNotFound)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	_, err := NewFS().Stat(ctx, srv.URL+"/missing.tif")
	assert.ErrorIs(t, err, ErrNotExist)

	status.Store(http.StatusServiceUnavailable)
	_, err = NewFS().Open(ctx, srv.URL+"/busy.tif")
	var se *HTTPStatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusServiceUnavailable, se.Status)
	assert.True(t, IsTransient(err))
}

func TestBlobMount(t *testing.T) {
	ctx := context.Background()
	bucket := memblob.OpenBucket(nil)
	defer bucket.Close()
	data := payload(2048)
	require.NoError(t, bucket.WriteAll(ctx, "cogs/a.tif", data, nil))

	fs := NewFS()
	fs.Mount("/vsiblob/test", bucket)

	src, err := fs.Open(ctx, "/vsiblob/test/cogs/a.tif")
	require.NoError(t, err)
	got, err := ReadRange(src, 1000, 48)
	require.NoError(t, err)
	assert.Equal(t, data[1000:1048], got)

	_, err = fs.Stat(ctx, "/vsiblob/test/cogs/missing.tif")
	assert.ErrorIs(t, err, ErrNotExist)
}

func TestHTTPTruncatedBody(t *testing.T) {
	ctx := context.Background()
	data := payload(4096)
	var truncate atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && truncate.Load() {
			// announce the whole range, then hang up early
			w.Header().Set("Content-Range", "bytes 0-4095/4096")
			w.Header().Set("Content-Length", "4096")
			w.WriteHeader(http.StatusPartialContent)
			w.Write(data[:10])
			return
		}
		http.ServeContent(w, r, "f.tif", time.Time{}, bytes.NewReader(data))
	}))
	defer srv.Close()

	src, err := NewFS().Open(ctx, srv.URL+"/f.tif")
	require.NoError(t, err)

	truncate.Store(true)
	_, err = ReadRange(src, 0, 100)
	require.Error(t, err)
	assert.True(t, IsTransient(err), "%v", err)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	// nothing was cached, the next read succeeds
	truncate.Store(false)
	got, err := ReadRange(src, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, data[:100], got)
}

func TestHTTPTimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			<-release
		}
		http.ServeContent(w, r, "f.tif", time.Time{}, bytes.NewReader(payload(100)))
	}))
	defer srv.Close()
	defer close(release)

	fsys := NewFS()
	fsys.Client = &http.Client{Timeout: 50 * time.Millisecond}
	src, err := fsys.Open(context.Background(), srv.URL+"/f.tif")
	require.NoError(t, err)

	_, err = ReadRange(src, 0, 10)
	require.Error(t, err)
	assert.True(t, IsTransient(err), "%v", err)
}

// codedErr is a provider failure carrying a gocloud error code.
type codedErr struct{ code gcerrors.ErrorCode }

func (e codedErr) Error() string { return "provider failure: " + e.code.String() }

// failingBucket answers every range read with one error code.
type failingBucket struct {
	driver.Bucket
	code gcerrors.ErrorCode
}

func (b *failingBucket) NewRangeReader(context.Context, string, int64, int64, *driver.ReaderOptions) (driver.Reader, error) {
	return nil, codedErr{b.code}
}

func (b *failingBucket) ErrorCode(err error) gcerrors.ErrorCode {
	var ce codedErr
	if errors.As(err, &ce) {
		return ce.code
	}
	return gcerrors.Unknown
}

func (b *failingBucket) Close() error { return nil }

func TestBlobErrorCodes(t *testing.T) {
	testCases := []struct {
		code      gcerrors.ErrorCode
		transient bool
	}{
		{gcerrors.ResourceExhausted, true},
		{gcerrors.DeadlineExceeded, true},
		{gcerrors.Internal, true},
		{gcerrors.PermissionDenied, false},
		{gcerrors.NotFound, false},
	}
	for _, tc := range testCases {
		t.Run(tc.code.String(), func(t *testing.T) {
			bucket := blob.NewBucket(&failingBucket{code: tc.code})
			defer bucket.Close()
			src := &Blob{ctx: context.Background(), bucket: bucket, key: "a.tif", size: 100}

			_, err := ReadRange(src, 0, 10)
			require.Error(t, err)
			assert.Equal(t, tc.code, gcerrors.Code(err))
			assert.Equal(t, tc.transient, IsTransient(err))
		})
	}
}
