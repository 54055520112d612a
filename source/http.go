package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultChunkSize is the granularity of the small-read cache of HTTP sources.
const DefaultChunkSize = 16 << 10

// HTTPStatusError reports an unexpected HTTP status. Rate limiting and gateway
// statuses unwrap to ErrTransient.
type HTTPStatusError struct {
	URL    string
	Status int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("http %s: unexpected status %d %s", e.URL, e.Status, http.StatusText(e.Status))
}

func (e *HTTPStatusError) Unwrap() error {
	switch e.Status {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return ErrTransient
	case http.StatusNotFound, http.StatusGone:
		return ErrNotExist
	}
	return nil
}

// HTTP is a Source over a remote file served with byte range support.
//
// Reads no larger than two chunks go through an LRU of aligned chunks, which
// turns the many small directory reads done at open time into a handful of
// requests. Larger reads are issued as a single range request.
type HTTP struct {
	url    string
	client *http.Client
	size   int64

	chunkSize int64
	chunks    *lru.Cache[int64, []byte]
}

// HTTPOption configures an HTTP source.
type HTTPOption func(*HTTP)

// WithChunkCache sets the chunk size and the number of cached chunks. A count
// of zero disables the cache.
func WithChunkCache(chunkSize int64, count int) HTTPOption {
	return func(h *HTTP) {
		h.chunkSize = chunkSize
		if count <= 0 || chunkSize <= 0 {
			h.chunks = nil
			return
		}
		h.chunks, _ = lru.New[int64, []byte](count)
	}
}

// NewHTTP creates a source for a remote file URL.
func NewHTTP(ctx context.Context, url string, client *http.Client, opts ...HTTPOption) (*HTTP, error) {
	if client == nil {
		client = http.DefaultClient
	}

	size, err := httpSize(ctx, client, url)
	if err != nil {
		return nil, err
	}

	h := &HTTP{url: url, client: client, size: size}
	WithChunkCache(DefaultChunkSize, 256)(h)
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// httpSize issues a HEAD request and falls back to a one byte range GET for
// servers that refuse HEAD.
func httpSize(ctx context.Context, client *http.Client, url string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create head request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("http head request failed: %w", transportError(err))
	}
	resp.Body.Close()

	if resp.StatusCode == http.StatusOK && resp.ContentLength > 0 {
		if resp.Header.Get("Accept-Ranges") != "bytes" {
			return 0, errors.New("server does not accept byte range requests")
		}
		return resp.ContentLength, nil
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusMethodNotAllowed {
		return 0, &HTTPStatusError{URL: url, Status: resp.StatusCode}
	}

	req, err = http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Range", "bytes=0-0")
	resp, err = client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("http range probe failed: %w", transportError(err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent {
		return 0, &HTTPStatusError{URL: url, Status: resp.StatusCode}
	}
	// Content-Range: bytes 0-0/12345
	cr := resp.Header.Get("Content-Range")
	i := strings.LastIndexByte(cr, '/')
	if i < 0 {
		return 0, fmt.Errorf("http %s: missing Content-Range total", url)
	}
	size, err := strconv.ParseInt(cr[i+1:], 10, 64)
	if err != nil || size <= 0 {
		return 0, fmt.Errorf("could not determine content length or file is empty")
	}
	return size, nil
}

func (h *HTTP) Size() int64  { return h.size }
func (h *HTTP) Name() string { return h.url }
func (h *HTTP) Close() error { return nil }

// ReadAt implements io.ReaderAt for concurrent, stateless reads.
func (h *HTTP) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if off < 0 {
		return 0, fmt.Errorf("http.readAt: invalid offset %d", off)
	}
	if off >= h.size {
		return 0, io.EOF
	}
	if h.chunks != nil && int64(len(p)) <= 2*h.chunkSize {
		return h.readChunked(p, off)
	}
	n, err := h.readRange(context.Background(), p, off)
	if err == nil && n < len(p) {
		err = io.EOF
	}
	return n, err
}

func (h *HTTP) readChunked(p []byte, off int64) (int, error) {
	n := 0
	for n < len(p) && off < h.size {
		idx := off / h.chunkSize
		chunk, ok := h.chunks.Get(idx)
		if !ok {
			start := idx * h.chunkSize
			length := h.chunkSize
			if start+length > h.size {
				length = h.size - start
			}
			buf := make([]byte, length)
			m, err := h.readRange(context.Background(), buf, start)
			if err != nil {
				return n, err
			}
			chunk = buf[:m]
			h.chunks.Add(idx, chunk)
		}
		within := off - idx*h.chunkSize
		if within >= int64(len(chunk)) {
			break
		}
		c := copy(p[n:], chunk[within:])
		n += c
		off += int64(c)
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// readRange performs one GET with a Range header, clamped to the file size.
func (h *HTTP) readRange(ctx context.Context, p []byte, off int64) (int, error) {
	bytesToRead := int64(len(p))
	if off+bytesToRead > h.size {
		bytesToRead = h.size - off
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return 0, err
	}
	rangeEnd := off + bytesToRead - 1
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", off, rangeEnd))

	resp, err := h.client.Do(req)
	if err != nil {
		return 0, transportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent {
		return 0, &HTTPStatusError{URL: h.url, Status: resp.StatusCode}
	}
	n, err := io.ReadFull(resp.Body, p[:bytesToRead])
	if err != nil {
		return n, transportError(err)
	}
	return n, nil
}

// transportError marks timeouts, resets and bodies cut short as transient.
// A cancelled request context is not retried.
func transportError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var ne net.Error
	switch {
	case errors.As(err, &ne) && ne.Timeout(),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED):
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	return err
}

type httpFS struct {
	client *http.Client
}

func (f httpFS) Open(ctx context.Context, name string) (Source, error) {
	return NewHTTP(ctx, name, f.client)
}

func (f httpFS) Stat(ctx context.Context, name string) (int64, error) {
	return httpSize(ctx, f.client, name)
}
