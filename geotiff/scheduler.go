package geotiff

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/karlseguin/ccache/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/akhenakh/gtiffread/codec"
	"github.com/akhenakh/gtiffread/source"
)

const blockTTL = 10 * time.Minute

// layout is what the scheduler needs to read the blocks of one directory.
type layout struct {
	dirOffset   uint64
	geom        Geometry
	blocks      []BlockDescriptor
	compression int
	order       binary.ByteOrder
	// template carries the codec parameters shared by all blocks.
	template codec.Block
}

// cachedBlock is a decoded block in native order. Its Size makes the cache
// byte bounded.
type cachedBlock struct {
	data []byte
}

func (c *cachedBlock) Size() int64 { return int64(len(c.data)) + 64 }

// scheduler fetches and decodes blocks for every directory of one file. It
// is shared by a dataset and its overviews.
type scheduler struct {
	src     source.Source
	opts    Options
	log     *slog.Logger
	metrics *Metrics

	cache            *ccache.Cache[*cachedBlock]
	inflightData     singleflight.Group
	inflightPrefetch singleflight.Group

	// mu guards the cache against use after close.
	mu         sync.RWMutex
	closed     bool
	prefetches sync.WaitGroup
	// bg bounds prefetches, which outlive the read that started them.
	bg     context.Context
	cancel context.CancelFunc
}

func newScheduler(src source.Source, o Options) *scheduler {
	bg, cancel := context.WithCancel(context.Background())
	return &scheduler{
		src:     src,
		opts:    o,
		log:     o.Logger,
		metrics: o.Metrics,
		cache:   ccache.New(ccache.Configure[*cachedBlock]().MaxSize(o.BlockCacheBytes).ItemsToPrune(100)),
		bg:      bg,
		cancel:  cancel,
	}
}

// close stops pending prefetches and the cache. Later reads fetch without caching.
func (s *scheduler) close() {
	s.cancel()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.prefetches.Wait()
	s.cache.Stop()
}

func (s *scheduler) cached(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, false
	}
	if item := s.cache.Get(key); item != nil && !item.Expired() {
		return item.Value().data, true
	}
	return nil, false
}

func (s *scheduler) store(key string, data []byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.closed {
		s.cache.Set(key, &cachedBlock{data: data}, blockTTL)
	}
}

func (s *scheduler) key(l *layout, idx int) string {
	return strconv.FormatUint(l.dirOffset, 10) + ":" + strconv.Itoa(idx)
}

// block returns one decoded block; concurrent calls for the same block share
// a single fetch. A nil slice denotes a sparse or lenient skipped block.
func (s *scheduler) block(ctx context.Context, l *layout, idx int) ([]byte, []error, error) {
	key := s.key(l, idx)
	if data, ok := s.cached(key); ok {
		s.metrics.BlockRequests.WithLabelValues("hit").Inc()
		return data, nil, nil
	}

	type result struct {
		data     []byte
		warnings []error
	}
	v, err, _ := s.inflightData.Do(key, func() (any, error) {
		m, warnings, err := s.blocks(ctx, l, []int{idx})
		if err != nil {
			return nil, err
		}
		return result{m[idx], warnings}, nil
	})
	if err != nil {
		return nil, nil, err
	}
	r := v.(result)
	return r.data, r.warnings, nil
}

// prefetchNeighbors loads the blocks around idx in the same plane into the
// cache, without triggering further prefetching.
func (s *scheduler) prefetchNeighbors(l *layout, idx int) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return
	}
	s.prefetches.Add(1)
	s.mu.RUnlock()

	prefetchKey := "prefetch-" + s.key(l, idx)
	go func() {
		defer s.prefetches.Done()
		s.inflightPrefetch.Do(prefetchKey, func() (any, error) {
			return nil, s.prefetch(l, idx)
		})
	}()
}

func (s *scheduler) prefetch(l *layout, idx int) error {
	g := l.geom
	across, down := g.BlocksAcross(), g.BlocksDown()
	b := l.blocks[idx]
	var neighbors []int
	for j := -1; j <= 1; j++ {
		for i := -1; i <= 1; i++ {
			x, y := b.Col+i, b.Row+j
			if (i == 0 && j == 0) || x < 0 || x >= across || y < 0 || y >= down {
				continue
			}
			n := g.blockIndex(b.Band, x, y)
			if n < len(l.blocks) && l.blocks[n].Available {
				neighbors = append(neighbors, n)
			}
		}
	}
	if _, _, err := s.blocks(s.bg, l, neighbors); err != nil {
		s.log.Debug("prefetch failed", "block", idx, "error", err)
	}
	return nil
}

// byteRange is a merged fetch covering one or more blocks.
type byteRange struct {
	off, end int64
	blocks   []BlockDescriptor
}

// mergeRanges sorts blocks by offset and merges neighbours separated by at
// most gap bytes, keeping each range within maxBytes when it is positive.
func mergeRanges(blocks []BlockDescriptor, gap, maxBytes int64) []byteRange {
	sorted := append([]BlockDescriptor(nil), blocks...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })
	var out []byteRange
	for _, b := range sorted {
		off, end := int64(b.Offset), int64(b.Offset+b.Size)
		if n := len(out); n > 0 {
			last := &out[n-1]
			merged := max(last.end, end) - last.off
			if off <= last.end+gap && (maxBytes <= 0 || merged <= maxBytes) {
				last.end = max(last.end, end)
				last.blocks = append(last.blocks, b)
				continue
			}
		}
		out = append(out, byteRange{off: off, end: end, blocks: []BlockDescriptor{b}})
	}
	return out
}

// batches groups consecutive ranges so that each batch requests at most
// maxBytes, one range at least.
func batches(ranges []byteRange, maxBytes int64) [][]byteRange {
	var out [][]byteRange
	var cur []byteRange
	var total int64
	for _, r := range ranges {
		size := r.end - r.off
		if len(cur) > 0 && maxBytes > 0 && total+size > maxBytes {
			out = append(out, cur)
			cur, total = nil, 0
		}
		cur = append(cur, r)
		total += size
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

// blocks loads the listed blocks. Cached blocks are served directly; the
// others are fetched in merged ranges by a bounded worker pool, batch by
// batch, and decoded in parallel. The first fatal error aborts the read.
func (s *scheduler) blocks(ctx context.Context, l *layout, idxs []int) (map[int][]byte, []error, error) {
	out := make(map[int][]byte, len(idxs))
	var warnings []error
	var pending []BlockDescriptor
	for _, idx := range idxs {
		if _, done := out[idx]; done {
			continue
		}
		if idx < 0 || idx >= len(l.blocks) {
			return nil, nil, &BlockError{Kind: ErrBlockLocation, Index: idx, Err: errors.New("block index out of range")}
		}
		if data, ok := s.cached(s.key(l, idx)); ok {
			s.metrics.BlockRequests.WithLabelValues("hit").Inc()
			out[idx] = data
			continue
		}
		s.metrics.BlockRequests.WithLabelValues("miss").Inc()
		b := l.blocks[idx]
		if b.Sparse && b.Available {
			out[idx] = nil
			continue
		}
		b, warn, err := s.span(b)
		if err != nil {
			return nil, nil, err
		}
		if warn != nil {
			warnings = append(warnings, warn)
			if b.Size == 0 {
				out[idx] = nil
				continue
			}
		}
		out[idx] = nil
		pending = append(pending, b)
	}
	if len(pending) == 0 {
		return out, warnings, nil
	}

	var mu sync.Mutex
	ranges := mergeRanges(pending, s.opts.RangeMergeGap, s.opts.MaxRequestBytes)
	for _, batch := range batches(ranges, s.opts.MaxRequestBytes) {
		dec, dctx := errgroup.WithContext(ctx)
		dec.SetLimit(s.opts.NumThreads)
		fetch, fctx := errgroup.WithContext(dctx)
		fetch.SetLimit(s.opts.NumThreads)

		for _, r := range batch {
			fetch.Go(func() error {
				raw, err := s.fetch(fctx, r.off, r.end-r.off)
				if err != nil {
					return fetchError(r.blocks[0].Index, err)
				}
				for _, b := range r.blocks {
					start := int64(b.Offset) - r.off
					src := raw[start : start+int64(b.Size)]
					dec.Go(func() error {
						data, warn, err := s.decode(l, b, src)
						if err != nil {
							return err
						}
						mu.Lock()
						out[b.Index] = data
						if warn != nil {
							warnings = append(warnings, warn)
						}
						mu.Unlock()
						if warn == nil {
							s.store(s.key(l, b.Index), data)
						}
						return nil
					})
				}
				return nil
			})
		}
		ferr := fetch.Wait()
		derr := dec.Wait()
		// a decode failure cancels the fetches, report it first
		if derr != nil {
			return nil, nil, derr
		}
		if ferr != nil {
			return nil, nil, ferr
		}
	}
	return out, warnings, nil
}

// span validates the range of b. In lenient mode a block running past the
// end of the stream is clipped to the bytes present and a warning returned.
func (s *scheduler) span(b BlockDescriptor) (BlockDescriptor, error, error) {
	err := b.check(s.src.Size())
	if err == nil {
		return b, nil, nil
	}
	size := uint64(s.src.Size())
	if !s.opts.IgnoreReadErrors || !b.Available || b.Offset+b.Size < b.Offset {
		return b, nil, err
	}
	if b.Offset >= size {
		b.Size = 0
	} else {
		b.Size = size - b.Offset
	}
	s.log.Warn("block truncated by end of stream", "block", b.Index, "offset", b.Offset, "size", b.Size)
	return b, err, nil
}

// fetch reads a byte range, retrying transient failures with a linear backoff.
func (s *scheduler) fetch(ctx context.Context, off, size int64) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= s.opts.FetchRetries; attempt++ {
		if attempt > 0 {
			s.metrics.FetchRetries.Inc()
			s.log.Warn("retrying block fetch", "offset", off, "attempt", attempt, "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.opts.FetchRetryDelay * time.Duration(attempt)):
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		start := time.Now()
		buf, err := source.ReadRange(s.src, off, size)
		s.metrics.FetchRequests.Inc()
		s.metrics.FetchDuration.Observe(time.Since(start).Seconds())
		if err == nil {
			s.metrics.FetchBytes.Add(float64(size))
			return buf, nil
		}
		lastErr = err
		if !source.IsTransient(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("after %d attempts: %w", s.opts.FetchRetries+1, lastErr)
}

func fetchError(idx int, err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case source.IsTransient(err):
		// retries exhausted, including bodies cut short in transit
		return &BlockError{Kind: ErrFetch, Index: idx, Err: err}
	case errors.Is(err, io.ErrUnexpectedEOF):
		return &BlockError{Kind: ErrBlockLocation, Index: idx, Err: err}
	}
	return &BlockError{Kind: ErrFetch, Index: idx, Err: err}
}

// decode runs the codec on one block and normalizes the samples.
func (s *scheduler) decode(l *layout, b BlockDescriptor, src []byte) ([]byte, error, error) {
	cb := l.template
	cb.Height = l.geom.blockRows(b.Index)

	start := time.Now()
	out, warn, err := s.opts.Registry.Decode(l.compression, src, cb, s.opts.policy())
	name := codec.Name(l.compression)
	if name == "" {
		name = strconv.Itoa(l.compression)
	}
	s.metrics.DecodeDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

	if err != nil {
		kind := ErrCorruptBlock
		var uc *codec.UnsupportedCodecError
		switch {
		case errors.Is(err, codec.ErrResourceLimit):
			kind = ErrResourceLimit
		case errors.As(err, &uc):
			kind = ErrUnsupported
		}
		return nil, nil, &BlockError{Kind: kind, Index: b.Index, Err: err}
	}
	if warn != nil {
		s.log.Warn("block decoded with errors, zero padded", "block", b.Index, "codec", name, "error", warn)
		warn = &BlockError{Kind: ErrCorruptBlock, Index: b.Index, Err: warn}
	}
	return normalize(out, l.geom, cb.Height, l.order), warn, nil
}
