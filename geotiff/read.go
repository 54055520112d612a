package geotiff

import (
	"context"
	"fmt"
	"math"
	"slices"
)

// Window is a rectangle of raster pixels.
type Window struct {
	X, Y          int
	Width, Height int
}

func (w Window) String() string {
	return fmt.Sprintf("%dx%d+%d+%d", w.Width, w.Height, w.X, w.Y)
}

// Interleave orders the samples of a packed output buffer.
type Interleave int

const (
	// InterleaveBand stores each band as a whole image.
	InterleaveBand Interleave = iota
	// InterleavePixel stores the bands of a pixel next to each other.
	InterleavePixel
)

// ReadRequest describes a read. The zero value reads the whole raster, all
// bands, in the native type, band interleaved.
type ReadRequest struct {
	// Window defaults to the whole raster. Parts outside the raster read as
	// the band fill value.
	Window *Window
	// Width and Height of the output, defaulting to the window size.
	Width, Height int
	// Bands lists 1-based bands in output order; duplicates are allowed.
	Bands []int
	// DataType of the output, defaulting to the native type.
	DataType   DataType
	Resampling Resampling
	Interleave Interleave
	// Spacings in bytes between consecutive pixels, lines and bands. Zero
	// values are derived from Interleave. Bytes not addressed by any sample
	// are left untouched in Buffer.
	PixelSpacing, LineSpacing, BandSpacing int64
	// Buffer is written in place when large enough, allocated otherwise.
	Buffer []byte
}

// Buffer holds the result of a read in native byte order.
type Buffer struct {
	Data          []byte
	DataType      DataType
	Width, Height int
	Bands         []int

	PixelSpacing, LineSpacing, BandSpacing int64

	// Warnings lists the blocks that were zero filled in lenient mode.
	Warnings []error
}

func (b *Buffer) offset(i, x, y int) int64 {
	return int64(i)*b.BandSpacing + int64(y)*b.LineSpacing + int64(x)*b.PixelSpacing
}

// Value returns the sample of the i-th requested band (0-based position in
// Bands) at x, y. im is zero for real types.
func (b *Buffer) Value(i, x, y int) (re, im float64) {
	off := b.offset(i, x, y)
	return sampleValue(b.Data[off:off+int64(b.DataType.Size())], b.DataType)
}

// plan is a read resolved against the raster.
type plan struct {
	win   Window
	outW  int
	outH  int
	bands []int
	dt    DataType
	xtaps [][]tap
	ytaps [][]tap
}

func (ds *Dataset) plan(req ReadRequest) (plan, error) {
	g := ds.geom
	p := plan{win: Window{Width: g.Width, Height: g.Height}}
	if req.Window != nil {
		p.win = *req.Window
	}
	w := p.win
	if w.Width <= 0 || w.Height <= 0 {
		return p, boundsErrorf("empty window %s", w)
	}
	if w.X >= g.Width || w.Y >= g.Height || w.X+w.Width <= 0 || w.Y+w.Height <= 0 {
		return p, boundsErrorf("window %s entirely outside the %dx%d raster", w, g.Width, g.Height)
	}
	p.outW, p.outH = req.Width, req.Height
	if p.outW == 0 {
		p.outW = w.Width
	}
	if p.outH == 0 {
		p.outH = w.Height
	}
	if p.outW < 0 || p.outH < 0 {
		return p, boundsErrorf("invalid output size %dx%d", p.outW, p.outH)
	}
	p.bands = req.Bands
	if p.bands == nil {
		p.bands = make([]int, g.Bands)
		for i := range p.bands {
			p.bands[i] = i + 1
		}
	}
	if len(p.bands) == 0 {
		return p, boundsErrorf("no band requested")
	}
	for _, b := range p.bands {
		if b < 1 || b > g.Bands {
			return p, boundsErrorf("band %d out of range 1..%d", b, g.Bands)
		}
	}
	p.dt = req.DataType
	if p.dt == Unknown {
		p.dt = g.DataType
	}
	if p.dt.Size() == 0 {
		return p, unsupportedf("output type %s", p.dt)
	}
	if err := ds.checkPlanSize(req, p); err != nil {
		return p, err
	}
	r := req.Resampling
	if p.outW == w.Width && p.outH == w.Height {
		r = Nearest
	}
	p.xtaps = axisTaps(r, w.X, w.Width, p.outW)
	p.ytaps = axisTaps(r, w.Y, w.Height, p.outH)
	return p, nil
}

// checkPlanSize applies MaxBlockBytes to the output and to the resampling
// taps before either is allocated.
func (ds *Dataset) checkPlanSize(req ReadRequest, p plan) error {
	limit := ds.opts.MaxBlockBytes
	if limit <= 0 {
		return nil
	}
	if req.Buffer == nil {
		per := int64(p.dt.Size()) * int64(len(p.bands))
		if int64(p.outW) > limit/per || int64(p.outW)*int64(p.outH) > limit/per {
			return fmt.Errorf("%w: %dx%d output of %d bands exceeds %d bytes", ErrResourceLimit, p.outW, p.outH, len(p.bands), limit)
		}
	}
	// averaging taps every source position of the window
	taps := 2 * int64(p.outW+p.outH)
	if req.Resampling == Average {
		taps += int64(p.win.Width) + int64(p.win.Height)
	}
	if taps*tapBytes > limit {
		return fmt.Errorf("%w: resampling %s to %dx%d", ErrResourceLimit, p.win, p.outW, p.outH)
	}
	return nil
}

// buffer sizes the output and checks the spacings.
func (ds *Dataset) buffer(req ReadRequest, p plan) (*Buffer, error) {
	size := int64(p.dt.Size())
	n := int64(len(p.bands))
	b := &Buffer{
		DataType:     p.dt,
		Width:        p.outW,
		Height:       p.outH,
		Bands:        slices.Clone(p.bands),
		PixelSpacing: req.PixelSpacing,
		LineSpacing:  req.LineSpacing,
		BandSpacing:  req.BandSpacing,
	}
	if req.Interleave == InterleavePixel {
		if b.PixelSpacing == 0 {
			b.PixelSpacing = size * n
		}
		if b.LineSpacing == 0 {
			b.LineSpacing = b.PixelSpacing * int64(p.outW)
		}
		if b.BandSpacing == 0 {
			b.BandSpacing = size
		}
	} else {
		if b.PixelSpacing == 0 {
			b.PixelSpacing = size
		}
		if b.LineSpacing == 0 {
			b.LineSpacing = b.PixelSpacing * int64(p.outW)
		}
		if b.BandSpacing == 0 {
			b.BandSpacing = b.LineSpacing * int64(p.outH)
		}
	}
	if b.PixelSpacing < size || b.LineSpacing < 0 || b.BandSpacing < 0 {
		return nil, boundsErrorf("invalid spacings %d/%d/%d for %d-byte samples", b.PixelSpacing, b.LineSpacing, b.BandSpacing, size)
	}
	need := int64(p.outW-1)*b.PixelSpacing + int64(p.outH-1)*b.LineSpacing + (n-1)*b.BandSpacing + size
	if need < 0 || need > math.MaxInt {
		return nil, fmt.Errorf("%w: output of %d bytes", ErrResourceLimit, need)
	}
	if req.Buffer != nil {
		if int64(len(req.Buffer)) < need {
			return nil, boundsErrorf("buffer of %d bytes, %d needed", len(req.Buffer), need)
		}
		b.Data = req.Buffer
		return b, nil
	}
	if limit := ds.opts.MaxBlockBytes; limit > 0 && need > limit {
		return nil, fmt.Errorf("%w: output of %d bytes exceeds %d", ErrResourceLimit, need, limit)
	}
	b.Data = make([]byte, need)
	return b, nil
}

// neededBlocks lists the blocks holding the source positions of p.
func (ds *Dataset) neededBlocks(p plan) []int {
	g := ds.layout.geom
	cols := blockSpans(positions(p.xtaps, g.Width), g.BlockWidth)
	rows := blockSpans(positions(p.ytaps, g.Height), g.BlockHeight)
	planes := []int{0}
	if g.Planar == PlanarSeparate {
		planes = planes[:0]
		for _, b := range p.bands {
			if !slices.Contains(planes, b-1) {
				planes = append(planes, b-1)
			}
		}
	}
	var idxs []int
	for _, pl := range planes {
		for _, r := range rows {
			for _, c := range cols {
				idxs = append(idxs, g.blockIndex(pl, c, r))
			}
		}
	}
	return idxs
}

func blockSpans(pos []int, blockSize int) []int {
	var out []int
	for _, p := range pos {
		if b := p / blockSize; !slices.Contains(out, b) {
			out = append(out, b)
		}
	}
	slices.Sort(out)
	return out
}

// sampler reads single samples out of decoded blocks.
type sampler struct {
	g      Geometry
	blocks map[int][]byte
	size   int
}

// at returns the native bytes of band (0-based) at x, y, or false when the
// position is outside the raster or in a block without data.
func (s *sampler) at(band, x, y int) ([]byte, bool) {
	g := s.g
	if x < 0 || y < 0 || x >= g.Width || y >= g.Height {
		return nil, false
	}
	col, row := x/g.BlockWidth, y/g.BlockHeight
	plane, sample := 0, band
	if g.Planar == PlanarSeparate {
		plane, sample = band, 0
	}
	data := s.blocks[g.blockIndex(plane, col, row)]
	if data == nil {
		return nil, false
	}
	spp := g.samplesPerBlockPixel()
	off := (((y-row*g.BlockHeight)*g.BlockWidth+(x-col*g.BlockWidth))*spp + sample) * s.size
	if off+s.size > len(data) {
		return nil, false
	}
	return data[off : off+s.size], true
}

// Read assembles a window of the raster. All blocks are fetched and decoded
// before the buffer is written, in row-major order.
func (ds *Dataset) Read(ctx context.Context, req ReadRequest) (*Buffer, error) {
	p, err := ds.plan(req)
	if err != nil {
		return nil, err
	}
	buf, err := ds.buffer(req, p)
	if err != nil {
		return nil, err
	}
	blocks, warnings, err := ds.sched.blocks(ctx, ds.layout, ds.neededBlocks(p))
	if err != nil {
		return nil, err
	}
	buf.Warnings = warnings

	s := &sampler{g: ds.layout.geom, blocks: blocks, size: ds.geom.DataType.Size()}
	for i, band := range p.bands {
		ds.assemble(buf, i, ds.bands[band-1], s, p)
	}
	return buf, nil
}

// assemble writes the samples of one requested band.
func (ds *Dataset) assemble(buf *Buffer, i int, band *Band, s *sampler, p plan) {
	src := ds.geom.DataType
	out := buf.DataType
	size := out.Size()
	fill := make([]byte, size)
	putSample(fill, out, band.fill(), 0)
	b := band.index - 1
	direct := src == out && isPointTaps(p.xtaps) && isPointTaps(p.ytaps)

	nd, hasND := band.NoData()
	isND := func(re float64) bool {
		return hasND && (re == nd || math.IsNaN(nd) && math.IsNaN(re))
	}

	for oy, ty := range p.ytaps {
		for ox, tx := range p.xtaps {
			off := buf.offset(i, ox, oy)
			dst := buf.Data[off : off+int64(size)]
			if direct {
				if v, ok := s.at(b, tx[0].pos, ty[0].pos); ok {
					copy(dst, v)
				} else {
					copy(dst, fill)
				}
				continue
			}
			var sumRe, sumIm, sumW float64
			for _, y := range ty {
				for _, x := range tx {
					v, ok := s.at(b, x.pos, y.pos)
					if !ok {
						continue
					}
					re, im := sampleValue(v, src)
					if isND(re) {
						continue
					}
					w := x.w * y.w
					sumRe += re * w
					sumIm += im * w
					sumW += w
				}
			}
			if sumW == 0 {
				copy(dst, fill)
				continue
			}
			putSample(dst, out, sumRe/sumW, sumIm/sumW)
		}
	}
}

func isPointTaps(taps [][]tap) bool {
	for _, t := range taps {
		if len(t) != 1 {
			return false
		}
	}
	return true
}

// ReadBlock returns the decoded samples of one block in native byte order:
// all bands interleaved for pixel interleaved files, band alone otherwise.
// Blocks without data are filled with the band fill value.
func (ds *Dataset) ReadBlock(ctx context.Context, band, col, row int) ([]byte, error) {
	g := ds.layout.geom
	if band < 1 || band > g.Bands {
		return nil, boundsErrorf("band %d out of range 1..%d", band, g.Bands)
	}
	if col < 0 || col >= g.BlocksAcross() || row < 0 || row >= g.BlocksDown() {
		return nil, boundsErrorf("block %d,%d outside the %dx%d block grid", col, row, g.BlocksAcross(), g.BlocksDown())
	}
	plane := 0
	if g.Planar == PlanarSeparate {
		plane = band - 1
	}
	idx := g.blockIndex(plane, col, row)
	if idx >= len(ds.layout.blocks) {
		return nil, &BlockError{Kind: ErrBlockLocation, Index: idx, Err: errUnavailable}
	}
	data, warnings, err := ds.sched.block(ctx, ds.layout, idx)
	if err != nil {
		return nil, err
	}
	for _, w := range warnings {
		ds.log.Warn("block read with errors", "block", idx, "error", w)
	}
	ds.sched.prefetchNeighbors(ds.layout, idx)
	if data != nil {
		return data, nil
	}

	spp := g.samplesPerBlockPixel()
	size := g.DataType.Size()
	out := make([]byte, g.BlockWidth*g.blockRows(idx)*spp*size)
	for s := 0; s < spp; s++ {
		b := ds.bands[plane+s]
		fill := make([]byte, size)
		putSample(fill, g.DataType, b.fill(), 0)
		for off := s * size; off < len(out); off += spp * size {
			copy(out[off:], fill)
		}
	}
	return out, nil
}
