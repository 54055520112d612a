package geotiff

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/akhenakh/gtiffread/codec"
)

// BlockDescriptor locates one compressed strip or tile.
type BlockDescriptor struct {
	Index  int
	Offset uint64
	Size   uint64
	Col    int
	Row    int
	// Band is the 0-based plane for separate planar data, 0 otherwise.
	Band int
	// Available is false when the offset or byte count arrays are too short
	// to describe the block.
	Available bool
	// Sparse blocks have a zero offset and size and read as nodata.
	Sparse bool
}

var errUnavailable = errors.New("offset or byte count entry missing")

// check validates the byte range of b against a stream of srcSize bytes.
func (b BlockDescriptor) check(srcSize int64) error {
	if !b.Available {
		return &BlockError{Kind: ErrBlockLocation, Index: b.Index, Err: errUnavailable}
	}
	if b.Sparse {
		return nil
	}
	end := b.Offset + b.Size
	if end < b.Offset || end > math.MaxInt64 {
		return &BlockError{Kind: ErrBlockLocation, Index: b.Index,
			Err: fmt.Errorf("range %d+%d overflows", b.Offset, b.Size)}
	}
	if end > uint64(srcSize) {
		return &BlockError{Kind: ErrBlockLocation, Index: b.Index,
			Err: fmt.Errorf("range %d+%d past end of stream (%d bytes)", b.Offset, b.Size, srcSize)}
	}
	return nil
}

// locate builds the block table of dir. It returns the geometry actually
// used for reading, which differs from g when a single strip is chopped.
// warnings lists the recoveries applied.
func locate(dir *Directory, g Geometry, compression int, srcSize int64, o Options) (Geometry, []BlockDescriptor, []error, error) {
	offsetsTag, countsTag := StripOffsets, StripByteCounts
	if g.Tiled {
		offsetsTag, countsTag = TileOffsets, TileByteCounts
	}
	if !dir.has(offsetsTag) {
		return g, nil, nil, formatErrorf("missing or invalid tag: %s", offsetsTag)
	}
	offs := dir.uints(offsetsTag)

	var warnings []error
	n := g.BlockCount()
	var counts []uint64
	if dir.has(countsTag) {
		counts = dir.uints(countsTag)
	} else {
		counts = estimateCounts(g, offs, compression, srcSize)
		warnings = append(warnings, fmt.Errorf("%s missing, sizes derived from %s", countsTag, sizeOrigin(compression)))
	}

	if len(offs) < n || len(counts) < n {
		err := fmt.Errorf("%s/%s have %d/%d entries, %d blocks expected", offsetsTag, countsTag, len(offs), len(counts), n)
		if o.StrictBlockArrays {
			return g, nil, nil, fmt.Errorf("%w: %w", ErrBlockLocation, err)
		}
		warnings = append(warnings, err)
	}

	if rows, ok := chopRows(g, offs, counts, compression, o); ok {
		cg, cb := chop(g, offs, counts, rows)
		return cg, cb, warnings, nil
	}

	blocks := make([]BlockDescriptor, n)
	perPlane := g.BlocksPerPlane()
	across := g.BlocksAcross()
	for i := range blocks {
		b := BlockDescriptor{Index: i}
		within := i % perPlane
		b.Col, b.Row = within%across, within/across
		if g.Planar == PlanarSeparate {
			b.Band = i / perPlane
		}
		if i < len(offs) && i < len(counts) {
			b.Offset, b.Size = offs[i], counts[i]
			b.Available = true
			b.Sparse = b.Offset == 0 && b.Size == 0
		}
		blocks[i] = b
	}
	return g, blocks, warnings, nil
}

func sizeOrigin(compression int) string {
	if compression == codec.None {
		return "the raster geometry"
	}
	return "the following offsets"
}

// estimateCounts derives byte counts: uncompressed blocks from the geometry,
// compressed ones from the distance to the next block or the end of stream.
func estimateCounts(g Geometry, offs []uint64, compression int, srcSize int64) []uint64 {
	counts := make([]uint64, len(offs))
	if compression == codec.None {
		for i := range offs {
			counts[i] = uint64(g.blockRowBytes()) * uint64(g.blockRows(i))
		}
		return counts
	}
	sorted := append([]uint64(nil), offs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	for i, off := range offs {
		next := uint64(srcSize)
		j := sort.Search(len(sorted), func(k int) bool { return sorted[k] > off })
		if j < len(sorted) {
			next = sorted[j]
		}
		if next > off {
			counts[i] = next - off
		}
	}
	return counts
}

// chopRows decides whether a single uncompressed strip per plane is split
// into synthetic strips, and their height.
func chopRows(g Geometry, offs, counts []uint64, compression int, o Options) (int, bool) {
	if !o.StripChop || g.Tiled || compression != codec.None || g.BlocksDown() != 1 || g.Height < 2 {
		return 0, false
	}
	if len(offs) < g.planes() || len(counts) < g.planes() {
		return 0, false
	}
	rowBytes := g.blockRowBytes()
	if rowBytes <= 0 || int64(counts[0]) < o.StripChopBytes {
		return 0, false
	}
	rows := max(1, int(o.StripChopBytes/rowBytes))
	if rows >= g.Height {
		return 0, false
	}
	return rows, true
}

// chop rewrites one strip per plane into strips of rows lines.
func chop(g Geometry, offs, counts []uint64, rows int) (Geometry, []BlockDescriptor) {
	cg := g
	cg.BlockHeight = rows
	rowBytes := uint64(g.blockRowBytes())
	perPlane := cg.BlocksPerPlane()
	blocks := make([]BlockDescriptor, 0, cg.BlockCount())
	for p := 0; p < g.planes(); p++ {
		base, end := offs[p], offs[p]+counts[p]
		for s := 0; s < perPlane; s++ {
			off := base + uint64(s*rows)*rowBytes
			size := uint64(min(rows, g.Height-s*rows)) * rowBytes
			// a strip cut short by its declared count keeps the bytes it has
			if off+size > end {
				size = 0
				if end > off {
					size = end - off
				}
			}
			blocks = append(blocks, BlockDescriptor{
				Index:     p*perPlane + s,
				Offset:    off,
				Size:      size,
				Row:       s,
				Band:      p,
				Available: true,
			})
		}
	}
	return cg, blocks
}
