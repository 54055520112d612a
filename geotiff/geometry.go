package geotiff

import (
	"encoding/binary"
	"fmt"
	"math"
)

// DataType is the in-memory sample type delivered by reads.
type DataType int

const (
	Unknown DataType = iota
	Byte
	Int8
	UInt16
	Int16
	UInt32
	Int32
	UInt64
	Int64
	Float32
	Float64
	CInt16
	CInt32
	CFloat32
	CFloat64
)

var dataTypeNames = [...]string{"Unknown", "Byte", "Int8", "UInt16", "Int16", "UInt32", "Int32",
	"UInt64", "Int64", "Float32", "Float64", "CInt16", "CInt32", "CFloat32", "CFloat64"}

func (d DataType) String() string {
	if d >= 0 && int(d) < len(dataTypeNames) {
		return dataTypeNames[d]
	}
	return fmt.Sprintf("DataType(%d)", int(d))
}

// Size is the byte length of one sample, both components for complex types.
func (d DataType) Size() int {
	switch d {
	case Byte, Int8:
		return 1
	case UInt16, Int16:
		return 2
	case UInt32, Int32, Float32, CInt16:
		return 4
	case UInt64, Int64, Float64, CInt32, CFloat32:
		return 8
	case CFloat64:
		return 16
	}
	return 0
}

func (d DataType) IsComplex() bool { return d >= CInt16 }

func (d DataType) IsFloat() bool {
	return d == Float32 || d == Float64 || d == CFloat32 || d == CFloat64
}

// componentSize is the byte length of one real or imaginary part.
func (d DataType) componentSize() int {
	if d.IsComplex() {
		return d.Size() / 2
	}
	return d.Size()
}

// Sample formats.
const (
	sampleFormatUint         = 1
	sampleFormatInt          = 2
	sampleFormatFloat        = 3
	sampleFormatVoid         = 4
	sampleFormatComplexInt   = 5
	sampleFormatComplexFloat = 6
)

// dataTypeFor maps a sample format and depth to a DataType.
func dataTypeFor(sampleFormat, bits int) (DataType, error) {
	switch sampleFormat {
	case sampleFormatUint, sampleFormatVoid:
		switch bits {
		case 1, 2, 4, 8:
			return Byte, nil
		case 16:
			return UInt16, nil
		case 32:
			return UInt32, nil
		case 64:
			return UInt64, nil
		}
	case sampleFormatInt:
		switch bits {
		case 8:
			return Int8, nil
		case 16:
			return Int16, nil
		case 32:
			return Int32, nil
		case 64:
			return Int64, nil
		}
	case sampleFormatFloat:
		switch bits {
		case 32:
			return Float32, nil
		case 64:
			return Float64, nil
		}
	case sampleFormatComplexInt:
		switch bits {
		case 32:
			return CInt16, nil
		case 64:
			return CInt32, nil
		}
	case sampleFormatComplexFloat:
		switch bits {
		case 64:
			return CFloat32, nil
		case 128:
			return CFloat64, nil
		}
	default:
		return Unknown, unsupportedf("sample format %d", sampleFormat)
	}
	return Unknown, unsupportedf("%d-bit samples with sample format %d", bits, sampleFormat)
}

// Planar configurations.
const (
	PlanarChunky   = 1
	PlanarSeparate = 2
)

// Geometry is the raster and block layout of one directory.
type Geometry struct {
	Width, Height           int
	BlockWidth, BlockHeight int
	Bands                   int
	BitsPerSample           int
	SampleFormat            int
	Planar                  int
	Tiled                   bool
	DataType                DataType
}

func (g Geometry) BlocksAcross() int { return ceilDiv(g.Width, g.BlockWidth) }
func (g Geometry) BlocksDown() int   { return ceilDiv(g.Height, g.BlockHeight) }

// BlocksPerPlane is the block count of one band plane, or of the whole
// raster for chunky data.
func (g Geometry) BlocksPerPlane() int { return g.BlocksAcross() * g.BlocksDown() }

func (g Geometry) planes() int {
	if g.Planar == PlanarSeparate {
		return g.Bands
	}
	return 1
}

// BlockCount is the number of strips or tiles in the directory.
func (g Geometry) BlockCount() int { return g.BlocksPerPlane() * g.planes() }

// samplesPerBlockPixel is the interleaved sample count inside one block.
func (g Geometry) samplesPerBlockPixel() int {
	if g.Planar == PlanarSeparate {
		return 1
	}
	return g.Bands
}

// blockIndex returns the block holding column col, row row of the 0-based band.
func (g Geometry) blockIndex(band, col, row int) int {
	idx := row*g.BlocksAcross() + col
	if g.Planar == PlanarSeparate {
		idx += band * g.BlocksPerPlane()
	}
	return idx
}

// blockRows is the number of encoded rows of a block: strips at the bottom
// edge are short, tiles never are.
func (g Geometry) blockRows(index int) int {
	if g.Tiled {
		return g.BlockHeight
	}
	row := (index % g.BlocksPerPlane()) / g.BlocksAcross()
	return min(g.BlockHeight, g.Height-row*g.BlockHeight)
}

// blockRowBytes is the packed row length of a block in the file.
func (g Geometry) blockRowBytes() int64 {
	return (int64(g.BlockWidth)*int64(g.samplesPerBlockPixel())*int64(g.BitsPerSample) + 7) / 8
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

// normalize converts decoded file samples to one DataType sample per value in
// native byte order: sub-byte samples are unpacked, multi-byte samples swapped.
func normalize(buf []byte, g Geometry, rows int, order binary.ByteOrder) []byte {
	if g.BitsPerSample < 8 {
		return unpackBits(buf, g, rows)
	}
	if isNative(order) || g.DataType.componentSize() == 1 {
		return buf
	}
	swapBytes(buf, g.DataType.componentSize())
	return buf
}

// unpackBits expands 1, 2 or 4 bit samples, MSB first, to one byte each.
func unpackBits(buf []byte, g Geometry, rows int) []byte {
	bits := g.BitsPerSample
	perRow := g.BlockWidth * g.samplesPerBlockPixel()
	rowBytes := int(g.blockRowBytes())
	out := make([]byte, perRow*rows)
	mask := byte(1<<bits - 1)
	for y := 0; y < rows; y++ {
		src := buf[y*rowBytes:]
		dst := out[y*perRow : (y+1)*perRow]
		for i := range dst {
			bit := i * bits
			shift := 8 - bits - bit%8
			dst[i] = (src[bit/8] >> shift) & mask
		}
	}
	return out
}

func swapBytes(buf []byte, size int) {
	switch size {
	case 2:
		for i := 0; i+1 < len(buf); i += 2 {
			buf[i], buf[i+1] = buf[i+1], buf[i]
		}
	case 4:
		for i := 0; i+3 < len(buf); i += 4 {
			buf[i], buf[i+1], buf[i+2], buf[i+3] = buf[i+3], buf[i+2], buf[i+1], buf[i]
		}
	case 8:
		for i := 0; i+7 < len(buf); i += 8 {
			for j := 0; j < 4; j++ {
				buf[i+j], buf[i+7-j] = buf[i+7-j], buf[i+j]
			}
		}
	}
}

var native = binary.NativeEndian

func isNative(order binary.ByteOrder) bool {
	probe := []byte{1, 0}
	return order.Uint16(probe) == native.Uint16(probe)
}

// sampleValue decodes one native sample as float64 parts.
func sampleValue(b []byte, dt DataType) (re, im float64) {
	switch dt {
	case Byte:
		return float64(b[0]), 0
	case Int8:
		return float64(int8(b[0])), 0
	case UInt16:
		return float64(native.Uint16(b)), 0
	case Int16:
		return float64(int16(native.Uint16(b))), 0
	case UInt32:
		return float64(native.Uint32(b)), 0
	case Int32:
		return float64(int32(native.Uint32(b))), 0
	case UInt64:
		return float64(native.Uint64(b)), 0
	case Int64:
		return float64(int64(native.Uint64(b))), 0
	case Float32:
		return float64(math.Float32frombits(native.Uint32(b))), 0
	case Float64:
		return math.Float64frombits(native.Uint64(b)), 0
	case CInt16:
		return float64(int16(native.Uint16(b))), float64(int16(native.Uint16(b[2:])))
	case CInt32:
		return float64(int32(native.Uint32(b))), float64(int32(native.Uint32(b[4:])))
	case CFloat32:
		return float64(math.Float32frombits(native.Uint32(b))), float64(math.Float32frombits(native.Uint32(b[4:])))
	case CFloat64:
		return math.Float64frombits(native.Uint64(b)), math.Float64frombits(native.Uint64(b[8:]))
	}
	return 0, 0
}

// putSample encodes float64 parts into one native sample, rounding and
// clamping for integer types.
func putSample(b []byte, dt DataType, re, im float64) {
	switch dt {
	case Byte:
		b[0] = byte(clampRound(re, 0, math.MaxUint8))
	case Int8:
		b[0] = byte(int8(clampRound(re, math.MinInt8, math.MaxInt8)))
	case UInt16:
		native.PutUint16(b, uint16(clampRound(re, 0, math.MaxUint16)))
	case Int16:
		native.PutUint16(b, uint16(int16(clampRound(re, math.MinInt16, math.MaxInt16))))
	case UInt32:
		native.PutUint32(b, uint32(clampRound(re, 0, math.MaxUint32)))
	case Int32:
		native.PutUint32(b, uint32(int32(clampRound(re, math.MinInt32, math.MaxInt32))))
	case UInt64:
		native.PutUint64(b, uint64(clampRound(re, 0, maxUint64Float)))
	case Int64:
		native.PutUint64(b, uint64(int64(clampRound(re, math.MinInt64, maxInt64Float))))
	case Float32:
		native.PutUint32(b, math.Float32bits(float32(re)))
	case Float64:
		native.PutUint64(b, math.Float64bits(re))
	case CInt16:
		native.PutUint16(b, uint16(int16(clampRound(re, math.MinInt16, math.MaxInt16))))
		native.PutUint16(b[2:], uint16(int16(clampRound(im, math.MinInt16, math.MaxInt16))))
	case CInt32:
		native.PutUint32(b, uint32(int32(clampRound(re, math.MinInt32, math.MaxInt32))))
		native.PutUint32(b[4:], uint32(int32(clampRound(im, math.MinInt32, math.MaxInt32))))
	case CFloat32:
		native.PutUint32(b, math.Float32bits(float32(re)))
		native.PutUint32(b[4:], math.Float32bits(float32(im)))
	case CFloat64:
		native.PutUint64(b, math.Float64bits(re))
		native.PutUint64(b[8:], math.Float64bits(im))
	}
}

// largest float64 values below 2^64 and 2^63
const (
	maxUint64Float = 18446744073709549568.0
	maxInt64Float  = 9223372036854774784.0
)

func clampRound(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	v = math.Round(v)
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
