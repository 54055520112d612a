package geotiff

import (
	"encoding/binary"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akhenakh/gtiffread/codec"
	"github.com/akhenakh/gtiffread/internal/tifftest"
	"github.com/akhenakh/gtiffread/source"
)

// pixel is the reference value of the synthetic rasters.
func pixel(x, y, b int) byte {
	return byte((x*3 + y*5 + b*7) % 251)
}

// chunky returns the pixel interleaved samples of a w x h raster.
func chunky(w, h, bands int) []byte {
	pix := make([]byte, 0, w*h*bands)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			for b := 0; b < bands; b++ {
				pix = append(pix, pixel(x, y, b))
			}
		}
	}
	return pix
}

func testOptions() Options {
	o := DefaultOptions()
	o.Logger = slog.New(slog.DiscardHandler)
	return o
}

func tiffBytes(ifds ...*tifftest.IFD) []byte {
	f := tifftest.File{Order: binary.LittleEndian, IFDs: ifds}
	return f.Bytes()
}

func memSource(data []byte) source.Source {
	return source.NewMemory("test.tif", data)
}

func openTIFF(t *testing.T, data []byte, o Options) *Dataset {
	t.Helper()
	ds, err := OpenSource(t.Context(), memSource(data), o)
	require.NoError(t, err)
	t.Cleanup(func() { ds.Close() })
	return ds
}

func TestMinimalFile(t *testing.T) {
	// width, length and the strip arrays only: everything else defaults
	ifd := &tifftest.IFD{
		Fields: []tifftest.Field{
			tifftest.L(tifftest.TagImageWidth, 1),
			tifftest.L(tifftest.TagImageLength, 1),
		},
		Blocks:     [][]byte{{0x80}},
		OffsetsTag: tifftest.TagStripOffsets,
		CountsTag:  tifftest.TagStripByteCounts,
	}
	ds := openTIFF(t, tiffBytes(ifd), testOptions())

	assert.Equal(t, 1, ds.Width())
	assert.Equal(t, 1, ds.Height())
	assert.Equal(t, 1, ds.BandCount())
	assert.Equal(t, 1, ds.Geometry().BlockCount())
	assert.Equal(t, Byte, ds.Geometry().DataType)
	assert.Equal(t, codec.None, ds.Compression())
	assert.False(t, ds.BigTIFF())

	b, err := ds.Band(1)
	require.NoError(t, err)
	nbits, ok := b.Metadata().Get(DomainImageStructure, "NBITS")
	assert.True(t, ok)
	assert.Equal(t, "1", nbits)

	buf, err := ds.Read(t.Context(), ReadRequest{})
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, buf.Data)

	_, ok = ds.BlockInfo(1, 0, 0)
	assert.True(t, ok)
	_, ok = ds.BlockInfo(1, 0, 1)
	assert.False(t, ok)
}

func TestHeaderErrors(t *testing.T) {
	testCases := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, ErrFormat},
		{"short", []byte("II*\x00"), ErrFormat},
		{"bad byte order", []byte("XX*\x00\x08\x00\x00\x00"), ErrFormat},
		{"bad identifier", []byte("II\x2b\x01\x08\x00\x00\x00"), ErrFormat},
		{"no directory", []byte("II*\x00\x00\x00\x00\x00"), ErrFormat},
		{"directory past end", []byte("II*\x00\xff\x00\x00\x00"), ErrFormat},
		{"bad bigtiff bytesize", []byte("II+\x00\x04\x00\x00\x00\x10\x00\x00\x00\x00\x00\x00\x00"), ErrFormat},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := OpenSource(t.Context(), source.NewMemory("bad.tif", tc.data), testOptions())
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestMissingDimensions(t *testing.T) {
	ifd := &tifftest.IFD{
		Fields:     []tifftest.Field{tifftest.L(tifftest.TagImageWidth, 4)},
		Blocks:     [][]byte{make([]byte, 4)},
		OffsetsTag: tifftest.TagStripOffsets,
		CountsTag:  tifftest.TagStripByteCounts,
	}
	_, err := OpenSource(t.Context(), source.NewMemory("bad.tif", tiffBytes(ifd)), testOptions())
	require.ErrorIs(t, err, ErrFormat)
	assert.Contains(t, err.Error(), "ImageWidth/ImageLength")
}

func TestUnknownCodec(t *testing.T) {
	ifd := &tifftest.IFD{
		Fields: []tifftest.Field{
			tifftest.L(tifftest.TagImageWidth, 2),
			tifftest.L(tifftest.TagImageLength, 2),
			tifftest.S(tifftest.TagBitsPerSample, 8),
			tifftest.S(tifftest.TagCompression, 44510),
		},
		Blocks:     [][]byte{{1, 2, 3, 4}},
		OffsetsTag: tifftest.TagStripOffsets,
		CountsTag:  tifftest.TagStripByteCounts,
	}
	_, err := OpenSource(t.Context(), source.NewMemory("odd.tif", tiffBytes(ifd)), testOptions())
	require.ErrorIs(t, err, ErrUnsupported)
	assert.Contains(t, err.Error(), "missing codec of code 44510")
}

func TestUnsupportedSamples(t *testing.T) {
	testCases := []struct {
		name   string
		fields []tifftest.Field
	}{
		{"12 bit", []tifftest.Field{tifftest.S(tifftest.TagBitsPerSample, 12)}},
		{"mixed depths", []tifftest.Field{
			tifftest.S(tifftest.TagSamplesPerPixel, 2),
			tifftest.S(tifftest.TagBitsPerSample, 8, 16),
		}},
		{"float 16", []tifftest.Field{
			tifftest.S(tifftest.TagBitsPerSample, 16),
			tifftest.S(tifftest.TagSampleFormat, 3),
		}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ifd := &tifftest.IFD{
				Fields: append([]tifftest.Field{
					tifftest.L(tifftest.TagImageWidth, 2),
					tifftest.L(tifftest.TagImageLength, 2),
				}, tc.fields...),
				Blocks:     [][]byte{make([]byte, 16)},
				OffsetsTag: tifftest.TagStripOffsets,
				CountsTag:  tifftest.TagStripByteCounts,
			}
			_, err := OpenSource(t.Context(), source.NewMemory("odd.tif", tiffBytes(ifd)), testOptions())
			assert.ErrorIs(t, err, ErrUnsupported)
		})
	}
}

func TestDirectoryLoop(t *testing.T) {
	im := tifftest.Image{Width: 4, Height: 4, Pix: chunky(4, 4, 1)}
	f := tifftest.File{IFDs: []*tifftest.IFD{im.IFD(nil)}, Loop: true}
	ds := openTIFF(t, f.Bytes(), testOptions())

	require.Error(t, ds.Warnings())
	assert.Contains(t, ds.Warnings().Error(), "directory loop")

	buf, err := ds.Read(t.Context(), ReadRequest{})
	require.NoError(t, err)
	assert.Equal(t, chunky(4, 4, 1), buf.Data)
}

func TestDirectorySelection(t *testing.T) {
	first := tifftest.Image{Width: 4, Height: 4, Pix: chunky(4, 4, 1)}
	second := tifftest.Image{Width: 2, Height: 3, Pix: chunky(2, 3, 1)}
	data := tiffBytes(first.IFD(nil), second.IFD(nil))

	o := testOptions()
	o.Directory = 2
	ds := openTIFF(t, data, o)
	assert.Equal(t, 2, ds.Width())
	assert.Equal(t, 3, ds.Height())
	assert.Equal(t, 2, ds.Directory().Index)

	o.Directory = 3
	_, err := OpenSource(t.Context(), source.NewMemory("test.tif", data), o)
	assert.ErrorIs(t, err, ErrFormat)
}

func TestBigTIFF(t *testing.T) {
	const w, h = 6, 5
	pix := make([]byte, 0, w*h*2)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			pix = binary.BigEndian.AppendUint16(pix, uint16(1000+x*10+y))
		}
	}
	im := tifftest.Image{Width: w, Height: h, TileWidth: 16, TileHeight: 16, BitsPerSample: 16, Compression: codec.Deflate, Pix: pix}
	f := tifftest.File{Order: binary.BigEndian, Big: true, IFDs: []*tifftest.IFD{im.IFD(binary.BigEndian)}}
	ds := openTIFF(t, f.Bytes(), testOptions())

	assert.True(t, ds.BigTIFF())
	assert.Equal(t, binary.BigEndian, ds.ByteOrder())
	assert.Equal(t, UInt16, ds.Geometry().DataType)

	buf, err := ds.Read(t.Context(), ReadRequest{})
	require.NoError(t, err)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v, _ := buf.Value(0, x, y)
			assert.Equal(t, float64(1000+x*10+y), v, "pixel %d,%d", x, y)
		}
	}
}

func TestUnknownTagsKept(t *testing.T) {
	im := tifftest.Image{Width: 2, Height: 2, Pix: chunky(2, 2, 1), Fields: []tifftest.Field{
		tifftest.A(65000, "private"),
	}}
	ds := openTIFF(t, tiffBytes(im.IFD(nil)), testOptions())

	assert.Contains(t, ds.Directory().Tags(), Tag(65000))
	e, ok := ds.Directory().Entry(65000)
	require.True(t, ok)
	assert.Equal(t, "private", e.String())
	assert.Equal(t, "65000", Tag(65000).String())
	assert.Equal(t, "ImageWidth", ImageWidth.String())
}

func TestOverviews(t *testing.T) {
	full := tifftest.Image{Width: 64, Height: 64, TileWidth: 16, TileHeight: 16, Compression: codec.LZW, Pix: chunky(64, 64, 1),
		Fields: []tifftest.Field{
			tifftest.D(uint16(ModelTiepoint), 0, 0, 0, 0, 64, 0),
			tifftest.D(uint16(ModelPixelScale), 1, 1, 0),
		}}
	half := tifftest.Image{Width: 32, Height: 32, TileWidth: 16, TileHeight: 16, Compression: codec.LZW, Pix: chunky(32, 32, 1),
		Fields: []tifftest.Field{tifftest.L(uint16(NewSubfileType), subfileReducedImage)}}
	mask := tifftest.Image{Width: 32, Height: 32, Pix: make([]byte, 32*32),
		Fields: []tifftest.Field{tifftest.L(uint16(NewSubfileType), subfileReducedImage|subfileMask)}}
	ds := openTIFF(t, tiffBytes(full.IFD(nil), half.IFD(nil), mask.IFD(nil)), testOptions())

	require.Equal(t, 1, ds.OverviewCount())
	ov, err := ds.Overview(0)
	require.NoError(t, err)
	assert.Equal(t, 32, ov.Width())
	assert.Equal(t, [6]float64{0, 2, 0, 64, 0, -2}, ov.GeoTransform().Coeffs)
	assert.True(t, ov.GeoTransform().Valid())

	buf, err := ov.Read(t.Context(), ReadRequest{Window: &Window{X: 20, Y: 3, Width: 5, Height: 5}})
	require.NoError(t, err)
	v, _ := buf.Value(0, 2, 4)
	assert.Equal(t, float64(pixel(22, 7, 0)), v)

	_, err = ds.Overview(1)
	assert.ErrorIs(t, err, ErrBlockLocation)
	assert.NoError(t, ov.Close())

	// the overview shares the parent's reader until the parent closes
	_, err = ov.ReadBlock(t.Context(), 1, 1, 1)
	assert.NoError(t, err)
}

func TestBlockInfo(t *testing.T) {
	im := tifftest.Image{Width: 40, Height: 20, TileWidth: 16, TileHeight: 16, Bands: 2, Planar: 2, Pix: chunky(40, 20, 2)}
	ds := openTIFF(t, tiffBytes(im.IFD(nil)), testOptions())

	b, ok := ds.BlockInfo(2, 1, 0)
	require.True(t, ok)
	assert.Equal(t, 1, b.Col)
	assert.Equal(t, 0, b.Row)
	assert.Equal(t, 1, b.Band)
	assert.Equal(t, 3*2+1, b.Index)
	assert.EqualValues(t, 16*16, b.Size)
	assert.NotZero(t, b.Offset)

	_, ok = ds.BlockInfo(3, 0, 0)
	assert.False(t, ok)
	_, ok = ds.BlockInfo(1, 3, 0)
	assert.False(t, ok)
}

func TestOpenThroughFS(t *testing.T) {
	mem := source.NewMemFS()
	im := tifftest.Image{Width: 3, Height: 3, Pix: chunky(3, 3, 1)}
	mem.Put("/vsimem/a.tif", tiffBytes(im.IFD(nil)))

	o := testOptions()
	o.FS = mem
	ds, err := Open(t.Context(), "/vsimem/a.tif", o)
	require.NoError(t, err)
	defer ds.Close()
	assert.Equal(t, "/vsimem/a.tif", ds.Name())
	assert.Equal(t, []string{"/vsimem/a.tif"}, ds.FileList())

	_, err = Open(t.Context(), "/vsimem/missing.tif", o)
	require.ErrorIs(t, err, ErrFetch)
	assert.ErrorIs(t, err, source.ErrNotExist)
}

func TestCloseTwice(t *testing.T) {
	im := tifftest.Image{Width: 3, Height: 3, Pix: chunky(3, 3, 1)}
	ds, err := OpenSource(t.Context(), source.NewMemory("a.tif", tiffBytes(im.IFD(nil))), testOptions())
	require.NoError(t, err)
	_, err = ds.ReadBlock(t.Context(), 1, 0, 0)
	require.NoError(t, err)
	assert.NoError(t, ds.Close())
	assert.NoError(t, ds.Close())
}
