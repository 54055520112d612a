package codec

import (
	"bytes"
	"compress/lzw"
	"encoding/binary"
	"encoding/hex"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akhenakh/gtiffread/internal/tifftest"
)

func gradient(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i/7 + i%3)
	}
	return b
}

func TestLosslessRoundTrip(t *testing.T) {
	blk := Block{Width: 64, Height: 48, SamplesPerPixel: 3, BitsPerSample: 8, ByteOrder: binary.LittleEndian}
	raw := gradient(int(blk.Size()))

	testCases := []struct {
		name string
		code int
	}{
		{"none", None},
		{"lzw", LZW},
		{"deflate", Deflate},
		{"adobe deflate", AdobeZIP},
		{"packbits", PackBits},
		{"zstd", ZSTD},
	}
	reg := DefaultRegistry()
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			enc := tifftest.Compress(tc.code, append([]byte(nil), raw...))
			out, warn, err := reg.Decode(tc.code, enc, blk, Policy{})
			require.NoError(t, err)
			assert.NoError(t, warn)
			assert.Equal(t, raw, out)
		})
	}
}

func TestLZWLongInput(t *testing.T) {
	// enough distinct sequences to fill the table and force clear codes
	raw := make([]byte, 200_000)
	x := uint32(1)
	for i := range raw {
		x = x*1664525 + 1013904223
		raw[i] = byte(x >> 24)
	}
	blk := Block{Width: 1000, Height: 200, SamplesPerPixel: 1, BitsPerSample: 8}
	out, _, err := DefaultRegistry().Decode(LZW, tifftest.LZW(raw), blk, Policy{})
	require.NoError(t, err)
	assert.Equal(t, raw, out)
}

func TestOldStyleLZW(t *testing.T) {
	raw := gradient(500)
	var buf bytes.Buffer
	w := lzw.NewWriter(&buf, lzw.LSB, 8)
	w.Write(raw)
	w.Close()
	enc := buf.Bytes()
	require.Equal(t, byte(0), enc[0])
	require.Equal(t, byte(1), enc[1]&1)

	blk := Block{Width: 500, Height: 1, SamplesPerPixel: 1, BitsPerSample: 8}
	out, _, err := DefaultRegistry().Decode(LZW, enc, blk, Policy{})
	require.NoError(t, err)
	assert.Equal(t, raw, out)
}

func TestPackBitsReference(t *testing.T) {
	src, _ := hex.DecodeString("FEAA0280002AFDAA0380002A22F7AA")
	want, _ := hex.DecodeString("AAAAAA80002AAAAAAAAA80002A22AAAAAAAAAAAAAAAAAAAA")
	blk := Block{Width: len(want), Height: 1, SamplesPerPixel: 1, BitsPerSample: 8}
	out, _, err := DefaultRegistry().Decode(PackBits, src, blk, Policy{})
	require.NoError(t, err)
	assert.Equal(t, want, out)
}

func TestUnsupportedCodec(t *testing.T) {
	reg := DefaultRegistry()

	_, err := reg.Lookup(44510)
	var uerr *UnsupportedCodecError
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, 44510, uerr.Code)
	assert.Equal(t, "missing codec of code 44510", err.Error())

	_, err = reg.Lookup(LERC)
	require.ErrorAs(t, err, &uerr)
	assert.Contains(t, err.Error(), "LERC")

	_, _, err = reg.Decode(JXL, nil, Block{Width: 1, Height: 1, SamplesPerPixel: 1, BitsPerSample: 8}, Policy{})
	assert.ErrorAs(t, err, &uerr)

	assert.Contains(t, reg.Codes(), LZW)
	assert.Equal(t, "ZSTD", Name(ZSTD))
	assert.Equal(t, "", Name(44510))
}

func TestDecodePolicy(t *testing.T) {
	blk := Block{Width: 10, Height: 10, SamplesPerPixel: 1, BitsPerSample: 8}
	reg := DefaultRegistry()

	t.Run("short uncompressed block is corrupt", func(t *testing.T) {
		_, _, err := reg.Decode(None, make([]byte, 50), blk, Policy{})
		assert.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("lenient pads with zeros", func(t *testing.T) {
		src := bytes.Repeat([]byte{9}, 50)
		out, warn, err := reg.Decode(None, src, blk, Policy{Lenient: true})
		require.NoError(t, err)
		assert.ErrorIs(t, warn, ErrCorrupt)
		require.Len(t, out, 100)
		assert.Equal(t, src, out[:50])
		assert.Equal(t, make([]byte, 50), out[50:])
	})

	t.Run("garbage deflate", func(t *testing.T) {
		_, _, err := reg.Decode(Deflate, []byte("definitely not deflate"), blk, Policy{})
		assert.ErrorIs(t, err, ErrCorrupt)

		out, warn, err := reg.Decode(Deflate, []byte("definitely not deflate"), blk, Policy{Lenient: true})
		require.NoError(t, err)
		assert.Error(t, warn)
		assert.Len(t, out, 100)
	})

	t.Run("truncated lzw", func(t *testing.T) {
		enc := tifftest.LZW(gradient(100))
		_, _, err := reg.Decode(LZW, enc[:len(enc)/2], blk, Policy{})
		assert.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("ceiling", func(t *testing.T) {
		_, _, err := reg.Decode(None, make([]byte, 100), blk, Policy{MaxBytes: 99})
		assert.ErrorIs(t, err, ErrResourceLimit)
	})
}

func TestHorizontalPredictor(t *testing.T) {
	reg := DefaultRegistry()

	t.Run("8 bit two samples", func(t *testing.T) {
		blk := Block{Width: 3, Height: 1, SamplesPerPixel: 2, BitsPerSample: 8, Predictor: PredictorHorizontal}
		enc := []byte{10, 20, 1, 2, 1, 2}
		out, _, err := reg.Decode(None, enc, blk, Policy{})
		require.NoError(t, err)
		assert.Equal(t, []byte{10, 20, 11, 22, 12, 24}, out)
	})

	t.Run("16 bit big endian", func(t *testing.T) {
		blk := Block{Width: 3, Height: 2, SamplesPerPixel: 1, BitsPerSample: 16, Predictor: PredictorHorizontal, ByteOrder: binary.BigEndian}
		enc := []byte{
			0x01, 0x00, 0x00, 0x01, 0xFF, 0xFF,
			0x00, 0x05, 0x00, 0x05, 0x00, 0x05,
		}
		out, _, err := reg.Decode(None, enc, blk, Policy{})
		require.NoError(t, err)
		assert.Equal(t, []byte{
			0x01, 0x00, 0x01, 0x01, 0x01, 0x00,
			0x00, 0x05, 0x00, 0x0A, 0x00, 0x0F,
		}, out)
	})

	t.Run("lenient truncated block", func(t *testing.T) {
		blk := Block{Width: 4, Height: 2, SamplesPerPixel: 1, BitsPerSample: 8, Predictor: PredictorHorizontal}
		testCases := []struct {
			name string
			code int
			src  []byte
		}{
			{"none", None, []byte{10, 1, 1, 1, 20}},
			{"lzw", LZW, tifftest.LZW([]byte{10, 1, 1, 1, 20})},
		}
		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				out, warn, err := reg.Decode(tc.code, tc.src, blk, Policy{Lenient: true})
				require.NoError(t, err)
				assert.ErrorIs(t, warn, ErrCorrupt)
				assert.Equal(t, []byte{10, 11, 12, 13, 20, 20, 20, 20}, out)
			})
		}
	})

	t.Run("unsupported depth", func(t *testing.T) {
		blk := Block{Width: 8, Height: 1, SamplesPerPixel: 1, BitsPerSample: 4, Predictor: PredictorHorizontal}
		_, _, err := reg.Decode(None, make([]byte, 4), blk, Policy{})
		assert.Error(t, err)
	})
}

// encodeFloatPredictor applies predictor 3 to little endian float32 rows.
func encodeFloatPredictor(vals []float32, width, spp int) []byte {
	const bps = 4
	rowSamples := width * spp
	out := make([]byte, 0, len(vals)*bps)
	for r := 0; r < len(vals); r += rowSamples {
		row := vals[r : r+rowSamples]
		planes := make([]byte, rowSamples*bps)
		for s, v := range row {
			le := binary.LittleEndian.AppendUint32(nil, math.Float32bits(v))
			for k := 0; k < bps; k++ {
				planes[k*rowSamples+s] = le[bps-1-k]
			}
		}
		for i := len(planes) - 1; i >= spp; i-- {
			planes[i] -= planes[i-spp]
		}
		out = append(out, planes...)
	}
	return out
}

func TestFloatingPointPredictor(t *testing.T) {
	vals := []float32{1.5, -2.25, 1000, 3.14159, 0, 7, 8, 9.5}
	blk := Block{Width: 4, Height: 2, SamplesPerPixel: 1, BitsPerSample: 32, SampleFormat: 3,
		Predictor: PredictorFloatingPoint, ByteOrder: binary.LittleEndian}

	enc := tifftest.Deflate(encodeFloatPredictor(vals, 4, 1))
	out, _, err := DefaultRegistry().Decode(Deflate, enc, blk, Policy{})
	require.NoError(t, err)
	for i, v := range vals {
		got := math.Float32frombits(binary.LittleEndian.Uint32(out[4*i:]))
		assert.Equal(t, v, got, "sample %d", i)
	}
}

func TestJPEG(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.Set(x, y, color.RGBA{200, 100, 50, 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 100}))

	blk := Block{Width: 16, Height: 16, SamplesPerPixel: 3, BitsPerSample: 8}
	out, _, err := DefaultRegistry().Decode(JPEG, buf.Bytes(), blk, Policy{})
	require.NoError(t, err)
	require.Len(t, out, 16*16*3)
	assert.InDelta(t, 200, int(out[0]), 3)
	assert.InDelta(t, 100, int(out[1]), 3)
	assert.InDelta(t, 50, int(out[2]), 3)

	t.Run("grey", func(t *testing.T) {
		g := image.NewGray(image.Rect(0, 0, 8, 8))
		for i := range g.Pix {
			g.Pix[i] = 128
		}
		var gb bytes.Buffer
		require.NoError(t, jpeg.Encode(&gb, g, &jpeg.Options{Quality: 100}))
		// a taller strip than the image keeps trailing rows zero
		blk := Block{Width: 8, Height: 10, SamplesPerPixel: 1, BitsPerSample: 8}
		out, _, err := DefaultRegistry().Decode(JPEG, gb.Bytes(), blk, Policy{})
		require.NoError(t, err)
		assert.InDelta(t, 128, int(out[0]), 2)
		assert.Equal(t, make([]byte, 16), out[64:])
	})
}

func TestOversizedStreams(t *testing.T) {
	blk := Block{Width: 4, Height: 4, SamplesPerPixel: 1, BitsPerSample: 8}
	big := image.NewGray(image.Rect(0, 0, 64, 64))
	var jb bytes.Buffer
	require.NoError(t, jpeg.Encode(&jb, big, nil))

	testCases := []struct {
		name string
		code int
		src  []byte
	}{
		{"zstd", ZSTD, tifftest.ZSTD(make([]byte, 8<<20))},
		{"jpeg", JPEG, jb.Bytes()},
	}
	reg := DefaultRegistry()
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := reg.Decode(tc.code, tc.src, blk, Policy{MaxBytes: 1 << 20})
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrResourceLimit)

			out, warn, err := reg.Decode(tc.code, tc.src, blk, Policy{Lenient: true, MaxBytes: 1 << 20})
			require.NoError(t, err)
			assert.ErrorIs(t, warn, ErrResourceLimit)
			assert.Len(t, out, 16)
		})
	}

	t.Run("zstd exact size", func(t *testing.T) {
		raw := gradient(16)
		out, _, err := reg.Decode(ZSTD, tifftest.ZSTD(raw), blk, Policy{})
		require.NoError(t, err)
		assert.Equal(t, raw, out)
	})
}

func TestMergeJPEGTables(t *testing.T) {
	tables := []byte{0xFF, 0xD8, 0xFF, 0xDB, 0x01, 0xFF, 0xD9}
	data := []byte{0xFF, 0xD8, 0xFF, 0xDA, 0x02, 0xFF, 0xD9}
	assert.Equal(t, []byte{0xFF, 0xD8, 0xFF, 0xDB, 0x01, 0xFF, 0xDA, 0x02, 0xFF, 0xD9}, mergeJPEGTables(tables, data))
	assert.Equal(t, data, mergeJPEGTables(nil, data))
}

func TestFaxRejectsMultibit(t *testing.T) {
	blk := Block{Width: 8, Height: 8, SamplesPerPixel: 1, BitsPerSample: 8}
	_, _, err := DefaultRegistry().Decode(CCITTFax4, []byte{0}, blk, Policy{})
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestRegisterCustom(t *testing.T) {
	reg := NewRegistry()
	reg.Register(LERC, "LERC", DecoderFunc(func(src []byte, b Block) ([]byte, error) {
		return bytes.Repeat([]byte{7}, int(b.Size())), nil
	}))
	out, _, err := reg.Decode(LERC, nil, Block{Width: 2, Height: 2, SamplesPerPixel: 1, BitsPerSample: 8}, Policy{})
	require.NoError(t, err)
	assert.Equal(t, []byte{7, 7, 7, 7}, out)
}
