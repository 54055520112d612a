package tifftest

import (
	"encoding/binary"
	"fmt"
)

// TIFF tags used by the image helper.
const (
	TagImageWidth      = 256
	TagImageLength     = 257
	TagBitsPerSample   = 258
	TagCompression     = 259
	TagPhotometric     = 262
	TagStripOffsets    = 273
	TagSamplesPerPixel = 277
	TagRowsPerStrip    = 278
	TagStripByteCounts = 279
	TagPlanarConfig    = 284
	TagPredictor       = 317
	TagTileWidth       = 322
	TagTileLength      = 323
	TagTileOffsets     = 324
	TagTileByteCounts  = 325
	TagSampleFormat    = 339
)

// Image describes a raster to encode. Pix holds chunky samples in row-major
// order, already in the file byte order.
type Image struct {
	Width, Height         int
	TileWidth, TileHeight int
	RowsPerStrip          int
	Bands                 int
	BitsPerSample         int
	SampleFormat          int
	Planar                int
	Compression           int
	Predictor             int
	Photometric           int
	Pix                   []byte
	Fields                []Field
}

// IFD encodes im into a directory with its blocks.
func (im Image) IFD(order binary.ByteOrder) *IFD {
	if order == nil {
		order = binary.LittleEndian
	}
	bands := max(im.Bands, 1)
	bits := im.BitsPerSample
	if bits == 0 {
		bits = 8
	}
	planar := max(im.Planar, 1)
	comp := max(im.Compression, 1)
	photo := im.Photometric
	if photo == 0 && bands >= 3 {
		photo = 2
	} else if photo == 0 {
		photo = 1
	}

	bpsList := make([]uint16, bands)
	for i := range bpsList {
		bpsList[i] = uint16(bits)
	}
	ifd := &IFD{Fields: []Field{
		L(TagImageWidth, uint32(im.Width)),
		L(TagImageLength, uint32(im.Height)),
		S(TagBitsPerSample, bpsList...),
		S(TagCompression, uint16(comp)),
		S(TagPhotometric, uint16(photo)),
		S(TagSamplesPerPixel, uint16(bands)),
		S(TagPlanarConfig, uint16(planar)),
	}}
	if im.SampleFormat != 0 {
		sf := make([]uint16, bands)
		for i := range sf {
			sf[i] = uint16(im.SampleFormat)
		}
		ifd.Fields = append(ifd.Fields, S(TagSampleFormat, sf...))
	}
	if im.Predictor > 1 {
		ifd.Fields = append(ifd.Fields, S(TagPredictor, uint16(im.Predictor)))
	}
	ifd.Fields = append(ifd.Fields, im.Fields...)

	bytesPerSample := bits / 8
	pixBytes := bands * bytesPerSample
	rowBytes := (im.Width*bands*bits + 7) / 8

	spp := bands
	if planar == 2 {
		spp = 1
	}
	planes := 1
	if planar == 2 {
		planes = bands
	}

	// sample extracts the block covering columns [x0,x0+w) rows [y0,y0+h),
	// zero outside the raster.
	extract := func(plane, x0, y0, w, h int) []byte {
		if bits < 8 {
			if planar != 1 || x0 != 0 {
				panic("tifftest: sub-byte samples only in chunky strips")
			}
			out := make([]byte, h*rowBytes)
			for y := 0; y < h && y0+y < im.Height; y++ {
				copy(out[y*rowBytes:], im.Pix[(y0+y)*rowBytes:(y0+y+1)*rowBytes])
			}
			return out
		}
		bw := w * spp * bytesPerSample
		out := make([]byte, h*bw)
		for y := 0; y < h; y++ {
			sy := y0 + y
			if sy >= im.Height {
				break
			}
			for x := 0; x < w; x++ {
				sx := x0 + x
				if sx >= im.Width {
					break
				}
				src := sy*rowBytes + sx*pixBytes
				dst := y*bw + x*spp*bytesPerSample
				if planar == 1 {
					copy(out[dst:dst+pixBytes], im.Pix[src:src+pixBytes])
				} else {
					s := src + plane*bytesPerSample
					copy(out[dst:dst+bytesPerSample], im.Pix[s:s+bytesPerSample])
				}
			}
		}
		if im.Predictor == 2 {
			differentiate(out, w*spp, spp, bytesPerSample, order)
		}
		return out
	}

	if im.TileWidth > 0 {
		ifd.Fields = append(ifd.Fields,
			L(TagTileWidth, uint32(im.TileWidth)),
			L(TagTileLength, uint32(im.TileHeight)))
		ifd.OffsetsTag, ifd.CountsTag = TagTileOffsets, TagTileByteCounts
		across := (im.Width + im.TileWidth - 1) / im.TileWidth
		down := (im.Height + im.TileHeight - 1) / im.TileHeight
		for p := 0; p < planes; p++ {
			for ty := 0; ty < down; ty++ {
				for tx := 0; tx < across; tx++ {
					raw := extract(p, tx*im.TileWidth, ty*im.TileHeight, im.TileWidth, im.TileHeight)
					ifd.Blocks = append(ifd.Blocks, Compress(comp, raw))
				}
			}
		}
		return ifd
	}

	rps := im.RowsPerStrip
	if rps == 0 {
		rps = im.Height
	}
	ifd.Fields = append(ifd.Fields, L(TagRowsPerStrip, uint32(rps)))
	ifd.OffsetsTag, ifd.CountsTag = TagStripOffsets, TagStripByteCounts
	strips := (im.Height + rps - 1) / rps
	for p := 0; p < planes; p++ {
		for s := 0; s < strips; s++ {
			h := min(rps, im.Height-s*rps)
			raw := extract(p, 0, s*rps, im.Width, h)
			ifd.Blocks = append(ifd.Blocks, Compress(comp, raw))
		}
	}
	return ifd
}

// differentiate applies horizontal differencing row by row.
func differentiate(buf []byte, samplesPerRow, spp, size int, order binary.ByteOrder) {
	rowBytes := samplesPerRow * size
	for r := 0; r+rowBytes <= len(buf); r += rowBytes {
		row := buf[r : r+rowBytes]
		for i := samplesPerRow - 1; i >= spp; i-- {
			switch size {
			case 1:
				row[i] -= row[i-spp]
			case 2:
				order.PutUint16(row[2*i:], order.Uint16(row[2*i:])-order.Uint16(row[2*(i-spp):]))
			case 4:
				order.PutUint32(row[4*i:], order.Uint32(row[4*i:])-order.Uint32(row[4*(i-spp):]))
			case 8:
				order.PutUint64(row[8*i:], order.Uint64(row[8*i:])-order.Uint64(row[8*(i-spp):]))
			}
		}
	}
}

// Compress encodes raw with one of the lossless schemes the builder supports.
func Compress(code int, raw []byte) []byte {
	switch code {
	case 1:
		return raw
	case 5:
		return LZW(raw)
	case 8, 32946:
		return Deflate(raw)
	case 32773:
		return PackBits(raw)
	case 50000:
		return ZSTD(raw)
	}
	panic(fmt.Sprintf("tifftest: no encoder for compression %d", code))
}
