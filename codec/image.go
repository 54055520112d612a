package codec

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"

	"golang.org/x/image/ccitt"
	"golang.org/x/image/webp"
)

// mergeJPEGTables prefixes an abbreviated JPEG stream with the shared tables
// from the JPEGTables tag, dropping the tables' EOI and the stream's SOI.
func mergeJPEGTables(tables, src []byte) []byte {
	if len(tables) < 4 {
		return src
	}
	t := tables
	if t[len(t)-2] == 0xFF && t[len(t)-1] == 0xD9 {
		t = t[:len(t)-2]
	}
	s := src
	if len(s) >= 2 && s[0] == 0xFF && s[1] == 0xD8 {
		s = s[2:]
	}
	out := make([]byte, 0, len(t)+len(s))
	out = append(out, t...)
	return append(out, s...)
}

func decodeJPEG(src []byte, b Block) ([]byte, error) {
	if b.BitsPerSample != 8 {
		return nil, fmt.Errorf("jpeg: %d bits per sample", b.BitsPerSample)
	}
	stream := mergeJPEGTables(b.JPEGTables, src)
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(stream))
	if err != nil {
		return nil, err
	}
	if err := fitsBlock("jpeg", cfg, b); err != nil {
		return nil, err
	}
	img, err := jpeg.Decode(bytes.NewReader(stream))
	if err != nil {
		return nil, err
	}
	return imageSamples(img, b)
}

func decodeWebP(src []byte, b Block) ([]byte, error) {
	if b.BitsPerSample != 8 {
		return nil, fmt.Errorf("webp: %d bits per sample", b.BitsPerSample)
	}
	cfg, err := webp.DecodeConfig(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}
	if err := fitsBlock("webp", cfg, b); err != nil {
		return nil, err
	}
	img, err := webp.Decode(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}
	return imageSamples(img, b)
}

// fitsBlock rejects an embedded image larger than the block it fills, before
// its pixels are allocated.
func fitsBlock(format string, cfg image.Config, b Block) error {
	if cfg.Width > b.Width || cfg.Height > b.Height {
		return fmt.Errorf("%s: %dx%d image in a %dx%d block: %w",
			format, cfg.Width, cfg.Height, b.Width, b.Height, ErrResourceLimit)
	}
	return nil
}

// imageSamples writes img as 8-bit interleaved samples into a block-sized
// buffer. YCbCr images are delivered as RGB. Pixels beyond the image bounds stay zero.
func imageSamples(img image.Image, b Block) ([]byte, error) {
	spp := b.SamplesPerPixel
	if spp != 1 && spp != 3 && spp != 4 {
		return nil, fmt.Errorf("%d samples per pixel not representable", spp)
	}
	out := make([]byte, b.Size())
	bounds := img.Bounds()
	w := min(bounds.Dx(), b.Width)
	h := min(bounds.Dy(), b.Height)
	stride := b.RowBytes()

	for y := 0; y < h; y++ {
		row := out[y*stride:]
		sy := bounds.Min.Y + y
		switch m := img.(type) {
		case *image.Gray:
			if spp == 1 {
				copy(row[:w], m.Pix[m.PixOffset(bounds.Min.X, sy):])
				continue
			}
		case *image.YCbCr:
			if spp == 1 {
				for x := 0; x < w; x++ {
					row[x] = m.Y[m.YOffset(bounds.Min.X+x, sy)]
				}
				continue
			}
			if spp == 3 {
				for x := 0; x < w; x++ {
					yi := m.YOffset(bounds.Min.X+x, sy)
					ci := m.COffset(bounds.Min.X+x, sy)
					r, g, bl := color.YCbCrToRGB(m.Y[yi], m.Cb[ci], m.Cr[ci])
					row[3*x], row[3*x+1], row[3*x+2] = r, g, bl
				}
				continue
			}
		case *image.CMYK:
			if spp == 4 {
				copy(row[:4*w], m.Pix[m.PixOffset(bounds.Min.X, sy):])
				continue
			}
		case *image.NRGBA:
			if spp == 4 {
				copy(row[:4*w], m.Pix[m.PixOffset(bounds.Min.X, sy):])
				continue
			}
		}

		for x := 0; x < w; x++ {
			c := img.At(bounds.Min.X+x, sy)
			switch spp {
			case 1:
				row[x] = color.GrayModel.Convert(c).(color.Gray).Y
			case 3:
				n := color.NRGBAModel.Convert(c).(color.NRGBA)
				row[3*x], row[3*x+1], row[3*x+2] = n.R, n.G, n.B
			case 4:
				n := color.NRGBAModel.Convert(c).(color.NRGBA)
				row[4*x], row[4*x+1], row[4*x+2], row[4*x+3] = n.R, n.G, n.B, n.A
			}
		}
	}
	return out, nil
}

const photometricWhiteIsZero = 0

func decodeFax3(src []byte, b Block) ([]byte, error) { return decodeFax(src, b, ccitt.Group3) }
func decodeFax4(src []byte, b Block) ([]byte, error) { return decodeFax(src, b, ccitt.Group4) }

func decodeFax(src []byte, b Block, sub ccitt.SubFormat) ([]byte, error) {
	if b.BitsPerSample != 1 || b.SamplesPerPixel != 1 {
		return nil, fmt.Errorf("ccitt: %d bits, %d samples per pixel", b.BitsPerSample, b.SamplesPerPixel)
	}
	order := ccitt.MSB
	if b.FillOrder == 2 {
		order = ccitt.LSB
	}
	r := ccitt.NewReader(bytes.NewReader(src), order, sub, b.Width, b.Height, &ccitt.Options{
		Invert: b.Photometric == photometricWhiteIsZero,
	})
	return readBlock(r, b.Size())
}
