package codec

import (
	"bytes"
	"compress/lzw"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	tifflzw "golang.org/x/image/tiff/lzw"
)

// readBlock reads exactly size bytes from r. Trailing garbage or a missing end
// marker after size bytes is not an error; an early end of stream returns
// the bytes read so far with the error.
func readBlock(r io.Reader, size int64) ([]byte, error) {
	out := make([]byte, size)
	n, err := io.ReadFull(r, out)
	if n == len(out) {
		return out, nil
	}
	if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return out[:n], err
}

func decodeNone(src []byte, b Block) ([]byte, error) {
	size := b.Size()
	if int64(len(src)) >= size {
		return src[:size], nil
	}
	return src, io.ErrUnexpectedEOF
}

func decodeDeflate(src []byte, b Block) ([]byte, error) {
	z, err := zlib.NewReader(bytes.NewReader(src))
	if err != nil {
		// some writers emit a raw deflate stream without the zlib header
		f := flate.NewReader(bytes.NewReader(src))
		defer f.Close()
		return readBlock(f, b.Size())
	}
	defer z.Close()
	return readBlock(z, b.Size())
}

func decodeLZW(src []byte, b Block) ([]byte, error) {
	var r io.ReadCloser
	if len(src) >= 2 && src[0] == 0 && src[1]&0x1 != 0 {
		// pre-5.0 libtiff streams: LSB bit order, no early code width change
		r = lzw.NewReader(bytes.NewReader(src), lzw.LSB, 8)
	} else {
		r = tifflzw.NewReader(bytes.NewReader(src), tifflzw.MSB, 8)
	}
	defer r.Close()
	return readBlock(r, b.Size())
}

// DecodeAll stops at the capacity of dst instead of growing it.
var zstdDecoder = sync.OnceValues(func() (*zstd.Decoder, error) {
	return zstd.NewReader(nil, zstd.WithDecoderConcurrency(0), zstd.WithDecodeAllCapLimit(true))
})

func decodeZSTD(src []byte, b Block) ([]byte, error) {
	dec, err := zstdDecoder()
	if err != nil {
		return nil, err
	}
	out, err := dec.DecodeAll(src, make([]byte, 0, b.Size()))
	if errors.Is(err, zstd.ErrDecoderSizeExceeded) {
		return nil, fmt.Errorf("zstd: stream decodes past %d bytes: %w", b.Size(), ErrResourceLimit)
	}
	if err != nil {
		return out, err
	}
	if int64(len(out)) < b.Size() {
		return out, io.ErrUnexpectedEOF
	}
	return out, nil
}

// decodePackBits expands the Macintosh PackBits run-length scheme.
func decodePackBits(src []byte, b Block) ([]byte, error) {
	size := b.Size()
	out := make([]byte, 0, size)
	for i := 0; i < len(src) && int64(len(out)) < size; {
		n := int(int8(src[i]))
		i++
		switch {
		case n >= 0:
			end := i + n + 1
			if end > len(src) {
				out = append(out, src[i:]...)
				return out, fmt.Errorf("packbits: literal run past end of data")
			}
			out = append(out, src[i:end]...)
			i = end
		case n != -128:
			if i >= len(src) {
				return out, fmt.Errorf("packbits: missing repeat byte")
			}
			for k := 0; k < 1-n; k++ {
				out = append(out, src[i])
			}
			i++
		}
	}
	if int64(len(out)) < size {
		return out, io.ErrUnexpectedEOF
	}
	return out[:size], nil
}
