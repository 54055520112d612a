package tifftest

import (
	"bytes"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// LZW compresses src with the TIFF flavour of LZW: MSB first codes, a clear
// code up front and code widths that grow one code early.
func LZW(src []byte) []byte {
	const (
		clearCode = 256
		eoiCode   = 257
		firstCode = 258
		maxCode   = 4093
	)
	var (
		out   bytes.Buffer
		acc   uint32
		nbits uint
		k     int // codes emitted since the last clear
	)
	width := func() uint {
		w := uint(9)
		for firstCode+k >= 1<<w {
			w++
		}
		return w
	}
	emit := func(code int) {
		w := width()
		acc = acc<<w | uint32(code)
		nbits += w
		for nbits >= 8 {
			out.WriteByte(byte(acc >> (nbits - 8)))
			nbits -= 8
		}
		acc &= 1<<nbits - 1
	}

	type key struct {
		prefix int
		c      byte
	}
	dict := make(map[key]int)
	next := firstCode

	emit(clearCode)
	if len(src) == 0 {
		emit(eoiCode)
		if nbits > 0 {
			out.WriteByte(byte(acc << (8 - nbits)))
		}
		return out.Bytes()
	}

	w := int(src[0])
	for _, c := range src[1:] {
		if code, ok := dict[key{w, c}]; ok {
			w = code
			continue
		}
		emit(w)
		k++
		if next < maxCode {
			dict[key{w, c}] = next
			next++
		} else {
			emit(clearCode)
			k = 0
			next = firstCode
			clear(dict)
		}
		w = int(c)
	}
	emit(w)
	k++
	emit(eoiCode)
	if nbits > 0 {
		out.WriteByte(byte(acc << (8 - nbits)))
	}
	return out.Bytes()
}

// PackBits run-length encodes src. Runs of three or more equal bytes become
// replicate runs, the rest literal runs.
func PackBits(src []byte) []byte {
	var out bytes.Buffer
	for i := 0; i < len(src); {
		run := 1
		for i+run < len(src) && run < 128 && src[i+run] == src[i] {
			run++
		}
		if run >= 3 {
			out.WriteByte(byte(int8(1 - run)))
			out.WriteByte(src[i])
			i += run
			continue
		}
		start := i
		for i < len(src) && i-start < 128 {
			if i+2 < len(src) && src[i] == src[i+1] && src[i] == src[i+2] {
				break
			}
			i++
		}
		out.WriteByte(byte(i - start - 1))
		out.Write(src[start:i])
	}
	return out.Bytes()
}

func Deflate(src []byte) []byte {
	var out bytes.Buffer
	w := zlib.NewWriter(&out)
	w.Write(src)
	w.Close()
	return out.Bytes()
}

func ZSTD(src []byte) []byte {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		panic(err)
	}
	defer enc.Close()
	return enc.EncodeAll(src, nil)
}
