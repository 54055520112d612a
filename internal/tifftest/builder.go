// Package tifftest synthesises classic and BigTIFF files for tests.
package tifftest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
)

// Field types.
const (
	Byte      = 1
	ASCII     = 2
	Short     = 3
	Long      = 4
	Rational  = 5
	SByte     = 6
	Undefined = 7
	SShort    = 8
	SLong     = 9
	SRational = 10
	Float     = 11
	Double    = 12
	Long8     = 16
	SLong8    = 17
)

// Field is one directory entry. Exactly one of Ints, Floats, Str or Raw is used.
type Field struct {
	Tag    uint16
	Type   uint16
	Ints   []uint64
	Floats []float64
	Str    string
	Raw    []byte
	// Count overrides the declared count when non-zero.
	Count uint64
}

func S(tag uint16, v ...uint16) Field {
	f := Field{Tag: tag, Type: Short}
	for _, x := range v {
		f.Ints = append(f.Ints, uint64(x))
	}
	return f
}

func L(tag uint16, v ...uint32) Field {
	f := Field{Tag: tag, Type: Long}
	for _, x := range v {
		f.Ints = append(f.Ints, uint64(x))
	}
	return f
}

func L8(tag uint16, v ...uint64) Field {
	return Field{Tag: tag, Type: Long8, Ints: v}
}

func D(tag uint16, v ...float64) Field {
	return Field{Tag: tag, Type: Double, Floats: v}
}

func A(tag uint16, s string) Field {
	return Field{Tag: tag, Type: ASCII, Str: s}
}

func U(tag uint16, raw []byte) Field {
	return Field{Tag: tag, Type: Undefined, Raw: raw}
}

// IFD is one image directory.
type IFD struct {
	Fields []Field

	// Blocks are written to the file and referenced by OffsetsTag and
	// CountsTag fields added by the builder.
	Blocks     [][]byte
	OffsetsTag uint16
	CountsTag  uint16
	// ArrayLen truncates the generated offset and count arrays when > 0.
	ArrayLen int
	// Sparse lists block indexes written as offset 0 and count 0.
	Sparse map[int]bool
	// OmitCounts drops the byte count array.
	OmitCounts bool
}

type File struct {
	Order binary.ByteOrder
	Big   bool
	IFDs  []*IFD
	// Loop points the last directory back at the first.
	Loop bool
}

func (f *File) width() int {
	if f.Big {
		return 8
	}
	return 4
}

// Bytes lays out the header, the block data of every IFD, then the
// directories with their out of line values.
func (f *File) Bytes() []byte {
	order := f.Order
	if order == nil {
		order = binary.LittleEndian
	}
	var buf bytes.Buffer
	if order == binary.BigEndian {
		buf.WriteString("MM")
	} else {
		buf.WriteString("II")
	}
	firstPtr := 0
	if f.Big {
		b := make([]byte, 14)
		order.PutUint16(b, 43)
		order.PutUint16(b[2:], 8)
		order.PutUint16(b[4:], 0)
		buf.Write(b[:6])
		firstPtr = buf.Len()
		buf.Write(make([]byte, 8))
	} else {
		b := make([]byte, 2)
		order.PutUint16(b, 42)
		buf.Write(b)
		firstPtr = buf.Len()
		buf.Write(make([]byte, 4))
	}

	ifdStarts := make([]int, len(f.IFDs))
	nextPtrs := make([]int, len(f.IFDs))
	for n, ifd := range f.IFDs {
		fields := append([]Field(nil), ifd.Fields...)
		if len(ifd.Blocks) > 0 {
			offs := make([]uint64, len(ifd.Blocks))
			counts := make([]uint64, len(ifd.Blocks))
			for i, blk := range ifd.Blocks {
				if ifd.Sparse[i] {
					continue
				}
				pad(&buf)
				offs[i] = uint64(buf.Len())
				counts[i] = uint64(len(blk))
				buf.Write(blk)
			}
			if ifd.ArrayLen > 0 {
				offs, counts = offs[:ifd.ArrayLen], counts[:ifd.ArrayLen]
			}
			typ := uint16(Long)
			if f.Big {
				typ = Long8
			}
			fields = append(fields, Field{Tag: ifd.OffsetsTag, Type: typ, Ints: offs})
			if !ifd.OmitCounts {
				fields = append(fields, Field{Tag: ifd.CountsTag, Type: typ, Ints: counts})
			}
		}
		sort.SliceStable(fields, func(i, j int) bool { return fields[i].Tag < fields[j].Tag })

		// out of line values first
		w := f.width()
		values := make([][]byte, len(fields))
		extOff := make([]int, len(fields))
		for i, fl := range fields {
			values[i] = encode(order, fl)
			if len(values[i]) > w {
				pad(&buf)
				extOff[i] = buf.Len()
				buf.Write(values[i])
			}
		}

		pad(&buf)
		ifdStarts[n] = buf.Len()
		if f.Big {
			b := make([]byte, 8)
			order.PutUint64(b, uint64(len(fields)))
			buf.Write(b)
		} else {
			b := make([]byte, 2)
			order.PutUint16(b, uint16(len(fields)))
			buf.Write(b)
		}
		for i, fl := range fields {
			head := make([]byte, 4)
			order.PutUint16(head, fl.Tag)
			order.PutUint16(head[2:], fl.Type)
			buf.Write(head)
			count := fl.Count
			if count == 0 {
				count = declaredCount(fl)
			}
			slot := make([]byte, w)
			if f.Big {
				cb := make([]byte, 8)
				order.PutUint64(cb, count)
				buf.Write(cb)
			} else {
				cb := make([]byte, 4)
				order.PutUint32(cb, uint32(count))
				buf.Write(cb)
			}
			if len(values[i]) > w {
				if f.Big {
					order.PutUint64(slot, uint64(extOff[i]))
				} else {
					order.PutUint32(slot, uint32(extOff[i]))
				}
			} else {
				copy(slot, values[i])
			}
			buf.Write(slot)
		}
		nextPtrs[n] = buf.Len()
		buf.Write(make([]byte, w))
	}

	out := buf.Bytes()
	put := func(at int, v uint64) {
		if f.Big {
			order.PutUint64(out[at:], v)
		} else {
			order.PutUint32(out[at:], uint32(v))
		}
	}
	if len(ifdStarts) > 0 {
		put(firstPtr, uint64(ifdStarts[0]))
	}
	for n := range f.IFDs {
		switch {
		case n+1 < len(f.IFDs):
			put(nextPtrs[n], uint64(ifdStarts[n+1]))
		case f.Loop:
			put(nextPtrs[n], uint64(ifdStarts[0]))
		}
	}
	return out
}

func pad(buf *bytes.Buffer) {
	if buf.Len()%2 == 1 {
		buf.WriteByte(0)
	}
}

func declaredCount(f Field) uint64 {
	switch {
	case f.Str != "":
		return uint64(len(f.Str) + 1)
	case f.Raw != nil:
		return uint64(len(f.Raw))
	case f.Floats != nil:
		return uint64(len(f.Floats))
	}
	return uint64(len(f.Ints))
}

func encode(order binary.ByteOrder, f Field) []byte {
	if f.Str != "" {
		return append([]byte(f.Str), 0)
	}
	if f.Raw != nil {
		return f.Raw
	}
	ao := order.(binary.AppendByteOrder)
	var out []byte
	switch f.Type {
	case Byte, SByte, Undefined:
		for _, v := range f.Ints {
			out = append(out, byte(v))
		}
	case Short, SShort:
		for _, v := range f.Ints {
			out = ao.AppendUint16(out, uint16(v))
		}
	case Long, SLong:
		for _, v := range f.Ints {
			out = ao.AppendUint32(out, uint32(v))
		}
	case Long8, SLong8:
		for _, v := range f.Ints {
			out = ao.AppendUint64(out, v)
		}
	case Float:
		for _, v := range f.Floats {
			out = ao.AppendUint32(out, math.Float32bits(float32(v)))
		}
	case Double:
		for _, v := range f.Floats {
			out = ao.AppendUint64(out, math.Float64bits(v))
		}
	case Rational:
		for _, v := range f.Floats {
			out = ao.AppendUint32(out, uint32(v*1000))
			out = ao.AppendUint32(out, 1000)
		}
	default:
		panic(fmt.Sprintf("tifftest: cannot encode type %d", f.Type))
	}
	return out
}
