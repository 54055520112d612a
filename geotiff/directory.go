package geotiff

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/elliotchance/orderedmap/v3"
	"github.com/hashicorp/go-multierror"

	"github.com/akhenakh/gtiffread/source"
)

const (
	littleEndian      = 0x4949 // II
	bigEndian         = 0x4D4D // MM
	tiffIdentifier    = 42
	bigTiffIdentifier = 43
	bigTiffBytesize   = 8

	// maxDirectories bounds the directory chain of one file.
	maxDirectories = 1 << 16
	// maxValueBytes bounds a single out of line tag value.
	maxValueBytes = 1 << 30
)

// header represents the TIFF file header information
type header struct {
	ByteOrder binary.ByteOrder
	BigTIFF   bool
	IFDOffset uint64
}

// readHeader parses the file header to determine byte order, format variant
// and the first directory offset.
func readHeader(r io.ReaderAt) (header, error) {
	var h header
	buf := make([]byte, 16)
	n, err := r.ReadAt(buf, 0)
	if n < 8 {
		if err == nil || errors.Is(err, io.EOF) {
			return h, formatErrorf("file too short for a TIFF header (%d bytes)", n)
		}
		return h, fmt.Errorf("%w: reading header: %w", ErrFetch, err)
	}

	switch binary.BigEndian.Uint16(buf) {
	case littleEndian:
		h.ByteOrder = binary.LittleEndian
	case bigEndian:
		h.ByteOrder = binary.BigEndian
	default:
		return h, formatErrorf("not a TIFF file: invalid byte order %q", buf[:2])
	}

	switch id := h.ByteOrder.Uint16(buf[2:]); id {
	case tiffIdentifier:
		h.IFDOffset = uint64(h.ByteOrder.Uint32(buf[4:]))
	case bigTiffIdentifier:
		h.BigTIFF = true
		if n < 16 {
			return h, formatErrorf("file too short for a BigTIFF header (%d bytes)", n)
		}
		if bs := h.ByteOrder.Uint16(buf[4:]); bs != bigTiffBytesize {
			return h, formatErrorf("invalid BigTIFF bytesize %d", bs)
		}
		if reserved := h.ByteOrder.Uint16(buf[6:]); reserved != 0 {
			return h, formatErrorf("invalid BigTIFF reserved field %d", reserved)
		}
		h.IFDOffset = h.ByteOrder.Uint64(buf[8:])
	default:
		return h, formatErrorf("not a TIFF file: invalid identifier %d", id)
	}
	return h, nil
}

// Entry is one decoded directory field.
type Entry struct {
	Tag   Tag
	Type  FieldType
	Count uint64
	raw   []byte
	order binary.ByteOrder
}

// Raw returns the value bytes in file byte order.
func (e *Entry) Raw() []byte { return e.raw }

// Uints returns the values of an integer typed entry.
func (e *Entry) Uints() []uint64 {
	size := e.Type.Size()
	if size == 0 {
		return nil
	}
	n := uint64(len(e.raw)) / size
	out := make([]uint64, 0, n)
	for i := uint64(0); i < n; i++ {
		b := e.raw[i*size:]
		switch e.Type {
		case TypeByte, TypeUndefined, TypeASCII:
			out = append(out, uint64(b[0]))
		case TypeSByte:
			out = append(out, uint64(int64(int8(b[0]))))
		case TypeShort:
			out = append(out, uint64(e.order.Uint16(b)))
		case TypeSShort:
			out = append(out, uint64(int64(int16(e.order.Uint16(b)))))
		case TypeLong, TypeIFD:
			out = append(out, uint64(e.order.Uint32(b)))
		case TypeSLong:
			out = append(out, uint64(int64(int32(e.order.Uint32(b)))))
		case TypeLong8, TypeSLong8, TypeIFD8:
			out = append(out, e.order.Uint64(b))
		default:
			return nil
		}
	}
	return out
}

// Uint returns the first integer value.
func (e *Entry) Uint() (uint64, bool) {
	v := e.Uints()
	if len(v) == 0 {
		return 0, false
	}
	return v[0], true
}

// Floats returns the values converted to float64. Integer types are accepted.
func (e *Entry) Floats() []float64 {
	size := e.Type.Size()
	if size == 0 {
		return nil
	}
	n := uint64(len(e.raw)) / size
	out := make([]float64, 0, n)
	for i := uint64(0); i < n; i++ {
		b := e.raw[i*size:]
		switch e.Type {
		case TypeFloat:
			out = append(out, float64(math.Float32frombits(e.order.Uint32(b))))
		case TypeDouble:
			out = append(out, math.Float64frombits(e.order.Uint64(b)))
		case TypeRational:
			num, den := e.order.Uint32(b), e.order.Uint32(b[4:])
			out = append(out, ratio(float64(num), float64(den)))
		case TypeSRational:
			num, den := int32(e.order.Uint32(b)), int32(e.order.Uint32(b[4:]))
			out = append(out, ratio(float64(num), float64(den)))
		case TypeSByte, TypeSShort, TypeSLong, TypeSLong8:
			return e.signedFloats()
		default:
			return e.unsignedFloats()
		}
	}
	return out
}

func (e *Entry) unsignedFloats() []float64 {
	var out []float64
	for _, v := range e.Uints() {
		out = append(out, float64(v))
	}
	return out
}

func (e *Entry) signedFloats() []float64 {
	var out []float64
	for _, v := range e.Uints() {
		out = append(out, float64(int64(v)))
	}
	return out
}

func ratio(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}

// String returns an ASCII value without its trailing NULs.
func (e *Entry) String() string {
	return string(bytes.TrimRight(e.raw, "\x00"))
}

// Directory is one image file directory with its entries in file order.
type Directory struct {
	// Index is the 1-based position in the directory chain.
	Index  int
	Offset uint64
	Next   uint64

	entries *orderedmap.OrderedMap[Tag, *Entry]
}

// Entry returns the field for t.
func (d *Directory) Entry(t Tag) (*Entry, bool) {
	return d.entries.Get(t)
}

// Tags lists the tags present, in file order, unknown tags included.
func (d *Directory) Tags() []Tag {
	tags := make([]Tag, 0, d.entries.Len())
	for el := d.entries.Front(); el != nil; el = el.Next() {
		tags = append(tags, el.Key)
	}
	return tags
}

func (d *Directory) uint(t Tag, def uint64) uint64 {
	if e, ok := d.entries.Get(t); ok {
		if v, ok := e.Uint(); ok {
			return v
		}
	}
	return def
}

func (d *Directory) uints(t Tag) []uint64 {
	if e, ok := d.entries.Get(t); ok {
		return e.Uints()
	}
	return nil
}

func (d *Directory) floats(t Tag) []float64 {
	if e, ok := d.entries.Get(t); ok {
		return e.Floats()
	}
	return nil
}

func (d *Directory) text(t Tag) (string, bool) {
	if e, ok := d.entries.Get(t); ok && e.Type == TypeASCII {
		return e.String(), true
	}
	return "", false
}

func (d *Directory) has(t Tag) bool {
	_, ok := d.entries.Get(t)
	return ok
}

// readDirectories walks the directory chain. Problems that leave a usable
// prefix of the chain (bad fields, a loop, an unreadable later directory) are
// accumulated in warnings; an unreadable first directory is an error.
func readDirectories(r io.ReaderAt, size int64, h header) ([]*Directory, *multierror.Error, error) {
	var warnings *multierror.Error
	if h.IFDOffset == 0 {
		return nil, nil, formatErrorf("file contains no directories")
	}

	visited := make(map[uint64]bool)
	var dirs []*Directory
	for off := h.IFDOffset; off != 0; {
		if visited[off] {
			warnings = multierror.Append(warnings, fmt.Errorf("directory loop: offset %d already visited", off))
			break
		}
		if len(dirs) >= maxDirectories {
			warnings = multierror.Append(warnings, fmt.Errorf("more than %d directories, chain truncated", maxDirectories))
			break
		}
		visited[off] = true

		dir, dirWarnings, err := readDirectory(r, size, h, off)
		warnings = multierror.Append(warnings, dirWarnings...)
		if err != nil {
			if len(dirs) == 0 {
				return nil, warnings, err
			}
			warnings = multierror.Append(warnings, err)
			break
		}
		dir.Index = len(dirs) + 1
		dirs = append(dirs, dir)
		off = dir.Next
	}
	return dirs, warnings, nil
}

// readDirectory parses the directory at off, in the manner of a single IFD
// read: entry count, fixed size entries, then each value inline or at its offset.
func readDirectory(r io.ReaderAt, size int64, h header, off uint64) (*Directory, []error, error) {
	countLen, entryLen, slot := uint64(2), uint64(12), uint64(4)
	if h.BigTIFF {
		countLen, entryLen, slot = 8, 20, 8
	}
	if off > uint64(size) || off+countLen > uint64(size) {
		return nil, nil, formatErrorf("directory offset %d beyond end of file (%d bytes)", off, size)
	}

	cb, err := source.ReadRange(r, int64(off), int64(countLen))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: reading directory at %d: %w", ErrFetch, off, err)
	}
	var numEntries uint64
	if h.BigTIFF {
		numEntries = h.ByteOrder.Uint64(cb)
	} else {
		numEntries = uint64(h.ByteOrder.Uint16(cb))
	}
	if numEntries == 0 {
		return nil, nil, formatErrorf("directory at %d has no entries", off)
	}
	if numEntries > (uint64(size)-off-countLen)/entryLen {
		return nil, nil, formatErrorf("directory at %d claims %d entries, past end of file", off, numEntries)
	}

	block, err := source.ReadRange(r, int64(off+countLen), int64(numEntries*entryLen+slot))
	nextMissing := false
	if err != nil {
		// the next directory pointer may be cut off
		block, err = source.ReadRange(r, int64(off+countLen), int64(numEntries*entryLen))
		if err != nil {
			return nil, nil, fmt.Errorf("%w: reading directory at %d: %w", ErrFetch, off, err)
		}
		nextMissing = true
	}

	dir := &Directory{Offset: off, entries: orderedmap.NewOrderedMapWithCapacity[Tag, *Entry](int(numEntries))}
	var warnings []error
	for i := uint64(0); i < numEntries; i++ {
		eb := block[i*entryLen : (i+1)*entryLen]
		e := &Entry{
			Tag:   Tag(h.ByteOrder.Uint16(eb)),
			Type:  FieldType(h.ByteOrder.Uint16(eb[2:])),
			order: h.ByteOrder,
		}
		var valueField []byte
		if h.BigTIFF {
			e.Count = h.ByteOrder.Uint64(eb[4:])
			valueField = eb[12:20]
		} else {
			e.Count = uint64(h.ByteOrder.Uint32(eb[4:]))
			valueField = eb[8:12]
		}

		if e.Count == 0 {
			continue
		}
		typeSize := e.Type.Size()
		if typeSize == 0 {
			warnings = append(warnings, fmt.Errorf("directory %d: tag %s has unrecognized field type %d, skipped", off, e.Tag, e.Type))
			continue
		}
		if e.Type.bigOnly() && !h.BigTIFF {
			warnings = append(warnings, fmt.Errorf("directory %d: tag %s uses 64-bit type %s in a classic TIFF, skipped", off, e.Tag, e.Type))
			continue
		}
		if e.Count > maxValueBytes/typeSize {
			warnings = append(warnings, fmt.Errorf("directory %d: tag %s count %d too large, skipped", off, e.Tag, e.Count))
			continue
		}
		total := typeSize * e.Count
		if total <= slot {
			e.raw = append([]byte(nil), valueField[:total]...)
		} else {
			var at uint64
			if h.BigTIFF {
				at = h.ByteOrder.Uint64(valueField)
			} else {
				at = uint64(h.ByteOrder.Uint32(valueField))
			}
			if at > uint64(size) || total > uint64(size)-at {
				warnings = append(warnings, fmt.Errorf("directory %d: tag %s data at %d past end of file, skipped", off, e.Tag, at))
				continue
			}
			raw, err := source.ReadRange(r, int64(at), int64(total))
			if err != nil {
				return nil, warnings, fmt.Errorf("%w: reading tag %s: %w", ErrFetch, e.Tag, err)
			}
			e.raw = raw
		}
		if _, dup := dir.entries.Get(e.Tag); dup {
			warnings = append(warnings, fmt.Errorf("directory %d: duplicate tag %s ignored", off, e.Tag))
			continue
		}
		dir.entries.Set(e.Tag, e)
	}

	if !nextMissing {
		nb := block[numEntries*entryLen:]
		if h.BigTIFF {
			dir.Next = h.ByteOrder.Uint64(nb)
		} else {
			dir.Next = uint64(h.ByteOrder.Uint32(nb))
		}
	} else {
		warnings = append(warnings, fmt.Errorf("directory %d: next directory pointer past end of file", off))
	}
	return dir, warnings, nil
}
