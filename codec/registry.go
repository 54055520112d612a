// Package codec maps TIFF compression identifiers to block decoders.
//
// Decoders are black boxes with one contract: given the compressed bytes of a
// strip or tile and its Block shape, return the uncompressed samples in file
// byte order. The Registry applies the decode policy on top (size ceiling,
// short-output handling, predictor undo).
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Compression identifiers.
const (
	None      = 1
	CCITTRLE  = 2
	CCITTFax3 = 3
	CCITTFax4 = 4
	LZW       = 5
	OJPEG     = 6
	JPEG      = 7
	Deflate   = 8
	PackBits  = 32773
	JPEG2000  = 34712
	LERC      = 34887
	LZMA      = 34925
	AdobeZIP  = 32946
	ZSTD      = 50000
	WebP      = 50001
	JXL       = 50002
	JXLDNG    = 52546
)

// Predictor identifiers.
const (
	PredictorNone          = 1
	PredictorHorizontal    = 2
	PredictorFloatingPoint = 3
)

var names = map[int]string{
	None:      "NONE",
	CCITTRLE:  "CCITTRLE",
	CCITTFax3: "CCITTFAX3",
	CCITTFax4: "CCITTFAX4",
	LZW:       "LZW",
	OJPEG:     "OJPEG",
	JPEG:      "JPEG",
	Deflate:   "DEFLATE",
	AdobeZIP:  "DEFLATE",
	PackBits:  "PACKBITS",
	JPEG2000:  "JPEG2000",
	LERC:      "LERC",
	LZMA:      "LZMA",
	ZSTD:      "ZSTD",
	WebP:      "WEBP",
	JXL:       "JXL",
	JXLDNG:    "JXL",
}

// Name returns the conventional name of a compression id, or "" if unknown.
func Name(code int) string { return names[code] }

var (
	// ErrCorrupt is returned when a decoder fails or produces fewer bytes than
	// the block requires.
	ErrCorrupt = errors.New("codec: corrupt block")

	// ErrResourceLimit is returned when a block would decode to more bytes than
	// the configured ceiling.
	ErrResourceLimit = errors.New("codec: resource limit exceeded")
)

// UnsupportedCodecError reports a compression id with no registered decoder.
type UnsupportedCodecError struct {
	Code int
	Name string
}

func (e *UnsupportedCodecError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("missing codec of code %d (%s)", e.Code, e.Name)
	}
	return fmt.Sprintf("missing codec of code %d", e.Code)
}

// Block describes the shape of one strip or tile.
type Block struct {
	Width  int // pixels per row
	Height int // rows present in the encoded block
	// SamplesPerPixel is the number of interleaved samples in the block: the
	// band count for chunky data, 1 for separate planes.
	SamplesPerPixel int
	BitsPerSample   int
	// SampleFormat follows the TIFF tag: 1 uint, 2 int, 3 float, 5 complex int, 6 complex float.
	SampleFormat int
	Predictor    int
	ByteOrder    binary.ByteOrder

	Photometric int
	FillOrder   int
	JPEGTables  []byte
}

// RowBytes is the length of one packed row.
func (b Block) RowBytes() int {
	return (b.Width*b.SamplesPerPixel*b.BitsPerSample + 7) / 8
}

// Size is the uncompressed byte length of the block.
func (b Block) Size() int64 {
	return int64(b.RowBytes()) * int64(b.Height)
}

// Decoder turns compressed block bytes into raw samples. A decoder may return
// a short buffer together with an error; the Registry decides what to do with it.
type Decoder interface {
	Decode(src []byte, b Block) ([]byte, error)
}

// DecoderFunc adapts a function to the Decoder interface.
type DecoderFunc func(src []byte, b Block) ([]byte, error)

func (f DecoderFunc) Decode(src []byte, b Block) ([]byte, error) { return f(src, b) }

type entry struct {
	name string
	dec  Decoder
	// lossy decoders deliver final pixels; predictors are not applied.
	lossy bool
}

// Registry holds the decoders available to a dataset. It is safe for
// concurrent use.
type Registry struct {
	mu       sync.RWMutex
	decoders map[int]entry
}

func NewRegistry() *Registry {
	return &Registry{decoders: make(map[int]entry)}
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// DefaultRegistry returns the shared registry with every builtin decoder.
func DefaultRegistry() *Registry {
	defaultOnce.Do(func() {
		r := NewRegistry()
		r.Register(None, "NONE", DecoderFunc(decodeNone))
		r.Register(LZW, "LZW", DecoderFunc(decodeLZW))
		r.Register(Deflate, "DEFLATE", DecoderFunc(decodeDeflate))
		r.Register(AdobeZIP, "DEFLATE", DecoderFunc(decodeDeflate))
		r.Register(PackBits, "PACKBITS", DecoderFunc(decodePackBits))
		r.Register(ZSTD, "ZSTD", DecoderFunc(decodeZSTD))
		r.Register(CCITTFax3, "CCITTFAX3", DecoderFunc(decodeFax3))
		r.Register(CCITTFax4, "CCITTFAX4", DecoderFunc(decodeFax4))
		r.registerLossy(JPEG, "JPEG", DecoderFunc(decodeJPEG))
		r.registerLossy(WebP, "WEBP", DecoderFunc(decodeWebP))
		defaultRegistry = r
	})
	return defaultRegistry
}

// Register installs dec for code, replacing any previous decoder.
func (r *Registry) Register(code int, name string, dec Decoder) {
	r.mu.Lock()
	r.decoders[code] = entry{name: name, dec: dec}
	r.mu.Unlock()
}

func (r *Registry) registerLossy(code int, name string, dec Decoder) {
	r.mu.Lock()
	r.decoders[code] = entry{name: name, dec: dec, lossy: true}
	r.mu.Unlock()
}

// Lookup returns the decoder for code or an *UnsupportedCodecError.
func (r *Registry) Lookup(code int) (Decoder, error) {
	r.mu.RLock()
	e, ok := r.decoders[code]
	r.mu.RUnlock()
	if !ok {
		return nil, &UnsupportedCodecError{Code: code, Name: Name(code)}
	}
	return e.dec, nil
}

// Codes lists the registered compression ids in ascending order.
func (r *Registry) Codes() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	codes := make([]int, 0, len(r.decoders))
	for c := range r.decoders {
		codes = append(codes, c)
	}
	sort.Ints(codes)
	return codes
}

// Policy controls how decode failures are handled.
type Policy struct {
	// Lenient zero-pads short or corrupt output and reports a warning instead
	// of failing.
	Lenient bool
	// MaxBytes rejects blocks whose uncompressed size exceeds it. Zero means no limit.
	MaxBytes int64
}

// Decode runs the decoder registered for code and applies p. On success the
// returned slice has exactly b.Size() bytes. warn is non-nil when lenient mode
// replaced a failure with zero padding.
func (r *Registry) Decode(code int, src []byte, b Block, p Policy) (out []byte, warn, err error) {
	r.mu.RLock()
	e, ok := r.decoders[code]
	r.mu.RUnlock()
	if !ok {
		return nil, nil, &UnsupportedCodecError{Code: code, Name: Name(code)}
	}

	size := b.Size()
	if p.MaxBytes > 0 && size > p.MaxBytes {
		return nil, nil, fmt.Errorf("%w: block of %d bytes exceeds %d", ErrResourceLimit, size, p.MaxBytes)
	}

	out, derr := e.dec.Decode(src, b)
	if derr == nil && int64(len(out)) < size {
		derr = fmt.Errorf("decoded %d bytes, expected %d", len(out), size)
	}
	if derr != nil {
		cerr := fmt.Errorf("%w: %s: %w", ErrCorrupt, e.name, derr)
		if !p.Lenient {
			return nil, nil, cerr
		}
		out = pad(out, size)
		// the decoded prefix is still differenced
		if err := e.unpredict(out, b); err != nil {
			return nil, nil, err
		}
		return out, cerr, nil
	}
	out = out[:size]

	if err := e.unpredict(out, b); err != nil {
		return nil, nil, err
	}
	return out, nil, nil
}

func (e entry) unpredict(out []byte, b Block) error {
	if e.lossy || b.Predictor <= PredictorNone {
		return nil
	}
	return undoPredictor(out, b)
}

func pad(buf []byte, size int64) []byte {
	if int64(len(buf)) >= size {
		return buf[:size]
	}
	out := make([]byte, size)
	copy(out, buf)
	return out
}
