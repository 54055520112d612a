package geotiff

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/akhenakh/gtiffread/codec"
	"github.com/akhenakh/gtiffread/source"
)

// GeorefSource identifies where a transform, a spatial reference or GCPs
// may come from.
type GeorefSource int

const (
	SourceNone GeorefSource = iota
	SourcePAM
	SourceInternal
	SourceTabFile
	SourceWorldFile
	SourceXML
)

var georefSourceNames = [...]string{"NONE", "PAM", "INTERNAL", "TABFILE", "WORLDFILE", "XML"}

func (s GeorefSource) String() string {
	if s >= 0 && int(s) < len(georefSourceNames) {
		return georefSourceNames[s]
	}
	return fmt.Sprintf("GeorefSource(%d)", int(s))
}

// GeorefSources is an ordered source list. A nil list means the default
// order; an empty non nil list disables every source.
type GeorefSources []GeorefSource

// DefaultGeorefSources is the order used when none is configured.
var DefaultGeorefSources = GeorefSources{SourcePAM, SourceInternal, SourceTabFile, SourceWorldFile, SourceXML}

// UnmarshalText parses a comma separated list such as "INTERNAL,WORLDFILE".
// "NONE" yields an empty list.
func (s *GeorefSources) UnmarshalText(text []byte) error {
	out := GeorefSources{}
	for _, part := range strings.Split(string(text), ",") {
		part = strings.ToUpper(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		if part == "NONE" {
			*s = GeorefSources{}
			return nil
		}
		found := false
		for i, name := range georefSourceNames {
			if i > 0 && name == part {
				out = append(out, GeorefSource(i))
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("unknown georeferencing source %q", part)
		}
	}
	*s = out
	return nil
}

func (s GeorefSources) String() string {
	if len(s) == 0 {
		return "NONE"
	}
	names := make([]string, len(s))
	for i, src := range s {
		names[i] = src.String()
	}
	return strings.Join(names, ",")
}

// Has reports whether src is enabled.
func (s GeorefSources) Has(src GeorefSource) bool {
	for _, v := range s {
		if v == src {
			return true
		}
	}
	return false
}

// Options configures how a dataset is opened and read. The env tags name the
// variables read by OptionsFromEnv.
type Options struct {
	// IgnoreReadErrors zero fills corrupt or truncated blocks and reports a
	// warning instead of failing the read.
	IgnoreReadErrors bool `env:"GTIFF_IGNORE_READ_ERRORS" envDefault:"false"`

	GeorefSources GeorefSources `env:"GDAL_GEOREF_SOURCES" envDefault:"PAM,INTERNAL,TABFILE,WORLDFILE,XML"`

	// NumThreads bounds the fetch and decode worker pool of one read.
	NumThreads int `env:"GDAL_NUM_THREADS" envDefault:"4"`

	// MaxRequestBytes caps the compressed bytes requested by one batch of a
	// read; larger reads are split into sequential batches.
	MaxRequestBytes int64 `env:"GTIFF_MAX_REQUEST_BYTES" envDefault:"67108864"`

	// RangeMergeGap merges block ranges separated by at most this many bytes.
	RangeMergeGap int64 `env:"GTIFF_RANGE_MERGE_GAP" envDefault:"16384"`

	// PointGeoIgnore disables the half pixel shift applied to PixelIsPoint files.
	PointGeoIgnore bool `env:"GTIFF_POINT_GEO_IGNORE" envDefault:"false"`

	// StrictBlockArrays fails Open when the offset or byte count arrays are
	// shorter than the block count.
	StrictBlockArrays bool `env:"GTIFF_STRICT_BLOCK_ARRAYS" envDefault:"false"`

	// MaxBlockBytes rejects blocks whose decoded size exceeds it, and read
	// buffers allocated by the package. Zero means no limit.
	MaxBlockBytes int64 `env:"GTIFF_MAX_BLOCK_BYTES" envDefault:"1073741824"`

	// StripChop splits a single uncompressed strip larger than StripChopBytes
	// into synthetic strips.
	StripChop      bool  `env:"GTIFF_STRIP_CHOP" envDefault:"true"`
	StripChopBytes int64 `env:"GTIFF_STRIP_CHOP_BYTES" envDefault:"8192"`

	// HonourNegativeScaleY keeps a negative ModelPixelScale Y, producing a
	// south-up transform.
	HonourNegativeScaleY bool `env:"GTIFF_HONOUR_NEGATIVE_SCALEY" envDefault:"false"`

	BlockCacheBytes int64 `env:"GTIFF_BLOCK_CACHE_BYTES" envDefault:"67108864"`

	FetchRetries    int           `env:"GTIFF_FETCH_RETRIES" envDefault:"3"`
	FetchRetryDelay time.Duration `env:"GTIFF_FETCH_RETRY_DELAY" envDefault:"100ms"`

	// Directory selects the image directory, starting at 1.
	Directory int `env:"GTIFF_DIR" envDefault:"1"`

	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Registry defaults to codec.DefaultRegistry().
	Registry *codec.Registry
	// FS resolves the file and its sidecars. Open defaults to a shared
	// source.FS; OpenSource reads no sidecar without one.
	FS source.Opener
	// Metrics defaults to an unregistered set.
	Metrics *Metrics
}

// DefaultOptions returns the documented defaults, ignoring the environment.
func DefaultOptions() Options {
	var o Options
	if err := env.ParseWithOptions(&o, env.Options{Environment: map[string]string{}}); err != nil {
		panic(fmt.Sprintf("geotiff: invalid option defaults: %v", err))
	}
	return o
}

// OptionsFromEnv reads the process environment on top of the defaults.
func OptionsFromEnv() (Options, error) {
	var o Options
	if err := env.Parse(&o); err != nil {
		return Options{}, fmt.Errorf("parsing geotiff options: %w", err)
	}
	return o, nil
}

func (o Options) normalized() Options {
	if o.NumThreads <= 0 {
		o.NumThreads = 1
	}
	if o.Directory <= 0 {
		o.Directory = 1
	}
	if o.BlockCacheBytes <= 0 {
		o.BlockCacheBytes = 64 << 20
	}
	if o.StripChopBytes <= 0 {
		o.StripChopBytes = 8192
	}
	if o.FetchRetries < 0 {
		o.FetchRetries = 0
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Registry == nil {
		o.Registry = codec.DefaultRegistry()
	}
	if o.Metrics == nil {
		o.Metrics = NewMetrics(nil)
	}
	return o
}

func (o Options) sources() GeorefSources {
	if o.GeorefSources == nil {
		return DefaultGeorefSources
	}
	return o.GeorefSources
}

func (o Options) policy() codec.Policy {
	return codec.Policy{Lenient: o.IgnoreReadErrors, MaxBytes: o.MaxBlockBytes}
}
