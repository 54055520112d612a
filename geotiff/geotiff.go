// Package geotiff reads classic and BigTIFF rasters with their
// georeferencing.
//
// A Dataset is opened once and is immutable afterwards; concurrent reads
// share its block cache and worker pool. Blocks are fetched in merged byte
// ranges, decoded in parallel and assembled in row-major order.
package geotiff

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/paulmach/orb"

	"github.com/akhenakh/gtiffread/codec"
	"github.com/akhenakh/gtiffread/sidecar"
	"github.com/akhenakh/gtiffread/source"
)

const (
	subfileReducedImage = 1
	subfileMask         = 4
)

// Dataset is an open image directory of a TIFF file.
type Dataset struct {
	name string
	src  source.Source
	opts Options
	log  *slog.Logger

	header      header
	dir         *Directory
	geom        Geometry
	layout      *layout
	compression int
	predictor   int
	photometric int
	sched       *scheduler

	keys      *GeoKeys
	georef    Georef
	side      *sidecars
	metadata  *Metadata
	bands     []*Band
	overviews []*Dataset
	warnings  *multierror.Error

	// root datasets own the source and the scheduler.
	root      bool
	closeOnce sync.Once
}

var defaultFS = sync.OnceValue(source.NewFS)

// Open opens name through opts.FS, or a shared source.FS when it is nil.
// Sidecar files are looked up next to name through the same opener.
func Open(ctx context.Context, name string, opts Options) (*Dataset, error) {
	if opts.FS == nil {
		opts.FS = defaultFS()
	}
	src, err := opts.FS.Open(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %w", ErrFetch, name, err)
	}
	ds, err := OpenSource(ctx, src, opts)
	if err != nil {
		src.Close()
		return nil, err
	}
	return ds, nil
}

// OpenSource parses src. Sidecars named after src.Name() are only consulted
// when opts.FS is set. Closing the dataset closes src.
func OpenSource(ctx context.Context, src source.Source, opts Options) (*Dataset, error) {
	o := opts.normalized()

	h, err := readHeader(src)
	if err != nil {
		return nil, err
	}
	dirs, warnings, err := readDirectories(src, src.Size(), h)
	if err != nil {
		return nil, err
	}
	for _, w := range warnings.WrappedErrors() {
		o.Logger.Warn("directory problem", "file", src.Name(), "error", w)
	}
	if o.Directory > len(dirs) {
		return nil, formatErrorf("directory %d requested, file has %d", o.Directory, len(dirs))
	}

	sched := newScheduler(src, o)
	ds, imgWarnings, err := newImage(src, h, dirs[o.Directory-1], sched, o)
	if err != nil {
		sched.close()
		return nil, err
	}
	ds.root = true
	ds.warnings = multierror.Append(warnings, imgWarnings...)

	var keyWarnings []error
	ds.keys, keyWarnings = parseGeoKeys(ds.dir)
	ds.warnings = multierror.Append(ds.warnings, keyWarnings...)
	if o.FS != nil {
		ds.side = newSidecars(o.FS, src.Name(), o.Logger)
	}

	ds.metadata = datasetMetadata(ds.dir, ds.geom, ds.compression, ds.predictor, ds.keys)
	noData, err := parseNoData(ds.dir)
	if err != nil {
		ds.warnings = multierror.Append(ds.warnings, err)
	}
	ds.bands = buildBands(ds, ds.dir, noData)
	if err := applyGDALMetadata(ds.dir, ds.metadata, ds.bands); err != nil {
		ds.warnings = multierror.Append(ds.warnings, err)
	}
	if o.sources().Has(SourcePAM) && ds.side != nil {
		if p := ds.side.PAM(ctx); p != nil {
			ds.metadata.merge(p.Metadata)
			applyPAMBands(p, ds.bands)
		}
	}

	internal := internalGeoref(ds.dir, ds.keys, o)
	side := ds.side
	if side == nil {
		side = newSidecars(nil, src.Name(), o.Logger)
	}
	ds.georef = resolveGeoref(ctx, o.sources(), internal, side)

	for _, dir := range dirs[o.Directory:] {
		kind := dir.uint(NewSubfileType, 0)
		if kind&subfileReducedImage == 0 {
			break
		}
		if kind&subfileMask != 0 {
			continue
		}
		ov, ovWarnings, err := newImage(src, h, dir, sched, o)
		if err != nil {
			ds.warnings = multierror.Append(ds.warnings, fmt.Errorf("overview in directory %d: %w", dir.Index, err))
			continue
		}
		ds.warnings = multierror.Append(ds.warnings, ovWarnings...)
		ds.adoptOverview(ov)
	}

	o.Logger.Debug("opened dataset",
		"file", src.Name(),
		"directory", ds.dir.Index,
		"width", ds.geom.Width,
		"height", ds.geom.Height,
		"bands", ds.geom.Bands,
		"type", ds.geom.DataType,
		"blocks", len(ds.layout.blocks),
		"compression", ds.compression,
		"overviews", len(ds.overviews),
		"georef", ds.georef.Transform.Source,
	)
	return ds, nil
}

// newImage builds the geometry and block table of dir.
func newImage(src source.Source, h header, dir *Directory, sched *scheduler, o Options) (*Dataset, []error, error) {
	g, err := imageGeometry(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("directory %d: %w", dir.Index, err)
	}
	compression := int(dir.uint(Compression, codec.None))
	if _, err := o.Registry.Lookup(compression); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrUnsupported, err)
	}
	readGeom, blocks, warnings, err := locate(dir, g, compression, src.Size(), o)
	if err != nil {
		return nil, nil, fmt.Errorf("directory %d: %w", dir.Index, err)
	}

	ds := &Dataset{
		name:        src.Name(),
		src:         src,
		opts:        o,
		log:         o.Logger,
		header:      h,
		dir:         dir,
		geom:        g,
		compression: compression,
		predictor:   int(dir.uint(Predictor, codec.PredictorNone)),
		photometric: int(dir.uint(Photometric, 1)),
		sched:       sched,
	}
	var tables []byte
	if e, ok := dir.Entry(JPEGTables); ok {
		tables = e.Raw()
	}
	ds.layout = &layout{
		dirOffset:   dir.Offset,
		geom:        readGeom,
		blocks:      blocks,
		compression: compression,
		order:       h.ByteOrder,
		template: codec.Block{
			Width:           readGeom.BlockWidth,
			SamplesPerPixel: readGeom.samplesPerBlockPixel(),
			BitsPerSample:   g.BitsPerSample,
			SampleFormat:    g.SampleFormat,
			Predictor:       ds.predictor,
			ByteOrder:       h.ByteOrder,
			Photometric:     ds.photometric,
			FillOrder:       int(dir.uint(FillOrder, 1)),
			JPEGTables:      tables,
		},
	}
	return ds, warnings, nil
}

// imageGeometry reads the raster layout tags of dir, applying the TIFF defaults.
func imageGeometry(dir *Directory) (Geometry, error) {
	w, h := dir.uint(ImageWidth, 0), dir.uint(ImageLength, 0)
	if w == 0 || h == 0 {
		return Geometry{}, formatErrorf("missing or invalid tag: ImageWidth/ImageLength (%dx%d)", w, h)
	}
	if w > maxDimension || h > maxDimension {
		return Geometry{}, unsupportedf("raster of %dx%d pixels", w, h)
	}
	g := Geometry{
		Width:        int(w),
		Height:       int(h),
		Bands:        int(dir.uint(SamplesPerPixel, 1)),
		SampleFormat: int(dir.uint(SampleFormat, sampleFormatUint)),
		Planar:       int(dir.uint(PlanarConfiguration, PlanarChunky)),
	}
	if g.Bands == 0 {
		return Geometry{}, formatErrorf("SamplesPerPixel is 0")
	}
	bps := dir.uints(BitsPerSample)
	g.BitsPerSample = 1
	if len(bps) > 0 {
		g.BitsPerSample = int(bps[0])
	}
	for _, b := range bps[min(len(bps), 1):] {
		if int(b) != g.BitsPerSample {
			return Geometry{}, unsupportedf("bands of different depths (%v)", bps)
		}
	}
	if g.Planar != PlanarSeparate || g.Bands == 1 {
		g.Planar = PlanarChunky
	}

	if dir.has(TileWidth) || dir.has(TileLength) {
		g.Tiled = true
		g.BlockWidth = int(dir.uint(TileWidth, 0))
		g.BlockHeight = int(dir.uint(TileLength, 0))
		if g.BlockWidth <= 0 || g.BlockHeight <= 0 || g.BlockWidth > maxDimension || g.BlockHeight > maxDimension {
			return Geometry{}, formatErrorf("invalid tile size %dx%d", g.BlockWidth, g.BlockHeight)
		}
	} else {
		g.BlockWidth = g.Width
		rps := dir.uint(RowsPerStrip, h)
		if rps == 0 || rps > h {
			rps = h
		}
		g.BlockHeight = int(rps)
	}

	dt, err := dataTypeFor(g.SampleFormat, g.BitsPerSample)
	if err != nil {
		return Geometry{}, err
	}
	g.DataType = dt
	return g, nil
}

const maxDimension = 1 << 30

// adoptOverview attaches a reduced resolution image, deriving its
// georeferencing and bands from ds.
func (ds *Dataset) adoptOverview(ov *Dataset) {
	ov.keys = ds.keys
	ov.side = ds.side
	ov.metadata = datasetMetadata(ov.dir, ov.geom, ov.compression, ov.predictor, ds.keys)
	ov.georef = ds.georef
	ov.georef.GCPs = nil
	if ds.georef.Transform.Valid() {
		sx := float64(ds.geom.Width) / float64(ov.geom.Width)
		sy := float64(ds.geom.Height) / float64(ov.geom.Height)
		c := &ov.georef.Transform.Coeffs
		c[1] *= sx
		c[4] *= sx
		c[2] *= sy
		c[5] *= sy
	}
	ov.bands = make([]*Band, ov.geom.Bands)
	for i := range ov.bands {
		if i < len(ds.bands) {
			ov.bands[i] = ds.bands[i].clone(ov)
			ov.bands[i].colors = nil
		} else {
			ov.bands[i] = &Band{ds: ov, index: i + 1, metadata: newMetadata()}
		}
	}
	ds.overviews = append(ds.overviews, ov)
}

// Name is the identifier the dataset was opened with.
func (ds *Dataset) Name() string { return ds.name }

func (ds *Dataset) Width() int  { return ds.geom.Width }
func (ds *Dataset) Height() int { return ds.geom.Height }

func (ds *Dataset) BandCount() int { return ds.geom.Bands }

// Geometry returns the layout declared by the directory.
func (ds *Dataset) Geometry() Geometry { return ds.geom }

// BlockSize is the strip or tile size used for reading, after chopping.
func (ds *Dataset) BlockSize() (int, int) {
	return ds.layout.geom.BlockWidth, ds.layout.geom.BlockHeight
}

func (ds *Dataset) Compression() int { return ds.compression }

// ByteOrder is the byte order of the file.
func (ds *Dataset) ByteOrder() binary.ByteOrder { return ds.header.ByteOrder }

func (ds *Dataset) BigTIFF() bool { return ds.header.BigTIFF }

// Directory exposes the raw tag table, unknown tags included.
func (ds *Dataset) Directory() *Directory { return ds.dir }

func (ds *Dataset) GeoKeys() *GeoKeys { return ds.keys }

// Band returns the 1-based band i.
func (ds *Dataset) Band(i int) (*Band, error) {
	if i < 1 || i > len(ds.bands) {
		return nil, boundsErrorf("band %d out of range 1..%d", i, len(ds.bands))
	}
	return ds.bands[i-1], nil
}

func (ds *Dataset) Metadata() *Metadata { return ds.metadata }

func (ds *Dataset) Georef() Georef { return ds.georef }

// GeoTransform returns the resolved transform. Valid is false and the
// coefficients are the identity when no source provided one.
func (ds *Dataset) GeoTransform() GeoTransform { return ds.georef.Transform }

// SRS returns the resolved spatial reference, "" when unknown.
func (ds *Dataset) SRS() string { return ds.georef.SRS }

// GCPs returns the ground control points and their spatial reference.
func (ds *Dataset) GCPs() ([]sidecar.GCP, string) {
	return slices.Clone(ds.georef.GCPs), ds.georef.GCPProjection
}

// Bounds returns the georeferenced extent of the raster.
func (ds *Dataset) Bounds() (orb.Bound, error) {
	t := ds.georef.Transform
	if !t.Valid() {
		return orb.Bound{}, fmt.Errorf("%s has no geotransform", ds.name)
	}
	w, h := float64(ds.geom.Width), float64(ds.geom.Height)
	var mp orb.MultiPoint
	for _, c := range [][2]float64{{0, 0}, {w, 0}, {0, h}, {w, h}} {
		x, y := t.Apply(c[0], c[1])
		mp = append(mp, orb.Point{x, y})
	}
	return mp.Bound(), nil
}

// BlockInfo returns the location of the block at col, row of the 1-based
// band. ok is false when the block is out of range or unavailable.
func (ds *Dataset) BlockInfo(band, col, row int) (BlockDescriptor, bool) {
	g := ds.layout.geom
	if band < 1 || band > g.Bands || col < 0 || col >= g.BlocksAcross() || row < 0 || row >= g.BlocksDown() {
		return BlockDescriptor{}, false
	}
	p := 0
	if g.Planar == PlanarSeparate {
		p = band - 1
	}
	idx := g.blockIndex(p, col, row)
	if idx >= len(ds.layout.blocks) {
		return BlockDescriptor{}, false
	}
	b := ds.layout.blocks[idx]
	return b, b.Available
}

func (ds *Dataset) OverviewCount() int { return len(ds.overviews) }

// Overview returns the 0-based reduced resolution image i.
func (ds *Dataset) Overview(i int) (*Dataset, error) {
	if i < 0 || i >= len(ds.overviews) {
		return nil, boundsErrorf("overview %d out of range 0..%d", i, len(ds.overviews)-1)
	}
	return ds.overviews[i], nil
}

// FileList returns the raster followed by the sidecars found so far.
func (ds *Dataset) FileList() []string {
	files := []string{ds.name}
	if ds.side != nil {
		files = append(files, ds.side.fileList()...)
	}
	return files
}

// Warnings returns the non fatal problems met while opening the dataset and
// reading its sidecars, nil when there were none.
func (ds *Dataset) Warnings() error {
	w := ds.warnings
	if ds.side != nil {
		w = multierror.Append(w, ds.side.warningList()...)
	}
	return w.ErrorOrNil()
}

// Close releases the block cache and the source. Closing an overview is a
// no-op; it shares the resources of its parent.
func (ds *Dataset) Close() error {
	if !ds.root {
		return nil
	}
	var err error
	ds.closeOnce.Do(func() {
		ds.sched.close()
		err = ds.src.Close()
	})
	return err
}
