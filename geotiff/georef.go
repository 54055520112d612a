package geotiff

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/akhenakh/gtiffread/sidecar"
	"github.com/akhenakh/gtiffread/source"
)

// GeoTransform maps pixel/line to georeferenced coordinates:
//
//	X = Coeffs[0] + px*Coeffs[1] + py*Coeffs[2]
//	Y = Coeffs[3] + px*Coeffs[4] + py*Coeffs[5]
type GeoTransform struct {
	Coeffs [6]float64
	// Source is SourceNone when no source determined a transform.
	Source GeorefSource
}

var identityTransform = [6]float64{0, 1, 0, 0, 0, 1}

// Valid reports whether a source determined the transform.
func (t GeoTransform) Valid() bool { return t.Source != SourceNone }

// Apply converts a pixel/line position.
func (t GeoTransform) Apply(px, py float64) (x, y float64) {
	c := t.Coeffs
	return c[0] + px*c[1] + py*c[2], c[3] + px*c[4] + py*c[5]
}

// Pixel converts georeferenced coordinates back to pixel/line.
func (t GeoTransform) Pixel(x, y float64) (px, py float64, ok bool) {
	c := t.Coeffs
	det := c[1]*c[5] - c[2]*c[4]
	if det == 0 {
		return 0, 0, false
	}
	dx, dy := x-c[0], y-c[3]
	return (dx*c[5] - dy*c[2]) / det, (dy*c[1] - dx*c[4]) / det, true
}

// Georef is the resolved georeferencing of a dataset.
type Georef struct {
	Transform     GeoTransform
	SRS           string
	SRSSource     GeorefSource
	GCPs          []sidecar.GCP
	GCPProjection string
	GCPSource     GeorefSource
}

// candidate is what one source contributes. Each part is resolved
// independently.
type candidate struct {
	transform     *[6]float64
	srs           string
	gcps          []sidecar.GCP
	gcpProjection string
}

// internalGeoref reads the transform, GCPs and SRS embedded in the file.
func internalGeoref(dir *Directory, keys *GeoKeys, o Options) *candidate {
	c := &candidate{srs: keys.SRS()}
	point := keys.RasterType() == RasterPixelIsPoint && !o.PointGeoIgnore

	shift := func(gt *[6]float64) {
		if point {
			gt[0] -= 0.5*gt[1] + 0.5*gt[2]
			gt[3] -= 0.5*gt[4] + 0.5*gt[5]
		}
	}

	tp := dir.floats(ModelTiepoint)
	scale := dir.floats(ModelPixelScale)
	switch m := dir.floats(ModelTransformation); {
	case len(m) == 16:
		gt := [6]float64{m[3], m[0], m[1], m[7], m[4], m[5]}
		shift(&gt)
		c.transform = &gt
	case len(tp) == 6 && len(scale) >= 2 && scale[0] != 0 && scale[1] != 0:
		sx, sy := scale[0], scale[1]
		if sy < 0 && !o.HonourNegativeScaleY {
			sy = -sy
		}
		gt := [6]float64{tp[3] - tp[0]*sx, sx, 0, tp[4] + tp[1]*sy, 0, -sy}
		shift(&gt)
		c.transform = &gt
	case len(tp) >= 6:
		for i := 0; i+5 < len(tp); i += 6 {
			g := sidecar.GCP{
				ID:    strconv.Itoa(i/6 + 1),
				Pixel: tp[i], Line: tp[i+1],
				X: tp[i+3], Y: tp[i+4], Z: tp[i+5],
			}
			if point {
				g.Pixel += 0.5
				g.Line += 0.5
			}
			c.gcps = append(c.gcps, g)
		}
		c.gcpProjection = c.srs
	}
	return c
}

// maxSidecarBytes bounds the size of an auxiliary file.
const maxSidecarBytes = 64 << 20

// sidecars finds and reads auxiliary files next to the raster. Results are
// memoized; it is safe for concurrent use.
type sidecars struct {
	fs   source.Opener
	base string
	log  *slog.Logger

	mu       sync.Mutex
	files    []string
	warnings []error
	cands    map[GeorefSource]*candidate
	pam      *sidecar.PAM
	pamRead  bool
	rat      *sidecar.AttributeTable
	ratErr   error
	ratRead  bool
}

func newSidecars(opener source.Opener, base string, log *slog.Logger) *sidecars {
	return &sidecars{fs: opener, base: base, log: log, cands: make(map[GeorefSource]*candidate)}
}

func trimExt(name string) string {
	return strings.TrimSuffix(name, path.Ext(name))
}

// read returns the first existing file among names. Missing files are not
// an error; other failures are recorded as warnings.
func (s *sidecars) read(ctx context.Context, names ...string) (string, []byte, bool) {
	if s.fs == nil {
		return "", nil, false
	}
	for _, name := range names {
		size, err := s.fs.Stat(ctx, name)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				s.warnings = append(s.warnings, fmt.Errorf("sidecar %s: %w", name, err))
			}
			continue
		}
		if size > maxSidecarBytes {
			s.warnings = append(s.warnings, fmt.Errorf("sidecar %s: %d bytes exceeds %d", name, size, maxSidecarBytes))
			continue
		}
		src, err := s.fs.Open(ctx, name)
		if err != nil {
			s.warnings = append(s.warnings, fmt.Errorf("sidecar %s: %w", name, err))
			continue
		}
		data, err := source.ReadRange(src, 0, size)
		src.Close()
		if err != nil {
			s.warnings = append(s.warnings, fmt.Errorf("sidecar %s: %w", name, err))
			continue
		}
		s.files = append(s.files, name)
		s.log.Debug("read sidecar", "file", name, "bytes", size)
		return name, data, true
	}
	return "", nil, false
}

func (s *sidecars) loadPAM(ctx context.Context) *sidecar.PAM {
	if s.pamRead {
		return s.pam
	}
	s.pamRead = true
	name, data, ok := s.read(ctx, s.base+".aux.xml")
	if !ok {
		return nil
	}
	p, err := sidecar.ParsePAM(data)
	if err != nil {
		s.warnings = append(s.warnings, fmt.Errorf("sidecar %s: %w", name, err))
		return nil
	}
	s.pam = p
	return p
}

// candidate loads what src contributes, once.
func (s *sidecars) candidate(ctx context.Context, src GeorefSource) *candidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.cands[src]; ok {
		return c
	}
	c := &candidate{}
	switch src {
	case SourcePAM:
		if p := s.loadPAM(ctx); p != nil {
			c.transform = p.GeoTransform
			c.srs = p.SRS
			c.gcps = p.GCPs
			c.gcpProjection = p.GCPProjection
		}
	case SourceTabFile:
		stem := trimExt(s.base)
		if name, data, ok := s.read(ctx, stem+".tab", stem+".TAB"); ok {
			tab, err := sidecar.ParseTab(data)
			if err != nil {
				s.warnings = append(s.warnings, fmt.Errorf("sidecar %s: %w", name, err))
				break
			}
			if gt, ok := tab.GeoTransform(); ok {
				c.transform = &gt
			}
			c.srs = tab.CoordSys
		}
	case SourceWorldFile:
		if name, data, ok := s.read(ctx, sidecar.WorldFileNames(s.base)...); ok {
			wf, err := sidecar.ParseWorldFile(data)
			if err != nil {
				s.warnings = append(s.warnings, fmt.Errorf("sidecar %s: %w", name, err))
				break
			}
			gt := wf.GeoTransform()
			c.transform = &gt
		}
	case SourceXML:
		stem := trimExt(s.base)
		if name, data, ok := s.read(ctx, stem+".xml"); ok {
			md, err := sidecar.ParseESRIMetadata(data)
			if err != nil {
				s.warnings = append(s.warnings, fmt.Errorf("sidecar %s: %w", name, err))
				break
			}
			c.srs = md.SRS()
		}
	}
	s.cands[src] = c
	return c
}

// PAM returns the persisted auxiliary metadata, loading it if needed.
func (s *sidecars) PAM(ctx context.Context) *sidecar.PAM {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadPAM(ctx)
}

// RAT returns the raster attribute table, nil when there is none.
func (s *sidecars) RAT(ctx context.Context) (*sidecar.AttributeTable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ratRead {
		return s.rat, s.ratErr
	}
	s.ratRead = true
	name, data, ok := s.read(ctx, s.base+".vat.dbf")
	if !ok {
		return nil, nil
	}
	s.rat, s.ratErr = sidecar.ParseDBF(data)
	if s.ratErr != nil {
		s.ratErr = fmt.Errorf("%w: attribute table %s: %w", ErrFormat, name, s.ratErr)
	}
	return s.rat, s.ratErr
}

func (s *sidecars) fileList() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.files)
}

func (s *sidecars) warningList() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.warnings)
}

// firstSource walks order and returns the first source whose candidate
// satisfies has. An INTERNAL hit is overridden by PAM when PAM is listed and
// provides the same part, wherever it appears in order.
func firstSource(order GeorefSources, get func(GeorefSource) *candidate, has func(*candidate) bool) (GeorefSource, *candidate) {
	for _, src := range order {
		c := get(src)
		if !has(c) {
			continue
		}
		if src == SourceInternal && order.Has(SourcePAM) {
			if p := get(SourcePAM); has(p) {
				return SourcePAM, p
			}
		}
		return src, c
	}
	return SourceNone, nil
}

// resolveGeoref walks the configured sources. Transform, SRS and GCPs are
// resolved independently; GCPs follow the configured order strictly.
func resolveGeoref(ctx context.Context, order GeorefSources, internal *candidate, side *sidecars) Georef {
	get := func(src GeorefSource) *candidate {
		if src == SourceInternal {
			return internal
		}
		return side.candidate(ctx, src)
	}

	g := Georef{Transform: GeoTransform{Coeffs: identityTransform}}
	if src, c := firstSource(order, get, func(c *candidate) bool { return c.transform != nil }); c != nil {
		g.Transform = GeoTransform{Coeffs: *c.transform, Source: src}
	}
	if src, c := firstSource(order, get, func(c *candidate) bool { return c.srs != "" }); c != nil {
		g.SRS, g.SRSSource = c.srs, src
	}
	for _, src := range order {
		if c := get(src); len(c.gcps) > 0 {
			g.GCPs = slices.Clone(c.gcps)
			g.GCPProjection, g.GCPSource = c.gcpProjection, src
			break
		}
	}
	return g
}
