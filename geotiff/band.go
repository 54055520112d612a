package geotiff

import (
	"context"
	"image/color"
	"slices"
	"strconv"

	"github.com/akhenakh/gtiffread/sidecar"
)

// Band describes one sample of a dataset.
type Band struct {
	ds    *Dataset
	index int

	noData      *float64
	description string
	offset      *float64
	scale       *float64
	unit        string
	metadata    *Metadata
	colors      []color.RGBA
}

// Index is the 1-based band number.
func (b *Band) Index() int { return b.index }

func (b *Band) DataType() DataType { return b.ds.geom.DataType }

// NoData returns the declared fill value.
func (b *Band) NoData() (float64, bool) {
	if b.noData == nil {
		return 0, false
	}
	return *b.noData, true
}

func (b *Band) Description() string { return b.description }

// Offset and Scale convert raw values to physical ones: v*scale + offset.
func (b *Band) Offset() (float64, bool) {
	if b.offset == nil {
		return 0, false
	}
	return *b.offset, true
}

func (b *Band) Scale() (float64, bool) {
	if b.scale == nil {
		return 1, false
	}
	return *b.scale, true
}

func (b *Band) Unit() string { return b.unit }

func (b *Band) Metadata() *Metadata { return b.metadata }

// ColorTable returns the palette of a paletted image, nil otherwise.
func (b *Band) ColorTable() []color.RGBA { return slices.Clone(b.colors) }

// RAT returns the raster attribute table stored next to the file. It is
// nil when there is none, or for bands other than the first.
func (b *Band) RAT(ctx context.Context) (*sidecar.AttributeTable, error) {
	if b.index != 1 || b.ds.side == nil {
		return nil, nil
	}
	return b.ds.side.RAT(ctx)
}

// fill is the value written where the raster has no data.
func (b *Band) fill() float64 {
	if b.noData == nil {
		return 0
	}
	return *b.noData
}

func (b *Band) clone(ds *Dataset) *Band {
	c := *b
	c.ds = ds
	return &c
}

// buildBands creates the bands of dir from its tags.
func buildBands(ds *Dataset, dir *Directory, noData *float64) []*Band {
	g := ds.geom
	bands := make([]*Band, g.Bands)
	for i := range bands {
		b := &Band{ds: ds, index: i + 1, noData: noData, metadata: newMetadata()}
		if g.BitsPerSample%8 != 0 || g.BitsPerSample > 64 {
			b.metadata.Set(DomainImageStructure, "NBITS", strconv.Itoa(g.BitsPerSample))
		}
		if g.DataType == Int8 {
			b.metadata.Set(DomainImageStructure, "PIXELTYPE", "SIGNEDBYTE")
		}
		if i == 0 {
			b.colors = colorTable(dir, ds.photometric, g.BitsPerSample)
		}
		bands[i] = b
	}
	return bands
}

// applyPAMBands overrides band properties with the persisted ones.
func applyPAMBands(p *sidecar.PAM, bands []*Band) {
	for _, pb := range p.Bands {
		if pb.Band < 1 || pb.Band > len(bands) {
			continue
		}
		b := bands[pb.Band-1]
		if pb.Description != "" {
			b.description = pb.Description
		}
		if pb.NoData != nil {
			v := *pb.NoData
			b.noData = &v
		}
		b.metadata.merge(pb.Metadata)
	}
}
