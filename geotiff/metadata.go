package geotiff

import (
	"encoding/xml"
	"fmt"
	"image/color"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/elliotchance/orderedmap/v3"

	"github.com/akhenakh/gtiffread/codec"
	"github.com/akhenakh/gtiffread/sidecar"
)

// Metadata domains.
const (
	DomainDefault        = ""
	DomainImageStructure = "IMAGE_STRUCTURE"
)

// Metadata holds key/value items per domain, in insertion order. A nil
// *Metadata is empty.
type Metadata struct {
	domains map[string]*orderedmap.OrderedMap[string, string]
}

func newMetadata() *Metadata {
	return &Metadata{domains: make(map[string]*orderedmap.OrderedMap[string, string])}
}

// Set adds or replaces key in domain. A replaced key keeps its position.
func (m *Metadata) Set(domain, key, value string) {
	d, ok := m.domains[domain]
	if !ok {
		d = orderedmap.NewOrderedMap[string, string]()
		m.domains[domain] = d
	}
	d.Set(key, value)
}

func (m *Metadata) Get(domain, key string) (string, bool) {
	if m == nil {
		return "", false
	}
	if d, ok := m.domains[domain]; ok {
		return d.Get(key)
	}
	return "", false
}

// Items lists the items of domain.
func (m *Metadata) Items(domain string) []sidecar.Item {
	if m == nil {
		return nil
	}
	d, ok := m.domains[domain]
	if !ok {
		return nil
	}
	items := make([]sidecar.Item, 0, d.Len())
	for el := d.Front(); el != nil; el = el.Next() {
		items = append(items, sidecar.Item{Key: el.Key, Value: el.Value})
	}
	return items
}

// Domains lists the non empty domains, sorted.
func (m *Metadata) Domains() []string {
	if m == nil {
		return nil
	}
	out := make([]string, 0, len(m.domains))
	for name, d := range m.domains {
		if d.Len() > 0 {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}

func (m *Metadata) merge(items map[string][]sidecar.Item) {
	for domain, list := range items {
		for _, it := range list {
			m.Set(domain, it.Key, it.Value)
		}
	}
}

var textTags = []struct {
	tag Tag
	key string
}{
	{DocumentName, "TIFFTAG_DOCUMENTNAME"},
	{ImageDescription, "TIFFTAG_IMAGEDESCRIPTION"},
	{Software, "TIFFTAG_SOFTWARE"},
	{DateTime, "TIFFTAG_DATETIME"},
	{Artist, "TIFFTAG_ARTIST"},
	{HostComputer, "TIFFTAG_HOSTCOMPUTER"},
	{Copyright, "TIFFTAG_COPYRIGHT"},
}

var resolutionUnits = map[uint64]string{1: "1 (unitless)", 2: "2 (pixels/inch)", 3: "3 (pixels/cm)"}

// datasetMetadata collects the TIFF text tags, resolution, pixel convention
// and image structure of a directory.
func datasetMetadata(dir *Directory, g Geometry, compression, predictor int, keys *GeoKeys) *Metadata {
	md := newMetadata()
	for _, t := range textTags {
		if s, ok := dir.text(t.tag); ok && s != "" {
			md.Set(DomainDefault, t.key, s)
		}
	}
	if v := dir.floats(XResolution); len(v) > 0 {
		md.Set(DomainDefault, "TIFFTAG_XRESOLUTION", fmt.Sprintf("%.8g", v[0]))
	}
	if v := dir.floats(YResolution); len(v) > 0 {
		md.Set(DomainDefault, "TIFFTAG_YRESOLUTION", fmt.Sprintf("%.8g", v[0]))
	}
	if u, ok := resolutionUnits[dir.uint(ResolutionUnit, 0)]; ok {
		md.Set(DomainDefault, "TIFFTAG_RESOLUTIONUNIT", u)
	}
	if keys != nil {
		if keys.RasterType() == RasterPixelIsPoint {
			md.Set(DomainDefault, "AREA_OR_POINT", "Point")
		} else {
			md.Set(DomainDefault, "AREA_OR_POINT", "Area")
		}
	}

	name := codec.Name(compression)
	if name == "" {
		name = strconv.Itoa(compression)
	}
	md.Set(DomainImageStructure, "COMPRESSION", name)
	if g.Planar == PlanarSeparate || g.Bands == 1 {
		md.Set(DomainImageStructure, "INTERLEAVE", "BAND")
	} else {
		md.Set(DomainImageStructure, "INTERLEAVE", "PIXEL")
	}
	if predictor > codec.PredictorNone {
		md.Set(DomainImageStructure, "PREDICTOR", strconv.Itoa(predictor))
	}
	return md
}

// gdalMetadataItem is one item of the GDAL_METADATA tag document.
type gdalMetadataItem struct {
	Name   string `xml:"name,attr"`
	Sample string `xml:"sample,attr"`
	Domain string `xml:"domain,attr"`
	Role   string `xml:"role,attr"`
	Value  string `xml:",chardata"`
}

type gdalMetadataXML struct {
	XMLName xml.Name           `xml:"GDALMetadata"`
	Items   []gdalMetadataItem `xml:"Item"`
}

// applyGDALMetadata distributes the GDAL_METADATA items: those without a
// sample go to the dataset, the others to their 0-based band, where roles
// set the description, scale, offset and unit.
func applyGDALMetadata(dir *Directory, md *Metadata, bands []*Band) error {
	s, ok := dir.text(GDALMetadata)
	if !ok || strings.TrimSpace(s) == "" {
		return nil
	}
	var doc gdalMetadataXML
	if err := xml.Unmarshal([]byte(s), &doc); err != nil {
		return fmt.Errorf("GDAL_METADATA: %w", err)
	}
	for _, it := range doc.Items {
		if it.Sample == "" {
			if it.Role == "" {
				md.Set(it.Domain, it.Name, it.Value)
			}
			continue
		}
		i, err := strconv.Atoi(it.Sample)
		if err != nil || i < 0 || i >= len(bands) {
			continue
		}
		b := bands[i]
		switch it.Role {
		case "description":
			b.description = it.Value
		case "scale":
			if v, err := strconv.ParseFloat(strings.TrimSpace(it.Value), 64); err == nil {
				b.scale = &v
			}
		case "offset":
			if v, err := strconv.ParseFloat(strings.TrimSpace(it.Value), 64); err == nil {
				b.offset = &v
			}
		case "unittype":
			b.unit = it.Value
		case "":
			b.metadata.Set(it.Domain, it.Name, it.Value)
		}
	}
	return nil
}

// parseNoData reads the GDAL_NODATA tag, which accepts "nan" and "inf".
func parseNoData(dir *Directory) (*float64, error) {
	s, ok := dir.text(GDALNoData)
	if !ok {
		return nil, nil
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("GDAL_NODATA %q: %w", s, err)
	}
	return &v, nil
}

const photometricPalette = 3

// colorTable converts a ColorMap of 16-bit components to 8-bit colors.
func colorTable(dir *Directory, photometric, bits int) []color.RGBA {
	if photometric != photometricPalette || bits > 16 {
		return nil
	}
	cm := dir.uints(ColorMap)
	n := 1 << bits
	if len(cm) != 3*n {
		return nil
	}
	out := make([]color.RGBA, n)
	for i := range out {
		out[i] = color.RGBA{
			R: uint8(cm[i] / 257),
			G: uint8(cm[n+i] / 257),
			B: uint8(cm[2*n+i] / 257),
			A: math.MaxUint8,
		}
	}
	return out
}
