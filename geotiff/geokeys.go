package geotiff

import (
	"fmt"
	"strings"
)

// GeoKey identifiers.
const (
	GTModelTypeGeoKey      = 1024
	GTRasterTypeGeoKey     = 1025
	GTCitationGeoKey       = 1026
	GeographicTypeGeoKey   = 2048
	GeogCitationGeoKey     = 2049
	ProjectedCSTypeGeoKey  = 3072
	PCSCitationGeoKey      = 3073
	ProjLinearUnitsGeoKey  = 3076
	VerticalCSTypeGeoKey   = 4096
	VerticalCitationGeoKey = 4097
)

// Raster types.
const (
	RasterPixelIsArea  = 1
	RasterPixelIsPoint = 2
)

const userDefined = 32767

// GeoKey is one decoded key: a short value, doubles or text.
type GeoKey struct {
	ID      int
	Short   int
	Doubles []float64
	Text    string
}

// GeoKeys is the decoded GeoKeyDirectory of a directory.
type GeoKeys struct {
	Version int
	Keys    map[int]GeoKey
}

func (k *GeoKeys) short(id int) int {
	if k == nil {
		return 0
	}
	return k.Keys[id].Short
}

func (k *GeoKeys) text(id int) string {
	if k == nil {
		return ""
	}
	return k.Keys[id].Text
}

func (k *GeoKeys) ModelType() int  { return k.short(GTModelTypeGeoKey) }
func (k *GeoKeys) RasterType() int { return k.short(GTRasterTypeGeoKey) }

// Citation returns the first non empty citation key.
func (k *GeoKeys) Citation() string {
	for _, id := range []int{GTCitationGeoKey, PCSCitationGeoKey, GeogCitationGeoKey} {
		if c := k.text(id); c != "" {
			return c
		}
	}
	return ""
}

// EPSG returns the projected or geographic code, 0 when user defined or absent.
func (k *GeoKeys) EPSG() int {
	for _, id := range []int{ProjectedCSTypeGeoKey, GeographicTypeGeoKey} {
		if c := k.short(id); c > 0 && c < userDefined {
			return c
		}
	}
	return 0
}

// SRS renders the reference as "EPSG:<code>", or a local system named after
// the citation, or "" when the keys describe nothing.
func (k *GeoKeys) SRS() string {
	if k == nil {
		return ""
	}
	if code := k.EPSG(); code != 0 {
		return fmt.Sprintf("EPSG:%d", code)
	}
	if c := k.Citation(); c != "" {
		return fmt.Sprintf("LOCAL_CS[%q]", c)
	}
	return ""
}

// parseGeoKeys decodes the key directory. Entries that point outside the
// parameter tags are dropped and reported; a malformed directory never panics.
func parseGeoKeys(dir *Directory) (*GeoKeys, []error) {
	raw := dir.uints(GeoKeyDirectory)
	if len(raw) == 0 {
		return nil, nil
	}
	if len(raw) < 4 {
		return nil, []error{fmt.Errorf("GeoKeyDirectory too short (%d values)", len(raw))}
	}
	doubles := dir.floats(GeoDoubleParams)
	ascii, _ := dir.text(GeoAsciiParams)

	keys := &GeoKeys{Version: int(raw[0]), Keys: make(map[int]GeoKey)}
	var warnings []error
	n := int(raw[3])
	if avail := (len(raw) - 4) / 4; n > avail {
		warnings = append(warnings, fmt.Errorf("GeoKeyDirectory declares %d keys, has room for %d", n, avail))
		n = avail
	}
	for i := 0; i < n; i++ {
		e := raw[4+4*i : 8+4*i]
		id, loc, count, value := int(e[0]), Tag(e[1]), int(e[2]), int(e[3])
		key := GeoKey{ID: id}
		switch loc {
		case 0:
			key.Short = value
		case GeoDoubleParams:
			if value < 0 || count < 0 || value+count > len(doubles) {
				warnings = append(warnings, fmt.Errorf("geokey %d: doubles %d+%d out of range", id, value, count))
				continue
			}
			key.Doubles = append([]float64(nil), doubles[value:value+count]...)
		case GeoAsciiParams:
			if value < 0 || count < 0 || value+count > len(ascii) {
				warnings = append(warnings, fmt.Errorf("geokey %d: text %d+%d out of range", id, value, count))
				continue
			}
			key.Text = strings.TrimRight(ascii[value:value+count], "|\x00")
		case GeoKeyDirectory:
			if value < 0 || value >= len(raw) {
				warnings = append(warnings, fmt.Errorf("geokey %d: short offset %d out of range", id, value))
				continue
			}
			key.Short = int(raw[value])
		default:
			warnings = append(warnings, fmt.Errorf("geokey %d: unknown location tag %d", id, loc))
			continue
		}
		keys.Keys[id] = key
	}
	return keys, warnings
}
