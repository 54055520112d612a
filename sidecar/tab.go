package sidecar

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

// TabFile is the georeferencing part of a MapInfo raster .tab file.
type TabFile struct {
	Charset string
	// CoordSys is the raw "CoordSys ..." clause, empty for non-earth rasters.
	CoordSys string
	Units    string
	GCPs     []GCP
}

var tabPoint = regexp.MustCompile(`^\(\s*([-+0-9.eE]+)\s*,\s*([-+0-9.eE]+)\s*\)\s*\(\s*([-+0-9.eE]+)\s*,\s*([-+0-9.eE]+)\s*\)(?:\s*Label\s*"([^"]*)")?`)

// ParseTab reads control points and the coordinate system of a raster table.
// Text is decoded from the declared !charset.
func ParseTab(data []byte) (*TabFile, error) {
	charset := ""
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if v, ok := strings.CutPrefix(line, "!charset"); ok {
			charset = strings.TrimSpace(v)
			break
		}
	}
	if enc := tabEncoding(charset); enc != nil {
		decoded, err := enc.NewDecoder().Bytes(data)
		if err != nil {
			return nil, fmt.Errorf("tab: decoding %s: %w", charset, err)
		}
		data = decoded
	}

	tab := &TabFile{Charset: charset}
	isRaster := false
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(strings.TrimRight(line, "\r"))
		lower := strings.ToLower(line)
		switch {
		case strings.HasPrefix(lower, "type"):
			isRaster = strings.Contains(strings.ToUpper(line), `"RASTER"`)
		case strings.HasPrefix(lower, "coordsys"):
			tab.CoordSys = line
		case strings.HasPrefix(lower, "units"):
			tab.Units = strings.Trim(strings.TrimSpace(line[len("units"):]), `"`)
		case strings.HasPrefix(line, "("):
			m := tabPoint.FindStringSubmatch(line)
			if m == nil {
				return nil, fmt.Errorf("tab: malformed control point %q", line)
			}
			var v [4]float64
			for i := range v {
				f, err := strconv.ParseFloat(m[i+1], 64)
				if err != nil {
					return nil, fmt.Errorf("tab: control point %q: %w", line, err)
				}
				v[i] = f
			}
			tab.GCPs = append(tab.GCPs, GCP{
				ID:    strconv.Itoa(len(tab.GCPs) + 1),
				Info:  m[5],
				X:     v[0],
				Y:     v[1],
				Pixel: v[2],
				Line:  v[3],
			})
		}
	}
	if !isRaster {
		return nil, fmt.Errorf("tab: not a raster table")
	}
	if len(tab.GCPs) < 2 {
		return nil, fmt.Errorf("tab: %d control points, need at least 2", len(tab.GCPs))
	}
	return tab, nil
}

// GeoTransform fits the control points.
func (t *TabFile) GeoTransform() ([6]float64, bool) {
	return GCPsToGeoTransform(t.GCPs)
}

// tabEncoding maps MapInfo charset names to decoders; nil means the bytes are
// used as is.
func tabEncoding(name string) encoding.Encoding {
	switch strings.ToLower(name) {
	case "windowslatin1":
		return charmap.Windows1252
	case "windowslatin2":
		return charmap.Windows1250
	case "windowscyrillic":
		return charmap.Windows1251
	case "windowsgreek":
		return charmap.Windows1253
	case "windowsturkish":
		return charmap.Windows1254
	case "windowshebrew":
		return charmap.Windows1255
	case "windowsarabic":
		return charmap.Windows1256
	case "windowsbalticrim":
		return charmap.Windows1257
	case "iso8859_1":
		return charmap.ISO8859_1
	case "iso8859_2":
		return charmap.ISO8859_2
	case "iso8859_5":
		return charmap.ISO8859_5
	case "codepage437":
		return charmap.CodePage437
	case "codepage850":
		return charmap.CodePage850
	}
	return nil
}
