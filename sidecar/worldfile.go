// Package sidecar parses the auxiliary files that can accompany a raster:
// world files, PAM .aux.xml documents, MapInfo .tab files, ESRI .xml
// metadata and DBF raster attribute tables.
//
// Parsers take bytes and know nothing about where the files live.
package sidecar

import (
	"fmt"
	"path"
	"strconv"
	"strings"
)

// WorldFile holds the six parameters of an ESRI world file (.tfw, .wld).
//
// Line 1: pixel width (x-component of pixel size)
// Line 2: rotation about y-axis
// Line 3: rotation about x-axis
// Line 4: pixel height (y-component, negative for north-up)
// Line 5: x-coordinate of the center of the upper-left pixel
// Line 6: y-coordinate of the center of the upper-left pixel
type WorldFile struct {
	PixelSizeX float64
	RotationY  float64
	RotationX  float64
	PixelSizeY float64
	OriginX    float64
	OriginY    float64
}

// ParseWorldFile reads the six values of a world file. Blank lines are
// ignored and values may be separated by any white space.
func ParseWorldFile(data []byte) (*WorldFile, error) {
	fields := strings.Fields(string(data))
	if len(fields) < 6 {
		return nil, fmt.Errorf("world file: expected 6 values, got %d", len(fields))
	}

	vals := make([]float64, 6)
	for i := 0; i < 6; i++ {
		v, err := strconv.ParseFloat(strings.TrimSuffix(fields[i], ","), 64)
		if err != nil {
			return nil, fmt.Errorf("world file line %d: %w", i+1, err)
		}
		vals[i] = v
	}

	wf := &WorldFile{
		PixelSizeX: vals[0],
		RotationY:  vals[1],
		RotationX:  vals[2],
		PixelSizeY: vals[3],
		OriginX:    vals[4],
		OriginY:    vals[5],
	}
	if (wf.PixelSizeX == 0 && wf.RotationX == 0) || (wf.RotationY == 0 && wf.PixelSizeY == 0) {
		return nil, fmt.Errorf("world file: degenerate pixel size")
	}
	return wf, nil
}

// GeoTransform converts the world file into a corner based affine transform
// (origin x, pixel width, row rotation, origin y, column rotation, pixel height).
// The world file origin is the center of the upper-left pixel.
func (wf *WorldFile) GeoTransform() [6]float64 {
	return [6]float64{
		wf.OriginX - 0.5*wf.PixelSizeX - 0.5*wf.RotationX,
		wf.PixelSizeX,
		wf.RotationX,
		wf.OriginY - 0.5*wf.RotationY - 0.5*wf.PixelSizeY,
		wf.RotationY,
		wf.PixelSizeY,
	}
}

// WorldFileNames lists the candidate world file names for a raster, in
// probing order: first and last letter of the extension plus "w" (.tfw),
// extension plus "w" (.tifw), then .wld, each in lower and upper case.
func WorldFileNames(raster string) []string {
	ext := path.Ext(raster)
	base := strings.TrimSuffix(raster, ext)
	e := strings.TrimPrefix(ext, ".")

	var exts []string
	if len(e) >= 2 {
		exts = append(exts, string(e[0])+string(e[len(e)-1])+"w")
	}
	if e != "" {
		exts = append(exts, e+"w")
	}
	exts = append(exts, "wld")

	names := make([]string, 0, 2*len(exts))
	for _, x := range exts {
		names = append(names, base+"."+strings.ToLower(x))
	}
	for _, x := range exts {
		names = append(names, base+"."+strings.ToUpper(x))
	}
	return names
}
