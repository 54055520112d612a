package geotiff

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// coordToPixel converts georeferenced coordinates to the pixel holding them.
func (ds *Dataset) coordToPixel(x, y float64) (int, int, error) {
	t := ds.georef.Transform
	if !t.Valid() {
		return 0, 0, fmt.Errorf("%s has no geotransform", ds.name)
	}
	px, py, ok := t.Pixel(x, y)
	if !ok {
		return 0, 0, fmt.Errorf("%s has a degenerate geotransform", ds.name)
	}
	col, row := int(math.Floor(px)), int(math.Floor(py))
	if col < 0 || row < 0 || col >= ds.geom.Width || row >= ds.geom.Height {
		return 0, 0, boundsErrorf("point (%f, %f) does not fall inside the image bounds", x, y)
	}
	return col, row, nil
}

// pixelToCoord returns the coordinates of the center of a pixel.
func (ds *Dataset) pixelToCoord(col, row int) (float64, float64) {
	return ds.georef.Transform.Apply(float64(col)+0.5, float64(row)+0.5)
}

// AtCoord returns the value of the first band at the georeferenced x, y.
// The blocks around the one read are prefetched.
func (ds *Dataset) AtCoord(ctx context.Context, x, y float64) (float64, error) {
	col, row, err := ds.coordToPixel(x, y)
	if err != nil {
		return 0, err
	}
	return ds.loc(ctx, col, row)
}

// loc reads the pixel at col, row of band 1 through the block cache.
func (ds *Dataset) loc(ctx context.Context, col, row int) (float64, error) {
	g := ds.layout.geom
	idx := g.blockIndex(0, col/g.BlockWidth, row/g.BlockHeight)

	data, warnings, err := ds.sched.block(ctx, ds.layout, idx)
	if err != nil {
		return 0, fmt.Errorf("failed to get data for block %d: %w", idx, err)
	}
	for _, w := range warnings {
		ds.log.Warn("block read with errors", "block", idx, "error", w)
	}
	ds.sched.prefetchNeighbors(ds.layout, idx)

	s := &sampler{g: g, blocks: map[int][]byte{idx: data}, size: g.DataType.Size()}
	v, ok := s.at(0, col, row)
	if !ok {
		return ds.bands[0].fill(), nil
	}
	re, _ := sampleValue(v, g.DataType)
	return re, nil
}

// Profile samples the first band along a path of [y, x] coordinate pairs, at
// the resolution of the pixel grid. Every pixel is visited once. Each result
// is [y, x, value] at the pixel center.
func (ds *Dataset) Profile(ctx context.Context, coordinates [][]float64) ([][]float64, error) {
	if len(coordinates) < 2 {
		return nil, errors.New("at least two coordinate pairs are required to create a profile")
	}

	var profile [][]float64
	visited := make(map[[2]int]struct{})

	for i := 0; i < len(coordinates)-1; i++ {
		start, end := coordinates[i], coordinates[i+1]
		if len(start) != 2 || len(end) != 2 {
			return nil, fmt.Errorf("invalid coordinate pair at index %d; expected [y, x]", i)
		}

		x1, y1, err := ds.coordToPixel(start[1], start[0])
		if err != nil {
			return nil, err
		}
		x2, y2, err := ds.coordToPixel(end[1], end[0])
		if err != nil {
			return nil, err
		}

		dx, dy := float64(x2-x1), float64(y2-y1)
		steps := max(1, int(math.Ceil(math.Max(math.Abs(dx), math.Abs(dy)))))
		xInc, yInc := dx/float64(steps), dy/float64(steps)

		for j := 0; j <= steps; j++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			col := x1 + int(math.Round(float64(j)*xInc))
			row := y1 + int(math.Round(float64(j)*yInc))

			key := [2]int{col, row}
			if _, ok := visited[key]; ok {
				continue
			}
			visited[key] = struct{}{}

			v, err := ds.loc(ctx, col, row)
			if err != nil {
				ds.log.Warn("could not read profile pixel", "col", col, "row", row, "error", err)
				continue
			}
			x, y := ds.pixelToCoord(col, row)
			profile = append(profile, []float64{y, x, v})
		}
	}
	return profile, nil
}
