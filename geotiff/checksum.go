package geotiff

import (
	"context"
	"math"
)

var checksumPrimes = [...]int{7, 11, 13, 17, 19, 23, 29, 31, 37, 41, 43}

// checksumRowBytes bounds the rows read per step.
const checksumRowBytes = 16 << 20

// Checksum computes the 16-bit checksum of a window of the 1-based band,
// the whole band when window is nil. Values are visited in row-major order;
// complex samples contribute both parts. Integer values are clamped to the
// int32 range, floating point values rounded, with NaN and infinities
// counted as the smallest int32.
func (ds *Dataset) Checksum(ctx context.Context, band int, window *Window) (int, error) {
	win := Window{Width: ds.geom.Width, Height: ds.geom.Height}
	if window != nil {
		win = *window
	}
	if win.X < 0 || win.Y < 0 || win.Width <= 0 || win.Height <= 0 ||
		win.X+win.Width > ds.geom.Width || win.Y+win.Height > ds.geom.Height {
		return 0, boundsErrorf("checksum window %s not inside the %dx%d raster", win, ds.geom.Width, ds.geom.Height)
	}

	src := ds.geom.DataType
	dt := Float64
	if src.IsComplex() {
		dt = CFloat64
	}
	parts := 1
	if src.IsComplex() {
		parts = 2
	}
	step := max(1, checksumRowBytes/(win.Width*dt.Size()))

	sum, prime := 0, 0
	for y := win.Y; y < win.Y+win.Height; y += step {
		h := min(step, win.Y+win.Height-y)
		buf, err := ds.Read(ctx, ReadRequest{
			Window:   &Window{X: win.X, Y: y, Width: win.Width, Height: h},
			Bands:    []int{band},
			DataType: dt,
		})
		if err != nil {
			return 0, err
		}
		for row := 0; row < h; row++ {
			for x := 0; x < win.Width; x++ {
				re, im := buf.Value(0, x, row)
				for p, v := range [2]float64{re, im} {
					if p == parts {
						break
					}
					sum += checksumValue(v, src.IsFloat()) % checksumPrimes[prime]
					prime++
					if prime == len(checksumPrimes) {
						prime = 0
					}
					sum &= 0xffff
				}
			}
		}
	}
	return sum, nil
}

func checksumValue(v float64, float bool) int {
	if float {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return math.MinInt32
		}
		v += 0.5
		if v < -math.MaxInt32 {
			v = -math.MaxInt32
		} else if v > math.MaxInt32 {
			v = math.MaxInt32
		}
		return int(math.Floor(v))
	}
	return int(max(math.MinInt32, min(v, math.MaxInt32)))
}
