package sidecar

import "math"

// GCP is a ground control point tying a raster position to a georeferenced one.
type GCP struct {
	ID    string
	Info  string
	Pixel float64
	Line  float64
	X     float64
	Y     float64
	Z     float64
}

// GCPsToGeoTransform fits an affine transform to gcps by least squares. Two
// points give a north-up transform without rotation. ok is false when the
// points are too few or degenerate.
func GCPsToGeoTransform(gcps []GCP) (gt [6]float64, ok bool) {
	switch {
	case len(gcps) < 2:
		return gt, false
	case len(gcps) == 2:
		a, b := gcps[0], gcps[1]
		dp, dl := b.Pixel-a.Pixel, b.Line-a.Line
		if dp == 0 || dl == 0 {
			return gt, false
		}
		sx := (b.X - a.X) / dp
		sy := (b.Y - a.Y) / dl
		return [6]float64{a.X - a.Pixel*sx, sx, 0, a.Y - a.Line*sy, 0, sy}, true
	}

	// normal equations for x = c0 + c1*p + c2*l, same for y
	var n, sp, sl, spp, sll, spl float64
	var sx, sxp, sxl, sy, syp, syl float64
	for _, g := range gcps {
		n++
		sp += g.Pixel
		sl += g.Line
		spp += g.Pixel * g.Pixel
		sll += g.Line * g.Line
		spl += g.Pixel * g.Line
		sx += g.X
		sxp += g.X * g.Pixel
		sxl += g.X * g.Line
		sy += g.Y
		syp += g.Y * g.Pixel
		syl += g.Y * g.Line
	}
	m := [3][3]float64{
		{n, sp, sl},
		{sp, spp, spl},
		{sl, spl, sll},
	}
	cx, okx := solve3(m, [3]float64{sx, sxp, sxl})
	cy, oky := solve3(m, [3]float64{sy, syp, syl})
	if !okx || !oky {
		return gt, false
	}
	return [6]float64{cx[0], cx[1], cx[2], cy[0], cy[1], cy[2]}, true
}

// solve3 solves m*x = v with Cramer's rule.
func solve3(m [3][3]float64, v [3]float64) ([3]float64, bool) {
	det := func(a [3][3]float64) float64 {
		return a[0][0]*(a[1][1]*a[2][2]-a[1][2]*a[2][1]) -
			a[0][1]*(a[1][0]*a[2][2]-a[1][2]*a[2][0]) +
			a[0][2]*(a[1][0]*a[2][1]-a[1][1]*a[2][0])
	}
	d := det(m)
	if math.Abs(d) < 1e-12 {
		return [3]float64{}, false
	}
	var out [3]float64
	for c := 0; c < 3; c++ {
		mc := m
		for r := 0; r < 3; r++ {
			mc[r][c] = v[r]
		}
		out[c] = det(mc) / d
	}
	return out, true
}
