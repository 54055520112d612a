package geotiff

import (
	"fmt"
	"math"
)

// Resampling selects how source pixels are combined when the output size
// differs from the window size.
type Resampling int

const (
	Nearest Resampling = iota
	Bilinear
	// Average is the mean of the source pixels covered by an output pixel.
	Average
)

func (r Resampling) String() string {
	switch r {
	case Nearest:
		return "nearest"
	case Bilinear:
		return "bilinear"
	case Average:
		return "average"
	}
	return fmt.Sprintf("Resampling(%d)", int(r))
}

// tap is one source position contributing to an output pixel.
type tap struct {
	pos int
	w   float64
}

// tapBytes is the in-memory size of a tap.
const tapBytes = 16

// axisTaps maps each of n output positions to the source positions of a
// window [start, start+size) along one axis.
func axisTaps(r Resampling, start, size, n int) [][]tap {
	scale := float64(size) / float64(n)
	out := make([][]tap, n)
	if r != Bilinear && r != Average {
		// one tap per position, sharing a single backing array
		flat := make([]tap, n)
		for o := range flat {
			p := clampInt(int(math.Floor((float64(o)+0.5)*scale)), 0, size-1)
			flat[o] = tap{start + p, 1}
			out[o] = flat[o : o+1 : o+1]
		}
		return out
	}
	for o := range out {
		switch r {
		case Bilinear:
			c := (float64(o)+0.5)*scale - 0.5
			p0 := math.Floor(c)
			f := c - p0
			a := clampInt(int(p0), 0, size-1)
			b := clampInt(int(p0)+1, 0, size-1)
			if a == b || f == 0 {
				out[o] = []tap{{start + a, 1}}
			} else {
				out[o] = []tap{{start + a, 1 - f}, {start + b, f}}
			}
		case Average:
			lo := int(math.Floor(float64(o) * scale))
			hi := max(lo+1, int(math.Ceil(float64(o+1)*scale)))
			hi = min(hi, size)
			lo = min(lo, size-1)
			taps := make([]tap, 0, hi-lo)
			for p := lo; p < hi; p++ {
				taps = append(taps, tap{start + p, 1})
			}
			out[o] = taps
		}
	}
	return out
}

func clampInt(v, lo, hi int) int {
	return max(lo, min(v, hi))
}

// positions lists the distinct source positions of taps inside [0, limit).
func positions(taps [][]tap, limit int) []int {
	seen := make(map[int]bool)
	var out []int
	for _, ts := range taps {
		for _, t := range ts {
			if t.pos >= 0 && t.pos < limit && !seen[t.pos] {
				seen[t.pos] = true
				out = append(out, t.pos)
			}
		}
	}
	return out
}
