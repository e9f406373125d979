package layout

import (
	"fmt"
	"math"

	"github.com/talgya/shellcloud/internal/shells"
)

// Layout returns a fresh buffer of set.Len()*H*V*3 floats.
func Layout(set shells.Set, g Grid) ([]float32, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	buf := make([]float32, g.BufferLen(set.Len()))
	fill(buf, set, g)
	return buf, nil
}

// LayoutInto overwrites dst, which must already have the exact length.
func LayoutInto(dst []float32, set shells.Set, g Grid) error {
	if err := g.Validate(); err != nil {
		return err
	}
	if want := g.BufferLen(set.Len()); len(dst) != want {
		return fmt.Errorf("%w: have %d, want %d", ErrBufferSize, len(dst), want)
	}
	fill(dst, set, g)
	return nil
}

// fill converts (r, θ, φ) with the physics convention: θ from +z, φ around it.
// Negative radii are used as given, which mirrors the point through the origin.
func fill(buf []float32, set shells.Set, g Grid) {
	sinT, cosT := table(g.Polar, math.Pi)
	sinP, cosP := table(g.Azimuth, 2*math.Pi)

	for i, sh := range set.Shells {
		r := sh.Radius
		for p := 0; p < g.Polar; p++ {
			rs, rc := r*sinT[p], r*cosT[p]
			for t := 0; t < g.Azimuth; t++ {
				o := g.Offset(i, p, t)
				buf[o] = float32(rs * cosP[t])
				buf[o+1] = float32(rs * sinP[t])
				buf[o+2] = float32(rc)
			}
		}
	}
}

// table returns sin and cos of k*span/steps for k in [0,steps).
func table(steps int, span float64) (sin, cos []float64) {
	sin = make([]float64, steps)
	cos = make([]float64, steps)
	for k := range sin {
		sin[k], cos[k] = math.Sincos(float64(k) * span / float64(steps))
	}
	return sin, cos
}
