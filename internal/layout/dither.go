package layout

import (
	"math"

	opensimplex "github.com/ojrac/opensimplex-go"
)

const (
	ditherOctaves     = 3
	ditherFrequency   = 1.7
	ditherPersistence = 0.5
)

// Dither scales every point radially by 1 + amplitude*n, where n in [-1,1] is
// fractal simplex noise sampled at the point's direction and shell. It breaks
// up the regular lattice without changing buffer length or ordering.
// amplitude 0 leaves buf untouched.
func Dither(buf []float32, g Grid, amplitude float64, seed int64) {
	if amplitude == 0 || len(buf) == 0 || g.Validate() != nil {
		return
	}
	noise := opensimplex.NewNormalized(seed)
	perShell := g.PointsPerShell()

	for pt := 0; pt < len(buf)/3; pt++ {
		o := 3 * pt
		x, y, z := float64(buf[o]), float64(buf[o+1]), float64(buf[o+2])
		r := math.Sqrt(x*x + y*y + z*z)
		if r == 0 {
			continue
		}
		layer := float64(pt / perShell)
		n := octaveNoise(noise, x/r, y/r, z/r+layer, ditherOctaves, ditherFrequency, ditherPersistence)
		scale := float32(1 + amplitude*(2*n-1))
		buf[o] *= scale
		buf[o+1] *= scale
		buf[o+2] *= scale
	}
}

// octaveNoise layers several frequencies of normalized noise; the result
// stays in [0,1].
func octaveNoise(noise opensimplex.Noise, x, y, z float64, octaves int, frequency, persistence float64) float64 {
	total := 0.0
	amplitude := 1.0
	maxVal := 0.0

	for i := 0; i < octaves; i++ {
		total += noise.Eval3(x*frequency, y*frequency, z*frequency) * amplitude
		maxVal += amplitude
		amplitude *= persistence
		frequency *= 2
	}

	return total / maxVal
}
