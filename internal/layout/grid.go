// Package layout places a uniform angular grid of points on every shell and
// flattens the result into an xyz float32 buffer.
package layout

import (
	"errors"
	"fmt"
)

var (
	ErrBadGrid    = errors.New("layout: polar and azimuth steps must be >= 1")
	ErrBufferSize = errors.New("layout: destination buffer has the wrong length")
)

// Grid is the per-shell angular resolution. Polar angle p*π/H for p in
// [0,H), azimuth t*2π/V for t in [0,V). The pole θ=π is never sampled.
type Grid struct {
	Polar   int `json:"polar"`
	Azimuth int `json:"azimuth"`
}

// Validate reports whether both step counts are usable.
func (g Grid) Validate() error {
	if g.Polar < 1 || g.Azimuth < 1 {
		return fmt.Errorf("%w: got %dx%d", ErrBadGrid, g.Polar, g.Azimuth)
	}
	return nil
}

// PointsPerShell is H*V.
func (g Grid) PointsPerShell() int {
	return g.Polar * g.Azimuth
}

// BufferLen is the float count for layers shells: layers*H*V*3.
func (g Grid) BufferLen(layers int) int {
	return layers * g.PointsPerShell() * 3
}

// Offset returns the index of the x component of point (shell, p, t).
// Ordering is shell-major, then polar, then azimuth.
func (g Grid) Offset(shell, p, t int) int {
	return 3 * (shell*g.PointsPerShell() + p*g.Azimuth + t)
}
