// Package shells reduces a dense radial solution to a fixed number of
// concentric shells by uniform-stride subsampling.
package shells

import (
	"fmt"

	"github.com/talgya/shellcloud/internal/solver"
)

// Shell is one sampled (radius, value) pair and the grid index it came from.
type Shell struct {
	Index  int     `json:"index"`
	Radius float64 `json:"radius"`
	Value  float64 `json:"value"`
}

// Set is the ordered shell list for one solution.
type Set struct {
	Shells   []Shell `json:"shells"`
	Stride   int     `json:"stride"`
	GridSize int     `json:"grid_size"`

	// Degenerate is set when there are more layers than grid samples. The
	// stride is then zero and every shell sits on the innermost sample.
	Degenerate bool `json:"degenerate"`
}

// Len returns the number of shells.
func (s Set) Len() int {
	return len(s.Shells)
}

// Radii returns the shell radii in order.
func (s Set) Radii() []float64 {
	out := make([]float64, len(s.Shells))
	for i, sh := range s.Shells {
		out[i] = sh.Radius
	}
	return out
}

// Sample picks layerCount shells at index i*floor(N/layerCount). Indices past
// the end of the grid are clamped to N-1; nothing else is adjusted.
func Sample(sol solver.Solution, layerCount int) (Set, error) {
	if layerCount < 1 {
		return Set{}, fmt.Errorf("%w: got %d", ErrBadLayerCount, layerCount)
	}
	n := len(sol.Radii)
	if n == 0 {
		return Set{}, ErrEmptySolution
	}
	if len(sol.Values) != n {
		return Set{}, fmt.Errorf("%w: %d radii, %d values", ErrLengthMismatch, n, len(sol.Values))
	}

	stride := n / layerCount
	set := Set{
		Shells:     make([]Shell, layerCount),
		Stride:     stride,
		GridSize:   n,
		Degenerate: stride == 0,
	}
	for i := range set.Shells {
		idx := i * stride
		if idx >= n {
			idx = n - 1
		}
		set.Shells[i] = Shell{Index: idx, Radius: sol.Radii[idx], Value: sol.Values[idx]}
	}
	return set, nil
}
