// Package solver produces the radial solution that the point cloud is built
// from. Implementations sit behind the Solver interface so the pipeline can be
// driven by a deterministic fake in tests.
package solver

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/talgya/shellcloud/internal/params"
)

// ErrSolverFailure means the solver could not produce usable data.
var ErrSolverFailure = errors.New("solver: no valid solution")

// Solution is one radial curve: Values[i] is the radial function at Radii[i].
// Slices returned by a Solver belong to the caller.
type Solution struct {
	Radii      []float64 `json:"radii"`
	Values     []float64 `json:"values"`
	Eigenvalue float64   `json:"eigenvalue"`
}

// Len returns the grid size N.
func (s Solution) Len() int {
	return len(s.Radii)
}

// Solver computes the radial solution for a parameter set.
type Solver interface {
	Name() string
	Solve(ctx context.Context, p params.Params) (Solution, error)
}

// Check verifies the copy-out contract: equal non-zero lengths and finite values.
func Check(s Solution) error {
	if len(s.Radii) == 0 {
		return fmt.Errorf("%w: empty grid", ErrSolverFailure)
	}
	if len(s.Radii) != len(s.Values) {
		return fmt.Errorf("%w: %d radii but %d values", ErrSolverFailure, len(s.Radii), len(s.Values))
	}
	if math.IsNaN(s.Eigenvalue) || math.IsInf(s.Eigenvalue, 0) {
		return fmt.Errorf("%w: non-finite eigenvalue", ErrSolverFailure)
	}
	for i := range s.Radii {
		if !finite(s.Radii[i]) || !finite(s.Values[i]) {
			return fmt.Errorf("%w: non-finite sample at index %d", ErrSolverFailure, i)
		}
	}
	return nil
}

// RadialExtent is the outer edge of the radial grid for a state. It grows
// with n² like the orbital and shrinks with the charge.
func RadialExtent(p params.Params) float64 {
	n := float64(p.N)
	return (2*n*n + 10*n) / p.Zeta
}

func checkInput(p params.Params) error {
	if p.N < 1 || p.L < 0 || p.L >= p.N {
		return fmt.Errorf("%w: unbound state %s", ErrSolverFailure, p)
	}
	if !(p.Zeta > 0) || math.IsInf(p.Zeta, 0) {
		return fmt.Errorf("%w: charge must be positive, got %v", ErrSolverFailure, p.Zeta)
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
