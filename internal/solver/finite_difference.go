package solver

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/mat"

	"github.com/talgya/shellcloud/internal/params"
)

// DefaultFDPoints is the interior grid size of the finite-difference solver.
// The eigen decomposition is O(N³), so this stays well below the analytic grid.
const DefaultFDPoints = 400

// FiniteDifference solves the reduced radial equation
//
//	-½u'' + [l(l+1)/(2r²) - ζ/r] u = E u,  u(0) = u(rMax) = 0
//
// with a three-point stencil and returns R(r) = u(r)/r normalized so that
// ∫ R² r² dr = 1.
type FiniteDifference struct {
	Points int
}

// NewFiniteDifference returns a solver on the default grid.
func NewFiniteDifference() *FiniteDifference {
	return &FiniteDifference{Points: DefaultFDPoints}
}

func (f *FiniteDifference) Name() string { return "fdm" }

// GridSize is the number of interior points Solve returns.
func (f *FiniteDifference) GridSize() int {
	if f.Points < 2 {
		return DefaultFDPoints
	}
	return f.Points
}

// Solve builds the tridiagonal Hamiltonian, diagonalizes it and picks the
// (n-l-1)-th eigenstate of the l channel.
func (f *FiniteDifference) Solve(ctx context.Context, p params.Params) (Solution, error) {
	if err := ctx.Err(); err != nil {
		return Solution{}, err
	}
	if err := checkInput(p); err != nil {
		return Solution{}, err
	}

	size := f.GridSize()
	state := p.N - p.L - 1
	if state >= size {
		return Solution{}, fmt.Errorf("%w: grid of %d points cannot hold state %s", ErrSolverFailure, size, p)
	}

	h := RadialExtent(p) / float64(size+1)
	radii := make([]float64, size)
	floats.Span(radii, h, float64(size)*h)

	kinetic := 1 / (h * h)
	centrifugal := float64(p.L*(p.L+1)) / 2
	ham := mat.NewSymDense(size, nil)
	for i, r := range radii {
		ham.SetSym(i, i, kinetic+centrifugal/(r*r)-p.Zeta/r)
		if i+1 < size {
			ham.SetSym(i, i+1, -kinetic/2)
		}
	}

	if err := ctx.Err(); err != nil {
		return Solution{}, err
	}

	var eig mat.EigenSym
	if ok := eig.Factorize(ham, true); !ok {
		return Solution{}, fmt.Errorf("%w: eigen decomposition did not converge", ErrSolverFailure)
	}
	energies := eig.Values(nil)

	var vecs mat.Dense
	eig.VectorsTo(&vecs)
	u := mat.Col(nil, state, &vecs)

	density := make([]float64, size)
	for i := range u {
		density[i] = u[i] * u[i]
	}
	total := integrate.Trapezoidal(radii, density)
	if !(total > 0) {
		return Solution{}, fmt.Errorf("%w: zero norm eigenvector", ErrSolverFailure)
	}
	scale := 1 / math.Sqrt(total)
	if u[0] < 0 {
		scale = -scale
	}

	values := make([]float64, size)
	for i, r := range radii {
		values[i] = scale * u[i] / r
	}

	sol := Solution{
		Radii:      radii,
		Values:     values,
		Eigenvalue: energies[state],
	}
	return sol, Check(sol)
}
