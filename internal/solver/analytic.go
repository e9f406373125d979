package solver

import (
	"context"
	"math"

	"github.com/talgya/shellcloud/internal/params"
)

// DefaultAnalyticPoints is the fixed grid size of the closed-form solver.
const DefaultAnalyticPoints = 1000

// Analytic evaluates the hydrogen-like radial function R_nl(r) in closed form.
type Analytic struct {
	Points int
}

// NewAnalytic returns an Analytic solver on the default grid.
func NewAnalytic() *Analytic {
	return &Analytic{Points: DefaultAnalyticPoints}
}

func (a *Analytic) Name() string { return "analytic" }

// GridSize is the number of samples Solve returns.
func (a *Analytic) GridSize() int {
	if a.Points < 1 {
		return DefaultAnalyticPoints
	}
	return a.Points
}

// Solve samples R_nl on r_i = (i+1)·rMax/N. The eigenvalue is -ζ²/(2n²) in
// Hartree units.
func (a *Analytic) Solve(ctx context.Context, p params.Params) (Solution, error) {
	if err := ctx.Err(); err != nil {
		return Solution{}, err
	}
	if err := checkInput(p); err != nil {
		return Solution{}, err
	}

	points := a.GridSize()
	h := RadialExtent(p) / float64(points)
	n := float64(p.N)
	norm := radialNorm(p)

	sol := Solution{
		Radii:      make([]float64, points),
		Values:     make([]float64, points),
		Eigenvalue: -p.Zeta * p.Zeta / (2 * n * n),
	}
	for i := 0; i < points; i++ {
		r := float64(i+1) * h
		rho := 2 * p.Zeta * r / n
		sol.Radii[i] = r
		sol.Values[i] = norm * math.Exp(-rho/2) * math.Pow(rho, float64(p.L)) *
			laguerre(p.N-p.L-1, float64(2*p.L+1), rho)
	}

	return sol, Check(sol)
}

// radialNorm is sqrt((2ζ/n)³ (n-l-1)! / (2n (n+l)!)), with the factorials
// taken through log-gamma.
func radialNorm(p params.Params) float64 {
	n := float64(p.N)
	lf := func(k int) float64 {
		v, _ := math.Lgamma(float64(k) + 1)
		return v
	}
	scale := 2 * p.Zeta / n
	return math.Sqrt(scale * scale * scale * math.Exp(lf(p.N-p.L-1)-lf(p.N+p.L)) / (2 * n))
}

// laguerre evaluates the generalized Laguerre polynomial L_k^α(x) by the
// three-term recurrence.
func laguerre(k int, alpha, x float64) float64 {
	if k == 0 {
		return 1
	}
	prev, cur := 1.0, 1+alpha-x
	for j := 1; j < k; j++ {
		jf := float64(j)
		prev, cur = cur, ((2*jf+1+alpha-x)*cur-(jf+alpha)*prev)/(jf+1)
	}
	return cur
}
