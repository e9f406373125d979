// Package solvertest provides a deterministic Solver for pipeline tests.
package solvertest

import (
	"context"
	"sync"

	"github.com/talgya/shellcloud/internal/params"
	"github.com/talgya/shellcloud/internal/solver"
)

// Fake returns a linear grid Radii[i] = (i+1)·Zeta and Values[i] = n·1000 + l·100 + i,
// so every sample identifies the parameters and index it came from.
type Fake struct {
	Points int

	// Err, when set, is returned instead of a solution.
	Err error
	// Corrupt makes the solution fail solver.Check.
	Corrupt bool

	mu    sync.Mutex
	calls []params.Params
}

// New returns a Fake with the given grid size.
func New(points int) *Fake {
	return &Fake{Points: points}
}

func (f *Fake) Name() string { return "fake" }

func (f *Fake) GridSize() int { return f.Points }

func (f *Fake) Solve(ctx context.Context, p params.Params) (solver.Solution, error) {
	f.mu.Lock()
	f.calls = append(f.calls, p)
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return solver.Solution{}, err
	}
	if f.Err != nil {
		return solver.Solution{}, f.Err
	}

	sol := solver.Solution{
		Radii:      make([]float64, f.Points),
		Values:     make([]float64, f.Points),
		Eigenvalue: -p.Zeta * p.Zeta / float64(2*p.N*p.N),
	}
	for i := range sol.Radii {
		sol.Radii[i] = float64(i+1) * p.Zeta
		sol.Values[i] = float64(p.N*1000+p.L*100) + float64(i)
	}
	if f.Corrupt && f.Points > 0 {
		sol.Values = sol.Values[:f.Points-1]
	}
	return sol, nil
}

// Calls returns the parameter sets Solve has seen, in order.
func (f *Fake) Calls() []params.Params {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]params.Params, len(f.calls))
	copy(out, f.calls)
	return out
}
