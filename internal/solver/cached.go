package solver

import (
	"context"
	"log/slog"

	"github.com/talgya/shellcloud/internal/params"
)

// Key identifies a cached solution. Points is the solver's grid size, so a
// solver reconfigured to another discretization never reads an old curve.
type Key struct {
	Solver string
	Points int
	Zeta   float64
	N      int
	L      int
}

// KeyFor builds the cache key of p for the named solver on a grid of points.
func KeyFor(name string, points int, p params.Params) Key {
	return Key{Solver: name, Points: points, Zeta: p.Zeta, N: p.N, L: p.L}
}

// Discretized is implemented by solvers with a fixed grid size.
type Discretized interface {
	GridSize() int
}

// GridSize returns the grid size of s, or 0 when s does not report one.
func GridSize(s Solver) int {
	if d, ok := s.(Discretized); ok {
		return d.GridSize()
	}
	return 0
}

// Cache stores solutions between runs.
type Cache interface {
	LoadSolution(k Key) (Solution, bool, error)
	StoreSolution(k Key, s Solution) error
}

// Cached wraps a Solver with a Cache. Cache errors are logged and never fail
// a solve.
type Cached struct {
	Inner Solver
	Cache Cache

	// Optional counters, wired in main.
	OnHit  func()
	OnMiss func()
}

// NewCached returns inner backed by c.
func NewCached(inner Solver, c Cache) *Cached {
	return &Cached{Inner: inner, Cache: c}
}

func (c *Cached) Name() string { return c.Inner.Name() }

func (c *Cached) GridSize() int { return GridSize(c.Inner) }

// Solve returns the cached solution when one passes Check, otherwise runs the
// inner solver and stores its result.
func (c *Cached) Solve(ctx context.Context, p params.Params) (Solution, error) {
	key := KeyFor(c.Inner.Name(), GridSize(c.Inner), p)

	sol, ok, err := c.Cache.LoadSolution(key)
	if err != nil {
		slog.Warn("solution cache read failed", "params", p.String(), "error", err)
	}
	if ok && Check(sol) == nil && (key.Points == 0 || sol.Len() == key.Points) {
		if c.OnHit != nil {
			c.OnHit()
		}
		return sol, nil
	}
	if c.OnMiss != nil {
		c.OnMiss()
	}

	sol, err = c.Inner.Solve(ctx, p)
	if err != nil {
		return Solution{}, err
	}
	if err := c.Cache.StoreSolution(key, sol); err != nil {
		slog.Warn("solution cache write failed", "params", p.String(), "error", err)
	}
	return sol, nil
}

// New returns the solver registered under name, or nil.
func New(name string, points int) Solver {
	switch name {
	case "analytic":
		a := NewAnalytic()
		if points > 0 {
			a.Points = points
		}
		return a
	case "fdm":
		f := NewFiniteDifference()
		if points > 0 {
			f.Points = points
		}
		return f
	}
	return nil
}
