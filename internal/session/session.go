// Package session owns the committed parameters and the displayed point cloud,
// and runs solve → sample → layout → store for every accepted edit.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/talgya/shellcloud/internal/cloud"
	"github.com/talgya/shellcloud/internal/layout"
	"github.com/talgya/shellcloud/internal/params"
	"github.com/talgya/shellcloud/internal/shells"
	"github.com/talgya/shellcloud/internal/solver"
)

// State is Idle between edits and Recomputing while the pipeline runs.
type State int32

const (
	Idle State = iota
	Recomputing
)

func (s State) String() string {
	if s == Recomputing {
		return "recomputing"
	}
	return "idle"
}

// Redrawer receives the fire-and-forget redraw request after a commit.
type Redrawer interface {
	RequestRedraw()
}

// RedrawFunc adapts a plain function to Redrawer.
type RedrawFunc func()

func (f RedrawFunc) RequestRedraw() { f() }

// Options fix the geometry of the cloud for the lifetime of a Session.
type Options struct {
	Layers          int
	Grid            layout.Grid
	PointSize       float32
	Limits          params.Limits
	DitherAmplitude float64
	DitherSeed      int64
}

// DefaultOptions returns 100 shells of 8x16 points.
func DefaultOptions() Options {
	return Options{
		Layers:    100,
		Grid:      layout.Grid{Polar: 8, Azimuth: 16},
		PointSize: 0.05,
		Limits:    params.DefaultLimits(),
	}
}

// Validate checks the options before a Session is built from them.
func (o Options) Validate() error {
	if o.Layers < 1 {
		return fmt.Errorf("%w: layers must be >= 1, got %d", ErrBadOptions, o.Layers)
	}
	if err := o.Grid.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrBadOptions, err)
	}
	if !(o.PointSize > 0) {
		return fmt.Errorf("%w: point size must be > 0, got %v", ErrBadOptions, o.PointSize)
	}
	if o.DitherAmplitude < 0 || o.DitherAmplitude >= 1 {
		return fmt.Errorf("%w: dither amplitude must be in [0,1), got %v", ErrBadOptions, o.DitherAmplitude)
	}
	if err := o.Limits.Check(); err != nil {
		return fmt.Errorf("%w: %w", ErrBadOptions, err)
	}
	return nil
}

// Result describes the outcome of one edit.
type Result struct {
	Accepted   bool          `json:"accepted"`
	Field      params.Field  `json:"field,omitempty"`
	Value      float64       `json:"value"`
	Params     params.Params `json:"params"`
	Previous   params.Params `json:"previous"`
	Reason     string        `json:"reason,omitempty"`
	Degenerate bool          `json:"degenerate,omitempty"`
	Eigenvalue float64       `json:"eigenvalue"`
	Points     int           `json:"points"`
	Duration   time.Duration `json:"duration_ns"`
}

// Stats counts edit outcomes since the session started.
type Stats struct {
	Commits      uint64        `json:"commits"`
	Rejects      uint64        `json:"rejects"`
	Failures     uint64        `json:"failures"`
	LastDuration time.Duration `json:"last_duration_ns"`
	LastCommit   time.Time     `json:"last_commit"`
}

// committed is replaced as a unit after a successful pipeline run.
type committed struct {
	params   params.Params
	solution solver.Solution
	shells   shells.Set
	cloud    *cloud.PointCloud
}

// Snapshot is one committed state: the parameters, the curve and shells
// derived from them, and the point cloud built from those shells.
type Snapshot struct {
	Params   params.Params
	Solution solver.Solution
	Shells   shells.Set
	Cloud    *cloud.PointCloud
}

// Session is the explicit owner of parameters, cloud and solver.
type Session struct {
	ID string

	// Hooks run with the edit lock held and must not call back into the Session.
	OnCommit  func(Result)
	OnReject  func(Result)
	OnFailure func(Result, error)

	solver   solver.Solver
	redrawer Redrawer
	opts     Options
	store    *cloud.Store

	mu     sync.Mutex // serializes edits
	handle cloud.Handle

	statsMu sync.Mutex
	stats   Stats

	state   atomic.Int32
	current atomic.Pointer[committed]
}

// New builds a Session. No cloud exists until the first Apply or
// ProposeChange; until then the committed parameters are params.Default().
func New(s solver.Solver, r Redrawer, opts Options) (*Session, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: nil solver", ErrBadOptions)
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return newWithStore(s, r, opts, cloud.NewStore(opts.Grid.BufferLen(opts.Layers))), nil
}

func newWithStore(s solver.Solver, r Redrawer, opts Options, store *cloud.Store) *Session {
	if r == nil {
		r = RedrawFunc(func() {})
	}
	sess := &Session{
		ID:       uuid.NewString(),
		solver:   s,
		redrawer: r,
		opts:     opts,
		store:    store,
	}
	sess.current.Store(&committed{params: params.Default()})
	return sess
}

// ProposeChange applies one field edit on top of the committed parameters.
// Rejected edits leave params and cloud untouched and request no redraw.
// Failures after validation abort before the store is touched.
func (s *Session) ProposeChange(ctx context.Context, f params.Field, value float64) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.current.Load().params
	res := Result{Field: f, Value: value, Previous: prev, Params: prev}

	next, err := prev.With(f, value)
	if err != nil {
		return s.reject(res, err)
	}
	res.Params = next
	if err := s.opts.Limits.Validate(next); err != nil {
		return s.reject(res, err)
	}
	return s.run(ctx, res)
}

// Apply commits a complete parameter set through the same pipeline. It is
// used at start-up and to restore the last known good parameters.
func (s *Session) Apply(ctx context.Context, p params.Params) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := Result{Params: p, Previous: s.current.Load().params}
	if err := s.opts.Limits.Validate(p); err != nil {
		return s.reject(res, err)
	}
	return s.run(ctx, res)
}

func (s *Session) reject(res Result, err error) (Result, error) {
	res.Accepted = false
	res.Reason = err.Error()
	s.record(func(st *Stats) { st.Rejects++ })
	slog.Warn("edit rejected", "field", res.Field, "value", res.Value, "committed", res.Previous.String(), "reason", res.Reason)
	if s.OnReject != nil {
		s.OnReject(res)
	}
	return res, err
}

// run must be called with mu held.
func (s *Session) run(ctx context.Context, res Result) (Result, error) {
	s.state.Store(int32(Recomputing))
	defer s.state.Store(int32(Idle))

	start := time.Now()
	cur, buf, err := s.recompute(ctx, res.Params)
	res.Duration = time.Since(start)
	s.record(func(st *Stats) { st.LastDuration = res.Duration })
	if err != nil {
		res.Params = res.Previous
		res.Reason = err.Error()
		s.record(func(st *Stats) { st.Failures++ })
		slog.Error("recompute failed", "params", res.Params.String(), "error", err)
		if s.OnFailure != nil {
			s.OnFailure(res, err)
		}
		return res, err
	}

	if err := s.publish(buf); err != nil {
		if errors.Is(err, cloud.ErrInvalidBufferLength) {
			panic(fmt.Sprintf("session: layout produced a buffer the store rejects: %v", err))
		}
		res.Params = res.Previous
		res.Reason = err.Error()
		s.record(func(st *Stats) { st.Failures++ })
		slog.Error("point cloud update failed", "error", err)
		if s.OnFailure != nil {
			s.OnFailure(res, err)
		}
		return res, err
	}

	cur.cloud = s.store.Current()
	s.current.Store(cur)
	s.record(func(st *Stats) {
		st.Commits++
		st.LastCommit = time.Now()
	})

	res.Accepted = true
	res.Degenerate = cur.shells.Degenerate
	res.Eigenvalue = cur.solution.Eigenvalue
	res.Points = len(buf) / 3

	slog.Info("params committed",
		"params", res.Params.String(),
		"points", humanize.Comma(int64(res.Points)),
		"buffer", humanize.Bytes(uint64(len(buf)*4)),
		"duration", res.Duration,
	)
	if s.OnCommit != nil {
		s.OnCommit(res)
	}
	s.redrawer.RequestRedraw()
	return res, nil
}

func (s *Session) recompute(ctx context.Context, p params.Params) (*committed, []float32, error) {
	sol, err := s.solver.Solve(ctx, p)
	if err != nil {
		if errors.Is(err, solver.ErrSolverFailure) || ctx.Err() != nil {
			return nil, nil, fmt.Errorf("solve %s: %w", p, err)
		}
		return nil, nil, fmt.Errorf("solve %s: %w: %w", p, solver.ErrSolverFailure, err)
	}
	if err := solver.Check(sol); err != nil {
		return nil, nil, fmt.Errorf("solve %s: %w", p, err)
	}

	set, err := shells.Sample(sol, s.opts.Layers)
	if err != nil {
		return nil, nil, fmt.Errorf("sample shells: %w", err)
	}
	if set.Degenerate {
		slog.Warn("more layers than grid samples, shells collapse to the innermost radius",
			"layers", s.opts.Layers, "grid_size", set.GridSize)
	}

	buf, err := layout.Layout(set, s.opts.Grid)
	if err != nil {
		return nil, nil, fmt.Errorf("layout: %w", err)
	}
	layout.Dither(buf, s.opts.Grid, s.opts.DitherAmplitude, s.opts.DitherSeed)

	return &committed{params: p, solution: sol, shells: set}, buf, nil
}

func (s *Session) publish(buf []float32) error {
	if s.handle == 0 {
		h, err := s.store.Create(buf, s.opts.PointSize)
		if err != nil {
			return err
		}
		s.handle = h
		return nil
	}
	return s.store.Update(s.handle, buf, s.opts.PointSize)
}

// Params returns the committed parameters.
func (s *Session) Params() params.Params {
	return s.current.Load().params
}

// Solution returns the radial curve behind the displayed cloud.
func (s *Session) Solution() solver.Solution {
	return s.current.Load().solution
}

// Shells returns the shell set behind the displayed cloud.
func (s *Session) Shells() shells.Set {
	return s.current.Load().shells
}

// Cloud returns the displayed point cloud, or nil before the first commit.
func (s *Session) Cloud() *cloud.PointCloud {
	return s.current.Load().cloud
}

// Snapshot returns the committed state with a single load, so its fields
// always belong to the same commit.
func (s *Session) Snapshot() Snapshot {
	c := s.current.Load()
	return Snapshot{Params: c.params, Solution: c.solution, Shells: c.shells, Cloud: c.cloud}
}

// State reports whether a recompute is in progress.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) Options() Options { return s.opts }

func (s *Session) SolverName() string { return s.solver.Name() }

// Stats returns a copy of the outcome counters.
func (s *Session) Stats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

func (s *Session) record(f func(*Stats)) {
	s.statsMu.Lock()
	f(&s.stats)
	s.statsMu.Unlock()
}
