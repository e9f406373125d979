package session

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/shellcloud/internal/cloud"
	"github.com/talgya/shellcloud/internal/layout"
	"github.com/talgya/shellcloud/internal/params"
	"github.com/talgya/shellcloud/internal/shells"
	"github.com/talgya/shellcloud/internal/solver"
	"github.com/talgya/shellcloud/internal/solver/solvertest"
)

type redrawCounter struct {
	mu sync.Mutex
	n  int
}

func (r *redrawCounter) RequestRedraw() {
	r.mu.Lock()
	r.n++
	r.mu.Unlock()
}

func (r *redrawCounter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

func smallOptions() Options {
	opts := DefaultOptions()
	opts.Layers = 10
	opts.Grid = layout.Grid{Polar: 2, Azimuth: 3}
	return opts
}

func newSession(t *testing.T, s solver.Solver, opts Options) (*Session, *redrawCounter) {
	t.Helper()
	r := &redrawCounter{}
	sess, err := New(s, r, opts)
	require.NoError(t, err)
	return sess, r
}

func TestEndToEndAnalytic(t *testing.T) {
	sess, redraws := newSession(t, solver.NewAnalytic(), DefaultOptions())

	res, err := sess.Apply(context.Background(), params.Params{Zeta: 1, N: 1, L: 0})
	require.NoError(t, err)
	require.True(t, res.Accepted)
	assert.Equal(t, 1, redraws.count())
	assert.InDelta(t, -0.5, res.Eigenvalue, 1e-12)

	pc := sess.Cloud()
	require.NotNil(t, pc)
	// 100 shells of 8×16 points, xyz each.
	require.Len(t, pc.Positions, 38400)
	assert.Equal(t, DefaultOptions().Grid.BufferLen(100), len(pc.Positions))
	assert.Equal(t, 128*100, res.Points)

	sol := sess.Solution()
	set := sess.Shells()
	require.Equal(t, 100, set.Len())
	stride := sol.Len() / 100
	assert.Equal(t, stride, set.Stride)

	g := sess.Options().Grid
	// p=0 sits on +z, so z equals the shell radius.
	assert.Equal(t, float32(sol.Radii[0]), pc.Positions[g.Offset(0, 0, 0)+2])
	assert.Equal(t, 99*stride, set.Shells[99].Index)
	assert.Equal(t, float32(sol.Radii[99*stride]), pc.Positions[g.Offset(99, 0, 0)+2])
}

func TestProposeChangeCommits(t *testing.T) {
	fake := solvertest.New(1000)
	sess, redraws := newSession(t, fake, smallOptions())
	ctx := context.Background()

	_, err := sess.Apply(ctx, params.Default())
	require.NoError(t, err)

	res, err := sess.ProposeChange(ctx, params.FieldN, 3)
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, params.Params{Zeta: 1, N: 3, L: 0}, res.Params)
	assert.Equal(t, params.Default(), res.Previous)

	// Each edit reads the other two fields from committed state.
	_, err = sess.ProposeChange(ctx, params.FieldZeta, 2.5)
	require.NoError(t, err)
	_, err = sess.ProposeChange(ctx, params.FieldL, 2)
	require.NoError(t, err)
	assert.Equal(t, params.Params{Zeta: 2.5, N: 3, L: 2}, sess.Params())

	assert.Equal(t, 4, redraws.count())
	assert.Len(t, fake.Calls(), 4)
	assert.Equal(t, uint64(4), sess.Cloud().Version)
	assert.Equal(t, uint64(4), sess.Stats().Commits)
	assert.Equal(t, Idle, sess.State())

	// Fake values encode n and l: shell 0 is 3000 + 200.
	assert.Equal(t, 3200.0, sess.Shells().Shells[0].Value)
}

func TestInvalidEditLeavesCloudIdentical(t *testing.T) {
	fake := solvertest.New(1000)
	sess, redraws := newSession(t, fake, smallOptions())
	ctx := context.Background()

	_, err := sess.ProposeChange(ctx, params.FieldN, 1)
	require.NoError(t, err)
	before := sess.Cloud()
	beforePositions := append([]float32(nil), before.Positions...)

	var rejected []Result
	sess.OnReject = func(r Result) { rejected = append(rejected, r) }

	res, err := sess.ProposeChange(ctx, params.FieldL, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidQuantumState)
	assert.False(t, res.Accepted)
	assert.NotEmpty(t, res.Reason)
	assert.Equal(t, params.Default(), res.Previous)

	assert.Same(t, before, sess.Cloud())
	assert.Equal(t, beforePositions, sess.Cloud().Positions)
	assert.Equal(t, params.Default(), sess.Params())
	assert.Equal(t, 1, redraws.count())
	assert.Len(t, fake.Calls(), 1)
	require.Len(t, rejected, 1)
	assert.Equal(t, params.FieldL, rejected[0].Field)
	assert.Equal(t, uint64(1), sess.Stats().Rejects)
}

func TestRejectedValues(t *testing.T) {
	sess, _ := newSession(t, solvertest.New(100), smallOptions())
	ctx := context.Background()

	for _, tc := range []struct {
		field params.Field
		value float64
		want  error
	}{
		{params.FieldZeta, 0.5, params.ErrOutOfRange},
		{params.FieldZeta, 10.01, params.ErrOutOfRange},
		{params.FieldN, 6, params.ErrOutOfRange},
		{params.FieldN, 0, params.ErrOutOfRange},
		{params.FieldN, 1.5, params.ErrNotInteger},
		{params.FieldL, -1, params.ErrOutOfRange},
		{"m", 1, params.ErrUnknownField},
	} {
		res, err := sess.ProposeChange(ctx, tc.field, tc.value)
		assert.ErrorIs(t, err, tc.want, "%s=%v", tc.field, tc.value)
		assert.False(t, res.Accepted)
	}
	assert.Nil(t, sess.Cloud())
}

func TestSolverFailurePreservesCloud(t *testing.T) {
	fake := solvertest.New(500)
	sess, redraws := newSession(t, fake, smallOptions())
	ctx := context.Background()

	_, err := sess.Apply(ctx, params.Default())
	require.NoError(t, err)
	before := sess.Cloud()

	var failures []error
	sess.OnFailure = func(_ Result, err error) { failures = append(failures, err) }

	boom := errors.New("boom")
	fake.Err = boom
	res, err := sess.ProposeChange(ctx, params.FieldN, 2)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, solver.ErrSolverFailure)
	assert.False(t, res.Accepted)
	assert.Equal(t, params.Default(), res.Params)

	fake.Err = nil
	fake.Corrupt = true
	_, err = sess.ProposeChange(ctx, params.FieldN, 2)
	assert.ErrorIs(t, err, solver.ErrSolverFailure)

	assert.Same(t, before, sess.Cloud())
	assert.Equal(t, params.Default(), sess.Params())
	assert.Equal(t, 1, redraws.count())
	assert.Len(t, failures, 2)
	assert.Equal(t, uint64(2), sess.Stats().Failures)
}

func TestCancelledContextPreservesCloud(t *testing.T) {
	sess, _ := newSession(t, solver.NewFiniteDifference(), smallOptions())
	_, err := sess.Apply(context.Background(), params.Default())
	require.NoError(t, err)
	before := sess.Cloud()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = sess.ProposeChange(ctx, params.FieldN, 2)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Same(t, before, sess.Cloud())
}

func TestDegenerateLayersAccepted(t *testing.T) {
	opts := smallOptions()
	opts.Layers = 50
	opts.Grid = layout.Grid{Polar: 1, Azimuth: 1}
	sess, _ := newSession(t, solvertest.New(20), opts)

	res, err := sess.Apply(context.Background(), params.Default())
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.True(t, res.Degenerate)
	for _, sh := range sess.Shells().Shells {
		assert.Equal(t, 0, sh.Index)
	}
	assert.Len(t, sess.Cloud().Positions, 50*3)
}

func TestStoreMismatchPanics(t *testing.T) {
	sess := newWithStore(solvertest.New(100), nil, smallOptions(), cloud.NewStore(7))
	assert.Panics(t, func() {
		_, _ = sess.Apply(context.Background(), params.Default())
	})
}

type stateRecorder struct {
	solver.Solver
	sess  *Session
	state State
}

func (p *stateRecorder) Solve(ctx context.Context, pr params.Params) (solver.Solution, error) {
	p.state = p.sess.State()
	return p.Solver.Solve(ctx, pr)
}

func TestStateDuringRecompute(t *testing.T) {
	rec := &stateRecorder{Solver: solvertest.New(100)}
	sess, _ := newSession(t, rec, smallOptions())
	rec.sess = sess

	_, err := sess.Apply(context.Background(), params.Default())
	require.NoError(t, err)
	assert.Equal(t, Recomputing, rec.state)
	assert.Equal(t, Idle, sess.State())
	assert.Equal(t, "recomputing", Recomputing.String())
}

func TestConcurrentEditsSerialize(t *testing.T) {
	fake := solvertest.New(200)
	opts := smallOptions()
	sess, redraws := newSession(t, fake, opts)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := sess.ProposeChange(ctx, params.FieldZeta, 1+float64(i)*0.25)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 16, redraws.count())

	// The displayed cloud is exactly the one produced by the committed params.
	sol, err := solvertest.New(200).Solve(ctx, sess.Params())
	require.NoError(t, err)
	set, err := shells.Sample(sol, opts.Layers)
	require.NoError(t, err)
	want, err := layout.Layout(set, opts.Grid)
	require.NoError(t, err)
	assert.Equal(t, want, sess.Cloud().Positions)
}

func TestOptionsValidate(t *testing.T) {
	require.NoError(t, DefaultOptions().Validate())

	for _, mut := range []func(*Options){
		func(o *Options) { o.Layers = 0 },
		func(o *Options) { o.Grid.Polar = 0 },
		func(o *Options) { o.PointSize = 0 },
		func(o *Options) { o.DitherAmplitude = 1 },
		func(o *Options) { o.Limits.NMax = 0 },
	} {
		o := DefaultOptions()
		mut(&o)
		assert.ErrorIs(t, o.Validate(), ErrBadOptions)
	}

	_, err := New(nil, nil, DefaultOptions())
	assert.ErrorIs(t, err, ErrBadOptions)
}

func TestRedrawFunc(t *testing.T) {
	called := false
	sess, err := New(solvertest.New(50), RedrawFunc(func() { called = true }), smallOptions())
	require.NoError(t, err)
	_, err = sess.Apply(context.Background(), params.Default())
	require.NoError(t, err)
	assert.True(t, called)
	assert.NotEmpty(t, sess.ID)
}

func TestSnapshotMatchesCloudDuringEdits(t *testing.T) {
	opts := smallOptions()
	sess, err := New(solvertest.New(200), RedrawFunc(func() {}), opts)
	require.NoError(t, err)
	ctx := context.Background()
	_, err = sess.Apply(ctx, params.Default())
	require.NoError(t, err)

	layoutFor := func(p params.Params) []float32 {
		sol, err := solvertest.New(200).Solve(ctx, p)
		require.NoError(t, err)
		set, err := shells.Sample(sol, opts.Layers)
		require.NoError(t, err)
		buf, err := layout.Layout(set, opts.Grid)
		require.NoError(t, err)
		return buf
	}

	stop := make(chan struct{})
	var mismatches, reads int
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
			}
			snap := sess.Snapshot()
			reads++
			sol, _ := solvertest.New(200).Solve(ctx, snap.Params)
			set, _ := shells.Sample(sol, opts.Layers)
			want, _ := layout.Layout(set, opts.Grid)
			if !assert.ObjectsAreEqual(want, snap.Cloud.Positions) || snap.Shells.GridSize != set.GridSize {
				mismatches++
			}
		}
	}()

	for i := 0; i < 20; i++ {
		_, err := sess.ProposeChange(ctx, params.FieldZeta, 1+float64(i%7)*0.5)
		require.NoError(t, err)
	}
	close(stop)
	<-done

	assert.Positive(t, reads)
	assert.Zero(t, mismatches)
	snap := sess.Snapshot()
	assert.Equal(t, layoutFor(snap.Params), snap.Cloud.Positions)
	assert.Same(t, snap.Cloud, sess.Cloud())
}

func TestHooksSeeCommittedCloud(t *testing.T) {
	var versions []uint64
	var sess *Session
	sess, err := New(solvertest.New(50), RedrawFunc(func() {
		snap := sess.Snapshot()
		versions = append(versions, snap.Cloud.Version)
	}), smallOptions())
	require.NoError(t, err)

	ctx := context.Background()
	_, err = sess.Apply(ctx, params.Default())
	require.NoError(t, err)
	_, err = sess.ProposeChange(ctx, params.FieldN, 2)
	require.NoError(t, err)

	assert.Equal(t, []uint64{1, 2}, versions)
	assert.Equal(t, 2, sess.Snapshot().Params.N)
}
