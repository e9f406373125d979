package cloud

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buffer(n int, base float32) []float32 {
	b := make([]float32, n)
	for i := range b {
		b[i] = base + float32(i)
	}
	return b
}

func TestCreateAndCurrent(t *testing.T) {
	s := NewStore(6)
	assert.Nil(t, s.Current())

	h, err := s.Create(buffer(6, 0), 0.5)
	require.NoError(t, err)
	assert.NotZero(t, h)

	cur := s.Current()
	require.NotNil(t, cur)
	assert.Equal(t, h, cur.Handle)
	assert.Equal(t, buffer(6, 0), cur.Positions)
	assert.Equal(t, float32(0.5), cur.PointSize)
	assert.Equal(t, uint64(1), cur.Version)
	assert.Equal(t, 2, cur.Points())

	again, err := s.Create(buffer(6, 1), 0.5)
	require.NoError(t, err)
	assert.Equal(t, h, again)
	assert.Equal(t, uint64(2), s.Current().Version)
}

func TestUpdateReplacesWholesale(t *testing.T) {
	s := NewStore(3)
	h, err := s.Create([]float32{1, 2, 3}, 1)
	require.NoError(t, err)
	before := s.Current()

	require.NoError(t, s.Update(h, []float32{4, 5, 6}, 2))
	after := s.Current()
	assert.Equal(t, []float32{4, 5, 6}, after.Positions)
	assert.Equal(t, float32(2), after.PointSize)

	// Old snapshots stay intact for readers that still hold them.
	assert.Equal(t, []float32{1, 2, 3}, before.Positions)
}

func TestUpdateCopiesInput(t *testing.T) {
	s := NewStore(3)
	buf := []float32{1, 2, 3}
	h, err := s.Create(buf, 1)
	require.NoError(t, err)

	buf[0] = 100
	assert.Equal(t, float32(1), s.Current().Positions[0])

	require.NoError(t, s.Update(h, buf, 1))
	buf[1] = 200
	assert.Equal(t, []float32{100, 2, 3}, s.Current().Positions)
}

func TestUpdateIdempotent(t *testing.T) {
	once := NewStore(9)
	h1, err := once.Create(buffer(9, 0), 1)
	require.NoError(t, err)
	require.NoError(t, once.Update(h1, buffer(9, 5), 1))

	twice := NewStore(9)
	h2, err := twice.Create(buffer(9, 0), 1)
	require.NoError(t, err)
	require.NoError(t, twice.Update(h2, buffer(9, 5), 1))
	require.NoError(t, twice.Update(h2, buffer(9, 5), 1))

	assert.Equal(t, once.Current().Positions, twice.Current().Positions)
	assert.Equal(t, once.Current().PointSize, twice.Current().PointSize)
}

func TestStoreErrors(t *testing.T) {
	s := NewStore(6)

	_, err := s.Create(buffer(5, 0), 1)
	assert.ErrorIs(t, err, ErrInvalidBufferLength)
	_, err = s.Create(buffer(6, 0), 0)
	assert.ErrorIs(t, err, ErrBadPointSize)

	assert.ErrorIs(t, s.Update(1, buffer(6, 0), 1), ErrUnknownHandle)

	h, err := s.Create(buffer(6, 0), 1)
	require.NoError(t, err)
	assert.ErrorIs(t, s.Update(h+1, buffer(6, 0), 1), ErrUnknownHandle)
	assert.ErrorIs(t, s.Update(h, buffer(7, 0), 1), ErrInvalidBufferLength)
	assert.Equal(t, buffer(6, 0), s.Current().Positions)
}

func TestConcurrentReadersSeeWholeSnapshots(t *testing.T) {
	const n = 300
	s := NewStore(n)
	h, err := s.Create(make([]float32, n), 1)
	require.NoError(t, err)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				pos := s.Current().Positions
				for _, v := range pos {
					if v != pos[0] {
						t.Errorf("torn snapshot: %v vs %v", v, pos[0])
						return
					}
				}
			}
		}()
	}

	for v := 1; v <= 200; v++ {
		buf := make([]float32, n)
		for i := range buf {
			buf[i] = float32(v)
		}
		require.NoError(t, s.Update(h, buf, 1))
	}
	close(stop)
	wg.Wait()
	assert.Equal(t, uint64(201), s.Current().Version)
}
