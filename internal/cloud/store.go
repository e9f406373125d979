// Package cloud owns the position buffer handed to the renderer. Every update
// swaps in a complete snapshot, so readers never see a half-written cloud.
package cloud

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Handle identifies the renderable resource allocated by Create.
type Handle uint64

// PointCloud is an immutable snapshot of the stored geometry. Callers must
// not modify Positions.
type PointCloud struct {
	Handle    Handle    `json:"handle"`
	Positions []float32 `json:"positions"`
	PointSize float32   `json:"point_size"`
	Version   uint64    `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Points returns the number of xyz triples.
func (c *PointCloud) Points() int {
	return len(c.Positions) / 3
}

// Store holds one point cloud of a fixed buffer length. It never schedules
// rendering; callers request a redraw after Update.
type Store struct {
	expected int

	mu     sync.Mutex // serializes writers
	handle Handle
	cur    atomic.Pointer[PointCloud]
}

// NewStore returns a store that accepts buffers of exactly expectedLen floats.
func NewStore(expectedLen int) *Store {
	return &Store{expected: expectedLen}
}

// ExpectedLen is the buffer length the store accepts.
func (s *Store) ExpectedLen() int {
	return s.expected
}

// Create allocates the resource and loads the first buffer. Calling it again
// replaces the data and returns the same handle.
func (s *Store) Create(buf []float32, pointSize float32) (Handle, error) {
	if err := s.check(buf, pointSize); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == 0 {
		s.handle = 1
	}
	s.publish(buf, pointSize)
	return s.handle, nil
}

// Update replaces the position data wholesale. The buffer is copied.
func (s *Store) Update(h Handle, buf []float32, pointSize float32) error {
	if err := s.check(buf, pointSize); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if h == 0 || h != s.handle {
		return fmt.Errorf("%w: %d", ErrUnknownHandle, h)
	}
	s.publish(buf, pointSize)
	return nil
}

// Current returns the latest snapshot, or nil before Create.
func (s *Store) Current() *PointCloud {
	return s.cur.Load()
}

func (s *Store) check(buf []float32, pointSize float32) error {
	if len(buf) != s.expected {
		return fmt.Errorf("%w: got %d, want %d", ErrInvalidBufferLength, len(buf), s.expected)
	}
	if !(pointSize > 0) {
		return fmt.Errorf("%w: got %v", ErrBadPointSize, pointSize)
	}
	return nil
}

// publish must be called with mu held.
func (s *Store) publish(buf []float32, pointSize float32) {
	var version uint64 = 1
	if prev := s.cur.Load(); prev != nil {
		version = prev.Version + 1
	}
	s.cur.Store(&PointCloud{
		Handle:    s.handle,
		Positions: append([]float32(nil), buf...),
		PointSize: pointSize,
		Version:   version,
		UpdatedAt: time.Now(),
	})
}
