package api

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/talgya/shellcloud/internal/params"
	"github.com/talgya/shellcloud/internal/session"
)

// RedrawEvent is published once per committed recompute. It carries the
// state that commit produced, so a subscriber reading it late still sees
// the cloud it was raised for.
type RedrawEvent struct {
	Seq     uint64        `json:"seq"`
	At      time.Time     `json:"at"`
	Version uint64        `json:"version"`
	Params  params.Params `json:"params"`
	Points  int           `json:"points"`
}

func eventFor(seq uint64, at time.Time, snap session.Snapshot) RedrawEvent {
	e := RedrawEvent{Seq: seq, At: at, Params: snap.Params}
	if snap.Cloud != nil {
		e.Version = snap.Cloud.Version
		e.Points = snap.Cloud.Points()
	}
	return e
}

// Broadcaster fans redraw requests out to SSE subscribers. It implements
// session.Redrawer. Slow subscribers drop events rather than block the edit.
type Broadcaster struct {
	// Source is read once per RequestRedraw. The session calls RequestRedraw
	// with its edit lock held, after the commit is visible.
	Source func() session.Snapshot

	mu     sync.Mutex
	subs   map[uint64]chan RedrawEvent
	nextID uint64
	seq    atomic.Uint64
}

// NewBroadcaster returns an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[uint64]chan RedrawEvent)}
}

// RequestRedraw publishes the next event to every subscriber.
func (b *Broadcaster) RequestRedraw() {
	var snap session.Snapshot
	if b.Source != nil {
		snap = b.Source()
	}
	e := eventFor(b.seq.Add(1), time.Now(), snap)

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- e:
		default:
			slog.Debug("redraw subscriber lagging, event dropped", "sub_id", id, "seq", e.Seq)
		}
	}
}

// Seq returns the number of redraws requested so far.
func (b *Broadcaster) Seq() uint64 {
	return b.seq.Load()
}

// Subscribe registers a buffered channel of redraw events.
func (b *Broadcaster) Subscribe() (uint64, <-chan RedrawEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	ch := make(chan RedrawEvent, 16)
	b.subs[b.nextID] = ch
	return b.nextID, ch
}

// Unsubscribe closes and removes a subscription.
func (b *Broadcaster) Unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		close(ch)
		delete(b.subs, id)
	}
}

// Count returns the number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
