// Package history keeps the bounded rolling record of measurement outcomes
// for one probe.
package history

import (
	"errors"
	"sync"
	"time"
)

// ErrInvalidCapacity is returned by New for a capacity below one.
var ErrInvalidCapacity = errors.New("history capacity must be >= 1")

// Outcome is the immutable result of one measurement attempt. A nil Err
// means success and Latency holds the round-trip time; otherwise Err
// carries the classified failure and Latency is meaningless.
type Outcome struct {
	At      time.Time
	Latency time.Duration
	Err     error
}

func Success(at time.Time, latency time.Duration) Outcome {
	return Outcome{At: at, Latency: latency}
}

func Failure(at time.Time, err error) Outcome {
	if err == nil {
		err = errUnknownFailure
	}
	return Outcome{At: at, Err: err}
}

var errUnknownFailure = errors.New("measurement failed")

func (o Outcome) OK() bool {
	return o.Err == nil
}

// Snapshot is a point-in-time copy of a buffer, ordered oldest to newest.
type Snapshot []Outcome

// Buffer is a fixed-capacity ring of outcomes. Only the owning probe calls
// Record; Snapshot may be called from any goroutine.
type Buffer struct {
	mu    sync.RWMutex
	items []Outcome
	next  int
	total uint64
}

func New(capacity int) (*Buffer, error) {
	if capacity < 1 {
		return nil, ErrInvalidCapacity
	}
	return &Buffer{items: make([]Outcome, 0, capacity)}, nil
}

// Record appends o, evicting the oldest entry once the buffer is full.
func (b *Buffer) Record(o Outcome) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) < cap(b.items) {
		b.items = append(b.items, o)
	} else {
		b.items[b.next] = o
	}
	b.next = (b.next + 1) % cap(b.items)
	b.total++
}

func (b *Buffer) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(Snapshot, 0, len(b.items))
	if len(b.items) < cap(b.items) {
		return append(out, b.items...)
	}
	out = append(out, b.items[b.next:]...)
	return append(out, b.items[:b.next]...)
}

// Last returns the most recent outcome.
func (b *Buffer) Last() (Outcome, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.items) == 0 {
		return Outcome{}, false
	}
	idx := b.next - 1
	if idx < 0 {
		idx = len(b.items) - 1
	}
	return b.items[idx], true
}

func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.items)
}

func (b *Buffer) Cap() int {
	return cap(b.items)
}

// Total counts every outcome ever recorded, including evicted ones.
func (b *Buffer) Total() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.total
}

// FillPercent reports how full the buffer is, 0..100.
func (b *Buffer) FillPercent() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return 100 * float64(len(b.items)) / float64(cap(b.items))
}
