// Package buffer holds the per-target event store: a fixed-capacity circular
// buffer addressed by monotonically increasing sequence numbers.
package buffer

import (
	"sync"
	"time"

	"github.com/dgnsrekt/cdp_observer/internal/types"
)

// DefaultCapacity is used when a non-positive capacity is requested.
const DefaultCapacity = 10000

// Ring is a bounded envelope store. The retained sequence numbers are always
// the contiguous range [next-count, next). Safe for concurrent use.
type Ring struct {
	mu sync.RWMutex

	slots    []types.Envelope
	capacity int
	head     int // index of the oldest retained slot
	count    int
	next     int64

	lastUpdate time.Time
	now        func() time.Time
}

// Slice is the result of an offset-bounded read. NextOffset is the sequence
// to resume from.
type Slice struct {
	Events     []types.Envelope `json:"events"`
	NextOffset int64            `json:"nextOffset"`
}

// New creates a ring with the given capacity.
func New(capacity int) *Ring {
	return NewWithClock(capacity, time.Now)
}

// NewWithClock is New with an injected clock for LastUpdate and expiry.
func NewWithClock(capacity int, now func() time.Time) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if now == nil {
		now = time.Now
	}
	r := &Ring{
		slots:    make([]types.Envelope, capacity),
		capacity: capacity,
		now:      now,
	}
	r.lastUpdate = r.now()
	return r
}

// Push assigns the next sequence number to env and stores it, overwriting the
// oldest entry when full. It returns the stored envelope.
func (r *Ring) Push(env types.Envelope) types.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()

	env.Sequence = r.next
	r.next++

	write := (r.head + r.count) % r.capacity
	r.slots[write] = env
	if r.count == r.capacity {
		r.head = (r.head + 1) % r.capacity
	} else {
		r.count++
	}
	r.lastUpdate = r.now()
	return env
}

// SliceByOffset returns up to limit events with sequence >= offset in
// ascending order. An offset older than the retained window is advanced to
// the oldest retained event.
func (r *Ring) SliceByOffset(offset int64, limit int) Slice {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sliceLocked(offset, limit)
}

// Tail returns the most recent limit events.
func (r *Ring) Tail(limit int) Slice {
	r.mu.RLock()
	defer r.mu.RUnlock()

	start := r.next - int64(limit)
	if start < 0 {
		start = 0
	}
	return r.sliceLocked(start, limit)
}

// FindLast returns the newest retained envelope for which match is true.
// match runs under the read lock and must not call back into r.
func (r *Ring) FindLast(match func(*types.Envelope) bool) (types.Envelope, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := r.count - 1; i >= 0; i-- {
		env := &r.slots[(r.head+i)%r.capacity]
		if match(env) {
			return *env, true
		}
	}
	return types.Envelope{}, false
}

func (r *Ring) sliceLocked(offset int64, limit int) Slice {
	oldest := r.next - int64(r.count)
	if offset >= r.next {
		return Slice{Events: []types.Envelope{}, NextOffset: r.next}
	}
	if offset < oldest {
		offset = oldest
	}
	if limit <= 0 {
		return Slice{Events: []types.Envelope{}, NextOffset: offset}
	}

	available := int(r.next - offset)
	if available > limit {
		available = limit
	}
	skip := int(offset - oldest)

	out := make([]types.Envelope, available)
	for i := 0; i < available; i++ {
		out[i] = r.slots[(r.head+skip+i)%r.capacity]
	}
	return Slice{Events: out, NextOffset: offset + int64(available)}
}

// Clear empties the ring. Sequence numbering restarts at zero, so sequences
// are not unique across a clear.
func (r *Ring) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.slots = make([]types.Envelope, r.capacity)
	r.head = 0
	r.count = 0
	r.next = 0
	r.lastUpdate = r.now()
}

// Size returns the number of retained events.
func (r *Ring) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

func (r *Ring) Capacity() int { return r.capacity }

// NextSequence returns the sequence the next push will receive.
func (r *Ring) NextSequence() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.next
}

// LastUpdate returns the time of the last push or clear, or construction
// time when neither has happened.
func (r *Ring) LastUpdate() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastUpdate
}

// IsExpired reports whether more than ttl has elapsed since LastUpdate.
func (r *Ring) IsExpired(ttl time.Duration) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.now().Sub(r.lastUpdate) > ttl
}
