package creative

import (
	"sync"
	"time"
)

// Buffer is an ordered multiset of fetched, unshown creatives, logically
// partitioned by (orientation, type).
//
// Expired entries are removed only by Sweep. Take never skips or drops an
// entry because of its expiry; callers sweep before counting.
type Buffer struct {
	mu    sync.Mutex
	items []Creative
}

// NewBuffer creates an empty buffer
func NewBuffer() *Buffer {
	return &Buffer{}
}

// Add appends creatives in order. Duplicates are kept.
func (b *Buffer) Add(creatives ...Creative) {
	if len(creatives) == 0 {
		return
	}
	b.mu.Lock()
	b.items = append(b.items, creatives...)
	b.mu.Unlock()
}

// Sweep removes every creative whose expiry is at or before now and returns
// the number removed.
func (b *Buffer) Sweep(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.items[:0]
	for _, c := range b.items {
		if !c.Expired(now) {
			kept = append(kept, c)
		}
	}
	removed := len(b.items) - len(kept)
	// Clear the tail so dropped markup can be collected
	for i := len(kept); i < len(b.items); i++ {
		b.items[i] = Creative{}
	}
	b.items = kept
	return removed
}

// Count returns the number of creatives in one partition
func (b *Buffer) Count(o Orientation, t AdType) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, c := range b.items {
		if c.Matches(o, t) {
			n++
		}
	}
	return n
}

// Counts returns the count for every orientation crossed with types.
// Partitions with no creatives are present with a zero count.
func (b *Buffer) Counts(types []AdType) map[Combination]int {
	counts := make(map[Combination]int, len(Orientations)*len(types))
	for _, o := range Orientations {
		for _, t := range types {
			counts[Combination{Orientation: o, Type: t}] = 0
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.items {
		key := Combination{Orientation: c.Orientation, Type: c.Type}
		if _, tracked := counts[key]; tracked {
			counts[key]++
		}
	}
	return counts
}

// Below returns, grouped by orientation, every registered partition whose
// count is strictly below floor. The result is empty when nothing needs fetching.
func (b *Buffer) Below(floor int, types []AdType) Combinations {
	counts := b.Counts(types)
	out := make(Combinations)
	for _, o := range Orientations {
		for _, t := range types {
			if counts[Combination{Orientation: o, Type: t}] < floor {
				out.Add(o, t)
			}
		}
	}
	return out
}

// Take atomically removes and returns the first creative in the partition
func (b *Buffer) Take(o Orientation, t AdType) (Creative, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, c := range b.items {
		if c.Matches(o, t) {
			b.removeAt(i)
			return c, true
		}
	}
	return Creative{}, false
}

// Reset discards every creative and returns how many were dropped
func (b *Buffer) Reset() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.items)
	b.items = nil
	return n
}

// Len returns the total number of buffered creatives
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Snapshot returns a copy of the buffer contents in order
func (b *Buffer) Snapshot() []Creative {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Creative(nil), b.items...)
}

func (b *Buffer) removeAt(i int) {
	copy(b.items[i:], b.items[i+1:])
	b.items[len(b.items)-1] = Creative{}
	b.items = b.items[:len(b.items)-1]
}
