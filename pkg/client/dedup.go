package client

import (
	"sync"

	"github.com/willf/bloom"
)

// Deduper suppresses duplicate event IDs from the dual delivery path
// (direct dispatch plus bus redelivery). A bloom filter gives a cheap
// definitely-new answer; bloom hits are confirmed against an exact window
// of recent IDs so a false positive never drops a genuinely new event.
type Deduper struct {
	mu     sync.Mutex
	filter *bloom.BloomFilter
	exact  map[string]struct{}
	ring   []string
	next   int
}

// NewDeduper sizes the bloom filter for the expected number of distinct
// IDs and keeps windowSize IDs exactly.
func NewDeduper(expectedIDs uint, windowSize int) *Deduper {
	if expectedIDs == 0 {
		expectedIDs = 100_000
	}
	if windowSize <= 0 {
		windowSize = 4096
	}
	return &Deduper{
		filter: bloom.NewWithEstimates(expectedIDs, 0.01),
		exact:  make(map[string]struct{}, windowSize),
		ring:   make([]string, windowSize),
	}
}

// Seen records id and reports whether it was already recorded. Only an
// exact-window hit counts as a duplicate; a bloom-only hit is treated as
// new.
func (d *Deduper) Seen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.filter.TestString(id) {
		if _, ok := d.exact[id]; ok {
			return true
		}
	}

	d.filter.AddString(id)
	if old := d.ring[d.next]; old != "" {
		delete(d.exact, old)
	}
	d.ring[d.next] = id
	d.exact[id] = struct{}{}
	d.next = (d.next + 1) % len(d.ring)
	return false
}
