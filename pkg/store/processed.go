// SPDX-License-Identifier: GPL-3.0-or-later

package store

import (
	"sync"

	"github.com/meshbound/dtnmesh/pkg/bpv7"
)

// DefaultProcessedCapacity bounds how many recently-seen bundle
// fingerprints are remembered once a bundle has been delivered locally and
// left the Store proper, so a stray retransmission is still
// recognized as a duplicate instead of being re-admitted.
const DefaultProcessedCapacity = 32

// Processed is a fixed-capacity, FIFO-evicted set of bundle fingerprints a
// node has already handled to completion.
type Processed struct {
	mutex    sync.Mutex
	capacity int
	ring     []string
	next     int
	seen     map[string]bool
}

// NewProcessed creates a Processed set bounded to the given capacity. A
// capacity of zero or less falls back to DefaultProcessedCapacity.
func NewProcessed(capacity int) *Processed {
	if capacity <= 0 {
		capacity = DefaultProcessedCapacity
	}
	return &Processed{
		capacity: capacity,
		ring:     make([]string, capacity),
		seen:     make(map[string]bool, capacity),
	}
}

// Mark records id as processed, evicting the oldest recorded fingerprint
// if the set is at capacity.
func (p *Processed) Mark(id bpv7.BundleID) {
	key := id.String()

	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.seen[key] {
		return
	}

	if evict := p.ring[p.next]; evict != "" {
		delete(p.seen, evict)
	}
	p.ring[p.next] = key
	p.seen[key] = true
	p.next = (p.next + 1) % p.capacity
}

// Contains reports whether id has been marked processed and not yet
// evicted.
func (p *Processed) Contains(id bpv7.BundleID) bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.seen[id.String()]
}
