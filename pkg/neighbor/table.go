// SPDX-License-Identifier: GPL-3.0-or-later

// Package neighbor tracks the nodes currently reachable over the local
// broadcast link, learned from discovery bundles and aged out when their
// announcements stop arriving.
package neighbor

import (
	"bytes"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/meshbound/dtnmesh/pkg/bpv7"
)

// Neighbor is a node heard from recently enough to still be considered
// reachable.
type Neighbor struct {
	Endpoint   bpv7.EndpointID
	L2Addr     []byte
	LastSeen   time.Time
}

// ExpiredFunc is invoked, on its own goroutine, when a neighbor's purge
// timer fires without having been refreshed. Implementations must not
// block or mutate engine state directly; they should post a message onto
// the engine's queue instead (see pkg/engine).
type ExpiredFunc func(endpoint bpv7.EndpointID)

// Table is the set of currently known neighbors. It is safe for concurrent
// use; timers fire on their own goroutines and only ever call onExpired,
// never mutate engine state directly.
type Table struct {
	mutex      sync.Mutex
	purgeAfter time.Duration
	entries    map[string]*tableEntry
	onExpired  ExpiredFunc
}

type tableEntry struct {
	neighbor Neighbor
	timer    *time.Timer
}

// New creates a Table that calls onExpired for a neighbor not refreshed
// within purgeAfter. The entry stays in the table until Remove is called.
// purgeAfter is conventionally twice the discovery period, so one missed
// announcement is tolerated.
func New(purgeAfter time.Duration, onExpired ExpiredFunc) *Table {
	return &Table{
		purgeAfter: purgeAfter,
		entries:    make(map[string]*tableEntry),
		onExpired:  onExpired,
	}
}

// Observe records a sighting of endpoint at l2Addr, inserting a new
// Neighbor on first discovery or refreshing (and resetting the purge timer
// for) an already-known one. It reports whether this sighting was a new
// discovery (equal identity and L2 address not already present), so a
// caller can trigger a new-neighbor catch-up.
func (t *Table) Observe(endpoint bpv7.EndpointID, l2Addr []byte) (isNew bool) {
	key := endpoint.String()

	t.mutex.Lock()
	defer t.mutex.Unlock()

	if e, ok := t.entries[key]; ok && bytes.Equal(e.neighbor.L2Addr, l2Addr) {
		e.neighbor.LastSeen = time.Now()
		e.timer.Reset(t.purgeAfter)
		return false
	} else if ok {
		e.timer.Stop()
		delete(t.entries, key)
	}

	entry := &tableEntry{
		neighbor: Neighbor{Endpoint: endpoint, L2Addr: l2Addr, LastSeen: time.Now()},
	}
	entry.timer = time.AfterFunc(t.purgeAfter, func() {
		t.expire(key, endpoint)
	})
	t.entries[key] = entry

	log.WithFields(log.Fields{"neighbor": endpoint}).Info("neighbor: discovered new neighbor")
	return true
}

func (t *Table) expire(key string, endpoint bpv7.EndpointID) {
	t.mutex.Lock()
	_, stillPresent := t.entries[key]
	t.mutex.Unlock()

	if !stillPresent {
		return
	}

	log.WithFields(log.Fields{"neighbor": endpoint}).Info("neighbor: neighbor timed out")
	if t.onExpired != nil {
		t.onExpired(endpoint)
	}
}

// Lookup returns the Neighbor known under endpoint, if any.
func (t *Table) Lookup(endpoint bpv7.EndpointID) (Neighbor, bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	e, ok := t.entries[endpoint.String()]
	if !ok {
		return Neighbor{}, false
	}
	return e.neighbor, true
}

// LookupByL2Addr returns the Neighbor whose L2Addr equals addr, if any.
// Used to resolve an inbound frame's source address back to a known
// neighbor identity.
func (t *Table) LookupByL2Addr(addr []byte) (Neighbor, bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	for _, e := range t.entries {
		if bytes.Equal(e.neighbor.L2Addr, addr) {
			return e.neighbor, true
		}
	}
	return Neighbor{}, false
}

// List returns every currently known neighbor.
func (t *Table) List() []Neighbor {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	out := make([]Neighbor, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e.neighbor)
	}
	return out
}

// Remove forgets endpoint immediately, stopping its purge timer.
func (t *Table) Remove(endpoint bpv7.EndpointID) {
	key := endpoint.String()

	t.mutex.Lock()
	defer t.mutex.Unlock()

	if e, ok := t.entries[key]; ok {
		e.timer.Stop()
		delete(t.entries, key)
	}
}
