// SPDX-License-Identifier: GPL-3.0-or-later

// Package store implements the bounded in-memory bundle store: a fixed
// number of slots holding bundles, with or without a retention constraint,
// evicting the oldest unconstrained occupant to make room for a new
// arrival.
package store

import (
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/meshbound/dtnmesh/pkg/bpv7"
)

// DefaultCapacity is the number of bundle slots a node keeps when no
// configuration overrides it.
const DefaultCapacity = 5

// ErrStoreFull is returned when a Store is at capacity and every resident
// bundle is still under some retention constraint.
var ErrStoreFull = errors.New("store: full, no evictable slot")

// ErrNotFound is returned when a bundle ID has no matching entry.
var ErrNotFound = errors.New("store: bundle not found")

// Entry is a stored bundle together with its retention, arrival time and
// the neighbor it last arrived from (the zero EndpointID for a locally
// originated bundle), so a later forward never sends it straight back.
type Entry struct {
	Bundle      bpv7.Bundle
	ID          bpv7.BundleID
	Retention   Retention
	ReceivedAt  time.Time
	PreviousHop bpv7.EndpointID
}

// Store is a bounded, in-memory table of bundle Entries. It holds at most
// Capacity bundles at any time; it never persists to disk, so its contents
// do not survive a restart.
type Store struct {
	mutex    sync.Mutex
	capacity int
	entries  map[string]*Entry
}

// New creates a Store with the given capacity. A capacity of zero or less
// falls back to DefaultCapacity.
func New(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		capacity: capacity,
		entries:  make(map[string]*Entry, capacity),
	}
}

// Capacity returns the maximum number of bundles this Store will hold.
func (s *Store) Capacity() int {
	return s.capacity
}

// Len returns the number of bundles currently held.
func (s *Store) Len() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.entries)
}

// Insert adds b to the store under the given initial retention, recording
// previousHop as the neighbor it arrived from (the zero EndpointID for a
// locally originated bundle). If the store is already at capacity, the
// oldest entry with Retention == None is evicted first; if every entry is
// still constrained, ErrStoreFull is returned and b is not inserted.
func (s *Store) Insert(b bpv7.Bundle, retention Retention, previousHop bpv7.EndpointID) (evicted *bpv7.BundleID, err error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	id := b.ID()
	key := id.String()

	if _, exists := s.entries[key]; exists {
		s.entries[key] = &Entry{Bundle: b, ID: id, Retention: retention, ReceivedAt: time.Now(), PreviousHop: previousHop}
		return nil, nil
	}

	if len(s.entries) >= s.capacity {
		victim := s.oldestEvictableLocked()
		if victim == "" {
			return nil, ErrStoreFull
		}
		evictedID := s.entries[victim].ID
		delete(s.entries, victim)
		evicted = &evictedID

		log.WithFields(log.Fields{
			"evicted": evictedID,
			"arrival": id,
		}).Debug("store: evicted oldest unconstrained bundle to make room")
	}

	s.entries[key] = &Entry{Bundle: b, ID: id, Retention: retention, ReceivedAt: time.Now(), PreviousHop: previousHop}
	return evicted, nil
}

// oldestEvictableLocked returns the key of the oldest entry with
// Retention == None, or "" if none exists. The caller must hold s.mutex.
func (s *Store) oldestEvictableLocked() string {
	var oldestKey string
	var oldestTime time.Time

	for key, e := range s.entries {
		if e.Retention != None {
			continue
		}
		if oldestKey == "" || e.ReceivedAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = e.ReceivedAt
		}
	}
	return oldestKey
}

// Delete removes the entry for id, if any. It is a no-op unless the
// entry's retention constraint is None; callers must clear retention
// explicitly before deleting.
func (s *Store) Delete(id bpv7.BundleID) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	e, ok := s.entries[id.String()]
	if !ok || e.Retention != None {
		return
	}
	delete(s.entries, id.String())
}

// Find returns the entry for id.
func (s *Store) Find(id bpv7.BundleID) (Entry, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	e, ok := s.entries[id.String()]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// List returns every entry currently held, regardless of retention.
func (s *Store) List() []Entry {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	all := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		all = append(all, *e)
	}
	return all
}

// ListActive returns every entry whose retention is not None, i.e. every
// bundle still awaiting dispatch, forwarding or acknowledgement.
func (s *Store) ListActive() []Entry {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	active := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		if e.Retention != None {
			active = append(active, *e)
		}
	}
	return active
}

// SetRetention updates the retention constraint for id.
func (s *Store) SetRetention(id bpv7.BundleID, r Retention) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	e, ok := s.entries[id.String()]
	if !ok {
		return ErrNotFound
	}
	e.Retention = r
	return nil
}

// MutateBundle applies fn to the stored bundle for id in place, letting a
// caller increment (and later restore) its Bundle Age block around a send
// burst without a find-copy-reinsert round trip.
func (s *Store) MutateBundle(id bpv7.BundleID, fn func(b *bpv7.Bundle)) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	e, ok := s.entries[id.String()]
	if !ok {
		return ErrNotFound
	}
	fn(&e.Bundle)
	return nil
}

// GetRetention returns the current retention constraint for id.
func (s *Store) GetRetention(id bpv7.BundleID) (Retention, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	e, ok := s.entries[id.String()]
	if !ok {
		return None, ErrNotFound
	}
	return e.Retention, nil
}
