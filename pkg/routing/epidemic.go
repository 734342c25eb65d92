// SPDX-License-Identifier: GPL-3.0-or-later

// Package routing implements epidemic (flooding) bundle routing: every
// bundle is offered to every neighbor except the one it just arrived from
// and those that have already acknowledged it, as recorded in a per-bundle
// delivery ledger.
package routing

import (
	"bytes"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/meshbound/dtnmesh/pkg/bpv7"
	"github.com/meshbound/dtnmesh/pkg/neighbor"
)

// Router decides, for a bundle, which neighbors it should still be offered
// to.
type Router struct {
	mutex  sync.Mutex
	ledger map[string]map[string]bool
}

// NewRouter creates a Router with an empty ledger.
func NewRouter() *Router {
	return &Router{ledger: make(map[string]map[string]bool)}
}

// RouteReceivers returns the subset of candidates a bundle should still be
// forwarded to: every known neighbor except previousHop (never send a
// bundle back to the node it just arrived from, whether it is still known
// under that endpoint or has since reappeared at the same L2 address under
// a different one) and except any neighbor already recorded as having
// received this bundle. If dst names a known neighbor directly, only that
// neighbor is returned (direct delivery takes priority over flooding).
func (r *Router) RouteReceivers(id bpv7.BundleID, dst bpv7.EndpointID, previousHop bpv7.EndpointID, previousHopL2Addr []byte, candidates []neighbor.Neighbor) []neighbor.Neighbor {
	for _, n := range candidates {
		if n.Endpoint.SameNode(dst) {
			return []neighbor.Neighbor{n}
		}
	}

	r.mutex.Lock()
	sent := r.ledger[id.String()]
	r.mutex.Unlock()

	out := make([]neighbor.Neighbor, 0, len(candidates))
	for _, n := range candidates {
		if n.Endpoint.SameNode(previousHop) {
			continue
		}
		if len(previousHopL2Addr) > 0 && bytes.Equal(n.L2Addr, previousHopL2Addr) {
			continue
		}
		if sent != nil && sent[n.Endpoint.String()] {
			continue
		}
		out = append(out, n)
	}
	return out
}

// RecordSent records id as delivered to neighbor; the engine calls it when
// neighbor acknowledges id.
func (r *Router) RecordSent(id bpv7.BundleID, neighborEndpoint bpv7.EndpointID) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	key := id.String()
	if r.ledger[key] == nil {
		r.ledger[key] = make(map[string]bool)
	}
	r.ledger[key][neighborEndpoint.String()] = true

	log.WithFields(log.Fields{"bundle": id, "neighbor": neighborEndpoint}).Debug("routing: recorded bundle sent to neighbor")
}

// AlreadySent reports whether id has been recorded as delivered to neighbor.
func (r *Router) AlreadySent(id bpv7.BundleID, neighborEndpoint bpv7.EndpointID) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	sent := r.ledger[id.String()]
	return sent != nil && sent[neighborEndpoint.String()]
}

// OnBundleDeleted drops id's ledger entry once the bundle leaves the
// store, so the ledger does not grow without bound.
func (r *Router) OnBundleDeleted(id bpv7.BundleID) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	delete(r.ledger, id.String())
}
