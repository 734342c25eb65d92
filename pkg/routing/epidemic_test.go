// SPDX-License-Identifier: GPL-3.0-or-later

package routing

import (
	"testing"

	"github.com/meshbound/dtnmesh/pkg/bpv7"
	"github.com/meshbound/dtnmesh/pkg/neighbor"
)

func testID(seconds uint32) bpv7.BundleID {
	return bpv7.BundleID{
		SourceNode: bpv7.NewIpnEndpoint(1),
		Timestamp:  bpv7.CreationTimestamp{Seconds: seconds, Sequence: 0},
	}
}

func TestRouteReceiversExcludesPreviousHop(t *testing.T) {
	r := NewRouter()
	a := neighbor.Neighbor{Endpoint: bpv7.NewIpnEndpoint(2), L2Addr: []byte("a")}
	b := neighbor.Neighbor{Endpoint: bpv7.NewIpnEndpoint(3), L2Addr: []byte("b")}

	out := r.RouteReceivers(testID(1), bpv7.EndpointID{}, a.Endpoint, a.L2Addr, []neighbor.Neighbor{a, b})
	if len(out) != 1 || !out[0].Endpoint.SameNode(b.Endpoint) {
		t.Fatalf("expected only neighbor b, got %v", out)
	}
}

func TestRouteReceiversExcludesPreviousHopByL2Addr(t *testing.T) {
	r := NewRouter()
	// a reappeared under a different endpoint but the same L2 address it
	// was last heard from at: it must still be excluded as previousHop.
	a := neighbor.Neighbor{Endpoint: bpv7.NewIpnEndpoint(99), L2Addr: []byte("a")}
	b := neighbor.Neighbor{Endpoint: bpv7.NewIpnEndpoint(3), L2Addr: []byte("b")}

	out := r.RouteReceivers(testID(1), bpv7.EndpointID{}, bpv7.NewIpnEndpoint(2), []byte("a"), []neighbor.Neighbor{a, b})
	if len(out) != 1 || !out[0].Endpoint.SameNode(b.Endpoint) {
		t.Fatalf("expected only neighbor b, got %v", out)
	}
}

func TestRouteReceiversExcludesAlreadySent(t *testing.T) {
	r := NewRouter()
	id := testID(1)
	a := neighbor.Neighbor{Endpoint: bpv7.NewIpnEndpoint(2), L2Addr: []byte("a")}
	b := neighbor.Neighbor{Endpoint: bpv7.NewIpnEndpoint(3), L2Addr: []byte("b")}

	r.RecordSent(id, a.Endpoint)

	out := r.RouteReceivers(id, bpv7.EndpointID{}, bpv7.EndpointID{}, nil, []neighbor.Neighbor{a, b})
	if len(out) != 1 || !out[0].Endpoint.SameNode(b.Endpoint) {
		t.Fatalf("expected only neighbor b after a has already been sent to, got %v", out)
	}
}

func TestRouteReceiversDirectDeliveryTakesPriority(t *testing.T) {
	r := NewRouter()
	a := neighbor.Neighbor{Endpoint: bpv7.NewIpnEndpoint(2), L2Addr: []byte("a")}
	b := neighbor.Neighbor{Endpoint: bpv7.NewIpnEndpoint(3), L2Addr: []byte("b")}

	out := r.RouteReceivers(testID(1), b.Endpoint, bpv7.EndpointID{}, nil, []neighbor.Neighbor{a, b})
	if len(out) != 1 || !out[0].Endpoint.SameNode(b.Endpoint) {
		t.Fatalf("expected direct delivery to neighbor b only, got %v", out)
	}
}

func TestAlreadySentAndOnBundleDeleted(t *testing.T) {
	r := NewRouter()
	id := testID(1)
	n := bpv7.NewIpnEndpoint(2)

	if r.AlreadySent(id, n) {
		t.Fatal("expected AlreadySent to be false before any RecordSent call")
	}

	r.RecordSent(id, n)
	if !r.AlreadySent(id, n) {
		t.Fatal("expected AlreadySent to be true after RecordSent")
	}

	r.OnBundleDeleted(id)
	if r.AlreadySent(id, n) {
		t.Fatal("expected ledger entry to be gone after OnBundleDeleted")
	}
}
