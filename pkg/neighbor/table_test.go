// SPDX-License-Identifier: GPL-3.0-or-later

package neighbor

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/meshbound/dtnmesh/pkg/bpv7"
)

func TestTableObserveNewNeighbor(t *testing.T) {
	tbl := New(time.Minute, nil)
	ep := bpv7.NewIpnEndpoint(1)

	if !tbl.Observe(ep, []byte{1, 2, 3}) {
		t.Fatal("expected first sighting to report isNew")
	}

	n, ok := tbl.Lookup(ep)
	if !ok {
		t.Fatal("expected neighbor to be present after Observe")
	}
	if string(n.L2Addr) != "\x01\x02\x03" {
		t.Fatalf("unexpected L2Addr: %v", n.L2Addr)
	}
}

func TestTableObserveRefreshSameAddress(t *testing.T) {
	tbl := New(time.Minute, nil)
	ep := bpv7.NewIpnEndpoint(1)

	tbl.Observe(ep, []byte{1, 2, 3})
	if tbl.Observe(ep, []byte{1, 2, 3}) {
		t.Fatal("expected a repeat sighting with the same address to refresh, not report new")
	}
}

func TestTableObserveDifferentAddressIsNew(t *testing.T) {
	tbl := New(time.Minute, nil)
	ep := bpv7.NewIpnEndpoint(1)

	tbl.Observe(ep, []byte{1, 2, 3})
	if !tbl.Observe(ep, []byte{9, 9, 9}) {
		t.Fatal("expected a sighting at a different L2 address to be treated as a new neighbor")
	}

	n, _ := tbl.Lookup(ep)
	if string(n.L2Addr) != "\x09\x09\x09" {
		t.Fatalf("expected the entry to be replaced with the new address, got %v", n.L2Addr)
	}
}

func TestTableLookupByL2Addr(t *testing.T) {
	tbl := New(time.Minute, nil)
	ep := bpv7.NewIpnEndpoint(7)
	tbl.Observe(ep, []byte{4, 5, 6})

	n, ok := tbl.LookupByL2Addr([]byte{4, 5, 6})
	if !ok {
		t.Fatal("expected to resolve neighbor by L2 address")
	}
	if !n.Endpoint.SameNode(ep) {
		t.Fatalf("expected endpoint %v, got %v", ep, n.Endpoint)
	}

	if _, ok := tbl.LookupByL2Addr([]byte{0, 0, 0}); ok {
		t.Fatal("expected no match for an unknown address")
	}
}

func TestTableRemove(t *testing.T) {
	tbl := New(time.Minute, nil)
	ep := bpv7.NewIpnEndpoint(1)
	tbl.Observe(ep, []byte{1})

	tbl.Remove(ep)
	if _, ok := tbl.Lookup(ep); ok {
		t.Fatal("expected neighbor to be gone after Remove")
	}
}

func TestTableExpiryCallsOnExpired(t *testing.T) {
	var calls int32
	done := make(chan bpv7.EndpointID, 1)

	tbl := New(20*time.Millisecond, func(endpoint bpv7.EndpointID) {
		atomic.AddInt32(&calls, 1)
		done <- endpoint
	})

	ep := bpv7.NewIpnEndpoint(3)
	tbl.Observe(ep, []byte{1})

	select {
	case expired := <-done:
		if !expired.SameNode(ep) {
			t.Fatalf("expected expiry callback for %v, got %v", ep, expired)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for neighbor expiry callback")
	}

	if _, ok := tbl.Lookup(ep); !ok {
		t.Fatal("expected the table to keep the neighbor until its owner calls Remove")
	}
}

func TestTableRefreshResetsExpiry(t *testing.T) {
	var calls int32
	tbl := New(40*time.Millisecond, func(bpv7.EndpointID) {
		atomic.AddInt32(&calls, 1)
	})

	ep := bpv7.NewIpnEndpoint(5)
	tbl.Observe(ep, []byte{1})

	time.Sleep(25 * time.Millisecond)
	tbl.Observe(ep, []byte{1})
	time.Sleep(25 * time.Millisecond)

	if atomic.LoadInt32(&calls) != 0 {
		t.Fatal("expected refresh to postpone expiry past the original deadline")
	}
}
