// SPDX-License-Identifier: GPL-3.0-or-later

package store

import (
	"testing"

	"github.com/meshbound/dtnmesh/pkg/bpv7"
)

func testBundle(t *testing.T, src uint32, seconds uint32) bpv7.Bundle {
	t.Helper()

	primary := bpv7.NewPrimaryBlock(
		bpv7.BundleControlFlags(0),
		bpv7.NewIpnEndpoint(99),
		bpv7.NewIpnEndpoint(src),
		bpv7.NewIpnEndpoint(src),
		7,
		bpv7.CreationTimestamp{Seconds: seconds, Sequence: 0},
		60,
	)
	payload := bpv7.NewCanonicalBlock(1, 0, bpv7.NewPayloadBlock([]byte("x")))
	b, err := bpv7.NewBundle(primary, []bpv7.CanonicalBlock{payload})
	if err != nil {
		t.Fatalf("NewBundle: %v", err)
	}
	return b
}

func TestStoreInsertFindDelete(t *testing.T) {
	s := New(2)
	b := testBundle(t, 1, 100)

	if _, err := s.Insert(b, ForwardPending, bpv7.EndpointID{}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	entry, ok := s.Find(b.ID())
	if !ok {
		t.Fatal("expected to find inserted bundle")
	}
	if entry.Retention != ForwardPending {
		t.Fatalf("expected ForwardPending retention, got %v", entry.Retention)
	}

	s.Delete(b.ID())
	if _, ok := s.Find(b.ID()); !ok {
		t.Fatal("expected Delete to be a no-op while retention is still ForwardPending")
	}

	if err := s.SetRetention(b.ID(), None); err != nil {
		t.Fatalf("SetRetention: %v", err)
	}
	s.Delete(b.ID())
	if _, ok := s.Find(b.ID()); ok {
		t.Fatal("expected bundle to be gone after Delete once retention is None")
	}
}

func TestStoreEvictsOldestUnconstrained(t *testing.T) {
	s := New(2)

	first := testBundle(t, 1, 100)
	second := testBundle(t, 2, 100)
	third := testBundle(t, 3, 100)

	if _, err := s.Insert(first, None, bpv7.EndpointID{}); err != nil {
		t.Fatalf("Insert first: %v", err)
	}
	if _, err := s.Insert(second, None, bpv7.EndpointID{}); err != nil {
		t.Fatalf("Insert second: %v", err)
	}

	evicted, err := s.Insert(third, None, bpv7.EndpointID{})
	if err != nil {
		t.Fatalf("Insert third: %v", err)
	}
	if evicted == nil || *evicted != first.ID() {
		t.Fatalf("expected first bundle to be evicted, got %v", evicted)
	}

	if _, ok := s.Find(first.ID()); ok {
		t.Fatal("evicted bundle should no longer be found")
	}
	if s.Len() != 2 {
		t.Fatalf("expected 2 entries after eviction, got %d", s.Len())
	}
}

func TestStoreFullWhenAllConstrained(t *testing.T) {
	s := New(1)
	first := testBundle(t, 1, 100)
	second := testBundle(t, 2, 100)

	if _, err := s.Insert(first, ForwardPending, bpv7.EndpointID{}); err != nil {
		t.Fatalf("Insert first: %v", err)
	}

	if _, err := s.Insert(second, ForwardPending, bpv7.EndpointID{}); err != ErrStoreFull {
		t.Fatalf("expected ErrStoreFull, got %v", err)
	}
}

func TestStorePreviousHopPersists(t *testing.T) {
	s := New(2)
	b := testBundle(t, 1, 100)
	prevHop := bpv7.NewIpnEndpoint(42)

	if _, err := s.Insert(b, ForwardPending, prevHop); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	entry, ok := s.Find(b.ID())
	if !ok {
		t.Fatal("expected to find inserted bundle")
	}
	if !entry.PreviousHop.SameNode(prevHop) {
		t.Fatalf("expected previous hop %v, got %v", prevHop, entry.PreviousHop)
	}
}

func TestStoreMutateBundle(t *testing.T) {
	s := New(2)
	primary := bpv7.NewPrimaryBlock(
		bpv7.BundleControlFlags(0),
		bpv7.NewIpnEndpoint(99),
		bpv7.NewIpnEndpoint(1),
		bpv7.NewIpnEndpoint(1),
		7,
		bpv7.CreationTimestamp{Seconds: 0, Sequence: 0},
		60,
	)
	age := bpv7.NewCanonicalBlock(2, 0, bpv7.NewBundleAgeBlock(0))
	payload := bpv7.NewCanonicalBlock(1, 0, bpv7.NewPayloadBlock([]byte("x")))
	b, err := bpv7.NewBundle(primary, []bpv7.CanonicalBlock{age, payload})
	if err != nil {
		t.Fatalf("NewBundle: %v", err)
	}

	if _, err := s.Insert(b, ForwardPending, bpv7.EndpointID{}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	err = s.MutateBundle(b.ID(), func(mb *bpv7.Bundle) {
		ageBlock, aerr := mb.ExtensionBlock(bpv7.ExtBlockTypeBundleAgeBlock)
		if aerr != nil {
			t.Fatalf("ExtensionBlock: %v", aerr)
		}
		ageBlock.Value.(*bpv7.BundleAgeBlock).Increment(500)
	})
	if err != nil {
		t.Fatalf("MutateBundle: %v", err)
	}

	entry, _ := s.Find(b.ID())
	ageBlock, err := entry.Bundle.ExtensionBlock(bpv7.ExtBlockTypeBundleAgeBlock)
	if err != nil {
		t.Fatalf("ExtensionBlock after mutate: %v", err)
	}
	if got := ageBlock.Value.(*bpv7.BundleAgeBlock).Age(); got != 500 {
		t.Fatalf("expected age 500 after mutate, got %d", got)
	}
}

func TestStoreListVsListActive(t *testing.T) {
	s := New(3)
	active := testBundle(t, 1, 100)
	idle := testBundle(t, 2, 100)

	if _, err := s.Insert(active, ForwardPending, bpv7.EndpointID{}); err != nil {
		t.Fatalf("Insert active: %v", err)
	}
	if _, err := s.Insert(idle, None, bpv7.EndpointID{}); err != nil {
		t.Fatalf("Insert idle: %v", err)
	}

	if got := len(s.List()); got != 2 {
		t.Fatalf("List: expected 2 entries, got %d", got)
	}
	if got := len(s.ListActive()); got != 1 {
		t.Fatalf("ListActive: expected 1 entry, got %d", got)
	}
}

func TestProcessedMarkAndEvict(t *testing.T) {
	p := NewProcessed(2)
	a := bpv7.BundleID{SourceNode: bpv7.NewIpnEndpoint(1), Timestamp: bpv7.CreationTimestamp{Seconds: 1}}
	b := bpv7.BundleID{SourceNode: bpv7.NewIpnEndpoint(2), Timestamp: bpv7.CreationTimestamp{Seconds: 2}}
	c := bpv7.BundleID{SourceNode: bpv7.NewIpnEndpoint(3), Timestamp: bpv7.CreationTimestamp{Seconds: 3}}

	p.Mark(a)
	p.Mark(b)
	if !p.Contains(a) || !p.Contains(b) {
		t.Fatal("expected both marked fingerprints to be contained")
	}

	p.Mark(c)
	if p.Contains(a) {
		t.Fatal("expected oldest fingerprint to be evicted once capacity is exceeded")
	}
	if !p.Contains(b) || !p.Contains(c) {
		t.Fatal("expected the two most recent fingerprints to remain")
	}
}
