// SPDX-License-Identifier: GPL-3.0-or-later

package discovery

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/meshbound/dtnmesh/pkg/bpv7"
)

func TestBuildAndParsePayloadRoundTrip(t *testing.T) {
	self := bpv7.NewIpnEndpoint(4)
	b, err := Build(self, []byte{10, 20, 30}, 60)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if !IsDiscovery(&b) {
		t.Fatal("expected a built discovery bundle to be recognized as such")
	}
	if !b.PrimaryBlock.Source.SameNode(self) {
		t.Fatalf("expected source %v, got %v", self, b.PrimaryBlock.Source)
	}

	addr, err := ParsePayload(&b)
	if err != nil {
		t.Fatalf("ParsePayload: %v", err)
	}
	if string(addr) != "\x0a\x14\x1e" {
		t.Fatalf("unexpected payload: %v", addr)
	}
}

func TestIsDiscoveryFalseForOtherServiceNum(t *testing.T) {
	primary := bpv7.NewPrimaryBlock(
		bpv7.BundleControlFlags(0),
		bpv7.NewIpnEndpoint(2),
		bpv7.NewIpnEndpoint(1),
		bpv7.NewIpnEndpoint(1),
		7,
		bpv7.CreationTimestamp{Seconds: 0, Sequence: 0},
		60,
	)
	payload := bpv7.NewCanonicalBlock(1, 0, bpv7.NewPayloadBlock([]byte("x")))
	b, err := bpv7.NewBundle(primary, []bpv7.CanonicalBlock{payload})
	if err != nil {
		t.Fatalf("NewBundle: %v", err)
	}

	if IsDiscovery(&b) {
		t.Fatal("expected an application bundle on a different service number not to be a discovery bundle")
	}
}

func TestSchedulerFiresPeriodically(t *testing.T) {
	var count int32
	s := NewScheduler(15*time.Millisecond, func() {
		atomic.AddInt32(&count, 1)
	})

	s.Start()
	time.Sleep(70 * time.Millisecond)
	s.Stop()

	got := atomic.LoadInt32(&count)
	if got < 2 {
		t.Fatalf("expected at least 2 ticks in 70ms at a 15ms period, got %d", got)
	}

	afterStop := got
	time.Sleep(40 * time.Millisecond)
	if atomic.LoadInt32(&count) != afterStop {
		t.Fatal("expected no further ticks after Stop")
	}
}

func TestSchedulerStartTwiceIsNoOp(t *testing.T) {
	var count int32
	s := NewScheduler(10*time.Millisecond, func() {
		atomic.AddInt32(&count, 1)
	})

	s.Start()
	s.Start()
	time.Sleep(35 * time.Millisecond)
	s.Stop()

	if atomic.LoadInt32(&count) == 0 {
		t.Fatal("expected the scheduler to have fired at least once")
	}
}
