// SPDX-License-Identifier: GPL-3.0-or-later

// Package discovery periodically announces this node's presence on the
// broadcast link and recognizes incoming announcements from others.
package discovery

import (
	"sync"
	"time"

	"github.com/meshbound/dtnmesh/pkg/bpv7"
)

// ServiceNum is the well-known application service number discovery
// bundles are addressed to.
const ServiceNum uint32 = 12

// DefaultPeriod is how often a node broadcasts its own discovery bundle
// absent configuration.
const DefaultPeriod = 30 * time.Second

// Scheduler ticks every period and hands off to fire, which posts a
// discovery event for its owner to act on. It owns only its ticker
// goroutine; the owner decides what a tick means (the convergence engine
// builds and broadcasts the actual bundle), keeping this package ignorant
// of the engine's state.
type Scheduler struct {
	period time.Duration
	fire   func()

	mutex   sync.Mutex
	ticker  *time.Ticker
	stop    chan struct{}
	running bool
}

// NewScheduler creates a Scheduler that calls fire every period.
func NewScheduler(period time.Duration, fire func()) *Scheduler {
	if period <= 0 {
		period = DefaultPeriod
	}
	return &Scheduler{period: period, fire: fire}
}

// Start begins the periodic broadcast. Calling Start twice without an
// intervening Stop is a no-op.
func (s *Scheduler) Start() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.ticker = time.NewTicker(s.period)
	s.stop = make(chan struct{})

	go s.loop(s.ticker, s.stop)
}

func (s *Scheduler) loop(ticker *time.Ticker, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.fire()
		}
	}
}

// Stop halts the periodic broadcast.
func (s *Scheduler) Stop() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if !s.running {
		return
	}
	s.running = false
	close(s.stop)
	s.ticker.Stop()
}

// Build constructs a discovery bundle announcing self's reachability at
// l2Addr, valid for lifetime seconds. Discovery bundles carry no
// clock-dependent creation timestamp requirement beyond a zero value plus
// a Bundle Age block, matching a node without a reliable clock.
func Build(self bpv7.EndpointID, l2Addr []byte, lifetime uint8) (bpv7.Bundle, error) {
	primary := bpv7.NewPrimaryBlock(
		bpv7.BundleControlFlags(0),
		bpv7.BroadcastEndpoint(),
		self,
		bpv7.BroadcastEndpoint(),
		ServiceNum,
		bpv7.CreationTimestamp{Seconds: 0, Sequence: 0},
		lifetime,
	)

	payload := bpv7.NewCanonicalBlock(1, 0, bpv7.NewPayloadBlock(l2Addr))
	age := bpv7.NewCanonicalBlock(2, 0, bpv7.NewBundleAgeBlock(0))

	return bpv7.NewBundle(primary, []bpv7.CanonicalBlock{age, payload})
}

// IsDiscovery reports whether b is a discovery announcement.
func IsDiscovery(b *bpv7.Bundle) bool {
	return b.PrimaryBlock.ServiceNum == ServiceNum
}

// ParsePayload extracts the announcing node's local L2 address from a
// discovery bundle.
func ParsePayload(b *bpv7.Bundle) ([]byte, error) {
	pb, err := b.PayloadBlock()
	if err != nil {
		return nil, err
	}
	return pb.Value.(*bpv7.PayloadBlock).Data(), nil
}
