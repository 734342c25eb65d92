// SPDX-License-Identifier: GPL-3.0-or-later

package engine

import (
	"github.com/meshbound/dtnmesh/pkg/bpv7"
	"github.com/meshbound/dtnmesh/pkg/l2"
)

// Msg is one of the four event kinds the convergence loop processes to
// completion before handling the next: SendMsg, RecvMsg, DiscoveryTick or
// RetransmitTick. NeighborExpired is a fifth, engine-internal kind a
// neighbor's purge timer posts instead of mutating the table directly.
type Msg interface {
	isMsg()
}

// SendMsg requests transmission of a locally originated payload from
// ServiceNum to Dest.
type SendMsg struct {
	ServiceNum uint32
	Dest       bpv7.EndpointID
	Payload    []byte
}

// RecvMsg carries one frame read from the L2 link.
type RecvMsg struct {
	Frame l2.Frame
}

// DiscoveryTick requests a fresh discovery bundle be built and broadcast.
type DiscoveryTick struct{}

// RetransmitTick requests every eligible stored bundle be re-sent.
type RetransmitTick struct{}

// NeighborExpired reports that endpoint's purge timer fired.
type NeighborExpired struct {
	Endpoint bpv7.EndpointID
}

func (SendMsg) isMsg()         {}
func (RecvMsg) isMsg()         {}
func (DiscoveryTick) isMsg()   {}
func (RetransmitTick) isMsg()  {}
func (NeighborExpired) isMsg() {}
