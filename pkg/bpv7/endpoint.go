// SPDX-License-Identifier: GPL-3.0-or-later

// Package bpv7 implements the bundle codec and object model: primary and
// canonical blocks, endpoints and the deterministic CBOR-like encoding used
// on the wire.
package bpv7

import (
	"fmt"
	"io"
	"strconv"

	"github.com/dtn7/cboring"
)

// Scheme identifies which union variant an EndpointID carries.
type Scheme uint8

const (
	// SchemeIPN carries a numeric node number.
	SchemeIPN Scheme = 1
	// SchemeDTN carries a short UTF-8 identifier string.
	SchemeDTN Scheme = 2
)

func (s Scheme) String() string {
	switch s {
	case SchemeIPN:
		return "ipn"
	case SchemeDTN:
		return "dtn"
	default:
		return fmt.Sprintf("scheme(%d)", uint8(s))
	}
}

// MaxEndpointSize bounds a DTN-scheme identifier string.
const MaxEndpointSize = 32

// BroadcastEID is the well-known destination used by discovery bundles.
const BroadcastEID = "11111111"

// BroadcastNodeNum is the IPN node number matching BroadcastEID.
const BroadcastNodeNum uint32 = 11111111

// EndpointID is a tagged union: an IPN node number or a DTN identifier
// string. A bundle's destination, source and report-to endpoints must all
// share one scheme. The application a bundle is addressed to is carried
// separately, as the primary block's ServiceNum field — an EndpointID alone
// only names a node.
type EndpointID struct {
	Scheme  Scheme
	NodeNum uint32
	DtnID   string
}

// NewIpnEndpoint builds an IPN-scheme EndpointID naming a node.
func NewIpnEndpoint(node uint32) EndpointID {
	return EndpointID{Scheme: SchemeIPN, NodeNum: node}
}

// NewDtnEndpoint builds a DTN-scheme EndpointID.
func NewDtnEndpoint(id string) EndpointID {
	return EndpointID{Scheme: SchemeDTN, DtnID: id}
}

// BroadcastEndpoint is the destination used for discovery bundles.
func BroadcastEndpoint() EndpointID {
	return NewIpnEndpoint(BroadcastNodeNum)
}

// CheckValid returns an error if this EndpointID violates its size or
// scheme constraints.
func (e EndpointID) CheckValid() error {
	switch e.Scheme {
	case SchemeIPN:
		return nil
	case SchemeDTN:
		if len(e.DtnID) == 0 {
			return fmt.Errorf("bpv7: dtn endpoint identifier must not be empty")
		}
		if len(e.DtnID) > MaxEndpointSize {
			return fmt.Errorf("bpv7: dtn endpoint identifier exceeds %d bytes", MaxEndpointSize)
		}
		return nil
	default:
		return fmt.Errorf("bpv7: unknown endpoint scheme %d", e.Scheme)
	}
}

// SameNode reports whether two endpoints name the same node.
func (e EndpointID) SameNode(other EndpointID) bool {
	if e.Scheme != other.Scheme {
		return false
	}
	switch e.Scheme {
	case SchemeIPN:
		return e.NodeNum == other.NodeNum
	case SchemeDTN:
		return e.DtnID == other.DtnID
	default:
		return false
	}
}

func (e EndpointID) String() string {
	switch e.Scheme {
	case SchemeIPN:
		return "ipn:" + strconv.FormatUint(uint64(e.NodeNum), 10)
	case SchemeDTN:
		return "dtn://" + e.DtnID
	default:
		return "unknown-endpoint"
	}
}

// MarshalCbor writes this EndpointID as a two-element CBOR array: the
// scheme discriminator followed by the scheme-specific payload.
func (e *EndpointID) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(2, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(uint64(e.Scheme), w); err != nil {
		return err
	}

	switch e.Scheme {
	case SchemeIPN:
		return cboring.WriteUInt(uint64(e.NodeNum), w)

	case SchemeDTN:
		return cboring.WriteByteString([]byte(e.DtnID), w)

	default:
		return fmt.Errorf("bpv7: cannot marshal endpoint with unknown scheme %d", e.Scheme)
	}
}

// UnmarshalCbor reads an EndpointID written by MarshalCbor.
func (e *EndpointID) UnmarshalCbor(r io.Reader) error {
	if l, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if l != 2 {
		return fmt.Errorf("bpv7: endpoint expects an array of 2 elements, got %d", l)
	}

	scheme, err := cboring.ReadUInt(r)
	if err != nil {
		return err
	}
	e.Scheme = Scheme(scheme)

	switch e.Scheme {
	case SchemeIPN:
		if node, err := cboring.ReadUInt(r); err != nil {
			return err
		} else {
			e.NodeNum = uint32(node)
		}
		return nil

	case SchemeDTN:
		id, err := cboring.ReadByteString(r)
		if err != nil {
			return err
		}
		if len(id) > MaxEndpointSize {
			return fmt.Errorf("bpv7: dtn endpoint identifier exceeds %d bytes", MaxEndpointSize)
		}
		e.DtnID = string(id)
		return nil

	default:
		return fmt.Errorf("bpv7: %w: unknown endpoint scheme %d", ErrMalformed, e.Scheme)
	}
}
