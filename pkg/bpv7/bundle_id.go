// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import (
	"fmt"
	"io"

	"github.com/dtn7/cboring"
)

// BundleID is a bundle's fingerprint: its source node paired with its
// creation timestamp. Two bundles with the same BundleID are the same
// bundle, possibly received over different paths, and are deduplicated
// accordingly.
type BundleID struct {
	SourceNode EndpointID
	Timestamp  CreationTimestamp
}

func (bid BundleID) String() string {
	return fmt.Sprintf("%v-%d-%d", bid.SourceNode, bid.Timestamp.Seconds, bid.Timestamp.Sequence)
}

// MarshalCbor writes the BundleID's CBOR representation.
func (bid *BundleID) MarshalCbor(w io.Writer) error {
	if err := cboring.Marshal(&bid.SourceNode, w); err != nil {
		return fmt.Errorf("bpv7: marshalling bundle id source node failed: %w", err)
	}
	if err := cboring.Marshal(&bid.Timestamp, w); err != nil {
		return fmt.Errorf("bpv7: marshalling bundle id timestamp failed: %w", err)
	}
	return nil
}

// UnmarshalCbor reads a BundleID written by MarshalCbor.
func (bid *BundleID) UnmarshalCbor(r io.Reader) error {
	if err := cboring.Unmarshal(&bid.SourceNode, r); err != nil {
		return fmt.Errorf("bpv7: unmarshalling bundle id source node failed: %w", err)
	}
	if err := cboring.Unmarshal(&bid.Timestamp, r); err != nil {
		return fmt.Errorf("bpv7: unmarshalling bundle id timestamp failed: %w", err)
	}
	return nil
}
