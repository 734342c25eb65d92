// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import (
	"fmt"
	"io"

	"github.com/dtn7/cboring"
)

// CreationTimestamp is a (seconds, sequence) pair. Nodes without a clock
// set Seconds to zero and rely on a Bundle Age block instead; Sequence then
// disambiguates bundles created within the same unknown instant.
type CreationTimestamp struct {
	Seconds  uint32
	Sequence uint32
}

// IsZero reports whether this timestamp carries no wall-clock time, i.e.
// this node has no clock.
func (ts CreationTimestamp) IsZero() bool {
	return ts.Seconds == 0
}

func (ts CreationTimestamp) String() string {
	return fmt.Sprintf("(%d, %d)", ts.Seconds, ts.Sequence)
}

// MarshalCbor writes this CreationTimestamp as a two-element CBOR array.
func (ts *CreationTimestamp) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(2, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(uint64(ts.Seconds), w); err != nil {
		return err
	}
	return cboring.WriteUInt(uint64(ts.Sequence), w)
}

// UnmarshalCbor reads a CreationTimestamp written by MarshalCbor.
func (ts *CreationTimestamp) UnmarshalCbor(r io.Reader) error {
	if l, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if l != 2 {
		return fmt.Errorf("bpv7: creation timestamp expects an array of 2 elements, got %d", l)
	}
	if s, err := cboring.ReadUInt(r); err != nil {
		return err
	} else {
		ts.Seconds = uint32(s)
	}
	if seq, err := cboring.ReadUInt(r); err != nil {
		return err
	} else {
		ts.Sequence = uint32(seq)
	}
	return nil
}
