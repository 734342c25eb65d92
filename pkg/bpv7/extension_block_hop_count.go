// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import (
	"fmt"
	"io"

	"github.com/dtn7/cboring"
)

// HopCountBlock bounds how many times a bundle may be forwarded before a
// node gives up on it, independent of its lifetime.
type HopCountBlock struct {
	Limit uint8
	Count uint8
}

// BlockTypeCode returns the block type code for a Hop Count Block.
func (hcb *HopCountBlock) BlockTypeCode() uint64 {
	return ExtBlockTypeHopCountBlock
}

// NewHopCountBlock creates a new HopCountBlock with a given hop limit.
func NewHopCountBlock(limit uint8) *HopCountBlock {
	return &HopCountBlock{Limit: limit, Count: 0}
}

// IsExceeded reports whether the hop count has passed its limit.
func (hcb HopCountBlock) IsExceeded() bool {
	return hcb.Count > hcb.Limit
}

// Increment bumps the hop counter and reports whether the limit is now
// exceeded.
func (hcb *HopCountBlock) Increment() bool {
	hcb.Count++
	return hcb.IsExceeded()
}

// Decrement reverses a failed forward attempt's hop increment.
func (hcb *HopCountBlock) Decrement() {
	hcb.Count--
}

// MarshalCbor writes a CBOR representation of this Hop Count Block.
func (hcb *HopCountBlock) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(2, w); err != nil {
		return err
	}
	for _, f := range []uint8{hcb.Limit, hcb.Count} {
		if err := cboring.WriteUInt(uint64(f), w); err != nil {
			return err
		}
	}
	return nil
}

// UnmarshalCbor reads a CBOR representation of a Hop Count Block.
func (hcb *HopCountBlock) UnmarshalCbor(r io.Reader) error {
	if l, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if l != 2 {
		return fmt.Errorf("%w: hop count block expects an array of 2 elements, got %d", ErrMalformed, l)
	}

	for _, f := range []*uint8{&hcb.Limit, &hcb.Count} {
		x, err := cboring.ReadUInt(r)
		if err != nil {
			return err
		}
		if x > 255 {
			return fmt.Errorf("%w: hop count field out of range: %d", ErrMalformed, x)
		}
		*f = uint8(x)
	}
	return nil
}

// CheckValid reports whether the hop limit has already been exceeded.
func (hcb *HopCountBlock) CheckValid() error {
	if hcb.IsExceeded() {
		return fmt.Errorf("bpv7: hop count block limit exceeded")
	}
	return nil
}

// CheckContextValid verifies there is at most one Hop Count Block in b.
func (hcb *HopCountBlock) CheckContextValid(b *Bundle) error {
	cb, err := b.ExtensionBlock(ExtBlockTypeHopCountBlock)
	if err != nil {
		return err
	}
	if cb.Value != ExtensionBlock(hcb) {
		return fmt.Errorf("bpv7: bundle carries more than one hop count block")
	}
	return nil
}
