// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import (
	"fmt"
	"io"

	"github.com/dtn7/cboring"
)

// BundleAgeBlock tracks a bundle's age in milliseconds since creation, for
// nodes that lack a reliable clock and so cannot rely on the primary
// block's creation timestamp for expiry.
type BundleAgeBlock uint64

// BlockTypeCode returns the block type code for a Bundle Age Block.
func (bab *BundleAgeBlock) BlockTypeCode() uint64 {
	return ExtBlockTypeBundleAgeBlock
}

// NewBundleAgeBlock creates a new BundleAgeBlock for the given milliseconds.
func NewBundleAgeBlock(ms uint64) *BundleAgeBlock {
	bab := BundleAgeBlock(ms)
	return &bab
}

// Age returns the age in milliseconds.
func (bab *BundleAgeBlock) Age() uint64 {
	return uint64(*bab)
}

// Increment adds an offset in milliseconds and returns the new age.
func (bab *BundleAgeBlock) Increment(offset uint64) uint64 {
	next := uint64(*bab) + offset
	*bab = BundleAgeBlock(next)
	return next
}

// MarshalCbor writes a CBOR representation for a Bundle Age Block.
func (bab *BundleAgeBlock) MarshalCbor(w io.Writer) error {
	return cboring.WriteUInt(uint64(*bab), w)
}

// UnmarshalCbor reads the CBOR representation for a Bundle Age Block.
func (bab *BundleAgeBlock) UnmarshalCbor(r io.Reader) error {
	us, err := cboring.ReadUInt(r)
	if err != nil {
		return err
	}
	*bab = BundleAgeBlock(us)
	return nil
}

// CheckValid always succeeds: any age value is structurally valid.
func (bab *BundleAgeBlock) CheckValid() error {
	return nil
}

// CheckContextValid verifies there is at most one Bundle Age Block in b.
func (bab *BundleAgeBlock) CheckContextValid(b *Bundle) error {
	cb, err := b.ExtensionBlock(ExtBlockTypeBundleAgeBlock)
	if err != nil {
		return err
	}
	if cb.Value != ExtensionBlock(bab) {
		return fmt.Errorf("bpv7: bundle carries more than one bundle age block")
	}
	return nil
}
