// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/dtn7/cboring"
	"github.com/hashicorp/go-multierror"
)

// BlockDataBufSize bounds a single canonical block's encoded extension
// payload. A node holds only a handful of small, fixed-size buffers; a
// block that would not fit in one is rejected rather than chunked.
const BlockDataBufSize = 100

// MaxNumOfBlocks bounds the number of blocks a bundle may carry, primary
// block included.
const MaxNumOfBlocks = 3

// Bundle is a primary block together with its ordered canonical blocks.
type Bundle struct {
	PrimaryBlock    PrimaryBlock
	CanonicalBlocks []CanonicalBlock
}

// NewBundle builds a Bundle and validates it.
func NewBundle(primary PrimaryBlock, canonicals []CanonicalBlock) (b Bundle, err error) {
	b = MustNewBundle(primary, canonicals)
	err = b.CheckValid()
	return
}

// MustNewBundle builds a Bundle without validating it.
func MustNewBundle(primary PrimaryBlock, canonicals []CanonicalBlock) (b Bundle) {
	b = Bundle{PrimaryBlock: primary, CanonicalBlocks: canonicals}
	b.sortBlocks()
	return
}

// ParseBundle reads a tag-prefixed Bundle from r. r must be exhausted
// exactly by the bundle's encoding; a frame holds exactly one bundle.
func ParseBundle(r io.Reader) (b Bundle, err error) {
	err = cboring.Unmarshal(&b, r)
	return
}

// WriteBundle writes this Bundle's tag-prefixed encoding into w.
func (b *Bundle) WriteBundle(w io.Writer) error {
	return cboring.Marshal(b, w)
}

// ExtensionBlocks returns every canonical block matching blockType.
func (b *Bundle) ExtensionBlocks(blockType uint64) (cbs []*CanonicalBlock, err error) {
	for i := range b.CanonicalBlocks {
		if cb := &b.CanonicalBlocks[i]; cb.TypeCode() == blockType {
			cbs = append(cbs, cb)
		}
	}
	if len(cbs) == 0 {
		err = fmt.Errorf("bpv7: no canonical block with type %d", blockType)
	}
	return
}

// ExtensionBlock returns the single canonical block matching blockType, or
// an error if there is none or more than one.
func (b *Bundle) ExtensionBlock(blockType uint64) (*CanonicalBlock, error) {
	cbs, err := b.ExtensionBlocks(blockType)
	if err != nil {
		return nil, err
	}
	if len(cbs) != 1 {
		return nil, fmt.Errorf("bpv7: %d canonical blocks carry type %d", len(cbs), blockType)
	}
	return cbs[0], nil
}

// HasExtensionBlock reports whether a canonical block of blockType exists.
func (b *Bundle) HasExtensionBlock(blockType uint64) bool {
	_, err := b.ExtensionBlocks(blockType)
	return err == nil
}

// PayloadBlock returns this Bundle's payload block.
func (b *Bundle) PayloadBlock() (*CanonicalBlock, error) {
	return b.ExtensionBlock(ExtBlockTypePayloadBlock)
}

func (b *Bundle) sortBlocks() {
	sort.Slice(b.CanonicalBlocks, func(i, j int) bool {
		// The payload block always sorts last, as CheckValid requires.
		bi, bj := b.CanonicalBlocks[i], b.CanonicalBlocks[j]
		if bi.TypeCode() == ExtBlockTypePayloadBlock {
			return false
		}
		if bj.TypeCode() == ExtBlockTypePayloadBlock {
			return true
		}
		return bi.BlockNumber < bj.BlockNumber
	})
}

// AddExtensionBlock appends block to this Bundle, assigning it the next
// free block number.
func (b *Bundle) AddExtensionBlock(block CanonicalBlock) error {
	used := make(map[uint64]bool, len(b.CanonicalBlocks))
	for _, cb := range b.CanonicalBlocks {
		used[cb.BlockNumber] = true
	}

	next := uint64(1)
	if block.Value.BlockTypeCode() != ExtBlockTypePayloadBlock {
		next = 2
	}
	for used[next] {
		next++
	}
	block.BlockNumber = next

	b.CanonicalBlocks = append(b.CanonicalBlocks, block)
	b.sortBlocks()
	return nil
}

// ID returns this Bundle's fingerprint.
func (b Bundle) ID() BundleID {
	return BundleID{
		SourceNode: b.PrimaryBlock.Source,
		Timestamp:  b.PrimaryBlock.CreationTimestamp,
	}
}

func (b Bundle) String() string {
	return b.ID().String()
}

// AgeMillis returns this Bundle's current age in milliseconds, from either
// a Bundle Age Block (nodes without a clock) or the wall-clock distance
// from its creation timestamp.
func (b Bundle) AgeMillis(nowSeconds uint32) uint64 {
	if bab, err := b.ExtensionBlock(ExtBlockTypeBundleAgeBlock); err == nil {
		return bab.Value.(*BundleAgeBlock).Age()
	}
	if nowSeconds < b.PrimaryBlock.CreationTimestamp.Seconds {
		return 0
	}
	return uint64(nowSeconds-b.PrimaryBlock.CreationTimestamp.Seconds) * 1000
}

// IsLifetimeExceeded reports whether this Bundle has aged past its
// PrimaryBlock's lifetime, in seconds.
func (b Bundle) IsLifetimeExceeded(nowSeconds uint32) bool {
	return b.AgeMillis(nowSeconds) > uint64(b.PrimaryBlock.Lifetime)*1000
}

// CheckValid reports structural errors in this Bundle.
func (b Bundle) CheckValid() (errs error) {
	if err := b.PrimaryBlock.CheckValid(); err != nil {
		errs = multierror.Append(errs, err)
	}
	for i := range b.CanonicalBlocks {
		if err := b.CanonicalBlocks[i].CheckValid(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	if len(b.CanonicalBlocks) == 0 {
		errs = multierror.Append(errs, fmt.Errorf("bpv7: bundle carries no canonical blocks"))
		return
	}

	if 1+len(b.CanonicalBlocks) > MaxNumOfBlocks {
		errs = multierror.Append(errs, fmt.Errorf("%w: bundle carries %d blocks, limit is %d", ErrBundleTooLarge, 1+len(b.CanonicalBlocks), MaxNumOfBlocks))
	}

	seen := make(map[uint64]bool, len(b.CanonicalBlocks))
	for _, cb := range b.CanonicalBlocks {
		if seen[cb.BlockNumber] {
			errs = multierror.Append(errs, fmt.Errorf("bpv7: block number %d occurs more than once", cb.BlockNumber))
		}
		seen[cb.BlockNumber] = true

		if ccv, ok := cb.Value.(interface{ CheckContextValid(*Bundle) error }); ok {
			if err := ccv.CheckContextValid(&b); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
	}

	if last := b.CanonicalBlocks[len(b.CanonicalBlocks)-1].TypeCode(); last != ExtBlockTypePayloadBlock {
		errs = multierror.Append(errs, fmt.Errorf("bpv7: last canonical block is not the payload block, got type %d", last))
	}

	if b.PrimaryBlock.CreationTimestamp.IsZero() && !b.HasExtensionBlock(ExtBlockTypeBundleAgeBlock) {
		errs = multierror.Append(errs, fmt.Errorf("bpv7: creation timestamp is zero but no bundle age block exists"))
	}

	return
}

// MarshalCbor writes this Bundle's tag-prefixed encoding: the primary
// block followed by each canonical block in order, with no outer framing
// — the caller's transport frame bounds the bundle.
func (b *Bundle) MarshalCbor(w io.Writer) error {
	if err := cboring.Marshal(&b.PrimaryBlock, w); err != nil {
		return fmt.Errorf("bpv7: primary block failed: %w", err)
	}
	for i := range b.CanonicalBlocks {
		if err := cboring.Marshal(&b.CanonicalBlocks[i], w); err != nil {
			return fmt.Errorf("bpv7: canonical block failed: %w", err)
		}
	}
	return nil
}

// UnmarshalCbor reads a Bundle written by MarshalCbor: one tag-prefixed
// primary block followed by tag-prefixed canonical blocks until r is
// exhausted.
func (b *Bundle) UnmarshalCbor(r io.Reader) error {
	tag := make([]byte, 1)
	if _, err := io.ReadFull(r, tag); err != nil {
		return fmt.Errorf("%w: %v", ErrNotABundle, err)
	}
	if tag[0] != PrimaryTag {
		return fmt.Errorf("%w: expected primary block tag 0x%02x, got 0x%02x", ErrNotABundle, PrimaryTag, tag[0])
	}
	if err := cboring.Unmarshal(&b.PrimaryBlock, r); err != nil {
		if errors.Is(err, ErrCRCMismatch) {
			return err
		}
		return fmt.Errorf("%w: primary block: %v", ErrMalformed, err)
	}

	for {
		if _, err := io.ReadFull(r, tag); errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return err
		}
		if tag[0] != CanonicalTag {
			return fmt.Errorf("%w: expected canonical block tag 0x%02x, got 0x%02x", ErrMalformed, CanonicalTag, tag[0])
		}
		if len(b.CanonicalBlocks)+1 >= MaxNumOfBlocks {
			return fmt.Errorf("%w: more than %d blocks", ErrBundleTooLarge, MaxNumOfBlocks)
		}

		cb := CanonicalBlock{}
		if err := cboring.Unmarshal(&cb, r); err != nil {
			if errors.Is(err, ErrCRCMismatch) {
				return err
			}
			return fmt.Errorf("%w: canonical block: %v", ErrMalformed, err)
		}
		b.CanonicalBlocks = append(b.CanonicalBlocks, cb)
	}

	return b.CheckValid()
}

// EncodedSize returns the encoded byte length of this Bundle.
func (b *Bundle) EncodedSize() (int, error) {
	var buff bytes.Buffer
	if err := b.WriteBundle(&buff); err != nil {
		return 0, err
	}
	return buff.Len(), nil
}
