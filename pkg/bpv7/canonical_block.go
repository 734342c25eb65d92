// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/dtn7/cboring"
	"github.com/hashicorp/go-multierror"
)

// CanonicalBlock is a bundle block other than the primary block: a typed,
// numbered payload with its own control flags and optional CRC.
type CanonicalBlock struct {
	BlockNumber       uint64
	BlockControlFlags BlockControlFlags
	CRCType           CRCType
	CRC               []byte
	Value             ExtensionBlock
}

// NewCanonicalBlock builds a CanonicalBlock from its number, control flags
// and extension payload, defaulting to CRC32 protection.
func NewCanonicalBlock(no uint64, bcf BlockControlFlags, value ExtensionBlock) CanonicalBlock {
	return CanonicalBlock{
		BlockNumber:       no,
		BlockControlFlags: bcf,
		CRCType:           CRC32,
		Value:             value,
	}
}

// TypeCode returns this block's extension type code.
func (cb CanonicalBlock) TypeCode() uint64 {
	return cb.Value.BlockTypeCode()
}

// HasCRC reports whether this block carries a CRC field on the wire.
func (cb CanonicalBlock) HasCRC() bool {
	return cb.CRCType != CRCNone
}

// MarshalCbor writes this CanonicalBlock's representation, discriminator
// tag included.
func (cb *CanonicalBlock) MarshalCbor(w io.Writer) error {
	if _, err := w.Write([]byte{CanonicalTag}); err != nil {
		return err
	}

	var blockLen uint64 = 5
	if cb.HasCRC() {
		blockLen = 6
	}

	crcBuff := new(bytes.Buffer)
	mw := io.MultiWriter(w, crcBuff)

	if err := cboring.WriteArrayLength(blockLen, mw); err != nil {
		return err
	}

	fields := []uint64{cb.TypeCode(), cb.BlockNumber, uint64(cb.BlockControlFlags), uint64(cb.CRCType)}
	for _, f := range fields {
		if err := cboring.WriteUInt(f, mw); err != nil {
			return err
		}
	}

	if err := GetExtensionBlockManager().WriteBlock(cb.Value, mw); err != nil {
		return fmt.Errorf("bpv7: marshalling canonical block value failed: %w", err)
	}

	if !cb.HasCRC() {
		return nil
	}

	crcVal, err := calculateCRCBuff(crcBuff, cb.CRCType)
	if err != nil {
		return err
	}
	cb.CRC = crcVal

	return cboring.WriteByteString(crcVal, w)
}

// UnmarshalCbor reads a CanonicalBlock written by MarshalCbor. The leading
// CanonicalTag byte must already have been consumed by the caller.
func (cb *CanonicalBlock) UnmarshalCbor(r io.Reader) error {
	bl, err := cboring.ReadArrayLength(r)
	if err != nil {
		return err
	}
	if bl != 5 && bl != 6 {
		return fmt.Errorf("%w: canonical block expects 5 or 6 elements, got %d", ErrMalformed, bl)
	}
	hasCRC := bl == 6

	crcBuff := new(bytes.Buffer)
	if hasCRC {
		if err := cboring.WriteArrayLength(bl, crcBuff); err != nil {
			return err
		}
		r = io.TeeReader(r, crcBuff)
	}

	blockType, err := cboring.ReadUInt(r)
	if err != nil {
		return err
	}
	if bn, err := cboring.ReadUInt(r); err != nil {
		return err
	} else {
		cb.BlockNumber = bn
	}
	if bcf, err := cboring.ReadUInt(r); err != nil {
		return err
	} else {
		cb.BlockControlFlags = BlockControlFlags(bcf)
	}
	if crcT, err := cboring.ReadUInt(r); err != nil {
		return err
	} else {
		cb.CRCType = CRCType(crcT)
	}

	value, err := GetExtensionBlockManager().ReadBlock(blockType, r)
	if err != nil {
		return fmt.Errorf("%w: canonical block value failed: %v", ErrMalformed, err)
	}
	cb.Value = value

	if !hasCRC {
		return nil
	}

	crcCalc, err := calculateCRCBuff(crcBuff, cb.CRCType)
	if err != nil {
		return err
	}
	crcVal, err := cboring.ReadByteString(r)
	if err != nil {
		return err
	}
	if !bytes.Equal(crcCalc, crcVal) {
		return fmt.Errorf("%w: canonical block: got %x, want %x", ErrCRCMismatch, crcVal, crcCalc)
	}
	cb.CRC = crcVal

	return nil
}

// CheckValid reports structural errors in this CanonicalBlock.
func (cb CanonicalBlock) CheckValid() (errs error) {
	if err := cb.BlockControlFlags.CheckValid(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := cb.Value.CheckValid(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if cb.Value.BlockTypeCode() == ExtBlockTypePayloadBlock && cb.BlockNumber != 1 {
		errs = multierror.Append(errs, fmt.Errorf("bpv7: payload block must carry block number 1, got %d", cb.BlockNumber))
	}
	if n, err := encodedDataLen(cb.Value); err == nil && n > BlockDataBufSize {
		errs = multierror.Append(errs, fmt.Errorf("%w: block type %d data is %d bytes, limit is %d", ErrBundleTooLarge, cb.TypeCode(), n, BlockDataBufSize))
	}
	return
}

func (cb CanonicalBlock) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "block type: %d, number: %d, flags: %b, crc: %v", cb.TypeCode(), cb.BlockNumber, cb.BlockControlFlags, cb.CRCType)
	if cb.HasCRC() {
		fmt.Fprintf(&b, " (%x)", cb.CRC)
	}
	return b.String()
}
