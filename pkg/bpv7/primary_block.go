// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import (
	"bytes"
	"fmt"
	"io"

	"github.com/dtn7/cboring"
	"github.com/hashicorp/go-multierror"
)

// PrimaryTag prefixes a primary block on the wire so a decoder can classify
// a block before parsing its body.
const PrimaryTag byte = 0x88

// CanonicalTag prefixes a canonical block on the wire.
const CanonicalTag byte = 0x89

const bpVersion uint64 = 1

// PrimaryBlock is the bundle's primary block. It is immutable
// after creation except for the CRC, which is recomputed whenever a field
// changes.
type PrimaryBlock struct {
	Version           uint64
	Flags             BundleControlFlags
	Scheme            Scheme
	CRCType           CRCType
	Destination       EndpointID
	Source            EndpointID
	ReportTo          EndpointID
	ServiceNum        uint32
	CreationTimestamp CreationTimestamp
	Lifetime          uint8
	FragmentOffset    uint32
	TotalADULength    uint32
	CRC               []byte
}

// NewPrimaryBlock builds a PrimaryBlock with the given addressing and
// lifetime, defaulting to CRC32 protection.
func NewPrimaryBlock(flags BundleControlFlags, dst, src, reportTo EndpointID, serviceNum uint32, ts CreationTimestamp, lifetime uint8) PrimaryBlock {
	return PrimaryBlock{
		Version:           bpVersion,
		Flags:             flags,
		Scheme:            dst.Scheme,
		CRCType:           CRC32,
		Destination:       dst,
		Source:            src,
		ReportTo:          reportTo,
		ServiceNum:        serviceNum,
		CreationTimestamp: ts,
		Lifetime:          lifetime,
	}
}

// HasCRC reports whether this block carries a CRC field on the wire.
func (pb PrimaryBlock) HasCRC() bool {
	return pb.CRCType != CRCNone
}

func (pb PrimaryBlock) arrayLength() uint64 {
	if pb.HasCRC() {
		return 13
	}
	return 12
}

// MarshalCbor writes this PrimaryBlock's CBOR-like representation,
// discriminator tag included.
func (pb *PrimaryBlock) MarshalCbor(w io.Writer) error {
	if _, err := w.Write([]byte{PrimaryTag}); err != nil {
		return err
	}

	crcBuff := new(bytes.Buffer)
	mw := io.MultiWriter(w, crcBuff)

	if err := cboring.WriteArrayLength(pb.arrayLength(), mw); err != nil {
		return err
	}

	uints := []uint64{bpVersion, uint64(pb.Flags), uint64(pb.Scheme), uint64(pb.CRCType)}
	for _, u := range uints {
		if err := cboring.WriteUInt(u, mw); err != nil {
			return err
		}
	}

	eids := []*EndpointID{&pb.Destination, &pb.Source, &pb.ReportTo}
	for _, eid := range eids {
		if err := cboring.Marshal(eid, mw); err != nil {
			return fmt.Errorf("bpv7: endpoint failed: %w", err)
		}
	}

	if err := cboring.WriteUInt(uint64(pb.ServiceNum), mw); err != nil {
		return err
	}
	if err := cboring.Marshal(&pb.CreationTimestamp, mw); err != nil {
		return fmt.Errorf("bpv7: creation timestamp failed: %w", err)
	}

	tail := []uint64{uint64(pb.Lifetime), uint64(pb.FragmentOffset), uint64(pb.TotalADULength)}
	for _, u := range tail {
		if err := cboring.WriteUInt(u, mw); err != nil {
			return err
		}
	}

	if !pb.HasCRC() {
		return nil
	}

	crcVal, err := calculateCRCBuff(crcBuff, pb.CRCType)
	if err != nil {
		return err
	}
	pb.CRC = crcVal

	return cboring.WriteByteString(crcVal, w)
}

// UnmarshalCbor reads a PrimaryBlock written by MarshalCbor. The leading
// PrimaryTag byte must already have been consumed by the caller (the
// bundle-level decoder, which needs it to classify the block first).
func (pb *PrimaryBlock) UnmarshalCbor(r io.Reader) error {
	crcBuff := new(bytes.Buffer)
	tr := io.TeeReader(r, crcBuff)

	l, err := cboring.ReadArrayLength(tr)
	if err != nil {
		return err
	}
	if l != 12 && l != 13 {
		return fmt.Errorf("%w: primary block expects 12 or 13 elements, got %d", ErrMalformed, l)
	}
	hasCRC := l == 13

	if version, err := cboring.ReadUInt(tr); err != nil {
		return err
	} else if version != bpVersion {
		return fmt.Errorf("%w: expected version %d, got %d", ErrMalformed, bpVersion, version)
	} else {
		pb.Version = version
	}

	if flags, err := cboring.ReadUInt(tr); err != nil {
		return err
	} else {
		pb.Flags = BundleControlFlags(flags)
	}

	if scheme, err := cboring.ReadUInt(tr); err != nil {
		return err
	} else {
		pb.Scheme = Scheme(scheme)
	}

	if crcType, err := cboring.ReadUInt(tr); err != nil {
		return err
	} else {
		pb.CRCType = CRCType(crcType)
	}

	eids := []*EndpointID{&pb.Destination, &pb.Source, &pb.ReportTo}
	for _, eid := range eids {
		if err := cboring.Unmarshal(eid, tr); err != nil {
			return fmt.Errorf("%w: endpoint failed: %v", ErrMalformed, err)
		}
	}

	if svc, err := cboring.ReadUInt(tr); err != nil {
		return err
	} else {
		pb.ServiceNum = uint32(svc)
	}

	if err := cboring.Unmarshal(&pb.CreationTimestamp, tr); err != nil {
		return fmt.Errorf("%w: creation timestamp failed: %v", ErrMalformed, err)
	}

	if lt, err := cboring.ReadUInt(tr); err != nil {
		return err
	} else if lt > 255 {
		return fmt.Errorf("%w: lifetime out of range: %d", ErrMalformed, lt)
	} else {
		pb.Lifetime = uint8(lt)
	}

	if fo, err := cboring.ReadUInt(tr); err != nil {
		return err
	} else {
		pb.FragmentOffset = uint32(fo)
	}
	if tl, err := cboring.ReadUInt(tr); err != nil {
		return err
	} else {
		pb.TotalADULength = uint32(tl)
	}

	if !hasCRC {
		return nil
	}

	crcVal, err := cboring.ReadByteString(r)
	if err != nil {
		return err
	}

	crcCalc, err := calculateCRCBuff(crcBuff, pb.CRCType)
	if err != nil {
		return err
	}
	if !bytes.Equal(crcCalc, crcVal) {
		return fmt.Errorf("%w: primary block: got %x, want %x", ErrCRCMismatch, crcVal, crcCalc)
	}
	pb.CRC = crcVal

	return nil
}

// CheckValid reports structural errors in this PrimaryBlock.
func (pb PrimaryBlock) CheckValid() (errs error) {
	if pb.Version != bpVersion {
		errs = multierror.Append(errs, fmt.Errorf("bpv7: primary block has wrong version %d", pb.Version))
	}
	for _, eid := range []EndpointID{pb.Destination, pb.Source, pb.ReportTo} {
		if eid.Scheme != pb.Scheme {
			errs = multierror.Append(errs, fmt.Errorf("bpv7: endpoint %v does not share the bundle's scheme", eid))
		}
		if err := eid.CheckValid(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return
}

func (pb PrimaryBlock) String() string {
	return fmt.Sprintf("primary(v%d, scheme=%v, dst=%v, src=%v, svc=%d, ts=%v, lifetime=%ds)",
		pb.Version, pb.Scheme, pb.Destination, pb.Source, pb.ServiceNum, pb.CreationTimestamp, pb.Lifetime)
}
