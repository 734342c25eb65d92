// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import (
	"bytes"
	"errors"
	"testing"
)

func mustTestBundle(t *testing.T, payload []byte) Bundle {
	t.Helper()

	primary := NewPrimaryBlock(
		BundleControlFlags(0),
		NewIpnEndpoint(2),
		NewIpnEndpoint(1),
		NewIpnEndpoint(1),
		7,
		CreationTimestamp{Seconds: 100, Sequence: 0},
		60,
	)

	payloadBlock := NewCanonicalBlock(1, 0, NewPayloadBlock(payload))
	b, err := NewBundle(primary, []CanonicalBlock{payloadBlock})
	if err != nil {
		t.Fatalf("NewBundle: %v", err)
	}
	return b
}

func TestBundleRoundTrip(t *testing.T) {
	b := mustTestBundle(t, []byte("hello mesh"))

	var buf bytes.Buffer
	if err := b.WriteBundle(&buf); err != nil {
		t.Fatalf("WriteBundle: %v", err)
	}

	got, err := ParseBundle(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("ParseBundle: %v", err)
	}

	if got.ID() != b.ID() {
		t.Fatalf("round-tripped bundle has different ID: got %v, want %v", got.ID(), b.ID())
	}

	pb, err := got.PayloadBlock()
	if err != nil {
		t.Fatalf("PayloadBlock: %v", err)
	}
	if string(pb.Value.(*PayloadBlock).Data()) != "hello mesh" {
		t.Fatalf("payload mismatch: got %q", pb.Value.(*PayloadBlock).Data())
	}
}

func TestBundleCRCMismatchDetected(t *testing.T) {
	b := mustTestBundle(t, []byte("payload"))

	var buf bytes.Buffer
	if err := b.WriteBundle(&buf); err != nil {
		t.Fatalf("WriteBundle: %v", err)
	}

	corrupted := buf.Bytes()
	// Flip the low bit of the primary block's flags field (after the tag,
	// the array header and the version): the block still decodes
	// structurally, but its CRC no longer matches.
	corrupted[3] ^= 0x01

	_, err := ParseBundle(bytes.NewReader(corrupted))
	if err == nil {
		t.Fatal("expected an error parsing a corrupted bundle, got nil")
	}
	if !errors.Is(err, ErrCRCMismatch) && !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrCRCMismatch or ErrMalformed, got %v", err)
	}
}

func TestBundleTooManyBlocksRejected(t *testing.T) {
	primary := NewPrimaryBlock(
		BundleControlFlags(0),
		NewIpnEndpoint(2),
		NewIpnEndpoint(1),
		NewIpnEndpoint(1),
		7,
		CreationTimestamp{Seconds: 100, Sequence: 0},
		60,
	)

	age := NewCanonicalBlock(2, 0, NewBundleAgeBlock(0))
	extra := NewCanonicalBlock(3, 0, NewGenericExtensionBlock([]byte("x"), 99))
	payload := NewCanonicalBlock(1, 0, NewPayloadBlock([]byte("y")))

	_, err := NewBundle(primary, []CanonicalBlock{age, extra, payload})
	if err == nil {
		t.Fatal("expected an error for a bundle exceeding MaxNumOfBlocks, got nil")
	}
	if !errors.Is(err, ErrBundleTooLarge) {
		t.Fatalf("expected ErrBundleTooLarge, got %v", err)
	}
}

func TestBundleOversizeBlockDataRejected(t *testing.T) {
	primary := NewPrimaryBlock(
		BundleControlFlags(0),
		NewIpnEndpoint(2),
		NewIpnEndpoint(1),
		NewIpnEndpoint(1),
		7,
		CreationTimestamp{Seconds: 100, Sequence: 0},
		60,
	)

	oversized := make([]byte, BlockDataBufSize+1)
	payload := NewCanonicalBlock(1, 0, NewPayloadBlock(oversized))

	_, err := NewBundle(primary, []CanonicalBlock{payload})
	if err == nil {
		t.Fatal("expected an error for a canonical block exceeding BlockDataBufSize, got nil")
	}
	if !errors.Is(err, ErrBundleTooLarge) {
		t.Fatalf("expected ErrBundleTooLarge, got %v", err)
	}
}

func TestBundleIsLifetimeExceeded(t *testing.T) {
	b := mustTestBundle(t, []byte("x"))

	if b.IsLifetimeExceeded(100) {
		t.Fatal("fresh bundle should not be lifetime-exceeded at its own creation time")
	}
	if !b.IsLifetimeExceeded(200) {
		t.Fatal("bundle should be lifetime-exceeded 100s after a 60s lifetime")
	}
}
