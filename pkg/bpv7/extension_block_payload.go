// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

// PayloadBlock carries a bundle's application data unit.
type PayloadBlock []byte

// BlockTypeCode returns the block type code for a Payload Block.
func (pb *PayloadBlock) BlockTypeCode() uint64 {
	return ExtBlockTypePayloadBlock
}

// NewPayloadBlock creates a new PayloadBlock with the given payload.
func NewPayloadBlock(data []byte) *PayloadBlock {
	pb := PayloadBlock(data)
	return &pb
}

// Data returns this PayloadBlock's payload.
func (pb *PayloadBlock) Data() []byte {
	return *pb
}

// MarshalBinary writes the binary representation of a PayloadBlock.
func (pb *PayloadBlock) MarshalBinary() ([]byte, error) {
	return *pb, nil
}

// UnmarshalBinary reads a binary PayloadBlock.
func (pb *PayloadBlock) UnmarshalBinary(data []byte) error {
	*pb = data
	return nil
}

// CheckValid always succeeds; payload content is opaque to the codec.
func (pb *PayloadBlock) CheckValid() error {
	return nil
}
