// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/dtn7/cboring"
	"github.com/howeyc/crc16"
)

// CRCType indicates which CRC variant, if any, protects a block.
type CRCType uint64

const (
	// CRCNone means no CRC field is present for that block.
	CRCNone CRCType = 0

	// CRC16 is a CRC-16/CCITT over the block's encoded bytes with the CRC
	// field zeroed.
	CRC16 CRCType = 1

	// CRC32 is a CRC-32/IEEE over the block's encoded bytes with the CRC
	// field zeroed.
	CRC32 CRCType = 2
)

func (c CRCType) String() string {
	switch c {
	case CRCNone:
		return "none"
	case CRC16:
		return "crc16"
	case CRC32:
		return "crc32"
	default:
		return "unknown"
	}
}

var crc16Table = crc16.MakeTable(crc16.CCITT)

// emptyCRC returns the zeroed placeholder for the given CRC type, the same
// width the real CRC value will occupy on the wire.
func emptyCRC(t CRCType) ([]byte, error) {
	switch t {
	case CRCNone:
		return nil, nil
	case CRC16:
		return make([]byte, 2), nil
	case CRC32:
		return make([]byte, 4), nil
	default:
		return nil, fmt.Errorf("bpv7: unknown crc type %d", t)
	}
}

// calculateCRCBuff appends the CRC field's placeholder encoding to buff (a
// tee of everything encoded before the CRC field) and returns the real CRC
// value computed over the result.
func calculateCRCBuff(buff *bytes.Buffer, t CRCType) ([]byte, error) {
	data, err := emptyCRC(t)
	if err != nil {
		return nil, err
	}

	if err := cboring.WriteByteString(data, buff); err != nil {
		return nil, err
	}

	switch t {
	case CRCNone:
	case CRC16:
		binary.BigEndian.PutUint16(data, crc16.Checksum(buff.Bytes(), crc16Table))
	case CRC32:
		binary.BigEndian.PutUint32(data, crc32.ChecksumIEEE(buff.Bytes()))
	default:
		return nil, fmt.Errorf("bpv7: unknown crc type %d", t)
	}

	return data, nil
}
