// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import "errors"

// Error kinds for the codec. Every decode/encode failure is recoverable at
// the frame boundary: the caller drops the offending bundle and bumps a
// statistic.
var (
	// ErrMalformed indicates a broken CBOR structure, an unknown block tag,
	// or a wrong array length.
	ErrMalformed = errors.New("bpv7: malformed bundle")

	// ErrCRCMismatch indicates a block's recomputed CRC did not match the
	// CRC carried on the wire.
	ErrCRCMismatch = errors.New("bpv7: crc mismatch")

	// ErrBundleTooLarge indicates a canonical block's data exceeded
	// BlockDataBufSize or the bundle carries more than MaxNumOfBlocks.
	ErrBundleTooLarge = errors.New("bpv7: bundle too large")

	// ErrNotABundle indicates the input was empty or its leading block-type
	// discriminator byte was not PrimaryTag.
	ErrNotABundle = errors.New("bpv7: not a bundle")
)
