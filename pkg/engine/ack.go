// SPDX-License-Identifier: GPL-3.0-or-later

package engine

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/meshbound/dtnmesh/pkg/bpv7"
)

// ackIdentifier is the leading bytes that mark a frame as a non-bundle ACK
// rather than an encoded bundle.
const ackIdentifier = "ack"

// isAck reports whether data opens with the ACK identifier.
func isAck(data []byte) bool {
	return len(data) >= len(ackIdentifier) && string(data[:len(ackIdentifier)]) == ackIdentifier
}

// buildAck formats the non-bundle ACK for id: "ack_<ts0>_<ts1>_<src_num>".
func buildAck(id bpv7.BundleID) []byte {
	return []byte(fmt.Sprintf("%s_%d_%d_%d", ackIdentifier, id.Timestamp.Seconds, id.Timestamp.Sequence, id.SourceNode.NodeNum))
}

// parseAck parses a buildAck payload back into the BundleID it
// acknowledges.
func parseAck(data []byte) (bpv7.BundleID, error) {
	parts := strings.Split(string(data), "_")
	if len(parts) != 4 || parts[0] != ackIdentifier {
		return bpv7.BundleID{}, fmt.Errorf("engine: malformed ack %q", data)
	}

	ts0, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return bpv7.BundleID{}, fmt.Errorf("engine: malformed ack timestamp: %w", err)
	}
	ts1, err := strconv.ParseUint(parts[2], 10, 32)
	if err != nil {
		return bpv7.BundleID{}, fmt.Errorf("engine: malformed ack sequence: %w", err)
	}
	srcNum, err := strconv.ParseUint(parts[3], 10, 32)
	if err != nil {
		return bpv7.BundleID{}, fmt.Errorf("engine: malformed ack source: %w", err)
	}

	return bpv7.BundleID{
		SourceNode: bpv7.NewIpnEndpoint(uint32(srcNum)),
		Timestamp:  bpv7.CreationTimestamp{Seconds: uint32(ts0), Sequence: uint32(ts1)},
	}, nil
}
