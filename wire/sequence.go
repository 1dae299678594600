// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package wire

import "fmt"

// SequenceID is a 16-bit value carried as 4 ASCII hex characters on the
// wire. It is treated as a monotonically incrementing modular counter.
type SequenceID uint16

// Sequence ids with a fixed meaning. The first three are the ids that
// unsolicited messages carry; the writer's counter wraps through them
// like any other value. SeqPlaceholder is the id of the first request.
const (
	SeqJoinAck     SequenceID = 0xFFFD // join-ack association
	SeqSedAwake    SequenceID = 0xFFFE // SED awake notification
	SeqSwitchGrp   SequenceID = 0xFFFF // switch-group event
	SeqPlaceholder SequenceID = 0x0000 // placeholder before the stick assigns a sequence space
)

// Increment returns sf+1, wrapping modulo 2^16.
func (sf SequenceID) Increment() SequenceID {
	return sf + 1
}

// Reserved reports whether sf is one of the three sentinels reserved for
// unsolicited messages.
func (sf SequenceID) Reserved() bool {
	switch sf {
	case SeqJoinAck, SeqSedAwake, SeqSwitchGrp:
		return true
	default:
		return false
	}
}

// String renders sf as 4 hex chars.
func (sf SequenceID) String() string {
	return fmt.Sprintf("%04X", uint16(sf))
}

// ParseSequenceID parses a 4-hex-char field into a SequenceID.
func ParseSequenceID(b []byte) (SequenceID, error) {
	if len(b) != 4 {
		return 0, protocolErrorf("sequence id must be 4 hex chars, got %d", len(b))
	}
	v, err := parseHexUint(b)
	if err != nil {
		return 0, protocolErrorf("sequence id %q: %s", string(b), err.Error())
	}
	return SequenceID(v), nil
}
