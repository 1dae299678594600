// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package wire

import (
	"errors"
	"fmt"
)

// ErrProtocol is the sentinel identifying any malformed-frame or
// malformed-field condition: bad header, bad footer, bad length, bad CRC,
// or a field whose input slice length does not match its declared width.
// Wrap it with fmt.Errorf("...: %w", ErrProtocol) for a specific reason.
var ErrProtocol = errors.New("protocol error")

// ErrValue marks a value that fails basic sanity checking, such as a MAC
// address that is not 16 hex characters.
var ErrValue = errors.New("value error")

func protocolErrorf(format string, a ...interface{}) error {
	return fmt.Errorf(format+": %w", append(a, ErrProtocol)...)
}

func valueErrorf(format string, a ...interface{}) error {
	return fmt.Errorf(format+": %w", append(a, ErrValue)...)
}
