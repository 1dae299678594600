// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package plugwise

import (
	"errors"

	"github.com/rob-gra/go-plugwise/node"
	"github.com/rob-gra/go-plugwise/registry"
)

// Node re-exports node.Node so callers of this package never need to
// import the node package directly.
type Node = node.Node

// ErrNotConnected is returned by any facade method that requires a prior
// successful Connect.
var ErrNotConnected = errors.New("plugwise: not connected")

// ErrStickInit marks a stick-init request that never completed within
// its timeout, or whose response could not be decoded.
var ErrStickInit = errors.New("plugwise: stick init error")

// ErrNetworkDown is returned by InitializeStick when the stick reports
// network_is_online=0.
var ErrNetworkDown = errors.New("plugwise: network down")

// ErrCirclePlusUnreachable re-exports registry.ErrCirclePlusUnreachable,
// the error Scan resolves with when the coordinator was never discovered.
var ErrCirclePlusUnreachable = registry.ErrCirclePlusUnreachable
