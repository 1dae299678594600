// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

// Package transport provides the serial and TCP byte pipes that feed
// the parser. Both implementations read into a buffer on a
// dedicated goroutine and push bytes to a caller-supplied sink.
package transport

import (
	"errors"
	"sync"
)

// errPortNotConnected is returned by Send when called before Connect
// (or after Disconnect) has established the underlying link.
var errPortNotConnected = errors.New("transport: not connected")

// Transport is the byte-pipe contract the controller connects to a
// parser. Connect/Disconnect manage the underlying link; Send writes an
// already-framed message; SetSink registers the callback invoked with
// every chunk of inbound bytes, which must be set before Connect.
type Transport interface {
	Connect() error
	Disconnect() error
	Send(frame []byte) error
	SetSink(sink func([]byte))
}

// base holds the sink-registration bookkeeping shared by both
// implementations.
type base struct {
	mu   sync.Mutex
	sink func([]byte)
}

func (b *base) SetSink(sink func([]byte)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sink = sink
}

func (b *base) deliver(chunk []byte) {
	b.mu.Lock()
	sink := b.sink
	b.mu.Unlock()
	if sink != nil {
		cp := make([]byte, len(chunk))
		copy(cp, chunk)
		sink(cp)
	}
}
