// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/rob-gra/go-plugwise/correlator"
	"github.com/rob-gra/go-plugwise/node"
	"github.com/rob-gra/go-plugwise/proto"
	"github.com/rob-gra/go-plugwise/wire"
)

type scriptedSender struct {
	mu      sync.Mutex
	respond func(req proto.Request, mac wire.MacAddress, cb func(correlator.Result))
}

func (s *scriptedSender) Submit(req proto.Request, expect wire.MessageID, mac wire.MacAddress, cb func(correlator.Result)) {
	s.mu.Lock()
	respond := s.respond
	s.mu.Unlock()
	if respond != nil {
		respond(req, mac, cb)
	}
}

func regTestMAC(t *testing.T, suffix string) wire.MacAddress {
	t.Helper()
	mac, err := wire.ParseMAC([]byte("00112233445566" + suffix))
	if err != nil {
		t.Fatal(err)
	}
	return mac
}

func TestDiscoverPromotesTypedNodeAndDrainsCallbacks(t *testing.T) {
	mac := regTestMAC(t, "01")
	sender := &scriptedSender{}
	sender.respond = func(req proto.Request, m wire.MacAddress, cb func(correlator.Result)) {
		switch req.(type) {
		case proto.NodeInfoRequest:
			cb(correlator.Result{Response: proto.NodeInfoResponse{MAC: mac, NodeType: proto.NodeTypeSwitch}})
		default:
			cb(correlator.Result{})
		}
	}
	r := New(sender, 0)

	var got1, got2 node.Node
	var calls int
	var mu sync.Mutex
	r.Discover(mac, func(n node.Node, err error) {
		mu.Lock()
		got1 = n
		calls++
		mu.Unlock()
	})
	r.Discover(mac, func(n node.Node, err error) {
		mu.Lock()
		got2 = n
		calls++
		mu.Unlock()
	})

	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Fatalf("got %d discover callbacks, want 2", calls)
	}
	if got1 == nil || got2 == nil || got1.MACAddress() != mac {
		t.Fatal("discover callback did not receive the promoted node")
	}
	if got1.NodeType() != proto.NodeTypeSwitch {
		t.Fatalf("got node type %v, want Switch", got1.NodeType())
	}
}

func TestUnknownNodeTypeBecomesStub(t *testing.T) {
	mac := regTestMAC(t, "02")
	sender := &scriptedSender{}
	sender.respond = func(req proto.Request, m wire.MacAddress, cb func(correlator.Result)) {
		if _, ok := req.(proto.NodeInfoRequest); ok {
			cb(correlator.Result{Response: proto.NodeInfoResponse{MAC: mac, NodeType: proto.NodeTypeUnknown}})
		}
	}
	r := New(sender, 0)

	var got node.Node
	r.Discover(mac, func(n node.Node, err error) { got = n })
	if got == nil {
		t.Fatal("expected a stub node for an unsupported type")
	}
	if got.NodeType() != proto.NodeTypeUnknown {
		t.Fatalf("got node type %v, want Unknown", got.NodeType())
	}
}

func TestDispatchBuffersUntilDiscoveryCompletes(t *testing.T) {
	mac := regTestMAC(t, "03")
	sender := &scriptedSender{}
	var release chan struct{}
	release = make(chan struct{})
	sender.respond = func(req proto.Request, m wire.MacAddress, cb func(correlator.Result)) {
		if _, ok := req.(proto.NodeInfoRequest); ok {
			go func() {
				<-release
				cb(correlator.Result{Response: proto.NodeInfoResponse{MAC: mac, NodeType: proto.NodeTypeSwitch}})
			}()
		}
	}
	r := New(sender, 0)

	var dispatched bool
	var mu sync.Mutex
	r.Dispatch(mac, func(n node.Node) {
		mu.Lock()
		dispatched = true
		mu.Unlock()
	})

	mu.Lock()
	if dispatched {
		mu.Unlock()
		t.Fatal("dispatch fired before discovery completed")
	}
	mu.Unlock()

	close(release)
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		d := dispatched
		mu.Unlock()
		if d {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("buffered dispatch never fired after discovery resolved")
}

func TestScanWithoutCoordinatorFailsImmediately(t *testing.T) {
	sender := &scriptedSender{}
	r := New(sender, 0)

	var gotErr error
	r.Scan(correlator.DefaultConfig(), func(nodes []node.Node, err error) {
		gotErr = err
	})
	if gotErr != ErrCirclePlusUnreachable {
		t.Fatalf("got err %v, want ErrCirclePlusUnreachable", gotErr)
	}
}
