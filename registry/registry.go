// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

// Package registry implements the MAC-keyed node table: typed
// node promotion on node-info-response, pending-discovery buffering for
// messages that arrive before a node's type is known, and the
// coordinator-driven network scan.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rob-gra/go-plugwise/clog"
	"github.com/rob-gra/go-plugwise/correlator"
	"github.com/rob-gra/go-plugwise/node"
	"github.com/rob-gra/go-plugwise/proto"
	"github.com/rob-gra/go-plugwise/wire"
)

// ErrCirclePlusUnreachable is returned by Scan when no coordinator MAC has
// been recorded, or the coordinator is not discovered by the time the scan
// completes.
var ErrCirclePlusUnreachable = errors.New("circle+ unreachable")

// scanSlots is the number of coordinator memory addresses probed by Scan.
const scanSlots = 64

// pendingMessage is a message buffered because it named a MAC the
// registry had not yet promoted to a typed node.
type pendingMessage struct {
	dispatch func(node.Node)
}

// Registry owns every discovered node and buffers messages for MACs
// still in flight through discovery.
type Registry struct {
	sender node.Sender

	mu              sync.Mutex
	nodes           map[wire.MacAddress]node.Node
	unsupported     map[wire.MacAddress]proto.NodeType
	discovering     map[wire.MacAddress][]func(node.Node, error)
	pending         map[wire.MacAddress][]pendingMessage
	failedDiscovery map[wire.MacAddress]time.Time
	coordinatorMAC  wire.MacAddress
	timezoneDelta   time.Duration

	log clog.Clog
}

// New builds an empty Registry. sender is the non-owning handle every
// promoted node uses to submit requests.
func New(sender node.Sender, timezoneDelta time.Duration) *Registry {
	return &Registry{
		sender:          sender,
		nodes:           make(map[wire.MacAddress]node.Node),
		unsupported:     make(map[wire.MacAddress]proto.NodeType),
		discovering:     make(map[wire.MacAddress][]func(node.Node, error)),
		pending:         make(map[wire.MacAddress][]pendingMessage),
		failedDiscovery: make(map[wire.MacAddress]time.Time),
		timezoneDelta:   timezoneDelta,
		log:             clog.NewLogger("registry =>"),
	}
}

// Node returns the node for mac, if already discovered.
func (r *Registry) Node(mac wire.MacAddress) (node.Node, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[mac]
	return n, ok
}

// Nodes returns a snapshot of every discovered node.
func (r *Registry) Nodes() []node.Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]node.Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n)
	}
	return out
}

// FailedDiscoveries returns the MACs the maintenance loop should retry,
// each with the time its discovery first failed (the origin the loop's
// retry backoff is measured from).
func (r *Registry) FailedDiscoveries() map[wire.MacAddress]time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[wire.MacAddress]time.Time, len(r.failedDiscovery))
	for mac, t := range r.failedDiscovery {
		out[mac] = t
	}
	return out
}

// Discover issues a node-info request for mac and, once the typed node
// exists, invokes cb with it (or an error on timeout/drop). Concurrent
// Discover calls for the same MAC share the same underlying request.
func (r *Registry) Discover(mac wire.MacAddress, cb func(node.Node, error)) {
	r.mu.Lock()
	if n, ok := r.nodes[mac]; ok {
		r.mu.Unlock()
		cb(n, nil)
		return
	}
	already := len(r.discovering[mac]) > 0
	r.discovering[mac] = append(r.discovering[mac], cb)
	r.mu.Unlock()
	if already {
		return
	}

	r.sender.Submit(proto.NodeInfoRequest{MAC: mac}, proto.IDNodeInfoResponse, mac, func(res correlator.Result) {
		if res.Err != nil {
			r.failDiscovery(mac, res.Err)
			return
		}
		resp, ok := res.Response.(proto.NodeInfoResponse)
		if !ok {
			r.failDiscovery(mac, fmt.Errorf("unexpected response type for node-info"))
			return
		}
		r.promote(resp)
	})
}

func (r *Registry) failDiscovery(mac wire.MacAddress, err error) {
	r.mu.Lock()
	cbs := r.discovering[mac]
	delete(r.discovering, mac)
	if _, ok := r.failedDiscovery[mac]; !ok {
		// first failure only; the maintenance loop's retry backoff is
		// measured from when discovery first went wrong.
		r.failedDiscovery[mac] = time.Now()
	}
	r.mu.Unlock()
	for _, cb := range cbs {
		cb(nil, err)
	}
}

// promote creates the typed node per resp.NodeType, drains buffered
// pending messages for mac, and resolves any waiting Discover callers.
func (r *Registry) promote(resp proto.NodeInfoResponse) {
	n := r.newTypedNode(resp)

	r.mu.Lock()
	r.nodes[resp.MAC] = n
	if resp.NodeType == proto.NodeTypeUnknown {
		r.unsupported[resp.MAC] = resp.NodeType
	}
	delete(r.failedDiscovery, resp.MAC)
	cbs := r.discovering[resp.MAC]
	delete(r.discovering, resp.MAC)
	msgs := r.pending[resp.MAC]
	delete(r.pending, resp.MAC)
	r.mu.Unlock()

	for _, cb := range cbs {
		cb(n, nil)
	}
	for _, m := range msgs {
		m.dispatch(n)
	}
}

func (r *Registry) newTypedNode(resp proto.NodeInfoResponse) node.Node {
	switch resp.NodeType {
	case proto.NodeTypeCirclePlus:
		cp := node.NewCirclePlus(resp.MAC, r.sender, r.timezoneDelta)
		cp.LastLogAddress = resp.LastLogAddr
		cp.RelayOn = resp.RelayOn
		return cp
	case proto.NodeTypeCircle:
		c := node.NewCircle(resp.MAC, r.sender, r.timezoneDelta)
		c.LastLogAddress = resp.LastLogAddr
		c.RelayOn = resp.RelayOn
		return c
	case proto.NodeTypeScan:
		return node.NewScan(resp.MAC, r.sender)
	case proto.NodeTypeSense:
		return node.NewSense(resp.MAC, r.sender)
	case proto.NodeTypeSwitch:
		return node.NewSwitch(resp.MAC, r.sender)
	case proto.NodeTypeStealth:
		return node.NewStealth(resp.MAC, r.sender)
	case proto.NodeTypeCelsiusSed:
		return node.NewCelsiusSed(resp.MAC, r.sender)
	case proto.NodeTypeCelsiusNr:
		return node.NewCelsiusNr(resp.MAC, r.sender)
	default:
		r.log.Warn("unsupported node type %s for %s", resp.NodeType, resp.MAC)
		return node.NewUnsupported(resp.MAC, r.sender)
	}
}

// Dispatch routes a decoded message to its owning node by MAC. If the
// node is not yet known, the message is buffered until discovery (which
// this call kicks off) completes.
func (r *Registry) Dispatch(mac wire.MacAddress, apply func(node.Node)) {
	r.mu.Lock()
	n, ok := r.nodes[mac]
	r.mu.Unlock()
	if ok {
		apply(n)
		return
	}

	r.mu.Lock()
	r.pending[mac] = append(r.pending[mac], pendingMessage{dispatch: apply})
	r.mu.Unlock()
	r.Discover(mac, func(node.Node, error) {})
}

// SetCoordinator records the coordinator's (already normalized) MAC, as
// reported by the stick-init response.
func (r *Registry) SetCoordinator(mac wire.MacAddress) {
	r.mu.Lock()
	r.coordinatorMAC = mac
	r.mu.Unlock()
}

// Scan discovers the coordinator and enumerates every node linked to it
// by probing all scanSlots memory addresses. cb fires once with every
// resolved node when the discovery-wide timeout in cfg elapses or every
// slot has settled; the error is ErrCirclePlusUnreachable if the
// coordinator itself is not discovered by then. Without a recorded
// coordinator MAC, cb fires at once with nil and ErrCirclePlusUnreachable.
func (r *Registry) Scan(cfg correlator.Config, cb func([]node.Node, error)) {
	r.mu.Lock()
	coordinator := r.coordinatorMAC
	r.mu.Unlock()
	if coordinator == "" {
		cb(nil, ErrCirclePlusUnreachable)
		return
	}

	var (
		mu       sync.Mutex
		resolved int
		found    []node.Node
		done     bool
	)
	finish := func(err error) {
		mu.Lock()
		if done {
			mu.Unlock()
			return
		}
		done = true
		out := append([]node.Node{}, found...)
		mu.Unlock()
		cb(out, err)
	}

	r.Discover(coordinator, func(node.Node, error) {})
	outcome := func() error {
		if _, ok := r.Node(coordinator); !ok {
			return ErrCirclePlusUnreachable
		}
		return nil
	}

	timeout := time.Duration(10)*time.Second + time.Duration(2*scanSlots)*time.Second + cfg.MessageTimeout*time.Duration(cfg.MessageRetry)
	timer := time.AfterFunc(timeout, func() { finish(outcome()) })

	settle := func() {
		mu.Lock()
		resolved++
		allDone := resolved >= scanSlots
		mu.Unlock()
		if allDone {
			timer.Stop()
			finish(outcome())
		}
	}

	for addr := 0; addr < scanSlots; addr++ {
		addr := addr
		r.sender.Submit(proto.CircleScanRequest{MAC: coordinator, Address: addr}, proto.IDCircleScanResponse, coordinator, func(res correlator.Result) {
			if res.Err != nil {
				settle()
				return
			}
			resp, ok := res.Response.(proto.CircleScanResponse)
			if !ok || resp.NodeMAC == wire.BroadcastMAC || resp.NodeMAC == "" {
				settle()
				return
			}
			// A slot only settles once its node-info resolves (or
			// fails), so cb never fires with a node still in flight.
			r.Discover(resp.NodeMAC, func(n node.Node, err error) {
				defer settle()
				if err != nil || n == nil {
					return
				}
				mu.Lock()
				found = append(found, n)
				mu.Unlock()
			})
		})
	}
}
