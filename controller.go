// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package plugwise

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rob-gra/go-plugwise/clog"
	"github.com/rob-gra/go-plugwise/correlator"
	"github.com/rob-gra/go-plugwise/maintenance"
	"github.com/rob-gra/go-plugwise/node"
	"github.com/rob-gra/go-plugwise/parser"
	"github.com/rob-gra/go-plugwise/proto"
	"github.com/rob-gra/go-plugwise/registry"
	"github.com/rob-gra/go-plugwise/transport"
	"github.com/rob-gra/go-plugwise/wire"
)

// StickCallbackKind selects which stick-level event a subscriber wants,
// for SubscribeStickCallback.
type StickCallbackKind int

const (
	// CallbackNewNode fires when a node completes (re)joining the
	// network, via NodeJoinAckResponse.
	CallbackNewNode StickCallbackKind = iota
	// CallbackJoinRequest fires when an unjoined node asks to join.
	CallbackJoinRequest
)

// Controller orchestrates the wire codec, correlator, node registry and
// maintenance loop behind a single facade. It is the
// only object an application constructs directly; nodes hold a
// non-owning Sender handle back into it rather than a reference to the
// Controller itself, avoiding a node/root import cycle.
type Controller struct {
	cfg           Config
	timezoneDelta time.Duration
	log           clog.Clog

	mu             sync.Mutex
	transport      transport.Transport
	correlator     *correlator.Correlator
	registry       *registry.Registry
	parser         *parser.Parser
	maintenance    *maintenance.Loop
	connected      bool
	coordinatorMAC wire.MacAddress
	networkOnline  bool
	autoAcceptJoin bool

	firstCoordinatorAttempt time.Time
	lastCoordinatorAttempt  time.Time

	stickCallbacksMu sync.Mutex
	stickCallbacks   map[StickCallbackKind][]func(wire.MacAddress)

	watchdogStop chan struct{}
	watchdogWG   sync.WaitGroup
}

// New builds a disconnected Controller. Call Connect, then
// InitializeStick, before using the rest of the facade.
func New(cfg Config) (*Controller, error) {
	if err := cfg.Valid(); err != nil {
		return nil, err
	}
	_, offsetSec := time.Now().Zone()
	return &Controller{
		cfg:            cfg,
		timezoneDelta:  time.Duration(offsetSec) * time.Second,
		stickCallbacks: make(map[StickCallbackKind][]func(wire.MacAddress)),
		log:            clog.NewLogger("plugwise =>"),
	}, nil
}

// transportWriter adapts transport.Transport's Send to the narrower
// correlator.Transport the writer goroutine actually needs.
type transportWriter struct{ t transport.Transport }

func (w *transportWriter) Write(frame []byte) error { return w.t.Send(frame) }

// Connect selects a serial or TCP transport by the presence of a colon
// in port (e.g. "/dev/ttyUSB0" vs "192.0.2.10:6000"), wires
// up the correlator/registry/maintenance stack, and starts the
// correlator and watchdog goroutines. It does not block for the stick
// to report itself online; call InitializeStick next. The maintenance
// loop itself stays idle until AutoUpdate is called with a nonzero
// period -- Connect never starts it.
func (c *Controller) Connect(port string) error {
	var t transport.Transport
	if strings.Contains(port, ":") {
		t = transport.NewTCP(port)
	} else {
		t = transport.NewSerial(port)
	}

	corr, err := correlator.New(&transportWriter{t}, c.cfg.Correlator, c.onNodeDropped)
	if err != nil {
		return err
	}
	reg := registry.New(corr, c.timezoneDelta)
	p := parser.New(corr.InFlightExpectation)
	loop := maintenance.New(reg, corr, 0)

	c.mu.Lock()
	c.transport = t
	c.correlator = corr
	c.registry = reg
	c.parser = p
	c.maintenance = loop
	c.mu.Unlock()

	t.SetSink(c.feed)
	if err := t.Connect(); err != nil {
		return err
	}

	corr.Start()
	c.startWatchdog()

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

// InitializeStick sends StickInitRequest and blocks until the stick
// responds or timeout elapses (0 uses Config.StickInitTimeout). It
// returns ErrNetworkDown when the stick reports its network offline,
// and ErrStickInit on timeout or a malformed response.
func (c *Controller) InitializeStick(timeout time.Duration) error {
	if timeout == 0 {
		timeout = c.cfg.StickInitTimeout
	}
	c.mu.Lock()
	corr := c.correlator
	c.mu.Unlock()
	if corr == nil {
		return ErrNotConnected
	}

	resultCh := make(chan correlator.Result, 1)
	corr.Submit(proto.StickInitRequest{}, proto.IDStickInitResponse, "", func(res correlator.Result) {
		resultCh <- res
	})

	select {
	case res := <-resultCh:
		if res.Err != nil {
			return fmt.Errorf("%w: %v", ErrStickInit, res.Err)
		}
		resp, ok := res.Response.(proto.StickInitResponse)
		if !ok {
			return ErrStickInit
		}
		if !resp.NetworkOnline {
			return ErrNetworkDown
		}
		return nil
	case <-time.After(timeout):
		return ErrStickInit
	}
}

// Scan discovers the coordinator (from the MAC InitializeStick recorded)
// and enumerates every linked node.
func (c *Controller) Scan(cb func([]node.Node, error)) {
	c.mu.Lock()
	reg := c.registry
	cfg := c.cfg.Correlator
	c.mu.Unlock()
	if reg == nil {
		cb(nil, ErrNotConnected)
		return
	}
	reg.Scan(cfg, cb)
}

// DiscoverNode issues a node-info request for mac and promotes it to a
// typed node once the response arrives.
func (c *Controller) DiscoverNode(mac wire.MacAddress, cb func(node.Node, error)) {
	c.mu.Lock()
	reg := c.registry
	c.mu.Unlock()
	if reg == nil {
		cb(nil, ErrNotConnected)
		return
	}
	reg.Discover(mac, cb)
}

// Node returns the node for mac, if already discovered.
func (c *Controller) Node(mac wire.MacAddress) (node.Node, bool) {
	c.mu.Lock()
	reg := c.registry
	c.mu.Unlock()
	if reg == nil {
		return nil, false
	}
	return reg.Node(mac)
}

// Nodes returns a snapshot of every discovered node.
func (c *Controller) Nodes() []node.Node {
	c.mu.Lock()
	reg := c.registry
	c.mu.Unlock()
	if reg == nil {
		return nil
	}
	return reg.Nodes()
}

// Send submits an arbitrary request through the correlator. cb fires
// exactly once when the request resolves; see correlator.Submit.
func (c *Controller) Send(req proto.Request, expectedResponse wire.MessageID, mac wire.MacAddress, cb func(correlator.Result)) error {
	c.mu.Lock()
	corr := c.correlator
	c.mu.Unlock()
	if corr == nil {
		return ErrNotConnected
	}
	corr.Submit(req, expectedResponse, mac, cb)
	return nil
}

// AutoUpdate sets the maintenance tick period; 0 stops the maintenance
// loop entirely without touching any other worker. The loop itself
// only starts here -- Connect never starts it -- and both Start and
// Stop are no-ops when the loop is already in the requested state, so
// repeated or out-of-order calls never leak a tick goroutine.
func (c *Controller) AutoUpdate(periodSeconds int) {
	c.mu.Lock()
	loop := c.maintenance
	c.mu.Unlock()
	if loop == nil {
		return
	}
	if periodSeconds == 0 {
		loop.Stop()
		return
	}
	loop.SetPeriod(time.Duration(periodSeconds) * time.Second)
	loop.Start()
}

// AllowJoinRequests enables or disables the coordinator accepting new
// nodes. When autoAccept is true, every subsequent JOIN_REQUEST
// notification is answered with NodeJoin automatically.
func (c *Controller) AllowJoinRequests(enable bool, autoAccept bool) error {
	c.mu.Lock()
	corr := c.correlator
	c.autoAcceptJoin = autoAccept
	c.mu.Unlock()
	if corr == nil {
		return ErrNotConnected
	}
	corr.Submit(proto.NodeAllowJoiningRequest{Enable: enable}, "", "", func(correlator.Result) {})
	return nil
}

// NodeJoin accepts mac into the network via NodeAddRequest.
func (c *Controller) NodeJoin(mac wire.MacAddress) error {
	c.mu.Lock()
	corr := c.correlator
	c.mu.Unlock()
	if corr == nil {
		return ErrNotConnected
	}
	corr.Submit(proto.NodeAddRequest{MAC: mac, Accept: true}, "", mac, func(correlator.Result) {})
	return nil
}

// NodeUnjoin asks the coordinator to forget mac.
func (c *Controller) NodeUnjoin(mac wire.MacAddress) error {
	c.mu.Lock()
	corr := c.correlator
	coordinator := c.coordinatorMAC
	c.mu.Unlock()
	if corr == nil {
		return ErrNotConnected
	}
	corr.Submit(proto.NodeRemoveRequest{CoordinatorMAC: coordinator, MACToUnjoin: mac}, proto.IDNodeRemoveResponse, coordinator, func(correlator.Result) {})
	return nil
}

// SubscribeStickCallback registers cb for stick-level events of kind k.
func (c *Controller) SubscribeStickCallback(k StickCallbackKind, cb func(wire.MacAddress)) {
	c.stickCallbacksMu.Lock()
	defer c.stickCallbacksMu.Unlock()
	c.stickCallbacks[k] = append(c.stickCallbacks[k], cb)
}

func (c *Controller) fireStickCallback(k StickCallbackKind, mac wire.MacAddress) {
	c.stickCallbacksMu.Lock()
	cbs := append([]func(wire.MacAddress){}, c.stickCallbacks[k]...)
	c.stickCallbacksMu.Unlock()
	for _, cb := range cbs {
		cb(mac)
	}
}

// Disconnect stops every worker and closes the transport. Queued
// requests at disconnect time are discarded.
func (c *Controller) Disconnect() error {
	c.mu.Lock()
	t := c.transport
	corr := c.correlator
	loop := c.maintenance
	c.connected = false
	c.mu.Unlock()

	c.stopWatchdog()
	if loop != nil {
		loop.Stop()
	}
	if corr != nil {
		corr.Stop()
	}
	if t != nil {
		return t.Disconnect()
	}
	return nil
}

// onNodeDropped is the correlator's onDrop hook: it marks the owning
// node unavailable, firing CALLBACK_ALL via its SensorAvailability event.
func (c *Controller) onNodeDropped(mac wire.MacAddress) {
	c.mu.Lock()
	reg := c.registry
	c.mu.Unlock()
	if reg == nil {
		return
	}
	if n, ok := reg.Node(mac); ok {
		n.MarkUnavailable()
	}
}

// feed is the transport's sink: it decodes every complete frame now
// available and dispatches each one in arrival order.
func (c *Controller) feed(b []byte) {
	c.mu.Lock()
	p := c.parser
	corr := c.correlator
	c.mu.Unlock()
	if p == nil || corr == nil {
		return
	}
	for _, d := range p.Feed(b) {
		c.dispatch(d, corr)
	}
}

func (c *Controller) dispatch(d parser.Decoded, corr *correlator.Correlator) {
	switch d.Kind {
	case parser.KindMalformed:
		c.log.Warn("dropping malformed frame: %v", d.Err)
	case parser.KindAck:
		corr.HandleAck(d.Seq, d.AckCode, d.MAC, d.HasMAC)
	case parser.KindMessage:
		corr.HandleResponse(d.Seq, d.Response)
		c.applyResponse(d.Response)
	}
}

// Handler interfaces let applyResponse dispatch by capability rather than
// enumerating every concrete node type; Circle, CirclePlus and Stealth
// all satisfy calibrationHandler/powerUsageHandler, for instance.
type (
	calibrationHandler   interface{ HandleCalibrationResponse(proto.CircleCalibrationResponse) }
	powerUsageHandler    interface{ HandlePowerUsageResponse(proto.CirclePowerUsageResponse) }
	powerBufferHandler   interface{ HandlePowerBufferResponse(proto.CirclePowerBufferResponse) }
	clockHandler         interface{ HandleClockResponse(proto.CircleClockResponse) }
	rtcHandler           interface{ HandleRealTimeClockResponse(proto.CoordinatorRealTimeClockResponse) }
	relayResponseHandler interface{ HandleSwitchRelayResponse(proto.CircleSwitchRelayResponse) }
	senseHandler         interface{ HandleSenseReport(proto.SenseReportResponse) }
	motionHandler        interface{ HandleSwitchGroupResponse(proto.NodeSwitchGroupResponse) }
	awakeHandler         interface{ OnAwake(proto.AwakeReason) }
	infoHandler          interface{ UpdateInfo(proto.NodeInfoResponse) }
)

// applyResponse fans a decoded message out to the node/registry state it
// affects, beyond the per-request callback corr.HandleResponse already
// resolved.
func (c *Controller) applyResponse(resp proto.Response) {
	c.mu.Lock()
	reg := c.registry
	c.mu.Unlock()
	if reg == nil || resp == nil {
		return
	}

	switch r := resp.(type) {
	case proto.StickInitResponse:
		c.handleStickInit(r)
	case proto.NodeJoinAvailableResponse:
		c.fireStickCallback(CallbackJoinRequest, r.MAC)
		c.maybeAutoAcceptJoin(r.MAC)
	case proto.NodeJoinAckResponse:
		c.fireStickCallback(CallbackNewNode, r.MAC)
		reg.Discover(r.MAC, func(node.Node, error) {})
	case proto.PingResponse:
		reg.Dispatch(r.MAC, func(n node.Node) { n.MarkAvailable() })
	case proto.NodeAckResponse:
		reg.Dispatch(r.MAC, func(n node.Node) { n.MarkAvailable() })
	case proto.NodeInfoResponse:
		// Discovery consumes node-info through its own correlator
		// callback; this path only refreshes an already-promoted node's
		// info fields on the hourly maintenance poll.
		if n, ok := reg.Node(r.MAC); ok {
			if h, ok := n.(infoHandler); ok {
				h.UpdateInfo(r)
			} else {
				n.MarkAvailable()
			}
		}
	case proto.CircleCalibrationResponse:
		reg.Dispatch(r.MAC, func(n node.Node) {
			if h, ok := n.(calibrationHandler); ok {
				h.HandleCalibrationResponse(r)
			}
		})
	case proto.CirclePowerUsageResponse:
		reg.Dispatch(r.MAC, func(n node.Node) {
			if h, ok := n.(powerUsageHandler); ok {
				h.HandlePowerUsageResponse(r)
			}
		})
	case proto.CirclePowerBufferResponse:
		reg.Dispatch(r.MAC, func(n node.Node) {
			if h, ok := n.(powerBufferHandler); ok {
				h.HandlePowerBufferResponse(r)
			}
		})
	case proto.CircleClockResponse:
		reg.Dispatch(r.MAC, func(n node.Node) {
			if h, ok := n.(clockHandler); ok {
				h.HandleClockResponse(r)
			}
		})
	case proto.CoordinatorRealTimeClockResponse:
		reg.Dispatch(r.MAC, func(n node.Node) {
			if h, ok := n.(rtcHandler); ok {
				h.HandleRealTimeClockResponse(r)
			}
		})
	case proto.CircleSwitchRelayResponse:
		reg.Dispatch(r.MAC, func(n node.Node) {
			if h, ok := n.(relayResponseHandler); ok {
				h.HandleSwitchRelayResponse(r)
			}
		})
	case proto.SenseReportResponse:
		reg.Dispatch(r.MAC, func(n node.Node) {
			if h, ok := n.(senseHandler); ok {
				h.HandleSenseReport(r)
			}
		})
	case proto.NodeAwakeResponse:
		reg.Dispatch(r.MAC, func(n node.Node) {
			if h, ok := n.(awakeHandler); ok {
				h.OnAwake(r.AwakeType)
			}
		})
	case proto.NodeSwitchGroupResponse:
		reg.Dispatch(r.MAC, func(n node.Node) {
			if h, ok := n.(motionHandler); ok {
				h.HandleSwitchGroupResponse(r)
			}
		})
	}
}

func (c *Controller) handleStickInit(r proto.StickInitResponse) {
	mac := wire.NormalizeCoordinatorMAC(r.CirclePlusMAC)

	c.mu.Lock()
	c.coordinatorMAC = mac
	c.networkOnline = r.NetworkOnline
	reg := c.registry
	c.mu.Unlock()

	if reg == nil || !r.NetworkOnline {
		return
	}
	reg.SetCoordinator(mac)
	reg.Discover(mac, func(node.Node, error) {})
}

func (c *Controller) maybeAutoAcceptJoin(mac wire.MacAddress) {
	c.mu.Lock()
	auto := c.autoAcceptJoin
	c.mu.Unlock()
	if auto {
		c.NodeJoin(mac)
	}
}

// startWatchdog launches the watchdog task: while
// the coordinator has not been discovered, it retries at the same
// every-tick-then-hourly backoff the maintenance loop uses for other
// failed discoveries. Go's goroutines cannot silently die the way the
// source's reader/writer/timeout threads could (a panicking goroutine
// takes the process down immediately, and correlator.resolve already
// recovers user-callback panics), so coordinator-retry is the one piece
// of watchdog behavior this port carries forward.
func (c *Controller) startWatchdog() {
	c.watchdogStop = make(chan struct{})
	c.watchdogWG.Add(1)
	go c.watchdogLoop()
}

func (c *Controller) stopWatchdog() {
	c.mu.Lock()
	stop := c.watchdogStop
	c.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	c.watchdogWG.Wait()
}

func (c *Controller) watchdogLoop() {
	defer c.watchdogWG.Done()
	ticker := time.NewTicker(c.cfg.WatchdogPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.watchdogStop:
			return
		case <-ticker.C:
			c.retryCoordinatorDiscovery()
		}
	}
}

// retryCoordinatorDiscovery keeps trying to reach the coordinator while
// it remains undiscovered: on every watchdog tick for the first hour,
// then once per hour.
func (c *Controller) retryCoordinatorDiscovery() {
	c.mu.Lock()
	reg := c.registry
	mac := c.coordinatorMAC
	first := c.firstCoordinatorAttempt
	last := c.lastCoordinatorAttempt
	c.mu.Unlock()
	if reg == nil || mac == "" {
		return
	}
	if _, ok := reg.Node(mac); ok {
		return
	}

	now := time.Now()
	if !first.IsZero() && now.Sub(first) >= time.Hour && now.Sub(last) < time.Hour {
		return
	}
	c.mu.Lock()
	if c.firstCoordinatorAttempt.IsZero() {
		c.firstCoordinatorAttempt = now
	}
	c.lastCoordinatorAttempt = now
	c.mu.Unlock()
	reg.Discover(mac, func(node.Node, error) {})
}
