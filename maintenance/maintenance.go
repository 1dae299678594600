// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

// Package maintenance implements the periodic ping/poll/buffer-sync/
// clock-sync and rediscovery tick.
package maintenance

import (
	"sync"
	"time"

	"github.com/rob-gra/go-plugwise/clog"
	"github.com/rob-gra/go-plugwise/correlator"
	"github.com/rob-gra/go-plugwise/node"
	"github.com/rob-gra/go-plugwise/proto"
	"github.com/rob-gra/go-plugwise/wire"
)

// MinEffectivePeriod is the floor the tick period is clamped to,
// regardless of node count.
const MinEffectivePeriod = 5 * time.Second

// Registry is the subset of registry.Registry the maintenance loop
// needs; kept as an interface so this package does not import registry
// and the tests can drive the loop with a fake.
type Registry interface {
	Nodes() []node.Node
	FailedDiscoveries() map[wire.MacAddress]time.Time
	Discover(mac wire.MacAddress, cb func(node.Node, error))
}

// Correlator is the subset of correlator.Correlator the maintenance
// loop needs to submit requests and avoid duplicate polling.
type Correlator interface {
	Submit(req proto.Request, expectedResponse wire.MessageID, mac wire.MacAddress, cb func(correlator.Result))
	HasInFlight(mac wire.MacAddress, id wire.MessageID) bool
}

// Loop runs the periodic maintenance tick.
type Loop struct {
	registry   Registry
	correlator Correlator
	log        clog.Clog

	mu           sync.Mutex
	period       time.Duration
	lastDayMark  int
	lastHourMark int
	lastRetry    map[wire.MacAddress]time.Time
	stopCh       chan struct{}
	running      bool
	wg           sync.WaitGroup
}

// New builds a Loop. period, if 0, is recomputed before every tick as
// 3*node_count seconds; either way it is clamped to MinEffectivePeriod.
func New(registry Registry, correlator Correlator, period time.Duration) *Loop {
	return &Loop{
		registry:   registry,
		correlator: correlator,
		period:     period,
		lastRetry:  make(map[wire.MacAddress]time.Time),
		stopCh:     make(chan struct{}),
		log:        clog.NewLogger("maintenance =>"),
	}
}

// Start launches the tick goroutine. A no-op if already running; safe
// to call again after Stop, to support auto_update(0) followed by a
// later auto_update(period).
func (l *Loop) Start() {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	l.stopCh = make(chan struct{})
	l.mu.Unlock()
	l.wg.Add(1)
	go l.run()
}

// Stop halts the tick goroutine. A no-op if not running. The
// controller's auto_update(0) maps directly to this call.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	stopCh := l.stopCh
	l.mu.Unlock()
	close(stopCh)
	l.wg.Wait()
}

// SetPeriod changes the tick interval take effect from the next tick
// onward; 0 restores the 3*node_count default.
func (l *Loop) SetPeriod(period time.Duration) {
	l.mu.Lock()
	l.period = period
	l.mu.Unlock()
}

func (l *Loop) run() {
	defer l.wg.Done()
	now := time.Now()
	l.lastDayMark = now.Day()
	l.lastHourMark = now.Hour()

	l.mu.Lock()
	stopCh := l.stopCh
	l.mu.Unlock()

	for {
		period := l.effectivePeriod()
		select {
		case <-stopCh:
			return
		case <-time.After(period):
			l.tick()
		}
	}
}

func (l *Loop) effectivePeriod() time.Duration {
	l.mu.Lock()
	configured := l.period
	l.mu.Unlock()
	if configured > 0 {
		if configured < MinEffectivePeriod {
			return MinEffectivePeriod
		}
		return configured
	}
	n := len(l.registry.Nodes())
	p := time.Duration(3*n) * time.Second
	if p < MinEffectivePeriod {
		return MinEffectivePeriod
	}
	return p
}

func (l *Loop) tick() {
	nodes := l.registry.Nodes()
	now := time.Now()

	l.pingAndCheckSEDs(nodes, now)
	l.pollCircles(nodes)

	if now.Hour() != l.lastHourMark {
		l.lastHourMark = now.Hour()
		l.syncPowerBuffers(nodes)
	}
	if now.Day() != l.lastDayMark {
		l.lastDayMark = now.Day()
		l.syncClocks(nodes)
	}

	l.retryFailedDiscoveries(now)
}

func (l *Loop) pingAndCheckSEDs(nodes []node.Node, now time.Time) {
	for _, n := range nodes {
		mac := n.MACAddress()
		l.correlator.Submit(proto.PingRequest{MAC: mac}, proto.IDPingResponse, mac, func(correlator.Result) {})

		if !n.NodeType().IsSED() {
			continue
		}
		window := node.SedMaintenanceInterval
		if s, ok := n.(interface{ MaintenanceWindow() time.Duration }); ok {
			window = s.MaintenanceWindow()
		}
		if n.IsAvailable() && now.Sub(n.LastSeenAt()) > window {
			n.MarkUnavailable()
		}
	}
}

func (l *Loop) pollCircles(nodes []node.Node) {
	for _, n := range nodes {
		mac := n.MACAddress()
		switch n.(type) {
		case *node.Circle, *node.CirclePlus:
		default:
			continue
		}
		if l.correlator.HasInFlight(mac, proto.IDCirclePowerUsageRequest) {
			continue
		}
		l.correlator.Submit(proto.CirclePowerUsageRequest{MAC: mac}, proto.IDCirclePowerUsageResponse, mac, func(correlator.Result) {})
	}
}

// circleNode is the slice of Circle behavior the hourly buffer sync
// drives; *node.Circle and *node.CirclePlus both satisfy it.
type circleNode interface {
	RequestInfo()
	MissingLogAddresses() []int
	RequestPowerBuffer(addr int)
}

// syncPowerBuffers refreshes each Circle's node-info (for its latest log
// address) and requests the historical samples still missing from the
// rolling window.
func (l *Loop) syncPowerBuffers(nodes []node.Node) {
	for _, n := range nodes {
		c, ok := n.(circleNode)
		if !ok {
			continue
		}
		c.RequestInfo()
		for _, addr := range c.MissingLogAddresses() {
			c.RequestPowerBuffer(addr)
		}
	}
}

func (l *Loop) syncClocks(nodes []node.Node) {
	for _, n := range nodes {
		mac := n.MACAddress()
		switch n.(type) {
		case *node.Circle, *node.CirclePlus:
		default:
			continue
		}
		if !n.IsAvailable() {
			continue
		}
		l.correlator.Submit(proto.CircleClockGetRequest{MAC: mac}, proto.IDCircleClockResponse, mac, func(correlator.Result) {})
	}
}

// retryFailedDiscoveries re-attempts discovery for every MAC that failed:
// on every tick for the first hour after the first failure, then once per
// hour thereafter.
func (l *Loop) retryFailedDiscoveries(now time.Time) {
	failed := l.registry.FailedDiscoveries()

	l.mu.Lock()
	var retry []wire.MacAddress
	for mac, firstFailure := range failed {
		if now.Sub(firstFailure) >= time.Hour && now.Sub(l.lastRetry[mac]) < time.Hour {
			continue
		}
		l.lastRetry[mac] = now
		retry = append(retry, mac)
	}
	for mac := range l.lastRetry {
		if _, ok := failed[mac]; !ok {
			delete(l.lastRetry, mac)
		}
	}
	l.mu.Unlock()

	for _, mac := range retry {
		l.registry.Discover(mac, func(node.Node, error) {})
	}
}
