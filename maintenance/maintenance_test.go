// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package maintenance

import (
	"sync"
	"testing"
	"time"

	"github.com/rob-gra/go-plugwise/correlator"
	"github.com/rob-gra/go-plugwise/node"
	"github.com/rob-gra/go-plugwise/proto"
	"github.com/rob-gra/go-plugwise/wire"
)

type fakeRegistry struct {
	nodes        []node.Node
	failed       map[wire.MacAddress]time.Time
	mu           sync.Mutex
	rediscovered int
}

func (f *fakeRegistry) Nodes() []node.Node { return f.nodes }
func (f *fakeRegistry) FailedDiscoveries() map[wire.MacAddress]time.Time {
	return f.failed
}
func (f *fakeRegistry) Discover(mac wire.MacAddress, cb func(node.Node, error)) {
	f.mu.Lock()
	f.rediscovered++
	f.mu.Unlock()
}

type fakeCorrelator struct {
	mu       sync.Mutex
	submits  []proto.Request
	inFlight map[wire.MessageID]bool
}

func (f *fakeCorrelator) Submit(req proto.Request, expect wire.MessageID, mac wire.MacAddress, cb func(correlator.Result)) {
	f.mu.Lock()
	f.submits = append(f.submits, req)
	f.mu.Unlock()
}
func (f *fakeCorrelator) HasInFlight(mac wire.MacAddress, id wire.MessageID) bool {
	return f.inFlight[id]
}

func (f *fakeCorrelator) count(id wire.MessageID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.submits {
		if r.MessageID() == id {
			n++
		}
	}
	return n
}

func maintTestMAC(t *testing.T) wire.MacAddress {
	t.Helper()
	mac, err := wire.ParseMAC([]byte("AABBCCDDEEFF0011"))
	if err != nil {
		t.Fatal(err)
	}
	return mac
}

func TestTickPingsEveryNodeAndPollsCircles(t *testing.T) {
	mac := maintTestMAC(t)
	circle := node.NewCircle(mac, noopSender{}, 0)
	reg := &fakeRegistry{nodes: []node.Node{circle}, failed: map[wire.MacAddress]time.Time{}}
	cor := &fakeCorrelator{inFlight: map[wire.MessageID]bool{}}
	l := New(reg, cor, time.Hour)

	l.tick()

	if cor.count(proto.IDPingRequest) != 1 {
		t.Fatalf("got %d pings, want 1", cor.count(proto.IDPingRequest))
	}
	if cor.count(proto.IDCirclePowerUsageRequest) != 1 {
		t.Fatalf("got %d power-usage requests, want 1", cor.count(proto.IDCirclePowerUsageRequest))
	}
}

func TestTickSkipsPowerUsageWhenAlreadyInFlight(t *testing.T) {
	mac := maintTestMAC(t)
	circle := node.NewCircle(mac, noopSender{}, 0)
	reg := &fakeRegistry{nodes: []node.Node{circle}, failed: map[wire.MacAddress]time.Time{}}
	cor := &fakeCorrelator{inFlight: map[wire.MessageID]bool{proto.IDCirclePowerUsageRequest: true}}
	l := New(reg, cor, time.Hour)

	l.tick()

	if cor.count(proto.IDCirclePowerUsageRequest) != 0 {
		t.Fatalf("got %d power-usage requests, want 0 (duplicate should be skipped)", cor.count(proto.IDCirclePowerUsageRequest))
	}
}

func TestTickRetriesFailedDiscoveries(t *testing.T) {
	mac := maintTestMAC(t)
	reg := &fakeRegistry{failed: map[wire.MacAddress]time.Time{mac: time.Now()}}
	cor := &fakeCorrelator{inFlight: map[wire.MessageID]bool{}}
	l := New(reg, cor, time.Hour)

	l.tick()

	reg.mu.Lock()
	defer reg.mu.Unlock()
	if reg.rediscovered != 1 {
		t.Fatalf("got %d rediscovery attempts, want 1", reg.rediscovered)
	}
}

func TestRetryFailedDiscoveriesBacksOffToHourly(t *testing.T) {
	mac := maintTestMAC(t)
	firstFailure := time.Now().Add(-2 * time.Hour)
	reg := &fakeRegistry{failed: map[wire.MacAddress]time.Time{mac: firstFailure}}
	cor := &fakeCorrelator{inFlight: map[wire.MessageID]bool{}}
	l := New(reg, cor, time.Hour)

	// Past the first hour, only one retry per hour regardless of how many
	// ticks elapse.
	l.tick()
	l.tick()
	l.tick()

	reg.mu.Lock()
	defer reg.mu.Unlock()
	if reg.rediscovered != 1 {
		t.Fatalf("got %d rediscovery attempts, want 1 (hourly backoff)", reg.rediscovered)
	}
}

func TestSyncPowerBuffersRequestsInfoAndMissingLogs(t *testing.T) {
	mac := maintTestMAC(t)
	sender := &recordingSender{}
	circle := node.NewCircle(mac, sender, 0)
	circle.LastLogAddress = 3

	l := New(&fakeRegistry{}, &fakeCorrelator{inFlight: map[wire.MessageID]bool{}}, time.Hour)
	l.syncPowerBuffers([]node.Node{circle})

	if got := sender.count(proto.IDNodeInfoRequest); got != 1 {
		t.Fatalf("got %d node-info refreshes, want 1", got)
	}
	// Addresses 0..3 are all uncollected, so all four are requested.
	if got := sender.count(proto.IDCirclePowerBufferRequest); got != 4 {
		t.Fatalf("got %d power-buffer requests, want 4", got)
	}
}

type recordingSender struct {
	mu   sync.Mutex
	reqs []proto.Request
}

func (r *recordingSender) Submit(req proto.Request, expect wire.MessageID, mac wire.MacAddress, cb func(correlator.Result)) {
	r.mu.Lock()
	r.reqs = append(r.reqs, req)
	r.mu.Unlock()
}

func (r *recordingSender) count(id wire.MessageID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, req := range r.reqs {
		if req.MessageID() == id {
			n++
		}
	}
	return n
}

func TestEffectivePeriodClampsToMinimum(t *testing.T) {
	reg := &fakeRegistry{}
	cor := &fakeCorrelator{inFlight: map[wire.MessageID]bool{}}
	l := New(reg, cor, time.Second)

	if got := l.effectivePeriod(); got != MinEffectivePeriod {
		t.Fatalf("got period %s, want clamped %s", got, MinEffectivePeriod)
	}
}

type noopSender struct{}

func (noopSender) Submit(req proto.Request, expect wire.MessageID, mac wire.MacAddress, cb func(correlator.Result)) {
}
