// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

// Package node implements per-type node behavior: Circle and
// Circle+ power/relay/clock accounting, and the sleeping-end-device
// family's queued-delivery model. Each node type holds a non-owning
// Sender back-reference to submit requests rather than co-owning the
// controller, avoiding a node-package/root-package import cycle.
package node

import (
	"sync"
	"time"

	"github.com/rob-gra/go-plugwise/clog"
	"github.com/rob-gra/go-plugwise/correlator"
	"github.com/rob-gra/go-plugwise/proto"
	"github.com/rob-gra/go-plugwise/wire"
)

// Sender is the handle a node uses to submit a request through the
// owning controller's correlator, without holding a reference to the
// controller itself. *correlator.Correlator satisfies this interface.
type Sender interface {
	Submit(req proto.Request, expectedResponse wire.MessageID, mac wire.MacAddress, cb func(correlator.Result))
}

// SensorKind identifies the subsystem an Event reports on, as a closed
// enumeration rather than a string-keyed callback table.
type SensorKind int

const (
	SensorAvailability SensorKind = iota
	SensorPower
	SensorSwitch
	SensorMotion
	SensorClimate
	SensorClock
)

// Event is delivered to a node's subscribers. Exactly one of the typed
// payload fields is meaningful, selected by Kind.
type Event struct {
	Kind      SensorKind
	MAC       wire.MacAddress
	Available bool
	Power     PowerUsage
	SwitchOn  bool
	MotionOn  bool
	Climate   Climate
}

// PowerUsage carries the calibrated wattage/energy figures computed from
// a CirclePowerUsageResponse.
type PowerUsage struct {
	WattsNow float64 // 1s instantaneous
	Watts8s  float64 // 8s instantaneous
	KWhHour  float64 // running-hour accumulator, consumed
	KWhProd  float64 // running-hour accumulator, produced
}

// Climate carries a Sense node's latest scaled reading.
type Climate struct {
	TemperatureC     float64
	TemperatureKnown bool
	HumidityPct      float64
	HumidityKnown    bool
}

// Base holds the fields common to every node type.
type Base struct {
	MAC         wire.MacAddress
	Address     int
	Type        proto.NodeType
	HWVersion   string
	FWVersion   time.Time
	Available   bool
	LastUpdate  time.Time
	LastRequest time.Time

	mu        sync.Mutex
	listeners map[SensorKind][]func(Event)
	sender    Sender
	log       clog.Clog
}

func newBase(mac wire.MacAddress, typ proto.NodeType, sender Sender) Base {
	return Base{
		MAC:       mac,
		Type:      typ,
		Available: true,
		sender:    sender,
		listeners: make(map[SensorKind][]func(Event)),
		log:       clog.NewLogger("node =>"),
	}
}

// Subscribe registers cb for events of kind k. It is safe to call from
// any goroutine.
func (b *Base) Subscribe(k SensorKind, cb func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners[k] = append(b.listeners[k], cb)
}

// emit copies the listener slice under lock and invokes it outside the
// lock, so a callback may itself call back into the node without
// deadlocking.
func (b *Base) emit(ev Event) {
	b.mu.Lock()
	cbs := append([]func(Event){}, b.listeners[ev.Kind]...)
	b.mu.Unlock()
	for _, cb := range cbs {
		cb(ev)
	}
}

// MarkUnavailable transitions the node to unavailable and fires a
// SensorAvailability event.
func (b *Base) MarkUnavailable() {
	b.mu.Lock()
	wasAvailable := b.Available
	b.Available = false
	b.mu.Unlock()
	if wasAvailable {
		b.emit(Event{Kind: SensorAvailability, MAC: b.MAC, Available: false})
	}
}

// MarkAvailable transitions the node back to available.
func (b *Base) MarkAvailable() {
	b.mu.Lock()
	wasAvailable := b.Available
	b.Available = true
	b.LastUpdate = time.Now()
	b.mu.Unlock()
	if !wasAvailable {
		b.emit(Event{Kind: SensorAvailability, MAC: b.MAC, Available: true})
	}
}

// NewUnsupported builds a stub node for a reported type the registry
// does not otherwise promote. It tracks availability only.
func NewUnsupported(mac wire.MacAddress, sender Sender) *Base {
	b := newBase(mac, proto.NodeTypeUnknown, sender)
	return &b
}

// Node is the common interface the registry stores and the maintenance
// loop drives.
type Node interface {
	MACAddress() wire.MacAddress
	NodeType() proto.NodeType
	IsAvailable() bool
	LastSeenAt() time.Time
	MarkAvailable()
	MarkUnavailable()
	Subscribe(k SensorKind, cb func(Event))
}

func (b *Base) MACAddress() wire.MacAddress { return b.MAC }
func (b *Base) NodeType() proto.NodeType    { return b.Type }
func (b *Base) IsAvailable() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Available
}

// LastSeenAt returns the time the node was last confirmed available,
// used by the maintenance loop's SED maintenance-window check.
func (b *Base) LastSeenAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.LastUpdate
}
