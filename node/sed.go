// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package node

import (
	"time"

	"github.com/rob-gra/go-plugwise/correlator"
	"github.com/rob-gra/go-plugwise/proto"
	"github.com/rob-gra/go-plugwise/wire"
)

// Sleeping-end-device wake-cadence defaults.
const (
	SedStayActive          = 10 * time.Second
	SedSleepFor            = 60 * time.Minute
	SedMaintenanceInterval = 1440 * time.Minute
)

// Scan motion-sensor configuration defaults.
const (
	ScanMotionResetTimer = 5 * time.Minute
	ScanSensitivity      = proto.ScanSensitivityMedium
	ScanDaylightMode     = false
)

type pendingEntry struct {
	req    proto.Request
	expect wire.MessageID
	cb     func(correlator.Result)
}

// Sed is the base for battery-powered nodes that only transmit when
// awake. User-initiated requests are never sent proactively; they are
// deposited in pending, keyed by message id (a later request
// for the same id overwrites the earlier one), and drained on the next
// actionable awake notification.
type Sed struct {
	Base

	pending             map[wire.MessageID]pendingEntry
	maintenanceInterval time.Duration
}

func newSed(mac wire.MacAddress, typ proto.NodeType, sender Sender) Sed {
	return Sed{
		Base:                newBase(mac, typ, sender),
		pending:             make(map[wire.MessageID]pendingEntry),
		maintenanceInterval: SedMaintenanceInterval,
	}
}

// MaintenanceWindow is how long the node may go unheard-from before the
// maintenance loop marks it unavailable.
func (s *Sed) MaintenanceWindow() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maintenanceInterval
}

// ConfigureSleep queues a wake-cadence change for the next awake. Zero
// arguments keep the package defaults.
func (s *Sed) ConfigureSleep(stayActive, sleepFor, maintenanceInterval time.Duration) {
	if stayActive == 0 {
		stayActive = SedStayActive
	}
	if sleepFor == 0 {
		sleepFor = SedSleepFor
	}
	if maintenanceInterval == 0 {
		maintenanceInterval = SedMaintenanceInterval
	}
	req := proto.SedSleepConfigRequest{
		MAC:                s.MAC,
		WakeUpDurationSecs: int(stayActive.Seconds()),
		SleepSecs:          int(sleepFor.Seconds()),
		WakeUpIntervalMin:  int(maintenanceInterval.Minutes()),
	}
	s.EnqueueRequest(req, "", func(res correlator.Result) {
		if res.Err != nil {
			return
		}
		s.mu.Lock()
		s.maintenanceInterval = maintenanceInterval
		s.mu.Unlock()
	})
}

// EnqueueRequest deposits req to be sent the next time the node wakes.
func (s *Sed) EnqueueRequest(req proto.Request, expect wire.MessageID, cb func(correlator.Result)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[req.MessageID()] = pendingEntry{req: req, expect: expect, cb: cb}
}

// OnAwake drains every pending request through the node's Sender when
// reason is actionable; otherwise it only marks the node available
// (refreshing LastUpdate).
func (s *Sed) OnAwake(reason proto.AwakeReason) {
	s.MarkAvailable()
	if !reason.Actionable() {
		return
	}

	s.mu.Lock()
	drain := s.pending
	s.pending = make(map[wire.MessageID]pendingEntry)
	sender := s.sender
	mac := s.MAC
	s.mu.Unlock()

	for _, e := range drain {
		sender.Submit(e.req, e.expect, mac, e.cb)
	}
}

// Scan is a motion sensor. It has no proactive requests of its own; the
// controller's registry drives discovery and configuration.
type Scan struct {
	Sed

	MotionOn bool
}

// NewScan constructs a Scan node.
func NewScan(mac wire.MacAddress, sender Sender) *Scan {
	s := &Scan{Sed: newSed(mac, proto.NodeTypeScan, sender)}
	return s
}

// Configure queues a motion-reporting configuration change for the next
// awake. A zero resetTimer or sensitivity keeps the package default.
func (s *Scan) Configure(resetTimer time.Duration, sensitivity proto.ScanSensitivity, daylightMode bool) {
	if resetTimer == 0 {
		resetTimer = ScanMotionResetTimer
	}
	if sensitivity == 0 {
		sensitivity = ScanSensitivity
	}
	req := proto.ScanConfigureRequest{
		MAC:               s.MAC,
		ResetTimerMinutes: int(resetTimer.Minutes()),
		Sensitivity:       sensitivity,
		DaylightMode:      daylightMode,
	}
	s.EnqueueRequest(req, proto.IDNodeAckResponse, func(correlator.Result) {})
}

// CalibrateLight queues an ambient-light recalibration for the next awake.
func (s *Scan) CalibrateLight() {
	s.EnqueueRequest(proto.ScanLightCalibrateRequest{MAC: s.MAC}, proto.IDNodeAckResponse, func(correlator.Result) {})
}

// HandleSwitchGroupResponse drives the virtual motion sensor: power_state
// 0 means no motion, 1 means motion. Only a state transition fires the
// SensorMotion event.
func (s *Scan) HandleSwitchGroupResponse(resp proto.NodeSwitchGroupResponse) {
	on := resp.PowerState != 0
	s.mu.Lock()
	changed := s.MotionOn != on
	s.MotionOn = on
	s.mu.Unlock()
	if changed {
		s.emit(Event{Kind: SensorMotion, MAC: s.MAC, MotionOn: on})
	}
}

// Sense is a temperature/humidity sensor.
type Sense struct {
	Sed

	Climate Climate
}

// NewSense constructs a Sense node.
func NewSense(mac wire.MacAddress, sender Sender) *Sense {
	return &Sense{Sed: newSed(mac, proto.NodeTypeSense, sender)}
}

// HandleSenseReport scales the raw reading and emits SensorClimate.
func (s *Sense) HandleSenseReport(resp proto.SenseReportResponse) {
	temp, tempOK := resp.Temperature()
	hum, humOK := resp.Humidity()
	c := Climate{
		TemperatureC:     temp,
		TemperatureKnown: tempOK,
		HumidityPct:      hum,
		HumidityKnown:    humOK,
	}
	s.mu.Lock()
	s.Climate = c
	s.mu.Unlock()
	s.emit(Event{Kind: SensorClimate, MAC: s.MAC, Climate: c})
}

// Switch is a battery-powered push-button transmitter; it carries no
// state of its own beyond availability.
type Switch struct {
	Sed
}

// NewSwitch constructs a Switch node.
func NewSwitch(mac wire.MacAddress, sender Sender) *Switch {
	return &Switch{Sed: newSed(mac, proto.NodeTypeSwitch, sender)}
}

// Stealth behaves like a Circle for metering purposes but wakes on its
// own schedule like a SED, so it embeds Sed rather than Circle for
// request delivery while keeping its own power-usage handling.
type Stealth struct {
	Sed

	Calibrated         bool
	GainA, GainB       float32
	OffNoise, OffTotal float32
}

// NewStealth constructs a Stealth node.
func NewStealth(mac wire.MacAddress, sender Sender) *Stealth {
	st := &Stealth{Sed: newSed(mac, proto.NodeTypeStealth, sender)}
	st.EnqueueRequest(proto.CircleCalibrationRequest{MAC: mac}, proto.IDCircleCalibrationResponse, func(correlator.Result) {})
	return st
}

// HandleCalibrationResponse stores the power-law constants, exactly
// once, mirroring Circle's rule.
func (st *Stealth) HandleCalibrationResponse(resp proto.CircleCalibrationResponse) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.Calibrated {
		return
	}
	st.GainA, st.GainB = resp.GainA, resp.GainB
	st.OffNoise, st.OffTotal = resp.OffNoise, resp.OffTotal
	st.Calibrated = true
}

// HandlePowerUsageResponse applies the same calibration math as Circle.
func (st *Stealth) HandlePowerUsageResponse(resp proto.CirclePowerUsageResponse) {
	st.mu.Lock()
	calibrated := st.Calibrated
	gainA, gainB, offNoise, offTotal := st.GainA, st.GainB, st.OffNoise, st.OffTotal
	st.mu.Unlock()
	if !calibrated {
		st.EnqueueRequest(proto.CircleCalibrationRequest{MAC: st.MAC}, proto.IDCircleCalibrationResponse, func(correlator.Result) {})
		return
	}

	p1 := adjustPulses(resp.Pulse1s, resp.NanosecondOffset)
	p8 := adjustPulses(resp.Pulse8s, resp.NanosecondOffset)
	consumed := adjustPulses(resp.PulseHourConsumed, 0)
	produced := adjustPulses(resp.PulseHourProduced, 0)

	st.emit(Event{Kind: SensorPower, MAC: st.MAC, Power: PowerUsage{
		WattsNow: calibratedKW(p1, 1, gainA, gainB, offNoise, offTotal) * 1000,
		Watts8s:  calibratedKW(p8, 8, gainA, gainB, offNoise, offTotal) * 1000,
		KWhHour:  calibratedKW(consumed, 3600, gainA, gainB, offNoise, offTotal),
		KWhProd:  calibratedKW(produced, 3600, gainA, gainB, offNoise, offTotal),
	}})
}

// CelsiusSed is a battery-powered Celsius thermostat transmitter.
type CelsiusSed struct {
	Sed

	Climate Climate
}

// NewCelsiusSed constructs a CelsiusSed node.
func NewCelsiusSed(mac wire.MacAddress, sender Sender) *CelsiusSed {
	return &CelsiusSed{Sed: newSed(mac, proto.NodeTypeCelsiusSed, sender)}
}

// HandleSenseReport mirrors Sense's scaling for Celsius devices that
// report through the same wire format.
func (c *CelsiusSed) HandleSenseReport(resp proto.SenseReportResponse) {
	temp, tempOK := resp.Temperature()
	hum, humOK := resp.Humidity()
	cl := Climate{
		TemperatureC:     temp,
		TemperatureKnown: tempOK,
		HumidityPct:      hum,
		HumidityKnown:    humOK,
	}
	c.mu.Lock()
	c.Climate = cl
	c.mu.Unlock()
	c.emit(Event{Kind: SensorClimate, MAC: c.MAC, Climate: cl})
}

// CelsiusNr is the mains-powered counterpart of CelsiusSed. It behaves
// like Switch/Sense in delivery (no proactive requests of its own) but
// is not battery-limited; it is still modeled as a Sed here because it
// shares the wake-driven reporting behavior on the wire.
type CelsiusNr struct {
	Sed

	Climate Climate
}

// NewCelsiusNr constructs a CelsiusNr node.
func NewCelsiusNr(mac wire.MacAddress, sender Sender) *CelsiusNr {
	return &CelsiusNr{Sed: newSed(mac, proto.NodeTypeCelsiusNr, sender)}
}

// HandleSenseReport mirrors CelsiusSed's handling.
func (c *CelsiusNr) HandleSenseReport(resp proto.SenseReportResponse) {
	temp, tempOK := resp.Temperature()
	hum, humOK := resp.Humidity()
	cl := Climate{
		TemperatureC:     temp,
		TemperatureKnown: tempOK,
		HumidityPct:      hum,
		HumidityKnown:    humOK,
	}
	c.mu.Lock()
	c.Climate = cl
	c.mu.Unlock()
	c.emit(Event{Kind: SensorClimate, MAC: c.MAC, Climate: cl})
}
