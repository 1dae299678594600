// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package node

import (
	"math"
	"time"

	"github.com/rob-gra/go-plugwise/correlator"
	"github.com/rob-gra/go-plugwise/proto"
	"github.com/rob-gra/go-plugwise/wire"
)

// PulsesPerKWSecond is how many pulses a Circle meter reports per
// kilowatt-second of energy.
const PulsesPerKWSecond = 468.9385193

// MaxTimeDrift is how far a Circle's clock may wander from local time
// before a correction is issued.
const MaxTimeDrift = 30 * time.Second

// maxPowerHistory is the rolling window kept for today/yesterday
// aggregates.
const maxPowerHistory = 48

// Circle is a mains-powered plug/meter node.
type Circle struct {
	Base

	Calibrated     bool
	GainA, GainB   float32
	OffNoise, OffTotal float32

	Pulses1s, Pulses8s               int64
	PulsesConsumed1h, PulsesProduced1h int64
	RelayOn                          bool

	LastLogAddress int
	// PowerHistory maps an hour bucket (hours since Unix epoch, UTC) to
	// the kWh recorded for that hour.
	PowerHistory  map[int64]float64
	collectedLogs map[int]bool

	ClockOffsetSeconds int
	timezoneDelta      time.Duration // local - UTC, captured at process start
}

// NewCircle constructs a Circle and immediately requests its clock and
// calibration constants, immediately on first creation.
func NewCircle(mac wire.MacAddress, sender Sender, timezoneDelta time.Duration) *Circle {
	c := &Circle{
		Base:          newBase(mac, proto.NodeTypeCircle, sender),
		PowerHistory:  make(map[int64]float64),
		collectedLogs: make(map[int]bool),
		timezoneDelta: timezoneDelta,
	}
	c.requestClock()
	c.requestCalibration()
	return c
}

func (c *Circle) requestClock() {
	c.sender.Submit(proto.CircleClockGetRequest{MAC: c.MAC}, proto.IDCircleClockResponse, c.MAC, func(correlator.Result) {})
}

func (c *Circle) requestCalibration() {
	c.sender.Submit(proto.CircleCalibrationRequest{MAC: c.MAC}, proto.IDCircleCalibrationResponse, c.MAC, func(correlator.Result) {})
}

// HandleCalibrationResponse stores the power-law constants. Per the
// CircleState invariant, calibration is set exactly once per session.
func (c *Circle) HandleCalibrationResponse(resp proto.CircleCalibrationResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Calibrated {
		return
	}
	c.GainA, c.GainB = resp.GainA, resp.GainB
	c.OffNoise, c.OffTotal = resp.OffNoise, resp.OffTotal
	c.Calibrated = true
}

// HandlePowerUsageResponse applies the pulse-adjustment and calibration
// math. Samples received before calibration completes are
// discarded and a calibration request is (re-)issued.
func (c *Circle) HandlePowerUsageResponse(resp proto.CirclePowerUsageResponse) {
	c.mu.Lock()
	calibrated := c.Calibrated
	c.mu.Unlock()
	if !calibrated {
		c.requestCalibration()
		return
	}

	c.mu.Lock()
	gainA, gainB, offNoise, offTotal := c.GainA, c.GainB, c.OffNoise, c.OffTotal
	c.mu.Unlock()

	p1 := adjustPulses(resp.Pulse1s, resp.NanosecondOffset)
	p8 := adjustPulses(resp.Pulse8s, resp.NanosecondOffset)
	consumed := adjustPulses(resp.PulseHourConsumed, 0)
	produced := adjustPulses(resp.PulseHourProduced, 0)

	watts1 := calibratedKW(p1, 1, gainA, gainB, offNoise, offTotal) * 1000
	watts8 := calibratedKW(p8, 8, gainA, gainB, offNoise, offTotal) * 1000
	kwhConsumed := calibratedKW(consumed, 3600, gainA, gainB, offNoise, offTotal)
	kwhProduced := calibratedKW(produced, 3600, gainA, gainB, offNoise, offTotal)

	c.mu.Lock()
	c.Pulses1s, c.Pulses8s = int64(p1), int64(p8)
	c.PulsesConsumed1h, c.PulsesProduced1h = int64(consumed), int64(produced)
	c.mu.Unlock()

	c.emit(Event{Kind: SensorPower, MAC: c.MAC, Power: PowerUsage{
		WattsNow: watts1,
		Watts8s:  watts8,
		KWhHour:  kwhConsumed,
		KWhProd:  kwhProduced,
	}})
}

// adjustPulses applies the sub-second sampling correction and the
// below-noise sentinel rule: raw == -1 means "below measurement noise",
// coerced to 0. The corrected count is fractional whenever the offset is
// nonzero, and stays fractional through the power-law math.
func adjustPulses(raw int64, nanosecondOffset int64) float64 {
	if raw == -1 {
		return 0
	}
	if nanosecondOffset == 0 {
		return float64(raw)
	}
	return float64(raw) * (1e9 + float64(nanosecondOffset)) / 1e9
}

// calibratedKW computes the calibrated power in kilowatts for pulses
// measured over seconds, snapping magnitudes below 0.001 kW to zero. For
// seconds=3600 the result is numerically the same figure as kWh for that
// hour.
func calibratedKW(pulses float64, seconds int, gainA, gainB, offNoise, offTotal float32) float64 {
	if seconds == 0 {
		return 0
	}
	pps := pulses / float64(seconds)
	corrected := float64(seconds) * (math.Pow(pps+float64(offNoise), 2)*float64(gainB) + (pps+float64(offNoise))*float64(gainA) + float64(offTotal))
	kWs := corrected / PulsesPerKWSecond / float64(seconds)
	if math.Abs(kWs) < 0.001 {
		return 0
	}
	return kWs
}

// HandlePowerBufferResponse folds 4 hourly samples into the rolling
// history and evicts anything older than yesterday local-time.
func (c *Circle) HandlePowerBufferResponse(resp proto.CirclePowerBufferResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.collectedLogs[resp.LogAddress] = true

	for _, s := range resp.Samples {
		if !s.AtKnown {
			continue
		}
		hour := s.At.Unix() / 3600
		kwh := float64(s.Pulses) / PulsesPerKWSecond / 3600
		c.PowerHistory[hour] = kwh
	}
	c.evictOldHistory()
}

// evictOldHistory drops any bucket older than yesterday local-time and,
// as a backstop, trims down to maxPowerHistory entries by age if the
// eviction alone did not suffice.
func (c *Circle) evictOldHistory() {
	now := time.Now().UTC().Add(c.timezoneDelta)
	yesterdayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1)
	cutoff := yesterdayStart.Add(-c.timezoneDelta).Unix() / 3600

	for hour := range c.PowerHistory {
		if hour < cutoff {
			delete(c.PowerHistory, hour)
		}
	}
	if len(c.PowerHistory) <= maxPowerHistory {
		return
	}
	hours := make([]int64, 0, len(c.PowerHistory))
	for hour := range c.PowerHistory {
		hours = append(hours, hour)
	}
	for len(hours) > maxPowerHistory {
		oldest := 0
		for i, h := range hours {
			if h < hours[oldest] {
				oldest = i
			}
		}
		delete(c.PowerHistory, hours[oldest])
		hours = append(hours[:oldest], hours[oldest+1:]...)
	}
}

// UpdateInfo refreshes the fields a periodic node-info poll reports,
// most importantly the device's latest log address, which bounds the
// power-buffer gap requests the maintenance loop issues.
func (c *Circle) UpdateInfo(resp proto.NodeInfoResponse) {
	c.mu.Lock()
	c.LastLogAddress = resp.LastLogAddr
	c.mu.Unlock()
	c.MarkAvailable()
}

// historyLogWindow is how many log addresses back from the device's
// latest cover the 48-hour today/yesterday window (4 hourly samples per
// address).
const historyLogWindow = maxPowerHistory / 4

// MissingLogAddresses returns the addresses within the rolling window
// that have not yet been collected, oldest first.
func (c *Circle) MissingLogAddresses() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	first := c.LastLogAddress - historyLogWindow + 1
	if first < 0 {
		first = 0
	}
	var missing []int
	for addr := first; addr <= c.LastLogAddress; addr++ {
		if !c.collectedLogs[addr] {
			missing = append(missing, addr)
		}
	}
	return missing
}

// RequestPowerBuffer asks the device for the four hourly samples at addr.
func (c *Circle) RequestPowerBuffer(addr int) {
	c.sender.Submit(proto.CirclePowerBufferRequest{MAC: c.MAC, LogAddress: addr}, proto.IDCirclePowerBufferResponse, c.MAC, func(correlator.Result) {})
}

// RequestInfo refreshes the node-info fields; the response flows back in
// through UpdateInfo.
func (c *Circle) RequestInfo() {
	c.sender.Submit(proto.NodeInfoRequest{MAC: c.MAC}, proto.IDNodeInfoResponse, c.MAC, func(correlator.Result) {})
}

// SetRelay requests a relay transition. The node's RelayOn field and the
// switch callback are updated only once the large-ack arrives.
func (c *Circle) SetRelay(on bool) {
	c.sender.Submit(proto.CircleSwitchRelayRequest{MAC: c.MAC, On: on}, "", c.MAC, func(res correlator.Result) {
		switch res.AckCode {
		case proto.AckRelayOn:
			c.applyRelayState(true)
		case proto.AckRelayOff:
			c.applyRelayState(false)
		}
	})
}

// HandleSwitchRelayResponse applies the exceptional 0099 full-message
// relay report, the same way the RELAY_ON/RELAY_OFF ack sub-code does.
func (c *Circle) HandleSwitchRelayResponse(resp proto.CircleSwitchRelayResponse) {
	c.applyRelayState(resp.RelayOn)
}

func (c *Circle) applyRelayState(on bool) {
	c.mu.Lock()
	changed := c.RelayOn != on
	c.RelayOn = on
	c.mu.Unlock()
	if changed {
		c.emit(Event{Kind: SensorSwitch, MAC: c.MAC, SwitchOn: on})
	}
}

// HandleClockResponse computes drift against local time and issues a
// correction when it exceeds MaxTimeDrift.
func (c *Circle) HandleClockResponse(resp proto.CircleClockResponse) {
	now := time.Now().UTC().Add(c.timezoneDelta)
	localSeconds := now.Hour()*3600 + now.Minute()*60 + now.Second()
	drift := resp.Time.Seconds() - localSeconds
	if drift > 12*3600 {
		drift -= 86400
	} else if drift < -12*3600 {
		drift += 86400
	}

	c.mu.Lock()
	c.ClockOffsetSeconds = drift
	c.mu.Unlock()

	if drift > int(MaxTimeDrift.Seconds()) || drift < -int(MaxTimeDrift.Seconds()) {
		c.sender.Submit(proto.CircleClockSetRequest{MAC: c.MAC, At: time.Now().UTC()}, "", c.MAC, func(correlator.Result) {})
	}
}

// CirclePlus is the network coordinator; it behaves like a Circle and
// additionally owns the coordinator's real-time clock.
type CirclePlus struct {
	Circle
}

// NewCirclePlus constructs the coordinator node.
func NewCirclePlus(mac wire.MacAddress, sender Sender, timezoneDelta time.Duration) *CirclePlus {
	cp := &CirclePlus{Circle: *NewCircle(mac, sender, timezoneDelta)}
	cp.Type = proto.NodeTypeCirclePlus
	cp.sender.Submit(proto.CoordinatorRealTimeClockGetRequest{MAC: mac}, proto.IDCoordinatorRTCResponse, mac, func(correlator.Result) {})
	return cp
}

// HandleRealTimeClockResponse mirrors HandleClockResponse for the
// coordinator's RTC fields.
func (cp *CirclePlus) HandleRealTimeClockResponse(resp proto.CoordinatorRealTimeClockResponse) {
	now := time.Now().UTC().Add(cp.timezoneDelta)
	localSeconds := now.Hour()*3600 + now.Minute()*60 + now.Second()
	drift := resp.Time.Seconds() - localSeconds
	if drift > 12*3600 {
		drift -= 86400
	} else if drift < -12*3600 {
		drift += 86400
	}
	if drift > int(MaxTimeDrift.Seconds()) || drift < -int(MaxTimeDrift.Seconds()) {
		cp.sender.Submit(proto.CoordinatorRealTimeClockSetRequest{MAC: cp.MAC, At: time.Now().UTC()}, "", cp.MAC, func(correlator.Result) {})
	}
}
