// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package node

import (
	"testing"
	"time"

	"github.com/rob-gra/go-plugwise/proto"
	"github.com/rob-gra/go-plugwise/wire"
)

func circleTestMAC(t *testing.T) wire.MacAddress {
	t.Helper()
	mac, err := wire.ParseMAC([]byte("000D6F0001122334"))
	if err != nil {
		t.Fatal(err)
	}
	return mac
}

func TestCircleCalibrationIsSetOnlyOnce(t *testing.T) {
	sender := &recordingSender{}
	mac := circleTestMAC(t)
	c := NewCircle(mac, sender, 0)

	c.HandleCalibrationResponse(proto.CircleCalibrationResponse{MAC: mac, GainA: 1, GainB: 2, OffNoise: 3, OffTotal: 4})
	c.HandleCalibrationResponse(proto.CircleCalibrationResponse{MAC: mac, GainA: 99, GainB: 99, OffNoise: 99, OffTotal: 99})

	if c.GainA != 1 || c.GainB != 2 || c.OffNoise != 3 || c.OffTotal != 4 {
		t.Fatalf("second calibration response overwrote the first: %+v", c)
	}
}

func TestCirclePowerUsageDiscardedBeforeCalibration(t *testing.T) {
	sender := &recordingSender{}
	mac := circleTestMAC(t)
	c := NewCircle(mac, sender, 0)
	startReqs := sender.count()

	var fired bool
	c.Subscribe(SensorPower, func(Event) { fired = true })
	c.HandlePowerUsageResponse(proto.CirclePowerUsageResponse{MAC: mac, Pulse1s: 100, Pulse8s: 800})

	if fired {
		t.Fatal("power event fired before calibration completed")
	}
	if sender.count() <= startReqs {
		t.Fatal("expected a re-request for calibration")
	}
}

func TestCirclePowerUsageBelowNoiseSentinel(t *testing.T) {
	sender := &recordingSender{}
	mac := circleTestMAC(t)
	c := NewCircle(mac, sender, 0)
	c.HandleCalibrationResponse(proto.CircleCalibrationResponse{MAC: mac, GainA: 0, GainB: 0, OffNoise: 0, OffTotal: 0})

	var got Event
	c.Subscribe(SensorPower, func(e Event) { got = e })
	c.HandlePowerUsageResponse(proto.CirclePowerUsageResponse{
		MAC: mac, Pulse1s: -1, Pulse8s: -1, PulseHourConsumed: -1, PulseHourProduced: -1,
	})

	if got.Power.WattsNow != 0 || got.Power.Watts8s != 0 || got.Power.KWhHour != 0 {
		t.Fatalf("sentinel -1 pulses should coerce to zero power, got %+v", got.Power)
	}
}

func TestCirclePowerUsageCalibratedMath(t *testing.T) {
	sender := &recordingSender{}
	mac := circleTestMAC(t)
	c := NewCircle(mac, sender, 0)
	c.HandleCalibrationResponse(proto.CircleCalibrationResponse{MAC: mac, GainA: 1, GainB: 0, OffNoise: 0, OffTotal: 0})

	var got Event
	c.Subscribe(SensorPower, func(e Event) { got = e })
	c.HandlePowerUsageResponse(proto.CirclePowerUsageResponse{MAC: mac, Pulse1s: 10, Pulse8s: 80})

	// 10 pulses over 1s at identity calibration is 21.3248 W.
	if diff := got.Power.WattsNow - 21.3248; diff > 1e-3 || diff < -1e-3 {
		t.Fatalf("WattsNow = %v, want 21.3248", got.Power.WattsNow)
	}
}

func TestCalibratedPowerWorkedExample(t *testing.T) {
	// The defining property of the pulse constant: 468.9385193 pulses over
	// one second at identity calibration is exactly one kilowatt.
	kw := calibratedKW(468.9385193, 1, 1, 0, 0, 0)
	if kw*1000 != 1000 {
		t.Fatalf("468.9385193 pulses over 1s = %v W, want exactly 1000", kw*1000)
	}
}

func TestPowerUsageNanosecondOffsetKeepsFractionalPulses(t *testing.T) {
	// A half-second sampling overrun stretches 3 raw pulses to 4.5; the
	// fractional count must survive into the power-law math untruncated.
	if got := adjustPulses(3, 500000000); got != 4.5 {
		t.Fatalf("adjustPulses(3, 5e8) = %v, want 4.5", got)
	}

	sender := &recordingSender{}
	mac := circleTestMAC(t)
	c := NewCircle(mac, sender, 0)
	c.HandleCalibrationResponse(proto.CircleCalibrationResponse{MAC: mac, GainA: 1, GainB: 0, OffNoise: 0, OffTotal: 0})

	var got Event
	c.Subscribe(SensorPower, func(e Event) { got = e })
	c.HandlePowerUsageResponse(proto.CirclePowerUsageResponse{MAC: mac, Pulse1s: 3, NanosecondOffset: 500000000})

	// 4.5 pulses over 1s is 9.5961 W; a truncated count of 4 would read
	// 8.5299 W instead.
	if diff := got.Power.WattsNow - 9.5961; diff > 1e-3 || diff < -1e-3 {
		t.Fatalf("WattsNow = %v, want 9.5961", got.Power.WattsNow)
	}
}

func TestCirclePowerBufferEvictsOldHistory(t *testing.T) {
	sender := &recordingSender{}
	mac := circleTestMAC(t)
	c := NewCircle(mac, sender, 0)

	old := time.Now().AddDate(0, 0, -10)
	recent := time.Now()
	c.HandlePowerBufferResponse(proto.CirclePowerBufferResponse{
		MAC: mac,
		Samples: [4]proto.PowerBufferSample{
			{At: old, AtKnown: true, Pulses: 1000},
			{At: recent, AtKnown: true, Pulses: 2000},
			{AtKnown: false},
			{AtKnown: false},
		},
	})

	oldHour := old.Unix() / 3600
	recentHour := recent.Unix() / 3600
	if _, ok := c.PowerHistory[oldHour]; ok {
		t.Fatal("a sample older than yesterday should have been evicted")
	}
	if _, ok := c.PowerHistory[recentHour]; !ok {
		t.Fatal("a recent sample should still be present")
	}
}

func TestCircleMissingLogAddressesShrinkAsBuffersArrive(t *testing.T) {
	sender := &recordingSender{}
	mac := circleTestMAC(t)
	c := NewCircle(mac, sender, 0)
	c.LastLogAddress = 2

	if got := c.MissingLogAddresses(); len(got) != 3 {
		t.Fatalf("got missing addresses %v, want all of 0..2", got)
	}

	c.HandlePowerBufferResponse(proto.CirclePowerBufferResponse{MAC: mac, LogAddress: 1})

	got := c.MissingLogAddresses()
	if len(got) != 2 || got[0] != 0 || got[1] != 2 {
		t.Fatalf("got missing addresses %v, want [0 2]", got)
	}
}

func TestCircleRelayUpdatesOnlyOnAckAndOnExceptionalResponse(t *testing.T) {
	sender := &recordingSender{}
	mac := circleTestMAC(t)
	c := NewCircle(mac, sender, 0)

	var events []Event
	c.Subscribe(SensorSwitch, func(e Event) { events = append(events, e) })

	c.HandleSwitchRelayResponse(proto.CircleSwitchRelayResponse{MAC: mac, RelayOn: true})
	c.HandleSwitchRelayResponse(proto.CircleSwitchRelayResponse{MAC: mac, RelayOn: true}) // no transition

	if len(events) != 1 {
		t.Fatalf("got %d switch events, want 1 (only the transition)", len(events))
	}
	if !c.RelayOn {
		t.Fatal("RelayOn should be true after the exceptional relay response")
	}
}

func TestCircleClockDriftWithinToleranceSkipsCorrection(t *testing.T) {
	sender := &recordingSender{}
	mac := circleTestMAC(t)
	c := NewCircle(mac, sender, 0)
	startReqs := sender.count()

	// timezoneDelta is 0 here, so the node compares its clock against UTC.
	now := time.Now().UTC()
	localSeconds := now.Hour()*3600 + now.Minute()*60 + now.Second()
	c.HandleClockResponse(proto.CircleClockResponse{MAC: mac, Time: wire.ClockTime{
		Hour: (localSeconds / 3600) % 24, Minute: (localSeconds / 60) % 60, Second: localSeconds % 60,
	}})

	if sender.count() != startReqs {
		t.Fatal("drift within tolerance should not issue a clock-set request")
	}
}

func TestCircleClockDriftBeyondToleranceCorrects(t *testing.T) {
	sender := &recordingSender{}
	mac := circleTestMAC(t)
	c := NewCircle(mac, sender, 0)
	startReqs := sender.count()

	c.HandleClockResponse(proto.CircleClockResponse{MAC: mac, Time: wire.ClockTime{Hour: 0, Minute: 0, Second: 0}})

	// A fresh Circle's requestClock/requestCalibration already queued two
	// requests; a drift correction beyond MaxTimeDrift should add one more.
	if sender.count() <= startReqs {
		t.Fatal("drift beyond tolerance should issue a clock-set request")
	}
}
