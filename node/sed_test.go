// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package node

import (
	"sync"
	"testing"

	"github.com/rob-gra/go-plugwise/correlator"
	"github.com/rob-gra/go-plugwise/proto"
	"github.com/rob-gra/go-plugwise/wire"
)

type recordingSender struct {
	mu   sync.Mutex
	reqs []proto.Request
}

func (r *recordingSender) Submit(req proto.Request, expect wire.MessageID, mac wire.MacAddress, cb func(correlator.Result)) {
	r.mu.Lock()
	r.reqs = append(r.reqs, req)
	r.mu.Unlock()
	if cb != nil {
		cb(correlator.Result{})
	}
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reqs)
}

func sedTestMAC(t *testing.T) wire.MacAddress {
	t.Helper()
	mac, err := wire.ParseMAC([]byte("000D6F0001122334"))
	if err != nil {
		t.Fatal(err)
	}
	return mac
}

func TestEnqueueRequestOverwritesSameMessageID(t *testing.T) {
	sender := &recordingSender{}
	mac := sedTestMAC(t)
	sw := NewSwitch(mac, sender)

	sw.EnqueueRequest(proto.PingRequest{MAC: mac}, proto.IDPingResponse, func(correlator.Result) {})
	sw.EnqueueRequest(proto.PingRequest{MAC: mac}, proto.IDPingResponse, func(correlator.Result) {})

	if len(sw.pending) != 1 {
		t.Fatalf("got %d pending entries, want 1 (second enqueue should overwrite)", len(sw.pending))
	}
}

func TestOnAwakeDrainsOnlyWhenActionable(t *testing.T) {
	sender := &recordingSender{}
	mac := sedTestMAC(t)
	sw := NewSwitch(mac, sender)
	sw.EnqueueRequest(proto.PingRequest{MAC: mac}, proto.IDPingResponse, func(correlator.Result) {})

	sw.OnAwake(proto.AwakeReason(99)) // not actionable (unknown reason)
	if sender.count() != 0 {
		t.Fatalf("non-actionable awake drained %d requests, want 0", sender.count())
	}
	if len(sw.pending) != 1 {
		t.Fatalf("non-actionable awake cleared pending, want it untouched")
	}

	sw.OnAwake(proto.AwakeMaintenance)
	if sender.count() != 1 {
		t.Fatalf("actionable awake drained %d requests, want 1", sender.count())
	}
	if len(sw.pending) != 0 {
		t.Fatalf("pending not cleared after drain")
	}
	if !sw.IsAvailable() {
		t.Fatal("node should be marked available after waking")
	}
}

func TestScanMotionFiresOnlyOnTransition(t *testing.T) {
	sender := &recordingSender{}
	mac := sedTestMAC(t)
	scan := NewScan(mac, sender)

	var events []Event
	scan.Subscribe(SensorMotion, func(e Event) { events = append(events, e) })

	scan.HandleSwitchGroupResponse(proto.NodeSwitchGroupResponse{MAC: mac, PowerState: 1})
	scan.HandleSwitchGroupResponse(proto.NodeSwitchGroupResponse{MAC: mac, PowerState: 1}) // repeat, no transition
	scan.HandleSwitchGroupResponse(proto.NodeSwitchGroupResponse{MAC: mac, PowerState: 0})

	if len(events) != 2 {
		t.Fatalf("got %d motion events, want 2 (on then off)", len(events))
	}
	if !events[0].MotionOn || events[1].MotionOn {
		t.Fatalf("got events %+v, want on then off", events)
	}
}

func TestSenseReportUnknownSentinel(t *testing.T) {
	sender := &recordingSender{}
	mac := sedTestMAC(t)
	sense := NewSense(mac, sender)

	var got Event
	sense.Subscribe(SensorClimate, func(e Event) { got = e })
	sense.HandleSenseReport(proto.SenseReportResponse{MAC: mac, RawTemperature: 0xFFFF, RawHumidity: 0xFFFF})

	if got.Climate.TemperatureKnown || got.Climate.HumidityKnown {
		t.Fatal("0xFFFF sentinel should report unknown temperature and humidity")
	}
}

func TestConfigureSleepQueuesUntilAwake(t *testing.T) {
	sender := &recordingSender{}
	mac := sedTestMAC(t)
	sw := NewSwitch(mac, sender)

	sw.ConfigureSleep(0, 0, 0)

	if sender.count() != 0 {
		t.Fatalf("got %d immediate submissions, want 0 (config should queue)", sender.count())
	}
	e, ok := sw.pending[proto.IDSedSleepConfigRequest]
	if !ok {
		t.Fatal("expected a queued sleep-config request")
	}
	req := e.req.(proto.SedSleepConfigRequest)
	if req.WakeUpDurationSecs != int(SedStayActive.Seconds()) ||
		req.SleepSecs != int(SedSleepFor.Seconds()) ||
		req.WakeUpIntervalMin != int(SedMaintenanceInterval.Minutes()) {
		t.Fatalf("zero arguments should apply the defaults, got %+v", req)
	}

	sw.OnAwake(proto.AwakeMaintenance)
	if sender.count() != 1 {
		t.Fatalf("awake drained %d requests, want 1", sender.count())
	}
}

func TestScanConfigureAppliesDefaults(t *testing.T) {
	sender := &recordingSender{}
	mac := sedTestMAC(t)
	scan := NewScan(mac, sender)

	scan.Configure(0, 0, false)

	e, ok := scan.pending[proto.IDScanConfigureRequest]
	if !ok {
		t.Fatal("expected a queued scan-configure request")
	}
	req := e.req.(proto.ScanConfigureRequest)
	if req.Sensitivity != proto.ScanSensitivityMedium {
		t.Fatalf("got sensitivity %#x, want medium (%#x)", req.Sensitivity, proto.ScanSensitivityMedium)
	}
	if req.ResetTimerMinutes != int(ScanMotionResetTimer.Minutes()) {
		t.Fatalf("got reset timer %d, want %d", req.ResetTimerMinutes, int(ScanMotionResetTimer.Minutes()))
	}
}

func TestStealthDiscardsPreCalibrationSample(t *testing.T) {
	sender := &recordingSender{}
	mac := sedTestMAC(t)
	st := NewStealth(mac, sender)

	var fired bool
	st.Subscribe(SensorPower, func(Event) { fired = true })
	st.HandlePowerUsageResponse(proto.CirclePowerUsageResponse{MAC: mac, Pulse1s: 100, Pulse8s: 800})

	if fired {
		t.Fatal("power event fired before calibration arrived")
	}
	// A Stealth is a SED: the calibration re-request is queued for its
	// next awake, not transmitted immediately.
	if sender.count() != 0 {
		t.Fatalf("got %d immediate submissions, want 0 (request should queue)", sender.count())
	}
	if _, ok := st.pending[proto.IDCircleCalibrationRequest]; !ok {
		t.Fatal("expected a queued calibration re-request")
	}
}
