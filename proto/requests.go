// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package proto

import (
	"time"

	"github.com/rob-gra/go-plugwise/wire"
)

// Request is anything the controller can hand to the correlator for
// transmission. Encode returns the full hex-ASCII payload that follows
// MessageId|SequenceId in the frame -- ordinary requests place the MAC
// first, exceptional ones (noted per type) place it elsewhere.
type Request interface {
	MessageID() wire.MessageID
	Encode() []byte
}

// encodeMacFirst is the common case: Payload = MAC | args.
func encodeMacFirst(mac wire.MacAddress, args ...[]byte) []byte {
	w := wire.NewWriter()
	w.PutMAC(mac)
	for _, a := range args {
		w.PutBytes(a)
	}
	return w.Bytes()
}

// StickInitRequest initializes the USB stick. It carries no MAC.
type StickInitRequest struct{}

func (StickInitRequest) MessageID() wire.MessageID { return IDStickInitRequest }
func (StickInitRequest) Encode() []byte            { return nil }

// NodeInfoRequest asks a node for its status/type.
type NodeInfoRequest struct{ MAC wire.MacAddress }

func (r NodeInfoRequest) MessageID() wire.MessageID { return IDNodeInfoRequest }
func (r NodeInfoRequest) Encode() []byte            { return encodeMacFirst(r.MAC) }

// NodeFeaturesRequest asks a node for its supported-feature bitmask.
type NodeFeaturesRequest struct{ MAC wire.MacAddress }

func (r NodeFeaturesRequest) MessageID() wire.MessageID { return IDNodeFeaturesRequest }
func (r NodeFeaturesRequest) Encode() []byte            { return encodeMacFirst(r.MAC) }

// PingRequest is a cheap availability probe.
type PingRequest struct{ MAC wire.MacAddress }

func (r PingRequest) MessageID() wire.MessageID { return IDPingRequest }
func (r PingRequest) Encode() []byte            { return encodeMacFirst(r.MAC) }

// CircleScanRequest probes one coordinator memory slot (0..63) for a
// linked node's MAC.
type CircleScanRequest struct {
	MAC     wire.MacAddress // coordinator MAC
	Address int
}

func (r CircleScanRequest) MessageID() wire.MessageID { return IDCircleScanRequest }
func (r CircleScanRequest) Encode() []byte {
	w := wire.NewWriter()
	w.PutMAC(r.MAC)
	w.PutInt(uint64(r.Address), 2)
	return w.Bytes()
}

// CircleCalibrationRequest asks for the power-calibration constants.
type CircleCalibrationRequest struct{ MAC wire.MacAddress }

func (r CircleCalibrationRequest) MessageID() wire.MessageID { return IDCircleCalibrationRequest }
func (r CircleCalibrationRequest) Encode() []byte            { return encodeMacFirst(r.MAC) }

// CirclePowerUsageRequest asks for the current pulse counters.
type CirclePowerUsageRequest struct{ MAC wire.MacAddress }

func (r CirclePowerUsageRequest) MessageID() wire.MessageID { return IDCirclePowerUsageRequest }
func (r CirclePowerUsageRequest) Encode() []byte            { return encodeMacFirst(r.MAC) }

// CircleSwitchRelayRequest turns the relay on or off.
type CircleSwitchRelayRequest struct {
	MAC wire.MacAddress
	On  bool
}

func (r CircleSwitchRelayRequest) MessageID() wire.MessageID { return IDCircleSwitchRelayRequest }
func (r CircleSwitchRelayRequest) Encode() []byte {
	w := wire.NewWriter()
	w.PutMAC(r.MAC)
	w.PutInt(boolToUint(r.On), 2)
	return w.Bytes()
}

// CirclePowerBufferRequest asks for the four hourly samples at a given
// historical log address.
type CirclePowerBufferRequest struct {
	MAC        wire.MacAddress
	LogAddress int
}

func (r CirclePowerBufferRequest) MessageID() wire.MessageID { return IDCirclePowerBufferRequest }
func (r CirclePowerBufferRequest) Encode() []byte {
	w := wire.NewWriter()
	w.PutMAC(r.MAC)
	w.PutLogAddr(r.LogAddress)
	return w.Bytes()
}

// CircleClockGetRequest asks a Circle/Circle+ for its internal clock.
type CircleClockGetRequest struct{ MAC wire.MacAddress }

func (r CircleClockGetRequest) MessageID() wire.MessageID { return IDCircleClockGetRequest }
func (r CircleClockGetRequest) Encode() []byte            { return encodeMacFirst(r.MAC) }

// CircleClockSetRequest corrects a Circle/Circle+'s internal clock.
type CircleClockSetRequest struct {
	MAC wire.MacAddress
	At  time.Time
}

func (r CircleClockSetRequest) MessageID() wire.MessageID { return IDCircleClockSetRequest }
func (r CircleClockSetRequest) Encode() []byte {
	at := r.At.UTC()
	w := wire.NewWriter()
	w.PutMAC(r.MAC)
	w.PutBytes(wire.PutDateTime(at))
	w.PutInt(0xFFFFFFFF, 8) // last-log-address placeholder, unused on set
	w.PutTime(wire.ClockTime{Hour: at.Hour(), Minute: at.Minute(), Second: at.Second()})
	w.PutInt(uint64(weekday0Monday(at)), 2)
	return w.Bytes()
}

// CoordinatorRealTimeClockGetRequest asks the coordinator for its RTC.
type CoordinatorRealTimeClockGetRequest struct{ MAC wire.MacAddress }

func (r CoordinatorRealTimeClockGetRequest) MessageID() wire.MessageID {
	return IDCoordinatorRTCGetRequest
}
func (r CoordinatorRealTimeClockGetRequest) Encode() []byte { return encodeMacFirst(r.MAC) }

// CoordinatorRealTimeClockSetRequest corrects the coordinator's RTC.
type CoordinatorRealTimeClockSetRequest struct {
	MAC wire.MacAddress
	At  time.Time
}

func (r CoordinatorRealTimeClockSetRequest) MessageID() wire.MessageID {
	return IDCoordinatorRTCSetRequest
}
func (r CoordinatorRealTimeClockSetRequest) Encode() []byte {
	at := r.At.UTC()
	w := wire.NewWriter()
	w.PutMAC(r.MAC)
	w.PutRealClockTime(wire.ClockTime{Hour: at.Hour(), Minute: at.Minute(), Second: at.Second()})
	w.PutInt(uint64(weekday0Monday(at)), 2)
	w.PutRealClockDate(wire.RealClockDate{Day: at.Day(), Month: int(at.Month()), Year: at.Year()})
	return w.Bytes()
}

// SedSleepConfigRequest configures a sleeping end device's wake cadence.
type SedSleepConfigRequest struct {
	MAC                wire.MacAddress
	WakeUpDurationSecs int
	SleepSecs          int
	WakeUpIntervalMin  int
}

func (r SedSleepConfigRequest) MessageID() wire.MessageID { return IDSedSleepConfigRequest }
func (r SedSleepConfigRequest) Encode() []byte {
	w := wire.NewWriter()
	w.PutMAC(r.MAC)
	w.PutInt(uint64(r.WakeUpDurationSecs), 2)
	w.PutInt(uint64(r.SleepSecs), 4)
	w.PutInt(uint64(r.WakeUpIntervalMin), 4)
	w.PutInt(0, 6) // undocumented trailing field; transmit zero
	return w.Bytes()
}

// ScanConfigureRequest sets a Scan node's motion-reporting behavior.
type ScanConfigureRequest struct {
	MAC               wire.MacAddress
	ResetTimerMinutes int
	Sensitivity       ScanSensitivity
	DaylightMode      bool
}

func (r ScanConfigureRequest) MessageID() wire.MessageID { return IDScanConfigureRequest }
func (r ScanConfigureRequest) Encode() []byte {
	w := wire.NewWriter()
	w.PutMAC(r.MAC)
	w.PutInt(uint64(r.Sensitivity), 2)
	w.PutInt(boolToUint(r.DaylightMode), 2)
	w.PutInt(uint64(r.ResetTimerMinutes), 2)
	return w.Bytes()
}

// ScanLightCalibrateRequest calibrates a Scan's ambient-light sensor.
type ScanLightCalibrateRequest struct{ MAC wire.MacAddress }

func (r ScanLightCalibrateRequest) MessageID() wire.MessageID { return IDScanLightCalibrate }
func (r ScanLightCalibrateRequest) Encode() []byte            { return encodeMacFirst(r.MAC) }

// CoordinatorConnectRequest pairs the stick with a coordinator.
// Exceptional layout: the MAC follows the payload rather than leading it.
// The two leading fields are undocumented upstream; transmit zero.
type CoordinatorConnectRequest struct {
	MAC wire.MacAddress
}

func (r CoordinatorConnectRequest) MessageID() wire.MessageID { return IDCoordinatorConnectRequest }
func (r CoordinatorConnectRequest) Encode() []byte {
	w := wire.NewWriter()
	w.PutInt(0, 2)
	w.PutInt(0, 2)
	w.PutMAC(r.MAC)
	return w.Bytes()
}

// NodeAddRequest informs the coordinator a node is (or is not) accepted
// into the network. Exceptional layout: the MAC follows the payload
// rather than leading it.
type NodeAddRequest struct {
	MAC    wire.MacAddress
	Accept bool
}

func (r NodeAddRequest) MessageID() wire.MessageID { return IDNodeAddRequest }
func (r NodeAddRequest) Encode() []byte {
	w := wire.NewWriter()
	w.PutInt(boolToUint(r.Accept), 2)
	w.PutMAC(r.MAC)
	return w.Bytes()
}

// NodeRemoveRequest asks the coordinator to forget macToUnjoin.
type NodeRemoveRequest struct {
	CoordinatorMAC wire.MacAddress
	MACToUnjoin    wire.MacAddress
}

func (r NodeRemoveRequest) MessageID() wire.MessageID { return IDNodeRemoveRequest }
func (r NodeRemoveRequest) Encode() []byte {
	w := wire.NewWriter()
	w.PutMAC(r.CoordinatorMAC)
	w.PutMAC(r.MACToUnjoin)
	return w.Bytes()
}

// NodeAllowJoiningRequest enables or disables accepting join requests
// from unjoined nodes. Carries no MAC. The payload bits beyond
// enable/disable are undocumented upstream; transmit zero.
type NodeAllowJoiningRequest struct{ Enable bool }

func (NodeAllowJoiningRequest) MessageID() wire.MessageID { return IDNodeAllowJoiningRequest }
func (r NodeAllowJoiningRequest) Encode() []byte {
	w := wire.NewWriter()
	w.PutInt(boolToUint(r.Enable), 2)
	return w.Bytes()
}

func boolToUint(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// weekday0Monday returns Go's time.Weekday remapped so Monday=0, matching
// Python's datetime.weekday() convention used by the source device
// firmware's day_of_week field.
func weekday0Monday(t time.Time) int {
	wd := int(t.Weekday()) // Sunday=0 .. Saturday=6
	return (wd + 6) % 7
}
