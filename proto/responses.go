// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package proto

import (
	"time"

	"github.com/rob-gra/go-plugwise/wire"
)

// Response is anything the parser can hand the correlator after decoding
// a full (non-ack) frame.
type Response interface {
	MessageID() wire.MessageID
}

// StickInitResponse reports the stick's online state and the
// coordinator's (zeroed) MAC.
type StickInitResponse struct {
	NetworkOnline bool
	CirclePlusMAC wire.MacAddress // as reported, NOT yet normalized; see wire.NormalizeCoordinatorMAC
	NetworkID     uint64
}

func (StickInitResponse) MessageID() wire.MessageID { return IDStickInitResponse }

// DecodeStickInitResponse decodes a stick-init response payload (MAC
// excluded -- the stick sends no MAC of its own on this message).
func DecodeStickInitResponse(payload []byte) (StickInitResponse, error) {
	r := wire.NewReader(payload)
	if _, err := r.Int(2); err != nil { // unknown1, undocumented: ignore
		return StickInitResponse{}, err
	}
	online, err := r.Int(2)
	if err != nil {
		return StickInitResponse{}, err
	}
	mac, err := r.MAC()
	if err != nil {
		return StickInitResponse{}, err
	}
	networkID, err := r.Int(4)
	if err != nil {
		return StickInitResponse{}, err
	}
	if _, err := r.Int(2); err != nil { // unknown2, undocumented: ignore
		return StickInitResponse{}, err
	}
	return StickInitResponse{
		NetworkOnline: online == 1,
		CirclePlusMAC: mac,
		NetworkID:     networkID,
	}, nil
}

// NodeInfoResponse reports a node's identity and basic health.
type NodeInfoResponse struct {
	MAC           wire.MacAddress
	DateTime      time.Time
	DateTimeKnown bool
	LastLogAddr   int
	RelayOn       bool
	Hertz         int
	HWVersion     string
	FWBuildDate   time.Time
	NodeType      NodeType
}

func (NodeInfoResponse) MessageID() wire.MessageID { return IDNodeInfoResponse }

func DecodeNodeInfoResponse(mac wire.MacAddress, payload []byte) (NodeInfoResponse, error) {
	r := wire.NewReader(payload)
	dt, ok, err := r.DateTime()
	if err != nil {
		return NodeInfoResponse{}, err
	}
	logAddr, err := r.LogAddr()
	if err != nil {
		return NodeInfoResponse{}, err
	}
	relay, err := r.Int(2)
	if err != nil {
		return NodeInfoResponse{}, err
	}
	hz, err := r.Int(2)
	if err != nil {
		return NodeInfoResponse{}, err
	}
	hw, err := r.RawHex(12)
	if err != nil {
		return NodeInfoResponse{}, err
	}
	fw, err := r.UnixTimestamp()
	if err != nil {
		return NodeInfoResponse{}, err
	}
	nt, err := r.Int(2)
	if err != nil {
		return NodeInfoResponse{}, err
	}
	return NodeInfoResponse{
		MAC:           mac,
		DateTime:      dt,
		DateTimeKnown: ok,
		LastLogAddr:   logAddr,
		RelayOn:       relay == 1,
		Hertz:         int(hz),
		HWVersion:     string(hw),
		FWBuildDate:   fw,
		NodeType:      NodeTypeFromWire(nt),
	}, nil
}

// PingResponse carries round-trip signal-strength and latency figures.
type PingResponse struct {
	MAC     wire.MacAddress
	InRSSI  int
	OutRSSI int
	PingMS  int
}

func (PingResponse) MessageID() wire.MessageID { return IDPingResponse }

func DecodePingResponse(mac wire.MacAddress, payload []byte) (PingResponse, error) {
	r := wire.NewReader(payload)
	in, err := r.Int(2)
	if err != nil {
		return PingResponse{}, err
	}
	out, err := r.Int(2)
	if err != nil {
		return PingResponse{}, err
	}
	ms, err := r.Int(4)
	if err != nil {
		return PingResponse{}, err
	}
	return PingResponse{MAC: mac, InRSSI: int(in), OutRSSI: int(out), PingMS: int(ms)}, nil
}

// CircleScanResponse reports the MAC (possibly all-ones/empty) linked at
// one coordinator memory slot.
type CircleScanResponse struct {
	CoordinatorMAC wire.MacAddress
	NodeMAC        wire.MacAddress
	NodeAddress    int
}

func (CircleScanResponse) MessageID() wire.MessageID { return IDCircleScanResponse }

func DecodeCircleScanResponse(coordinator wire.MacAddress, payload []byte) (CircleScanResponse, error) {
	r := wire.NewReader(payload)
	nodeMACRaw, err := r.RawHex(16)
	if err != nil {
		return CircleScanResponse{}, err
	}
	nodeMAC, err := wire.ParseMAC([]byte(toUpperHex(nodeMACRaw)))
	if err != nil {
		return CircleScanResponse{}, err
	}
	addr, err := r.Int(2)
	if err != nil {
		return CircleScanResponse{}, err
	}
	return CircleScanResponse{CoordinatorMAC: coordinator, NodeMAC: nodeMAC, NodeAddress: int(addr)}, nil
}

// CircleCalibrationResponse carries the power-law calibration constants.
type CircleCalibrationResponse struct {
	MAC                              wire.MacAddress
	GainA, GainB, OffTotal, OffNoise float32
}

func (CircleCalibrationResponse) MessageID() wire.MessageID { return IDCircleCalibrationResponse }

func DecodeCircleCalibrationResponse(mac wire.MacAddress, payload []byte) (CircleCalibrationResponse, error) {
	r := wire.NewReader(payload)
	ga, err := r.Float()
	if err != nil {
		return CircleCalibrationResponse{}, err
	}
	gb, err := r.Float()
	if err != nil {
		return CircleCalibrationResponse{}, err
	}
	ot, err := r.Float()
	if err != nil {
		return CircleCalibrationResponse{}, err
	}
	on, err := r.Float()
	if err != nil {
		return CircleCalibrationResponse{}, err
	}
	return CircleCalibrationResponse{MAC: mac, GainA: ga, GainB: gb, OffTotal: ot, OffNoise: on}, nil
}

// CirclePowerUsageResponse carries raw pulse counters for several
// timeframes, before any calibration math is applied.
type CirclePowerUsageResponse struct {
	MAC               wire.MacAddress
	Pulse1s, Pulse8s  int64
	PulseHourConsumed int64
	PulseHourProduced int64
	NanosecondOffset  int64
}

func (CirclePowerUsageResponse) MessageID() wire.MessageID { return IDCirclePowerUsageResponse }

func DecodeCirclePowerUsageResponse(mac wire.MacAddress, payload []byte) (CirclePowerUsageResponse, error) {
	r := wire.NewReader(payload)
	p1, err := signedInt(r, 4)
	if err != nil {
		return CirclePowerUsageResponse{}, err
	}
	p8, err := signedInt(r, 4)
	if err != nil {
		return CirclePowerUsageResponse{}, err
	}
	consumed, err := signedInt(r, 8)
	if err != nil {
		return CirclePowerUsageResponse{}, err
	}
	produced, err := signedInt(r, 8)
	if err != nil {
		return CirclePowerUsageResponse{}, err
	}
	ns, err := signedInt(r, 4)
	if err != nil {
		return CirclePowerUsageResponse{}, err
	}
	return CirclePowerUsageResponse{
		MAC: mac, Pulse1s: p1, Pulse8s: p8,
		PulseHourConsumed: consumed, PulseHourProduced: produced,
		NanosecondOffset: ns,
	}, nil
}

// CirclePowerBufferResponse carries 4 hourly samples plus the log
// address they came from.
type CirclePowerBufferResponse struct {
	MAC        wire.MacAddress
	Samples    [4]PowerBufferSample
	LogAddress int
}

// PowerBufferSample pairs an hourly timestamp (possibly unknown) with its
// pulse count.
type PowerBufferSample struct {
	At      time.Time
	AtKnown bool
	Pulses  int64
}

func (CirclePowerBufferResponse) MessageID() wire.MessageID { return IDCirclePowerBufferResponse }

func DecodeCirclePowerBufferResponse(mac wire.MacAddress, payload []byte) (CirclePowerBufferResponse, error) {
	r := wire.NewReader(payload)
	var out CirclePowerBufferResponse
	out.MAC = mac
	for i := 0; i < 4; i++ {
		at, ok, err := r.DateTime()
		if err != nil {
			return CirclePowerBufferResponse{}, err
		}
		pulses, err := signedInt(r, 8)
		if err != nil {
			return CirclePowerBufferResponse{}, err
		}
		out.Samples[i] = PowerBufferSample{At: at, AtKnown: ok, Pulses: pulses}
	}
	addr, err := r.LogAddr()
	if err != nil {
		return CirclePowerBufferResponse{}, err
	}
	out.LogAddress = addr
	return out, nil
}

// CircleClockResponse reports a Circle/Circle+'s internal clock. The two
// trailing fields are undocumented upstream; decoded but ignored.
type CircleClockResponse struct {
	MAC       wire.MacAddress
	Time      wire.ClockTime
	DayOfWeek int
}

func (CircleClockResponse) MessageID() wire.MessageID { return IDCircleClockResponse }

func DecodeCircleClockResponse(mac wire.MacAddress, payload []byte) (CircleClockResponse, error) {
	r := wire.NewReader(payload)
	t, err := r.Time()
	if err != nil {
		return CircleClockResponse{}, err
	}
	dow, err := r.Int(2)
	if err != nil {
		return CircleClockResponse{}, err
	}
	if _, err := r.Int(2); err != nil { // unknown, undocumented: ignore
		return CircleClockResponse{}, err
	}
	if _, err := r.Int(4); err != nil { // unknown2, undocumented: ignore
		return CircleClockResponse{}, err
	}
	return CircleClockResponse{MAC: mac, Time: t, DayOfWeek: int(dow)}, nil
}

// CoordinatorRealTimeClockResponse reports the coordinator's RTC.
type CoordinatorRealTimeClockResponse struct {
	MAC       wire.MacAddress
	Time      wire.ClockTime
	DayOfWeek int
	Date      wire.RealClockDate
}

func (CoordinatorRealTimeClockResponse) MessageID() wire.MessageID { return IDCoordinatorRTCResponse }

func DecodeCoordinatorRealTimeClockResponse(mac wire.MacAddress, payload []byte) (CoordinatorRealTimeClockResponse, error) {
	r := wire.NewReader(payload)
	t, err := r.RealClockTime()
	if err != nil {
		return CoordinatorRealTimeClockResponse{}, err
	}
	dow, err := r.Int(2)
	if err != nil {
		return CoordinatorRealTimeClockResponse{}, err
	}
	d, err := r.RealClockDate()
	if err != nil {
		return CoordinatorRealTimeClockResponse{}, err
	}
	return CoordinatorRealTimeClockResponse{MAC: mac, Time: t, DayOfWeek: int(dow), Date: d}, nil
}

// CircleSwitchRelayResponse is the 0099 response for a relay toggle. It
// uses the exceptional layout where the MAC follows the relay-state
// field instead of the usual MAC-first convention, so the parser passes
// the whole payload, MAC included, to DecodeCircleSwitchRelayResponse.
type CircleSwitchRelayResponse struct {
	MAC     wire.MacAddress
	RelayOn bool
}

func (CircleSwitchRelayResponse) MessageID() wire.MessageID { return IDCircleSwitchRelayResponse }

// NodeRemoveResponse confirms (or denies) a node being forgotten.
type NodeRemoveResponse struct {
	MACRemoved wire.MacAddress
	Success    bool
}

func (NodeRemoveResponse) MessageID() wire.MessageID { return IDNodeRemoveResponse }

func DecodeNodeRemoveResponse(coordinatorMAC wire.MacAddress, payload []byte) (NodeRemoveResponse, error) {
	r := wire.NewReader(payload)
	mac, err := r.MAC()
	if err != nil {
		return NodeRemoveResponse{}, err
	}
	status, err := r.Int(2)
	if err != nil {
		return NodeRemoveResponse{}, err
	}
	return NodeRemoveResponse{MACRemoved: mac, Success: status == 0}, nil
}

// SenseReportResponse carries raw temperature/humidity readings.
type SenseReportResponse struct {
	MAC            wire.MacAddress
	RawTemperature uint64
	RawHumidity    uint64
}

func (SenseReportResponse) MessageID() wire.MessageID { return IDSenseReportResponse }

func DecodeSenseReportResponse(mac wire.MacAddress, payload []byte) (SenseReportResponse, error) {
	r := wire.NewReader(payload)
	temp, err := r.Int(4)
	if err != nil {
		return SenseReportResponse{}, err
	}
	hum, err := r.Int(4)
	if err != nil {
		return SenseReportResponse{}, err
	}
	return SenseReportResponse{MAC: mac, RawTemperature: temp, RawHumidity: hum}, nil
}

// Temperature converts the raw 16-bit reading to degrees Celsius.
// raw == 0xFFFF means "no reading".
func (s SenseReportResponse) Temperature() (celsius float64, ok bool) {
	if s.RawTemperature == 0xFFFF {
		return 0, false
	}
	return 175.72*(float64(s.RawTemperature)/65536) - 46.85, true
}

// Humidity converts the raw 16-bit reading to relative humidity percent.
// raw == 0xFFFF means "no reading".
func (s SenseReportResponse) Humidity() (percent float64, ok bool) {
	if s.RawHumidity == 0xFFFF {
		return 0, false
	}
	return 125*(float64(s.RawHumidity)/65536) - 6, true
}

// NodeAwakeResponse is the unsolicited message a SED sends when it wakes;
// it always carries sequence id wire.SeqSedAwake.
type NodeAwakeResponse struct {
	MAC       wire.MacAddress
	AwakeType AwakeReason
}

func (NodeAwakeResponse) MessageID() wire.MessageID { return IDSedAwakeResponse }

func DecodeNodeAwakeResponse(mac wire.MacAddress, payload []byte) (NodeAwakeResponse, error) {
	r := wire.NewReader(payload)
	v, err := r.Int(2)
	if err != nil {
		return NodeAwakeResponse{}, err
	}
	return NodeAwakeResponse{MAC: mac, AwakeType: ParseAwakeReason(v)}, nil
}

// NodeJoinAvailableResponse announces an unjoined node asking to join.
type NodeJoinAvailableResponse struct{ MAC wire.MacAddress }

func (NodeJoinAvailableResponse) MessageID() wire.MessageID { return IDNodeJoinAvailable }

// NodeJoinAckResponse confirms a node (re)joined; always sequence id
// wire.SeqJoinAck.
type NodeJoinAckResponse struct{ MAC wire.MacAddress }

func (NodeJoinAckResponse) MessageID() wire.MessageID { return IDNodeJoinAck }

// NodeSwitchGroupResponse reports a Scan's virtual switch-group state
// change; always sequence id wire.SeqSwitchGrp.
type NodeSwitchGroupResponse struct {
	MAC        wire.MacAddress
	Group      int
	PowerState int
}

func (NodeSwitchGroupResponse) MessageID() wire.MessageID { return IDSwitchGroupResponse }

func DecodeNodeSwitchGroupResponse(mac wire.MacAddress, payload []byte) (NodeSwitchGroupResponse, error) {
	r := wire.NewReader(payload)
	g, err := r.Int(2)
	if err != nil {
		return NodeSwitchGroupResponse{}, err
	}
	ps, err := r.Int(2)
	if err != nil {
		return NodeSwitchGroupResponse{}, err
	}
	return NodeSwitchGroupResponse{MAC: mac, Group: int(g), PowerState: int(ps)}, nil
}

// NodeFeaturesResponse reports a node's supported-feature bitmask.
type NodeFeaturesResponse struct {
	MAC      wire.MacAddress
	Features uint64
}

func (NodeFeaturesResponse) MessageID() wire.MessageID { return IDNodeFeaturesResponse }

func DecodeNodeFeaturesResponse(mac wire.MacAddress, payload []byte) (NodeFeaturesResponse, error) {
	r := wire.NewReader(payload)
	f, err := r.Int(16)
	if err != nil {
		return NodeFeaturesResponse{}, err
	}
	return NodeFeaturesResponse{MAC: mac, Features: f}, nil
}

// CoordinatorQueryResponse carries the coordinator's answer to one probe
// while the stick<->coordinator link is being established;
// CoordinatorQueryEndResponse closes the probe sequence with a status
// word.
type CoordinatorQueryResponse struct {
	MAC wire.MacAddress
}

func (CoordinatorQueryResponse) MessageID() wire.MessageID { return IDCoordinatorQueryResponse }

type CoordinatorQueryEndResponse struct {
	MAC    wire.MacAddress
	Status uint64
}

func (CoordinatorQueryEndResponse) MessageID() wire.MessageID { return IDCoordinatorQueryEndResponse }

func DecodeCoordinatorQueryEndResponse(mac wire.MacAddress, payload []byte) (CoordinatorQueryEndResponse, error) {
	r := wire.NewReader(payload)
	status, err := r.Int(2)
	if err != nil {
		return CoordinatorQueryEndResponse{}, err
	}
	return CoordinatorQueryEndResponse{MAC: mac, Status: status}, nil
}

type CoordinatorConnectResponse struct {
	MAC      wire.MacAddress
	Existing bool
	Allowed  bool
}

func (CoordinatorConnectResponse) MessageID() wire.MessageID { return IDCoordinatorConnectResponse }

func DecodeCoordinatorConnectResponse(mac wire.MacAddress, payload []byte) (CoordinatorConnectResponse, error) {
	r := wire.NewReader(payload)
	existing, err := r.Int(2)
	if err != nil {
		return CoordinatorConnectResponse{}, err
	}
	allowed, err := r.Int(2)
	if err != nil {
		return CoordinatorConnectResponse{}, err
	}
	return CoordinatorConnectResponse{MAC: mac, Existing: existing == 1, Allowed: allowed == 1}, nil
}

// AckResponse is the small/large ack frame: a sub-code, optionally paired
// with the MAC it concerns (large ack only).
type AckResponse struct {
	Code   AckCode
	MAC    wire.MacAddress // empty for a small ack
	HasMAC bool
}

func (AckResponse) MessageID() wire.MessageID { return IDAck }

// NodeAckResponse is the full-message acknowledgement (id 0100) SED-family
// requests resolve with: the node's MAC plus an ack sub-code
// (e.g. AckScanConfigAccepted, AckSenseReportAccepted).
type NodeAckResponse struct {
	MAC  wire.MacAddress
	Code AckCode
}

func (NodeAckResponse) MessageID() wire.MessageID { return IDNodeAckResponse }

func DecodeNodeAckResponse(mac wire.MacAddress, payload []byte) (NodeAckResponse, error) {
	r := wire.NewReader(payload)
	code, err := r.Int(4)
	if err != nil {
		return NodeAckResponse{}, err
	}
	return NodeAckResponse{MAC: mac, Code: AckCode(code)}, nil
}

func toUpperHex(b []byte) string {
	const hexDigits = "0123456789ABCDEF"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexDigits[c>>4]
		out[i*2+1] = hexDigits[c&0xF]
	}
	return string(out)
}

// signedInt decodes a width-hex-char field where the upstream firmware's
// sentinel -1 ("below measurement noise") is represented as the all-Fs
// bit pattern for that width.
func signedInt(r *wire.Reader, width int) (int64, error) {
	v, err := r.Int(width)
	if err != nil {
		return 0, err
	}
	allOnes := uint64(1)<<(uint(width)*4) - 1
	if v == allOnes {
		return -1, nil
	}
	return int64(v), nil
}
