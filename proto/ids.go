// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

// Package proto is the message catalog: every request/response type the
// stick speaks, tagged by its 4-hex-char MessageID, the way asdu.TypeID
// tags IEC-104 application service data units.
package proto

import "github.com/rob-gra/go-plugwise/wire"

// MessageID values. Requests and their paired responses share a section
// comment; ack variants are listed under the id they all reuse (0000).
const (
	// Stick / coordinator lifecycle
	IDStickInitRequest              wire.MessageID = "000A"
	IDStickInitResponse             wire.MessageID = "0011"
	IDCoordinatorConnectRequest     wire.MessageID = "0004"
	IDCoordinatorConnectResponse    wire.MessageID = "0005"
	IDCoordinatorQueryEndResponse   wire.MessageID = "0003"
	IDCoordinatorQueryResponse      wire.MessageID = "0002"
	IDCoordinatorRTCGetRequest      wire.MessageID = "0029"
	IDCoordinatorRTCSetRequest      wire.MessageID = "0028"
	IDCoordinatorRTCResponse        wire.MessageID = "003A"

	// Node lifecycle / membership
	IDNodeAddRequest          wire.MessageID = "0007"
	IDNodeAllowJoiningRequest wire.MessageID = "0008"
	IDNodeRemoveRequest       wire.MessageID = "001C"
	IDNodeRemoveResponse      wire.MessageID = "001D"
	IDNodeInfoRequest         wire.MessageID = "0023"
	IDNodeInfoResponse        wire.MessageID = "0024"
	IDNodeJoinAvailable       wire.MessageID = "0006"
	IDNodeJoinAck             wire.MessageID = "0061"
	IDNodeFeaturesRequest     wire.MessageID = "005F"
	IDNodeFeaturesResponse    wire.MessageID = "0060"

	// Availability / ping
	IDPingRequest  wire.MessageID = "000D"
	IDPingResponse wire.MessageID = "000E"

	// Circle / Circle+ power and relay
	IDCircleCalibrationRequest  wire.MessageID = "0026"
	IDCircleCalibrationResponse wire.MessageID = "0027"
	IDCirclePowerUsageRequest   wire.MessageID = "0012"
	IDCirclePowerUsageResponse  wire.MessageID = "0013"
	IDCirclePowerBufferRequest  wire.MessageID = "0048"
	IDCirclePowerBufferResponse wire.MessageID = "0049"
	IDCircleSwitchRelayRequest  wire.MessageID = "0017"
	IDCircleSwitchRelayResponse wire.MessageID = "0099"
	IDCircleClockGetRequest     wire.MessageID = "003E"
	IDCircleClockSetRequest     wire.MessageID = "0016"
	IDCircleClockResponse       wire.MessageID = "003F"
	IDCircleScanRequest         wire.MessageID = "0018"
	IDCircleScanResponse        wire.MessageID = "0019"

	// SED family
	IDSedSleepConfigRequest wire.MessageID = "0050"
	IDSedAwakeResponse      wire.MessageID = "004F"
	IDScanConfigureRequest  wire.MessageID = "0101"
	IDScanLightCalibrate    wire.MessageID = "0102"
	IDSenseReportResponse   wire.MessageID = "0105"
	IDSwitchGroupResponse   wire.MessageID = "0056"
	IDNodeAckResponse       wire.MessageID = "0100"

	// Acks: all share id 0000, disambiguated by footer offset at parse time.
	IDAck wire.MessageID = "0000"
)

// AckCode is the 4-char decimal sub-code carried inside an ack frame.
type AckCode uint16

// Ack sub-codes. SUCCESS is an intermediate "request accepted" signal;
// TIMEOUT/ERROR/NACK_ON_OFF are terminal-for-retry; the rest are
// terminal-success and close the owning request.
const (
	AckSuccess             AckCode = 193
	AckError               AckCode = 194
	AckTimeout             AckCode = 225
	AckClockSet            AckCode = 215
	AckRealTimeClockSet    AckCode = 223
	AckRelayOn             AckCode = 216
	AckRelayOff            AckCode = 222
	AckNackOnOff           AckCode = 226
	AckSleepSet            AckCode = 246
	AckCalibrationAccepted AckCode = 229
	AckScanConfigAccepted  AckCode = 230
	AckSenseReportAccepted AckCode = 240
)

// TerminalForRetry reports whether the sub-code ends the request with a
// failure that should be retried (within budget) rather than delivered.
func (c AckCode) TerminalForRetry() bool {
	switch c {
	case AckTimeout, AckError, AckNackOnOff:
		return true
	default:
		return false
	}
}

// TerminalSuccess reports whether the sub-code closes the request
// successfully without a further full response being expected.
func (c AckCode) TerminalSuccess() bool {
	switch c {
	case AckClockSet, AckRealTimeClockSet, AckSleepSet, AckRelayOn, AckRelayOff,
		AckCalibrationAccepted, AckScanConfigAccepted, AckSenseReportAccepted:
		return true
	default:
		return false
	}
}

// NodeType is the closed set of node types the registry can promote a
// discovered MAC into.
type NodeType int

const (
	NodeTypeUnknown NodeType = iota
	NodeTypeStick
	NodeTypeCirclePlus
	NodeTypeCircle
	NodeTypeSwitch
	NodeTypeSense
	NodeTypeScan
	NodeTypeCelsiusSed
	NodeTypeCelsiusNr
	NodeTypeStealth
)

var nodeTypeNames = map[NodeType]string{
	NodeTypeUnknown:    "Unknown",
	NodeTypeStick:      "Stick",
	NodeTypeCirclePlus: "CirclePlus",
	NodeTypeCircle:     "Circle",
	NodeTypeSwitch:     "Switch",
	NodeTypeSense:      "Sense",
	NodeTypeScan:       "Scan",
	NodeTypeCelsiusSed: "CelsiusSed",
	NodeTypeCelsiusNr:  "CelsiusNr",
	NodeTypeStealth:    "Stealth",
}

func (t NodeType) String() string {
	if s, ok := nodeTypeNames[t]; ok {
		return s
	}
	return "Unknown"
}

// nodeTypeFromWire maps the wire node_type field (as seen in
// NodeInfoResponse) to a NodeType. The wire encoding follows the
// upstream device firmware's module-type table.
var nodeTypeFromWire = map[uint64]NodeType{
	0: NodeTypeStick,
	1: NodeTypeCircle,
	2: NodeTypeCirclePlus,
	3: NodeTypeSwitch,
	5: NodeTypeSense,
	6: NodeTypeScan,
	7: NodeTypeCelsiusSed,
	8: NodeTypeCelsiusNr,
	9: NodeTypeStealth,
}

// NodeTypeFromWire converts the wire node_type value of a NodeInfoResponse
// into a NodeType; an unrecognized value maps to NodeTypeUnknown, which the
// registry turns into an unsupported stub entry.
func NodeTypeFromWire(v uint64) NodeType {
	if t, ok := nodeTypeFromWire[v]; ok {
		return t
	}
	return NodeTypeUnknown
}

// IsSED reports whether a NodeType belongs to the sleeping-end-device
// family (no proactive requests; delivery only on awake).
func (t NodeType) IsSED() bool {
	switch t {
	case NodeTypeScan, NodeTypeSense, NodeTypeSwitch, NodeTypeStealth, NodeTypeCelsiusSed, NodeTypeCelsiusNr:
		return true
	default:
		return false
	}
}

// AwakeReason is carried on a SedAwakeResponse, selecting which queued
// maintenance to drain.
type AwakeReason int

const (
	AwakeMaintenance AwakeReason = iota // available-for-maintenance
	AwakeFirstJoin
	AwakeRejoin
	AwakeButtonPress
	AwakeUnknown
)

var awakeActionable = map[AwakeReason]bool{
	AwakeMaintenance: true,
	AwakeFirstJoin:   true,
	AwakeRejoin:      true,
	AwakeButtonPress: true,
}

// Actionable reports whether this awake reason should drain pending
// requests.
func (r AwakeReason) Actionable() bool { return awakeActionable[r] }

// ParseAwakeReason maps the wire awake_type field to an AwakeReason.
func ParseAwakeReason(v uint64) AwakeReason {
	switch v {
	case 0:
		return AwakeMaintenance
	case 1:
		return AwakeFirstJoin
	case 2:
		return AwakeRejoin
	case 3:
		return AwakeButtonPress
	default:
		return AwakeUnknown
	}
}

// ScanSensitivity is the wire-level Scan motion sensitivity setting. The
// ambiguous string constant ("medium" vs "off" for the same named
// constant) found upstream is resolved in favor of the unambiguous wire
// values.
type ScanSensitivity uint8

const (
	ScanSensitivityHigh   ScanSensitivity = 0x14
	ScanSensitivityMedium ScanSensitivity = 0x1E
	ScanSensitivityOff    ScanSensitivity = 0xFF
)
