// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package proto

import (
	"fmt"

	"github.com/rob-gra/go-plugwise/wire"
)

// Decode dispatches a full (non-ack) message by its MessageID to the
// matching decoder, given the MAC the parser already peeled off the
// payload (every message but StickInitResponse and CircleSwitchRelayResponse
// leads with its MAC on the wire; the parser hands that MAC along
// separately so each decoder only has to deal with its own tail fields).
func Decode(id wire.MessageID, mac wire.MacAddress, payload []byte) (Response, error) {
	switch id {
	case IDStickInitResponse:
		return DecodeStickInitResponse(payload)
	case IDNodeInfoResponse:
		return DecodeNodeInfoResponse(mac, payload)
	case IDPingResponse:
		return DecodePingResponse(mac, payload)
	case IDCircleScanResponse:
		return DecodeCircleScanResponse(mac, payload)
	case IDCircleCalibrationResponse:
		return DecodeCircleCalibrationResponse(mac, payload)
	case IDCirclePowerUsageResponse:
		return DecodeCirclePowerUsageResponse(mac, payload)
	case IDCirclePowerBufferResponse:
		return DecodeCirclePowerBufferResponse(mac, payload)
	case IDCircleClockResponse:
		return DecodeCircleClockResponse(mac, payload)
	case IDCoordinatorRTCResponse:
		return DecodeCoordinatorRealTimeClockResponse(mac, payload)
	case IDNodeRemoveResponse:
		return DecodeNodeRemoveResponse(mac, payload)
	case IDSenseReportResponse:
		return DecodeSenseReportResponse(mac, payload)
	case IDSedAwakeResponse:
		return DecodeNodeAwakeResponse(mac, payload)
	case IDSwitchGroupResponse:
		return DecodeNodeSwitchGroupResponse(mac, payload)
	case IDNodeFeaturesResponse:
		return DecodeNodeFeaturesResponse(mac, payload)
	case IDCoordinatorConnectResponse:
		return DecodeCoordinatorConnectResponse(mac, payload)
	case IDCoordinatorQueryResponse:
		return CoordinatorQueryResponse{MAC: mac}, nil
	case IDCoordinatorQueryEndResponse:
		return DecodeCoordinatorQueryEndResponse(mac, payload)
	case IDNodeAckResponse:
		return DecodeNodeAckResponse(mac, payload)
	case IDNodeJoinAvailable:
		return NodeJoinAvailableResponse{MAC: mac}, nil
	case IDNodeJoinAck:
		return NodeJoinAckResponse{MAC: mac}, nil
	default:
		return nil, fmt.Errorf("proto: %w: unrecognized message id %q", wire.ErrProtocol, id)
	}
}

// LeadsWithMAC reports whether a full message's payload begins with the
// node's MAC, the common-case layout. The two exceptions --
// StickInitResponse (carries no MAC of its own) and
// CircleSwitchRelayResponse (MAC follows the relay-state field) -- are
// decoded directly from the undivided payload instead.
func LeadsWithMAC(id wire.MessageID) bool {
	switch id {
	case IDStickInitResponse, IDCircleSwitchRelayResponse:
		return false
	default:
		return true
	}
}

// DecodeCircleSwitchRelayResponse handles the 0099 exceptional layout:
// RelayState(2) precedes the MAC on the wire, so the parser passes the
// whole undivided payload here instead of peeling the MAC off first.
func DecodeCircleSwitchRelayResponse(payload []byte) (CircleSwitchRelayResponse, error) {
	r := wire.NewReader(payload)
	state, err := r.Int(2)
	if err != nil {
		return CircleSwitchRelayResponse{}, err
	}
	mac, err := r.MAC()
	if err != nil {
		return CircleSwitchRelayResponse{}, err
	}
	return CircleSwitchRelayResponse{MAC: mac, RelayOn: AckCode(state) == AckRelayOn}, nil
}
