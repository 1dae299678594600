// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package wire

import "fmt"

// Header and footer delimit every frame on the wire:
//
//	HEADER(0x05 05 03 03) | MessageId(4 hex) | SequenceId(4 hex) | Payload | CRC16(4 hex) | FOOTER(0x0D 0A)
var (
	Header = []byte{0x05, 0x05, 0x03, 0x03}
	Footer = []byte{0x0D, 0x0A}
)

// StrayTailByte sometimes follows the footer; the parser discards it when
// it is the byte directly after a footer.
const StrayTailByte = 0x83

// MessageID is the 4-hex-char tag identifying a request or response type.
//
// Exceptional layouts (node-add puts the MAC after the payload,
// circle-switch-relay-response puts it after the relay-state field) are
// assembled by their catalog types; this package only concerns itself
// with the common framing around a fully built payload.
type MessageID string

// EncodeFrame assembles header, id, sequence id, payload, CRC and footer
// into the full outbound byte sequence.
func EncodeFrame(id MessageID, seq SequenceID, payload []byte) []byte {
	body := make([]byte, 0, 8+len(payload))
	body = append(body, []byte(id)...)
	body = append(body, []byte(seq.String())...)
	body = append(body, payload...)

	crc := CRC16(body)

	out := make([]byte, 0, len(Header)+len(body)+4+len(Footer))
	out = append(out, Header...)
	out = append(out, body...)
	out = append(out, putHexUint(uint64(crc), 4)...)
	out = append(out, Footer...)
	return out
}

// DecodedFrame is a verified, CRC-checked frame ready for catalog lookup.
type DecodedFrame struct {
	ID      MessageID
	Seq     SequenceID
	Payload []byte
}

// DecodeFrame verifies and splits a candidate frame, header through
// footer inclusive. On CRC mismatch it returns ErrProtocol; the caller is
// expected to skip the frame and resynchronize.
func DecodeFrame(frame []byte) (DecodedFrame, error) {
	if len(frame) < len(Header)+8+4+len(Footer) {
		return DecodedFrame{}, protocolErrorf("frame too short: %d bytes", len(frame))
	}
	if string(frame[:len(Header)]) != string(Header) {
		return DecodedFrame{}, protocolErrorf("bad header %x", frame[:len(Header)])
	}
	tail := frame[len(frame)-len(Footer):]
	if string(tail) != string(Footer) {
		return DecodedFrame{}, protocolErrorf("bad footer %x", tail)
	}

	body := frame[len(Header) : len(frame)-len(Footer)-4]
	crcField := frame[len(frame)-len(Footer)-4 : len(frame)-len(Footer)]

	wantCRC, err := parseHexUint(crcField)
	if err != nil {
		return DecodedFrame{}, protocolErrorf("bad crc field %q: %s", string(crcField), err.Error())
	}
	gotCRC := CRC16(body)
	if uint16(wantCRC) != gotCRC {
		return DecodedFrame{}, protocolErrorf("bad crc: frame says %04X, computed %04X", wantCRC, gotCRC)
	}

	if len(body) < 8 {
		return DecodedFrame{}, protocolErrorf("body too short for id+sequence: %d bytes", len(body))
	}
	id := MessageID(body[:4])
	seq, err := ParseSequenceID(body[4:8])
	if err != nil {
		return DecodedFrame{}, err
	}

	return DecodedFrame{ID: id, Seq: seq, Payload: body[8:]}, nil
}

func (sf MessageID) String() string {
	return fmt.Sprintf("MID<%s>", string(sf))
}
