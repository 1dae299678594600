package parser

import (
	"testing"

	"github.com/rob-gra/go-plugwise/proto"
	"github.com/rob-gra/go-plugwise/wire"
)

func encodeAck(seq wire.SequenceID, code proto.AckCode) []byte {
	w := wire.NewWriter()
	w.PutInt(uint64(code), 4)
	return wire.EncodeFrame(proto.IDAck, seq, w.Bytes())
}

func encodeLargeAck(seq wire.SequenceID, code proto.AckCode, mac wire.MacAddress) []byte {
	w := wire.NewWriter()
	w.PutInt(uint64(code), 4)
	w.PutMAC(mac)
	return wire.EncodeFrame(proto.IDAck, seq, w.Bytes())
}

func TestSmallAckDecoded(t *testing.T) {
	p := New(nil)
	frame := encodeAck(1, proto.AckSuccess)
	if len(frame)-len(wire.Header)-len(wire.Footer)-4 != 12 {
		t.Fatalf("test fixture assumption broken: unexpected ack payload size")
	}
	out := p.Feed(frame)
	if len(out) != 1 {
		t.Fatalf("got %d decoded frames, want 1", len(out))
	}
	if out[0].Kind != KindAck {
		t.Fatalf("got kind %v, want KindAck", out[0].Kind)
	}
	if out[0].AckCode != proto.AckSuccess {
		t.Fatalf("got ack code %v, want SUCCESS", out[0].AckCode)
	}
	if out[0].HasMAC {
		t.Fatal("small ack should not carry a MAC")
	}
}

func TestLargeAckCarriesMAC(t *testing.T) {
	mac, err := wire.ParseMAC([]byte("AAAAAAAAAAAAAAAA"))
	if err != nil {
		t.Fatal(err)
	}
	p := New(nil)
	out := p.Feed(encodeLargeAck(2, proto.AckRelayOn, mac))
	if len(out) != 1 || out[0].Kind != KindAck {
		t.Fatalf("unexpected decode: %+v", out)
	}
	if !out[0].HasMAC || out[0].MAC != mac {
		t.Fatalf("got mac %v, hasMAC=%v, want %v", out[0].MAC, out[0].HasMAC, mac)
	}
}

func TestFullMessageDecoded(t *testing.T) {
	mac, err := wire.ParseMAC([]byte("1234567890ABCDEF"))
	if err != nil {
		t.Fatal(err)
	}
	w := wire.NewWriter()
	w.PutMAC(mac)
	w.PutInt(1, 2) // in rssi
	w.PutInt(2, 2) // out rssi
	w.PutInt(15, 4)

	frame := wire.EncodeFrame(proto.IDPingResponse, 9, w.Bytes())
	p := New(nil)
	out := p.Feed(frame)
	if len(out) != 1 || out[0].Kind != KindMessage {
		t.Fatalf("unexpected decode: %+v", out)
	}
	resp, ok := out[0].Response.(proto.PingResponse)
	if !ok {
		t.Fatalf("got %T, want proto.PingResponse", out[0].Response)
	}
	if resp.MAC != mac || resp.PingMS != 15 {
		t.Fatalf("got %+v", resp)
	}
}

func TestCRCRejectionResyncsToNextFrame(t *testing.T) {
	good1 := encodeAck(1, proto.AckSuccess)
	good2 := encodeAck(2, proto.AckSuccess)

	corrupt := append([]byte(nil), good1...)
	corrupt[len(wire.Header)+8] ^= 0x01 // flip a bit inside the ack code, so only the CRC check fails

	buf := append(append([]byte(nil), corrupt...), good2...)
	p := New(nil)
	out := p.Feed(buf)

	var sawMalformed, sawGood bool
	for _, d := range out {
		if d.Kind == KindMalformed {
			sawMalformed = true
		}
		if d.Kind == KindAck && d.Seq == 2 {
			sawGood = true
		}
	}
	if !sawMalformed {
		t.Fatal("expected the corrupted frame to be reported malformed")
	}
	if !sawGood {
		t.Fatal("expected the parser to resynchronize and decode the following good frame")
	}
}

func TestStrayTailByteDiscarded(t *testing.T) {
	frame := encodeAck(1, proto.AckSuccess)
	withTail := append(append([]byte(nil), frame...), wire.StrayTailByte)
	withTail = append(withTail, encodeAck(2, proto.AckSuccess)...)

	p := New(nil)
	out := p.Feed(withTail)
	if len(out) != 2 {
		t.Fatalf("got %d frames, want 2", len(out))
	}
}

func TestNodeAckResponseDecoded(t *testing.T) {
	mac, err := wire.ParseMAC([]byte("1234567890ABCDEF"))
	if err != nil {
		t.Fatal(err)
	}
	w := wire.NewWriter()
	w.PutMAC(mac)
	w.PutInt(uint64(proto.AckScanConfigAccepted), 4)

	p := New(nil)
	out := p.Feed(wire.EncodeFrame(proto.IDNodeAckResponse, 7, w.Bytes()))
	if len(out) != 1 || out[0].Kind != KindMessage {
		t.Fatalf("unexpected decode: %+v", out)
	}
	resp, ok := out[0].Response.(proto.NodeAckResponse)
	if !ok {
		t.Fatalf("got %T, want proto.NodeAckResponse", out[0].Response)
	}
	if resp.MAC != mac || resp.Code != proto.AckScanConfigAccepted {
		t.Fatalf("got %+v", resp)
	}
}

func TestReservedSequenceShortCircuitsCatalog(t *testing.T) {
	mac, err := wire.ParseMAC([]byte("1234567890ABCDEF"))
	if err != nil {
		t.Fatal(err)
	}
	w := wire.NewWriter()
	w.PutMAC(mac)
	w.PutInt(0, 2) // awake_type = maintenance

	frame := wire.EncodeFrame("9999", wire.SeqSedAwake, w.Bytes())
	p := New(nil)
	out := p.Feed(frame)
	if len(out) != 1 || out[0].Kind != KindMessage {
		t.Fatalf("unexpected decode: %+v", out)
	}
	if _, ok := out[0].Response.(proto.NodeAwakeResponse); !ok {
		t.Fatalf("got %T, want proto.NodeAwakeResponse", out[0].Response)
	}
}
