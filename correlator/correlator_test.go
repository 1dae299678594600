package correlator

import (
	"sync"
	"testing"
	"time"

	"github.com/rob-gra/go-plugwise/clog"
	"github.com/rob-gra/go-plugwise/proto"
	"github.com/rob-gra/go-plugwise/wire"
)

type fakeTransport struct {
	mu     sync.Mutex
	writes [][]byte
}

func (f *fakeTransport) Write(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, frame)
	return nil
}

func (f *fakeTransport) last() wire.DecodedFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	df, _ := wire.DecodeFrame(f.writes[len(f.writes)-1])
	return df
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

func testMAC(t *testing.T) wire.MacAddress {
	t.Helper()
	mac, err := wire.ParseMAC([]byte("1234567890ABCDEF"))
	if err != nil {
		t.Fatal(err)
	}
	return mac
}

func TestSequenceIDsAreContiguous(t *testing.T) {
	tr := &fakeTransport{}
	c, err := New(tr, DefaultConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	c.Start()
	defer c.Stop()

	mac := testMAC(t)
	c.Submit(proto.PingRequest{MAC: mac}, proto.IDPingResponse, mac, func(Result) {})
	waitForWrites(t, tr, 1)
	first := tr.last().Seq

	c.Submit(proto.PingRequest{MAC: mac}, proto.IDPingResponse, mac, func(Result) {})
	waitForWrites(t, tr, 2)
	second := tr.last().Seq

	if second != first.Increment() {
		t.Fatalf("got seq %s after %s, want %s", second, first, first.Increment())
	}
}

func TestCallbackFiresExactlyOnceOnFullResponse(t *testing.T) {
	tr := &fakeTransport{}
	c, err := New(tr, DefaultConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	c.Start()
	defer c.Stop()

	mac := testMAC(t)
	var calls int
	var mu sync.Mutex
	c.Submit(proto.PingRequest{MAC: mac}, proto.IDPingResponse, mac, func(Result) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	waitForWrites(t, tr, 1)
	seq := tr.last().Seq

	resp := proto.PingResponse{MAC: mac, PingMS: 1}
	c.HandleResponse(seq, resp)
	c.HandleResponse(seq, resp) // duplicate delivery must not double-fire

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("got %d callback invocations, want 1", calls)
	}
}

func TestTerminalSuccessAckResolvesWithoutFullResponse(t *testing.T) {
	tr := &fakeTransport{}
	c, err := New(tr, DefaultConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	c.Start()
	defer c.Stop()

	mac := testMAC(t)
	done := make(chan Result, 1)
	c.Submit(proto.CircleSwitchRelayRequest{MAC: mac, On: true}, "", mac, func(r Result) {
		done <- r
	})
	waitForWrites(t, tr, 1)
	seq := tr.last().Seq

	c.HandleAck(seq, proto.AckRelayOn, mac, true)

	select {
	case r := <-done:
		if r.AckCode != proto.AckRelayOn {
			t.Fatalf("got ack code %d, want RELAY_ON", r.AckCode)
		}
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}
}

func TestRetryBudgetExhaustedDropsAndMarksUnavailable(t *testing.T) {
	// Drives transmit/sweepTimeouts synchronously (no background
	// goroutines) so the retry count is deterministic instead of racing
	// a wall-clock ticker.
	tr := &fakeTransport{}
	cfg := Config{MessageRetry: 2, ShortAckWait: time.Second}
	if err := cfg.Valid(); err != nil {
		t.Fatal(err)
	}
	// Valid only accepts MessageTimeout >= 1s; the Correlator below is
	// built directly, so a shorter watcher period is set after validation.
	cfg.MessageTimeout = 10 * time.Millisecond
	var dropped wire.MacAddress
	c := &Correlator{
		cfg:       cfg,
		transport: tr,
		onDrop:    func(mac wire.MacAddress) { dropped = mac },
		inFlight:  make(map[wire.SequenceID]*entry),
		outbound:  make(chan outboundItem, 64),
		stopCh:    make(chan struct{}),
		log:       clog.NewLogger("test =>"),
	}

	mac := testMAC(t)
	var gotResult Result
	c.transmit(outboundItem{req: proto.CirclePowerUsageRequest{MAC: mac}, expect: proto.IDCirclePowerUsageResponse, mac: mac, cb: func(r Result) { gotResult = r }})

	for i := 0; i < 3; i++ {
		time.Sleep(cfg.MessageTimeout + 5*time.Millisecond)
		c.sweepTimeouts()
		select {
		case item := <-c.outbound:
			c.transmit(item)
		default:
		}
	}

	if tr.count() != 3 { // initial send + 2 retries
		t.Fatalf("got %d transmissions, want 3", tr.count())
	}
	if gotResult.Err == nil {
		t.Fatal("expected a timeout error")
	}
	if dropped != mac {
		t.Fatalf("onDrop called with %v, want %v", dropped, mac)
	}
}

func waitForWrites(t *testing.T, tr *fakeTransport, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if tr.count() >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d writes", n)
}
