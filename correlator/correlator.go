// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

// Package correlator allocates sequence ids at transmission time, tracks
// in-flight requests, enforces timeouts, schedules retries and delivers
// exactly one callback invocation per resolved request -- the
// request/response half of the stick protocol, the way cs104's APCI
// layer tracks unacknowledged I-frames by send/receive sequence number.
package correlator

import (
	"errors"
	"sync"
	"time"

	"github.com/rob-gra/go-plugwise/clog"
	"github.com/rob-gra/go-plugwise/proto"
	"github.com/rob-gra/go-plugwise/wire"
)

// SleepTime paces successive writes to respect the stick's own
// processing rate.
const SleepTime = 150 * time.Millisecond

// ErrTimeout marks a request that exhausted its retry budget without
// resolving.
var ErrTimeout = errors.New("timeout error")

// Transport is the minimal outbound capability the correlator needs;
// the controller supplies a concrete serial or TCP implementation.
type Transport interface {
	Write(frame []byte) error
}

// Result is what a resolved request's callback receives.
type Result struct {
	Response proto.Response // non-nil when resolved by a full response
	AckCode  proto.AckCode  // set when resolved by a terminal-success ack
	Err      error          // non-nil on timeout/drop
}

const (
	awaitingShortAck = iota
	awaitingResponse
)

type entry struct {
	seq      wire.SequenceID
	req      proto.Request
	expect   wire.MessageID
	mac      wire.MacAddress
	cb       func(Result)
	retries  int
	sentAt   time.Time
	state    int
	resolved bool
}

type outboundItem struct {
	req     proto.Request
	expect  wire.MessageID
	mac     wire.MacAddress
	cb      func(Result)
	retries int // carried across resubmissions
}

// Correlator owns the in-flight request table and the single writer
// goroutine that assigns sequence ids at the moment of transmission.
type Correlator struct {
	cfg       Config
	transport Transport
	onDrop    func(mac wire.MacAddress) // called when a request exhausts its retry budget

	mu       sync.Mutex
	inFlight map[wire.SequenceID]*entry
	lastSeq  wire.SequenceID
	haveSeq  bool

	outbound chan outboundItem
	stopCh   chan struct{}
	wg       sync.WaitGroup

	log clog.Clog
}

// New builds a Correlator. cfg is validated in place via Valid(). onDrop,
// if non-nil, is invoked (outside any lock) whenever a request's retry
// budget is exhausted, so the node registry can mark the node
// unavailable.
func New(transport Transport, cfg Config, onDrop func(mac wire.MacAddress)) (*Correlator, error) {
	if err := cfg.Valid(); err != nil {
		return nil, err
	}
	return &Correlator{
		cfg:       cfg,
		transport: transport,
		onDrop:    onDrop,
		inFlight:  make(map[wire.SequenceID]*entry),
		outbound:  make(chan outboundItem, 64),
		stopCh:    make(chan struct{}),
		log:       clog.NewLogger("correlator =>"),
	}, nil
}

// Start launches the writer and timeout-watcher goroutines.
func (c *Correlator) Start() {
	c.wg.Add(2)
	go c.writerLoop()
	go c.timeoutLoop()
}

// Stop halts both goroutines; requests still queued in the outbound
// channel are discarded.
func (c *Correlator) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

// Submit enqueues req for transmission. expectedResponse is the
// MessageID the catalog would use to decode the solicited response
// (used by the parser's unknown-id fallback); it may be empty for
// requests whose only resolution is a terminal-success ack (e.g. relay
// toggles, clock sets). cb fires exactly once when the request resolves,
// whether by full response, terminal-success ack, or failure.
func (c *Correlator) Submit(req proto.Request, expectedResponse wire.MessageID, mac wire.MacAddress, cb func(Result)) {
	select {
	case c.outbound <- outboundItem{req: req, expect: expectedResponse, mac: mac, cb: cb}:
	case <-c.stopCh:
	}
}

// InFlightExpectation implements the lookup the parser falls back to
// when it meets an unrecognized message id whose sequence id matches a
// live request.
func (c *Correlator) InFlightExpectation(seq wire.SequenceID) (wire.MessageID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.inFlight[seq]
	if !ok || e.expect == "" {
		return "", false
	}
	return e.expect, true
}

// HasInFlight reports whether a request of the given message id is
// already outstanding for mac, letting callers (the maintenance loop)
// avoid queueing a duplicate.
func (c *Correlator) HasInFlight(mac wire.MacAddress, id wire.MessageID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.inFlight {
		if e.mac == mac && e.req.MessageID() == id {
			return true
		}
	}
	return false
}

// nextSeq computes the id the writer assigns to the next outbound
// frame. Per the allocate-at-transmission-time rule, it is the increment
// of the last id this writer sent, not of submission order; received acks
// do not move the counter.
func (c *Correlator) nextSeq() wire.SequenceID {
	if !c.haveSeq {
		c.haveSeq = true
		c.lastSeq = wire.SeqPlaceholder
		return c.lastSeq
	}
	c.lastSeq = c.lastSeq.Increment()
	return c.lastSeq
}

func (c *Correlator) writerLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopCh:
			return
		case item := <-c.outbound:
			c.transmit(item)
		}
	}
}

func (c *Correlator) transmit(item outboundItem) {
	c.mu.Lock()
	seq := c.nextSeq()
	e := &entry{
		seq:     seq,
		req:     item.req,
		expect:  item.expect,
		mac:     item.mac,
		cb:      item.cb,
		retries: item.retries,
		sentAt:  time.Now(),
		state:   awaitingShortAck,
	}
	c.inFlight[seq] = e
	c.mu.Unlock()

	frame := wire.EncodeFrame(item.req.MessageID(), seq, item.req.Encode())
	if err := c.transport.Write(frame); err != nil {
		c.log.Warn("write %s seq %s: %v", item.req.MessageID(), seq, err)
	}
	time.Sleep(SleepTime)
}

// timeoutLoop periodically scans in-flight entries and resubmits or
// drops anything older than MessageTimeout. A request still awaiting its
// short-ack is also caught here rather than by a separate faster clock:
// the end-to-end retry cadence the stick actually exhibits (~5s, ~10s,
// ~15s for a request that never gets any reply at all) is the
// MessageTimeout cadence, so both "no short-ack" and "no full response"
// collapse onto the same watcher.
func (c *Correlator) timeoutLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.MessageTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.sweepTimeouts()
		}
	}
}

func (c *Correlator) sweepTimeouts() {
	now := time.Now()
	var stale []*entry
	c.mu.Lock()
	for seq, e := range c.inFlight {
		if e.resolved {
			continue
		}
		if now.Sub(e.sentAt) >= c.cfg.MessageTimeout {
			delete(c.inFlight, seq)
			stale = append(stale, e)
		}
	}
	c.mu.Unlock()

	for _, e := range stale {
		c.retryOrDrop(e, nil)
	}
}

// retryOrDrop resubmits e if its retry budget allows, otherwise resolves
// it with a timeout error and reports the owning MAC to onDrop.
// ackCode is set when the caller is retiring a terminal-for-retry ack
// rather than a bare timeout (used for logging only).
func (c *Correlator) retryOrDrop(e *entry, ackCode *proto.AckCode) {
	if ackCode != nil {
		c.log.Debug("seq %s retired by ack %v", e.seq, *ackCode)
	}
	if e.retries < c.cfg.MessageRetry {
		next := outboundItem{req: e.req, expect: e.expect, mac: e.mac, cb: e.cb, retries: e.retries + 1}
		select {
		case c.outbound <- next:
		case <-c.stopCh:
		}
		return
	}
	c.resolve(e, Result{Err: ErrTimeout})
	if c.onDrop != nil && e.mac != "" {
		c.onDrop(e.mac)
	}
}

// resolve fires e's callback exactly once.
func (c *Correlator) resolve(e *entry, res Result) {
	c.mu.Lock()
	if e.resolved {
		c.mu.Unlock()
		return
	}
	e.resolved = true
	c.mu.Unlock()

	if e.cb == nil {
		return
	}
	func() {
		defer func() {
			if r := recover(); r != nil {
				c.log.Error("callback panic for seq %s: %v", e.seq, r)
			}
		}()
		e.cb(res)
	}()
}

// HandleAck processes a small or large ack decoded by the parser.
func (c *Correlator) HandleAck(seq wire.SequenceID, code proto.AckCode, mac wire.MacAddress, hasMAC bool) {
	c.mu.Lock()
	e, ok := c.inFlight[seq]
	c.mu.Unlock()
	if !ok {
		c.log.Debug("ack for unknown seq %s (code %d)", seq, code)
		return
	}
	if hasMAC && e.mac == "" {
		e.mac = mac
	}

	switch {
	case code == proto.AckSuccess:
		c.mu.Lock()
		e.state = awaitingResponse
		c.mu.Unlock()
		return
	case code.TerminalSuccess():
		c.mu.Lock()
		delete(c.inFlight, seq)
		c.mu.Unlock()
		c.resolve(e, Result{AckCode: code})
		return
	case code.TerminalForRetry():
		c.mu.Lock()
		delete(c.inFlight, seq)
		c.mu.Unlock()
		c.retryOrDrop(e, &code)
		return
	default:
		c.log.Warn("unrecognized ack sub-code %d for seq %s", code, seq)
	}
}

// HandleResponse processes a full message decoded by the parser and
// matched by sequence id to an in-flight request.
func (c *Correlator) HandleResponse(seq wire.SequenceID, resp proto.Response) {
	c.mu.Lock()
	e, ok := c.inFlight[seq]
	if ok {
		delete(c.inFlight, seq)
	}
	c.mu.Unlock()
	if !ok {
		c.log.Debug("response for unknown seq %s: %s", seq, resp.MessageID())
		return
	}
	c.resolve(e, Result{Response: resp})
}
