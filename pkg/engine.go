package rdt

import (
	"sync/atomic"
	"time"

	"rdt/priorityqueue"
)

const (
	appQueueCapacity = 1000
	idleSleep        = time.Millisecond
	maxWindowSize    = (1 << 14) - 1 // half the 15-bit sequence-number range, leaving room for 2*wSize to fit in uint16
)

// Clock abstracts time.Now so tests can drive the resend timer
// deterministically without sleeping.
type Clock func() time.Time

// EngineConfig holds an Engine's constructor parameters.
type EngineConfig struct {
	// WindowSize is wSize, clamped to at most 16383.
	WindowSize int
	// Timeout is the retransmission timeout.
	Timeout time.Duration
	// Substrate is the lossy packet channel the engine drives.
	Substrate *Substrate
	// Clock overrides time.Now; nil uses the real clock.
	Clock Clock
}

// Engine is the RDT protocol core: a single-threaded sliding-window,
// selective-repeat state machine that runs four prioritized actions each
// loop iteration over a send buffer, a receive buffer, and a resend timer
// queue.
type Engine struct {
	wSize   uint16
	space   seqSpace
	timeout time.Duration
	clock   Clock
	sub     *Substrate

	fromSrc chan string
	toSnk   chan string

	quit    atomic.Bool
	stopped chan struct{}

	sendBuffer   map[uint16]Packet
	receiveBuf   map[uint16]string
	resend       *priorityqueue.ResendQueue
	nextSeq      uint16
	nextExpected uint16
}

// NewEngine builds an Engine; call Start to run its event loop.
func NewEngine(cfg EngineConfig) *Engine {
	wSize := cfg.WindowSize
	if wSize > maxWindowSize {
		wSize = maxWindowSize
	}
	if wSize < 1 {
		wSize = 1
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Engine{
		wSize:        uint16(wSize),
		space:        newSeqSpace(uint16(wSize)),
		timeout:      cfg.Timeout,
		clock:        clock,
		sub:          cfg.Substrate,
		fromSrc:      make(chan string, appQueueCapacity),
		toSnk:        make(chan string, appQueueCapacity),
		stopped:      make(chan struct{}),
		sendBuffer:   make(map[uint16]Packet),
		receiveBuf:   make(map[uint16]string),
		resend:       priorityqueue.New(),
		nextSeq:      0,
		nextExpected: 0,
	}
}

// Start runs the engine's event loop in a new goroutine.
func (e *Engine) Start() { go e.run() }

// Stop requests a cooperative shutdown: the engine keeps running until its
// send buffer has fully drained, so any outstanding packet still gets a
// chance to be acked or retransmitted, then blocks until it has. The
// application is expected to stop sending (no more calls to Send) before
// calling Stop.
func (e *Engine) Stop() {
	e.quit.Store(true)
	<-e.stopped
}

// Send enqueues a payload for transmission, blocking if fromSrc is full.
func (e *Engine) Send(payload string) { e.fromSrc <- payload }

// Ready reports whether Send would not block.
func (e *Engine) Ready() bool { return len(e.fromSrc) < cap(e.fromSrc) }

// Receive blocks until a payload is available and returns it, in order.
func (e *Engine) Receive() string { return <-e.toSnk }

// Incoming reports whether Receive would not block.
func (e *Engine) Incoming() bool { return len(e.toSnk) > 0 }

func (e *Engine) run() {
	defer close(e.stopped)
	for !e.quit.Load() || len(e.sendBuffer) > 0 {
		switch {
		case e.uploadOrderedPayloads():
		case e.processInboundPacket():
		case e.retransmitTimedOut():
		case e.admitNewPacket():
		default:
			time.Sleep(idleSleep)
		}
	}
}

// uploadOrderedPayloads is action 1: deliver in-order buffered payloads to
// the application, stopping the first time toSnk is full.
func (e *Engine) uploadOrderedPayloads() bool {
	idx := e.nextExpected % e.wSize
	if _, ok := e.receiveBuf[idx]; !ok {
		return false
	}
	for {
		payload, ok := e.receiveBuf[idx]
		if !ok {
			break
		}
		select {
		case e.toSnk <- payload:
			delete(e.receiveBuf, idx)
			e.nextExpected = e.space.incr(e.nextExpected)
			idx = e.nextExpected % e.wSize
		default:
			return true // sink full; remaining slots wait for a later iteration
		}
	}
	return true
}

// processInboundPacket is action 2: consume one packet from the
// substrate's inQueue, ack any DATA unconditionally, and retire any ACK's
// send-buffer slot.
func (e *Engine) processInboundPacket() bool {
	var p Packet
	select {
	case p = <-e.sub.inQueue:
	default:
		return false
	}

	switch p.Type {
	case DataPacket:
		e.sub.send(Packet{Type: AckPacket, SeqNum: p.SeqNum})
		if e.space.diff(p.SeqNum, e.nextExpected) < e.wSize {
			e.receiveBuf[p.SeqNum%e.wSize] = p.Payload
		}
	case AckPacket:
		if _, ok := e.sendBuffer[p.SeqNum]; ok {
			delete(e.sendBuffer, p.SeqNum)
			e.resend.Remove(p.SeqNum)
		}
	}
	return true
}

// retransmitTimedOut is action 3: resend the single oldest un-acked
// packet if its timer has expired.
func (e *Engine) retransmitTimedOut() bool {
	head, ok := e.resend.Peek()
	if !ok {
		return false
	}
	now := e.clock()
	if now.Sub(head.ResendAt) <= e.timeout {
		return false
	}
	if !e.sub.send(e.sendBuffer[head.SeqNum]) {
		return false // outQueue full; retry next iteration, deadline untouched
	}
	e.resend.Touch(head.SeqNum, now)
	return true
}

// admitNewPacket is action 4: pull one payload from fromSrc and send it as
// a new DATA packet, subject to substrate readiness and window capacity.
func (e *Engine) admitNewPacket() bool {
	if len(e.fromSrc) == 0 || !e.sub.Ready() {
		return false
	}
	// Compare against the resend queue's head: the outstanding packet whose
	// last transmission is the oldest. A retransmission moves a packet
	// behind the others, so after one the head need not be the lowest
	// outstanding sequence number. An empty resend queue has nothing
	// outstanding, so admission is unconditional.
	if head, ok := e.resend.Peek(); ok && e.space.diff(e.nextSeq, head.SeqNum) >= e.wSize-1 {
		return false
	}

	var payload string
	select {
	case payload = <-e.fromSrc:
	default:
		return false
	}

	now := e.clock()
	pkt := Packet{Type: DataPacket, SeqNum: e.nextSeq, Payload: payload}
	e.sendBuffer[e.nextSeq] = pkt
	e.resend.Push(e.nextSeq, now)
	e.sub.send(pkt)
	e.nextSeq = e.space.incr(e.nextSeq)
	return true
}
