package rdt

import (
	"fmt"
	"net"
	"testing"
	"time"
)

type peer struct {
	engine *Engine
	sub    *Substrate
	conn   *net.UDPConn
}

func newLoopbackPeer(t *testing.T, remote *net.UDPAddr, wSize int, timeout time.Duration, discProb float64) *peer {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	sub := NewSubstrate(conn, remote, discProb, false)
	sub.Start()
	engine := NewEngine(EngineConfig{WindowSize: wSize, Timeout: timeout, Substrate: sub})
	engine.Start()
	return &peer{engine: engine, sub: sub, conn: conn}
}

func (p *peer) addr() *net.UDPAddr { return p.conn.LocalAddr().(*net.UDPAddr) }

func (p *peer) close() {
	p.engine.Stop()
	p.conn.Close()
}

func receiveWithDeadline(t *testing.T, e *Engine, timeout time.Duration) string {
	t.Helper()
	ch := make(chan string, 1)
	go func() { ch <- e.Receive() }()
	select {
	case s := <-ch:
		return s
	case <-time.After(timeout):
		t.Fatal("Receive() timed out")
		return ""
	}
}

// A clean channel delivers every payload in order with no retransmission.
func TestEndToEndCleanChannel(t *testing.T) {
	const wSize, n = 4, 10

	// Bind the receiving peer's socket up front so the sender can be
	// constructed already knowing its address. Only the side that
	// already knows its remote address can transmit before any datagram
	// has arrived, so that side must be the one doing the sending here.
	receiverConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	receiverConn.Close()
	receiverAddr := receiverConn.LocalAddr().(*net.UDPAddr)

	b := newLoopbackPeerAt(t, receiverAddr, nil, wSize, 500*time.Millisecond, 0)
	a := newLoopbackPeer(t, b.addr(), wSize, 500*time.Millisecond, 0)
	defer b.close()
	defer a.close()

	for i := 0; i < n; i++ {
		a.engine.Send(fmt.Sprintf("testing %d", i))
	}
	for i := 0; i < n; i++ {
		got := receiveWithDeadline(t, b.engine, 5*time.Second)
		want := fmt.Sprintf("testing %d", i)
		if got != want {
			t.Fatalf("received %q at position %d, want %q", got, i, want)
		}
	}
}

// newLoopbackPeerAt binds to a specific local address instead of an
// ephemeral one, so its address can be handed to the peer before either
// side starts.
func newLoopbackPeerAt(t *testing.T, local, remote *net.UDPAddr, wSize int, timeout time.Duration, discProb float64) *peer {
	t.Helper()
	conn, err := net.ListenUDP("udp", local)
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	sub := NewSubstrate(conn, remote, discProb, false)
	sub.Start()
	engine := NewEngine(EngineConfig{WindowSize: wSize, Timeout: timeout, Substrate: sub})
	engine.Start()
	return &peer{engine: engine, sub: sub, conn: conn}
}

// A lossy channel still delivers everything in order, and the loss rate
// used here is high enough to exercise at least one retransmission.
func TestEndToEndLossyChannelRecoversAndDelivers(t *testing.T) {
	const wSize, n = 4, 10
	const discProb = 0.3

	receiverConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	receiverConn.Close()
	receiverAddr := receiverConn.LocalAddr().(*net.UDPAddr)

	b := newLoopbackPeerAt(t, receiverAddr, nil, wSize, 200*time.Millisecond, discProb)
	a := newLoopbackPeer(t, b.addr(), wSize, 200*time.Millisecond, discProb)
	defer b.close()
	defer a.close()

	for i := 0; i < n; i++ {
		a.engine.Send(fmt.Sprintf("testing %d", i))
	}
	for i := 0; i < n; i++ {
		got := receiveWithDeadline(t, b.engine, 15*time.Second)
		want := fmt.Sprintf("testing %d", i)
		if got != want {
			t.Fatalf("received %q at position %d, want %q", got, i, want)
		}
	}
}

// A small window forces the sequence number to wrap around several
// times over the course of the run.
func TestEndToEndSequenceWraparound(t *testing.T) {
	const wSize, n = 3, 20 // modulus = 6, so seqNum cycles 0..5 more than three times over

	receiverConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	receiverConn.Close()
	receiverAddr := receiverConn.LocalAddr().(*net.UDPAddr)

	b := newLoopbackPeerAt(t, receiverAddr, nil, wSize, 300*time.Millisecond, 0)
	a := newLoopbackPeer(t, b.addr(), wSize, 300*time.Millisecond, 0)
	defer b.close()
	defer a.close()

	for i := 0; i < n; i++ {
		a.engine.Send(fmt.Sprintf("testing %d", i))
	}
	for i := 0; i < n; i++ {
		got := receiveWithDeadline(t, b.engine, 10*time.Second)
		want := fmt.Sprintf("testing %d", i)
		if got != want {
			t.Fatalf("received %q at position %d, want %q", got, i, want)
		}
	}
}
