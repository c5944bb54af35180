package rdt

import (
	"log"
	"math/rand"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

const (
	// queueCapacity bounds outQueue and inQueue.
	queueCapacity = 1000

	// socketReadBufferBytes gives the kernel enough room to hold a burst
	// of datagrams while the receive loop is busy decoding the previous
	// one.
	socketReadBufferBytes = 1 << 20

	readPollInterval   = 100 * time.Millisecond
	sendPollInterval   = 100 * time.Millisecond
	receiverIdleWindow = 5 * time.Second
	senderIdleWindow   = 3 * time.Second
)

// Stats tallies the packets a Substrate has moved, for reporting once its
// tasks self-terminate.
type Stats struct {
	DataSent, AckSent           int
	DataDiscarded, AckDiscarded int
	DataReceived, AckReceived   int
	InQueueDropped              int
}

// Substrate is the pair of Sender/Receiver tasks plus the UDP socket,
// presented to the engine as a lossy packet channel it can read from and
// write to without touching the socket itself.
type Substrate struct {
	conn     *net.UDPConn
	peer     atomic.Pointer[net.UDPAddr]
	discProb float64
	debug    bool
	logger   *log.Logger

	outQueue chan Packet
	inQueue  chan Packet

	fatal chan error

	sendStats atomic.Pointer[Stats]
	recvStats atomic.Pointer[Stats]

	done chan struct{}
}

// NewSubstrate wraps an already-bound UDP socket. peer may be nil, in
// which case it is learned from the first datagram received.
func NewSubstrate(conn *net.UDPConn, peer *net.UDPAddr, discProb float64, debug bool) *Substrate {
	s := &Substrate{
		conn:     conn,
		discProb: discProb,
		debug:    debug,
		logger:   log.New(os.Stderr, "rdt: ", 0),
		outQueue: make(chan Packet, queueCapacity),
		inQueue:  make(chan Packet, queueCapacity),
		fatal:    make(chan error, 1),
		done:     make(chan struct{}),
	}
	if peer != nil {
		s.peer.Store(peer)
	}
	_ = conn.SetReadBuffer(socketReadBufferBytes)
	return s
}

// Start launches the Sender and Receiver tasks.
func (s *Substrate) Start() {
	go s.receiveLoop()
	go s.sendLoop()
}

// Ready reports whether outQueue has room for another packet, so the
// engine can check capacity without risking a blocking send.
func (s *Substrate) Ready() bool { return len(s.outQueue) < cap(s.outQueue) }

// send enqueues p for the Sender task. It never blocks: if outQueue is
// full the packet is dropped and the caller (the single-threaded engine)
// is told so, since it must not stall waiting for the network.
func (s *Substrate) send(p Packet) bool {
	select {
	case s.outQueue <- p:
		return true
	default:
		return false
	}
}

// Fatal reports unrecoverable substrate errors: a malformed packet or a
// datagram from an unexpected peer. The caller, normally the process's
// command-line entry point, decides how to abort.
func (s *Substrate) Fatal() <-chan error { return s.fatal }

func (s *Substrate) fail(err error) {
	select {
	case s.fatal <- err:
	default:
	}
}

func (s *Substrate) receiveLoop() {
	buf := make([]byte, MaxPacketLen)
	var stats Stats
	var lastEvent time.Time

	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(readPollInterval)); err != nil {
			s.fail(errors.Wrap(err, "rdt: set read deadline"))
			return
		}
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if !lastEvent.IsZero() && time.Since(lastEvent) > receiverIdleWindow {
					s.recvStats.Store(&stats)
					close(s.done)
					return
				}
				continue
			}
			s.fail(errors.Wrap(err, "rdt: receiver read failed"))
			return
		}

		if known := s.peer.Load(); known == nil {
			s.peer.Store(addr)
		} else if !addrEqual(known, addr) {
			s.fail(errors.Errorf("rdt: received packet from unexpected peer %s, expected %s", addr, known))
			return
		}

		p, err := Decode(buf[:n])
		if err != nil {
			s.fail(errors.Wrap(err, "rdt: malformed packet"))
			return
		}
		if p.Type == DataPacket {
			stats.DataReceived++
		} else {
			stats.AckReceived++
		}

		select {
		case s.inQueue <- p:
		default:
			stats.InQueueDropped++
		}

		if s.debug {
			s.logger.Printf("received from %s: %s", addr, p)
		}

		lastEvent = time.Now()
	}
}

func (s *Substrate) sendLoop() {
	var stats Stats
	var lastEvent time.Time

	for {
		peer := s.peer.Load()
		if peer == nil {
			time.Sleep(sendPollInterval)
			continue
		}

		var p Packet
		select {
		case p = <-s.outQueue:
		case <-time.After(sendPollInterval):
			if !lastEvent.IsZero() && time.Since(lastEvent) > senderIdleWindow {
				s.sendStats.Store(&stats)
				return
			}
			continue
		}

		lastEvent = time.Now()

		if rand.Float64() < s.discProb {
			if p.Type == DataPacket {
				stats.DataDiscarded++
			} else {
				stats.AckDiscarded++
			}
			if s.debug {
				s.logger.Printf("discarding %s", p)
			}
			continue
		}

		out, err := Encode(p)
		if err != nil {
			s.fail(errors.Wrap(err, "rdt: encode failed"))
			return
		}
		if _, err := s.conn.WriteToUDP(out, peer); err != nil {
			s.fail(errors.Wrap(err, "rdt: send failed"))
			return
		}
		if p.Type == DataPacket {
			stats.DataSent++
		} else {
			stats.AckSent++
		}
		if s.debug {
			s.logger.Printf("sending to %s: %s", peer, p)
		}
	}
}

// Done reports when the Receiver task has self-terminated. The engine
// keeps running until the application stops it, so this is exposed
// separately for a command-line entry point that wants to block until
// the substrate has gone idle.
func (s *Substrate) Done() <-chan struct{} { return s.done }

// SendStats and RecvStats return the most recent run-summary counters
// once the corresponding task has self-terminated; nil beforehand.
func (s *Substrate) SendStats() *Stats { return s.sendStats.Load() }
func (s *Substrate) RecvStats() *Stats { return s.recvStats.Load() }

func addrEqual(a, b *net.UDPAddr) bool {
	return a.IP.Equal(b.IP) && a.Port == b.Port
}
