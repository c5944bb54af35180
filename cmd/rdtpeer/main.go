// Command rdtpeer is a standalone test harness for the rdt package: it
// parses its arguments, opens a UDP socket, wires up a Substrate and
// Engine, and drives them with a "testing N" source/sink so two peers can
// be run against each other and checked for in-order, exactly-once
// delivery.
//
// usage: rdtpeer myIp myPort wSize timeout [debug] [discProb delta runLength] [peerIp peerPort]
package main

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"rdt/pkg"
)

func usage() {
	fmt.Fprintln(os.Stderr, "usage: rdtpeer myIp myPort wSize timeout [debug] "+
		"[discProb delta runLength] [peerIp peerPort]")
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "rdtpeer:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) < 4 {
		usage()
		os.Exit(1)
	}

	myIP := args[0]
	myPort, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("myPort must be a number: %w", err)
	}
	wSize, err := strconv.Atoi(args[2])
	if err != nil {
		return fmt.Errorf("wSize must be a number: %w", err)
	}
	timeoutSec, err := strconv.ParseFloat(args[3], 64)
	if err != nil {
		return fmt.Errorf("timeout must be a number: %w", err)
	}

	nextArg := 4
	debug := false
	if len(args) > nextArg && args[nextArg] == "debug" {
		debug = true
		nextArg++
	}
	discProb := 0.0
	if len(args) > nextArg {
		discProb, err = strconv.ParseFloat(args[nextArg], 64)
		if err != nil {
			return fmt.Errorf("discProb must be a number: %w", err)
		}
		nextArg++
	}
	delta := 0.0
	if len(args) > nextArg {
		delta, err = strconv.ParseFloat(args[nextArg], 64)
		if err != nil {
			return fmt.Errorf("delta must be a number: %w", err)
		}
		nextArg++
	}
	runLength := 0.0
	if len(args) > nextArg {
		runLength, err = strconv.ParseFloat(args[nextArg], 64)
		if err != nil {
			return fmt.Errorf("runLength must be a number: %w", err)
		}
		nextArg++
	}
	var peerAddr *net.UDPAddr
	if len(args) > nextArg+1 {
		peerPort, err := strconv.Atoi(args[nextArg+1])
		if err != nil {
			return fmt.Errorf("peerPort must be a number: %w", err)
		}
		peerAddr, err = net.ResolveUDPAddr("udp", net.JoinHostPort(args[nextArg], strconv.Itoa(peerPort)))
		if err != nil {
			return fmt.Errorf("resolving peer address: %w", err)
		}
	}

	localAddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(myIP, strconv.Itoa(myPort)))
	if err != nil {
		return fmt.Errorf("resolving local address: %w", err)
	}
	conn, err := net.ListenUDP("udp", localAddr)
	if err != nil {
		return fmt.Errorf("opening socket: %w", err)
	}
	defer conn.Close()

	sub := rdt.NewSubstrate(conn, peerAddr, discProb, debug)
	sub.Start()

	engine := rdt.NewEngine(rdt.EngineConfig{
		WindowSize: wSize,
		Timeout:    time.Duration(timeoutSec * float64(time.Second)),
		Substrate:  sub,
	})
	engine.Start()

	// A peer started without a known address has to wait for the first
	// datagram to learn its remote before it can send anything, so give
	// the other side (started already knowing this one's address) a head
	// start.
	if peerAddr == nil {
		time.Sleep(2 * time.Second)
	}

	srcSnk := newSrcSnk(time.Duration(delta*float64(time.Second)), time.Duration(runLength*float64(time.Second)), engine)
	srcSnk.start()

	select {
	case err := <-sub.Fatal():
		return err
	case <-sub.Done():
	}

	srcSnk.stop()
	engine.Stop()
	fmt.Printf("rdtpeer: sent %d, received %d\n", srcSnk.outCount, srcSnk.inCount)
	if stats := sub.SendStats(); stats != nil {
		fmt.Printf("rdtpeer: sender data=%d acks=%d discarded_data=%d discarded_acks=%d\n",
			stats.DataSent, stats.AckSent, stats.DataDiscarded, stats.AckDiscarded)
	}
	if stats := sub.RecvStats(); stats != nil {
		fmt.Printf("rdtpeer: receiver data=%d acks=%d dropped=%d\n",
			stats.DataReceived, stats.AckReceived, stats.InQueueDropped)
	}
	return nil
}
