package main

import (
	"fmt"
	"time"

	"rdt/pkg"
)

// srcSnk generates "testing N" payloads at a configured rate and checks
// that what comes back from the peer arrives in the same order it was
// sent there.
type srcSnk struct {
	delta     time.Duration
	runLength time.Duration
	engine    *rdt.Engine

	inCount, outCount int

	quit chan struct{}
	done chan struct{}
}

func newSrcSnk(delta, runLength time.Duration, engine *rdt.Engine) *srcSnk {
	return &srcSnk{
		delta:     delta,
		runLength: runLength,
		engine:    engine,
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (s *srcSnk) start() { go s.run() }

func (s *srcSnk) stop() {
	close(s.quit)
	<-s.done
}

func (s *srcSnk) run() {
	defer close(s.done)

	start := time.Now()
	next := time.Second
	stopAt := next + s.runLength

	for {
		select {
		case <-s.quit:
			return
		default:
		}

		if s.engine.Incoming() {
			msg := s.engine.Receive()
			want := fmt.Sprintf("testing %d", s.inCount)
			if msg != want {
				fmt.Printf("srcSnk: got %q, expected %q\n", msg, want)
				return
			}
			s.inCount++
			continue
		}

		elapsed := time.Since(start)
		if elapsed > next && elapsed < stopAt && s.engine.Ready() && s.delta > 0 {
			s.engine.Send(fmt.Sprintf("testing %d", s.outCount))
			s.outCount++
			next += s.delta
			continue
		}

		time.Sleep(time.Millisecond)
	}
}
