// Package dispatch runs the single dispatcher goroutine that drives the
// transport, and the worker engine that multiplexes RPC execution over a
// pool of worker goroutines. The dispatcher owns every transport structure;
// workers run exactly one service handler invocation each and hand the
// finished RPC back through one lock-protected queue.
package dispatch

import (
	"context"
	"runtime"
	"time"
)

// DefaultPollMicros is how long the dispatcher keeps actively polling after
// it last found work before parking briefly. It should comfortably exceed an
// RPC round trip so the loop never sleeps mid-conversation.
const DefaultPollMicros = 10000

// Poller is one pollable event source. Poll runs a single bounded step and
// reports how much work it found.
type Poller interface {
	Poll() int
}

// Dispatcher cooperatively drives its registered pollers from one goroutine.
type Dispatcher struct {
	pollers    []Poller
	pollWindow time.Duration
}

// New constructs a Dispatcher. pollMicros <= 0 selects DefaultPollMicros.
func New(pollMicros int) *Dispatcher {
	if pollMicros <= 0 {
		pollMicros = DefaultPollMicros
	}
	return &Dispatcher{pollWindow: time.Duration(pollMicros) * time.Microsecond}
}

// RegisterPoller adds p to the polling rotation. Not safe to call once Run
// has started.
func (d *Dispatcher) RegisterPoller(p Poller) {
	d.pollers = append(d.pollers, p)
}

// Poll runs every poller once and reports whether any found work.
func (d *Dispatcher) Poll() int {
	found := 0
	for _, p := range d.pollers {
		found += p.Poll()
	}
	return found
}

// Run polls until ctx is done. While work keeps arriving the loop spins;
// after a full poll window without any, it yields the processor between
// passes to avoid burning a core on an idle node.
func (d *Dispatcher) Run(ctx context.Context) {
	lastWork := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if d.Poll() > 0 {
			lastWork = time.Now()
			continue
		}
		if time.Since(lastWork) > d.pollWindow {
			time.Sleep(50 * time.Microsecond)
		} else {
			runtime.Gosched()
		}
	}
}
