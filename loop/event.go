// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package loop

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// EventKind identifies an out-of-band loop event.
type EventKind uint8

const (
	EventReadFailure  EventKind = iota + 1 // transient input failure
	EventWriteFailure                      // transient output failure
	EventOverrun                           // cycle longer than the interval
	EventTrigger                           // trigger condition became true
	EventFatal                             // loop stopped on persistent failures
	EventSetup                             // real-time setup could not be applied
)

var eventNames = [...]string{
	EventReadFailure:  "read-failure",
	EventWriteFailure: "write-failure",
	EventOverrun:      "overrun",
	EventTrigger:      "trigger",
	EventFatal:        "fatal",
	EventSetup:        "setup",
}

func (k EventKind) String() string {
	if int(k) < len(eventNames) && eventNames[k] != "" {
		return eventNames[k]
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is emitted by the loop on its out-of-band channel.
// Events are fixed-size values and are dropped when nobody consumes them.
type Event struct {
	Kind    EventKind
	Cycle   uint64
	Channel string  // logical channel, if any
	Value   float64 // kind dependent: duration in seconds, errno, ...
}

func (ev Event) String() string {
	switch ev.Kind {
	case EventOverrun:
		return fmt.Sprintf("cycle %d: overrun (%v)", ev.Cycle, time.Duration(math.Round(ev.Value*1e9)))
	case EventTrigger:
		return fmt.Sprintf("cycle %d: trigger on %q (value=%g)", ev.Cycle, ev.Channel, ev.Value)
	case EventSetup:
		return fmt.Sprintf("could not apply %s (errno=%g)", ev.Channel, ev.Value)
	}
	return fmt.Sprintf("cycle %d: %s on %q (count=%g)", ev.Cycle, ev.Kind, ev.Channel, ev.Value)
}

func (lp *Loop) emit(ev Event) {
	select {
	case lp.events <- ev:
	default:
		lp.stats.dropped.Add(1)
	}
}

// Events returns the out-of-band event channel of the loop.
// Only one consumer should read from it: either the caller, or Watch.
func (lp *Loop) Events() <-chan Event { return lp.events }

// Watch consumes loop events until ctx is done, logging them on the loop
// message stream. Transient failure messages are rate limited.
// fn, if not nil, is called with every event.
func (lp *Loop) Watch(ctx context.Context, fn func(Event)) {
	var (
		lim        = rate.NewLimiter(lp.cfg.logRate, lp.cfg.logBurst)
		suppressed = 0
	)
	for {
		select {
		case <-ctx.Done():
			if suppressed > 0 {
				lp.msg.Warnf("%d loop messages suppressed", suppressed)
			}
			return
		case ev := <-lp.events:
			if fn != nil {
				fn(ev)
			}
			switch ev.Kind {
			case EventFatal:
				lp.msg.Errorf("%v", ev)
				continue
			case EventSetup, EventTrigger:
				lp.msg.Infof("%v", ev)
				continue
			}
			if !lim.Allow() {
				suppressed++
				continue
			}
			if suppressed > 0 {
				lp.msg.Warnf("%d loop messages suppressed", suppressed)
				suppressed = 0
			}
			lp.msg.Warnf("%v", ev)
		}
	}
}

// ring is a single-producer/single-consumer ring of durations.
type ring struct {
	buf  []int64
	head atomic.Uint64 // next slot written by the producer
	tail atomic.Uint64 // next slot read by the consumer
}

func newRing(n int) *ring {
	return &ring{buf: make([]int64, n)}
}

// push appends v, reporting false when the ring is full.
func (r *ring) push(v int64) bool {
	head := r.head.Load()
	if head-r.tail.Load() >= uint64(len(r.buf)) {
		return false
	}
	r.buf[head%uint64(len(r.buf))] = v
	r.head.Store(head + 1)
	return true
}

// drain consumes all the available values.
func (r *ring) drain(f func(v int64)) int {
	var (
		tail = r.tail.Load()
		head = r.head.Load()
	)
	for i := tail; i < head; i++ {
		f(r.buf[i%uint64(len(r.buf))])
	}
	r.tail.Store(head)
	return int(head - tail)
}

func (r *ring) reset() {
	r.head.Store(0)
	r.tail.Store(0)
}
