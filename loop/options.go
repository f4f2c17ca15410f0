// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package loop

import (
	"time"

	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/clamp/model"
	"github.com/go-lpc/clamp/trigger"
	"golang.org/x/time/rate"
)

type config struct {
	safe      model.Range
	safeValue float64

	trig    *trigger.Unit
	ttl     bool
	ttlSub  int
	ttlLine int
	stamps  bool
	meanTau time.Duration

	clock   Clock
	msg     log.MsgStream
	cpu     int
	memlock bool
	maxFail int
	nevents int
	params  map[string]float64

	logRate  rate.Limit
	logBurst int
}

func newConfig() config {
	return config{
		safe:     model.Range{Min: -10, Max: +10},
		clock:    SystemClock{Spin: 50 * time.Microsecond},
		cpu:      -1,
		maxFail:  DefaultMaxFailures,
		nevents:  1024,
		logRate:  rate.Limit(10),
		logBurst: 20,
	}
}

// Option configures a Loop.
type Option func(*config)

// WithSafe sets the allowed output range and the value written to every
// output on a fatal stop or after the loop stops.
// The default range is [-10, +10] nA with a safe value of 0 nA.
func WithSafe(r model.Range, v float64) Option {
	return func(cfg *config) {
		cfg.safe = r
		cfg.safeValue = v
	}
}

// WithTrigger attaches a trigger unit to the loop.
// The unit is polled once per cycle while armed.
func WithTrigger(u *trigger.Unit) Option {
	return func(cfg *config) {
		cfg.trig = u
	}
}

// WithDigitalPulse drives a digital line high while the model is computed.
// The driver must implement daq.DigitalWriter.
func WithDigitalPulse(sub, line int) Option {
	return func(cfg *config) {
		cfg.ttl = true
		cfg.ttlSub = sub
		cfg.ttlLine = line
	}
}

// WithTimestamps enables the recording of cycle, acquisition and wait
// durations.
func WithTimestamps(v bool) Option {
	return func(cfg *config) {
		cfg.stamps = v
	}
}

// WithMeanTau sets the time constant of the running mean of the inputs.
// The default is 5 loop intervals.
func WithMeanTau(tau time.Duration) Option {
	return func(cfg *config) {
		cfg.meanTau = tau
	}
}

// WithClock sets the clock of the loop.
func WithClock(clk Clock) Option {
	return func(cfg *config) {
		cfg.clock = clk
	}
}

// WithMsg sets the message stream used outside of the real-time cycle.
func WithMsg(msg log.MsgStream) Option {
	return func(cfg *config) {
		cfg.msg = msg
	}
}

// WithCPU pins the loop thread to the given CPU.
func WithCPU(cpu int) Option {
	return func(cfg *config) {
		cfg.cpu = cpu
	}
}

// WithMemLock locks the process memory while the loop runs.
func WithMemLock() Option {
	return func(cfg *config) {
		cfg.memlock = true
	}
}

// WithMaxFailures sets the number of consecutive failures on a channel
// escalating to a fatal stop.
func WithMaxFailures(n int) Option {
	return func(cfg *config) {
		cfg.maxFail = n
	}
}

// WithEventBuffer sets the capacity of the event channel.
func WithEventBuffer(n int) Option {
	return func(cfg *config) {
		cfg.nevents = n
	}
}

// WithParams sets initial values of model parameters, overriding the
// model defaults.
func WithParams(ps map[string]float64) Option {
	return func(cfg *config) {
		cfg.params = ps
	}
}

// WithLogRate limits the rate of transient failure messages logged by Watch.
func WithLogRate(r rate.Limit, burst int) Option {
	return func(cfg *config) {
		cfg.logRate = r
		cfg.logBurst = burst
	}
}
