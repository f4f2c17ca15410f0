// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package daq

import (
	"errors"
	"math"
	"sync/atomic"
)

// ErrInjected is the error returned by injected failures.
var ErrInjected = errors.New("daq: injected failure")

// Memory is an in-memory driver.
// Inputs are set by the caller, outputs record the last written values.
// All methods are safe for concurrent use.
type Memory struct {
	subs  int
	chans int

	ins   []atomic.Uint64 // math.Float64bits
	outs  []atomic.Uint64
	rfail []atomic.Int32 // pending injected read failures
	wfail []atomic.Int32
	lines []atomic.Bool

	reads  atomic.Uint64
	writes atomic.Uint64
	pulses atomic.Uint64
	closed atomic.Bool

	// OnRead, when set, provides the input samples instead of the stored
	// values. OnWrite, when set, is called with every written sample.
	// Both must be set before the driver is used and must not allocate
	// when the driver is used by the loop.
	OnRead  func(sub, ch int) float64
	OnWrite func(sub, ch int, v float64)
}

// NewMemory creates an in-memory driver with subs subdevices of chans
// channels each.
func NewMemory(subs, chans int) *Memory {
	n := subs * chans
	return &Memory{
		subs:  subs,
		chans: chans,
		ins:   make([]atomic.Uint64, n),
		outs:  make([]atomic.Uint64, n),
		rfail: make([]atomic.Int32, n),
		wfail: make([]atomic.Int32, n),
		lines: make([]atomic.Bool, n),
	}
}

func (mem *Memory) index(sub, ch int) int {
	if sub < 0 || sub >= mem.subs || ch < 0 || ch >= mem.chans {
		return -1
	}
	return sub*mem.chans + ch
}

// ReadSample implements Driver.
func (mem *Memory) ReadSample(sub, ch int) (float64, error) {
	i := mem.index(sub, ch)
	switch {
	case i < 0:
		return 0, ErrChannel
	case mem.closed.Load():
		return 0, ErrClosed
	}
	mem.reads.Add(1)
	if consume(&mem.rfail[i]) {
		return 0, ErrInjected
	}
	if mem.OnRead != nil {
		return mem.OnRead(sub, ch), nil
	}
	return math.Float64frombits(mem.ins[i].Load()), nil
}

// WriteSample implements Driver.
func (mem *Memory) WriteSample(sub, ch int, v float64) error {
	i := mem.index(sub, ch)
	switch {
	case i < 0:
		return ErrChannel
	case mem.closed.Load():
		return ErrClosed
	}
	mem.writes.Add(1)
	if consume(&mem.wfail[i]) {
		return ErrInjected
	}
	mem.outs[i].Store(math.Float64bits(v))
	if mem.OnWrite != nil {
		mem.OnWrite(sub, ch, v)
	}
	return nil
}

// WriteDigital implements DigitalWriter.
func (mem *Memory) WriteDigital(sub, line int, high bool) error {
	i := mem.index(sub, line)
	switch {
	case i < 0:
		return ErrChannel
	case mem.closed.Load():
		return ErrClosed
	}
	if mem.lines[i].Swap(high) != high && high {
		mem.pulses.Add(1)
	}
	return nil
}

func consume(n *atomic.Int32) bool {
	for {
		v := n.Load()
		if v <= 0 {
			return false
		}
		if n.CompareAndSwap(v, v-1) {
			return true
		}
	}
}

// SetInput sets the value returned by subsequent reads of a channel.
func (mem *Memory) SetInput(sub, ch int, v float64) {
	mem.ins[mem.mustIndex(sub, ch)].Store(math.Float64bits(v))
}

// Input returns the stored input value of a channel.
func (mem *Memory) Input(sub, ch int) float64 {
	return math.Float64frombits(mem.ins[mem.mustIndex(sub, ch)].Load())
}

// Output returns the last value written to a channel.
func (mem *Memory) Output(sub, ch int) float64 {
	return math.Float64frombits(mem.outs[mem.mustIndex(sub, ch)].Load())
}

// Digital returns the state of a digital line.
func (mem *Memory) Digital(sub, line int) bool {
	return mem.lines[mem.mustIndex(sub, line)].Load()
}

// FailReads makes the next n reads of a channel fail.
func (mem *Memory) FailReads(sub, ch, n int) {
	mem.rfail[mem.mustIndex(sub, ch)].Store(int32(n))
}

// FailWrites makes the next n writes of a channel fail.
func (mem *Memory) FailWrites(sub, ch, n int) {
	mem.wfail[mem.mustIndex(sub, ch)].Store(int32(n))
}

// Reads returns the number of read attempts.
func (mem *Memory) Reads() uint64 { return mem.reads.Load() }

// Writes returns the number of write attempts.
func (mem *Memory) Writes() uint64 { return mem.writes.Load() }

// Pulses returns the number of low-to-high transitions of the digital lines.
func (mem *Memory) Pulses() uint64 { return mem.pulses.Load() }

// Close implements io.Closer.
func (mem *Memory) Close() error {
	mem.closed.Store(true)
	return nil
}

func (mem *Memory) mustIndex(sub, ch int) int {
	i := mem.index(sub, ch)
	if i < 0 {
		panic(ErrChannel)
	}
	return i
}

var (
	_ Driver        = (*Memory)(nil)
	_ DigitalWriter = (*Memory)(nil)
)
