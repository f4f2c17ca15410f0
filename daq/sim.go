// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package daq

import (
	"math"
	"sync/atomic"
	"time"
)

// Sim simulates a passive membrane (RC circuit) connected to subdevice 0:
// input channel 0 reads the membrane potential (mV) and output channel 0
// injects a current (nA).
//
// The membrane is integrated by one step of Dt at each read of the potential.
type Sim struct {
	Cm float64       // membrane capacitance, in pF
	GL float64       // leak conductance, in nS
	EL float64       // leak reversal potential, in mV
	Dt time.Duration // integration step

	v    atomic.Uint64 // membrane potential, math.Float64bits
	i    atomic.Uint64 // injected current
	stim atomic.Uint64 // external stimulus current
}

// NewSim returns a simulated membrane at rest.
func NewSim() *Sim {
	sim := &Sim{
		Cm: 100,
		GL: 10,
		EL: -65,
		Dt: 100 * time.Microsecond,
	}
	sim.Reset()
	return sim
}

// Reset brings the membrane back to its resting potential.
func (sim *Sim) Reset() {
	sim.v.Store(math.Float64bits(sim.EL))
	sim.i.Store(0)
}

// V returns the membrane potential, in mV.
func (sim *Sim) V() float64 { return math.Float64frombits(sim.v.Load()) }

// I returns the last injected current, in nA.
func (sim *Sim) I() float64 { return math.Float64frombits(sim.i.Load()) }

// Stimulate sets an external current, in nA, added to the injected one.
func (sim *Sim) Stimulate(i float64) { sim.stim.Store(math.Float64bits(i)) }

// ReadSample implements Driver.
func (sim *Sim) ReadSample(sub, ch int) (float64, error) {
	if sub != 0 || ch != 0 {
		return 0, ErrChannel
	}
	var (
		v  = sim.V()
		i  = sim.I() + math.Float64frombits(sim.stim.Load())
		dt = sim.Dt.Seconds() * 1e3 // ms
	)
	// pA/pF = mV/ms
	v += dt * (-sim.GL*(v-sim.EL) + 1e3*i) / sim.Cm
	sim.v.Store(math.Float64bits(v))
	return v, nil
}

// WriteSample implements Driver.
func (sim *Sim) WriteSample(sub, ch int, v float64) error {
	if sub != 0 || ch != 0 {
		return ErrChannel
	}
	sim.i.Store(math.Float64bits(v))
	return nil
}

var (
	_ Driver = (*Sim)(nil)
)
