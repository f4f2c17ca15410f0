// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package model

import (
	"fmt"
	"math"

	"github.com/go-lpc/clamp/lut"
	"github.com/go-lpc/clamp/param"
)

const (
	// MinTauFactor is the smallest allowed ratio between the gating time
	// constant and the loop period. Smaller values make the explicit Euler
	// step of the gating variable overshoot.
	MinTauFactor = 1.0

	sigmoidTable = 0
	sigmoidMin   = -40.0
	sigmoidMax   = +40.0
	sigmoidN     = 2001
)

func init() {
	Register("leak-vgate", func() Model { return &LeakVGate{} })
	lut.Register("leak-vgate", func(idx int) (lut.Table, error) {
		switch idx {
		case sigmoidTable:
			return lut.Build(sigmoid, sigmoidMin, sigmoidMax, sigmoidN)
		default:
			return lut.Table{}, lut.ErrUnsupported
		}
	})
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// LeakVGate is a leak conductance in parallel with a voltage-gated
// conductance with first order activation kinetics:
//
//	dvgate/dt = (sigmoid((V-vmid)*slope) - vgate) / tau
type LeakVGate struct {
	safe   Range
	sig    lut.Table
	mintau float64 // ms

	vgate float64
}

func (*LeakVGate) Name() string      { return "leak-vgate" }
func (*LeakVGate) Inputs() []string  { return []string{InputV} }
func (*LeakVGate) Outputs() []string { return []string{OutputI} }

func (*LeakVGate) ToModel() []param.Desc {
	return []param.Desc{
		{Name: "g", Unit: "nS"},
		{Name: "E", Unit: "mV"},
		{Name: "gvgate", Unit: "nS"},
		{Name: "Evgate", Unit: "mV"},
		{Name: "vmid", Unit: "mV"},
		{Name: "slope", Unit: "1/mV"},
		{Name: "tau", Unit: "ms"},
	}
}

func (*LeakVGate) FromModel() []param.Desc {
	return []param.Desc{
		{Name: "I-leak", Unit: "nA"},
		{Name: "I-vgate", Unit: "nA"},
		{Name: "vgate", Unit: ""},
	}
}

func (*LeakVGate) Defaults() map[string]float64 {
	return map[string]float64{
		"g":      0,
		"E":      -60,
		"gvgate": 0,
		"Evgate": -80,
		"vmid":   -40,
		"slope":  0.2,
		"tau":    10,
	}
}

func (m *LeakVGate) Init(env Env) error {
	tbl, err := lut.Generate(m.Name(), sigmoidTable)
	if err != nil {
		return fmt.Errorf("model: could not generate sigmoid table: %w", err)
	}
	m.sig = tbl
	m.safe = env.Safe
	m.mintau = MinTauFactor * env.Interval.Seconds() * 1e3
	m.vgate = 0
	return nil
}

// Validate rejects gating time constants that are not positive, or below
// MinTauFactor times the loop period.
// Before Init, the period is not known yet and the shortest one,
// MinInterval, is used.
func (m *LeakVGate) Validate(name string, v float64) error {
	if name != "tau" {
		return nil
	}
	mintau := m.mintau
	if mintau == 0 {
		mintau = MinTauFactor * MinInterval.Seconds() * 1e3
	}
	switch {
	case !(v > 0):
		return fmt.Errorf("model: invalid tau=%v ms: must be positive", v)
	case v < mintau:
		return fmt.Errorf("model: invalid tau=%v ms: below minimum %v ms", v, mintau)
	}
	return nil
}

func (m *LeakVGate) Compute(io *IO) {
	var (
		v     = io.In[0]
		g     = io.Par[0]
		e     = io.Par[1]
		gvg   = io.Par[2]
		evg   = io.Par[3]
		vmid  = io.Par[4]
		slope = io.Par[5]
		tau   = io.Par[6]
		dt    = io.Dt * 1e3 // ms
	)
	if lo := MinTauFactor * dt; !(tau >= lo) {
		tau = lo
	}

	m.vgate += (dt / tau) * (-m.vgate + m.sig.At((v-vmid)*slope))
	switch {
	case m.vgate < 0 || m.vgate != m.vgate:
		m.vgate = 0
	case m.vgate > 1:
		m.vgate = 1
	}

	var (
		ileak = current(g, v, e)
		ivg   = current(gvg*m.vgate, v, evg)
	)
	io.Diag[0] = ileak
	io.Diag[1] = ivg
	io.Diag[2] = m.vgate
	io.Out[0] = m.safe.Clamp(ileak + ivg)
}

var (
	_ Model     = (*LeakVGate)(nil)
	_ Validator = (*LeakVGate)(nil)
	_ Defaulter = (*LeakVGate)(nil)
)
