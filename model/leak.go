// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package model

import (
	"github.com/go-lpc/clamp/param"
)

const (
	// InputV is the logical name of the membrane potential input.
	InputV = "V-1"
	// OutputI is the logical name of the injected current output.
	OutputI = "Current-1"
)

func init() {
	Register("leak", func() Model { return &Leak{} })
	Register("leak-vclamp", func() Model { return &LeakVClamp{} })
}

// Leak is a passive leak conductance.
type Leak struct {
	safe Range
}

func (*Leak) Name() string      { return "leak" }
func (*Leak) Inputs() []string  { return []string{InputV} }
func (*Leak) Outputs() []string { return []string{OutputI} }

func (*Leak) ToModel() []param.Desc {
	return []param.Desc{
		{Name: "g", Unit: "nS"},
		{Name: "E", Unit: "mV"},
	}
}

func (*Leak) FromModel() []param.Desc {
	return []param.Desc{
		{Name: "I-leak", Unit: "nA"},
	}
}

func (*Leak) Defaults() map[string]float64 {
	return map[string]float64{"g": 0, "E": -60}
}

func (m *Leak) Init(env Env) error {
	m.safe = env.Safe
	return nil
}

func (m *Leak) Compute(io *IO) {
	var (
		v = io.In[0]
		i = current(io.Par[0], v, io.Par[1])
	)
	io.Diag[0] = i
	io.Out[0] = m.safe.Clamp(i)
}

// LeakVClamp is a leak conductance in parallel with a voltage-clamp
// conductance pulling the membrane towards a command potential.
type LeakVClamp struct {
	safe Range
}

func (*LeakVClamp) Name() string      { return "leak-vclamp" }
func (*LeakVClamp) Inputs() []string  { return []string{InputV} }
func (*LeakVClamp) Outputs() []string { return []string{OutputI} }

func (*LeakVClamp) ToModel() []param.Desc {
	return []param.Desc{
		{Name: "g", Unit: "nS"},
		{Name: "E", Unit: "mV"},
		{Name: "gvc", Unit: "nS"},
		{Name: "Evc", Unit: "mV"},
	}
}

func (*LeakVClamp) FromModel() []param.Desc {
	return []param.Desc{
		{Name: "I-leak", Unit: "nA"},
		{Name: "I-vc", Unit: "nA"},
	}
}

func (*LeakVClamp) Defaults() map[string]float64 {
	return map[string]float64{"g": 0, "E": -60, "gvc": 0, "Evc": -60}
}

func (m *LeakVClamp) Init(env Env) error {
	m.safe = env.Safe
	return nil
}

func (m *LeakVClamp) Compute(io *IO) {
	var (
		v     = io.In[0]
		ileak = current(io.Par[0], v, io.Par[1])
		ivc   = current(io.Par[2], v, io.Par[3])
	)
	io.Diag[0] = ileak
	io.Diag[1] = ivc
	io.Out[0] = m.safe.Clamp(ileak + ivc)
}

var (
	_ Model     = (*Leak)(nil)
	_ Defaulter = (*Leak)(nil)
	_ Model     = (*LeakVClamp)(nil)
	_ Defaulter = (*LeakVClamp)(nil)
)
