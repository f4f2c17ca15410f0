// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package model defines the interface of the ionic-current models evaluated
// by the real-time loop, and a registry of the available models.
//
// Units are fixed for all models:
//   - potentials in mV,
//   - conductances in nS,
//   - currents in nA,
//   - time constants in ms.
//
// With these units, the current through a conductance g with reversal
// potential E at membrane potential V reads I = -0.001 * g * (V - E).
package model // import "github.com/go-lpc/clamp/model"

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/go-lpc/clamp/param"
)

var (
	// ErrUnknown is returned when no model is registered under a name.
	ErrUnknown = errors.New("model: unknown model")
)

// Range is a closed interval of output values.
type Range struct {
	Min float64 `json:"min" koanf:"min" yaml:"min"`
	Max float64 `json:"max" koanf:"max" yaml:"max"`
}

// Valid checks the range is finite and not empty.
func (r Range) Valid() error {
	switch {
	case math.IsNaN(r.Min) || math.IsNaN(r.Max) || math.IsInf(r.Min, 0) || math.IsInf(r.Max, 0):
		return fmt.Errorf("model: invalid range [%v, %v]: not finite", r.Min, r.Max)
	case r.Min > r.Max:
		return fmt.Errorf("model: invalid range [%v, %v]: min > max", r.Min, r.Max)
	}
	return nil
}

// Contains reports whether v is inside the range.
func (r Range) Contains(v float64) bool {
	return r.Min <= v && v <= r.Max
}

// Clamp returns v limited to the range.
// A NaN value is mapped to the value of the range closest to zero.
func (r Range) Clamp(v float64) float64 {
	if v != v {
		v = 0
	}
	switch {
	case v < r.Min:
		return r.Min
	case v > r.Max:
		return r.Max
	}
	return v
}

// MinInterval is the shortest loop period a model can be run at.
const MinInterval = 10 * time.Microsecond

// Env describes the execution environment of a model.
type Env struct {
	Interval time.Duration // loop period
	Safe     Range         // allowed range for every output
}

// IO holds the data exchanged with a model during one cycle.
// All slices are owned by the loop and have fixed lengths.
type IO struct {
	In    []float64 // input samples, in Model.Inputs order
	Out   []float64 // output samples, in Model.Outputs order
	Par   []float64 // toModel parameters (read-only)
	Diag  []float64 // fromModel parameters
	Cycle uint64    // current cycle counter
	Dt    float64   // loop period, in seconds
}

// Model is an ionic-current model.
//
// Init is called outside of the real-time loop, before each run.
// It may allocate and build lookup tables, and must reset the model state.
//
// Compute is called once per cycle. It must not allocate, block or call
// functions with an unbounded execution time. It must clamp its outputs
// to the safe range given to Init.
type Model interface {
	Name() string
	Inputs() []string
	Outputs() []string
	ToModel() []param.Desc
	FromModel() []param.Desc

	Init(env Env) error
	Compute(io *IO)
}

// Validator is implemented by models that restrict the values of their
// toModel parameters.
type Validator interface {
	Validate(name string, v float64) error
}

// Defaulter is implemented by models providing default parameter values.
type Defaulter interface {
	Defaults() map[string]float64
}

// Factory creates a new model instance.
type Factory func() Model

var registry = struct {
	sync.RWMutex
	models map[string]Factory
}{
	models: make(map[string]Factory),
}

// Register makes a model available under the provided name.
// Register panics if a model is registered twice.
func Register(name string, f Factory) {
	registry.Lock()
	defer registry.Unlock()

	if f == nil {
		panic("model: nil factory for model " + name)
	}
	if _, dup := registry.models[name]; dup {
		panic("model: duplicate model " + name)
	}
	registry.models[name] = f
}

// New creates a new instance of the named model.
func New(name string) (Model, error) {
	registry.RLock()
	f, ok := registry.models[name]
	registry.RUnlock()
	if !ok {
		return nil, fmt.Errorf("model: could not create %q: %w", name, ErrUnknown)
	}
	return f(), nil
}

// Names returns the sorted list of registered models.
func Names() []string {
	registry.RLock()
	defer registry.RUnlock()

	names := make([]string, 0, len(registry.models))
	for k := range registry.models {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Defaults returns the default parameter values of a model.
func Defaults(m Model) map[string]float64 {
	o := make(map[string]float64)
	if d, ok := m.(Defaulter); ok {
		for k, v := range d.Defaults() {
			o[k] = v
		}
	}
	return o
}

// current returns the current through a conductance g (nS) with reversal
// potential e (mV) at potential v (mV), in nA.
func current(g, v, e float64) float64 {
	return -0.001 * g * (v - e)
}
