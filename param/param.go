// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package param implements the parameter exchange between the real-time loop
// and its non real-time controller.
//
// Two vectors are exchanged:
//   - toModel: written by the controller, read once per cycle by the loop,
//   - fromModel: written once per cycle by the loop, read by the controller.
//
// Both directions go through lock-free triple buffers: the loop never waits
// on the controller, and each side always sees a complete vector.
package param // import "github.com/go-lpc/clamp/param"

import (
	"errors"
	"fmt"
	"math"
	"sync"
)

var (
	// ErrUnknown is returned when a parameter name is not part of a vector.
	ErrUnknown = errors.New("param: unknown parameter")

	// ErrValue is returned when writing a NaN or infinite value.
	ErrValue = errors.New("param: invalid value")
)

// Desc describes one slot of a parameter vector.
type Desc struct {
	Name string `json:"name"`
	Unit string `json:"unit"`
}

func (d Desc) String() string {
	if d.Unit == "" {
		return d.Name
	}
	return d.Name + " [" + d.Unit + "]"
}

// Snapshot is a copy of a parameter vector.
type Snapshot struct {
	Cycle  uint64    `json:"cycle"` // loop cycle that produced the values
	Descs  []Desc    `json:"descs"`
	Values []float64 `json:"values"`
}

// Value returns the value of the named slot.
func (s Snapshot) Value(name string) (float64, bool) {
	for i, d := range s.Descs {
		if d.Name == name {
			return s.Values[i], true
		}
	}
	return 0, false
}

// Exchange holds the toModel and fromModel vectors.
// Vector lengths are fixed for the lifetime of an Exchange.
type Exchange struct {
	to   []Desc
	from []Desc

	toIdx   map[string]int
	fromIdx map[string]int

	defs []float64 // toModel defaults

	wmu   sync.Mutex // serializes controller writes
	cur   []float64  // authoritative toModel values
	wseq  uint64
	toBuf *tribuf

	rmu     sync.Mutex // serializes controller reads
	fromBuf *tribuf
}

// NewExchange creates a new exchange. Parameters missing from defs start at zero.
func NewExchange(toModel, fromModel []Desc, defs map[string]float64) (*Exchange, error) {
	x := &Exchange{
		to:      append([]Desc(nil), toModel...),
		from:    append([]Desc(nil), fromModel...),
		toIdx:   make(map[string]int, len(toModel)),
		fromIdx: make(map[string]int, len(fromModel)),
		defs:    make([]float64, len(toModel)),
	}

	for i, d := range x.to {
		if _, dup := x.toIdx[d.Name]; dup {
			return nil, fmt.Errorf("param: duplicate toModel parameter %q", d.Name)
		}
		x.toIdx[d.Name] = i
	}
	for i, d := range x.from {
		if _, dup := x.fromIdx[d.Name]; dup {
			return nil, fmt.Errorf("param: duplicate fromModel parameter %q", d.Name)
		}
		x.fromIdx[d.Name] = i
	}

	for name, v := range defs {
		i, ok := x.toIdx[name]
		if !ok {
			return nil, fmt.Errorf("param: could not set default for %q: %w", name, ErrUnknown)
		}
		if !finite(v) {
			return nil, fmt.Errorf("param: could not set default for %q=%v: %w", name, v, ErrValue)
		}
		x.defs[i] = v
	}

	x.cur = append([]float64(nil), x.defs...)
	x.toBuf = newTribuf(x.cur)
	x.fromBuf = newTribuf(make([]float64, len(x.from)))

	return x, nil
}

// ToModel returns the descriptors of the toModel vector.
func (x *Exchange) ToModel() []Desc { return append([]Desc(nil), x.to...) }

// FromModelDescs returns the descriptors of the fromModel vector.
func (x *Exchange) FromModelDescs() []Desc { return append([]Desc(nil), x.from...) }

// ToIndex returns the slot index of a toModel parameter.
func (x *Exchange) ToIndex(name string) (int, bool) {
	i, ok := x.toIdx[name]
	return i, ok
}

// FromIndex returns the slot index of a fromModel parameter.
func (x *Exchange) FromIndex(name string) (int, bool) {
	i, ok := x.fromIdx[name]
	return i, ok
}

// WriteToModel updates the named toModel parameter.
// The new value is visible to the loop at the start of its next cycle.
func (x *Exchange) WriteToModel(name string, v float64) error {
	return x.WriteToModelMulti(map[string]float64{name: v})
}

// WriteToModelMulti updates several toModel parameters at once.
// Either all values are published in a single step, or none is.
func (x *Exchange) WriteToModelMulti(vs map[string]float64) error {
	for name, v := range vs {
		if _, ok := x.toIdx[name]; !ok {
			return fmt.Errorf("param: could not write %q: %w", name, ErrUnknown)
		}
		if !finite(v) {
			return fmt.Errorf("param: could not write %q=%v: %w", name, v, ErrValue)
		}
	}

	x.wmu.Lock()
	defer x.wmu.Unlock()

	for name, v := range vs {
		x.cur[x.toIdx[name]] = v
	}
	x.publishTo()
	return nil
}

// ReadToModel returns the last value written for the named toModel parameter.
func (x *Exchange) ReadToModel(name string) (float64, error) {
	i, ok := x.toIdx[name]
	if !ok {
		return 0, fmt.Errorf("param: could not read %q: %w", name, ErrUnknown)
	}
	x.wmu.Lock()
	defer x.wmu.Unlock()
	return x.cur[i], nil
}

// ToModelValues returns a copy of the current toModel vector.
func (x *Exchange) ToModelValues() Snapshot {
	x.wmu.Lock()
	defer x.wmu.Unlock()
	return Snapshot{
		Cycle:  x.wseq,
		Descs:  x.ToModel(),
		Values: append([]float64(nil), x.cur...),
	}
}

// ClearFromModel zeroes the fromModel vector and stamps it with cycle 0.
// It must not be called while a loop publishes into the exchange.
func (x *Exchange) ClearFromModel() {
	vs := x.fromBuf.staging()
	for i := range vs {
		vs[i] = 0
	}
	x.fromBuf.publish(0)
}

func (x *Exchange) publishTo() {
	x.wseq++
	copy(x.toBuf.staging(), x.cur)
	x.toBuf.publish(x.wseq)
}

// ReadFromModel returns the most recent value of the named fromModel
// parameter, together with the loop cycle that produced it.
func (x *Exchange) ReadFromModel(name string) (float64, uint64, error) {
	i, ok := x.fromIdx[name]
	if !ok {
		return 0, 0, fmt.Errorf("param: could not read %q: %w", name, ErrUnknown)
	}
	x.rmu.Lock()
	defer x.rmu.Unlock()
	vs, cycle := x.fromBuf.acquire()
	return vs[i], cycle, nil
}

// FromModel returns a copy of the most recent fromModel vector.
func (x *Exchange) FromModel() Snapshot {
	x.rmu.Lock()
	defer x.rmu.Unlock()
	vs, cycle := x.fromBuf.acquire()
	return Snapshot{
		Cycle:  cycle,
		Descs:  x.FromModelDescs(),
		Values: append([]float64(nil), vs...),
	}
}

// Acquire returns the latest consistent toModel vector.
// It is called once per cycle by the loop and never blocks.
// The returned slice must be treated as read-only and is valid until the
// next call to Acquire.
func (x *Exchange) Acquire() []float64 {
	vs, _ := x.toBuf.acquire()
	return vs
}

// Publish copies vs into the fromModel vector, stamped with the loop cycle.
// It is called once per cycle by the loop and never blocks.
func (x *Exchange) Publish(vs []float64, cycle uint64) {
	copy(x.fromBuf.staging(), vs)
	x.fromBuf.publish(cycle)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
