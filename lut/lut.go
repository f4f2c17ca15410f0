// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package lut builds lookup tables for nonlinear functions.
//
// Transcendental functions are not evaluated inside the real-time loop.
// Models instead request tables before the loop starts and evaluate them
// with a bounded, allocation-free interpolation.
package lut // import "github.com/go-lpc/clamp/lut"

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
)

var (
	// ErrUnsupported is returned when a model does not provide the
	// requested table. This is an expected outcome, not a failure.
	ErrUnsupported = errors.New("lut: unsupported table")
)

// Table is a lookup table sampled on a uniform grid.
type Table struct {
	X   []float64
	Y   []float64
	Tol float64 // maximum interpolation error measured at mid-points

	x0  float64
	inv float64 // 1/dx
}

// Build samples f over [xmin, xmax] on n uniformly spaced points.
func Build(f func(x float64) float64, xmin, xmax float64, n int) (Table, error) {
	switch {
	case n < 2:
		return Table{}, fmt.Errorf("lut: invalid number of points (n=%d)", n)
	case !(xmax > xmin):
		return Table{}, fmt.Errorf("lut: invalid domain [%v, %v]", xmin, xmax)
	}

	tbl := Table{
		X: make([]float64, n),
		Y: make([]float64, n),
	}
	dx := (xmax - xmin) / float64(n-1)
	for i := range tbl.X {
		x := xmin + float64(i)*dx
		if i == n-1 {
			x = xmax
		}
		tbl.X[i] = x
		tbl.Y[i] = f(x)
	}
	tbl.x0 = xmin
	tbl.inv = 1 / dx

	for i := 0; i < n-1; i++ {
		mid := 0.5 * (tbl.X[i] + tbl.X[i+1])
		err := math.Abs(f(mid) - 0.5*(tbl.Y[i]+tbl.Y[i+1]))
		if err > tbl.Tol {
			tbl.Tol = err
		}
	}
	return tbl, nil
}

// Valid checks the table is usable.
func (tbl *Table) Valid() error {
	switch {
	case len(tbl.X) != len(tbl.Y):
		return fmt.Errorf("lut: x/y length mismatch (%d != %d)", len(tbl.X), len(tbl.Y))
	case len(tbl.X) < 2:
		return fmt.Errorf("lut: too few points (n=%d)", len(tbl.X))
	}
	for i := 1; i < len(tbl.X); i++ {
		if !(tbl.X[i] > tbl.X[i-1]) {
			return fmt.Errorf("lut: x not strictly increasing at index %d", i)
		}
	}
	return nil
}

// Domain returns the first and last x values of the table.
func (tbl *Table) Domain() (xmin, xmax float64) {
	return tbl.X[0], tbl.X[len(tbl.X)-1]
}

// At returns the linearly interpolated value at x.
// Values outside the domain are clamped to the nearest edge value.
// The X values are expected to be uniformly spaced.
// At runs in constant time and does not allocate.
func (tbl *Table) At(x float64) float64 {
	n := len(tbl.X)
	switch {
	case x <= tbl.X[0]:
		return tbl.Y[0]
	case x >= tbl.X[n-1]:
		return tbl.Y[n-1]
	case x != x: // NaN
		return tbl.Y[0]
	}

	x0, inv := tbl.x0, tbl.inv
	if inv == 0 {
		x0 = tbl.X[0]
		inv = float64(n-1) / (tbl.X[n-1] - x0)
	}
	i := int((x - x0) * inv)
	switch {
	case i < 0:
		i = 0
	case i > n-2:
		i = n - 2
	}
	x1, x2 := tbl.X[i], tbl.X[i+1]
	y1, y2 := tbl.Y[i], tbl.Y[i+1]
	return y1 + (y2-y1)*(x-x1)/(x2-x1)
}

// Generator builds the table with the given index for a model.
// Generators return ErrUnsupported for indices they do not provide.
type Generator func(idx int) (Table, error)

var registry = struct {
	sync.RWMutex
	gens map[string]Generator
}{
	gens: make(map[string]Generator),
}

// Register registers the table generator of a model.
func Register(model string, gen Generator) {
	registry.Lock()
	defer registry.Unlock()
	if _, dup := registry.gens[model]; dup {
		panic(fmt.Errorf("lut: duplicate generator for model %q", model))
	}
	registry.gens[model] = gen
}

// Models returns the names of the models with a table generator.
func Models() []string {
	registry.RLock()
	defer registry.RUnlock()
	o := make([]string, 0, len(registry.gens))
	for k := range registry.gens {
		o = append(o, k)
	}
	sort.Strings(o)
	return o
}

// Generate builds the table idx of the model.
// Generate must be called before the loop starts.
func Generate(model string, idx int) (Table, error) {
	registry.RLock()
	gen, ok := registry.gens[model]
	registry.RUnlock()
	if !ok {
		return Table{}, fmt.Errorf("lut: model %q has no table %d: %w", model, idx, ErrUnsupported)
	}

	tbl, err := gen(idx)
	if err != nil {
		return Table{}, err
	}
	if err := tbl.Valid(); err != nil {
		return Table{}, fmt.Errorf("lut: model %q produced an invalid table %d: %w", model, idx, err)
	}
	return tbl, nil
}
